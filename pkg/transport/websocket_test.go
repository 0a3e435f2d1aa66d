package transport

import (
	"context"
	"io"
	"net/http"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	tperrors "github.com/nestora/storefront-transport/pkg/errors"
	"github.com/nestora/storefront-transport/pkg/protocol"
	"github.com/nestora/storefront-transport/pkg/utils"
)

const orderSubscription = `subscription OrderUpdates($id: ID!) { orderUpdated(id: $id) { status } }`

func TestWebSocketTransportSubscribe(t *testing.T) {
	server := utils.NewGraphQLServer()
	defer server.Close()

	server.OnSubscribe(func(req utils.RecordedRequest) []*protocol.Message {
		return []*protocol.Message{
			utils.DataFrame(map[string]interface{}{"data": map[string]interface{}{"orderUpdated": map[string]string{"status": "PAID"}}}),
			utils.DataFrame(map[string]interface{}{"data": map[string]interface{}{"orderUpdated": map[string]string{"status": "SHIPPED"}}}),
			utils.CompleteFrame(),
		}
	})

	tr := NewWebSocketTransport(server.WSURL(), WithHandshakeTimeout(time.Second))
	assert.Equal(t, "websocket", tr.Name())

	op := mustOperation(t, "OrderUpdates", orderSubscription, map[string]interface{}{"id": "o1"})
	header := http.Header{}
	header.Set("Authorization", "Bearer abc")
	header.Set("X-Empty", "")

	ctx := context.Background()
	stream, err := tr.Subscribe(ctx, &Request{Operation: op, Header: header, Token: "abc", RequestID: "sub-1"})
	require.NoError(t, err)
	defer stream.Close()

	var statuses []string
	for {
		result, err := stream.Next(ctx)
		if err == io.EOF {
			break
		}
		require.NoError(t, err)
		var data struct {
			OrderUpdated struct{ Status string } `json:"orderUpdated"`
		}
		require.NoError(t, result.Decode(&data))
		statuses = append(statuses, data.OrderUpdated.Status)
	}
	assert.Equal(t, []string{"PAID", "SHIPPED"}, statuses)

	requests := server.Requests()
	require.Len(t, requests, 1)
	assert.Equal(t, "OrderUpdates", requests[0].Body.OperationName)
	assert.Equal(t, "o1", requests[0].Body.Variables["id"])
	assert.Equal(t, "abc", requests[0].InitPayload["token"])
	assert.Equal(t, "Bearer abc", requests[0].InitPayload["Authorization"])
	_, hasEmpty := requests[0].InitPayload["X-Empty"]
	assert.False(t, hasEmpty)
}

func TestWebSocketTransportErrorFrame(t *testing.T) {
	server := utils.NewGraphQLServer()
	defer server.Close()

	server.OnSubscribe(func(utils.RecordedRequest) []*protocol.Message {
		return []*protocol.Message{utils.ErrorFrame(protocol.GraphQLError{Message: "order not found"})}
	})

	tr := NewWebSocketTransport(server.WSURL())
	stream, err := tr.Subscribe(context.Background(), &Request{Operation: mustOperation(t, "OrderUpdates", orderSubscription, nil)})
	require.NoError(t, err)
	defer stream.Close()

	result, err := stream.Next(context.Background())
	require.Error(t, err)
	assert.Equal(t, tperrors.KindGraphQL, tperrors.KindOf(err))
	require.NotNil(t, result)
	assert.Equal(t, []string{"order not found"}, result.ErrorMessages())

	_, err = stream.Next(context.Background())
	assert.Equal(t, io.EOF, err)
}

func TestWebSocketTransportUnauthenticatedData(t *testing.T) {
	server := utils.NewGraphQLServer()
	defer server.Close()

	server.OnSubscribe(func(utils.RecordedRequest) []*protocol.Message {
		return []*protocol.Message{utils.DataFrame(map[string]interface{}{
			"errors": []map[string]interface{}{
				{"message": "expired", "extensions": map[string]string{"code": protocol.CodeUnauthenticated}},
			},
		})}
	})

	tr := NewWebSocketTransport(server.WSURL())
	stream, err := tr.Subscribe(context.Background(), &Request{Operation: mustOperation(t, "OrderUpdates", orderSubscription, nil)})
	require.NoError(t, err)
	defer stream.Close()

	_, err = stream.Next(context.Background())
	assert.Equal(t, tperrors.KindAuthExpired, tperrors.KindOf(err))
}

func TestWebSocketTransportConnectionError(t *testing.T) {
	server := utils.NewGraphQLServer()
	defer server.Close()

	server.OnInit(func(payload map[string]string) *protocol.GraphQLError {
		if payload["token"] == "" {
			return &protocol.GraphQLError{Message: "missing token", Extensions: map[string]interface{}{"code": protocol.CodeUnauthenticated}}
		}
		return &protocol.GraphQLError{Message: "shop closed"}
	})

	tr := NewWebSocketTransport(server.WSURL())
	op := mustOperation(t, "OrderUpdates", orderSubscription, nil)

	_, err := tr.Subscribe(context.Background(), &Request{Operation: op})
	require.Error(t, err)
	assert.Equal(t, tperrors.KindAuthExpired, tperrors.KindOf(err))

	_, err = tr.Subscribe(context.Background(), &Request{Operation: op, Token: "abc"})
	require.Error(t, err)
	assert.Equal(t, tperrors.KindNetworkFailure, tperrors.KindOf(err))
	assert.Contains(t, err.Error(), "shop closed")
}

func TestWebSocketTransportUpgradeRejected(t *testing.T) {
	server := utils.NewGraphQLServer()
	defer server.Close()

	tr := NewWebSocketTransport(server.WSURL())
	op := mustOperation(t, "OrderUpdates", orderSubscription, nil)

	server.RejectUpgrade(http.StatusUnauthorized)
	_, err := tr.Subscribe(context.Background(), &Request{Operation: op})
	assert.Equal(t, tperrors.KindAuthExpired, tperrors.KindOf(err))

	server.RejectUpgrade(http.StatusForbidden)
	_, err = tr.Subscribe(context.Background(), &Request{Operation: op})
	assert.Equal(t, tperrors.KindNetworkFailure, tperrors.KindOf(err))
}

func TestWebSocketStreamClose(t *testing.T) {
	server := utils.NewGraphQLServer()
	defer server.Close()

	tr := NewWebSocketTransport(server.WSURL())
	stream, err := tr.Subscribe(context.Background(), &Request{Operation: mustOperation(t, "OrderUpdates", orderSubscription, nil)})
	require.NoError(t, err)

	require.NoError(t, stream.Close())
	assert.NotPanics(t, func() { _ = stream.Close() })

	_, err = stream.Next(context.Background())
	assert.Equal(t, io.EOF, err)

	assert.Eventually(t, func() bool {
		return server.Stops() == 1 && server.Terminates() == 1
	}, time.Second, 10*time.Millisecond)
}

func TestWebSocketStreamNextHonorsContext(t *testing.T) {
	server := utils.NewGraphQLServer()
	defer server.Close()

	tr := NewWebSocketTransport(server.WSURL())
	stream, err := tr.Subscribe(context.Background(), &Request{Operation: mustOperation(t, "OrderUpdates", orderSubscription, nil)})
	require.NoError(t, err)
	defer stream.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	_, err = stream.Next(ctx)
	require.Error(t, err)
	assert.True(t, tperrors.IsAborted(err))
}

func TestWebSocketStreamClosesWithContext(t *testing.T) {
	server := utils.NewGraphQLServer()
	defer server.Close()

	tr := NewWebSocketTransport(server.WSURL())
	ctx, cancel := context.WithCancel(context.Background())
	stream, err := tr.Subscribe(ctx, &Request{Operation: mustOperation(t, "OrderUpdates", orderSubscription, nil)})
	require.NoError(t, err)

	cancel()

	assert.Eventually(t, func() bool {
		return server.Stops() == 1
	}, time.Second, 10*time.Millisecond)

	_, err = stream.Next(context.Background())
	assert.Equal(t, io.EOF, err)
}

func orderStatusFrame(status string) *protocol.Message {
	return utils.DataFrame(map[string]interface{}{"data": map[string]interface{}{"orderUpdated": map[string]string{"status": status}}})
}

func nextStatus(t *testing.T, stream Stream) string {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	result, err := stream.Next(ctx)
	require.NoError(t, err)
	var data struct {
		OrderUpdated struct{ Status string } `json:"orderUpdated"`
	}
	require.NoError(t, result.Decode(&data))
	return data.OrderUpdated.Status
}

func TestWebSocketStreamResubscribesAfterDrop(t *testing.T) {
	server := utils.NewGraphQLServer()
	defer server.Close()

	var starts atomic.Int32
	server.OnSubscribe(func(utils.RecordedRequest) []*protocol.Message {
		if starts.Add(1) == 1 {
			return []*protocol.Message{orderStatusFrame("PAID")}
		}
		return []*protocol.Message{orderStatusFrame("SHIPPED"), utils.CompleteFrame()}
	})

	tr := NewWebSocketTransport(server.WSURL(),
		WithReconnect(ReconnectPolicy{MaxAttempts: 3, BaseDelay: 10 * time.Millisecond}))
	op := mustOperation(t, "OrderUpdates", orderSubscription, map[string]interface{}{"id": "o1"})
	stream, err := tr.Subscribe(context.Background(), &Request{Operation: op, Token: "abc"})
	require.NoError(t, err)
	defer stream.Close()

	assert.Equal(t, "PAID", nextStatus(t, stream))

	server.DropConnections()
	assert.Equal(t, "SHIPPED", nextStatus(t, stream))

	_, err = stream.Next(context.Background())
	assert.Equal(t, io.EOF, err)

	requests := server.Requests()
	require.Len(t, requests, 2, "the operation is started again on the new connection")
	for _, req := range requests {
		assert.Equal(t, "OrderUpdates", req.Body.OperationName)
		assert.Equal(t, "abc", req.InitPayload["token"])
	}
}

func TestWebSocketStreamGivesUpAfterReconnectAttempts(t *testing.T) {
	server := utils.NewGraphQLServer()
	defer server.Close()

	server.OnSubscribe(func(utils.RecordedRequest) []*protocol.Message {
		return []*protocol.Message{orderStatusFrame("PAID")}
	})

	tr := NewWebSocketTransport(server.WSURL(),
		WithReconnect(ReconnectPolicy{MaxAttempts: 2, BaseDelay: 5 * time.Millisecond}))
	stream, err := tr.Subscribe(context.Background(), &Request{Operation: mustOperation(t, "OrderUpdates", orderSubscription, nil)})
	require.NoError(t, err)
	defer stream.Close()

	assert.Equal(t, "PAID", nextStatus(t, stream))

	server.RejectUpgrade(http.StatusServiceUnavailable)
	server.DropConnections()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	_, err = stream.Next(ctx)
	require.Error(t, err)
	assert.Equal(t, tperrors.KindChannelExhausted, tperrors.KindOf(err))

	_, err = stream.Next(ctx)
	assert.Equal(t, io.EOF, err)
	assert.Len(t, server.Requests(), 1)
}

func TestWebSocketStreamWithoutReconnect(t *testing.T) {
	server := utils.NewGraphQLServer()
	defer server.Close()

	server.OnSubscribe(func(utils.RecordedRequest) []*protocol.Message {
		return []*protocol.Message{orderStatusFrame("PAID")}
	})

	tr := NewWebSocketTransport(server.WSURL(), WithReconnect(ReconnectPolicy{}))
	stream, err := tr.Subscribe(context.Background(), &Request{Operation: mustOperation(t, "OrderUpdates", orderSubscription, nil)})
	require.NoError(t, err)
	defer stream.Close()

	assert.Equal(t, "PAID", nextStatus(t, stream))
	server.DropConnections()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	_, err = stream.Next(ctx)
	require.Error(t, err)
	assert.Equal(t, tperrors.KindNetworkFailure, tperrors.KindOf(err))

	_, err = stream.Next(ctx)
	assert.Equal(t, io.EOF, err)
}

func TestWebSocketStreamCloseDuringReconnectBackoff(t *testing.T) {
	server := utils.NewGraphQLServer()
	defer server.Close()

	server.OnSubscribe(func(utils.RecordedRequest) []*protocol.Message {
		return []*protocol.Message{orderStatusFrame("PAID")}
	})

	tr := NewWebSocketTransport(server.WSURL(),
		WithReconnect(ReconnectPolicy{MaxAttempts: 5, BaseDelay: time.Hour}))
	stream, err := tr.Subscribe(context.Background(), &Request{Operation: mustOperation(t, "OrderUpdates", orderSubscription, nil)})
	require.NoError(t, err)

	assert.Equal(t, "PAID", nextStatus(t, stream))
	server.DropConnections()

	closed := make(chan struct{})
	go func() {
		_ = stream.Close()
		close(closed)
	}()
	select {
	case <-closed:
	case <-time.After(2 * time.Second):
		t.Fatal("Close blocked on the reconnect backoff")
	}

	_, err = stream.Next(context.Background())
	assert.Equal(t, io.EOF, err)
	assert.Len(t, server.Requests(), 1)
}

func TestReconnectPolicyValidate(t *testing.T) {
	assert.NoError(t, DefaultReconnectPolicy().Validate("connection.stream_reconnect"))
	assert.NoError(t, ReconnectPolicy{}.Validate("connection.stream_reconnect"), "zero attempts disable reconnection")

	err := ReconnectPolicy{MaxAttempts: -1}.Validate("connection.stream_reconnect")
	assert.Equal(t, tperrors.KindInvalid, tperrors.KindOf(err))

	err = ReconnectPolicy{MaxAttempts: 2}.Validate("connection.stream_reconnect")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "base_reconnect_delay")
}
