package transport

import (
	"context"
	"testing"
	"time"

	"github.com/nestora/storefront-transport/pkg/protocol"
	"github.com/nestora/storefront-transport/pkg/utils"
)

// TestWebSocketStreamGoroutineLeak checks that closing a stream stops its reader
func TestWebSocketStreamGoroutineLeak(t *testing.T) {
	server := utils.NewGraphQLServer()
	defer server.Close()

	server.OnSubscribe(func(utils.RecordedRequest) []*protocol.Message {
		return []*protocol.Message{utils.DataFrame(map[string]interface{}{"data": map[string]interface{}{}})}
	})

	tr := NewWebSocketTransport(server.WSURL())
	op := mustOperation(t, "OrderUpdates", orderSubscription, nil)

	detector := utils.NewGoroutineLeakDetector(t).
		SetAllowedGrowth(2). // idle keep-alive connections of the test server
		SetStabilizeDelay(100 * time.Millisecond)
	detector.Start()

	for i := 0; i < 5; i++ {
		stream, err := tr.Subscribe(context.Background(), &Request{Operation: op})
		if err != nil {
			t.Fatalf("Failed to subscribe: %v", err)
		}
		if _, err := stream.Next(context.Background()); err != nil {
			t.Fatalf("Failed to read first result: %v", err)
		}
		if err := stream.Close(); err != nil {
			t.Logf("close: %v", err)
		}
	}
	server.WaitConnections()

	detector.Check()
}

// TestWebSocketStreamContextGoroutineLeak checks that cancelling the
// subscription context releases every goroutine
func TestWebSocketStreamContextGoroutineLeak(t *testing.T) {
	server := utils.NewGraphQLServer()
	defer server.Close()

	tr := NewWebSocketTransport(server.WSURL())
	op := mustOperation(t, "OrderUpdates", orderSubscription, nil)

	detector := utils.NewGoroutineLeakDetector(t).
		SetAllowedGrowth(2).
		SetStabilizeDelay(100 * time.Millisecond)
	detector.Start()

	for i := 0; i < 5; i++ {
		ctx, cancel := context.WithCancel(context.Background())
		if _, err := tr.Subscribe(ctx, &Request{Operation: op}); err != nil {
			cancel()
			t.Fatalf("Failed to subscribe: %v", err)
		}
		cancel()
	}
	server.WaitConnections()

	detector.Check()
}

// TestHTTPTransportGoroutineLeak checks that failed requests leave nothing behind
func TestHTTPTransportGoroutineLeak(t *testing.T) {
	detector := utils.NewGoroutineLeakDetector(t).
		SetAllowedGrowth(5). // HTTP client may keep a few goroutines
		SetStabilizeDelay(200 * time.Millisecond)
	detector.Start()

	tr := NewHTTPTransport("http://127.0.0.1:1/graphql")
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	for i := 0; i < 5; i++ {
		_, _ = tr.Do(ctx, &Request{Operation: mustOperation(t, "", `{ shop { name } }`, nil)})
	}

	detector.Check()
}
