package storefront

import (
	"context"
	"encoding/base64"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	"github.com/nestora/storefront-transport/pkg/auth"
	"github.com/nestora/storefront-transport/pkg/channel"
	"github.com/nestora/storefront-transport/pkg/logging"
	"github.com/nestora/storefront-transport/pkg/observability"
	"github.com/nestora/storefront-transport/pkg/protocol"
	"github.com/nestora/storefront-transport/pkg/utils"
)

func testToken(subject string) string {
	payload := fmt.Sprintf(`{"sub":%q,"exp":%d}`, subject, time.Now().Add(time.Hour).Unix())
	return "eyJhbGciOiJIUzI1NiJ9." + base64.RawURLEncoding.EncodeToString([]byte(payload)) + ".s"
}

// chatEndpoint records the token of every dial and echoes messages
type chatEndpoint struct {
	*httptest.Server

	mu     sync.Mutex
	tokens []string
}

func newChatEndpoint() *chatEndpoint {
	e := &chatEndpoint{}
	upgrader := websocket.Upgrader{}
	e.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		e.mu.Lock()
		e.tokens = append(e.tokens, r.URL.Query().Get("token"))
		e.mu.Unlock()

		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		for {
			kind, data, err := conn.ReadMessage()
			if err != nil {
				return
			}
			if err := conn.WriteMessage(kind, data); err != nil {
				return
			}
		}
	}))
	return e
}

func (e *chatEndpoint) Tokens() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]string(nil), e.tokens...)
}

func gatherValue(t *testing.T, g prometheus.Gatherer, name string, labels map[string]string) float64 {
	t.Helper()
	families, err := g.Gather()
	require.NoError(t, err)

	for _, mf := range families {
		if mf.GetName() != name {
			continue
		}
	samples:
		for _, m := range mf.GetMetric() {
			have := map[string]string{}
			for _, lp := range m.GetLabel() {
				have[lp.GetName()] = lp.GetValue()
			}
			for k, v := range labels {
				if have[k] != v {
					continue samples
				}
			}
			if m.GetCounter() != nil {
				return m.GetCounter().GetValue()
			}
			return m.GetGauge().GetValue()
		}
	}
	return 0
}

func testConfig(server *utils.GraphQLServer, chat *chatEndpoint, reg *prometheus.Registry) Config {
	config := DefaultConfig()
	config.Endpoint = server.URL
	config.StreamEndpoint = server.WSURL()
	config.Chat.Endpoint = "ws" + strings.TrimPrefix(chat.URL, "http")
	config.Cache.Shards = 4
	config.Telemetry.MetricsConfig.Registerer = reg
	config.Telemetry.MetricsConfig.Gatherer = reg
	return config
}

const cartQuery = `query Cart { cart { total } }`

func TestStorefrontEndToEnd(t *testing.T) {
	server := utils.NewGraphQLServer()
	defer server.Close()
	server.OnRequest(func(utils.RecordedRequest) (int, interface{}) {
		return http.StatusOK, map[string]interface{}{"data": map[string]interface{}{"cart": map[string]int{"total": 42}}}
	})
	chat := newChatEndpoint()
	defer chat.Close()

	reg := prometheus.NewRegistry()
	ctx := context.Background()
	sf, err := New(ctx, testConfig(server, chat, reg), WithLogger(logging.Discard()))
	require.NoError(t, err)
	defer sf.Close(ctx)

	token := testToken("shopper")
	require.NoError(t, sf.Store().SetToken(token))

	op, err := protocol.NewOperation("Cart", cartQuery, nil)
	require.NoError(t, err)

	first, err := sf.Client().Execute(ctx, op)
	require.NoError(t, err)
	assert.False(t, first.FromCache)
	second, err := sf.Client().Execute(ctx, op)
	require.NoError(t, err)
	assert.True(t, second.FromCache)

	requests := server.Requests()
	require.Len(t, requests, 1)
	assert.Equal(t, "Bearer "+token, requests[0].Header.Get("Authorization"))
	assert.NotEmpty(t, requests[0].Header.Get("X-Request-ID"))

	assert.Equal(t, 1.0, gatherValue(t, reg, "storefront_cache_lookups_total", map[string]string{"result": "hit"}))
	assert.Equal(t, 2.0, gatherValue(t, reg, "storefront_operation_total", map[string]string{"kind": "query", "outcome": "success"}))

	// the chat channel dials with the shared credential
	connected := make(chan struct{}, 1)
	sf.Channel().OnStateChange(func(s channel.State) {
		if s == channel.StateConnected {
			connected <- struct{}{}
		}
	})
	echoes := make(chan string, 1)
	sf.Channel().OnMessage(func(msg string) { echoes <- msg })

	require.NoError(t, sf.Channel().Connect(""))
	select {
	case <-connected:
	case <-time.After(3 * time.Second):
		t.Fatal("chat channel did not connect")
	}
	assert.Equal(t, []string{token}, chat.Tokens())

	require.NoError(t, sf.Channel().Send("hi"))
	select {
	case msg := <-echoes:
		assert.Equal(t, "hi", msg)
	case <-time.After(3 * time.Second):
		t.Fatal("no echo")
	}

	require.NoError(t, sf.SignOut())
	_, ok := sf.Store().Get()
	assert.False(t, ok)

	third, err := sf.Client().Execute(ctx, op)
	require.NoError(t, err)
	assert.False(t, third.FromCache)
	requests = server.Requests()
	require.Len(t, requests, 2)
	assert.Empty(t, requests[1].Header.Get("Authorization"))
}

func TestStorefrontRefresher(t *testing.T) {
	server := utils.NewGraphQLServer()
	defer server.Close()
	chat := newChatEndpoint()
	defer chat.Close()

	token := testToken("refreshed")
	var calls int
	refresher := auth.RefresherFunc(func(context.Context) (string, error) {
		calls++
		return token, nil
	})

	ctx := context.Background()
	sf, err := New(ctx, testConfig(server, chat, prometheus.NewRegistry()),
		WithLogger(logging.Discard()),
		WithRefresher(refresher))
	require.NoError(t, err)
	defer sf.Close(ctx)

	op, err := protocol.NewOperation("Cart", cartQuery, nil)
	require.NoError(t, err)
	_, err = sf.Client().Execute(ctx, op)
	require.NoError(t, err)

	assert.Equal(t, 1, calls)
	requests := server.Requests()
	require.Len(t, requests, 1)
	assert.Equal(t, "Bearer "+token, requests[0].Header.Get("Authorization"))
}

func TestStorefrontTracing(t *testing.T) {
	server := utils.NewGraphQLServer()
	defer server.Close()
	chat := newChatEndpoint()
	defer chat.Close()

	exporter := tracetest.NewInMemoryExporter()
	tracer, err := observability.NewTracingProvider(observability.TracingConfig{Exporter: exporter})
	require.NoError(t, err)

	ctx := context.Background()
	sf, err := New(ctx, testConfig(server, chat, prometheus.NewRegistry()),
		WithLogger(logging.Discard()),
		WithTracer(tracer))
	require.NoError(t, err)
	defer sf.Close(ctx)

	op, err := protocol.NewOperation("Cart", cartQuery, nil)
	require.NoError(t, err)
	_, err = sf.Client().Execute(ctx, op)
	require.NoError(t, err)

	require.NoError(t, tracer.ForceFlush(ctx))
	var names []string
	for _, span := range exporter.GetSpans() {
		names = append(names, span.Name)
	}
	assert.ElementsMatch(t, []string{"graphql.query Cart", "transport.http"}, names)

	requests := server.Requests()
	require.Len(t, requests, 1)
	assert.NotEmpty(t, requests[0].Header.Get("Traceparent"), "trace context is propagated")
}

func TestNewRejectsInvalidConfig(t *testing.T) {
	config := DefaultConfig()
	config.Endpoint = ""
	_, err := New(context.Background(), config)
	assert.Error(t, err)

	config = DefaultConfig()
	config.Chat.Reconnect.BaseDelay = -time.Second
	_, err = New(context.Background(), config)
	assert.Error(t, err)
}

func TestCloseStopsChannel(t *testing.T) {
	server := utils.NewGraphQLServer()
	defer server.Close()
	chat := newChatEndpoint()
	defer chat.Close()

	ctx := context.Background()
	sf, err := New(ctx, testConfig(server, chat, prometheus.NewRegistry()), WithLogger(logging.Discard()))
	require.NoError(t, err)
	require.NoError(t, sf.Start(ctx))

	require.NoError(t, sf.Close(ctx))
	assert.ErrorIs(t, sf.Channel().Send("late"), channel.ErrStopped)
	assert.Equal(t, channel.StateDisconnected, sf.Channel().State())
}
