package channel

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	tperrors "github.com/nestora/storefront-transport/pkg/errors"
	"github.com/nestora/storefront-transport/pkg/observability"
	"github.com/nestora/storefront-transport/pkg/utils"
)

// chatServer is a WebSocket endpoint whose behaviour is chosen per
// connection.
type chatServer struct {
	*httptest.Server

	mu       sync.Mutex
	dials    int
	tokens   []string
	received []string

	// reject answers the nth dial (from 1) with an HTTP status instead of
	// upgrading. Zero upgrades.
	reject func(n int) int
	// closeWith closes the nth connection right after the upgrade with
	// the returned code. Zero echoes.
	closeWith func(n int) int
}

func newChatServer() *chatServer {
	s := &chatServer{}
	upgrader := websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }}

	s.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		s.mu.Lock()
		s.dials++
		n := s.dials
		s.tokens = append(s.tokens, r.URL.Query().Get("token"))
		reject, closeWith := s.reject, s.closeWith
		s.mu.Unlock()

		if reject != nil {
			if status := reject(n); status != 0 {
				http.Error(w, "unavailable", status)
				return
			}
		}

		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()

		if closeWith != nil {
			if code := closeWith(n); code != 0 {
				msg := websocket.FormatCloseMessage(code, "going away")
				_ = conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
				// wait for the client to answer the close
				_, _, _ = conn.ReadMessage()
				return
			}
		}

		for {
			_, data, err := conn.ReadMessage()
			if err != nil {
				return
			}
			s.mu.Lock()
			s.received = append(s.received, string(data))
			s.mu.Unlock()
			if err := conn.WriteMessage(websocket.TextMessage, []byte("echo: "+string(data))); err != nil {
				return
			}
		}
	}))
	return s
}

func (s *chatServer) WSURL() string {
	return "ws" + strings.TrimPrefix(s.URL, "http")
}

func (s *chatServer) Dials() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.dials
}

func (s *chatServer) Tokens() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.tokens...)
}

func (s *chatServer) Received() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.received...)
}

type reconnect struct {
	attempt int
	delay   time.Duration
}

// watch collects reconnect notifications and state changes
type watch struct {
	reconnects chan reconnect
	states     chan State
}

func newWatch(c *StreamChannel) *watch {
	w := &watch{
		reconnects: make(chan reconnect, 16),
		states:     make(chan State, 64),
	}
	c.OnReconnect(func(attempt int, delay time.Duration) {
		w.reconnects <- reconnect{attempt, delay}
	})
	c.OnStateChange(func(s State) {
		w.states <- s
	})
	return w
}

func (w *watch) nextReconnect(t *testing.T) reconnect {
	t.Helper()
	select {
	case r := <-w.reconnects:
		return r
	case <-time.After(3 * time.Second):
		t.Fatal("no reconnect scheduled")
		return reconnect{}
	}
}

func (w *watch) waitState(t *testing.T, want State) {
	t.Helper()
	deadline := time.After(3 * time.Second)
	for {
		select {
		case s := <-w.states:
			if s == want {
				return
			}
		case <-deadline:
			t.Fatalf("channel never reached state %s", want)
		}
	}
}

func newTestChannel(t *testing.T, config Config, opts ...Option) (*StreamChannel, *clock.Mock) {
	t.Helper()
	mock := clock.NewMock()
	c, err := New(config, append([]Option{WithClock(mock)}, opts...)...)
	require.NoError(t, err)
	t.Cleanup(c.Stop)
	return c, mock
}

func TestStateString(t *testing.T) {
	assert.Equal(t, "disconnected", StateDisconnected.String())
	assert.Equal(t, "connecting", StateConnecting.String())
	assert.Equal(t, "connected", StateConnected.String())
	assert.Equal(t, "closing", StateClosing.String())
	assert.Equal(t, "unknown", State(42).String())
}

func TestConfigValidate(t *testing.T) {
	assert.NoError(t, DefaultConfig().Validate())

	config := DefaultConfig()
	config.Reconnect.MaxAttempts = -1
	assert.Equal(t, tperrors.KindInvalid, tperrors.KindOf(config.Validate()))

	config = DefaultConfig()
	config.Reconnect.BaseDelay = 0
	assert.Error(t, config.Validate())

	_, err := New(config)
	assert.Error(t, err)
}

func TestReconnectPolicyDelay(t *testing.T) {
	policy := DefaultReconnectPolicy()
	assert.Equal(t, 5, policy.MaxAttempts)
	for attempt := 1; attempt <= 5; attempt++ {
		assert.Equal(t, time.Duration(attempt)*time.Second, policy.Delay(attempt))
	}
}

func TestSendAndReceive(t *testing.T) {
	server := newChatServer()
	defer server.Close()

	c, _ := newTestChannel(t, DefaultConfig())
	w := newWatch(c)

	messages := make(chan string, 8)
	c.OnMessage(func(msg string) { messages <- msg })

	assert.ErrorIs(t, c.Send("too early"), ErrNotConnected)

	require.NoError(t, c.Connect(server.WSURL()))
	w.waitState(t, StateConnected)
	assert.Equal(t, StateConnected, c.State())

	require.NoError(t, c.Send("hello"))
	require.NoError(t, c.Send("world"))

	var got []string
	for len(got) < 2 {
		select {
		case msg := <-messages:
			got = append(got, msg)
		case <-time.After(3 * time.Second):
			t.Fatalf("received only %v", got)
		}
	}
	assert.Equal(t, []string{"echo: hello", "echo: world"}, got)
	assert.Equal(t, []string{"hello", "world"}, server.Received())
}

func TestConnectWhileConnectedIsIgnored(t *testing.T) {
	server := newChatServer()
	defer server.Close()

	c, _ := newTestChannel(t, DefaultConfig())
	w := newWatch(c)

	require.NoError(t, c.Connect(server.WSURL()))
	w.waitState(t, StateConnected)
	require.NoError(t, c.Connect(server.WSURL()))
	require.NoError(t, c.Send("ping"))

	assert.Eventually(t, func() bool { return len(server.Received()) == 1 }, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, 1, server.Dials())
}

func TestBackoffUntilExhausted(t *testing.T) {
	server := newChatServer()
	defer server.Close()
	server.reject = func(int) int { return http.StatusServiceUnavailable }

	c, mock := newTestChannel(t, DefaultConfig())
	w := newWatch(c)

	require.NoError(t, c.Connect(server.WSURL()))

	for attempt := 1; attempt <= 5; attempt++ {
		r := w.nextReconnect(t)
		assert.Equal(t, attempt, r.attempt)
		assert.Equal(t, time.Duration(attempt)*time.Second, r.delay)
		assert.Equal(t, StateDisconnected, c.State())
		mock.Add(r.delay)
	}

	assert.Eventually(t, func() bool {
		return tperrors.KindOf(c.LastError()) == tperrors.KindChannelExhausted
	}, 3*time.Second, 10*time.Millisecond)
	assert.Equal(t, 6, server.Dials())
	assert.Equal(t, StateDisconnected, c.State())

	mock.Add(time.Minute)
	select {
	case r := <-w.reconnects:
		t.Fatalf("unexpected reconnect %+v", r)
	case <-time.After(50 * time.Millisecond):
	}

	// Connect starts a fresh budget
	require.NoError(t, c.Connect(server.WSURL()))
	r := w.nextReconnect(t)
	assert.Equal(t, reconnect{1, time.Second}, r)
	assert.Equal(t, 7, server.Dials())
}

func TestDialFailureRecordsStatus(t *testing.T) {
	server := newChatServer()
	defer server.Close()
	server.reject = func(int) int { return http.StatusForbidden }

	c, _ := newTestChannel(t, DefaultConfig())
	w := newWatch(c)

	require.NoError(t, c.Connect(server.WSURL()))
	w.nextReconnect(t)

	var terr tperrors.TransportError
	require.ErrorAs(t, c.LastError(), &terr)
	assert.Equal(t, tperrors.KindNetworkFailure, tperrors.KindOf(terr))
	assert.Contains(t, terr.Error(), "403")
}

func TestAbnormalClosureReconnects(t *testing.T) {
	server := newChatServer()
	defer server.Close()
	server.closeWith = func(n int) int {
		if n <= 2 {
			return websocket.CloseGoingAway
		}
		return 0
	}

	c, mock := newTestChannel(t, DefaultConfig())
	w := newWatch(c)

	require.NoError(t, c.Connect(server.WSURL()))
	assert.Equal(t, reconnect{1, time.Second}, w.nextReconnect(t))

	// the second connection opens before it drops, so the counter restarts
	mock.Add(time.Second)
	assert.Equal(t, reconnect{1, time.Second}, w.nextReconnect(t))

	mock.Add(time.Second)
	assert.Eventually(t, func() bool { return c.State() == StateConnected }, 3*time.Second, 10*time.Millisecond)
	assert.Equal(t, 3, server.Dials())
	assert.NoError(t, c.LastError(), "a successful open clears the last failure")
}

func TestNormalClosureDoesNotReconnect(t *testing.T) {
	server := newChatServer()
	defer server.Close()
	server.closeWith = func(int) int { return websocket.CloseNormalClosure }

	c, mock := newTestChannel(t, DefaultConfig())
	w := newWatch(c)

	require.NoError(t, c.Connect(server.WSURL()))
	w.waitState(t, StateConnected)
	w.waitState(t, StateDisconnected)

	mock.Add(time.Minute)
	select {
	case r := <-w.reconnects:
		t.Fatalf("unexpected reconnect %+v", r)
	case <-time.After(100 * time.Millisecond):
	}
	assert.Equal(t, 1, server.Dials())
	assert.NoError(t, c.LastError())
}

func TestCloseCancelsPendingReconnect(t *testing.T) {
	server := newChatServer()
	defer server.Close()
	server.reject = func(int) int { return http.StatusBadGateway }

	c, mock := newTestChannel(t, DefaultConfig())
	w := newWatch(c)

	require.NoError(t, c.Connect(server.WSURL()))
	w.nextReconnect(t)

	require.NoError(t, c.Close(NormalClosure, "bye"))
	mock.Add(time.Minute)
	time.Sleep(50 * time.Millisecond)

	assert.Equal(t, 1, server.Dials())
	assert.Equal(t, StateDisconnected, c.State())
}

func TestCloseConnected(t *testing.T) {
	server := newChatServer()
	defer server.Close()

	c, mock := newTestChannel(t, DefaultConfig())
	w := newWatch(c)

	require.NoError(t, c.Connect(server.WSURL()))
	w.waitState(t, StateConnected)

	require.NoError(t, c.Close(NormalClosure, "Manual close"))
	w.waitState(t, StateClosing)
	w.waitState(t, StateDisconnected)
	assert.ErrorIs(t, c.Send("late"), ErrNotConnected)

	mock.Add(time.Minute)
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 1, server.Dials())
}

func TestTokenSource(t *testing.T) {
	server := newChatServer()
	defer server.Close()

	var mu sync.Mutex
	token := "aaa.bbb.ccc"
	source := func() string {
		mu.Lock()
		defer mu.Unlock()
		return token
	}

	c, _ := newTestChannel(t, DefaultConfig(), WithTokenSource(source))
	w := newWatch(c)

	require.NoError(t, c.Connect(server.WSURL()+"?room=lobby"))
	w.waitState(t, StateConnected)
	require.NoError(t, c.Close(NormalClosure, ""))

	mu.Lock()
	token = ""
	mu.Unlock()
	require.NoError(t, c.Connect(server.WSURL()))
	w.waitState(t, StateConnected)

	assert.Equal(t, []string{"aaa.bbb.ccc", ""}, server.Tokens())
}

func TestSendRateLimit(t *testing.T) {
	server := newChatServer()
	defer server.Close()

	config := DefaultConfig()
	config.SendRate = 1
	config.SendBurst = 1
	c, mock := newTestChannel(t, config)
	w := newWatch(c)

	require.NoError(t, c.Connect(server.WSURL()))
	w.waitState(t, StateConnected)

	require.NoError(t, c.Send("one"))
	assert.ErrorIs(t, c.Send("two"), ErrRateLimited)

	mock.Add(time.Second)
	require.NoError(t, c.Send("three"))

	assert.Eventually(t, func() bool { return len(server.Received()) == 2 }, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, []string{"one", "three"}, server.Received())
}

type channelMetrics struct {
	observability.MetricsProvider

	mu         sync.Mutex
	states     []string
	reconnects []int
	dropped    []string
}

func (m *channelMetrics) RecordChannelState(state string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.states = append(m.states, state)
}

func (m *channelMetrics) RecordReconnect(attempt int, _ time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.reconnects = append(m.reconnects, attempt)
}

func (m *channelMetrics) RecordDroppedSend(reason string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.dropped = append(m.dropped, reason)
}

func TestChannelMetrics(t *testing.T) {
	server := newChatServer()
	defer server.Close()
	server.reject = func(n int) int {
		if n == 1 {
			return http.StatusServiceUnavailable
		}
		return 0
	}

	metrics := &channelMetrics{MetricsProvider: observability.NewNoopMetricsProvider()}
	c, mock := newTestChannel(t, DefaultConfig(), WithMetrics(metrics))
	w := newWatch(c)

	assert.ErrorIs(t, c.Send("dropped"), ErrNotConnected)
	require.NoError(t, c.Connect(server.WSURL()))
	w.nextReconnect(t)
	mock.Add(time.Second)
	w.waitState(t, StateConnected)

	metrics.mu.Lock()
	defer metrics.mu.Unlock()
	assert.Equal(t, []string{"disconnected", "connecting", "disconnected", "connecting", "connected"}, metrics.states)
	assert.Equal(t, []int{1}, metrics.reconnects)
	assert.Equal(t, []string{"not_connected"}, metrics.dropped)
}

func TestStop(t *testing.T) {
	server := newChatServer()
	defer server.Close()

	c, err := New(DefaultConfig())
	require.NoError(t, err)
	w := newWatch(c)

	require.NoError(t, c.Connect(server.WSURL()))
	w.waitState(t, StateConnected)

	c.Stop()
	c.Stop()

	assert.Equal(t, StateDisconnected, c.State())
	assert.ErrorIs(t, c.Send("x"), ErrStopped)
	assert.ErrorIs(t, c.Connect(server.WSURL()), ErrStopped)
	assert.ErrorIs(t, c.Close(NormalClosure, ""), ErrStopped)
}

func TestChannelGoroutineLeak(t *testing.T) {
	server := newChatServer()
	defer server.Close()

	utils.VerifyNoLeak(t, 4, func() {
		for i := 0; i < 3; i++ {
			c, err := New(DefaultConfig())
			require.NoError(t, err)
			w := newWatch(c)

			require.NoError(t, c.Connect(server.WSURL()))
			w.waitState(t, StateConnected)
			require.NoError(t, c.Send("hi"))
			c.Stop()
		}
	})
}
