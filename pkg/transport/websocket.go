package transport

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"golang.org/x/sync/errgroup"

	tperrors "github.com/nestora/storefront-transport/pkg/errors"
	"github.com/nestora/storefront-transport/pkg/logging"
	"github.com/nestora/storefront-transport/pkg/protocol"
)

const (
	webSocketTransportName = "websocket"

	// subscriptionID is the graphql-ws operation id. Every subscription owns
	// its connection, so one id is enough.
	subscriptionID = "1"

	closeWriteTimeout = time.Second
)

var errConnectionClosed = errors.New("connection closed by server")

// WebSocketTransport runs subscriptions over the graphql-ws subprotocol.
// Each Subscribe call dials its own connection.
type WebSocketTransport struct {
	endpoint   string
	dialer     *websocket.Dialer
	headers    map[string]string
	ackTimeout time.Duration
	reconnect  ReconnectPolicy
	logger     logging.Logger
}

// WebSocketOption configures a WebSocketTransport
type WebSocketOption func(*WebSocketTransport)

// WithHandshakeTimeout bounds the HTTP upgrade
func WithHandshakeTimeout(timeout time.Duration) WebSocketOption {
	return func(t *WebSocketTransport) {
		if timeout > 0 {
			t.dialer.HandshakeTimeout = timeout
		}
	}
}

// WithAckTimeout bounds the wait for connection_ack after connection_init
func WithAckTimeout(timeout time.Duration) WebSocketOption {
	return func(t *WebSocketTransport) {
		if timeout > 0 {
			t.ackTimeout = timeout
		}
	}
}

// WithReconnect sets how a subscription recovers from a dropped connection.
// A policy with zero attempts ends the stream on the first drop.
func WithReconnect(policy ReconnectPolicy) WebSocketOption {
	return func(t *WebSocketTransport) {
		t.reconnect = policy
	}
}

// WithDialHeaders adds headers to the upgrade request
func WithDialHeaders(headers map[string]string) WebSocketOption {
	return func(t *WebSocketTransport) {
		for k, v := range headers {
			t.headers[k] = v
		}
	}
}

// WithDialer replaces the dialer. The graphql-ws subprotocol is always requested.
func WithDialer(dialer *websocket.Dialer) WebSocketOption {
	return func(t *WebSocketTransport) {
		if dialer != nil {
			d := *dialer
			t.dialer = &d
		}
	}
}

// WithWebSocketLogger sets the transport logger
func WithWebSocketLogger(logger logging.Logger) WebSocketOption {
	return func(t *WebSocketTransport) {
		if logger != nil {
			t.logger = logger
		}
	}
}

// NewWebSocketTransport creates a new graphql-ws transport
func NewWebSocketTransport(endpoint string, options ...WebSocketOption) *WebSocketTransport {
	t := &WebSocketTransport{
		endpoint: endpoint,
		dialer: &websocket.Dialer{
			Proxy:            http.ProxyFromEnvironment,
			HandshakeTimeout: 30 * time.Second,
		},
		headers:    make(map[string]string),
		ackTimeout: 10 * time.Second,
		reconnect:  DefaultReconnectPolicy(),
		logger:     logging.Discard(),
	}
	for _, opt := range options {
		opt(t)
	}
	t.dialer.Subprotocols = []string{protocol.GraphQLWSSubprotocol}
	t.logger = t.logger.WithFields(logging.String("component", "WebSocketTransport"))
	return t
}

func (t *WebSocketTransport) Name() string     { return webSocketTransportName }
func (t *WebSocketTransport) Endpoint() string { return t.endpoint }

// Subscribe dials, completes the graphql-ws handshake and starts the
// operation. The returned stream is closed when ctx is done. When the
// connection drops the stream dials again and restarts the operation, within
// the reconnect policy.
func (t *WebSocketTransport) Subscribe(ctx context.Context, req *Request) (Stream, error) {
	conn, err := t.open(ctx, req)
	if err != nil {
		return nil, err
	}

	t.logger.Debug("subscription started",
		logging.String("request_id", req.RequestID),
		logging.String("operation", req.Operation.Name))

	return newWebSocketStream(ctx, t, conn, req), nil
}

// open dials a connection and starts req on it
func (t *WebSocketTransport) open(ctx context.Context, req *Request) (*websocket.Conn, error) {
	header := http.Header{}
	for k, v := range t.headers {
		header.Set(k, v)
	}

	conn, resp, err := t.dialer.DialContext(ctx, t.endpoint, header)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		if resp != nil && resp.StatusCode == http.StatusUnauthorized {
			return nil, t.withContext(tperrors.AuthExpired(resp.StatusCode, err), req)
		}
		if ctx.Err() != nil {
			err = ctx.Err()
		}
		status := 0
		if resp != nil {
			status = resp.StatusCode
		}
		return nil, t.withContext(tperrors.NetworkFailure(webSocketTransportName, t.endpoint, status, err), req)
	}

	if err := t.handshake(ctx, conn, req); err != nil {
		_ = conn.Close()
		return nil, err
	}

	start, err := protocol.NewMessage(subscriptionID, protocol.MsgStart, protocol.NewRequest(req.Operation))
	if err != nil {
		_ = conn.Close()
		return nil, t.withContext(tperrors.InvalidOperation(err.Error()), req)
	}
	if err := conn.WriteJSON(start); err != nil {
		_ = conn.Close()
		return nil, t.withContext(tperrors.NetworkFailure(webSocketTransportName, t.endpoint, 0, err), req)
	}
	return conn, nil
}

// handshake sends connection_init and waits for connection_ack. Keep-alive
// frames received before the ack are ignored.
func (t *WebSocketTransport) handshake(ctx context.Context, conn *websocket.Conn, req *Request) error {
	init, err := protocol.NewMessage("", protocol.MsgConnectionInit, initPayload(req))
	if err != nil {
		return t.withContext(tperrors.InvalidOperation(err.Error()), req)
	}
	if err := conn.WriteJSON(init); err != nil {
		return t.withContext(tperrors.NetworkFailure(webSocketTransportName, t.endpoint, 0, err), req)
	}

	_ = conn.SetReadDeadline(time.Now().Add(t.ackTimeout))
	stop := context.AfterFunc(ctx, func() {
		_ = conn.SetReadDeadline(time.Now())
	})
	defer stop()

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() != nil {
				err = ctx.Err()
			}
			return t.withContext(tperrors.NetworkFailure(webSocketTransportName, t.endpoint, 0, fmt.Errorf("awaiting connection_ack: %w", err)), req)
		}
		msg, err := protocol.ParseMessage(data)
		if err != nil {
			t.logger.Debug("ignoring malformed frame", logging.ErrorField(err))
			continue
		}
		switch msg.Type {
		case protocol.MsgConnectionAck:
			return conn.SetReadDeadline(time.Time{})
		case protocol.MsgConnectionError:
			result := &protocol.Result{Errors: msg.ErrorPayload()}
			if result.Unauthenticated() {
				return t.withContext(tperrors.AuthExpired(0, nil), req)
			}
			cause := fmt.Errorf("connection_error: %v", result.ErrorMessages())
			return t.withContext(tperrors.NetworkFailure(webSocketTransportName, t.endpoint, 0, cause), req)
		}
	}
}

// initPayload carries the request metadata as connection parameters. Only the
// first value of each header is sent and empty values are dropped.
func initPayload(req *Request) map[string]string {
	payload := make(map[string]string, len(req.Header)+1)
	for k, values := range req.Header {
		if len(values) > 0 && values[0] != "" {
			payload[k] = values[0]
		}
	}
	if req.Token != "" {
		payload["token"] = req.Token
	}
	return payload
}

func (t *WebSocketTransport) withContext(err tperrors.TransportError, req *Request) error {
	return err.WithContext(&tperrors.Context{
		RequestID: req.RequestID,
		Operation: req.Operation.Name,
		Kind:      req.Operation.Kind.String(),
		Component: "WebSocketTransport",
		Endpoint:  t.endpoint,
		Timestamp: time.Now(),
	})
}

type streamItem struct {
	result *protocol.Result
	err    error
}

// webSocketStream reads frames on one goroutine and hands them to Next. The
// same goroutine replaces the connection after a drop.
type webSocketStream struct {
	transport *WebSocketTransport
	req       *Request

	// ctx bounds reconnect dials and backoff waits; Close cancels it
	ctx    context.Context
	cancel context.CancelFunc

	items chan streamItem
	done  chan struct{}

	g         *errgroup.Group
	closing   atomic.Bool
	closeOnce sync.Once
	closeErr  error

	mu        sync.Mutex
	conn      *websocket.Conn
	stopAfter func() bool
}

func newWebSocketStream(ctx context.Context, t *WebSocketTransport, conn *websocket.Conn, req *Request) *webSocketStream {
	s := &webSocketStream{
		transport: t,
		conn:      conn,
		req:       req,
		items:     make(chan streamItem),
		done:      make(chan struct{}),
		g:         &errgroup.Group{},
	}
	s.ctx, s.cancel = context.WithCancel(ctx)
	s.g.Go(func() error { return s.readLoop(conn) })

	s.mu.Lock()
	s.stopAfter = context.AfterFunc(ctx, func() { _ = s.Close() })
	s.mu.Unlock()
	return s
}

func (s *webSocketStream) readLoop(conn *websocket.Conn) error {
	defer close(s.items)

	for {
		dropped := s.readFrames(conn)
		if dropped == nil {
			return nil
		}

		next, err := s.reconnect(dropped)
		if next == nil {
			if err != nil {
				s.emit(streamItem{err: err})
			}
			return err
		}
		conn = next
	}
}

// readFrames delivers the frames of one connection. It returns the read
// error when the connection was lost abnormally and nil when the stream
// ended any other way.
func (s *webSocketStream) readFrames(conn *websocket.Conn) error {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if s.closing.Load() {
				return nil
			}
			if websocket.IsCloseError(err, websocket.CloseNormalClosure) {
				s.emit(streamItem{err: s.transport.withContext(
					tperrors.NetworkFailure(webSocketTransportName, s.transport.endpoint, 0, errConnectionClosed), s.req)})
				return nil
			}
			return err
		}

		msg, err := protocol.ParseMessage(data)
		if err != nil {
			s.transport.logger.Debug("ignoring malformed frame", logging.ErrorField(err))
			continue
		}

		switch msg.Type {
		case protocol.MsgKeepAlive:
		case protocol.MsgData:
			var result protocol.Result
			if err := json.Unmarshal(msg.Payload, &result); err != nil {
				cause := fmt.Errorf("decode data frame: %w", err)
				if !s.emit(streamItem{err: s.transport.withContext(
					tperrors.NetworkFailure(webSocketTransportName, s.transport.endpoint, 0, cause), s.req)}) {
					return nil
				}
				continue
			}
			item := streamItem{result: &result}
			if rerr := resultError(&result); rerr != nil {
				item.err = s.transport.withContext(rerr, s.req)
			}
			if !s.emit(item) {
				return nil
			}
		case protocol.MsgError:
			result := &protocol.Result{Errors: msg.ErrorPayload()}
			rerr := resultError(result)
			if rerr == nil {
				rerr = tperrors.GraphQLErrors([]string{"subscription failed"})
			}
			s.emit(streamItem{result: result, err: s.transport.withContext(rerr, s.req)})
			return nil
		case protocol.MsgComplete:
			return nil
		case protocol.MsgConnectionError:
			cause := fmt.Errorf("connection_error: %s", string(msg.Payload))
			s.emit(streamItem{err: s.transport.withContext(
				tperrors.NetworkFailure(webSocketTransportName, s.transport.endpoint, 0, cause), s.req)})
			return nil
		default:
			s.transport.logger.Debug("ignoring frame", logging.String("type", msg.Type))
		}
	}
}

// reconnect dials a replacement for a dropped connection and restarts the
// operation on it. Attempt n waits BaseDelay*n first. It returns a nil
// connection when the policy is spent, a dial fails on authentication, or
// the stream was closed; the error is what the consumer should see, if
// anything.
func (s *webSocketStream) reconnect(cause error) (*websocket.Conn, error) {
	t := s.transport
	if t.reconnect.MaxAttempts <= 0 {
		return nil, t.withContext(tperrors.NetworkFailure(webSocketTransportName, t.endpoint, 0, cause), s.req)
	}

	for attempt := 1; attempt <= t.reconnect.MaxAttempts; attempt++ {
		delay := t.reconnect.Delay(attempt)
		t.logger.Info("subscription connection lost, reconnecting",
			logging.String("request_id", s.req.RequestID),
			logging.Int("attempt", attempt),
			logging.Duration("delay", delay),
			logging.ErrorField(cause))

		timer := time.NewTimer(delay)
		select {
		case <-s.ctx.Done():
			timer.Stop()
			return nil, nil
		case <-timer.C:
		}

		conn, err := t.open(s.ctx, s.req)
		if err != nil {
			if s.ctx.Err() != nil {
				return nil, nil
			}
			if tperrors.KindOf(err) == tperrors.KindAuthExpired {
				return nil, err
			}
			cause = err
			continue
		}

		s.mu.Lock()
		if s.closing.Load() {
			s.mu.Unlock()
			_ = conn.Close()
			return nil, nil
		}
		dropped := s.conn
		s.conn = conn
		s.mu.Unlock()
		_ = dropped.Close()

		t.logger.Info("subscription resumed",
			logging.String("request_id", s.req.RequestID),
			logging.Int("attempt", attempt))
		return conn, nil
	}

	t.logger.Warn("subscription gave up reconnecting",
		logging.String("request_id", s.req.RequestID),
		logging.Int("attempts", t.reconnect.MaxAttempts),
		logging.ErrorField(cause))
	return nil, t.withContext(tperrors.ChannelExhausted(t.endpoint, t.reconnect.MaxAttempts), s.req)
}

// emit delivers item unless the stream is closed first
func (s *webSocketStream) emit(item streamItem) bool {
	select {
	case s.items <- item:
		return true
	case <-s.done:
		return false
	}
}

// Next returns the next result. An error frame is delivered once, after
// which Next returns io.EOF.
func (s *webSocketStream) Next(ctx context.Context) (*protocol.Result, error) {
	select {
	case <-ctx.Done():
		return nil, s.transport.withContext(
			tperrors.Aborted(webSocketTransportName, s.transport.endpoint, ctx.Err()), s.req)
	case item, ok := <-s.items:
		if !ok {
			return nil, io.EOF
		}
		return item.result, item.err
	}
}

// Close stops the operation, terminates the connection and waits for the
// reader to exit. It is safe to call more than once.
func (s *webSocketStream) Close() error {
	s.closeOnce.Do(func() {
		s.closing.Store(true)
		s.cancel()

		s.mu.Lock()
		if s.stopAfter != nil {
			s.stopAfter()
		}
		conn := s.conn

		_ = conn.SetWriteDeadline(time.Now().Add(closeWriteTimeout))
		if stop, err := protocol.NewMessage(subscriptionID, protocol.MsgStop, nil); err == nil {
			_ = conn.WriteJSON(stop)
		}
		if term, err := protocol.NewMessage("", protocol.MsgConnectionTerminate, nil); err == nil {
			_ = conn.WriteJSON(term)
		}
		_ = conn.WriteMessage(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))

		close(s.done)
		s.closeErr = conn.Close()
		s.mu.Unlock()
		_ = s.g.Wait()

		s.transport.logger.Debug("subscription closed", logging.String("request_id", s.req.RequestID))
	})
	return s.closeErr
}
