// Package channel implements StreamChannel, a long-lived duplex WebSocket
// connection for the storefront's live messaging feature. It shares only its
// reconnect policy with the GraphQL subscription transport.
//
// Every state transition happens on one goroutine owned by the channel.
// Public calls, socket events and reconnect timers are delivered to it as
// messages, so two physical connections never coexist. Events from an older
// connection or timer carry a stale generation and are dropped.
//
// Abnormal closures and failed dials reconnect with linear backoff:
// attempt n waits BaseDelay*n, and after MaxAttempts the channel settles in
// StateDisconnected with a ChannelExhausted error until Connect is called
// again. A close with code 1000, from either side, never reconnects.
package channel

import (
	"errors"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"

	tperrors "github.com/nestora/storefront-transport/pkg/errors"
	"github.com/nestora/storefront-transport/pkg/logging"
	"github.com/nestora/storefront-transport/pkg/observability"
	"github.com/nestora/storefront-transport/pkg/transport"
)

// NormalClosure is the close code of an intentional shutdown
const NormalClosure = websocket.CloseNormalClosure

// State is the connection state of a StreamChannel
type State int32

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
	StateClosing
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateClosing:
		return "closing"
	default:
		return "unknown"
	}
}

// ReconnectPolicy configures automatic reconnection. Subscriptions use the
// same policy type.
type ReconnectPolicy = transport.ReconnectPolicy

// DefaultReconnectPolicy returns five attempts one second apart, growing
// linearly.
func DefaultReconnectPolicy() ReconnectPolicy {
	return transport.DefaultReconnectPolicy()
}

// Config configures a StreamChannel.
type Config struct {
	// Endpoint is dialled when Connect is called with an empty URL
	Endpoint string `yaml:"endpoint" json:"endpoint"`

	Reconnect ReconnectPolicy `yaml:",inline" json:"reconnect"`

	HandshakeTimeout time.Duration `yaml:"handshake_timeout" json:"handshake_timeout"`
	WriteTimeout     time.Duration `yaml:"write_timeout" json:"write_timeout"`

	// SendRate limits outgoing messages per second. Zero disables the limit.
	SendRate  float64 `yaml:"send_rate" json:"send_rate"`
	SendBurst int     `yaml:"send_burst" json:"send_burst"`
}

// DefaultConfig returns the default channel configuration
func DefaultConfig() Config {
	return Config{
		Endpoint:         "ws://localhost:4000/chat",
		Reconnect:        DefaultReconnectPolicy(),
		HandshakeTimeout: 10 * time.Second,
		WriteTimeout:     5 * time.Second,
	}
}

// Validate checks the configuration
func (c Config) Validate() error {
	if err := c.Reconnect.Validate("chat"); err != nil {
		return err
	}
	if c.SendRate < 0 {
		return tperrors.InvalidConfiguration("chat.send_rate", "must not be negative")
	}
	return nil
}

// Channel errors
var (
	// ErrNotConnected is returned by Send when the message was dropped
	// because the channel is not connected. Nothing is queued.
	ErrNotConnected = errors.New("stream channel is not connected")

	// ErrRateLimited is returned by Send when the outgoing rate limit
	// dropped the message.
	ErrRateLimited = errors.New("stream channel send rate exceeded")

	// ErrStopped is returned once Stop has been called
	ErrStopped = errors.New("stream channel is stopped")
)

// TokenSource returns the credential appended to the dial URL as the token
// query parameter. An empty token is omitted.
type TokenSource func() string

// Option configures a StreamChannel
type Option func(*StreamChannel)

// WithClock sets the clock driving reconnect timers and the send limiter
func WithClock(c clock.Clock) Option {
	return func(ch *StreamChannel) {
		ch.clock = c
	}
}

// WithLogger sets the channel logger
func WithLogger(logger logging.Logger) Option {
	return func(ch *StreamChannel) {
		ch.logger = logger
	}
}

// WithMetrics records state changes, reconnects and dropped sends
func WithMetrics(m observability.MetricsProvider) Option {
	return func(ch *StreamChannel) {
		ch.metrics = m
	}
}

// WithTokenSource appends a fresh token to the URL on every dial
func WithTokenSource(source TokenSource) Option {
	return func(ch *StreamChannel) {
		ch.tokens = source
	}
}

// WithDialer sets the WebSocket dialer
func WithDialer(dialer *websocket.Dialer) Option {
	return func(ch *StreamChannel) {
		ch.dialer = dialer
	}
}

// WithDialHeaders adds headers to every dial
func WithDialHeaders(header http.Header) Option {
	return func(ch *StreamChannel) {
		ch.dialHeader = header.Clone()
	}
}

// StreamChannel is a self-reconnecting duplex connection. Create it with New
// and release it with Stop.
type StreamChannel struct {
	config     Config
	clock      clock.Clock
	logger     logging.Logger
	metrics    observability.MetricsProvider
	tokens     TokenSource
	dialer     *websocket.Dialer
	dialHeader http.Header
	limiter    *rate.Limiter

	events   chan event
	quit     chan struct{}
	done     chan struct{}
	stopOnce sync.Once

	state atomic.Int32

	// connMu guards the connection Send writes to. The owner goroutine
	// publishes and retracts it.
	connMu sync.Mutex
	active *websocket.Conn

	errMu   sync.Mutex
	lastErr error

	obsMu       sync.RWMutex
	onMessage   []func(string)
	onState     []func(State)
	onReconnect []func(attempt int, delay time.Duration)

	// owned by the run goroutine
	loop loopState
}

// New creates a channel and starts its owner goroutine. It does not connect.
func New(config Config, opts ...Option) (*StreamChannel, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}

	c := &StreamChannel{
		config: config,
		clock:  clock.New(),
		logger: logging.Discard(),
		events: make(chan event, 64),
		quit:   make(chan struct{}),
		done:   make(chan struct{}),
	}
	for _, opt := range opts {
		opt(c)
	}

	c.metrics = observability.OrNoop(c.metrics)
	c.logger = c.logger.WithFields(logging.String("component", "StreamChannel"))
	if c.dialer == nil {
		c.dialer = &websocket.Dialer{
			Proxy:            http.ProxyFromEnvironment,
			HandshakeTimeout: config.HandshakeTimeout,
		}
	}
	if config.SendRate > 0 {
		burst := config.SendBurst
		if burst <= 0 {
			burst = 1
		}
		c.limiter = rate.NewLimiter(rate.Limit(config.SendRate), burst)
	}
	if c.config.WriteTimeout <= 0 {
		c.config.WriteTimeout = DefaultConfig().WriteTimeout
	}

	c.metrics.RecordChannelState(StateDisconnected.String())
	go c.run()
	return c, nil
}

// State returns the current state
func (c *StreamChannel) State() State {
	return State(c.state.Load())
}

// LastError returns the most recent connection failure, or a ChannelExhausted
// error once reconnecting has given up. Connect clears it.
func (c *StreamChannel) LastError() error {
	c.errMu.Lock()
	defer c.errMu.Unlock()
	return c.lastErr
}

// Connect starts connecting to url, or to the configured endpoint when url is
// empty, and resets the reconnect counter. It returns without waiting for the
// connection. Connect is ignored while connecting or connected.
func (c *StreamChannel) Connect(url string) error {
	if url == "" {
		url = c.config.Endpoint
	}
	if url == "" {
		return tperrors.InvalidConfiguration("chat.endpoint", "no URL to connect to")
	}
	if !c.post(connectCmd{url: url}) {
		return ErrStopped
	}
	return nil
}

// Send writes msg as a text frame. When the channel is not connected the
// message is dropped and ErrNotConnected returned.
func (c *StreamChannel) Send(msg string) error {
	select {
	case <-c.quit:
		return ErrStopped
	default:
	}

	c.connMu.Lock()
	defer c.connMu.Unlock()

	if c.active == nil {
		c.metrics.RecordDroppedSend("not_connected")
		c.logger.Warn("message dropped, channel not connected", logging.String("state", c.State().String()))
		return ErrNotConnected
	}
	if c.limiter != nil && !c.limiter.AllowN(c.clock.Now(), 1) {
		c.metrics.RecordDroppedSend("rate_limited")
		c.logger.Warn("message dropped, send rate exceeded")
		return ErrRateLimited
	}

	// Socket deadlines are wall-clock times whatever clock the channel runs on.
	_ = c.active.SetWriteDeadline(time.Now().Add(c.config.WriteTimeout))
	if err := c.active.WriteMessage(websocket.TextMessage, []byte(msg)); err != nil {
		c.metrics.RecordDroppedSend("write_failed")
		return tperrors.NetworkFailure("channel", c.config.Endpoint, 0, err)
	}
	return nil
}

// Close closes the connection with code and reason, cancels any pending
// reconnect and leaves the channel disconnected. It waits for the transition
// to finish, so it must not be called from an observer.
func (c *StreamChannel) Close(code int, reason string) error {
	done := make(chan struct{})
	if !c.post(closeCmd{code: code, reason: reason, done: done}) {
		return ErrStopped
	}
	select {
	case <-done:
		return nil
	case <-c.done:
		return ErrStopped
	}
}

// Stop closes the channel normally and terminates its goroutine. The channel
// cannot be used afterwards.
func (c *StreamChannel) Stop() {
	c.stopOnce.Do(func() {
		_ = c.Close(NormalClosure, "stopped")
		close(c.quit)
		<-c.done
	})
}

// OnMessage registers fn for every inbound frame. Observers run in arrival
// order on the channel goroutine.
func (c *StreamChannel) OnMessage(fn func(msg string)) {
	c.obsMu.Lock()
	defer c.obsMu.Unlock()
	c.onMessage = append(c.onMessage, fn)
}

// OnStateChange registers fn for every state transition
func (c *StreamChannel) OnStateChange(fn func(State)) {
	c.obsMu.Lock()
	defer c.obsMu.Unlock()
	c.onState = append(c.onState, fn)
}

// OnReconnect registers fn for every scheduled reconnect
func (c *StreamChannel) OnReconnect(fn func(attempt int, delay time.Duration)) {
	c.obsMu.Lock()
	defer c.obsMu.Unlock()
	c.onReconnect = append(c.onReconnect, fn)
}

func (c *StreamChannel) setLastError(err error) {
	c.errMu.Lock()
	defer c.errMu.Unlock()
	c.lastErr = err
}

// post hands ev to the owner goroutine. It reports false once the channel
// has been stopped.
func (c *StreamChannel) post(ev event) bool {
	select {
	case <-c.quit:
		return false
	default:
	}
	select {
	case c.events <- ev:
		return true
	case <-c.quit:
		return false
	}
}
