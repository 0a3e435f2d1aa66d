package transport

import (
	"context"
	"errors"
	"net"
	"net/http"
	"time"

	tperrors "github.com/nestora/storefront-transport/pkg/errors"
	"github.com/nestora/storefront-transport/pkg/logging"
	"github.com/nestora/storefront-transport/pkg/protocol"
)

// Request is what the link chain hands to a transport.
type Request struct {
	Operation protocol.Operation

	// Header carries the metadata built by the link chain, including the
	// credential header when one was attached.
	Header http.Header

	// Token is the raw credential the request was built with, or "".
	Token string

	RequestID string
}

// Transport carries one-shot operations (queries and mutations).
type Transport interface {
	Do(ctx context.Context, req *Request) (*protocol.Result, error)
	Name() string
	Endpoint() string
}

// Stream yields the incremental results of a subscription.
type Stream interface {
	// Next blocks until the next result arrives. It returns io.EOF once the
	// server completes the stream.
	Next(ctx context.Context) (*protocol.Result, error)
	// Close stops the subscription and releases the connection.
	Close() error
}

// StreamTransport carries subscriptions.
type StreamTransport interface {
	Subscribe(ctx context.Context, req *Request) (Stream, error)
	Name() string
	Endpoint() string
}

// TransportConfig configures both transports
type TransportConfig struct {
	// Endpoint of the request/response transport
	Endpoint string `yaml:"http_endpoint" json:"http_endpoint"`
	// StreamEndpoint of the subscription transport. Empty disables subscriptions.
	StreamEndpoint string `yaml:"stream_endpoint" json:"stream_endpoint"`

	Headers map[string]string `yaml:"headers" json:"headers"`

	Features      FeatureConfig       `yaml:"features" json:"features"`
	Connection    ConnectionConfig    `yaml:"connection" json:"connection"`
	Observability ObservabilityConfig `yaml:"observability" json:"observability"`
}

// FeatureConfig controls which middleware are enabled
type FeatureConfig struct {
	EnableObservability bool `yaml:"enable_observability" json:"enable_observability"`
}

// ConnectionConfig for connection management
type ConnectionConfig struct {
	RequestTimeout   time.Duration `yaml:"request_timeout" json:"request_timeout"`
	HandshakeTimeout time.Duration `yaml:"handshake_timeout" json:"handshake_timeout"`
	KeepAlive        time.Duration `yaml:"keep_alive" json:"keep_alive"`
	MaxIdleConns     int           `yaml:"max_idle_conns" json:"max_idle_conns"`
	MaxConnsPerHost  int           `yaml:"max_conns_per_host" json:"max_conns_per_host"`
	IdleConnTimeout  time.Duration `yaml:"idle_conn_timeout" json:"idle_conn_timeout"`

	// StreamReconnect bounds how a subscription recovers from a dropped
	// connection. Zero attempts end the stream on the first drop.
	StreamReconnect ReconnectPolicy `yaml:"stream_reconnect" json:"stream_reconnect"`
}

// ReconnectPolicy configures automatic reconnection.
type ReconnectPolicy struct {
	MaxAttempts int           `yaml:"max_reconnect_attempts" json:"max_reconnect_attempts"`
	BaseDelay   time.Duration `yaml:"base_reconnect_delay" json:"base_reconnect_delay"`
}

// DefaultReconnectPolicy returns five attempts one second apart, growing
// linearly.
func DefaultReconnectPolicy() ReconnectPolicy {
	return ReconnectPolicy{MaxAttempts: 5, BaseDelay: time.Second}
}

// Delay returns the wait before the given attempt, counted from 1
func (p ReconnectPolicy) Delay(attempt int) time.Duration {
	return p.BaseDelay * time.Duration(attempt)
}

// Validate checks the policy. prefix names the enclosing config section.
func (p ReconnectPolicy) Validate(prefix string) error {
	if p.MaxAttempts < 0 {
		return tperrors.InvalidConfiguration(prefix+".max_reconnect_attempts", "must not be negative")
	}
	if p.MaxAttempts > 0 && p.BaseDelay <= 0 {
		return tperrors.InvalidConfiguration(prefix+".base_reconnect_delay", "must be positive")
	}
	return nil
}

// ObservabilityConfig for transport logging
type ObservabilityConfig struct {
	EnableLogging bool `yaml:"enable_logging" json:"enable_logging"`
	// LogPayloads includes operation variables in debug logs
	LogPayloads bool `yaml:"log_payloads" json:"log_payloads"`
}

// Errors
var (
	ErrNoEndpoint = errors.New("endpoint is required")
)

// DefaultTransportConfig returns a transport configuration with sensible defaults
func DefaultTransportConfig() TransportConfig {
	return TransportConfig{
		Endpoint:       "http://localhost:4001/graphql",
		StreamEndpoint: "ws://localhost:4001",
		Features: FeatureConfig{
			EnableObservability: true,
		},
		Connection: ConnectionConfig{
			RequestTimeout:   30 * time.Second,
			HandshakeTimeout: 30 * time.Second,
			KeepAlive:        30 * time.Second,
			MaxIdleConns:     100,
			MaxConnsPerHost:  10,
			IdleConnTimeout:  90 * time.Second,
			StreamReconnect:  DefaultReconnectPolicy(),
		},
		Observability: ObservabilityConfig{
			EnableLogging: true,
		},
	}
}

// NewTransport creates the request/response transport described by config,
// wrapped in the configured middleware and then in extra.
func NewTransport(config TransportConfig, logger logging.Logger, extra ...Middleware) (Transport, error) {
	if config.Endpoint == "" {
		return nil, tperrors.InvalidConfiguration("http_endpoint", ErrNoEndpoint.Error())
	}

	base := NewHTTPTransport(config.Endpoint,
		WithHTTPClient(newHTTPClient(config.Connection)),
		WithStaticHeaders(config.Headers),
		WithHTTPLogger(logger),
	)
	return ChainMiddleware(buildMiddleware(config, logger, extra)...).Wrap(base), nil
}

// NewStreamTransport creates the subscription transport described by config.
// It returns nil without error when no stream endpoint is configured.
func NewStreamTransport(config TransportConfig, logger logging.Logger, extra ...Middleware) (StreamTransport, error) {
	if config.StreamEndpoint == "" {
		return nil, nil
	}

	base := NewWebSocketTransport(config.StreamEndpoint,
		WithHandshakeTimeout(config.Connection.HandshakeTimeout),
		WithDialHeaders(config.Headers),
		WithReconnect(config.Connection.StreamReconnect),
		WithWebSocketLogger(logger),
	)
	return ChainMiddleware(buildMiddleware(config, logger, extra)...).WrapStream(base), nil
}

// NewRouterFromConfig builds both transports and the router over them.
func NewRouterFromConfig(config TransportConfig, logger logging.Logger, extra ...Middleware) (*Router, error) {
	request, err := NewTransport(config, logger, extra...)
	if err != nil {
		return nil, err
	}
	stream, err := NewStreamTransport(config, logger, extra...)
	if err != nil {
		return nil, err
	}
	return NewRouter(request, stream), nil
}

// buildMiddleware returns the configured middleware, outermost first.
func buildMiddleware(config TransportConfig, logger logging.Logger, extra []Middleware) []Middleware {
	middleware := append([]Middleware(nil), extra...)
	if config.Features.EnableObservability && config.Observability.EnableLogging {
		middleware = append(middleware, NewLoggingMiddleware(logger, config.Observability))
	}
	return middleware
}

func newHTTPClient(config ConnectionConfig) *http.Client {
	base := http.DefaultTransport.(*http.Transport).Clone()
	if config.KeepAlive > 0 {
		dialer := &net.Dialer{Timeout: 30 * time.Second, KeepAlive: config.KeepAlive}
		base.DialContext = dialer.DialContext
	}
	if config.MaxIdleConns > 0 {
		base.MaxIdleConns = config.MaxIdleConns
	}
	if config.MaxConnsPerHost > 0 {
		base.MaxConnsPerHost = config.MaxConnsPerHost
	}
	if config.IdleConnTimeout > 0 {
		base.IdleConnTimeout = config.IdleConnTimeout
	}
	return &http.Client{Transport: base, Timeout: config.RequestTimeout}
}

// resultError maps the GraphQL errors carried by a decoded result. An
// UNAUTHENTICATED code takes precedence over any other error.
func resultError(result *protocol.Result) tperrors.TransportError {
	switch {
	case result.Unauthenticated():
		return tperrors.AuthExpired(0, nil)
	case result.HasErrors():
		return tperrors.GraphQLErrors(result.ErrorMessages())
	default:
		return nil
	}
}
