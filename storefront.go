package storefront

import (
	"context"
	"errors"
	"fmt"

	"github.com/benbjohnson/clock"

	"github.com/nestora/storefront-transport/pkg/auth"
	"github.com/nestora/storefront-transport/pkg/cache"
	"github.com/nestora/storefront-transport/pkg/channel"
	"github.com/nestora/storefront-transport/pkg/client"
	"github.com/nestora/storefront-transport/pkg/link"
	"github.com/nestora/storefront-transport/pkg/logging"
	"github.com/nestora/storefront-transport/pkg/observability"
	"github.com/nestora/storefront-transport/pkg/transport"
)

// Version of the transport layer
const Version = "1.0.0"

// Option configures a Storefront
type Option func(*options)

type options struct {
	refresher auth.Refresher
	logger    logging.Logger
	clock     clock.Clock
	metrics   observability.MetricsProvider
	tracer    *observability.TracingProvider
}

// WithRefresher sets the source of fresh credentials. Without one the
// credential store only holds what the application puts in it.
func WithRefresher(refresher auth.Refresher) Option {
	return func(o *options) {
		o.refresher = refresher
	}
}

// WithLogger replaces the logger built from the configuration
func WithLogger(logger logging.Logger) Option {
	return func(o *options) {
		o.logger = logger
	}
}

// WithClock sets the clock used for credential expiry and reconnect timers
func WithClock(c clock.Clock) Option {
	return func(o *options) {
		o.clock = c
	}
}

// WithMetrics replaces the metrics provider built from the telemetry
// configuration
func WithMetrics(m observability.MetricsProvider) Option {
	return func(o *options) {
		o.metrics = m
	}
}

// WithTracer replaces the tracing provider built from the telemetry
// configuration
func WithTracer(tracer *observability.TracingProvider) Option {
	return func(o *options) {
		o.tracer = tracer
	}
}

// Storefront owns every transport component of a storefront client: the
// GraphQL client with its link chain, router and cache, and the live chat
// channel. Both share one credential store.
type Storefront struct {
	config          Config
	logger          logging.Logger
	instrumentation *observability.InstrumentationMiddleware
	responses       *cache.Cache
	client          *client.Client
	channel         *channel.StreamChannel
}

// New wires the components described by config. The chat channel is created
// but not connected.
func New(ctx context.Context, config Config, opts ...Option) (*Storefront, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}

	o := options{clock: clock.New()}
	for _, opt := range opts {
		opt(&o)
	}
	if o.logger == nil {
		o.logger = config.Logger()
	}

	instrumentation, err := newInstrumentation(config.Telemetry, o)
	if err != nil {
		return nil, err
	}
	metrics := instrumentation.Metrics()

	var extra []transport.Middleware
	if config.Features.EnableObservability {
		extra = append(extra, instrumentation)
	}
	router, err := transport.NewRouterFromConfig(config.TransportConfig, o.logger, extra...)
	if err != nil {
		return nil, errors.Join(err, instrumentation.Shutdown(ctx))
	}

	responses, err := cache.New(ctx, config.Cache, cache.WithMetrics(metrics), cache.WithLogger(o.logger))
	if err != nil {
		return nil, errors.Join(err, instrumentation.Shutdown(ctx))
	}

	store := auth.NewCredentialStore()
	coordinator := auth.NewCoordinator(store, o.refresher, config.Auth,
		auth.WithClock(o.clock),
		auth.WithLogger(o.logger),
		auth.WithMetrics(metrics))

	c, err := client.New(router,
		client.WithCoordinator(coordinator),
		client.WithChain(link.Default(coordinator, o.logger)),
		client.WithCache(responses),
		client.WithTracer(instrumentation.Tracer()),
		client.WithMetrics(metrics),
		client.WithLogger(o.logger),
		client.WithAuthRetry(config.AuthRetry))
	if err != nil {
		return nil, errors.Join(err, responses.Close(), instrumentation.Shutdown(ctx))
	}

	chat, err := channel.New(config.Chat,
		channel.WithClock(o.clock),
		channel.WithLogger(o.logger),
		channel.WithMetrics(metrics),
		channel.WithTokenSource(store.Token))
	if err != nil {
		return nil, errors.Join(err, responses.Close(), instrumentation.Shutdown(ctx))
	}

	o.logger.Info("storefront transport ready",
		logging.String("http_endpoint", config.Endpoint),
		logging.String("stream_endpoint", config.StreamEndpoint),
		logging.String("chat_endpoint", config.Chat.Endpoint))

	return &Storefront{
		config:          config,
		logger:          o.logger,
		instrumentation: instrumentation,
		responses:       responses,
		client:          c,
		channel:         chat,
	}, nil
}

func newInstrumentation(config observability.ObservabilityConfig, o options) (*observability.InstrumentationMiddleware, error) {
	if o.metrics == nil && o.tracer == nil {
		m, err := observability.NewObservabilityMiddleware(config)
		if err != nil {
			return nil, fmt.Errorf("failed to set up telemetry: %w", err)
		}
		return m, nil
	}

	tracer := o.tracer
	if tracer == nil && config.EnableTracing {
		t, err := observability.NewTracingProvider(config.TracingConfig)
		if err != nil {
			return nil, fmt.Errorf("failed to create tracing provider: %w", err)
		}
		tracer = t
	}
	metrics := o.metrics
	if metrics == nil && config.EnableMetrics {
		m, err := observability.NewMetricsProvider(config.MetricsConfig)
		if err != nil {
			return nil, fmt.Errorf("failed to create metrics provider: %w", err)
		}
		metrics = m
	}
	return observability.NewInstrumentationMiddleware(tracer, metrics, config), nil
}

// Client returns the GraphQL client
func (s *Storefront) Client() *client.Client { return s.client }

// Channel returns the chat channel
func (s *Storefront) Channel() *channel.StreamChannel { return s.channel }

// Store returns the credential store shared by the client and the channel
func (s *Storefront) Store() *auth.CredentialStore { return s.client.Store() }

// Config returns the configuration the storefront was built with
func (s *Storefront) Config() Config { return s.config }

// Metrics returns the metrics provider. It is never nil.
func (s *Storefront) Metrics() observability.MetricsProvider { return s.instrumentation.Metrics() }

// Start serves the metrics endpoint when one is configured
func (s *Storefront) Start(ctx context.Context) error {
	return s.instrumentation.Metrics().Start(ctx)
}

// SignOut clears the credential and every cached response
func (s *Storefront) SignOut() error {
	return s.client.ClearCacheAndCredential()
}

// Close stops the chat channel, releases the cache and flushes telemetry.
func (s *Storefront) Close(ctx context.Context) error {
	s.channel.Stop()
	err := errors.Join(s.responses.Close(), s.instrumentation.Shutdown(ctx))
	if err != nil {
		s.logger.Warn("storefront transport closed with errors", logging.ErrorField(err))
		return err
	}
	s.logger.Debug("storefront transport closed")
	return nil
}
