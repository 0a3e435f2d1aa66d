package client

import (
	"context"
	"errors"
	"io"
	"time"

	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/nestora/storefront-transport/pkg/auth"
	"github.com/nestora/storefront-transport/pkg/cache"
	tperrors "github.com/nestora/storefront-transport/pkg/errors"
	"github.com/nestora/storefront-transport/pkg/link"
	"github.com/nestora/storefront-transport/pkg/logging"
	"github.com/nestora/storefront-transport/pkg/observability"
	"github.com/nestora/storefront-transport/pkg/protocol"
	"github.com/nestora/storefront-transport/pkg/transport"
)

// Client executes storefront operations. It is safe for concurrent use.
type Client struct {
	router      *transport.Router
	chain       *link.Chain
	coordinator *auth.Coordinator
	cache       *cache.Cache

	tracer  *observability.TracingProvider
	metrics observability.MetricsProvider
	logger  logging.Logger

	authRetry bool
}

// Option configures a Client.
type Option func(*Client)

// WithCoordinator sets the credential coordinator. Its store is the one the
// default chain reads and ClearCacheAndCredential empties.
func WithCoordinator(coordinator *auth.Coordinator) Option {
	return func(c *Client) {
		c.coordinator = coordinator
	}
}

// WithChain replaces the default link chain
func WithChain(chain *link.Chain) Option {
	return func(c *Client) {
		c.chain = chain
	}
}

// WithCache enables the response cache
func WithCache(responses *cache.Cache) Option {
	return func(c *Client) {
		c.cache = responses
	}
}

// WithTracer records a span per operation
func WithTracer(tracer *observability.TracingProvider) Option {
	return func(c *Client) {
		c.tracer = tracer
	}
}

// WithMetrics records operation outcomes
func WithMetrics(metrics observability.MetricsProvider) Option {
	return func(c *Client) {
		c.metrics = metrics
	}
}

// WithLogger sets the client logger
func WithLogger(logger logging.Logger) Option {
	return func(c *Client) {
		c.logger = logger
	}
}

// WithAuthRetry enables a single re-execution of an operation rejected with
// AuthExpired, provided a refresh afterwards produces a different credential.
// It is off by default and the AuthExpired is returned as is.
func WithAuthRetry(enabled bool) Option {
	return func(c *Client) {
		c.authRetry = enabled
	}
}

// New creates a client routing operations through router. Without
// WithCoordinator the client gets its own empty credential store and no
// refresher.
func New(router *transport.Router, opts ...Option) (*Client, error) {
	if router == nil {
		return nil, tperrors.InvalidConfiguration("router", "a router is required")
	}

	c := &Client{
		router: router,
		logger: logging.Discard(),
	}
	for _, opt := range opts {
		opt(c)
	}

	c.metrics = observability.OrNoop(c.metrics)
	c.logger = c.logger.WithFields(logging.String("component", "Client"))
	if c.coordinator == nil {
		c.coordinator = auth.NewCoordinator(auth.NewCredentialStore(), nil, auth.DefaultConfig())
	}
	if c.chain == nil {
		c.chain = link.Default(c.coordinator, c.logger)
	}
	return c, nil
}

// Store returns the credential store of the client
func (c *Client) Store() *auth.CredentialStore { return c.coordinator.Store() }

// Coordinator returns the credential coordinator
func (c *Client) Coordinator() *auth.Coordinator { return c.coordinator }

// Router returns the protocol router
func (c *Client) Router() *transport.Router { return c.router }

// Execute runs op and returns its result.
//
// A query with a cache-first policy is answered from the response cache when
// possible, without touching the chain or the network. Otherwise the request
// goes through the link chain and the routed transport, and a successful
// query or mutation result is written to the cache unless ctx has ended.
// A response carrying GraphQL errors is returned together with an error and
// is never cached.
func (c *Client) Execute(ctx context.Context, op protocol.Operation) (*protocol.Result, error) {
	if err := op.Validate(); err != nil {
		return nil, tperrors.InvalidOperation(err.Error())
	}

	start := time.Now()
	ctx, span := c.startSpan(ctx, op)
	defer span.End()

	policy := op.EffectivePolicy()
	key := ""
	if c.cache != nil && op.Kind != protocol.KindSubscription && policy != protocol.NoCache {
		key = op.Key()
	}

	if key != "" && op.Kind == protocol.KindQuery && policy == protocol.CacheFirst {
		if cached, ok := c.cache.Get(key); ok {
			span.SetAttributes(observability.AttrCacheHit.Bool(true))
			c.metrics.RecordOperation(ctx, op.Kind.String(), observability.OutcomeSuccess, time.Since(start))
			return cached, nil
		}
	}
	span.SetAttributes(observability.AttrCacheHit.Bool(false))

	result, token, err := c.run(ctx, op)
	if c.authRetry && tperrors.KindOf(err) == tperrors.KindAuthExpired {
		result, err = c.retryAfterRefresh(ctx, op, token, result, err)
	}

	if err == nil && key != "" && ctx.Err() == nil {
		_ = c.cache.Set(key, result)
	}

	c.finish(ctx, span, op, start, err)
	return result, err
}

// run drives one attempt through the chain and the router. It also returns
// the token the request carried.
func (c *Client) run(ctx context.Context, op protocol.Operation) (*protocol.Result, string, error) {
	lc := link.NewContext(op)
	ctx = logging.ContextWithRequestID(ctx, lc.RequestID)
	if c.tracer != nil {
		c.tracer.SetAttributes(ctx, observability.AttrRequestID.String(lc.RequestID))
	}

	entered, err := c.chain.Request(ctx, lc)
	if err != nil {
		out := c.chain.Response(ctx, lc, link.Outcome{Err: err}, entered)
		return out.Result, lc.Credential.Token, out.Err
	}

	out := c.chain.Response(ctx, lc, c.submit(ctx, lc), entered)
	return out.Result, lc.Credential.Token, out.Err
}

// submit sends the request over the routed transport. A subscription given
// to Execute yields its first result and is then closed.
func (c *Client) submit(ctx context.Context, lc *link.Context) link.Outcome {
	route, err := c.router.Route(lc.Operation)
	if err != nil {
		return link.Outcome{Err: err}
	}

	if route.Kind == transport.RouteRequest {
		result, err := route.Transport.Do(ctx, lc.Request())
		return link.Outcome{Result: result, Err: err}
	}

	stream, err := route.StreamTransport.Subscribe(ctx, lc.Request())
	if err != nil {
		return link.Outcome{Err: err}
	}
	defer stream.Close()

	result, err := stream.Next(ctx)
	if errors.Is(err, io.EOF) || (result == nil && err == nil) {
		return link.Outcome{Err: tperrors.InvalidOperation("subscription completed without a result")}
	}
	return link.Outcome{Result: result, Err: err}
}

func (c *Client) retryAfterRefresh(ctx context.Context, op protocol.Operation, sent string, result *protocol.Result, err error) (*protocol.Result, error) {
	cred, refreshErr := c.coordinator.EnsureFresh(ctx)
	if refreshErr != nil || cred.Token == sent {
		return result, err
	}

	c.logger.Info("retrying operation with refreshed credential",
		logging.String("operation", op.Name))
	retried, _, retryErr := c.run(ctx, op)
	return retried, retryErr
}

// ClearCache empties the response cache.
func (c *Client) ClearCache() error {
	if c.cache == nil {
		return nil
	}
	return c.cache.Clear()
}

// ClearCacheAndCredential empties the response cache and the credential
// store. It is the sign-out path.
func (c *Client) ClearCacheAndCredential() error {
	c.Store().Clear()
	return c.ClearCache()
}

func (c *Client) startSpan(ctx context.Context, op protocol.Operation) (context.Context, trace.Span) {
	if c.tracer == nil {
		return ctx, noop.Span{}
	}
	return c.tracer.StartOperationSpan(ctx, op.Name, op.Kind.String())
}

func (c *Client) finish(ctx context.Context, span trace.Span, op protocol.Operation, start time.Time, err error) {
	outcome := observability.Outcome(err)
	c.metrics.RecordOperation(ctx, op.Kind.String(), outcome, time.Since(start))
	if err != nil && outcome != observability.OutcomeAborted && c.tracer != nil {
		c.tracer.RecordError(ctx, err)
	}
}
