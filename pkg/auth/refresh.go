package auth

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/benbjohnson/clock"
	"golang.org/x/sync/singleflight"

	tperrors "github.com/nestora/storefront-transport/pkg/errors"
	"github.com/nestora/storefront-transport/pkg/logging"
	"github.com/nestora/storefront-transport/pkg/observability"
)

// Refresher obtains a new token from the identity service.
type Refresher interface {
	Refresh(ctx context.Context) (string, error)
}

// RefresherFunc adapts a function to Refresher
type RefresherFunc func(ctx context.Context) (string, error)

// Refresh calls f(ctx)
func (f RefresherFunc) Refresh(ctx context.Context) (string, error) {
	return f(ctx)
}

const refreshKey = "credential"

// Coordinator keeps the credential in a store fresh. Concurrent callers that
// find it stale join a single in-flight refresh and all observe its result.
type Coordinator struct {
	store     *CredentialStore
	refresher Refresher
	config    Config

	clock   clock.Clock
	logger  logging.Logger
	metrics observability.MetricsProvider

	group     singleflight.Group
	refreshes atomic.Int64
}

// CoordinatorOption configures a Coordinator
type CoordinatorOption func(*Coordinator)

// WithClock sets the clock used for expiry checks
func WithClock(c clock.Clock) CoordinatorOption {
	return func(co *Coordinator) {
		co.clock = c
	}
}

// WithLogger sets the coordinator logger
func WithLogger(logger logging.Logger) CoordinatorOption {
	return func(co *Coordinator) {
		co.logger = logger
	}
}

// WithMetrics records refresh outcomes on m
func WithMetrics(m observability.MetricsProvider) CoordinatorOption {
	return func(co *Coordinator) {
		co.metrics = m
	}
}

// NewCoordinator creates a coordinator for store. refresher may be nil, in
// which case every refresh fails with ErrNoRefresher.
func NewCoordinator(store *CredentialStore, refresher Refresher, config Config, opts ...CoordinatorOption) *Coordinator {
	c := &Coordinator{
		store:     store,
		refresher: refresher,
		config:    config,
		clock:     clock.New(),
		logger:    logging.Discard(),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.metrics = observability.OrNoop(c.metrics)
	c.logger = c.logger.WithFields(logging.String("component", "CredentialCoordinator"))
	return c
}

// Store returns the coordinated store
func (c *Coordinator) Store() *CredentialStore { return c.store }

// Config returns the auth configuration
func (c *Coordinator) Config() Config { return c.config }

// Refreshes returns how many times the refresher has been invoked
func (c *Coordinator) Refreshes() int64 { return c.refreshes.Load() }

// NeedsRefresh reports whether the stored credential is missing, of unknown
// validity, or within the refresh threshold of expiry.
func (c *Coordinator) NeedsRefresh() bool {
	cred, ok := c.store.Get()
	return !ok || cred.NeedsRefresh(c.clock.Now(), c.config.RefreshThreshold)
}

// EnsureFresh returns the stored credential, refreshing it first when it needs
// a refresh. The refresh itself does not observe ctx cancellation, so a
// caller that gives up does not abort the attempt other callers are waiting
// on; ctx only bounds how long this caller waits.
func (c *Coordinator) EnsureFresh(ctx context.Context) (Credential, error) {
	if cred, ok := c.store.Get(); ok && !cred.NeedsRefresh(c.clock.Now(), c.config.RefreshThreshold) {
		return cred, nil
	}

	detached := context.WithoutCancel(ctx)
	ch := c.group.DoChan(refreshKey, func() (interface{}, error) {
		return c.refresh(detached)
	})

	select {
	case <-ctx.Done():
		return Credential{}, tperrors.Aborted("auth", "", ctx.Err())
	case res := <-ch:
		if res.Err != nil {
			return Credential{}, res.Err
		}
		return res.Val.(Credential), nil
	}
}

func (c *Coordinator) refresh(ctx context.Context) (Credential, error) {
	// a flight that finished just before this one started may already have
	// stored a usable credential
	if cred, ok := c.store.Get(); ok && !cred.NeedsRefresh(c.clock.Now(), c.config.RefreshThreshold) {
		c.metrics.RecordRefresh(observability.RefreshSkipped)
		return cred, nil
	}

	if c.refresher == nil {
		c.metrics.RecordRefresh(observability.RefreshFailure)
		return Credential{}, tperrors.RefreshFailed(ErrNoRefresher)
	}

	if c.config.RefreshTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.config.RefreshTimeout)
		defer cancel()
	}

	c.refreshes.Add(1)
	start := c.clock.Now()
	token, err := c.refresher.Refresh(ctx)
	if err == nil && token == "" {
		err = ErrEmptyToken
	}

	var cred Credential
	if err == nil {
		cred, err = ParseCredential(token)
	}
	if err != nil {
		c.metrics.RecordRefresh(observability.RefreshFailure)
		c.logger.Warn("credential refresh failed",
			logging.ErrorField(err),
			logging.Duration("elapsed", c.clock.Since(start)))
		return Credential{}, tperrors.RefreshFailed(err)
	}

	c.store.Set(cred)
	c.metrics.RecordRefresh(observability.RefreshSuccess)

	fields := []logging.Field{logging.String("token", cred.Redacted())}
	if cred.HasExpiry {
		fields = append(fields, logging.Duration("valid_for", cred.ExpiresAt.Sub(c.clock.Now()).Round(time.Second)))
	}
	c.logger.Debug("credential refreshed", fields...)
	return cred, nil
}
