package link

import (
	"context"
	"errors"

	"github.com/nestora/storefront-transport/pkg/auth"
	tperrors "github.com/nestora/storefront-transport/pkg/errors"
	"github.com/nestora/storefront-transport/pkg/logging"
)

// MetaRefreshError is the metadata key holding a failed refresh's error.
const MetaRefreshError = "refresh_error"

// TokenRefresh makes sure the stored credential is fresh before the request
// is sent. A failed refresh does not abort the request; only caller
// cancellation does.
type TokenRefresh struct {
	coordinator *auth.Coordinator
	logger      logging.Logger
}

// NewTokenRefresh creates the refresh link. A nil coordinator makes it a
// pass-through.
func NewTokenRefresh(coordinator *auth.Coordinator, logger logging.Logger) *TokenRefresh {
	if logger == nil {
		logger = logging.Discard()
	}
	return &TokenRefresh{
		coordinator: coordinator,
		logger:      logger.WithFields(logging.String("component", "TokenRefresh")),
	}
}

// Name returns the link name
func (l *TokenRefresh) Name() string { return "token_refresh" }

// OnRequest refreshes the credential when it is missing or stale.
func (l *TokenRefresh) OnRequest(ctx context.Context, lc *Context) error {
	if l.coordinator == nil {
		return nil
	}

	_, err := l.coordinator.EnsureFresh(ctx)
	if err == nil {
		return nil
	}
	if ctxErr := ctx.Err(); ctxErr != nil {
		return tperrors.Aborted("link", "", ctxErr)
	}

	lc.Metadata[MetaRefreshError] = err
	logger := l.logger.WithFields(lc.logFields()...)
	if errors.Is(err, auth.ErrNoRefresher) {
		logger.Debug("no refresher configured, sending request with the current credential")
	} else {
		logger.Warn("credential refresh failed, sending request with the current credential",
			logging.ErrorField(err))
	}
	return nil
}

// OnResponse passes the outcome through
func (l *TokenRefresh) OnResponse(ctx context.Context, lc *Context, outcome Outcome) Outcome {
	return outcome
}
