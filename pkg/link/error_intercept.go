package link

import (
	"context"
	"strings"

	"github.com/nestora/storefront-transport/pkg/auth"
	tperrors "github.com/nestora/storefront-transport/pkg/errors"
	"github.com/nestora/storefront-transport/pkg/logging"
)

// ErrorIntercept classifies and logs failed outcomes. When the server rejects
// the credential it invalidates the token that was sent so the next request
// refreshes. It never rewrites the outcome and never retries.
type ErrorIntercept struct {
	store  *auth.CredentialStore
	logger logging.Logger
}

// NewErrorIntercept creates the error intercept link. store may be nil.
func NewErrorIntercept(store *auth.CredentialStore, logger logging.Logger) *ErrorIntercept {
	if logger == nil {
		logger = logging.Discard()
	}
	return &ErrorIntercept{
		store:  store,
		logger: logger.WithFields(logging.String("component", "ErrorIntercept")),
	}
}

// Name returns the link name
func (l *ErrorIntercept) Name() string { return "error_intercept" }

// OnRequest does nothing
func (l *ErrorIntercept) OnRequest(ctx context.Context, lc *Context) error { return nil }

// OnResponse logs the outcome and invalidates a rejected credential.
func (l *ErrorIntercept) OnResponse(ctx context.Context, lc *Context, outcome Outcome) Outcome {
	logger := l.logger.WithFields(lc.logFields()...)

	if outcome.Result != nil {
		for _, gqlErr := range outcome.Result.Errors {
			fields := []logging.Field{logging.String("message", gqlErr.Message)}
			if len(gqlErr.Path) > 0 {
				fields = append(fields, logging.Any("path", gqlErr.Path))
			}
			if code := gqlErr.Code(); code != "" {
				fields = append(fields, logging.String("code", code))
			}
			logger.Warn("graphql error", fields...)
		}
	}

	if outcome.Err == nil {
		return outcome
	}

	switch outcome.Kind() {
	case tperrors.KindAuthExpired:
		logger.Warn("unauthorized response", logging.ErrorField(outcome.Err))
		if l.store != nil && l.store.Invalidate(lc.Credential.Token) {
			logger.Debug("credential invalidated", logging.String("token", lc.Credential.Redacted()))
		}
	case tperrors.KindNetworkFailure:
		if tperrors.IsAborted(outcome.Err) {
			logger.Warn("request aborted by client")
		} else {
			logger.Error("network error", logging.ErrorField(outcome.Err))
		}
	case tperrors.KindGraphQL:
		// already logged per error above
	default:
		logger.Warn("operation failed",
			logging.String("error_kind", outcome.Kind().String()),
			logging.String("error", strings.TrimSpace(outcome.Err.Error())))
	}
	return outcome
}
