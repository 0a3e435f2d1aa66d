package link

import (
	"context"

	"github.com/nestora/storefront-transport/pkg/auth"
)

// AuthInjection attaches the stored credential to the outgoing request and
// records the snapshot it used on the context.
type AuthInjection struct {
	store  *auth.CredentialStore
	config auth.Config
}

// NewAuthInjection creates the injection link. An empty header name falls
// back to Authorization.
func NewAuthInjection(store *auth.CredentialStore, config auth.Config) *AuthInjection {
	if config.HeaderName == "" {
		config.HeaderName = auth.DefaultConfig().HeaderName
	}
	return &AuthInjection{store: store, config: config}
}

// Name returns the link name
func (l *AuthInjection) Name() string { return "auth_injection" }

// OnRequest reads the store once and sets the credential header when a
// credential is present.
func (l *AuthInjection) OnRequest(ctx context.Context, lc *Context) error {
	if l.store == nil {
		return nil
	}
	cred, ok := l.store.Get()
	if !ok {
		return nil
	}
	lc.Credential = cred
	lc.Header.Set(l.config.HeaderName, l.config.HeaderValue(cred.Token))
	return nil
}

// OnResponse passes the outcome through
func (l *AuthInjection) OnResponse(ctx context.Context, lc *Context, outcome Outcome) Outcome {
	return outcome
}
