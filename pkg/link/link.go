// Package link implements the ordered request/response pipeline every
// storefront operation passes through before and after its transport.
//
// A Chain runs the request phase of its links front to back and the response
// phase back to front, so the first link sees the request first and the final
// outcome last. The built-in links are ErrorIntercept, TokenRefresh and
// AuthInjection; Default assembles them in that order.
package link

import (
	"context"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/nestora/storefront-transport/pkg/auth"
	tperrors "github.com/nestora/storefront-transport/pkg/errors"
	"github.com/nestora/storefront-transport/pkg/logging"
	"github.com/nestora/storefront-transport/pkg/protocol"
	"github.com/nestora/storefront-transport/pkg/transport"
)

// Link is one stage of the pipeline. OnRequest may annotate the context or
// abort the request with an error. OnResponse may observe or replace the
// outcome.
type Link interface {
	Name() string
	OnRequest(ctx context.Context, lc *Context) error
	OnResponse(ctx context.Context, lc *Context, outcome Outcome) Outcome
}

// Outcome is what the response phase carries: a result, an error, or both
// when a response arrived with GraphQL errors.
type Outcome struct {
	Result *protocol.Result
	Err    error
}

// Kind classifies the outcome error
func (o Outcome) Kind() tperrors.Kind {
	return tperrors.KindOf(o.Err)
}

// Context is the per-request state shared by the links of one execution.
// It is created for a single request and never reused.
type Context struct {
	RequestID string
	Operation protocol.Operation
	Header    http.Header
	Metadata  map[string]interface{}

	// Credential is the snapshot attached to the request, if any
	Credential auth.Credential

	StartTime time.Time
}

// NewContext creates a context for op with a fresh request ID.
func NewContext(op protocol.Operation) *Context {
	return &Context{
		RequestID: uuid.NewString(),
		Operation: op,
		Header:    make(http.Header),
		Metadata:  make(map[string]interface{}),
		StartTime: time.Now(),
	}
}

// Elapsed returns the time since the context was created
func (c *Context) Elapsed() time.Duration {
	return time.Since(c.StartTime)
}

// Request builds the transport request for this context.
func (c *Context) Request() *transport.Request {
	return &transport.Request{
		Operation: c.Operation,
		Header:    c.Header.Clone(),
		Token:     c.Credential.Token,
		RequestID: c.RequestID,
	}
}

func (c *Context) logFields() []logging.Field {
	name := c.Operation.Name
	if name == "" {
		name = "anonymous"
	}
	return []logging.Field{
		logging.String("request_id", c.RequestID),
		logging.String("operation", name),
		logging.String("kind", c.Operation.Kind.String()),
	}
}

type funcLink struct {
	name       string
	onRequest  func(ctx context.Context, lc *Context) error
	onResponse func(ctx context.Context, lc *Context, outcome Outcome) Outcome
}

// New builds a link from functions. A nil function is a pass-through for
// that phase.
func New(name string,
	onRequest func(ctx context.Context, lc *Context) error,
	onResponse func(ctx context.Context, lc *Context, outcome Outcome) Outcome) Link {
	return &funcLink{name: name, onRequest: onRequest, onResponse: onResponse}
}

func (l *funcLink) Name() string { return l.name }

func (l *funcLink) OnRequest(ctx context.Context, lc *Context) error {
	if l.onRequest == nil {
		return nil
	}
	return l.onRequest(ctx, lc)
}

func (l *funcLink) OnResponse(ctx context.Context, lc *Context, outcome Outcome) Outcome {
	if l.onResponse == nil {
		return outcome
	}
	return l.onResponse(ctx, lc, outcome)
}
