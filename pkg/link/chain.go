package link

import (
	"context"

	"github.com/nestora/storefront-transport/pkg/auth"
	tperrors "github.com/nestora/storefront-transport/pkg/errors"
	"github.com/nestora/storefront-transport/pkg/logging"
)

// Chain is an ordered, immutable list of links.
type Chain struct {
	links []Link
}

// NewChain creates a chain running links in the given order. Nil links are
// skipped.
func NewChain(links ...Link) *Chain {
	c := &Chain{links: make([]Link, 0, len(links))}
	for _, l := range links {
		if l != nil {
			c.links = append(c.links, l)
		}
	}
	return c
}

// Default assembles the built-in chain: ErrorIntercept, TokenRefresh and
// AuthInjection, all sharing the coordinator's store.
func Default(coordinator *auth.Coordinator, logger logging.Logger) *Chain {
	store := coordinator.Store()
	return NewChain(
		NewErrorIntercept(store, logger),
		NewTokenRefresh(coordinator, logger),
		NewAuthInjection(store, coordinator.Config()),
	)
}

// Len returns the number of links
func (c *Chain) Len() int { return len(c.links) }

// Names returns the link names in request order
func (c *Chain) Names() []string {
	names := make([]string, len(c.links))
	for i, l := range c.links {
		names[i] = l.Name()
	}
	return names
}

// Request runs the request phase front to back. It returns how many links
// completed their request phase; on error that is the index of the link that
// failed, so the failing link is not entered.
func (c *Chain) Request(ctx context.Context, lc *Context) (int, error) {
	for i, l := range c.links {
		if err := ctx.Err(); err != nil {
			return i, tperrors.Aborted("link", "", err)
		}
		if err := l.OnRequest(ctx, lc); err != nil {
			return i, err
		}
	}
	return len(c.links), nil
}

// Response runs the response phase of the first entered links back to front
// and returns the final outcome.
func (c *Chain) Response(ctx context.Context, lc *Context, outcome Outcome, entered int) Outcome {
	if entered > len(c.links) {
		entered = len(c.links)
	}
	for i := entered - 1; i >= 0; i-- {
		outcome = c.links[i].OnResponse(ctx, lc, outcome)
	}
	return outcome
}
