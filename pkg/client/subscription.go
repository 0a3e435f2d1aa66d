package client

import (
	"context"
	"errors"
	"io"
	"sync"
	"sync/atomic"

	tperrors "github.com/nestora/storefront-transport/pkg/errors"
	"github.com/nestora/storefront-transport/pkg/link"
	"github.com/nestora/storefront-transport/pkg/logging"
	"github.com/nestora/storefront-transport/pkg/protocol"
	"github.com/nestora/storefront-transport/pkg/transport"
)

const subscriptionBuffer = 16

// Subscription delivers the results of a streaming operation.
type Subscription struct {
	results chan *protocol.Result
	done    chan struct{}

	stream transport.Stream
	cancel context.CancelFunc

	closed    atomic.Bool
	closeOnce sync.Once

	mu  sync.Mutex
	err error
}

// Results returns the channel of incoming results. It is closed when the
// stream completes, fails or is closed. Results carrying GraphQL errors are
// delivered like any other.
func (s *Subscription) Results() <-chan *protocol.Result {
	return s.results
}

// Done is closed once the subscription has stopped
func (s *Subscription) Done() <-chan struct{} {
	return s.done
}

// Err returns the error that ended the subscription, or nil when the server
// completed it or Close was called.
func (s *Subscription) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// Close stops the subscription and waits for its delivery goroutine to exit.
func (s *Subscription) Close() error {
	var err error
	s.closeOnce.Do(func() {
		s.closed.Store(true)
		s.cancel()
		err = s.stream.Close()
		<-s.done
	})
	return err
}

// Subscribe starts a subscription. The request goes through the link chain
// once; every incoming result then passes through the response phase of the
// links that were entered before it reaches Results. The subscription ends
// when ctx is done.
func (c *Client) Subscribe(ctx context.Context, op protocol.Operation) (*Subscription, error) {
	if err := op.Validate(); err != nil {
		return nil, tperrors.InvalidOperation(err.Error())
	}
	if op.Kind != protocol.KindSubscription {
		return nil, tperrors.InvalidOperation("Subscribe requires a subscription, got " + op.Kind.String())
	}

	lc := link.NewContext(op)
	ctx = logging.ContextWithRequestID(ctx, lc.RequestID)

	entered, err := c.chain.Request(ctx, lc)
	if err != nil {
		return nil, c.chain.Response(ctx, lc, link.Outcome{Err: err}, entered).Err
	}

	route, err := c.router.Route(op)
	if err != nil {
		return nil, c.chain.Response(ctx, lc, link.Outcome{Err: err}, entered).Err
	}

	subCtx, cancel := context.WithCancel(ctx)
	stream, err := route.StreamTransport.Subscribe(subCtx, lc.Request())
	if err != nil {
		cancel()
		return nil, c.chain.Response(ctx, lc, link.Outcome{Err: err}, entered).Err
	}

	sub := &Subscription{
		results: make(chan *protocol.Result, subscriptionBuffer),
		done:    make(chan struct{}),
		stream:  stream,
		cancel:  cancel,
	}
	go c.deliver(subCtx, sub, lc, entered)
	return sub, nil
}

func (c *Client) deliver(ctx context.Context, sub *Subscription, lc *link.Context, entered int) {
	defer close(sub.done)
	defer close(sub.results)
	defer sub.stream.Close()

	logger := c.logger.WithFields(
		logging.String("request_id", lc.RequestID),
		logging.String("operation", lc.Operation.Name))

	for {
		result, err := sub.stream.Next(ctx)
		if errors.Is(err, io.EOF) {
			// the transport closes the stream itself once ctx ends
			if ctxErr := ctx.Err(); ctxErr != nil {
				sub.fail(tperrors.Aborted("subscription", "", ctxErr))
				return
			}
			logger.Debug("subscription completed")
			return
		}

		out := c.chain.Response(ctx, lc, link.Outcome{Result: result, Err: err}, entered)
		if out.Result != nil {
			select {
			case sub.results <- out.Result:
			case <-ctx.Done():
				sub.fail(tperrors.Aborted("subscription", "", ctx.Err()))
				return
			}
		}

		if out.Err == nil {
			continue
		}
		if out.Result != nil && tperrors.KindOf(out.Err) == tperrors.KindGraphQL {
			continue
		}
		sub.fail(out.Err)
		return
	}
}

// fail records the terminal error, unless the subscriber closed the
// subscription and caused it.
func (s *Subscription) fail(err error) {
	if s.closed.Load() {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.err = err
}
