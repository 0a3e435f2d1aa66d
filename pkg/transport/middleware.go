package transport

import (
	"context"

	"github.com/nestora/storefront-transport/pkg/protocol"
)

// Middleware wraps transports to add behavior such as logging or metrics.
type Middleware interface {
	// Wrap wraps a request/response transport
	Wrap(transport Transport) Transport
	// WrapStream wraps a subscription transport
	WrapStream(transport StreamTransport) StreamTransport
}

type chain []Middleware

// ChainMiddleware chains multiple middleware together. The first middleware
// is the outermost.
func ChainMiddleware(middleware ...Middleware) Middleware {
	return chain(middleware)
}

func (c chain) Wrap(transport Transport) Transport {
	for i := len(c) - 1; i >= 0; i-- {
		transport = c[i].Wrap(transport)
	}
	return transport
}

func (c chain) WrapStream(transport StreamTransport) StreamTransport {
	for i := len(c) - 1; i >= 0; i-- {
		transport = c[i].WrapStream(transport)
	}
	return transport
}

// middlewareTransport is a base type for middleware implementations
type middlewareTransport struct {
	next Transport
}

// Do delegates to the wrapped transport
func (m *middlewareTransport) Do(ctx context.Context, req *Request) (*protocol.Result, error) {
	return m.next.Do(ctx, req)
}

// Name delegates to the wrapped transport
func (m *middlewareTransport) Name() string {
	return m.next.Name()
}

// Endpoint delegates to the wrapped transport
func (m *middlewareTransport) Endpoint() string {
	return m.next.Endpoint()
}

// middlewareStreamTransport is the base type for wrapping stream transports
type middlewareStreamTransport struct {
	next StreamTransport
}

// Subscribe delegates to the wrapped transport
func (m *middlewareStreamTransport) Subscribe(ctx context.Context, req *Request) (Stream, error) {
	return m.next.Subscribe(ctx, req)
}

// Name delegates to the wrapped transport
func (m *middlewareStreamTransport) Name() string {
	return m.next.Name()
}

// Endpoint delegates to the wrapped transport
func (m *middlewareStreamTransport) Endpoint() string {
	return m.next.Endpoint()
}

// NewMiddleware builds a Middleware from two wrapping functions. Either may
// be nil, in which case that kind of transport is returned unchanged.
func NewMiddleware(wrap func(Transport) Transport, wrapStream func(StreamTransport) StreamTransport) Middleware {
	return funcMiddleware{wrap: wrap, wrapStream: wrapStream}
}

type funcMiddleware struct {
	wrap       func(Transport) Transport
	wrapStream func(StreamTransport) StreamTransport
}

func (f funcMiddleware) Wrap(t Transport) Transport {
	if f.wrap == nil {
		return t
	}
	return f.wrap(t)
}

func (f funcMiddleware) WrapStream(t StreamTransport) StreamTransport {
	if f.wrapStream == nil {
		return t
	}
	return f.wrapStream(t)
}
