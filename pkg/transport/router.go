package transport

import (
	tperrors "github.com/nestora/storefront-transport/pkg/errors"
	"github.com/nestora/storefront-transport/pkg/protocol"
)

// RouteKind says which transport a Route selected
type RouteKind int

const (
	RouteRequest RouteKind = iota
	RouteStream
)

func (k RouteKind) String() string {
	if k == RouteStream {
		return "stream"
	}
	return "request"
}

// Route is the outcome of routing one operation. Exactly one of Transport
// and StreamTransport is set, matching Kind.
type Route struct {
	Kind            RouteKind
	Transport       Transport
	StreamTransport StreamTransport
}

// Router dispatches operations to the request or stream transport by kind.
// It holds no per-operation state and is safe for concurrent use.
type Router struct {
	request Transport
	stream  StreamTransport
}

// NewRouter creates a router. stream may be nil, in which case every
// subscription fails to route.
func NewRouter(request Transport, stream StreamTransport) *Router {
	return &Router{request: request, stream: stream}
}

// Route picks the transport for op. Only the operation kind is consulted.
func (r *Router) Route(op protocol.Operation) (Route, error) {
	switch op.Kind {
	case protocol.KindSubscription:
		if r.stream == nil {
			return Route{}, tperrors.TransportUnavailable(op.Kind.String())
		}
		return Route{Kind: RouteStream, StreamTransport: r.stream}, nil
	case protocol.KindQuery, protocol.KindMutation:
		if r.request == nil {
			return Route{}, tperrors.TransportUnavailable(op.Kind.String())
		}
		return Route{Kind: RouteRequest, Transport: r.request}, nil
	default:
		return Route{}, tperrors.TransportUnavailable(op.Kind.String())
	}
}

// HasStream reports whether subscriptions can be routed
func (r *Router) HasStream() bool {
	return r.stream != nil
}

// RequestTransport returns the request/response transport
func (r *Router) RequestTransport() Transport { return r.request }

// StreamTransport returns the subscription transport, or nil
func (r *Router) StreamTransport() StreamTransport { return r.stream }
