// Package transport carries GraphQL operations to the storefront API.
//
// Two transports are provided, one per wire protocol:
//
//   - HTTPTransport: one-shot queries and mutations as JSON over HTTP POST
//   - WebSocketTransport: subscriptions over the graphql-ws WebSocket subprotocol
//
// A Router picks between them from the operation kind alone. Subscriptions go
// to the stream transport and everything else to the request transport. There
// is no fallback: when the stream transport is not configured, routing a
// subscription fails with a TransportUnavailable error instead of degrading to
// polling.
//
// # Usage
//
//	config := transport.DefaultTransportConfig()
//	config.Endpoint = "https://api.example.com/graphql"
//	config.StreamEndpoint = "wss://api.example.com/graphql"
//
//	router, err := transport.NewRouterFromConfig(config, logger)
//	if err != nil {
//	    return err
//	}
//	route, err := router.Route(op)
//
// # Middleware
//
// Both transports can be wrapped by middleware implementing Middleware. The
// first middleware passed to ChainMiddleware is the outermost. This package
// ships LoggingMiddleware; the observability package adds metrics and tracing.
//
// # Errors
//
// Transports return errors from the errors package: NetworkFailure for
// connectivity problems and aborted calls, AuthExpired for rejected
// credentials and GraphQLErrors when the response carries an errors list. In
// the last two cases the decoded Result is returned alongside the error.
package transport
