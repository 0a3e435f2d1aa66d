// Package pkg holds the components of the storefront transport layer.
//
// # Sub-packages
//
//   - auth: credential store and refresh coordination
//   - link: the link chain run around every GraphQL operation
//   - transport: HTTP and WebSocket transports and the protocol router
//   - client: the transport client façade and subscriptions
//   - cache: the in-memory response cache
//   - channel: the self-reconnecting chat channel
//   - protocol: operations, results and wire frames
//   - errors: structured transport errors
//   - logging: structured logging
//   - observability: metrics and tracing
//   - utils: test servers and the goroutine leak detector
//
// The root storefront package wires them together.
package pkg
