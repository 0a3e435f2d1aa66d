// Package storefront wires the network transport layer of a storefront
// client.
//
// The layer has two halves. GraphQL operations go through pkg/client, which
// threads them through a link chain (error interception, token refresh and
// credential injection), routes queries and mutations over HTTP and
// subscriptions over WebSocket, and keeps the last successful result of each
// operation in an in-memory cache. Live chat goes through pkg/channel, a
// self-reconnecting WebSocket with linear backoff.
//
// # Overview
//
// The sub-packages are:
//
//   - pkg/auth: credential store, JWT expiry parsing and single-flight refresh
//   - pkg/link: the link chain and its built-in links
//   - pkg/transport: HTTP and WebSocket transports, the protocol router and middleware
//   - pkg/client: the transport client and subscriptions
//   - pkg/cache: the response cache
//   - pkg/channel: the chat stream channel
//   - pkg/protocol: operations, results and the graphql-ws frames
//   - pkg/errors: structured transport errors
//   - pkg/logging: structured logging
//   - pkg/observability: Prometheus metrics and OpenTelemetry tracing
//
// # Configuration
//
// Config is loaded from YAML and the environment:
//
//	config, err := storefront.LoadConfig("storefront.yaml")
//	if err != nil {
//	    return err
//	}
//
// STOREFRONT_GRAPHQL_URL, STOREFRONT_WS_URL, STOREFRONT_CHAT_WS and
// STOREFRONT_LOG_LEVEL override the corresponding fields.
//
// # Running Operations
//
//	sf, err := storefront.New(ctx, config, storefront.WithRefresher(refresher))
//	if err != nil {
//	    return err
//	}
//	defer sf.Close(context.Background())
//
//	op, err := protocol.NewOperation("Cart", `query Cart { cart { total } }`, nil)
//	if err != nil {
//	    return err
//	}
//	result, err := sf.Client().Execute(ctx, op)
//
// # Chat
//
//	chat := sf.Channel()
//	chat.OnMessage(func(msg string) {
//	    fmt.Println(msg)
//	})
//	if err := chat.Connect(""); err != nil {
//	    return err
//	}
//	if err := chat.Send("hello"); errors.Is(err, channel.ErrNotConnected) {
//	    // dropped, nothing is queued
//	}
//
// The chat socket dials with the current credential as the token query
// parameter. SignOut clears the credential and the response cache.
package storefront
