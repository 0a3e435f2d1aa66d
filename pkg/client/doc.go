// Package client provides the storefront transport client.
//
// The Client accepts GraphQL operations, drives them through the link chain
// and the protocol router, and returns results and errors to the caller. It
// owns the response cache. The main pieces it composes are:
//
//   - link.Chain: error intercept, token refresh and auth injection
//   - transport.Router: queries and mutations over HTTP, subscriptions over WebSocket
//   - cache.Cache: last successful result per operation identity
//
// # Executing Operations
//
//	router, err := transport.NewRouterFromConfig(transport.DefaultTransportConfig(), logger)
//	if err != nil {
//	    return err
//	}
//	c, err := client.New(router, client.WithCache(responses))
//	if err != nil {
//	    return err
//	}
//
//	op, err := protocol.NewOperation("Product", `query Product($id: ID!) { product(id: $id) { title } }`,
//	    map[string]interface{}{"id": "p1"})
//	if err != nil {
//	    return err
//	}
//	result, err := c.Execute(ctx, op)
//
// A second Execute of the same query is answered from the cache with
// result.FromCache set. Use op.WithPolicy(protocol.NetworkOnly) to force a
// fetch or protocol.NoCache to bypass the cache entirely.
//
// # Subscriptions
//
//	sub, err := c.Subscribe(ctx, op)
//	if err != nil {
//	    return err
//	}
//	defer sub.Close()
//	for result := range sub.Results() {
//	    // handle result
//	}
//	if err := sub.Err(); err != nil {
//	    // the stream failed
//	}
//
// # Signing Out
//
// ClearCacheAndCredential empties both the response cache and the credential
// store, so the next operation is sent unauthenticated and fetched fresh.
package client
