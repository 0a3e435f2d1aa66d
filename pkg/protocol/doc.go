// Package protocol defines the data model shared by the storefront transport layer.
//
// An Operation is a single logical GraphQL call tagged with a Kind. The kind
// decides routing: subscriptions travel over the streaming transport and
// everything else over the request/response transport.
//
// # Package Organization
//
//   - operation.go: Operation, Kind, CachePolicy and the normalized identity used as a cache key
//   - result.go: Result and GraphQLError as returned by either transport
//   - wire.go: the HTTP request body and the graphql-ws message envelope
//
// # Operation Identity
//
// Two operations are the same for caching purposes when their kind, name,
// whitespace-folded document and variables match. Variables are encoded as
// canonical JSON (sorted keys) before hashing, so map iteration order never
// changes the key:
//
//	op, err := protocol.NewOperation("Cart", `query Cart($id: ID!) { cart(id: $id) { total } }`,
//		map[string]interface{}{"id": "c-1"})
//	key := op.Key()
package protocol
