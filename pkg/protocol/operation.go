package protocol

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/vektah/gqlparser/v2/ast"
	"github.com/vektah/gqlparser/v2/parser"
)

// Kind is the GraphQL operation type.
type Kind int

const (
	KindQuery Kind = iota + 1
	KindMutation
	KindSubscription
)

func (k Kind) String() string {
	switch k {
	case KindQuery:
		return "query"
	case KindMutation:
		return "mutation"
	case KindSubscription:
		return "subscription"
	default:
		return "unknown"
	}
}

// Valid reports whether k is one of the three operation kinds.
func (k Kind) Valid() bool {
	return k >= KindQuery && k <= KindSubscription
}

// ParseKind converts an operation keyword to a Kind.
func ParseKind(s string) (Kind, error) {
	switch strings.ToLower(s) {
	case "query":
		return KindQuery, nil
	case "mutation":
		return KindMutation, nil
	case "subscription":
		return KindSubscription, nil
	default:
		return 0, fmt.Errorf("unknown operation kind %q", s)
	}
}

// CachePolicy controls how the response cache participates in a call.
type CachePolicy int

const (
	// PolicyDefault resolves per kind: CacheFirst for queries, NetworkOnly for
	// mutations and NoCache for subscriptions.
	PolicyDefault CachePolicy = iota
	// CacheFirst returns a cached result when one exists.
	CacheFirst
	// NetworkOnly always calls the transport and stores the fresh result.
	NetworkOnly
	// NoCache neither reads nor writes the cache.
	NoCache
)

func (p CachePolicy) String() string {
	switch p {
	case CacheFirst:
		return "cache-first"
	case NetworkOnly:
		return "network-only"
	case NoCache:
		return "no-cache"
	default:
		return "default"
	}
}

// Operation is a single GraphQL call. It is passed by value and treated as
// immutable once submitted.
type Operation struct {
	Name      string
	Kind      Kind
	Query     string
	Variables map[string]interface{}
	Policy    CachePolicy
}

// NewOperation builds an operation, inferring its kind from the document.
func NewOperation(name, document string, variables map[string]interface{}) (Operation, error) {
	kind, err := InferKind(document)
	if err != nil {
		return Operation{}, err
	}
	return Operation{Name: name, Kind: kind, Query: document, Variables: variables}, nil
}

// WithPolicy returns a copy of op using policy.
func (op Operation) WithPolicy(policy CachePolicy) Operation {
	op.Policy = policy
	return op
}

// EffectivePolicy resolves PolicyDefault for the operation's kind.
func (op Operation) EffectivePolicy() CachePolicy {
	if op.Kind == KindSubscription {
		return NoCache
	}
	if op.Policy != PolicyDefault {
		return op.Policy
	}
	if op.Kind == KindMutation {
		return NetworkOnly
	}
	return CacheFirst
}

// Validate checks that the operation can be sent.
func (op Operation) Validate() error {
	if !op.Kind.Valid() {
		return fmt.Errorf("operation %q has no valid kind", op.Name)
	}
	if strings.TrimSpace(op.Query) == "" {
		return fmt.Errorf("operation %q has an empty document", op.Name)
	}
	return nil
}

// Key returns the normalized identity of the operation as a hex SHA-256.
// The cache policy is not part of the identity.
func (op Operation) Key() string {
	vars := []byte("{}")
	if len(op.Variables) > 0 {
		// encoding/json writes map keys in sorted order at every level.
		if b, err := json.Marshal(op.Variables); err == nil {
			vars = b
		} else {
			vars = []byte(fmt.Sprintf("%v", op.Variables))
		}
	}

	h := sha256.New()
	h.Write([]byte(op.Kind.String()))
	h.Write([]byte{0})
	h.Write([]byte(op.Name))
	h.Write([]byte{0})
	h.Write([]byte(strings.Join(strings.Fields(op.Query), " ")))
	h.Write([]byte{0})
	h.Write(vars)
	return hex.EncodeToString(h.Sum(nil))
}

// InferKind returns the kind of the first operation definition in document.
// Fragment definitions are skipped and an anonymous selection set is a query.
func InferKind(document string) (Kind, error) {
	doc, err := parser.ParseQuery(&ast.Source{Input: document})
	if err != nil {
		return 0, fmt.Errorf("parse document: %w", err)
	}
	if len(doc.Operations) == 0 {
		return 0, fmt.Errorf("document has no operation definition")
	}
	return ParseKind(string(doc.Operations[0].Operation))
}
