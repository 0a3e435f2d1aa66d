package protocol

import (
	"encoding/json"
	"fmt"
)

// CodeUnauthenticated is the extensions.code servers use for rejected credentials.
const CodeUnauthenticated = "UNAUTHENTICATED"

// Location is a position in the GraphQL document.
type Location struct {
	Line   int `json:"line"`
	Column int `json:"column"`
}

// GraphQLError is one entry of a response's errors list.
type GraphQLError struct {
	Message    string                 `json:"message"`
	Locations  []Location             `json:"locations,omitempty"`
	Path       []interface{}          `json:"path,omitempty"`
	Extensions map[string]interface{} `json:"extensions,omitempty"`
}

// Code returns extensions.code, or "" when absent.
func (e GraphQLError) Code() string {
	code, _ := e.Extensions["code"].(string)
	return code
}

func (e GraphQLError) Error() string {
	if len(e.Path) > 0 {
		return fmt.Sprintf("%s (path %v)", e.Message, e.Path)
	}
	return e.Message
}

// Result is the response to an operation, or one increment of a stream.
type Result struct {
	Data   json.RawMessage `json:"data,omitempty"`
	Errors []GraphQLError  `json:"errors,omitempty"`

	// FromCache is set when the result was served from the response cache.
	FromCache bool `json:"-"`
}

// HasErrors reports whether the response carried GraphQL errors.
func (r *Result) HasErrors() bool {
	return r != nil && len(r.Errors) > 0
}

// ErrorMessages returns the message of every GraphQL error.
func (r *Result) ErrorMessages() []string {
	if r == nil {
		return nil
	}
	messages := make([]string, 0, len(r.Errors))
	for _, e := range r.Errors {
		messages = append(messages, e.Message)
	}
	return messages
}

// Unauthenticated reports whether any error is an UNAUTHENTICATED rejection.
func (r *Result) Unauthenticated() bool {
	if r == nil {
		return false
	}
	for _, e := range r.Errors {
		if e.Code() == CodeUnauthenticated {
			return true
		}
	}
	return false
}

// Decode unmarshals the data field into v.
func (r *Result) Decode(v interface{}) error {
	if r == nil || len(r.Data) == 0 || string(r.Data) == "null" {
		return fmt.Errorf("result has no data")
	}
	return json.Unmarshal(r.Data, v)
}

// Clone returns a deep copy of the data and a shallow copy of the errors.
func (r *Result) Clone() *Result {
	if r == nil {
		return nil
	}
	c := &Result{FromCache: r.FromCache}
	if r.Data != nil {
		c.Data = append(json.RawMessage(nil), r.Data...)
	}
	if r.Errors != nil {
		c.Errors = append([]GraphQLError(nil), r.Errors...)
	}
	return c
}
