package protocol

import (
	"encoding/json"
	"fmt"
)

// GraphQLWSSubprotocol is the WebSocket subprotocol spoken by the stream transport.
const GraphQLWSSubprotocol = "graphql-ws"

// graphql-ws message types
const (
	MsgConnectionInit      = "connection_init"
	MsgConnectionAck       = "connection_ack"
	MsgConnectionError     = "connection_error"
	MsgKeepAlive           = "ka"
	MsgStart               = "start"
	MsgData                = "data"
	MsgError               = "error"
	MsgComplete            = "complete"
	MsgStop                = "stop"
	MsgConnectionTerminate = "connection_terminate"
)

// Request is the body of a GraphQL HTTP POST and the payload of a start message.
type Request struct {
	Query         string                 `json:"query"`
	Variables     map[string]interface{} `json:"variables,omitempty"`
	OperationName string                 `json:"operationName,omitempty"`
}

// NewRequest builds the wire request for op.
func NewRequest(op Operation) Request {
	return Request{Query: op.Query, Variables: op.Variables, OperationName: op.Name}
}

// Message is a graphql-ws frame
type Message struct {
	ID      string          `json:"id,omitempty"`
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// NewMessage creates a graphql-ws frame, marshaling payload when non-nil.
func NewMessage(id, msgType string, payload interface{}) (*Message, error) {
	var raw json.RawMessage
	if payload != nil {
		b, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal payload: %w", err)
		}
		raw = b
	}
	return &Message{ID: id, Type: msgType, Payload: raw}, nil
}

// ParseMessage decodes a graphql-ws frame.
func ParseMessage(data []byte) (*Message, error) {
	var msg Message
	if err := json.Unmarshal(data, &msg); err != nil {
		return nil, fmt.Errorf("failed to parse message: %w", err)
	}
	if msg.Type == "" {
		return nil, fmt.Errorf("message has no type")
	}
	return &msg, nil
}

// ErrorPayload decodes the payload of an error or connection_error frame.
// Servers send either a single error object or a list.
func (m *Message) ErrorPayload() []GraphQLError {
	if len(m.Payload) == 0 {
		return []GraphQLError{{Message: m.Type}}
	}
	var list []GraphQLError
	if err := json.Unmarshal(m.Payload, &list); err == nil {
		return list
	}
	var single GraphQLError
	if err := json.Unmarshal(m.Payload, &single); err == nil && single.Message != "" {
		return []GraphQLError{single}
	}
	return []GraphQLError{{Message: string(m.Payload)}}
}
