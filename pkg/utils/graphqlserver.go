package utils

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/gorilla/websocket"

	"github.com/nestora/storefront-transport/pkg/protocol"
)

// RecordedRequest is one operation received by a GraphQLServer
type RecordedRequest struct {
	Header http.Header
	Body   protocol.Request
	// InitPayload is the connection_init payload of a subscription
	InitPayload map[string]string
}

// RequestHandler answers an HTTP operation with a status and a JSON body
type RequestHandler func(req RecordedRequest) (int, interface{})

// SubscriptionHandler returns the frames sent after a start message. When no
// complete frame is among them the connection stays open until the client
// stops the subscription.
type SubscriptionHandler func(req RecordedRequest) []*protocol.Message

// InitHandler inspects the connection_init payload. A non-nil result is sent
// back as the payload of a connection_error frame.
type InitHandler func(payload map[string]string) *protocol.GraphQLError

// GraphQLServer is an in-process GraphQL endpoint for tests. It answers HTTP
// POSTs and graphql-ws subscriptions on the same URL.
type GraphQLServer struct {
	*httptest.Server

	mu            sync.Mutex
	onRequest     RequestHandler
	onSubscribe   SubscriptionHandler
	onInit        InitHandler
	upgradeStatus int
	requests      []RecordedRequest
	conns         map[*websocket.Conn]struct{}

	stops      atomic.Int64
	terminates atomic.Int64
	active     sync.WaitGroup
}

// NewGraphQLServer starts a server that answers every operation with an
// empty data object.
func NewGraphQLServer() *GraphQLServer {
	s := &GraphQLServer{conns: make(map[*websocket.Conn]struct{})}
	s.Server = httptest.NewServer(http.HandlerFunc(s.serve))
	return s
}

// WSURL returns the server URL with a ws scheme
func (s *GraphQLServer) WSURL() string {
	return "ws" + strings.TrimPrefix(s.URL, "http")
}

// OnRequest sets the HTTP handler
func (s *GraphQLServer) OnRequest(h RequestHandler) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onRequest = h
}

// OnSubscribe sets the subscription handler
func (s *GraphQLServer) OnSubscribe(h SubscriptionHandler) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onSubscribe = h
}

// OnInit sets the connection_init handler
func (s *GraphQLServer) OnInit(h InitHandler) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onInit = h
}

// RejectUpgrade makes WebSocket upgrades fail with status
func (s *GraphQLServer) RejectUpgrade(status int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.upgradeStatus = status
}

// Requests returns every operation received so far
func (s *GraphQLServer) Requests() []RecordedRequest {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]RecordedRequest(nil), s.requests...)
}

// Stops returns how many stop frames were received
func (s *GraphQLServer) Stops() int { return int(s.stops.Load()) }

// Terminates returns how many connection_terminate frames were received
func (s *GraphQLServer) Terminates() int { return int(s.terminates.Load()) }

// DropConnections cuts every open WebSocket connection without a close
// frame, as a network failure would.
func (s *GraphQLServer) DropConnections() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for conn := range s.conns {
		_ = conn.UnderlyingConn().Close()
	}
}

// WaitConnections blocks until every WebSocket connection has been closed
func (s *GraphQLServer) WaitConnections() { s.active.Wait() }

func (s *GraphQLServer) record(req RecordedRequest) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.requests = append(s.requests, req)
}

func (s *GraphQLServer) serve(w http.ResponseWriter, r *http.Request) {
	if websocket.IsWebSocketUpgrade(r) {
		s.serveWebSocket(w, r)
		return
	}

	var body protocol.Request
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	req := RecordedRequest{Header: r.Header.Clone(), Body: body}
	s.record(req)

	s.mu.Lock()
	handler := s.onRequest
	s.mu.Unlock()

	status, response := http.StatusOK, interface{}(map[string]interface{}{"data": map[string]interface{}{}})
	if handler != nil {
		status, response = handler(req)
	}

	if text, ok := response.(string); ok {
		w.WriteHeader(status)
		_, _ = w.Write([]byte(text))
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(response)
}

func (s *GraphQLServer) serveWebSocket(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	status := s.upgradeStatus
	onInit := s.onInit
	onSubscribe := s.onSubscribe
	s.mu.Unlock()

	if status != 0 {
		http.Error(w, http.StatusText(status), status)
		return
	}

	upgrader := websocket.Upgrader{Subprotocols: []string{protocol.GraphQLWSSubprotocol}}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	s.active.Add(1)
	defer s.active.Done()
	defer conn.Close()

	s.mu.Lock()
	s.conns[conn] = struct{}{}
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		delete(s.conns, conn)
		s.mu.Unlock()
	}()

	init, err := readFrame(conn)
	if err != nil || init.Type != protocol.MsgConnectionInit {
		return
	}
	payload := map[string]string{}
	if len(init.Payload) > 0 {
		_ = json.Unmarshal(init.Payload, &payload)
	}
	if onInit != nil {
		if gqlErr := onInit(payload); gqlErr != nil {
			msg, _ := protocol.NewMessage("", protocol.MsgConnectionError, gqlErr)
			_ = conn.WriteJSON(msg)
			return
		}
	}

	ka, _ := protocol.NewMessage("", protocol.MsgKeepAlive, nil)
	ack, _ := protocol.NewMessage("", protocol.MsgConnectionAck, nil)
	if conn.WriteJSON(ka) != nil || conn.WriteJSON(ack) != nil {
		return
	}

	start, err := readFrame(conn)
	if err != nil || start.Type != protocol.MsgStart {
		return
	}
	var body protocol.Request
	_ = json.Unmarshal(start.Payload, &body)
	req := RecordedRequest{Header: r.Header.Clone(), Body: body, InitPayload: payload}
	s.record(req)

	if onSubscribe != nil {
		for _, frame := range onSubscribe(req) {
			if frame.ID == "" && frame.Type != protocol.MsgKeepAlive {
				frame.ID = start.ID
			}
			if err := conn.WriteJSON(frame); err != nil {
				return
			}
		}
	}

	for {
		msg, err := readFrame(conn)
		if err != nil {
			return
		}
		switch msg.Type {
		case protocol.MsgStop:
			s.stops.Add(1)
		case protocol.MsgConnectionTerminate:
			s.terminates.Add(1)
		}
	}
}

func readFrame(conn *websocket.Conn) (*protocol.Message, error) {
	_, data, err := conn.ReadMessage()
	if err != nil {
		return nil, err
	}
	msg, err := protocol.ParseMessage(data)
	if err != nil {
		return nil, errors.Join(errors.New("bad frame"), err)
	}
	return msg, nil
}

// DataFrame builds a data frame carrying result
func DataFrame(result interface{}) *protocol.Message {
	msg, _ := protocol.NewMessage("", protocol.MsgData, result)
	return msg
}

// ErrorFrame builds an error frame
func ErrorFrame(errs ...protocol.GraphQLError) *protocol.Message {
	msg, _ := protocol.NewMessage("", protocol.MsgError, errs)
	return msg
}

// CompleteFrame builds a complete frame
func CompleteFrame() *protocol.Message {
	msg, _ := protocol.NewMessage("", protocol.MsgComplete, nil)
	return msg
}
