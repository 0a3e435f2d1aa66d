package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	tperrors "github.com/nestora/storefront-transport/pkg/errors"
	"github.com/nestora/storefront-transport/pkg/logging"
	"github.com/nestora/storefront-transport/pkg/protocol"
)

const (
	httpTransportName = "http"

	// maxErrorBody bounds how much of a non-2xx body is kept for the error
	maxErrorBody = 512
)

// HTTPTransport sends queries and mutations as JSON over HTTP POST
type HTTPTransport struct {
	endpoint       string
	client         *http.Client
	headers        map[string]string
	requestTimeout time.Duration
	logger         logging.Logger
}

// HTTPOption configures an HTTPTransport
type HTTPOption func(*HTTPTransport)

// WithHTTPClient sets the HTTP client used for requests
func WithHTTPClient(client *http.Client) HTTPOption {
	return func(t *HTTPTransport) {
		if client != nil {
			t.client = client
		}
	}
}

// WithStaticHeaders adds headers sent with every request
func WithStaticHeaders(headers map[string]string) HTTPOption {
	return func(t *HTTPTransport) {
		for k, v := range headers {
			t.headers[k] = v
		}
	}
}

// WithHTTPLogger sets the transport logger
func WithHTTPLogger(logger logging.Logger) HTTPOption {
	return func(t *HTTPTransport) {
		if logger != nil {
			t.logger = logger
		}
	}
}

// WithRequestTimeout bounds each request independently of the client timeout
func WithRequestTimeout(timeout time.Duration) HTTPOption {
	return func(t *HTTPTransport) {
		t.requestTimeout = timeout
	}
}

// NewHTTPTransport creates a new HTTP transport
func NewHTTPTransport(endpoint string, options ...HTTPOption) *HTTPTransport {
	t := &HTTPTransport{
		endpoint: endpoint,
		client:   &http.Client{Timeout: 30 * time.Second},
		headers:  make(map[string]string),
		logger:   logging.Discard(),
	}
	for _, opt := range options {
		opt(t)
	}
	t.logger = t.logger.WithFields(logging.String("component", "HTTPTransport"))
	return t
}

func (t *HTTPTransport) Name() string     { return httpTransportName }
func (t *HTTPTransport) Endpoint() string { return t.endpoint }

// Do posts the operation and decodes the GraphQL response. The decoded result
// is returned alongside AuthExpired and GraphQLErrors errors.
func (t *HTTPTransport) Do(ctx context.Context, req *Request) (*protocol.Result, error) {
	if t.requestTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, t.requestTimeout)
		defer cancel()
	}

	body, err := json.Marshal(protocol.NewRequest(req.Operation))
	if err != nil {
		return nil, t.withContext(tperrors.InvalidOperation(err.Error()), req)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, t.endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, t.withContext(tperrors.NetworkFailure(httpTransportName, t.endpoint, 0, err), req)
	}
	t.setHeaders(httpReq, req)

	resp, err := t.client.Do(httpReq)
	if err != nil {
		if ctx.Err() != nil {
			err = ctx.Err()
		}
		return nil, t.withContext(tperrors.NetworkFailure(httpTransportName, t.endpoint, 0, err), req)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusUnauthorized {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil, t.withContext(tperrors.AuthExpired(resp.StatusCode, nil), req)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		cause := fmt.Errorf("unexpected status %s", resp.Status)
		if s := strings.TrimSpace(string(snippet)); s != "" {
			cause = fmt.Errorf("unexpected status %s: %s", resp.Status, s)
		}
		t.logger.Debug("non-2xx response",
			logging.String("request_id", req.RequestID),
			logging.Int("status", resp.StatusCode))
		return nil, t.withContext(tperrors.NetworkFailure(httpTransportName, t.endpoint, resp.StatusCode, cause), req)
	}

	var result protocol.Result
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		if ctx.Err() != nil {
			err = ctx.Err()
		}
		return nil, t.withContext(tperrors.NetworkFailure(httpTransportName, t.endpoint, resp.StatusCode, fmt.Errorf("decode response: %w", err)), req)
	}

	if err := resultError(&result); err != nil {
		return &result, t.withContext(err, req)
	}
	return &result, nil
}

func (t *HTTPTransport) setHeaders(httpReq *http.Request, req *Request) {
	for k, v := range t.headers {
		httpReq.Header.Set(k, v)
	}
	for k, values := range req.Header {
		httpReq.Header.Del(k)
		for _, v := range values {
			httpReq.Header.Add(k, v)
		}
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "application/json")
	if req.RequestID != "" {
		httpReq.Header.Set("X-Request-ID", req.RequestID)
	}
}

func (t *HTTPTransport) withContext(err tperrors.TransportError, req *Request) error {
	return err.WithContext(&tperrors.Context{
		RequestID: req.RequestID,
		Operation: req.Operation.Name,
		Kind:      req.Operation.Kind.String(),
		Component: "HTTPTransport",
		Endpoint:  t.endpoint,
		Timestamp: time.Now(),
	})
}
