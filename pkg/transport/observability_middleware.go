package transport

import (
	"context"
	"fmt"
	"io"
	"sync/atomic"
	"time"

	tperrors "github.com/nestora/storefront-transport/pkg/errors"
	"github.com/nestora/storefront-transport/pkg/logging"
	"github.com/nestora/storefront-transport/pkg/protocol"
)

// LoggingMiddleware logs every operation that passes through a transport and
// keeps simple counters about them.
type LoggingMiddleware struct {
	logger logging.Logger
	config ObservabilityConfig
	stats  *transportStats
}

// transportStats holds the counters shared by every transport the middleware wraps
type transportStats struct {
	requests      atomic.Int64
	failures      atomic.Int64
	subscriptions atomic.Int64
	streamResults atomic.Int64
	totalNanos    atomic.Int64
}

// Stats is a snapshot of the middleware counters
type Stats struct {
	Requests      int64         `json:"requests"`
	Failures      int64         `json:"failures"`
	Subscriptions int64         `json:"subscriptions"`
	StreamResults int64         `json:"stream_results"`
	AvgLatency    time.Duration `json:"avg_latency"`
}

func (s Stats) String() string {
	return fmt.Sprintf("TransportStats{requests=%d, failures=%d, subscriptions=%d, stream_results=%d, avg_latency=%s}",
		s.Requests, s.Failures, s.Subscriptions, s.StreamResults, s.AvgLatency)
}

// NewLoggingMiddleware creates a logging middleware
func NewLoggingMiddleware(logger logging.Logger, config ObservabilityConfig) *LoggingMiddleware {
	if logger == nil {
		logger = logging.Discard()
	}
	return &LoggingMiddleware{
		logger: logger,
		config: config,
		stats:  &transportStats{},
	}
}

// Stats returns a snapshot of the counters
func (m *LoggingMiddleware) Stats() Stats {
	s := Stats{
		Requests:      m.stats.requests.Load(),
		Failures:      m.stats.failures.Load(),
		Subscriptions: m.stats.subscriptions.Load(),
		StreamResults: m.stats.streamResults.Load(),
	}
	if s.Requests > 0 {
		s.AvgLatency = time.Duration(m.stats.totalNanos.Load() / s.Requests)
	}
	return s
}

// Wrap implements Middleware
func (m *LoggingMiddleware) Wrap(next Transport) Transport {
	return &loggingTransport{
		middlewareTransport: middlewareTransport{next: next},
		m:                   m,
		logger:              m.logger.WithFields(logging.String("transport", next.Name())),
	}
}

// WrapStream implements Middleware
func (m *LoggingMiddleware) WrapStream(next StreamTransport) StreamTransport {
	return &loggingStreamTransport{
		middlewareStreamTransport: middlewareStreamTransport{next: next},
		m:                         m,
		logger:                    m.logger.WithFields(logging.String("transport", next.Name())),
	}
}

func (m *LoggingMiddleware) requestFields(req *Request) []logging.Field {
	fields := []logging.Field{
		logging.String("request_id", req.RequestID),
		logging.String("operation", req.Operation.Name),
		logging.String("kind", req.Operation.Kind.String()),
	}
	if m.config.LogPayloads && len(req.Operation.Variables) > 0 {
		fields = append(fields, logging.Any("variables", req.Operation.Variables))
	}
	return fields
}

type loggingTransport struct {
	middlewareTransport
	m      *LoggingMiddleware
	logger logging.Logger
}

func (t *loggingTransport) Do(ctx context.Context, req *Request) (*protocol.Result, error) {
	fields := t.m.requestFields(req)
	t.logger.Debug("sending operation", fields...)

	start := time.Now()
	result, err := t.next.Do(ctx, req)
	elapsed := time.Since(start)

	t.m.stats.requests.Add(1)
	t.m.stats.totalNanos.Add(int64(elapsed))
	fields = append(fields, logging.Duration("duration", elapsed))

	if err != nil {
		t.m.stats.failures.Add(1)
		logger := t.logger.WithError(err)
		// GraphQL errors are application level; the transport itself worked.
		if tperrors.KindOf(err) == tperrors.KindGraphQL || tperrors.IsAborted(err) {
			logger.Debug("operation completed with errors", fields...)
		} else {
			logger.Warn("operation failed", fields...)
		}
		return result, err
	}

	t.logger.Debug("operation completed", fields...)
	return result, nil
}

type loggingStreamTransport struct {
	middlewareStreamTransport
	m      *LoggingMiddleware
	logger logging.Logger
}

func (t *loggingStreamTransport) Subscribe(ctx context.Context, req *Request) (Stream, error) {
	fields := t.m.requestFields(req)
	t.logger.Debug("starting subscription", fields...)

	stream, err := t.next.Subscribe(ctx, req)
	t.m.stats.subscriptions.Add(1)
	if err != nil {
		t.m.stats.failures.Add(1)
		t.logger.WithError(err).Warn("subscription failed", fields...)
		return nil, err
	}
	return &loggingStream{Stream: stream, t: t, fields: fields}, nil
}

type loggingStream struct {
	Stream
	t      *loggingStreamTransport
	fields []logging.Field
}

func (s *loggingStream) Next(ctx context.Context) (*protocol.Result, error) {
	result, err := s.Stream.Next(ctx)
	switch {
	case err == io.EOF:
		s.t.logger.Debug("subscription completed", s.fields...)
	case err != nil:
		s.t.m.stats.failures.Add(1)
		s.t.logger.WithError(err).Debug("subscription error", s.fields...)
	default:
		s.t.m.stats.streamResults.Add(1)
	}
	return result, err
}
