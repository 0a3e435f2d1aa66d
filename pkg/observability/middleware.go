package observability

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	tperrors "github.com/nestora/storefront-transport/pkg/errors"
	"github.com/nestora/storefront-transport/pkg/protocol"
	"github.com/nestora/storefront-transport/pkg/transport"
)

// Outcome labels used for operations and transport events
const (
	OutcomeSuccess = "success"
	OutcomeAborted = "aborted"
)

// Outcome returns the metric label describing err
func Outcome(err error) string {
	switch {
	case err == nil:
		return OutcomeSuccess
	case tperrors.IsAborted(err):
		return OutcomeAborted
	default:
		return tperrors.KindOf(err).String()
	}
}

// ErrorCategory returns the category of a transport error, or "internal"
func ErrorCategory(err error) string {
	if te, ok := tperrors.AsTransportError(err); ok {
		return string(te.Category())
	}
	return string(tperrors.CategoryInternal)
}

// ObservabilityConfig configures the instrumentation middleware
type ObservabilityConfig struct {
	// Tracing configuration
	EnableTracing bool          `yaml:"enable_tracing" json:"enable_tracing"`
	TracingConfig TracingConfig `yaml:"tracing" json:"tracing"`

	// Metrics configuration
	EnableMetrics bool          `yaml:"enable_metrics" json:"enable_metrics"`
	MetricsConfig MetricsConfig `yaml:"metrics" json:"metrics"`

	// Feature flags
	CaptureVariables bool `yaml:"capture_variables" json:"capture_variables"` // Record operation variables on spans
	RecordPanics     bool `yaml:"record_panics" json:"record_panics"`         // Record panics as span events
}

// InstrumentationMiddleware traces and measures every transport call. It
// implements transport.Middleware.
type InstrumentationMiddleware struct {
	config  ObservabilityConfig
	tracer  *TracingProvider
	metrics MetricsProvider
}

// NewObservabilityMiddleware creates the providers named by config and a
// middleware over them.
func NewObservabilityMiddleware(config ObservabilityConfig) (*InstrumentationMiddleware, error) {
	var tracer *TracingProvider
	var metrics MetricsProvider

	if config.EnableTracing {
		t, err := NewTracingProvider(config.TracingConfig)
		if err != nil {
			return nil, fmt.Errorf("failed to create tracing provider: %w", err)
		}
		tracer = t
	}

	if config.EnableMetrics {
		m, err := NewMetricsProvider(config.MetricsConfig)
		if err != nil {
			return nil, fmt.Errorf("failed to create metrics provider: %w", err)
		}
		metrics = m
	}

	return NewInstrumentationMiddleware(tracer, metrics, config), nil
}

// NewInstrumentationMiddleware creates a middleware over existing providers.
// Either provider may be nil.
func NewInstrumentationMiddleware(tracer *TracingProvider, metrics MetricsProvider, config ObservabilityConfig) *InstrumentationMiddleware {
	config.EnableTracing = tracer != nil
	config.EnableMetrics = metrics != nil
	return &InstrumentationMiddleware{
		config:  config,
		tracer:  tracer,
		metrics: OrNoop(metrics),
	}
}

// Tracer returns the tracing provider, or nil when tracing is off
func (m *InstrumentationMiddleware) Tracer() *TracingProvider { return m.tracer }

// Metrics returns the metrics provider. It is never nil.
func (m *InstrumentationMiddleware) Metrics() MetricsProvider { return m.metrics }

// Shutdown flushes and stops both providers
func (m *InstrumentationMiddleware) Shutdown(ctx context.Context) error {
	var errs []error
	if m.tracer != nil {
		errs = append(errs, m.tracer.Shutdown(ctx))
	}
	errs = append(errs, m.metrics.Shutdown(ctx))
	return errors.Join(errs...)
}

// Wrap implements transport.Middleware
func (m *InstrumentationMiddleware) Wrap(next transport.Transport) transport.Transport {
	return &instrumentedTransport{middleware: m, next: next}
}

// WrapStream implements transport.Middleware
func (m *InstrumentationMiddleware) WrapStream(next transport.StreamTransport) transport.StreamTransport {
	return &instrumentedStreamTransport{middleware: m, next: next}
}

// startSpan opens a transport span and propagates its context in the
// request headers. The request is copied so the caller's headers stay intact.
func (m *InstrumentationMiddleware) startSpan(ctx context.Context, name string, req *transport.Request) (context.Context, trace.Span, *transport.Request) {
	if m.tracer == nil {
		return ctx, trace.SpanFromContext(ctx), req
	}

	attrs := []attribute.KeyValue{
		AttrTransport.String(name),
		AttrOperationName.String(req.Operation.Name),
		AttrOperationKind.String(req.Operation.Kind.String()),
		AttrRequestID.String(req.RequestID),
	}
	if m.config.CaptureVariables && len(req.Operation.Variables) > 0 {
		if payload, err := json.Marshal(req.Operation.Variables); err == nil {
			attrs = append(attrs, attribute.String("graphql.operation.variables", string(payload)))
		}
	}

	ctx, span := m.tracer.StartSpan(ctx, "transport."+name,
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(attrs...),
	)

	out := *req
	out.Header = req.Header.Clone()
	if out.Header == nil {
		out.Header = http.Header{}
	}
	m.tracer.InjectHeaders(ctx, out.Header)
	return ctx, span, &out
}

func (m *InstrumentationMiddleware) finish(ctx context.Context, span trace.Span, transportName, event string, start time.Time, err error) {
	duration := time.Since(start)
	m.metrics.RecordTransportEvent(ctx, transportName, event, Outcome(err), duration)
	if err != nil && !tperrors.IsAborted(err) {
		m.metrics.RecordError(ErrorCategory(err))
	}

	if !span.IsRecording() {
		return
	}
	span.SetAttributes(attribute.Float64("transport.duration_ms", float64(duration.Milliseconds())))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	} else {
		span.SetStatus(codes.Ok, "")
	}
}

func (m *InstrumentationMiddleware) recoverPanic(span trace.Span) {
	if !m.config.RecordPanics {
		return
	}
	if r := recover(); r != nil {
		span.RecordError(fmt.Errorf("panic: %v", r))
		span.SetStatus(codes.Error, "panic occurred")
		span.End()
		panic(r)
	}
}

type instrumentedTransport struct {
	middleware *InstrumentationMiddleware
	next       transport.Transport
}

func (t *instrumentedTransport) Name() string     { return t.next.Name() }
func (t *instrumentedTransport) Endpoint() string { return t.next.Endpoint() }

func (t *instrumentedTransport) Do(ctx context.Context, req *transport.Request) (result *protocol.Result, err error) {
	m := t.middleware
	ctx, span, req := m.startSpan(ctx, t.next.Name(), req)
	defer m.recoverPanic(span)

	start := time.Now()
	result, err = t.next.Do(ctx, req)
	m.finish(ctx, span, t.next.Name(), "request", start, err)
	if m.tracer != nil {
		span.End()
	}
	return result, err
}

type instrumentedStreamTransport struct {
	middleware *InstrumentationMiddleware
	next       transport.StreamTransport
}

func (t *instrumentedStreamTransport) Name() string     { return t.next.Name() }
func (t *instrumentedStreamTransport) Endpoint() string { return t.next.Endpoint() }

func (t *instrumentedStreamTransport) Subscribe(ctx context.Context, req *transport.Request) (transport.Stream, error) {
	m := t.middleware
	spanCtx, span, req := m.startSpan(ctx, t.next.Name(), req)
	defer m.recoverPanic(span)

	start := time.Now()
	stream, err := t.next.Subscribe(spanCtx, req)
	m.finish(spanCtx, span, t.next.Name(), "subscribe", start, err)
	if m.tracer != nil {
		span.End()
	}
	if err != nil {
		return nil, err
	}
	return &instrumentedStream{Stream: stream, middleware: m, name: t.next.Name(), ctx: spanCtx}, nil
}

type instrumentedStream struct {
	transport.Stream
	middleware *InstrumentationMiddleware
	name       string
	ctx        context.Context
}

func (s *instrumentedStream) Next(ctx context.Context) (*protocol.Result, error) {
	start := time.Now()
	result, err := s.Stream.Next(ctx)
	if errors.Is(err, io.EOF) {
		return result, err
	}
	s.middleware.metrics.RecordTransportEvent(s.ctx, s.name, "message", Outcome(err), time.Since(start))
	if err != nil && !tperrors.IsAborted(err) {
		s.middleware.metrics.RecordError(ErrorCategory(err))
	}
	return result, err
}
