package observability

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// MetricsConfig configures the metrics provider
type MetricsConfig struct {
	// Service identification
	ServiceName    string `yaml:"service_name" json:"service_name"`
	ServiceVersion string `yaml:"service_version" json:"service_version"`
	Environment    string `yaml:"environment" json:"environment"`

	// Prometheus configuration
	MetricsPath string `yaml:"metrics_path" json:"metrics_path"` // HTTP path for metrics endpoint (default: /metrics)
	MetricsPort int    `yaml:"metrics_port" json:"metrics_port"` // Port for metrics server, 0 disables Start

	// Metric options
	Namespace        string    `yaml:"namespace" json:"namespace"` // Prometheus namespace (default: storefront)
	Subsystem        string    `yaml:"subsystem" json:"subsystem"`
	HistogramBuckets []float64 `yaml:"histogram_buckets" json:"histogram_buckets"`

	// Labels to add to all metrics
	ConstLabels prometheus.Labels `yaml:"const_labels" json:"const_labels"`

	// Registerer receives the collectors. Defaults to prometheus.DefaultRegisterer.
	Registerer prometheus.Registerer `yaml:"-" json:"-"`
	// Gatherer backs the HTTP endpoint. Defaults to prometheus.DefaultGatherer.
	Gatherer prometheus.Gatherer `yaml:"-" json:"-"`
}

// MetricsProvider records transport layer metrics. All methods are safe for
// concurrent use.
type MetricsProvider interface {
	// Operations executed through the client
	RecordOperation(ctx context.Context, kind, outcome string, duration time.Duration)
	// Raw transport calls, below the link chain
	RecordTransportEvent(ctx context.Context, transport, event, status string, duration time.Duration)
	RecordCacheLookup(hit bool)
	RecordRefresh(outcome string)
	RecordError(category string)

	// Stream channel
	RecordChannelState(state string)
	RecordReconnect(attempt int, delay time.Duration)
	RecordDroppedSend(reason string)

	// Management
	Start(ctx context.Context) error
	Shutdown(ctx context.Context) error
}

// Refresh outcomes
const (
	RefreshSuccess = "success"
	RefreshFailure = "failure"
	RefreshSkipped = "skipped"
)

// channelStates lists every value RecordChannelState may receive.
var channelStates = []string{"disconnected", "connecting", "connected", "closing"}

// PrometheusMetricsProvider implements MetricsProvider using Prometheus
type PrometheusMetricsProvider struct {
	config MetricsConfig
	server *http.Server

	operationDuration      *prometheus.HistogramVec
	operationTotal         *prometheus.CounterVec
	transportEventDuration *prometheus.HistogramVec
	cacheLookups           *prometheus.CounterVec
	refreshTotal           *prometheus.CounterVec
	errorTotal             *prometheus.CounterVec

	channelState      *prometheus.GaugeVec
	channelReconnects prometheus.Counter
	reconnectDelay    prometheus.Histogram
	droppedSends      *prometheus.CounterVec
}

// NewMetricsProvider creates a new Prometheus metrics provider
func NewMetricsProvider(config MetricsConfig) (*PrometheusMetricsProvider, error) {
	if config.Namespace == "" {
		config.Namespace = "storefront"
	}
	if config.MetricsPath == "" {
		config.MetricsPath = "/metrics"
	}
	if config.HistogramBuckets == nil {
		// milliseconds
		config.HistogramBuckets = []float64{1, 5, 10, 25, 50, 100, 250, 500, 1000, 2500, 5000, 10000}
	}
	if config.Registerer == nil {
		config.Registerer = prometheus.DefaultRegisterer
	}
	if config.Gatherer == nil {
		config.Gatherer = prometheus.DefaultGatherer
	}

	labels := prometheus.Labels{}
	for k, v := range config.ConstLabels {
		labels[k] = v
	}
	if config.ServiceName != "" {
		labels["service"] = config.ServiceName
	}
	if config.ServiceVersion != "" {
		labels["version"] = config.ServiceVersion
	}
	if config.Environment != "" {
		labels["environment"] = config.Environment
	}
	config.ConstLabels = labels

	p := &PrometheusMetricsProvider{config: config}
	p.initializeMetrics()

	if err := p.registerMetrics(); err != nil {
		return nil, fmt.Errorf("failed to register metrics: %w", err)
	}
	return p, nil
}

func (p *PrometheusMetricsProvider) counterVec(name, help string, labels ...string) *prometheus.CounterVec {
	return prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace:   p.config.Namespace,
		Subsystem:   p.config.Subsystem,
		Name:        name,
		Help:        help,
		ConstLabels: p.config.ConstLabels,
	}, labels)
}

func (p *PrometheusMetricsProvider) histogramVec(name, help string, labels ...string) *prometheus.HistogramVec {
	return prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace:   p.config.Namespace,
		Subsystem:   p.config.Subsystem,
		Name:        name,
		Help:        help,
		Buckets:     p.config.HistogramBuckets,
		ConstLabels: p.config.ConstLabels,
	}, labels)
}

// initializeMetrics creates all metric collectors
func (p *PrometheusMetricsProvider) initializeMetrics() {
	p.operationDuration = p.histogramVec("operation_duration_milliseconds",
		"Duration of GraphQL operations in milliseconds", "kind", "outcome")
	p.operationTotal = p.counterVec("operation_total",
		"Total number of GraphQL operations", "kind", "outcome")
	p.transportEventDuration = p.histogramVec("transport_event_duration_milliseconds",
		"Duration of raw transport calls in milliseconds", "transport", "event", "status")
	p.cacheLookups = p.counterVec("cache_lookups_total",
		"Response cache lookups", "result")
	p.refreshTotal = p.counterVec("credential_refresh_total",
		"Credential refresh attempts", "outcome")
	p.errorTotal = p.counterVec("error_total",
		"Total number of transport errors", "category")

	p.channelState = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace:   p.config.Namespace,
		Subsystem:   p.config.Subsystem,
		Name:        "channel_state",
		Help:        "Current stream channel state (1 for the active state)",
		ConstLabels: p.config.ConstLabels,
	}, []string{"state"})

	p.channelReconnects = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace:   p.config.Namespace,
		Subsystem:   p.config.Subsystem,
		Name:        "channel_reconnects_total",
		Help:        "Scheduled stream channel reconnects",
		ConstLabels: p.config.ConstLabels,
	})

	p.reconnectDelay = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace:   p.config.Namespace,
		Subsystem:   p.config.Subsystem,
		Name:        "channel_reconnect_delay_milliseconds",
		Help:        "Backoff delay before each stream channel reconnect",
		Buckets:     p.config.HistogramBuckets,
		ConstLabels: p.config.ConstLabels,
	})

	p.droppedSends = p.counterVec("channel_dropped_sends_total",
		"Messages dropped by the stream channel", "reason")
}

// registerMetrics registers all metrics, reusing collectors that are already
// registered under the same descriptor.
func (p *PrometheusMetricsProvider) registerMetrics() error {
	reg := p.config.Registerer

	var err error
	if p.operationDuration, err = registerOrReuse(reg, p.operationDuration); err != nil {
		return err
	}
	if p.operationTotal, err = registerOrReuse(reg, p.operationTotal); err != nil {
		return err
	}
	if p.transportEventDuration, err = registerOrReuse(reg, p.transportEventDuration); err != nil {
		return err
	}
	if p.cacheLookups, err = registerOrReuse(reg, p.cacheLookups); err != nil {
		return err
	}
	if p.refreshTotal, err = registerOrReuse(reg, p.refreshTotal); err != nil {
		return err
	}
	if p.errorTotal, err = registerOrReuse(reg, p.errorTotal); err != nil {
		return err
	}
	if p.channelState, err = registerOrReuse(reg, p.channelState); err != nil {
		return err
	}
	if p.channelReconnects, err = registerOrReuse(reg, p.channelReconnects); err != nil {
		return err
	}
	if p.reconnectDelay, err = registerOrReuse(reg, p.reconnectDelay); err != nil {
		return err
	}
	if p.droppedSends, err = registerOrReuse(reg, p.droppedSends); err != nil {
		return err
	}
	return nil
}

func registerOrReuse[T prometheus.Collector](reg prometheus.Registerer, c T) (T, error) {
	if err := reg.Register(c); err != nil {
		var are prometheus.AlreadyRegisteredError
		if errors.As(err, &are) {
			if existing, ok := are.ExistingCollector.(T); ok {
				return existing, nil
			}
		}
		return c, err
	}
	return c, nil
}

// RecordOperation records a completed operation
func (p *PrometheusMetricsProvider) RecordOperation(ctx context.Context, kind, outcome string, duration time.Duration) {
	p.operationDuration.WithLabelValues(kind, outcome).Observe(float64(duration.Milliseconds()))
	p.operationTotal.WithLabelValues(kind, outcome).Inc()
}

// RecordTransportEvent records a raw transport call
func (p *PrometheusMetricsProvider) RecordTransportEvent(ctx context.Context, transport, event, status string, duration time.Duration) {
	p.transportEventDuration.WithLabelValues(transport, event, status).Observe(float64(duration.Milliseconds()))
}

// RecordCacheLookup records a response cache hit or miss
func (p *PrometheusMetricsProvider) RecordCacheLookup(hit bool) {
	result := "miss"
	if hit {
		result = "hit"
	}
	p.cacheLookups.WithLabelValues(result).Inc()
}

// RecordRefresh records the outcome of a credential refresh
func (p *PrometheusMetricsProvider) RecordRefresh(outcome string) {
	p.refreshTotal.WithLabelValues(outcome).Inc()
}

// RecordError records an error by category
func (p *PrometheusMetricsProvider) RecordError(category string) {
	p.errorTotal.WithLabelValues(category).Inc()
}

// RecordChannelState sets the gauge of state to 1 and every other state to 0
func (p *PrometheusMetricsProvider) RecordChannelState(state string) {
	for _, s := range channelStates {
		p.channelState.WithLabelValues(s).Set(0)
	}
	p.channelState.WithLabelValues(state).Set(1)
}

// RecordReconnect records a scheduled reconnect
func (p *PrometheusMetricsProvider) RecordReconnect(attempt int, delay time.Duration) {
	p.channelReconnects.Inc()
	p.reconnectDelay.Observe(float64(delay.Milliseconds()))
}

// RecordDroppedSend records a message the channel could not deliver
func (p *PrometheusMetricsProvider) RecordDroppedSend(reason string) {
	p.droppedSends.WithLabelValues(reason).Inc()
}

// Start serves the metrics endpoint when a port is configured
func (p *PrometheusMetricsProvider) Start(ctx context.Context) error {
	if p.config.MetricsPort == 0 {
		return nil
	}

	mux := http.NewServeMux()
	mux.Handle(p.config.MetricsPath, promhttp.HandlerFor(p.config.Gatherer, promhttp.HandlerOpts{}))

	p.server = &http.Server{
		Addr:              fmt.Sprintf(":%d", p.config.MetricsPort),
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		_ = p.server.ListenAndServe()
	}()

	return nil
}

// Shutdown gracefully shuts down the metrics server
func (p *PrometheusMetricsProvider) Shutdown(ctx context.Context) error {
	if p.server != nil {
		return p.server.Shutdown(ctx)
	}
	return nil
}

// noopMetricsProvider discards every measurement.
type noopMetricsProvider struct{}

// NewNoopMetricsProvider returns a provider that records nothing.
func NewNoopMetricsProvider() MetricsProvider { return noopMetricsProvider{} }

func (noopMetricsProvider) RecordOperation(context.Context, string, string, time.Duration)              {}
func (noopMetricsProvider) RecordTransportEvent(context.Context, string, string, string, time.Duration) {}
func (noopMetricsProvider) RecordCacheLookup(bool)                                                      {}
func (noopMetricsProvider) RecordRefresh(string)                                                        {}
func (noopMetricsProvider) RecordError(string)                                                          {}
func (noopMetricsProvider) RecordChannelState(string)                                                   {}
func (noopMetricsProvider) RecordReconnect(int, time.Duration)                                          {}
func (noopMetricsProvider) RecordDroppedSend(string)                                                    {}
func (noopMetricsProvider) Start(context.Context) error                                                 { return nil }
func (noopMetricsProvider) Shutdown(context.Context) error                                              { return nil }

// OrNoop returns m, or a no-op provider when m is nil.
func OrNoop(m MetricsProvider) MetricsProvider {
	if m == nil {
		return noopMetricsProvider{}
	}
	return m
}
