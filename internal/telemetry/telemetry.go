package telemetry

import (
	"context"
	"fmt"
	"net/http"
	"runtime"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	otelruntime "go.opentelemetry.io/contrib/instrumentation/runtime"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetricgrpc"
	"go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/trace"
)

// Telemetry holds all telemetry instruments and providers.
type Telemetry struct {
	meterProvider metric.MeterProvider
	tracer        trace.Tracer
	meter         metric.Meter
	exporter      *prometheus.Exporter

	// RED Metrics (Rate, Errors, Duration)
	httpRequestsTotal    metric.Int64Counter
	httpRequestDuration  metric.Float64Histogram
	httpRequestsInFlight metric.Int64UpDownCounter

	// Pipeline metrics
	verdictsTotal        metric.Int64Counter
	blocksTotal          metric.Int64Counter
	scansInFlight        metric.Int64UpDownCounter
	verdictLatency       metric.Float64Histogram
	completionsReleased  metric.Int64Counter
	warningCancellations metric.Int64Counter
	dbOperationsTotal    metric.Int64Counter
	dbOperationDuration  metric.Float64Histogram

	// System health
	systemErrors   metric.Int64Counter
	systemUptime   metric.Float64Gauge
	memoryUsage    metric.Int64Gauge
	goroutineCount metric.Int64Gauge
}

// Config holds telemetry configuration.
type Config struct {
	Enabled        bool
	ServiceName    string
	ServiceVersion string
	// OTLPEndpoint enables a secondary OTLP/gRPC metric exporter when set;
	// Prometheus scraping stays on regardless.
	OTLPEndpoint string
}

// New creates a new telemetry instance.
func New(ctx context.Context, cfg Config) (*Telemetry, error) {
	if !cfg.Enabled {
		return &Telemetry{}, nil
	}

	exporter, err := prometheus.New()
	if err != nil {
		return nil, fmt.Errorf("failed to create prometheus exporter: %w", err)
	}

	opts := []sdkmetric.Option{sdkmetric.WithReader(exporter)}

	if cfg.OTLPEndpoint != "" {
		otlpExporter, err := otlpmetricgrpc.New(ctx,
			otlpmetricgrpc.WithEndpoint(cfg.OTLPEndpoint),
			otlpmetricgrpc.WithInsecure(),
		)
		if err != nil {
			return nil, fmt.Errorf("failed to create otlp exporter: %w", err)
		}

		opts = append(opts, sdkmetric.WithReader(sdkmetric.NewPeriodicReader(otlpExporter)))
	}

	meterProvider := sdkmetric.NewMeterProvider(opts...)
	otel.SetMeterProvider(meterProvider)

	if err := otelruntime.Start(otelruntime.WithMeterProvider(meterProvider)); err != nil {
		return nil, fmt.Errorf("failed to start runtime instrumentation: %w", err)
	}

	t := &Telemetry{
		meterProvider: meterProvider,
		tracer:        otel.Tracer(cfg.ServiceName),
		meter:         otel.Meter(cfg.ServiceName),
		exporter:      exporter,
	}

	if err := t.initializeMetrics(); err != nil {
		return nil, fmt.Errorf("failed to initialize metrics: %w", err)
	}

	go t.collectSystemMetrics(ctx)

	return t, nil
}

// Tracer returns the tracer for manual span creation.
func (t *Telemetry) Tracer() trace.Tracer {
	return t.tracer
}

// MetricsHandler returns the Prometheus scrape handler.
func (t *Telemetry) MetricsHandler() http.Handler {
	return promhttp.Handler()
}

func (t *Telemetry) initializeMetrics() error {
	if err := t.initializeREDMetrics(); err != nil {
		return err
	}

	if err := t.initializePipelineMetrics(); err != nil {
		return err
	}

	return t.initializeSystemMetrics()
}

func (t *Telemetry) initializeREDMetrics() error {
	var err error

	t.httpRequestsTotal, err = t.meter.Int64Counter(
		"http_requests_total",
		metric.WithDescription("Total number of HTTP requests"),
		metric.WithUnit("1"),
	)
	if err != nil {
		return fmt.Errorf("failed to create http_requests_total counter: %w", err)
	}

	t.httpRequestDuration, err = t.meter.Float64Histogram(
		"http_request_duration_seconds",
		metric.WithDescription("HTTP request duration in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return fmt.Errorf("failed to create http_request_duration histogram: %w", err)
	}

	t.httpRequestsInFlight, err = t.meter.Int64UpDownCounter(
		"http_requests_in_flight",
		metric.WithDescription("Number of HTTP requests currently being processed"),
		metric.WithUnit("1"),
	)
	if err != nil {
		return fmt.Errorf("failed to create http_requests_in_flight counter: %w", err)
	}

	return nil
}

func (t *Telemetry) initializePipelineMetrics() error {
	var err error

	t.verdictsTotal, err = t.meter.Int64Counter(
		"verdicts_total",
		metric.WithDescription("Total number of classification verdicts applied"),
		metric.WithUnit("1"),
	)
	if err != nil {
		return fmt.Errorf("failed to create verdicts_total counter: %w", err)
	}

	t.blocksTotal, err = t.meter.Int64Counter(
		"blocks_total",
		metric.WithDescription("Total number of downloads blocked by policy"),
		metric.WithUnit("1"),
	)
	if err != nil {
		return fmt.Errorf("failed to create blocks_total counter: %w", err)
	}

	t.scansInFlight, err = t.meter.Int64UpDownCounter(
		"scans_in_flight",
		metric.WithDescription("Number of classification checks awaiting a verdict"),
		metric.WithUnit("1"),
	)
	if err != nil {
		return fmt.Errorf("failed to create scans_in_flight counter: %w", err)
	}

	t.verdictLatency, err = t.meter.Float64Histogram(
		"verdict_latency_seconds",
		metric.WithDescription("Time from check dispatch to settled verdict"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return fmt.Errorf("failed to create verdict_latency histogram: %w", err)
	}

	t.completionsReleased, err = t.meter.Int64Counter(
		"completions_released_total",
		metric.WithDescription("Total number of completion waiters released"),
		metric.WithUnit("1"),
	)
	if err != nil {
		return fmt.Errorf("failed to create completions_released counter: %w", err)
	}

	t.warningCancellations, err = t.meter.Int64Counter(
		"ephemeral_warning_cancellations_total",
		metric.WithDescription("Ephemeral warning timer outcomes"),
		metric.WithUnit("1"),
	)
	if err != nil {
		return fmt.Errorf("failed to create warning_cancellations counter: %w", err)
	}

	t.dbOperationsTotal, err = t.meter.Int64Counter(
		"db_operations_total",
		metric.WithDescription("Total number of database operations"),
		metric.WithUnit("1"),
	)
	if err != nil {
		return fmt.Errorf("failed to create db_operations_total counter: %w", err)
	}

	t.dbOperationDuration, err = t.meter.Float64Histogram(
		"db_operation_duration_seconds",
		metric.WithDescription("Database operation duration in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return fmt.Errorf("failed to create db_operation_duration histogram: %w", err)
	}

	return nil
}

func (t *Telemetry) initializeSystemMetrics() error {
	var err error

	t.systemErrors, err = t.meter.Int64Counter(
		"system_errors_total",
		metric.WithDescription("Total number of system errors"),
		metric.WithUnit("1"),
	)
	if err != nil {
		return fmt.Errorf("failed to create system_errors counter: %w", err)
	}

	t.systemUptime, err = t.meter.Float64Gauge(
		"system_uptime_seconds",
		metric.WithDescription("System uptime in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return fmt.Errorf("failed to create system_uptime gauge: %w", err)
	}

	t.memoryUsage, err = t.meter.Int64Gauge(
		"memory_usage_bytes",
		metric.WithDescription("Memory usage in bytes"),
		metric.WithUnit("bytes"),
	)
	if err != nil {
		return fmt.Errorf("failed to create memory_usage gauge: %w", err)
	}

	t.goroutineCount, err = t.meter.Int64Gauge(
		"goroutine_count",
		metric.WithDescription("Number of goroutines"),
		metric.WithUnit("1"),
	)
	if err != nil {
		return fmt.Errorf("failed to create goroutine_count gauge: %w", err)
	}

	return nil
}

// RecordHTTPRequest records RED metrics for an HTTP request.
func (t *Telemetry) RecordHTTPRequest(method, path, statusClass string, duration time.Duration) {
	if t == nil || t.httpRequestsTotal == nil {
		return
	}

	attrs := metric.WithAttributes(
		attribute.String("method", method),
		attribute.String("path", path),
		attribute.String("status_class", statusClass),
	)

	t.httpRequestsTotal.Add(context.Background(), 1, attrs)
	t.httpRequestDuration.Record(context.Background(), duration.Seconds(), attrs)
}

// IncrementHTTPInFlight increments the in-flight request counter.
func (t *Telemetry) IncrementHTTPInFlight() {
	if t == nil || t.httpRequestsInFlight == nil {
		return
	}

	t.httpRequestsInFlight.Add(context.Background(), 1)
}

// DecrementHTTPInFlight decrements the in-flight request counter.
func (t *Telemetry) DecrementHTTPInFlight() {
	if t == nil || t.httpRequestsInFlight == nil {
		return
	}

	t.httpRequestsInFlight.Add(context.Background(), -1)
}

// RecordVerdict records one applied classification verdict.
func (t *Telemetry) RecordVerdict(verdict, dangerType string) {
	if t == nil || t.verdictsTotal == nil {
		return
	}

	t.verdictsTotal.Add(context.Background(), 1, metric.WithAttributes(
		attribute.String("verdict", verdict),
		attribute.String("danger_type", dangerType),
	))
}

// RecordBlock records one policy block decision.
func (t *Telemetry) RecordBlock(restriction, dangerType string) {
	if t == nil || t.blocksTotal == nil {
		return
	}

	t.blocksTotal.Add(context.Background(), 1, metric.WithAttributes(
		attribute.String("restriction", restriction),
		attribute.String("danger_type", dangerType),
	))
}

// ScanStarted marks one classification check as outstanding.
func (t *Telemetry) ScanStarted() {
	if t == nil || t.scansInFlight == nil {
		return
	}

	t.scansInFlight.Add(context.Background(), 1)
}

// ScanSettled marks one classification check as settled and records its latency.
func (t *Telemetry) ScanSettled(duration time.Duration) {
	if t == nil || t.scansInFlight == nil {
		return
	}

	t.scansInFlight.Add(context.Background(), -1)
	t.verdictLatency.Record(context.Background(), duration.Seconds())
}

// RecordCompletionReleased records one released completion waiter.
func (t *Telemetry) RecordCompletionReleased(sync bool) {
	if t == nil || t.completionsReleased == nil {
		return
	}

	mode := "async"
	if sync {
		mode = "sync"
	}

	t.completionsReleased.Add(context.Background(), 1, metric.WithAttributes(
		attribute.String("mode", mode),
	))
}

// RecordWarningCancellation records an ephemeral-warning timer outcome.
func (t *Telemetry) RecordWarningCancellation(result string) {
	if t == nil || t.warningCancellations == nil {
		return
	}

	t.warningCancellations.Add(context.Background(), 1, metric.WithAttributes(
		attribute.String("result", result),
	))
}

// RecordDBOperation records database operation metrics.
func (t *Telemetry) RecordDBOperation(operation, status string, duration time.Duration) {
	if t == nil || t.dbOperationsTotal == nil {
		return
	}

	attrs := metric.WithAttributes(
		attribute.String("operation", operation),
		attribute.String("status", status),
	)

	t.dbOperationsTotal.Add(context.Background(), 1, attrs)
	t.dbOperationDuration.Record(context.Background(), duration.Seconds(), attrs)
}

// RecordSystemError records a system-level error.
func (t *Telemetry) RecordSystemError(component, errorType string) {
	if t == nil || t.systemErrors == nil {
		return
	}

	t.systemErrors.Add(context.Background(), 1, metric.WithAttributes(
		attribute.String("component", component),
		attribute.String("error_type", errorType),
	))
}

// collectSystemMetrics collects system-level metrics periodically.
func (t *Telemetry) collectSystemMetrics(ctx context.Context) {
	ticker := time.NewTicker(15 * time.Second)
	defer ticker.Stop()

	startTime := time.Now()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			t.updateSystemMetrics(startTime)
		}
	}
}

func (t *Telemetry) updateSystemMetrics(startTime time.Time) {
	var m runtime.MemStats

	runtime.ReadMemStats(&m)

	if t.memoryUsage != nil {
		t.memoryUsage.Record(context.Background(), int64(m.Alloc))
	}

	if t.goroutineCount != nil {
		t.goroutineCount.Record(context.Background(), int64(runtime.NumGoroutine()))
	}

	if t.systemUptime != nil {
		t.systemUptime.Record(context.Background(), time.Since(startTime).Seconds())
	}
}
