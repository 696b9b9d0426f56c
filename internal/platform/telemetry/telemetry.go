// Package telemetry wires request tracing and metrics for the HTTP server.
// Spans go through the OpenTelemetry SDK to a stdout exporter; metrics are
// Prometheus collectors served from /metrics.
package telemetry

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"

	"github.com/labstack/echo/v4"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
)

// TelemetryConfig holds all configuration for the telemetry provider.
type TelemetryConfig struct {
	ServiceName    string  `json:"service_name"`
	ServiceVersion string  `json:"service_version"`
	Environment    string  `json:"environment"`
	MetricsEnabled *bool   `json:"metrics_enabled"` // nil = use default (true)
	TracingEnabled *bool   `json:"tracing_enabled"` // nil = use default (true)
	SampleRate     float64 `json:"sample_rate"`     // 0.0 to 1.0

	// TraceWriter receives exported spans. Defaults to stdout.
	TraceWriter io.Writer `json:"-"`
}

func (c *TelemetryConfig) metricsOn() bool {
	return c.MetricsEnabled == nil || *c.MetricsEnabled
}

func (c *TelemetryConfig) tracingOn() bool {
	return c.TracingEnabled == nil || *c.TracingEnabled
}

func (c *TelemetryConfig) applyDefaults() {
	if c.ServiceName == "" {
		c.ServiceName = "cdss-server"
	}
	if c.ServiceVersion == "" {
		c.ServiceVersion = "0.0.0"
	}
	if c.Environment == "" {
		c.Environment = "development"
	}
	if c.SampleRate <= 0 || c.SampleRate > 1 {
		c.SampleRate = 1.0
	}
	if c.TraceWriter == nil {
		c.TraceWriter = os.Stdout
	}
}

// BoolPtr is a helper to create a *bool for TelemetryConfig fields.
func BoolPtr(b bool) *bool {
	return &b
}

// TelemetryProvider owns the tracer provider and the HTTP collectors.
type TelemetryProvider struct {
	cfg      TelemetryConfig
	tp       *sdktrace.TracerProvider
	tracer   trace.Tracer
	registry *prometheus.Registry

	requests *prometheus.CounterVec
	duration *prometheus.HistogramVec
	inFlight prometheus.Gauge
}

// NewTelemetryProvider builds the provider and installs it as the global
// otel tracer provider so package-level tracers pick it up.
func NewTelemetryProvider(cfg TelemetryConfig) (*TelemetryProvider, error) {
	cfg.applyDefaults()

	p := &TelemetryProvider{
		cfg:      cfg,
		registry: prometheus.NewRegistry(),
		tracer:   noop.NewTracerProvider().Tracer(cfg.ServiceName),
	}

	factory := promauto.With(p.registry)
	p.requests = factory.NewCounterVec(prometheus.CounterOpts{
		Namespace: "cdss",
		Subsystem: "http",
		Name:      "requests_total",
		Help:      "HTTP requests by method, route and status.",
	}, []string{"method", "route", "status"})
	p.duration = factory.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "cdss",
		Subsystem: "http",
		Name:      "request_duration_seconds",
		Help:      "HTTP request latency.",
		Buckets:   prometheus.DefBuckets,
	}, []string{"method", "route"})
	p.inFlight = factory.NewGauge(prometheus.GaugeOpts{
		Namespace: "cdss",
		Subsystem: "http",
		Name:      "requests_in_flight",
		Help:      "Requests currently being served.",
	})

	if !cfg.tracingOn() {
		return p, nil
	}

	exporter, err := stdouttrace.New(stdouttrace.WithWriter(cfg.TraceWriter))
	if err != nil {
		return nil, fmt.Errorf("create trace exporter: %w", err)
	}
	res := resource.NewWithAttributes(
		"",
		attribute.String("service.name", cfg.ServiceName),
		attribute.String("service.version", cfg.ServiceVersion),
		attribute.String("deployment.environment", cfg.Environment),
	)
	p.tp = sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sdktrace.ParentBased(sdktrace.TraceIDRatioBased(cfg.SampleRate))),
	)
	otel.SetTracerProvider(p.tp)
	otel.SetTextMapPropagator(propagation.TraceContext{})
	p.tracer = p.tp.Tracer(cfg.ServiceName)
	return p, nil
}

// Shutdown flushes pending spans.
func (p *TelemetryProvider) Shutdown(ctx context.Context) error {
	if p.tp == nil {
		return nil
	}
	if err := p.tp.Shutdown(ctx); err != nil && !errors.Is(err, context.Canceled) {
		return fmt.Errorf("shutdown tracer provider: %w", err)
	}
	return nil
}

// Registry exposes the provider's collectors, mainly for tests.
func (p *TelemetryProvider) Registry() *prometheus.Registry {
	return p.registry
}

func routeOf(c echo.Context) string {
	if r := c.Path(); r != "" {
		return r
	}
	return c.Request().URL.Path
}

// TracingMiddleware opens a server span per request, continuing any
// traceparent the caller sent.
func (p *TelemetryProvider) TracingMiddleware() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			if !p.cfg.tracingOn() {
				return next(c)
			}
			req := c.Request()
			route := routeOf(c)
			ctx := otel.GetTextMapPropagator().Extract(req.Context(), propagation.HeaderCarrier(req.Header))
			ctx, span := p.tracer.Start(ctx, "HTTP "+req.Method+" "+route,
				trace.WithSpanKind(trace.SpanKindServer),
				trace.WithAttributes(
					attribute.String("http.method", req.Method),
					attribute.String("http.route", route),
				),
			)
			defer span.End()
			c.SetRequest(req.WithContext(ctx))

			err := next(c)

			status := c.Response().Status
			if he, ok := err.(*echo.HTTPError); ok {
				status = he.Code
			}
			span.SetAttributes(attribute.Int("http.status_code", status))
			if rid, ok := c.Get("request_id").(string); ok {
				span.SetAttributes(attribute.String("request.id", rid))
			}
			if err != nil {
				span.RecordError(err)
			}
			if status >= 500 {
				span.SetStatus(codes.Error, strconv.Itoa(status))
			}
			return err
		}
	}
}

// MetricsMiddleware records request counts and latency keyed by the route
// pattern, never the raw path, so session ids do not explode cardinality.
func (p *TelemetryProvider) MetricsMiddleware() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			if !p.cfg.metricsOn() {
				return next(c)
			}
			p.inFlight.Inc()
			defer p.inFlight.Dec()

			timer := prometheus.NewTimer(p.duration.WithLabelValues(c.Request().Method, routeOf(c)))
			err := next(c)
			timer.ObserveDuration()

			status := c.Response().Status
			if he, ok := err.(*echo.HTTPError); ok {
				status = he.Code
			}
			p.requests.WithLabelValues(c.Request().Method, routeOf(c), strconv.Itoa(status)).Inc()
			return err
		}
	}
}

// PrometheusHandler serves the provider's HTTP collectors together with
// everything registered on the default registry (domain and runtime
// metrics).
func (p *TelemetryProvider) PrometheusHandler() echo.HandlerFunc {
	gatherers := prometheus.Gatherers{p.registry, prometheus.DefaultGatherer}
	return echo.WrapHandler(promhttp.HandlerFor(gatherers, promhttp.HandlerOpts{}))
}
