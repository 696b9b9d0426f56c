package telemetry

import (
	"bytes"
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/labstack/echo/v4"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func newTestServer(t *testing.T, cfg TelemetryConfig) (*echo.Echo, *TelemetryProvider) {
	t.Helper()
	p, err := NewTelemetryProvider(cfg)
	if err != nil {
		t.Fatalf("NewTelemetryProvider: %v", err)
	}
	t.Cleanup(func() { p.Shutdown(context.Background()) })

	e := echo.New()
	e.Use(p.TracingMiddleware(), p.MetricsMiddleware())
	e.GET("/api/v1/diagnosis-sessions/:id", func(c echo.Context) error {
		return c.JSON(http.StatusOK, map[string]string{"id": c.Param("id")})
	})
	e.GET("/boom", func(c echo.Context) error {
		return echo.NewHTTPError(http.StatusInternalServerError, "boom")
	})
	e.GET("/metrics", p.PrometheusHandler())
	return e, p
}

func TestTelemetryConfig_Defaults(t *testing.T) {
	cfg := TelemetryConfig{}
	cfg.applyDefaults()

	if cfg.ServiceName != "cdss-server" {
		t.Errorf("expected cdss-server, got %s", cfg.ServiceName)
	}
	if cfg.SampleRate != 1.0 {
		t.Errorf("expected sample rate 1.0, got %f", cfg.SampleRate)
	}
	if !cfg.metricsOn() || !cfg.tracingOn() {
		t.Error("metrics and tracing should default to on")
	}
	if cfg.TraceWriter == nil {
		t.Error("expected default trace writer")
	}
}

func TestMetricsMiddleware_UsesRoutePattern(t *testing.T) {
	e, p := newTestServer(t, TelemetryConfig{TracingEnabled: BoolPtr(false)})

	for _, id := range []string{"a", "b", "c"} {
		req := httptest.NewRequest(http.MethodGet, "/api/v1/diagnosis-sessions/"+id, nil)
		e.ServeHTTP(httptest.NewRecorder(), req)
	}

	got := testutil.ToFloat64(p.requests.WithLabelValues(http.MethodGet, "/api/v1/diagnosis-sessions/:id", "200"))
	if got != 3 {
		t.Errorf("expected 3 requests on the route pattern, got %v", got)
	}
}

func TestMetricsMiddleware_RecordsHTTPErrorStatus(t *testing.T) {
	e, p := newTestServer(t, TelemetryConfig{TracingEnabled: BoolPtr(false)})

	e.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/boom", nil))

	if got := testutil.ToFloat64(p.requests.WithLabelValues(http.MethodGet, "/boom", "500")); got != 1 {
		t.Errorf("expected one 500, got %v", got)
	}
}

func TestMetricsMiddleware_Disabled(t *testing.T) {
	e, p := newTestServer(t, TelemetryConfig{
		TracingEnabled: BoolPtr(false),
		MetricsEnabled: BoolPtr(false),
	})

	e.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/boom", nil))

	if n := testutil.CollectAndCount(p.requests); n != 0 {
		t.Errorf("expected no samples when disabled, got %d", n)
	}
}

func TestPrometheusHandler_ServesHTTPMetrics(t *testing.T) {
	e, _ := newTestServer(t, TelemetryConfig{TracingEnabled: BoolPtr(false)})

	e.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/api/v1/diagnosis-sessions/x", nil))

	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	body := rec.Body.String()
	for _, want := range []string{
		"cdss_http_requests_total",
		"cdss_http_request_duration_seconds_bucket",
		"go_goroutines",
	} {
		if !strings.Contains(body, want) {
			t.Errorf("expected %s in exposition", want)
		}
	}
}

func TestTracingMiddleware_ExportsSpan(t *testing.T) {
	var buf bytes.Buffer
	p, err := NewTelemetryProvider(TelemetryConfig{TraceWriter: &buf, MetricsEnabled: BoolPtr(false)})
	if err != nil {
		t.Fatalf("NewTelemetryProvider: %v", err)
	}

	e := echo.New()
	e.Use(p.TracingMiddleware())
	e.GET("/api/v1/intake/regions", func(c echo.Context) error {
		return c.NoContent(http.StatusOK)
	})
	e.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/api/v1/intake/regions", nil))

	if err := p.Shutdown(context.Background()); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}
	if !strings.Contains(buf.String(), "HTTP GET /api/v1/intake/regions") {
		t.Errorf("expected exported span, got %q", buf.String())
	}
}

func TestShutdown_WithoutTracing(t *testing.T) {
	p, err := NewTelemetryProvider(TelemetryConfig{TracingEnabled: BoolPtr(false)})
	if err != nil {
		t.Fatalf("NewTelemetryProvider: %v", err)
	}
	if err := p.Shutdown(context.Background()); err != nil {
		t.Errorf("unexpected error: %v", err)
	}
}
