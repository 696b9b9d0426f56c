package diagnosis

import (
	"context"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

var tracer = otel.Tracer("cdss.diagnosis")

var (
	sessionsCreated = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "cdss",
		Subsystem: "diagnosis",
		Name:      "sessions_created_total",
		Help:      "Provisional sessions created by region and risk level.",
	}, []string{"region", "risk"})

	redFlagEscalations = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "cdss",
		Subsystem: "diagnosis",
		Name:      "red_flag_escalations_total",
		Help:      "Intake submissions carrying at least one red flag.",
	}, []string{"region"})

	testsRecorded = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "cdss",
		Subsystem: "diagnosis",
		Name:      "guided_tests_recorded_total",
		Help:      "Guided test results by outcome of the write.",
	}, []string{"region", "outcome"})

	writeConflicts = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "cdss",
		Subsystem: "diagnosis",
		Name:      "version_conflicts_total",
		Help:      "Conditional writes that lost to a concurrent writer.",
	}, []string{"operation"})

	sessionsFinalized = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "cdss",
		Subsystem: "diagnosis",
		Name:      "sessions_finalized_total",
		Help:      "Locked sessions by refined status.",
	}, []string{"region", "status"})

	operationDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "cdss",
		Subsystem: "diagnosis",
		Name:      "operation_duration_seconds",
		Help:      "Service operation latency including retries.",
		Buckets:   prometheus.ExponentialBuckets(0.0005, 2, 12),
	}, []string{"operation"})
)

// startSpan opens a span and a latency timer for one service operation.
func startSpan(ctx context.Context, op string, attrs ...attribute.KeyValue) (context.Context, trace.Span, *prometheus.Timer) {
	ctx, span := tracer.Start(ctx, "diagnosis."+op, trace.WithAttributes(attrs...))
	return ctx, span, prometheus.NewTimer(operationDuration.WithLabelValues(op))
}

// endSpan records err on the span, then closes the span and the timer.
func endSpan(span trace.Span, timer *prometheus.Timer, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	timer.ObserveDuration()
	span.End()
}
