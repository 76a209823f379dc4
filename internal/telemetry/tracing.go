package telemetry

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	oteltrace "go.opentelemetry.io/otel/trace"
)

const (
	// Trace operation names
	TraceJobRun       = "prefork.worker.job"
	TraceFastCGI      = "prefork.fastcgi.request"
	TraceEventEmit    = "prefork.event.emit"
	TraceMasterReexec = "prefork.master.reexec"

	// Attribute keys
	AttrGroupName       = "prefork.group.name"
	AttrWorkerPID       = "prefork.worker.pid"
	AttrJobKind         = "prefork.job.kind"
	AttrFastCGIEndpoint = "prefork.fastcgi.endpoint"
	AttrErrorType       = "prefork.error.type"
)

// TraceHelper provides helper methods for creating traces
type TraceHelper struct {
	tracer oteltrace.Tracer
}

// NewTraceHelper creates a trace helper on the global provider
func NewTraceHelper(serviceName string) *TraceHelper {
	return &TraceHelper{
		tracer: otel.Tracer(serviceName),
	}
}

// GetTraceHelper returns a trace helper bound to the service's tracer
func (s *Service) GetTraceHelper() *TraceHelper {
	return &TraceHelper{tracer: s.Tracer()}
}

// StartSpan starts a new tracing span with common attributes
func (th *TraceHelper) StartSpan(ctx context.Context, operationName string, attrs ...attribute.KeyValue) (context.Context, oteltrace.Span) {
	return th.tracer.Start(ctx, operationName, oteltrace.WithAttributes(attrs...))
}

// RecordError records an error on the span
func (th *TraceHelper) RecordError(span oteltrace.Span, err error, description string) {
	if err != nil {
		span.SetStatus(codes.Error, description)
		span.RecordError(err, oteltrace.WithAttributes(
			attribute.String(AttrErrorType, description),
		))
	}
}

// SetSpanSuccess marks span as successful
func (th *TraceHelper) SetSpanSuccess(span oteltrace.Span) {
	span.SetStatus(codes.Ok, "Success")
}

// TraceJobFunc traces one unit of worker work
func (th *TraceHelper) TraceJobFunc(ctx context.Context, group, kind string, pid int, fn func(context.Context) error) error {
	return th.traceFunc(ctx, TraceJobRun, "job failed", fn,
		attribute.String(AttrGroupName, group),
		attribute.String(AttrJobKind, kind),
		attribute.Int(AttrWorkerPID, pid),
	)
}

// TraceFastCGIRequestFunc traces FastCGI requests
func (th *TraceHelper) TraceFastCGIRequestFunc(ctx context.Context, endpoint string, fn func(context.Context) error) error {
	return th.traceFunc(ctx, TraceFastCGI, "fastcgi request failed", fn,
		attribute.String(AttrFastCGIEndpoint, endpoint),
	)
}

func (th *TraceHelper) traceFunc(ctx context.Context, name, failure string, fn func(context.Context) error, attrs ...attribute.KeyValue) error {
	ctx, span := th.StartSpan(ctx, name, attrs...)
	defer span.End()

	start := time.Now()
	err := fn(ctx)
	span.SetAttributes(attribute.Int64("duration_ms", time.Since(start).Milliseconds()))

	if err != nil {
		th.RecordError(span, err, failure)
		return err
	}

	th.SetSpanSuccess(span)
	return nil
}
