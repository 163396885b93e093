package otel

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/agenthost/tenantd/internal/domain"
)

// TracingLauncher wraps a domain.RunLauncher with OpenTelemetry tracing,
// so enqueue latency shows up in request traces.
type TracingLauncher struct {
	next   domain.RunLauncher
	tracer trace.Tracer
}

// Compile-time check: TracingLauncher implements domain.RunLauncher.
var _ domain.RunLauncher = (*TracingLauncher)(nil)

// NewTracingLauncher creates a tracing decorator around the given launcher.
func NewTracingLauncher(next domain.RunLauncher) *TracingLauncher {
	return &TracingLauncher{
		next:   next,
		tracer: otel.Tracer(tracerName),
	}
}

// Launch enqueues a provisioning run inside a span.
func (l *TracingLauncher) Launch(ctx context.Context, jobID string, settings map[string]any) error {
	ctx, span := l.tracer.Start(ctx, "RunLauncher.Launch",
		trace.WithAttributes(attribute.String("job.id", jobID)),
	)
	defer span.End()

	err := l.next.Launch(ctx, jobID, settings)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	return err
}
