package otel

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/agenthost/tenantd/internal/domain"
)

const tracerName = "github.com/agenthost/tenantd/internal/adapter/otel"

// TracingTenantRepository wraps a domain.TenantRepository with
// OpenTelemetry tracing. Each method creates a span with semantic
// attributes and records errors.
type TracingTenantRepository struct {
	next   domain.TenantRepository
	tracer trace.Tracer
}

// Compile-time check: TracingTenantRepository implements domain.TenantRepository.
var _ domain.TenantRepository = (*TracingTenantRepository)(nil)

// NewTracingTenantRepository creates a tracing decorator around the given repository.
func NewTracingTenantRepository(next domain.TenantRepository) *TracingTenantRepository {
	return &TracingTenantRepository{
		next:   next,
		tracer: otel.Tracer(tracerName),
	}
}

func (r *TracingTenantRepository) Create(ctx context.Context, tenant domain.TenantConfig) error {
	ctx, span := r.tracer.Start(ctx, "TenantRepository.Create",
		trace.WithAttributes(
			attribute.String("tenant.id", tenant.TenantID),
			attribute.String("tenant.tier", tenant.Tier),
		),
	)
	defer span.End()

	err := r.next.Create(ctx, tenant)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	return err
}

func (r *TracingTenantRepository) Get(ctx context.Context, id string) (domain.TenantConfig, error) {
	ctx, span := r.tracer.Start(ctx, "TenantRepository.Get",
		trace.WithAttributes(attribute.String("tenant.id", id)),
	)
	defer span.End()

	tenant, err := r.next.Get(ctx, id)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	return tenant, err
}

func (r *TracingTenantRepository) List(ctx context.Context, filter domain.TenantFilter) ([]domain.TenantConfig, error) {
	ctx, span := r.tracer.Start(ctx, "TenantRepository.List",
		trace.WithAttributes(
			attribute.Int("filter.limit", filter.Limit),
			attribute.Int("filter.offset", filter.Offset),
		),
	)
	defer span.End()

	if filter.Status != nil {
		span.SetAttributes(attribute.String("filter.status", string(*filter.Status)))
	}

	tenants, err := r.next.List(ctx, filter)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	} else {
		span.SetAttributes(attribute.Int("result.count", len(tenants)))
	}
	return tenants, err
}

func (r *TracingTenantRepository) Update(ctx context.Context, tenant domain.TenantConfig) error {
	ctx, span := r.tracer.Start(ctx, "TenantRepository.Update",
		trace.WithAttributes(
			attribute.String("tenant.id", tenant.TenantID),
			attribute.String("tenant.status", string(tenant.Status)),
		),
	)
	defer span.End()

	err := r.next.Update(ctx, tenant)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	return err
}

func (r *TracingTenantRepository) UpdateStatus(ctx context.Context, id string, status domain.TenantStatus) error {
	ctx, span := r.tracer.Start(ctx, "TenantRepository.UpdateStatus",
		trace.WithAttributes(
			attribute.String("tenant.id", id),
			attribute.String("tenant.status", string(status)),
		),
	)
	defer span.End()

	err := r.next.UpdateStatus(ctx, id, status)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	return err
}

func (r *TracingTenantRepository) Exists(ctx context.Context, id string) (bool, error) {
	ctx, span := r.tracer.Start(ctx, "TenantRepository.Exists",
		trace.WithAttributes(attribute.String("tenant.id", id)),
	)
	defer span.End()

	ok, err := r.next.Exists(ctx, id)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	return ok, err
}

// TracingJobRepository wraps a domain.JobRepository with OpenTelemetry
// tracing and counts jobs reaching a terminal status.
type TracingJobRepository struct {
	next     domain.JobRepository
	tracer   trace.Tracer
	terminal metric.Int64Counter
}

// Compile-time check: TracingJobRepository implements domain.JobRepository.
var _ domain.JobRepository = (*TracingJobRepository)(nil)

// NewTracingJobRepository creates a tracing decorator around the given repository.
func NewTracingJobRepository(next domain.JobRepository) *TracingJobRepository {
	terminal, _ := otel.Meter(tracerName).Int64Counter(
		"tenantd.provisioning.jobs.terminal",
		metric.WithDescription("Provisioning jobs that reached a terminal status"),
	)
	return &TracingJobRepository{
		next:     next,
		tracer:   otel.Tracer(tracerName),
		terminal: terminal,
	}
}

func (r *TracingJobRepository) Create(ctx context.Context, job domain.ProvisioningJob) error {
	ctx, span := r.tracer.Start(ctx, "JobRepository.Create",
		trace.WithAttributes(
			attribute.String("job.id", job.ID),
			attribute.String("tenant.id", job.TenantID),
			attribute.String("job.tier", job.Tier),
		),
	)
	defer span.End()

	err := r.next.Create(ctx, job)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	return err
}

func (r *TracingJobRepository) Get(ctx context.Context, id string) (domain.ProvisioningJob, error) {
	ctx, span := r.tracer.Start(ctx, "JobRepository.Get",
		trace.WithAttributes(attribute.String("job.id", id)),
	)
	defer span.End()

	job, err := r.next.Get(ctx, id)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	return job, err
}

func (r *TracingJobRepository) Update(ctx context.Context, id string, upd domain.JobUpdate) error {
	ctx, span := r.tracer.Start(ctx, "JobRepository.Update",
		trace.WithAttributes(attribute.String("job.id", id)),
	)
	defer span.End()

	if upd.Status != nil {
		span.SetAttributes(attribute.String("job.status", string(*upd.Status)))
	}
	if upd.CurrentStep != nil {
		span.SetAttributes(attribute.Int("job.current_step", *upd.CurrentStep))
	}

	err := r.next.Update(ctx, id, upd)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	} else if upd.Status != nil && upd.Status.Terminal() {
		r.terminal.Add(ctx, 1, metric.WithAttributes(
			attribute.String("job.status", string(*upd.Status)),
		))
	}
	return err
}

func (r *TracingJobRepository) HasOpenJob(ctx context.Context, tenantID string) (bool, error) {
	ctx, span := r.tracer.Start(ctx, "JobRepository.HasOpenJob",
		trace.WithAttributes(attribute.String("tenant.id", tenantID)),
	)
	defer span.End()

	ok, err := r.next.HasOpenJob(ctx, tenantID)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	return ok, err
}

func (r *TracingJobRepository) FailRunning(ctx context.Context, reason string) (int64, error) {
	ctx, span := r.tracer.Start(ctx, "JobRepository.FailRunning")
	defer span.End()

	n, err := r.next.FailRunning(ctx, reason)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	} else {
		span.SetAttributes(attribute.Int64("result.count", n))
		if n > 0 {
			r.terminal.Add(ctx, n, metric.WithAttributes(
				attribute.String("job.status", string(domain.JobFailed)),
			))
		}
	}
	return n, err
}
