package otel_test

import (
	"context"
	"testing"

	"go.opentelemetry.io/otel"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"

	adapter "github.com/agenthost/tenantd/internal/adapter/otel"
	"github.com/agenthost/tenantd/internal/domain"
)

// memoryJobs is a minimal in-memory JobRepository for decorator tests.
type memoryJobs struct {
	jobs map[string]domain.ProvisioningJob
}

func newMemoryJobs() *memoryJobs {
	return &memoryJobs{jobs: map[string]domain.ProvisioningJob{}}
}

func (m *memoryJobs) Create(_ context.Context, j domain.ProvisioningJob) error {
	m.jobs[j.ID] = j
	return nil
}

func (m *memoryJobs) Get(_ context.Context, id string) (domain.ProvisioningJob, error) {
	j, ok := m.jobs[id]
	if !ok {
		return domain.ProvisioningJob{}, domain.ErrJobNotFound
	}
	return j, nil
}

func (m *memoryJobs) Update(_ context.Context, id string, upd domain.JobUpdate) error {
	j, ok := m.jobs[id]
	if !ok {
		return domain.ErrJobNotFound
	}
	if upd.Status != nil {
		j.Status = *upd.Status
	}
	m.jobs[id] = j
	return nil
}

func (m *memoryJobs) HasOpenJob(_ context.Context, _ string) (bool, error) {
	return false, nil
}

func (m *memoryJobs) FailRunning(_ context.Context, reason string) (int64, error) {
	var n int64
	for id, j := range m.jobs {
		if j.Status == domain.JobRunning {
			j.Status = domain.JobFailed
			j.Error = reason
			m.jobs[id] = j
			n++
		}
	}
	return n, nil
}

// installManualReader swaps the global meter provider for one backed by
// a manual reader, restoring the previous provider on cleanup.
func installManualReader(t *testing.T) *sdkmetric.ManualReader {
	t.Helper()

	reader := sdkmetric.NewManualReader()
	prev := otel.GetMeterProvider()
	otel.SetMeterProvider(sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader)))
	t.Cleanup(func() { otel.SetMeterProvider(prev) })

	return reader
}

func terminalCount(t *testing.T, reader *sdkmetric.ManualReader) int64 {
	t.Helper()

	var rm metricdata.ResourceMetrics
	if err := reader.Collect(context.Background(), &rm); err != nil {
		t.Fatalf("collecting metrics: %v", err)
	}

	for _, scope := range rm.ScopeMetrics {
		for _, m := range scope.Metrics {
			if m.Name != "tenantd.provisioning.jobs.terminal" {
				continue
			}
			sum, ok := m.Data.(metricdata.Sum[int64])
			if !ok {
				t.Fatalf("metric data is %T, want Sum[int64]", m.Data)
			}
			var total int64
			for _, dp := range sum.DataPoints {
				total += dp.Value
			}
			return total
		}
	}
	return 0
}

func TestTracingJobRepository_CountsTerminalStatusWrites(t *testing.T) {
	reader := installManualReader(t)
	repo := adapter.NewTracingJobRepository(newMemoryJobs())
	ctx := context.Background()

	job := domain.NewJob("j-1", "t-1", "Acme", "starter", 13)
	if err := repo.Create(ctx, job); err != nil {
		t.Fatalf("Create failed: %v", err)
	}

	running := domain.JobRunning
	if err := repo.Update(ctx, "j-1", domain.JobUpdate{Status: &running}); err != nil {
		t.Fatalf("Update to running failed: %v", err)
	}
	completed := domain.JobCompleted
	if err := repo.Update(ctx, "j-1", domain.JobUpdate{Status: &completed}); err != nil {
		t.Fatalf("Update to completed failed: %v", err)
	}

	if n := terminalCount(t, reader); n != 1 {
		t.Errorf("terminal count = %d, want 1 (the running transition must not count)", n)
	}
}

func TestTracingJobRepository_CountsSweptJobs(t *testing.T) {
	reader := installManualReader(t)
	jobs := newMemoryJobs()
	repo := adapter.NewTracingJobRepository(jobs)
	ctx := context.Background()

	for _, id := range []string{"j-1", "j-2"} {
		job := domain.NewJob(id, "t-"+id, "Acme", "starter", 13)
		job.Status = domain.JobRunning
		if err := repo.Create(ctx, job); err != nil {
			t.Fatalf("Create failed: %v", err)
		}
	}

	n, err := repo.FailRunning(ctx, "interrupted by restart")
	if err != nil {
		t.Fatalf("FailRunning failed: %v", err)
	}
	if n != 2 {
		t.Fatalf("swept = %d, want 2", n)
	}

	if got := terminalCount(t, reader); got != 2 {
		t.Errorf("terminal count = %d, want 2", got)
	}
}
