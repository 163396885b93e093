package river

import (
	"context"
	"log/slog"

	"github.com/riverqueue/river"

	"github.com/agenthost/tenantd/internal/app"
)

// ProvisionWorker drives provisioning runs from the River queue. All
// step logic lives in the engine; the worker only hands over the job id
// and request settings.
type ProvisionWorker struct {
	river.WorkerDefaults[ProvisionJobArgs]

	engine *app.Engine
}

// NewProvisionWorker creates a worker that executes runs via the engine.
func NewProvisionWorker(engine *app.Engine) *ProvisionWorker {
	return &ProvisionWorker{engine: engine}
}

// Work executes a single provisioning run.
func (w *ProvisionWorker) Work(ctx context.Context, job *river.Job[ProvisionJobArgs]) error {
	slog.InfoContext(ctx, "starting provisioning run",
		"job_id", job.Args.JobID,
		"river_job_id", job.ID,
	)
	return w.engine.Run(ctx, job.Args.JobID, job.Args.Settings)
}
