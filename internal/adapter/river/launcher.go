package river

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/riverqueue/river"

	"github.com/agenthost/tenantd/internal/domain"
)

// Compile-time check: Launcher implements domain.RunLauncher.
var _ domain.RunLauncher = (*Launcher)(nil)

// ProvisionJobArgs carries the data a provisioning run needs. River
// serializes this as JSON into its job queue table. Only the job id and
// the request settings travel on the wire; the worker loads everything
// else from the job row.
type ProvisionJobArgs struct {
	JobID    string         `json:"job_id"`
	Settings map[string]any `json:"settings,omitempty"`
}

// Kind returns the unique job type identifier used by River's job routing.
func (ProvisionJobArgs) Kind() string { return "tenant.provision" }

// Client is the River client type parameterized for SQLite (*sql.Tx).
type Client = river.Client[*sql.Tx]

// Launcher implements domain.RunLauncher by enqueuing River jobs.
type Launcher struct {
	client *Client
}

// NewLauncher creates a launcher backed by the given River client.
func NewLauncher(client *Client) *Launcher {
	return &Launcher{client: client}
}

// Launch enqueues a provisioning run. MaxAttempts is pinned to 1: a
// failed run marks the job failed and is never retried, so step
// handlers do not need to be idempotent across attempts.
func (l *Launcher) Launch(ctx context.Context, jobID string, settings map[string]any) error {
	_, err := l.client.Insert(ctx, ProvisionJobArgs{
		JobID:    jobID,
		Settings: settings,
	}, &river.InsertOpts{MaxAttempts: 1})
	if err != nil {
		return fmt.Errorf("enqueuing provisioning run: %w", err)
	}
	return nil
}
