package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/agenthost/tenantd/internal/domain"
)

// Compile-time check: JobRepository implements domain.JobRepository.
var _ domain.JobRepository = (*JobRepository)(nil)

// JobRepository implements domain.JobRepository using SQLite. The
// steps_completed and steps_skipped columns hold JSON string arrays.
type JobRepository struct {
	db *sql.DB
}

func (r *JobRepository) Create(ctx context.Context, j domain.ProvisioningJob) error {
	completed, err := json.Marshal(j.StepsCompleted)
	if err != nil {
		return fmt.Errorf("encoding steps_completed: %w", err)
	}
	skipped, err := json.Marshal(j.StepsSkipped)
	if err != nil {
		return fmt.Errorf("encoding steps_skipped: %w", err)
	}

	_, err = r.db.ExecContext(ctx,
		`INSERT INTO provisioning_jobs
		 (id, tenant_id, tenant_name, tier, status, current_step, total_steps,
		  steps_completed, steps_skipped, current_step_name, error, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		j.ID, j.TenantID, j.TenantName, j.Tier, string(j.Status),
		j.CurrentStep, j.TotalSteps, string(completed), string(skipped),
		j.CurrentStepName, j.Error,
		j.CreatedAt.Format(timeFormat),
		j.UpdatedAt.Format(timeFormat),
	)
	if err != nil {
		return fmt.Errorf("inserting provisioning job: %w", err)
	}
	return nil
}

func (r *JobRepository) Get(ctx context.Context, id string) (domain.ProvisioningJob, error) {
	row := r.db.QueryRowContext(ctx,
		`SELECT id, tenant_id, tenant_name, tier, status, current_step, total_steps,
		        steps_completed, steps_skipped, current_step_name, error, created_at, updated_at, completed_at
		 FROM provisioning_jobs WHERE id = ?`, id,
	)

	var j domain.ProvisioningJob
	var status, completed, skipped, createdAt, updatedAt string
	var stepName, errText, completedAt sql.NullString

	err := row.Scan(&j.ID, &j.TenantID, &j.TenantName, &j.Tier, &status,
		&j.CurrentStep, &j.TotalSteps, &completed, &skipped,
		&stepName, &errText, &createdAt, &updatedAt, &completedAt)
	if err != nil {
		if err == sql.ErrNoRows {
			return domain.ProvisioningJob{}, domain.ErrJobNotFound
		}
		return domain.ProvisioningJob{}, fmt.Errorf("scanning provisioning job: %w", err)
	}

	j.Status = domain.JobStatus(status)
	j.CurrentStepName = stepName.String
	j.Error = errText.String
	j.CreatedAt, _ = time.Parse(timeFormat, createdAt)
	j.UpdatedAt, _ = time.Parse(timeFormat, updatedAt)
	if completedAt.Valid {
		t, err := time.Parse(timeFormat, completedAt.String)
		if err == nil {
			j.CompletedAt = &t
		}
	}

	if err := json.Unmarshal([]byte(completed), &j.StepsCompleted); err != nil {
		return domain.ProvisioningJob{}, fmt.Errorf("decoding steps_completed: %w", err)
	}
	if err := json.Unmarshal([]byte(skipped), &j.StepsSkipped); err != nil {
		return domain.ProvisioningJob{}, fmt.Errorf("decoding steps_skipped: %w", err)
	}

	return j, nil
}

// Update applies a partial, field-by-field update. Only supplied fields
// change; every progress write funnels through here.
func (r *JobRepository) Update(ctx context.Context, id string, upd domain.JobUpdate) error {
	sets := []string{"updated_at = ?"}
	args := []any{time.Now().UTC().Format(timeFormat)}

	if upd.Status != nil {
		sets = append(sets, "status = ?")
		args = append(args, string(*upd.Status))
	}
	if upd.CurrentStep != nil {
		sets = append(sets, "current_step = ?")
		args = append(args, *upd.CurrentStep)
	}
	if upd.CurrentStepName != nil {
		sets = append(sets, "current_step_name = ?")
		args = append(args, *upd.CurrentStepName)
	}
	if upd.StepsCompleted != nil {
		encoded, err := json.Marshal(upd.StepsCompleted)
		if err != nil {
			return fmt.Errorf("encoding steps_completed: %w", err)
		}
		sets = append(sets, "steps_completed = ?")
		args = append(args, string(encoded))
	}
	if upd.StepsSkipped != nil {
		encoded, err := json.Marshal(upd.StepsSkipped)
		if err != nil {
			return fmt.Errorf("encoding steps_skipped: %w", err)
		}
		sets = append(sets, "steps_skipped = ?")
		args = append(args, string(encoded))
	}
	if upd.Error != nil {
		sets = append(sets, "error = ?")
		args = append(args, *upd.Error)
	}
	if upd.CompletedAt != nil {
		sets = append(sets, "completed_at = ?")
		args = append(args, upd.CompletedAt.UTC().Format(timeFormat))
	}

	args = append(args, id)
	result, err := r.db.ExecContext(ctx,
		`UPDATE provisioning_jobs SET `+strings.Join(sets, ", ")+` WHERE id = ?`,
		args...,
	)
	if err != nil {
		return fmt.Errorf("updating provisioning job: %w", err)
	}

	return requireRow(result, domain.ErrJobNotFound)
}

func (r *JobRepository) HasOpenJob(ctx context.Context, tenantID string) (bool, error) {
	var one int
	err := r.db.QueryRowContext(ctx,
		`SELECT 1 FROM provisioning_jobs
		 WHERE tenant_id = ? AND status IN (?, ?) LIMIT 1`,
		tenantID, string(domain.JobPending), string(domain.JobRunning),
	).Scan(&one)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("checking open jobs: %w", err)
	}
	return true, nil
}

func (r *JobRepository) FailRunning(ctx context.Context, reason string) (int64, error) {
	now := time.Now().UTC().Format(timeFormat)
	result, err := r.db.ExecContext(ctx,
		`UPDATE provisioning_jobs
		 SET status = ?, error = ?, completed_at = ?, updated_at = ?
		 WHERE status = ?`,
		string(domain.JobFailed), reason, now, now, string(domain.JobRunning),
	)
	if err != nil {
		return 0, fmt.Errorf("failing running jobs: %w", err)
	}
	return result.RowsAffected()
}
