package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/agenthost/tenantd/internal/domain"
)

// DefaultStepTimeout bounds each step handler. A handler that never
// returns fails the job instead of stalling it in "running".
const DefaultStepTimeout = 30 * time.Second

// EngineConfig carries the collaborators a provisioning engine needs.
type EngineConfig struct {
	Registry  *domain.Registry
	Jobs      domain.JobRepository
	Tenants   domain.TenantRepository
	Store     domain.ObjectStore
	Infra     domain.InfraProvider
	Roles     domain.RoleCreator
	JobFSM    domain.TransitionValidator
	TenantFSM domain.TransitionValidator
	Broker    *Broker

	// StepTimeout defaults to DefaultStepTimeout when zero.
	StepTimeout time.Duration
	Logger      *slog.Logger
}

// Engine executes provisioning jobs step by step. It is the only writer
// of job progress fields; steps for a single job never run concurrently
// with each other, and progress is persisted after every transition.
type Engine struct {
	registry    *domain.Registry
	jobs        domain.JobRepository
	tenants     domain.TenantRepository
	store       domain.ObjectStore
	infra       domain.InfraProvider
	roles       domain.RoleCreator
	jobFSM      domain.TransitionValidator
	tenantFSM   domain.TransitionValidator
	broker      *Broker
	stepTimeout time.Duration
	log         *slog.Logger
}

// NewEngine creates an engine from its configuration.
func NewEngine(cfg EngineConfig) *Engine {
	timeout := cfg.StepTimeout
	if timeout == 0 {
		timeout = DefaultStepTimeout
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{
		registry:    cfg.Registry,
		jobs:        cfg.Jobs,
		tenants:     cfg.Tenants,
		store:       cfg.Store,
		infra:       cfg.Infra,
		roles:       cfg.Roles,
		jobFSM:      cfg.JobFSM,
		tenantFSM:   cfg.TenantFSM,
		broker:      cfg.Broker,
		stepTimeout: timeout,
		log:         logger,
	}
}

// Run executes the provisioning job from the beginning. Step failures
// are recovered here: they become persisted job state and a "failed"
// event, never an error to the caller. Run returns an error only when
// persisting job state itself fails.
func (e *Engine) Run(ctx context.Context, jobID string, settings map[string]any) error {
	defer e.broker.Finish(jobID)

	job, err := e.jobs.Get(ctx, jobID)
	if errors.Is(err, domain.ErrJobNotFound) {
		e.broker.Publish(jobID, domain.ProvisioningEvent{Type: domain.EventFailed, Error: "Job not found"})
		return nil
	}
	if err != nil {
		return fmt.Errorf("loading job %s: %w", jobID, err)
	}

	// A terminal job is never re-executed; replay its outcome.
	if job.Status.Terminal() {
		e.broker.Publish(jobID, TerminalEvent(job))
		return nil
	}

	tier := e.registry.Resolve(job.Tier)
	// The run walks the full master list; inapplicable steps are recorded
	// as skipped rather than silently absent, so pollers and streams see
	// the same step sequence for every tier.
	steps := e.registry.Steps()

	if err := e.transition(ctx, &job, domain.JobEventStart, domain.JobUpdate{}); err != nil {
		return e.fail(ctx, &job, err)
	}

	e.log.InfoContext(ctx, "provisioning run started",
		"job_id", job.ID, "tenant_id", job.TenantID, "tier", tier.ID, "total_steps", len(steps))

	completed := make([]string, 0, len(steps))
	skipped := make([]string, 0)
	// resources accumulates infrastructure handles across steps so later
	// steps (bindings, routing config) can reference earlier ones.
	resources := make(map[string]any)

	for i, step := range steps {
		number := i + 1

		if reason, skip := skipReason(step, tier); skip {
			skipped = append(skipped, step.ID)
			upd := domain.JobUpdate{
				CurrentStep:     &number,
				CurrentStepName: &step.Name,
				StepsSkipped:    skipped,
			}
			if err := e.jobs.Update(ctx, job.ID, upd); err != nil {
				return e.fail(ctx, &job, err)
			}
			e.broker.Publish(job.ID, domain.ProvisioningEvent{
				Type:       domain.EventStepSkipped,
				StepID:     step.ID,
				StepName:   step.Name,
				StepNumber: number,
				Reason:     reason,
			})
			continue
		}

		upd := domain.JobUpdate{CurrentStep: &number, CurrentStepName: &step.Name}
		if err := e.jobs.Update(ctx, job.ID, upd); err != nil {
			return e.fail(ctx, &job, err)
		}
		e.broker.Publish(job.ID, domain.ProvisioningEvent{
			Type:       domain.EventStepStarted,
			StepID:     step.ID,
			StepName:   step.Name,
			StepNumber: number,
		})

		stepCtx, cancel := context.WithTimeout(ctx, e.stepTimeout)
		err := e.executeStep(stepCtx, step.ID, job, tier, settings, resources)
		cancel()
		if err != nil {
			e.log.WarnContext(ctx, "provisioning step failed",
				"job_id", job.ID, "step_id", step.ID, "error", err)
			return e.fail(ctx, &job, err)
		}

		completed = append(completed, step.ID)
		if err := e.jobs.Update(ctx, job.ID, domain.JobUpdate{StepsCompleted: completed}); err != nil {
			return e.fail(ctx, &job, err)
		}
		e.broker.Publish(job.ID, domain.ProvisioningEvent{
			Type:       domain.EventStepCompleted,
			StepID:     step.ID,
			StepNumber: number,
		})
	}

	now := time.Now().UTC()
	if err := e.transition(ctx, &job, domain.JobEventComplete, domain.JobUpdate{CompletedAt: &now}); err != nil {
		return e.fail(ctx, &job, err)
	}

	e.log.InfoContext(ctx, "provisioning run completed", "job_id", job.ID, "tenant_id", job.TenantID)
	e.broker.Publish(job.ID, domain.ProvisioningEvent{Type: domain.EventCompleted, TenantID: job.TenantID})
	return nil
}

// transition validates a job event and persists the resulting status
// along with any extra fields in upd.
func (e *Engine) transition(ctx context.Context, job *domain.ProvisioningJob, event domain.JobEvent, upd domain.JobUpdate) error {
	next, err := e.jobFSM.Apply(ctx, string(job.Status), string(event))
	if err != nil {
		return err
	}
	status := domain.JobStatus(next)
	upd.Status = &status
	if err := e.jobs.Update(ctx, job.ID, upd); err != nil {
		return err
	}
	job.Status = status
	return nil
}

// fail persists the failed state and emits the failed event. Remaining
// steps are never attempted; completed steps keep their side effects.
func (e *Engine) fail(ctx context.Context, job *domain.ProvisioningJob, cause error) error {
	msg := cause.Error()
	now := time.Now().UTC()

	if err := e.transition(ctx, job, domain.JobEventFail, domain.JobUpdate{Error: &msg, CompletedAt: &now}); err != nil {
		return fmt.Errorf("persisting job failure (%s): %w", msg, err)
	}

	e.broker.Publish(job.ID, domain.ProvisioningEvent{Type: domain.EventFailed, Error: msg})
	return nil
}

// skipReason decides whether a step is skipped for the tier and why.
func skipReason(step domain.Step, tier domain.TierConfig) (string, bool) {
	if step.RequiredInfra == domain.InfraDedicated && !tier.Infra.Dedicated() {
		return fmt.Sprintf("Not required for %s tier", tier.DisplayName), true
	}
	if step.RequiredFeature != "" && !tier.HasFeature(step.RequiredFeature) {
		return fmt.Sprintf("Feature %q not included in %s tier", step.RequiredFeature, tier.DisplayName), true
	}
	return "", false
}

// TerminalEvent projects a terminal job into its single stream event.
func TerminalEvent(job domain.ProvisioningJob) domain.ProvisioningEvent {
	if job.Status == domain.JobCompleted {
		return domain.ProvisioningEvent{Type: domain.EventCompleted, TenantID: job.TenantID}
	}
	return domain.ProvisioningEvent{Type: domain.EventFailed, Error: job.Error}
}
