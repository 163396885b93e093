package app

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/agenthost/tenantd/internal/domain"
)

// ServiceConfig carries the collaborators a provisioning service needs.
type ServiceConfig struct {
	Registry  *domain.Registry
	Tenants   domain.TenantRepository
	Jobs      domain.JobRepository
	Store     domain.ObjectStore
	Roles     domain.RoleCreator
	Launcher  domain.RunLauncher
	TenantFSM domain.TransitionValidator
	Broker    *Broker
	Logger    *slog.Logger
}

// ProvisioningService orchestrates tenant and job operations exposed to
// the control-plane API. Job execution itself belongs to the Engine; the
// service creates jobs, launches runs and serves the two read models.
type ProvisioningService struct {
	registry  *domain.Registry
	tenants   domain.TenantRepository
	jobs      domain.JobRepository
	store     domain.ObjectStore
	roles     domain.RoleCreator
	launcher  domain.RunLauncher
	tenantFSM domain.TransitionValidator
	broker    *Broker
	log       *slog.Logger
}

// NewService creates a service with the given collaborators.
func NewService(cfg ServiceConfig) *ProvisioningService {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &ProvisioningService{
		registry:  cfg.Registry,
		tenants:   cfg.Tenants,
		jobs:      cfg.Jobs,
		store:     cfg.Store,
		roles:     cfg.Roles,
		launcher:  cfg.Launcher,
		tenantFSM: cfg.TenantFSM,
		broker:    cfg.Broker,
		log:       logger,
	}
}

// CreateJob records a pending provisioning job and schedules its run.
// The caller gets the job back immediately; execution proceeds in the
// background. A tenant id that is already taken, or still being
// provisioned by another job, is a conflict.
func (s *ProvisioningService) CreateJob(ctx context.Context, name, tier, tenantID string, settings map[string]any) (domain.ProvisioningJob, error) {
	if tenantID == "" {
		id, err := generateID()
		if err != nil {
			return domain.ProvisioningJob{}, fmt.Errorf("generating tenant id: %w", err)
		}
		tenantID = id
	}

	exists, err := s.tenants.Exists(ctx, tenantID)
	if err != nil {
		return domain.ProvisioningJob{}, err
	}
	if exists {
		return domain.ProvisioningJob{}, &domain.TenantConflictError{TenantID: tenantID}
	}

	open, err := s.jobs.HasOpenJob(ctx, tenantID)
	if err != nil {
		return domain.ProvisioningJob{}, err
	}
	if open {
		return domain.ProvisioningJob{}, &domain.TenantConflictError{TenantID: tenantID}
	}

	// Unknown tiers downgrade to starter; the job records the resolved
	// tier. Every run walks the full master list (inapplicable steps are
	// skipped, not absent), so total_steps is the master list length.
	tierCfg := s.registry.Resolve(tier)

	jobID, err := generateID()
	if err != nil {
		return domain.ProvisioningJob{}, fmt.Errorf("generating job id: %w", err)
	}

	job := domain.NewJob(jobID, tenantID, name, tierCfg.ID, len(s.registry.Steps()))
	if err := s.jobs.Create(ctx, job); err != nil {
		return domain.ProvisioningJob{}, fmt.Errorf("creating job: %w", err)
	}

	if err := s.launcher.Launch(ctx, job.ID, settings); err != nil {
		// The job row exists but nothing will run it; fail it so pollers
		// are not left watching a permanently pending job.
		status := domain.JobFailed
		msg := "scheduling provisioning run: " + err.Error()
		if uerr := s.jobs.Update(ctx, job.ID, domain.JobUpdate{Status: &status, Error: &msg}); uerr != nil {
			s.log.ErrorContext(ctx, "failing unlaunched job", "job_id", job.ID, "error", uerr)
		}
		return domain.ProvisioningJob{}, fmt.Errorf("launching provisioning run: %w", err)
	}

	s.log.InfoContext(ctx, "provisioning job created",
		"job_id", job.ID, "tenant_id", tenantID, "tier", tierCfg.ID)
	return job, nil
}

// Job returns a provisioning job by id.
func (s *ProvisioningService) Job(ctx context.Context, id string) (domain.ProvisioningJob, error) {
	return s.jobs.Get(ctx, id)
}

// StepStatus is the derived state of one step within a job snapshot.
type StepStatus struct {
	ID          string
	Name        string
	Description string
	Status      string
}

// Derived per-step states.
const (
	StepStateCompleted = "completed"
	StepStateSkipped   = "skipped"
	StepStateRunning   = "running"
	StepStatePending   = "pending"
)

// JobStatus is the point-in-time snapshot served to pollers: the
// persisted job plus a derived status for every step in the master
// list.
type JobStatus struct {
	Job   domain.ProvisioningJob
	Steps []StepStatus
}

// JobStatus derives the snapshot for a job. Pure read, safe to poll.
func (s *ProvisioningService) JobStatus(ctx context.Context, id string) (JobStatus, error) {
	job, err := s.jobs.Get(ctx, id)
	if err != nil {
		return JobStatus{}, err
	}

	steps := s.registry.Steps()

	completed := make(map[string]bool, len(job.StepsCompleted))
	for _, id := range job.StepsCompleted {
		completed[id] = true
	}
	skipped := make(map[string]bool, len(job.StepsSkipped))
	for _, id := range job.StepsSkipped {
		skipped[id] = true
	}

	out := make([]StepStatus, 0, len(steps))
	for i, step := range steps {
		state := StepStatePending
		switch {
		case completed[step.ID]:
			state = StepStateCompleted
		case skipped[step.ID]:
			state = StepStateSkipped
		case i+1 == job.CurrentStep && job.Status == domain.JobRunning:
			state = StepStateRunning
		}
		out = append(out, StepStatus{
			ID:          step.ID,
			Name:        step.Name,
			Description: step.Description,
			Status:      state,
		})
	}

	return JobStatus{Job: job, Steps: out}, nil
}

// Stream returns the event channel for a job. A terminal job yields
// exactly one terminal event; otherwise the caller is subscribed to the
// live run. Subscribing never drives execution.
func (s *ProvisioningService) Stream(ctx context.Context, id string) (<-chan domain.ProvisioningEvent, func(), error) {
	job, err := s.jobs.Get(ctx, id)
	if err != nil {
		return nil, nil, err
	}

	if job.Status.Terminal() {
		return terminalStream(job)
	}

	ch, cancel := s.broker.Subscribe(id)

	// The run may have finished between the status read and Subscribe,
	// in which case the broker already closed its subscribers and this
	// channel would stay open and silent forever. Re-read after
	// subscribing and fall back to the synthesized terminal event.
	job, err = s.jobs.Get(ctx, id)
	if err != nil {
		cancel()
		return nil, nil, err
	}
	if job.Status.Terminal() {
		cancel()
		return terminalStream(job)
	}

	return ch, cancel, nil
}

// terminalStream wraps a finished job's outcome in a closed single-event
// channel, so terminal and live streams look the same to consumers.
func terminalStream(job domain.ProvisioningJob) (<-chan domain.ProvisioningEvent, func(), error) {
	ch := make(chan domain.ProvisioningEvent, 1)
	ch <- TerminalEvent(job)
	close(ch)
	return ch, func() {}, nil
}

// CreateTenant is the synchronous path: the tenant record is created
// active, with storage layout and default roles, without a job.
func (s *ProvisioningService) CreateTenant(ctx context.Context, name, tenantID, tier string, settings, limits, metadata map[string]any) (domain.TenantConfig, error) {
	if tenantID == "" {
		id, err := generateID()
		if err != nil {
			return domain.TenantConfig{}, fmt.Errorf("generating tenant id: %w", err)
		}
		tenantID = id
	}

	tierCfg := s.registry.Resolve(tier)
	finalSettings := domain.MergeMap(domain.DefaultSettings(), settings)
	finalLimits := domain.MergeMap(s.registry.LimitsFor(tierCfg.ID), limits)

	tenant := domain.NewTenant(tenantID, name, tierCfg.ID, domain.TenantActive, finalSettings, finalLimits, metadata)
	if err := s.tenants.Create(ctx, tenant); err != nil {
		return domain.TenantConfig{}, err
	}

	for _, prefix := range tenantKeyPrefixes {
		key := fmt.Sprintf("tenants/%s/%s/.keep", tenantID, prefix)
		if err := s.store.Put(ctx, key, nil, "text/plain"); err != nil {
			return domain.TenantConfig{}, fmt.Errorf("initializing tenant storage: %w", err)
		}
	}

	if err := s.roles.CreateDefaultRoles(ctx, tenantID); err != nil {
		return domain.TenantConfig{}, fmt.Errorf("creating default roles: %w", err)
	}

	return tenant, nil
}

// Tenant returns a tenant record by id.
func (s *ProvisioningService) Tenant(ctx context.Context, id string) (domain.TenantConfig, error) {
	return s.tenants.Get(ctx, id)
}

// ListTenants returns tenants matching the given filter.
func (s *ProvisioningService) ListTenants(ctx context.Context, filter domain.TenantFilter) ([]domain.TenantConfig, error) {
	return s.tenants.List(ctx, filter)
}

// UpdateTenant merges the supplied fields into an existing tenant:
// map keys are added or overwritten, a non-empty name replaces the old.
func (s *ProvisioningService) UpdateTenant(ctx context.Context, id, name string, settings, limits, metadata map[string]any) (domain.TenantConfig, error) {
	tenant, err := s.tenants.Get(ctx, id)
	if err != nil {
		return domain.TenantConfig{}, err
	}

	if name != "" {
		tenant.Name = name
	}
	if settings != nil {
		tenant.Settings = domain.MergeMap(tenant.Settings, settings)
	}
	if limits != nil {
		tenant.Limits = domain.MergeMap(tenant.Limits, limits)
	}
	if metadata != nil {
		tenant.Metadata = domain.MergeMap(tenant.Metadata, metadata)
	}

	if err := s.tenants.Update(ctx, tenant); err != nil {
		return domain.TenantConfig{}, err
	}
	return tenant, nil
}

// SuspendTenant moves a tenant to "suspended".
func (s *ProvisioningService) SuspendTenant(ctx context.Context, id string) (domain.TenantConfig, error) {
	return s.transitionTenant(ctx, id, domain.TenantEventSuspend)
}

// ActivateTenant moves a suspended tenant back to "active".
func (s *ProvisioningService) ActivateTenant(ctx context.Context, id string) (domain.TenantConfig, error) {
	return s.transitionTenant(ctx, id, domain.TenantEventActivate)
}

// DeleteTenant soft-deletes a tenant: the record stays, marked deleted.
func (s *ProvisioningService) DeleteTenant(ctx context.Context, id string) (domain.TenantConfig, error) {
	return s.transitionTenant(ctx, id, domain.TenantEventDelete)
}

func (s *ProvisioningService) transitionTenant(ctx context.Context, id string, event domain.TenantEvent) (domain.TenantConfig, error) {
	tenant, err := s.tenants.Get(ctx, id)
	if err != nil {
		return domain.TenantConfig{}, err
	}

	next, err := s.tenantFSM.Apply(ctx, string(tenant.Status), string(event))
	if err != nil {
		return domain.TenantConfig{}, err
	}

	status := domain.TenantStatus(next)
	if err := s.tenants.UpdateStatus(ctx, id, status); err != nil {
		return domain.TenantConfig{}, err
	}
	tenant.Status = status
	return tenant, nil
}

// Tiers returns the tier catalog.
func (s *ProvisioningService) Tiers() []domain.TierConfig {
	return s.registry.Tiers()
}

// TierSteps returns the ordered steps that actually execute for a tier,
// with inapplicable steps filtered out.
func (s *ProvisioningService) TierSteps(tier domain.TierConfig) []domain.Step {
	return s.registry.StepsFor(tier)
}

// SweepOrphans fails jobs left in "running" by a previous process, so a
// crash never leaves a job permanently in flight. Call before the job
// queue starts.
func (s *ProvisioningService) SweepOrphans(ctx context.Context) (int64, error) {
	n, err := s.jobs.FailRunning(ctx, "interrupted by restart")
	if err != nil {
		return 0, err
	}
	if n > 0 {
		s.log.WarnContext(ctx, "failed orphaned provisioning jobs", "count", n)
	}
	return n, nil
}
