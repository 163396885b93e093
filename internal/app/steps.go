package app

import (
	"context"
	"errors"
	"fmt"

	"github.com/agenthost/tenantd/internal/domain"
)

// tenantKeyPrefixes are the storage prefixes laid out for every tenant.
var tenantKeyPrefixes = []string{"skills", "connectors", "transcripts"}

// executeStep dispatches a single provisioning step by id. Handlers that
// represent real infrastructure work go through the InfraProvider;
// handlers that touch local state use the tenant repository, object
// store and role creator.
func (e *Engine) executeStep(ctx context.Context, stepID string, job domain.ProvisioningJob, tier domain.TierConfig, settings, resources map[string]any) error {
	switch stepID {
	case domain.StepCreateRecord:
		return e.stepCreateRecord(ctx, job, settings)
	case domain.StepProvisionStorage:
		return e.stepProvisionStorage(ctx, job.TenantID, tier, resources)
	case domain.StepProvisionDatabase:
		return e.stepProvisionDatabase(ctx, job.TenantID, tier, resources)
	case domain.StepUpdateBindings:
		return e.infra.UpdateWorkerBindings(ctx, job.TenantID, resources)
	case domain.StepDeployWorker:
		return e.stepDeployWorker(ctx, resources)
	case domain.StepInitializeStorage:
		return e.stepInitializeStorage(ctx, job.TenantID)
	case domain.StepCreateRoles:
		return e.roles.CreateDefaultRoles(ctx, job.TenantID)
	case domain.StepConfigureAuth:
		return e.stepConfigureAuth(ctx, job.TenantID, settings)
	case domain.StepApplyLimits:
		return e.stepApplyLimits(ctx, job.TenantID, job.Tier)
	case domain.StepConfigureDomain:
		return e.stepConfigureDomain(ctx, job.TenantID, settings, resources)
	case domain.StepStoreConfig:
		return e.stepStoreConfig(ctx, job, tier, resources)
	case domain.StepVerifyConnectivity:
		return e.stepVerifyConnectivity(ctx, job.TenantID)
	case domain.StepFinalize:
		return e.stepFinalize(ctx, job.TenantID)
	default:
		// Catalog and dispatch can drift during development; an unknown
		// id is a no-op rather than a failed job.
		e.log.WarnContext(ctx, "unknown provisioning step", "step_id", stepID)
		return nil
	}
}

// stepCreateRecord inserts the tenant row in "provisioning" status with
// tier-derived limits and default settings merged under caller settings.
func (e *Engine) stepCreateRecord(ctx context.Context, job domain.ProvisioningJob, settings map[string]any) error {
	finalSettings := domain.MergeMap(domain.DefaultSettings(), settings)
	limits := e.registry.LimitsFor(job.Tier)

	tenant := domain.NewTenant(job.TenantID, job.TenantName, job.Tier, domain.TenantProvisioning, finalSettings, limits, nil)
	return e.tenants.Create(ctx, tenant)
}

// stepProvisionStorage creates a dedicated bucket when the tier calls
// for one. Shared storage needs no setup: isolation comes from the
// per-tenant key prefix established by the initialize_storage step.
func (e *Engine) stepProvisionStorage(ctx context.Context, tenantID string, tier domain.TierConfig, resources map[string]any) error {
	if tier.Infra.Storage != domain.InfraDedicated {
		return nil
	}

	info, err := e.infra.CreateBucket(ctx, tenantID, "tenant-"+tenantID)
	if err != nil {
		return fmt.Errorf("creating bucket: %w", err)
	}
	resources["bucket"] = info
	return nil
}

func (e *Engine) stepProvisionDatabase(ctx context.Context, tenantID string, tier domain.TierConfig, resources map[string]any) error {
	if tier.Infra.Database != domain.InfraDedicated {
		return nil
	}

	info, err := e.infra.CreateDatabase(ctx, tenantID, "tenant-"+tenantID)
	if err != nil {
		return fmt.Errorf("creating database: %w", err)
	}
	resources["database"] = info
	return nil
}

func (e *Engine) stepDeployWorker(ctx context.Context, resources map[string]any) error {
	info, err := e.infra.DeployWorker(ctx)
	if err != nil {
		return fmt.Errorf("deploying worker: %w", err)
	}
	resources["deployment"] = info
	return nil
}

// stepInitializeStorage lays out the tenant's key prefixes with marker
// objects so listings work before any real content exists.
func (e *Engine) stepInitializeStorage(ctx context.Context, tenantID string) error {
	for _, prefix := range tenantKeyPrefixes {
		key := fmt.Sprintf("tenants/%s/%s/.keep", tenantID, prefix)
		if err := e.store.Put(ctx, key, nil, "text/plain"); err != nil {
			return fmt.Errorf("initializing storage prefix %q: %w", prefix, err)
		}
	}
	return nil
}

// stepConfigureAuth records the tenant's auth mode, honoring a caller
// override from the provisioning settings.
func (e *Engine) stepConfigureAuth(ctx context.Context, tenantID string, settings map[string]any) error {
	mode := "builtin"
	if m, ok := settings["auth_mode"].(string); ok && m != "" {
		mode = m
	}
	return e.mergeTenant(ctx, tenantID, map[string]any{"auth_mode": mode}, nil, nil)
}

func (e *Engine) stepApplyLimits(ctx context.Context, tenantID, tierID string) error {
	return e.mergeTenant(ctx, tenantID, nil, e.registry.LimitsFor(tierID), nil)
}

// stepConfigureDomain configures the custom domain, defaulting to a
// tenant-derived name when the caller supplied none.
func (e *Engine) stepConfigureDomain(ctx context.Context, tenantID string, settings, resources map[string]any) error {
	name := tenantID + ".tenants.local"
	if d, ok := settings["custom_domain"].(string); ok && d != "" {
		name = d
	}

	info, err := e.infra.ConfigureDomain(ctx, tenantID, name)
	if err != nil {
		return fmt.Errorf("configuring domain %q: %w", name, err)
	}
	resources["domain"] = info
	return e.mergeTenant(ctx, tenantID, nil, nil, map[string]any{"custom_domain": info.Domain})
}

// stepStoreConfig hands the routing configuration to the provider so
// the runtime can resolve tenant requests to the right resources.
func (e *Engine) stepStoreConfig(ctx context.Context, job domain.ProvisioningJob, tier domain.TierConfig, resources map[string]any) error {
	config := map[string]any{
		"tenant_id": job.TenantID,
		"tier":      tier.ID,
		"storage":   string(tier.Infra.Storage),
		"database":  string(tier.Infra.Database),
	}
	for k, v := range resources {
		config[k] = v
	}
	return e.infra.StoreTenantConfig(ctx, job.TenantID, config)
}

func (e *Engine) stepVerifyConnectivity(ctx context.Context, tenantID string) error {
	ok, err := e.infra.VerifyConnectivity(ctx, tenantID)
	if err != nil {
		return fmt.Errorf("verifying connectivity: %w", err)
	}
	if !ok {
		return errors.New("tenant infrastructure is not reachable")
	}
	return nil
}

// stepFinalize activates the tenant, completing provisioning.
func (e *Engine) stepFinalize(ctx context.Context, tenantID string) error {
	tenant, err := e.tenants.Get(ctx, tenantID)
	if err != nil {
		return err
	}

	next, err := e.tenantFSM.Apply(ctx, string(tenant.Status), string(domain.TenantEventActivate))
	if err != nil {
		return err
	}
	return e.tenants.UpdateStatus(ctx, tenantID, domain.TenantStatus(next))
}

// mergeTenant performs the read-merge-write cycle shared by the steps
// that amend the tenant record.
func (e *Engine) mergeTenant(ctx context.Context, tenantID string, settings, limits, metadata map[string]any) error {
	tenant, err := e.tenants.Get(ctx, tenantID)
	if err != nil {
		return err
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

	return e.tenants.Update(ctx, tenant)
}
