package domain

import (
	"context"
	"time"
)

// TenantRepository defines the persistence contract for tenant records.
type TenantRepository interface {
	Create(ctx context.Context, tenant TenantConfig) error
	Get(ctx context.Context, id string) (TenantConfig, error)
	List(ctx context.Context, filter TenantFilter) ([]TenantConfig, error)
	Update(ctx context.Context, tenant TenantConfig) error
	UpdateStatus(ctx context.Context, id string, status TenantStatus) error
	Exists(ctx context.Context, id string) (bool, error)
}

// TenantFilter holds optional criteria for listing tenants.
type TenantFilter struct {
	Status *TenantStatus
	Limit  int
	Offset int
}

// JobRepository defines the persistence contract for provisioning jobs.
type JobRepository interface {
	Create(ctx context.Context, job ProvisioningJob) error
	Get(ctx context.Context, id string) (ProvisioningJob, error)
	Update(ctx context.Context, id string, upd JobUpdate) error
	// HasOpenJob reports whether a non-terminal job references the tenant.
	HasOpenJob(ctx context.Context, tenantID string) (bool, error)
	// FailRunning marks every job stuck in "running" as failed with the
	// given error text. Used by the startup sweep after a crash.
	FailRunning(ctx context.Context, reason string) (int64, error)
}

// TransitionValidator checks whether an event is valid from the current
// state and returns the destination state.
type TransitionValidator interface {
	Apply(ctx context.Context, current, event string) (string, error)
}

// ObjectStore is the file/object storage contract used for tenant file
// layout (skills, connectors, transcripts).
type ObjectStore interface {
	Put(ctx context.Context, key string, data []byte, contentType string) error
	Get(ctx context.Context, key string) ([]byte, error)
	Head(ctx context.Context, key string) (bool, error)
	Delete(ctx context.Context, key string) error
	List(ctx context.Context, prefix string) ([]string, error)
}

// BucketInfo describes a created storage bucket.
type BucketInfo struct {
	Name        string
	BindingName string
	Endpoint    string
	Region      string
}

// DatabaseInfo describes a created database instance.
type DatabaseInfo struct {
	Name        string
	BindingName string
	DatabaseID  string
}

// DomainInfo describes a configured custom domain.
type DomainInfo struct {
	Domain        string
	DNSRecordID   string
	CertificateID string
	Status        string
}

// DeploymentInfo describes a worker deployment.
type DeploymentInfo struct {
	Version         string
	DeployedAt      time.Time
	BindingsUpdated []string
}

// InfraProvider is the capability surface for real infrastructure work.
// Every call is potentially slow and fallible; implementations must
// respect context cancellation.
type InfraProvider interface {
	CreateBucket(ctx context.Context, tenantID, name string) (BucketInfo, error)
	CreateDatabase(ctx context.Context, tenantID, name string) (DatabaseInfo, error)
	UpdateWorkerBindings(ctx context.Context, tenantID string, resources map[string]any) error
	DeployWorker(ctx context.Context) (DeploymentInfo, error)
	ConfigureDomain(ctx context.Context, tenantID, domain string) (DomainInfo, error)
	StoreTenantConfig(ctx context.Context, tenantID string, config map[string]any) error
	VerifyConnectivity(ctx context.Context, tenantID string) (bool, error)
	// Cleanup removes all tenant infrastructure. The engine never calls
	// it (failed jobs keep their side effects); it exists for operators.
	Cleanup(ctx context.Context, tenantID string) error
}

// RoleCreator creates the fixed set of default roles for a tenant.
type RoleCreator interface {
	CreateDefaultRoles(ctx context.Context, tenantID string) error
}

// RunLauncher schedules a provisioning run for a job, decoupled from the
// request that created it.
type RunLauncher interface {
	Launch(ctx context.Context, jobID string, settings map[string]any) error
}
