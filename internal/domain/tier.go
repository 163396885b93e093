package domain

// InfraMode describes whether a tenant resource is shared across tenants
// or provisioned as a dedicated instance.
type InfraMode string

const (
	InfraShared    InfraMode = "shared"
	InfraDedicated InfraMode = "dedicated"
)

// TierLimits holds the resource limits attached to a tier. A value of -1
// means unlimited.
type TierLimits struct {
	MaxUsers    int
	StorageMB   int
	MaxSessions int
}

// TierInfra describes the infrastructure isolation mode of a tier.
type TierInfra struct {
	Storage      InfraMode
	Database     InfraMode
	CustomDomain bool
}

// Dedicated reports whether any part of the tier's infrastructure is
// provisioned as a dedicated instance.
func (i TierInfra) Dedicated() bool {
	return i.Storage == InfraDedicated || i.Database == InfraDedicated
}

// TierConfig is the complete definition of a service tier.
type TierConfig struct {
	ID          string
	DisplayName string
	Limits      TierLimits
	Features    []string
	Infra       TierInfra
}

// HasFeature reports whether the tier includes the given feature flag.
func (t TierConfig) HasFeature(name string) bool {
	for _, f := range t.Features {
		if f == name {
			return true
		}
	}
	return false
}

// Step is one unit of tenant setup work in the provisioning sequence.
// RequiredInfra and RequiredFeature gate whether the step applies to a
// given tier; a step with neither applies to every tier.
type Step struct {
	ID              string
	Name            string
	Description     string
	RequiredInfra   InfraMode
	RequiredFeature string
}

// AppliesTo reports whether the step should execute for the given tier.
func (s Step) AppliesTo(tier TierConfig) bool {
	if s.RequiredInfra == InfraDedicated && !tier.Infra.Dedicated() {
		return false
	}
	if s.RequiredFeature != "" && !tier.HasFeature(s.RequiredFeature) {
		return false
	}
	return true
}

// Registry is an immutable catalog of tiers and the ordered master step
// list. It is constructed once at startup and passed by reference, so
// tests can substitute alternate catalogs.
type Registry struct {
	tiers map[string]TierConfig
	order []string
	steps []Step
}

// NewRegistry builds a registry from tier definitions (in listing order)
// and the ordered master step list.
func NewRegistry(tiers []TierConfig, steps []Step) *Registry {
	r := &Registry{
		tiers: make(map[string]TierConfig, len(tiers)),
		order: make([]string, 0, len(tiers)),
		steps: steps,
	}
	for _, t := range tiers {
		r.tiers[t.ID] = t
		r.order = append(r.order, t.ID)
	}
	return r
}

// Tier returns the tier with the given id.
func (r *Registry) Tier(id string) (TierConfig, bool) {
	t, ok := r.tiers[id]
	return t, ok
}

// Resolve returns the tier for id, falling back to "starter" when the id
// is unknown. The permissive downgrade is a deliberate policy: a stale
// tier reference never blocks provisioning.
func (r *Registry) Resolve(id string) TierConfig {
	if t, ok := r.tiers[id]; ok {
		return t
	}
	return r.tiers[TierStarter]
}

// Tiers returns all tiers in their listing order.
func (r *Registry) Tiers() []TierConfig {
	out := make([]TierConfig, 0, len(r.order))
	for _, id := range r.order {
		out = append(out, r.tiers[id])
	}
	return out
}

// Steps returns the full ordered master step list.
func (r *Registry) Steps() []Step {
	return r.steps
}

// StepsFor returns the ordered subset of the master step list applicable
// to the given tier. The filter is pure: identical tier, identical list.
func (r *Registry) StepsFor(tier TierConfig) []Step {
	out := make([]Step, 0, len(r.steps))
	for _, s := range r.steps {
		if s.AppliesTo(tier) {
			out = append(out, s)
		}
	}
	return out
}

// Platform-wide ceilings that are not tier-varying.
const (
	maxSkills             = 100
	maxConnectors         = 50
	sandboxTimeoutSeconds = 30
	sandboxMemoryMB       = 256
)

// LimitsFor returns the merged default limits map for a tier, suitable
// for storing on a tenant record. Unknown tier ids resolve to starter.
func (r *Registry) LimitsFor(tierID string) map[string]any {
	tier := r.Resolve(tierID)
	return map[string]any{
		"max_users":               tier.Limits.MaxUsers,
		"storage_mb":              tier.Limits.StorageMB,
		"max_sessions":            tier.Limits.MaxSessions,
		"max_skills":              maxSkills,
		"max_connectors":          maxConnectors,
		"sandbox_timeout_seconds": sandboxTimeoutSeconds,
		"sandbox_memory_mb":       sandboxMemoryMB,
	}
}

// Tier ids in the reference catalog.
const (
	TierStarter    = "starter"
	TierPro        = "pro"
	TierEnterprise = "enterprise"
)

// Step ids in the master catalog, used for skip/completion bookkeeping.
const (
	StepCreateRecord       = "create_record"
	StepProvisionStorage   = "provision_storage"
	StepProvisionDatabase  = "provision_database"
	StepUpdateBindings     = "update_bindings"
	StepDeployWorker       = "deploy_worker"
	StepInitializeStorage  = "initialize_storage"
	StepCreateRoles        = "create_roles"
	StepConfigureAuth      = "configure_auth"
	StepApplyLimits        = "apply_limits"
	StepConfigureDomain    = "configure_domain"
	StepStoreConfig        = "store_config"
	StepVerifyConnectivity = "verify_connectivity"
	StepFinalize           = "finalize"
)

// FeatureCustomDomain gates the custom-domain provisioning step.
const FeatureCustomDomain = "custom_domain"

// DefaultRegistry builds the standard catalog: starter, pro and
// enterprise tiers plus the thirteen-step master list.
func DefaultRegistry() *Registry {
	tiers := []TierConfig{
		{
			ID:          TierStarter,
			DisplayName: "Starter",
			Limits:      TierLimits{MaxUsers: 10, StorageMB: 1024, MaxSessions: 100},
			Features:    []string{"basic_analytics"},
			Infra:       TierInfra{Storage: InfraShared, Database: InfraShared},
		},
		{
			ID:          TierPro,
			DisplayName: "Pro",
			Limits:      TierLimits{MaxUsers: 100, StorageMB: 10240, MaxSessions: 1000},
			Features:    []string{"basic_analytics", "advanced_analytics", "api_access"},
			Infra:       TierInfra{Storage: InfraDedicated, Database: InfraDedicated},
		},
		{
			ID:          TierEnterprise,
			DisplayName: "Enterprise",
			Limits:      TierLimits{MaxUsers: -1, StorageMB: 102400, MaxSessions: -1},
			Features: []string{
				"basic_analytics", "advanced_analytics", "api_access",
				"sso", FeatureCustomDomain, "sla",
			},
			Infra: TierInfra{Storage: InfraDedicated, Database: InfraDedicated, CustomDomain: true},
		},
	}

	steps := []Step{
		{ID: StepCreateRecord, Name: "Create Tenant Record", Description: "Creating tenant database record"},
		{ID: StepProvisionStorage, Name: "Provision Storage", Description: "Setting up tenant storage"},
		{ID: StepProvisionDatabase, Name: "Provision Database", Description: "Setting up tenant database", RequiredInfra: InfraDedicated},
		{ID: StepUpdateBindings, Name: "Update Worker Bindings", Description: "Configuring worker bindings", RequiredInfra: InfraDedicated},
		{ID: StepDeployWorker, Name: "Deploy Worker", Description: "Deploying updated worker", RequiredInfra: InfraDedicated},
		{ID: StepInitializeStorage, Name: "Initialize Storage", Description: "Creating storage structure"},
		{ID: StepCreateRoles, Name: "Create Default Roles", Description: "Setting up default roles"},
		{ID: StepConfigureAuth, Name: "Configure Authentication", Description: "Setting up authentication"},
		{ID: StepApplyLimits, Name: "Apply Tier Limits", Description: "Configuring resource limits"},
		{ID: StepConfigureDomain, Name: "Configure Custom Domain", Description: "Setting up custom domain", RequiredFeature: FeatureCustomDomain},
		{ID: StepStoreConfig, Name: "Store Configuration", Description: "Saving tenant configuration"},
		{ID: StepVerifyConnectivity, Name: "Verify Connectivity", Description: "Testing tenant access"},
		{ID: StepFinalize, Name: "Finalize Setup", Description: "Completing tenant setup"},
	}

	return NewRegistry(tiers, steps)
}
