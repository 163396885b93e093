package domain

import "time"

// TenantStatus represents the lifecycle state of a tenant.
type TenantStatus string

const (
	TenantProvisioning TenantStatus = "provisioning"
	TenantActive       TenantStatus = "active"
	TenantSuspended    TenantStatus = "suspended"
	TenantDeleted      TenantStatus = "deleted"
)

// TenantEvent is an action that moves a tenant between lifecycle states.
type TenantEvent string

const (
	TenantEventActivate TenantEvent = "activate"
	TenantEventSuspend  TenantEvent = "suspend"
	TenantEventDelete   TenantEvent = "delete"
)

// Transition defines a valid state change: an event moves an entity from
// Src to Dst. The same shape serves both the tenant and the job machines;
// the FSM adapter consumes it directly.
type Transition struct {
	Event string
	Src   string
	Dst   string
}

// TenantTransitions defines all valid tenant lifecycle changes. The
// "deleted" state is terminal; deletion here is a soft delete.
var TenantTransitions = []Transition{
	{Event: string(TenantEventActivate), Src: string(TenantProvisioning), Dst: string(TenantActive)},
	{Event: string(TenantEventActivate), Src: string(TenantSuspended), Dst: string(TenantActive)},
	{Event: string(TenantEventSuspend), Src: string(TenantActive), Dst: string(TenantSuspended)},
	{Event: string(TenantEventDelete), Src: string(TenantActive), Dst: string(TenantDeleted)},
	{Event: string(TenantEventDelete), Src: string(TenantSuspended), Dst: string(TenantDeleted)},
}

// TenantConfig is the persistent record of a tenant. Settings, Limits and
// Metadata are free-form maps; updates merge new keys over existing ones.
type TenantConfig struct {
	TenantID  string
	Name      string
	Status    TenantStatus
	Tier      string
	Settings  map[string]any
	Limits    map[string]any
	Metadata  map[string]any
	CreatedAt time.Time
	UpdatedAt time.Time
}

// NewTenant creates a tenant record in the given initial status. The
// orchestrated path starts at "provisioning"; the synchronous path starts
// at "active".
func NewTenant(id, name, tier string, status TenantStatus, settings, limits, metadata map[string]any) TenantConfig {
	now := time.Now().UTC()
	if settings == nil {
		settings = map[string]any{}
	}
	if limits == nil {
		limits = map[string]any{}
	}
	if metadata == nil {
		metadata = map[string]any{}
	}
	return TenantConfig{
		TenantID:  id,
		Name:      name,
		Status:    status,
		Tier:      tier,
		Settings:  settings,
		Limits:    limits,
		Metadata:  metadata,
		CreatedAt: now,
		UpdatedAt: now,
	}
}

// DefaultSettings returns the settings every new tenant starts with.
func DefaultSettings() map[string]any {
	return map[string]any{"auth_mode": "builtin"}
}

// MergeMap copies src keys over dst, adding new keys and overwriting
// existing ones. dst may be nil.
func MergeMap(dst, src map[string]any) map[string]any {
	if dst == nil {
		dst = make(map[string]any, len(src))
	}
	for k, v := range src {
		dst[k] = v
	}
	return dst
}
