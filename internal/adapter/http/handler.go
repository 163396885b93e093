package http

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/danielgtaylor/huma/v2"

	"github.com/agenthost/tenantd/internal/app"
	"github.com/agenthost/tenantd/internal/domain"
)

const timeFormat = "2006-01-02T15:04:05Z"

// TenantResponse is the API representation of a tenant.
type TenantResponse struct {
	TenantID  string         `json:"tenant_id" doc:"Unique identifier"`
	Name      string         `json:"name" doc:"Display name"`
	Status    string         `json:"status" doc:"Lifecycle state"`
	Tier      string         `json:"tier" doc:"Service tier"`
	Settings  map[string]any `json:"settings" doc:"Tenant settings"`
	Limits    map[string]any `json:"limits" doc:"Resource limits"`
	Metadata  map[string]any `json:"metadata" doc:"Free-form metadata"`
	CreatedAt string         `json:"created_at" doc:"Creation timestamp (ISO 8601)"`
	UpdatedAt string         `json:"updated_at" doc:"Last update timestamp (ISO 8601)"`
}

func toTenantResponse(t domain.TenantConfig) TenantResponse {
	return TenantResponse{
		TenantID:  t.TenantID,
		Name:      t.Name,
		Status:    string(t.Status),
		Tier:      t.Tier,
		Settings:  t.Settings,
		Limits:    t.Limits,
		Metadata:  t.Metadata,
		CreatedAt: t.CreatedAt.Format(timeFormat),
		UpdatedAt: t.UpdatedAt.Format(timeFormat),
	}
}

// JobResponse is the API representation of a provisioning job.
type JobResponse struct {
	JobID           string   `json:"job_id" doc:"Unique job identifier"`
	TenantID        string   `json:"tenant_id" doc:"Tenant being provisioned"`
	TenantName      string   `json:"tenant_name" doc:"Tenant display name"`
	Tier            string   `json:"tier" doc:"Resolved service tier"`
	Status          string   `json:"status" doc:"Job state"`
	CurrentStep     int      `json:"current_step" doc:"1-based index of the step in flight (0 before start)"`
	TotalSteps      int      `json:"total_steps" doc:"Length of the master step list (identical for every tier)"`
	CurrentStepName string   `json:"current_step_name,omitempty" doc:"Name of the step in flight"`
	StepsCompleted  []string `json:"steps_completed" doc:"Ids of completed steps"`
	StepsSkipped    []string `json:"steps_skipped" doc:"Ids of skipped steps"`
	Error           string   `json:"error,omitempty" doc:"Failure reason for failed jobs"`
	CreatedAt       string   `json:"created_at" doc:"Creation timestamp (ISO 8601)"`
	UpdatedAt       string   `json:"updated_at" doc:"Last update timestamp (ISO 8601)"`
	CompletedAt     string   `json:"completed_at,omitempty" doc:"Terminal timestamp (ISO 8601)"`
}

func toJobResponse(j domain.ProvisioningJob) JobResponse {
	resp := JobResponse{
		JobID:           j.ID,
		TenantID:        j.TenantID,
		TenantName:      j.TenantName,
		Tier:            j.Tier,
		Status:          string(j.Status),
		CurrentStep:     j.CurrentStep,
		TotalSteps:      j.TotalSteps,
		CurrentStepName: j.CurrentStepName,
		StepsCompleted:  j.StepsCompleted,
		StepsSkipped:    j.StepsSkipped,
		Error:           j.Error,
		CreatedAt:       j.CreatedAt.Format(timeFormat),
		UpdatedAt:       j.UpdatedAt.Format(timeFormat),
	}
	if j.CompletedAt != nil {
		resp.CompletedAt = j.CompletedAt.Format(timeFormat)
	}
	return resp
}

// StepResponse is the derived state of one step in a job snapshot.
type StepResponse struct {
	ID          string `json:"id" doc:"Step identifier"`
	Name        string `json:"name" doc:"Human-readable step name"`
	Description string `json:"description" doc:"What the step does"`
	Status      string `json:"status" doc:"Derived step state" enum:"pending,running,completed,skipped"`
}

// TierResponse is the API representation of a tier definition.
type TierResponse struct {
	ID           string         `json:"id" doc:"Tier identifier"`
	DisplayName  string         `json:"display_name" doc:"Human-readable name"`
	Limits       map[string]any `json:"limits" doc:"Default resource limits"`
	Features     []string       `json:"features" doc:"Included feature flags"`
	Storage      string         `json:"storage" doc:"Storage isolation mode"`
	Database     string         `json:"database" doc:"Database isolation mode"`
	CustomDomain bool           `json:"custom_domain" doc:"Whether custom domains are available"`
	Steps        []string       `json:"steps" doc:"Ids of provisioning steps that execute for this tier"`
}

// --- Provision Tenant (async) ---

type ProvisionInput struct {
	Body struct {
		Name     string         `json:"name" minLength:"1" maxLength:"255" doc:"Display name"`
		Tier     string         `json:"tier,omitempty" default:"starter" doc:"Requested service tier"`
		TenantID string         `json:"tenant_id,omitempty" maxLength:"100" doc:"Explicit tenant id (generated when empty)"`
		Settings map[string]any `json:"settings,omitempty" doc:"Initial settings overrides"`
	}
}

type ProvisionOutput struct {
	Body JobResponse
}

// --- Job status ---

type GetJobInput struct {
	ID string `path:"id" doc:"Job ID"`
}

type GetJobOutput struct {
	Body struct {
		JobResponse
		Steps []StepResponse `json:"steps" doc:"Per-step derived states"`
	}
}

// --- Create Tenant (sync) ---

type CreateTenantInput struct {
	Body struct {
		Name     string         `json:"name" minLength:"1" maxLength:"255" doc:"Display name"`
		Tier     string         `json:"tier,omitempty" default:"starter" doc:"Service tier"`
		TenantID string         `json:"tenant_id,omitempty" maxLength:"100" doc:"Explicit tenant id (generated when empty)"`
		Settings map[string]any `json:"settings,omitempty" doc:"Settings overrides"`
		Limits   map[string]any `json:"limits,omitempty" doc:"Limit overrides"`
		Metadata map[string]any `json:"metadata,omitempty" doc:"Free-form metadata"`
	}
}

type CreateTenantOutput struct {
	Body TenantResponse
}

// --- Get / List / Update Tenant ---

type GetTenantInput struct {
	ID string `path:"id" doc:"Tenant ID"`
}

type GetTenantOutput struct {
	Body TenantResponse
}

type ListTenantsInput struct {
	Status string `query:"status" required:"false" doc:"Filter by status"`
	Limit  int    `query:"limit" required:"false" default:"50" doc:"Max results"`
	Offset int    `query:"offset" required:"false" default:"0" doc:"Pagination offset"`
}

type ListTenantsOutput struct {
	Body []TenantResponse
}

type UpdateTenantInput struct {
	ID   string `path:"id" doc:"Tenant ID"`
	Body struct {
		Name     string         `json:"name,omitempty" maxLength:"255" doc:"New display name"`
		Settings map[string]any `json:"settings,omitempty" doc:"Settings to merge"`
		Limits   map[string]any `json:"limits,omitempty" doc:"Limits to merge"`
		Metadata map[string]any `json:"metadata,omitempty" doc:"Metadata to merge"`
	}
}

type UpdateTenantOutput struct {
	Body TenantResponse
}

// --- Lifecycle ---

type LifecycleInput struct {
	ID string `path:"id" doc:"Tenant ID"`
}

type LifecycleOutput struct {
	Body TenantResponse
}

// --- Tiers ---

type ListTiersOutput struct {
	Body []TierResponse
}

// Register adds all provisioning and tenant API routes to the Huma API.
func Register(api huma.API, svc *app.ProvisioningService) {
	huma.Register(api, huma.Operation{
		OperationID:   "provision-tenant",
		Method:        http.MethodPost,
		Path:          "/api/v1/tenants/provision",
		Summary:       "Start asynchronous tenant provisioning",
		Tags:          []string{"Provisioning"},
		DefaultStatus: http.StatusAccepted,
	}, func(ctx context.Context, input *ProvisionInput) (*ProvisionOutput, error) {
		job, err := svc.CreateJob(ctx, input.Body.Name, input.Body.Tier, input.Body.TenantID, input.Body.Settings)
		if err != nil {
			return nil, toHumaError(err)
		}
		return &ProvisionOutput{Body: toJobResponse(job)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-provisioning-job",
		Method:      http.MethodGet,
		Path:        "/api/v1/provisioning/jobs/{id}",
		Summary:     "Poll a provisioning job",
		Tags:        []string{"Provisioning"},
	}, func(ctx context.Context, input *GetJobInput) (*GetJobOutput, error) {
		status, err := svc.JobStatus(ctx, input.ID)
		if err != nil {
			return nil, toHumaError(err)
		}
		out := &GetJobOutput{}
		out.Body.JobResponse = toJobResponse(status.Job)
		out.Body.Steps = make([]StepResponse, len(status.Steps))
		for i, s := range status.Steps {
			out.Body.Steps[i] = StepResponse(s)
		}
		return out, nil
	})

	registerStream(api, svc)

	huma.Register(api, huma.Operation{
		OperationID:   "create-tenant",
		Method:        http.MethodPost,
		Path:          "/api/v1/tenants",
		DefaultStatus: http.StatusCreated,
		Summary:       "Create a tenant synchronously",
		Description:   "Creates an active tenant without running the provisioning sequence. Intended for shared-infrastructure tiers and admin tooling.",
		Tags:          []string{"Tenants"},
	}, func(ctx context.Context, input *CreateTenantInput) (*CreateTenantOutput, error) {
		tenant, err := svc.CreateTenant(ctx, input.Body.Name, input.Body.TenantID, input.Body.Tier,
			input.Body.Settings, input.Body.Limits, input.Body.Metadata)
		if err != nil {
			return nil, toHumaError(err)
		}
		return &CreateTenantOutput{Body: toTenantResponse(tenant)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-tenant",
		Method:      http.MethodGet,
		Path:        "/api/v1/tenants/{id}",
		Summary:     "Get a tenant by ID",
		Tags:        []string{"Tenants"},
	}, func(ctx context.Context, input *GetTenantInput) (*GetTenantOutput, error) {
		tenant, err := svc.Tenant(ctx, input.ID)
		if err != nil {
			return nil, toHumaError(err)
		}
		return &GetTenantOutput{Body: toTenantResponse(tenant)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-tenants",
		Method:      http.MethodGet,
		Path:        "/api/v1/tenants",
		Summary:     "List tenants",
		Tags:        []string{"Tenants"},
	}, func(ctx context.Context, input *ListTenantsInput) (*ListTenantsOutput, error) {
		filter := domain.TenantFilter{
			Limit:  input.Limit,
			Offset: input.Offset,
		}
		if input.Status != "" {
			s := domain.TenantStatus(input.Status)
			filter.Status = &s
		}

		tenants, err := svc.ListTenants(ctx, filter)
		if err != nil {
			return nil, toHumaError(err)
		}

		resp := make([]TenantResponse, len(tenants))
		for i, t := range tenants {
			resp[i] = toTenantResponse(t)
		}
		return &ListTenantsOutput{Body: resp}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "update-tenant",
		Method:      http.MethodPatch,
		Path:        "/api/v1/tenants/{id}",
		Summary:     "Update a tenant",
		Description: "Merges the supplied settings, limits and metadata over the existing maps.",
		Tags:        []string{"Tenants"},
	}, func(ctx context.Context, input *UpdateTenantInput) (*UpdateTenantOutput, error) {
		tenant, err := svc.UpdateTenant(ctx, input.ID, input.Body.Name,
			input.Body.Settings, input.Body.Limits, input.Body.Metadata)
		if err != nil {
			return nil, toHumaError(err)
		}
		return &UpdateTenantOutput{Body: toTenantResponse(tenant)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "suspend-tenant",
		Method:      http.MethodPost,
		Path:        "/api/v1/tenants/{id}/suspend",
		Summary:     "Suspend a tenant",
		Tags:        []string{"Tenants"},
	}, func(ctx context.Context, input *LifecycleInput) (*LifecycleOutput, error) {
		tenant, err := svc.SuspendTenant(ctx, input.ID)
		if err != nil {
			return nil, toHumaError(err)
		}
		return &LifecycleOutput{Body: toTenantResponse(tenant)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "activate-tenant",
		Method:      http.MethodPost,
		Path:        "/api/v1/tenants/{id}/activate",
		Summary:     "Reactivate a suspended tenant",
		Tags:        []string{"Tenants"},
	}, func(ctx context.Context, input *LifecycleInput) (*LifecycleOutput, error) {
		tenant, err := svc.ActivateTenant(ctx, input.ID)
		if err != nil {
			return nil, toHumaError(err)
		}
		return &LifecycleOutput{Body: toTenantResponse(tenant)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "delete-tenant",
		Method:      http.MethodDelete,
		Path:        "/api/v1/tenants/{id}",
		Summary:     "Soft-delete a tenant",
		Tags:        []string{"Tenants"},
	}, func(ctx context.Context, input *LifecycleInput) (*LifecycleOutput, error) {
		tenant, err := svc.DeleteTenant(ctx, input.ID)
		if err != nil {
			return nil, toHumaError(err)
		}
		return &LifecycleOutput{Body: toTenantResponse(tenant)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-tiers",
		Method:      http.MethodGet,
		Path:        "/api/v1/tiers",
		Summary:     "List available service tiers",
		Tags:        []string{"Tiers"},
	}, func(ctx context.Context, _ *struct{}) (*ListTiersOutput, error) {
		tiers := svc.Tiers()
		resp := make([]TierResponse, len(tiers))
		for i, t := range tiers {
			steps := svc.TierSteps(t)
			stepIDs := make([]string, len(steps))
			for j, s := range steps {
				stepIDs[j] = s.ID
			}
			resp[i] = TierResponse{
				ID:          t.ID,
				DisplayName: t.DisplayName,
				Limits: map[string]any{
					"max_users":    t.Limits.MaxUsers,
					"storage_mb":   t.Limits.StorageMB,
					"max_sessions": t.Limits.MaxSessions,
				},
				Features:     t.Features,
				Storage:      string(t.Infra.Storage),
				Database:     string(t.Infra.Database),
				CustomDomain: t.Infra.CustomDomain,
				Steps:        stepIDs,
			}
		}
		return &ListTiersOutput{Body: resp}, nil
	})
}

// StreamJobInput identifies the job to stream.
type StreamJobInput struct {
	ID string `path:"id" doc:"Job ID"`
}

// registerStream adds the NDJSON progress stream. Each event is one JSON
// line; the stream ends after the terminal event or when the client
// disconnects.
func registerStream(api huma.API, svc *app.ProvisioningService) {
	huma.Register(api, huma.Operation{
		OperationID: "stream-provisioning-job",
		Method:      http.MethodGet,
		Path:        "/api/v1/provisioning/jobs/{id}/stream",
		Summary:     "Stream provisioning progress as NDJSON",
		Tags:        []string{"Provisioning"},
	}, func(ctx context.Context, input *StreamJobInput) (*huma.StreamResponse, error) {
		events, cancel, err := svc.Stream(ctx, input.ID)
		if err != nil {
			return nil, toHumaError(err)
		}

		return &huma.StreamResponse{
			Body: func(hctx huma.Context) {
				defer cancel()

				hctx.SetHeader("Content-Type", "application/x-ndjson")
				writer := hctx.BodyWriter()
				enc := json.NewEncoder(writer)
				flusher, _ := writer.(http.Flusher)

				for {
					select {
					case <-hctx.Context().Done():
						return
					case ev, ok := <-events:
						if !ok {
							return
						}
						if err := enc.Encode(ev); err != nil {
							return
						}
						if flusher != nil {
							flusher.Flush()
						}
					}
				}
			},
		}, nil
	})
}

// toHumaError translates domain errors to Huma HTTP errors.
func toHumaError(err error) error {
	if errors.Is(err, domain.ErrTenantNotFound) {
		return huma.Error404NotFound("tenant not found")
	}
	if errors.Is(err, domain.ErrJobNotFound) {
		return huma.Error404NotFound("job not found")
	}

	var conflictErr *domain.TenantConflictError
	if errors.As(err, &conflictErr) {
		return huma.Error409Conflict(conflictErr.Error())
	}

	var trErr *domain.TransitionError
	if errors.As(err, &trErr) {
		return huma.Error422UnprocessableEntity(trErr.Error())
	}

	return huma.Error500InternalServerError("internal server error")
}
