package http_test

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/danielgtaylor/huma/v2"
	"github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"

	"github.com/agenthost/tenantd/internal/adapter/fsm"
	adapter "github.com/agenthost/tenantd/internal/adapter/http"
	"github.com/agenthost/tenantd/internal/adapter/local"
	"github.com/agenthost/tenantd/internal/adapter/sqlite"
	"github.com/agenthost/tenantd/internal/app"
	"github.com/agenthost/tenantd/internal/domain"
)

// noopLauncher accepts every launch without running anything; tests
// drive job state through the store directly.
type noopLauncher struct{}

func (noopLauncher) Launch(_ context.Context, _ string, _ map[string]any) error { return nil }

// newTestServer creates a full-stack httptest.Server with SQLite in-memory.
func newTestServer(t *testing.T) (*httptest.Server, *sqlite.Store) {
	t.Helper()

	store, err := sqlite.New(":memory:")
	if err != nil {
		t.Fatalf("creating test store: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	objects, err := local.NewStore(t.TempDir())
	if err != nil {
		t.Fatalf("creating object store: %v", err)
	}

	svc := app.NewService(app.ServiceConfig{
		Registry:  domain.DefaultRegistry(),
		Tenants:   store.Tenants(),
		Jobs:      store.Jobs(),
		Store:     objects,
		Roles:     store.Roles(),
		Launcher:  noopLauncher{},
		TenantFSM: fsm.New(domain.TenantTransitions),
		Broker:    app.NewBroker(),
	})

	router := chi.NewMux()
	api := humachi.New(router, huma.DefaultConfig("tenantd", "0.1.0"))
	adapter.Register(api, svc)

	srv := httptest.NewServer(router)
	t.Cleanup(srv.Close)

	return srv, store
}

// doRequest performs an HTTP request with context (avoids noctx linter).
func doRequest(t *testing.T, method, url, body string) *http.Response {
	t.Helper()

	var reader io.Reader
	if body != "" {
		reader = strings.NewReader(body)
	}

	req, err := http.NewRequestWithContext(context.Background(), method, url, reader)
	if err != nil {
		t.Fatalf("creating request: %v", err)
	}

	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s failed: %v", method, url, err)
	}

	return resp
}

func decode[T any](t *testing.T, resp *http.Response) T {
	t.Helper()
	defer resp.Body.Close()

	var out T
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		t.Fatalf("decoding response: %v", err)
	}
	return out
}

func TestProvisionTenant(t *testing.T) {
	srv, _ := newTestServer(t)

	resp := doRequest(t, http.MethodPost, srv.URL+"/api/v1/tenants/provision",
		`{"name": "Acme Corp", "tier": "pro", "tenant_id": "t-1"}`)

	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("status = %d, want 202", resp.StatusCode)
	}

	job := decode[adapter.JobResponse](t, resp)
	if job.JobID == "" {
		t.Error("job_id missing")
	}
	if job.Status != "pending" {
		t.Errorf("status = %q, want pending", job.Status)
	}
	if job.TenantID != "t-1" || job.Tier != "pro" {
		t.Errorf("job = %+v", job)
	}
	if job.TotalSteps != 13 {
		t.Errorf("total_steps = %d, want 13", job.TotalSteps)
	}
}

func TestProvisionTenant_Conflict(t *testing.T) {
	srv, _ := newTestServer(t)

	first := doRequest(t, http.MethodPost, srv.URL+"/api/v1/tenants/provision",
		`{"name": "Acme", "tenant_id": "t-1"}`)
	first.Body.Close()
	if first.StatusCode != http.StatusAccepted {
		t.Fatalf("first request status = %d", first.StatusCode)
	}

	second := doRequest(t, http.MethodPost, srv.URL+"/api/v1/tenants/provision",
		`{"name": "Acme Again", "tenant_id": "t-1"}`)
	second.Body.Close()
	if second.StatusCode != http.StatusConflict {
		t.Errorf("second request status = %d, want 409", second.StatusCode)
	}
}

func TestGetJob(t *testing.T) {
	srv, _ := newTestServer(t)

	resp := doRequest(t, http.MethodPost, srv.URL+"/api/v1/tenants/provision",
		`{"name": "Acme", "tenant_id": "t-1"}`)
	job := decode[adapter.JobResponse](t, resp)

	statusResp := doRequest(t, http.MethodGet, srv.URL+"/api/v1/provisioning/jobs/"+job.JobID, "")
	if statusResp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", statusResp.StatusCode)
	}

	body := decode[struct {
		adapter.JobResponse
		Steps []adapter.StepResponse `json:"steps"`
	}](t, statusResp)

	if len(body.Steps) != 13 {
		t.Errorf("len(steps) = %d, want 13", len(body.Steps))
	}
	for _, s := range body.Steps {
		if s.Status != "pending" {
			t.Errorf("step %s = %q, want pending before the run", s.ID, s.Status)
		}
	}
}

func TestGetJob_NotFound(t *testing.T) {
	srv, _ := newTestServer(t)

	resp := doRequest(t, http.MethodGet, srv.URL+"/api/v1/provisioning/jobs/missing", "")
	resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("status = %d, want 404", resp.StatusCode)
	}
}

func TestStreamJob_TerminalYieldsOneLine(t *testing.T) {
	srv, store := newTestServer(t)
	ctx := context.Background()

	job := domain.NewJob("j-1", "t-1", "Acme", "starter", 13)
	if err := store.Jobs().Create(ctx, job); err != nil {
		t.Fatalf("creating job: %v", err)
	}
	failed := domain.JobFailed
	msg := "bucket quota exceeded"
	if err := store.Jobs().Update(ctx, "j-1", domain.JobUpdate{Status: &failed, Error: &msg}); err != nil {
		t.Fatalf("updating job: %v", err)
	}

	resp := doRequest(t, http.MethodGet, srv.URL+"/api/v1/provisioning/jobs/j-1/stream", "")
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	if ct := resp.Header.Get("Content-Type"); ct != "application/x-ndjson" {
		t.Errorf("Content-Type = %q, want application/x-ndjson", ct)
	}

	scanner := bufio.NewScanner(resp.Body)
	var lines []string
	for scanner.Scan() {
		if scanner.Text() != "" {
			lines = append(lines, scanner.Text())
		}
	}
	if len(lines) != 1 {
		t.Fatalf("len(lines) = %d, want exactly 1: %v", len(lines), lines)
	}

	var ev domain.ProvisioningEvent
	if err := json.Unmarshal([]byte(lines[0]), &ev); err != nil {
		t.Fatalf("decoding event: %v", err)
	}
	if ev.Type != domain.EventFailed || ev.Error != "bucket quota exceeded" {
		t.Errorf("event = %+v", ev)
	}
}

func TestStreamJob_NotFound(t *testing.T) {
	srv, _ := newTestServer(t)

	resp := doRequest(t, http.MethodGet, srv.URL+"/api/v1/provisioning/jobs/missing/stream", "")
	resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("status = %d, want 404", resp.StatusCode)
	}
}

func TestCreateAndGetTenant(t *testing.T) {
	srv, _ := newTestServer(t)

	resp := doRequest(t, http.MethodPost, srv.URL+"/api/v1/tenants",
		`{"name": "Acme", "tier": "pro", "tenant_id": "t-1"}`)
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("create status = %d", resp.StatusCode)
	}
	created := decode[adapter.TenantResponse](t, resp)
	if created.Status != "active" {
		t.Errorf("status = %q, want active", created.Status)
	}

	getResp := doRequest(t, http.MethodGet, srv.URL+"/api/v1/tenants/t-1", "")
	got := decode[adapter.TenantResponse](t, getResp)
	if got.Name != "Acme" || got.Tier != "pro" {
		t.Errorf("tenant = %+v", got)
	}
	if got.Limits["max_users"] != float64(100) {
		t.Errorf("limits = %v, want pro defaults", got.Limits)
	}
}

func TestUpdateTenant(t *testing.T) {
	srv, _ := newTestServer(t)

	doRequest(t, http.MethodPost, srv.URL+"/api/v1/tenants",
		`{"name": "Acme", "tenant_id": "t-1"}`).Body.Close()

	resp := doRequest(t, http.MethodPatch, srv.URL+"/api/v1/tenants/t-1",
		`{"settings": {"auth_mode": "sso"}, "metadata": {"region": "eu"}}`)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("patch status = %d", resp.StatusCode)
	}
	got := decode[adapter.TenantResponse](t, resp)
	if got.Settings["auth_mode"] != "sso" {
		t.Errorf("settings = %v", got.Settings)
	}
	if got.Metadata["region"] != "eu" {
		t.Errorf("metadata = %v", got.Metadata)
	}
}

func TestTenantLifecycleEndpoints(t *testing.T) {
	srv, _ := newTestServer(t)

	doRequest(t, http.MethodPost, srv.URL+"/api/v1/tenants",
		`{"name": "Acme", "tenant_id": "t-1"}`).Body.Close()

	suspend := doRequest(t, http.MethodPost, srv.URL+"/api/v1/tenants/t-1/suspend", "")
	got := decode[adapter.TenantResponse](t, suspend)
	if got.Status != "suspended" {
		t.Errorf("status = %q, want suspended", got.Status)
	}

	del := doRequest(t, http.MethodDelete, srv.URL+"/api/v1/tenants/t-1", "")
	got = decode[adapter.TenantResponse](t, del)
	if got.Status != "deleted" {
		t.Errorf("status = %q, want deleted", got.Status)
	}

	// Reactivating a deleted tenant is an invalid transition.
	activate := doRequest(t, http.MethodPost, srv.URL+"/api/v1/tenants/t-1/activate", "")
	activate.Body.Close()
	if activate.StatusCode != http.StatusUnprocessableEntity {
		t.Errorf("activate status = %d, want 422", activate.StatusCode)
	}
}

func TestListTenants_StatusFilter(t *testing.T) {
	srv, _ := newTestServer(t)

	for i := 1; i <= 3; i++ {
		doRequest(t, http.MethodPost, srv.URL+"/api/v1/tenants",
			fmt.Sprintf(`{"name": "Tenant %d", "tenant_id": "t-%d"}`, i, i)).Body.Close()
	}
	doRequest(t, http.MethodPost, srv.URL+"/api/v1/tenants/t-2/suspend", "").Body.Close()

	resp := doRequest(t, http.MethodGet, srv.URL+"/api/v1/tenants?status=suspended", "")
	got := decode[[]adapter.TenantResponse](t, resp)
	if len(got) != 1 || got[0].TenantID != "t-2" {
		t.Errorf("list = %+v, want only t-2", got)
	}
}

func TestListTiers(t *testing.T) {
	srv, _ := newTestServer(t)

	resp := doRequest(t, http.MethodGet, srv.URL+"/api/v1/tiers", "")
	tiers := decode[[]adapter.TierResponse](t, resp)

	if len(tiers) != 3 {
		t.Fatalf("len(tiers) = %d, want 3", len(tiers))
	}
	if tiers[0].ID != "starter" || tiers[2].ID != "enterprise" {
		t.Errorf("tier order = %s..%s", tiers[0].ID, tiers[2].ID)
	}
	if len(tiers[0].Steps) != 9 {
		t.Errorf("starter steps = %d, want 9", len(tiers[0].Steps))
	}
	if len(tiers[2].Steps) != 13 {
		t.Errorf("enterprise steps = %d, want 13", len(tiers[2].Steps))
	}
	if !tiers[2].CustomDomain {
		t.Error("enterprise should allow custom domains")
	}
}
