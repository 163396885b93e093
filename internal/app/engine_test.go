package app_test

import (
	"context"
	"errors"
	"reflect"
	"sync"
	"testing"
	"time"

	"github.com/agenthost/tenantd/internal/adapter/fsm"
	"github.com/agenthost/tenantd/internal/adapter/local"
	"github.com/agenthost/tenantd/internal/adapter/sqlite"
	"github.com/agenthost/tenantd/internal/app"
	"github.com/agenthost/tenantd/internal/domain"
)

// fakeInfra records provider calls and can be told to fail.
type fakeInfra struct {
	mu    sync.Mutex
	calls []string

	bucketErr    error
	databaseErr  error
	deployErr    error
	unreachable  bool
	verifyErr    error
	storedConfig map[string]any
}

func (f *fakeInfra) record(name string) {
	f.mu.Lock()
	f.calls = append(f.calls, name)
	f.mu.Unlock()
}

func (f *fakeInfra) CreateBucket(_ context.Context, tenantID, name string) (domain.BucketInfo, error) {
	f.record("create_bucket")
	if f.bucketErr != nil {
		return domain.BucketInfo{}, f.bucketErr
	}
	return domain.BucketInfo{Name: name, BindingName: "TENANT_BUCKET"}, nil
}

func (f *fakeInfra) CreateDatabase(_ context.Context, tenantID, name string) (domain.DatabaseInfo, error) {
	f.record("create_database")
	if f.databaseErr != nil {
		return domain.DatabaseInfo{}, f.databaseErr
	}
	return domain.DatabaseInfo{Name: name, DatabaseID: "db-" + tenantID}, nil
}

func (f *fakeInfra) UpdateWorkerBindings(_ context.Context, _ string, _ map[string]any) error {
	f.record("update_bindings")
	return nil
}

func (f *fakeInfra) DeployWorker(_ context.Context) (domain.DeploymentInfo, error) {
	f.record("deploy_worker")
	if f.deployErr != nil {
		return domain.DeploymentInfo{}, f.deployErr
	}
	return domain.DeploymentInfo{Version: "test"}, nil
}

func (f *fakeInfra) ConfigureDomain(_ context.Context, tenantID, name string) (domain.DomainInfo, error) {
	f.record("configure_domain")
	return domain.DomainInfo{Domain: name, Status: "active"}, nil
}

func (f *fakeInfra) StoreTenantConfig(_ context.Context, _ string, config map[string]any) error {
	f.record("store_config")
	f.mu.Lock()
	f.storedConfig = config
	f.mu.Unlock()
	return nil
}

func (f *fakeInfra) VerifyConnectivity(_ context.Context, _ string) (bool, error) {
	f.record("verify_connectivity")
	if f.verifyErr != nil {
		return false, f.verifyErr
	}
	return !f.unreachable, nil
}

func (f *fakeInfra) Cleanup(_ context.Context, _ string) error {
	f.record("cleanup")
	return nil
}

// testEnv wires an engine against in-memory persistence.
type testEnv struct {
	engine *app.Engine
	broker *app.Broker
	store  *sqlite.Store
}

func newTestEnv(t *testing.T, infra domain.InfraProvider) *testEnv {
	t.Helper()

	store, err := sqlite.New(":memory:")
	if err != nil {
		t.Fatalf("creating store: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	objects, err := local.NewStore(t.TempDir())
	if err != nil {
		t.Fatalf("creating object store: %v", err)
	}

	broker := app.NewBroker()
	engine := app.NewEngine(app.EngineConfig{
		Registry:  domain.DefaultRegistry(),
		Jobs:      store.Jobs(),
		Tenants:   store.Tenants(),
		Store:     objects,
		Infra:     infra,
		Roles:     store.Roles(),
		JobFSM:    fsm.New(domain.JobTransitions),
		TenantFSM: fsm.New(domain.TenantTransitions),
		Broker:    broker,
	})

	return &testEnv{engine: engine, broker: broker, store: store}
}

func (env *testEnv) createJob(t *testing.T, id, tenantID, tier string) {
	t.Helper()
	reg := domain.DefaultRegistry()
	job := domain.NewJob(id, tenantID, "Test Tenant", tier, len(reg.Steps()))
	if err := env.store.Jobs().Create(context.Background(), job); err != nil {
		t.Fatalf("creating job: %v", err)
	}
}

func drain(ch <-chan domain.ProvisioningEvent) []domain.ProvisioningEvent {
	var events []domain.ProvisioningEvent
	for ev := range ch {
		events = append(events, ev)
	}
	return events
}

func TestRun_StarterSkipsDedicatedSteps(t *testing.T) {
	infra := &fakeInfra{}
	env := newTestEnv(t, infra)
	ctx := context.Background()

	env.createJob(t, "j-1", "t-1", domain.TierStarter)

	events, cancel := env.broker.Subscribe("j-1")
	defer cancel()

	if err := env.engine.Run(ctx, "j-1", nil); err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	job, err := env.store.Jobs().Get(ctx, "j-1")
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}

	if job.Status != domain.JobCompleted {
		t.Fatalf("Status = %q (error %q), want completed", job.Status, job.Error)
	}
	wantSkipped := []string{
		domain.StepProvisionDatabase,
		domain.StepUpdateBindings,
		domain.StepDeployWorker,
		domain.StepConfigureDomain,
	}
	if !reflect.DeepEqual(job.StepsSkipped, wantSkipped) {
		t.Errorf("StepsSkipped = %v, want %v", job.StepsSkipped, wantSkipped)
	}
	if len(job.StepsCompleted)+len(job.StepsSkipped) != job.TotalSteps {
		t.Errorf("completed %d + skipped %d != total %d",
			len(job.StepsCompleted), len(job.StepsSkipped), job.TotalSteps)
	}
	if job.CompletedAt == nil {
		t.Error("CompletedAt not set")
	}

	// No dedicated infrastructure work for starter.
	for _, call := range infra.calls {
		if call == "create_bucket" || call == "create_database" || call == "deploy_worker" || call == "configure_domain" {
			t.Errorf("unexpected infra call %q for starter", call)
		}
	}

	// The run emits skip events with a reason, in step order.
	var skippedIDs []string
	for _, ev := range drain(events) {
		if ev.Type == domain.EventStepSkipped {
			skippedIDs = append(skippedIDs, ev.StepID)
			if ev.Reason == "" {
				t.Errorf("step_skipped %s without reason", ev.StepID)
			}
		}
	}
	if !reflect.DeepEqual(skippedIDs, wantSkipped) {
		t.Errorf("skipped events = %v, want %v", skippedIDs, wantSkipped)
	}

	// The tenant ends up active with tier limits and default roles.
	tenant, err := env.store.Tenants().Get(ctx, "t-1")
	if err != nil {
		t.Fatalf("tenant not created: %v", err)
	}
	if tenant.Status != domain.TenantActive {
		t.Errorf("tenant status = %q, want active", tenant.Status)
	}
	if tenant.Settings["auth_mode"] != "builtin" {
		t.Errorf("auth_mode = %v, want builtin", tenant.Settings["auth_mode"])
	}

	roles, err := env.store.Roles().RolesForTenant(ctx, "t-1")
	if err != nil || len(roles) != 3 {
		t.Errorf("roles = %v, %v, want 3 roles", roles, err)
	}
}

func TestRun_EnterpriseExecutesAllSteps(t *testing.T) {
	infra := &fakeInfra{}
	env := newTestEnv(t, infra)
	ctx := context.Background()

	env.createJob(t, "j-1", "t-1", domain.TierEnterprise)

	if err := env.engine.Run(ctx, "j-1", map[string]any{"custom_domain": "acme.example.com"}); err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	job, _ := env.store.Jobs().Get(ctx, "j-1")
	if job.Status != domain.JobCompleted {
		t.Fatalf("Status = %q (error %q), want completed", job.Status, job.Error)
	}
	if len(job.StepsSkipped) != 0 {
		t.Errorf("StepsSkipped = %v, want none", job.StepsSkipped)
	}
	if len(job.StepsCompleted) != job.TotalSteps {
		t.Errorf("StepsCompleted = %d, want %d", len(job.StepsCompleted), job.TotalSteps)
	}

	for _, want := range []string{"create_bucket", "create_database", "update_bindings", "deploy_worker", "configure_domain", "store_config", "verify_connectivity"} {
		found := false
		for _, call := range infra.calls {
			if call == want {
				found = true
			}
		}
		if !found {
			t.Errorf("infra call %q missing, calls = %v", want, infra.calls)
		}
	}

	// The routing config carries the accumulated resource handles.
	if infra.storedConfig["bucket"] == nil || infra.storedConfig["database"] == nil {
		t.Errorf("stored config missing resources: %v", infra.storedConfig)
	}

	tenant, _ := env.store.Tenants().Get(ctx, "t-1")
	if tenant.Metadata["custom_domain"] != "acme.example.com" {
		t.Errorf("custom_domain = %v", tenant.Metadata["custom_domain"])
	}
}

func TestRun_StepFailureFailsJob(t *testing.T) {
	infra := &fakeInfra{unreachable: true}
	env := newTestEnv(t, infra)
	ctx := context.Background()

	env.createJob(t, "j-1", "t-1", domain.TierStarter)

	events, cancel := env.broker.Subscribe("j-1")
	defer cancel()

	if err := env.engine.Run(ctx, "j-1", nil); err != nil {
		t.Fatalf("Run returned %v; step failures must become job state", err)
	}

	job, _ := env.store.Jobs().Get(ctx, "j-1")
	if job.Status != domain.JobFailed {
		t.Fatalf("Status = %q, want failed", job.Status)
	}
	if job.Error == "" {
		t.Error("Error must be set on a failed job")
	}
	if job.CurrentStepName != "Verify Connectivity" {
		t.Errorf("CurrentStepName = %q, want the failing step", job.CurrentStepName)
	}
	if job.CompletedAt == nil {
		t.Error("CompletedAt not set on failure")
	}
	if len(job.StepsCompleted)+len(job.StepsSkipped) >= job.TotalSteps {
		t.Error("failed mid-run, later steps must not be accounted")
	}

	all := drain(events)
	last := all[len(all)-1]
	if last.Type != domain.EventFailed || last.Error == "" {
		t.Errorf("last event = %+v, want failed with error", last)
	}

	// The finalize step never ran; the tenant stays in provisioning.
	tenant, err := env.store.Tenants().Get(ctx, "t-1")
	if err != nil {
		t.Fatalf("tenant record should survive the failure: %v", err)
	}
	if tenant.Status != domain.TenantProvisioning {
		t.Errorf("tenant status = %q, want provisioning", tenant.Status)
	}
}

func TestRun_InfraErrorFailsJob(t *testing.T) {
	infra := &fakeInfra{databaseErr: errors.New("quota exceeded")}
	env := newTestEnv(t, infra)
	ctx := context.Background()

	env.createJob(t, "j-1", "t-1", domain.TierPro)

	if err := env.engine.Run(ctx, "j-1", nil); err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	job, _ := env.store.Jobs().Get(ctx, "j-1")
	if job.Status != domain.JobFailed {
		t.Fatalf("Status = %q, want failed", job.Status)
	}
	if job.CurrentStepName != "Provision Database" {
		t.Errorf("CurrentStepName = %q", job.CurrentStepName)
	}
}

func TestRun_UnknownJobEmitsFailedEvent(t *testing.T) {
	env := newTestEnv(t, &fakeInfra{})

	events, cancel := env.broker.Subscribe("missing")
	defer cancel()

	if err := env.engine.Run(context.Background(), "missing", nil); err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	all := drain(events)
	if len(all) != 1 || all[0].Type != domain.EventFailed || all[0].Error != "Job not found" {
		t.Errorf("events = %+v, want single failed{Job not found}", all)
	}
}

func TestRun_TerminalJobIsNotReExecuted(t *testing.T) {
	infra := &fakeInfra{}
	env := newTestEnv(t, infra)
	ctx := context.Background()

	env.createJob(t, "j-1", "t-1", domain.TierStarter)
	if err := env.engine.Run(ctx, "j-1", nil); err != nil {
		t.Fatalf("first Run failed: %v", err)
	}
	callsAfterFirst := len(infra.calls)

	events, cancel := env.broker.Subscribe("j-1")
	defer cancel()

	if err := env.engine.Run(ctx, "j-1", nil); err != nil {
		t.Fatalf("second Run failed: %v", err)
	}

	if len(infra.calls) != callsAfterFirst {
		t.Error("second Run must not execute steps again")
	}

	all := drain(events)
	if len(all) != 1 || all[0].Type != domain.EventCompleted {
		t.Errorf("events = %+v, want single completed", all)
	}
}

func TestRun_StepTimeout(t *testing.T) {
	infra := &slowInfra{delay: 200 * time.Millisecond}

	store, err := sqlite.New(":memory:")
	if err != nil {
		t.Fatalf("creating store: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	objects, err := local.NewStore(t.TempDir())
	if err != nil {
		t.Fatalf("creating object store: %v", err)
	}

	engine := app.NewEngine(app.EngineConfig{
		Registry:    domain.DefaultRegistry(),
		Jobs:        store.Jobs(),
		Tenants:     store.Tenants(),
		Store:       objects,
		Infra:       infra,
		Roles:       store.Roles(),
		JobFSM:      fsm.New(domain.JobTransitions),
		TenantFSM:   fsm.New(domain.TenantTransitions),
		Broker:      app.NewBroker(),
		StepTimeout: 20 * time.Millisecond,
	})

	ctx := context.Background()
	reg := domain.DefaultRegistry()
	job := domain.NewJob("j-1", "t-1", "Slow", domain.TierPro, len(reg.Steps()))
	if err := store.Jobs().Create(ctx, job); err != nil {
		t.Fatalf("creating job: %v", err)
	}

	if err := engine.Run(ctx, "j-1", nil); err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	got, _ := store.Jobs().Get(ctx, "j-1")
	if got.Status != domain.JobFailed {
		t.Fatalf("Status = %q, want failed after step timeout", got.Status)
	}
}

// slowInfra stalls on bucket creation until the step context expires.
type slowInfra struct {
	fakeInfra
	delay time.Duration
}

func (s *slowInfra) CreateBucket(ctx context.Context, _, _ string) (domain.BucketInfo, error) {
	select {
	case <-ctx.Done():
		return domain.BucketInfo{}, ctx.Err()
	case <-time.After(s.delay):
		return domain.BucketInfo{}, nil
	}
}
