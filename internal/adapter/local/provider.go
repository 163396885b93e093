package local

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/agenthost/tenantd/internal/domain"
)

// Compile-time check: Provider implements domain.InfraProvider.
var _ domain.InfraProvider = (*Provider)(nil)

// Provider simulates infrastructure under a local directory. Buckets and
// databases become subdirectories, deployments and domains are recorded
// as JSON files. Each call sleeps briefly so runs behave like real
// provisioning without needing cloud credentials.
type Provider struct {
	root  string
	delay time.Duration
	log   *slog.Logger
}

// NewProvider creates a simulated provider rooted at dir.
func NewProvider(dir string, logger *slog.Logger) (*Provider, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("creating provider root: %w", err)
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Provider{root: dir, delay: 50 * time.Millisecond, log: logger}, nil
}

// pause simulates provisioning latency, honoring cancellation.
func (p *Provider) pause(ctx context.Context) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(p.delay):
		return nil
	}
}

func (p *Provider) tenantDir(tenantID string) string {
	return filepath.Join(p.root, tenantID)
}

// CreateBucket creates a simulated storage bucket for the tenant.
func (p *Provider) CreateBucket(ctx context.Context, tenantID, name string) (domain.BucketInfo, error) {
	if err := p.pause(ctx); err != nil {
		return domain.BucketInfo{}, err
	}
	dir := filepath.Join(p.tenantDir(tenantID), "buckets", name)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return domain.BucketInfo{}, fmt.Errorf("creating bucket %q: %w", name, err)
	}
	p.log.InfoContext(ctx, "created bucket", "tenant_id", tenantID, "bucket", name)
	return domain.BucketInfo{
		Name:        name,
		BindingName: "TENANT_BUCKET",
		Endpoint:    "file://" + dir,
		Region:      "local",
	}, nil
}

// CreateDatabase creates a simulated database instance for the tenant.
func (p *Provider) CreateDatabase(ctx context.Context, tenantID, name string) (domain.DatabaseInfo, error) {
	if err := p.pause(ctx); err != nil {
		return domain.DatabaseInfo{}, err
	}
	dir := filepath.Join(p.tenantDir(tenantID), "databases", name)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return domain.DatabaseInfo{}, fmt.Errorf("creating database %q: %w", name, err)
	}
	p.log.InfoContext(ctx, "created database", "tenant_id", tenantID, "database", name)
	return domain.DatabaseInfo{
		Name:        name,
		BindingName: "TENANT_DB",
		DatabaseID:  "local-" + name,
	}, nil
}

// UpdateWorkerBindings records the binding set the tenant's worker
// would receive.
func (p *Provider) UpdateWorkerBindings(ctx context.Context, tenantID string, resources map[string]any) error {
	if err := p.pause(ctx); err != nil {
		return err
	}
	if err := p.writeJSON(tenantID, "bindings.json", resources); err != nil {
		return err
	}
	p.log.InfoContext(ctx, "updated worker bindings", "tenant_id", tenantID, "bindings", len(resources))
	return nil
}

// DeployWorker simulates a worker deployment.
func (p *Provider) DeployWorker(ctx context.Context) (domain.DeploymentInfo, error) {
	if err := p.pause(ctx); err != nil {
		return domain.DeploymentInfo{}, err
	}
	info := domain.DeploymentInfo{
		Version:    "local-dev",
		DeployedAt: time.Now().UTC(),
	}
	p.log.InfoContext(ctx, "deployed worker", "version", info.Version)
	return info, nil
}

// ConfigureDomain records a simulated domain configuration.
func (p *Provider) ConfigureDomain(ctx context.Context, tenantID, domainName string) (domain.DomainInfo, error) {
	if err := p.pause(ctx); err != nil {
		return domain.DomainInfo{}, err
	}
	info := domain.DomainInfo{
		Domain:        domainName,
		DNSRecordID:   "local-dns-" + tenantID,
		CertificateID: "local-cert-" + tenantID,
		Status:        "active",
	}
	if err := p.writeJSON(tenantID, "domain.json", info); err != nil {
		return domain.DomainInfo{}, err
	}
	p.log.InfoContext(ctx, "configured domain", "tenant_id", tenantID, "domain", domainName)
	return info, nil
}

// StoreTenantConfig writes the tenant's runtime config document.
func (p *Provider) StoreTenantConfig(ctx context.Context, tenantID string, config map[string]any) error {
	if err := p.pause(ctx); err != nil {
		return err
	}
	return p.writeJSON(tenantID, "config.json", config)
}

// VerifyConnectivity checks the tenant's directory is reachable.
func (p *Provider) VerifyConnectivity(ctx context.Context, tenantID string) (bool, error) {
	if err := p.pause(ctx); err != nil {
		return false, err
	}
	if _, err := os.Stat(p.tenantDir(tenantID)); err != nil {
		// A tenant with no dedicated resources has no directory yet;
		// that still counts as reachable.
		if os.IsNotExist(err) {
			return true, nil
		}
		return false, err
	}
	return true, nil
}

// Cleanup removes everything created for the tenant.
func (p *Provider) Cleanup(ctx context.Context, tenantID string) error {
	if err := p.pause(ctx); err != nil {
		return err
	}
	if err := os.RemoveAll(p.tenantDir(tenantID)); err != nil {
		return fmt.Errorf("removing tenant infrastructure: %w", err)
	}
	p.log.InfoContext(ctx, "cleaned up tenant infrastructure", "tenant_id", tenantID)
	return nil
}

func (p *Provider) writeJSON(tenantID, name string, v any) error {
	dir := p.tenantDir(tenantID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("creating tenant directory: %w", err)
	}
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("encoding %s: %w", name, err)
	}
	if err := os.WriteFile(filepath.Join(dir, name), data, 0o644); err != nil {
		return fmt.Errorf("writing %s: %w", name, err)
	}
	return nil
}
