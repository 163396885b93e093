package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/agenthost/tenantd/internal/domain"
)

// Compile-time check: TenantRepository implements domain.TenantRepository.
var _ domain.TenantRepository = (*TenantRepository)(nil)

// TenantRepository implements domain.TenantRepository using SQLite.
// Settings, limits and metadata are stored as JSON text columns.
type TenantRepository struct {
	db *sql.DB
}

func (r *TenantRepository) Create(ctx context.Context, t domain.TenantConfig) error {
	settings, limits, metadata, err := marshalMaps(t)
	if err != nil {
		return err
	}

	_, err = r.db.ExecContext(ctx,
		`INSERT INTO tenants (tenant_id, name, status, tier, settings, limits, metadata, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		t.TenantID, t.Name, string(t.Status), t.Tier,
		settings, limits, metadata,
		t.CreatedAt.Format(timeFormat),
		t.UpdatedAt.Format(timeFormat),
	)
	if err != nil {
		if isUniqueViolation(err) {
			return &domain.TenantConflictError{TenantID: t.TenantID}
		}
		return fmt.Errorf("inserting tenant: %w", err)
	}
	return nil
}

func (r *TenantRepository) Get(ctx context.Context, id string) (domain.TenantConfig, error) {
	return r.scanTenant(r.db.QueryRowContext(ctx,
		`SELECT tenant_id, name, status, tier, settings, limits, metadata, created_at, updated_at
		 FROM tenants WHERE tenant_id = ?`, id,
	))
}

func (r *TenantRepository) List(ctx context.Context, filter domain.TenantFilter) ([]domain.TenantConfig, error) {
	query := `SELECT tenant_id, name, status, tier, settings, limits, metadata, created_at, updated_at FROM tenants`
	var args []any

	if filter.Status != nil {
		query += ` WHERE status = ?`
		args = append(args, string(*filter.Status))
	}

	query += ` ORDER BY created_at DESC`

	if filter.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, filter.Limit)
	}

	if filter.Offset > 0 {
		query += ` OFFSET ?`
		args = append(args, filter.Offset)
	}

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("listing tenants: %w", err)
	}
	defer rows.Close()

	var tenants []domain.TenantConfig
	for rows.Next() {
		t, err := r.scanTenantFromRows(rows)
		if err != nil {
			return nil, err
		}
		tenants = append(tenants, t)
	}

	return tenants, rows.Err()
}

func (r *TenantRepository) Update(ctx context.Context, t domain.TenantConfig) error {
	settings, limits, metadata, err := marshalMaps(t)
	if err != nil {
		return err
	}

	result, err := r.db.ExecContext(ctx,
		`UPDATE tenants SET name = ?, status = ?, tier = ?, settings = ?, limits = ?, metadata = ?, updated_at = ?
		 WHERE tenant_id = ?`,
		t.Name, string(t.Status), t.Tier, settings, limits, metadata,
		time.Now().UTC().Format(timeFormat), t.TenantID,
	)
	if err != nil {
		return fmt.Errorf("updating tenant: %w", err)
	}

	return requireRow(result, domain.ErrTenantNotFound)
}

func (r *TenantRepository) UpdateStatus(ctx context.Context, id string, status domain.TenantStatus) error {
	result, err := r.db.ExecContext(ctx,
		`UPDATE tenants SET status = ?, updated_at = ? WHERE tenant_id = ?`,
		string(status), time.Now().UTC().Format(timeFormat), id,
	)
	if err != nil {
		return fmt.Errorf("updating tenant status: %w", err)
	}

	return requireRow(result, domain.ErrTenantNotFound)
}

func (r *TenantRepository) Exists(ctx context.Context, id string) (bool, error) {
	var one int
	err := r.db.QueryRowContext(ctx,
		`SELECT 1 FROM tenants WHERE tenant_id = ?`, id,
	).Scan(&one)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("checking tenant existence: %w", err)
	}
	return true, nil
}

// scanTenant scans a single row from QueryRow into a domain.TenantConfig.
func (r *TenantRepository) scanTenant(row *sql.Row) (domain.TenantConfig, error) {
	var t domain.TenantConfig
	var status, settings, limits, metadata, createdAt, updatedAt string

	err := row.Scan(&t.TenantID, &t.Name, &status, &t.Tier, &settings, &limits, &metadata, &createdAt, &updatedAt)
	if err != nil {
		if err == sql.ErrNoRows {
			return domain.TenantConfig{}, domain.ErrTenantNotFound
		}
		return domain.TenantConfig{}, fmt.Errorf("scanning tenant: %w", err)
	}

	return hydrateTenant(t, status, settings, limits, metadata, createdAt, updatedAt)
}

// scanTenantFromRows scans a single row from Rows (used in List).
func (r *TenantRepository) scanTenantFromRows(rows *sql.Rows) (domain.TenantConfig, error) {
	var t domain.TenantConfig
	var status, settings, limits, metadata, createdAt, updatedAt string

	err := rows.Scan(&t.TenantID, &t.Name, &status, &t.Tier, &settings, &limits, &metadata, &createdAt, &updatedAt)
	if err != nil {
		return domain.TenantConfig{}, fmt.Errorf("scanning tenant row: %w", err)
	}

	return hydrateTenant(t, status, settings, limits, metadata, createdAt, updatedAt)
}

func hydrateTenant(t domain.TenantConfig, status, settings, limits, metadata, createdAt, updatedAt string) (domain.TenantConfig, error) {
	t.Status = domain.TenantStatus(status)
	t.CreatedAt, _ = time.Parse(timeFormat, createdAt)
	t.UpdatedAt, _ = time.Parse(timeFormat, updatedAt)

	for _, col := range []struct {
		raw  string
		dst  *map[string]any
		name string
	}{
		{settings, &t.Settings, "settings"},
		{limits, &t.Limits, "limits"},
		{metadata, &t.Metadata, "metadata"},
	} {
		*col.dst = map[string]any{}
		if col.raw == "" {
			continue
		}
		if err := json.Unmarshal([]byte(col.raw), col.dst); err != nil {
			return domain.TenantConfig{}, fmt.Errorf("decoding tenant %s: %w", col.name, err)
		}
	}

	return t, nil
}

func marshalMaps(t domain.TenantConfig) (settings, limits, metadata string, err error) {
	s, err := json.Marshal(t.Settings)
	if err != nil {
		return "", "", "", fmt.Errorf("encoding tenant settings: %w", err)
	}
	l, err := json.Marshal(t.Limits)
	if err != nil {
		return "", "", "", fmt.Errorf("encoding tenant limits: %w", err)
	}
	m, err := json.Marshal(t.Metadata)
	if err != nil {
		return "", "", "", fmt.Errorf("encoding tenant metadata: %w", err)
	}
	return string(s), string(l), string(m), nil
}

// requireRow converts a zero-row UPDATE into the given not-found error.
func requireRow(result sql.Result, notFound error) error {
	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("checking rows affected: %w", err)
	}
	if rows == 0 {
		return notFound
	}
	return nil
}

// isUniqueViolation checks if a SQLite error is a UNIQUE constraint violation.
func isUniqueViolation(err error) bool {
	return strings.Contains(err.Error(), "UNIQUE constraint failed")
}
