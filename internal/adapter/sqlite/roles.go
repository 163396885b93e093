package sqlite

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/agenthost/tenantd/internal/domain"
)

// Compile-time check: RoleCreator implements domain.RoleCreator.
var _ domain.RoleCreator = (*RoleCreator)(nil)

// defaultRoles is the fixed set every tenant starts with.
var defaultRoles = []struct {
	name        string
	description string
}{
	{"admin", "Full access to all resources"},
	{"user", "Standard user access"},
	{"service", "Service account access"},
}

// RoleCreator implements domain.RoleCreator against the roles table.
type RoleCreator struct {
	db *sql.DB
}

// CreateDefaultRoles inserts the default role set for a tenant. The
// insert is idempotent: re-running a provisioning step must not fail on
// roles that already exist.
func (r *RoleCreator) CreateDefaultRoles(ctx context.Context, tenantID string) error {
	for _, role := range defaultRoles {
		roleID := fmt.Sprintf("role-%s-%s", tenantID, role.name)
		_, err := r.db.ExecContext(ctx,
			`INSERT OR IGNORE INTO roles (id, tenant_id, name, description)
			 VALUES (?, ?, ?, ?)`,
			roleID, tenantID, role.name, role.description,
		)
		if err != nil {
			return fmt.Errorf("creating role %q: %w", role.name, err)
		}
	}
	return nil
}

// RolesForTenant returns the role names created for a tenant, in name
// order. Used by tests and status tooling.
func (r *RoleCreator) RolesForTenant(ctx context.Context, tenantID string) ([]string, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT name FROM roles WHERE tenant_id = ? ORDER BY name`, tenantID,
	)
	if err != nil {
		return nil, fmt.Errorf("listing roles: %w", err)
	}
	defer rows.Close()

	var names []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, fmt.Errorf("scanning role: %w", err)
		}
		names = append(names, name)
	}
	return names, rows.Err()
}
