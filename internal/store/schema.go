// ABOUTME: Schema provisioning and seeding for the gateway configuration tables
// ABOUTME: Seeds are idempotent upserts so deploys can re-run them safely

package store

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/2389/procure-gateway/internal/catalog"
)

const schemaDDL = `
CREATE TABLE IF NOT EXISTS gateway_service_catalog (
	id SERIAL PRIMARY KEY,
	service_name TEXT NOT NULL,
	service_type TEXT NOT NULL,
	function_key TEXT NOT NULL,
	sql_function_name TEXT NOT NULL,
	function_metadata JSONB,
	is_active BOOLEAN NOT NULL DEFAULT true,
	created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
	UNIQUE (service_name, function_key)
);

CREATE TABLE IF NOT EXISTS gateway_acl_config (
	id SERIAL PRIMARY KEY,
	agent_id TEXT NOT NULL,
	allowed_method TEXT NOT NULL,
	is_active BOOLEAN NOT NULL DEFAULT true,
	created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
	UNIQUE (agent_id, allowed_method)
);
`

// EnsureSchema creates the configuration tables when they do not exist yet.
func (s *Store) EnsureSchema(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, schemaDDL); err != nil {
		return fmt.Errorf("creating schema: %w", err)
	}
	s.logger.Info("gateway schema ensured")
	return nil
}

// SeedCatalog upserts methods into gateway_service_catalog. Existing rows
// keyed by (service_name, function_key) are updated and reactivated, so
// re-running a deploy converges instead of duplicating.
func (s *Store) SeedCatalog(ctx context.Context, methods []catalog.Method) error {
	const upsert = `
		INSERT INTO gateway_service_catalog
			(service_name, service_type, function_key, sql_function_name, function_metadata)
		VALUES ($1, $2, $3, $4, $5::jsonb)
		ON CONFLICT (service_name, function_key) DO UPDATE SET
			service_type = EXCLUDED.service_type,
			sql_function_name = EXCLUDED.sql_function_name,
			function_metadata = EXCLUDED.function_metadata,
			is_active = true`

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning catalog seed: %w", err)
	}
	defer tx.Rollback()

	for _, m := range methods {
		if err := catalog.Validate(m); err != nil {
			return fmt.Errorf("seeding catalog: %w", err)
		}
		meta, err := json.Marshal(m.Metadata)
		if err != nil {
			return fmt.Errorf("encoding metadata for %s: %w", m.Name(), err)
		}
		if _, err := tx.ExecContext(ctx, upsert,
			m.Service, string(m.Kind), m.Function, m.TargetRef, string(meta)); err != nil {
			return fmt.Errorf("seeding %s: %w", m.Name(), err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing catalog seed: %w", err)
	}
	s.logger.Info("catalog seeded", "methods", len(methods))
	return nil
}

// SeedACL upserts grants into gateway_acl_config, reactivating any that were
// previously revoked.
func (s *Store) SeedACL(ctx context.Context, grants map[string][]string) error {
	const upsert = `
		INSERT INTO gateway_acl_config (agent_id, allowed_method)
		VALUES ($1, $2)
		ON CONFLICT (agent_id, allowed_method) DO UPDATE SET
			is_active = true`

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning ACL seed: %w", err)
	}
	defer tx.Rollback()

	total := 0
	for caller, methods := range grants {
		for _, method := range methods {
			if _, err := tx.ExecContext(ctx, upsert, caller, method); err != nil {
				return fmt.Errorf("seeding grant %s -> %s: %w", caller, method, err)
			}
			total++
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing ACL seed: %w", err)
	}
	s.logger.Info("ACL seeded", "grants", total)
	return nil
}

// DeactivateMethod soft-deletes a catalog entry. The row stays for audit but
// no longer loads.
func (s *Store) DeactivateMethod(ctx context.Context, service, function string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE gateway_service_catalog SET is_active = false
		 WHERE service_name = $1 AND function_key = $2`, service, function)
	if err != nil {
		return fmt.Errorf("deactivating %s.%s: %w", service, function, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("method %s.%s not found", service, function)
	}
	return nil
}

// RevokeGrant soft-deletes an ACL grant.
func (s *Store) RevokeGrant(ctx context.Context, caller, method string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE gateway_acl_config SET is_active = false
		 WHERE agent_id = $1 AND allowed_method = $2`, caller, method)
	if err != nil {
		return fmt.Errorf("revoking %s from %s: %w", method, caller, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("grant %s -> %s not found", caller, method)
	}
	return nil
}
