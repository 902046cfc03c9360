// ABOUTME: Catalog and ACL loaders reading the gateway configuration tables
// ABOUTME: Missing tables yield built-in defaults so a fresh database still serves

package store

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/2389/procure-gateway/internal/acl"
	"github.com/2389/procure-gateway/internal/catalog"
)

var (
	_ catalog.Source = (*Store)(nil)
	_ acl.Source     = (*Store)(nil)
)

// LoadCatalog reads active rows from gateway_service_catalog. When the table
// has not been provisioned yet the built-in defaults are returned instead,
// matching first-boot behavior on an empty database. Query failures are
// returned to the caller, which keeps its current entries.
func (s *Store) LoadCatalog(ctx context.Context) ([]catalog.Method, error) {
	exists, err := s.tableExists(ctx, "gateway_service_catalog")
	if err != nil {
		return nil, err
	}
	if !exists {
		s.logger.Info("service catalog table not found, using default configuration")
		return catalog.Defaults(), nil
	}

	hasMetadata, err := s.columnExists(ctx, "gateway_service_catalog", "function_metadata")
	if err != nil {
		return nil, err
	}

	query := `SELECT service_name, service_type, function_key, sql_function_name
		FROM gateway_service_catalog WHERE is_active = true`
	if hasMetadata {
		query = `SELECT service_name, service_type, function_key, sql_function_name, function_metadata
			FROM gateway_service_catalog WHERE is_active = true`
	}

	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("querying service catalog: %w", err)
	}
	defer rows.Close()

	var methods []catalog.Method
	for rows.Next() {
		var (
			service, kind, function, target string
			rawMeta                         []byte
		)
		if hasMetadata {
			err = rows.Scan(&service, &kind, &function, &target, &rawMeta)
		} else {
			err = rows.Scan(&service, &kind, &function, &target)
		}
		if err != nil {
			return nil, fmt.Errorf("scanning catalog row: %w", err)
		}

		m := catalog.Method{
			Service:   service,
			Function:  function,
			Kind:      catalog.Kind(kind),
			TargetRef: target,
			Metadata:  parseMetadata(service+"."+function, rawMeta, s.logger),
		}
		methods = append(methods, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("reading catalog rows: %w", err)
	}

	return methods, nil
}

// LoadACL reads active grants from gateway_acl_config. A missing table yields
// the built-in defaults; query failures are returned to the caller.
func (s *Store) LoadACL(ctx context.Context) (map[string][]string, error) {
	exists, err := s.tableExists(ctx, "gateway_acl_config")
	if err != nil {
		return nil, err
	}
	if !exists {
		s.logger.Info("ACL config table not found, using default configuration")
		return acl.Defaults(), nil
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT agent_id, allowed_method FROM gateway_acl_config WHERE is_active = true`)
	if err != nil {
		return nil, fmt.Errorf("querying ACL config: %w", err)
	}
	defer rows.Close()

	grants := make(map[string][]string)
	for rows.Next() {
		var caller, method string
		if err := rows.Scan(&caller, &method); err != nil {
			return nil, fmt.Errorf("scanning ACL row: %w", err)
		}
		grants[caller] = append(grants[caller], method)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("reading ACL rows: %w", err)
	}

	return grants, nil
}

// parseMetadata decodes a function_metadata column value. Rows written by
// older tooling store the object JSON-encoded inside a string, so both
// encodings are accepted. Unparseable metadata is dropped with a warning
// rather than failing the whole load.
func parseMetadata(name string, raw []byte, logger *slog.Logger) map[string]any {
	if len(raw) == 0 {
		return map[string]any{}
	}

	var meta map[string]any
	if err := json.Unmarshal(raw, &meta); err == nil {
		return meta
	}

	var encoded string
	if err := json.Unmarshal(raw, &encoded); err == nil {
		if err := json.Unmarshal([]byte(encoded), &meta); err == nil {
			return meta
		}
	}

	logger.Warn("invalid metadata JSON, ignoring", "method", name)
	return map[string]any{}
}

func (s *Store) tableExists(ctx context.Context, table string) (bool, error) {
	const q = `SELECT EXISTS (
		SELECT FROM information_schema.tables WHERE table_name = $1
	)`
	var exists bool
	if err := s.db.QueryRowContext(ctx, q, table).Scan(&exists); err != nil {
		return false, fmt.Errorf("checking table %s: %w", table, err)
	}
	return exists, nil
}

func (s *Store) columnExists(ctx context.Context, table, column string) (bool, error) {
	const q = `SELECT EXISTS (
		SELECT FROM information_schema.columns WHERE table_name = $1 AND column_name = $2
	)`
	var exists bool
	if err := s.db.QueryRowContext(ctx, q, table, column).Scan(&exists); err != nil {
		return false, fmt.Errorf("checking column %s.%s: %w", table, column, err)
	}
	return exists, nil
}
