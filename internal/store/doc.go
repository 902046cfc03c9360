// Package store provides the PostgreSQL persistence layer for the gateway.
//
// # Architecture
//
// A single Store wraps a database/sql pool opened with lib/pq. It serves
// three concerns:
//
//   - CallProcedure: executes catalog-registered SQL functions with a
//     single jsonb parameter and returns their JSON result
//   - LoadCatalog / LoadACL: read the gateway configuration tables into
//     the in-memory catalog and allow-list
//   - EnsureSchema / SeedCatalog / SeedACL: provision and populate the
//     configuration tables on deploys
//
// The store satisfies catalog.Source and acl.Source, so the gateway can
// reload configuration without this package importing any of the serving
// layers.
//
// # Configuration Tables
//
//   - gateway_service_catalog: service_name, service_type, function_key,
//     sql_function_name, function_metadata (jsonb), is_active
//   - gateway_agent_acl: agent_id, allowed_method, is_active
//
// Loaders tolerate a missing table by returning the built-in defaults, so
// a fresh database serves traffic before any provisioning has run. The
// function_metadata column is probed before use for older deployments
// that predate it.
//
// # Degraded Mode
//
// The gateway runs without a store when no database URL is configured.
// Nothing in this package participates then; procedure dispatch answers
// SERVICE_UNAVAILABLE upstream.
//
// # Timeouts
//
// Config carries pool limits and per-operation deadlines: AcquireTimeout
// bounds the startup ping, CallTimeout bounds each procedure call, and
// CloseTimeout bounds shutdown. All methods accept context.Context for
// cancellation support.
package store
