// Package gateway assembles and runs the procure-gateway server.
//
// # Overview
//
// The gateway package is the composition root. New wires the catalog, ACL,
// rate limiter, tool registry, dispatcher, orchestrator template, journal,
// and metrics into one Gateway, and Run serves the HTTP surface until the
// context is canceled.
//
// # HTTP API
//
// Handlers live in handlers.go:
//
//   - POST /rpc - JSON-RPC 2.0 dispatch (X-Agent-ID header identifies the caller)
//   - GET /health - Liveness plus database status, always HTTP 200
//   - GET /metrics - Per-caller usage snapshot as JSON
//   - GET /discover/{agent} - ACL-filtered, catalog-enriched tool list
//   - POST /achieve-goal - Run the goal loop for the calling agent
//   - POST /reload-config - Re-pull catalog and ACL rows (admin)
//   - GET /debug/config - Dump active routing config (admin)
//   - GET /goals, GET /goals/{id} - Inspect recorded goal runs (admin)
//
// Prometheus exposition is served on its own configured path.
//
// # Degraded Mode
//
// Without database.url the gateway still serves: the catalog and ACL come
// from built-in defaults plus the optional seed file, procedure calls answer
// SERVICE_UNAVAILABLE, and /health reports degraded. Without planner.model
// the goal endpoints answer 503; without auth.jwt_secret the admin endpoints
// are open and a warning is logged at startup.
//
// # Lifecycle
//
// Start the gateway:
//
//	gw, err := gateway.New(cfg, logger)
//	ctx, cancel := context.WithCancel(context.Background())
//	go gw.Run(ctx)
//
// Graceful shutdown:
//
//	cancel()
//
// Run listens on plain TCP, or joins a tailnet via tsnet when
// tailscale.enabled is set, and shuts everything down with a bounded
// timeout when the context ends.
package gateway
