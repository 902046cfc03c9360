// Package config handles configuration loading for procure-gateway.
//
// # Overview
//
// Configuration is loaded from YAML files with environment variable expansion.
// The package provides validation and sensible defaults; every field absent
// from the file keeps its Default() value, so a minimal file is enough to run.
//
// # Environment Variable Expansion
//
// Configuration values can reference environment variables:
//
//	database:
//	  url: "${PROCURE_DATABASE_URL}"
//
// Syntax: ${VAR_NAME}, or ${VAR_NAME:-fallback} to substitute a literal when
// the variable is unset. Without a fallback, unset variables expand to the
// empty string.
//
// # Duration Parsing
//
// Duration values use Go's time.ParseDuration syntax:
//
//	database:
//	  call_timeout: "60s"
//	limits:
//	  window: "1m"
//
// Supported units: ns, us, ms, s, m, h
//
// # Configuration Sections
//
// Server and listeners:
//
//	server:
//	  http_addr: ":8020"
//	tailscale:
//	  enabled: false
//	  hostname: "procure-gateway"
//	  auth_key: "${TS_AUTHKEY}"
//
// Procedural database (empty url runs the gateway degraded on built-in
// defaults):
//
//	database:
//	  url: "${PROCURE_DATABASE_URL}"
//	  max_open_conns: 10
//	  acquire_timeout: "10s"
//	  call_timeout: "60s"
//
// Rate limits:
//
//	limits:
//	  default: 60
//	  window: "1m"
//	  per_caller:
//	    reasoning_orchestrator: 120
//
// Planner/verifier capability and goal loop:
//
//	planner:
//	  base_url: "https://llm.internal.example"
//	  api_key: "${PROCURE_PLANNER_KEY}"
//	  model: "procure-reasoner"
//	  requests_per_second: 2
//	  timeout: "45s"
//	orchestrator:
//	  max_iterations: 10
//
// Journal, seed, auth, logging, metrics:
//
//	journal:
//	  path: "/var/lib/procure/journal.db"
//	seed:
//	  path: "/etc/procure/seed.toml"
//	auth:
//	  jwt_secret: "${PROCURE_JWT_SECRET}"
//	  admin_token_ttl: "720h"
//	logging:
//	  level: "info"   # debug, info, warn, error
//	  format: "json"  # text, json
//	metrics:
//	  enabled: true
//	  path: "/metrics/prometheus"
//
// # Usage
//
// Load configuration from a specific path:
//
//	cfg, err := config.Load("/etc/procure/gateway.yaml")
//	if err != nil {
//	    log.Fatal(err)
//	}
package config
