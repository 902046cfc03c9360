// Package client is the HTTP client for a running gateway.
//
// # Overview
//
// The admin CLI and integration tests talk to the gateway through this
// package instead of hand-building requests. A Client covers both surfaces:
// the JSON-RPC endpoint and the REST-style control endpoints.
//
// # Operations
//
//   - Call: one JSON-RPC request to /rpc under the configured agent identity
//   - Health: liveness plus database reachability
//   - Metrics: the JSON rate-limit snapshot
//   - Discover: the tool list an agent is allowed to call
//   - AchieveGoal: run the orchestrator for a goal and wait for the outcome
//   - Reload, DebugConfig, Goals, Goal: admin-token operations
//
// # Authentication
//
// RPC and goal calls identify the agent with the X-Agent-ID header from
// Config.AgentID. Admin operations send "Authorization: Bearer <token>"
// from Config.AdminToken and fail fast when no token is configured.
//
// # Usage
//
//	c := client.New(client.Config{
//		BaseURL: "http://localhost:8020",
//		AgentID: "reasoning_orchestrator",
//	})
//	result, err := c.Call(ctx, "database.create_procurement", params)
package client
