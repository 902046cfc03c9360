// ABOUTME: HTTP handlers for the gateway control surface: RPC dispatch,
// ABOUTME: health, metrics, discovery, goal runs, and admin config endpoints

package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/2389/procure-gateway/internal/auth"
	"github.com/2389/procure-gateway/internal/catalog"
	"github.com/2389/procure-gateway/internal/journal"
	"github.com/2389/procure-gateway/internal/metrics"
	"github.com/2389/procure-gateway/internal/orchestrator"
	"github.com/2389/procure-gateway/internal/rpc"
)

// healthPingTimeout bounds the database ping on GET /health.
const healthPingTimeout = 5 * time.Second

// HealthResponse is the JSON response for GET /health.
type HealthResponse struct {
	Status    string `json:"status"`
	Database  string `json:"database"`
	Timestamp string `json:"timestamp"`
}

// DiscoveredTool is one entry in the GET /discover/{agent} response.
// Unresolvable grants keep the "unknown" service type so agents still see
// every method they may call.
type DiscoveredTool struct {
	Method          string          `json:"method"`
	ServiceType     string          `json:"service_type"`
	SQLFunctionName string          `json:"sql_function_name"`
	Metadata        map[string]any  `json:"metadata"`
	Description     string          `json:"description"`
	InputSchema     json.RawMessage `json:"input_schema"`
	OutputSchema    json.RawMessage `json:"output_schema"`
}

// DiscoverResponse is the JSON response for GET /discover/{agent}.
type DiscoverResponse struct {
	AgentID string           `json:"agent_id"`
	Tools   []DiscoveredTool `json:"tools"`
}

// GoalRequest is the JSON request body for POST /achieve-goal.
type GoalRequest struct {
	Description     string         `json:"description"`
	Context         map[string]any `json:"context,omitempty"`
	SuccessCriteria []string       `json:"success_criteria,omitempty"`
}

// GoalResponse is the JSON response for POST /achieve-goal.
type GoalResponse struct {
	GoalID      string                         `json:"goal_id"`
	Description string                         `json:"description"`
	Status      string                         `json:"status"`
	Iterations  int                            `json:"iterations"`
	FinalState  map[string]any                 `json:"final_state"`
	History     []orchestrator.ExecutionRecord `json:"execution_history"`
	StartedAt   string                         `json:"started_at"`
	FinishedAt  string                         `json:"finished_at"`
}

// ReloadResponse is the JSON response for POST /reload-config.
type ReloadResponse struct {
	Status           string `json:"status"`
	Message          string `json:"message"`
	ServicesLoaded   int    `json:"services_loaded"`
	AgentsConfigured int    `json:"agents_configured"`
}

// DebugFunction is one function entry in the debug config dump.
type DebugFunction struct {
	SQLFunctionName string         `json:"sql_function_name"`
	Metadata        map[string]any `json:"metadata,omitempty"`
}

// DebugService groups a service's functions in the debug config dump.
type DebugService struct {
	Type      string                   `json:"type"`
	Functions map[string]DebugFunction `json:"functions"`
}

// DebugCaller lists one caller's grants in the debug config dump.
type DebugCaller struct {
	AllowedMethods []string `json:"allowed_methods"`
}

// DebugConfigResponse is the JSON response for GET /debug/config.
type DebugConfigResponse struct {
	ServiceCatalog map[string]DebugService `json:"service_catalog"`
	ACLConfig      map[string]DebugCaller  `json:"acl_config"`
	RateLimits     map[string]int          `json:"rate_limits"`
	ActiveRequests map[string]int          `json:"active_requests"`
}

// GoalListResponse is the JSON response for GET /goals.
type GoalListResponse struct {
	Runs []journal.RunSummary `json:"runs"`
}

// handleRPC handles POST /rpc. The transport status is always 200; request
// outcomes live in the JSON-RPC envelope.
func (g *Gateway) handleRPC(w http.ResponseWriter, r *http.Request) {
	done := g.metrics.TrackInFlight()
	defer done()

	caller := auth.CallerFromRequest(r)
	requestID := uuid.NewString()

	req, rpcErr := rpc.DecodeRequest(r.Body)
	if rpcErr != nil {
		g.writeRPC(w, rpc.ErrorResponse(nil, rpcErr))
		return
	}

	g.writeRPC(w, g.dispatcher.Dispatch(r.Context(), caller, requestID, req))
}

// handleHealth handles GET /health. The status is advisory, so the HTTP
// code stays 200 even when the database is down.
func (g *Gateway) handleHealth(w http.ResponseWriter, r *http.Request) {
	resp := HealthResponse{
		Status:    "healthy",
		Database:  "healthy",
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	}

	if g.store == nil {
		resp.Status = "degraded"
		resp.Database = "not_initialized"
	} else {
		ctx, cancel := context.WithTimeout(r.Context(), healthPingTimeout)
		defer cancel()
		if err := g.store.Ping(ctx); err != nil {
			g.logger.Error("health check database ping failed", "error", err)
			resp.Status = "unhealthy"
			resp.Database = "error: " + err.Error()
		}
	}

	g.writeJSON(w, http.StatusOK, resp)
}

// handleMetrics handles GET /metrics, the per-caller JSON usage snapshot.
// Prometheus exposition lives on its own configured path.
func (g *Gateway) handleMetrics(w http.ResponseWriter, r *http.Request) {
	services := g.catalog.View().Services()
	callers := g.acl.View().Callers()
	g.writeJSON(w, http.StatusOK, metrics.BuildSnapshot(g.limiter, services, len(callers)))
}

// handleDiscover handles GET /discover/{agent}. Every granted method is
// listed; catalog entries contribute type, target, and schemas, while
// grants without a catalog entry fall back to a minimal record.
func (g *Gateway) handleDiscover(w http.ResponseWriter, r *http.Request) {
	agentID := r.PathValue("agent")
	view := g.catalog.View()

	granted := g.acl.View().MethodsFor(agentID)
	discovered := make([]DiscoveredTool, 0, len(granted))
	for _, name := range granted {
		_, function, err := rpc.SplitMethod(name)
		if err != nil {
			g.logger.Warn("invalid method format in grants", "caller", agentID, "method", name)
			continue
		}

		tool := DiscoveredTool{
			Method:          name,
			ServiceType:     "unknown",
			SQLFunctionName: function,
			Metadata:        map[string]any{},
			Description:     "Function: " + function,
			InputSchema:     json.RawMessage(`{}`),
			OutputSchema:    json.RawMessage(`{}`),
		}
		if m, ok := view.Resolve(name); ok {
			tool.ServiceType = string(m.Kind)
			if m.Kind == catalog.KindProcedure {
				tool.SQLFunctionName = m.TargetRef
			}
			if m.Metadata != nil {
				tool.Metadata = m.Metadata
			}
			if desc := m.Description(); desc != "" {
				tool.Description = desc
			}
			if schema, ok := m.InputSchema(); ok {
				tool.InputSchema = schema
			}
			if schema, ok := m.OutputSchema(); ok {
				tool.OutputSchema = schema
			}
		}
		discovered = append(discovered, tool)
	}

	g.writeJSON(w, http.StatusOK, DiscoverResponse{AgentID: agentID, Tools: discovered})
}

// handleAchieveGoal handles POST /achieve-goal. The orchestrator runs to a
// terminal status within the request; there is no detach mode.
func (g *Gateway) handleAchieveGoal(w http.ResponseWriter, r *http.Request) {
	caller := auth.CallerFromRequest(r)
	if caller == "" {
		g.sendJSONError(w, http.StatusUnauthorized, "X-Agent-ID header is required")
		return
	}
	if g.orchCfg.Planner == nil {
		g.sendJSONError(w, http.StatusServiceUnavailable, "planner is not configured")
		return
	}

	var req GoalRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		g.sendJSONError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	cfg := g.orchCfg
	cfg.Caller = caller
	orch, err := orchestrator.New(cfg)
	if err != nil {
		g.logger.Error("building orchestrator failed", "error", err)
		g.sendJSONError(w, http.StatusInternalServerError, "internal server error")
		return
	}

	goal := &orchestrator.Goal{
		Description:     req.Description,
		Context:         req.Context,
		SuccessCriteria: req.SuccessCriteria,
	}
	ec, err := orch.AchieveGoal(r.Context(), goal)
	if err != nil {
		g.sendJSONError(w, http.StatusBadRequest, err.Error())
		return
	}

	g.metrics.ObserveGoalRun(string(ec.Goal.Status), len(ec.History))

	g.writeJSON(w, http.StatusOK, GoalResponse{
		GoalID:      ec.Goal.ID,
		Description: ec.Goal.Description,
		Status:      string(ec.Goal.Status),
		Iterations:  len(ec.History),
		FinalState:  ec.State,
		History:     ec.History,
		StartedAt:   ec.StartedAt.UTC().Format(time.RFC3339),
		FinishedAt:  ec.FinishedAt.UTC().Format(time.RFC3339),
	})
}

// handleReload handles POST /reload-config: re-pulls catalog and ACL rows
// from the database and swaps them in atomically.
func (g *Gateway) handleReload(w http.ResponseWriter, r *http.Request) {
	if g.store == nil {
		g.sendJSONError(w, http.StatusServiceUnavailable, "database is not configured")
		return
	}

	if err := refreshFromStore(r.Context(), g.store, g.catalog, g.acl); err != nil {
		g.logger.Error("config reload failed", "error", err)
		g.sendJSONError(w, http.StatusInternalServerError, "Failed to reload configuration")
		return
	}

	catView := g.catalog.View()
	aclView := g.acl.View()
	g.logger.Info("configuration reloaded",
		"services", catView.Services(),
		"agents", aclView.Callers())

	g.writeJSON(w, http.StatusOK, ReloadResponse{
		Status:           "success",
		Message:          "Configuration reloaded",
		ServicesLoaded:   len(catView.Services()),
		AgentsConfigured: len(aclView.Callers()),
	})
}

// handleDebugConfig handles GET /debug/config, dumping the active catalog,
// grants, limits, and in-window request counts.
func (g *Gateway) handleDebugConfig(w http.ResponseWriter, r *http.Request) {
	catView := g.catalog.View()
	serviceCatalog := make(map[string]DebugService)
	for _, m := range catView.Methods() {
		svc, ok := serviceCatalog[m.Service]
		if !ok {
			svc = DebugService{Type: string(m.Kind), Functions: make(map[string]DebugFunction)}
		}
		svc.Functions[m.Function] = DebugFunction{
			SQLFunctionName: m.TargetRef,
			Metadata:        m.Metadata,
		}
		serviceCatalog[m.Service] = svc
	}

	aclConfig := make(map[string]DebugCaller)
	for caller, methods := range g.acl.View().Grants() {
		aclConfig[caller] = DebugCaller{AllowedMethods: methods}
	}

	activeRequests := make(map[string]int)
	for caller, stats := range g.limiter.Snapshot() {
		activeRequests[caller] = stats.RequestsInWindow
	}

	g.writeJSON(w, http.StatusOK, DebugConfigResponse{
		ServiceCatalog: serviceCatalog,
		ACLConfig:      aclConfig,
		RateLimits:     g.limiter.CustomLimits(),
		ActiveRequests: activeRequests,
	})
}

// handleGoals handles GET /goals, listing recorded runs newest first.
// Supports optional status, agent, and limit query parameters.
func (g *Gateway) handleGoals(w http.ResponseWriter, r *http.Request) {
	if g.journal == nil {
		g.sendJSONError(w, http.StatusServiceUnavailable, "goal journal is not configured")
		return
	}

	f := journal.Filter{
		Status:  r.URL.Query().Get("status"),
		AgentID: r.URL.Query().Get("agent"),
	}
	if rawLimit := r.URL.Query().Get("limit"); rawLimit != "" {
		n, err := strconv.Atoi(rawLimit)
		if err != nil {
			g.sendJSONError(w, http.StatusBadRequest, "limit must be an integer")
			return
		}
		f.Limit = n
	}

	runs, err := g.journal.ListRuns(r.Context(), f)
	if err != nil {
		g.logger.Error("listing goal runs failed", "error", err)
		g.sendJSONError(w, http.StatusInternalServerError, "internal server error")
		return
	}
	if runs == nil {
		runs = []journal.RunSummary{}
	}

	g.writeJSON(w, http.StatusOK, GoalListResponse{Runs: runs})
}

// handleGoal handles GET /goals/{id}, returning one run with full history.
func (g *Gateway) handleGoal(w http.ResponseWriter, r *http.Request) {
	if g.journal == nil {
		g.sendJSONError(w, http.StatusServiceUnavailable, "goal journal is not configured")
		return
	}

	run, err := g.journal.GetRun(r.Context(), r.PathValue("id"))
	if err != nil {
		if errors.Is(err, journal.ErrRunNotFound) {
			g.sendJSONError(w, http.StatusNotFound, err.Error())
			return
		}
		g.logger.Error("loading goal run failed", "error", err)
		g.sendJSONError(w, http.StatusInternalServerError, "internal server error")
		return
	}

	g.writeJSON(w, http.StatusOK, run)
}

// writeRPC writes a JSON-RPC envelope with HTTP 200.
func (g *Gateway) writeRPC(w http.ResponseWriter, resp *rpc.Response) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		g.logger.Error("writing rpc response failed", "error", err)
	}
}

// writeJSON writes v as a JSON response with the given status.
func (g *Gateway) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		g.logger.Error("writing response failed", "error", err)
	}
}

// sendJSONError writes a JSON error response.
func (g *Gateway) sendJSONError(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(map[string]string{"error": message}); err != nil {
		g.logger.Error("writing error response failed", "error", err)
	}
}
