// ABOUTME: Read-side gateway operations: health, metrics, discovery, goals
// ABOUTME: Response structs mirror the gateway's JSON bodies field for field

package client

import (
	"context"
	"encoding/json"
	"net/http"
	"net/url"
)

// Health is the /health response body.
type Health struct {
	Status    string `json:"status"`
	Database  string `json:"database"`
	Timestamp string `json:"timestamp"`
}

// Health probes the gateway's health endpoint.
func (c *Client) Health(ctx context.Context) (*Health, error) {
	var out Health
	if err := c.doJSON(ctx, http.MethodGet, "/health", nil, false, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// AgentWindow is one caller's entry in the metrics agents block.
type AgentWindow struct {
	RequestsLastMinute int     `json:"requests_last_minute"`
	RateLimit          int     `json:"rate_limit"`
	UtilizationPct     float64 `json:"utilization_percentage"`
}

// LimiterConfig is the rate_limiter block of the metrics response.
type LimiterConfig struct {
	DefaultLimit int            `json:"default_limit"`
	CustomLimits map[string]int `json:"custom_limits"`
}

// MetricsReport is the JSON /metrics response body.
type MetricsReport struct {
	Timestamp   string                 `json:"timestamp"`
	Agents      map[string]AgentWindow `json:"agents"`
	Services    []string               `json:"services"`
	TotalAgents int                    `json:"total_agents"`
	RateLimiter LimiterConfig          `json:"rate_limiter"`
}

// Metrics fetches the JSON metrics snapshot.
func (c *Client) Metrics(ctx context.Context) (*MetricsReport, error) {
	var out MetricsReport
	if err := c.doJSON(ctx, http.MethodGet, "/metrics", nil, false, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// DiscoveredTool is one entry of a /discover response.
type DiscoveredTool struct {
	Method          string          `json:"method"`
	ServiceType     string          `json:"service_type"`
	SQLFunctionName string          `json:"sql_function_name"`
	Metadata        map[string]any  `json:"metadata"`
	Description     string          `json:"description"`
	InputSchema     json.RawMessage `json:"input_schema"`
	OutputSchema    json.RawMessage `json:"output_schema"`
}

// Discovery is the /discover/{agent} response body.
type Discovery struct {
	AgentID string           `json:"agent_id"`
	Tools   []DiscoveredTool `json:"tools"`
}

// Discover lists the tools the named agent is allowed to call.
func (c *Client) Discover(ctx context.Context, agentID string) (*Discovery, error) {
	var out Discovery
	path := "/discover/" + url.PathEscape(agentID)
	if err := c.doJSON(ctx, http.MethodGet, path, nil, false, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// GoalRequest is the /achieve-goal request body.
type GoalRequest struct {
	Description     string         `json:"description"`
	Context         map[string]any `json:"context,omitempty"`
	SuccessCriteria []string       `json:"success_criteria,omitempty"`
}

// GoalOutcome is the /achieve-goal response body.
type GoalOutcome struct {
	GoalID           string          `json:"goal_id"`
	Description      string          `json:"description"`
	Status           string          `json:"status"`
	Iterations       int             `json:"iterations"`
	FinalState       map[string]any  `json:"final_state"`
	ExecutionHistory json.RawMessage `json:"execution_history"`
	StartedAt        string          `json:"started_at"`
	FinishedAt       string          `json:"finished_at"`
}

// AchieveGoal runs the orchestrator against goal under the client's agent
// identity and returns the terminal outcome.
func (c *Client) AchieveGoal(ctx context.Context, goal GoalRequest) (*GoalOutcome, error) {
	var out GoalOutcome
	if err := c.doJSON(ctx, http.MethodPost, "/achieve-goal", goal, false, &out); err != nil {
		return nil, err
	}
	return &out, nil
}
