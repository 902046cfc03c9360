// ABOUTME: Admin-token gateway operations: reload, config debug, goal runs
// ABOUTME: All requests here carry the bearer token from Config.AdminToken

package client

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
)

// ReloadResult is the /reload-config response body.
type ReloadResult struct {
	Status           string `json:"status"`
	Message          string `json:"message"`
	ServicesLoaded   int    `json:"services_loaded"`
	AgentsConfigured int    `json:"agents_configured"`
}

// Reload asks the gateway to re-read its catalog and ACL from the store.
func (c *Client) Reload(ctx context.Context) (*ReloadResult, error) {
	var out ReloadResult
	if err := c.doJSON(ctx, http.MethodPost, "/reload-config", nil, true, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// DebugConfig fetches the live catalog/ACL/limiter view as raw JSON.
func (c *Client) DebugConfig(ctx context.Context) (json.RawMessage, error) {
	var out json.RawMessage
	if err := c.doJSON(ctx, http.MethodGet, "/debug/config", nil, true, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// RunSummary is one entry of the /goals listing.
type RunSummary struct {
	GoalID      string `json:"goal_id"`
	Description string `json:"description"`
	Status      string `json:"status"`
	AgentID     string `json:"agent_id"`
	Iterations  int    `json:"iterations"`
	StartedAt   string `json:"started_at"`
	FinishedAt  string `json:"finished_at"`
}

// RunDetail is the /goals/{id} response body.
type RunDetail struct {
	RunSummary
	SuccessCriteria []string        `json:"success_criteria"`
	FinalState      map[string]any  `json:"final_state"`
	History         json.RawMessage `json:"execution_history"`
}

// GoalFilter narrows a Goals listing. Zero values mean no filter.
type GoalFilter struct {
	Status  string
	AgentID string
	Limit   int
}

// Goals lists recent finished runs, newest first.
func (c *Client) Goals(ctx context.Context, filter GoalFilter) ([]RunSummary, error) {
	query := url.Values{}
	if filter.Status != "" {
		query.Set("status", filter.Status)
	}
	if filter.AgentID != "" {
		query.Set("agent", filter.AgentID)
	}
	if filter.Limit > 0 {
		query.Set("limit", strconv.Itoa(filter.Limit))
	}
	path := "/goals"
	if len(query) > 0 {
		path += "?" + query.Encode()
	}

	var out struct {
		Runs []RunSummary `json:"runs"`
	}
	if err := c.doJSON(ctx, http.MethodGet, path, nil, true, &out); err != nil {
		return nil, err
	}
	return out.Runs, nil
}

// Goal fetches one finished run with its full history.
func (c *Client) Goal(ctx context.Context, id string) (*RunDetail, error) {
	if id == "" {
		return nil, fmt.Errorf("goal id is required")
	}
	var out RunDetail
	if err := c.doJSON(ctx, http.MethodGet, "/goals/"+url.PathEscape(id), nil, true, &out); err != nil {
		return nil, err
	}
	return &out, nil
}
