// ABOUTME: HTTP client for the gateway's JSON-RPC and control endpoints
// ABOUTME: Speaks the wire shapes directly so CLI binaries stay small

package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/2389/procure-gateway/internal/rpc"
)

// DefaultTimeout bounds each request when no HTTP client is supplied.
const DefaultTimeout = 30 * time.Second

// Config holds connection settings for a gateway client.
type Config struct {
	BaseURL    string // for example http://localhost:8020
	AgentID    string // sent as X-Agent-ID on every request
	AdminToken string // bearer token for the admin endpoints
	Timeout    time.Duration
	HTTPClient *http.Client
}

// Client calls a running gateway over HTTP. Safe for concurrent use.
type Client struct {
	baseURL    string
	agentID    string
	adminToken string
	httpClient *http.Client
}

// New creates a Client from cfg.
func New(cfg Config) *Client {
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		timeout := cfg.Timeout
		if timeout <= 0 {
			timeout = DefaultTimeout
		}
		httpClient = &http.Client{Timeout: timeout}
	}
	return &Client{
		baseURL:    strings.TrimSuffix(cfg.BaseURL, "/"),
		agentID:    cfg.AgentID,
		adminToken: cfg.AdminToken,
		httpClient: httpClient,
	}
}

// Call sends one JSON-RPC request to /rpc and returns the raw result.
// Gateway-reported failures come back as *rpc.Error.
func (c *Client) Call(ctx context.Context, method string, params any) (json.RawMessage, error) {
	rawParams, err := json.Marshal(params)
	if err != nil {
		return nil, fmt.Errorf("encoding params: %w", err)
	}

	req := rpc.Request{
		JSONRPC: rpc.Version,
		Method:  method,
		Params:  rawParams,
		ID:      json.RawMessage(strconv.Quote(uuid.NewString())),
	}

	// Decode into a raw envelope so result bytes pass through untouched.
	var envelope struct {
		JSONRPC string          `json:"jsonrpc"`
		Result  json.RawMessage `json:"result"`
		Error   *rpc.Error      `json:"error"`
		ID      json.RawMessage `json:"id"`
	}
	if err := c.doJSON(ctx, http.MethodPost, "/rpc", req, false, &envelope); err != nil {
		return nil, err
	}
	if envelope.Error != nil {
		return nil, envelope.Error
	}
	return envelope.Result, nil
}

// doJSON performs one request and decodes a JSON body into out when out is
// non-nil. admin requests carry the bearer token and fail fast without one.
func (c *Client) doJSON(ctx context.Context, method, path string, body any, admin bool, out any) error {
	if admin && c.adminToken == "" {
		return fmt.Errorf("admin token is required for %s", path)
	}

	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encoding request body: %w", err)
		}
		reader = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.agentID != "" {
		req.Header.Set("X-Agent-ID", c.agentID)
	}
	if admin {
		req.Header.Set("Authorization", "Bearer "+c.adminToken)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("calling gateway: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("gateway returned %d: %s", resp.StatusCode, errorSnippet(resp.Body))
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decoding response: %w", err)
	}
	return nil
}

// errorSnippet extracts a short message from a failed response body,
// preferring the gateway's {"error": "..."} shape.
func errorSnippet(body io.Reader) string {
	raw, err := io.ReadAll(io.LimitReader(body, 512))
	if err != nil || len(raw) == 0 {
		return "no response body"
	}
	var wrapped struct {
		Error  string `json:"error"`
		Detail string `json:"detail"`
	}
	if err := json.Unmarshal(raw, &wrapped); err == nil {
		if wrapped.Error != "" {
			return wrapped.Error
		}
		if wrapped.Detail != "" {
			return wrapped.Detail
		}
	}
	return strings.TrimSpace(string(raw))
}
