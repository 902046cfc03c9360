// ABOUTME: LLM-backed planner and verifier speaking the chat-completions
// ABOUTME: protocol, throttled client-side; also serves registry tools

package orchestrator

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"golang.org/x/time/rate"
)

const (
	defaultLLMBaseURL = "https://api.openai.com"

	planTemperature   = 0.3
	verifyTemperature = 0.1
	toolTemperature   = 0.2
)

// LLMConfig configures a chat-completions client. RequestsPerSecond at or
// below zero disables throttling.
type LLMConfig struct {
	BaseURL           string
	APIKey            string
	Model             string
	RequestsPerSecond float64
	Timeout           time.Duration
	HTTPClient        *http.Client
	Logger            *slog.Logger
}

// LLMClient plans and verifies goals through a chat-completions API. It
// also satisfies the generator dependency of LLM-backed registry tools.
type LLMClient struct {
	baseURL    string
	apiKey     string
	model      string
	timeout    time.Duration
	httpClient *http.Client
	limiter    *rate.Limiter
	logger     *slog.Logger
}

// NewLLMClient builds a client for the configured endpoint.
func NewLLMClient(cfg LLMConfig) *LLMClient {
	baseURL := strings.TrimSuffix(cfg.BaseURL, "/")
	if baseURL == "" {
		baseURL = defaultLLMBaseURL
	}
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{}
	}
	limit := rate.Inf
	if cfg.RequestsPerSecond > 0 {
		limit = rate.Limit(cfg.RequestsPerSecond)
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &LLMClient{
		baseURL:    baseURL,
		apiKey:     cfg.APIKey,
		model:      cfg.Model,
		timeout:    cfg.Timeout,
		httpClient: httpClient,
		limiter:    rate.NewLimiter(limit, 1),
		logger:     logger.With("component", "llm"),
	}
}

// Plan asks the model for the single best next action. A literal null or
// an empty method means the model considers the run finished.
func (c *LLMClient) Plan(ctx context.Context, in PlanInput) (*Action, error) {
	raw, err := c.Complete(ctx, planPrompt(in), planTemperature)
	if err != nil {
		return nil, fmt.Errorf("planning next action: %w", err)
	}
	if string(raw) == "null" {
		return nil, nil
	}
	var planned Action
	if err := json.Unmarshal(raw, &planned); err != nil {
		return nil, fmt.Errorf("decoding planned action: %w", err)
	}
	if planned.Method == "" {
		return nil, nil
	}
	return &planned, nil
}

// Verify asks the model to judge every success criterion against state.
func (c *LLMClient) Verify(ctx context.Context, goal *Goal, state map[string]any) (bool, error) {
	raw, err := c.Complete(ctx, verifyPrompt(goal, state), verifyTemperature)
	if err != nil {
		return false, fmt.Errorf("verifying goal: %w", err)
	}
	var verdict struct {
		AllCriteriaMet bool     `json:"all_criteria_met"`
		UnmetCriteria  []string `json:"unmet_criteria"`
		Reasoning      string   `json:"reasoning"`
	}
	if err := json.Unmarshal(raw, &verdict); err != nil {
		return false, fmt.Errorf("decoding verification verdict: %w", err)
	}
	if !verdict.AllCriteriaMet && len(verdict.UnmetCriteria) > 0 {
		c.logger.Debug("criteria not met", "goal_id", goal.ID, "unmet", verdict.UnmetCriteria)
	}
	return verdict.AllCriteriaMet, nil
}

// Generate satisfies the generator dependency of registry tools: one
// prompt in, raw JSON out.
func (c *LLMClient) Generate(ctx context.Context, prompt string) (json.RawMessage, error) {
	return c.Complete(ctx, prompt, toolTemperature)
}

// Complete sends one prompt and returns the completion as raw JSON, with
// any markdown fencing stripped.
func (c *LLMClient) Complete(ctx context.Context, prompt string, temperature float64) (json.RawMessage, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, fmt.Errorf("llm: waiting for rate limiter: %w", err)
	}
	if c.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}

	body, err := json.Marshal(chatRequest{
		Model:          c.model,
		Messages:       []chatMessage{{Role: "user", Content: prompt}},
		Temperature:    temperature,
		ResponseFormat: &responseFormat{Type: "json_object"},
	})
	if err != nil {
		return nil, fmt.Errorf("llm: marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/v1/chat/completions", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("llm: create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	start := time.Now()
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("llm: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("llm: %s returned %d: %s", c.model, resp.StatusCode, bytes.TrimSpace(snippet))
	}

	var parsed chatResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return nil, fmt.Errorf("llm: decode response: %w", err)
	}
	if len(parsed.Choices) == 0 {
		return nil, errors.New("llm: empty choices in response")
	}
	c.logger.Debug("completion received",
		"model", c.model,
		"duration_ms", time.Since(start).Milliseconds())
	return extractJSON(parsed.Choices[0].Message.Content)
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type responseFormat struct {
	Type string `json:"type"`
}

type chatRequest struct {
	Model          string          `json:"model"`
	Messages       []chatMessage   `json:"messages"`
	Temperature    float64         `json:"temperature,omitempty"`
	ResponseFormat *responseFormat `json:"response_format,omitempty"`
}

type chatResponse struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
}

// extractJSON trims optional markdown fencing and validates the remainder.
func extractJSON(content string) (json.RawMessage, error) {
	trimmed := strings.TrimSpace(content)
	if after, ok := strings.CutPrefix(trimmed, "```json"); ok {
		trimmed = after
	} else if after, ok := strings.CutPrefix(trimmed, "```"); ok {
		trimmed = after
	}
	trimmed = strings.TrimSpace(strings.TrimSuffix(strings.TrimSpace(trimmed), "```"))
	if trimmed == "" {
		return nil, errors.New("llm: empty completion")
	}
	if !json.Valid([]byte(trimmed)) {
		return nil, fmt.Errorf("llm: completion is not valid JSON: %.80s", trimmed)
	}
	return json.RawMessage(trimmed), nil
}

const planPromptTemplate = `Du er en metodisk AI-orkestrator. Din oppgave er å analysere en situasjon og planlegge nøyaktig ett neste steg for å nå et mål. Følg disse instruksjonene slavisk:

1. **Analyser Målet:** Forstå hva sluttresultatet skal være.
2. **Analyser Datagrunnlaget:** Se på 'INITIAL_DATA' for den opprinnelige konteksten og 'CURRENT_STATE' for resultater av tidligere handlinger.
3. **Vurder Verktøy:** Se på listen over 'AVAILABLE_TOOLS' og deres beskrivelser.
4. **Velg Neste Handling:** Velg det *eneste* verktøyet som er det mest logiske neste steget.
5. **Fyll ut Parametre:** Hent all nødvendig data for verktøyets parametere fra 'INITIAL_DATA' eller 'CURRENT_STATE'. Dette er kritisk.
**VIKTIG REGEL FOR LAGRING:** Hvis du ser et felt i 'CURRENT_STATE' som heter '[agent]_pending_save: true' (f.eks. 'triage_pending_save: true'), er din neste oppgave å kalle den tilhørende lagringsfunksjonen (f.eks. 'database.save_triage_result'). Du trenger ikke spesifisere parametere for lagring; systemet håndterer dette automatisk.
6. **Formuler Resonnement:** Forklar kort hvorfor du valgte akkurat dette verktøyet.
7. **Svar KUN med JSON:** Din respons må være et rent JSON-objekt.

<GOAL>
%s
</GOAL>

<SUCCESS_CRITERIA>
%s
</SUCCESS_CRITERIA>

<INITIAL_DATA>
%s
</INITIAL_DATA>

<CURRENT_STATE>
%s
</CURRENT_STATE>

<AVAILABLE_TOOLS>
%s
</AVAILABLE_TOOLS>

<EXECUTED_ACTIONS>
%s
</EXECUTED_ACTIONS>

EKSEMPEL på riktig svar hvis første steg:
{
  "method": "database.create_procurement",
  "parameters": {
    "name": "[hent fra INITIAL_DATA]",
    "value": "[hent fra INITIAL_DATA]",
    "description": "[hent fra INITIAL_DATA]"
  },
  "reasoning": "Første steg er å opprette anskaffelsessaken i databasen",
  "expected_outcome": "Procurement ID returnert"
}

Svar nå KUN med JSON-objektet for neste handling, eller null hvis målet er nådd.`

const verifyPromptTemplate = `Din oppgave er å vurdere om et mål er fullført ved å sammenligne suksesskriteriene med den nåværende tilstanden.

1. Les hvert enkelt punkt i 'SUCCESS_CRITERIA'.
2. For hvert kriterium, sjekk om 'CURRENT_STATE' inneholder bevis for at det er oppfylt.
   - Vær streng: 'triage_completed: true' er ikke det samme som 'triage_saved: true'. Se etter eksakte bevis.
3. Konkluder om **alle** kriteriene er oppfylt.
4. Svar KUN med et JSON-objekt.

<GOAL>
%s
</GOAL>

<SUCCESS_CRITERIA>
%s
</SUCCESS_CRITERIA>

<CURRENT_STATE>
%s
</CURRENT_STATE>

Svar med JSON:
{
  "all_criteria_met": true/false,
  "unmet_criteria": ["kriterium som ikke er oppfylt", ...],
  "reasoning": "Kort forklaring"
}`

func planPrompt(in PlanInput) string {
	return fmt.Sprintf(planPromptTemplate,
		in.Goal.Description,
		indentJSON(in.Goal.SuccessCriteria),
		indentJSON(in.Goal.Context),
		indentJSON(in.State),
		formatTools(in.Tools),
		summarizeHistory(in.History),
	)
}

func verifyPrompt(goal *Goal, state map[string]any) string {
	return fmt.Sprintf(verifyPromptTemplate,
		goal.Description,
		indentJSON(goal.SuccessCriteria),
		indentJSON(state),
	)
}

func indentJSON(v any) string {
	raw, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Sprintf("%v", v)
	}
	return string(raw)
}

func formatTools(tools []ToolInfo) string {
	if len(tools) == 0 {
		return "No tools available."
	}
	var b strings.Builder
	for i, t := range tools {
		if i > 0 {
			b.WriteByte('\n')
		}
		desc := t.Description
		if desc == "" {
			desc = "No description"
		}
		fmt.Fprintf(&b, "- Method: %s\n", t.Method)
		fmt.Fprintf(&b, "  Description: %s\n", desc)
		fmt.Fprintf(&b, "  Input Schema: %s\n", schemaOrEmpty(t.InputSchema))
		fmt.Fprintf(&b, "  Output Schema: %s", schemaOrEmpty(t.OutputSchema))
	}
	return b.String()
}

func schemaOrEmpty(schema json.RawMessage) string {
	if len(schema) == 0 {
		return "{}"
	}
	return string(schema)
}

// historyWindow bounds how much history reaches the planner prompt.
const historyWindow = 3

func summarizeHistory(history []ExecutionRecord) string {
	if len(history) == 0 {
		return "No actions performed yet."
	}
	start := 0
	if len(history) > historyWindow {
		start = len(history) - historyWindow
	}
	lines := make([]string, 0, len(history)-start)
	for _, rec := range history[start:] {
		status := "SUCCESS"
		if rec.Status != recordSuccess {
			status = "ERROR"
		}
		lines = append(lines, fmt.Sprintf("- %s -> %s", rec.Action.Method, status))
	}
	if start > 0 {
		return fmt.Sprintf("Summary of the last %d of %d actions:\n%s",
			historyWindow, len(history), strings.Join(lines, "\n"))
	}
	return "Executed Actions:\n" + strings.Join(lines, "\n")
}
