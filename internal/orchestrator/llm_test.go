// ABOUTME: Chat-completions client tests against a local httptest server
// ABOUTME: Covers action parsing, markdown fencing, verdicts, and failures

package orchestrator

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeChatContent(w http.ResponseWriter, content string) {
	resp := map[string]any{
		"choices": []any{
			map[string]any{"message": map[string]any{"content": content}},
		},
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(resp)
}

func TestLLMClientPlanParsesAction(t *testing.T) {
	var got chatRequest
	var auth string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/v1/chat/completions", r.URL.Path)
		auth = r.Header.Get("Authorization")
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		writeChatContent(w, `{"method":"database.create_procurement","parameters":{"name":"PC-kjøp"},"reasoning":"først","expected_outcome":"sak opprettet"}`)
	}))
	defer srv.Close()

	client := NewLLMClient(LLMConfig{
		BaseURL: srv.URL,
		APIKey:  "secret",
		Model:   "gpt-4o-mini",
		Logger:  testLogger(),
	})
	action, err := client.Plan(context.Background(), PlanInput{
		Goal: &Goal{
			ID:              "g1",
			Description:     "Vurder anskaffelse av bærbare PC-er",
			SuccessCriteria: []string{"sak opprettet"},
		},
		Tools: []ToolInfo{{
			Method:      "database.create_procurement",
			ServiceType: "postgres_rpc",
			Description: "Oppretter ny anskaffelsessak",
		}},
	})
	require.NoError(t, err)
	require.NotNil(t, action)
	assert.Equal(t, "database.create_procurement", action.Method)
	assert.JSONEq(t, `{"name":"PC-kjøp"}`, string(action.Parameters))
	assert.Equal(t, "først", action.Reasoning)
	assert.Equal(t, "sak opprettet", action.ExpectedOutcome)

	assert.Equal(t, "Bearer secret", auth)
	assert.Equal(t, "gpt-4o-mini", got.Model)
	require.Len(t, got.Messages, 1)
	assert.Equal(t, "user", got.Messages[0].Role)
	assert.Contains(t, got.Messages[0].Content, "Vurder anskaffelse av bærbare PC-er")
	assert.Contains(t, got.Messages[0].Content, "- Method: database.create_procurement")
	assert.Contains(t, got.Messages[0].Content, "VIKTIG REGEL FOR LAGRING")
	require.NotNil(t, got.ResponseFormat)
	assert.Equal(t, "json_object", got.ResponseFormat.Type)
	assert.InDelta(t, planTemperature, got.Temperature, 0.001)
}

func TestLLMClientPlanNullMeansDone(t *testing.T) {
	contents := []string{`null`, `{"method":"","reasoning":"ferdig"}`}
	var call int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		writeChatContent(w, contents[call])
		call++
	}))
	defer srv.Close()

	client := NewLLMClient(LLMConfig{BaseURL: srv.URL, Logger: testLogger()})
	in := PlanInput{Goal: &Goal{Description: "mål"}}

	action, err := client.Plan(context.Background(), in)
	require.NoError(t, err)
	assert.Nil(t, action)

	action, err = client.Plan(context.Background(), in)
	require.NoError(t, err)
	assert.Nil(t, action)
}

func TestLLMClientPlanStripsMarkdownFences(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		writeChatContent(w, "```json\n{\"method\":\"tool.calculate_thresholds\",\"parameters\":{\"value\":800000}}\n```")
	}))
	defer srv.Close()

	client := NewLLMClient(LLMConfig{BaseURL: srv.URL, Logger: testLogger()})
	action, err := client.Plan(context.Background(), PlanInput{Goal: &Goal{Description: "mål"}})
	require.NoError(t, err)
	require.NotNil(t, action)
	assert.Equal(t, "tool.calculate_thresholds", action.Method)
}

func TestLLMClientVerifyVerdicts(t *testing.T) {
	var content string
	var prompts []string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req chatRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		prompts = append(prompts, req.Messages[0].Content)
		writeChatContent(w, content)
	}))
	defer srv.Close()

	client := NewLLMClient(LLMConfig{BaseURL: srv.URL, Logger: testLogger()})
	goal := &Goal{
		ID:              "g1",
		Description:     "Vurder anskaffelse",
		SuccessCriteria: []string{"Triage assessment completed and saved"},
	}

	content = `{"all_criteria_met":true,"unmet_criteria":[],"reasoning":"alt lagret"}`
	met, err := client.Verify(context.Background(), goal, map[string]any{"triage_saved": true})
	require.NoError(t, err)
	assert.True(t, met)
	assert.Contains(t, prompts[0], "Triage assessment completed and saved")
	assert.Contains(t, prompts[0], "triage_saved")

	content = `{"all_criteria_met":false,"unmet_criteria":["Triage assessment completed and saved"],"reasoning":"mangler lagring"}`
	met, err = client.Verify(context.Background(), goal, map[string]any{"triage_completed": true})
	require.NoError(t, err)
	assert.False(t, met)
}

func TestLLMClientGenerateReturnsRawJSON(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		writeChatContent(w, `{"color":"GRØNN","confidence":0.9}`)
	}))
	defer srv.Close()

	client := NewLLMClient(LLMConfig{BaseURL: srv.URL, Logger: testLogger()})
	raw, err := client.Generate(context.Background(), "klassifiser dette")
	require.NoError(t, err)
	assert.JSONEq(t, `{"color":"GRØNN","confidence":0.9}`, string(raw))
}

func TestLLMClientServerError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "kvote oppbrukt", http.StatusTooManyRequests)
	}))
	defer srv.Close()

	client := NewLLMClient(LLMConfig{BaseURL: srv.URL, Model: "gpt-4o-mini", Logger: testLogger()})
	_, err := client.Generate(context.Background(), "hei")
	require.ErrorContains(t, err, "returned 429")
	require.ErrorContains(t, err, "kvote oppbrukt")
}

func TestLLMClientRejectsNonJSONCompletion(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		writeChatContent(w, "jeg er usikker på dette")
	}))
	defer srv.Close()

	client := NewLLMClient(LLMConfig{BaseURL: srv.URL, Logger: testLogger()})
	_, err := client.Generate(context.Background(), "hei")
	require.ErrorContains(t, err, "not valid JSON")
}

func TestLLMClientEmptyChoices(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"choices":[]}`))
	}))
	defer srv.Close()

	client := NewLLMClient(LLMConfig{BaseURL: srv.URL, Logger: testLogger()})
	_, err := client.Generate(context.Background(), "hei")
	require.ErrorContains(t, err, "empty choices")
}

func TestExtractJSON(t *testing.T) {
	raw, err := extractJSON(`{"a":1}`)
	require.NoError(t, err)
	assert.JSONEq(t, `{"a":1}`, string(raw))

	raw, err = extractJSON("```json\n{\"a\":1}\n```")
	require.NoError(t, err)
	assert.JSONEq(t, `{"a":1}`, string(raw))

	raw, err = extractJSON("```\n[1,2]\n```")
	require.NoError(t, err)
	assert.JSONEq(t, `[1,2]`, string(raw))

	_, err = extractJSON("   ")
	require.ErrorContains(t, err, "empty completion")

	_, err = extractJSON("ikke json")
	require.ErrorContains(t, err, "not valid JSON")
}

func TestSummarizeHistoryWindows(t *testing.T) {
	assert.Equal(t, "No actions performed yet.", summarizeHistory(nil))

	short := []ExecutionRecord{
		{Action: Action{Method: "a.b"}, Status: recordSuccess},
		{Action: Action{Method: "c.d"}, Status: recordError},
	}
	assert.Equal(t, "Executed Actions:\n- a.b -> SUCCESS\n- c.d -> ERROR", summarizeHistory(short))

	long := make([]ExecutionRecord, 5)
	for i := range long {
		long[i] = ExecutionRecord{
			Action: Action{Method: "m" + string(rune('0'+i)) + ".run"},
			Status: recordSuccess,
		}
	}
	got := summarizeHistory(long)
	assert.Contains(t, got, "Summary of the last 3 of 5 actions:")
	assert.NotContains(t, got, "m0.run")
	assert.NotContains(t, got, "m1.run")
	assert.Contains(t, got, "- m4.run -> SUCCESS")
}

func TestFormatToolsRendersSchemas(t *testing.T) {
	assert.Equal(t, "No tools available.", formatTools(nil))

	tools := []ToolInfo{
		{
			Method:      "agent.run_triage",
			Description: "Klassifiserer anskaffelse",
			InputSchema: json.RawMessage(`{"type":"object"}`),
		},
		{Method: "tool.calculate_thresholds"},
	}
	got := formatTools(tools)
	assert.Contains(t, got, "- Method: agent.run_triage")
	assert.Contains(t, got, "Description: Klassifiserer anskaffelse")
	assert.Contains(t, got, `Input Schema: {"type":"object"}`)
	assert.Contains(t, got, "Description: No description")
	assert.Contains(t, got, "Output Schema: {}")
}
