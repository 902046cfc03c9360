// ABOUTME: Core types for goal-directed runs: goals, planned actions,
// ABOUTME: execution records, and the accumulated run context

package orchestrator

import (
	"encoding/json"
	"time"
)

// Status tracks a goal through its lifecycle. A goal starts PENDING, moves
// to IN_PROGRESS when the loop picks it up, and ends in exactly one of the
// three terminal states.
type Status string

const (
	StatusPending       Status = "PENDING"
	StatusInProgress    Status = "IN_PROGRESS"
	StatusCompleted     Status = "COMPLETED"
	StatusFailed        Status = "FAILED"
	StatusRequiresHuman Status = "REQUIRES_HUMAN"
)

// Terminal reports whether the status ends a run.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusRequiresHuman
}

// Goal is a desired outcome in natural language plus the initial data the
// planner may draw parameters from. SuccessCriteria are judged by the
// verifier against accumulated state, never by string matching.
type Goal struct {
	ID              string         `json:"id"`
	Description     string         `json:"description"`
	Context         map[string]any `json:"context,omitempty"`
	SuccessCriteria []string       `json:"success_criteria,omitempty"`
	Status          Status         `json:"status"`
}

// Action is one planned step: a method call with its parameters and the
// planner's stated rationale.
type Action struct {
	Method          string          `json:"method"`
	Parameters      json.RawMessage `json:"parameters,omitempty"`
	Reasoning       string          `json:"reasoning,omitempty"`
	ExpectedOutcome string          `json:"expected_outcome,omitempty"`
}

const (
	recordSuccess = "success"
	recordError   = "error"
)

// ExecutionRecord is one history entry. Status is "success" or "error";
// exactly one of Result and Error is populated.
type ExecutionRecord struct {
	Action    Action          `json:"action"`
	Status    string          `json:"status"`
	Result    json.RawMessage `json:"result,omitempty"`
	Error     string          `json:"error,omitempty"`
	Timestamp time.Time       `json:"timestamp"`
}

// ToolInfo describes one method the planner may choose, assembled from the
// caller's grants plus catalog or registry metadata.
type ToolInfo struct {
	Method       string          `json:"method"`
	ServiceType  string          `json:"service_type"`
	Description  string          `json:"description,omitempty"`
	InputSchema  json.RawMessage `json:"input_schema,omitempty"`
	OutputSchema json.RawMessage `json:"output_schema,omitempty"`
}

// ExecutionContext is everything a run accumulates. State holds compact
// markers and summaries for the planner; full tool results live under
// stash keys until the matching persist call consumes them.
type ExecutionContext struct {
	Goal       *Goal             `json:"goal"`
	Caller     string            `json:"agent_id"`
	Tools      []ToolInfo        `json:"available_tools"`
	History    []ExecutionRecord `json:"execution_history"`
	State      map[string]any    `json:"current_state"`
	StartedAt  time.Time         `json:"started_at"`
	FinishedAt time.Time         `json:"finished_at"`
}
