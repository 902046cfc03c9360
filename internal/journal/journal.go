// ABOUTME: SQLite journal of finished goal runs using modernc.org/sqlite
// ABOUTME: Backs the goal inspection endpoints with automatic schema creation

package journal

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"

	"github.com/2389/procure-gateway/internal/orchestrator"
)

// ErrRunNotFound is returned when no run exists for a goal id.
var ErrRunNotFound = errors.New("goal run not found")

// RunSummary is the listing view of a recorded run.
type RunSummary struct {
	GoalID      string    `json:"goal_id"`
	Description string    `json:"description"`
	Status      string    `json:"status"`
	AgentID     string    `json:"agent_id"`
	Iterations  int       `json:"iterations"`
	StartedAt   time.Time `json:"started_at"`
	FinishedAt  time.Time `json:"finished_at"`
}

// Run is the full record of one goal run, including the final state and
// every executed action.
type Run struct {
	RunSummary
	SuccessCriteria []string                       `json:"success_criteria,omitempty"`
	FinalState      map[string]any                 `json:"final_state,omitempty"`
	History         []orchestrator.ExecutionRecord `json:"execution_history,omitempty"`
}

// Filter narrows ListRuns. Empty fields match everything.
type Filter struct {
	Status  string
	AgentID string
	Limit   int
}

// Journal persists goal runs. A re-run of the same goal id replaces the
// previous record.
type Journal struct {
	db     *sql.DB
	logger *slog.Logger
}

// Open creates or opens the journal database at path. Parent directories
// are created if needed.
func Open(path string, logger *slog.Logger) (*Journal, error) {
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "journal")

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("creating journal directory: %w", err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening journal database: %w", err)
	}

	// WAL keeps readers usable while a run is being recorded.
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling WAL mode: %w", err)
	}

	j := &Journal{db: db, logger: logger}
	if err := j.createSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating journal schema: %w", err)
	}

	logger.Info("run journal initialized", "path", path)
	return j, nil
}

// Close closes the underlying database.
func (j *Journal) Close() error {
	return j.db.Close()
}

func (j *Journal) createSchema() error {
	schema := `
		CREATE TABLE IF NOT EXISTS goal_runs (
			goal_id       TEXT PRIMARY KEY,
			description   TEXT NOT NULL,
			status        TEXT NOT NULL,
			agent_id      TEXT NOT NULL,
			iterations    INTEGER NOT NULL,
			criteria_json TEXT,
			state_json    TEXT,
			history_json  TEXT,
			started_at    TEXT NOT NULL,
			finished_at   TEXT NOT NULL,

			CHECK (status IN ('PENDING', 'IN_PROGRESS', 'COMPLETED', 'FAILED', 'REQUIRES_HUMAN'))
		);

		CREATE INDEX IF NOT EXISTS idx_goal_runs_status ON goal_runs(status);
		CREATE INDEX IF NOT EXISTS idx_goal_runs_agent ON goal_runs(agent_id);
		CREATE INDEX IF NOT EXISTS idx_goal_runs_finished ON goal_runs(finished_at DESC);
	`
	if _, err := j.db.Exec(schema); err != nil {
		return err
	}
	return nil
}

// RecordRun stores a finished run. It satisfies the orchestrator's
// RunRecorder.
func (j *Journal) RecordRun(ctx context.Context, ec *orchestrator.ExecutionContext) error {
	if ec == nil || ec.Goal == nil {
		return errors.New("journal: execution context without goal")
	}

	criteriaJSON, err := marshalOrNil(ec.Goal.SuccessCriteria)
	if err != nil {
		return fmt.Errorf("marshaling success criteria: %w", err)
	}
	stateJSON, err := marshalOrNil(ec.State)
	if err != nil {
		return fmt.Errorf("marshaling final state: %w", err)
	}
	historyJSON, err := marshalOrNil(ec.History)
	if err != nil {
		return fmt.Errorf("marshaling execution history: %w", err)
	}

	query := `
		INSERT INTO goal_runs (goal_id, description, status, agent_id, iterations, criteria_json, state_json, history_json, started_at, finished_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(goal_id) DO UPDATE SET
			description  = excluded.description,
			status       = excluded.status,
			agent_id     = excluded.agent_id,
			iterations   = excluded.iterations,
			criteria_json = excluded.criteria_json,
			state_json   = excluded.state_json,
			history_json = excluded.history_json,
			started_at   = excluded.started_at,
			finished_at  = excluded.finished_at
	`
	_, err = j.db.ExecContext(ctx, query,
		ec.Goal.ID,
		ec.Goal.Description,
		string(ec.Goal.Status),
		ec.Caller,
		len(ec.History),
		criteriaJSON,
		stateJSON,
		historyJSON,
		ec.StartedAt.UTC().Format(time.RFC3339),
		ec.FinishedAt.UTC().Format(time.RFC3339),
	)
	if err != nil {
		return fmt.Errorf("inserting goal run: %w", err)
	}

	j.logger.Debug("recorded goal run",
		"goal_id", ec.Goal.ID,
		"status", ec.Goal.Status,
		"iterations", len(ec.History))
	return nil
}

func marshalOrNil(v any) (*string, error) {
	if v == nil {
		return nil, nil
	}
	data, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	s := string(data)
	return &s, nil
}

// normalizeLimit applies default (50) and cap (500) to a listing limit.
func normalizeLimit(limit int) int {
	switch {
	case limit <= 0:
		return 50
	case limit > 500:
		return 500
	default:
		return limit
	}
}

const listRunsQuery = `
	SELECT goal_id, description, status, agent_id, iterations, started_at, finished_at
	FROM goal_runs
	WHERE (? IS NULL OR status = ?)
	  AND (? IS NULL OR agent_id = ?)
	ORDER BY finished_at DESC
	LIMIT ?
`

// ListRuns returns run summaries matching the filter, newest first.
func (j *Journal) ListRuns(ctx context.Context, f Filter) ([]RunSummary, error) {
	status := optional(f.Status)
	agent := optional(f.AgentID)

	rows, err := j.db.QueryContext(ctx, listRunsQuery,
		status, status,
		agent, agent,
		normalizeLimit(f.Limit),
	)
	if err != nil {
		return nil, fmt.Errorf("listing goal runs: %w", err)
	}
	defer rows.Close()

	var runs []RunSummary
	for rows.Next() {
		summary, err := scanSummary(rows)
		if err != nil {
			return nil, err
		}
		runs = append(runs, summary)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating goal runs: %w", err)
	}
	return runs, nil
}

const getRunQuery = `
	SELECT goal_id, description, status, agent_id, iterations, criteria_json, state_json, history_json, started_at, finished_at
	FROM goal_runs
	WHERE goal_id = ?
`

// GetRun returns the full record for one goal id.
func (j *Journal) GetRun(ctx context.Context, goalID string) (*Run, error) {
	row := j.db.QueryRowContext(ctx, getRunQuery, goalID)

	var run Run
	var criteriaJSON, stateJSON, historyJSON *string
	var startedStr, finishedStr string
	err := row.Scan(
		&run.GoalID,
		&run.Description,
		&run.Status,
		&run.AgentID,
		&run.Iterations,
		&criteriaJSON,
		&stateJSON,
		&historyJSON,
		&startedStr,
		&finishedStr,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrRunNotFound, goalID)
	}
	if err != nil {
		return nil, fmt.Errorf("scanning goal run: %w", err)
	}

	if run.StartedAt, err = time.Parse(time.RFC3339, startedStr); err != nil {
		return nil, fmt.Errorf("parsing started_at: %w", err)
	}
	if run.FinishedAt, err = time.Parse(time.RFC3339, finishedStr); err != nil {
		return nil, fmt.Errorf("parsing finished_at: %w", err)
	}
	if criteriaJSON != nil {
		if err := json.Unmarshal([]byte(*criteriaJSON), &run.SuccessCriteria); err != nil {
			return nil, fmt.Errorf("unmarshaling success criteria: %w", err)
		}
	}
	if stateJSON != nil {
		if err := json.Unmarshal([]byte(*stateJSON), &run.FinalState); err != nil {
			return nil, fmt.Errorf("unmarshaling final state: %w", err)
		}
	}
	if historyJSON != nil {
		if err := json.Unmarshal([]byte(*historyJSON), &run.History); err != nil {
			return nil, fmt.Errorf("unmarshaling execution history: %w", err)
		}
	}
	return &run, nil
}

func scanSummary(scanner interface{ Scan(dest ...any) error }) (RunSummary, error) {
	var summary RunSummary
	var startedStr, finishedStr string
	if err := scanner.Scan(
		&summary.GoalID,
		&summary.Description,
		&summary.Status,
		&summary.AgentID,
		&summary.Iterations,
		&startedStr,
		&finishedStr,
	); err != nil {
		return summary, fmt.Errorf("scanning goal run summary: %w", err)
	}

	var err error
	if summary.StartedAt, err = time.Parse(time.RFC3339, startedStr); err != nil {
		return summary, fmt.Errorf("parsing started_at: %w", err)
	}
	if summary.FinishedAt, err = time.Parse(time.RFC3339, finishedStr); err != nil {
		return summary, fmt.Errorf("parsing finished_at: %w", err)
	}
	return summary, nil
}

func optional(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
