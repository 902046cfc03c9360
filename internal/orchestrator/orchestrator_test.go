// ABOUTME: Reasoning loop tests: terminal statuses, persist overrides,
// ABOUTME: state merging, and authorization of planned actions

package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/procure-gateway/internal/acl"
	"github.com/2389/procure-gateway/internal/catalog"
	"github.com/2389/procure-gateway/internal/registry"
	"github.com/2389/procure-gateway/internal/rpc"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

const triageResult = `{"color":"GUL","reasoning":"moderat verdi","confidence":0.8,"risk_factors":["leverandørrisiko"]}`

type dispatchedCall struct {
	Caller string
	Method string
	Params json.RawMessage
}

// fakeDispatcher replays canned results per method and records every call.
type fakeDispatcher struct {
	mu      sync.Mutex
	calls   []dispatchedCall
	results map[string]any
	errors  map[string]*rpc.Error
}

func newFakeDispatcher() *fakeDispatcher {
	return &fakeDispatcher{
		results: map[string]any{
			"database.log_execution": map[string]any{"logged": true},
		},
		errors: map[string]*rpc.Error{},
	}
}

func (d *fakeDispatcher) Dispatch(_ context.Context, caller, _ string, req *rpc.Request) *rpc.Response {
	d.mu.Lock()
	d.calls = append(d.calls, dispatchedCall{
		Caller: caller,
		Method: req.Method,
		Params: append(json.RawMessage(nil), req.Params...),
	})
	d.mu.Unlock()

	if rpcErr, ok := d.errors[req.Method]; ok {
		return rpc.ErrorResponse(req.ID, rpcErr)
	}
	if result, ok := d.results[req.Method]; ok {
		return rpc.ResultResponse(req.ID, result)
	}
	return rpc.ErrorResponse(req.ID, rpc.NewError(rpc.CodeMethodNotFound, "Method '"+req.Method+"' not found"))
}

func (d *fakeDispatcher) callsFor(method string) []dispatchedCall {
	d.mu.Lock()
	defer d.mu.Unlock()
	var out []dispatchedCall
	for _, c := range d.calls {
		if c.Method == method {
			out = append(out, c)
		}
	}
	return out
}

type fakeRecorder struct {
	mu   sync.Mutex
	runs []*ExecutionContext
	err  error
}

func (r *fakeRecorder) RecordRun(_ context.Context, ec *ExecutionContext) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.runs = append(r.runs, ec)
	return r.err
}

type testEnv struct {
	acl        *acl.List
	catalog    *catalog.Catalog
	registry   *registry.Registry
	container  *registry.Container
	dispatcher *fakeDispatcher
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	logger := testLogger()

	lst := acl.New(logger)
	lst.Replace(map[string][]string{
		DefaultCaller: {
			"agent.run_triage",
			"database.create_procurement",
			"database.save_triage_result",
			"database.log_execution",
		},
	})

	cat := catalog.New(logger)
	cat.Replace([]catalog.Method{
		{
			Service: "database", Function: "create_procurement",
			Kind: catalog.KindProcedure, TargetRef: "api.create_procurement",
			Metadata: map[string]any{
				"description":  "Oppretter ny anskaffelsessak",
				"input_schema": map[string]any{"type": "object", "required": []any{"name", "value"}},
			},
		},
		{
			Service: "database", Function: "save_triage_result",
			Kind: catalog.KindProcedure, TargetRef: "api.save_triage_result",
			Metadata: map[string]any{"description": "Lagrer triage-resultat"},
		},
		{
			Service: "database", Function: "log_execution",
			Kind: catalog.KindProcedure, TargetRef: "api.log_execution",
			Metadata: map[string]any{"description": "Logger orkestreringskjøring"},
		},
	})

	reg := registry.NewRegistry(logger)
	require.NoError(t, reg.Register(registry.Descriptor{
		Name:          "agent.run_triage",
		ServiceType:   "specialist_agent",
		Description:   "Klassifiserer anskaffelse som GRØNN, GUL eller RØD",
		PersistMethod: "database.save_triage_result",
		Build: func(map[string]any) (registry.Tool, error) {
			return registry.ToolFunc(func(context.Context, string, json.RawMessage) (json.RawMessage, error) {
				return json.RawMessage(triageResult), nil
			}), nil
		},
	}))

	return &testEnv{
		acl:        lst,
		catalog:    cat,
		registry:   reg,
		container:  registry.NewContainer(),
		dispatcher: newFakeDispatcher(),
	}
}

func (e *testEnv) orchestrator(t *testing.T, planner Planner, verifier Verifier, opts ...func(*Config)) *Orchestrator {
	t.Helper()
	cfg := Config{
		ACL:        e.acl,
		Catalog:    e.catalog,
		Registry:   e.registry,
		Container:  e.container,
		Dispatcher: e.dispatcher,
		Planner:    planner,
		Verifier:   verifier,
		Logger:     testLogger(),
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	o, err := New(cfg)
	require.NoError(t, err)
	return o
}

func testGoal() *Goal {
	return &Goal{
		ID:          "goal-1",
		Description: "Vurder anskaffelse av bærbare PC-er",
		Context:     map[string]any{"name": "PC-kjøp", "value": 800000},
		SuccessCriteria: []string{
			"Procurement case created in database",
			"Triage assessment completed and saved",
		},
	}
}

func TestNewRequiresCollaborators(t *testing.T) {
	env := newTestEnv(t)

	_, err := New(Config{})
	require.ErrorContains(t, err, "planner is required")

	_, err = New(Config{Planner: NewScriptedPlanner()})
	require.ErrorContains(t, err, "verifier is required")

	_, err = New(Config{Planner: NewScriptedPlanner(), Verifier: StaticVerifier(true)})
	require.ErrorContains(t, err, "acl is required")

	o := env.orchestrator(t, NewScriptedPlanner(), StaticVerifier(true))
	assert.Equal(t, DefaultCaller, o.Caller())
}

func TestAchieveGoalRejectsEmptyGoal(t *testing.T) {
	env := newTestEnv(t)
	o := env.orchestrator(t, NewScriptedPlanner(), StaticVerifier(true))

	_, err := o.AchieveGoal(context.Background(), nil)
	require.ErrorContains(t, err, "goal is required")

	_, err = o.AchieveGoal(context.Background(), &Goal{Description: "   "})
	require.ErrorContains(t, err, "description is required")
}

func TestAchieveGoalAssignsIDWhenMissing(t *testing.T) {
	env := newTestEnv(t)
	o := env.orchestrator(t, NewScriptedPlanner(), StaticVerifier(true))

	ec, err := o.AchieveGoal(context.Background(), &Goal{Description: "noe"})
	require.NoError(t, err)
	assert.NotEmpty(t, ec.Goal.ID)
}

func TestAchieveGoalAlreadySatisfied(t *testing.T) {
	env := newTestEnv(t)
	recorder := &fakeRecorder{}
	o := env.orchestrator(t, NewScriptedPlanner(), StaticVerifier(true), func(cfg *Config) {
		cfg.Recorder = recorder
	})

	ec, err := o.AchieveGoal(context.Background(), testGoal())
	require.NoError(t, err)

	assert.Equal(t, StatusCompleted, ec.Goal.Status)
	assert.Empty(t, ec.History)
	assert.False(t, ec.FinishedAt.IsZero())

	require.Len(t, recorder.runs, 1)
	audits := env.dispatcher.callsFor("database.log_execution")
	require.Len(t, audits, 1)

	var payload map[string]any
	require.NoError(t, json.Unmarshal(audits[0].Params, &payload))
	assert.Equal(t, "goal-1", payload["procurementId"])
	assert.Equal(t, "COMPLETED", payload["status"])
	assert.Equal(t, float64(0), payload["iterations"])
	assert.Equal(t, DefaultCaller, payload["agentId"])
}

func TestAchieveGoalRequiresHumanWhenPlannerStopsEarly(t *testing.T) {
	env := newTestEnv(t)
	o := env.orchestrator(t, NewScriptedPlanner(), StaticVerifier(false))

	ec, err := o.AchieveGoal(context.Background(), testGoal())
	require.NoError(t, err)
	assert.Equal(t, StatusRequiresHuman, ec.Goal.Status)
	assert.Empty(t, ec.History)
}

func TestAchieveGoalPlannerFailuresExhaustIterations(t *testing.T) {
	env := newTestEnv(t)
	var attempts int
	planner := PlannerFunc(func(context.Context, PlanInput) (*Action, error) {
		attempts++
		return nil, errors.New("model unavailable")
	})
	o := env.orchestrator(t, planner, StaticVerifier(true), func(cfg *Config) {
		cfg.MaxIterations = 4
	})

	ec, err := o.AchieveGoal(context.Background(), testGoal())
	require.NoError(t, err)

	assert.Equal(t, StatusFailed, ec.Goal.Status)
	assert.Equal(t, 4, attempts)
	assert.Empty(t, ec.History)
}

func TestAchieveGoalIterationCapWithActions(t *testing.T) {
	env := newTestEnv(t)
	env.dispatcher.results["database.create_procurement"] = map[string]any{"procurementId": "proc-1"}
	planner := PlannerFunc(func(context.Context, PlanInput) (*Action, error) {
		return &Action{Method: "database.create_procurement", Parameters: json.RawMessage(`{"name":"x"}`)}, nil
	})
	o := env.orchestrator(t, planner, StaticVerifier(false), func(cfg *Config) {
		cfg.MaxIterations = 3
	})

	ec, err := o.AchieveGoal(context.Background(), testGoal())
	require.NoError(t, err)

	assert.Equal(t, StatusFailed, ec.Goal.Status)
	assert.Len(t, ec.History, 3)
}

func TestAchieveGoalCreateComputeSave(t *testing.T) {
	env := newTestEnv(t)
	env.dispatcher.results["database.create_procurement"] = map[string]any{
		"procurementId": "proc-123",
		"status":        "created",
	}
	env.dispatcher.results["database.save_triage_result"] = map[string]any{"saved": true}

	planner := NewScriptedPlanner(
		&Action{
			Method:     "database.create_procurement",
			Parameters: json.RawMessage(`{"name":"PC-kjøp","value":800000}`),
			Reasoning:  "Første steg er å opprette anskaffelsessaken",
		},
		&Action{
			Method:     "agent.run_triage",
			Parameters: json.RawMessage(`{"name":"PC-kjøp","value":800000}`),
		},
		&Action{
			Method:     "database.save_triage_result",
			Parameters: json.RawMessage(`{"planner":"parameters are replaced"}`),
		},
	)
	verifier := VerifierFunc(func(_ context.Context, _ *Goal, state map[string]any) (bool, error) {
		saved, _ := state["triage_saved"].(bool)
		return saved, nil
	})
	o := env.orchestrator(t, planner, verifier)

	ec, err := o.AchieveGoal(context.Background(), testGoal())
	require.NoError(t, err)

	assert.Equal(t, StatusCompleted, ec.Goal.Status)
	require.Len(t, ec.History, 3)
	for _, rec := range ec.History {
		assert.Equal(t, "success", rec.Status, rec.Action.Method)
	}

	assert.Equal(t, true, ec.State["procurement_created"])
	assert.Equal(t, "proc-123", ec.State["procurementId"])
	assert.Equal(t, true, ec.State["triage_completed"])
	assert.Equal(t, true, ec.State["triage_saved"])
	assert.NotContains(t, ec.State, "triage_pending_save")
	assert.NotContains(t, ec.State, "_temp_triage_result_for_saving")
	assert.NotContains(t, ec.State, "triage_summary")
	assert.Equal(t, "success", ec.State["last_action_status"])

	// The persist call must carry the full triage result, not the planner's
	// placeholder parameters.
	saves := env.dispatcher.callsFor("database.save_triage_result")
	require.Len(t, saves, 1)
	assert.JSONEq(t, triageResult, string(saves[0].Params))
}

func TestAchieveGoalStashedSummaryDropsNestedFields(t *testing.T) {
	env := newTestEnv(t)
	planner := NewScriptedPlanner(
		&Action{Method: "agent.run_triage", Parameters: json.RawMessage(`{"name":"x","value":1}`)},
	)
	o := env.orchestrator(t, planner, StaticVerifier(false))

	ec, err := o.AchieveGoal(context.Background(), testGoal())
	require.NoError(t, err)

	assert.Equal(t, true, ec.State["triage_pending_save"])
	summary, ok := ec.State["triage_summary"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "GUL", summary["color"])
	assert.NotContains(t, summary, "risk_factors")

	stash, ok := ec.State["_temp_triage_result_for_saving"].(map[string]any)
	require.True(t, ok)
	assert.Contains(t, stash, "risk_factors")
}

func TestAchieveGoalPersistWithoutStashedResult(t *testing.T) {
	env := newTestEnv(t)
	planner := NewScriptedPlanner(
		&Action{Method: "database.save_triage_result"},
	)
	o := env.orchestrator(t, planner, StaticVerifier(false))

	ec, err := o.AchieveGoal(context.Background(), testGoal())
	require.NoError(t, err)

	assert.Equal(t, StatusRequiresHuman, ec.Goal.Status)
	require.Len(t, ec.History, 1)
	assert.Equal(t, "error", ec.History[0].Status)
	assert.Contains(t, ec.History[0].Error, "not found in state, cannot save")
	assert.Empty(t, env.dispatcher.callsFor("database.save_triage_result"))
}

func TestAchieveGoalRecordsDispatcherDenial(t *testing.T) {
	env := newTestEnv(t)
	env.acl.Replace(map[string][]string{
		"reporting_agent": {"database.get_procurement"},
	})
	env.dispatcher.errors["database.update_procurement"] = rpc.NewError(rpc.CodeUnauthorized,
		"Agent 'reporting_agent' is not authorized to call method 'database.update_procurement'")

	planner := NewScriptedPlanner(
		&Action{Method: "database.update_procurement", Parameters: json.RawMessage(`{"status":"ferdig"}`)},
	)
	o := env.orchestrator(t, planner, StaticVerifier(false), func(cfg *Config) {
		cfg.Caller = "reporting_agent"
	})

	ec, err := o.AchieveGoal(context.Background(), testGoal())
	require.NoError(t, err)

	assert.Equal(t, StatusRequiresHuman, ec.Goal.Status)
	require.Len(t, ec.History, 1)
	assert.Equal(t, "error", ec.History[0].Status)
	assert.Contains(t, ec.History[0].Error, "is not authorized")
	assert.NotContains(t, ec.State, "last_action_status")
}

func TestAchieveGoalDeniesUngrantedRegistryTool(t *testing.T) {
	env := newTestEnv(t)
	env.acl.Replace(map[string][]string{
		DefaultCaller: {"database.log_execution"},
	})

	planner := NewScriptedPlanner(
		&Action{Method: "agent.run_triage", Parameters: json.RawMessage(`{"name":"x","value":1}`)},
	)
	o := env.orchestrator(t, planner, StaticVerifier(false))

	ec, err := o.AchieveGoal(context.Background(), testGoal())
	require.NoError(t, err)

	require.Len(t, ec.History, 1)
	assert.Equal(t, "error", ec.History[0].Status)
	assert.Contains(t, ec.History[0].Error, "not authorized to call method")
	assert.NotContains(t, ec.State, "triage_completed")
}

func TestAchieveGoalVerifierErrorKeepsLooping(t *testing.T) {
	env := newTestEnv(t)
	env.dispatcher.results["database.create_procurement"] = map[string]any{"procurementId": "p1"}

	planner := NewScriptedPlanner(
		&Action{Method: "database.create_procurement", Parameters: json.RawMessage(`{"name":"x"}`)},
	)
	var verifications int
	verifier := VerifierFunc(func(context.Context, *Goal, map[string]any) (bool, error) {
		verifications++
		if verifications == 1 {
			return false, errors.New("model unavailable")
		}
		return true, nil
	})
	o := env.orchestrator(t, planner, verifier)

	ec, err := o.AchieveGoal(context.Background(), testGoal())
	require.NoError(t, err)

	// First verification fails after the action, the second runs when the
	// planner reports done.
	assert.Equal(t, StatusCompleted, ec.Goal.Status)
	assert.Equal(t, 2, verifications)
	assert.Len(t, ec.History, 1)
}

func TestAchieveGoalCancelledContextFailsRunButStillRecords(t *testing.T) {
	env := newTestEnv(t)
	recorder := &fakeRecorder{}
	o := env.orchestrator(t, NewScriptedPlanner(), StaticVerifier(true), func(cfg *Config) {
		cfg.Recorder = recorder
	})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	ec, err := o.AchieveGoal(ctx, testGoal())
	require.NoError(t, err)

	assert.Equal(t, StatusFailed, ec.Goal.Status)
	assert.Empty(t, ec.History)
	require.Len(t, recorder.runs, 1)
	assert.Len(t, env.dispatcher.callsFor("database.log_execution"), 1)
}

func TestDiscoverToolsMergesCatalogAndRegistry(t *testing.T) {
	env := newTestEnv(t)
	env.acl.Replace(map[string][]string{
		DefaultCaller: {
			"agent.run_triage",
			"database.create_procurement",
			"ghost.method",
		},
	})
	o := env.orchestrator(t, NewScriptedPlanner(), StaticVerifier(true))

	tools := o.discoverTools()
	require.Len(t, tools, 2)

	byMethod := map[string]ToolInfo{}
	for _, tool := range tools {
		byMethod[tool.Method] = tool
	}

	triage := byMethod["agent.run_triage"]
	assert.Equal(t, "specialist_agent", triage.ServiceType)
	assert.Contains(t, triage.Description, "GRØNN")

	create := byMethod["database.create_procurement"]
	assert.Equal(t, "postgres_rpc", create.ServiceType)
	assert.Contains(t, string(create.InputSchema), "required")
}

func TestMergeStateScalarResult(t *testing.T) {
	env := newTestEnv(t)
	o := env.orchestrator(t, NewScriptedPlanner(), StaticVerifier(true))

	state := map[string]any{}
	o.mergeState(state, "tool.calculate_thresholds", json.RawMessage(`42`))
	assert.Equal(t, float64(42), state["tool.calculate_thresholds_result"])
	assert.NotContains(t, state, "last_action_status")
}

func TestMergeStateRegistryToolWithoutPersist(t *testing.T) {
	env := newTestEnv(t)
	require.NoError(t, env.registry.Register(registry.Descriptor{
		Name:        "tool.calculate_thresholds",
		ServiceType: "automated_tool",
		Build: func(map[string]any) (registry.Tool, error) {
			return registry.ToolFunc(func(context.Context, string, json.RawMessage) (json.RawMessage, error) {
				return json.RawMessage(`{}`), nil
			}), nil
		},
	}))
	o := env.orchestrator(t, NewScriptedPlanner(), StaticVerifier(true))

	state := map[string]any{}
	o.mergeState(state, "tool.calculate_thresholds", json.RawMessage(`{"procedure":"Åpen anbudskonkurranse","deadlines":{"tilbudsfrist":20}}`))

	assert.Equal(t, true, state["calculate_thresholds_completed"])
	assert.NotContains(t, state, "calculate_thresholds_pending_save")
	summary := state["calculate_thresholds_summary"].(map[string]any)
	assert.Equal(t, "Åpen anbudskonkurranse", summary["procedure"])
	assert.NotContains(t, summary, "deadlines")
}

func TestStateKeyDerivation(t *testing.T) {
	cases := map[string]string{
		"agent.run_triage":            "triage",
		"agent.run_oslomodell":        "oslomodell",
		"database.save_triage_result": "save_triage_result",
		"tool.calculate_thresholds":   "calculate_thresholds",
		"no_dot":                      "no_dot",
	}
	for method, want := range cases {
		assert.Equal(t, want, stateKey(method), method)
	}
}

func TestScriptedPlannerSequence(t *testing.T) {
	first := &Action{Method: "a.b"}
	second := &Action{Method: "c.d"}
	planner := NewScriptedPlanner(first, second)

	got, err := planner.Plan(context.Background(), PlanInput{})
	require.NoError(t, err)
	assert.Same(t, first, got)
	assert.Equal(t, 1, planner.Remaining())

	got, err = planner.Plan(context.Background(), PlanInput{})
	require.NoError(t, err)
	assert.Same(t, second, got)

	got, err = planner.Plan(context.Background(), PlanInput{})
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestWithTimeoutZeroKeepsParentDeadline(t *testing.T) {
	ctx, cancel := withTimeout(context.Background(), 0)
	defer cancel()
	_, ok := ctx.Deadline()
	assert.False(t, ok)

	ctx, cancel = withTimeout(context.Background(), time.Second)
	defer cancel()
	_, ok = ctx.Deadline()
	assert.True(t, ok)
}
