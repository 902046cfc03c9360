// ABOUTME: Goal-directed reasoning loop: plan, authorize, execute, merge
// ABOUTME: state, verify, and record the finished run for audit

package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/2389/procure-gateway/internal/acl"
	"github.com/2389/procure-gateway/internal/catalog"
	"github.com/2389/procure-gateway/internal/registry"
	"github.com/2389/procure-gateway/internal/rpc"
)

// DefaultCaller is the identity the loop acts under when none is configured.
const DefaultCaller = "reasoning_orchestrator"

// DefaultMaxIterations caps the plan/execute cycle per run.
const DefaultMaxIterations = 10

const auditMethod = "database.log_execution"

// Dispatcher executes catalog methods on behalf of a caller.
// *dispatch.Dispatcher satisfies it.
type Dispatcher interface {
	Dispatch(ctx context.Context, caller, requestID string, req *rpc.Request) *rpc.Response
}

// RunRecorder persists a finished run. Recording happens on the request
// path, so implementations should return quickly.
type RunRecorder interface {
	RecordRun(ctx context.Context, ec *ExecutionContext) error
}

// Config assembles an Orchestrator. Planner, Verifier, ACL, Catalog, and
// Registry are required; Dispatcher and Recorder may be nil, which disables
// catalog calls and run persistence respectively.
type Config struct {
	Caller         string
	ACL            *acl.List
	Catalog        *catalog.Catalog
	Registry       *registry.Registry
	Container      *registry.Container
	Dispatcher     Dispatcher
	Planner        Planner
	Verifier       Verifier
	Recorder       RunRecorder
	MaxIterations  int
	PlannerTimeout time.Duration
	ToolTimeout    time.Duration
	Logger         *slog.Logger
}

// Orchestrator drives goals to a terminal status. Every action is checked
// against the ACL under the orchestrator's own identity, whether it runs in
// process or through the dispatcher.
type Orchestrator struct {
	caller     string
	acl        *acl.List
	catalog    *catalog.Catalog
	registry   *registry.Registry
	container  *registry.Container
	dispatcher Dispatcher
	planner    Planner
	verifier   Verifier
	recorder   RunRecorder
	maxIter    int
	planTO     time.Duration
	toolTO     time.Duration
	logger     *slog.Logger
}

// New validates cfg and builds the loop.
func New(cfg Config) (*Orchestrator, error) {
	if cfg.Planner == nil {
		return nil, errors.New("orchestrator: planner is required")
	}
	if cfg.Verifier == nil {
		return nil, errors.New("orchestrator: verifier is required")
	}
	if cfg.ACL == nil {
		return nil, errors.New("orchestrator: acl is required")
	}
	if cfg.Catalog == nil {
		return nil, errors.New("orchestrator: catalog is required")
	}
	if cfg.Registry == nil {
		return nil, errors.New("orchestrator: registry is required")
	}
	caller := cfg.Caller
	if caller == "" {
		caller = DefaultCaller
	}
	maxIter := cfg.MaxIterations
	if maxIter <= 0 {
		maxIter = DefaultMaxIterations
	}
	container := cfg.Container
	if container == nil {
		container = registry.NewContainer()
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Orchestrator{
		caller:     caller,
		acl:        cfg.ACL,
		catalog:    cfg.Catalog,
		registry:   cfg.Registry,
		container:  container,
		dispatcher: cfg.Dispatcher,
		planner:    cfg.Planner,
		verifier:   cfg.Verifier,
		recorder:   cfg.Recorder,
		maxIter:    maxIter,
		planTO:     cfg.PlannerTimeout,
		toolTO:     cfg.ToolTimeout,
		logger:     logger.With("component", "orchestrator"),
	}, nil
}

// Caller returns the identity the loop acts under.
func (o *Orchestrator) Caller() string {
	return o.caller
}

// AchieveGoal runs the reasoning loop until the goal reaches a terminal
// status or the iteration cap is spent. A planning failure consumes an
// iteration and the loop carries on; a planner that returns no action ends
// the run through one final verification. The returned context records
// everything that happened and is always non-nil on a nil error.
func (o *Orchestrator) AchieveGoal(ctx context.Context, goal *Goal) (*ExecutionContext, error) {
	if goal == nil {
		return nil, errors.New("orchestrator: goal is required")
	}
	if strings.TrimSpace(goal.Description) == "" {
		return nil, errors.New("orchestrator: goal description is required")
	}
	if goal.ID == "" {
		goal.ID = uuid.NewString()
	}
	goal.Status = StatusInProgress

	ec := &ExecutionContext{
		Goal:      goal,
		Caller:    o.caller,
		Tools:     o.discoverTools(),
		State:     make(map[string]any),
		StartedAt: time.Now().UTC(),
	}
	o.logger.Info("goal accepted",
		"goal_id", goal.ID,
		"criteria", len(goal.SuccessCriteria),
		"tools", len(ec.Tools))

	for iteration := 1; iteration <= o.maxIter; iteration++ {
		if err := ctx.Err(); err != nil {
			o.logger.Warn("run cancelled", "goal_id", goal.ID, "iteration", iteration, "error", err)
			goal.Status = StatusFailed
			break
		}

		action, err := o.plan(ctx, ec)
		if err != nil {
			o.logger.Warn("action planning failed", "goal_id", goal.ID, "iteration", iteration, "error", err)
			continue
		}
		if action == nil {
			if o.goalMet(ctx, ec) {
				goal.Status = StatusCompleted
			} else {
				goal.Status = StatusRequiresHuman
			}
			break
		}

		o.logger.Info("executing action",
			"goal_id", goal.ID,
			"iteration", iteration,
			"method", action.Method)
		result, err := o.executeAction(ctx, ec, action)
		now := time.Now().UTC()
		if err != nil {
			o.logger.Warn("action failed", "goal_id", goal.ID, "method", action.Method, "error", err)
			ec.History = append(ec.History, ExecutionRecord{
				Action:    *action,
				Status:    recordError,
				Error:     err.Error(),
				Timestamp: now,
			})
			continue
		}
		ec.History = append(ec.History, ExecutionRecord{
			Action:    *action,
			Status:    recordSuccess,
			Result:    result,
			Timestamp: now,
		})
		o.mergeState(ec.State, action.Method, result)

		if o.goalMet(ctx, ec) {
			goal.Status = StatusCompleted
			break
		}
	}

	if !goal.Status.Terminal() {
		o.logger.Warn("iteration cap reached", "goal_id", goal.ID, "cap", o.maxIter)
		goal.Status = StatusFailed
	}
	ec.FinishedAt = time.Now().UTC()
	o.logger.Info("goal finished",
		"goal_id", goal.ID,
		"status", goal.Status,
		"actions", len(ec.History))

	o.recordRun(ctx, ec)
	return ec, nil
}

func (o *Orchestrator) plan(ctx context.Context, ec *ExecutionContext) (*Action, error) {
	pctx, cancel := withTimeout(ctx, o.planTO)
	defer cancel()
	return o.planner.Plan(pctx, PlanInput{
		Goal:    ec.Goal,
		State:   ec.State,
		History: ec.History,
		Tools:   ec.Tools,
	})
}

// goalMet treats a verifier failure as an unmet goal so the loop keeps
// working instead of declaring success on a broken check.
func (o *Orchestrator) goalMet(ctx context.Context, ec *ExecutionContext) bool {
	vctx, cancel := withTimeout(ctx, o.planTO)
	defer cancel()
	met, err := o.verifier.Verify(vctx, ec.Goal, ec.State)
	if err != nil {
		o.logger.Warn("goal verification failed", "goal_id", ec.Goal.ID, "error", err)
		return false
	}
	return met
}

// discoverTools lists the methods the loop's identity is granted, enriched
// with catalog or registry metadata. Grants nothing serves are skipped.
func (o *Orchestrator) discoverTools() []ToolInfo {
	aclView := o.acl.View()
	catView := o.catalog.View()

	methods := aclView.MethodsFor(o.caller)
	tools := make([]ToolInfo, 0, len(methods))
	for _, name := range methods {
		if m, ok := catView.Resolve(name); ok {
			info := ToolInfo{
				Method:      name,
				ServiceType: string(m.Kind),
				Description: m.Description(),
			}
			if schema, ok := m.InputSchema(); ok {
				info.InputSchema = schema
			}
			if schema, ok := m.OutputSchema(); ok {
				info.OutputSchema = schema
			}
			tools = append(tools, info)
			continue
		}
		if d, ok := o.registry.Resolve(name); ok {
			tools = append(tools, ToolInfo{
				Method:       d.Name,
				ServiceType:  d.ServiceType,
				Description:  d.Description,
				InputSchema:  d.InputSchema,
				OutputSchema: d.OutputSchema,
			})
			continue
		}
		o.logger.Debug("granted method has no backing tool", "method", name)
	}
	return tools
}

// executeAction authorizes and runs one planned step. Registry tools run
// in process; everything else goes through the dispatcher.
func (o *Orchestrator) executeAction(ctx context.Context, ec *ExecutionContext, action *Action) (json.RawMessage, error) {
	params := action.Parameters
	if len(params) == 0 || string(params) == "null" {
		params = json.RawMessage(`{}`)
	}

	// Persist calls ignore planned parameters and write the stashed full
	// result instead, so large payloads never round-trip through the planner.
	if owner, ok := o.registry.ToolForPersistMethod(action.Method); ok {
		short := stateKey(owner.Name)
		stash, ok := ec.State[stashKey(short)]
		if !ok {
			return nil, fmt.Errorf("result for %q not found in state, cannot save", short)
		}
		raw, err := json.Marshal(stash)
		if err != nil {
			return nil, fmt.Errorf("encoding stashed %s result: %w", short, err)
		}
		params = raw
	}

	if _, ok := o.registry.Resolve(action.Method); ok {
		return o.runTool(ctx, action.Method, params)
	}
	return o.dispatch(ctx, action.Method, params)
}

func (o *Orchestrator) runTool(ctx context.Context, method string, params json.RawMessage) (json.RawMessage, error) {
	if !o.acl.Allowed(o.caller, method) {
		return nil, fmt.Errorf("agent %q is not authorized to call method %q", o.caller, method)
	}
	tool, err := o.registry.Build(method, o.container)
	if err != nil {
		return nil, err
	}
	tctx, cancel := withTimeout(ctx, o.toolTO)
	defer cancel()
	return tool.Run(tctx, o.caller, params)
}

func (o *Orchestrator) dispatch(ctx context.Context, method string, params json.RawMessage) (json.RawMessage, error) {
	if o.dispatcher == nil {
		return nil, fmt.Errorf("no dispatcher configured for method %q", method)
	}
	id := uuid.NewString()
	req := &rpc.Request{
		JSONRPC: rpc.Version,
		Method:  method,
		Params:  params,
		ID:      json.RawMessage(strconv.Quote(id)),
	}
	resp := o.dispatcher.Dispatch(ctx, o.caller, id, req)
	if resp == nil {
		return nil, fmt.Errorf("no response for method %q", method)
	}
	if resp.Error != nil {
		return nil, errors.New(resp.Error.Message)
	}
	raw, err := json.Marshal(resp.Result)
	if err != nil {
		return nil, fmt.Errorf("encoding %s result: %w", method, err)
	}
	return raw, nil
}

// mergeState folds a successful result into run state the way the planner
// prompt expects: completion markers plus a scalar summary, with the full
// payload stashed until the matching persist call consumes it.
func (o *Orchestrator) mergeState(state map[string]any, method string, result json.RawMessage) {
	var decoded any
	if len(result) > 0 {
		if err := json.Unmarshal(result, &decoded); err != nil {
			o.logger.Warn("undecodable action result", "method", method, "error", err)
			return
		}
	}
	obj, isObject := decoded.(map[string]any)
	if !isObject {
		state[method+"_result"] = decoded
		return
	}
	state["last_action_status"] = recordSuccess

	if d, ok := o.registry.Resolve(method); ok {
		short := stateKey(method)
		state[short+"_completed"] = true
		state[short+"_summary"] = scalarFields(obj)
		if d.PersistMethod != "" {
			state[short+"_pending_save"] = true
			state[stashKey(short)] = obj
		}
		return
	}
	if owner, ok := o.registry.ToolForPersistMethod(method); ok {
		short := stateKey(owner.Name)
		state[short+"_saved"] = true
		delete(state, short+"_pending_save")
		delete(state, short+"_summary")
		delete(state, stashKey(short))
		return
	}
	if method == "database.create_procurement" {
		if id, ok := obj["procurementId"]; ok {
			state["procurementId"] = id
		}
		state["procurement_created"] = true
	}
}

// recordRun persists the finished run. Both sinks are best effort and run
// even when the request context is already cancelled.
func (o *Orchestrator) recordRun(ctx context.Context, ec *ExecutionContext) {
	rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()

	if o.recorder != nil {
		if err := o.recorder.RecordRun(rctx, ec); err != nil {
			o.logger.Warn("recording run", "goal_id", ec.Goal.ID, "error", err)
		}
	}
	o.auditRun(rctx, ec)
}

// auditRun mirrors the run into the execution log when the database service
// is reachable.
func (o *Orchestrator) auditRun(ctx context.Context, ec *ExecutionContext) {
	if o.dispatcher == nil {
		return
	}
	history := ec.History
	if history == nil {
		// The execution log schema wants an array even for zero-action runs.
		history = []ExecutionRecord{}
	}
	payload := map[string]any{
		"procurementId":    ec.Goal.ID,
		"goalDescription":  ec.Goal.Description,
		"status":           string(ec.Goal.Status),
		"iterations":       len(history),
		"finalState":       ec.State,
		"executionHistory": history,
		"agentId":          o.caller,
	}
	params, err := json.Marshal(payload)
	if err != nil {
		o.logger.Warn("encoding audit payload", "goal_id", ec.Goal.ID, "error", err)
		return
	}
	if _, err := o.dispatch(ctx, auditMethod, params); err != nil {
		o.logger.Warn("writing execution log", "goal_id", ec.Goal.ID, "error", err)
	}
}

// stateKey derives the short state prefix for a method name. Agent runs
// drop the "agent.run_" prefix; other methods use the bare function name.
func stateKey(method string) string {
	if short, ok := strings.CutPrefix(method, "agent.run_"); ok {
		return short
	}
	if _, fn, ok := strings.Cut(method, "."); ok {
		return fn
	}
	return method
}

func stashKey(short string) string {
	return "_temp_" + short + "_result_for_saving"
}

// scalarFields keeps only flat values, dropping nested objects and arrays.
func scalarFields(obj map[string]any) map[string]any {
	summary := make(map[string]any, len(obj))
	for k, v := range obj {
		switch v.(type) {
		case map[string]any, []any:
		default:
			summary[k] = v
		}
	}
	return summary
}

func withTimeout(ctx context.Context, d time.Duration) (context.Context, context.CancelFunc) {
	if d <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, d)
}
