// ABOUTME: Planner and Verifier seams for the reasoning loop, plus
// ABOUTME: deterministic implementations for tests and dry runs

package orchestrator

import (
	"context"
	"sync"
)

// PlanInput is the situation handed to a planner: the goal, the mutable
// run state, what already ran, and the tools the caller may use.
type PlanInput struct {
	Goal    *Goal
	State   map[string]any
	History []ExecutionRecord
	Tools   []ToolInfo
}

// Planner proposes the next action toward a goal. Returning a nil action
// with a nil error means the planner considers the run finished.
type Planner interface {
	Plan(ctx context.Context, in PlanInput) (*Action, error)
}

// Verifier judges whether accumulated state satisfies the goal's success
// criteria.
type Verifier interface {
	Verify(ctx context.Context, goal *Goal, state map[string]any) (bool, error)
}

// PlannerFunc adapts a function to the Planner interface.
type PlannerFunc func(ctx context.Context, in PlanInput) (*Action, error)

func (f PlannerFunc) Plan(ctx context.Context, in PlanInput) (*Action, error) {
	return f(ctx, in)
}

// VerifierFunc adapts a function to the Verifier interface.
type VerifierFunc func(ctx context.Context, goal *Goal, state map[string]any) (bool, error)

func (f VerifierFunc) Verify(ctx context.Context, goal *Goal, state map[string]any) (bool, error) {
	return f(ctx, goal, state)
}

// ScriptedPlanner replays a fixed sequence of actions, then reports the
// run finished. Safe for concurrent use.
type ScriptedPlanner struct {
	mu      sync.Mutex
	actions []*Action
	next    int
}

// NewScriptedPlanner builds a planner that emits the given actions in order.
func NewScriptedPlanner(actions ...*Action) *ScriptedPlanner {
	return &ScriptedPlanner{actions: actions}
}

func (p *ScriptedPlanner) Plan(ctx context.Context, _ PlanInput) (*Action, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.next >= len(p.actions) {
		return nil, nil
	}
	action := p.actions[p.next]
	p.next++
	return action, nil
}

// Remaining reports how many scripted actions have not been handed out yet.
func (p *ScriptedPlanner) Remaining() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.actions) - p.next
}

// StaticVerifier answers every verification with a fixed verdict.
type StaticVerifier bool

func (v StaticVerifier) Verify(context.Context, *Goal, map[string]any) (bool, error) {
	return bool(v), nil
}
