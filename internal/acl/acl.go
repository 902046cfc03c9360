// ABOUTME: Per-caller method allow-lists with atomic reload semantics
// ABOUTME: Checked against the full dotted method name before catalog resolution

package acl

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
)

// Source loads ACL grants from persistent configuration.
type Source interface {
	LoadACL(ctx context.Context) (map[string][]string, error)
}

// List holds the caller allow-lists. Reloads swap the whole structure under
// one reference; readers take a View and never observe a partial update.
type List struct {
	mu     sync.RWMutex
	grants map[string]map[string]struct{}
	logger *slog.Logger
}

// New creates an ACL pre-populated with the built-in default grants.
func New(logger *slog.Logger) *List {
	if logger == nil {
		logger = slog.Default()
	}
	l := &List{logger: logger.With("component", "acl")}
	l.Replace(Defaults())
	return l
}

// Load pulls grants from src and swaps them in. On any load error the
// current grants are retained; the error is returned for reporting but must
// not abort startup.
func (l *List) Load(ctx context.Context, src Source) error {
	grants, err := src.LoadACL(ctx)
	if err != nil {
		l.logger.Warn("acl load failed, keeping current grants", "error", err)
		return fmt.Errorf("loading acl: %w", err)
	}
	if len(grants) == 0 {
		l.logger.Warn("acl source is empty, keeping current grants")
		return nil
	}

	l.Replace(grants)
	total := 0
	for _, methods := range grants {
		total += len(methods)
	}
	l.logger.Info("acl loaded", "callers", len(grants), "grants", total)
	return nil
}

// Replace atomically installs a new grant set.
func (l *List) Replace(grants map[string][]string) {
	next := make(map[string]map[string]struct{}, len(grants))
	for caller, methods := range grants {
		set := make(map[string]struct{}, len(methods))
		for _, m := range methods {
			set[m] = struct{}{}
		}
		next[caller] = set
	}

	l.mu.Lock()
	l.grants = next
	l.mu.Unlock()
}

// View returns an immutable snapshot of the current grants.
func (l *List) View() View {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return View{grants: l.grants}
}

// Allowed reports whether caller may invoke the dotted method name.
func (l *List) Allowed(caller, method string) bool {
	return l.View().Allowed(caller, method)
}

// View is a point-in-time ACL snapshot.
type View struct {
	grants map[string]map[string]struct{}
}

// Allowed reports whether caller may invoke the dotted method name. Unknown
// callers have no grants.
func (v View) Allowed(caller, method string) bool {
	set, ok := v.grants[caller]
	if !ok {
		return false
	}
	_, ok = set[method]
	return ok
}

// MethodsFor returns the caller's granted method names, sorted.
func (v View) MethodsFor(caller string) []string {
	set := v.grants[caller]
	out := make([]string, 0, len(set))
	for m := range set {
		out = append(out, m)
	}
	sort.Strings(out)
	return out
}

// Callers returns every caller with at least one grant, sorted.
func (v View) Callers() []string {
	out := make([]string, 0, len(v.grants))
	for caller := range v.grants {
		out = append(out, caller)
	}
	sort.Strings(out)
	return out
}

// Grants returns the full grant map in plain form, for debug dumps.
func (v View) Grants() map[string][]string {
	out := make(map[string][]string, len(v.grants))
	for caller := range v.grants {
		out[caller] = v.MethodsFor(caller)
	}
	return out
}

// Defaults is the built-in ACL used when the persistent store is unreachable
// or empty. Only the orchestrator identity is pre-authorized; every other
// caller needs grants from the store or a seed file.
func Defaults() map[string][]string {
	return map[string][]string{
		"reasoning_orchestrator": {
			"database.create_procurement",
			"database.save_triage_result",
			"database.set_procurement_status",
			"database.save_protocol",
			"database.log_execution",
			"agent.run_triage",
		},
	}
}
