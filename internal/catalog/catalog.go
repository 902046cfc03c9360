// ABOUTME: Service catalog mapping dotted method names to execution targets
// ABOUTME: Reloads swap the whole map; views are immutable snapshots

package catalog

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
)

// Kind identifies how a catalog method executes. The values match the
// service_type column in the persisted catalog table.
type Kind string

const (
	// KindProcedure executes a named SQL function through the database pool.
	KindProcedure Kind = "postgres_rpc"
	// KindEndpoint executes an outbound HTTP POST to a fixed URL.
	KindEndpoint Kind = "http_endpoint"
)

// Method is one catalog entry. TargetRef is the SQL function name for
// procedures or the URL for endpoints. Metadata is the free-form
// function_metadata payload; well-known keys are exposed via accessors.
type Method struct {
	Service   string
	Function  string
	Kind      Kind
	TargetRef string
	Metadata  map[string]any
}

// Name returns the dotted method name.
func (m Method) Name() string {
	return m.Service + "." + m.Function
}

// Description returns the metadata description, if present.
func (m Method) Description() string {
	if s, ok := m.Metadata["description"].(string); ok {
		return s
	}
	return ""
}

// InputSchema returns the metadata input_schema as raw JSON, if present.
func (m Method) InputSchema() (json.RawMessage, bool) {
	return m.rawMetadata("input_schema")
}

// OutputSchema returns the metadata output_schema as raw JSON, if present.
func (m Method) OutputSchema() (json.RawMessage, bool) {
	return m.rawMetadata("output_schema")
}

func (m Method) rawMetadata(key string) (json.RawMessage, bool) {
	value, ok := m.Metadata[key]
	if !ok {
		return nil, false
	}
	raw, err := json.Marshal(value)
	if err != nil {
		return nil, false
	}
	return raw, true
}

// Source loads catalog entries from persistent configuration.
type Source interface {
	LoadCatalog(ctx context.Context) ([]Method, error)
}

// Catalog is the in-memory method map. Load and Reload replace the map under
// one reference; readers take a View and never observe a partial update.
type Catalog struct {
	mu      sync.RWMutex
	methods map[string]Method
	logger  *slog.Logger
}

// New creates a catalog pre-populated with the built-in defaults.
func New(logger *slog.Logger) *Catalog {
	if logger == nil {
		logger = slog.Default()
	}
	c := &Catalog{logger: logger.With("component", "catalog")}
	c.Replace(Defaults())
	return c
}

// Load pulls entries from src and swaps them in. On any load error the
// current map is retained, so a failed startup load leaves the built-in
// defaults active and a failed reload keeps the last good catalog. The error
// is returned for reporting but must not abort startup.
func (c *Catalog) Load(ctx context.Context, src Source) error {
	methods, err := src.LoadCatalog(ctx)
	if err != nil {
		c.logger.Warn("catalog load failed, keeping current entries", "error", err)
		return fmt.Errorf("loading catalog: %w", err)
	}
	if len(methods) == 0 {
		c.logger.Warn("catalog source is empty, keeping current entries")
		return nil
	}

	c.Replace(methods)
	c.logger.Info("catalog loaded", "methods", len(methods))
	return nil
}

// Replace atomically installs a new method map built from entries. Later
// duplicates of the same dotted name win, matching row order from the store.
func (c *Catalog) Replace(entries []Method) {
	next := make(map[string]Method, len(entries))
	for _, m := range entries {
		next[m.Name()] = m
	}

	c.mu.Lock()
	c.methods = next
	c.mu.Unlock()
}

// View returns an immutable snapshot of the current map. The underlying map
// is never mutated after a swap, so sharing it is safe.
func (c *Catalog) View() View {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return View{methods: c.methods}
}

// Resolve looks up a dotted method name in the current map.
func (c *Catalog) Resolve(name string) (Method, bool) {
	return c.View().Resolve(name)
}

// View is a point-in-time catalog snapshot.
type View struct {
	methods map[string]Method
}

// Resolve looks up a dotted method name.
func (v View) Resolve(name string) (Method, bool) {
	m, ok := v.methods[name]
	return m, ok
}

// HasService reports whether any entry belongs to the named service. Lookup
// misses use it to distinguish an unknown service from an unknown function.
func (v View) HasService(service string) bool {
	prefix := service + "."
	for name := range v.methods {
		if strings.HasPrefix(name, prefix) {
			return true
		}
	}
	return false
}

// Methods returns all entries sorted by dotted name.
func (v View) Methods() []Method {
	out := make([]Method, 0, len(v.methods))
	for _, m := range v.methods {
		out = append(out, m)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name() < out[j].Name() })
	return out
}

// Services returns the distinct service names in the snapshot, sorted.
func (v View) Services() []string {
	seen := make(map[string]struct{})
	for _, m := range v.methods {
		seen[m.Service] = struct{}{}
	}
	out := make([]string, 0, len(seen))
	for service := range seen {
		out = append(out, service)
	}
	sort.Strings(out)
	return out
}

// Len returns the number of entries in the snapshot.
func (v View) Len() int {
	return len(v.methods)
}

// Validate checks an entry before it is accepted from a seed or store row.
func Validate(m Method) error {
	if m.Service == "" || m.Function == "" {
		return fmt.Errorf("method %q: service and function are required", m.Name())
	}
	switch m.Kind {
	case KindProcedure, KindEndpoint:
	default:
		return fmt.Errorf("method %q: unknown kind %q", m.Name(), m.Kind)
	}
	if m.TargetRef == "" {
		return fmt.Errorf("method %q: target ref is required", m.Name())
	}
	return nil
}

// Defaults is the built-in catalog used when the persistent store is
// unreachable or empty. It covers the procurement write path end to end,
// including the input schemas enforced before dispatch.
func Defaults() []Method {
	return []Method{
		{
			Service:   "database",
			Function:  "create_procurement",
			Kind:      KindProcedure,
			TargetRef: "create_procurement",
			Metadata: map[string]any{
				"description": "Creates a new procurement case",
				"input_schema": map[string]any{
					"type": "object",
					"properties": map[string]any{
						"name":        map[string]any{"type": "string"},
						"value":       map[string]any{"type": "integer"},
						"description": map[string]any{"type": "string"},
					},
					"required": []any{"name", "value", "description"},
				},
			},
		},
		{
			Service:   "database",
			Function:  "save_triage_result",
			Kind:      KindProcedure,
			TargetRef: "save_triage_result",
			Metadata: map[string]any{
				"description": "Saves triage assessment result",
				"input_schema": map[string]any{
					"type": "object",
					"properties": map[string]any{
						"procurementId": map[string]any{"type": "string", "format": "uuid"},
						"color":         map[string]any{"type": "string", "enum": []any{"GRØNN", "GUL", "RØD"}},
						"reasoning":     map[string]any{"type": "string"},
						"confidence":    map[string]any{"type": "number", "minimum": 0, "maximum": 1},
					},
					"required": []any{"procurementId", "color", "reasoning", "confidence"},
				},
			},
		},
		{
			Service:   "database",
			Function:  "set_procurement_status",
			Kind:      KindProcedure,
			TargetRef: "set_procurement_status",
			Metadata: map[string]any{
				"description": "Updates procurement case status",
				"input_schema": map[string]any{
					"type": "object",
					"properties": map[string]any{
						"procurementId": map[string]any{"type": "string", "format": "uuid"},
						"status":        map[string]any{"type": "string"},
					},
					"required": []any{"procurementId", "status"},
				},
			},
		},
		{
			Service:   "database",
			Function:  "save_protocol",
			Kind:      KindProcedure,
			TargetRef: "save_protocol",
			Metadata: map[string]any{
				"description": "Saves a generated procurement protocol",
				"input_schema": map[string]any{
					"type": "object",
					"properties": map[string]any{
						"procurementId":   map[string]any{"type": "string", "format": "uuid"},
						"protocolContent": map[string]any{"type": "string"},
						"confidence":      map[string]any{"type": "number", "minimum": 0, "maximum": 1},
					},
					"required": []any{"procurementId", "protocolContent", "confidence"},
				},
			},
		},
		{
			Service:   "database",
			Function:  "log_execution",
			Kind:      KindProcedure,
			TargetRef: "log_execution",
			Metadata: map[string]any{
				"description": "Logs orchestrator execution history",
				"input_schema": map[string]any{
					"type": "object",
					"properties": map[string]any{
						"procurementId":    map[string]any{"type": "string"},
						"goalDescription":  map[string]any{"type": "string"},
						"status":           map[string]any{"type": "string"},
						"iterations":       map[string]any{"type": "integer"},
						"finalState":       map[string]any{"type": "object"},
						"executionHistory": map[string]any{"type": "array"},
						"agentId":          map[string]any{"type": "string"},
					},
				},
			},
		},
	}
}
