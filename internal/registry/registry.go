// ABOUTME: Startup-time registry of in-process tools with declared dependencies
// ABOUTME: Builds tool instances on demand from an explicit dependency container

package registry

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
)

// ErrToolNotFound indicates the requested tool was never registered.
var ErrToolNotFound = errors.New("tool not found in registry")

// ErrDuplicateTool indicates a tool with the same name is already registered.
var ErrDuplicateTool = errors.New("tool already registered")

// ErrMissingDependencies indicates the container lacks one or more of the
// tool's declared dependencies. The error text lists every missing name.
var ErrMissingDependencies = errors.New("missing required dependencies")

// Tool is one in-process capability. Run receives the calling agent's ID and
// the tool input as JSON and returns the result as JSON.
type Tool interface {
	Run(ctx context.Context, caller string, input json.RawMessage) (json.RawMessage, error)
}

// ToolFunc adapts a plain function to the Tool interface.
type ToolFunc func(ctx context.Context, caller string, input json.RawMessage) (json.RawMessage, error)

// Run implements Tool.
func (f ToolFunc) Run(ctx context.Context, caller string, input json.RawMessage) (json.RawMessage, error) {
	return f(ctx, caller, input)
}

// BuildFunc constructs a tool instance. It receives exactly the dependencies
// the descriptor declared, keyed by name, already verified present.
type BuildFunc func(deps map[string]any) (Tool, error)

// Descriptor declares one tool: its dotted name, discovery metadata, the
// container dependencies it needs, and an optional companion persist method.
// PersistMethod names the catalog entry whose sole job is to durably store
// this tool's output; the orchestrator substitutes the tool's last result as
// that method's parameters.
type Descriptor struct {
	Name          string
	ServiceType   string
	Description   string
	InputSchema   json.RawMessage
	OutputSchema  json.RawMessage
	Dependencies  []string
	PersistMethod string
	Build         BuildFunc
}

// Container holds named runtime dependencies for tool construction. It is
// populated once at startup from the composition root and read thereafter.
type Container struct {
	mu   sync.RWMutex
	deps map[string]any
}

// NewContainer creates an empty dependency container.
func NewContainer() *Container {
	return &Container{deps: make(map[string]any)}
}

// Provide stores a dependency under name, replacing any previous value.
func (c *Container) Provide(name string, dep any) {
	c.mu.Lock()
	c.deps[name] = dep
	c.mu.Unlock()
}

// Lookup returns the dependency registered under name.
func (c *Container) Lookup(name string) (any, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	dep, ok := c.deps[name]
	return dep, ok
}

// Names returns all provided dependency names, sorted.
func (c *Container) Names() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	names := make([]string, 0, len(c.deps))
	for name := range c.deps {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Registry is the table of registered tools. All registrations happen from
// the composition root before serving; lookups are safe for concurrent use.
type Registry struct {
	mu      sync.RWMutex
	entries map[string]Descriptor
	persist map[string]string // persist method name -> owning tool name
	logger  *slog.Logger
}

// NewRegistry creates an empty tool registry.
func NewRegistry(logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		entries: make(map[string]Descriptor),
		persist: make(map[string]string),
		logger:  logger.With("component", "registry"),
	}
}

// Register validates and stores a descriptor. Name collisions and persist
// method collisions are rejected so dispatch stays unambiguous.
func (r *Registry) Register(d Descriptor) error {
	if d.Name == "" {
		return errors.New("tool name is required")
	}
	if d.Build == nil {
		return fmt.Errorf("tool %s: build function is required", d.Name)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.entries[d.Name]; exists {
		return fmt.Errorf("%w: %s", ErrDuplicateTool, d.Name)
	}
	if d.PersistMethod != "" {
		if owner, exists := r.persist[d.PersistMethod]; exists {
			return fmt.Errorf("persist method %s already claimed by %s", d.PersistMethod, owner)
		}
	}

	r.entries[d.Name] = d
	if d.PersistMethod != "" {
		r.persist[d.PersistMethod] = d.Name
	}

	r.logger.Info("tool registered",
		"tool", d.Name,
		"service_type", d.ServiceType,
		"dependencies", len(d.Dependencies),
		"persist_method", d.PersistMethod,
	)
	return nil
}

// Resolve returns the descriptor registered under name.
func (r *Registry) Resolve(name string) (Descriptor, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	d, ok := r.entries[name]
	return d, ok
}

// ToolForPersistMethod returns the descriptor whose PersistMethod equals
// method. The orchestrator uses this to detect save actions that need their
// parameters replaced with the owning tool's computed result.
func (r *Registry) ToolForPersistMethod(method string) (Descriptor, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	name, ok := r.persist[method]
	if !ok {
		return Descriptor{}, false
	}
	d, ok := r.entries[name]
	return d, ok
}

// Names returns all registered tool names, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.entries))
	for name := range r.entries {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Descriptors returns all registered descriptors sorted by name, for
// discovery listings.
func (r *Registry) Descriptors() []Descriptor {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Descriptor, 0, len(r.entries))
	for _, d := range r.entries {
		out = append(out, d)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Build constructs the named tool, resolving its declared dependencies from
// the container. When dependencies are absent the error lists every missing
// name, not just the first, so a misassembled container is fixed in one pass.
func (r *Registry) Build(name string, container *Container) (Tool, error) {
	d, ok := r.Resolve(name)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrToolNotFound, name)
	}

	deps := make(map[string]any, len(d.Dependencies))
	var missing []string
	for _, depName := range d.Dependencies {
		dep, ok := container.Lookup(depName)
		if !ok {
			missing = append(missing, depName)
			continue
		}
		deps[depName] = dep
	}
	if len(missing) > 0 {
		return nil, fmt.Errorf("%w for %s: %v (available: %v)",
			ErrMissingDependencies, name, missing, container.Names())
	}

	tool, err := d.Build(deps)
	if err != nil {
		return nil, fmt.Errorf("building tool %s: %w", name, err)
	}
	return tool, nil
}
