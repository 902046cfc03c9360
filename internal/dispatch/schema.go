// ABOUTME: Compiled-schema cache enforcing catalog input_schema metadata
// ABOUTME: Schemas recompile when a reload changes them; broken schemas skip validation

package dispatch

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/2389/procure-gateway/internal/catalog"
	"github.com/2389/procure-gateway/internal/rpc"
)

// schemaCache holds compiled input schemas keyed by method name. Entries
// remember the source text they were compiled from so a catalog reload with
// a changed schema triggers recompilation.
type schemaCache struct {
	mu      sync.Mutex
	entries map[string]*schemaEntry
}

type schemaEntry struct {
	source string
	schema *jsonschema.Schema // nil when the source failed to compile
}

func newSchemaCache() *schemaCache {
	return &schemaCache{entries: make(map[string]*schemaEntry)}
}

// validate enforces the method's input_schema against params, when one is
// present. Violations map to INVALID_PARAMS. A schema that does not compile
// is logged once and skipped; bad metadata must not take the method down.
func (c *schemaCache) validate(m catalog.Method, params json.RawMessage, logger *slog.Logger) *rpc.Error {
	source, ok := m.InputSchema()
	if !ok {
		return nil
	}

	schema := c.compiled(m.Name(), string(source), logger)
	if schema == nil {
		return nil
	}

	var value any
	if err := json.Unmarshal(params, &value); err != nil {
		return rpc.NewError(rpc.CodeInvalidParams, "Params are not valid JSON")
	}
	if err := schema.Validate(value); err != nil {
		return rpc.Errorf(rpc.CodeInvalidParams, "Input validation failed: %v", err)
	}
	return nil
}

// compiled returns the cached schema for name, compiling when the source is
// new or changed.
func (c *schemaCache) compiled(name, source string, logger *slog.Logger) *jsonschema.Schema {
	c.mu.Lock()
	defer c.mu.Unlock()

	if entry, ok := c.entries[name]; ok && entry.source == source {
		return entry.schema
	}

	entry := &schemaEntry{source: source}
	c.entries[name] = entry

	compiler := jsonschema.NewCompiler()
	compiler.Draft = jsonschema.Draft2020
	url := fmt.Sprintf("mem://catalog/%s.schema.json", name)
	if err := compiler.AddResource(url, strings.NewReader(source)); err != nil {
		logger.Warn("input schema rejected, validation skipped", "method", name, "error", err)
		return nil
	}
	schema, err := compiler.Compile(url)
	if err != nil {
		logger.Warn("input schema failed to compile, validation skipped", "method", name, "error", err)
		return nil
	}

	entry.schema = schema
	return schema
}
