// ABOUTME: TOML seed file support for bootstrapping the catalog without a database
// ABOUTME: Seed entries are merged over the built-in defaults at startup

package catalog

import (
	"fmt"

	"github.com/BurntSushi/toml"
)

type seedMethod struct {
	Service     string         `toml:"service"`
	Function    string         `toml:"function"`
	Kind        string         `toml:"kind"`
	Target      string         `toml:"target"`
	Description string         `toml:"description"`
	Metadata    map[string]any `toml:"metadata"`
}

type seedFile struct {
	Method []seedMethod `toml:"method"`
}

// LoadSeed reads catalog entries from a TOML seed file. Seed files are
// operator-authored, so invalid entries are an error rather than a warning.
func LoadSeed(path string) ([]Method, error) {
	var seed seedFile
	if _, err := toml.DecodeFile(path, &seed); err != nil {
		return nil, fmt.Errorf("decoding seed file %s: %w", path, err)
	}

	methods := make([]Method, 0, len(seed.Method))
	for i, sm := range seed.Method {
		metadata := sm.Metadata
		if metadata == nil {
			metadata = make(map[string]any)
		}
		if sm.Description != "" {
			metadata["description"] = sm.Description
		}

		m := Method{
			Service:   sm.Service,
			Function:  sm.Function,
			Kind:      Kind(sm.Kind),
			TargetRef: sm.Target,
			Metadata:  metadata,
		}
		if err := Validate(m); err != nil {
			return nil, fmt.Errorf("seed entry %d: %w", i, err)
		}
		methods = append(methods, m)
	}

	return methods, nil
}

// Merge overlays later entry sets onto earlier ones by dotted name.
func Merge(sets ...[]Method) []Method {
	byName := make(map[string]Method)
	var order []string
	for _, set := range sets {
		for _, m := range set {
			name := m.Name()
			if _, seen := byName[name]; !seen {
				order = append(order, name)
			}
			byName[name] = m
		}
	}

	out := make([]Method, 0, len(order))
	for _, name := range order {
		out = append(out, byName[name])
	}
	return out
}
