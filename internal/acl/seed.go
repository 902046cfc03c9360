// ABOUTME: TOML seed file support for bootstrapping ACL grants without a database
// ABOUTME: Reads the same seed file as the catalog, consuming only grant blocks

package acl

import (
	"fmt"

	"github.com/BurntSushi/toml"
)

type seedGrant struct {
	Caller  string   `toml:"caller"`
	Methods []string `toml:"methods"`
}

type seedFile struct {
	Grant []seedGrant `toml:"grant"`
}

// LoadSeed reads ACL grants from a TOML seed file. Unknown blocks (such as
// the catalog's method entries) are ignored.
func LoadSeed(path string) (map[string][]string, error) {
	var seed seedFile
	if _, err := toml.DecodeFile(path, &seed); err != nil {
		return nil, fmt.Errorf("decoding seed file %s: %w", path, err)
	}

	grants := make(map[string][]string, len(seed.Grant))
	for i, g := range seed.Grant {
		if g.Caller == "" {
			return nil, fmt.Errorf("seed grant %d: caller is required", i)
		}
		if len(g.Methods) == 0 {
			return nil, fmt.Errorf("seed grant %d: at least one method is required", i)
		}
		grants[g.Caller] = append(grants[g.Caller], g.Methods...)
	}

	return grants, nil
}

// Merge overlays later grant maps onto earlier ones, unioning method lists
// per caller.
func Merge(sets ...map[string][]string) map[string][]string {
	out := make(map[string][]string)
	for _, set := range sets {
		for caller, methods := range set {
			seen := make(map[string]struct{}, len(out[caller]))
			for _, m := range out[caller] {
				seen[m] = struct{}{}
			}
			for _, m := range methods {
				if _, dup := seen[m]; !dup {
					out[caller] = append(out[caller], m)
					seen[m] = struct{}{}
				}
			}
		}
	}
	return out
}
