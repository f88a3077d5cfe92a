// Package settings provides the nested configuration tree attached to every
// job. The core treats it as opaque apart from a small set of recognized
// keys (run flags, runscript shape, retention policy); domain adapters are
// free to store arbitrary branches under it.
package settings

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// Settings is a nested string-keyed tree. Branch values are themselves
// Settings (or map[string]any after deserialization); leaves are scalars or
// lists.
type Settings map[string]any

// New returns an empty settings tree.
func New() Settings {
	return Settings{}
}

// Get resolves a dotted path ("runscript.shebang") and reports whether the
// key exists.
func (s Settings) Get(path string) (any, bool) {
	parts := strings.Split(path, ".")
	var cur any = s
	for _, part := range parts {
		branch, ok := asBranch(cur)
		if !ok {
			return nil, false
		}
		cur, ok = branch[part]
		if !ok {
			return nil, false
		}
	}
	return cur, true
}

// GetString returns the string at path, or def when absent or not a string.
func (s Settings) GetString(path, def string) string {
	if v, ok := s.Get(path); ok {
		if str, ok := v.(string); ok {
			return str
		}
	}
	return def
}

// GetBool returns the bool at path, or def when absent or not a bool.
func (s Settings) GetBool(path string, def bool) bool {
	if v, ok := s.Get(path); ok {
		if b, ok := v.(bool); ok {
			return b
		}
	}
	return def
}

// Branch returns the subtree at path, creating intermediate branches on the
// way. Existing non-branch values along the path are overwritten.
func (s Settings) Branch(path string) Settings {
	parts := strings.Split(path, ".")
	cur := s
	for _, part := range parts {
		next, ok := asBranch(cur[part])
		if !ok {
			next = Settings{}
			cur[part] = next
		}
		cur[part] = next
		cur = next
	}
	return cur
}

// Set stores a value under a dotted path, creating branches as needed.
func (s Settings) Set(path string, value any) {
	parts := strings.Split(path, ".")
	if len(parts) == 1 {
		s[path] = value
		return
	}
	branch := s.Branch(strings.Join(parts[:len(parts)-1], "."))
	branch[parts[len(parts)-1]] = value
}

// Merge performs a soft update: every entry of other that is missing from s
// is copied in, recursing into branches present on both sides. Existing
// leaves in s are never overwritten.
func (s Settings) Merge(other Settings) {
	for k, v := range other {
		ob, otherIsBranch := asBranch(v)
		if existing, ok := s[k]; ok {
			if sb, selfIsBranch := asBranch(existing); selfIsBranch && otherIsBranch {
				s[k] = sb
				sb.Merge(ob)
			}
			continue
		}
		if otherIsBranch {
			s[k] = ob.Copy()
		} else {
			s[k] = v
		}
	}
}

// Copy returns a deep copy of the tree. Leaf values are copied by value;
// slices are duplicated.
func (s Settings) Copy() Settings {
	out := make(Settings, len(s))
	for k, v := range s {
		if branch, ok := asBranch(v); ok {
			out[k] = branch.Copy()
			continue
		}
		if list, ok := v.([]any); ok {
			dup := make([]any, len(list))
			copy(dup, list)
			out[k] = dup
			continue
		}
		out[k] = v
	}
	return out
}

// Canonical returns a stable byte rendition of the tree suitable for content
// digests: JSON with lexicographically sorted keys at every level.
func (s Settings) Canonical() ([]byte, error) {
	data, err := json.Marshal(normalize(s))
	if err != nil {
		return nil, fmt.Errorf("failed to canonicalize settings: %w", err)
	}
	return data, nil
}

// Load reads a settings tree from a YAML file.
func Load(path string) (Settings, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read settings file %s: %w", path, err)
	}
	var raw map[string]any
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("failed to parse settings file %s: %w", path, err)
	}
	out, _ := asBranch(raw)
	return out.Copy(), nil
}

// Save writes the tree to a YAML file.
func (s Settings) Save(path string) error {
	data, err := yaml.Marshal(map[string]any(s))
	if err != nil {
		return fmt.Errorf("failed to serialize settings: %w", err)
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write settings file %s: %w", path, err)
	}
	return nil
}

// asBranch reports whether v is a settings branch, converting the map types
// produced by the YAML and JSON decoders.
func asBranch(v any) (Settings, bool) {
	switch t := v.(type) {
	case Settings:
		return t, true
	case map[string]any:
		return Settings(t), true
	default:
		return nil, false
	}
}

// normalize converts nested branch types so json.Marshal sees plain maps,
// which it serializes with sorted keys.
func normalize(v any) any {
	if branch, ok := asBranch(v); ok {
		out := make(map[string]any, len(branch))
		for k, val := range branch {
			out[k] = normalize(val)
		}
		return out
	}
	if list, ok := v.([]any); ok {
		out := make([]any, len(list))
		for i, val := range list {
			out[i] = normalize(val)
		}
		return out
	}
	return v
}
