package store

import (
	"encoding/json"
	"fmt"
	"reflect"
	"sort"
	"strings"
)

// The helpers below operate on decoded JSON trees (map[string]any, []any,
// string, float64, bool, nil) and are shared by the store implementations.

// SplitPath validates path and returns its segments.
func SplitPath(path string) ([]string, error) {
	path = strings.Trim(path, "/")
	if path == "" {
		return nil, fmt.Errorf("%w: empty", ErrInvalidPath)
	}
	segs := strings.Split(path, "/")
	for _, s := range segs {
		if s == "" || s == "." || s == ".." {
			return nil, fmt.Errorf("%w: %q", ErrInvalidPath, path)
		}
	}
	return segs, nil
}

func JoinPath(segs ...string) string {
	return strings.Join(segs, "/")
}

// Normalize converts v into its decoded-JSON form so stored trees never alias
// caller memory and typed structs compare like plain maps.
func Normalize(v any) (any, error) {
	if v == nil {
		return nil, nil
	}
	if raw, ok := v.(json.RawMessage); ok {
		var out any
		if err := json.Unmarshal(raw, &out); err != nil {
			return nil, fmt.Errorf("normalize: %w", err)
		}
		return out, nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("normalize: %w", err)
	}
	var out any
	if err := json.Unmarshal(b, &out); err != nil {
		return nil, fmt.Errorf("normalize: %w", err)
	}
	return out, nil
}

// GetIn walks segs below node.
func GetIn(node any, segs []string) (any, bool) {
	cur := node
	for _, s := range segs {
		m, ok := cur.(map[string]any)
		if !ok {
			return nil, false
		}
		cur, ok = m[s]
		if !ok {
			return nil, false
		}
	}
	return cur, true
}

// SetIn stores value at segs below root, creating intermediate objects and
// replacing any non-object in the way.  len(segs) must be > 0.
func SetIn(root map[string]any, segs []string, value any) {
	cur := root
	for _, s := range segs[:len(segs)-1] {
		next, ok := cur[s].(map[string]any)
		if !ok {
			next = map[string]any{}
			cur[s] = next
		}
		cur = next
	}
	cur[segs[len(segs)-1]] = value
}

// DeleteIn removes segs below root and prunes objects left empty.  It reports
// whether anything was removed.
func DeleteIn(root map[string]any, segs []string) bool {
	if len(segs) == 0 {
		return false
	}
	if len(segs) == 1 {
		_, ok := root[segs[0]]
		delete(root, segs[0])
		return ok
	}
	child, ok := root[segs[0]].(map[string]any)
	if !ok {
		return false
	}
	removed := DeleteIn(child, segs[1:])
	if removed && len(child) == 0 {
		delete(root, segs[0])
	}
	return removed
}

// Merge shallow-merges fields into base (which may be nil or a non-object,
// in which case it is replaced by a fresh object).  A nil field value deletes
// the key.
func Merge(base any, fields map[string]any) map[string]any {
	out, ok := base.(map[string]any)
	if !ok {
		out = map[string]any{}
	}
	for k, v := range fields {
		if v == nil {
			delete(out, k)
			continue
		}
		out[k] = v
	}
	return out
}

// NormalizeFields normalizes every value of fields.
func NormalizeFields(fields map[string]any) (map[string]any, error) {
	out := make(map[string]any, len(fields))
	for k, v := range fields {
		if k == "" || strings.Contains(k, "/") {
			return nil, fmt.Errorf("%w: field %q", ErrInvalidPath, k)
		}
		n, err := Normalize(v)
		if err != nil {
			return nil, err
		}
		out[k] = n
	}
	return out, nil
}

// Match reports whether doc satisfies every condition.
func Match(doc any, conds []Condition) (bool, error) {
	for _, c := range conds {
		if c.Op != OpEqual {
			return false, fmt.Errorf("unsupported query op %q", c.Op)
		}
		want, err := Normalize(c.Value)
		if err != nil {
			return false, err
		}
		got, _ := GetIn(doc, strings.Split(c.Field, "."))
		if !reflect.DeepEqual(got, want) {
			return false, nil
		}
	}
	return true, nil
}

// Children returns the matching children of node ordered by key.
func Children(node any, conds []Condition) ([]Record, error) {
	m, ok := node.(map[string]any)
	if !ok {
		return nil, nil
	}
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var out []Record
	for _, k := range keys {
		ok, err := Match(m[k], conds)
		if err != nil {
			return nil, err
		}
		if !ok {
			continue
		}
		b, err := json.Marshal(m[k])
		if err != nil {
			return nil, fmt.Errorf("encode %s: %w", k, err)
		}
		out = append(out, Record{Key: k, Value: b})
	}
	return out, nil
}
