// Package diff computes structural differences between two JSON trees.
package diff

import (
	"encoding/json"
	"reflect"
	"sort"
	"strconv"

	"github.com/roquehomemaster/listingsync/internal/canonical"
)

// Change is the before/after pair for one leaf path. A nil side means the
// path was absent on that side.
type Change struct {
	Before any `json:"before"`
	After  any `json:"after"`
}

// Changes maps a dotted path (arrays as name[i]) to its change.
type Changes map[string]Change

// Paths returns the changed paths in sorted order.
func (c Changes) Paths() []string {
	paths := make([]string, 0, len(c))
	for p := range c {
		paths = append(paths, p)
	}
	sort.Strings(paths)
	return paths
}

// Compute diffs before against after. Both are normalized through the
// canonical package first, so structs, maps and raw JSON can be mixed.
func Compute(before, after any) (Changes, error) {
	var left, right any
	var err error
	if before != nil {
		if left, err = canonical.Normalize(before); err != nil {
			return nil, err
		}
	}
	if after != nil {
		if right, err = canonical.Normalize(after); err != nil {
			return nil, err
		}
	}
	out := Changes{}
	walk("", left, right, out)
	return out, nil
}

func walk(path string, before, after any, out Changes) {
	bm, bIsMap := before.(map[string]any)
	am, aIsMap := after.(map[string]any)
	if bIsMap && aIsMap {
		keys := map[string]struct{}{}
		for k := range bm {
			keys[k] = struct{}{}
		}
		for k := range am {
			keys[k] = struct{}{}
		}
		for k := range keys {
			walk(join(path, k), bm[k], am[k], out)
		}
		return
	}
	ba, bIsArr := before.([]any)
	aa, aIsArr := after.([]any)
	if bIsArr && aIsArr {
		n := len(ba)
		if len(aa) > n {
			n = len(aa)
		}
		for i := 0; i < n; i++ {
			var b, a any
			if i < len(ba) {
				b = ba[i]
			}
			if i < len(aa) {
				a = aa[i]
			}
			walk(path+"["+strconv.Itoa(i)+"]", b, a, out)
		}
		return
	}
	if reflect.DeepEqual(before, after) {
		return
	}
	if path == "" {
		path = "$"
	}
	out[path] = Change{Before: before, After: after}
}

func join(prefix, key string) string {
	if prefix == "" {
		return key
	}
	return prefix + "." + key
}

// Bounded returns a copy of c whose JSON encoding fits within maxBytes,
// dropping paths in sorted order once the budget is spent. The second
// return reports whether anything was dropped.
func Bounded(c Changes, maxBytes int) (Changes, bool) {
	if maxBytes <= 0 {
		return c, false
	}
	out := Changes{}
	used := 2
	truncated := false
	for _, p := range c.Paths() {
		entry, err := json.Marshal(map[string]Change{p: c[p]})
		if err != nil {
			truncated = true
			continue
		}
		cost := len(entry) - 1
		if used+cost > maxBytes {
			truncated = true
			continue
		}
		used += cost
		out[p] = c[p]
	}
	return out, truncated
}
