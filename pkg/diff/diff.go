package diff

import (
	"encoding/json"
	"fmt"
	"reflect"
	"sort"
)

// Change is one detected difference between a current and a desired value.
// Old is nil for additions, New is nil for removals.
type Change struct {
	Path string `yaml:"path" json:"path"`
	Old  any    `yaml:"old,omitempty" json:"old,omitempty"`
	New  any    `yaml:"new,omitempty" json:"new,omitempty"`
}

// Deep computes the structural difference between two arbitrarily nested
// values. Maps are compared key-by-key; lists are compared order-insensitively
// by normalizing elements to a canonical form first. Scalars of different
// numeric Go types compare equal when their canonical representation matches.
func Deep(current, desired any) []Change {
	var changes []Change
	compareValues("", Normalize(current), Normalize(desired), &changes)
	sort.Slice(changes, func(i, j int) bool { return changes[i].Path < changes[j].Path })
	return changes
}

// Equal reports whether two values are structurally identical, ignoring map
// key order and list element order.
func Equal(a, b any) bool {
	return len(Deep(a, b)) == 0
}

// Normalize converts a value into a canonical shape: maps become
// map[string]any, lists become []any sorted by their canonical JSON encoding,
// and numbers become float64. Two values that differ only in ordering or
// numeric type normalize to reflect.DeepEqual-comparable forms.
func Normalize(v any) any {
	switch val := v.(type) {
	case nil:
		return nil
	case map[string]any:
		out := make(map[string]any, len(val))
		for k, item := range val {
			out[k] = Normalize(item)
		}
		return out
	case []any:
		out := make([]any, len(val))
		for i, item := range val {
			out[i] = Normalize(item)
		}
		sort.Slice(out, func(i, j int) bool {
			return canonicalJSON(out[i]) < canonicalJSON(out[j])
		})
		return out
	case []string:
		out := make([]any, len(val))
		for i, item := range val {
			out[i] = item
		}
		sort.Slice(out, func(i, j int) bool {
			return canonicalJSON(out[i]) < canonicalJSON(out[j])
		})
		return out
	case map[string]string:
		out := make(map[string]any, len(val))
		for k, item := range val {
			out[k] = item
		}
		return out
	case string, bool:
		return val
	default:
		return normalizeViaReflection(val)
	}
}

// normalizeViaReflection handles numeric types and any remaining composite
// kinds by a JSON round trip.
func normalizeViaReflection(v any) any {
	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		return float64(rv.Int())
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		return float64(rv.Uint())
	case reflect.Float32, reflect.Float64:
		return rv.Float()
	default:
		data, err := json.Marshal(v)
		if err != nil {
			return fmt.Sprintf("%v", v)
		}
		var out any
		if err := json.Unmarshal(data, &out); err != nil {
			return fmt.Sprintf("%v", v)
		}
		// The round trip yields map[string]any / []any / float64 shapes.
		if _, isMap := out.(map[string]any); isMap {
			return Normalize(out)
		}
		if _, isList := out.([]any); isList {
			return Normalize(out)
		}
		return out
	}
}

func compareValues(path string, a, b any, changes *[]Change) {
	if a == nil && b == nil {
		return
	}
	if a == nil {
		*changes = append(*changes, Change{Path: path, New: b})
		return
	}
	if b == nil {
		*changes = append(*changes, Change{Path: path, Old: a})
		return
	}

	aMap, aIsMap := a.(map[string]any)
	bMap, bIsMap := b.(map[string]any)
	if aIsMap && bIsMap {
		compareMaps(path, aMap, bMap, changes)
		return
	}

	aList, aIsList := a.([]any)
	bList, bIsList := b.([]any)
	if aIsList && bIsList {
		compareLists(path, aList, bList, changes)
		return
	}

	if !reflect.DeepEqual(a, b) {
		*changes = append(*changes, Change{Path: path, Old: a, New: b})
	}
}

// compareMaps compares keys in both directions, mirroring the two-pass walk
// used for plan diffs.
func compareMaps(path string, a, b map[string]any, changes *[]Change) {
	for k, v1 := range a {
		currentPath := buildPath(path, k)
		v2, exists := b[k]
		if !exists {
			*changes = append(*changes, Change{Path: currentPath, Old: v1})
			continue
		}
		compareValues(currentPath, v1, v2, changes)
	}
	for k, v2 := range b {
		if _, exists := a[k]; !exists {
			*changes = append(*changes, Change{Path: buildPath(path, k), New: v2})
		}
	}
}

// compareLists matches normalized elements by canonical encoding. Elements
// present on one side only are reported as additions or removals.
func compareLists(path string, a, b []any, changes *[]Change) {
	aCounts := map[string]int{}
	bCounts := map[string]int{}
	byKey := map[string]any{}
	for _, item := range a {
		key := canonicalJSON(item)
		aCounts[key]++
		byKey[key] = item
	}
	for _, item := range b {
		key := canonicalJSON(item)
		bCounts[key]++
		byKey[key] = item
	}
	for key, count := range aCounts {
		for i := bCounts[key]; i < count; i++ {
			*changes = append(*changes, Change{Path: path, Old: byKey[key]})
		}
	}
	for key, count := range bCounts {
		for i := aCounts[key]; i < count; i++ {
			*changes = append(*changes, Change{Path: path, New: byKey[key]})
		}
	}
}

func buildPath(path, key string) string {
	if path == "" {
		return key
	}
	return path + "." + key
}

// canonicalJSON renders a normalized value as deterministic JSON. Map keys are
// emitted in sorted order by encoding/json; normalized lists are pre-sorted.
func canonicalJSON(v any) string {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Sprintf("%v", v)
	}
	return string(data)
}
