// Package item defines the unit of data flowing between workflow nodes and the
// normalization rules that turn arbitrary node return values into ordered item
// sequences.
//
// An edge carries an ordered, finite, non-restartable sequence of items. Nodes
// receive the concatenation of their incoming edges in a deterministic order
// (by source node execution order, then by source node id); see the engine
// package for the assembly logic.
package item

import (
	"encoding/json"
	"sort"
)

type (
	// Item is one unit of data on an edge. JSON carries the structured payload,
	// Binary optional named blobs, PairedItem an optional back-reference to the
	// index of the source item this one was derived from.
	Item struct {
		JSON       map[string]any    `json:"json" bson:"json"`
		Binary     map[string][]byte `json:"binary,omitempty" bson:"binary,omitempty"`
		PairedItem *int              `json:"pairedItem,omitempty" bson:"paired_item,omitempty"`
	}
)

// FromJSON wraps a JSON object in an item. A nil map becomes an empty object so
// downstream code can always index into JSON.
func FromJSON(m map[string]any) Item {
	if m == nil {
		m = map[string]any{}
	}
	return Item{JSON: m}
}

// FromValue wraps a primitive in the {"value": v} convention.
func FromValue(v any) Item {
	return Item{JSON: map[string]any{"value": v}}
}

// Paired returns a copy of the item back-referencing the given source index.
func (it Item) Paired(idx int) Item {
	it.PairedItem = &idx
	return it
}

// Normalize converts a node return value into an item sequence:
//
//   - a slice whose elements are all {json: ...} shaped maps is used as-is
//   - a plain slice wraps each element ({json: elem} for objects,
//     {json: {value: elem}} for primitives)
//   - an object becomes a single item
//   - a primitive becomes [{json: {value: primitive}}]
//
// The undefined/pass-through case is handled by the caller before Normalize is
// invoked; a nil value here yields a single empty item.
func Normalize(v any) []Item {
	switch val := v.(type) {
	case nil:
		return []Item{FromJSON(nil)}
	case []Item:
		return val
	case Item:
		return []Item{val}
	case []any:
		if items, ok := itemShaped(val); ok {
			return items
		}
		out := make([]Item, 0, len(val))
		for _, elem := range val {
			if m, ok := elem.(map[string]any); ok {
				out = append(out, FromJSON(m))
			} else {
				out = append(out, FromValue(elem))
			}
		}
		return out
	case map[string]any:
		return []Item{FromJSON(val)}
	default:
		return []Item{FromValue(val)}
	}
}

// itemShaped reports whether every element of the slice is a map with a "json"
// key holding an object, and if so converts the slice into items preserving
// binary payloads and pairing metadata.
func itemShaped(val []any) ([]Item, bool) {
	if len(val) == 0 {
		return nil, false
	}
	items := make([]Item, 0, len(val))
	for _, elem := range val {
		m, ok := elem.(map[string]any)
		if !ok {
			return nil, false
		}
		j, ok := m["json"].(map[string]any)
		if !ok {
			return nil, false
		}
		it := FromJSON(j)
		if b, ok := m["binary"].(map[string][]byte); ok {
			it.Binary = b
		}
		switch p := m["pairedItem"].(type) {
		case int:
			idx := p
			it.PairedItem = &idx
		case int64:
			idx := int(p)
			it.PairedItem = &idx
		case float64:
			idx := int(p)
			it.PairedItem = &idx
		}
		items = append(items, it)
	}
	return items, true
}

// Export converts items to the generic representation injected into the code
// sandbox ([{json: ..., binary?: ...}, ...]).
func Export(items []Item) []any {
	out := make([]any, len(items))
	for i, it := range items {
		m := map[string]any{"json": it.JSON}
		if len(it.Binary) > 0 {
			m["binary"] = it.Binary
		}
		if it.PairedItem != nil {
			m["pairedItem"] = *it.PairedItem
		}
		out[i] = m
	}
	return out
}

// Lookup resolves a dot-separated path inside the item's JSON payload.
// The second return value reports whether every path segment resolved.
func (it Item) Lookup(path string) (any, bool) {
	if path == "" {
		return nil, false
	}
	var cur any = it.JSON
	start := 0
	for i := 0; i <= len(path); i++ {
		if i == len(path) || path[i] == '.' {
			seg := path[start:i]
			m, ok := cur.(map[string]any)
			if !ok {
				return nil, false
			}
			cur, ok = m[seg]
			if !ok {
				return nil, false
			}
			start = i + 1
		}
	}
	return cur, true
}

// Fingerprint returns a canonical serialization of v used for equality
// comparisons (dedupe, merge keys). Map keys are sorted so logically equal
// values fingerprint identically.
func Fingerprint(v any) string {
	b, err := json.Marshal(canonical(v))
	if err != nil {
		return ""
	}
	return string(b)
}

func canonical(v any) any {
	switch val := v.(type) {
	case map[string]any:
		keys := make([]string, 0, len(val))
		for k := range val {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		out := make([]any, 0, len(keys)*2)
		for _, k := range keys {
			out = append(out, k, canonical(val[k]))
		}
		return out
	case []any:
		out := make([]any, len(val))
		for i, elem := range val {
			out[i] = canonical(elem)
		}
		return out
	default:
		return val
	}
}
