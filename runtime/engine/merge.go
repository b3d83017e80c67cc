package engine

import (
	"fmt"

	"github.com/typeflow/typeflow/runtime/item"
	"github.com/typeflow/typeflow/runtime/workflow"
)

// mergeInputs combines the per-edge input lists of a merge node. Inputs from
// dead edges (inactive branches) arrive as empty lists and every mode treats
// them as contributing nothing.
func mergeInputs(node *workflow.Node, inputs [][]item.Item) ([]item.Item, error) {
	switch mode := node.ConfigString("mode", "append"); mode {
	case "append":
		return mergeAppend(inputs), nil
	case "mergeByPosition":
		return mergeByPosition(inputs), nil
	case "mergeByKey":
		key := node.ConfigString("key", "")
		if key == "" {
			return nil, fmt.Errorf("merge node %q mode mergeByKey requires a key", node.Label)
		}
		return mergeByKey(inputs, key), nil
	case "multiplex":
		return multiplex(inputs), nil
	case "chooseBranch":
		return chooseBranch(inputs), nil
	default:
		return nil, fmt.Errorf("merge node %q has unknown mode %q", node.Label, mode)
	}
}

// mergeAppend concatenates inputs in edge order.
func mergeAppend(inputs [][]item.Item) []item.Item {
	var out []item.Item
	for _, in := range inputs {
		out = append(out, in...)
	}
	return out
}

// mergeByPosition zips inputs by index up to the longest list. An input with
// no item at an index contributes no fields there, so a position present on
// only one side passes that side's item through unchanged.
func mergeByPosition(inputs [][]item.Item) []item.Item {
	max := 0
	for _, in := range inputs {
		if len(in) > max {
			max = len(in)
		}
	}
	out := make([]item.Item, 0, max)
	for i := 0; i < max; i++ {
		merged := map[string]any{}
		for _, in := range inputs {
			if i < len(in) {
				for k, v := range in[i].JSON {
					merged[k] = v
				}
			}
		}
		out = append(out, item.FromJSON(merged))
	}
	return out
}

// mergeByKey outer-joins inputs on the named field. Items sharing a key value
// shallow-merge in edge order; keys appear in first-seen order and items
// lacking the field pass through at the end.
func mergeByKey(inputs [][]item.Item, key string) []item.Item {
	var orderedKeys []string
	byKey := map[string]map[string]any{}
	var keyless []item.Item

	for _, in := range inputs {
		for _, it := range in {
			v, ok := it.Lookup(key)
			if !ok {
				keyless = append(keyless, it)
				continue
			}
			fp := item.Fingerprint(v)
			merged, seen := byKey[fp]
			if !seen {
				merged = map[string]any{}
				byKey[fp] = merged
				orderedKeys = append(orderedKeys, fp)
			}
			for k, val := range it.JSON {
				merged[k] = val
			}
		}
	}

	out := make([]item.Item, 0, len(orderedKeys)+len(keyless))
	for _, fp := range orderedKeys {
		out = append(out, item.FromJSON(byKey[fp]))
	}
	return append(out, keyless...)
}

// multiplex yields the Cartesian product of the non-empty inputs, fields of
// later edges overriding earlier ones.
func multiplex(inputs [][]item.Item) []item.Item {
	var live [][]item.Item
	for _, in := range inputs {
		if len(in) > 0 {
			live = append(live, in)
		}
	}
	if len(live) == 0 {
		return nil
	}
	out := []map[string]any{{}}
	for _, in := range live {
		var next []map[string]any
		for _, base := range out {
			for _, it := range in {
				merged := make(map[string]any, len(base)+len(it.JSON))
				for k, v := range base {
					merged[k] = v
				}
				for k, v := range it.JSON {
					merged[k] = v
				}
				next = append(next, merged)
			}
		}
		out = next
	}
	items := make([]item.Item, len(out))
	for i, m := range out {
		items[i] = item.FromJSON(m)
	}
	return items
}

// chooseBranch returns the first non-empty input.
func chooseBranch(inputs [][]item.Item) []item.Item {
	for _, in := range inputs {
		if len(in) > 0 {
			return in
		}
	}
	return nil
}
