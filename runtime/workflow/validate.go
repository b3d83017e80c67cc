package workflow

import (
	"fmt"
	"strings"

	"github.com/typeflow/typeflow/runtime/flowerrors"
)

var mergeModes = map[string]bool{
	"append":          true,
	"mergeByPosition": true,
	"mergeByKey":      true,
	"multiplex":       true,
	"chooseBranch":    true,
}

// triggerKinds are the node kinds that can start an execution. A workflow may
// hold at most one node of each.
var triggerKinds = []NodeKind{KindTrigger, KindWebhook, KindWorkflowInput}

// Validate applies the save-time checks: label uniqueness (case-insensitive
// and post-sanitization), connection endpoint existence, acyclicity, at most
// one trigger node per trigger kind, handle consistency for if/merge nodes,
// and utilities nodes staying out of the item-flow graph. It returns a
// *flowerrors.ValidationError listing every violation, or nil.
func Validate(wf Workflow) error {
	var violations []string

	ids := make(map[string]bool, len(wf.Nodes))
	lower := make(map[string]string, len(wf.Nodes))
	sanitized := make(map[string]string, len(wf.Nodes))
	for _, n := range wf.Nodes {
		if ids[n.ID] {
			violations = append(violations, fmt.Sprintf("duplicate node id %q", n.ID))
		}
		ids[n.ID] = true
		if n.Label == "" {
			violations = append(violations, fmt.Sprintf("node %q has no label", n.ID))
			continue
		}
		key := strings.ToLower(n.Label)
		if prev, ok := lower[key]; ok {
			violations = append(violations, fmt.Sprintf("labels %q and %q collide (case-insensitive)", prev, n.Label))
		} else {
			lower[key] = n.Label
		}
		san := SanitizeLabel(n.Label)
		if prev, ok := sanitized[san]; ok && !strings.EqualFold(prev, n.Label) {
			violations = append(violations, fmt.Sprintf("labels %q and %q collide after sanitization (%s)", prev, n.Label, san))
		} else if !ok {
			sanitized[san] = n.Label
		}
	}

	for _, c := range wf.Connections {
		if !ids[c.SourceNodeID] {
			violations = append(violations, fmt.Sprintf("connection references unknown source node %q", c.SourceNodeID))
		}
		if !ids[c.TargetNodeID] {
			violations = append(violations, fmt.Sprintf("connection references unknown target node %q", c.TargetNodeID))
		}
	}

	if cyc := findCycle(wf); len(cyc) > 0 {
		violations = append(violations, "cycle detected: "+strings.Join(cyc, " -> "))
	}

	for _, kind := range triggerKinds {
		if n := wf.NodesByKind(kind); len(n) > 1 {
			violations = append(violations, fmt.Sprintf("multiple %s nodes (%d)", kind, len(n)))
		}
	}

	for _, n := range wf.Nodes {
		switch n.Kind {
		case KindIf:
			handles := ifHandles(&n)
			for _, c := range wf.Outgoing(n.ID) {
				if !handles[c.SourceHandle] {
					violations = append(violations, fmt.Sprintf("if node %q has no handle %q used by a connection", n.Label, c.SourceHandle))
				}
			}
		case KindMerge:
			mode := n.ConfigString("mode", "append")
			if !mergeModes[mode] {
				violations = append(violations, fmt.Sprintf("merge node %q has unknown mode %q", n.Label, mode))
			}
		case KindUtilities:
			if len(wf.Incoming(n.ID)) > 0 || len(wf.Outgoing(n.ID)) > 0 {
				violations = append(violations, fmt.Sprintf("utilities node %q must not have item connections", n.Label))
			}
		}
	}

	if len(violations) > 0 {
		return &flowerrors.ValidationError{Violations: violations}
	}
	return nil
}

// ifHandles returns the set of output handle names an if node declares: the
// handles of its configured branches plus the else handle, or the legacy
// true/false pair when no branches are configured.
func ifHandles(n *Node) map[string]bool {
	handles := map[string]bool{}
	if branches, ok := n.Config["branches"].([]any); ok && len(branches) > 0 {
		for _, b := range branches {
			if m, ok := b.(map[string]any); ok {
				if h, ok := m["handle"].(string); ok && h != "" {
					handles[h] = true
				}
			}
		}
		if h := n.ConfigString("else", ""); h != "" {
			handles[h] = true
		}
		return handles
	}
	handles["true"] = true
	handles["false"] = true
	return handles
}

// findCycle runs a three-color DFS over the connection graph and returns the
// node ids of the first cycle found, or nil.
func findCycle(wf Workflow) []string {
	const (
		white = 0
		gray  = 1
		black = 2
	)
	color := make(map[string]int, len(wf.Nodes))
	adj := make(map[string][]string, len(wf.Nodes))
	for _, c := range wf.Connections {
		adj[c.SourceNodeID] = append(adj[c.SourceNodeID], c.TargetNodeID)
	}

	var stack []string
	var visit func(id string) []string
	visit = func(id string) []string {
		color[id] = gray
		stack = append(stack, id)
		for _, next := range adj[id] {
			switch color[next] {
			case gray:
				for i, s := range stack {
					if s == next {
						return append(append([]string{}, stack[i:]...), next)
					}
				}
				return []string{next, next}
			case white:
				if cyc := visit(next); cyc != nil {
					return cyc
				}
			}
		}
		stack = stack[:len(stack)-1]
		color[id] = black
		return nil
	}

	for _, n := range wf.Nodes {
		if color[n.ID] == white {
			if cyc := visit(n.ID); cyc != nil {
				return cyc
			}
		}
	}
	return nil
}
