package engine

import (
	"context"
	"fmt"
	"time"

	"github.com/typeflow/typeflow/runtime/execution"
	"github.com/typeflow/typeflow/runtime/item"
	"github.com/typeflow/typeflow/runtime/sandbox"
	"github.com/typeflow/typeflow/runtime/workflow"
)

// executeNode dispatches on the node kind. Pass-through kinds simply forward
// their assembled input.
func (s *Stepper) executeNode(ctx context.Context, node *workflow.Node, input []item.Item) ([]item.Item, error) {
	switch node.Kind {
	case workflow.KindTrigger, workflow.KindWebhook, workflow.KindWorkflowInput,
		workflow.KindWorkflowOutput, workflow.KindWebhookResponse, workflow.KindGeneric:
		return input, nil
	case workflow.KindCode:
		return s.executeCode(ctx, node, input)
	case workflow.KindIf:
		handle, err := s.evaluateIf(node, input)
		if err != nil {
			return nil, err
		}
		s.state.ActiveHandles[node.ID] = handle
		return input, nil
	case workflow.KindMerge:
		return mergeInputs(node, s.inputsByEdge(node))
	case workflow.KindRemoveDuplicates:
		return removeDuplicates(node, input), nil
	case workflow.KindExecuteWorkflow:
		return s.executeSubWorkflow(ctx, node, input)
	case workflow.KindUtilities:
		return nil, fmt.Errorf("utilities node %q cannot be scheduled", node.Label)
	default:
		return input, nil
	}
}

// executeCode runs the node's code in the sandbox with the full injected
// context: transitive predecessor outputs, utilities modules and credentials.
func (s *Stepper) executeCode(ctx context.Context, node *workflow.Node, input []item.Item) ([]item.Item, error) {
	code := node.ConfigString("code", "")

	preds := map[string][]item.Item{}
	for _, id := range s.transitivePredecessors(node.ID) {
		p := s.wf.Node(id)
		if p == nil {
			continue
		}
		switch s.status(id) {
		case execution.NodeCompleted:
			preds[workflow.SanitizeLabel(p.Label)] = s.state.Outputs[id]
		case execution.NodeSkipped:
			// Skipped branches stay addressable as empty sequences.
			preds[workflow.SanitizeLabel(p.Label)] = nil
		}
	}

	utilities := map[string]string{}
	for _, u := range s.wf.NodesByKind(workflow.KindUtilities) {
		utilities[workflow.SanitizeLabel(u.Label)] = u.ConfigString("code", "")
	}

	var creds sandbox.CredentialSource
	if s.pool != nil {
		creds = s.pool
	}

	res, err := s.run.ExecuteCode(ctx, sandbox.Invocation{
		NodeID:         node.ID,
		Label:          node.Label,
		Code:           code,
		Input:          input,
		Predecessors:   preds,
		Utilities:      utilities,
		OrganizationID: s.req.OrganizationID,
		Credentials:    creds,
		Console: func(level, message string) {
			entry := execution.LogEntry{
				ExecutionID: s.rec.ExecutionID,
				NodeID:      node.ID,
				Level:       level,
				Message:     message,
				At:          time.Now().UTC(),
			}
			if lerr := s.ex.executions.AddLog(ctx, entry); lerr != nil {
				s.ex.logger.Warn(ctx, "append execution log", "error", lerr.Error())
			}
		},
	})
	if err != nil {
		return nil, err
	}
	return res.Items, nil
}

// transitivePredecessors returns the in-plan ancestors of a node via reverse
// BFS, nearest first.
func (s *Stepper) transitivePredecessors(nodeID string) []string {
	seen := map[string]bool{nodeID: true}
	var out []string
	queue := []string{nodeID}
	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]
		for _, c := range orderedIncoming(&s.wf, s.plan, cur) {
			if seen[c.SourceNodeID] {
				continue
			}
			seen[c.SourceNodeID] = true
			out = append(out, c.SourceNodeID)
			queue = append(queue, c.SourceNodeID)
		}
	}
	return out
}

// executeSubWorkflow invokes the callee workflow. Mode "foreach" calls it once
// per input item; the default "once" passes the whole batch.
func (s *Stepper) executeSubWorkflow(ctx context.Context, node *workflow.Node, input []item.Item) ([]item.Item, error) {
	calleeID := node.ConfigString("workflowId", "")
	if calleeID == "" {
		return nil, fmt.Errorf("executeWorkflow node %q has no workflowId", node.Label)
	}
	mode := node.ConfigString("mode", "once")

	call := func(batch []item.Item) ([]item.Item, error) {
		if batch == nil {
			batch = []item.Item{}
		}
		out, err := s.ex.Execute(ctx, Request{
			OrganizationID: s.req.OrganizationID,
			WorkflowID:     calleeID,
			TriggerType:    "subworkflow",
			InputItems:     batch,
			depth:          s.req.depth + 1,
			stack: append(append([]Frame(nil), s.req.stack...), Frame{
				CallerExecutionID: s.rec.ExecutionID,
				CallerNodeID:      node.ID,
			}),
		})
		if err != nil {
			return nil, fmt.Errorf("sub-workflow %s: %w", calleeID, err)
		}
		if out.Status != execution.StatusCompleted {
			return nil, fmt.Errorf("sub-workflow %s %s: %s", calleeID, out.Status, out.Error)
		}
		return out.Output, nil
	}

	if mode == "foreach" {
		var all []item.Item
		for i := range input {
			out, err := call(input[i : i+1])
			if err != nil {
				return nil, err
			}
			for _, it := range out {
				all = append(all, it.Paired(i))
			}
		}
		return all, nil
	}
	return call(input)
}

// removeDuplicates drops repeated items comparing the configured dot-path
// field, or whole-object equality when no field is set. First occurrence wins.
func removeDuplicates(node *workflow.Node, input []item.Item) []item.Item {
	field := node.ConfigString("field", "")
	seen := map[string]bool{}
	out := make([]item.Item, 0, len(input))
	for _, it := range input {
		var key string
		if field != "" {
			v, ok := it.Lookup(field)
			if !ok {
				out = append(out, it)
				continue
			}
			key = item.Fingerprint(v)
		} else {
			key = item.Fingerprint(it.JSON)
		}
		if seen[key] {
			continue
		}
		seen[key] = true
		out = append(out, it)
	}
	return out
}
