// Package engine implements the workflow DAG executor: plan construction,
// FIFO frontier scheduling, branch activation, merge fan-in, sub-workflow
// calls and cancellation. One execution advances one node at a time; parallel
// throughput comes from running independent executions concurrently.
package engine

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/typeflow/typeflow/runtime/credential"
	"github.com/typeflow/typeflow/runtime/execution"
	"github.com/typeflow/typeflow/runtime/flowerrors"
	"github.com/typeflow/typeflow/runtime/item"
	"github.com/typeflow/typeflow/runtime/sandbox"
	"github.com/typeflow/typeflow/runtime/telemetry"
	"github.com/typeflow/typeflow/runtime/workflow"
)

// DefaultMaxCallDepth bounds sub-workflow nesting.
const DefaultMaxCallDepth = 16

type (
	// Options configures NewExecutor.
	Options struct {
		Workflows   workflow.Store
		Executions  execution.Store
		Sandbox     *sandbox.Sandbox
		Credentials *credential.Service
		Logger      telemetry.Logger
		Metrics     telemetry.Metrics
		// MaxCallDepth overrides DefaultMaxCallDepth when positive.
		MaxCallDepth int
	}

	// Executor runs workflow executions.
	Executor struct {
		workflows   workflow.Store
		executions  execution.Store
		sandbox     *sandbox.Sandbox
		credentials *credential.Service
		logger      telemetry.Logger
		metrics     telemetry.Metrics
		maxDepth    int
	}

	// Request describes one execution to run.
	Request struct {
		OrganizationID string
		WorkflowID     string
		// ExecutionID is generated when empty.
		ExecutionID string
		TriggerType string
		TriggerData map[string]any
		// InputItems, when set, seed the entry node directly. Used by
		// sub-workflow calls.
		InputItems []item.Item
		// UntilNodeID restricts the plan to the ancestors of the target plus
		// the target itself.
		UntilNodeID string
		// depth and stack track sub-workflow nesting.
		depth int
		stack []Frame
	}

	// Frame is one sub-workflow call record.
	Frame struct {
		CallerExecutionID string
		CallerNodeID      string
	}

	// Outcome is the result of a completed run.
	Outcome struct {
		ExecutionID string                          `json:"executionId"`
		Status      execution.Status                `json:"status"`
		Output      []item.Item                     `json:"output,omitempty"`
		NodeResults map[string]execution.NodeResult `json:"nodeResults,omitempty"`
		Error       string                          `json:"error,omitempty"`
		Duration    time.Duration                   `json:"duration,omitempty"`
	}
)

// NewExecutor validates the options and returns an Executor.
func NewExecutor(opts Options) (*Executor, error) {
	if opts.Workflows == nil {
		return nil, errors.New("workflow store is required")
	}
	if opts.Executions == nil {
		return nil, errors.New("execution store is required")
	}
	if opts.Sandbox == nil {
		return nil, errors.New("sandbox is required")
	}
	if opts.Logger == nil {
		opts.Logger = telemetry.NewNoopLogger()
	}
	if opts.Metrics == nil {
		opts.Metrics = telemetry.NewNoopMetrics()
	}
	if opts.MaxCallDepth <= 0 {
		opts.MaxCallDepth = DefaultMaxCallDepth
	}
	return &Executor{
		workflows:   opts.Workflows,
		executions:  opts.Executions,
		sandbox:     opts.Sandbox,
		credentials: opts.Credentials,
		logger:      opts.Logger,
		metrics:     opts.Metrics,
		maxDepth:    opts.MaxCallDepth,
	}, nil
}

// Execute runs a workflow to completion, persisting the execution record
// before the first node and after the last.
func (e *Executor) Execute(ctx context.Context, req Request) (Outcome, error) {
	st, err := e.NewStepper(ctx, req)
	if err != nil {
		return Outcome{}, err
	}
	for {
		done, err := st.Step(ctx)
		if err != nil {
			return Outcome{}, err
		}
		if done {
			return st.Outcome(), nil
		}
	}
}

// loadActive loads the workflow and rejects requests against missing or
// deactivated ones.
func (e *Executor) loadActive(ctx context.Context, organizationID, workflowID string) (workflow.Workflow, error) {
	wf, err := e.workflows.Load(ctx, organizationID, workflowID)
	if err != nil {
		return workflow.Workflow{}, err
	}
	if !wf.Active {
		return workflow.Workflow{}, fmt.Errorf("workflow %s: %w", workflowID, flowerrors.ErrWorkflowInactive)
	}
	return wf, nil
}

// entryNode picks the plan's entry: the trigger node whose kind matches the
// invocation; on a tie the node whose label or id matches the trigger data
// handle wins, then declaration order.
func entryNode(wf *workflow.Workflow, triggerType string, hasInputItems bool) (*workflow.Node, error) {
	var want workflow.NodeKind
	switch {
	case hasInputItems:
		want = workflow.KindWorkflowInput
	case triggerType == "webhook":
		want = workflow.KindWebhook
	default:
		want = workflow.KindTrigger
	}
	candidates := wf.NodesByKind(want)
	if len(candidates) == 0 && want != workflow.KindTrigger {
		candidates = wf.NodesByKind(workflow.KindTrigger)
	}
	if len(candidates) == 0 {
		return nil, fmt.Errorf("workflow %s has no %s entry node", wf.WorkflowID, want)
	}
	return wf.Node(candidates[0].ID), nil
}

// planNodes computes the set of node ids in the plan: every non-utilities node
// for a full run, or the ancestors of the target plus the target for runUntil.
func planNodes(wf *workflow.Workflow, untilNodeID string) (map[string]bool, error) {
	plan := map[string]bool{}
	if untilNodeID == "" {
		for _, n := range wf.Nodes {
			if n.Kind != workflow.KindUtilities {
				plan[n.ID] = true
			}
		}
		return plan, nil
	}
	if wf.Node(untilNodeID) == nil {
		return nil, fmt.Errorf("target node %q not in workflow", untilNodeID)
	}
	// Reverse BFS from the target.
	queue := []string{untilNodeID}
	plan[untilNodeID] = true
	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]
		for _, c := range wf.Incoming(cur) {
			if !plan[c.SourceNodeID] {
				plan[c.SourceNodeID] = true
				queue = append(queue, c.SourceNodeID)
			}
		}
	}
	return plan, nil
}

// orderedIncoming returns a node's in-plan incoming connections sorted by
// source execution order, then source node id. This is the deterministic
// concatenation order for fan-in.
func orderedIncoming(wf *workflow.Workflow, plan map[string]bool, nodeID string) []workflow.Connection {
	var conns []workflow.Connection
	for _, c := range wf.Incoming(nodeID) {
		if plan[c.SourceNodeID] {
			conns = append(conns, c)
		}
	}
	sort.SliceStable(conns, func(i, j int) bool {
		a, b := wf.Node(conns[i].SourceNodeID), wf.Node(conns[j].SourceNodeID)
		if a.ExecutionOrder != b.ExecutionOrder {
			return a.ExecutionOrder < b.ExecutionOrder
		}
		return a.ID < b.ID
	})
	return conns
}

func newExecutionID() string {
	return uuid.NewString()
}
