package engine

import (
	"context"
	"fmt"
	"time"

	"github.com/typeflow/typeflow/runtime/credential"
	"github.com/typeflow/typeflow/runtime/execution"
	"github.com/typeflow/typeflow/runtime/item"
	"github.com/typeflow/typeflow/runtime/sandbox"
	"github.com/typeflow/typeflow/runtime/workflow"
)

type (
	// StepperState is the durable scheduling state of an in-flight execution.
	// The debug controller persists it on every pause; resuming from it
	// requires no replay.
	StepperState struct {
		// Frontier holds the FIFO queue of node ids awaiting execution.
		Frontier []string `json:"frontier,omitempty"`
		// Statuses maps node ids to their current state.
		Statuses map[string]execution.NodeStatus `json:"statuses,omitempty"`
		// Outputs maps completed node ids to their output items.
		Outputs map[string][]item.Item `json:"outputs,omitempty"`
		// Order lists node ids in completion order.
		Order []string `json:"order,omitempty"`
		// ActiveHandles maps completed if-node ids to their chosen handle.
		ActiveHandles map[string]string `json:"activeHandles,omitempty"`
		// Result is the final output once the run completes.
		Result []item.Item `json:"result,omitempty"`
	}

	// Stepper advances one execution node by node. Execute drives it to
	// completion; the debug controller drives it step-wise.
	Stepper struct {
		ex    *Executor
		wf    workflow.Workflow
		req   Request
		plan  map[string]bool
		rec   execution.Record
		run   *sandbox.Run
		pool  *credential.Pool
		state StepperState
		done  bool
	}
)

// NewStepper builds the plan, persists the initial running record and returns
// a stepper positioned before the entry node.
func (e *Executor) NewStepper(ctx context.Context, req Request) (*Stepper, error) {
	if req.depth > e.maxDepth {
		return nil, fmt.Errorf("sub-workflow call depth exceeds %d", e.maxDepth)
	}
	wf, err := e.loadActive(ctx, req.OrganizationID, req.WorkflowID)
	if err != nil {
		return nil, err
	}
	plan, err := planNodes(&wf, req.UntilNodeID)
	if err != nil {
		return nil, err
	}
	entry, err := entryNode(&wf, req.TriggerType, req.InputItems != nil)
	if err != nil {
		return nil, err
	}
	if !plan[entry.ID] {
		return nil, fmt.Errorf("entry node %q is not an ancestor of target %q", entry.ID, req.UntilNodeID)
	}
	if req.ExecutionID == "" {
		req.ExecutionID = newExecutionID()
	}

	rec := execution.New(req.OrganizationID, req.WorkflowID, req.ExecutionID, req.TriggerType, req.TriggerData)
	if len(req.stack) > 0 {
		rec.ParentExecutionID = req.stack[len(req.stack)-1].CallerExecutionID
	}
	if err := e.executions.Create(ctx, rec); err != nil {
		return nil, fmt.Errorf("create execution: %w", err)
	}

	st := &Stepper{
		ex:   e,
		wf:   wf,
		req:  req,
		plan: plan,
		rec:  rec,
		run:  e.sandbox.NewRun(),
		state: StepperState{
			Frontier:      []string{entry.ID},
			Statuses:      map[string]execution.NodeStatus{},
			Outputs:       map[string][]item.Item{},
			ActiveHandles: map[string]string{},
		},
	}
	if e.credentials != nil {
		st.pool = credential.NewPool(e.credentials, req.OrganizationID)
	}
	st.skipInactiveEntries(entry.ID)
	return st, nil
}

// skipInactiveEntries marks every entry-kind node other than the chosen entry
// skipped. Only one entry fires per run; leaving the others pending would
// block their successors forever.
func (s *Stepper) skipInactiveEntries(entryID string) {
	for i := range s.wf.Nodes {
		n := &s.wf.Nodes[i]
		if n.ID == entryID || !s.plan[n.ID] {
			continue
		}
		switch n.Kind {
		case workflow.KindTrigger, workflow.KindWebhook, workflow.KindWorkflowInput:
			s.state.Statuses[n.ID] = execution.NodeSkipped
			s.rec.NodeResults[n.ID] = execution.NodeResult{NodeID: n.ID, Status: execution.NodeSkipped}
			for _, c := range s.wf.Outgoing(n.ID) {
				if s.plan[c.TargetNodeID] {
					s.maybeSkip(c.TargetNodeID)
				}
			}
		}
	}
}

// ResumeStepper reconstructs a stepper from persisted state. The execution
// record must already exist.
func (e *Executor) ResumeStepper(ctx context.Context, req Request, state StepperState) (*Stepper, error) {
	wf, err := e.loadActive(ctx, req.OrganizationID, req.WorkflowID)
	if err != nil {
		return nil, err
	}
	plan, err := planNodes(&wf, req.UntilNodeID)
	if err != nil {
		return nil, err
	}
	rec, err := e.executions.Load(ctx, req.ExecutionID)
	if err != nil {
		return nil, err
	}
	if state.Statuses == nil {
		state.Statuses = map[string]execution.NodeStatus{}
	}
	if state.Outputs == nil {
		state.Outputs = map[string][]item.Item{}
	}
	if state.ActiveHandles == nil {
		state.ActiveHandles = map[string]string{}
	}
	st := &Stepper{
		ex:    e,
		wf:    wf,
		req:   req,
		plan:  plan,
		rec:   rec,
		run:   e.sandbox.NewRun(),
		state: state,
	}
	if e.credentials != nil {
		st.pool = credential.NewPool(e.credentials, req.OrganizationID)
	}
	return st, nil
}

// State returns a snapshot of the scheduling state.
func (s *Stepper) State() StepperState {
	snap := StepperState{
		Frontier:      append([]string(nil), s.state.Frontier...),
		Statuses:      make(map[string]execution.NodeStatus, len(s.state.Statuses)),
		Outputs:       make(map[string][]item.Item, len(s.state.Outputs)),
		Order:         append([]string(nil), s.state.Order...),
		ActiveHandles: make(map[string]string, len(s.state.ActiveHandles)),
		Result:        s.state.Result,
	}
	for k, v := range s.state.Statuses {
		snap.Statuses[k] = v
	}
	for k, v := range s.state.Outputs {
		snap.Outputs[k] = v
	}
	for k, v := range s.state.ActiveHandles {
		snap.ActiveHandles[k] = v
	}
	return snap
}

// Peek returns the id of the next node Step would execute, or "".
func (s *Stepper) Peek() string {
	for _, id := range s.state.Frontier {
		if s.status(id) == execution.NodePending {
			return id
		}
	}
	return ""
}

// Done reports whether the execution reached a terminal status.
func (s *Stepper) Done() bool { return s.done }

// Outcome returns the run's result. Valid once Done reports true.
func (s *Stepper) Outcome() Outcome {
	return Outcome{
		ExecutionID: s.rec.ExecutionID,
		Status:      s.rec.Status,
		Output:      s.state.Result,
		NodeResults: s.rec.NodeResults,
		Error:       s.rec.Error,
		Duration:    s.rec.Duration,
	}
}

// Step advances the execution by at most one node. It returns true when the
// execution reached a terminal status; node failures terminate the run but are
// reported through the Outcome, not the error return.
func (s *Stepper) Step(ctx context.Context) (bool, error) {
	if s.done {
		return true, nil
	}
	if len(s.state.Frontier) == 0 {
		return true, s.finish(ctx, execution.StatusCompleted)
	}
	cancelled, err := s.cancelled(ctx)
	if err != nil {
		return false, err
	}
	if cancelled {
		return true, s.finish(ctx, execution.StatusCancelled)
	}

	nodeID := s.state.Frontier[0]
	s.state.Frontier = s.state.Frontier[1:]
	if s.status(nodeID) != execution.NodePending {
		return false, nil
	}
	if !s.ready(nodeID) {
		s.state.Frontier = append(s.state.Frontier, nodeID)
		return false, nil
	}

	node := s.wf.Node(nodeID)
	input := s.assembleInput(node)
	start := time.Now()
	s.state.Statuses[nodeID] = execution.NodeRunning

	out, nerr := s.executeNode(ctx, node, input)
	dur := time.Since(start)
	s.ex.metrics.RecordTimer("typeflow.node.duration", dur, "kind", string(node.Kind))

	if nerr != nil {
		s.state.Statuses[nodeID] = execution.NodeFailed
		s.rec.NodeResults[nodeID] = execution.NodeResult{
			NodeID:   nodeID,
			Status:   execution.NodeFailed,
			Error:    nerr.Error(),
			Duration: dur,
		}
		s.ex.logger.Error(ctx, "node failed",
			"execution_id", s.rec.ExecutionID, "node_id", nodeID, "error", nerr.Error())
		s.rec.Fail(nerr.Error())
		return true, s.finish(ctx, execution.StatusFailed)
	}

	s.state.Statuses[nodeID] = execution.NodeCompleted
	s.state.Outputs[nodeID] = out
	s.state.Order = append(s.state.Order, nodeID)
	s.rec.NodeResults[nodeID] = execution.NodeResult{
		NodeID:   nodeID,
		Status:   execution.NodeCompleted,
		Output:   out,
		Duration: dur,
	}
	s.ex.logger.Debug(ctx, "node completed",
		"execution_id", s.rec.ExecutionID, "node_id", nodeID, "items", len(out))

	if node.Kind == workflow.KindIf {
		s.propagateInactiveBranches(node)
	}
	if nodeID == s.req.UntilNodeID {
		s.state.Frontier = nil
		return true, s.finish(ctx, execution.StatusCompleted)
	}
	s.enqueueSuccessors(node)
	if len(s.state.Frontier) == 0 {
		return true, s.finish(ctx, execution.StatusCompleted)
	}
	return false, nil
}

// cancelled re-reads the execution status; flipping it to cancelled out of
// band stops scheduling at the next frontier pop.
func (s *Stepper) cancelled(ctx context.Context) (bool, error) {
	rec, err := s.ex.executions.Load(ctx, s.rec.ExecutionID)
	if err != nil {
		return false, fmt.Errorf("load execution: %w", err)
	}
	return rec.Status == execution.StatusCancelled, nil
}

func (s *Stepper) status(nodeID string) execution.NodeStatus {
	if st, ok := s.state.Statuses[nodeID]; ok {
		return st
	}
	return execution.NodePending
}

// ready reports whether every in-plan predecessor reached a terminal state.
func (s *Stepper) ready(nodeID string) bool {
	for _, c := range orderedIncoming(&s.wf, s.plan, nodeID) {
		switch s.status(c.SourceNodeID) {
		case execution.NodeCompleted, execution.NodeSkipped:
		default:
			return false
		}
	}
	return true
}

// edgeAlive reports whether items flow across the connection: the source
// completed and, for if-nodes, the edge's handle was the active one.
func (s *Stepper) edgeAlive(c workflow.Connection) bool {
	if s.status(c.SourceNodeID) != execution.NodeCompleted {
		return false
	}
	src := s.wf.Node(c.SourceNodeID)
	if src.Kind == workflow.KindIf {
		return s.state.ActiveHandles[c.SourceNodeID] == c.SourceHandle
	}
	return true
}

// edgeDead reports whether the connection can never carry items.
func (s *Stepper) edgeDead(c workflow.Connection) bool {
	switch s.status(c.SourceNodeID) {
	case execution.NodeSkipped:
		return true
	case execution.NodeCompleted:
		src := s.wf.Node(c.SourceNodeID)
		return src.Kind == workflow.KindIf && s.state.ActiveHandles[c.SourceNodeID] != c.SourceHandle
	default:
		return false
	}
}

// assembleInput concatenates the items of every live incoming edge in
// deterministic order. The entry node receives the request input instead.
func (s *Stepper) assembleInput(node *workflow.Node) []item.Item {
	conns := orderedIncoming(&s.wf, s.plan, node.ID)
	if len(conns) == 0 {
		if s.req.InputItems != nil {
			return s.req.InputItems
		}
		return []item.Item{item.FromJSON(s.req.TriggerData)}
	}
	var items []item.Item
	for _, c := range conns {
		if s.edgeAlive(c) {
			items = append(items, s.state.Outputs[c.SourceNodeID]...)
		}
	}
	return items
}

// inputsByEdge returns one item list per in-plan incoming edge, empty for dead
// edges. Merge nodes consume this shape.
func (s *Stepper) inputsByEdge(node *workflow.Node) [][]item.Item {
	conns := orderedIncoming(&s.wf, s.plan, node.ID)
	out := make([][]item.Item, len(conns))
	for i, c := range conns {
		if s.edgeAlive(c) {
			out[i] = s.state.Outputs[c.SourceNodeID]
		}
	}
	return out
}

// propagateInactiveBranches marks the targets of a completed if-node's
// inactive edges skipped when all of their in-plan inputs are dead, recursing
// through the skipped subgraph.
func (s *Stepper) propagateInactiveBranches(node *workflow.Node) {
	for _, c := range s.wf.Outgoing(node.ID) {
		if !s.plan[c.TargetNodeID] {
			continue
		}
		if s.state.ActiveHandles[node.ID] != c.SourceHandle {
			s.maybeSkip(c.TargetNodeID)
		}
	}
}

func (s *Stepper) maybeSkip(nodeID string) {
	if s.status(nodeID) != execution.NodePending {
		return
	}
	for _, c := range orderedIncoming(&s.wf, s.plan, nodeID) {
		if !s.edgeDead(c) {
			return
		}
	}
	s.state.Statuses[nodeID] = execution.NodeSkipped
	s.rec.NodeResults[nodeID] = execution.NodeResult{NodeID: nodeID, Status: execution.NodeSkipped}
	for _, c := range s.wf.Outgoing(nodeID) {
		if s.plan[c.TargetNodeID] {
			s.maybeSkip(c.TargetNodeID)
		}
	}
}

// enqueueSuccessors adds the targets of the node's live outgoing edges to the
// frontier.
func (s *Stepper) enqueueSuccessors(node *workflow.Node) {
	for _, c := range s.wf.Outgoing(node.ID) {
		if !s.plan[c.TargetNodeID] || !s.edgeAlive(c) {
			continue
		}
		if s.status(c.TargetNodeID) != execution.NodePending {
			continue
		}
		if s.queued(c.TargetNodeID) {
			continue
		}
		s.state.Frontier = append(s.state.Frontier, c.TargetNodeID)
	}
}

func (s *Stepper) queued(nodeID string) bool {
	for _, id := range s.state.Frontier {
		if id == nodeID {
			return true
		}
	}
	return false
}

// finish stamps the terminal status, persists the record and releases the
// credential pool.
func (s *Stepper) finish(ctx context.Context, status execution.Status) error {
	if s.done {
		return nil
	}
	s.done = true
	s.state.Result = s.finalOutput()
	if s.rec.Status == execution.StatusRunning || s.rec.Status == execution.StatusPaused {
		s.rec.Finish(status)
	}
	s.rec.Result = s.state.Result
	if err := s.ex.executions.Update(ctx, s.rec); err != nil {
		return fmt.Errorf("update execution: %w", err)
	}
	if s.pool != nil {
		if err := s.pool.Close(ctx); err != nil {
			s.ex.logger.Warn(ctx, "closing credential pool", "error", err.Error())
		}
	}
	return nil
}

// finalOutput is the output of the last completed workflowOutput node when one
// exists, else the output of the last completed node.
func (s *Stepper) finalOutput() []item.Item {
	for i := len(s.state.Order) - 1; i >= 0; i-- {
		n := s.wf.Node(s.state.Order[i])
		if n != nil && n.Kind == workflow.KindWorkflowOutput {
			return s.state.Outputs[n.ID]
		}
	}
	if len(s.state.Order) == 0 {
		return nil
	}
	return s.state.Outputs[s.state.Order[len(s.state.Order)-1]]
}
