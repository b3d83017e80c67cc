package debugger

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/typeflow/typeflow/runtime/engine"
	"github.com/typeflow/typeflow/runtime/execution"
	"github.com/typeflow/typeflow/runtime/flowerrors"
	"github.com/typeflow/typeflow/runtime/telemetry"
	"github.com/typeflow/typeflow/runtime/workflow"
)

type (
	// Options configures NewController.
	Options struct {
		Executor  *engine.Executor
		Sessions  Store
		Workflows workflow.Store
		Logger    telemetry.Logger
	}

	// Controller drives debug sessions.
	Controller struct {
		executor  *engine.Executor
		sessions  Store
		workflows workflow.Store
		logger    telemetry.Logger
	}
)

// NewController validates the options and returns a Controller.
func NewController(opts Options) (*Controller, error) {
	if opts.Executor == nil {
		return nil, errors.New("executor is required")
	}
	if opts.Sessions == nil {
		return nil, errors.New("session store is required")
	}
	if opts.Workflows == nil {
		return nil, errors.New("workflow store is required")
	}
	if opts.Logger == nil {
		opts.Logger = telemetry.NewNoopLogger()
	}
	return &Controller{
		executor:  opts.Executor,
		sessions:  opts.Sessions,
		workflows: opts.Workflows,
		logger:    opts.Logger,
	}, nil
}

// Create persists a new active session. Breakpoints default to the set stored
// on the workflow metadata.
func (c *Controller) Create(ctx context.Context, organizationID, workflowID string, breakpoints []string, triggerData map[string]any) (Session, error) {
	wf, err := c.workflows.Load(ctx, organizationID, workflowID)
	if err != nil {
		return Session{}, err
	}
	if breakpoints == nil {
		breakpoints = wf.Metadata.Breakpoints
	}
	now := time.Now().UTC()
	sess := Session{
		SessionID:      uuid.NewString(),
		OrganizationID: organizationID,
		WorkflowID:     workflowID,
		Status:         StatusActive,
		Breakpoints:    append([]string(nil), breakpoints...),
		TriggerData:    triggerData,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if err := c.sessions.Put(ctx, sess); err != nil {
		return Session{}, fmt.Errorf("store session: %w", err)
	}
	return sess, nil
}

// Start begins executing, stopping at the first breakpoint, completion or
// failure.
func (c *Controller) Start(ctx context.Context, sessionID string) (Session, error) {
	return c.advance(ctx, sessionID, false)
}

// Continue resumes a paused session with breakpoints enforced. The node the
// session paused on executes first without re-triggering its breakpoint.
func (c *Controller) Continue(ctx context.Context, sessionID string) (Session, error) {
	return c.advance(ctx, sessionID, false)
}

// StepOver executes exactly one node from the frontier, then pauses.
func (c *Controller) StepOver(ctx context.Context, sessionID string) (Session, error) {
	return c.advance(ctx, sessionID, true)
}

// Terminate ends the session. No further operations are accepted.
func (c *Controller) Terminate(ctx context.Context, sessionID string) (Session, error) {
	sess, err := c.load(ctx, sessionID)
	if err != nil {
		return Session{}, err
	}
	sess.Status = StatusTerminated
	sess.UpdatedAt = time.Now().UTC()
	if err := c.sessions.Put(ctx, sess); err != nil {
		return Session{}, fmt.Errorf("store session: %w", err)
	}
	return sess, nil
}

// GetState reads the persisted session row.
func (c *Controller) GetState(ctx context.Context, sessionID string) (Session, error) {
	return c.sessions.Load(ctx, sessionID)
}

// ListSessions returns the workflow's sessions.
func (c *Controller) ListSessions(ctx context.Context, organizationID, workflowID string) ([]Session, error) {
	return c.sessions.List(ctx, organizationID, workflowID)
}

// ToggleBreakpoint idempotently adds or removes a breakpoint on the workflow's
// metadata.
func (c *Controller) ToggleBreakpoint(ctx context.Context, organizationID, workflowID, nodeID string, enabled bool) error {
	wf, err := c.workflows.Load(ctx, organizationID, workflowID)
	if err != nil {
		return err
	}
	if wf.Node(nodeID) == nil {
		return flowerrors.NotFound("node", nodeID)
	}
	has := false
	for _, id := range wf.Metadata.Breakpoints {
		if id == nodeID {
			has = true
			break
		}
	}
	switch {
	case enabled && !has:
		wf.Metadata.Breakpoints = append(wf.Metadata.Breakpoints, nodeID)
	case !enabled && has:
		kept := wf.Metadata.Breakpoints[:0]
		for _, id := range wf.Metadata.Breakpoints {
			if id != nodeID {
				kept = append(kept, id)
			}
		}
		wf.Metadata.Breakpoints = kept
	default:
		return nil
	}
	return c.workflows.Put(ctx, wf)
}

// GetBreakpoints returns the breakpoint set stored on the workflow.
func (c *Controller) GetBreakpoints(ctx context.Context, organizationID, workflowID string) ([]string, error) {
	wf, err := c.workflows.Load(ctx, organizationID, workflowID)
	if err != nil {
		return nil, err
	}
	return append([]string(nil), wf.Metadata.Breakpoints...), nil
}

// advance runs the session's stepper. With singleStep it executes exactly one
// node; otherwise it runs until a breakpoint (skipping the one the session is
// currently paused on), completion or failure. Every stop persists the session
// row.
func (c *Controller) advance(ctx context.Context, sessionID string, singleStep bool) (Session, error) {
	sess, err := c.load(ctx, sessionID)
	if err != nil {
		return Session{}, err
	}

	st, err := c.stepper(ctx, &sess)
	if err != nil {
		return Session{}, err
	}

	// The node the session paused on runs without re-triggering its
	// breakpoint.
	resumedOn := sess.CurrentNodeID
	executed := 0

	for {
		next := st.Peek()
		if next != "" && next != resumedOn && c.isBreakpoint(&sess, next) && (executed > 0 || !singleStep) {
			return c.pause(ctx, sess, st, next)
		}
		before := len(st.State().Order)
		done, err := st.Step(ctx)
		if err != nil {
			return Session{}, err
		}
		if len(st.State().Order) > before {
			executed++
			resumedOn = ""
		}
		if done {
			return c.complete(ctx, sess, st)
		}
		if singleStep && executed >= 1 {
			return c.pause(ctx, sess, st, st.Peek())
		}
	}
}

// stepper builds a fresh stepper for a session that never started, or resumes
// from the persisted state.
func (c *Controller) stepper(ctx context.Context, sess *Session) (*engine.Stepper, error) {
	req := engine.Request{
		OrganizationID: sess.OrganizationID,
		WorkflowID:     sess.WorkflowID,
		ExecutionID:    sess.ExecutionID,
		TriggerType:    "debug",
		TriggerData:    sess.TriggerData,
	}
	if sess.ExecutionID == "" {
		st, err := c.executor.NewStepper(ctx, req)
		if err != nil {
			return nil, err
		}
		sess.ExecutionID = st.Outcome().ExecutionID
		return st, nil
	}
	return c.executor.ResumeStepper(ctx, req, sess.State)
}

func (c *Controller) isBreakpoint(sess *Session, nodeID string) bool {
	for _, id := range sess.Breakpoints {
		if id == nodeID {
			return true
		}
	}
	return false
}

// pause persists the paused session: current node first in the pending list,
// full scheduler state alongside.
func (c *Controller) pause(ctx context.Context, sess Session, st *engine.Stepper, current string) (Session, error) {
	state := st.State()
	sess.Status = StatusPaused
	sess.CurrentNodeID = current
	sess.NextNodeIDs = pendingFirst(current, state.Frontier)
	sess.State = state
	sess.NodeResults = st.Outcome().NodeResults
	sess.UpdatedAt = time.Now().UTC()
	if err := c.sessions.Put(ctx, sess); err != nil {
		return Session{}, fmt.Errorf("store session: %w", err)
	}
	c.logger.Debug(ctx, "debug session paused",
		"session_id", sess.SessionID, "node_id", current)
	return sess, nil
}

// complete records the terminal outcome: completed on success, terminated on
// failure or cancellation.
func (c *Controller) complete(ctx context.Context, sess Session, st *engine.Stepper) (Session, error) {
	out := st.Outcome()
	sess.State = st.State()
	sess.NodeResults = out.NodeResults
	sess.CurrentNodeID = ""
	sess.NextNodeIDs = nil
	sess.Error = out.Error
	if out.Error == "" && out.Status == execution.StatusCompleted {
		sess.Status = StatusCompleted
	} else {
		sess.Status = StatusTerminated
	}
	sess.UpdatedAt = time.Now().UTC()
	if err := c.sessions.Put(ctx, sess); err != nil {
		return Session{}, fmt.Errorf("store session: %w", err)
	}
	return sess, nil
}

// load rejects operations on ended sessions.
func (c *Controller) load(ctx context.Context, sessionID string) (Session, error) {
	sess, err := c.sessions.Load(ctx, sessionID)
	if err != nil {
		return Session{}, err
	}
	if sess.Status.Ended() {
		return Session{}, &flowerrors.SessionEndedError{SessionID: sessionID, Status: string(sess.Status)}
	}
	return sess, nil
}

// pendingFirst returns the frontier with the current node moved to the front.
func pendingFirst(current string, frontier []string) []string {
	out := make([]string, 0, len(frontier)+1)
	if current != "" {
		out = append(out, current)
	}
	for _, id := range frontier {
		if id != current {
			out = append(out, id)
		}
	}
	return out
}
