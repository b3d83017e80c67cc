package service

import (
	"context"
	"errors"

	"github.com/typeflow/typeflow/runtime/debugger"
)

type (
	// DebugOptions configures NewDebug.
	DebugOptions struct {
		Controller *debugger.Controller
	}

	// Debug exposes the step-wise execution controller.
	Debug struct {
		controller *debugger.Controller
	}
)

// NewDebug validates the options and returns the service.
func NewDebug(opts DebugOptions) (*Debug, error) {
	if opts.Controller == nil {
		return nil, errors.New("debug controller is required")
	}
	return &Debug{controller: opts.Controller}, nil
}

// CreateSession creates a session paused before the first node.
func (s *Debug) CreateSession(ctx context.Context, organizationID, workflowID string, breakpoints []string, triggerData map[string]any) (debugger.Session, error) {
	if organizationID == "" || workflowID == "" {
		return debugger.Session{}, errors.New("organization id and workflow id are required")
	}
	return s.controller.Create(ctx, organizationID, workflowID, breakpoints, triggerData)
}

// Start begins execution, running until the first breakpoint or completion.
func (s *Debug) Start(ctx context.Context, sessionID string) (debugger.Session, error) {
	return s.controller.Start(ctx, sessionID)
}

// Continue resumes a paused session until the next breakpoint or completion.
func (s *Debug) Continue(ctx context.Context, sessionID string) (debugger.Session, error) {
	return s.controller.Continue(ctx, sessionID)
}

// StepOver executes exactly one node then pauses again.
func (s *Debug) StepOver(ctx context.Context, sessionID string) (debugger.Session, error) {
	return s.controller.StepOver(ctx, sessionID)
}

// Terminate ends the session without finishing the run.
func (s *Debug) Terminate(ctx context.Context, sessionID string) (debugger.Session, error) {
	return s.controller.Terminate(ctx, sessionID)
}

// GetState returns the session snapshot.
func (s *Debug) GetState(ctx context.Context, sessionID string) (debugger.Session, error) {
	return s.controller.GetState(ctx, sessionID)
}

// ListSessions returns an organization's sessions, optionally per workflow.
func (s *Debug) ListSessions(ctx context.Context, organizationID, workflowID string) ([]debugger.Session, error) {
	return s.controller.ListSessions(ctx, organizationID, workflowID)
}

// ToggleBreakpoint enables or disables a breakpoint on the workflow.
func (s *Debug) ToggleBreakpoint(ctx context.Context, organizationID, workflowID, nodeID string, enabled bool) error {
	return s.controller.ToggleBreakpoint(ctx, organizationID, workflowID, nodeID, enabled)
}

// GetBreakpoints returns the workflow's breakpoints.
func (s *Debug) GetBreakpoints(ctx context.Context, organizationID, workflowID string) ([]string, error) {
	return s.controller.GetBreakpoints(ctx, organizationID, workflowID)
}
