// Package workflow defines the workflow graph entities (workflows, nodes,
// connections), their save-time validation rules, and the persistence
// interface the engine loads definitions through.
package workflow

import (
	"context"
	"encoding/json"
	"time"
)

// NodeKind discriminates node behavior. The engine dispatches on it.
type NodeKind string

const (
	// KindTrigger is the manual/schedule entry point of a workflow.
	KindTrigger NodeKind = "trigger"
	// KindWebhook is the HTTP-trigger entry point.
	KindWebhook NodeKind = "webhook"
	// KindCode runs user-authored code in the sandbox and emits items.
	KindCode NodeKind = "code"
	// KindUtilities runs user code whose exports are shared with code nodes.
	// Utilities nodes take no part in item flow.
	KindUtilities NodeKind = "utilities"
	// KindIf activates exactly one outgoing handle based on its branches.
	KindIf NodeKind = "if"
	// KindMerge combines multiple inputs into one output.
	KindMerge NodeKind = "merge"
	// KindExecuteWorkflow invokes another workflow as a sub-workflow.
	KindExecuteWorkflow NodeKind = "executeWorkflow"
	// KindWorkflowInput receives the caller's items in a sub-workflow.
	KindWorkflowInput NodeKind = "workflowInput"
	// KindWorkflowOutput marks the callee result of a sub-workflow.
	KindWorkflowOutput NodeKind = "workflowOutput"
	// KindWebhookResponse marks the payload returned to a webhook caller.
	KindWebhookResponse NodeKind = "webhookResponse"
	// KindRemoveDuplicates drops repeated items by field or whole-object equality.
	KindRemoveDuplicates NodeKind = "removeDuplicates"
	// KindGeneric is a pass-through placeholder for externally defined nodes.
	KindGeneric NodeKind = "generic"
)

type (
	// Workflow is a directed graph of nodes plus metadata. Identity is
	// (OrganizationID, WorkflowID).
	Workflow struct {
		OrganizationID string       `json:"organizationId"`
		WorkflowID     string       `json:"workflowId"`
		Name           string       `json:"name"`
		Description    string       `json:"description,omitempty"`
		Version        int          `json:"version"`
		Active         bool         `json:"active"`
		Metadata       Metadata     `json:"metadata,omitempty"`
		Nodes          []Node       `json:"nodes"`
		Connections    []Connection `json:"connections"`
		CreatedAt      time.Time    `json:"createdAt"`
		UpdatedAt      time.Time    `json:"updatedAt"`
	}

	// Metadata carries author-provided extras stored alongside the graph.
	Metadata struct {
		// TypeDeclarations holds editor-facing ambient declarations for the
		// workflow's code nodes. The server stores and serves them verbatim.
		TypeDeclarations string `json:"typeDeclarations,omitempty"`
		// Breakpoints is the persisted breakpoint set used by debug sessions.
		Breakpoints []string `json:"breakpoints,omitempty"`
		// Extra holds opaque editor state the core never interprets.
		Extra map[string]any `json:"extra,omitempty"`
	}

	// Node is a typed processing step. ID is unique within the workflow, Label
	// unique case-insensitively (it feeds sandbox variable injection).
	Node struct {
		ID             string          `json:"id"`
		Kind           NodeKind        `json:"kind"`
		Label          string          `json:"label"`
		Position       json.RawMessage `json:"position,omitempty"`
		Config         map[string]any  `json:"config,omitempty"`
		ExecutionOrder int             `json:"executionOrder,omitempty"`
	}

	// Connection is a directed edge between node handles. Both endpoints must
	// reference nodes of the same workflow.
	Connection struct {
		SourceNodeID string `json:"sourceNodeId"`
		SourceHandle string `json:"sourceHandle,omitempty"`
		TargetNodeID string `json:"targetNodeId"`
		TargetHandle string `json:"targetHandle,omitempty"`
	}

	// Store persists workflow definitions.
	Store interface {
		Put(ctx context.Context, wf Workflow) error
		Load(ctx context.Context, organizationID, workflowID string) (Workflow, error)
		Delete(ctx context.Context, organizationID, workflowID string) error
		List(ctx context.Context, organizationID string) ([]Workflow, error)
	}
)

// Node returns the node with the given id, or nil.
func (w *Workflow) Node(id string) *Node {
	for i := range w.Nodes {
		if w.Nodes[i].ID == id {
			return &w.Nodes[i]
		}
	}
	return nil
}

// NodesByKind returns all nodes of the given kind in declaration order.
func (w *Workflow) NodesByKind(kind NodeKind) []Node {
	var out []Node
	for _, n := range w.Nodes {
		if n.Kind == kind {
			out = append(out, n)
		}
	}
	return out
}

// Incoming returns the connections targeting the given node.
func (w *Workflow) Incoming(nodeID string) []Connection {
	var out []Connection
	for _, c := range w.Connections {
		if c.TargetNodeID == nodeID {
			out = append(out, c)
		}
	}
	return out
}

// Outgoing returns the connections originating at the given node.
func (w *Workflow) Outgoing(nodeID string) []Connection {
	var out []Connection
	for _, c := range w.Connections {
		if c.SourceNodeID == nodeID {
			out = append(out, c)
		}
	}
	return out
}

// ConfigString returns the string config value for key, or def when absent.
func (n *Node) ConfigString(key, def string) string {
	if n.Config == nil {
		return def
	}
	if s, ok := n.Config[key].(string); ok && s != "" {
		return s
	}
	return def
}

// ConfigInt returns the integer config value for key, or def when absent.
// JSON decoding yields float64 for numbers, which is accepted here.
func (n *Node) ConfigInt(key string, def int) int {
	if n.Config == nil {
		return def
	}
	switch v := n.Config[key].(type) {
	case int:
		return v
	case int64:
		return int(v)
	case float64:
		return int(v)
	default:
		return def
	}
}
