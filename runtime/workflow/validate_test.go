package workflow

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/typeflow/typeflow/runtime/flowerrors"
)

func TestSanitizeLabel(t *testing.T) {
	t.Parallel()
	cases := []struct {
		in   string
		want string
	}{
		{"Fetch Users", "Fetch_Users"},
		{"fetch-users", "fetch_users"},
		{"2nd Step", "_2nd_Step"},
		{"plain", "plain"},
		{"a.b.c", "a_b_c"},
		{"_keep", "_keep"},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, SanitizeLabel(tc.in), tc.in)
	}
}

func TestValidateAcceptsLinearWorkflow(t *testing.T) {
	t.Parallel()
	wf := Workflow{
		OrganizationID: "org",
		WorkflowID:     "wf",
		Nodes: []Node{
			{ID: "t", Kind: KindTrigger, Label: "Start"},
			{ID: "c", Kind: KindCode, Label: "Transform"},
		},
		Connections: []Connection{
			{SourceNodeID: "t", SourceHandle: "main", TargetNodeID: "c", TargetHandle: "main"},
		},
	}
	require.NoError(t, Validate(wf))
}

func TestValidateRejectsDuplicateLabels(t *testing.T) {
	t.Parallel()
	wf := Workflow{
		Nodes: []Node{
			{ID: "a", Kind: KindTrigger, Label: "Step"},
			{ID: "b", Kind: KindCode, Label: "step"},
		},
	}
	err := Validate(wf)
	var verr *flowerrors.ValidationError
	require.True(t, errors.As(err, &verr))
	require.Len(t, verr.Violations, 1)
	assert.Contains(t, verr.Violations[0], "collide")
}

func TestValidateRejectsSanitizedCollision(t *testing.T) {
	t.Parallel()
	wf := Workflow{
		Nodes: []Node{
			{ID: "a", Kind: KindTrigger, Label: "fetch users"},
			{ID: "b", Kind: KindCode, Label: "fetch-users"},
		},
	}
	err := Validate(wf)
	var verr *flowerrors.ValidationError
	require.True(t, errors.As(err, &verr))
	assert.Contains(t, verr.Error(), "sanitization")
}

func TestValidateRejectsUnknownEndpoints(t *testing.T) {
	t.Parallel()
	wf := Workflow{
		Nodes: []Node{{ID: "a", Kind: KindTrigger, Label: "Start"}},
		Connections: []Connection{
			{SourceNodeID: "a", TargetNodeID: "ghost"},
		},
	}
	err := Validate(wf)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown target node")
}

func TestValidateRejectsCycle(t *testing.T) {
	t.Parallel()
	wf := Workflow{
		Nodes: []Node{
			{ID: "a", Kind: KindTrigger, Label: "A"},
			{ID: "b", Kind: KindCode, Label: "B"},
			{ID: "c", Kind: KindCode, Label: "C"},
		},
		Connections: []Connection{
			{SourceNodeID: "a", TargetNodeID: "b"},
			{SourceNodeID: "b", TargetNodeID: "c"},
			{SourceNodeID: "c", TargetNodeID: "b"},
		},
	}
	err := Validate(wf)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "cycle detected")
}

func TestValidateRejectsMultipleTriggers(t *testing.T) {
	t.Parallel()
	wf := Workflow{
		Nodes: []Node{
			{ID: "a", Kind: KindWebhook, Label: "Hook A"},
			{ID: "b", Kind: KindWebhook, Label: "Hook B"},
		},
	}
	err := Validate(wf)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "multiple webhook nodes")
}

func TestValidateChecksIfHandles(t *testing.T) {
	t.Parallel()
	wf := Workflow{
		Nodes: []Node{
			{ID: "t", Kind: KindTrigger, Label: "Start"},
			{ID: "i", Kind: KindIf, Label: "Gate", Config: map[string]any{
				"branches": []any{
					map[string]any{"handle": "high"},
				},
				"else": "rest",
			}},
			{ID: "x", Kind: KindCode, Label: "High"},
		},
		Connections: []Connection{
			{SourceNodeID: "t", TargetNodeID: "i"},
			{SourceNodeID: "i", SourceHandle: "low", TargetNodeID: "x"},
		},
	}
	err := Validate(wf)
	require.Error(t, err)
	assert.Contains(t, err.Error(), `no handle "low"`)

	wf.Connections[1].SourceHandle = "high"
	require.NoError(t, Validate(wf))
}

func TestValidateLegacyIfHandles(t *testing.T) {
	t.Parallel()
	wf := Workflow{
		Nodes: []Node{
			{ID: "t", Kind: KindTrigger, Label: "Start"},
			{ID: "i", Kind: KindIf, Label: "Gate"},
			{ID: "x", Kind: KindCode, Label: "Then"},
		},
		Connections: []Connection{
			{SourceNodeID: "t", TargetNodeID: "i"},
			{SourceNodeID: "i", SourceHandle: "true", TargetNodeID: "x"},
		},
	}
	require.NoError(t, Validate(wf))
}

func TestValidateRejectsMergeMode(t *testing.T) {
	t.Parallel()
	wf := Workflow{
		Nodes: []Node{
			{ID: "m", Kind: KindMerge, Label: "Join", Config: map[string]any{"mode": "zip"}},
		},
	}
	err := Validate(wf)
	require.Error(t, err)
	assert.Contains(t, err.Error(), `unknown mode "zip"`)
}

func TestValidateRejectsUtilitiesWithEdges(t *testing.T) {
	t.Parallel()
	wf := Workflow{
		Nodes: []Node{
			{ID: "t", Kind: KindTrigger, Label: "Start"},
			{ID: "u", Kind: KindUtilities, Label: "Helpers"},
		},
		Connections: []Connection{
			{SourceNodeID: "t", TargetNodeID: "u"},
		},
	}
	err := Validate(wf)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "must not have item connections")
}
