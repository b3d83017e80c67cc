package engine_test

import (
	"context"
	"fmt"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/typeflow/typeflow/features/store/inmem"
	"github.com/typeflow/typeflow/runtime/engine"
	"github.com/typeflow/typeflow/runtime/execution"
	"github.com/typeflow/typeflow/runtime/flowerrors"
	"github.com/typeflow/typeflow/runtime/item"
	"github.com/typeflow/typeflow/runtime/sandbox"
	"github.com/typeflow/typeflow/runtime/workflow"
)

type testEnv struct {
	executor   *engine.Executor
	workflows  *inmem.WorkflowStore
	executions *inmem.ExecutionStore
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	sb, err := sandbox.New(sandbox.Options{PackagesRoot: t.TempDir()})
	require.NoError(t, err)
	workflows := inmem.NewWorkflowStore()
	executions := inmem.NewExecutionStore()
	executor, err := engine.NewExecutor(engine.Options{
		Workflows:  workflows,
		Executions: executions,
		Sandbox:    sb,
	})
	require.NoError(t, err)
	return &testEnv{executor: executor, workflows: workflows, executions: executions}
}

func (e *testEnv) put(t *testing.T, wf workflow.Workflow) {
	t.Helper()
	require.NoError(t, e.workflows.Put(context.Background(), wf))
}

func (e *testEnv) run(t *testing.T, workflowID string, triggerData map[string]any) engine.Outcome {
	t.Helper()
	out, err := e.executor.Execute(context.Background(), engine.Request{
		OrganizationID: "org1",
		WorkflowID:     workflowID,
		TriggerType:    "manual",
		TriggerData:    triggerData,
	})
	require.NoError(t, err)
	return out
}

func codeNode(id, label, code string) workflow.Node {
	return workflow.Node{
		ID:     id,
		Kind:   workflow.KindCode,
		Label:  label,
		Config: map[string]any{"code": code},
	}
}

func conn(src, dst string) workflow.Connection {
	return workflow.Connection{SourceNodeID: src, TargetNodeID: dst}
}

func handleConn(src, handle, dst string) workflow.Connection {
	return workflow.Connection{SourceNodeID: src, SourceHandle: handle, TargetNodeID: dst}
}

func TestExecuteLinearFlow(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t)
	env.put(t, workflow.Workflow{
		OrganizationID: "org1",
		WorkflowID:     "wf1",
		Name:           "linear",
		Active:         true,
		Nodes: []workflow.Node{
			{ID: "t", Kind: workflow.KindTrigger, Label: "Start"},
			codeNode("c", "Double", "return $input.map(it => ({json: {n: it.json.n * 2}}))"),
		},
		Connections: []workflow.Connection{conn("t", "c")},
	})

	out := env.run(t, "wf1", map[string]any{"n": 21})
	require.Equal(t, execution.StatusCompleted, out.Status)
	require.Len(t, out.Output, 1)
	assert.EqualValues(t, 42, out.Output[0].JSON["n"])
	assert.Equal(t, execution.NodeCompleted, out.NodeResults["t"].Status)
	assert.Equal(t, execution.NodeCompleted, out.NodeResults["c"].Status)

	rec, err := env.executions.Load(context.Background(), out.ExecutionID)
	require.NoError(t, err)
	assert.Equal(t, execution.StatusCompleted, rec.Status)
	assert.Equal(t, "manual", rec.TriggerType)
}

func TestIfBranchRoutingSkipsInactiveBranch(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t)
	env.put(t, workflow.Workflow{
		OrganizationID: "org1",
		WorkflowID:     "wf1",
		Name:           "branching",
		Active:         true,
		Nodes: []workflow.Node{
			{ID: "t", Kind: workflow.KindTrigger, Label: "Start"},
			{ID: "if", Kind: workflow.KindIf, Label: "Check", Config: map[string]any{
				"branches": []any{
					map[string]any{
						"handle": "big",
						"conditions": []any{
							map[string]any{"field": "n", "operator": "greaterThan", "value": 5},
						},
					},
				},
				"else": "small",
			}},
			codeNode("big", "Big", `return [{json: {route: "big"}}]`),
			codeNode("small", "Small", `return [{json: {route: "small"}}]`),
		},
		Connections: []workflow.Connection{
			conn("t", "if"),
			handleConn("if", "big", "big"),
			handleConn("if", "small", "small"),
		},
	})

	out := env.run(t, "wf1", map[string]any{"n": 10})
	require.Equal(t, execution.StatusCompleted, out.Status)
	require.Len(t, out.Output, 1)
	assert.Equal(t, "big", out.Output[0].JSON["route"])
	assert.Equal(t, execution.NodeCompleted, out.NodeResults["big"].Status)
	assert.Equal(t, execution.NodeSkipped, out.NodeResults["small"].Status)

	out = env.run(t, "wf1", map[string]any{"n": 1})
	require.Equal(t, execution.StatusCompleted, out.Status)
	require.Len(t, out.Output, 1)
	assert.Equal(t, "small", out.Output[0].JSON["route"])
	assert.Equal(t, execution.NodeSkipped, out.NodeResults["big"].Status)
}

func TestIfExpressionBranch(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t)
	env.put(t, workflow.Workflow{
		OrganizationID: "org1",
		WorkflowID:     "wf1",
		Name:           "expression",
		Active:         true,
		Nodes: []workflow.Node{
			{ID: "t", Kind: workflow.KindTrigger, Label: "Start"},
			{ID: "if", Kind: workflow.KindIf, Label: "Check", Config: map[string]any{
				"branches": []any{
					map[string]any{"handle": "match", "expression": `$json.status == "active"`},
				},
				"else": "other",
			}},
			codeNode("m", "Matched", `return [{json: {ok: true}}]`),
			codeNode("o", "Other", `return [{json: {ok: false}}]`),
		},
		Connections: []workflow.Connection{
			conn("t", "if"),
			handleConn("if", "match", "m"),
			handleConn("if", "other", "o"),
		},
	})

	out := env.run(t, "wf1", map[string]any{"status": "active"})
	require.Equal(t, execution.StatusCompleted, out.Status)
	require.Len(t, out.Output, 1)
	assert.Equal(t, true, out.Output[0].JSON["ok"])
}

func fanOutWorkflow(mode string, extra map[string]any) workflow.Workflow {
	mergeConfig := map[string]any{"mode": mode}
	for k, v := range extra {
		mergeConfig[k] = v
	}
	return workflow.Workflow{
		OrganizationID: "org1",
		WorkflowID:     "wf1",
		Name:           "fanout",
		Active:         true,
		Nodes: []workflow.Node{
			{ID: "t", Kind: workflow.KindTrigger, Label: "Start"},
			{
				ID: "a", Kind: workflow.KindCode, Label: "Left", ExecutionOrder: 1,
				Config: map[string]any{"code": `return [{json: {id: 1, left: "x"}}, {json: {id: 2, left: "y"}}]`},
			},
			{
				ID: "b", Kind: workflow.KindCode, Label: "Right", ExecutionOrder: 2,
				Config: map[string]any{"code": `return [{json: {id: 2, right: "z"}}]`},
			},
			{ID: "m", Kind: workflow.KindMerge, Label: "Merge", Config: mergeConfig},
		},
		Connections: []workflow.Connection{
			conn("t", "a"), conn("t", "b"), conn("a", "m"), conn("b", "m"),
		},
	}
}

func TestMergeAppend(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t)
	env.put(t, fanOutWorkflow("append", nil))

	out := env.run(t, "wf1", nil)
	require.Equal(t, execution.StatusCompleted, out.Status)
	require.Len(t, out.Output, 3)
	// Inputs concatenate in ExecutionOrder: Left's two items then Right's one.
	assert.EqualValues(t, 1, out.Output[0].JSON["id"])
	assert.EqualValues(t, 2, out.Output[1].JSON["id"])
	assert.Equal(t, "z", out.Output[2].JSON["right"])
}

func TestMergeByPositionWithUnevenInputs(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t)
	env.put(t, fanOutWorkflow("mergeByPosition", nil))

	out := env.run(t, "wf1", nil)
	require.Equal(t, execution.StatusCompleted, out.Status)
	require.Len(t, out.Output, 2)
	// Position 0 merges both sides; position 1 has no Right counterpart.
	assert.Equal(t, "x", out.Output[0].JSON["left"])
	assert.Equal(t, "z", out.Output[0].JSON["right"])
	assert.Equal(t, "y", out.Output[1].JSON["left"])
	_, hasRight := out.Output[1].JSON["right"]
	assert.False(t, hasRight)
}

func TestMergeByKey(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t)
	env.put(t, fanOutWorkflow("mergeByKey", map[string]any{"key": "id"}))

	out := env.run(t, "wf1", nil)
	require.Equal(t, execution.StatusCompleted, out.Status)
	require.Len(t, out.Output, 2)
	// id=1 only on the left, id=2 joined across both sides.
	assert.EqualValues(t, 1, out.Output[0].JSON["id"])
	assert.Equal(t, "y", out.Output[1].JSON["left"])
	assert.Equal(t, "z", out.Output[1].JSON["right"])
}

func TestMergeWithDeadBranchConsumesEmptyInput(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t)
	env.put(t, workflow.Workflow{
		OrganizationID: "org1",
		WorkflowID:     "wf1",
		Name:           "deadbranch",
		Active:         true,
		Nodes: []workflow.Node{
			{ID: "t", Kind: workflow.KindTrigger, Label: "Start"},
			{ID: "if", Kind: workflow.KindIf, Label: "Check", Config: map[string]any{
				"branches": []any{
					map[string]any{"handle": "yes", "expression": "$json.go == true"},
				},
				"else": "no",
			}},
			{
				ID: "y", Kind: workflow.KindCode, Label: "Yes", ExecutionOrder: 1,
				Config: map[string]any{"code": `return [{json: {from: "yes"}}]`},
			},
			{
				ID: "n", Kind: workflow.KindCode, Label: "No", ExecutionOrder: 2,
				Config: map[string]any{"code": `return [{json: {from: "no"}}]`},
			},
			{ID: "m", Kind: workflow.KindMerge, Label: "Merge", Config: map[string]any{"mode": "append"}},
		},
		Connections: []workflow.Connection{
			conn("t", "if"),
			handleConn("if", "yes", "y"),
			handleConn("if", "no", "n"),
			conn("y", "m"), conn("n", "m"),
		},
	})

	out := env.run(t, "wf1", map[string]any{"go": true})
	require.Equal(t, execution.StatusCompleted, out.Status)
	// The merge runs with the dead edge contributing nothing.
	require.Len(t, out.Output, 1)
	assert.Equal(t, "yes", out.Output[0].JSON["from"])
	assert.Equal(t, execution.NodeSkipped, out.NodeResults["n"].Status)
	assert.Equal(t, execution.NodeCompleted, out.NodeResults["m"].Status)
}

func TestRemoveDuplicates(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t)
	env.put(t, workflow.Workflow{
		OrganizationID: "org1",
		WorkflowID:     "wf1",
		Name:           "dedupe",
		Active:         true,
		Nodes: []workflow.Node{
			{ID: "t", Kind: workflow.KindTrigger, Label: "Start"},
			codeNode("c", "Items",
				`return [{json: {id: 1, v: "a"}}, {json: {id: 2, v: "b"}}, {json: {id: 1, v: "c"}}]`),
			{ID: "d", Kind: workflow.KindRemoveDuplicates, Label: "Dedupe",
				Config: map[string]any{"field": "id"}},
		},
		Connections: []workflow.Connection{conn("t", "c"), conn("c", "d")},
	})

	out := env.run(t, "wf1", nil)
	require.Equal(t, execution.StatusCompleted, out.Status)
	require.Len(t, out.Output, 2)
	// First occurrence wins.
	assert.Equal(t, "a", out.Output[0].JSON["v"])
	assert.Equal(t, "b", out.Output[1].JSON["v"])
}

func putChildWorkflow(t *testing.T, env *testEnv) {
	t.Helper()
	env.put(t, workflow.Workflow{
		OrganizationID: "org1",
		WorkflowID:     "child",
		Name:           "child",
		Active:         true,
		Nodes: []workflow.Node{
			{ID: "in", Kind: workflow.KindWorkflowInput, Label: "Input"},
			codeNode("c", "Double", "return $input.map(it => ({json: {n: it.json.n * 2}}))"),
			{ID: "out", Kind: workflow.KindWorkflowOutput, Label: "Output"},
		},
		Connections: []workflow.Connection{conn("in", "c"), conn("c", "out")},
	})
}

func TestSubWorkflowOnce(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t)
	putChildWorkflow(t, env)
	env.put(t, workflow.Workflow{
		OrganizationID: "org1",
		WorkflowID:     "parent",
		Name:           "parent",
		Active:         true,
		Nodes: []workflow.Node{
			{ID: "t", Kind: workflow.KindTrigger, Label: "Start"},
			codeNode("c", "Items", `return [{json: {n: 1}}, {json: {n: 2}}]`),
			{ID: "sub", Kind: workflow.KindExecuteWorkflow, Label: "Call",
				Config: map[string]any{"workflowId": "child"}},
		},
		Connections: []workflow.Connection{conn("t", "c"), conn("c", "sub")},
	})

	out := env.run(t, "parent", nil)
	require.Equal(t, execution.StatusCompleted, out.Status)
	require.Len(t, out.Output, 2)
	assert.EqualValues(t, 2, out.Output[0].JSON["n"])
	assert.EqualValues(t, 4, out.Output[1].JSON["n"])

	// The child execution is linked to its caller.
	recs, err := env.executions.List(context.Background(), "org1", "child")
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.Equal(t, out.ExecutionID, recs[0].ParentExecutionID)
	assert.Equal(t, "subworkflow", recs[0].TriggerType)
}

func TestSubWorkflowForeachPairsItems(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t)
	putChildWorkflow(t, env)
	env.put(t, workflow.Workflow{
		OrganizationID: "org1",
		WorkflowID:     "parent",
		Name:           "parent",
		Active:         true,
		Nodes: []workflow.Node{
			{ID: "t", Kind: workflow.KindTrigger, Label: "Start"},
			codeNode("c", "Items", `return [{json: {n: 3}}, {json: {n: 5}}]`),
			{ID: "sub", Kind: workflow.KindExecuteWorkflow, Label: "Call",
				Config: map[string]any{"workflowId": "child", "mode": "foreach"}},
		},
		Connections: []workflow.Connection{conn("t", "c"), conn("c", "sub")},
	})

	out := env.run(t, "parent", nil)
	require.Equal(t, execution.StatusCompleted, out.Status)
	require.Len(t, out.Output, 2)
	assert.EqualValues(t, 6, out.Output[0].JSON["n"])
	assert.EqualValues(t, 10, out.Output[1].JSON["n"])
	require.NotNil(t, out.Output[0].PairedItem)
	require.NotNil(t, out.Output[1].PairedItem)
	assert.Equal(t, 0, *out.Output[0].PairedItem)
	assert.Equal(t, 1, *out.Output[1].PairedItem)
}

func TestSubWorkflowDepthLimit(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t)
	env.put(t, workflow.Workflow{
		OrganizationID: "org1",
		WorkflowID:     "recursive",
		Name:           "recursive",
		Active:         true,
		Nodes: []workflow.Node{
			{ID: "t", Kind: workflow.KindTrigger, Label: "Start"},
			{ID: "in", Kind: workflow.KindWorkflowInput, Label: "Input"},
			{ID: "sub", Kind: workflow.KindExecuteWorkflow, Label: "Recurse",
				Config: map[string]any{"workflowId": "recursive"}},
		},
		Connections: []workflow.Connection{conn("t", "sub"), conn("in", "sub")},
	})

	out := env.run(t, "recursive", nil)
	require.Equal(t, execution.StatusFailed, out.Status)
	assert.Contains(t, out.Error, "depth")
}

func TestRunUntilNodeStopsAtTarget(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t)
	env.put(t, workflow.Workflow{
		OrganizationID: "org1",
		WorkflowID:     "wf1",
		Name:           "partial",
		Active:         true,
		Nodes: []workflow.Node{
			{ID: "t", Kind: workflow.KindTrigger, Label: "Start"},
			codeNode("a", "First", `return [{json: {step: "a"}}]`),
			codeNode("b", "Second", `return [{json: {step: "b"}}]`),
		},
		Connections: []workflow.Connection{conn("t", "a"), conn("a", "b")},
	})

	out, err := env.executor.Execute(context.Background(), engine.Request{
		OrganizationID: "org1",
		WorkflowID:     "wf1",
		TriggerType:    "manual",
		UntilNodeID:    "a",
	})
	require.NoError(t, err)
	require.Equal(t, execution.StatusCompleted, out.Status)
	require.Len(t, out.Output, 1)
	assert.Equal(t, "a", out.Output[0].JSON["step"])
	_, ran := out.NodeResults["b"]
	assert.False(t, ran)
}

func TestCancellationStopsScheduling(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t)
	env.put(t, workflow.Workflow{
		OrganizationID: "org1",
		WorkflowID:     "wf1",
		Name:           "cancellable",
		Active:         true,
		Nodes: []workflow.Node{
			{ID: "t", Kind: workflow.KindTrigger, Label: "Start"},
			codeNode("a", "First", `return [{json: {step: "a"}}]`),
			codeNode("b", "Second", `return [{json: {step: "b"}}]`),
		},
		Connections: []workflow.Connection{conn("t", "a"), conn("a", "b")},
	})

	ctx := context.Background()
	st, err := env.executor.NewStepper(ctx, engine.Request{
		OrganizationID: "org1",
		WorkflowID:     "wf1",
		TriggerType:    "manual",
	})
	require.NoError(t, err)

	// Execute the trigger, then cancel out of band.
	done, err := st.Step(ctx)
	require.NoError(t, err)
	require.False(t, done)
	require.NoError(t, env.executions.SetStatus(ctx, st.Outcome().ExecutionID, execution.StatusCancelled))

	for !done {
		done, err = st.Step(ctx)
		require.NoError(t, err)
	}
	out := st.Outcome()
	assert.Equal(t, execution.StatusCancelled, out.Status)
	_, ranB := out.NodeResults["b"]
	assert.False(t, ranB)
}

func TestNodeFailureFailsExecution(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t)
	env.put(t, workflow.Workflow{
		OrganizationID: "org1",
		WorkflowID:     "wf1",
		Name:           "failing",
		Active:         true,
		Nodes: []workflow.Node{
			{ID: "t", Kind: workflow.KindTrigger, Label: "Start"},
			codeNode("c", "Boom", `throw new Error("kaput")`),
			codeNode("after", "After", `return $input`),
		},
		Connections: []workflow.Connection{conn("t", "c"), conn("c", "after")},
	})

	out := env.run(t, "wf1", nil)
	require.Equal(t, execution.StatusFailed, out.Status)
	assert.Contains(t, out.Error, "kaput")
	assert.Equal(t, execution.NodeFailed, out.NodeResults["c"].Status)
	_, ran := out.NodeResults["after"]
	assert.False(t, ran)
}

func TestInactiveWorkflowIsRejected(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t)
	env.put(t, workflow.Workflow{
		OrganizationID: "org1",
		WorkflowID:     "wf1",
		Name:           "inactive",
		Active:         false,
		Nodes:          []workflow.Node{{ID: "t", Kind: workflow.KindTrigger, Label: "Start"}},
	})

	_, err := env.executor.Execute(context.Background(), engine.Request{
		OrganizationID: "org1",
		WorkflowID:     "wf1",
		TriggerType:    "manual",
	})
	require.ErrorIs(t, err, flowerrors.ErrWorkflowInactive)
}

func TestSkippedPredecessorInjectedAsEmpty(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t)
	env.put(t, workflow.Workflow{
		OrganizationID: "org1",
		WorkflowID:     "wf1",
		Name:           "dead branch visibility",
		Active:         true,
		Nodes: []workflow.Node{
			{ID: "t", Kind: workflow.KindTrigger, Label: "Start"},
			{ID: "if", Kind: workflow.KindIf, Label: "Check", Config: map[string]any{
				"branches": []any{
					map[string]any{
						"handle": "yes",
						"conditions": []any{
							map[string]any{"field": "n", "operator": "greaterThan", "value": 5},
						},
					},
				},
				"else": "no",
			}},
			codeNode("yes", "Yes", `return [{json: {route: "yes"}}]`),
			codeNode("no", "No", `return [{json: {route: "no"}}]`),
			{ID: "m", Kind: workflow.KindMerge, Label: "Join"},
			codeNode("final", "Final", `return [{json: {
				yesCount: $Yes.input.length,
				noCount: $No.input.length,
				noJson: $No.json,
			}}]`),
		},
		Connections: []workflow.Connection{
			conn("t", "if"),
			handleConn("if", "yes", "yes"),
			handleConn("if", "no", "no"),
			conn("yes", "m"),
			conn("no", "m"),
			conn("m", "final"),
		},
	})

	out := env.run(t, "wf1", map[string]any{"n": 10})
	require.Equal(t, execution.StatusCompleted, out.Status)
	require.Len(t, out.Output, 1)
	assert.EqualValues(t, 1, out.Output[0].JSON["yesCount"])
	assert.EqualValues(t, 0, out.Output[0].JSON["noCount"])
	assert.Equal(t, map[string]any{}, out.Output[0].JSON["noJson"])
}

func TestUtilitiesInjectedIntoCodeNodes(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t)
	env.put(t, workflow.Workflow{
		OrganizationID: "org1",
		WorkflowID:     "wf1",
		Name:           "utils",
		Active:         true,
		Nodes: []workflow.Node{
			{ID: "t", Kind: workflow.KindTrigger, Label: "Start"},
			{ID: "u", Kind: workflow.KindUtilities, Label: "Helpers",
				Config: map[string]any{"code": `module.exports = {triple: n => n * 3}`}},
			codeNode("c", "Use", `return [{json: {n: $Helpers.triple($json.n)}}]`),
		},
		Connections: []workflow.Connection{conn("t", "c")},
	})

	out := env.run(t, "wf1", map[string]any{"n": 7})
	require.Equal(t, execution.StatusCompleted, out.Status)
	require.Len(t, out.Output, 1)
	assert.EqualValues(t, 21, out.Output[0].JSON["n"])
}

func TestPredecessorOutputsVisibleDownstream(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t)
	env.put(t, workflow.Workflow{
		OrganizationID: "org1",
		WorkflowID:     "wf1",
		Name:           "preds",
		Active:         true,
		Nodes: []workflow.Node{
			{ID: "t", Kind: workflow.KindTrigger, Label: "Start"},
			codeNode("a", "Fetch Users", `return [{json: {name: "ada"}}]`),
			codeNode("b", "Greet", `return [{json: {hello: $Fetch_Users.json.name}}]`),
		},
		Connections: []workflow.Connection{conn("t", "a"), conn("a", "b")},
	})

	out := env.run(t, "wf1", nil)
	require.Equal(t, execution.StatusCompleted, out.Status)
	require.Len(t, out.Output, 1)
	assert.Equal(t, "ada", out.Output[0].JSON["hello"])
}

func TestExecutionIsDeterministic(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t)
	env.put(t, workflow.Workflow{
		OrganizationID: "org1",
		WorkflowID:     "wf1",
		Name:           "deterministic",
		Active:         true,
		Nodes: []workflow.Node{
			{ID: "t", Kind: workflow.KindTrigger, Label: "Start"},
			codeNode("c", "Transform", "return $input.map(it => ({json: {out: it.json.n * it.json.n + 1}}))"),
		},
		Connections: []workflow.Connection{conn("t", "c")},
	})

	params := gopter.DefaultTestParameters()
	params.MinSuccessfulTests = 30
	properties := gopter.NewProperties(params)

	properties.Property("same trigger data yields the same result", prop.ForAll(
		func(n int) bool {
			data := map[string]any{"n": n}
			first := env.run(t, "wf1", data)
			second := env.run(t, "wf1", data)
			if first.Status != execution.StatusCompleted || second.Status != execution.StatusCompleted {
				return false
			}
			return item.Fingerprint(item.Export(first.Output)) ==
				item.Fingerprint(item.Export(second.Output))
		},
		gen.IntRange(-1000, 1000),
	))

	properties.Property("output follows the arithmetic of the code node", prop.ForAll(
		func(n int) bool {
			out := env.run(t, "wf1", map[string]any{"n": n})
			if len(out.Output) != 1 {
				return false
			}
			got, ok := out.Output[0].JSON["out"]
			if !ok {
				return false
			}
			return fmt.Sprint(got) == fmt.Sprint(int64(n)*int64(n)+1)
		},
		gen.IntRange(-1000, 1000),
	))

	properties.TestingRun(t)
}
