package schedule

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/typeflow/typeflow/features/store/inmem"
	"github.com/typeflow/typeflow/runtime/engine"
	"github.com/typeflow/typeflow/runtime/sandbox"
	"github.com/typeflow/typeflow/runtime/workflow"
)

func newScheduler(t *testing.T) (*Scheduler, *inmem.WorkflowStore) {
	t.Helper()
	sb, err := sandbox.New(sandbox.Options{PackagesRoot: t.TempDir()})
	require.NoError(t, err)
	workflows := inmem.NewWorkflowStore()
	executor, err := engine.NewExecutor(engine.Options{
		Workflows:  workflows,
		Executions: inmem.NewExecutionStore(),
		Sandbox:    sb,
	})
	require.NoError(t, err)
	s, err := NewScheduler(Options{Workflows: workflows, Executor: executor})
	require.NoError(t, err)
	return s, workflows
}

func scheduledWorkflow(id, spec string, active bool) workflow.Workflow {
	cfg := map[string]any{}
	if spec != "" {
		cfg["schedule"] = spec
	}
	return workflow.Workflow{
		OrganizationID: "org1",
		WorkflowID:     id,
		Name:           id,
		Active:         active,
		Nodes: []workflow.Node{
			{ID: "t", Kind: workflow.KindTrigger, Label: "Every", Config: cfg},
		},
	}
}

func TestRegisterAddsScheduledWorkflow(t *testing.T) {
	t.Parallel()
	s, _ := newScheduler(t)
	require.NoError(t, s.Register(context.Background(), scheduledWorkflow("wf1", "*/5 * * * *", true)))
	assert.Len(t, s.entries, 1)
}

func TestRegisterSkipsInactiveAndUnscheduled(t *testing.T) {
	t.Parallel()
	s, _ := newScheduler(t)
	ctx := context.Background()
	require.NoError(t, s.Register(ctx, scheduledWorkflow("wf1", "*/5 * * * *", false)))
	require.NoError(t, s.Register(ctx, scheduledWorkflow("wf2", "", true)))
	assert.Empty(t, s.entries)
}

func TestRegisterReplacesExistingEntry(t *testing.T) {
	t.Parallel()
	s, _ := newScheduler(t)
	ctx := context.Background()
	require.NoError(t, s.Register(ctx, scheduledWorkflow("wf1", "*/5 * * * *", true)))
	first := s.entries["org1/wf1"]
	require.NoError(t, s.Register(ctx, scheduledWorkflow("wf1", "0 * * * *", true)))
	assert.Len(t, s.entries, 1)
	assert.NotEqual(t, first, s.entries["org1/wf1"])
}

func TestRegisterRemovesDroppedSchedule(t *testing.T) {
	t.Parallel()
	s, _ := newScheduler(t)
	ctx := context.Background()
	require.NoError(t, s.Register(ctx, scheduledWorkflow("wf1", "*/5 * * * *", true)))
	require.NoError(t, s.Register(ctx, scheduledWorkflow("wf1", "", true)))
	assert.Empty(t, s.entries)
}

func TestRegisterRejectsInvalidExpression(t *testing.T) {
	t.Parallel()
	s, _ := newScheduler(t)
	err := s.Register(context.Background(), scheduledWorkflow("wf1", "not a cron", true))
	require.Error(t, err)
	assert.Empty(t, s.entries)
}

func TestRegisterAllRegistersEverySchedule(t *testing.T) {
	t.Parallel()
	s, workflows := newScheduler(t)
	ctx := context.Background()
	require.NoError(t, workflows.Put(ctx, scheduledWorkflow("wf1", "*/5 * * * *", true)))
	require.NoError(t, workflows.Put(ctx, scheduledWorkflow("wf2", "0 0 * * *", true)))
	require.NoError(t, workflows.Put(ctx, scheduledWorkflow("wf3", "", true)))

	require.NoError(t, s.RegisterAll(ctx, "org1"))
	assert.Len(t, s.entries, 2)
}
