package worker_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/typeflow/typeflow/features/store/inmem"
	"github.com/typeflow/typeflow/runtime/engine"
	"github.com/typeflow/typeflow/runtime/sandbox"
	"github.com/typeflow/typeflow/runtime/worker"
	"github.com/typeflow/typeflow/runtime/workflow"
)

type fakeDelivery struct {
	job worker.Job
	res chan worker.Result
}

func newFakeDelivery(job worker.Job) *fakeDelivery {
	return &fakeDelivery{job: job, res: make(chan worker.Result, 1)}
}

func (d *fakeDelivery) Job() worker.Job { return d.job }

func (d *fakeDelivery) Ack(_ context.Context, res worker.Result) error {
	d.res <- res
	return nil
}

type fakeConsumer struct {
	deliveries chan worker.Delivery

	mu     sync.Mutex
	closed bool
}

func newFakeConsumer(buffer int) *fakeConsumer {
	return &fakeConsumer{deliveries: make(chan worker.Delivery, buffer)}
}

func (c *fakeConsumer) Deliveries() <-chan worker.Delivery { return c.deliveries }

func (c *fakeConsumer) Close(context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	return nil
}

func (c *fakeConsumer) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

func newTestWorker(t *testing.T, consumer worker.Consumer, concurrency int) *worker.Worker {
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
	require.NoError(t, workflows.Put(context.Background(), workflow.Workflow{
		OrganizationID: "org1",
		WorkflowID:     "wf1",
		Name:           "double",
		Active:         true,
		Nodes: []workflow.Node{
			{ID: "t", Kind: workflow.KindTrigger, Label: "Start"},
			{ID: "c", Kind: workflow.KindCode, Label: "Double", Config: map[string]any{
				"code": "return $input.map(it => ({json: {n: it.json.n * 2}}))",
			}},
		},
		Connections: []workflow.Connection{{SourceNodeID: "t", TargetNodeID: "c"}},
	}))
	w, err := worker.New(worker.Options{
		Executor:      executor,
		Consumer:      consumer,
		Concurrency:   concurrency,
		JobsPerSecond: 1000,
	})
	require.NoError(t, err)
	return w
}

func awaitResult(t *testing.T, d *fakeDelivery) worker.Result {
	t.Helper()
	select {
	case res := <-d.res:
		return res
	case <-time.After(10 * time.Second):
		t.Fatal("timed out waiting for job ack")
		return worker.Result{}
	}
}

func TestWorkerProcessesJobAndAcksResult(t *testing.T) {
	t.Parallel()
	consumer := newFakeConsumer(1)
	w := newTestWorker(t, consumer, 2)

	d := newFakeDelivery(worker.Job{
		JobID:          "j1",
		OrganizationID: "org1",
		WorkflowID:     "wf1",
		Trigger:        "webhook",
		Input:          map[string]any{"n": 21},
	})
	consumer.deliveries <- d
	close(consumer.deliveries)

	err := w.Run(context.Background())
	require.NoError(t, err)

	res := awaitResult(t, d)
	assert.True(t, res.Success)
	assert.Empty(t, res.Error)
	require.Len(t, res.Outputs, 1)
	assert.EqualValues(t, 42, res.Outputs[0].JSON["n"])
	assert.Positive(t, res.ExecutionTime)
	assert.True(t, consumer.isClosed())
}

func TestWorkerFailedWorkflowAcksFailure(t *testing.T) {
	t.Parallel()
	consumer := newFakeConsumer(1)
	w := newTestWorker(t, consumer, 2)

	// Unknown workflow: the executor errors and the job is acked as failed.
	d := newFakeDelivery(worker.Job{
		JobID:          "j1",
		OrganizationID: "org1",
		WorkflowID:     "missing",
	})
	consumer.deliveries <- d
	close(consumer.deliveries)

	require.NoError(t, w.Run(context.Background()))
	res := awaitResult(t, d)
	assert.False(t, res.Success)
	assert.NotEmpty(t, res.Error)
}

func TestWorkerDrainsAllJobsBeforeReturning(t *testing.T) {
	t.Parallel()
	consumer := newFakeConsumer(8)
	w := newTestWorker(t, consumer, 3)

	deliveries := make([]*fakeDelivery, 8)
	for i := range deliveries {
		deliveries[i] = newFakeDelivery(worker.Job{
			JobID:          "j",
			OrganizationID: "org1",
			WorkflowID:     "wf1",
			Input:          map[string]any{"n": i},
		})
		consumer.deliveries <- deliveries[i]
	}
	close(consumer.deliveries)

	require.NoError(t, w.Run(context.Background()))
	for i, d := range deliveries {
		res := awaitResult(t, d)
		assert.True(t, res.Success)
		require.Len(t, res.Outputs, 1)
		assert.EqualValues(t, 2*i, res.Outputs[0].JSON["n"])
	}
	assert.True(t, consumer.isClosed())
}

func TestWorkerStopsOnContextCancel(t *testing.T) {
	t.Parallel()
	consumer := newFakeConsumer(1)
	w := newTestWorker(t, consumer, 1)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- w.Run(ctx) }()

	cancel()
	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(10 * time.Second):
		t.Fatal("worker did not stop on cancel")
	}
	assert.True(t, consumer.isClosed())
}

func TestWorkerDefaultTriggerIsQueue(t *testing.T) {
	t.Parallel()
	consumer := newFakeConsumer(1)

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
	require.NoError(t, workflows.Put(context.Background(), workflow.Workflow{
		OrganizationID: "org1",
		WorkflowID:     "wf1",
		Name:           "noop",
		Active:         true,
		Nodes:          []workflow.Node{{ID: "t", Kind: workflow.KindTrigger, Label: "Start"}},
	}))
	w, err := worker.New(worker.Options{Executor: executor, Consumer: consumer})
	require.NoError(t, err)

	d := newFakeDelivery(worker.Job{JobID: "j1", OrganizationID: "org1", WorkflowID: "wf1"})
	consumer.deliveries <- d
	close(consumer.deliveries)
	require.NoError(t, w.Run(context.Background()))
	require.True(t, awaitResult(t, d).Success)

	recs, err := executions.List(context.Background(), "org1", "wf1")
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.Equal(t, "queue", recs[0].TriggerType)
}
