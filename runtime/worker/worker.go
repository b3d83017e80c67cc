// Package worker consumes queued workflow jobs with bounded concurrency and a
// job-rate cap, invokes the executor and acknowledges each job with its
// result. Redelivery of unacknowledged jobs is the queue's concern, not the
// worker's.
package worker

import (
	"context"
	"errors"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/typeflow/typeflow/runtime/engine"
	"github.com/typeflow/typeflow/runtime/execution"
	"github.com/typeflow/typeflow/runtime/item"
	"github.com/typeflow/typeflow/runtime/telemetry"
)

const (
	// DefaultConcurrency bounds simultaneously executing jobs.
	DefaultConcurrency = 5
	// DefaultJobsPerSecond caps the job start rate.
	DefaultJobsPerSecond = 10
)

type (
	// Job is one queued workflow invocation.
	Job struct {
		JobID          string         `json:"jobId"`
		OrganizationID string         `json:"organizationId"`
		WorkflowID     string         `json:"workflowId"`
		Trigger        string         `json:"trigger"`
		Input          map[string]any `json:"input,omitempty"`
		UserID         string         `json:"userId,omitempty"`
		WebhookPath    string         `json:"webhookPath,omitempty"`
	}

	// Result is the outcome acknowledged back to the queue.
	Result struct {
		Success       bool                            `json:"success"`
		Outputs       []item.Item                     `json:"outputs,omitempty"`
		ExecutionTime time.Duration                   `json:"executionTime"`
		Error         string                          `json:"error,omitempty"`
		NodeResults   map[string]execution.NodeResult `json:"nodeResults,omitempty"`
	}

	// Delivery is one job handed over by the queue, acknowledged exactly once.
	Delivery interface {
		Job() Job
		Ack(ctx context.Context, res Result) error
	}

	// Consumer feeds deliveries to the worker. The channel closes when the
	// queue client shuts down.
	Consumer interface {
		Deliveries() <-chan Delivery
		Close(ctx context.Context) error
	}

	// Options configures New.
	Options struct {
		Executor *engine.Executor
		Consumer Consumer
		// Concurrency overrides DefaultConcurrency when positive.
		Concurrency int
		// JobsPerSecond overrides DefaultJobsPerSecond when positive.
		JobsPerSecond float64
		Logger        telemetry.Logger
		Metrics       telemetry.Metrics
	}

	// Worker runs the consume loop.
	Worker struct {
		executor *engine.Executor
		consumer Consumer
		sem      chan struct{}
		limiter  *rate.Limiter
		logger   telemetry.Logger
		metrics  telemetry.Metrics
		wg       sync.WaitGroup
	}
)

// New validates the options and returns a Worker.
func New(opts Options) (*Worker, error) {
	if opts.Executor == nil {
		return nil, errors.New("executor is required")
	}
	if opts.Consumer == nil {
		return nil, errors.New("consumer is required")
	}
	if opts.Concurrency <= 0 {
		opts.Concurrency = DefaultConcurrency
	}
	if opts.JobsPerSecond <= 0 {
		opts.JobsPerSecond = DefaultJobsPerSecond
	}
	if opts.Logger == nil {
		opts.Logger = telemetry.NewNoopLogger()
	}
	if opts.Metrics == nil {
		opts.Metrics = telemetry.NewNoopMetrics()
	}
	return &Worker{
		executor: opts.Executor,
		consumer: opts.Consumer,
		sem:      make(chan struct{}, opts.Concurrency),
		limiter:  rate.NewLimiter(rate.Limit(opts.JobsPerSecond), 1),
		logger:   opts.Logger,
		metrics:  opts.Metrics,
	}, nil
}

// Run consumes jobs until the context is cancelled or the consumer's channel
// closes, then drains in-flight jobs and closes the consumer.
func (w *Worker) Run(ctx context.Context) error {
	defer func() {
		w.wg.Wait()
		if err := w.consumer.Close(context.Background()); err != nil {
			w.logger.Warn(ctx, "closing queue consumer", "error", err.Error())
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case d, ok := <-w.consumer.Deliveries():
			if !ok {
				return nil
			}
			if err := w.limiter.Wait(ctx); err != nil {
				return err
			}
			select {
			case w.sem <- struct{}{}:
			case <-ctx.Done():
				return ctx.Err()
			}
			w.wg.Add(1)
			go w.process(ctx, d)
		}
	}
}

// process runs one job and acks it with the outcome. Executor errors become
// failed results; they never crash the worker.
func (w *Worker) process(ctx context.Context, d Delivery) {
	defer w.wg.Done()
	defer func() { <-w.sem }()

	job := d.Job()
	start := time.Now()
	res := w.execute(ctx, job)
	res.ExecutionTime = time.Since(start)

	w.metrics.IncCounter("typeflow.worker.jobs", 1, "success", boolTag(res.Success))
	w.metrics.RecordTimer("typeflow.worker.job_duration", res.ExecutionTime)

	if err := d.Ack(ctx, res); err != nil {
		w.logger.Error(ctx, "ack job", "job_id", job.JobID, "error", err.Error())
	}
}

func (w *Worker) execute(ctx context.Context, job Job) Result {
	trigger := job.Trigger
	if trigger == "" {
		trigger = "queue"
	}
	out, err := w.executor.Execute(ctx, engine.Request{
		OrganizationID: job.OrganizationID,
		WorkflowID:     job.WorkflowID,
		TriggerType:    trigger,
		TriggerData:    job.Input,
	})
	if err != nil {
		w.logger.Error(ctx, "job execution", "job_id", job.JobID, "error", err.Error())
		return Result{Success: false, Error: err.Error()}
	}
	res := Result{
		Success:     out.Status == execution.StatusCompleted,
		Outputs:     out.Output,
		NodeResults: out.NodeResults,
		Error:       out.Error,
	}
	return res
}

func boolTag(b bool) string {
	if b {
		return "true"
	}
	return "false"
}
