// Package pulse implements the job queue on Pulse streams backed by Redis.
// The ingress enqueues jobs on one stream; workers consume them through a
// consumer group and acknowledge each job with its result, which is published
// on a results stream for observers.
package pulse

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"goa.design/pulse/streaming"
	streamopts "goa.design/pulse/streaming/options"

	"github.com/typeflow/typeflow/runtime/telemetry"
	"github.com/typeflow/typeflow/runtime/worker"
)

const (
	jobsStream    = "typeflow:jobs"
	resultsStream = "typeflow:results"
	sinkName      = "typeflow_worker"
	jobEvent      = "job"
	resultEvent   = "result"
)

type (
	// Options configures New.
	Options struct {
		// Redis is the connection backing the Pulse streams. Required.
		Redis *redis.Client
		// StreamMaxLen bounds entries kept per stream. Zero uses Pulse
		// defaults.
		StreamMaxLen int
		// OperationTimeout bounds individual publishes. Zero means no
		// timeout.
		OperationTimeout time.Duration
		// Logger defaults to a no-op.
		Logger telemetry.Logger
	}

	// Queue publishes jobs and opens consumers. It implements the ingress
	// Enqueuer interface.
	Queue struct {
		redis   *redis.Client
		maxLen  int
		timeout time.Duration
		logger  telemetry.Logger
	}

	// envelope is the wire format of one queued job.
	envelope struct {
		Job        worker.Job `json:"job"`
		EnqueuedAt time.Time  `json:"enqueuedAt"`
	}

	// resultEnvelope is the wire format of one acknowledged result.
	resultEnvelope struct {
		JobID       string        `json:"jobId"`
		Result      worker.Result `json:"result"`
		CompletedAt time.Time     `json:"completedAt"`
	}
)

// New validates the options and returns the queue.
func New(opts Options) (*Queue, error) {
	if opts.Redis == nil {
		return nil, errors.New("redis client is required")
	}
	logger := opts.Logger
	if logger == nil {
		logger = telemetry.NewNoopLogger()
	}
	return &Queue{
		redis:   opts.Redis,
		maxLen:  opts.StreamMaxLen,
		timeout: opts.OperationTimeout,
		logger:  logger,
	}, nil
}

// Enqueue publishes the job and returns its id, generating one when unset.
func (q *Queue) Enqueue(ctx context.Context, job worker.Job) (string, error) {
	if job.JobID == "" {
		job.JobID = uuid.NewString()
	}
	payload, err := json.Marshal(envelope{Job: job, EnqueuedAt: time.Now().UTC()})
	if err != nil {
		return "", fmt.Errorf("marshal job: %w", err)
	}
	str, err := q.stream(jobsStream)
	if err != nil {
		return "", err
	}
	if q.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, q.timeout)
		defer cancel()
	}
	if _, err := str.Add(ctx, jobEvent, payload); err != nil {
		return "", fmt.Errorf("enqueue job: %w", err)
	}
	q.logger.Debug(ctx, "job enqueued", "job_id", job.JobID, "workflow_id", job.WorkflowID)
	return job.JobID, nil
}

// NewConsumer opens the worker consumer group and starts the delivery pump.
// The returned consumer satisfies worker.Consumer.
func (q *Queue) NewConsumer(ctx context.Context, buffer int) (*Consumer, error) {
	if buffer <= 0 {
		buffer = 64
	}
	str, err := q.stream(jobsStream)
	if err != nil {
		return nil, err
	}
	sink, err := str.NewSink(ctx, sinkName)
	if err != nil {
		return nil, fmt.Errorf("open job sink: %w", err)
	}
	results, err := q.stream(resultsStream)
	if err != nil {
		sink.Close(context.Background())
		return nil, err
	}
	runCtx, cancel := context.WithCancel(context.Background())
	c := &Consumer{
		queue:      q,
		sink:       sink,
		results:    results,
		deliveries: make(chan worker.Delivery, buffer),
		cancel:     cancel,
	}
	go c.pump(runCtx)
	return c, nil
}

func (q *Queue) stream(name string) (*streaming.Stream, error) {
	var opts []streamopts.Stream
	if q.maxLen > 0 {
		opts = append(opts, streamopts.WithStreamMaxLen(q.maxLen))
	}
	str, err := streaming.NewStream(name, q.redis, opts...)
	if err != nil {
		return nil, fmt.Errorf("open stream %q: %w", name, err)
	}
	return str, nil
}

// Consumer reads job deliveries from the consumer group.
type Consumer struct {
	queue      *Queue
	sink       *streaming.Sink
	results    *streaming.Stream
	deliveries chan worker.Delivery
	cancel     context.CancelFunc
}

// Deliveries returns the job channel. It closes when the consumer shuts down.
func (c *Consumer) Deliveries() <-chan worker.Delivery {
	return c.deliveries
}

// Close stops consumption and closes the underlying sink.
func (c *Consumer) Close(ctx context.Context) error {
	c.cancel()
	c.sink.Close(ctx)
	return nil
}

// pump decodes incoming events into deliveries. Undecodable events are acked
// and dropped so they do not wedge the group.
func (c *Consumer) pump(ctx context.Context) {
	defer close(c.deliveries)
	ch := c.sink.Subscribe()
	for {
		select {
		case <-ctx.Done():
			return
		case evt, ok := <-ch:
			if !ok {
				return
			}
			var env envelope
			if err := json.Unmarshal(evt.Payload, &env); err != nil {
				c.queue.logger.Warn(ctx, "dropping malformed job", "error", err.Error())
				if ackErr := c.sink.Ack(ctx, evt); ackErr != nil {
					c.queue.logger.Warn(ctx, "acking malformed job", "error", ackErr.Error())
				}
				continue
			}
			d := &delivery{consumer: c, event: evt, job: env.Job}
			select {
			case c.deliveries <- d:
			case <-ctx.Done():
				return
			}
		}
	}
}

// delivery is one in-flight job. Ack publishes the result and acknowledges
// the stream event.
type delivery struct {
	consumer *Consumer
	event    *streaming.Event
	job      worker.Job
}

// Job returns the queued job.
func (d *delivery) Job() worker.Job { return d.job }

// Ack publishes the result on the results stream and acknowledges the event.
func (d *delivery) Ack(ctx context.Context, res worker.Result) error {
	payload, err := json.Marshal(resultEnvelope{
		JobID:       d.job.JobID,
		Result:      res,
		CompletedAt: time.Now().UTC(),
	})
	if err != nil {
		return fmt.Errorf("marshal result: %w", err)
	}
	if _, err := d.consumer.results.Add(ctx, resultEvent, payload); err != nil {
		return fmt.Errorf("publish result: %w", err)
	}
	if err := d.consumer.sink.Ack(ctx, d.event); err != nil {
		return fmt.Errorf("ack job: %w", err)
	}
	return nil
}
