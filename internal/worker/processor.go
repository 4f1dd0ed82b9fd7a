package worker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"clip-scheduler/internal/config"
	"clip-scheduler/internal/models"
	"clip-scheduler/internal/queue"
	"clip-scheduler/internal/store"
	"clip-scheduler/internal/telemetry"
)

// JobStore is the slice of job persistence the processor needs.
type JobStore interface {
	FindJob(ctx context.Context, jobID string) (*models.ScheduledJob, error)
	MarkActive(ctx context.Context, jobID string) error
	MarkCompleted(ctx context.Context, jobID string) error
	MarkFailed(ctx context.Context, jobID, reason string) error
	UpdateAttempts(ctx context.Context, jobID string, attempts int, lastErr string) error
	AppendAudit(ctx context.Context, jobID, event, detail string) error
}

// Handler executes a job of a given type.
type Handler func(ctx context.Context, job models.ScheduledJob) error

// Processor drives the execution loops, one per work queue. It owns the
// worker side of the job contract: report outcomes through the same
// job-id keyed state the scheduler reads, honor each queue's attempt
// budget, and dead-letter exactly once on exhaustion.
type Processor struct {
	cfg      config.Config
	queue    *queue.RedisQueue
	store    JobStore
	topo     queue.Topology
	handlers map[string]Handler
	log      zerolog.Logger
}

func NewProcessor(cfg config.Config, q *queue.RedisQueue, st JobStore, topo queue.Topology, log zerolog.Logger) *Processor {
	return &Processor{
		cfg:      cfg,
		queue:    q,
		store:    st,
		topo:     topo,
		handlers: make(map[string]Handler),
		log:      log,
	}
}

// RegisterHandler binds a handler to a job type.
func (p *Processor) RegisterHandler(jobType string, handler Handler) {
	if jobType == "" || handler == nil {
		return
	}
	p.handlers[jobType] = handler
}

// Run consumes every work queue until context cancellation.
func (p *Processor) Run(ctx context.Context) error {
	var wg sync.WaitGroup
	for _, name := range p.topo.WorkQueues() {
		wg.Add(1)
		go func(queueName string) {
			defer wg.Done()
			p.runQueue(ctx, queueName)
		}(name)
	}
	wg.Wait()
	return ctx.Err()
}

func (p *Processor) runQueue(ctx context.Context, queueName string) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		_, _ = p.queue.PromoteScheduled(ctx, queueName, time.Now(), int64(p.cfg.ScheduledBatchSize))
		if reclaimed, _ := p.queue.RequeueExpired(ctx, queueName, time.Now(), 100); len(reclaimed) > 0 {
			telemetry.InFlightGauge.Sub(float64(len(reclaimed)))
			p.log.Warn().Str("queue", queueName).Int("count", len(reclaimed)).Msg("reclaimed expired leases")
		}
		if depth, err := p.queue.ReadyDepth(ctx, queueName); err == nil {
			telemetry.QueueDepthGauge.WithLabelValues(queueName).Set(float64(depth))
		}

		jobID, err := p.queue.DequeueWithLease(ctx, queueName)
		if err != nil || jobID == "" {
			select {
			case <-ctx.Done():
				return
			case <-time.After(p.cfg.WorkerPollInterval):
			}
			continue
		}

		p.process(ctx, queueName, jobID)
	}
}

func (p *Processor) process(ctx context.Context, queueName, jobID string) {
	job, err := p.store.FindJob(ctx, jobID)
	if err != nil {
		// Leave the lease to expire and retry; the store may be briefly down.
		p.log.Error().Err(err).Str("job_id", jobID).Msg("load job")
		return
	}
	if job == nil || job.Status.Terminal() {
		// Cancelled (or otherwise finished) between enqueue and dequeue.
		_ = p.queue.Ack(ctx, queueName, jobID)
		return
	}

	if err := p.store.MarkActive(ctx, job.ID); err != nil {
		if errors.Is(err, store.ErrJobNotPending) {
			_ = p.queue.Ack(ctx, queueName, jobID)
			return
		}
		p.log.Error().Err(err).Str("job_id", jobID).Msg("claim job")
		return
	}

	telemetry.InFlightGauge.Inc()
	defer telemetry.InFlightGauge.Dec()

	runErr := p.runJob(ctx, *job)
	if runErr == nil {
		_ = p.queue.Ack(ctx, queueName, job.ID)
		_ = p.store.MarkCompleted(ctx, job.ID)
		_ = p.queue.RecordOutcome(ctx, queueName, job.ID, true)
		_ = p.store.AppendAudit(ctx, job.ID, "completed", "worker finished job")
		telemetry.WorkerSuccess.Inc()
		return
	}

	attempts := job.Attempts + 1
	_ = p.store.UpdateAttempts(ctx, job.ID, attempts, runErr.Error())

	policy := p.topo[queueName]
	budget := job.MaxAttempts
	if budget == 0 {
		budget = policy.MaxAttempts
	}
	if attempts >= budget {
		// Exhausted: terminal failure plus a single dead-letter entry.
		_ = p.store.MarkFailed(ctx, job.ID, runErr.Error())
		_ = p.queue.Ack(ctx, queueName, job.ID)
		_ = p.queue.DLQPush(ctx, job.ID)
		_ = p.queue.RecordOutcome(ctx, queueName, job.ID, false)
		_ = p.store.AppendAudit(ctx, job.ID, "dead_letter", runErr.Error())
		telemetry.WorkerDeadLetter.Inc()
		p.log.Error().Err(runErr).Str("job_id", job.ID).Int("attempts", attempts).Msg("job dead-lettered")
		return
	}

	backoff := policy.Backoff(attempts)
	nextRun := time.Now().Add(backoff)
	_ = p.queue.Ack(ctx, queueName, job.ID)
	_ = p.queue.Requeue(ctx, queueName, job.ID, job.Priority, nextRun)
	_ = p.store.AppendAudit(ctx, job.ID, "retry_scheduled", fmt.Sprintf("next_run=%s attempts=%d", nextRun.UTC().Format(time.RFC3339), attempts))
	telemetry.WorkerFailures.Inc()
	p.log.Warn().Err(runErr).Str("job_id", job.ID).Int("attempts", attempts).Dur("backoff", backoff).Msg("job failed; retry scheduled")
}

func (p *Processor) runJob(ctx context.Context, job models.ScheduledJob) error {
	handler, ok := p.handlers[job.Type]
	if !ok {
		return fmt.Errorf("no handler registered for type %q", job.Type)
	}
	return handler(ctx, job)
}
