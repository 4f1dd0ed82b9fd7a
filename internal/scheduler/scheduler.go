// Package scheduler is the seam between domain-level scheduling and the
// delayed-execution queues: it converts user-entered local times into the
// canonical UTC instant and binds jobs to queue entries.
package scheduler

import (
	"context"
	"fmt"
	"time"

	"clip-scheduler/internal/models"
	"clip-scheduler/internal/queue"
)

// Wall-clock layouts accepted from users, without zone offsets. The zone
// comes in separately as an IANA name so DST resolution happens here, once.
var wallLayouts = []string{
	"2006-01-02T15:04:05",
	"2006-01-02T15:04",
	time.RFC3339,
}

// ToUTC converts a local wall-clock time in the named IANA zone to the
// canonical UTC instant. The zone database handles DST transitions and
// historical offsets; an unknown zone name is an error, not a fallback.
func ToUTC(wall, zone string) (time.Time, error) {
	loc, err := time.LoadLocation(zone)
	if err != nil {
		return time.Time{}, fmt.Errorf("unknown timezone %q: %w", zone, err)
	}
	for _, layout := range wallLayouts {
		if t, err := time.ParseInLocation(layout, wall, loc); err == nil {
			return t.UTC(), nil
		}
	}
	return time.Time{}, fmt.Errorf("unparseable local time %q", wall)
}

// Scheduler binds scheduled jobs to delayed queue entries.
type Scheduler struct {
	queue *queue.RedisQueue
	topo  queue.Topology
}

func New(q *queue.RedisQueue, topo queue.Topology) *Scheduler {
	return &Scheduler{queue: q, topo: topo}
}

// Enqueue creates the queue entry for a job. Jobs due in the past land
// directly in the ready list, so the effective delay is floored at zero.
func (s *Scheduler) Enqueue(ctx context.Context, job models.ScheduledJob) error {
	return s.queue.Enqueue(ctx, queue.QueueForType(job.Type), job.ID, job.Priority, job.ScheduledAt)
}

// Cancel removes a job's queue entry. The returned flag reports whether an
// entry was actually removed; a false return means the entry was already
// dequeued (or never existed) and the caller must not treat the cancellation
// as having stopped execution.
func (s *Scheduler) Cancel(ctx context.Context, job models.ScheduledJob) (bool, error) {
	return s.queue.Remove(ctx, queue.QueueForType(job.Type), job.ID)
}

// State reports where a job's entry currently sits in its queue. Unknown
// ids report queue.EntryAbsent, keeping repeated lookups idempotent.
func (s *Scheduler) State(ctx context.Context, job models.ScheduledJob) (queue.EntryState, error) {
	return s.queue.State(ctx, queue.QueueForType(job.Type), job.ID)
}
