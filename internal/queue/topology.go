package queue

import (
	"time"

	"clip-scheduler/internal/config"
	"clip-scheduler/internal/models"
)

// Logical queue names. Each queue is independently configured; the
// dead-letter queue is the terminal home for exhausted-retry jobs and is
// never retried further so operators can inspect entries without risking
// duplicate side effects.
const (
	QueuePublish      = "publish"
	QueueAnalytics    = "analytics"
	QueueTokenRefresh = "token-refresh"
	QueueDeadLetter   = "dead-letter"
)

// Policy is the retry and retention configuration of one logical queue.
type Policy struct {
	MaxAttempts   int
	BackoffBase   time.Duration
	BackoffMax    time.Duration
	KeepCompleted int64
	KeepFailed    int64
}

// Backoff returns the delay before the given retry attempt (1-based):
// base, 2*base, 4*base, ... capped at BackoffMax.
func (p Policy) Backoff(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	d := p.BackoffBase
	for i := 1; i < attempt; i++ {
		d *= 2
		if p.BackoffMax > 0 && d >= p.BackoffMax {
			return p.BackoffMax
		}
	}
	if p.BackoffMax > 0 && d > p.BackoffMax {
		return p.BackoffMax
	}
	return d
}

// Topology maps logical queue names to their policies.
type Topology map[string]Policy

// NewTopology builds the four-queue topology from config.
func NewTopology(cfg config.Config) Topology {
	base := cfg.BackoffBase
	if base == 0 {
		base = 2 * time.Second
	}
	return Topology{
		QueuePublish: {
			MaxAttempts:   cfg.PublishMaxAttempts,
			BackoffBase:   base,
			BackoffMax:    cfg.BackoffMax,
			KeepCompleted: 100,
			KeepFailed:    50,
		},
		QueueAnalytics: {
			MaxAttempts:   cfg.AnalyticsMaxAttempts,
			BackoffBase:   base,
			BackoffMax:    cfg.BackoffMax,
			KeepCompleted: 100,
			KeepFailed:    50,
		},
		QueueTokenRefresh: {
			MaxAttempts:   cfg.TokenRefreshMaxAttempts,
			BackoffBase:   base,
			BackoffMax:    cfg.BackoffMax,
			KeepCompleted: 100,
			KeepFailed:    50,
		},
		QueueDeadLetter: {
			MaxAttempts:   1,
			KeepCompleted: 200,
			KeepFailed:    200,
		},
	}
}

// WorkQueues lists the queues a worker consumes. The dead-letter queue is
// excluded: its entries wait for manual inspection.
func (t Topology) WorkQueues() []string {
	return []string{QueuePublish, QueueAnalytics, QueueTokenRefresh}
}

// QueueForType routes a job type to its logical queue.
func QueueForType(jobType string) string {
	switch jobType {
	case models.JobTypeAnalytics:
		return QueueAnalytics
	case models.JobTypeTokenRefresh:
		return QueueTokenRefresh
	default:
		return QueuePublish
	}
}

// PolicyForType is a convenience lookup chaining QueueForType.
func (t Topology) PolicyForType(jobType string) Policy {
	return t[QueueForType(jobType)]
}
