package worker

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"clip-scheduler/internal/models"
	"clip-scheduler/internal/queue"
)

// SweepStore is the persistence slice the sweeper needs.
type SweepStore interface {
	HasLiveSweep(ctx context.Context, jobType string) (bool, error)
	CreateSweepJob(ctx context.Context, jobType string, runAt time.Time, maxAttempts int) (models.ScheduledJob, error)
}

// SweepBinding enqueues a sweep job for execution.
type SweepBinding interface {
	Enqueue(ctx context.Context, job models.ScheduledJob) error
}

// Sweeper seeds the periodic maintenance jobs: analytics metric refresh and
// platform token refresh. Each tick it tops up at most one live sweep per
// type, so worker restarts never pile up duplicates.
type Sweeper struct {
	store    SweepStore
	binding  SweepBinding
	topo     queue.Topology
	interval time.Duration
	log      zerolog.Logger
}

func NewSweeper(store SweepStore, binding SweepBinding, topo queue.Topology, interval time.Duration, log zerolog.Logger) *Sweeper {
	if interval == 0 {
		interval = 15 * time.Minute
	}
	return &Sweeper{
		store:    store,
		binding:  binding,
		topo:     topo,
		interval: interval,
		log:      log,
	}
}

// Run seeds sweeps until context cancellation.
func (s *Sweeper) Run(ctx context.Context) {
	s.seed(ctx)
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.seed(ctx)
		}
	}
}

func (s *Sweeper) seed(ctx context.Context) {
	for _, jobType := range []string{models.JobTypeAnalytics, models.JobTypeTokenRefresh} {
		live, err := s.store.HasLiveSweep(ctx, jobType)
		if err != nil {
			s.log.Error().Err(err).Str("type", jobType).Msg("check live sweep")
			continue
		}
		if live {
			continue
		}
		policy := s.topo.PolicyForType(jobType)
		job, err := s.store.CreateSweepJob(ctx, jobType, time.Now(), policy.MaxAttempts)
		if err != nil {
			s.log.Error().Err(err).Str("type", jobType).Msg("create sweep job")
			continue
		}
		if err := s.binding.Enqueue(ctx, job); err != nil {
			s.log.Error().Err(err).Str("job_id", job.ID).Msg("enqueue sweep job")
			continue
		}
		s.log.Info().Str("job_id", job.ID).Str("type", jobType).Msg("sweep seeded")
	}
}
