// Package scheduling is the policy layer in front of the job queues: it
// validates ownership, concurrency, and lookahead limits before a schedule
// request is allowed to create any queue state.
package scheduling

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"clip-scheduler/internal/models"
	"clip-scheduler/internal/queue"
	"clip-scheduler/internal/scheduler"
	"clip-scheduler/internal/store"
	"clip-scheduler/internal/telemetry"
)

// ContentRepo is the boundary to the external content records.
type ContentRepo interface {
	FindContent(ctx context.Context, contentID string) (*models.Content, error)
}

// AccountRepo returns the subset of the requested ids the user actually owns.
type AccountRepo interface {
	FindOwnedAccounts(ctx context.Context, accountIDs []string, userID string) ([]models.Account, error)
}

// JobRepo is the persistent job state the scheduler and worker share.
// CreateJob atomically inserts the job and flips its content to scheduled;
// CancelPending atomically cancels and reverts the content to draft.
type JobRepo interface {
	CountActiveByUser(ctx context.Context, userID string) (int, error)
	CreateJob(ctx context.Context, job models.ScheduledJob, maxActivePerUser int) error
	FindJob(ctx context.Context, jobID string) (*models.ScheduledJob, error)
	FindJobByIdempotencyKey(ctx context.Context, key, userID string) (*models.ScheduledJob, error)
	ListByUser(ctx context.Context, userID string, status *models.JobStatus) ([]models.ScheduledJob, error)
	CancelPending(ctx context.Context, jobID string) error
	MarkFailed(ctx context.Context, jobID, reason string) error
	AppendAudit(ctx context.Context, jobID, event, detail string) error
}

// Binding is the execution seam: it turns an admitted job into a delayed
// queue entry and back.
type Binding interface {
	Enqueue(ctx context.Context, job models.ScheduledJob) error
	Cancel(ctx context.Context, job models.ScheduledJob) (bool, error)
	State(ctx context.Context, job models.ScheduledJob) (queue.EntryState, error)
}

// Limits are the configurable admission bounds.
type Limits struct {
	MaxActiveJobsPerUser int
	MaxLookahead         time.Duration
	MaxBatchSize         int
}

// Service orchestrates admission, cancellation, and status queries.
type Service struct {
	contents      ContentRepo
	accounts      AccountRepo
	jobs          JobRepo
	binding       Binding
	limits        Limits
	publishPolicy queue.Policy
	log           zerolog.Logger

	now func() time.Time
}

func New(contents ContentRepo, accounts AccountRepo, jobs JobRepo, binding Binding, limits Limits, publishPolicy queue.Policy, log zerolog.Logger) *Service {
	return &Service{
		contents:      contents,
		accounts:      accounts,
		jobs:          jobs,
		binding:       binding,
		limits:        limits,
		publishPolicy: publishPolicy,
		log:           log,
		now:           time.Now,
	}
}

// ScheduleRequest is one schedule-post submission. ScheduledAt is the
// user's local wall-clock time; the UTC instant is derived here, once, and
// the timezone is retained on the job for display only.
type ScheduleRequest struct {
	ContentID   string   `json:"content_id"`
	AccountIDs  []string `json:"account_ids"`
	ScheduledAt string   `json:"scheduled_at"`
	Timezone    string   `json:"timezone"`
	Priority    string   `json:"priority"`

	// IdempotencyKey, when set, makes the admission replay-safe: a request
	// carrying a key that was already claimed returns the original job
	// instead of admitting a duplicate. The API fills it from the
	// Idempotency-Key header.
	IdempotencyKey string `json:"idempotency_key,omitempty"`
}

// ScheduleResult reports a successful admission.
type ScheduleResult struct {
	JobID       string          `json:"job_id"`
	ScheduledAt time.Time       `json:"scheduled_at"`
	Priority    models.Priority `json:"priority"`
}

// SchedulePost validates and admits one schedule request. Preconditions run
// in a fixed order and the first violation wins: lookahead, concurrency
// limit, content ownership, account ownership.
func (s *Service) SchedulePost(ctx context.Context, userID string, req ScheduleRequest) (ScheduleResult, error) {
	// Replay short-circuit: a claimed key returns the original admission
	// before any precondition runs, so a retried request cannot fail on
	// limits the original already consumed.
	if req.IdempotencyKey != "" {
		existing, err := s.jobs.FindJobByIdempotencyKey(ctx, req.IdempotencyKey, userID)
		if err != nil {
			return ScheduleResult{}, fmt.Errorf("lookup idempotency key: %w", err)
		}
		if existing != nil {
			return ScheduleResult{JobID: existing.ID, ScheduledAt: existing.ScheduledAt, Priority: existing.Priority}, nil
		}
	}

	priority, err := models.ParsePriority(req.Priority)
	if err != nil {
		return ScheduleResult{}, reject("invalid_input", fmt.Errorf("%w: %v", ErrInvalidRequest, err))
	}
	if len(req.AccountIDs) == 0 {
		return ScheduleResult{}, reject("invalid_input", ErrNoAccounts)
	}

	runAt, err := scheduler.ToUTC(req.ScheduledAt, req.Timezone)
	if err != nil {
		return ScheduleResult{}, reject("invalid_input", fmt.Errorf("%w: %v", ErrInvalidRequest, err))
	}

	// Lookahead bound is inclusive: exactly now+lookahead is still admitted.
	if runAt.After(s.now().Add(s.limits.MaxLookahead)) {
		return ScheduleResult{}, reject("lookahead", ErrLookaheadExceeded)
	}

	// Fail-fast live count. The storage-level guard inside CreateJob repeats
	// this check under a lock, which is what makes the bound exact when two
	// admissions for the same user race.
	live, err := s.jobs.CountActiveByUser(ctx, userID)
	if err != nil {
		return ScheduleResult{}, fmt.Errorf("count active jobs: %w", err)
	}
	if live >= s.limits.MaxActiveJobsPerUser {
		return ScheduleResult{}, reject("concurrency", ErrConcurrencyLimitExceeded)
	}

	content, err := s.contents.FindContent(ctx, req.ContentID)
	if err != nil {
		return ScheduleResult{}, fmt.Errorf("find content: %w", err)
	}
	if content == nil {
		return ScheduleResult{}, reject("not_found", ErrContentNotFound)
	}
	if content.UserID != userID {
		return ScheduleResult{}, reject("not_owned", &NotOwnedError{Resource: "content", IDs: []string{req.ContentID}})
	}
	// One live schedule per content. A second admission would leave two
	// non-terminal jobs publishing the same content; cancelling either one
	// would then revert the content while the other still runs. The store
	// repeats this check inside the admission transaction for racing
	// requests.
	if content.Status == models.ContentScheduled {
		return ScheduleResult{}, reject("invalid_state", ErrContentAlreadyScheduled)
	}

	accountIDs := dedupe(req.AccountIDs)
	owned, err := s.accounts.FindOwnedAccounts(ctx, accountIDs, userID)
	if err != nil {
		return ScheduleResult{}, fmt.Errorf("find accounts: %w", err)
	}
	if missing := missingIDs(accountIDs, owned); len(missing) > 0 {
		return ScheduleResult{}, reject("not_owned", &NotOwnedError{Resource: "accounts", IDs: missing})
	}

	now := s.now().UTC()
	job := models.ScheduledJob{
		ID:          uuid.New().String(),
		Type:        models.JobTypePublish,
		ContentID:   req.ContentID,
		UserID:      userID,
		AccountIDs:  accountIDs,
		ScheduledAt: runAt,
		Timezone:    req.Timezone,
		Priority:    priority,
		Status:      models.StatusPending,
		MaxAttempts: s.publishPolicy.MaxAttempts,
		CreatedAt:   now,
		UpdatedAt:   now,

		IdempotencyKey: req.IdempotencyKey,
	}

	if err := s.jobs.CreateJob(ctx, job, s.limits.MaxActiveJobsPerUser); err != nil {
		switch {
		case errors.Is(err, store.ErrUserJobLimit):
			return ScheduleResult{}, reject("concurrency", ErrConcurrencyLimitExceeded)
		case errors.Is(err, store.ErrContentScheduled):
			return ScheduleResult{}, reject("invalid_state", ErrContentAlreadyScheduled)
		case errors.Is(err, store.ErrIdempotencyConflict):
			// A concurrent request with the same key won the insert; hand
			// back its job as the replay result.
			existing, ferr := s.jobs.FindJobByIdempotencyKey(ctx, req.IdempotencyKey, userID)
			if ferr != nil || existing == nil {
				return ScheduleResult{}, fmt.Errorf("resolve idempotency conflict: %w", err)
			}
			return ScheduleResult{JobID: existing.ID, ScheduledAt: existing.ScheduledAt, Priority: existing.Priority}, nil
		}
		return ScheduleResult{}, fmt.Errorf("persist job: %w", err)
	}

	if err := s.binding.Enqueue(ctx, job); err != nil {
		// The row exists but no queue entry does; mark it failed so the job
		// is not silently lost as a forever-pending ghost.
		_ = s.jobs.MarkFailed(ctx, job.ID, "enqueue failed: "+err.Error())
		return ScheduleResult{}, fmt.Errorf("enqueue job: %w", err)
	}

	_ = s.jobs.AppendAudit(ctx, job.ID, "admitted", fmt.Sprintf("user=%s content=%s run_at=%s", userID, req.ContentID, runAt.Format(time.RFC3339)))
	telemetry.AdmissionAccepted.Inc()
	s.log.Info().Str("job_id", job.ID).Str("user_id", userID).Time("run_at", runAt).Msg("post admitted")

	return ScheduleResult{JobID: job.ID, ScheduledAt: runAt, Priority: priority}, nil
}

// BulkFailure itemizes one post that could not be scheduled. Partial success
// is the documented contract of bulk scheduling, not an error condition.
type BulkFailure struct {
	ContentID string `json:"content_id"`
	Reason    string `json:"reason"`
}

// BulkResult carries the per-item outcomes of a batch.
type BulkResult struct {
	Scheduled []ScheduleResult `json:"scheduled"`
	Failed    []BulkFailure    `json:"failed"`
}

// BulkSchedulePosts schedules a batch. Empty and oversized batches fail
// whole before any item is processed; otherwise items run sequentially and
// independently, so earlier successes survive later failures. Sequential
// processing also keeps the per-user concurrency count consistent across
// items of the same batch.
func (s *Service) BulkSchedulePosts(ctx context.Context, userID string, posts []ScheduleRequest) (BulkResult, error) {
	if len(posts) == 0 {
		return BulkResult{}, ErrEmptyBatch
	}
	if len(posts) > s.limits.MaxBatchSize {
		return BulkResult{}, fmt.Errorf("%w: %d posts, limit %d", ErrBatchTooLarge, len(posts), s.limits.MaxBatchSize)
	}

	out := BulkResult{
		Scheduled: make([]ScheduleResult, 0, len(posts)),
		Failed:    make([]BulkFailure, 0),
	}
	for _, post := range posts {
		res, err := s.SchedulePost(ctx, userID, post)
		if err != nil {
			out.Failed = append(out.Failed, BulkFailure{ContentID: post.ContentID, Reason: err.Error()})
			continue
		}
		out.Scheduled = append(out.Scheduled, res)
	}
	return out, nil
}

// CancelScheduledJob cancels a pending job, reverting its content to draft.
// Only pending jobs are cancellable: an active job may already be mid-publish
// and cancelling it would race the worker.
func (s *Service) CancelScheduledJob(ctx context.Context, jobID, userID string) error {
	job, err := s.jobs.FindJob(ctx, jobID)
	if err != nil {
		return fmt.Errorf("find job: %w", err)
	}
	if job == nil {
		return ErrJobNotFound
	}
	if job.UserID != userID {
		return ErrNotAuthorized
	}
	if job.Status != models.StatusPending {
		return &InvalidStateError{JobID: jobID, Status: job.Status}
	}

	if err := s.jobs.CancelPending(ctx, jobID); err != nil {
		if errors.Is(err, store.ErrJobNotPending) {
			// Lost the race: the worker claimed it (or another cancel won)
			// between our read and the conditional update.
			return &InvalidStateError{JobID: jobID, Status: job.Status}
		}
		return fmt.Errorf("cancel job: %w", err)
	}

	removed, err := s.binding.Cancel(ctx, *job)
	if err != nil {
		return fmt.Errorf("remove queue entry: %w", err)
	}
	if !removed {
		// Entry already dequeued. The job row is cancelled, so the worker
		// drops it at its terminal-status check; report, never swallow.
		s.log.Warn().Str("job_id", jobID).Msg("cancelled job had no queue entry; already claimed")
		_ = s.jobs.AppendAudit(ctx, jobID, "cancel_race", "queue entry already claimed at cancellation")
	}

	_ = s.jobs.AppendAudit(ctx, jobID, "cancelled", "cancel requested by owner")
	telemetry.CancelCounter.Inc()
	return nil
}

// JobSnapshot is the state visible to status queries: the persisted job plus
// where its entry currently sits in the queue.
type JobSnapshot struct {
	Job        models.ScheduledJob `json:"job"`
	QueueEntry queue.EntryState    `json:"queue_entry"`
}

// GetScheduledJobStatus returns a snapshot, or nil when no state exists for
// the id. Ownership is enforced even for jobs that do exist.
func (s *Service) GetScheduledJobStatus(ctx context.Context, jobID, userID string) (*JobSnapshot, error) {
	job, err := s.jobs.FindJob(ctx, jobID)
	if err != nil {
		return nil, fmt.Errorf("find job: %w", err)
	}
	if job == nil {
		return nil, nil
	}
	if job.UserID != userID {
		return nil, ErrNotAuthorized
	}

	entry, err := s.binding.State(ctx, *job)
	if err != nil {
		return nil, fmt.Errorf("queue state: %w", err)
	}
	return &JobSnapshot{Job: *job, QueueEntry: entry}, nil
}

// ListUserJobs returns the caller's jobs, optionally filtered by status,
// soonest first.
func (s *Service) ListUserJobs(ctx context.Context, userID string, status *models.JobStatus) ([]models.ScheduledJob, error) {
	return s.jobs.ListByUser(ctx, userID, status)
}

func reject(reason string, err error) error {
	telemetry.AdmissionRejected.WithLabelValues(reason).Inc()
	return err
}

func dedupe(ids []string) []string {
	seen := make(map[string]struct{}, len(ids))
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out
}

func missingIDs(requested []string, owned []models.Account) []string {
	have := make(map[string]struct{}, len(owned))
	for _, a := range owned {
		have[a.ID] = struct{}{}
	}
	var missing []string
	for _, id := range requested {
		if _, ok := have[id]; !ok {
			missing = append(missing, id)
		}
	}
	return missing
}
