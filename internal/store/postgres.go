package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"

	"clip-scheduler/internal/models"
)

// Sentinel errors surfaced to the policy layer.
var (
	// ErrUserJobLimit is returned when the per-user live-job guard inside the
	// admission transaction trips. The policy service runs its own fail-fast
	// count first; this one makes the bound exact under concurrent requests.
	ErrUserJobLimit = errors.New("user has too many pending or active jobs")
	// ErrJobNotPending is returned when a conditional transition finds the
	// job no longer in the state the caller assumed.
	ErrJobNotPending = errors.New("job is not pending")
	// ErrContentScheduled is returned when the conditional content flip inside
	// the admission transaction finds the content already scheduled. It keeps
	// the scheduled-content-has-one-live-job rule intact when two admissions
	// for the same content race.
	ErrContentScheduled = errors.New("content is already scheduled")
	// ErrIdempotencyConflict is returned when another request claimed the same
	// idempotency key between the caller's lookup and this insert.
	ErrIdempotencyConflict = errors.New("idempotency key already claimed")
)

// idempotencyTTL bounds how long an admission replay returns the original
// job instead of creating a new one.
const idempotencyTTL = 24 * time.Hour

// Store wraps pgxpool for Postgres persistence.
type Store struct {
	pool *pgxpool.Pool
}

// New creates a pooled connection to Postgres.
func New(ctx context.Context, dsn string) (*Store, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	return &Store{pool: pool}, nil
}

func (s *Store) Close() {
	if s.pool != nil {
		s.pool.Close()
	}
}

// FindContent fetches a content row by id. Absent rows return (nil, nil).
func (s *Store) FindContent(ctx context.Context, contentID string) (*models.Content, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT id, user_id, title, media_key, cover_url, status, scheduled_at, created_at, updated_at
		FROM contents WHERE id = $1
	`, contentID)

	var c models.Content
	var status string
	var schedAt pgtype.Timestamptz
	if err := row.Scan(&c.ID, &c.UserID, &c.Title, &c.MediaKey, &c.CoverURL, &status, &schedAt, &c.CreatedAt, &c.UpdatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("scan content: %w", err)
	}
	c.Status = models.ContentStatus(status)
	if schedAt.Valid {
		t := schedAt.Time
		c.ScheduledAt = &t
	}
	return &c, nil
}

// FindOwnedAccounts returns the subset of the requested account ids that
// exist and belong to the user.
func (s *Store) FindOwnedAccounts(ctx context.Context, accountIDs []string, userID string) ([]models.Account, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, user_id, platform, handle
		FROM accounts WHERE id = ANY($1) AND user_id = $2
	`, accountIDs, userID)
	if err != nil {
		return nil, fmt.Errorf("query accounts: %w", err)
	}
	defer rows.Close()

	var out []models.Account
	for rows.Next() {
		var a models.Account
		if err := rows.Scan(&a.ID, &a.UserID, &a.Platform, &a.Handle); err != nil {
			return nil, fmt.Errorf("scan account: %w", err)
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

// CountActiveByUser is the live count of a user's non-terminal jobs.
func (s *Store) CountActiveByUser(ctx context.Context, userID string) (int, error) {
	var n int
	err := s.pool.QueryRow(ctx, `
		SELECT COUNT(*) FROM jobs
		WHERE user_id = $1 AND status IN ($2, $3)
	`, userID, models.StatusPending, models.StatusActive).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count active jobs: %w", err)
	}
	return n, nil
}

// CreateJob inserts an admitted job and flips its content to scheduled in a
// single transaction, re-checking the per-user limit under a row lock so the
// bound holds exactly even when admissions race across processes.
func (s *Store) CreateJob(ctx context.Context, job models.ScheduledJob, maxActivePerUser int) error {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx) // safe no-op on commit

	if maxActivePerUser > 0 {
		rows, err := tx.Query(ctx, `
			SELECT id FROM jobs
			WHERE user_id = $1 AND status IN ($2, $3)
			FOR UPDATE
		`, job.UserID, models.StatusPending, models.StatusActive)
		if err != nil {
			return fmt.Errorf("lock user jobs: %w", err)
		}
		live := 0
		for rows.Next() {
			live++
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return fmt.Errorf("iterate user jobs: %w", err)
		}
		if live >= maxActivePerUser {
			return ErrUserJobLimit
		}
	}

	now := time.Now().UTC()
	_, err = tx.Exec(ctx, `
		INSERT INTO jobs (id, type, content_id, user_id, account_ids, scheduled_at, timezone, priority, status, attempts, max_attempts, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, 0, $10, $11, $11)
	`, job.ID, job.Type, nullable(job.ContentID), job.UserID, job.AccountIDs, job.ScheduledAt, job.Timezone, job.Priority, job.Status, job.MaxAttempts, now)
	if err != nil {
		return fmt.Errorf("insert job: %w", err)
	}

	if job.IdempotencyKey != "" {
		tag, err := tx.Exec(ctx, `
			INSERT INTO idempotency_keys (key, user_id, job_id, expires_at)
			VALUES ($1, $2, $3, $4)
			ON CONFLICT (key) DO NOTHING
		`, job.IdempotencyKey, job.UserID, job.ID, now.Add(idempotencyTTL))
		if err != nil {
			return fmt.Errorf("insert idempotency key: %w", err)
		}
		if tag.RowsAffected() == 0 {
			// Someone else claimed the key after the caller's lookup.
			return ErrIdempotencyConflict
		}
	}

	if job.ContentID != "" {
		tag, err := tx.Exec(ctx, `
			UPDATE contents SET status = $2, scheduled_at = $3, updated_at = NOW()
			WHERE id = $1 AND status <> $2
		`, job.ContentID, models.ContentScheduled, job.ScheduledAt)
		if err != nil {
			return fmt.Errorf("mark content scheduled: %w", err)
		}
		if tag.RowsAffected() == 0 {
			return ErrContentScheduled
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

// FindJob fetches a job by id. Absent rows return (nil, nil).
func (s *Store) FindJob(ctx context.Context, jobID string) (*models.ScheduledJob, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT id, type, content_id, user_id, account_ids, scheduled_at, timezone, priority, status, attempts, max_attempts, last_error, created_at, updated_at
		FROM jobs WHERE id = $1
	`, jobID)
	return scanJob(row)
}

// FindJobByIdempotencyKey returns the job an unexpired idempotency key maps
// to for this user, or (nil, nil) when the key is unclaimed.
func (s *Store) FindJobByIdempotencyKey(ctx context.Context, key, userID string) (*models.ScheduledJob, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT j.id, j.type, j.content_id, j.user_id, j.account_ids, j.scheduled_at, j.timezone, j.priority, j.status, j.attempts, j.max_attempts, j.last_error, j.created_at, j.updated_at
		FROM jobs j
		JOIN idempotency_keys k ON k.job_id = j.id
		WHERE k.key = $1 AND k.user_id = $2 AND k.expires_at > NOW()
	`, key, userID)
	return scanJob(row)
}

// ListByUser returns a user's jobs, optionally filtered by status, ordered
// by scheduled time ascending. The ordering is part of the caller-facing
// contract, not incidental.
func (s *Store) ListByUser(ctx context.Context, userID string, status *models.JobStatus) ([]models.ScheduledJob, error) {
	query := `
		SELECT id, type, content_id, user_id, account_ids, scheduled_at, timezone, priority, status, attempts, max_attempts, last_error, created_at, updated_at
		FROM jobs WHERE user_id = $1`
	args := []any{userID}
	if status != nil {
		query += ` AND status = $2`
		args = append(args, *status)
	}
	query += ` ORDER BY scheduled_at ASC`

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list jobs: %w", err)
	}
	defer rows.Close()

	var out []models.ScheduledJob
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *job)
	}
	return out, rows.Err()
}

// CancelPending cancels a job and reverts its content to draft with a
// cleared schedule, atomically. Returns ErrJobNotPending when the job has
// already left pending, which also covers a second cancellation of the same
// job.
func (s *Store) CancelPending(ctx context.Context, jobID string) error {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	tag, err := tx.Exec(ctx, `
		UPDATE jobs SET status = $2, updated_at = NOW()
		WHERE id = $1 AND status = $3
	`, jobID, models.StatusCancelled, models.StatusPending)
	if err != nil {
		return fmt.Errorf("cancel job: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrJobNotPending
	}

	_, err = tx.Exec(ctx, `
		UPDATE contents SET status = $2, scheduled_at = NULL, updated_at = NOW()
		WHERE id = (SELECT content_id FROM jobs WHERE id = $1)
	`, jobID, models.ContentDraft)
	if err != nil {
		return fmt.Errorf("revert content: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

// MarkActive claims a job for execution. Re-claims of an already active job
// (a retry attempt) succeed; terminal jobs return ErrJobNotPending so the
// worker drops entries whose cancellation raced the dequeue.
func (s *Store) MarkActive(ctx context.Context, jobID string) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE jobs SET status = $2, updated_at = NOW()
		WHERE id = $1 AND status IN ($3, $2)
	`, jobID, models.StatusActive, models.StatusPending)
	if err != nil {
		return fmt.Errorf("mark active: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrJobNotPending
	}
	return nil
}

// MarkCompleted finishes a job; publish jobs also flip their content to
// published in the same transaction.
func (s *Store) MarkCompleted(ctx context.Context, jobID string) error {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	_, err = tx.Exec(ctx, `
		UPDATE jobs SET status = $2, last_error = NULL, updated_at = NOW()
		WHERE id = $1
	`, jobID, models.StatusCompleted)
	if err != nil {
		return fmt.Errorf("mark completed: %w", err)
	}

	_, err = tx.Exec(ctx, `
		UPDATE contents SET status = $2, updated_at = NOW()
		WHERE id = (SELECT content_id FROM jobs WHERE id = $1 AND type = $3)
	`, jobID, models.ContentPublished, models.JobTypePublish)
	if err != nil {
		return fmt.Errorf("mark content published: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

// MarkFailed records a terminal failure; publish jobs flip their content to
// failed so the failure is visible on the content itself.
func (s *Store) MarkFailed(ctx context.Context, jobID, reason string) error {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	_, err = tx.Exec(ctx, `
		UPDATE jobs SET status = $2, last_error = $3, updated_at = NOW()
		WHERE id = $1
	`, jobID, models.StatusFailed, reason)
	if err != nil {
		return fmt.Errorf("mark failed: %w", err)
	}

	_, err = tx.Exec(ctx, `
		UPDATE contents SET status = $2, updated_at = NOW()
		WHERE id = (SELECT content_id FROM jobs WHERE id = $1 AND type = $3)
	`, jobID, models.ContentFailed, models.JobTypePublish)
	if err != nil {
		return fmt.Errorf("mark content failed: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

// UpdateAttempts records a retryable failure. The job stays active while the
// queue's retry counter drives the next attempt; status does not churn back
// to pending.
func (s *Store) UpdateAttempts(ctx context.Context, jobID string, attempts int, lastErr string) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE jobs SET attempts = $2, last_error = $3, updated_at = NOW()
		WHERE id = $1
	`, jobID, attempts, lastErr)
	return err
}

// AppendAudit adds an audit row.
func (s *Store) AppendAudit(ctx context.Context, jobID, event, detail string) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO audit_logs (job_id, event, detail, ts)
		VALUES ($1, $2, $3, NOW())
	`, jobID, event, detail)
	return err
}

// CreateSweepJob inserts a system-owned maintenance job (analytics or token
// refresh). Sweeps carry no content reference and no target accounts.
func (s *Store) CreateSweepJob(ctx context.Context, jobType string, runAt time.Time, maxAttempts int) (models.ScheduledJob, error) {
	now := time.Now().UTC()
	job := models.ScheduledJob{
		ID:          uuid.New().String(),
		Type:        jobType,
		UserID:      "system",
		ScheduledAt: runAt.UTC(),
		Priority:    models.PriorityLow,
		Status:      models.StatusPending,
		MaxAttempts: maxAttempts,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	_, err := s.pool.Exec(ctx, `
		INSERT INTO jobs (id, type, content_id, user_id, account_ids, scheduled_at, timezone, priority, status, attempts, max_attempts, created_at, updated_at)
		VALUES ($1, $2, NULL, $3, '{}', $4, '', $5, $6, 0, $7, $8, $8)
	`, job.ID, job.Type, job.UserID, job.ScheduledAt, job.Priority, job.Status, job.MaxAttempts, now)
	if err != nil {
		return models.ScheduledJob{}, fmt.Errorf("insert sweep job: %w", err)
	}
	return job, nil
}

// HasLiveSweep reports whether a non-terminal sweep of the given type exists,
// so periodic seeding does not pile up duplicates.
func (s *Store) HasLiveSweep(ctx context.Context, jobType string) (bool, error) {
	var n int
	err := s.pool.QueryRow(ctx, `
		SELECT COUNT(*) FROM jobs
		WHERE type = $1 AND user_id = 'system' AND status IN ($2, $3)
	`, jobType, models.StatusPending, models.StatusActive).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("count sweeps: %w", err)
	}
	return n > 0, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanJob(row rowScanner) (*models.ScheduledJob, error) {
	var job models.ScheduledJob
	var contentID pgtype.Text
	var lastErr pgtype.Text
	var priority, status string

	err := row.Scan(&job.ID, &job.Type, &contentID, &job.UserID, &job.AccountIDs, &job.ScheduledAt, &job.Timezone, &priority, &status, &job.Attempts, &job.MaxAttempts, &lastErr, &job.CreatedAt, &job.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("scan job: %w", err)
	}
	if contentID.Valid {
		job.ContentID = contentID.String
	}
	job.Priority = models.Priority(priority)
	job.Status = models.JobStatus(status)
	if lastErr.Valid {
		job.LastError = &lastErr.String
	}
	return &job, nil
}

func nullable(v string) *string {
	if v == "" {
		return nil
	}
	return &v
}
