package scheduling

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"clip-scheduler/internal/models"
	"clip-scheduler/internal/queue"
	"clip-scheduler/internal/store"
)

type fakeStore struct {
	contents map[string]*models.Content
	accounts map[string]models.Account
	jobs     map[string]*models.ScheduledJob
	idem     map[string]string
	audits   map[string][]string

	createErr  error
	idemMisses int
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		contents: make(map[string]*models.Content),
		accounts: make(map[string]models.Account),
		jobs:     make(map[string]*models.ScheduledJob),
		idem:     make(map[string]string),
		audits:   make(map[string][]string),
	}
}

func (f *fakeStore) addContent(id, userID string) {
	f.contents[id] = &models.Content{ID: id, UserID: userID, Status: models.ContentDraft}
}

func (f *fakeStore) addAccount(id, userID string) {
	f.accounts[id] = models.Account{ID: id, UserID: userID, Platform: "tiktok"}
}

func (f *fakeStore) FindContent(_ context.Context, contentID string) (*models.Content, error) {
	c, ok := f.contents[contentID]
	if !ok {
		return nil, nil
	}
	cp := *c
	return &cp, nil
}

func (f *fakeStore) FindOwnedAccounts(_ context.Context, accountIDs []string, userID string) ([]models.Account, error) {
	var owned []models.Account
	for _, id := range accountIDs {
		if a, ok := f.accounts[id]; ok && a.UserID == userID {
			owned = append(owned, a)
		}
	}
	return owned, nil
}

func (f *fakeStore) CountActiveByUser(_ context.Context, userID string) (int, error) {
	n := 0
	for _, j := range f.jobs {
		if j.UserID == userID && !j.Status.Terminal() {
			n++
		}
	}
	return n, nil
}

func (f *fakeStore) CreateJob(ctx context.Context, job models.ScheduledJob, maxActivePerUser int) error {
	if f.createErr != nil {
		return f.createErr
	}
	live, _ := f.CountActiveByUser(ctx, job.UserID)
	if live >= maxActivePerUser {
		return store.ErrUserJobLimit
	}
	if c, ok := f.contents[job.ContentID]; ok && c.Status == models.ContentScheduled {
		return store.ErrContentScheduled
	}
	jp := job
	f.jobs[job.ID] = &jp
	if job.IdempotencyKey != "" {
		f.idem[job.IdempotencyKey] = job.ID
	}
	if c, ok := f.contents[job.ContentID]; ok {
		c.Status = models.ContentScheduled
		at := job.ScheduledAt
		c.ScheduledAt = &at
	}
	return nil
}

func (f *fakeStore) FindJobByIdempotencyKey(_ context.Context, key, userID string) (*models.ScheduledJob, error) {
	if f.idemMisses > 0 {
		f.idemMisses--
		return nil, nil
	}
	id, ok := f.idem[key]
	if !ok {
		return nil, nil
	}
	j := f.jobs[id]
	if j == nil || j.UserID != userID {
		return nil, nil
	}
	jp := *j
	return &jp, nil
}

func (f *fakeStore) FindJob(_ context.Context, jobID string) (*models.ScheduledJob, error) {
	j, ok := f.jobs[jobID]
	if !ok {
		return nil, nil
	}
	jp := *j
	return &jp, nil
}

func (f *fakeStore) ListByUser(_ context.Context, userID string, status *models.JobStatus) ([]models.ScheduledJob, error) {
	var out []models.ScheduledJob
	for _, j := range f.jobs {
		if j.UserID != userID {
			continue
		}
		if status != nil && j.Status != *status {
			continue
		}
		out = append(out, *j)
	}
	sort.Slice(out, func(i, k int) bool { return out[i].ScheduledAt.Before(out[k].ScheduledAt) })
	return out, nil
}

func (f *fakeStore) CancelPending(_ context.Context, jobID string) error {
	j, ok := f.jobs[jobID]
	if !ok || j.Status != models.StatusPending {
		return store.ErrJobNotPending
	}
	j.Status = models.StatusCancelled
	if c, ok := f.contents[j.ContentID]; ok {
		c.Status = models.ContentDraft
		c.ScheduledAt = nil
	}
	return nil
}

func (f *fakeStore) MarkFailed(_ context.Context, jobID, reason string) error {
	j, ok := f.jobs[jobID]
	if !ok {
		return store.ErrJobNotPending
	}
	j.Status = models.StatusFailed
	j.LastError = &reason
	return nil
}

func (f *fakeStore) AppendAudit(_ context.Context, jobID, event, _ string) error {
	f.audits[jobID] = append(f.audits[jobID], event)
	return nil
}

type fakeBinding struct {
	enqueued   []string
	enqueueErr error
	removed    bool
	state      queue.EntryState
}

func (b *fakeBinding) Enqueue(_ context.Context, job models.ScheduledJob) error {
	if b.enqueueErr != nil {
		return b.enqueueErr
	}
	b.enqueued = append(b.enqueued, job.ID)
	return nil
}

func (b *fakeBinding) Cancel(_ context.Context, _ models.ScheduledJob) (bool, error) {
	return b.removed, nil
}

func (b *fakeBinding) State(_ context.Context, _ models.ScheduledJob) (queue.EntryState, error) {
	return b.state, nil
}

var testNow = time.Date(2026, 1, 15, 12, 0, 0, 0, time.UTC)

func newTestService(t *testing.T) (*Service, *fakeStore, *fakeBinding) {
	t.Helper()
	fs := newFakeStore()
	fb := &fakeBinding{removed: true, state: queue.EntryScheduled}
	svc := New(fs, fs, fs, fb, Limits{
		MaxActiveJobsPerUser: 5,
		MaxLookahead:         30 * 24 * time.Hour,
		MaxBatchSize:         20,
	}, queue.Policy{MaxAttempts: 3, BackoffBase: 2 * time.Second}, zerolog.Nop())
	svc.now = func() time.Time { return testNow }
	return svc, fs, fb
}

func validRequest(contentID string) ScheduleRequest {
	return ScheduleRequest{
		ContentID:   contentID,
		AccountIDs:  []string{"acct-1"},
		ScheduledAt: "2026-01-20T09:00:00",
		Timezone:    "America/New_York",
	}
}

func TestSchedulePostStoresUTCInstant(t *testing.T) {
	svc, fs, fb := newTestService(t)
	fs.addContent("c1", "u1")
	fs.addAccount("acct-1", "u1")

	res, err := svc.SchedulePost(context.Background(), "u1", validRequest("c1"))
	require.NoError(t, err)

	// 09:00 Eastern in January is UTC-5.
	want := time.Date(2026, 1, 20, 14, 0, 0, 0, time.UTC)
	assert.True(t, res.ScheduledAt.Equal(want), "got %s", res.ScheduledAt)
	assert.Equal(t, models.PriorityNormal, res.Priority)

	job := fs.jobs[res.JobID]
	require.NotNil(t, job)
	assert.True(t, job.ScheduledAt.Equal(want))
	assert.Equal(t, "America/New_York", job.Timezone)
	assert.Equal(t, models.StatusPending, job.Status)
	assert.Equal(t, 3, job.MaxAttempts)
	assert.Equal(t, []string{res.JobID}, fb.enqueued)
	assert.Equal(t, models.ContentScheduled, fs.contents["c1"].Status)
}

func TestSchedulePostLookaheadBoundaryInclusive(t *testing.T) {
	svc, fs, _ := newTestService(t)
	fs.addContent("c1", "u1")
	fs.addAccount("acct-1", "u1")

	req := validRequest("c1")
	req.Timezone = "UTC"

	// Exactly now + lookahead is still admitted.
	req.ScheduledAt = testNow.Add(30 * 24 * time.Hour).Format("2006-01-02T15:04:05")
	_, err := svc.SchedulePost(context.Background(), "u1", req)
	require.NoError(t, err)

	// One second past the window is not.
	req.ScheduledAt = testNow.Add(30*24*time.Hour + time.Second).Format("2006-01-02T15:04:05")
	_, err = svc.SchedulePost(context.Background(), "u1", req)
	assert.ErrorIs(t, err, ErrLookaheadExceeded)
}

func TestSchedulePostEnforcesConcurrencyLimit(t *testing.T) {
	svc, fs, _ := newTestService(t)
	fs.addAccount("acct-1", "u1")

	for i := 0; i < 5; i++ {
		id := fmt.Sprintf("c%d", i)
		fs.addContent(id, "u1")
		_, err := svc.SchedulePost(context.Background(), "u1", validRequest(id))
		require.NoError(t, err)
	}

	fs.addContent("c-over", "u1")
	_, err := svc.SchedulePost(context.Background(), "u1", validRequest("c-over"))
	assert.ErrorIs(t, err, ErrConcurrencyLimitExceeded)

	// A terminal job frees a slot.
	for _, j := range fs.jobs {
		j.Status = models.StatusCompleted
		break
	}
	_, err = svc.SchedulePost(context.Background(), "u1", validRequest("c-over"))
	assert.NoError(t, err)
}

func TestSchedulePostPreconditionOrder(t *testing.T) {
	// Lookahead must win over the concurrency limit when both are violated.
	svc, fs, _ := newTestService(t)
	fs.addAccount("acct-1", "u1")
	for i := 0; i < 5; i++ {
		id := fmt.Sprintf("c%d", i)
		fs.addContent(id, "u1")
		_, err := svc.SchedulePost(context.Background(), "u1", validRequest(id))
		require.NoError(t, err)
	}

	req := validRequest("c0")
	req.Timezone = "UTC"
	req.ScheduledAt = testNow.Add(60 * 24 * time.Hour).Format("2006-01-02T15:04:05")
	_, err := svc.SchedulePost(context.Background(), "u1", req)
	assert.ErrorIs(t, err, ErrLookaheadExceeded)
}

func TestSchedulePostRejectsInvalidInput(t *testing.T) {
	svc, fs, _ := newTestService(t)
	fs.addContent("c1", "u1")
	fs.addAccount("acct-1", "u1")

	req := validRequest("c1")
	req.Timezone = "Mars/Olympus_Mons"
	_, err := svc.SchedulePost(context.Background(), "u1", req)
	assert.ErrorIs(t, err, ErrInvalidRequest)

	req = validRequest("c1")
	req.Priority = "asap"
	_, err = svc.SchedulePost(context.Background(), "u1", req)
	assert.ErrorIs(t, err, ErrInvalidRequest)

	req = validRequest("c1")
	req.AccountIDs = nil
	_, err = svc.SchedulePost(context.Background(), "u1", req)
	assert.ErrorIs(t, err, ErrNoAccounts)
}

func TestSchedulePostContentChecks(t *testing.T) {
	svc, fs, _ := newTestService(t)
	fs.addAccount("acct-1", "u1")

	_, err := svc.SchedulePost(context.Background(), "u1", validRequest("nope"))
	assert.ErrorIs(t, err, ErrContentNotFound)

	fs.addContent("c-theirs", "u2")
	_, err = svc.SchedulePost(context.Background(), "u1", validRequest("c-theirs"))
	var notOwned *NotOwnedError
	require.ErrorAs(t, err, &notOwned)
	assert.Equal(t, "content", notOwned.Resource)
}

func TestSchedulePostRejectsAlreadyScheduledContent(t *testing.T) {
	svc, fs, _ := newTestService(t)
	fs.addContent("c1", "u1")
	fs.addAccount("acct-1", "u1")

	res, err := svc.SchedulePost(context.Background(), "u1", validRequest("c1"))
	require.NoError(t, err)

	// A second admission for the same content would leave two live jobs
	// publishing it.
	_, err = svc.SchedulePost(context.Background(), "u1", validRequest("c1"))
	assert.ErrorIs(t, err, ErrContentAlreadyScheduled)
	assert.Len(t, fs.jobs, 1)

	// Cancelling the only schedule frees the content for a new one.
	require.NoError(t, svc.CancelScheduledJob(context.Background(), res.JobID, "u1"))
	assert.Equal(t, models.ContentDraft, fs.contents["c1"].Status)

	res2, err := svc.SchedulePost(context.Background(), "u1", validRequest("c1"))
	require.NoError(t, err)

	live := 0
	for _, j := range fs.jobs {
		if j.ContentID == "c1" && !j.Status.Terminal() {
			live++
			assert.Equal(t, res2.JobID, j.ID)
		}
	}
	assert.Equal(t, 1, live, "scheduled content must be referenced by exactly one live job")
}

func TestSchedulePostContentGuardRace(t *testing.T) {
	// The content reads as draft but a concurrent admission flips it before
	// our transaction commits; the storage-level guard must surface as the
	// same already-scheduled rejection.
	svc, fs, fb := newTestService(t)
	fs.addContent("c1", "u1")
	fs.addAccount("acct-1", "u1")
	fs.createErr = store.ErrContentScheduled

	_, err := svc.SchedulePost(context.Background(), "u1", validRequest("c1"))
	assert.ErrorIs(t, err, ErrContentAlreadyScheduled)
	assert.Empty(t, fb.enqueued)
}

func TestSchedulePostIdempotentReplay(t *testing.T) {
	svc, fs, fb := newTestService(t)
	fs.addContent("c1", "u1")
	fs.addAccount("acct-1", "u1")

	req := validRequest("c1")
	req.IdempotencyKey = "req-abc"

	first, err := svc.SchedulePost(context.Background(), "u1", req)
	require.NoError(t, err)

	// The retry returns the original admission; no duplicate job, no second
	// queue entry, and no rejection from limits the original consumed.
	second, err := svc.SchedulePost(context.Background(), "u1", req)
	require.NoError(t, err)
	assert.Equal(t, first.JobID, second.JobID)
	assert.True(t, first.ScheduledAt.Equal(second.ScheduledAt))
	assert.Len(t, fs.jobs, 1)
	assert.Equal(t, []string{first.JobID}, fb.enqueued)
}

func TestSchedulePostIdempotencyInsertConflict(t *testing.T) {
	// Two requests with the same key race past the lookup; the loser of the
	// insert hands back the winner's job.
	svc, fs, _ := newTestService(t)
	fs.addContent("c1", "u1")
	fs.addAccount("acct-1", "u1")

	winner := models.ScheduledJob{
		ID: "job-winner", Type: models.JobTypePublish, ContentID: "c1",
		UserID: "u1", Status: models.StatusPending,
		ScheduledAt: time.Date(2026, 1, 20, 14, 0, 0, 0, time.UTC),
		Priority:    models.PriorityNormal,
	}
	fs.jobs[winner.ID] = &winner
	fs.idem["req-abc"] = winner.ID
	fs.createErr = store.ErrIdempotencyConflict
	// The initial replay lookup misses, as it did for the racing loser.
	fs.idemMisses = 1

	req := validRequest("c1")
	req.IdempotencyKey = "req-abc"
	res, err := svc.SchedulePost(context.Background(), "u1", req)
	require.NoError(t, err)
	assert.Equal(t, "job-winner", res.JobID)
}

func TestSchedulePostNamesUnownedAccounts(t *testing.T) {
	svc, fs, _ := newTestService(t)
	fs.addContent("c1", "u1")
	fs.addAccount("acct-1", "u1")
	fs.addAccount("acct-theirs", "u2")

	req := validRequest("c1")
	req.AccountIDs = []string{"acct-1", "acct-theirs", "acct-ghost"}
	_, err := svc.SchedulePost(context.Background(), "u1", req)

	var notOwned *NotOwnedError
	require.ErrorAs(t, err, &notOwned)
	assert.Equal(t, "accounts", notOwned.Resource)
	assert.ElementsMatch(t, []string{"acct-theirs", "acct-ghost"}, notOwned.IDs)
}

func TestSchedulePostEnqueueFailureMarksJobFailed(t *testing.T) {
	svc, fs, fb := newTestService(t)
	fs.addContent("c1", "u1")
	fs.addAccount("acct-1", "u1")
	fb.enqueueErr = errors.New("redis down")

	_, err := svc.SchedulePost(context.Background(), "u1", validRequest("c1"))
	require.Error(t, err)

	require.Len(t, fs.jobs, 1)
	for _, j := range fs.jobs {
		assert.Equal(t, models.StatusFailed, j.Status)
		require.NotNil(t, j.LastError)
		assert.Contains(t, *j.LastError, "enqueue failed")
	}
}

func TestBulkScheduleBatchGuards(t *testing.T) {
	svc, fs, _ := newTestService(t)

	_, err := svc.BulkSchedulePosts(context.Background(), "u1", nil)
	assert.ErrorIs(t, err, ErrEmptyBatch)

	big := make([]ScheduleRequest, 21)
	for i := range big {
		big[i] = validRequest(fmt.Sprintf("c%d", i))
	}
	_, err = svc.BulkSchedulePosts(context.Background(), "u1", big)
	assert.ErrorIs(t, err, ErrBatchTooLarge)
	assert.Empty(t, fs.jobs, "a rejected batch must not create any jobs")
}

func TestBulkSchedulePartialSuccess(t *testing.T) {
	svc, fs, _ := newTestService(t)
	fs.addAccount("acct-1", "u1")

	// Raise the limit so the batch is bounded by ownership, not concurrency.
	svc.limits.MaxActiveJobsPerUser = 50

	var batch []ScheduleRequest
	for i := 0; i < 10; i++ {
		id := fmt.Sprintf("c%d", i)
		fs.addContent(id, "u1")
		batch = append(batch, validRequest(id))
	}
	batch[6].AccountIDs = []string{"acct-unknown"}

	res, err := svc.BulkSchedulePosts(context.Background(), "u1", batch)
	require.NoError(t, err)
	assert.Len(t, res.Scheduled, 9)
	require.Len(t, res.Failed, 1)
	assert.Equal(t, "c6", res.Failed[0].ContentID)
	assert.Contains(t, res.Failed[0].Reason, "not owned")
	assert.Len(t, fs.jobs, 9)
}

func TestCancelPendingJob(t *testing.T) {
	svc, fs, _ := newTestService(t)
	fs.addContent("c1", "u1")
	fs.addAccount("acct-1", "u1")

	res, err := svc.SchedulePost(context.Background(), "u1", validRequest("c1"))
	require.NoError(t, err)

	require.NoError(t, svc.CancelScheduledJob(context.Background(), res.JobID, "u1"))

	assert.Equal(t, models.StatusCancelled, fs.jobs[res.JobID].Status)
	assert.Equal(t, models.ContentDraft, fs.contents["c1"].Status)
	assert.Nil(t, fs.contents["c1"].ScheduledAt)

	pending := models.StatusPending
	list, err := svc.ListUserJobs(context.Background(), "u1", &pending)
	require.NoError(t, err)
	assert.Empty(t, list)

	// Cancelling again hits the terminal status.
	var invalid *InvalidStateError
	err = svc.CancelScheduledJob(context.Background(), res.JobID, "u1")
	require.ErrorAs(t, err, &invalid)
	assert.Equal(t, res.JobID, invalid.JobID)
}

func TestCancelRejectsNonPendingAndForeignJobs(t *testing.T) {
	svc, fs, _ := newTestService(t)
	fs.addContent("c1", "u1")
	fs.addAccount("acct-1", "u1")

	res, err := svc.SchedulePost(context.Background(), "u1", validRequest("c1"))
	require.NoError(t, err)

	err = svc.CancelScheduledJob(context.Background(), "missing", "u1")
	assert.ErrorIs(t, err, ErrJobNotFound)

	err = svc.CancelScheduledJob(context.Background(), res.JobID, "u2")
	assert.ErrorIs(t, err, ErrNotAuthorized)

	fs.jobs[res.JobID].Status = models.StatusActive
	var invalid *InvalidStateError
	err = svc.CancelScheduledJob(context.Background(), res.JobID, "u1")
	require.ErrorAs(t, err, &invalid)
	assert.Equal(t, models.StatusActive, invalid.Status)
}

func TestCancelSurvivesMissingQueueEntry(t *testing.T) {
	svc, fs, fb := newTestService(t)
	fs.addContent("c1", "u1")
	fs.addAccount("acct-1", "u1")

	res, err := svc.SchedulePost(context.Background(), "u1", validRequest("c1"))
	require.NoError(t, err)

	// The worker already claimed the entry; the cancel still lands on the row
	// and the race is recorded, not swallowed.
	fb.removed = false
	require.NoError(t, svc.CancelScheduledJob(context.Background(), res.JobID, "u1"))
	assert.Equal(t, models.StatusCancelled, fs.jobs[res.JobID].Status)
	assert.Contains(t, fs.audits[res.JobID], "cancel_race")
}

func TestGetScheduledJobStatus(t *testing.T) {
	svc, fs, fb := newTestService(t)
	fs.addContent("c1", "u1")
	fs.addAccount("acct-1", "u1")

	res, err := svc.SchedulePost(context.Background(), "u1", validRequest("c1"))
	require.NoError(t, err)

	fb.state = queue.EntryScheduled
	snap, err := svc.GetScheduledJobStatus(context.Background(), res.JobID, "u1")
	require.NoError(t, err)
	require.NotNil(t, snap)
	assert.Equal(t, res.JobID, snap.Job.ID)
	assert.Equal(t, queue.EntryScheduled, snap.QueueEntry)

	snap, err = svc.GetScheduledJobStatus(context.Background(), "missing", "u1")
	require.NoError(t, err)
	assert.Nil(t, snap)

	_, err = svc.GetScheduledJobStatus(context.Background(), res.JobID, "u2")
	assert.ErrorIs(t, err, ErrNotAuthorized)
}

func TestListUserJobsOrderedSoonestFirst(t *testing.T) {
	svc, fs, _ := newTestService(t)
	fs.addAccount("acct-1", "u1")

	times := []string{"2026-01-22T10:00:00", "2026-01-18T10:00:00", "2026-01-25T10:00:00"}
	for i, at := range times {
		id := fmt.Sprintf("c%d", i)
		fs.addContent(id, "u1")
		req := validRequest(id)
		req.Timezone = "UTC"
		req.ScheduledAt = at
		_, err := svc.SchedulePost(context.Background(), "u1", req)
		require.NoError(t, err)
	}

	list, err := svc.ListUserJobs(context.Background(), "u1", nil)
	require.NoError(t, err)
	require.Len(t, list, 3)
	for i := 1; i < len(list); i++ {
		assert.False(t, list[i].ScheduledAt.Before(list[i-1].ScheduledAt))
	}
}
