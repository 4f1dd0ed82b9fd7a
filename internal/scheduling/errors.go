package scheduling

import (
	"errors"
	"fmt"
	"strings"

	"clip-scheduler/internal/models"
)

// Admission and authorization errors. These are surfaced synchronously and
// never retried: re-running an admission that violates a business rule
// cannot succeed without the caller changing input.
var (
	ErrInvalidRequest           = errors.New("invalid schedule request")
	ErrLookaheadExceeded        = errors.New("scheduled time is beyond the lookahead window")
	ErrConcurrencyLimitExceeded = errors.New("user already has the maximum number of pending or active jobs")
	ErrContentNotFound          = errors.New("content not found")
	ErrContentAlreadyScheduled  = errors.New("content already has a scheduled publication")
	ErrJobNotFound              = errors.New("job not found")
	ErrNotAuthorized            = errors.New("caller does not own this job")
	ErrNoAccounts               = errors.New("at least one account id is required")
	ErrEmptyBatch               = errors.New("batch contains no posts")
	ErrBatchTooLarge            = errors.New("batch exceeds the maximum size")
)

// NotOwnedError reports the specific ids that do not belong to the caller.
type NotOwnedError struct {
	Resource string
	IDs      []string
}

func (e *NotOwnedError) Error() string {
	return fmt.Sprintf("%s not owned by caller: %s", e.Resource, strings.Join(e.IDs, ", "))
}

// InvalidStateError rejects an operation the job's current status forbids,
// e.g. cancelling a job that is no longer pending.
type InvalidStateError struct {
	JobID  string
	Status models.JobStatus
}

func (e *InvalidStateError) Error() string {
	return fmt.Sprintf("job %s is %s; only pending jobs allow this operation", e.JobID, e.Status)
}
