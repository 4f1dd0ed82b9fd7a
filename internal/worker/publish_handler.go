package worker

import (
	"context"
	"errors"
	"fmt"

	"github.com/rs/zerolog"

	"clip-scheduler/internal/models"
)

// PublishSource is the read side of the publish handler: content and the
// accounts a job targets.
type PublishSource interface {
	FindContent(ctx context.Context, contentID string) (*models.Content, error)
	FindOwnedAccounts(ctx context.Context, accountIDs []string, userID string) ([]models.Account, error)
}

// PublishInput is one platform call: a single content item to one account.
type PublishInput struct {
	Account  models.Account
	Content  models.Content
	MediaKey string
	CoverKey string
}

// PlatformPublisher performs the actual platform-side publication. OAuth and
// the provider protocol live behind this boundary.
type PlatformPublisher interface {
	Publish(ctx context.Context, in PublishInput) error
}

// PublishHandler executes publish jobs: verify the media object, prepare the
// cover thumbnail, then publish to every target account.
type PublishHandler struct {
	source    PublishSource
	media     MediaStore
	covers    *CoverPreparer
	publisher PlatformPublisher
	log       zerolog.Logger
}

func NewPublishHandler(source PublishSource, media MediaStore, covers *CoverPreparer, publisher PlatformPublisher, log zerolog.Logger) *PublishHandler {
	return &PublishHandler{
		source:    source,
		media:     media,
		covers:    covers,
		publisher: publisher,
		log:       log,
	}
}

// Handle publishes one job. Per-account failures are joined into a single
// error so the queue's retry budget governs re-attempts; the platform
// publisher is expected to be idempotent per (content, account) so a retry
// cannot double-post to accounts that already succeeded.
func (h *PublishHandler) Handle(ctx context.Context, job models.ScheduledJob) error {
	content, err := h.source.FindContent(ctx, job.ContentID)
	if err != nil {
		return fmt.Errorf("load content: %w", err)
	}
	if content == nil {
		return fmt.Errorf("content %s no longer exists", job.ContentID)
	}

	if content.MediaKey != "" {
		ok, err := h.media.Exists(ctx, content.MediaKey)
		if err != nil {
			return fmt.Errorf("check media: %w", err)
		}
		if !ok {
			return fmt.Errorf("media object %s missing", content.MediaKey)
		}
	}

	coverKey, err := h.covers.Prepare(ctx, content)
	if err != nil {
		return fmt.Errorf("prepare cover: %w", err)
	}

	accounts, err := h.source.FindOwnedAccounts(ctx, job.AccountIDs, job.UserID)
	if err != nil {
		return fmt.Errorf("load accounts: %w", err)
	}
	if len(accounts) != len(job.AccountIDs) {
		return fmt.Errorf("job targets %d accounts but only %d are still owned", len(job.AccountIDs), len(accounts))
	}

	var failures []error
	for _, account := range accounts {
		err := h.publisher.Publish(ctx, PublishInput{
			Account:  account,
			Content:  *content,
			MediaKey: content.MediaKey,
			CoverKey: coverKey,
		})
		if err != nil {
			failures = append(failures, fmt.Errorf("account %s: %w", account.ID, err))
			continue
		}
		h.log.Info().Str("job_id", job.ID).Str("account_id", account.ID).Str("platform", account.Platform).Msg("published")
	}
	return errors.Join(failures...)
}
