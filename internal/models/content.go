package models

import "time"

// ContentStatus is the publication state of a content item.
type ContentStatus string

const (
	ContentDraft     ContentStatus = "draft"
	ContentScheduled ContentStatus = "scheduled"
	ContentPublished ContentStatus = "published"
	ContentFailed    ContentStatus = "failed"
)

// Content is a short-form video record owned by a user. While status is
// scheduled, ScheduledAt mirrors the UTC instant of the single non-terminal
// job that references it; cancellation clears it back to nil.
type Content struct {
	ID          string        `json:"id"`
	UserID      string        `json:"user_id"`
	Title       string        `json:"title"`
	MediaKey    string        `json:"media_key"`
	CoverURL    string        `json:"cover_url,omitempty"`
	Status      ContentStatus `json:"status"`
	ScheduledAt *time.Time    `json:"scheduled_at,omitempty"`
	CreatedAt   time.Time     `json:"created_at"`
	UpdatedAt   time.Time     `json:"updated_at"`
}

// Account is a connected social-media account. Every account targeted by a
// job must belong to the same user as the job's content.
type Account struct {
	ID       string `json:"id"`
	UserID   string `json:"user_id"`
	Platform string `json:"platform"`
	Handle   string `json:"handle"`
}
