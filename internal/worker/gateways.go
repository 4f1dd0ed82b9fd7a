package worker

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"clip-scheduler/internal/models"
)

// GatewayPublisher publishes through an HTTP platform gateway. It is the
// default PlatformPublisher; the gateway owns provider credentials and is
// expected to deduplicate on (content_id, account_id).
type GatewayPublisher struct {
	client *http.Client
	url    string
}

func NewGatewayPublisher(url string) *GatewayPublisher {
	return &GatewayPublisher{
		client: &http.Client{Timeout: 60 * time.Second},
		url:    url,
	}
}

func (g *GatewayPublisher) Publish(ctx context.Context, in PublishInput) error {
	return postJSON(ctx, g.client, g.url, map[string]any{
		"content_id": in.Content.ID,
		"account_id": in.Account.ID,
		"platform":   in.Account.Platform,
		"handle":     in.Account.Handle,
		"title":      in.Content.Title,
		"media_key":  in.MediaKey,
		"cover_key":  in.CoverKey,
	})
}

// NewAnalyticsHandler returns the handler for analytics-refresh sweeps: it
// asks the analytics collaborator to refresh its metric series.
func NewAnalyticsHandler(url string) Handler {
	client := &http.Client{Timeout: 60 * time.Second}
	return func(ctx context.Context, job models.ScheduledJob) error {
		return postJSON(ctx, client, url, map[string]any{"job_id": job.ID})
	}
}

// NewTokenRefreshHandler returns the handler for credential-renewal sweeps.
func NewTokenRefreshHandler(url string) Handler {
	client := &http.Client{Timeout: 60 * time.Second}
	return func(ctx context.Context, job models.ScheduledJob) error {
		return postJSON(ctx, client, url, map[string]any{"job_id": job.ID})
	}
}

func postJSON(ctx context.Context, client *http.Client, url string, payload map[string]any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal payload: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("call %s: %w", url, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusBadRequest {
		return fmt.Errorf("call %s: status %d", url, resp.StatusCode)
	}
	return nil
}
