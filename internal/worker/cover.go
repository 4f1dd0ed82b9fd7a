package worker

import (
	"bytes"
	"context"
	"fmt"
	"image"
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"
	"io"
	"net/http"
	"time"

	"github.com/disintegration/imaging"

	"clip-scheduler/internal/config"
	"clip-scheduler/internal/models"
)

// CoverPreparer fetches a content item's cover image, scales it down to the
// platform thumbnail width, and stores it next to the media object. Covers
// are keyed by content id so retried publishes overwrite rather than pile up.
type CoverPreparer struct {
	httpClient *http.Client
	media      MediaStore
	width      int
	maxBytes   int64
}

func NewCoverPreparer(cfg config.Config, media MediaStore) *CoverPreparer {
	timeout := cfg.CoverFetchTimeout
	if timeout == 0 {
		timeout = 30 * time.Second
	}
	width := cfg.CoverWidth
	if width == 0 {
		width = 720
	}
	maxBytes := cfg.CoverMaxBytes
	if maxBytes == 0 {
		maxBytes = 10 * 1024 * 1024
	}
	return &CoverPreparer{
		httpClient: &http.Client{Timeout: timeout},
		media:      media,
		width:      width,
		maxBytes:   maxBytes,
	}
}

// Prepare returns the stored cover key, or "" when the content has no cover.
func (p *CoverPreparer) Prepare(ctx context.Context, content *models.Content) (string, error) {
	if content.CoverURL == "" {
		return "", nil
	}

	data, err := p.fetch(ctx, content.CoverURL)
	if err != nil {
		return "", err
	}

	img, _, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return "", fmt.Errorf("decode cover: %w", err)
	}

	img = imaging.Resize(img, p.width, 0, imaging.Lanczos)

	buf := &bytes.Buffer{}
	if err := imaging.Encode(buf, img, imaging.JPEG, imaging.JPEGQuality(85)); err != nil {
		return "", fmt.Errorf("encode cover: %w", err)
	}

	key := fmt.Sprintf("covers/%s.jpg", content.ID)
	if _, err := p.media.Upload(ctx, key, buf.Bytes(), "image/jpeg"); err != nil {
		return "", fmt.Errorf("store cover: %w", err)
	}
	return key, nil
}

func (p *CoverPreparer) fetch(ctx context.Context, url string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	resp, err := p.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch cover: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusBadRequest {
		return nil, fmt.Errorf("fetch cover: status %d", resp.StatusCode)
	}

	limited := io.LimitReader(resp.Body, p.maxBytes+1)
	body, err := io.ReadAll(limited)
	if err != nil {
		return nil, fmt.Errorf("read cover: %w", err)
	}
	if int64(len(body)) > p.maxBytes {
		return nil, fmt.Errorf("cover too large (>%d bytes)", p.maxBytes)
	}
	return body, nil
}
