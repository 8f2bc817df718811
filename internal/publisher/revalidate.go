package publisher

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"dream_pipeline/internal/domain"
)

// SecretHeader carries the shared secret on internal calls.
const SecretHeader = "x-internal-secret"

// Revalidator asks the presentation layer to drop its cached copy of a path.
type Revalidator struct {
	baseURL    string
	secret     string
	httpClient *http.Client
	logger     *slog.Logger
}

func NewRevalidator(baseURL, secret string, timeout time.Duration, logger *slog.Logger) *Revalidator {
	return &Revalidator{
		baseURL:    strings.TrimRight(baseURL, "/"),
		secret:     secret,
		httpClient: &http.Client{Timeout: timeout},
		logger:     logger.With("notifier", "revalidate"),
	}
}

func (r *Revalidator) Name() string {
	return "revalidate"
}

// Notify posts the event path to the revalidate endpoint. Without a base URL
// or secret the call is skipped.
func (r *Revalidator) Notify(ctx context.Context, event domain.PublishedEvent) error {
	if r.baseURL == "" || r.secret == "" {
		r.logger.Warn("app base url or internal secret not configured, skipping revalidate call")
		return nil
	}

	endpoint := r.baseURL + "/api/revalidate?path=" + url.QueryEscape(event.Path)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, nil)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set(SecretHeader, r.secret)
	req.Header.Set("User-Agent", "DreamPipeline/1.0")

	resp, err := r.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("execute request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("unexpected status: %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}

	r.logger.Debug("path revalidated", "path", event.Path)
	return nil
}
