package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/nexoriau/modelforu-sub001/internal/domain"
)

// Notifier is the narrow call contract toward the notification service.
// Callers treat it as fire-and-forget: errors are logged, never propagated
// into the generation transaction.
type Notifier interface {
	GenerationComplete(ctx context.Context, userID string, genType domain.GenerationType, modelName string) error
	LowCredits(ctx context.Context, userID string, remaining int) error
}

// ActivityEntry is one append-only activity-log record.
type ActivityEntry struct {
	UserID       string         `json:"userId"`
	ActivityType string         `json:"activityType"`
	EntityID     string         `json:"entityId"`
	Description  string         `json:"description"`
	Metadata     map[string]any `json:"metadata,omitempty"`
}

// ActivityTracker is the narrow call contract toward the activity-log service.
type ActivityTracker interface {
	Track(ctx context.Context, entry ActivityEntry) error
}

// HTTPCollaborator implements both contracts over plain JSON POSTs to the
// out-of-scope notification/activity services.
type HTTPCollaborator struct {
	notifyBaseURL   string
	activityBaseURL string
	httpClient      *http.Client
}

type HTTPConfig struct {
	NotifyBaseURL   string
	ActivityBaseURL string
	Timeout         time.Duration
	HTTPClient      *http.Client
}

func NewHTTPCollaborator(cfg HTTPConfig) *HTTPCollaborator {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = &http.Client{Timeout: cfg.Timeout}
	}
	return &HTTPCollaborator{
		notifyBaseURL:   strings.TrimSuffix(strings.TrimSpace(cfg.NotifyBaseURL), "/"),
		activityBaseURL: strings.TrimSuffix(strings.TrimSpace(cfg.ActivityBaseURL), "/"),
		httpClient:      cfg.HTTPClient,
	}
}

func (c *HTTPCollaborator) GenerationComplete(ctx context.Context, userID string, genType domain.GenerationType, modelName string) error {
	return c.post(ctx, c.notifyBaseURL+"/notifications/generation-complete", map[string]any{
		"userId":    userID,
		"type":      string(genType),
		"modelName": modelName,
	})
}

func (c *HTTPCollaborator) LowCredits(ctx context.Context, userID string, remaining int) error {
	return c.post(ctx, c.notifyBaseURL+"/notifications/low-credits", map[string]any{
		"userId":    userID,
		"remaining": remaining,
	})
}

func (c *HTTPCollaborator) Track(ctx context.Context, entry ActivityEntry) error {
	return c.post(ctx, c.activityBaseURL+"/activities", entry)
}

func (c *HTTPCollaborator) post(ctx context.Context, url string, payload any) error {
	encoded, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal payload: %w", err)
	}

	request, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(encoded))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	request.Header.Set("Content-Type", "application/json")

	response, err := c.httpClient.Do(request)
	if err != nil {
		return fmt.Errorf("post %s: %w", url, err)
	}
	defer response.Body.Close()
	_, _ = io.Copy(io.Discard, response.Body)

	if response.StatusCode < 200 || response.StatusCode > 299 {
		return fmt.Errorf("post %s: status %d", url, response.StatusCode)
	}
	return nil
}

// LogCollaborator satisfies both contracts by logging only, used when the
// collaborator endpoints are not configured.
type LogCollaborator struct {
	logger zerolog.Logger
}

func NewLogCollaborator(logger zerolog.Logger) *LogCollaborator {
	return &LogCollaborator{logger: logger}
}

func (c *LogCollaborator) GenerationComplete(_ context.Context, userID string, genType domain.GenerationType, modelName string) error {
	c.logger.Info().
		Str("user_id", userID).
		Str("type", string(genType)).
		Str("model_name", modelName).
		Msg("notification: generation complete")
	return nil
}

func (c *LogCollaborator) LowCredits(_ context.Context, userID string, remaining int) error {
	c.logger.Info().
		Str("user_id", userID).
		Int("remaining", remaining).
		Msg("notification: low credits")
	return nil
}

func (c *LogCollaborator) Track(_ context.Context, entry ActivityEntry) error {
	c.logger.Info().
		Str("user_id", entry.UserID).
		Str("activity_type", entry.ActivityType).
		Str("entity_id", entry.EntityID).
		Msg("activity tracked")
	return nil
}
