package media

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

type RelayConfig struct {
	UploadURL  string
	APIKey     string
	Timeout    time.Duration
	HTTPClient *http.Client
}

// Relay moves artifact bytes into durable object storage and round-trips
// stored source images into inline payload form for image-to-video jobs.
// It carries no business logic beyond picking the resource type; failures
// propagate to the queue's outer retry.
type Relay struct {
	uploadURL  string
	apiKey     string
	timeout    time.Duration
	httpClient *http.Client
}

func NewRelay(cfg RelayConfig) *Relay {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 120 * time.Second
	}
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = &http.Client{}
	}
	return &Relay{
		uploadURL:  strings.TrimSuffix(strings.TrimSpace(cfg.UploadURL), "/"),
		apiKey:     strings.TrimSpace(cfg.APIKey),
		timeout:    cfg.Timeout,
		httpClient: cfg.HTTPClient,
	}
}

// UploadMedia stores one artifact and returns its public URL. Audio rides the
// video resource type, matching the storage provider's convention.
func (r *Relay) UploadMedia(ctx context.Context, data []byte, contentType string) (string, error) {
	if len(data) == 0 {
		return "", errors.New("empty media payload")
	}

	resource := "image"
	if strings.HasPrefix(contentType, "video/") || strings.HasPrefix(contentType, "audio/") {
		resource = "video"
	}

	timeoutCtx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	target := fmt.Sprintf("%s/%s/upload", r.uploadURL, resource)
	request, err := http.NewRequestWithContext(timeoutCtx, http.MethodPost, target, bytes.NewReader(data))
	if err != nil {
		return "", fmt.Errorf("create upload request: %w", err)
	}
	request.Header.Set("Content-Type", contentType)
	if r.apiKey != "" {
		request.Header.Set("Authorization", "Bearer "+r.apiKey)
	}

	response, err := r.httpClient.Do(request)
	if err != nil {
		return "", fmt.Errorf("upload transport error: %w", err)
	}
	defer response.Body.Close()

	body, err := io.ReadAll(response.Body)
	if err != nil {
		return "", fmt.Errorf("read upload response: %w", err)
	}
	if response.StatusCode < 200 || response.StatusCode > 299 {
		message := strings.TrimSpace(string(body))
		if len(message) > 300 {
			message = message[:300]
		}
		return "", fmt.Errorf("upload status %d: %s", response.StatusCode, message)
	}

	var parsed struct {
		URL string `json:"url"`
	}
	if err := json.Unmarshal(body, &parsed); err != nil {
		return "", fmt.Errorf("decode upload response: %w", err)
	}
	if parsed.URL == "" {
		return "", errors.New("upload response missing url")
	}
	return parsed.URL, nil
}

// SourceImageToInline fetches a previously stored source image and returns it
// base64-encoded. No internal retry; the outer job retry covers it.
func (r *Relay) SourceImageToInline(ctx context.Context, url string) (string, error) {
	timeoutCtx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	request, err := http.NewRequestWithContext(timeoutCtx, http.MethodGet, url, nil)
	if err != nil {
		return "", fmt.Errorf("create source image request: %w", err)
	}

	response, err := r.httpClient.Do(request)
	if err != nil {
		return "", fmt.Errorf("fetch source image: %w", err)
	}
	defer response.Body.Close()

	if response.StatusCode < 200 || response.StatusCode > 299 {
		return "", fmt.Errorf("fetch source image status %d", response.StatusCode)
	}

	data, err := io.ReadAll(response.Body)
	if err != nil {
		return "", fmt.Errorf("read source image: %w", err)
	}
	if len(data) == 0 {
		return "", errors.New("source image is empty")
	}

	return base64.StdEncoding.EncodeToString(data), nil
}
