package genapi

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"github.com/nexoriau/modelforu-sub001/internal/domain"
)

// Status is the provider-side lifecycle of a submitted generation.
type Status string

const (
	StatusQueued    Status = "QUEUED"
	StatusRunning   Status = "RUNNING"
	StatusSucceeded Status = "SUCCEEDED"
	StatusFailed    Status = "FAILED"
)

// errBusy marks the provider's transient "busy" sentinel. It never escapes
// Submit; callers only ever see the hard failure after the cap.
var errBusy = errors.New("generation api busy")

// SubmitPayload is the start request sent to the generation endpoint. Batch
// items are submitted as independent size-1 requests so the result contract
// stays single-valued.
type SubmitPayload struct {
	Type        domain.GenerationType `json:"type"`
	Prompt      string                `json:"prompt"`
	Resolution  string                `json:"resolution,omitempty"`
	FPS         int                   `json:"fps,omitempty"`
	Quality     string                `json:"quality,omitempty"`
	VideoLength int                   `json:"videoLength,omitempty"`
	Image       string                `json:"image,omitempty"` // base64 source image, image-to-video only
}

type ClientConfig struct {
	Endpoint   string
	APIKey     string
	Timeout    time.Duration
	HTTPClient *http.Client

	// BusyWait/BusyMaxRetries bound the internal absorption of the busy
	// sentinel. NetworkRetries bounds retries of transport failures; HTTP
	// error statuses are never retried.
	BusyWait        time.Duration
	BusyMaxRetries  int
	NetworkRetries  int
	SubmitPerSecond float64
	SubmitBurst     int
}

// Client talks to the third-party asynchronous generation API. One endpoint,
// three operations distinguished by payload shape.
type Client struct {
	endpoint       string
	apiKey         string
	timeout        time.Duration
	httpClient     *http.Client
	busyWait       time.Duration
	busyMaxRetries int
	networkRetries int
	limiter        *rate.Limiter
}

func NewClient(cfg ClientConfig) *Client {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 60 * time.Second
	}
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = &http.Client{}
	}
	if cfg.BusyWait <= 0 {
		cfg.BusyWait = 3 * time.Second
	}
	if cfg.BusyMaxRetries <= 0 {
		cfg.BusyMaxRetries = 15
	}
	if cfg.NetworkRetries < 0 {
		cfg.NetworkRetries = 0
	}
	if cfg.SubmitPerSecond <= 0 {
		cfg.SubmitPerSecond = 2
	}
	if cfg.SubmitBurst <= 0 {
		cfg.SubmitBurst = 4
	}

	return &Client{
		endpoint:       strings.TrimSuffix(strings.TrimSpace(cfg.Endpoint), "/"),
		apiKey:         strings.TrimSpace(cfg.APIKey),
		timeout:        cfg.Timeout,
		httpClient:     cfg.HTTPClient,
		busyWait:       cfg.BusyWait,
		busyMaxRetries: cfg.BusyMaxRetries,
		networkRetries: cfg.NetworkRetries,
		limiter:        rate.NewLimiter(rate.Limit(cfg.SubmitPerSecond), cfg.SubmitBurst),
	}
}

// Submit starts a generation and returns the provider's job id. The busy
// sentinel is absorbed here: a fixed wait between bounded retries, then a
// hard failure. Any other provider error surfaces immediately.
func (c *Client) Submit(ctx context.Context, payload SubmitPayload) (string, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return "", err
	}

	encoded, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("marshal submit payload: %w", err)
	}

	for attempt := 0; ; attempt++ {
		jobID, callErr := c.trySubmit(ctx, encoded)
		if callErr == nil {
			return jobID, nil
		}
		if !errors.Is(callErr, errBusy) {
			return "", callErr
		}
		if attempt >= c.busyMaxRetries {
			return "", fmt.Errorf("generation api still busy after %d retries", c.busyMaxRetries)
		}

		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-time.After(c.busyWait):
		}
	}
}

func (c *Client) trySubmit(ctx context.Context, payload []byte) (string, error) {
	body, _, err := c.call(ctx, payload)
	if err != nil {
		return "", err
	}

	var parsed struct {
		JobID  string `json:"job_id"`
		Status string `json:"status"`
	}
	if err := json.Unmarshal(body, &parsed); err != nil {
		return "", fmt.Errorf("decode submit response: %w", err)
	}
	if strings.EqualFold(parsed.Status, "busy") {
		return "", errBusy
	}
	if parsed.JobID == "" {
		return "", errors.New("submit response missing job_id")
	}
	return parsed.JobID, nil
}

// PollStatus reports the provider-side state of one job. The caller owns the
// poll cadence and ceiling.
func (c *Client) PollStatus(ctx context.Context, jobID string) (Status, error) {
	payload, err := json.Marshal(map[string]string{"op": "status", "job_id": jobID})
	if err != nil {
		return "", fmt.Errorf("marshal status payload: %w", err)
	}

	body, _, err := c.call(ctx, payload)
	if err != nil {
		return "", err
	}

	var parsed struct {
		Status string `json:"status"`
	}
	if err := json.Unmarshal(body, &parsed); err != nil {
		return "", fmt.Errorf("decode status response: %w", err)
	}

	switch Status(strings.ToUpper(strings.TrimSpace(parsed.Status))) {
	case StatusQueued:
		return StatusQueued, nil
	case StatusRunning:
		return StatusRunning, nil
	case StatusSucceeded:
		return StatusSucceeded, nil
	case StatusFailed:
		return StatusFailed, nil
	default:
		return "", fmt.Errorf("unknown generation status %q", parsed.Status)
	}
}

// FetchResult downloads the finished artifact. Exactly one media artifact per
// job by construction.
func (c *Client) FetchResult(ctx context.Context, jobID string) ([]byte, string, error) {
	payload, err := json.Marshal(map[string]string{"op": "result", "job_id": jobID})
	if err != nil {
		return nil, "", fmt.Errorf("marshal result payload: %w", err)
	}

	body, contentType, err := c.call(ctx, payload)
	if err != nil {
		return nil, "", err
	}
	if len(body) == 0 {
		return nil, "", errors.New("empty result body")
	}
	return body, contentType, nil
}

// call performs one POST against the endpoint, retrying transport failures a
// bounded number of times. Non-2xx responses are hard failures.
func (c *Client) call(ctx context.Context, payload []byte) ([]byte, string, error) {
	var lastErr error
	for attempt := 0; attempt <= c.networkRetries; attempt++ {
		body, contentType, err := c.doOnce(ctx, payload)
		if err == nil {
			return body, contentType, nil
		}
		lastErr = err

		var httpErr *APIError
		if errors.As(err, &httpErr) {
			return nil, "", err
		}
		if ctx.Err() != nil {
			return nil, "", err
		}

		backoff := time.Duration(350*(attempt+1)) * time.Millisecond
		select {
		case <-ctx.Done():
			return nil, "", ctx.Err()
		case <-time.After(backoff):
		}
	}
	return nil, "", lastErr
}

func (c *Client) doOnce(ctx context.Context, payload []byte) ([]byte, string, error) {
	timeoutCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	request, err := http.NewRequestWithContext(timeoutCtx, http.MethodPost, c.endpoint, bytes.NewReader(payload))
	if err != nil {
		return nil, "", fmt.Errorf("create generation request: %w", err)
	}
	request.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		request.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	response, err := c.httpClient.Do(request)
	if err != nil {
		return nil, "", fmt.Errorf("generation transport error: %w", err)
	}
	defer response.Body.Close()

	body, err := io.ReadAll(response.Body)
	if err != nil {
		return nil, "", fmt.Errorf("read generation body: %w", err)
	}

	if response.StatusCode < 200 || response.StatusCode > 299 {
		message := strings.TrimSpace(string(body))
		if len(message) > 700 {
			message = message[:700]
		}
		return nil, "", &APIError{StatusCode: response.StatusCode, Message: message}
	}

	return body, response.Header.Get("Content-Type"), nil
}

// APIError is a non-2xx response from the generation endpoint. Never retried
// internally; it costs the caller one outer attempt.
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("generation api status %d: %s", e.StatusCode, e.Message)
}
