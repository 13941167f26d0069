package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/chronomap/chronomap/internal/circuitbreaker"
	"github.com/chronomap/chronomap/internal/metrics"
	"github.com/chronomap/chronomap/internal/models"
)

// Sentinel errors let callers map provider failures to distinct,
// actionable responses instead of a generic 500.
var (
	ErrInsufficientCredit = errors.New("provider account has insufficient credit")
	ErrProviderBusy       = errors.New("provider is rate limiting requests")
	ErrTaskNotFound       = errors.New("provider task not found")
	ErrUnauthorized       = errors.New("provider rejected credentials")
)

// Config configures the deep-research client.
type Config struct {
	BaseURL        string
	APIKey         string
	RequestTimeout time.Duration
	RequestsPerMin int
	Breaker        circuitbreaker.Config
}

// Client is a thin HTTP client for the deep-research API: submit a query,
// poll task state. All calls go through a politeness limiter and a
// circuit breaker.
type Client struct {
	baseURL string
	apiKey  string
	http    *circuitbreaker.HTTPWrapper
	limiter *rate.Limiter
	logger  *zap.Logger
}

// NewClient creates a provider client.
func NewClient(cfg Config, logger *zap.Logger) *Client {
	timeout := cfg.RequestTimeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	rpm := cfg.RequestsPerMin
	if rpm <= 0 {
		rpm = 120
	}
	return &Client{
		baseURL: cfg.BaseURL,
		apiKey:  cfg.APIKey,
		http:    circuitbreaker.NewHTTPWrapper(&http.Client{Timeout: timeout}, "research-provider", cfg.Breaker, logger),
		limiter: rate.NewLimiter(rate.Limit(float64(rpm)/60.0), rpm/10+1),
		logger:  logger,
	}
}

// SubmitRequest is the body for task submission.
type SubmitRequest struct {
	Query string `json:"query"`
}

type submitResponse struct {
	TaskID string `json:"task_id"`
	Status string `json:"status"`
}

// TaskSnapshot is one observation of a provider task.
type TaskSnapshot struct {
	TaskID   string            `json:"task_id"`
	Status   models.TaskStatus `json:"status"`
	Messages []models.Message  `json:"messages"`
	Output   string            `json:"output,omitempty"`
	Sources  []models.Source   `json:"sources,omitempty"`
	Images   []models.Image    `json:"images,omitempty"`
	Progress models.Progress   `json:"progress"`
	Error    string            `json:"error,omitempty"`
}

type errorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

// Submit starts a research task and returns the provider-assigned id.
func (c *Client) Submit(ctx context.Context, req SubmitRequest) (string, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return "", err
	}

	body, err := json.Marshal(req)
	if err != nil {
		return "", fmt.Errorf("marshal submit request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/v1/research/tasks", bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("build submit request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)

	resp, err := c.http.Do(httpReq)
	if err != nil {
		metrics.ProviderErrors.WithLabelValues("submit").Inc()
		return "", fmt.Errorf("submit task: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		metrics.ProviderErrors.WithLabelValues("submit").Inc()
		return "", c.statusError(resp)
	}

	var out submitResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", fmt.Errorf("decode submit response: %w", err)
	}
	if out.TaskID == "" {
		return "", fmt.Errorf("provider returned empty task id")
	}
	return out.TaskID, nil
}

// GetTask fetches the current state of a task: status, transcript so far,
// and on completion the final output, sources and images.
func (c *Client) GetTask(ctx context.Context, taskID string) (*TaskSnapshot, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, err
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/v1/research/tasks/"+taskID, nil)
	if err != nil {
		return nil, fmt.Errorf("build poll request: %w", err)
	}
	httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)

	start := time.Now()
	resp, err := c.http.Do(httpReq)
	metrics.ProviderPollDuration.Observe(time.Since(start).Seconds())
	if err != nil {
		metrics.ProviderErrors.WithLabelValues("poll").Inc()
		return nil, fmt.Errorf("poll task %s: %w", taskID, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		metrics.ProviderErrors.WithLabelValues("poll").Inc()
		return nil, c.statusError(resp)
	}

	var snap TaskSnapshot
	if err := json.NewDecoder(resp.Body).Decode(&snap); err != nil {
		return nil, fmt.Errorf("decode task snapshot: %w", err)
	}
	if _, ok := models.ParseTaskStatus(string(snap.Status)); !ok {
		return nil, fmt.Errorf("provider returned unknown status %q", snap.Status)
	}
	return &snap, nil
}

// Probe checks provider reachability for the readiness endpoint.
func (c *Client) Probe(ctx context.Context) error {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/v1/health", nil)
	if err != nil {
		return err
	}
	resp, err := c.http.Do(httpReq)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		return fmt.Errorf("provider health returned %d", resp.StatusCode)
	}
	return nil
}

// statusError maps provider HTTP errors to sentinel errors where the
// caller can act on the distinction.
func (c *Client) statusError(resp *http.Response) error {
	var detail errorResponse
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	_ = json.Unmarshal(raw, &detail)

	c.logger.Warn("Provider call failed",
		zap.Int("status", resp.StatusCode),
		zap.String("error", detail.Error),
	)

	switch resp.StatusCode {
	case http.StatusPaymentRequired:
		return ErrInsufficientCredit
	case http.StatusTooManyRequests:
		return ErrProviderBusy
	case http.StatusNotFound:
		return ErrTaskNotFound
	case http.StatusUnauthorized, http.StatusForbidden:
		return ErrUnauthorized
	default:
		if detail.Message != "" {
			return fmt.Errorf("provider returned %d: %s", resp.StatusCode, detail.Message)
		}
		return fmt.Errorf("provider returned %d", resp.StatusCode)
	}
}
