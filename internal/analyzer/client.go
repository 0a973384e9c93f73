package analyzer

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"

	gobreaker "github.com/sony/gobreaker/v2"

	"github.com/bdougie/deepverify/internal/models"
)

// Submitter sends sampled frames to the capability and returns its raw answer
type Submitter interface {
	Submit(ctx context.Context, frames models.FrameSequence) (string, error)
}

// Client talks to an OpenAI compatible chat completions endpoint
type Client struct {
	cfg        Config
	httpClient *http.Client
	breaker    *gobreaker.CircuitBreaker[string]
	logger     *slog.Logger
}

// NewClient fails with models.ErrConfiguration when a required key is missing
func NewClient(cfg Config, logger *slog.Logger) (*Client, error) {
	cfg = cfg.withDefaults()
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "capability", "provider", cfg.Provider)

	c := &Client{
		cfg:        cfg,
		httpClient: cfg.HTTPClient,
		logger:     logger,
	}
	c.breaker = gobreaker.NewCircuitBreaker[string](gobreaker.Settings{
		Name: "capability",
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= cfg.BreakerFailures
		},
		IsSuccessful: isBreakerSuccess,
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn("circuit breaker state changed", "breaker", name, "from", from.String(), "to", to.String())
		},
	})
	return c, nil
}

// Rate limit and quota answers come from a healthy service
func isBreakerSuccess(err error) bool {
	if err == nil || errors.Is(err, context.Canceled) {
		return true
	}
	var unavailable *models.ServiceUnavailableError
	return errors.As(err, &unavailable)
}

// Model returns the model name requests are sent with
func (c *Client) Model() string { return c.cfg.Model }

// Submit sends at most MaxFrames frames in one multimodal request
func (c *Client) Submit(ctx context.Context, frames models.FrameSequence) (string, error) {
	if len(frames) == 0 {
		return "", models.ErrNoFrames
	}
	if len(frames) > MaxFrames {
		c.logger.Debug("truncating frame set", "supplied", len(frames), "sent", MaxFrames)
		frames = frames[:MaxFrames]
	}

	body, err := json.Marshal(BuildRequest(c.cfg.Model, c.cfg.Temperature, frames))
	if err != nil {
		return "", fmt.Errorf("failed to marshal request: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, c.cfg.SubmitTimeout)
	defer cancel()

	content, err := c.breaker.Execute(func() (string, error) {
		return c.createChatCompletion(ctx, body)
	})
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return "", &models.TransportError{Err: fmt.Errorf("capability temporarily unavailable: %w", err)}
	}
	return content, err
}

func (c *Client) createChatCompletion(ctx context.Context, body []byte) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.BaseURL+"/chat/completions", bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("failed to create request: %w", err)
	}
	c.setHeaders(req)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", &models.TransportError{Err: err}
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", &models.TransportError{Status: resp.StatusCode, Err: fmt.Errorf("failed to read response: %w", err)}
	}

	switch {
	case resp.StatusCode == http.StatusTooManyRequests:
		return "", &models.ServiceUnavailableError{Kind: models.RateLimit}
	case resp.StatusCode == http.StatusPaymentRequired:
		return "", &models.ServiceUnavailableError{Kind: models.QuotaExhausted}
	case resp.StatusCode < 200 || resp.StatusCode >= 300:
		c.logger.Error("capability error", "status", resp.StatusCode, "body", truncate(respBody, 512))
		return "", &models.TransportError{Status: resp.StatusCode}
	}

	var result ChatCompletionResponse
	if err := json.Unmarshal(respBody, &result); err != nil {
		return "", &models.TransportError{Status: resp.StatusCode, Err: fmt.Errorf("failed to unmarshal response: %w", err)}
	}
	if len(result.Choices) == 0 {
		return "", nil
	}

	content := result.Choices[0].Message.Content
	c.logger.Debug("capability responded", "model", result.Model, "content_length", len(content))
	return content, nil
}

func (c *Client) setHeaders(req *http.Request) {
	req.Header.Set("Content-Type", "application/json")
	if c.cfg.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)
	}
	req.Header.Set("User-Agent", "deepverify/1.0")
}

func truncate(b []byte, n int) string {
	if len(b) <= n {
		return string(b)
	}
	return string(b[:n]) + "..."
}
