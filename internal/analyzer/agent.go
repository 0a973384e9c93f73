package analyzer

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/bdougie/deepverify/internal/models"
)

// Supported capability providers
const (
	ProviderGateway = "gateway"
	ProviderOllama  = "ollama"
)

const (
	DefaultGatewayURL   = "https://ai.gateway.lovable.dev/v1"
	DefaultGatewayModel = "google/gemini-2.5-pro"

	// Ollama serves an OpenAI compatible API next to its native one
	DefaultOllamaURL   = "http://localhost:11434/v1"
	DefaultOllamaModel = "llama3.2-vision:11b"

	DefaultTemperature     = 0.1
	DefaultSubmitTimeout   = 120 * time.Second
	DefaultBreakerFailures = 5

	// MaxFrames caps the images sent in one request
	MaxFrames = 8
)

// Config selects and tunes the capability backend
type Config struct {
	Provider        string
	BaseURL         string
	APIKey          string
	Model           string
	Temperature     float64
	SubmitTimeout   time.Duration
	BreakerFailures uint32
	HTTPClient      *http.Client
}

func (c Config) withDefaults() Config {
	if c.Provider == "" {
		c.Provider = ProviderGateway
	}
	switch c.Provider {
	case ProviderOllama:
		if c.BaseURL == "" {
			c.BaseURL = DefaultOllamaURL
		}
		if c.Model == "" {
			c.Model = DefaultOllamaModel
		}
	default:
		if c.BaseURL == "" {
			c.BaseURL = DefaultGatewayURL
		}
		if c.Model == "" {
			c.Model = DefaultGatewayModel
		}
	}
	c.BaseURL = strings.TrimSuffix(c.BaseURL, "/")
	if c.Temperature <= 0 {
		c.Temperature = DefaultTemperature
	}
	if c.SubmitTimeout <= 0 {
		c.SubmitTimeout = DefaultSubmitTimeout
	}
	if c.BreakerFailures == 0 {
		c.BreakerFailures = DefaultBreakerFailures
	}
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{}
	}
	return c
}

func (c Config) validate() error {
	switch c.Provider {
	case ProviderGateway:
		if c.APIKey == "" {
			return models.ErrConfiguration
		}
	case ProviderOllama:
	default:
		return fmt.Errorf("unknown capability provider %q", c.Provider)
	}
	return nil
}

// Ping checks that the capability is reachable before any frames are sent
func (c *Client) Ping(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.cfg.BaseURL+"/models", nil)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	c.setHeaders(req)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return &models.TransportError{Err: err}
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return &models.TransportError{Status: resp.StatusCode}
	}
	return nil
}
