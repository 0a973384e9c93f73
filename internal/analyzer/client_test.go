package analyzer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/bdougie/deepverify/internal/models"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testFrames(n int) models.FrameSequence {
	frames := make(models.FrameSequence, n)
	for i := range frames {
		frames[i] = models.Frame{Index: i, MediaType: "image/jpeg", Data: []byte(fmt.Sprintf("frame-%02d", i))}
	}
	return frames
}

func completion(content string) string {
	b, _ := json.Marshal(map[string]any{
		"id":    "chatcmpl-1",
		"model": "test-model",
		"choices": []map[string]any{
			{"index": 0, "message": map[string]string{"role": "assistant", "content": content}, "finish_reason": "stop"},
		},
	})
	return string(b)
}

type capturedRequest struct {
	Model       string  `json:"model"`
	Temperature float64 `json:"temperature"`
	Messages    []struct {
		Role    string          `json:"role"`
		Content json.RawMessage `json:"content"`
	} `json:"messages"`
}

func newTestClient(t *testing.T, url string, mutate ...func(*Config)) *Client {
	t.Helper()
	cfg := Config{Provider: ProviderGateway, BaseURL: url, APIKey: "test-key", Model: "test-model"}
	for _, m := range mutate {
		m(&cfg)
	}
	c, err := NewClient(cfg, discardLogger())
	if err != nil {
		t.Fatalf("NewClient: %v", err)
	}
	return c
}

func TestSubmit_truncatesToEightFrames(t *testing.T) {
	var got capturedRequest
	var auth string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/chat/completions" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		auth = r.Header.Get("Authorization")
		if err := json.NewDecoder(r.Body).Decode(&got); err != nil {
			t.Errorf("decode request: %v", err)
		}
		_, _ = io.WriteString(w, completion(`{"isAuthentic": true, "confidence": 90}`))
	}))
	defer srv.Close()

	c := newTestClient(t, srv.URL)
	raw, err := c.Submit(context.Background(), testFrames(12))
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if raw != `{"isAuthentic": true, "confidence": 90}` {
		t.Errorf("raw = %q", raw)
	}

	if auth != "Bearer test-key" {
		t.Errorf("Authorization = %q", auth)
	}
	if got.Model != "test-model" || got.Temperature != DefaultTemperature {
		t.Errorf("model=%q temperature=%v", got.Model, got.Temperature)
	}
	if len(got.Messages) != 2 || got.Messages[0].Role != "system" || got.Messages[1].Role != "user" {
		t.Fatalf("unexpected messages: %+v", got.Messages)
	}

	var system string
	if err := json.Unmarshal(got.Messages[0].Content, &system); err != nil || system != SystemPrompt {
		t.Errorf("system prompt not sent verbatim (err=%v)", err)
	}

	var parts []ContentPart
	if err := json.Unmarshal(got.Messages[1].Content, &parts); err != nil {
		t.Fatalf("user content: %v", err)
	}
	if parts[0].Type != "text" || parts[0].Text != UserInstruction {
		t.Errorf("first part = %+v", parts[0])
	}
	images := parts[1:]
	if len(images) != MaxFrames {
		t.Fatalf("sent %d images, want %d", len(images), MaxFrames)
	}
	for i, p := range images {
		want := testFrames(12)[i].DataURL()
		if p.Type != "image_url" || p.ImageURL == nil || p.ImageURL.URL != want {
			t.Errorf("image %d = %+v", i, p)
		}
	}
}

func TestSubmit_statusMapping(t *testing.T) {
	tests := []struct {
		name   string
		status int
		check  func(t *testing.T, err error)
	}{
		{"rate limit", http.StatusTooManyRequests, func(t *testing.T, err error) {
			var u *models.ServiceUnavailableError
			if !errors.As(err, &u) || u.Kind != models.RateLimit {
				t.Fatalf("expected RateLimit, got %v", err)
			}
		}},
		{"quota", http.StatusPaymentRequired, func(t *testing.T, err error) {
			var u *models.ServiceUnavailableError
			if !errors.As(err, &u) || u.Kind != models.QuotaExhausted {
				t.Fatalf("expected QuotaExhausted, got %v", err)
			}
		}},
		{"server error", http.StatusInternalServerError, func(t *testing.T, err error) {
			var te *models.TransportError
			if !errors.As(err, &te) || te.Status != http.StatusInternalServerError {
				t.Fatalf("expected TransportError(500), got %v", err)
			}
		}},
		{"unauthorized", http.StatusUnauthorized, func(t *testing.T, err error) {
			var te *models.TransportError
			if !errors.As(err, &te) || te.Status != http.StatusUnauthorized {
				t.Fatalf("expected TransportError(401), got %v", err)
			}
		}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
				_, _ = io.WriteString(w, `{"error":{"message":"nope"}}`)
			}))
			defer srv.Close()

			raw, err := newTestClient(t, srv.URL).Submit(context.Background(), testFrames(2))
			if raw != "" {
				t.Errorf("raw = %q, want empty", raw)
			}
			tt.check(t, err)
		})
	}
}

func TestSubmit_rateLimitAndQuotaMessagesDiffer(t *testing.T) {
	status := http.StatusTooManyRequests
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(status)
	}))
	defer srv.Close()

	c := newTestClient(t, srv.URL)
	_, rateErr := c.Submit(context.Background(), testFrames(1))
	status = http.StatusPaymentRequired
	_, quotaErr := c.Submit(context.Background(), testFrames(1))

	if models.UserMessage(rateErr) == models.UserMessage(quotaErr) {
		t.Errorf("messages should differ, both %q", models.UserMessage(rateErr))
	}
}

func TestSubmit_malformedBodyIsTransportError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.WriteString(w, "<html>gateway</html>")
	}))
	defer srv.Close()

	_, err := newTestClient(t, srv.URL).Submit(context.Background(), testFrames(1))
	var te *models.TransportError
	if !errors.As(err, &te) {
		t.Fatalf("expected TransportError, got %v", err)
	}
}

func TestSubmit_noChoicesYieldsEmptyContent(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.WriteString(w, `{"id":"x","choices":[]}`)
	}))
	defer srv.Close()

	raw, err := newTestClient(t, srv.URL).Submit(context.Background(), testFrames(1))
	if err != nil || raw != "" {
		t.Fatalf("Submit = %q, %v", raw, err)
	}
}

func TestSubmit_noFrames(t *testing.T) {
	c := newTestClient(t, "http://127.0.0.1:0")
	if _, err := c.Submit(context.Background(), nil); !errors.Is(err, models.ErrNoFrames) {
		t.Fatalf("expected ErrNoFrames, got %v", err)
	}
}

func TestSubmit_timeout(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-time.After(2 * time.Second):
		}
	}))
	defer srv.Close()

	c := newTestClient(t, srv.URL, func(cfg *Config) { cfg.SubmitTimeout = 50 * time.Millisecond })
	_, err := c.Submit(context.Background(), testFrames(1))

	var te *models.TransportError
	if !errors.As(err, &te) {
		t.Fatalf("expected TransportError, got %v", err)
	}
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("expected deadline exceeded cause, got %v", err)
	}
}

func TestSubmit_breakerOpensOnRepeatedFailures(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	c := newTestClient(t, srv.URL, func(cfg *Config) { cfg.BreakerFailures = 2 })
	for i := 0; i < 2; i++ {
		if _, err := c.Submit(context.Background(), testFrames(1)); err == nil {
			t.Fatal("expected failure")
		}
	}

	_, err := c.Submit(context.Background(), testFrames(1))
	var te *models.TransportError
	if !errors.As(err, &te) || !strings.Contains(err.Error(), "temporarily unavailable") {
		t.Fatalf("expected open breaker TransportError, got %v", err)
	}
	if hits.Load() != 2 {
		t.Errorf("server hit %d times, want 2", hits.Load())
	}
}

func TestSubmit_rateLimitDoesNotTripBreaker(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer srv.Close()

	c := newTestClient(t, srv.URL, func(cfg *Config) { cfg.BreakerFailures = 1 })
	for i := 0; i < 3; i++ {
		_, _ = c.Submit(context.Background(), testFrames(1))
	}
	if hits.Load() != 3 {
		t.Errorf("server hit %d times, want 3", hits.Load())
	}
}

func TestNewClient_configuration(t *testing.T) {
	if _, err := NewClient(Config{Provider: ProviderGateway}, discardLogger()); !errors.Is(err, models.ErrConfiguration) {
		t.Errorf("gateway without key: expected ErrConfiguration, got %v", err)
	}
	if _, err := NewClient(Config{}, discardLogger()); !errors.Is(err, models.ErrConfiguration) {
		t.Errorf("default provider without key: expected ErrConfiguration, got %v", err)
	}
	if _, err := NewClient(Config{Provider: "bogus", APIKey: "k"}, discardLogger()); err == nil {
		t.Error("expected error for unknown provider")
	}

	c, err := NewClient(Config{Provider: ProviderOllama}, discardLogger())
	if err != nil {
		t.Fatalf("ollama without key: %v", err)
	}
	if c.Model() != DefaultOllamaModel || c.cfg.BaseURL != DefaultOllamaURL {
		t.Errorf("ollama defaults = %q %q", c.Model(), c.cfg.BaseURL)
	}
}

func TestClient_omitsAuthorizationWithoutKey(t *testing.T) {
	var auth []string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		auth = r.Header.Values("Authorization")
		_, _ = io.WriteString(w, completion("authentic, 80%"))
	}))
	defer srv.Close()

	c := newTestClient(t, srv.URL+"/", func(cfg *Config) {
		cfg.Provider = ProviderOllama
		cfg.APIKey = ""
	})
	if _, err := c.Submit(context.Background(), testFrames(1)); err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if len(auth) != 0 {
		t.Errorf("unexpected Authorization header %v", auth)
	}
}

func TestPing(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/models" {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		_, _ = io.WriteString(w, `{"object":"list","data":[]}`)
	}))
	defer srv.Close()

	if err := newTestClient(t, srv.URL).Ping(context.Background()); err != nil {
		t.Errorf("Ping: %v", err)
	}
	if err := newTestClient(t, srv.URL+"/missing").Ping(context.Background()); err == nil {
		t.Error("expected Ping failure for bad base URL")
	}
}
