package server

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"testing"

	"github.com/bdougie/deepverify/internal/models"
)

type fakeSubmitter struct {
	raw    string
	err    error
	frames models.FrameSequence
}

func (f *fakeSubmitter) Submit(ctx context.Context, frames models.FrameSequence) (string, error) {
	f.frames = frames
	return f.raw, f.err
}

type fakeRunner struct {
	verdict *models.Verdict
	err     error
	path    string
	content []byte
}

func (f *fakeRunner) Run(ctx context.Context, video models.VideoSource, observer models.ProgressFunc) (*models.Verdict, error) {
	f.path = video.Path
	f.content, _ = os.ReadFile(video.Path)
	observer(models.Progress{Percent: 100, Step: "Analysis complete!"})
	return f.verdict, f.err
}

type fakePinger struct{ err error }

func (f fakePinger) Ping(ctx context.Context) error { return f.err }

func quietLogger() *slog.Logger {
	return slog.New(slog.NewJSONHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

func dataURL(b []byte) string {
	return "data:image/jpeg;base64," + base64.StdEncoding.EncodeToString(b)
}

func framesBody(t *testing.T, frames ...string) io.Reader {
	t.Helper()
	b, err := json.Marshal(map[string]any{"frames": frames})
	if err != nil {
		t.Fatal(err)
	}
	return bytes.NewReader(b)
}

func decodeError(t *testing.T, rec *httptest.ResponseRecorder) string {
	t.Helper()
	var body errorResponse
	if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
		t.Fatalf("decode error body: %v", err)
	}
	return body.Error
}

func TestAnalyzeFrames(t *testing.T) {
	sub := &fakeSubmitter{raw: `{"isAuthentic": true, "confidence": 93, "summary": "consistent"}`}
	h := New(sub, nil, nil, nil, quietLogger(), Options{}).Routes()

	req := httptest.NewRequest(http.MethodPost, "/functions/v1/analyze-video", framesBody(t, dataURL([]byte("a")), dataURL([]byte("b"))))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Origin", "https://example.com")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	if got := rec.Header().Get("Access-Control-Allow-Origin"); got != "*" {
		t.Errorf("Access-Control-Allow-Origin = %q", got)
	}

	var v models.Verdict
	if err := json.NewDecoder(rec.Body).Decode(&v); err != nil {
		t.Fatal(err)
	}
	if !v.IsAuthentic || v.Confidence != 93 || v.Summary != "consistent" {
		t.Errorf("verdict = %+v", v)
	}
	if len(sub.frames) != 2 || string(sub.frames[1].Data) != "b" || sub.frames[1].Index != 1 {
		t.Errorf("submitted frames = %+v", sub.frames)
	}
}

func TestAnalyzeFrames_badRequests(t *testing.T) {
	tests := []struct {
		name string
		body string
		want string
	}{
		{"no frames", `{"frames": []}`, "No video frames provided"},
		{"missing frames", `{}`, "No video frames provided"},
		{"not json", `frames`, msgInvalidBody},
		{"not a data url", `{"frames": ["https://example.com/a.jpg"]}`, msgInvalidFrames},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sub := &fakeSubmitter{}
			h := New(sub, nil, nil, nil, quietLogger(), Options{}).Routes()

			req := httptest.NewRequest(http.MethodPost, "/functions/v1/analyze-video", strings.NewReader(tt.body))
			rec := httptest.NewRecorder()
			h.ServeHTTP(rec, req)

			if rec.Code != http.StatusBadRequest {
				t.Fatalf("expected 400, got %d", rec.Code)
			}
			if got := decodeError(t, rec); got != tt.want {
				t.Errorf("error = %q, want %q", got, tt.want)
			}
			if sub.frames != nil {
				t.Error("submitter should not be called")
			}
		})
	}
}

func TestAnalyzeFrames_bodyTooLarge(t *testing.T) {
	sub := &fakeSubmitter{}
	h := New(sub, nil, nil, nil, quietLogger(), Options{MaxUploadBytes: 1 << 10}).Routes()

	req := httptest.NewRequest(http.MethodPost, "/functions/v1/analyze-video", framesBody(t, dataURL(bytes.Repeat([]byte("x"), 4<<10))))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	if rec.Code != http.StatusRequestEntityTooLarge {
		t.Fatalf("expected 413, got %d", rec.Code)
	}
	if sub.frames != nil {
		t.Error("submitter should not be called")
	}
}

func TestAnalyzeFrames_capabilityFailures(t *testing.T) {
	tests := []struct {
		name   string
		err    error
		status int
		want   string
	}{
		{"rate limit", &models.ServiceUnavailableError{Kind: models.RateLimit}, http.StatusTooManyRequests, "Rate limit exceeded. Please try again in a moment."},
		{"quota", &models.ServiceUnavailableError{Kind: models.QuotaExhausted}, http.StatusPaymentRequired, "AI service credits depleted. Please add credits to continue."},
		{"transport", &models.TransportError{Status: 503}, http.StatusInternalServerError, "AI analysis failed"},
		{"config", models.ErrConfiguration, http.StatusInternalServerError, "Analysis service is not configured"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := New(&fakeSubmitter{err: tt.err}, nil, nil, nil, quietLogger(), Options{}).Routes()

			req := httptest.NewRequest(http.MethodPost, "/functions/v1/analyze-video", framesBody(t, dataURL([]byte("a"))))
			rec := httptest.NewRecorder()
			h.ServeHTTP(rec, req)

			if rec.Code != tt.status {
				t.Fatalf("expected %d, got %d", tt.status, rec.Code)
			}
			if got := decodeError(t, rec); got != tt.want {
				t.Errorf("error = %q, want %q", got, tt.want)
			}
		})
	}
}

func multipartVideo(t *testing.T, field, name string, content []byte) (io.Reader, string) {
	t.Helper()
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	fw, err := mw.CreateFormFile(field, name)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := fw.Write(content); err != nil {
		t.Fatal(err)
	}
	if err := mw.Close(); err != nil {
		t.Fatal(err)
	}
	return &buf, mw.FormDataContentType()
}

func TestVerify(t *testing.T) {
	runner := &fakeRunner{verdict: &models.Verdict{IsAuthentic: false, Confidence: 77}}
	h := New(&fakeSubmitter{}, runner, nil, nil, quietLogger(), Options{}).Routes()

	body, contentType := multipartVideo(t, "video", "clip.mp4", []byte("not really a video"))
	req := httptest.NewRequest(http.MethodPost, "/v1/verify", body)
	req.Header.Set("Content-Type", contentType)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	var v models.Verdict
	if err := json.NewDecoder(rec.Body).Decode(&v); err != nil {
		t.Fatal(err)
	}
	if v.IsAuthentic || v.Confidence != 77 {
		t.Errorf("verdict = %+v", v)
	}
	if string(runner.content) != "not really a video" {
		t.Errorf("runner saw %q", runner.content)
	}
	if !strings.HasSuffix(runner.path, ".mp4") {
		t.Errorf("spooled path %q lost the extension", runner.path)
	}
	if _, err := os.Stat(runner.path); !errors.Is(err, os.ErrNotExist) {
		t.Errorf("spooled file not removed: %v", err)
	}
}

func TestVerify_failures(t *testing.T) {
	t.Run("decode error", func(t *testing.T) {
		runner := &fakeRunner{err: &models.DecodeError{Reason: models.ReasonTimeout}}
		h := New(&fakeSubmitter{}, runner, nil, nil, quietLogger(), Options{}).Routes()

		body, contentType := multipartVideo(t, "video", "clip.mp4", []byte("x"))
		req := httptest.NewRequest(http.MethodPost, "/v1/verify", body)
		req.Header.Set("Content-Type", contentType)
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)

		if rec.Code != http.StatusUnprocessableEntity {
			t.Fatalf("expected 422, got %d", rec.Code)
		}
		if got := decodeError(t, rec); got != "Video loading timed out" {
			t.Errorf("error = %q", got)
		}
	})

	t.Run("missing file", func(t *testing.T) {
		h := New(&fakeSubmitter{}, &fakeRunner{}, nil, nil, quietLogger(), Options{}).Routes()

		body, contentType := multipartVideo(t, "other", "clip.mp4", []byte("x"))
		req := httptest.NewRequest(http.MethodPost, "/v1/verify", body)
		req.Header.Set("Content-Type", contentType)
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)

		if rec.Code != http.StatusBadRequest || decodeError(t, rec) != msgNoVideo {
			t.Fatalf("expected 400 %q, got %d", msgNoVideo, rec.Code)
		}
	})

	t.Run("disabled", func(t *testing.T) {
		h := New(&fakeSubmitter{}, nil, nil, nil, quietLogger(), Options{}).Routes()

		req := httptest.NewRequest(http.MethodPost, "/v1/verify", strings.NewReader(""))
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)

		if rec.Code != http.StatusNotImplemented {
			t.Fatalf("expected 501, got %d", rec.Code)
		}
	})
}

func TestHealthAndReadiness(t *testing.T) {
	h := New(&fakeSubmitter{}, nil, fakePinger{err: errors.New("down")}, nil, quietLogger(), Options{}).Routes()

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	if rec.Code != http.StatusOK {
		t.Errorf("healthz = %d", rec.Code)
	}

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	if rec.Code != http.StatusServiceUnavailable {
		t.Errorf("readyz = %d, want 503", rec.Code)
	}

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), "deepverify_http_requests_total") {
		t.Errorf("metrics = %d %q", rec.Code, rec.Body.String())
	}
}

func TestRateLimit(t *testing.T) {
	h := New(&fakeSubmitter{raw: "authentic"}, nil, nil, nil, quietLogger(), Options{RateLimit: 1}).Routes()

	codes := make([]int, 2)
	for i := range codes {
		req := httptest.NewRequest(http.MethodPost, "/functions/v1/analyze-video", framesBody(t, dataURL([]byte("a"))))
		req.RemoteAddr = "192.0.2.1:1234"
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		codes[i] = rec.Code
	}
	if codes[0] != http.StatusOK || codes[1] != http.StatusTooManyRequests {
		t.Errorf("codes = %v, want [200 429]", codes)
	}
}

func TestDecodeDataURL(t *testing.T) {
	f, err := DecodeDataURL("data:image/png;base64," + base64.StdEncoding.EncodeToString([]byte{1, 2, 3}))
	if err != nil {
		t.Fatalf("DecodeDataURL: %v", err)
	}
	if f.MediaType != "image/png" || !bytes.Equal(f.Data, []byte{1, 2, 3}) {
		t.Errorf("frame = %+v", f)
	}

	for _, bad := range []string{
		"",
		"image/png;base64,AQID",
		"data:image/png,AQID",
		"data:image/png;base64",
		"data:text/plain;base64,AQID",
		"data:image/png;base64,!!!",
		"data:image/png;base64,",
	} {
		if _, err := DecodeDataURL(bad); err == nil {
			t.Errorf("DecodeDataURL(%q) should fail", bad)
		}
	}
}

func TestIsVideoUpload(t *testing.T) {
	for ct, want := range map[string]bool{
		"":                         true,
		"video/mp4":                true,
		"application/octet-stream": true,
		"image/png":                false,
		"text/plain":               false,
	} {
		if got := isVideoUpload(ct); got != want {
			t.Errorf("isVideoUpload(%q) = %v", ct, got)
		}
	}
}
