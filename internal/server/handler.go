package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"strings"

	"github.com/bdougie/deepverify/internal/models"
	"github.com/bdougie/deepverify/internal/verdict"
)

const multipartMemory = 32 << 20

// Client facing messages for request problems
const (
	msgNoVideo       = "No video provided"
	msgInvalidFrames = "Invalid frame data"
	msgInvalidBody   = "Invalid request body"
	msgVerifyOff     = "Video upload analysis is not enabled"
	msgNotVideo      = "Please upload a video file"
)

type analyzeRequest struct {
	Frames []string `json:"frames"`
}

type errorResponse struct {
	Error string `json:"error"`
}

// AnalyzeFrames handles POST /functions/v1/analyze-video.
// Body: { "frames": ["data:image/jpeg;base64,..."] }.
func (s *Server) AnalyzeFrames(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, s.opts.MaxUploadBytes)
	var req analyzeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeError(w, http.StatusRequestEntityTooLarge, s.tooLargeMessage())
			return
		}
		s.log.Debug("invalid analyze body", slog.String("error", err.Error()))
		writeError(w, http.StatusBadRequest, msgInvalidBody)
		return
	}
	if len(req.Frames) == 0 {
		writeError(w, http.StatusBadRequest, models.UserMessage(models.ErrNoFrames))
		return
	}

	frames := make(models.FrameSequence, 0, len(req.Frames))
	for i, u := range req.Frames {
		f, err := DecodeDataURL(u)
		if err != nil {
			s.log.Debug("invalid frame", slog.Int("index", i), slog.String("error", err.Error()))
			writeError(w, http.StatusBadRequest, msgInvalidFrames)
			return
		}
		f.Index = i
		frames = append(frames, f)
	}

	raw, err := s.submitter.Submit(r.Context(), frames)
	if err != nil {
		s.log.Error("frame analysis failed", slog.Int("frames", len(frames)), slog.String("error", err.Error()))
		s.writeFailure(w, err)
		return
	}

	res := verdict.Normalize(raw)
	if res.Path == verdict.Heuristic {
		s.log.Warn("capability response was not structured, used heuristic parse", slog.Int("response_length", len(raw)))
	}
	s.metrics.ObserveVerdict(res.Verdict.Label(), res.Path.String())
	writeJSON(w, http.StatusOK, res.Verdict)
}

// Verify handles POST /v1/verify with a multipart "video" file and runs
// the full sampling pipeline on it.
func (s *Server) Verify(w http.ResponseWriter, r *http.Request) {
	if s.runner == nil {
		writeError(w, http.StatusNotImplemented, msgVerifyOff)
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, s.opts.MaxUploadBytes)
	if err := r.ParseMultipartForm(multipartMemory); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeError(w, http.StatusRequestEntityTooLarge, s.tooLargeMessage())
			return
		}
		writeError(w, http.StatusBadRequest, msgNoVideo)
		return
	}
	defer r.MultipartForm.RemoveAll()

	file, header, err := r.FormFile("video")
	if err != nil {
		writeError(w, http.StatusBadRequest, msgNoVideo)
		return
	}
	defer file.Close()

	if ct := header.Header.Get("Content-Type"); !isVideoUpload(ct) {
		writeError(w, http.StatusUnsupportedMediaType, msgNotVideo)
		return
	}

	path, err := spool(file, filepath.Ext(header.Filename))
	if err != nil {
		s.log.Error("failed to spool upload", slog.String("error", err.Error()))
		writeError(w, http.StatusInternalServerError, models.UserMessage(err))
		return
	}
	defer os.Remove(path)

	v, err := s.runner.Run(r.Context(), models.VideoSource{Path: path, Name: header.Filename}, func(p models.Progress) {
		s.log.Debug("progress", slog.String("video", header.Filename), slog.Int("progress", p.Percent), slog.String("step", p.Step))
	})
	if err != nil {
		s.writeFailure(w, err)
		return
	}
	writeJSON(w, http.StatusOK, v)
}

// Healthz handles GET /healthz.
func (s *Server) Healthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// Readyz handles GET /readyz and checks the capability when possible.
func (s *Server) Readyz(w http.ResponseWriter, r *http.Request) {
	if s.pinger != nil {
		if err := s.pinger.Ping(r.Context()); err != nil {
			s.log.Warn("capability not ready", slog.String("error", err.Error()))
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable"})
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

func (s *Server) tooLargeMessage() string {
	return fmt.Sprintf("Request exceeds %d MB", s.opts.MaxUploadBytes>>20)
}

func (s *Server) writeFailure(w http.ResponseWriter, err error) {
	writeError(w, StatusFor(err), models.UserMessage(err))
}

// StatusFor maps a run failure to the HTTP status returned to clients
func StatusFor(err error) int {
	var unavailable *models.ServiceUnavailableError
	var decodeErr *models.DecodeError
	switch {
	case errors.As(err, &unavailable):
		if unavailable.Kind == models.QuotaExhausted {
			return http.StatusPaymentRequired
		}
		return http.StatusTooManyRequests
	case errors.Is(err, models.ErrNoFrames):
		return http.StatusBadRequest
	case errors.As(err, &decodeErr), errors.Is(err, models.ErrEmptyResult):
		return http.StatusUnprocessableEntity
	default:
		return http.StatusInternalServerError
	}
}

// Browsers label uploads video/*; generic clients send octet-stream
func isVideoUpload(contentType string) bool {
	return contentType == "" || contentType == "application/octet-stream" || strings.HasPrefix(contentType, "video/")
}

func spool(src io.Reader, ext string) (string, error) {
	f, err := os.CreateTemp("", "deepverify-*"+ext)
	if err != nil {
		return "", fmt.Errorf("failed to create temp file: %w", err)
	}
	if _, err := io.Copy(f, src); err != nil {
		f.Close()
		os.Remove(f.Name())
		return "", fmt.Errorf("failed to write upload: %w", err)
	}
	if err := f.Close(); err != nil {
		os.Remove(f.Name())
		return "", fmt.Errorf("failed to close upload: %w", err)
	}
	return f.Name(), nil
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, errorResponse{Error: msg})
}
