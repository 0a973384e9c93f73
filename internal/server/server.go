package server

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/go-chi/httprate"

	"github.com/bdougie/deepverify/internal/analyzer"
	"github.com/bdougie/deepverify/internal/logger"
	"github.com/bdougie/deepverify/internal/metrics"
	"github.com/bdougie/deepverify/internal/models"
)

const (
	shutdownTimeout   = 10 * time.Second
	readHeaderTimeout = 10 * time.Second
	rateLimitWindow   = time.Minute
)

// Runner analyzes a whole video file, as analyzer.Processor does
type Runner interface {
	Run(ctx context.Context, video models.VideoSource, observer models.ProgressFunc) (*models.Verdict, error)
}

// Pinger reports whether the capability is reachable
type Pinger interface {
	Ping(ctx context.Context) error
}

// Options tune the HTTP boundary
type Options struct {
	// RateLimit is requests per minute per client IP on analysis routes; 0 disables it
	RateLimit      int
	MaxUploadBytes int64
}

// Server exposes frame and file analysis over HTTP
type Server struct {
	submitter analyzer.Submitter
	runner    Runner
	pinger    Pinger
	metrics   *metrics.Metrics
	log       *slog.Logger
	opts      Options
}

// New returns a Server. runner and pinger may be nil, which disables
// /v1/verify and the capability check in /readyz.
func New(submitter analyzer.Submitter, runner Runner, pinger Pinger, m *metrics.Metrics, log *slog.Logger, opts Options) *Server {
	if m == nil {
		m = metrics.New()
	}
	if log == nil {
		log = slog.Default()
	}
	if opts.MaxUploadBytes <= 0 {
		opts.MaxUploadBytes = 200 << 20
	}
	return &Server{
		submitter: submitter,
		runner:    runner,
		pinger:    pinger,
		metrics:   m,
		log:       log.With("component", "server"),
		opts:      opts,
	}
}

// Routes builds the chi router with all middleware attached
func (s *Server) Routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(logger.RequestLogger(s.log))
	r.Use(metrics.RequestMiddleware(s.metrics))
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowedHeaders: []string{"authorization", "x-client-info", "apikey", "content-type"},
		MaxAge:         300,
	}))

	r.Get("/healthz", s.Healthz)
	r.Get("/readyz", s.Readyz)
	r.Handle("/metrics", s.metrics.Handler())

	r.Group(func(r chi.Router) {
		if s.opts.RateLimit > 0 {
			r.Use(httprate.LimitByIP(s.opts.RateLimit, rateLimitWindow))
		}
		r.Post("/functions/v1/analyze-video", s.AnalyzeFrames)
		r.Post("/v1/verify", s.Verify)
	})
	return r
}

// ListenAndServe serves until ctx is cancelled, then drains connections
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.Routes(),
		ReadHeaderTimeout: readHeaderTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		s.log.Info("server starting", "addr", addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err, ok := <-errCh:
		if ok {
			return err
		}
		return nil
	case <-ctx.Done():
	}

	s.log.Info("shutdown signal received, draining connections")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	s.log.Info("server stopped")
	return nil
}
