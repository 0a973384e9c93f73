package analyzer

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/bdougie/deepverify/internal/embeddings"
	"github.com/bdougie/deepverify/internal/extractor"
	"github.com/bdougie/deepverify/internal/metrics"
	"github.com/bdougie/deepverify/internal/models"
	"github.com/bdougie/deepverify/internal/storage"
	"github.com/bdougie/deepverify/internal/verdict"
)

// Step labels reported while a run progresses
const (
	StepPreparing  = "Preparing video..."
	StepExtracting = extractor.StepExtracting
	StepSubmitting = "Sending to AI for analysis..."
	StepProcessing = "Processing results..."
	StepComplete   = "Analysis complete!"
)

// Progress checkpoints at stage transitions
const (
	progressSampled   = 30
	progressSubmitted = 80
	progressDone      = 100
)

// State is the orchestration state machine position
type State int

const (
	Idle State = iota
	Sampling
	Submitting
	Normalizing
	Done
	Failed
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Sampling:
		return "sampling"
	case Submitting:
		return "submitting"
	case Normalizing:
		return "normalizing"
	case Done:
		return "done"
	case Failed:
		return "failed"
	default:
		return "unknown"
	}
}

// FrameSampler produces a fixed-size ordered frame sequence
type FrameSampler interface {
	Sample(ctx context.Context, video models.VideoSource, count int, progress models.ProgressFunc) (models.FrameSequence, error)
}

// Processor sequences sampling, submission and normalization for one video
type Processor struct {
	sampler      FrameSampler
	submitter    Submitter
	cache        storage.Cache
	fingerprints *embeddings.Service
	metrics      *metrics.Metrics
	frameCount   int
	logger       *slog.Logger

	mu    sync.Mutex
	state State
}

// ProcessorOption configures a Processor
type ProcessorOption func(*Processor)

// WithFrameCount sets how many frames are sampled per run
func WithFrameCount(n int) ProcessorOption {
	return func(p *Processor) {
		if n > 0 {
			p.frameCount = n
		}
	}
}

// WithCache consults cache before submitting; fingerprints enables near-duplicate matches
func WithCache(cache storage.Cache, fingerprints *embeddings.Service) ProcessorOption {
	return func(p *Processor) {
		p.cache = cache
		p.fingerprints = fingerprints
	}
}

// WithMetrics records run outcomes and stage timings
func WithMetrics(m *metrics.Metrics) ProcessorOption {
	return func(p *Processor) {
		p.metrics = m
	}
}

func NewProcessor(sampler FrameSampler, submitter Submitter, logger *slog.Logger, opts ...ProcessorOption) *Processor {
	if logger == nil {
		logger = slog.Default()
	}
	p := &Processor{
		sampler:    sampler,
		submitter:  submitter,
		frameCount: extractor.DefaultFrameCount,
		logger:     logger.With("component", "processor"),
		state:      Idle,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// State reports where the most recent run is
func (p *Processor) State() State {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state
}

func (p *Processor) setState(s State) {
	p.mu.Lock()
	p.state = s
	p.mu.Unlock()
}

// Run analyzes one video. On failure it returns a nil verdict and the error;
// models.UserMessage(err) gives the text to show the user.
func (p *Processor) Run(ctx context.Context, video models.VideoSource, observer models.ProgressFunc) (*models.Verdict, error) {
	log := p.logger.With("run_id", uuid.NewString(), "video", video.Name)
	progress := newProgressTracker(observer)

	progress.reset()
	p.setState(Sampling)
	progress.update(0, StepPreparing)
	log.Info("starting analysis", "frames", p.frameCount)

	progress.update(0, StepExtracting)
	start := time.Now()
	frames, err := p.sampler.Sample(ctx, video, p.frameCount, progress.observe)
	if err != nil {
		return p.fail(log, "sampling", err)
	}
	p.observeStage("sampling", start)

	p.setState(Submitting)
	progress.update(progressSampled, StepSubmitting)

	key, cached := p.lookup(ctx, log, frames)
	if cached != nil {
		log.Info("reusing cached verdict", "digest", key.Digest)
		p.setState(Normalizing)
		progress.update(progressSubmitted, StepProcessing)
		return p.finish(log, progress, *cached, "cache")
	}

	start = time.Now()
	raw, err := p.submitter.Submit(ctx, frames)
	if err != nil {
		p.observeCapabilityError(err)
		return p.fail(log, "submitting", err)
	}
	p.observeStage("submitting", start)

	p.setState(Normalizing)
	progress.update(progressSubmitted, StepProcessing)

	res := verdict.Normalize(raw)
	if res.Path == verdict.Heuristic {
		log.Warn("capability response was not structured, used heuristic parse", "response_length", len(raw))
	}
	if res.Path == verdict.Structured && key != nil {
		if err := p.cache.Store(ctx, *key, res.Verdict); err != nil {
			log.Warn("failed to cache verdict", "error", err)
		}
	}

	return p.finish(log, progress, res.Verdict, res.Path.String())
}

func (p *Processor) finish(log *slog.Logger, progress *progressTracker, v models.Verdict, path string) (*models.Verdict, error) {
	progress.update(progressDone, StepComplete)
	p.setState(Done)

	if p.metrics != nil {
		p.metrics.ObserveRun("done")
		p.metrics.ObserveVerdict(v.Label(), path)
	}
	log.Info("analysis complete", "verdict", v.Label(), "confidence", v.Confidence, "path", path)
	return &v, nil
}

func (p *Processor) fail(log *slog.Logger, stage string, err error) (*models.Verdict, error) {
	p.setState(Failed)
	if p.metrics != nil {
		p.metrics.ObserveRun("failed")
	}
	log.Error("analysis failed", "stage", stage, "error", err, "message", models.UserMessage(err))
	return nil, err
}

// lookup returns the cache key for the frames and any cached verdict.
// Cache problems are logged and treated as a miss.
func (p *Processor) lookup(ctx context.Context, log *slog.Logger, frames models.FrameSequence) (*storage.Key, *models.Verdict) {
	if p.cache == nil {
		return nil, nil
	}

	key := storage.Key{Digest: storage.Digest(frames)}
	if p.fingerprints != nil {
		fp, err := p.fingerprints.Fingerprint(ctx, frames)
		if err != nil {
			log.Warn("fingerprinting failed, exact matches only", "error", err)
		} else {
			key.Fingerprint = fp
		}
	}

	v, ok, err := p.cache.Lookup(ctx, key)
	switch {
	case err != nil:
		log.Warn("verdict cache lookup failed", "error", err)
		p.observeCacheLookup("error")
		return &key, nil
	case !ok:
		p.observeCacheLookup("miss")
		return &key, nil
	}
	p.observeCacheLookup("hit")
	return &key, v
}

func (p *Processor) observeStage(stage string, start time.Time) {
	if p.metrics != nil {
		p.metrics.ObserveStage(stage, time.Since(start))
	}
}

func (p *Processor) observeCacheLookup(result string) {
	if p.metrics != nil {
		p.metrics.ObserveCacheLookup(result)
	}
}

func (p *Processor) observeCapabilityError(err error) {
	if p.metrics == nil {
		return
	}
	kind := "transport"
	var unavailable *models.ServiceUnavailableError
	switch {
	case errors.As(err, &unavailable):
		kind = unavailable.Kind.String()
	case errors.Is(err, context.Canceled):
		kind = "canceled"
	}
	p.metrics.ObserveCapabilityError(kind)
}

// progressTracker forwards updates to the observer without letting the
// percentage move backwards within a run
type progressTracker struct {
	observer models.ProgressFunc
	current  models.Progress
}

func newProgressTracker(observer models.ProgressFunc) *progressTracker {
	return &progressTracker{observer: observer}
}

func (t *progressTracker) reset() {
	t.current = models.Progress{}
	t.emit()
}

func (t *progressTracker) update(percent int, step string) {
	t.observe(models.Progress{Percent: percent, Step: step})
}

func (t *progressTracker) observe(p models.Progress) {
	p.Percent = max(t.current.Percent, min(p.Percent, progressDone))
	if p.Step == "" {
		p.Step = t.current.Step
	}
	t.current = p
	t.emit()
}

func (t *progressTracker) emit() {
	if t.observer != nil {
		t.observer(t.current)
	}
}
