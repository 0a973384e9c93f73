package extractor

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"image"
	"image/jpeg"
	"log/slog"
	"math"
	"time"

	"golang.org/x/image/draw"

	"github.com/bdougie/deepverify/internal/models"
)

const (
	DefaultFrameCount      = 8
	DefaultMaxWidth        = 640
	DefaultMaxHeight       = 480
	DefaultQuality         = 0.8
	DefaultMetadataTimeout = 30 * time.Second

	// share of the overall run progress owned by sampling
	DefaultProgressBudget = 30

	seekEpsilon = 100 * time.Millisecond
)

// ErrNoPicture is returned by a Decoder when a seek produced no image
var ErrNoPicture = errors.New("decoder produced no picture")

// Decoder exposes a single current-frame cursor over a video source.
// Capture seeks to the given position, waits for the seek to land and
// returns the decoded image at that point.
type Decoder interface {
	Probe(ctx context.Context, path string) (models.Metadata, error)
	Capture(ctx context.Context, path string, at time.Duration) (image.Image, error)
}

// Options tune the sampler
type Options struct {
	MaxWidth        int
	MaxHeight       int
	Quality         float64
	MetadataTimeout time.Duration
	ProgressBudget  int
}

func (o Options) withDefaults() Options {
	if o.MaxWidth <= 0 {
		o.MaxWidth = DefaultMaxWidth
	}
	if o.MaxHeight <= 0 {
		o.MaxHeight = DefaultMaxHeight
	}
	if o.Quality <= 0 || o.Quality > 1 {
		o.Quality = DefaultQuality
	}
	if o.MetadataTimeout <= 0 {
		o.MetadataTimeout = DefaultMetadataTimeout
	}
	if o.ProgressBudget <= 0 {
		o.ProgressBudget = DefaultProgressBudget
	}
	return o
}

// Sampler extracts a fixed number of evenly spaced frames from a video
type Sampler struct {
	decoder Decoder
	opts    Options
	logger  *slog.Logger
}

// NewSampler creates a sampler over the given decoder
func NewSampler(decoder Decoder, opts Options, logger *slog.Logger) *Sampler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Sampler{
		decoder: decoder,
		opts:    opts.withDefaults(),
		logger:  logger.With("component", "sampler"),
	}
}

// Sample captures count frames at the interior boundaries of count+1 equal
// intervals of the video. Either all count frames are returned or an error.
func (s *Sampler) Sample(ctx context.Context, video models.VideoSource, count int, progress models.ProgressFunc) (models.FrameSequence, error) {
	if count < 1 {
		return nil, fmt.Errorf("frame count must be at least 1, got %d", count)
	}

	meta, err := s.probe(ctx, video.Path)
	if err != nil {
		return nil, err
	}

	size := DisplaySize(meta.Width, meta.Height, s.opts.MaxWidth, s.opts.MaxHeight)
	s.logger.Debug("video metadata loaded",
		"video", video.Name,
		"duration", meta.Duration,
		"width", meta.Width,
		"height", meta.Height,
		"display_width", size.X,
		"display_height", size.Y,
	)

	frames := make(models.FrameSequence, 0, count)
	for i, at := range Timestamps(meta.Duration, count) {
		seek := SeekTarget(at, meta.Duration)

		img, err := s.decoder.Capture(ctx, video.Path, seek)
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			if errors.Is(err, ErrNoPicture) && len(frames) == 0 {
				return nil, models.ErrEmptyResult
			}
			return nil, &models.DecodeError{Reason: models.ReasonCapture, Err: fmt.Errorf("frame %d/%d at %s: %w", i+1, count, seek, err)}
		}

		data, err := s.encode(img, size)
		if err != nil {
			return nil, &models.DecodeError{Reason: models.ReasonCapture, Err: fmt.Errorf("encode frame %d/%d: %w", i+1, count, err)}
		}

		frames = append(frames, models.Frame{
			Index:     i,
			Timestamp: seek,
			MediaType: "image/jpeg",
			Data:      data,
		})

		if progress != nil {
			progress(models.Progress{
				Percent: int(math.Round(float64(len(frames)) / float64(count) * float64(s.opts.ProgressBudget))),
				Step:    StepExtracting,
			})
		}
	}

	if len(frames) == 0 {
		return nil, models.ErrEmptyResult
	}

	s.logger.Info("frames sampled", "video", video.Name, "count", len(frames))
	return frames, nil
}

// StepExtracting is the step label shown while frames are captured
const StepExtracting = "Extracting video frames..."

func (s *Sampler) probe(ctx context.Context, path string) (models.Metadata, error) {
	probeCtx, cancel := context.WithTimeout(ctx, s.opts.MetadataTimeout)
	defer cancel()

	meta, err := s.decoder.Probe(probeCtx, path)
	if err != nil {
		if ctx.Err() != nil {
			return models.Metadata{}, ctx.Err()
		}
		if errors.Is(probeCtx.Err(), context.DeadlineExceeded) {
			return models.Metadata{}, &models.DecodeError{Reason: models.ReasonTimeout, Err: err}
		}
		var decodeErr *models.DecodeError
		if errors.As(err, &decodeErr) {
			return models.Metadata{}, err
		}
		return models.Metadata{}, &models.DecodeError{Reason: models.ReasonUnreadable, Err: err}
	}

	if meta.Duration <= 0 {
		return models.Metadata{}, &models.DecodeError{Reason: models.ReasonZeroDuration}
	}
	return meta, nil
}

func (s *Sampler) encode(img image.Image, size image.Point) ([]byte, error) {
	if size.X <= 0 || size.Y <= 0 {
		b := img.Bounds()
		size = DisplaySize(b.Dx(), b.Dy(), s.opts.MaxWidth, s.opts.MaxHeight)
	}

	dst := image.NewRGBA(image.Rect(0, 0, size.X, size.Y))
	draw.ApproxBiLinear.Scale(dst, dst.Bounds(), img, img.Bounds(), draw.Src, nil)

	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, dst, &jpeg.Options{Quality: int(math.Round(s.opts.Quality * 100))}); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// Timestamps returns the count interior boundaries of count+1 equal
// intervals over duration, in increasing order.
func Timestamps(duration time.Duration, count int) []time.Duration {
	if count < 1 {
		return nil
	}
	out := make([]time.Duration, count)
	for i := 1; i <= count; i++ {
		out[i-1] = time.Duration(float64(duration) * float64(i) / float64(count+1))
	}
	return out
}

// SeekTarget keeps a seek short of end-of-stream
func SeekTarget(at, duration time.Duration) time.Duration {
	limit := duration - seekEpsilon
	if limit <= 0 {
		return at
	}
	return min(at, limit)
}

// DisplaySize caps each axis independently at the given maximum
func DisplaySize(width, height, maxWidth, maxHeight int) image.Point {
	return image.Pt(min(width, maxWidth), min(height, maxHeight))
}
