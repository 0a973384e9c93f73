package extractor

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"image"
	"image/png"
	"log/slog"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"time"

	"github.com/bdougie/deepverify/internal/models"
)

// FFmpegDecoder drives ffprobe and ffmpeg child processes
type FFmpegDecoder struct {
	ffmpegPath  string
	ffprobePath string
	logger      *slog.Logger
}

// NewFFmpegDecoder uses ffmpeg and ffprobe from PATH
func NewFFmpegDecoder(logger *slog.Logger) *FFmpegDecoder {
	if logger == nil {
		logger = slog.Default()
	}
	return &FFmpegDecoder{
		ffmpegPath:  "ffmpeg",
		ffprobePath: "ffprobe",
		logger:      logger.With("component", "ffmpeg"),
	}
}

// Probe reads duration and dimensions of the first video stream
func (d *FFmpegDecoder) Probe(ctx context.Context, path string) (models.Metadata, error) {
	// Check if video file exists
	if _, err := os.Stat(path); err != nil {
		return models.Metadata{}, &models.DecodeError{Reason: models.ReasonUnreadable, Err: err}
	}

	cmd := exec.CommandContext(ctx, d.ffprobePath,
		"-v", "error",
		"-select_streams", "v:0",
		"-show_entries", "stream=width,height:format=duration",
		"-of", "json",
		path,
	)

	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	output, err := cmd.Output()
	if err != nil {
		return models.Metadata{}, fmt.Errorf("ffprobe: %w: %s", err, strings.TrimSpace(stderr.String()))
	}

	return parseProbeOutput(output)
}

type probeOutput struct {
	Streams []struct {
		Width  int `json:"width"`
		Height int `json:"height"`
	} `json:"streams"`
	Format struct {
		Duration string `json:"duration"`
	} `json:"format"`
}

func parseProbeOutput(output []byte) (models.Metadata, error) {
	var probe probeOutput
	if err := json.Unmarshal(output, &probe); err != nil {
		return models.Metadata{}, fmt.Errorf("parse ffprobe output: %w", err)
	}
	if len(probe.Streams) == 0 {
		return models.Metadata{}, &models.DecodeError{Reason: models.ReasonUnreadable, Err: fmt.Errorf("no video stream")}
	}

	var meta models.Metadata
	meta.Width = probe.Streams[0].Width
	meta.Height = probe.Streams[0].Height

	// ffprobe reports N/A for streams without a known duration
	if s := strings.TrimSpace(probe.Format.Duration); s != "" && s != "N/A" {
		seconds, err := strconv.ParseFloat(s, 64)
		if err != nil {
			return models.Metadata{}, fmt.Errorf("parse duration %q: %w", s, err)
		}
		meta.Duration = time.Duration(seconds * float64(time.Second))
	}

	return meta, nil
}

// Capture decodes the single frame at the given position as PNG
func (d *FFmpegDecoder) Capture(ctx context.Context, path string, at time.Duration) (image.Image, error) {
	cmd := exec.CommandContext(ctx, d.ffmpegPath,
		"-v", "error",
		"-ss", formatSeconds(at),
		"-i", path,
		"-frames:v", "1",
		"-f", "image2pipe",
		"-vcodec", "png",
		"-",
	)

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		return nil, fmt.Errorf("ffmpeg failed: %w\nOutput: %s", err, strings.TrimSpace(stderr.String()))
	}
	if stdout.Len() == 0 {
		return nil, ErrNoPicture
	}

	size := stdout.Len()
	img, err := png.Decode(&stdout)
	if err != nil {
		return nil, fmt.Errorf("decode frame: %w", err)
	}

	d.logger.Debug("frame captured", "at", at, "bytes", size)
	return img, nil
}

func formatSeconds(d time.Duration) string {
	return strconv.FormatFloat(d.Seconds(), 'f', 3, 64)
}
