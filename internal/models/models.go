package models

import (
	"encoding/base64"
	"time"
)

// VideoSource is a video file on local disk awaiting analysis
type VideoSource struct {
	Path string
	Name string
}

// Metadata is what the decoder reports about a source before any frame is captured
type Metadata struct {
	Duration time.Duration
	Width    int
	Height   int
}

// Frame is a single still image captured from a video
type Frame struct {
	Index     int
	Timestamp time.Duration
	MediaType string
	Data      []byte
}

// DataURL renders the frame as an inline data URL
func (f Frame) DataURL() string {
	mediaType := f.MediaType
	if mediaType == "" {
		mediaType = "image/jpeg"
	}
	return "data:" + mediaType + ";base64," + base64.StdEncoding.EncodeToString(f.Data)
}

// FrameSequence holds frames in temporal order
type FrameSequence []Frame

// WorkItem represents a frame queued for fingerprinting
type WorkItem struct {
	Frame    Frame
	FrameNum int
	Total    int
}

// Metric names reported by the capability
const (
	MetricFacialConsistency = "facialConsistency"
	MetricTemporalCoherence = "temporalCoherence"
	MetricEyeAnalysis       = "eyeAnalysis"
	MetricMouthAnalysis     = "mouthAnalysis"
	MetricArtifactDetection = "artifactDetection"
)

// MetricNames lists the breakdown keys in report order
var MetricNames = []string{
	MetricFacialConsistency,
	MetricTemporalCoherence,
	MetricEyeAnalysis,
	MetricMouthAnalysis,
	MetricArtifactDetection,
}

// MetricScore is the capability's assessment along one dimension
type MetricScore struct {
	Score  int      `json:"score"`
	Issues []string `json:"issues"`
}

// Breakdown maps metric name to its score
type Breakdown map[string]MetricScore

// Verdict is the canonical analysis result for one video
type Verdict struct {
	IsAuthentic bool      `json:"isAuthentic"`
	Confidence  int       `json:"confidence"`
	Summary     string    `json:"summary,omitempty"`
	Analysis    Breakdown `json:"analysis"`
}

// Label returns "authentic" or "manipulated"
func (v Verdict) Label() string {
	if v.IsAuthentic {
		return "authentic"
	}
	return "manipulated"
}

// Progress is the observable state of one analysis run
type Progress struct {
	Percent int    `json:"progress"`
	Step    string `json:"currentStep"`
}

// ProgressFunc receives progress updates during a run
type ProgressFunc func(Progress)
