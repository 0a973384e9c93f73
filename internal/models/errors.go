package models

import (
	"errors"
	"fmt"
)

var (
	// ErrEmptyResult means sampling finished without a single frame
	ErrEmptyResult = errors.New("could not extract frames from video")

	// ErrConfiguration means the capability credential is missing
	ErrConfiguration = errors.New("capability API key is not configured")

	// ErrNoFrames means a submission carried no frames at all
	ErrNoFrames = errors.New("no video frames provided")
)

// DecodeError reports a source that could not be loaded or decoded
type DecodeError struct {
	Reason string
	Err    error
}

func (e *DecodeError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("decode video: %s: %v", e.Reason, e.Err)
	}
	return "decode video: " + e.Reason
}

func (e *DecodeError) Unwrap() error { return e.Err }

// Timeout reports whether the metadata load ran out of time
func (e *DecodeError) Timeout() bool { return e.Reason == ReasonTimeout }

// Decode failure reasons
const (
	ReasonTimeout      = "timeout"
	ReasonZeroDuration = "zero duration"
	ReasonUnreadable   = "unreadable source"
	ReasonCapture      = "frame capture failed"
)

// UnavailableKind distinguishes the retryable service refusals
type UnavailableKind int

const (
	RateLimit UnavailableKind = iota + 1
	QuotaExhausted
)

func (k UnavailableKind) String() string {
	switch k {
	case RateLimit:
		return "rate_limit"
	case QuotaExhausted:
		return "quota_exhausted"
	default:
		return "unknown"
	}
}

// ServiceUnavailableError is returned when the capability refuses work for now
type ServiceUnavailableError struct {
	Kind UnavailableKind
}

func (e *ServiceUnavailableError) Error() string {
	switch e.Kind {
	case RateLimit:
		return "Rate limit exceeded. Please try again in a moment."
	case QuotaExhausted:
		return "AI service credits depleted. Please add credits to continue."
	default:
		return "AI service unavailable"
	}
}

// TransportError covers network failures and unexpected capability statuses
type TransportError struct {
	Status int
	Err    error
}

func (e *TransportError) Error() string {
	switch {
	case e.Status != 0 && e.Err != nil:
		return fmt.Sprintf("AI analysis failed (status %d): %v", e.Status, e.Err)
	case e.Status != 0:
		return fmt.Sprintf("AI analysis failed (status %d)", e.Status)
	case e.Err != nil:
		return "AI analysis failed: " + e.Err.Error()
	}
	return "AI analysis failed"
}

func (e *TransportError) Unwrap() error { return e.Err }

// UserMessage turns a run failure into the sentence shown to the user
func UserMessage(err error) string {
	if err == nil {
		return ""
	}

	var decodeErr *DecodeError
	var unavailable *ServiceUnavailableError
	var transport *TransportError

	switch {
	case errors.As(err, &decodeErr):
		if decodeErr.Timeout() {
			return "Video loading timed out"
		}
		return "Failed to load video"
	case errors.Is(err, ErrEmptyResult):
		return "Could not extract frames from video"
	case errors.Is(err, ErrNoFrames):
		return "No video frames provided"
	case errors.Is(err, ErrConfiguration):
		return "Analysis service is not configured"
	case errors.As(err, &unavailable):
		return unavailable.Error()
	case errors.As(err, &transport):
		return "AI analysis failed"
	}
	return "Analysis failed"
}
