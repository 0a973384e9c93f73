// Package verdict turns the capability's free-form answer into a canonical
// models.Verdict. Parsing is two staged: a strict structured parse of the
// JSON the prompt asks for, then a heuristic scan of the text when that
// fails. Normalize never fails.
package verdict

import (
	"bytes"
	"encoding/json"
	"math"
	"regexp"
	"strconv"
	"strings"

	"github.com/bdougie/deepverify/internal/models"
)

// Path records which parser produced a verdict
type Path int

const (
	Structured Path = iota + 1
	Heuristic
)

func (p Path) String() string {
	switch p {
	case Structured:
		return "structured"
	case Heuristic:
		return "heuristic"
	default:
		return "unknown"
	}
}

const (
	FallbackSummary   = "Analysis completed with parsing limitations."
	DefaultConfidence = 50
)

// Result is a verdict tagged with the parser that produced it
type Result struct {
	Verdict models.Verdict
	Path    Path
}

var (
	fencedJSON    = regexp.MustCompile("(?s)```json\\s*(.*?)\\s*```")
	fencedAny     = regexp.MustCompile("(?s)```[A-Za-z0-9_-]*\\s*(.*?)\\s*```")
	confidencePct = regexp.MustCompile(`(\d{1,3})%`)
)

// Normalize never fails; it degrades to the heuristic parse
func Normalize(raw string) Result {
	for _, candidate := range candidates(raw) {
		if v, ok := parseStructured(candidate); ok {
			return Result{Verdict: v, Path: Structured}
		}
	}
	return Result{Verdict: parseHeuristic(raw), Path: Heuristic}
}

// candidates lists the spans worth a strict parse, most specific first
func candidates(raw string) []string {
	var out []string
	if m := fencedJSON.FindStringSubmatch(raw); m != nil {
		out = append(out, m[1])
	}
	if m := fencedAny.FindStringSubmatch(raw); m != nil {
		out = append(out, m[1])
	}
	if start, end := strings.Index(raw, "{"), strings.LastIndex(raw, "}"); start >= 0 && end > start {
		out = append(out, raw[start:end+1])
	}
	return append(out, raw)
}

type wireVerdict struct {
	IsAuthentic *bool           `json:"isAuthentic"`
	Confidence  json.RawMessage `json:"confidence"`
	Summary     json.RawMessage `json:"summary"`
	Analysis    json.RawMessage `json:"analysis"`
}

type wireMetric struct {
	Score  *float64 `json:"score"`
	Issues []string `json:"issues"`
}

func parseStructured(s string) (models.Verdict, bool) {
	var w wireVerdict
	if err := json.Unmarshal([]byte(strings.TrimSpace(s)), &w); err != nil {
		return models.Verdict{}, false
	}
	if w.IsAuthentic == nil {
		return models.Verdict{}, false
	}
	confidence, ok := parseNumber(w.Confidence)
	if !ok {
		return models.Verdict{}, false
	}

	v := models.Verdict{
		IsAuthentic: *w.IsAuthentic,
		Confidence:  clampPercent(confidence),
		Analysis:    parseBreakdown(w.Analysis),
	}

	var summary string
	if len(w.Summary) > 0 && json.Unmarshal(w.Summary, &summary) == nil {
		v.Summary = strings.TrimSpace(summary)
	}

	return v, true
}

// parseBreakdown keeps the known metrics, and only if every one of them is
// well formed. Unknown keys are ignored.
func parseBreakdown(raw json.RawMessage) models.Breakdown {
	if isNull(raw) {
		return nil
	}

	var metrics map[string]json.RawMessage
	if err := json.Unmarshal(raw, &metrics); err != nil || len(metrics) == 0 {
		return nil
	}

	out := make(models.Breakdown, len(models.MetricNames))
	for _, name := range models.MetricNames {
		rawMetric, ok := metrics[name]
		if !ok {
			continue
		}
		var m wireMetric
		if err := json.Unmarshal(rawMetric, &m); err != nil || m.Score == nil {
			return nil
		}
		issues := m.Issues
		if issues == nil {
			issues = []string{}
		}
		out[name] = models.MetricScore{Score: clampPercent(*m.Score), Issues: issues}
	}
	if len(out) == 0 {
		return nil
	}
	return out
}

func parseNumber(raw json.RawMessage) (float64, bool) {
	if isNull(raw) {
		return 0, false
	}
	var f float64
	if err := json.Unmarshal(raw, &f); err == nil {
		return f, !math.IsNaN(f)
	}
	// models sometimes quote numbers
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return 0, false
	}
	f, err := strconv.ParseFloat(strings.TrimSuffix(strings.TrimSpace(s), "%"), 64)
	if err != nil {
		return 0, false
	}
	return f, true
}

func isNull(raw json.RawMessage) bool {
	t := bytes.TrimSpace(raw)
	return len(t) == 0 || bytes.Equal(t, []byte("null"))
}

func parseHeuristic(raw string) models.Verdict {
	lower := strings.ToLower(raw)

	v := models.Verdict{
		IsAuthentic: strings.Contains(lower, "authentic") && !strings.Contains(lower, "not authentic"),
		Confidence:  DefaultConfidence,
		Summary:     FallbackSummary,
	}
	if m := confidencePct.FindStringSubmatch(raw); m != nil {
		if n, err := strconv.Atoi(m[1]); err == nil {
			v.Confidence = clampPercent(float64(n))
		}
	}
	return v
}

func clampPercent(f float64) int {
	switch {
	case math.IsInf(f, 1):
		return 100
	case math.IsInf(f, -1), math.IsNaN(f):
		return 0
	}
	n := int(math.Round(f))
	return max(0, min(100, n))
}
