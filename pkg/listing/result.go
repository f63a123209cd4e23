// Package listing defines the result vocabulary shared by the cache,
// providers and orchestrator.
package listing

import "time"

// Confidence is the qualitative trust level attached to a listing count.
type Confidence string

const (
	ConfidenceVeryHigh Confidence = "very_high"
	ConfidenceHigh     Confidence = "high"
	ConfidenceMedium   Confidence = "medium"
	ConfidenceLow      Confidence = "low"
	ConfidenceNone     Confidence = "none"
)

// Valid reports whether c is one of the known confidence tiers.
func (c Confidence) Valid() bool {
	switch c {
	case ConfidenceVeryHigh, ConfidenceHigh, ConfidenceMedium, ConfidenceLow, ConfidenceNone:
		return true
	default:
		return false
	}
}

// Score maps c to a number in [0,1] so it can be penalized arithmetically.
func (c Confidence) Score() float64 {
	switch c {
	case ConfidenceVeryHigh:
		return 0.95
	case ConfidenceHigh:
		return 0.85
	case ConfidenceMedium:
		return 0.6
	case ConfidenceLow:
		return 0.4
	default:
		return 0
	}
}

// Sources that are not provider names.
const (
	SourceCache    = "cache"
	SourceFallback = "fallback"
	SourceError    = "error"
)

// UnresolvedCount is the sentinel count for a keyword nobody could resolve.
const UnresolvedCount int64 = -1

// Result is the payload handed back to the transport layer.
type Result struct {
	Keyword    string     `json:"keyword"`
	Count      int64      `json:"count"`
	Source     string     `json:"source"`
	Confidence Confidence `json:"confidence"`
	Cached     bool       `json:"cached"`
	Timestamp  time.Time  `json:"timestamp"`

	Error             string  `json:"error,omitempty"`
	FallbackLevel     string  `json:"fallbackLevel,omitempty"`
	ConfidencePenalty float64 `json:"confidencePenalty,omitempty"`

	// OriginalSource names the provider behind a cache hit.
	OriginalSource string `json:"originalSource,omitempty"`

	// Cost is the per-query price reported by paid providers.
	Cost float64 `json:"cost,omitempty"`
}

// Resolved reports whether the result carries a usable count.
func (r Result) Resolved() bool {
	return r.Error == "" && r.Count != UnresolvedCount
}

// Unresolved builds the sentinel result for keyword.
func Unresolved(keyword, source string, err error) Result {
	msg := "unresolved"
	if err != nil {
		msg = err.Error()
	}
	return Result{
		Keyword:    keyword,
		Count:      UnresolvedCount,
		Source:     source,
		Confidence: ConfidenceNone,
		Timestamp:  time.Now().UTC(),
		Error:      msg,
	}
}
