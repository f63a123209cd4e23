// Package fallback executes declarative fallback chains.
//
// A chain maps levels (primary, secondary, tertiary, quaternary, final) to
// steps. The executor tries levels in that order and returns the first
// success. Every non-primary level reached adds its confidence penalty to a
// running total, which is subtracted from the result's numeric confidence.
package fallback

import (
	"errors"
	"fmt"
	"math"
	"time"
)

// Level is a position in a fallback chain.
type Level string

const (
	LevelPrimary    Level = "primary"
	LevelSecondary  Level = "secondary"
	LevelTertiary   Level = "tertiary"
	LevelQuaternary Level = "quaternary"
	LevelFinal      Level = "final"
)

// Levels lists every level in execution order.
var Levels = []Level{LevelPrimary, LevelSecondary, LevelTertiary, LevelQuaternary, LevelFinal}

// ParseLevel validates a level name.
func ParseLevel(s string) (Level, error) {
	for _, l := range Levels {
		if string(l) == s {
			return l, nil
		}
	}
	return "", fmt.Errorf("unknown fallback level %q", s)
}

// Chain is a named operation's steps keyed by level. Missing levels are skipped.
type Chain map[Level]Step

// Settings apply to every chain.
type Settings struct {
	// LogFallbacks enables the NDJSON fallback-usage log.
	LogFallbacks bool

	// MaxRetries > 0 enables waiting RetryDelay between failed levels.
	MaxRetries int
	RetryDelay time.Duration

	// MinConfidence floors a penalized confidence.
	MinConfidence float64

	// LogPath is the fallback-usage log file.
	LogPath string
}

// Defaults for Settings.
const (
	DefaultMinConfidence = 0.1
	DefaultRetryDelay    = time.Second
	DefaultLogPath       = "data/logs/fallbacks.jsonl"
)

// DefaultSettings returns the settings used when a chain file has none.
func DefaultSettings() Settings {
	return Settings{
		LogFallbacks:  true,
		RetryDelay:    DefaultRetryDelay,
		MinConfidence: DefaultMinConfidence,
		LogPath:       DefaultLogPath,
	}
}

// Errors returned by the executor and its steps.
var (
	ErrUnknownOperation = errors.New("unknown fallback operation")
	ErrCacheFileMissing = errors.New("cache file missing")
	ErrCacheMiss        = errors.New("cache miss")
	ErrCacheExpired     = errors.New("cache expired")
	ErrNoCaller         = errors.New("no remote caller configured")
	ErrUnknownHeuristic = errors.New("unknown heuristic method")
)

// ExhaustedError is returned when every level of a chain failed.
type ExhaustedError struct {
	Operation string
	Last      error
}

func (e *ExhaustedError) Error() string {
	return fmt.Sprintf("all fallbacks failed for %s: %v", e.Operation, e.Last)
}

// Unwrap returns the last level's error.
func (e *ExhaustedError) Unwrap() error {
	return e.Last
}

// Result is a step's output. Keys prefixed with an underscore carry
// provenance flags.
type Result map[string]any

// Well-known result keys.
const (
	KeyConfidence        = "confidence"
	KeyFallbackLevel     = "fallbackLevel"
	KeyConfidencePenalty = "confidencePenalty"
	KeyFromCache         = "_from_cache"
	KeyCacheAgeHours     = "_cache_age_hours"
	KeyIsEstimate        = "_is_estimate"
	KeyIsDefault         = "_is_default"
)

// Confidence returns the numeric confidence, if the result has one.
func (r Result) Confidence() (float64, bool) {
	return toFloat(r[KeyConfidence])
}

// FallbackLevel returns the level that produced r, empty for primary.
func (r Result) FallbackLevel() string {
	s, _ := r[KeyFallbackLevel].(string)
	return s
}

func (r Result) flag(key string) bool {
	b, _ := r[key].(bool)
	return b
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case interface{ Float64() (float64, error) }:
		f, err := n.Float64()
		return f, err == nil
	default:
		return 0, false
	}
}

// round4 keeps penalty arithmetic free of float noise such as 0.7000000000000001.
func round4(f float64) float64 {
	return math.Round(f*1e4) / 1e4
}
