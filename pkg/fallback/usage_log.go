package fallback

import (
	"time"

	"github.com/rs/zerolog/log"
)

// UsageLog appends fallback events to an NDJSON file. Write failures are
// logged and otherwise ignored.
type UsageLog struct {
	path string
	now  func() time.Time
}

// NewUsageLog returns a log writing to path.
func NewUsageLog(path string, now func() time.Time) *UsageLog {
	if now == nil {
		now = time.Now
	}
	return &UsageLog{path: path, now: now}
}

// Path returns the log file path.
func (l *UsageLog) Path() string {
	return l.path
}

// FallbackRecord is written when a non-primary level answers.
type FallbackRecord struct {
	Timestamp     time.Time      `json:"timestamp"`
	Operation     string         `json:"operation"`
	Level         Level          `json:"level"`
	Params        map[string]any `json:"params"`
	ResultSummary ResultSummary  `json:"result_summary"`
}

// ResultSummary is the logged shape of a fallback result.
type ResultSummary struct {
	Confidence *float64 `json:"confidence"`
	Fallback   string   `json:"fallback"`
	FromCache  bool     `json:"from_cache"`
	IsEstimate bool     `json:"is_estimate"`
}

// WarningRecord is written when a level fails.
type WarningRecord struct {
	Timestamp time.Time `json:"timestamp"`
	Operation string    `json:"operation"`
	Level     Level     `json:"level"`
	Error     string    `json:"error"`
}

// Fallback records a non-primary answer.
func (l *UsageLog) Fallback(operation string, level Level, params map[string]any, res Result) {
	summary := ResultSummary{
		Fallback:   res.FallbackLevel(),
		FromCache:  res.flag(KeyFromCache),
		IsEstimate: res.flag(KeyIsEstimate),
	}
	if conf, ok := res.Confidence(); ok {
		summary.Confidence = &conf
	}

	l.write(FallbackRecord{
		Timestamp:     l.now().UTC(),
		Operation:     operation,
		Level:         level,
		Params:        params,
		ResultSummary: summary,
	})
}

// Warning records a failed level.
func (l *UsageLog) Warning(operation string, level Level, err error) {
	l.write(WarningRecord{
		Timestamp: l.now().UTC(),
		Operation: operation,
		Level:     level,
		Error:     err.Error(),
	})
}

func (l *UsageLog) write(v any) {
	if err := appendJSONLine(l.path, v); err != nil {
		log.Warn().Err(err).Str("path", l.path).Msg("Failed to write fallback log")
	}
}
