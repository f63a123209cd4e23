// Package audit keeps an append-only NDJSON record of tool calls and
// summarizes it over a time window.
package audit

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"math"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/Sternrassler/listing-resolver/pkg/logging"
)

// Call outcomes.
const (
	StatusSuccess = "success"
	StatusFailure = "failure"
)

// DefaultFile is where the audit log lives unless configured otherwise.
const DefaultFile = "data/logs/audit.jsonl"

// Entry is one audited call.
type Entry struct {
	Timestamp  time.Time `json:"timestamp"`
	RequestID  string    `json:"request_id"`
	Server     string    `json:"server"`
	Tool       string    `json:"tool"`
	Status     string    `json:"status"`
	DurationMS int64     `json:"duration_ms"`
	Error      string    `json:"error,omitempty"`
}

// Logger appends entries to a file. It is safe for concurrent use.
type Logger struct {
	path   string
	now    func() time.Time
	logger zerolog.Logger

	mu sync.Mutex
}

// NewLogger returns an audit logger writing to path.
func NewLogger(path string, logger *zerolog.Logger) *Logger {
	if path == "" {
		path = DefaultFile
	}
	return &Logger{
		path:   path,
		now:    time.Now,
		logger: logging.OrDefault(logger, "audit"),
	}
}

// Path returns the audit file path.
func (l *Logger) Path() string {
	return l.path
}

// LogCall records a call and returns the request id it was filed under.
// A nil callErr is a success. Write failures are logged, never returned.
func (l *Logger) LogCall(server, tool string, duration time.Duration, callErr error) string {
	e := Entry{
		Timestamp:  l.now().UTC(),
		RequestID:  uuid.NewString(),
		Server:     server,
		Tool:       tool,
		Status:     StatusSuccess,
		DurationMS: duration.Milliseconds(),
	}
	if callErr != nil {
		e.Status = StatusFailure
		e.Error = callErr.Error()
	}

	if err := l.Append(e); err != nil {
		l.logger.Warn().Err(err).Str("path", l.path).Msg("Failed to write audit entry")
	}
	return e.RequestID
}

// Append writes e as one line.
func (l *Logger) Append(e Entry) error {
	line, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("encode audit entry: %w", err)
	}
	line = append(line, '\n')

	l.mu.Lock()
	defer l.mu.Unlock()

	if err := os.MkdirAll(filepath.Dir(l.path), 0o755); err != nil {
		return fmt.Errorf("create audit dir: %w", err)
	}
	f, err := os.OpenFile(l.path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("open audit file: %w", err)
	}
	if _, err := f.Write(line); err != nil {
		f.Close()
		return fmt.Errorf("write audit entry: %w", err)
	}
	return f.Close()
}

// Report summarizes calls in a time window.
type Report struct {
	From          time.Time      `json:"from"`
	To            time.Time      `json:"to"`
	TotalCalls    int            `json:"total_calls"`
	Successes     int            `json:"successes"`
	Failures      int            `json:"failures"`
	ByServer      map[string]int `json:"by_server"`
	AvgDurationMS int64          `json:"avg_duration_ms"`
}

// Report summarizes entries with from <= timestamp <= to. Unparseable lines
// are skipped; a missing file is an empty report.
func (l *Logger) Report(from, to time.Time) (Report, error) {
	r := Report{From: from, To: to, ByServer: map[string]int{}}

	l.mu.Lock()
	defer l.mu.Unlock()

	f, err := os.Open(l.path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return r, nil
		}
		return r, fmt.Errorf("open audit file: %w", err)
	}
	defer f.Close()

	var (
		totalMS int64
		timed   int
		skipped int
	)
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for sc.Scan() {
		if len(sc.Bytes()) == 0 {
			continue
		}
		var e Entry
		if err := json.Unmarshal(sc.Bytes(), &e); err != nil {
			skipped++
			continue
		}
		if e.Timestamp.Before(from) || e.Timestamp.After(to) {
			continue
		}

		r.TotalCalls++
		switch e.Status {
		case StatusSuccess:
			r.Successes++
		case StatusFailure:
			r.Failures++
		}
		if e.Server != "" {
			r.ByServer[e.Server]++
		}
		if e.DurationMS > 0 {
			totalMS += e.DurationMS
			timed++
		}
	}
	if err := sc.Err(); err != nil {
		return r, fmt.Errorf("read audit file: %w", err)
	}

	if timed > 0 {
		r.AvgDurationMS = int64(math.Round(float64(totalMS) / float64(timed)))
	}
	if skipped > 0 {
		l.logger.Debug().Int("skipped", skipped).Msg("Skipped unparseable audit lines")
	}
	return r, nil
}
