package audit

import (
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"
)

func newTestLogger(t *testing.T, now time.Time) *Logger {
	t.Helper()
	l := NewLogger(filepath.Join(t.TempDir(), "logs", "audit.jsonl"), nil)
	l.now = func() time.Time { return now }
	return l
}

func TestLogCall_WritesEntries(t *testing.T) {
	now := time.Date(2026, 4, 1, 10, 0, 0, 0, time.UTC)
	l := newTestLogger(t, now)

	id1 := l.LogCall("listing", "etsy_get_listing_count", 120*time.Millisecond, nil)
	id2 := l.LogCall("listing", "etsy_get_listing_count", 80*time.Millisecond, errors.New("boom"))

	if id1 == "" || id2 == "" || id1 == id2 {
		t.Fatalf("expected distinct request ids, got %q and %q", id1, id2)
	}

	data, err := os.ReadFile(l.Path())
	if err != nil {
		t.Fatalf("read audit file: %v", err)
	}
	lines := 0
	for _, b := range data {
		if b == '\n' {
			lines++
		}
	}
	if lines != 2 {
		t.Errorf("expected 2 lines, got %d", lines)
	}
}

func TestReport(t *testing.T) {
	now := time.Date(2026, 4, 1, 10, 0, 0, 0, time.UTC)
	l := newTestLogger(t, now)

	entries := []Entry{
		{Timestamp: now.Add(-2 * time.Hour), Server: "listing", Tool: "a", Status: StatusSuccess, DurationMS: 100},
		{Timestamp: now.Add(-1 * time.Hour), Server: "listing", Tool: "b", Status: StatusFailure, DurationMS: 201},
		{Timestamp: now.Add(-30 * time.Minute), Server: "fallback", Tool: "c", Status: StatusSuccess},
		{Timestamp: now.Add(-48 * time.Hour), Server: "listing", Tool: "old", Status: StatusSuccess, DurationMS: 9000},
	}
	for _, e := range entries {
		if err := l.Append(e); err != nil {
			t.Fatalf("append: %v", err)
		}
	}

	f, err := os.OpenFile(l.Path(), os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		t.Fatal(err)
	}
	f.WriteString("not json\n\n")
	f.Close()

	r, err := l.Report(now.Add(-24*time.Hour), now)
	if err != nil {
		t.Fatalf("report: %v", err)
	}

	if r.TotalCalls != 3 {
		t.Errorf("TotalCalls = %d, want 3", r.TotalCalls)
	}
	if r.Successes != 2 || r.Failures != 1 {
		t.Errorf("Successes/Failures = %d/%d, want 2/1", r.Successes, r.Failures)
	}
	if r.ByServer["listing"] != 2 || r.ByServer["fallback"] != 1 {
		t.Errorf("ByServer = %v", r.ByServer)
	}
	// (100 + 201) / 2, rounded; the untimed entry does not count.
	if r.AvgDurationMS != 151 {
		t.Errorf("AvgDurationMS = %d, want 151", r.AvgDurationMS)
	}
}

func TestReport_MissingFile(t *testing.T) {
	l := newTestLogger(t, time.Now())

	r, err := l.Report(time.Time{}, time.Now())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if r.TotalCalls != 0 || r.ByServer == nil {
		t.Errorf("expected empty report, got %+v", r)
	}
}

func TestLogCall_Concurrent(t *testing.T) {
	now := time.Now().UTC()
	l := newTestLogger(t, now)

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			l.LogCall("listing", "t", time.Millisecond, nil)
		}()
	}
	wg.Wait()

	r, err := l.Report(now.Add(-time.Minute), now.Add(time.Minute))
	if err != nil {
		t.Fatal(err)
	}
	if r.TotalCalls != 20 {
		t.Errorf("TotalCalls = %d, want 20", r.TotalCalls)
	}
}
