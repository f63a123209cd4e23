package fallback

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"runtime"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testEnv(now time.Time) *stepEnv {
	return &stepEnv{now: func() time.Time { return now }}
}

func writeCacheFile(t *testing.T, params map[string]any, ts time.Time, data map[string]any) string {
	t.Helper()
	key, err := CanonicalKey(params)
	require.NoError(t, err)

	raw, err := json.Marshal(map[string]any{
		key: map[string]any{"timestamp": ts, "data": data},
	})
	require.NoError(t, err)

	path := filepath.Join(t.TempDir(), "cache.json")
	require.NoError(t, os.WriteFile(path, raw, 0o644))
	return path
}

func TestCanonicalKey_SortsKeys(t *testing.T) {
	a, err := CanonicalKey(map[string]any{"b": 1, "a": "x"})
	require.NoError(t, err)
	b, err := CanonicalKey(map[string]any{"a": "x", "b": 1})
	require.NoError(t, err)

	assert.Equal(t, a, b)
	assert.Equal(t, `{"a":"x","b":1}`, a)

	empty, err := CanonicalKey(nil)
	require.NoError(t, err)
	assert.Equal(t, "{}", empty)
}

func TestCacheLookup(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	params := map[string]any{"keyword": "mug"}

	t.Run("fresh hit", func(t *testing.T) {
		path := writeCacheFile(t, params, now.Add(-2*time.Hour), map[string]any{"count": 12.0})
		step := CacheLookup{Path: path, MaxAge: 24 * time.Hour}

		res, err := step.run(context.Background(), testEnv(now), params)
		require.NoError(t, err)
		assert.Equal(t, 12.0, res["count"])
		assert.Equal(t, true, res[KeyFromCache])
		assert.Equal(t, 2.0, res[KeyCacheAgeHours])
	})

	t.Run("expired", func(t *testing.T) {
		path := writeCacheFile(t, params, now.Add(-48*time.Hour), map[string]any{"count": 12.0})
		step := CacheLookup{Path: path, MaxAge: 24 * time.Hour}

		_, err := step.run(context.Background(), testEnv(now), params)
		assert.ErrorIs(t, err, ErrCacheExpired)
	})

	t.Run("default max age", func(t *testing.T) {
		step := CacheLookup{Path: writeCacheFile(t, params, now.Add(-30*24*time.Hour), map[string]any{"count": 5.0})}

		_, err := step.run(context.Background(), testEnv(now), params)
		assert.ErrorIs(t, err, ErrCacheExpired)

		step.Path = writeCacheFile(t, params, now.Add(-23*time.Hour), map[string]any{"count": 5.0})
		res, err := step.run(context.Background(), testEnv(now), params)
		require.NoError(t, err)
		assert.Equal(t, 5.0, res["count"])
	})

	t.Run("miss", func(t *testing.T) {
		path := writeCacheFile(t, params, now, map[string]any{"count": 12.0})
		step := CacheLookup{Path: path}

		_, err := step.run(context.Background(), testEnv(now), map[string]any{"keyword": "other"})
		assert.ErrorIs(t, err, ErrCacheMiss)
	})

	t.Run("missing file", func(t *testing.T) {
		step := CacheLookup{Path: filepath.Join(t.TempDir(), "absent.json")}

		_, err := step.run(context.Background(), testEnv(now), params)
		assert.ErrorIs(t, err, ErrCacheFileMissing)
	})

	t.Run("corrupt file", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "cache.json")
		require.NoError(t, os.WriteFile(path, []byte("{nope"), 0o644))

		_, err := CacheLookup{Path: path}.run(context.Background(), testEnv(now), params)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "decode cache file")
	})
}

func TestHeuristics(t *testing.T) {
	tests := []struct {
		name   string
		method string
		niche  any
		key    string
		want   any
	}{
		{"keywords default", "estimate_from_keywords", "ceramic mug", "estimate", 25000},
		{"keywords generic", "estimate_from_keywords", "Funny T-Shirt", "estimate", 150000},
		{"keywords unique wins", "estimate_from_keywords", "unique funny gift", "estimate", 10000},
		{"keywords missing niche", "estimate_from_keywords", nil, "estimate", 25000},
		{"season christmas", "estimate_from_seasonality", "christmas ornament", "score_12mo", 70},
		{"season halloween", "estimate_from_seasonality", "halloween mask", "score_12mo", 65},
		{"season spring", "estimate_from_seasonality", "spring wreath", "score_12mo", 55},
		{"season summer", "estimate_from_seasonality", "summer hat", "score_12mo", 60},
		{"season first match", "estimate_from_seasonality", "summer christmas", "score_12mo", 70},
		{"season none", "estimate_from_seasonality", "mug", "score_12mo", 50},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			params := map[string]any{}
			if tt.niche != nil {
				params["niche"] = tt.niche
			}
			res, err := Heuristic{Method: tt.method}.run(context.Background(), testEnv(time.Now()), params)
			require.NoError(t, err)
			assert.Equal(t, tt.want, res[tt.key])
		})
	}
}

func TestHeuristic_Unknown(t *testing.T) {
	_, err := Heuristic{Method: "astrology"}.run(context.Background(), testEnv(time.Now()), nil)
	assert.ErrorIs(t, err, ErrUnknownHeuristic)
}

func TestHeuristicMethods(t *testing.T) {
	assert.Equal(t, []string{"estimate_from_keywords", "estimate_from_seasonality"}, HeuristicMethods())
}

func TestRenderMessage(t *testing.T) {
	params := map[string]any{"keyword": "mug", "count": 3}
	assert.Equal(t, "Check mug (3) ", RenderMessage("Check {{keyword}} ({{count}}) {{missing}}", params))
	assert.Equal(t, "no placeholders", RenderMessage("no placeholders", nil))
}

func TestEscalate_AppendsPendingItem(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	queue := filepath.Join(t.TempDir(), "queue", "review.jsonl")
	step := Escalate{Queue: queue, Message: "Verify {{keyword}}"}

	res, err := step.run(context.Background(), testEnv(now), map[string]any{"keyword": "mug"})
	require.NoError(t, err)
	assert.Equal(t, true, res["escalated"])
	assert.Equal(t, EscalationStatusPending, res["status"])

	_, err = step.run(context.Background(), testEnv(now), map[string]any{"keyword": "cup"})
	require.NoError(t, err)

	lines := readLines(t, queue)
	require.Len(t, lines, 2)
	assert.Equal(t, "Verify mug", lines[0]["message"])
	assert.Equal(t, "Verify cup", lines[1]["message"])
	assert.Equal(t, "pending", lines[0]["status"])
	assert.Equal(t, res["id"], lines[0]["id"])
	assert.NotEqual(t, lines[0]["id"], lines[1]["id"])
}

func TestDefault(t *testing.T) {
	res, err := Default{Value: 25000, Warning: "estimated"}.run(context.Background(), nil, nil)
	require.NoError(t, err)
	assert.Equal(t, Result{"value": 25000, "warning": "estimated", KeyIsDefault: true}, res)
}

func writeScript(t *testing.T, body string) string {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("shell scripts not supported on windows")
	}
	path := filepath.Join(t.TempDir(), "script.sh")
	require.NoError(t, os.WriteFile(path, []byte("#!/bin/sh\n"+body), 0o755))
	return path
}

func TestLocalScript(t *testing.T) {
	t.Run("args in key order", func(t *testing.T) {
		script := writeScript(t, `printf '{"first":"%s","second":"%s"}' "$1" "$2"`)

		res, err := LocalScript{Script: script}.run(context.Background(), testEnv(time.Now()),
			map[string]any{"b": "two", "a": "one"})
		require.NoError(t, err)
		assert.Equal(t, "one", res["first"])
		assert.Equal(t, "two", res["second"])
	})

	t.Run("interpreter", func(t *testing.T) {
		script := writeScript(t, `echo '{"ok":true}'`)

		res, err := LocalScript{Script: script, Interpreter: "/bin/sh"}.run(context.Background(), testEnv(time.Now()), nil)
		require.NoError(t, err)
		assert.Equal(t, true, res["ok"])
	})

	t.Run("non-zero exit", func(t *testing.T) {
		script := writeScript(t, "echo broken >&2\nexit 3")

		_, err := LocalScript{Script: script}.run(context.Background(), testEnv(time.Now()), nil)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "broken")
	})

	t.Run("invalid output", func(t *testing.T) {
		script := writeScript(t, "echo not-json")

		_, err := LocalScript{Script: script}.run(context.Background(), testEnv(time.Now()), nil)
		require.Error(t, err)
	})

	t.Run("timeout", func(t *testing.T) {
		script := writeScript(t, "exec sleep 5")

		start := time.Now()
		_, err := LocalScript{Script: script, Timeout: 50 * time.Millisecond}.run(context.Background(), testEnv(time.Now()), nil)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "timed out")
		assert.Less(t, time.Since(start), 3*time.Second)
	})
}
