package fallback

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"os/exec"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Step is one level of a chain. The set of step kinds is closed.
type Step interface {
	// Kind names the step type as written in a chain file.
	Kind() string

	// Penalty is subtracted from confidence once this level is reached.
	Penalty() float64

	run(ctx context.Context, env *stepEnv, params map[string]any) (Result, error)
}

// Caller performs a remote tool call for RemoteCall steps.
type Caller interface {
	Call(ctx context.Context, server, tool string, params map[string]any) (map[string]any, error)
}

// stepEnv carries executor state into steps.
type stepEnv struct {
	caller Caller
	now    func() time.Time
}

// Step kinds.
const (
	KindRemote      = "remote"
	KindCache       = "cache"
	KindHeuristic   = "heuristic"
	KindLocalScript = "local_script"
	KindEscalate    = "escalate"
	KindDefault     = "default"
)

// Default step limits.
const (
	DefaultRemoteTimeout = 5 * time.Second
	DefaultScriptTimeout = 3 * time.Second
	DefaultCacheMaxAge   = 24 * time.Hour
)

// RemoteCall invokes a tool through the executor's Caller.
type RemoteCall struct {
	Server            string
	Tool              string
	Timeout           time.Duration
	ConfidencePenalty float64
}

func (s RemoteCall) Kind() string     { return KindRemote }
func (s RemoteCall) Penalty() float64 { return s.ConfidencePenalty }

func (s RemoteCall) run(ctx context.Context, env *stepEnv, params map[string]any) (Result, error) {
	if env.caller == nil {
		return nil, ErrNoCaller
	}

	timeout := s.Timeout
	if timeout <= 0 {
		timeout = DefaultRemoteTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	out, err := env.caller.Call(ctx, s.Server, s.Tool, params)
	if err != nil {
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return nil, fmt.Errorf("%s/%s timed out after %s: %w", s.Server, s.Tool, timeout, err)
		}
		return nil, fmt.Errorf("%s/%s: %w", s.Server, s.Tool, err)
	}
	return Result(out), nil
}

// CacheLookup reads a previously stored result for the same params from a
// JSON file shaped {"<canonical params>": {"timestamp": ..., "data": {...}}}.
type CacheLookup struct {
	Path              string
	MaxAge            time.Duration // zero means DefaultCacheMaxAge
	ConfidencePenalty float64
}

func (s CacheLookup) Kind() string     { return KindCache }
func (s CacheLookup) Penalty() float64 { return s.ConfidencePenalty }

type cachedResult struct {
	Timestamp time.Time      `json:"timestamp"`
	Data      map[string]any `json:"data"`
}

func (s CacheLookup) run(_ context.Context, env *stepEnv, params map[string]any) (Result, error) {
	raw, err := os.ReadFile(s.Path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("%w: %s", ErrCacheFileMissing, s.Path)
		}
		return nil, fmt.Errorf("read cache file: %w", err)
	}

	var entries map[string]cachedResult
	if err := json.Unmarshal(raw, &entries); err != nil {
		return nil, fmt.Errorf("decode cache file %s: %w", s.Path, err)
	}

	key, err := CanonicalKey(params)
	if err != nil {
		return nil, err
	}
	entry, ok := entries[key]
	if !ok {
		return nil, ErrCacheMiss
	}

	maxAge := s.MaxAge
	if maxAge <= 0 {
		maxAge = DefaultCacheMaxAge
	}
	age := env.now().Sub(entry.Timestamp)
	if age > maxAge {
		return nil, fmt.Errorf("%w: %.1fh old", ErrCacheExpired, age.Hours())
	}

	res := make(Result, len(entry.Data)+2)
	for k, v := range entry.Data {
		res[k] = v
	}
	res[KeyFromCache] = true
	res[KeyCacheAgeHours] = round4(age.Hours())
	return res, nil
}

// CanonicalKey serializes params with sorted keys, the lookup key for
// CacheLookup files.
func CanonicalKey(params map[string]any) (string, error) {
	if params == nil {
		params = map[string]any{}
	}
	b, err := json.Marshal(params)
	if err != nil {
		return "", fmt.Errorf("canonical params: %w", err)
	}
	return string(b), nil
}

// Heuristic runs a named in-process estimate.
type Heuristic struct {
	Method            string
	ConfidencePenalty float64
}

func (s Heuristic) Kind() string     { return KindHeuristic }
func (s Heuristic) Penalty() float64 { return s.ConfidencePenalty }

func (s Heuristic) run(_ context.Context, _ *stepEnv, params map[string]any) (Result, error) {
	fn, ok := heuristics[s.Method]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownHeuristic, s.Method)
	}
	return fn(params), nil
}

// LocalScript runs a script whose stdout is a JSON object. Param values are
// passed as arguments in sorted key order.
type LocalScript struct {
	Script string
	// Interpreter runs Script when set, e.g. "node" or "python3".
	Interpreter       string
	Timeout           time.Duration
	ConfidencePenalty float64
}

func (s LocalScript) Kind() string     { return KindLocalScript }
func (s LocalScript) Penalty() float64 { return s.ConfidencePenalty }

func (s LocalScript) run(ctx context.Context, _ *stepEnv, params map[string]any) (Result, error) {
	timeout := s.Timeout
	if timeout <= 0 {
		timeout = DefaultScriptTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	args := scriptArgs(params)
	var cmd *exec.Cmd
	if s.Interpreter != "" {
		cmd = exec.CommandContext(ctx, s.Interpreter, append([]string{s.Script}, args...)...)
	} else {
		cmd = exec.CommandContext(ctx, s.Script, args...)
	}

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return nil, fmt.Errorf("script %s timed out after %s", s.Script, timeout)
		}
		msg := strings.TrimSpace(stderr.String())
		if msg != "" {
			return nil, fmt.Errorf("script %s: %w: %s", s.Script, err, msg)
		}
		return nil, fmt.Errorf("script %s: %w", s.Script, err)
	}

	var res Result
	if err := json.Unmarshal(stdout.Bytes(), &res); err != nil {
		return nil, fmt.Errorf("script %s output: %w", s.Script, err)
	}
	if res == nil {
		return nil, fmt.Errorf("script %s produced no object", s.Script)
	}
	return res, nil
}

func scriptArgs(params map[string]any) []string {
	keys := make([]string, 0, len(params))
	for k := range params {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	args := make([]string, 0, len(keys))
	for _, k := range keys {
		args = append(args, fmt.Sprint(params[k]))
	}
	return args
}

// Escalate appends a pending human-review item to a queue file and returns it.
type Escalate struct {
	Queue string
	// Message may reference params as {{name}}.
	Message           string
	ConfidencePenalty float64
}

func (s Escalate) Kind() string     { return KindEscalate }
func (s Escalate) Penalty() float64 { return s.ConfidencePenalty }

// EscalationStatusPending marks a queued, unreviewed escalation.
const EscalationStatusPending = "pending"

func (s Escalate) run(_ context.Context, env *stepEnv, params map[string]any) (Result, error) {
	item := map[string]any{
		"id":        uuid.NewString(),
		"timestamp": env.now().UTC().Format(time.RFC3339Nano),
		"message":   RenderMessage(s.Message, params),
		"params":    params,
		"status":    EscalationStatusPending,
	}
	if err := appendJSONLine(s.Queue, item); err != nil {
		return nil, fmt.Errorf("escalate: %w", err)
	}
	return Result{
		"escalated": true,
		"id":        item["id"],
		"message":   item["message"],
		"status":    EscalationStatusPending,
	}, nil
}

var placeholder = regexp.MustCompile(`\{\{(\w+)\}\}`)

// RenderMessage replaces {{name}} with params[name]. Unknown names render empty.
func RenderMessage(tmpl string, params map[string]any) string {
	return placeholder.ReplaceAllStringFunc(tmpl, func(m string) string {
		name := placeholder.FindStringSubmatch(m)[1]
		v, ok := params[name]
		if !ok || v == nil {
			return ""
		}
		return fmt.Sprint(v)
	})
}

// Default returns a fixed value. It cannot fail.
type Default struct {
	Value             any
	Warning           string
	ConfidencePenalty float64
}

func (s Default) Kind() string     { return KindDefault }
func (s Default) Penalty() float64 { return s.ConfidencePenalty }

func (s Default) run(context.Context, *stepEnv, map[string]any) (Result, error) {
	return Result{
		"value":       s.Value,
		"warning":     s.Warning,
		KeyIsDefault: true,
	}, nil
}

// appendJSONLine writes v as one line to path, creating parent directories.
func appendJSONLine(path string, v any) error {
	line, err := json.Marshal(v)
	if err != nil {
		return err
	}
	line = append(line, '\n')

	appendMu.Lock()
	defer appendMu.Unlock()

	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	if _, err := f.Write(line); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}
