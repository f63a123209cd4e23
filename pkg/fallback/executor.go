package fallback

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"

	"github.com/Sternrassler/listing-resolver/pkg/logging"
)

var (
	executionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "listing_fallback_executions_total",
		Help: "Fallback chain executions by the level that answered",
	}, []string{"operation", "level"}) // level "exhausted" when no level answered

	levelFailuresTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "listing_fallback_level_failures_total",
		Help: "Failed fallback levels",
	}, []string{"operation", "level"})
)

// appendMu serializes NDJSON appends within the process.
var appendMu sync.Mutex

// Config configures an Executor.
type Config struct {
	Chains   map[string]Chain
	Settings Settings
	Caller   Caller
	Clock    func() time.Time
	Logger   *zerolog.Logger
}

// Executor runs fallback chains. It is safe for concurrent use.
type Executor struct {
	settings Settings
	log      *UsageLog
	logger   zerolog.Logger
	now      func() time.Time

	mu     sync.RWMutex
	chains map[string]Chain
	caller Caller
}

// NewExecutor creates an executor. A zero MinConfidence uses the default.
func NewExecutor(cfg Config) *Executor {
	settings := cfg.Settings
	if settings.MinConfidence <= 0 {
		settings.MinConfidence = DefaultMinConfidence
	}
	if settings.LogPath == "" {
		settings.LogPath = DefaultLogPath
	}

	now := cfg.Clock
	if now == nil {
		now = time.Now
	}

	e := &Executor{
		chains:   normalizeChains(cfg.Chains),
		settings: settings,
		logger:   logging.OrDefault(cfg.Logger, "fallback"),
		now:      now,
		caller:   cfg.Caller,
	}
	if settings.LogFallbacks {
		e.log = NewUsageLog(settings.LogPath, now)
	}
	return e
}

// SetCaller replaces the Caller used by remote steps.
func (e *Executor) SetCaller(c Caller) {
	e.mu.Lock()
	e.caller = c
	e.mu.Unlock()
}

// SetChains replaces every chain. Executions already running finish on the
// chain they started with. Settings are fixed at construction.
func (e *Executor) SetChains(chains map[string]Chain) {
	chains = normalizeChains(chains)
	e.mu.Lock()
	e.chains = chains
	e.mu.Unlock()
}

// Operation names are case-insensitive; chain files loaded through viper
// arrive lowercased.
func operationKey(operation string) string {
	return strings.ToLower(strings.TrimSpace(operation))
}

func normalizeChains(chains map[string]Chain) map[string]Chain {
	out := make(map[string]Chain, len(chains))
	for op, chain := range chains {
		out[operationKey(op)] = chain
	}
	return out
}

// Operations returns the configured operation names, sorted.
func (e *Executor) Operations() []string {
	e.mu.RLock()
	ops := make([]string, 0, len(e.chains))
	for op := range e.chains {
		ops = append(ops, op)
	}
	e.mu.RUnlock()
	sort.Strings(ops)
	return ops
}

// Settings returns the effective settings.
func (e *Executor) Settings() Settings {
	return e.settings
}

// Execute runs the chain for operation. The returned result of a non-primary
// level is tagged with its level and that level's penalty.
func (e *Executor) Execute(ctx context.Context, operation string, params map[string]any) (Result, error) {
	operation = operationKey(operation)
	e.mu.RLock()
	chain, ok := e.chains[operation]
	env := &stepEnv{caller: e.caller, now: e.now}
	e.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownOperation, operation)
	}

	levels := make([]Level, 0, len(Levels))
	for _, l := range Levels {
		if chain[l] != nil {
			levels = append(levels, l)
		}
	}

	var lastErr error
	for i, level := range levels {
		step := chain[level]

		res, err := e.runStep(ctx, env, step, params)
		if err == nil {
			if res == nil {
				res = Result{}
			}
			// only the answering level is charged
			var penalty float64
			if level != LevelPrimary {
				penalty = round4(step.Penalty())
			}
			e.finish(operation, level, penalty, params, res)
			return res, nil
		}

		lastErr = err
		levelFailuresTotal.WithLabelValues(operation, string(level)).Inc()
		e.logger.Warn().
			Err(err).
			Str("operation", operation).
			Str("fallback_level", string(level)).
			Str("step", step.Kind()).
			Msg("Fallback level failed")
		if e.log != nil {
			e.log.Warning(operation, level, err)
		}

		if ctx.Err() != nil {
			break
		}
		if e.settings.MaxRetries > 0 && e.settings.RetryDelay > 0 && i < len(levels)-1 {
			if err := sleep(ctx, e.settings.RetryDelay); err != nil {
				lastErr = err
				break
			}
		}
	}

	executionsTotal.WithLabelValues(operation, "exhausted").Inc()
	if lastErr == nil {
		lastErr = fmt.Errorf("chain has no levels")
	}
	return nil, &ExhaustedError{Operation: operation, Last: lastErr}
}

func (e *Executor) runStep(ctx context.Context, env *stepEnv, step Step, params map[string]any) (res Result, err error) {
	defer func() {
		if r := recover(); r != nil {
			res, err = nil, fmt.Errorf("%s step panicked: %v", step.Kind(), r)
		}
	}()
	return step.run(ctx, env, params)
}

// finish applies the penalty, tags the result, and records the outcome.
func (e *Executor) finish(operation string, level Level, penalty float64, params map[string]any, res Result) {
	executionsTotal.WithLabelValues(operation, string(level)).Inc()
	if level == LevelPrimary {
		return
	}

	if conf, ok := res.Confidence(); ok {
		adjusted := round4(conf - penalty)
		if adjusted < e.settings.MinConfidence {
			adjusted = e.settings.MinConfidence
		}
		res[KeyConfidence] = adjusted
	}
	res[KeyFallbackLevel] = string(level)
	res[KeyConfidencePenalty] = penalty

	e.logger.Info().
		Str("operation", operation).
		Str("fallback_level", string(level)).
		Float64("penalty", penalty).
		Msg("Fallback level answered")
	if e.log != nil {
		e.log.Fallback(operation, level, params, res)
	}
}

func sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
