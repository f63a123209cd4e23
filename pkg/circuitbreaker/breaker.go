// Package circuitbreaker gates calls to a single upstream provider.
//
// A breaker has three states:
//
//   - CLOSED: normal operation, requests pass through
//   - OPEN: provider failing, requests blocked until the reset timeout elapses
//   - HALF-OPEN: one probe allowed; success closes, failure re-opens
//
// Usage:
//
//	cb := circuitbreaker.New("serper", circuitbreaker.Config{
//		FailureThreshold: 5,
//		ResetTimeout:     3 * time.Minute,
//	})
//	if cb.Allow() {
//		if _, err := fetch(); err != nil {
//			cb.RecordFailure()
//		} else {
//			cb.RecordSuccess()
//		}
//	}
package circuitbreaker

import (
	"fmt"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

var (
	breakerState = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "listing_circuit_breaker_state",
		Help: "Circuit breaker state by provider (0=closed, 1=open, 2=half-open)",
	}, []string{"provider"})

	breakerTransitions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "listing_circuit_breaker_transitions_total",
		Help: "Circuit breaker state transitions by provider and target state",
	}, []string{"provider", "to"})
)

// State is the breaker state.
type State int

const (
	StateClosed   State = iota // Normal operation
	StateOpen                  // Blocking requests
	StateHalfOpen              // Testing with one request
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "CLOSED"
	case StateOpen:
		return "OPEN"
	case StateHalfOpen:
		return "HALF-OPEN"
	default:
		return "UNKNOWN"
	}
}

// MarshalText renders the state name in JSON payloads.
func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// UnmarshalText parses a state name written by MarshalText.
func (s *State) UnmarshalText(text []byte) error {
	switch string(text) {
	case "CLOSED":
		*s = StateClosed
	case "OPEN":
		*s = StateOpen
	case "HALF-OPEN":
		*s = StateHalfOpen
	default:
		return fmt.Errorf("unknown circuit breaker state %q", text)
	}
	return nil
}

// Config holds per-provider breaker tuning.
type Config struct {
	// FailureThreshold is the number of consecutive failures that opens the breaker.
	FailureThreshold int

	// ResetTimeout is how long the breaker stays open before allowing a probe.
	ResetTimeout time.Duration
}

// DefaultConfig mirrors the strict settings used for paid, reliable sources.
func DefaultConfig() Config {
	return Config{
		FailureThreshold: 3,
		ResetTimeout:     5 * time.Minute,
	}
}

// Snapshot is a point-in-time copy of the breaker bookkeeping.
type Snapshot struct {
	State               State         `json:"state"`
	ConsecutiveFailures int           `json:"consecutiveFailures"`
	LastFailureAt       *time.Time    `json:"lastFailureAt,omitempty"`
	FailureThreshold    int           `json:"failureThreshold"`
	ResetTimeout        time.Duration `json:"resetTimeout"`
}

// Breaker is a per-provider failure/recovery state machine.
type Breaker struct {
	mu          sync.Mutex
	name        string
	state       State
	failures    int
	lastFailure time.Time
	cfg         Config
	now         func() time.Time
	logger      zerolog.Logger
}

// New creates a closed breaker for the named provider. Non-positive config
// values fall back to DefaultConfig.
func New(name string, cfg Config) *Breaker {
	def := DefaultConfig()
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = def.FailureThreshold
	}
	if cfg.ResetTimeout <= 0 {
		cfg.ResetTimeout = def.ResetTimeout
	}

	breakerState.WithLabelValues(name).Set(float64(StateClosed))

	return &Breaker{
		name:   name,
		state:  StateClosed,
		cfg:    cfg,
		now:    time.Now,
		logger: log.With().Str("component", "circuitbreaker").Str("provider", name).Logger(),
	}
}

// SetClock replaces the time source (for testing).
func (b *Breaker) SetClock(now func() time.Time) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.now = now
}

// Name returns the provider the breaker guards.
func (b *Breaker) Name() string {
	return b.name
}

// Allow reports whether a request may be sent. An open breaker whose reset
// timeout has elapsed moves to half-open and admits the probe.
func (b *Breaker) Allow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case StateClosed:
		return true
	case StateOpen:
		if b.now().Sub(b.lastFailure) >= b.cfg.ResetTimeout {
			b.transition(StateHalfOpen)
			return true
		}
		return false
	case StateHalfOpen:
		return true
	default:
		return true
	}
}

// RecordSuccess closes the breaker and clears the failure run.
func (b *Breaker) RecordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.failures = 0
	if b.state != StateClosed {
		b.transition(StateClosed)
	}
}

// RecordFailure counts a failure. A failed half-open probe re-opens the
// breaker and restarts the reset timer.
func (b *Breaker) RecordFailure() {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := b.now()

	if b.state == StateHalfOpen {
		b.lastFailure = now
		if b.failures < b.cfg.FailureThreshold {
			b.failures = b.cfg.FailureThreshold
		}
		b.transition(StateOpen)
		return
	}

	b.failures++
	if b.failures >= b.cfg.FailureThreshold {
		b.lastFailure = now
		if b.state != StateOpen {
			b.transition(StateOpen)
		}
	}
}

// State returns the current state without side effects.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Snapshot returns a copy of the breaker bookkeeping.
func (b *Breaker) Snapshot() Snapshot {
	b.mu.Lock()
	defer b.mu.Unlock()

	snap := Snapshot{
		State:               b.state,
		ConsecutiveFailures: b.failures,
		FailureThreshold:    b.cfg.FailureThreshold,
		ResetTimeout:        b.cfg.ResetTimeout,
	}
	if !b.lastFailure.IsZero() {
		t := b.lastFailure
		snap.LastFailureAt = &t
	}
	return snap
}

// transition must be called with mu held.
func (b *Breaker) transition(to State) {
	from := b.state
	b.state = to

	breakerState.WithLabelValues(b.name).Set(float64(to))
	breakerTransitions.WithLabelValues(b.name, to.String()).Inc()

	b.logger.Info().
		Str("from", from.String()).
		Str("to", to.String()).
		Int("consecutive_failures", b.failures).
		Msg("Circuit breaker state changed")
}
