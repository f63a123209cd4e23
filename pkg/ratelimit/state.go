// Package ratelimit paces outbound provider requests. Each provider gets a
// token bucket for its per-second quota, and quota headers reported by the
// upstream are tracked so a provider close to exhaustion is throttled or
// blocked before it starts rejecting requests.
package ratelimit

import (
	"time"
)

// Thresholds for quota decisions.
const (
	// QuotaThresholdCritical blocks requests when remaining quota falls below this value.
	QuotaThresholdCritical = 5

	// QuotaThresholdWarning counts requests as throttled below this value.
	QuotaThresholdWarning = 20

	// QuotaThresholdHealthy indicates normal operation.
	QuotaThresholdHealthy = 50
)

// DefaultStaleAfter bounds how long a quota report without a reset time is trusted.
const DefaultStaleAfter = time.Hour

// QuotaState is the last quota reported by a provider.
type QuotaState struct {
	Provider string `json:"provider"`

	// Remaining is the number of requests left in the current window.
	Remaining int `json:"remaining"`

	// Limit is the window size when the provider reports it, 0 otherwise.
	Limit int `json:"limit,omitempty"`

	// ResetAt is when the window resets. Zero when the provider does not say.
	ResetAt time.Time `json:"reset_at,omitempty"`

	LastUpdate time.Time `json:"last_update"`
	IsHealthy  bool      `json:"is_healthy"`
}

// IsStale returns true if the state is older than maxAge at now.
func (s *QuotaState) IsStale(now time.Time, maxAge time.Duration) bool {
	return now.Sub(s.LastUpdate) > maxAge
}

// NeedsCriticalBlock returns true if requests should be refused at now.
// A window that already reset, or a report that went stale, no longer blocks.
func (s *QuotaState) NeedsCriticalBlock(now time.Time) bool {
	if s.Remaining >= QuotaThresholdCritical {
		return false
	}
	if !s.ResetAt.IsZero() {
		return now.Before(s.ResetAt)
	}
	return !s.IsStale(now, DefaultStaleAfter)
}

// NeedsThrottling returns true in the warning band.
func (s *QuotaState) NeedsThrottling(now time.Time) bool {
	return s.Remaining < QuotaThresholdWarning && !s.NeedsCriticalBlock(now)
}

// TimeUntilReset returns the duration until the window resets.
// Returns 0 if the reset time is unknown or has already passed.
func (s *QuotaState) TimeUntilReset(now time.Time) time.Duration {
	if s.ResetAt.IsZero() {
		return 0
	}
	d := s.ResetAt.Sub(now)
	if d < 0 {
		return 0
	}
	return d
}

// UpdateHealth updates IsHealthy from Remaining.
func (s *QuotaState) UpdateHealth() {
	s.IsHealthy = s.Remaining >= QuotaThresholdHealthy
}
