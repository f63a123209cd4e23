package cache

import (
	"time"
)

const (
	// DefaultTTL applies to sources without a dedicated TTL.
	DefaultTTL = 6 * time.Hour
)

// TTLPolicy maps the source that produced a value to how long it stays
// fresh. More trusted sources are kept longer.
type TTLPolicy struct {
	BySource map[string]time.Duration
	Default  time.Duration
}

// DefaultTTLPolicy returns the per-source TTLs used in production.
func DefaultTTLPolicy() TTLPolicy {
	return TTLPolicy{
		BySource: map[string]time.Duration{
			"etsy-api":   6 * time.Hour,
			"serper":     4 * time.Hour,
			"perplexity": 1 * time.Hour,
			"brave":      30 * time.Minute,
		},
		Default: DefaultTTL,
	}
}

// TTLFor returns the TTL for source. A positive override always wins.
func (p TTLPolicy) TTLFor(source string, override time.Duration) time.Duration {
	if override > 0 {
		return override
	}
	if ttl, ok := p.BySource[source]; ok && ttl > 0 {
		return ttl
	}
	if p.Default > 0 {
		return p.Default
	}
	return DefaultTTL
}
