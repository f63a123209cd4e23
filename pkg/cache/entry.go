package cache

import (
	"time"

	"github.com/Sternrassler/listing-resolver/pkg/listing"
)

// Entry is a cached listing count.
type Entry struct {
	// NormalizedKey is the lookup key derived from Keyword.
	NormalizedKey string `json:"normalizedKey"`

	// Keyword is the raw query as first stored.
	Keyword string `json:"keyword"`

	Count      int64              `json:"count"`
	Source     string             `json:"source"`
	Confidence listing.Confidence `json:"confidence"`

	CreatedAt      time.Time `json:"createdAt"`
	ExpiresAt      time.Time `json:"expiresAt"`
	LastAccessedAt time.Time `json:"lastAccessedAt"`

	// seq records insertion order to break LRU ties deterministically.
	seq uint64
}

// IsExpired reports whether the entry is stale at now. An entry is live
// while now <= ExpiresAt.
func (e *Entry) IsExpired(now time.Time) bool {
	return now.After(e.ExpiresAt)
}

// TTL returns the time left until expiration at now.
// Returns 0 if already expired.
func (e *Entry) TTL(now time.Time) time.Duration {
	ttl := e.ExpiresAt.Sub(now)
	if ttl < 0 {
		return 0
	}
	return ttl
}

// Result converts a cache hit served at now into the payload returned to callers.
func (e *Entry) Result(now time.Time) listing.Result {
	return listing.Result{
		Keyword:        e.Keyword,
		Count:          e.Count,
		Source:         listing.SourceCache,
		Confidence:     e.Confidence,
		Cached:         true,
		Timestamp:      now,
		OriginalSource: e.Source,
	}
}
