package cache

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/Sternrassler/listing-resolver/pkg/listing"
	"github.com/Sternrassler/listing-resolver/pkg/logging"
)

const (
	// DefaultMaxSize caps the number of in-memory entries.
	DefaultMaxSize = 1000

	// DefaultSyncInterval is how often the background loop persists entries.
	DefaultSyncInterval = 5 * time.Minute
)

// Config holds ResultCache configuration.
type Config struct {
	MaxSize      int
	SyncInterval time.Duration
	TTLPolicy    TTLPolicy

	// Store persists entries. nil keeps the cache memory-only.
	Store Store

	// Clock returns the current time. Defaults to time.Now.
	Clock func() time.Time

	Logger *zerolog.Logger
}

// DefaultConfig returns defaults backed by a FileStore at DefaultCacheFile.
func DefaultConfig() Config {
	return Config{
		MaxSize:      DefaultMaxSize,
		SyncInterval: DefaultSyncInterval,
		TTLPolicy:    DefaultTTLPolicy(),
		Store:        NewFileStore(DefaultCacheFile),
	}
}

// SetOptions tune a single Set call.
type SetOptions struct {
	// TTL overrides the source-based TTL when positive.
	TTL time.Duration
}

// Stats is a point-in-time view of the cache.
type Stats struct {
	Size           int     `json:"size"`
	MaxSize        int     `json:"maxSize"`
	ValidEntries   int     `json:"validEntries"`
	ExpiredEntries int     `json:"expiredEntries"`
	Hits           uint64  `json:"hits"`
	Misses         uint64  `json:"misses"`
	Evictions      uint64  `json:"evictions"`
	HitRate        float64 `json:"hitRate"`
}

// ResultCache is a bounded TTL cache of listing counts keyed by normalized
// keyword. Entries expire lazily on read and are evicted least-recently-used
// when the cache is full.
type ResultCache struct {
	mu      sync.Mutex
	entries map[string]*Entry
	seq     uint64

	hits      uint64
	misses    uint64
	evictions uint64

	maxSize      int
	syncInterval time.Duration
	ttl          TTLPolicy
	store        Store
	now          func() time.Time
	logger       zerolog.Logger

	startOnce sync.Once
	stopOnce  sync.Once
	stop      chan struct{}
	done      chan struct{}
}

// New creates a ResultCache. Call Initialize to load persisted entries and
// start the background flush loop.
func New(cfg Config) *ResultCache {
	if cfg.MaxSize <= 0 {
		cfg.MaxSize = DefaultMaxSize
	}
	if cfg.SyncInterval <= 0 {
		cfg.SyncInterval = DefaultSyncInterval
	}
	if cfg.TTLPolicy.BySource == nil && cfg.TTLPolicy.Default == 0 {
		cfg.TTLPolicy = DefaultTTLPolicy()
	}
	if cfg.Clock == nil {
		cfg.Clock = time.Now
	}

	return &ResultCache{
		entries:      make(map[string]*Entry),
		maxSize:      cfg.MaxSize,
		syncInterval: cfg.SyncInterval,
		ttl:          cfg.TTLPolicy,
		store:        cfg.Store,
		now:          cfg.Clock,
		logger:       logging.OrDefault(cfg.Logger, "cache"),
		stop:         make(chan struct{}),
		done:         make(chan struct{}),
	}
}

// Initialize loads live entries from the store and starts the background
// flush loop. Load failures are logged and the cache starts empty; Initialize
// never fails because of unreadable backing data.
func (c *ResultCache) Initialize(ctx context.Context) error {
	if c.store != nil {
		entries, err := c.store.Load(ctx)
		if err != nil {
			CacheErrors.WithLabelValues("load").Inc()
			c.logger.Warn().Err(err).Msg("Could not load cache, starting empty")
		} else {
			c.restore(entries)
		}
	}

	c.startOnce.Do(func() {
		go c.syncLoop()
	})
	return nil
}

func (c *ResultCache) restore(entries []Entry) {
	// Rebuild insertion order. Stores without ordering (Redis sets, SQL
	// tables) hand entries back shuffled.
	sort.SliceStable(entries, func(i, j int) bool {
		return entries[i].CreatedAt.Before(entries[j].CreatedAt)
	})

	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	loaded := 0
	for i := range entries {
		e := entries[i]
		if e.IsExpired(now) {
			continue
		}
		if e.NormalizedKey == "" {
			e.NormalizedKey = NormalizeKey(e.Keyword)
		}
		if e.NormalizedKey == "" {
			continue
		}
		if _, exists := c.entries[e.NormalizedKey]; !exists && len(c.entries) >= c.maxSize {
			c.evictLRU()
		}
		c.seq++
		e.seq = c.seq
		c.entries[e.NormalizedKey] = &e
		loaded++
	}
	CacheEntries.Set(float64(len(c.entries)))

	c.logger.Info().
		Int("loaded", loaded).
		Int("skipped", len(entries)-loaded).
		Msg("Cache loaded")
}

// Get returns a copy of the live entry for keyword. Expired entries are
// removed on the way out and reported as a miss.
func (c *ResultCache) Get(keyword string) (*Entry, bool) {
	key := NormalizeKey(keyword)

	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.entries[key]
	if !ok {
		c.misses++
		CacheMisses.Inc()
		return nil, false
	}

	now := c.now()
	if e.IsExpired(now) {
		delete(c.entries, key)
		c.misses++
		CacheMisses.Inc()
		CacheEvictions.WithLabelValues("expired").Inc()
		CacheEntries.Set(float64(len(c.entries)))
		return nil, false
	}

	e.LastAccessedAt = now
	c.hits++
	CacheHits.Inc()

	out := *e
	return &out, true
}

// Set stores count for keyword, replacing any existing entry. Inserting a
// new key into a full cache evicts exactly one least-recently-used entry.
func (c *ResultCache) Set(keyword string, count int64, source string, confidence listing.Confidence, opts SetOptions) {
	key := NormalizeKey(keyword)
	if key == "" {
		return
	}
	ttl := c.ttl.TTLFor(source, opts.TTL)

	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	if _, exists := c.entries[key]; !exists && len(c.entries) >= c.maxSize {
		c.evictLRU()
	}

	c.seq++
	c.entries[key] = &Entry{
		NormalizedKey:  key,
		Keyword:        keyword,
		Count:          count,
		Source:         source,
		Confidence:     confidence,
		CreatedAt:      now,
		ExpiresAt:      now.Add(ttl),
		LastAccessedAt: now,
		seq:            c.seq,
	}
	CacheEntries.Set(float64(len(c.entries)))

	c.logger.Debug().
		Str("keyword", key).
		Str("source", source).
		Dur("ttl", ttl).
		Msg("Cached listing count")
}

// evictLRU removes the entry with the oldest LastAccessedAt. Caller holds mu.
func (c *ResultCache) evictLRU() {
	var victim *Entry
	for _, e := range c.entries {
		if victim == nil ||
			e.LastAccessedAt.Before(victim.LastAccessedAt) ||
			(e.LastAccessedAt.Equal(victim.LastAccessedAt) && e.seq < victim.seq) {
			victim = e
		}
	}
	if victim == nil {
		return
	}
	delete(c.entries, victim.NormalizedKey)
	c.evictions++
	CacheEvictions.WithLabelValues("lru").Inc()

	c.logger.Debug().Str("keyword", victim.NormalizedKey).Msg("Evicted least recently used entry")
}

// Len returns the number of entries held, including not-yet-purged expired ones.
func (c *ResultCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

// Flush purges expired entries and persists the live ones. The snapshot is
// taken under the lock; the write happens outside it.
func (c *ResultCache) Flush(ctx context.Context) error {
	c.mu.Lock()
	now := c.now()
	snapshot := make([]Entry, 0, len(c.entries))
	for key, e := range c.entries {
		if e.IsExpired(now) {
			delete(c.entries, key)
			CacheEvictions.WithLabelValues("expired").Inc()
			continue
		}
		snapshot = append(snapshot, *e)
	}
	CacheEntries.Set(float64(len(c.entries)))
	c.mu.Unlock()

	// insertion order, so a reload breaks LRU ties the same way
	sort.Slice(snapshot, func(i, j int) bool { return snapshot[i].seq < snapshot[j].seq })

	if c.store == nil {
		return nil
	}
	if err := c.store.Save(ctx, snapshot); err != nil {
		CacheErrors.WithLabelValues("save").Inc()
		return err
	}

	c.logger.Debug().Int("entries", len(snapshot)).Msg("Cache flushed")
	return nil
}

func (c *ResultCache) syncLoop() {
	defer close(c.done)

	ticker := time.NewTicker(c.syncInterval)
	defer ticker.Stop()

	for {
		select {
		case <-c.stop:
			return
		case <-ticker.C:
			if err := c.Flush(context.Background()); err != nil {
				c.logger.Warn().Err(err).Msg("Periodic cache flush failed")
			}
		}
	}
}

// Shutdown stops the background loop and performs a final flush.
func (c *ResultCache) Shutdown(ctx context.Context) error {
	c.stopOnce.Do(func() {
		close(c.stop)
	})

	// Never initialized: there is no loop to wait for.
	c.startOnce.Do(func() {
		close(c.done)
	})

	select {
	case <-c.done:
	case <-ctx.Done():
		return ctx.Err()
	}

	return c.Flush(ctx)
}

// Stats reports size, validity and hit counters.
func (c *ResultCache) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	s := Stats{
		Size:      len(c.entries),
		MaxSize:   c.maxSize,
		Hits:      c.hits,
		Misses:    c.misses,
		Evictions: c.evictions,
	}
	for _, e := range c.entries {
		if e.IsExpired(now) {
			s.ExpiredEntries++
		} else {
			s.ValidEntries++
		}
	}
	if total := c.hits + c.misses; total > 0 {
		s.HitRate = float64(c.hits) / float64(total)
	}
	return s
}
