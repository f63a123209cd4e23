// Package cache provides the listing count result cache.
//
// ResultCache is an in-memory map keyed by the normalized keyword with:
//
// - Source-based TTLs (trusted sources stay fresh longer)
// - Lazy expiry on read
// - Least-recently-used eviction once MaxSize is reached
// - Periodic best-effort persistence through a Store
// - Prometheus metrics for observability
//
// # Basic Usage
//
//	c := cache.New(cache.Config{
//		MaxSize: 1000,
//		Store:   cache.NewFileStore(".cache/etsy-listing-counts.json"),
//	})
//	if err := c.Initialize(ctx); err != nil {
//		return err
//	}
//	defer c.Shutdown(context.Background())
//
//	c.Set("Dog Bed", 48213, "serper", listing.ConfidenceHigh, cache.SetOptions{})
//
//	if entry, ok := c.Get("dog  bed"); ok {
//		fmt.Println(entry.Count)
//	}
//
// # Persistence
//
// FileStore rewrites a JSON array of entries on every flush. RedisStore keeps
// one Redis key per entry so Redis expires them on its own:
//
//	store := cache.NewRedisStore(redis.NewClient(&redis.Options{
//		Addr: "localhost:6379",
//	}), "")
//
// Durability is best effort. Entries written since the last flush are lost
// on a crash.
//
// # Metrics
//
//   - listing_cache_hits_total - Cache hits
//   - listing_cache_misses_total - Cache misses
//   - listing_cache_evictions_total{reason} - LRU and expiry removals
//   - listing_cache_entries - Entries held in memory
//   - listing_cache_errors_total{operation} - Persistence errors
package cache
