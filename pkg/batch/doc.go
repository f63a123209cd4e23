// Package batch resolves many keywords in parallel through a bounded worker
// pool.
//
// Every keyword is an independent resolution; duplicates are resolved (or
// served from cache) once per occurrence. Results come back in input order.
//
// Example usage:
//
//	fetcher := batch.NewFetcher(orch, batch.DefaultConfig(), nil)
//	results := fetcher.ResolveAll(ctx, []string{"ceramic mug", "funny t-shirt"})
//
// The fetcher:
//   - Spawns MaxConcurrency workers (default 4)
//   - Feeds keyword indices through a queue
//   - Bounds each resolution with a per-keyword timeout
//   - Marks keywords not reached before cancellation as unresolved
package batch
