package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	validation "github.com/go-ozzo/ozzo-validation/v4"

	"github.com/Sternrassler/listing-resolver/pkg/listing"
	"github.com/Sternrassler/listing-resolver/pkg/orchestrator"
)

// Tool names.
const (
	ToolGetListingCount  = "etsy_get_listing_count"
	ToolGetListingCounts = "etsy_get_listing_counts"
	ToolProviderStatus   = "listing_provider_status"
	ToolCacheStats       = "listing_cache_stats"
	ToolFallbackExecute  = "fallback_execute"
	ToolAuditReport      = "audit_report"
)

// MaxBatchKeywords caps one etsy_get_listing_counts call.
const MaxBatchKeywords = 100

func (r *Registry) register() {
	r.add(ToolGetListingCount,
		"Number of active Etsy listings for a keyword, resolved through the provider waterfall",
		r.getListingCount)
	r.add(ToolGetListingCounts,
		"Listing counts for several keywords, in input order",
		r.getListingCounts)
	r.add(ToolProviderStatus,
		"Configuration and circuit breaker state of every provider",
		r.providerStatus)
	r.add(ToolCacheStats,
		"Result cache size, hit rate and expiry counts",
		r.cacheStats)
	if r.deps.Fallback != nil {
		r.add(ToolFallbackExecute,
			"Run a named fallback chain with parameters",
			r.fallbackExecute)
	}
	if r.deps.Audit != nil {
		r.add(ToolAuditReport,
			"Summary of audited tool calls over the last hours",
			r.auditReport)
	}
}

type listingCountArgs struct {
	Keyword     string `json:"keyword"`
	TTLSeconds  int    `json:"ttl_seconds"`
	BypassCache bool   `json:"bypass_cache"`
}

func (a *listingCountArgs) Validate() error {
	return validation.ValidateStruct(a,
		validation.Field(&a.Keyword, validation.Required, validation.Length(1, 500)),
		validation.Field(&a.TTLSeconds, validation.Min(0)),
	)
}

func (r *Registry) getListingCount(ctx context.Context, raw json.RawMessage) (any, error) {
	if r.deps.Orchestrator == nil {
		return nil, fmt.Errorf("%w: no orchestrator", ErrUnavailable)
	}
	var args listingCountArgs
	if err := decodeArgs(raw, &args); err != nil {
		return nil, err
	}
	return r.deps.Orchestrator.ResolveWithOptions(ctx, args.Keyword, orchestrator.Options{
		TTL:         time.Duration(args.TTLSeconds) * time.Second,
		BypassCache: args.BypassCache,
	}), nil
}

type listingCountsArgs struct {
	Keywords []string `json:"keywords"`
}

func (a *listingCountsArgs) Validate() error {
	return validation.ValidateStruct(a,
		validation.Field(&a.Keywords,
			validation.Required,
			validation.Length(1, MaxBatchKeywords),
			validation.Each(validation.Required),
		),
	)
}

type listingCountsResult struct {
	Results  []listing.Result `json:"results"`
	Resolved int              `json:"resolved"`
}

func (r *Registry) getListingCounts(ctx context.Context, raw json.RawMessage) (any, error) {
	if r.deps.Batch == nil {
		return nil, fmt.Errorf("%w: no batch fetcher", ErrUnavailable)
	}
	var args listingCountsArgs
	if err := decodeArgs(raw, &args); err != nil {
		return nil, err
	}

	out := listingCountsResult{Results: r.deps.Batch.ResolveAll(ctx, args.Keywords)}
	for _, res := range out.Results {
		if res.Resolved() {
			out.Resolved++
		}
	}
	return out, nil
}

func (r *Registry) providerStatus(context.Context, json.RawMessage) (any, error) {
	if r.deps.Orchestrator == nil {
		return nil, fmt.Errorf("%w: no orchestrator", ErrUnavailable)
	}
	return r.deps.Orchestrator.Status(), nil
}

func (r *Registry) cacheStats(context.Context, json.RawMessage) (any, error) {
	if r.deps.Orchestrator == nil || r.deps.Orchestrator.Cache() == nil {
		return nil, fmt.Errorf("%w: caching disabled", ErrUnavailable)
	}
	return r.deps.Orchestrator.Cache().Stats(), nil
}

type fallbackArgs struct {
	Operation string         `json:"operation"`
	Params    map[string]any `json:"params"`
}

func (a *fallbackArgs) Validate() error {
	return validation.ValidateStruct(a,
		validation.Field(&a.Operation, validation.Required),
	)
}

func (r *Registry) fallbackExecute(ctx context.Context, raw json.RawMessage) (any, error) {
	var args fallbackArgs
	if err := decodeArgs(raw, &args); err != nil {
		return nil, err
	}
	if args.Params == nil {
		args.Params = map[string]any{}
	}
	return r.deps.Fallback.Execute(ctx, args.Operation, args.Params)
}

type auditArgs struct {
	Hours int `json:"hours"`
}

func (a *auditArgs) Validate() error {
	return validation.ValidateStruct(a,
		validation.Field(&a.Hours, validation.Min(0), validation.Max(24*90)),
	)
}

func (r *Registry) auditReport(_ context.Context, raw json.RawMessage) (any, error) {
	var args auditArgs
	if err := decodeArgs(raw, &args); err != nil {
		return nil, err
	}
	if args.Hours == 0 {
		args.Hours = 24
	}
	to := r.now().UTC()
	return r.deps.Audit.Report(to.Add(-time.Duration(args.Hours)*time.Hour), to)
}
