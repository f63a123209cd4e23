package provider

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/Sternrassler/listing-resolver/pkg/circuitbreaker"
	"github.com/Sternrassler/listing-resolver/pkg/listing"
)

// DefaultSerperBaseURL is the Serper Google search API root.
const DefaultSerperBaseURL = "https://google.serper.dev"

// serperCostPerQuery is the list price in USD.
const serperCostPerQuery = 0.0003

// Serper is tier 2: Google result totals for a site:etsy.com query.
type Serper struct {
	base
	apiKey string
}

// NewSerper reads SERPER_API_KEY unless opts overrides it.
func NewSerper(opts Options) *Serper {
	return &Serper{
		base: newBase(NameSerper, DefaultSerperBaseURL, opts, circuitbreaker.Config{
			FailureThreshold: 5,
			ResetTimeout:     3 * time.Minute,
		}),
		apiKey: credential(opts.APIKey, "SERPER_API_KEY"),
	}
}

// IsConfigured reports whether an API key is present.
func (p *Serper) IsConfigured() bool {
	return p.apiKey != ""
}

// CostPerQuery implements Coster.
func (p *Serper) CostPerQuery() float64 {
	return serperCostPerQuery
}

type serperRequest struct {
	Q   string `json:"q"`
	GL  string `json:"gl"`
	HL  string `json:"hl"`
	Num int    `json:"num"`
}

type serperResponse struct {
	SearchInformation *struct {
		TotalResults json.RawMessage `json:"totalResults"`
	} `json:"searchInformation"`
}

// Fetch reads searchInformation.totalResults, which may be a number or a
// string like "52,400".
func (p *Serper) Fetch(ctx context.Context, keyword string) (*listing.Result, error) {
	if !p.IsConfigured() {
		return nil, ErrNotConfigured
	}

	var resp serperResponse
	err := p.http.doJSON(ctx, http.MethodPost, p.baseURL+"/search", map[string]string{
		"X-API-KEY": p.apiKey,
	}, serperRequest{
		Q:   "site:etsy.com " + keyword,
		GL:  "us",
		HL:  "en",
		Num: 10,
	}, &resp)
	if err != nil {
		return nil, err
	}
	if resp.SearchInformation == nil {
		return nil, &ExtractionError{Provider: p.name, Reason: "no totalResults in response"}
	}

	n, err := parseCountValue(resp.SearchInformation.TotalResults)
	if err != nil {
		return nil, &ExtractionError{Provider: p.name, Reason: "totalResults: " + err.Error()}
	}

	r := p.result(keyword, n, listing.ConfidenceHigh)
	r.Cost = serperCostPerQuery
	return r, nil
}
