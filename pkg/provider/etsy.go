package provider

import (
	"context"
	"net/http"
	"net/url"
	"time"

	"github.com/Sternrassler/listing-resolver/pkg/circuitbreaker"
	"github.com/Sternrassler/listing-resolver/pkg/listing"
)

// DefaultEtsyBaseURL is the Etsy Open API v3 application root.
const DefaultEtsyBaseURL = "https://openapi.etsy.com/v3/application"

// EtsyAPI is tier 1: the official Etsy API. Exact and free, but needs OAuth
// credentials.
type EtsyAPI struct {
	base
	apiKey      string
	accessToken string
}

// NewEtsyAPI reads ETSY_API_KEY and ETSY_ACCESS_TOKEN unless opts overrides them.
func NewEtsyAPI(opts Options) *EtsyAPI {
	return &EtsyAPI{
		base: newBase(NameEtsyAPI, DefaultEtsyBaseURL, opts, circuitbreaker.Config{
			FailureThreshold: 3,
			ResetTimeout:     5 * time.Minute,
		}),
		apiKey:      credential(opts.APIKey, "ETSY_API_KEY"),
		accessToken: credential(opts.AccessToken, "ETSY_ACCESS_TOKEN"),
	}
}

// IsConfigured requires both the API key and the access token.
func (p *EtsyAPI) IsConfigured() bool {
	return p.apiKey != "" && p.accessToken != ""
}

type etsyListingsResponse struct {
	Count *int64 `json:"count"`
}

// Fetch asks for a single active listing and reads the total count.
func (p *EtsyAPI) Fetch(ctx context.Context, keyword string) (*listing.Result, error) {
	if !p.IsConfigured() {
		return nil, ErrNotConfigured
	}

	q := url.Values{}
	q.Set("keywords", keyword)
	q.Set("limit", "1")
	q.Set("state", "active")

	var resp etsyListingsResponse
	err := p.http.doJSON(ctx, http.MethodGet, p.baseURL+"/listings/active?"+q.Encode(), map[string]string{
		"Authorization": "Bearer " + p.accessToken,
		"x-api-key":     p.apiKey,
	}, nil, &resp)
	if err != nil {
		return nil, err
	}
	if resp.Count == nil {
		return nil, &ExtractionError{Provider: p.name, Reason: "response has no count"}
	}

	return p.result(keyword, *resp.Count, listing.ConfidenceVeryHigh), nil
}
