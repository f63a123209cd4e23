package provider

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/Sternrassler/listing-resolver/pkg/circuitbreaker"
	"github.com/Sternrassler/listing-resolver/pkg/listing"
)

// DefaultBraveBaseURL is the Brave Search API root.
const DefaultBraveBaseURL = "https://api.search.brave.com/res/v1"

// Brave is tier 4: counts scraped from web search snippets. Last resort.
type Brave struct {
	base
	apiKey string
}

// NewBrave reads BRAVE_API_KEY unless opts overrides it.
func NewBrave(opts Options) *Brave {
	return &Brave{
		base: newBase(NameBrave, DefaultBraveBaseURL, opts, circuitbreaker.Config{
			FailureThreshold: 5,
			ResetTimeout:     3 * time.Minute,
		}),
		apiKey: credential(opts.APIKey, "BRAVE_API_KEY"),
	}
}

// IsConfigured reports whether an API key is present.
func (p *Brave) IsConfigured() bool {
	return p.apiKey != ""
}

type braveResponse struct {
	Query struct {
		Original string `json:"original"`
	} `json:"query"`
	Web struct {
		Results []struct {
			Title       string `json:"title"`
			Description string `json:"description"`
		} `json:"results"`
		Total json.RawMessage `json:"total"`
	} `json:"web"`
}

// Fetch searches and looks for a count in the result snippets, then the
// echoed query, then the reported total.
func (p *Brave) Fetch(ctx context.Context, keyword string) (*listing.Result, error) {
	if !p.IsConfigured() {
		return nil, ErrNotConfigured
	}

	q := url.Values{}
	q.Set("q", fmt.Sprintf(`site:etsy.com "%s" OR "%s" etsy listings`, keyword, keyword))
	q.Set("count", "10")

	var resp braveResponse
	err := p.http.doJSON(ctx, http.MethodGet, p.baseURL+"/web/search?"+q.Encode(), map[string]string{
		"X-Subscription-Token": p.apiKey,
	}, nil, &resp)
	if err != nil {
		return nil, err
	}

	n, ok := p.extract(&resp)
	if !ok {
		return nil, &ExtractionError{Provider: p.name, Reason: "no count in search results"}
	}
	return p.result(keyword, n, listing.ConfidenceLow), nil
}

func (p *Brave) extract(resp *braveResponse) (int64, bool) {
	if len(resp.Web.Results) > 0 {
		parts := make([]string, 0, len(resp.Web.Results))
		for _, r := range resp.Web.Results {
			parts = append(parts, r.Title+" "+r.Description)
		}
		if n, ok := ExtractCount(strings.Join(parts, " "), BraveMatchers...); ok && n > 0 {
			return n, true
		}
	}

	if resp.Query.Original != "" {
		if n, ok := ExtractCount(resp.Query.Original, BraveMatchers...); ok && n > 0 {
			return n, true
		}
	}

	if n, err := parseCountValue(resp.Web.Total); err == nil && n > 0 {
		return n, true
	}
	return 0, false
}
