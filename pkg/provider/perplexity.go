package provider

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/Sternrassler/listing-resolver/pkg/circuitbreaker"
	"github.com/Sternrassler/listing-resolver/pkg/listing"
)

// DefaultPerplexityBaseURL is the Perplexity API root.
const DefaultPerplexityBaseURL = "https://api.perplexity.ai"

const perplexityModel = "sonar"

// Perplexity is tier 3: an AI estimate parsed out of a chat answer.
type Perplexity struct {
	base
	apiKey string
}

// NewPerplexity reads PERPLEXITY_API_KEY unless opts overrides it.
func NewPerplexity(opts Options) *Perplexity {
	return &Perplexity{
		base: newBase(NamePerplexity, DefaultPerplexityBaseURL, opts, circuitbreaker.Config{
			FailureThreshold: 5,
			ResetTimeout:     3 * time.Minute,
		}),
		apiKey: credential(opts.APIKey, "PERPLEXITY_API_KEY"),
	}
}

// IsConfigured reports whether an API key is present.
func (p *Perplexity) IsConfigured() bool {
	return p.apiKey != ""
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatRequest struct {
	Model    string        `json:"model"`
	Messages []chatMessage `json:"messages"`
}

type chatResponse struct {
	Choices []struct {
		Message chatMessage `json:"message"`
	} `json:"choices"`
}

// Fetch asks the model for an approximate count and extracts it from the
// answer text.
func (p *Perplexity) Fetch(ctx context.Context, keyword string) (*listing.Result, error) {
	if !p.IsConfigured() {
		return nil, ErrNotConfigured
	}

	var resp chatResponse
	err := p.http.doJSON(ctx, http.MethodPost, p.baseURL+"/chat/completions", map[string]string{
		"Authorization": "Bearer " + p.apiKey,
	}, chatRequest{
		Model: perplexityModel,
		Messages: []chatMessage{{
			Role:    "user",
			Content: fmt.Sprintf("How many listings exist on Etsy for the keyword '%s'? Provide just the approximate number.", keyword),
		}},
	}, &resp)
	if err != nil {
		return nil, err
	}

	var text string
	if len(resp.Choices) > 0 {
		text = resp.Choices[0].Message.Content
	}
	n, ok := ExtractCount(text, PerplexityMatchers...)
	if !ok {
		return nil, &ExtractionError{Provider: p.name, Reason: "no count in answer"}
	}

	return p.result(keyword, n, listing.ConfidenceMedium), nil
}
