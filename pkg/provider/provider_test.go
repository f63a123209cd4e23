package provider_test

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/Sternrassler/listing-resolver/internal/testutil"
	"github.com/Sternrassler/listing-resolver/pkg/circuitbreaker"
	"github.com/Sternrassler/listing-resolver/pkg/listing"
	"github.com/Sternrassler/listing-resolver/pkg/provider"
	"github.com/Sternrassler/listing-resolver/pkg/ratelimit"
)

func opts(mock *testutil.MockUpstream) provider.Options {
	return provider.Options{
		APIKey:      "test-key",
		AccessToken: "test-token",
		BaseURL:     mock.URL(),
		Timeout:     2 * time.Second,
		HTTPClient:  mock.Client(),
	}
}

func TestProviders_ImplementInterface(t *testing.T) {
	var _ provider.Provider = (*provider.EtsyAPI)(nil)
	var _ provider.Provider = (*provider.Serper)(nil)
	var _ provider.Provider = (*provider.Perplexity)(nil)
	var _ provider.Provider = (*provider.Brave)(nil)
	var _ provider.Coster = (*provider.Serper)(nil)
}

func TestIsConfigured_FromEnvironment(t *testing.T) {
	t.Setenv("ETSY_API_KEY", "k")
	t.Setenv("ETSY_ACCESS_TOKEN", "")
	t.Setenv("SERPER_API_KEY", "s")
	t.Setenv("PERPLEXITY_API_KEY", "")
	t.Setenv("BRAVE_API_KEY", "b")

	tests := []struct {
		name string
		p    provider.Provider
		want bool
	}{
		{"etsy needs both credentials", provider.NewEtsyAPI(provider.Options{}), false},
		{"serper", provider.NewSerper(provider.Options{}), true},
		{"perplexity", provider.NewPerplexity(provider.Options{}), false},
		{"brave", provider.NewBrave(provider.Options{}), true},
		{"override beats env", provider.NewPerplexity(provider.Options{APIKey: "x"}), true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.p.IsConfigured(); got != tt.want {
				t.Errorf("IsConfigured() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestFetch_NotConfigured(t *testing.T) {
	t.Setenv("SERPER_API_KEY", "")
	p := provider.NewSerper(provider.Options{})

	_, err := p.Fetch(context.Background(), "mug")
	if !errors.Is(err, provider.ErrNotConfigured) {
		t.Fatalf("Fetch() error = %v, want ErrNotConfigured", err)
	}
}

func TestBreakerDefaults(t *testing.T) {
	tests := []struct {
		p         provider.Provider
		threshold int
		reset     time.Duration
	}{
		{provider.NewEtsyAPI(provider.Options{}), 3, 5 * time.Minute},
		{provider.NewSerper(provider.Options{}), 5, 3 * time.Minute},
		{provider.NewPerplexity(provider.Options{}), 5, 3 * time.Minute},
		{provider.NewBrave(provider.Options{}), 5, 3 * time.Minute},
	}

	for _, tt := range tests {
		t.Run(tt.p.Name(), func(t *testing.T) {
			snap := tt.p.Breaker().Snapshot()
			if snap.FailureThreshold != tt.threshold || snap.ResetTimeout != tt.reset {
				t.Errorf("breaker = %d/%v, want %d/%v", snap.FailureThreshold, snap.ResetTimeout, tt.threshold, tt.reset)
			}
		})
	}

	custom := provider.NewBrave(provider.Options{Breaker: circuitbreaker.Config{FailureThreshold: 9}})
	if got := custom.Breaker().Snapshot(); got.FailureThreshold != 9 || got.ResetTimeout != 3*time.Minute {
		t.Errorf("partial override = %+v", got)
	}
}

func TestEtsyAPI_Fetch(t *testing.T) {
	mock := testutil.NewMockUpstream()
	defer mock.Close()
	mock.SetResponse("/listings/active", testutil.NewJSONResponse(`{"count": 48213, "results": []}`))

	p := provider.NewEtsyAPI(opts(mock))
	res, err := p.Fetch(context.Background(), "dog bed")
	if err != nil {
		t.Fatalf("Fetch() error = %v", err)
	}

	if res.Count != 48213 || res.Source != "etsy-api" || res.Confidence != listing.ConfidenceVeryHigh {
		t.Errorf("result = %+v", res)
	}

	req := mock.LastRequest()
	if req.Header.Get("Authorization") != "Bearer test-token" || req.Header.Get("x-api-key") != "test-key" {
		t.Errorf("auth headers = %v", req.Header)
	}
	if req.Query["keywords"][0] != "dog bed" || req.Query["limit"][0] != "1" || req.Query["state"][0] != "active" {
		t.Errorf("query = %v", req.Query)
	}
}

func TestEtsyAPI_MissingCount(t *testing.T) {
	mock := testutil.NewMockUpstream()
	defer mock.Close()
	mock.SetResponse("/listings/active", testutil.NewJSONResponse(`{"results": []}`))

	_, err := provider.NewEtsyAPI(opts(mock)).Fetch(context.Background(), "dog bed")
	var extraction *provider.ExtractionError
	if !errors.As(err, &extraction) {
		t.Fatalf("Fetch() error = %v, want ExtractionError", err)
	}
}

func TestSerper_Fetch(t *testing.T) {
	tests := []struct {
		name    string
		body    string
		want    int64
		wantErr bool
	}{
		{"string with commas", `{"searchInformation": {"totalResults": "52,400"}}`, 52400, false},
		{"number", `{"searchInformation": {"totalResults": 917}}`, 917, false},
		{"missing searchInformation", `{"organic": []}`, 0, true},
		{"unparseable", `{"searchInformation": {"totalResults": "lots"}}`, 0, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			mock := testutil.NewMockUpstream()
			defer mock.Close()
			mock.SetResponse("/search", testutil.NewJSONResponse(tt.body))

			res, err := provider.NewSerper(opts(mock)).Fetch(context.Background(), "t-shirt")
			if tt.wantErr {
				var extraction *provider.ExtractionError
				if !errors.As(err, &extraction) {
					t.Fatalf("Fetch() error = %v, want ExtractionError", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("Fetch() error = %v", err)
			}
			if res.Count != tt.want || res.Confidence != listing.ConfidenceHigh || res.Cost != 0.0003 {
				t.Errorf("result = %+v", res)
			}

			req := mock.LastRequest()
			var sent map[string]any
			if err := json.Unmarshal([]byte(req.Body), &sent); err != nil {
				t.Fatalf("request body: %v", err)
			}
			if sent["q"] != "site:etsy.com t-shirt" || sent["gl"] != "us" || sent["hl"] != "en" {
				t.Errorf("request body = %v", sent)
			}
			if req.Header.Get("X-API-KEY") != "test-key" {
				t.Errorf("missing X-API-KEY header")
			}
		})
	}
}

func TestPerplexity_Fetch(t *testing.T) {
	mock := testutil.NewMockUpstream()
	defer mock.Close()
	mock.SetResponse("/chat/completions", testutil.NewJSONResponse(
		`{"choices": [{"message": {"role": "assistant", "content": "There are approximately 1,250,000 results for t-shirt."}}]}`))

	res, err := provider.NewPerplexity(opts(mock)).Fetch(context.Background(), "t-shirt")
	if err != nil {
		t.Fatalf("Fetch() error = %v", err)
	}
	if res.Count != 1250000 || res.Source != "perplexity" || res.Confidence != listing.ConfidenceMedium {
		t.Errorf("result = %+v", res)
	}

	var sent struct {
		Model string `json:"model"`
	}
	json.Unmarshal([]byte(mock.LastRequest().Body), &sent)
	if sent.Model != "sonar" {
		t.Errorf("model = %q, want sonar", sent.Model)
	}
}

func TestPerplexity_NoNumber(t *testing.T) {
	mock := testutil.NewMockUpstream()
	defer mock.Close()
	mock.SetResponse("/chat/completions", testutil.NewJSONResponse(
		`{"choices": [{"message": {"content": "I don't have access to that data."}}]}`))

	_, err := provider.NewPerplexity(opts(mock)).Fetch(context.Background(), "t-shirt")
	if provider.Classify(err) != "extraction" {
		t.Fatalf("Classify(%v) = %q, want extraction", err, provider.Classify(err))
	}
}

func TestBrave_Fetch(t *testing.T) {
	tests := []struct {
		name    string
		body    string
		want    int64
		wantErr bool
	}{
		{
			name: "snippet",
			body: `{"web": {"results": [{"title": "Dog Bed - Etsy", "description": "Check out our dog bed selection, 3,456 results"}]}}`,
			want: 3456,
		},
		{
			name: "query echo",
			body: `{"query": {"original": "more than 700 listings"}, "web": {"results": [{"title": "x", "description": "y"}]}}`,
			want: 700,
		},
		{
			name: "web total",
			body: `{"web": {"results": [], "total": 1500}}`,
			want: 1500,
		},
		{
			name:    "nothing usable",
			body:    `{"web": {"results": [{"title": "Dog beds", "description": "Shop now"}]}}`,
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			mock := testutil.NewMockUpstream()
			defer mock.Close()
			mock.SetResponse("/web/search", testutil.NewJSONResponse(tt.body))

			res, err := provider.NewBrave(opts(mock)).Fetch(context.Background(), "dog bed")
			if tt.wantErr {
				if provider.Classify(err) != "extraction" {
					t.Fatalf("Fetch() error = %v, want extraction", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("Fetch() error = %v", err)
			}
			if res.Count != tt.want || res.Confidence != listing.ConfidenceLow {
				t.Errorf("result = %+v", res)
			}
			if got := mock.LastRequest().Header.Get("X-Subscription-Token"); got != "test-key" {
				t.Errorf("X-Subscription-Token = %q", got)
			}
		})
	}
}

func TestFetch_UpstreamErrors(t *testing.T) {
	tests := []struct {
		name      string
		resp      testutil.MockResponse
		wantClass provider.ErrorClass
	}{
		{"server error", testutil.NewServerErrorResponse(), provider.ErrorClassServer},
		{"rate limited", testutil.NewRateLimitResponse(), provider.ErrorClassRateLimit},
		{"unauthorized", testutil.NewUnauthorizedResponse(), provider.ErrorClassClient},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			mock := testutil.NewMockUpstream()
			defer mock.Close()
			mock.SetResponse("/search", tt.resp)

			_, err := provider.NewSerper(opts(mock)).Fetch(context.Background(), "mug")
			var upstream *provider.UpstreamError
			if !errors.As(err, &upstream) {
				t.Fatalf("Fetch() error = %v, want UpstreamError", err)
			}
			if upstream.Class != tt.wantClass || upstream.StatusCode != tt.resp.StatusCode {
				t.Errorf("UpstreamError = %+v", upstream)
			}
			if provider.Classify(err) != string(tt.wantClass) {
				t.Errorf("Classify() = %q", provider.Classify(err))
			}
		})
	}
}

func TestFetch_Timeout(t *testing.T) {
	mock := testutil.NewMockUpstream()
	defer mock.Close()
	resp := testutil.NewJSONResponse(`{"searchInformation": {"totalResults": "1"}}`)
	resp.Delay = time.Second
	mock.SetResponse("/search", resp)

	o := opts(mock)
	o.Timeout = 50 * time.Millisecond

	start := time.Now()
	_, err := provider.NewSerper(o).Fetch(context.Background(), "mug")
	if !errors.Is(err, provider.ErrTimeout) {
		t.Fatalf("Fetch() error = %v, want ErrTimeout", err)
	}
	if time.Since(start) > 800*time.Millisecond {
		t.Error("timeout did not abort the in-flight request")
	}
}

func TestFetch_NetworkError(t *testing.T) {
	mock := testutil.NewMockUpstream()
	o := opts(mock)
	mock.Close()

	_, err := provider.NewBrave(o).Fetch(context.Background(), "mug")
	if provider.Classify(err) != string(provider.ErrorClassNetwork) {
		t.Fatalf("Classify(%v) = %q, want network", err, provider.Classify(err))
	}
}

func TestFetch_QuotaHeadersBlockNextCall(t *testing.T) {
	mock := testutil.NewMockUpstream()
	defer mock.Close()
	mock.SetResponse("/search", testutil.NewRateLimitResponse())

	o := opts(mock)
	o.RateLimiter = ratelimit.NewTracker(nil, nil)
	p := provider.NewSerper(o)

	if _, err := p.Fetch(context.Background(), "mug"); err == nil {
		t.Fatal("expected first call to fail with 429")
	}

	// quota headers reported 0 remaining, so the next call never leaves the process
	_, err := p.Fetch(context.Background(), "mug")
	if !errors.Is(err, ratelimit.ErrQuotaExhausted) {
		t.Fatalf("second Fetch() error = %v, want ErrQuotaExhausted", err)
	}
	if mock.RequestCount() != 1 {
		t.Errorf("RequestCount() = %d, want 1", mock.RequestCount())
	}
}

func TestStatusOf(t *testing.T) {
	p := provider.NewSerper(provider.Options{APIKey: "k"})
	p.Breaker().RecordFailure()

	s := provider.StatusOf(p)
	if s.Name != "serper" || !s.Configured || s.CostPerQuery != 0.0003 {
		t.Errorf("status = %+v", s)
	}
	if s.CircuitBreaker.ConsecutiveFailures != 1 || s.CircuitBreaker.State != circuitbreaker.StateClosed {
		t.Errorf("breaker snapshot = %+v", s.CircuitBreaker)
	}
}

func TestClassify(t *testing.T) {
	tests := []struct {
		err  error
		want string
	}{
		{nil, ""},
		{provider.ErrNotConfigured, "not_configured"},
		{provider.ErrCircuitOpen, "circuit_open"},
		{context.DeadlineExceeded, "timeout"},
		{context.Canceled, "canceled"},
		{&provider.ExtractionError{Provider: "p", Reason: "r"}, "extraction"},
		{&provider.UpstreamError{Class: provider.ErrorClassServer}, "server"},
		{errors.New("boom"), "unknown"},
	}
	for _, tt := range tests {
		if got := provider.Classify(tt.err); got != tt.want {
			t.Errorf("Classify(%v) = %q, want %q", tt.err, got, tt.want)
		}
	}
}
