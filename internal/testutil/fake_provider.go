package testutil

import (
	"context"
	"sync"
	"time"

	"github.com/Sternrassler/listing-resolver/pkg/circuitbreaker"
	"github.com/Sternrassler/listing-resolver/pkg/listing"
)

// FakeProvider is a scriptable provider that counts its calls.
type FakeProvider struct {
	name       string
	configured bool
	breaker    *circuitbreaker.Breaker

	mu         sync.Mutex
	count      int64
	confidence listing.Confidence
	err        error
	panicMsg   string
	delay      time.Duration
	calls      int
	keywords   []string
}

// NewFakeProvider creates a configured provider that succeeds with count.
func NewFakeProvider(name string, count int64, confidence listing.Confidence) *FakeProvider {
	return &FakeProvider{
		name:       name,
		configured: true,
		breaker:    circuitbreaker.New(name, circuitbreaker.Config{FailureThreshold: 3, ResetTimeout: time.Minute}),
		count:      count,
		confidence: confidence,
	}
}

// Unconfigured marks the provider as missing credentials.
func (f *FakeProvider) Unconfigured() *FakeProvider {
	f.configured = false
	return f
}

// Failing makes every Fetch return err.
func (f *FakeProvider) Failing(err error) *FakeProvider {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.err = err
	return f
}

// Panicking makes every Fetch panic with msg.
func (f *FakeProvider) Panicking(msg string) *FakeProvider {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.panicMsg = msg
	return f
}

// WithDelay makes Fetch wait d or until ctx is done.
func (f *FakeProvider) WithDelay(d time.Duration) *FakeProvider {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.delay = d
	return f
}

// WithBreaker replaces the breaker.
func (f *FakeProvider) WithBreaker(b *circuitbreaker.Breaker) *FakeProvider {
	f.breaker = b
	return f
}

func (f *FakeProvider) Name() string                     { return f.name }
func (f *FakeProvider) IsConfigured() bool               { return f.configured }
func (f *FakeProvider) Breaker() *circuitbreaker.Breaker { return f.breaker }

// Fetch returns the scripted outcome.
func (f *FakeProvider) Fetch(ctx context.Context, keyword string) (*listing.Result, error) {
	f.mu.Lock()
	f.calls++
	f.keywords = append(f.keywords, keyword)
	err, panicMsg, delay := f.err, f.panicMsg, f.delay
	count, confidence := f.count, f.confidence
	f.mu.Unlock()

	if panicMsg != "" {
		panic(panicMsg)
	}
	if delay > 0 {
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if err != nil {
		return nil, err
	}

	return &listing.Result{
		Keyword:    keyword,
		Count:      count,
		Source:     f.name,
		Confidence: confidence,
		Timestamp:  time.Now().UTC(),
	}, nil
}

// Calls returns how many times Fetch ran.
func (f *FakeProvider) Calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

// Keywords returns the keywords Fetch received, in order.
func (f *FakeProvider) Keywords() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.keywords...)
}
