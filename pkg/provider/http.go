package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/rs/zerolog"

	"github.com/Sternrassler/listing-resolver/pkg/logging"
	"github.com/Sternrassler/listing-resolver/pkg/ratelimit"
)

// maxErrorBody caps how much of an error response is kept for the message.
const maxErrorBody = 512

// httpDoer performs one JSON request per call with a per-provider timeout,
// rate limiting, status classification and metrics.
type httpDoer struct {
	provider string
	client   *http.Client
	timeout  time.Duration
	limiter  *ratelimit.Tracker
	logger   zerolog.Logger
}

func newHTTPDoer(provider string, opts Options) *httpDoer {
	client := opts.HTTPClient
	if client == nil {
		client = &http.Client{}
	}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	logger := logging.OrDefault(opts.Logger, "provider").With().Str("provider", provider).Logger()

	return &httpDoer{
		provider: provider,
		client:   client,
		timeout:  timeout,
		limiter:  opts.RateLimiter,
		logger:   logger,
	}
}

// doJSON sends body (if non-nil) as JSON and decodes a 2xx response into out.
// The deadline covers the rate limit wait, the request and the body read.
func (d *httpDoer) doJSON(ctx context.Context, method, url string, headers map[string]string, body, out any) error {
	ctx, cancel := context.WithTimeout(ctx, d.timeout)
	defer cancel()

	startTime := time.Now()
	defer func() {
		providerRequestDuration.WithLabelValues(d.provider).Observe(time.Since(startTime).Seconds())
	}()

	if err := d.limiter.Wait(ctx, d.provider); err != nil {
		return d.fail(ctx, err, 0, "rate limit")
	}

	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshal %s request: %w", d.provider, err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, url, reader)
	if err != nil {
		return fmt.Errorf("create %s request: %w", d.provider, err)
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	d.logger.Debug().Str("method", method).Msg("Executing provider request")

	resp, err := d.client.Do(req)
	if err != nil {
		return d.fail(ctx, err, 0, "request failed")
	}
	defer resp.Body.Close()

	if err := d.limiter.UpdateFromHeaders(d.provider, resp.Header); err != nil {
		d.logger.Warn().Err(err).Msg("Failed to update quota from headers")
	}

	status := strconv.Itoa(resp.StatusCode)
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		errClass := classifyStatus(resp.StatusCode)
		if errClass == "" {
			errClass = ErrorClassServer
		}
		providerRequestsTotal.WithLabelValues(d.provider, status).Inc()
		providerErrorsTotal.WithLabelValues(d.provider, string(errClass)).Inc()

		d.logger.Warn().
			Int("status", resp.StatusCode).
			Str("error_class", string(errClass)).
			Msg("Provider request error")

		msg := resp.Status
		if len(snippet) > 0 {
			msg = fmt.Sprintf("%s: %s", resp.Status, bytes.TrimSpace(snippet))
		}
		return &UpstreamError{
			Provider:   d.provider,
			StatusCode: resp.StatusCode,
			Class:      errClass,
			Message:    msg,
		}
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		if ctx.Err() != nil {
			return d.fail(ctx, err, resp.StatusCode, "read body")
		}
		providerRequestsTotal.WithLabelValues(d.provider, status).Inc()
		providerErrorsTotal.WithLabelValues(d.provider, "extraction").Inc()
		return &ExtractionError{Provider: d.provider, Reason: "decode response: " + err.Error()}
	}

	providerRequestsTotal.WithLabelValues(d.provider, status).Inc()
	return nil
}

// fail converts a transport-level error into the provider taxonomy.
func (d *httpDoer) fail(ctx context.Context, err error, status int, msg string) error {
	var out error
	var errClass string

	switch {
	case errors.Is(ctx.Err(), context.DeadlineExceeded) || errors.Is(err, context.DeadlineExceeded):
		errClass = "timeout"
		out = fmt.Errorf("%w: %s after %s: %v", ErrTimeout, d.provider, d.timeout, err)
	case errors.Is(err, ratelimit.ErrQuotaExhausted):
		errClass = string(ErrorClassRateLimit)
		out = &UpstreamError{Provider: d.provider, Class: ErrorClassRateLimit, Message: msg, Err: err}
	case errors.Is(err, context.Canceled):
		errClass = "canceled"
		out = fmt.Errorf("%s %s: %w", d.provider, msg, err)
	default:
		errClass = string(ErrorClassNetwork)
		out = &UpstreamError{Provider: d.provider, StatusCode: status, Class: ErrorClassNetwork, Message: msg, Err: err}
	}

	providerRequestsTotal.WithLabelValues(d.provider, errClass).Inc()
	providerErrorsTotal.WithLabelValues(d.provider, errClass).Inc()
	d.logger.Warn().Err(err).Str("error_class", errClass).Msg("Provider request failed")
	return out
}
