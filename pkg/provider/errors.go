package provider

import (
	"context"
	"errors"
	"fmt"
)

// Common errors returned by providers.
var (
	// ErrNotConfigured is returned when required credentials are missing.
	ErrNotConfigured = errors.New("provider not configured")

	// ErrCircuitOpen is reported for a tier skipped by its breaker.
	ErrCircuitOpen = errors.New("circuit breaker open")

	// ErrTimeout is returned when a provider call exceeds its deadline.
	ErrTimeout = errors.New("provider timeout")
)

// ErrorClass represents a classification of upstream failures.
type ErrorClass string

const (
	// ErrorClassClient represents 4xx client errors.
	ErrorClassClient ErrorClass = "client"

	// ErrorClassServer represents 5xx server errors.
	ErrorClassServer ErrorClass = "server"

	// ErrorClassRateLimit represents 429 responses and local quota refusals.
	ErrorClassRateLimit ErrorClass = "rate_limit"

	// ErrorClassNetwork represents transport failures.
	ErrorClassNetwork ErrorClass = "network"
)

// UpstreamError is a non-2xx response or a transport failure.
type UpstreamError struct {
	Provider   string
	StatusCode int
	Class      ErrorClass
	Message    string
	Err        error
}

// Error implements the error interface.
func (e *UpstreamError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s %s error (status %d): %s: %v",
			e.Provider, e.Class, e.StatusCode, e.Message, e.Err)
	}
	return fmt.Sprintf("%s %s error (status %d): %s",
		e.Provider, e.Class, e.StatusCode, e.Message)
}

// Unwrap implements error unwrapping for errors.Is/As.
func (e *UpstreamError) Unwrap() error {
	return e.Err
}

// ExtractionError means a response arrived but held no usable count.
type ExtractionError struct {
	Provider string
	Reason   string
}

func (e *ExtractionError) Error() string {
	return fmt.Sprintf("%s: could not extract count: %s", e.Provider, e.Reason)
}

// classifyStatus maps an HTTP status to an error class.
func classifyStatus(status int) ErrorClass {
	switch {
	case status == 429:
		return ErrorClassRateLimit
	case status >= 400 && status < 500:
		return ErrorClassClient
	case status >= 500:
		return ErrorClassServer
	default:
		return ""
	}
}

// Classify returns the label used for err in logs and metrics.
func Classify(err error) string {
	if err == nil {
		return ""
	}

	var upstream *UpstreamError
	var extraction *ExtractionError
	switch {
	case errors.Is(err, ErrNotConfigured):
		return "not_configured"
	case errors.Is(err, ErrCircuitOpen):
		return "circuit_open"
	case errors.Is(err, ErrTimeout), errors.Is(err, context.DeadlineExceeded):
		return "timeout"
	case errors.Is(err, context.Canceled):
		return "canceled"
	case errors.As(err, &extraction):
		return "extraction"
	case errors.As(err, &upstream):
		return string(upstream.Class)
	default:
		return "unknown"
	}
}
