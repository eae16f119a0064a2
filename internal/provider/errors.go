package provider

import (
	"context"
	"errors"
	"fmt"
	"net/http"
)

// Error taxonomy shared by the planner, orchestrator and API layer.
var (
	// ErrRateLimited is returned when a credential or provider hit its limit.
	ErrRateLimited = errors.New("rate limited")

	// ErrTimeout is returned when a call exceeded its deadline.
	ErrTimeout = errors.New("call deadline exceeded")

	// ErrUpstream is returned when a provider answered with a non-retryable error.
	ErrUpstream = errors.New("upstream error")

	// ErrProviderUnavailable is returned when no eligible provider could serve a request.
	ErrProviderUnavailable = errors.New("no provider available")

	// ErrBackpressured is returned when a queued request was dropped.
	ErrBackpressured = errors.New("request dropped by backpressure")

	// ErrCacheUnavailable marks a cache tier failure. It never reaches callers.
	ErrCacheUnavailable = errors.New("cache tier unavailable")

	// ErrUnsupportedDataType is returned for data types a provider cannot serve.
	ErrUnsupportedDataType = errors.New("unsupported data type")

	// ErrSymbolNotFound is returned when a provider does not know the symbol.
	ErrSymbolNotFound = errors.New("symbol not found")
)

// UpstreamError carries the HTTP status a provider answered with.
type UpstreamError struct {
	Provider   string
	StatusCode int
	Err        error
}

func (e *UpstreamError) Error() string {
	if e.StatusCode > 0 {
		return fmt.Sprintf("%s: status %d: %v", e.Provider, e.StatusCode, e.Err)
	}
	return fmt.Sprintf("%s: %v", e.Provider, e.Err)
}

func (e *UpstreamError) Unwrap() error {
	return e.Err
}

// Transient reports whether the status is worth retrying elsewhere.
func (e *UpstreamError) Transient() bool {
	return e.StatusCode == 0 || e.StatusCode >= 500
}

// ClassifyStatus converts a non-2xx HTTP status to the error taxonomy.
// Returns nil for 2xx statuses.
func ClassifyStatus(providerName string, status int) error {
	switch {
	case status >= 200 && status < 300:
		return nil
	case status == http.StatusTooManyRequests:
		return &UpstreamError{Provider: providerName, StatusCode: status, Err: ErrRateLimited}
	case status == http.StatusNotFound:
		return &UpstreamError{Provider: providerName, StatusCode: status, Err: ErrSymbolNotFound}
	default:
		return &UpstreamError{Provider: providerName, StatusCode: status, Err: ErrUpstream}
	}
}

// IsTransient reports whether err should be retried, possibly on another provider.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrRateLimited) || errors.Is(err, ErrTimeout) || errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var upstream *UpstreamError
	if errors.As(err, &upstream) {
		return upstream.Transient()
	}
	return false
}
