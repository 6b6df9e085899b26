package providers

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"time"
)

// ErrorKind classifies an upstream failure for the dispatch loop.
type ErrorKind int

const (
	// KindTransient covers 5xx, timeouts and connection resets. Retry the
	// same candidate with backoff, then advance.
	KindTransient ErrorKind = iota
	// KindRateLimited is a 429. Honors Retry-After when present.
	KindRateLimited
	// KindAuth is an upstream 401/403. The credential is suspect for this
	// request only; advance to the next candidate.
	KindAuth
	// KindCapability is a refusal for an unsupported feature (422 or a
	// pre-check failure). Advance without retrying.
	KindCapability
	// KindBadRequest is a 400 on a request we built. Not retryable.
	KindBadRequest
	// KindStreamMidFlight is an abort after bytes reached the client. The
	// request is sealed.
	KindStreamMidFlight
)

func (k ErrorKind) String() string {
	switch k {
	case KindTransient:
		return "transient"
	case KindRateLimited:
		return "rate_limited"
	case KindAuth:
		return "upstream_auth"
	case KindCapability:
		return "capability_refusal"
	case KindBadRequest:
		return "upstream_bad_request"
	case KindStreamMidFlight:
		return "stream_mid_flight"
	}
	return "unknown"
}

// ProviderError is a classified upstream failure.
type ProviderError struct {
	Provider   string
	Kind       ErrorKind
	StatusCode int
	Message    string
	RetryAfter time.Duration
}

func (e *ProviderError) Error() string {
	if e.StatusCode > 0 {
		return fmt.Sprintf("%s: upstream returned %d: %s", e.Provider, e.StatusCode, e.Message)
	}
	return fmt.Sprintf("%s: %s", e.Provider, e.Message)
}

// Retryable reports whether the same candidate may be retried.
func (e *ProviderError) Retryable() bool {
	return e.Kind == KindTransient || e.Kind == KindRateLimited
}

// Advanceable reports whether the dispatch loop may move to the next
// candidate after this failure.
func (e *ProviderError) Advanceable() bool {
	switch e.Kind {
	case KindTransient, KindRateLimited, KindAuth, KindCapability:
		return true
	}
	return false
}

// ClassifyHTTP maps an upstream HTTP status to a ProviderError.
func ClassifyHTTP(provider string, status int, body string, header http.Header) *ProviderError {
	pe := &ProviderError{Provider: provider, StatusCode: status, Message: truncate(body, 512)}
	switch {
	case status == http.StatusTooManyRequests:
		pe.Kind = KindRateLimited
		if ra := header.Get("Retry-After"); ra != "" {
			if secs, err := strconv.Atoi(ra); err == nil && secs > 0 {
				pe.RetryAfter = time.Duration(secs) * time.Second
			}
		}
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		pe.Kind = KindAuth
	case status == http.StatusUnprocessableEntity:
		pe.Kind = KindCapability
	case status == http.StatusBadRequest:
		pe.Kind = KindBadRequest
	case status >= 500:
		pe.Kind = KindTransient
	default:
		pe.Kind = KindBadRequest
	}
	return pe
}

// ClassifyTransport maps a transport-level error (dial, reset, deadline)
// to a ProviderError.
func ClassifyTransport(provider string, err error) *ProviderError {
	kind := KindTransient
	var netErr net.Error
	switch {
	case errors.Is(err, context.DeadlineExceeded):
	case errors.As(err, &netErr) && netErr.Timeout():
	case errors.Is(err, context.Canceled):
		// Client went away; not retryable, not advanceable.
		return &ProviderError{Provider: provider, Kind: KindStreamMidFlight, Message: err.Error()}
	}
	return &ProviderError{Provider: provider, Kind: kind, Message: err.Error()}
}

// CapabilityError builds a pre-check refusal without an upstream call.
func CapabilityError(provider, reason string) *ProviderError {
	return &ProviderError{Provider: provider, Kind: KindCapability, Message: reason}
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
