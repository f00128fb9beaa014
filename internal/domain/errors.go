package domain

import (
	"errors"
	"fmt"
	"strings"
)

var (
	ErrCircuitOpen       = errors.New("circuit breaker open")
	ErrProviderNotFound  = errors.New("provider not found")
	ErrProviderSaturated = errors.New("provider at max concurrency")
	ErrRateLimitExceeded = errors.New("rate limit exceeded")
	ErrTooManyRequests   = errors.New("too many in-flight requests")
	ErrNotSupported      = errors.New("operation not supported by provider")
)

// InvalidRequestError indicates a malformed task descriptor or request.
// It fails fast before any dispatch, so no cost is incurred.
type InvalidRequestError struct {
	Field  string
	Reason string
}

func (e *InvalidRequestError) Error() string {
	return fmt.Sprintf("invalid request: %s: %s", e.Field, e.Reason)
}

// CostLimitExceededError indicates the cost guard rejected the request
// before dispatch. Terminal; never retried automatically.
type CostLimitExceededError struct {
	OrgID       string
	Window      string
	LimitUSD    float64
	SpentUSD    float64
	EstimateUSD float64
}

func (e *CostLimitExceededError) Error() string {
	return fmt.Sprintf("cost limit exceeded for org %s: %s limit $%.4f, spent $%.4f, estimate $%.4f",
		e.OrgID, e.Window, e.LimitUSD, e.SpentUSD, e.EstimateUSD)
}

// ProviderUnavailableError wraps a single candidate's failure. Always
// recoverable by falling back to the next candidate; it crosses the
// service boundary only as part of an AllProvidersFailedError trail.
type ProviderUnavailableError struct {
	Provider string
	Reason   string
}

func (e *ProviderUnavailableError) Error() string {
	return fmt.Sprintf("provider %s unavailable: %s", e.Provider, e.Reason)
}

// AttemptCause classifies why a candidate was skipped or failed.
type AttemptCause string

const (
	CauseCircuitOpen AttemptCause = "circuit_open"
	CauseBudget      AttemptCause = "budget"
	CauseSaturated   AttemptCause = "saturated"
	CauseTimeout     AttemptCause = "timeout"
	CauseProvider    AttemptCause = "provider_error"
)

// Attempt records one entry in the fallback trail. Reason is
// normalized before inclusion; raw provider payloads never appear here.
type Attempt struct {
	Provider string       `json:"provider"`
	Model    string       `json:"model"`
	Cause    AttemptCause `json:"cause"`
	Reason   string       `json:"reason"`
}

// AllProvidersFailedError is the terminal routing error: every
// candidate in the fallback chain was skipped or failed. The trail
// enumerates each attempted candidate and its failure reason.
type AllProvidersFailedError struct {
	Attempts []Attempt
}

func (e *AllProvidersFailedError) Error() string {
	if len(e.Attempts) == 0 {
		return "all providers failed: no eligible candidates"
	}
	parts := make([]string, 0, len(e.Attempts))
	for _, a := range e.Attempts {
		parts = append(parts, fmt.Sprintf("%s/%s: %s (%s)", a.Provider, a.Model, a.Reason, a.Cause))
	}
	return "all providers failed: " + strings.Join(parts, "; ")
}
