// Package provider defines the adapter contract every AI backend
// integration satisfies. Adapters normalize one backend's wire shape
// into the unified request/response schema and report their static
// capabilities.
package provider

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/mosaicdocs/aicore/internal/domain"
)

// Adapter is the pluggable integration shim for one backend. An
// adapter may perform a single short transient-network retry
// internally; multi-provider retries belong to the router.
type Adapter interface {
	ID() string
	Descriptor() domain.ProviderDescriptor
	Complete(ctx context.Context, model string, req domain.CompletionRequest) (*domain.CompletionResponse, error)
	Embed(ctx context.Context, model string, req domain.EmbeddingRequest) (*domain.EmbeddingResponse, error)
	HealthCheck(ctx context.Context) error
}

// retryDelay is the backoff before the single transient retry adapters
// are allowed.
const retryDelay = 200 * time.Millisecond

// Retry runs fn and retries once on a transport-level error. Context
// errors and provider API errors are not retried.
func Retry(ctx context.Context, fn func() error) error {
	err := fn()
	if err == nil || !IsTransportError(err) || ctx.Err() != nil {
		return err
	}

	select {
	case <-time.After(retryDelay):
	case <-ctx.Done():
		return ctx.Err()
	}

	return fn()
}

// IsTransportError reports whether an error came from the network
// layer rather than the provider's API.
func IsTransportError(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	var apiErr *APIError
	return !errors.As(err, &apiErr)
}

// APIError is a normalized provider API failure. The response body is
// never carried, only the status code, so raw provider payloads cannot
// leak into error trails.
type APIError struct {
	Provider string
	Status   int
}

func (e *APIError) Error() string {
	return fmt.Sprintf("%s api error: status %d", e.Provider, e.Status)
}
