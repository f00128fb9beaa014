// Package pipeline composes ordered request/response interceptors
// around the router dispatch using the onion model: Before hooks run
// in registration order, After hooks in reverse. A Before hook may
// short-circuit the dispatch by attaching a response (cache hit) or
// abort it by returning an error (rate limit, budget); After hooks for
// every stage still run, so short-circuited calls are logged and
// monitored like any other.
package pipeline

import (
	"context"
	"time"

	"github.com/mosaicdocs/aicore/internal/domain"
)

// Exchange carries one call's state through the stages. It is owned by
// a single call and never shared.
type Exchange struct {
	RequestID string
	Task      domain.TaskDescriptor
	Start     time.Time

	CompletionRequest *domain.CompletionRequest
	EmbeddingRequest  *domain.EmbeddingRequest

	Response          *domain.CompletionResponse
	EmbeddingResponse *domain.EmbeddingResponse

	CacheKey   string
	CacheHit   bool
	Dispatched bool
	Err        error
}

// Responded reports whether the exchange already has a result.
func (ex *Exchange) Responded() bool {
	return ex.Response != nil || ex.EmbeddingResponse != nil
}

// CostUSD returns the cost of whichever response is present.
func (ex *Exchange) CostUSD() float64 {
	if ex.Response != nil {
		return ex.Response.CostUSD
	}
	if ex.EmbeddingResponse != nil {
		return ex.EmbeddingResponse.CostUSD
	}
	return 0
}

// Usage returns the token usage of whichever response is present.
func (ex *Exchange) Usage() domain.Usage {
	if ex.Response != nil {
		return ex.Response.Usage
	}
	if ex.EmbeddingResponse != nil {
		return ex.EmbeddingResponse.Usage
	}
	return domain.Usage{}
}

// ProviderModel returns the provider and model that served the call.
func (ex *Exchange) ProviderModel() (string, string) {
	if ex.Response != nil {
		return ex.Response.Provider, ex.Response.Model
	}
	if ex.EmbeddingResponse != nil {
		return ex.EmbeddingResponse.Provider, ex.EmbeddingResponse.Model
	}
	return "", ""
}

type Stage interface {
	Name() string

	// Before runs ahead of dispatch. Attaching a response to the
	// exchange short-circuits the remaining stages and the dispatch;
	// returning an error aborts the call.
	Before(ctx context.Context, ex *Exchange) error

	// After runs once the call has a result (or a failure), in reverse
	// registration order. It must tolerate its Before not having run.
	After(ctx context.Context, ex *Exchange)
}

type Pipeline struct {
	stages []Stage
}

func New(stages ...Stage) *Pipeline {
	return &Pipeline{stages: stages}
}

// Execute runs the exchange through the pipeline around dispatch.
func (p *Pipeline) Execute(ctx context.Context, ex *Exchange, dispatch func(ctx context.Context) error) error {
	for _, stage := range p.stages {
		if err := stage.Before(ctx, ex); err != nil {
			ex.Err = err
			p.runAfter(ctx, ex)
			return err
		}
		if ex.Responded() {
			// Short-circuited (cache hit); the router is never invoked.
			break
		}
	}

	if !ex.Responded() {
		ex.Dispatched = true
		ex.Err = dispatch(ctx)
	}

	p.runAfter(ctx, ex)
	return ex.Err
}

func (p *Pipeline) runAfter(ctx context.Context, ex *Exchange) {
	for i := len(p.stages) - 1; i >= 0; i-- {
		p.stages[i].After(ctx, ex)
	}
}
