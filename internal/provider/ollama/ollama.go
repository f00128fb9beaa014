package ollama

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/mosaicdocs/aicore/internal/domain"
	"github.com/mosaicdocs/aicore/internal/httputil"
	"github.com/mosaicdocs/aicore/internal/provider"
)

type Adapter struct {
	baseURL string
	client  *http.Client
}

func New(baseURL string) *Adapter {
	return &Adapter{
		baseURL: baseURL,
		client:  httputil.DefaultClient(),
	}
}

func (a *Adapter) ID() string {
	return "ollama"
}

func (a *Adapter) Descriptor() domain.ProviderDescriptor {
	return domain.ProviderDescriptor{
		ID: "ollama",
		Capabilities: []domain.Capability{
			domain.CapabilityChat,
			domain.CapabilityEmbedding,
		},
		AvgLatencyMs:   3000,
		MaxConcurrency: 4,
	}
}

type chatRequest struct {
	Model    string           `json:"model"`
	Messages []domain.Message `json:"messages"`
	Stream   bool             `json:"stream"`
	Options  map[string]any   `json:"options,omitempty"`
}

type chatResponse struct {
	Message struct {
		Content string `json:"content"`
	} `json:"message"`
	DoneReason      string `json:"done_reason"`
	PromptEvalCount int    `json:"prompt_eval_count"`
	EvalCount       int    `json:"eval_count"`
}

func (a *Adapter) Complete(ctx context.Context, model string, req domain.CompletionRequest) (*domain.CompletionResponse, error) {
	options := map[string]any{}
	if req.Temperature != nil {
		options["temperature"] = *req.Temperature
	}
	if req.TopP != nil {
		options["top_p"] = *req.TopP
	}
	if req.MaxTokens != nil {
		options["num_predict"] = *req.MaxTokens
	}
	if len(req.Stop) > 0 {
		options["stop"] = req.Stop
	}

	body := chatRequest{
		Model:    model,
		Messages: req.Messages,
		Stream:   false,
		Options:  options,
	}

	var raw chatResponse
	err := provider.Retry(ctx, func() error {
		return a.post(ctx, "/api/chat", body, &raw)
	})
	if err != nil {
		return nil, err
	}

	return &domain.CompletionResponse{
		Content:      raw.Message.Content,
		FinishReason: raw.DoneReason,
		Usage: domain.Usage{
			PromptTokens:     raw.PromptEvalCount,
			CompletionTokens: raw.EvalCount,
			TotalTokens:      raw.PromptEvalCount + raw.EvalCount,
		},
	}, nil
}

type embedRequest struct {
	Model string   `json:"model"`
	Input []string `json:"input"`
}

type embedResponse struct {
	Embeddings      [][]float64 `json:"embeddings"`
	PromptEvalCount int         `json:"prompt_eval_count"`
}

func (a *Adapter) Embed(ctx context.Context, model string, req domain.EmbeddingRequest) (*domain.EmbeddingResponse, error) {
	body := embedRequest{Model: model, Input: req.Input}

	var raw embedResponse
	err := provider.Retry(ctx, func() error {
		return a.post(ctx, "/api/embed", body, &raw)
	})
	if err != nil {
		return nil, err
	}

	return &domain.EmbeddingResponse{
		Embeddings: raw.Embeddings,
		Usage: domain.Usage{
			PromptTokens: raw.PromptEvalCount,
			TotalTokens:  raw.PromptEvalCount,
		},
	}, nil
}

func (a *Adapter) post(ctx context.Context, path string, body, out interface{}) error {
	data, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, a.baseURL+path, bytes.NewReader(data))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := a.client.Do(httpReq)
	if err != nil {
		return fmt.Errorf("do request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return &provider.APIError{Provider: "ollama", Status: resp.StatusCode}
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

func (a *Adapter) HealthCheck(ctx context.Context) error {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, a.baseURL+"/api/tags", http.NoBody)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}

	resp, err := a.client.Do(httpReq)
	if err != nil {
		return fmt.Errorf("do request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return &provider.APIError{Provider: "ollama", Status: resp.StatusCode}
	}
	return nil
}
