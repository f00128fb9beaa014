package openai

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
	apiKey  string
	baseURL string
	client  *http.Client
}

func New(apiKey, baseURL string) *Adapter {
	return &Adapter{
		apiKey:  apiKey,
		baseURL: baseURL,
		client:  httputil.DefaultClient(),
	}
}

func (a *Adapter) ID() string {
	return "openai"
}

func (a *Adapter) Descriptor() domain.ProviderDescriptor {
	return domain.ProviderDescriptor{
		ID: "openai",
		Capabilities: []domain.Capability{
			domain.CapabilityChat,
			domain.CapabilityVision,
			domain.CapabilityEmbedding,
		},
		AvgLatencyMs:   1500,
		MaxConcurrency: 32,
	}
}

type chatRequest struct {
	Model       string           `json:"model"`
	Messages    []domain.Message `json:"messages"`
	Temperature *float64         `json:"temperature,omitempty"`
	MaxTokens   *int             `json:"max_tokens,omitempty"`
	TopP        *float64         `json:"top_p,omitempty"`
	Stop        []string         `json:"stop,omitempty"`
}

type chatResponse struct {
	ID      string `json:"id"`
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
		FinishReason string `json:"finish_reason"`
	} `json:"choices"`
	Usage struct {
		PromptTokens     int `json:"prompt_tokens"`
		CompletionTokens int `json:"completion_tokens"`
		TotalTokens      int `json:"total_tokens"`
	} `json:"usage"`
}

func (a *Adapter) Complete(ctx context.Context, model string, req domain.CompletionRequest) (*domain.CompletionResponse, error) {
	body := chatRequest{
		Model:       model,
		Messages:    req.Messages,
		Temperature: req.Temperature,
		MaxTokens:   req.MaxTokens,
		TopP:        req.TopP,
		Stop:        req.Stop,
	}

	var raw chatResponse
	err := provider.Retry(ctx, func() error {
		return a.post(ctx, "/chat/completions", body, &raw)
	})
	if err != nil {
		return nil, err
	}

	if len(raw.Choices) == 0 {
		return nil, fmt.Errorf("openai: empty choices")
	}

	return &domain.CompletionResponse{
		ID:           raw.ID,
		Content:      raw.Choices[0].Message.Content,
		FinishReason: raw.Choices[0].FinishReason,
		Usage: domain.Usage{
			PromptTokens:     raw.Usage.PromptTokens,
			CompletionTokens: raw.Usage.CompletionTokens,
			TotalTokens:      raw.Usage.TotalTokens,
		},
	}, nil
}

type embeddingRequest struct {
	Model string   `json:"model"`
	Input []string `json:"input"`
}

type embeddingResponse struct {
	Data []struct {
		Embedding []float64 `json:"embedding"`
	} `json:"data"`
	Usage struct {
		PromptTokens int `json:"prompt_tokens"`
		TotalTokens  int `json:"total_tokens"`
	} `json:"usage"`
}

func (a *Adapter) Embed(ctx context.Context, model string, req domain.EmbeddingRequest) (*domain.EmbeddingResponse, error) {
	body := embeddingRequest{Model: model, Input: req.Input}

	var raw embeddingResponse
	err := provider.Retry(ctx, func() error {
		return a.post(ctx, "/embeddings", body, &raw)
	})
	if err != nil {
		return nil, err
	}

	embeddings := make([][]float64, len(raw.Data))
	for i, d := range raw.Data {
		embeddings[i] = d.Embedding
	}

	return &domain.EmbeddingResponse{
		Embeddings: embeddings,
		Usage: domain.Usage{
			PromptTokens: raw.Usage.PromptTokens,
			TotalTokens:  raw.Usage.TotalTokens,
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
	httpReq.Header.Set("Authorization", "Bearer "+a.apiKey)

	resp, err := a.client.Do(httpReq)
	if err != nil {
		return fmt.Errorf("do request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return &provider.APIError{Provider: "openai", Status: resp.StatusCode}
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

func (a *Adapter) HealthCheck(ctx context.Context) error {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, a.baseURL+"/models", http.NoBody)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	httpReq.Header.Set("Authorization", "Bearer "+a.apiKey)

	resp, err := a.client.Do(httpReq)
	if err != nil {
		return fmt.Errorf("do request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return &provider.APIError{Provider: "openai", Status: resp.StatusCode}
	}
	return nil
}
