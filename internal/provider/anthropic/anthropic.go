package anthropic

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

const (
	baseURL    = "https://api.anthropic.com/v1"
	apiVersion = "2023-06-01"

	defaultMaxTokens = 4096
)

type Adapter struct {
	apiKey string
	client *http.Client
}

func New(apiKey string) *Adapter {
	return &Adapter{
		apiKey: apiKey,
		client: httputil.DefaultClient(),
	}
}

func (a *Adapter) ID() string {
	return "anthropic"
}

func (a *Adapter) Descriptor() domain.ProviderDescriptor {
	return domain.ProviderDescriptor{
		ID: "anthropic",
		Capabilities: []domain.Capability{
			domain.CapabilityChat,
			domain.CapabilityVision,
		},
		AvgLatencyMs:   2000,
		MaxConcurrency: 16,
	}
}

type messagesRequest struct {
	Model       string           `json:"model"`
	System      string           `json:"system,omitempty"`
	Messages    []domain.Message `json:"messages"`
	MaxTokens   int              `json:"max_tokens"`
	Temperature *float64         `json:"temperature,omitempty"`
	TopP        *float64         `json:"top_p,omitempty"`
	StopSeqs    []string         `json:"stop_sequences,omitempty"`
}

type messagesResponse struct {
	ID      string `json:"id"`
	Content []struct {
		Type string `json:"type"`
		Text string `json:"text"`
	} `json:"content"`
	StopReason string `json:"stop_reason"`
	Usage      struct {
		InputTokens  int `json:"input_tokens"`
		OutputTokens int `json:"output_tokens"`
	} `json:"usage"`
}

func (a *Adapter) Complete(ctx context.Context, model string, req domain.CompletionRequest) (*domain.CompletionResponse, error) {
	maxTokens := defaultMaxTokens
	if req.MaxTokens != nil {
		maxTokens = *req.MaxTokens
	}

	// The messages API takes the system prompt as a top-level field.
	body := messagesRequest{
		Model:       model,
		MaxTokens:   maxTokens,
		Temperature: req.Temperature,
		TopP:        req.TopP,
		StopSeqs:    req.Stop,
	}
	for _, m := range req.Messages {
		if m.Role == "system" {
			body.System = m.Content
			continue
		}
		body.Messages = append(body.Messages, m)
	}

	var raw messagesResponse
	err := provider.Retry(ctx, func() error {
		return a.post(ctx, "/messages", body, &raw)
	})
	if err != nil {
		return nil, err
	}

	var content string
	for _, block := range raw.Content {
		if block.Type == "text" {
			content += block.Text
		}
	}

	return &domain.CompletionResponse{
		ID:           raw.ID,
		Content:      content,
		FinishReason: raw.StopReason,
		Usage: domain.Usage{
			PromptTokens:     raw.Usage.InputTokens,
			CompletionTokens: raw.Usage.OutputTokens,
			TotalTokens:      raw.Usage.InputTokens + raw.Usage.OutputTokens,
		},
	}, nil
}

// Embed is unsupported; the registry never offers anthropic for
// embedding tasks, so this only guards against misconfiguration.
func (a *Adapter) Embed(ctx context.Context, model string, req domain.EmbeddingRequest) (*domain.EmbeddingResponse, error) {
	return nil, domain.ErrNotSupported
}

func (a *Adapter) post(ctx context.Context, path string, body, out interface{}) error {
	data, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, baseURL+path, bytes.NewReader(data))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("x-api-key", a.apiKey)
	httpReq.Header.Set("anthropic-version", apiVersion)

	resp, err := a.client.Do(httpReq)
	if err != nil {
		return fmt.Errorf("do request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return &provider.APIError{Provider: "anthropic", Status: resp.StatusCode}
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

func (a *Adapter) HealthCheck(ctx context.Context) error {
	// Anthropic has no cheap list endpoint; a minimal message request
	// would cost money, so health is inferred from dispatch outcomes.
	return nil
}
