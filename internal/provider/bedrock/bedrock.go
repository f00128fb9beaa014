package bedrock

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime"

	"github.com/mosaicdocs/aicore/internal/domain"
)

const anthropicVersion = "bedrock-2023-05-31"

type Adapter struct {
	client *bedrockruntime.Client
	region string
}

func New(ctx context.Context, region string) (*Adapter, error) {
	cfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(region))
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}

	return &Adapter{
		client: bedrockruntime.NewFromConfig(cfg),
		region: region,
	}, nil
}

func NewWithConfig(cfg aws.Config) *Adapter {
	return &Adapter{
		client: bedrockruntime.NewFromConfig(cfg),
		region: cfg.Region,
	}
}

func (a *Adapter) ID() string {
	return "bedrock"
}

func (a *Adapter) Descriptor() domain.ProviderDescriptor {
	return domain.ProviderDescriptor{
		ID: "bedrock",
		Capabilities: []domain.Capability{
			domain.CapabilityChat,
			domain.CapabilityEmbedding,
		},
		AvgLatencyMs:   1500,
		MaxConcurrency: 16,
	}
}

type claudeRequest struct {
	AnthropicVersion string           `json:"anthropic_version"`
	System           string           `json:"system,omitempty"`
	Messages         []domain.Message `json:"messages"`
	MaxTokens        int              `json:"max_tokens"`
	Temperature      *float64         `json:"temperature,omitempty"`
	TopP             *float64         `json:"top_p,omitempty"`
}

type claudeResponse struct {
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
	maxTokens := 4096
	if req.MaxTokens != nil {
		maxTokens = *req.MaxTokens
	}

	body := claudeRequest{
		AnthropicVersion: anthropicVersion,
		MaxTokens:        maxTokens,
		Temperature:      req.Temperature,
		TopP:             req.TopP,
	}
	for _, m := range req.Messages {
		if m.Role == "system" {
			body.System = m.Content
			continue
		}
		body.Messages = append(body.Messages, m)
	}

	payload, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	output, err := a.client.InvokeModel(ctx, &bedrockruntime.InvokeModelInput{
		ModelId:     aws.String(model),
		ContentType: aws.String("application/json"),
		Accept:      aws.String("application/json"),
		Body:        payload,
	})
	if err != nil {
		return nil, fmt.Errorf("invoke model: %w", err)
	}

	var raw claudeResponse
	if err := json.Unmarshal(output.Body, &raw); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
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

type titanEmbedRequest struct {
	InputText string `json:"inputText"`
}

type titanEmbedResponse struct {
	Embedding           []float64 `json:"embedding"`
	InputTextTokenCount int       `json:"inputTextTokenCount"`
}

func (a *Adapter) Embed(ctx context.Context, model string, req domain.EmbeddingRequest) (*domain.EmbeddingResponse, error) {
	if !strings.Contains(model, "embed") {
		return nil, domain.ErrNotSupported
	}

	// Titan embeds one text per invocation.
	embeddings := make([][]float64, 0, len(req.Input))
	totalTokens := 0

	for _, text := range req.Input {
		payload, err := json.Marshal(titanEmbedRequest{InputText: text})
		if err != nil {
			return nil, fmt.Errorf("marshal request: %w", err)
		}

		output, err := a.client.InvokeModel(ctx, &bedrockruntime.InvokeModelInput{
			ModelId:     aws.String(model),
			ContentType: aws.String("application/json"),
			Accept:      aws.String("application/json"),
			Body:        payload,
		})
		if err != nil {
			return nil, fmt.Errorf("invoke model: %w", err)
		}

		var raw titanEmbedResponse
		if err := json.Unmarshal(output.Body, &raw); err != nil {
			return nil, fmt.Errorf("decode response: %w", err)
		}

		embeddings = append(embeddings, raw.Embedding)
		totalTokens += raw.InputTextTokenCount
	}

	return &domain.EmbeddingResponse{
		Embeddings: embeddings,
		Usage: domain.Usage{
			PromptTokens: totalTokens,
			TotalTokens:  totalTokens,
		},
	}, nil
}

func (a *Adapter) HealthCheck(ctx context.Context) error {
	// Credentials and connectivity problems surface on dispatch; the
	// runtime API has no dedicated health endpoint.
	return nil
}
