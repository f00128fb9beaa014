package domain

type TaskType string

const (
	TaskChat      TaskType = "chat"
	TaskEmbedding TaskType = "embed"
	TaskVision    TaskType = "vision"
)

type Complexity string

const (
	ComplexityLow    Complexity = "low"
	ComplexityMedium Complexity = "medium"
	ComplexityHigh   Complexity = "high"
)

type Quality string

const (
	QualityDraft    Quality = "draft"
	QualityStandard Quality = "standard"
	QualityPremium  Quality = "premium"
)

// QualityRank orders quality tiers so the registry can match
// "at least this good" requirements.
func QualityRank(q Quality) int {
	switch q {
	case QualityDraft:
		return 0
	case QualityStandard:
		return 1
	case QualityPremium:
		return 2
	default:
		return -1
	}
}

type Capability string

const (
	CapabilityChat      Capability = "chat"
	CapabilityEmbedding Capability = "embedding"
	CapabilityVision    Capability = "vision"
)

// RequiredCapability maps a task type to the capability a candidate
// model must advertise.
func RequiredCapability(t TaskType) Capability {
	switch t {
	case TaskEmbedding:
		return CapabilityEmbedding
	case TaskVision:
		return CapabilityVision
	default:
		return CapabilityChat
	}
}

// TaskDescriptor is the immutable routing input created once per
// external call.
type TaskDescriptor struct {
	Type           TaskType   `json:"task_type"`
	Complexity     Complexity `json:"complexity"`
	Quality        Quality    `json:"quality"`
	OrgID          string     `json:"org_id"`
	UserID         string     `json:"user_id,omitempty"`
	MaxTokens      int        `json:"max_tokens,omitempty"`
	CostCeilingUSD float64    `json:"cost_ceiling_usd,omitempty"`
}

type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type CompletionRequest struct {
	Messages    []Message `json:"messages"`
	Temperature *float64  `json:"temperature,omitempty"`
	MaxTokens   *int      `json:"max_tokens,omitempty"`
	TopP        *float64  `json:"top_p,omitempty"`
	Stop        []string  `json:"stop,omitempty"`
}

type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// CompletionResponse is the provider-agnostic result shape. Provider,
// Model, LatencyMs and CostUSD are filled in by the router after a
// successful dispatch.
type CompletionResponse struct {
	ID           string `json:"id"`
	Content      string `json:"content"`
	FinishReason string `json:"finish_reason,omitempty"`
	Usage        Usage  `json:"usage"`

	Provider  string  `json:"provider"`
	Model     string  `json:"model"`
	LatencyMs int64   `json:"latency_ms"`
	CostUSD   float64 `json:"cost_usd"`
	CacheHit  bool    `json:"cache_hit"`
	RequestID string  `json:"request_id,omitempty"`
}

type EmbeddingRequest struct {
	Input []string `json:"input"`
}

type EmbeddingResponse struct {
	Embeddings [][]float64 `json:"embeddings"`
	Usage      Usage       `json:"usage"`

	Provider  string  `json:"provider"`
	Model     string  `json:"model"`
	LatencyMs int64   `json:"latency_ms"`
	CostUSD   float64 `json:"cost_usd"`
	RequestID string  `json:"request_id,omitempty"`
}

// ProviderDescriptor reports a provider adapter's static properties.
type ProviderDescriptor struct {
	ID             string       `json:"id"`
	Capabilities   []Capability `json:"capabilities"`
	AvgLatencyMs   int64        `json:"avg_latency_ms"`
	MaxConcurrency int          `json:"max_concurrency"`
}

func (d ProviderDescriptor) Supports(c Capability) bool {
	for _, have := range d.Capabilities {
		if have == c {
			return true
		}
	}
	return false
}
