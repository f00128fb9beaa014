// Package registry holds the catalogue of (provider, model) pairs with
// capability and pricing metadata. The router consults it to build
// candidate lists; pricing feeds cost estimation and usage accounting.
package registry

import (
	"sync/atomic"

	"github.com/mosaicdocs/aicore/internal/domain"
)

// Entry describes one routable (provider, model) pair. Pricing is in
// USD per 1K tokens.
type Entry struct {
	Provider     string              `json:"provider"`
	Model        string              `json:"model"`
	Capabilities []domain.Capability `json:"capabilities"`
	Quality      domain.Quality      `json:"quality"`
	InputPer1K   float64             `json:"input_per_1k"`
	OutputPer1K  float64             `json:"output_per_1k"`
	AvgLatencyMs int64               `json:"avg_latency_ms"`
	MaxTokens    int                 `json:"max_tokens"`
}

func (e Entry) Supports(c domain.Capability) bool {
	for _, have := range e.Capabilities {
		if have == c {
			return true
		}
	}
	return false
}

// Registry is read-mostly: lookups take the current catalogue
// reference; Reload swaps the whole catalogue atomically.
type Registry struct {
	entries atomic.Pointer[[]Entry]
}

func New(entries []Entry) *Registry {
	r := &Registry{}
	r.entries.Store(&entries)
	return r
}

// Reload replaces the catalogue. In-flight candidate lists built from
// the previous catalogue remain valid for their call.
func (r *Registry) Reload(entries []Entry) {
	r.entries.Store(&entries)
}

func (r *Registry) Entries() []Entry {
	return *r.entries.Load()
}

// Candidates returns the entries eligible for a task: the entry must
// support the task's required capability, meet the quality
// requirement, and fit the requested token budget. Ordering is left to
// the router's scoring.
func (r *Registry) Candidates(task domain.TaskDescriptor) []Entry {
	required := domain.RequiredCapability(task.Type)
	minRank := domain.QualityRank(task.Quality)

	var out []Entry
	for _, e := range r.Entries() {
		if !e.Supports(required) {
			continue
		}
		if domain.QualityRank(e.Quality) < minRank {
			continue
		}
		if task.MaxTokens > 0 && e.MaxTokens > 0 && task.MaxTokens > e.MaxTokens {
			continue
		}
		out = append(out, e)
	}
	return out
}

// Lookup finds the entry for a (provider, model) pair.
func (r *Registry) Lookup(provider, model string) (Entry, bool) {
	for _, e := range r.Entries() {
		if e.Provider == provider && e.Model == model {
			return e, true
		}
	}
	return Entry{}, false
}

// EstimateCost predicts the worst-case cost of a dispatch before token
// counts are known. Prompt size is approximated by promptTokens;
// completion size by the smaller of maxTokens and the entry cap.
func (e Entry) EstimateCost(promptTokens, maxTokens int) float64 {
	completion := maxTokens
	if completion <= 0 || (e.MaxTokens > 0 && completion > e.MaxTokens) {
		completion = e.MaxTokens
	}
	if completion < 0 {
		completion = 0
	}
	return float64(promptTokens)/1000*e.InputPer1K + float64(completion)/1000*e.OutputPer1K
}

// Cost computes the actual cost from observed usage.
func (e Entry) Cost(usage domain.Usage) float64 {
	return float64(usage.PromptTokens)/1000*e.InputPer1K +
		float64(usage.CompletionTokens)/1000*e.OutputPer1K
}

// Default returns the built-in catalogue used when no external
// catalogue is configured.
func Default() []Entry {
	chat := []domain.Capability{domain.CapabilityChat}
	chatVision := []domain.Capability{domain.CapabilityChat, domain.CapabilityVision}
	embed := []domain.Capability{domain.CapabilityEmbedding}

	return []Entry{
		{Provider: "openai", Model: "gpt-4o", Capabilities: chatVision, Quality: domain.QualityPremium, InputPer1K: 0.005, OutputPer1K: 0.015, AvgLatencyMs: 1800, MaxTokens: 16384},
		{Provider: "openai", Model: "gpt-4o-mini", Capabilities: chatVision, Quality: domain.QualityStandard, InputPer1K: 0.00015, OutputPer1K: 0.0006, AvgLatencyMs: 900, MaxTokens: 16384},
		{Provider: "openai", Model: "gpt-3.5-turbo", Capabilities: chat, Quality: domain.QualityDraft, InputPer1K: 0.0005, OutputPer1K: 0.0015, AvgLatencyMs: 700, MaxTokens: 4096},
		{Provider: "openai", Model: "text-embedding-3-small", Capabilities: embed, Quality: domain.QualityStandard, InputPer1K: 0.00002, AvgLatencyMs: 300, MaxTokens: 8191},
		{Provider: "anthropic", Model: "claude-3-5-sonnet-20241022", Capabilities: chatVision, Quality: domain.QualityPremium, InputPer1K: 0.003, OutputPer1K: 0.015, AvgLatencyMs: 2000, MaxTokens: 8192},
		{Provider: "anthropic", Model: "claude-3-5-haiku-20241022", Capabilities: chat, Quality: domain.QualityStandard, InputPer1K: 0.001, OutputPer1K: 0.005, AvgLatencyMs: 1000, MaxTokens: 8192},
		{Provider: "bedrock", Model: "anthropic.claude-3-haiku-20240307-v1:0", Capabilities: chat, Quality: domain.QualityStandard, InputPer1K: 0.00025, OutputPer1K: 0.00125, AvgLatencyMs: 1200, MaxTokens: 4096},
		{Provider: "bedrock", Model: "amazon.titan-embed-text-v2:0", Capabilities: embed, Quality: domain.QualityStandard, InputPer1K: 0.00002, AvgLatencyMs: 400, MaxTokens: 8192},
		{Provider: "ollama", Model: "llama3.1", Capabilities: chat, Quality: domain.QualityDraft, InputPer1K: 0, OutputPer1K: 0, AvgLatencyMs: 3000, MaxTokens: 8192},
		{Provider: "ollama", Model: "nomic-embed-text", Capabilities: embed, Quality: domain.QualityDraft, InputPer1K: 0, AvgLatencyMs: 500, MaxTokens: 8192},
	}
}
