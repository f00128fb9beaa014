// Package abtest assigns callers to experiment variants and
// aggregates per-variant outcome metrics. Assignment is a pure
// function of (testID, subjectID), so the same subject always lands in
// the same variant without any persisted state.
package abtest

import (
	"fmt"
	"hash/fnv"
	"math"
	"sync"
)

type Variant struct {
	ID       string `json:"id"`
	Weight   int    `json:"weight"`
	Provider string `json:"provider"`
	Model    string `json:"model,omitempty"`
}

type Experiment struct {
	ID       string    `json:"id"`
	Variants []Variant `json:"variants"`
}

// Outcome is one observed request result attributed to a variant.
type Outcome struct {
	Success      bool
	LatencyMs    int64
	CostUSD      float64
	Satisfaction float64
}

// Metrics are append-only per-variant counters; they are never
// recomputed from raw logs.
type Metrics struct {
	VariantID       string  `json:"variant_id"`
	TotalRequests   int64   `json:"total_requests"`
	SuccessCount    int64   `json:"success_count"`
	FailureCount    int64   `json:"failure_count"`
	TotalLatencyMs  int64   `json:"total_latency_ms"`
	TotalCostUSD    float64 `json:"total_cost_usd"`
	SatisfactionSum float64 `json:"satisfaction_sum"`
}

func (m Metrics) SuccessRate() float64 {
	if m.TotalRequests == 0 {
		return 0
	}
	return float64(m.SuccessCount) / float64(m.TotalRequests)
}

type Assigner struct {
	mu          sync.RWMutex
	experiments map[string]Experiment
	metrics     map[string]map[string]*Metrics
}

func NewAssigner() *Assigner {
	return &Assigner{
		experiments: make(map[string]Experiment),
		metrics:     make(map[string]map[string]*Metrics),
	}
}

// Configure replaces the experiment set. Metrics for experiments that
// remain configured are preserved.
func (a *Assigner) Configure(experiments []Experiment) error {
	for _, exp := range experiments {
		total := 0
		for _, v := range exp.Variants {
			total += v.Weight
		}
		if total != 100 {
			return fmt.Errorf("experiment %s: variant weights must sum to 100, got %d", exp.ID, total)
		}
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	a.experiments = make(map[string]Experiment, len(experiments))
	for _, exp := range experiments {
		a.experiments[exp.ID] = exp
		if a.metrics[exp.ID] == nil {
			a.metrics[exp.ID] = make(map[string]*Metrics)
		}
	}
	return nil
}

// Assign maps a subject to a variant: a stable FNV-1a hash of
// testID and subjectID is reduced modulo 100 and compared against the
// cumulative variant weights. Deterministic and proportional.
func (a *Assigner) Assign(testID, subjectID string) (Variant, error) {
	a.mu.RLock()
	exp, ok := a.experiments[testID]
	a.mu.RUnlock()
	if !ok {
		return Variant{}, fmt.Errorf("experiment %s not configured", testID)
	}
	if len(exp.Variants) == 0 {
		return Variant{}, fmt.Errorf("experiment %s has no variants", testID)
	}

	bucket := bucketFor(testID, subjectID)

	cumulative := 0
	variant := exp.Variants[len(exp.Variants)-1]
	for _, v := range exp.Variants {
		cumulative += v.Weight
		if bucket < cumulative {
			variant = v
			break
		}
	}

	return variant, nil
}

func bucketFor(testID, subjectID string) int {
	h := fnv.New64a()
	h.Write([]byte(testID))
	h.Write([]byte{':'})
	h.Write([]byte(subjectID))
	return int(h.Sum64() % 100)
}

// RecordOutcome folds one request result into the variant's counters.
func (a *Assigner) RecordOutcome(testID, variantID string, outcome Outcome) {
	a.mu.Lock()
	defer a.mu.Unlock()

	byVariant, ok := a.metrics[testID]
	if !ok {
		byVariant = make(map[string]*Metrics)
		a.metrics[testID] = byVariant
	}
	m, ok := byVariant[variantID]
	if !ok {
		m = &Metrics{VariantID: variantID}
		byVariant[variantID] = m
	}

	m.TotalRequests++
	if outcome.Success {
		m.SuccessCount++
	} else {
		m.FailureCount++
	}
	m.TotalLatencyMs += outcome.LatencyMs
	m.TotalCostUSD += outcome.CostUSD
	m.SatisfactionSum += outcome.Satisfaction
}

// VariantMetrics returns a copy of the accumulated counters for an
// experiment.
func (a *Assigner) VariantMetrics(testID string) []Metrics {
	a.mu.RLock()
	defer a.mu.RUnlock()

	byVariant := a.metrics[testID]
	out := make([]Metrics, 0, len(byVariant))
	for _, m := range byVariant {
		out = append(out, *m)
	}
	return out
}

// Winner compares the two most-sampled variants with a two-proportion
// z-test and returns the leading variant with the confidence that the
// success-rate difference is real. Requires at least two variants with
// samples.
func (a *Assigner) Winner(testID string) (string, float64, error) {
	metrics := a.VariantMetrics(testID)
	if len(metrics) < 2 {
		return "", 0, fmt.Errorf("experiment %s: need at least two variants with data", testID)
	}

	// Pick the two variants with the most samples.
	first, second := -1, -1
	for i, m := range metrics {
		if first == -1 || m.TotalRequests > metrics[first].TotalRequests {
			first, second = i, first
		} else if second == -1 || m.TotalRequests > metrics[second].TotalRequests {
			second = i
		}
	}

	va, vb := metrics[first], metrics[second]
	if va.TotalRequests == 0 || vb.TotalRequests == 0 {
		return "", 0, fmt.Errorf("experiment %s: insufficient samples", testID)
	}

	pa, pb := va.SuccessRate(), vb.SuccessRate()
	leader := va
	if pb > pa {
		leader = vb
	}

	na, nb := float64(va.TotalRequests), float64(vb.TotalRequests)
	pooled := (float64(va.SuccessCount) + float64(vb.SuccessCount)) / (na + nb)
	se := math.Sqrt(pooled * (1 - pooled) * (1/na + 1/nb))
	if se == 0 {
		return leader.VariantID, 0, nil
	}

	z := math.Abs(pa-pb) / se
	// Two-sided confidence from the standard normal CDF.
	confidence := math.Erf(z / math.Sqrt2)

	return leader.VariantID, confidence, nil
}
