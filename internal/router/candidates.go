package router

import (
	"sort"
	"time"

	"github.com/mosaicdocs/aicore/internal/abtest"
	"github.com/mosaicdocs/aicore/internal/config"
	"github.com/mosaicdocs/aicore/internal/domain"
	"github.com/mosaicdocs/aicore/internal/metrics"
	"github.com/mosaicdocs/aicore/internal/registry"
)

type scoredCandidate struct {
	entry registry.Entry
	score float64
}

// variantAssignment ties a dispatch to the experiment variant that
// influenced candidate ordering, for outcome attribution.
type variantAssignment struct {
	testID  string
	variant abtest.Variant
}

// candidates builds the ordered fallback chain: registry entries
// filtered by capability and quality, restricted to enabled providers
// with a registered adapter, scored by the configured optimization and
// the caller's experiment variant preference.
func (r *Router) candidates(snapshot *config.Runtime, task domain.TaskDescriptor, promptTokens int) ([]scoredCandidate, *variantAssignment) {
	entries := r.registry.Candidates(task)

	eligible := entries[:0:0]
	for _, e := range entries {
		if _, ok := r.adapters[e.Provider]; !ok {
			continue
		}
		if settings, ok := snapshot.Providers[e.Provider]; ok && !settings.Enabled {
			continue
		}
		eligible = append(eligible, e)
	}
	if len(eligible) == 0 {
		return nil, nil
	}

	assignment := r.assignVariant(snapshot, task)

	// Normalize cost and latency against the worst candidate so the
	// weights are comparable regardless of absolute scale.
	maxCost, maxLatency := 0.0, 0.0
	costs := make([]float64, len(eligible))
	for i, e := range eligible {
		costs[i] = e.EstimateCost(promptTokens, task.MaxTokens)
		if costs[i] > maxCost {
			maxCost = costs[i]
		}
		if float64(e.AvgLatencyMs) > maxLatency {
			maxLatency = float64(e.AvgLatencyMs)
		}
	}

	costWeight, latencyWeight := weightsFor(snapshot.CostOptimization)

	scored := make([]scoredCandidate, len(eligible))
	for i, e := range eligible {
		normCost, normLatency := 0.0, 0.0
		if maxCost > 0 {
			normCost = costs[i] / maxCost
		}
		if maxLatency > 0 {
			normLatency = float64(e.AvgLatencyMs) / maxLatency
		}

		score := costWeight*normCost + latencyWeight*normLatency
		if assignment != nil && variantPrefers(assignment.variant, e) {
			score *= 0.5
		}
		scored[i] = scoredCandidate{entry: e, score: score}
	}

	sort.SliceStable(scored, func(i, j int) bool {
		return scored[i].score < scored[j].score
	})

	return scored, assignment
}

func weightsFor(opt config.Optimization) (costWeight, latencyWeight float64) {
	switch opt {
	case config.OptimizeCost:
		return 0.8, 0.2
	case config.OptimizeSpeed:
		return 0.2, 0.8
	default:
		return 0.5, 0.5
	}
}

func variantPrefers(v abtest.Variant, e registry.Entry) bool {
	if v.Provider != e.Provider {
		return false
	}
	return v.Model == "" || v.Model == e.Model
}

// assignVariant maps the caller onto the first experiment matching the
// task type. Assignment is deterministic per subject, so repeat calls
// land on the same variant.
func (r *Router) assignVariant(snapshot *config.Runtime, task domain.TaskDescriptor) *variantAssignment {
	if r.assigner == nil {
		return nil
	}

	for _, exp := range snapshot.Experiments {
		if exp.TaskType != "" && exp.TaskType != string(task.Type) {
			continue
		}
		subject := task.UserID
		if subject == "" {
			subject = task.OrgID
		}
		variant, err := r.assigner.Assign(exp.ID, subject)
		if err != nil {
			return nil
		}
		return &variantAssignment{testID: exp.ID, variant: variant}
	}
	return nil
}

func (r *Router) recordVariantOutcome(assignment *variantAssignment, success bool, latency time.Duration, costUSD float64) {
	if assignment == nil {
		return
	}

	r.assigner.RecordOutcome(assignment.testID, assignment.variant.ID, abtest.Outcome{
		Success:   success,
		LatencyMs: latency.Milliseconds(),
		CostUSD:   costUSD,
	})

	status := "success"
	if !success {
		status = "failure"
	}
	metrics.RecordExperimentRequest(assignment.testID, assignment.variant.ID, status)
}
