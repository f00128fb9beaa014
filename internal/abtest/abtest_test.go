package abtest

import (
	"fmt"
	"testing"
)

func twoVariantExperiment() Experiment {
	return Experiment{
		ID: "sonnet-vs-haiku",
		Variants: []Variant{
			{ID: "control", Weight: 50, Provider: "anthropic", Model: "claude-3-5-sonnet-20241022"},
			{ID: "treatment", Weight: 50, Provider: "anthropic", Model: "claude-3-5-haiku-20241022"},
		},
	}
}

func TestConfigureRejectsBadWeights(t *testing.T) {
	a := NewAssigner()

	err := a.Configure([]Experiment{{
		ID: "bad",
		Variants: []Variant{
			{ID: "a", Weight: 60, Provider: "openai"},
			{ID: "b", Weight: 60, Provider: "ollama"},
		},
	}})
	if err == nil {
		t.Fatal("expected error for weights exceeding 100")
	}
}

func TestAssignIsDeterministic(t *testing.T) {
	a := NewAssigner()
	if err := a.Configure([]Experiment{twoVariantExperiment()}); err != nil {
		t.Fatalf("configure: %v", err)
	}

	first, err := a.Assign("sonnet-vs-haiku", "user-42")
	if err != nil {
		t.Fatalf("assign: %v", err)
	}

	for i := 0; i < 100; i++ {
		got, err := a.Assign("sonnet-vs-haiku", "user-42")
		if err != nil {
			t.Fatalf("assign: %v", err)
		}
		if got.ID != first.ID {
			t.Fatalf("assignment changed from %q to %q on repeat call", first.ID, got.ID)
		}
	}
}

func TestAssignIsStatelessAcrossAssigners(t *testing.T) {
	exp := twoVariantExperiment()

	a := NewAssigner()
	if err := a.Configure([]Experiment{exp}); err != nil {
		t.Fatalf("configure: %v", err)
	}
	for i := 0; i < 1000; i++ {
		if _, err := a.Assign("sonnet-vs-haiku", fmt.Sprintf("user-%d", i)); err != nil {
			t.Fatalf("assign: %v", err)
		}
	}

	// A fresh assigner with the same experiment must reproduce every
	// placement: assignment depends only on the hash of the test and
	// subject IDs, never on what an earlier assigner saw.
	fresh := NewAssigner()
	if err := fresh.Configure([]Experiment{exp}); err != nil {
		t.Fatalf("configure: %v", err)
	}
	for i := 0; i < 1000; i++ {
		subject := fmt.Sprintf("user-%d", i)
		want, err := a.Assign("sonnet-vs-haiku", subject)
		if err != nil {
			t.Fatalf("assign: %v", err)
		}
		got, err := fresh.Assign("sonnet-vs-haiku", subject)
		if err != nil {
			t.Fatalf("assign: %v", err)
		}
		if got.ID != want.ID {
			t.Fatalf("subject %q: fresh assigner placed %q, warmed assigner placed %q", subject, got.ID, want.ID)
		}
	}
}

func TestAssignDistributionMatchesWeights(t *testing.T) {
	a := NewAssigner()
	if err := a.Configure([]Experiment{twoVariantExperiment()}); err != nil {
		t.Fatalf("configure: %v", err)
	}

	counts := make(map[string]int)
	const subjects = 10000
	for i := 0; i < subjects; i++ {
		v, err := a.Assign("sonnet-vs-haiku", fmt.Sprintf("user-%d", i))
		if err != nil {
			t.Fatalf("assign: %v", err)
		}
		counts[v.ID]++
	}

	for id, count := range counts {
		share := float64(count) / subjects
		if share < 0.45 || share > 0.55 {
			t.Errorf("variant %q got %.1f%% of subjects, expected near 50%%", id, share*100)
		}
	}
}

func TestAssignUnknownExperiment(t *testing.T) {
	a := NewAssigner()

	if _, err := a.Assign("nope", "user-1"); err == nil {
		t.Error("expected error for unconfigured experiment")
	}
}

func TestRecordOutcomeAccumulates(t *testing.T) {
	a := NewAssigner()
	a.Configure([]Experiment{twoVariantExperiment()})

	a.RecordOutcome("sonnet-vs-haiku", "control", Outcome{Success: true, LatencyMs: 100, CostUSD: 0.01})
	a.RecordOutcome("sonnet-vs-haiku", "control", Outcome{Success: false, LatencyMs: 300, CostUSD: 0.02})

	metrics := a.VariantMetrics("sonnet-vs-haiku")
	if len(metrics) != 1 {
		t.Fatalf("expected 1 variant with metrics, got %d", len(metrics))
	}

	m := metrics[0]
	if m.TotalRequests != 2 || m.SuccessCount != 1 || m.FailureCount != 1 {
		t.Errorf("unexpected counters: %+v", m)
	}
	if m.TotalLatencyMs != 400 {
		t.Errorf("expected total latency 400, got %d", m.TotalLatencyMs)
	}
	if m.SuccessRate() != 0.5 {
		t.Errorf("expected success rate 0.5, got %v", m.SuccessRate())
	}
}

func TestReconfigurePreservesMetrics(t *testing.T) {
	a := NewAssigner()
	a.Configure([]Experiment{twoVariantExperiment()})
	a.RecordOutcome("sonnet-vs-haiku", "control", Outcome{Success: true})

	if err := a.Configure([]Experiment{twoVariantExperiment()}); err != nil {
		t.Fatalf("reconfigure: %v", err)
	}

	metrics := a.VariantMetrics("sonnet-vs-haiku")
	if len(metrics) != 1 || metrics[0].TotalRequests != 1 {
		t.Errorf("expected metrics to survive reconfiguration, got %+v", metrics)
	}
}

func TestWinnerPrefersHigherSuccessRate(t *testing.T) {
	a := NewAssigner()
	a.Configure([]Experiment{twoVariantExperiment()})

	for i := 0; i < 500; i++ {
		a.RecordOutcome("sonnet-vs-haiku", "control", Outcome{Success: i%10 != 0})  // 90%
		a.RecordOutcome("sonnet-vs-haiku", "treatment", Outcome{Success: i%2 == 0}) // 50%
	}

	winner, confidence, err := a.Winner("sonnet-vs-haiku")
	if err != nil {
		t.Fatalf("winner: %v", err)
	}
	if winner != "control" {
		t.Errorf("expected control to win, got %q", winner)
	}
	if confidence < 0.95 {
		t.Errorf("expected high confidence for a 40-point gap over 500 samples, got %v", confidence)
	}
}

func TestWinnerNeedsTwoVariants(t *testing.T) {
	a := NewAssigner()
	a.Configure([]Experiment{twoVariantExperiment()})
	a.RecordOutcome("sonnet-vs-haiku", "control", Outcome{Success: true})

	if _, _, err := a.Winner("sonnet-vs-haiku"); err == nil {
		t.Error("expected error with a single sampled variant")
	}
}
