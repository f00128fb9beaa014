package costguard

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/mosaicdocs/aicore/internal/domain"
	"github.com/mosaicdocs/aicore/internal/repository"
)

func newTestGuard(limits Limits) *Guard {
	g := New(repository.NewInMemoryLedger(), func() Limits { return limits })
	g.now = func() time.Time {
		return time.Date(2025, 6, 15, 10, 30, 0, 0, time.UTC)
	}
	return g
}

func TestAuthorizeApprovesUnderLimit(t *testing.T) {
	g := newTestGuard(Limits{PerRequestUSD: 1, DailyUSD: 5, MonthlyUSD: 100})

	if err := g.Authorize(context.Background(), "org-1", 0.50); err != nil {
		t.Errorf("expected approval, got %v", err)
	}
}

func TestAuthorizeRejectsPerRequestLimit(t *testing.T) {
	g := newTestGuard(Limits{PerRequestUSD: 0.25})

	err := g.Authorize(context.Background(), "org-1", 0.30)

	var costErr *domain.CostLimitExceededError
	if !errors.As(err, &costErr) {
		t.Fatalf("expected CostLimitExceededError, got %v", err)
	}
	if costErr.Window != "per_request" {
		t.Errorf("expected per_request window, got %q", costErr.Window)
	}
}

func TestAuthorizeRejectsWhenEstimateWouldBreachDaily(t *testing.T) {
	ctx := context.Background()
	g := newTestGuard(Limits{DailyUSD: 5})

	if err := g.Commit(ctx, "org-1", 4.90); err != nil {
		t.Fatalf("commit: %v", err)
	}

	err := g.Authorize(ctx, "org-1", 0.20)

	var costErr *domain.CostLimitExceededError
	if !errors.As(err, &costErr) {
		t.Fatalf("expected CostLimitExceededError, got %v", err)
	}
	if costErr.Window != "daily" {
		t.Errorf("expected daily window, got %q", costErr.Window)
	}
	if costErr.SpentUSD != 4.90 {
		t.Errorf("expected spent 4.90, got %v", costErr.SpentUSD)
	}

	// A smaller request that fits the remaining budget still passes.
	if err := g.Authorize(ctx, "org-1", 0.05); err != nil {
		t.Errorf("expected approval within remaining budget, got %v", err)
	}
}

func TestAuthorizeRejectsMonthlyLimit(t *testing.T) {
	ctx := context.Background()
	g := newTestGuard(Limits{MonthlyUSD: 10})

	if err := g.Commit(ctx, "org-1", 9.95); err != nil {
		t.Fatalf("commit: %v", err)
	}

	err := g.Authorize(ctx, "org-1", 0.10)

	var costErr *domain.CostLimitExceededError
	if !errors.As(err, &costErr) {
		t.Fatalf("expected CostLimitExceededError, got %v", err)
	}
	if costErr.Window != "monthly" {
		t.Errorf("expected monthly window, got %q", costErr.Window)
	}
}

func TestCommitAccumulatesAcrossWindows(t *testing.T) {
	ctx := context.Background()
	g := newTestGuard(Limits{DailyUSD: 100, MonthlyUSD: 1000})

	g.Commit(ctx, "org-1", 1.25)
	g.Commit(ctx, "org-1", 0.75)

	spent, err := g.DailySpend(ctx, "org-1")
	if err != nil {
		t.Fatalf("daily spend: %v", err)
	}
	if spent != 2.0 {
		t.Errorf("expected daily spend 2.0, got %v", spent)
	}
}

func TestCommitClampsNegativeCost(t *testing.T) {
	ctx := context.Background()
	g := newTestGuard(Limits{DailyUSD: 100})

	g.Commit(ctx, "org-1", -1)

	spent, _ := g.DailySpend(ctx, "org-1")
	if spent != 0 {
		t.Errorf("expected spend 0 after negative commit, got %v", spent)
	}
}

func TestShadowModeApprovesAndLogs(t *testing.T) {
	ctx := context.Background()
	g := newTestGuard(Limits{PerRequestUSD: 0.01, ShadowMode: true})

	if err := g.Authorize(ctx, "org-1", 5.0); err != nil {
		t.Errorf("shadow mode should approve, got %v", err)
	}
}

func TestZeroLimitsDisableChecks(t *testing.T) {
	ctx := context.Background()
	g := newTestGuard(Limits{})

	g.Commit(ctx, "org-1", 10000)

	if err := g.Authorize(ctx, "org-1", 10000); err != nil {
		t.Errorf("expected approval with no limits, got %v", err)
	}
}

func TestGuardIsolatesOrgs(t *testing.T) {
	ctx := context.Background()
	g := newTestGuard(Limits{DailyUSD: 5})

	g.Commit(ctx, "org-1", 5)

	if err := g.Authorize(ctx, "org-2", 1); err != nil {
		t.Errorf("org-2 should be unaffected by org-1 spend, got %v", err)
	}
}

func TestMonitorFiresOnLevelChangeOnly(t *testing.T) {
	ctx := context.Background()
	g := newTestGuard(Limits{DailyUSD: 10})
	m := NewMonitor(g, DefaultThresholds())

	var alerts []Alert
	m.OnAlert(func(alert Alert) { alerts = append(alerts, alert) })

	g.Commit(ctx, "org-1", 8.5)
	if _, err := m.Check(ctx, "org-1"); err != nil {
		t.Fatalf("check: %v", err)
	}
	if len(alerts) != 1 || alerts[0].Level != AlertLevelWarning {
		t.Fatalf("expected one warning alert, got %+v", alerts)
	}

	// Same level again: suppressed.
	m.Check(ctx, "org-1")
	if len(alerts) != 1 {
		t.Fatalf("expected repeated level to be suppressed, got %d alerts", len(alerts))
	}

	g.Commit(ctx, "org-1", 1.2)
	m.Check(ctx, "org-1")
	if len(alerts) != 2 || alerts[1].Level != AlertLevelCritical {
		t.Fatalf("expected critical alert, got %+v", alerts)
	}

	g.Commit(ctx, "org-1", 0.5)
	m.Check(ctx, "org-1")
	if len(alerts) != 3 || alerts[2].Level != AlertLevelExceeded {
		t.Fatalf("expected exceeded alert, got %+v", alerts)
	}
}
