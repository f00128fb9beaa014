// Package costguard enforces per-organization spend budgets. Requests
// are authorized optimistically before dispatch against an estimate;
// the true cost is committed only after a response is observed.
//
// Concurrent in-flight requests can overshoot a window limit by at
// most (global in-flight cap) x (per-request limit) because estimates
// are not reserved. This is an accepted, bounded overshoot, not a hard
// guarantee.
package costguard

import (
	"context"
	"log/slog"
	"time"

	"github.com/mosaicdocs/aicore/internal/domain"
)

// Limits is the active budget configuration. A zero limit disables
// that check.
type Limits struct {
	PerRequestUSD float64
	DailyUSD      float64
	MonthlyUSD    float64

	// ShadowMode logs would-be rejections without enforcing them.
	// Reserved for internal testing; never exposed to callers.
	ShadowMode bool
}

// LedgerStore persists rolling-window spend. Entries are created
// lazily per (org, window) and only ever incremented.
type LedgerStore interface {
	Spend(ctx context.Context, orgID string, windowStart time.Time) (spentUSD float64, requests int, err error)
	Add(ctx context.Context, orgID string, windowStart, windowEnd time.Time, amountUSD float64) error
}

type Guard struct {
	store  LedgerStore
	limits func() Limits
	now    func() time.Time
}

func New(store LedgerStore, limits func() Limits) *Guard {
	return &Guard{
		store:  store,
		limits: limits,
		now:    time.Now,
	}
}

// Authorize approves or rejects a request before dispatch. A nil
// return means approved. A *domain.CostLimitExceededError means the
// estimate would breach a limit; any other error is a ledger failure.
func (g *Guard) Authorize(ctx context.Context, orgID string, estimateUSD float64) error {
	limits := g.limits()

	reject := func(window string, limit, spent float64) error {
		err := &domain.CostLimitExceededError{
			OrgID:       orgID,
			Window:      window,
			LimitUSD:    limit,
			SpentUSD:    spent,
			EstimateUSD: estimateUSD,
		}
		if limits.ShadowMode {
			slog.Warn("cost guard shadow mode: would have blocked",
				"org_id", orgID,
				"window", window,
				"limit_usd", limit,
				"spent_usd", spent,
				"estimate_usd", estimateUSD,
			)
			return nil
		}
		return err
	}

	if limits.PerRequestUSD > 0 && estimateUSD > limits.PerRequestUSD {
		return reject("per_request", limits.PerRequestUSD, 0)
	}

	if limits.DailyUSD > 0 {
		spent, _, err := g.store.Spend(ctx, orgID, g.dayStart())
		if err != nil {
			return err
		}
		if spent+estimateUSD > limits.DailyUSD {
			return reject("daily", limits.DailyUSD, spent)
		}
	}

	if limits.MonthlyUSD > 0 {
		spent, _, err := g.store.Spend(ctx, orgID, g.monthStart())
		if err != nil {
			return err
		}
		if spent+estimateUSD > limits.MonthlyUSD {
			return reject("monthly", limits.MonthlyUSD, spent)
		}
	}

	return nil
}

// Commit records the actual cost of a completed dispatch in both the
// daily and monthly windows. Called only once a response has been
// observed, which keeps cancelled calls unbilled.
func (g *Guard) Commit(ctx context.Context, orgID string, actualUSD float64) error {
	if actualUSD < 0 {
		actualUSD = 0
	}

	day := g.dayStart()
	if err := g.store.Add(ctx, orgID, day, day.Add(24*time.Hour), actualUSD); err != nil {
		return err
	}

	month := g.monthStart()
	return g.store.Add(ctx, orgID, month, month.AddDate(0, 1, 0), actualUSD)
}

// DailySpend reports the current daily-window spend for an org.
func (g *Guard) DailySpend(ctx context.Context, orgID string) (float64, error) {
	spent, _, err := g.store.Spend(ctx, orgID, g.dayStart())
	return spent, err
}

func (g *Guard) Limits() Limits {
	return g.limits()
}

func (g *Guard) dayStart() time.Time {
	return g.now().UTC().Truncate(24 * time.Hour)
}

func (g *Guard) monthStart() time.Time {
	now := g.now().UTC()
	return time.Date(now.Year(), now.Month(), 1, 0, 0, 0, 0, time.UTC)
}
