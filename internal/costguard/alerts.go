package costguard

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

type AlertLevel string

const (
	AlertLevelWarning  AlertLevel = "warning"
	AlertLevelCritical AlertLevel = "critical"
	AlertLevelExceeded AlertLevel = "exceeded"
)

type Alert struct {
	OrgID      string
	Level      AlertLevel
	LimitUSD   float64
	CurrentUSD float64
	Percentage float64
	Timestamp  time.Time
}

type AlertHandler func(alert Alert)

type Thresholds struct {
	Warning  float64
	Critical float64
}

func DefaultThresholds() Thresholds {
	return Thresholds{
		Warning:  0.8,
		Critical: 0.95,
	}
}

// Monitor watches daily spend against the daily limit and fires
// handlers on level changes. Repeated alerts at the same level for the
// same org are suppressed until the level changes.
type Monitor struct {
	mu         sync.Mutex
	guard      *Guard
	thresholds Thresholds
	handlers   []AlertHandler
	lastLevels map[string]AlertLevel
}

func NewMonitor(guard *Guard, thresholds Thresholds) *Monitor {
	return &Monitor{
		guard:      guard,
		thresholds: thresholds,
		lastLevels: make(map[string]AlertLevel),
	}
}

func (m *Monitor) OnAlert(handler AlertHandler) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.handlers = append(m.handlers, handler)
}

// Check evaluates the org's daily usage. Returns the alert fired, or
// nil if usage is below the warning threshold or the level is
// unchanged.
func (m *Monitor) Check(ctx context.Context, orgID string) (*Alert, error) {
	limit := m.guard.Limits().DailyUSD
	if limit <= 0 {
		return nil, nil
	}

	current, err := m.guard.DailySpend(ctx, orgID)
	if err != nil {
		return nil, err
	}

	percentage := current / limit

	var level AlertLevel
	switch {
	case percentage >= 1.0:
		level = AlertLevelExceeded
	case percentage >= m.thresholds.Critical:
		level = AlertLevelCritical
	case percentage >= m.thresholds.Warning:
		level = AlertLevelWarning
	default:
		m.mu.Lock()
		delete(m.lastLevels, orgID)
		m.mu.Unlock()
		return nil, nil
	}

	m.mu.Lock()
	if last, ok := m.lastLevels[orgID]; ok && last == level {
		m.mu.Unlock()
		return nil, nil
	}
	m.lastLevels[orgID] = level
	handlers := make([]AlertHandler, len(m.handlers))
	copy(handlers, m.handlers)
	m.mu.Unlock()

	alert := &Alert{
		OrgID:      orgID,
		Level:      level,
		LimitUSD:   limit,
		CurrentUSD: current,
		Percentage: percentage * 100,
		Timestamp:  time.Now(),
	}

	for _, handler := range handlers {
		handler(*alert)
	}

	return alert, nil
}

func LogAlertHandler(alert Alert) {
	slog.Warn("budget alert",
		"org_id", alert.OrgID,
		"level", alert.Level,
		"limit_usd", alert.LimitUSD,
		"current_usd", alert.CurrentUSD,
		"percentage", alert.Percentage,
	)
}
