package repository

import (
	"context"
	"sync"
	"time"
)

type ledgerKey struct {
	orgID       string
	windowStart int64
}

type ledgerEntry struct {
	spentUSD float64
	requests int
}

// InMemoryLedger keeps rolling-window spend in process memory.
// Suitable for single-instance deployments and tests.
type InMemoryLedger struct {
	mu      sync.Mutex
	entries map[ledgerKey]*ledgerEntry
}

func NewInMemoryLedger() *InMemoryLedger {
	return &InMemoryLedger{
		entries: make(map[ledgerKey]*ledgerEntry),
	}
}

func (l *InMemoryLedger) Spend(ctx context.Context, orgID string, windowStart time.Time) (float64, int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	e, ok := l.entries[ledgerKey{orgID, windowStart.Unix()}]
	if !ok {
		return 0, 0, nil
	}
	return e.spentUSD, e.requests, nil
}

func (l *InMemoryLedger) Add(ctx context.Context, orgID string, windowStart, windowEnd time.Time, amountUSD float64) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	key := ledgerKey{orgID, windowStart.Unix()}
	e, ok := l.entries[key]
	if !ok {
		e = &ledgerEntry{}
		l.entries[key] = e
	}
	e.spentUSD += amountUSD
	e.requests++
	return nil
}

// UsageRecord is one dispatched (or cached) request for accounting.
type UsageRecord struct {
	RequestID    string
	OrgID        string
	UserID       string
	Provider     string
	Model        string
	TaskType     string
	InputTokens  int
	OutputTokens int
	CostUSD      float64
	LatencyMs    int64
	Cached       bool
	Timestamp    time.Time
}

type UsageStore interface {
	Record(ctx context.Context, record UsageRecord) error
	OrgUsage(ctx context.Context, orgID string, since time.Time) ([]UsageRecord, error)
	OrgTotalCost(ctx context.Context, orgID string, since time.Time) (float64, error)
}

type InMemoryUsageStore struct {
	mu      sync.RWMutex
	records []UsageRecord
}

func NewInMemoryUsageStore() *InMemoryUsageStore {
	return &InMemoryUsageStore{}
}

func (s *InMemoryUsageStore) Record(ctx context.Context, record UsageRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records = append(s.records, record)
	return nil
}

func (s *InMemoryUsageStore) OrgUsage(ctx context.Context, orgID string, since time.Time) ([]UsageRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []UsageRecord
	for _, r := range s.records {
		if r.OrgID == orgID && r.Timestamp.After(since) {
			result = append(result, r)
		}
	}
	return result, nil
}

func (s *InMemoryUsageStore) OrgTotalCost(ctx context.Context, orgID string, since time.Time) (float64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var total float64
	for _, r := range s.records {
		if r.OrgID == orgID && r.Timestamp.After(since) {
			total += r.CostUSD
		}
	}
	return total, nil
}
