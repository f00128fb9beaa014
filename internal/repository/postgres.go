package repository

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/lib/pq"
)

// Open connects to Postgres and verifies the connection.
func Open(databaseURL string) (*sql.DB, error) {
	db, err := sql.Open("postgres", databaseURL)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}

	return db, nil
}

// PostgresLedger stores rolling-window spend in Postgres so budget
// enforcement is shared across instances. The increment is a single
// upsert, which keeps concurrent commits atomic.
type PostgresLedger struct {
	db *sql.DB
}

func NewPostgresLedger(db *sql.DB) *PostgresLedger {
	return &PostgresLedger{db: db}
}

func (l *PostgresLedger) Spend(ctx context.Context, orgID string, windowStart time.Time) (float64, int, error) {
	query := `
		SELECT spent_usd, request_count
		FROM cost_ledger
		WHERE org_id = $1 AND window_start = $2
	`

	var spent float64
	var requests int
	err := l.db.QueryRowContext(ctx, query, orgID, windowStart).Scan(&spent, &requests)
	if err == sql.ErrNoRows {
		return 0, 0, nil
	}
	if err != nil {
		return 0, 0, fmt.Errorf("query ledger: %w", err)
	}
	return spent, requests, nil
}

func (l *PostgresLedger) Add(ctx context.Context, orgID string, windowStart, windowEnd time.Time, amountUSD float64) error {
	query := `
		INSERT INTO cost_ledger (org_id, window_start, window_end, spent_usd, request_count)
		VALUES ($1, $2, $3, $4, 1)
		ON CONFLICT (org_id, window_start)
		DO UPDATE SET spent_usd = cost_ledger.spent_usd + EXCLUDED.spent_usd,
		              request_count = cost_ledger.request_count + 1
	`

	if _, err := l.db.ExecContext(ctx, query, orgID, windowStart, windowEnd, amountUSD); err != nil {
		return fmt.Errorf("upsert ledger: %w", err)
	}
	return nil
}

type PostgresUsageStore struct {
	db *sql.DB
}

func NewPostgresUsageStore(db *sql.DB) *PostgresUsageStore {
	return &PostgresUsageStore{db: db}
}

func (s *PostgresUsageStore) Record(ctx context.Context, record UsageRecord) error {
	query := `
		INSERT INTO usage_records
		(request_id, org_id, user_id, provider, model, task_type,
		 input_tokens, output_tokens, cost_usd, latency_ms, cached, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
	`

	_, err := s.db.ExecContext(ctx, query,
		record.RequestID,
		record.OrgID,
		record.UserID,
		record.Provider,
		record.Model,
		record.TaskType,
		record.InputTokens,
		record.OutputTokens,
		record.CostUSD,
		record.LatencyMs,
		record.Cached,
		record.Timestamp,
	)
	if err != nil {
		return fmt.Errorf("insert usage record: %w", err)
	}
	return nil
}

func (s *PostgresUsageStore) OrgUsage(ctx context.Context, orgID string, since time.Time) ([]UsageRecord, error) {
	query := `
		SELECT request_id, org_id, user_id, provider, model, task_type,
		       input_tokens, output_tokens, cost_usd, latency_ms, cached, created_at
		FROM usage_records
		WHERE org_id = $1 AND created_at > $2
		ORDER BY created_at DESC
	`

	rows, err := s.db.QueryContext(ctx, query, orgID, since)
	if err != nil {
		return nil, fmt.Errorf("query usage: %w", err)
	}
	defer rows.Close()

	var records []UsageRecord
	for rows.Next() {
		var r UsageRecord
		if err := rows.Scan(
			&r.RequestID, &r.OrgID, &r.UserID, &r.Provider, &r.Model, &r.TaskType,
			&r.InputTokens, &r.OutputTokens, &r.CostUSD, &r.LatencyMs, &r.Cached, &r.Timestamp,
		); err != nil {
			return nil, fmt.Errorf("scan usage record: %w", err)
		}
		records = append(records, r)
	}
	return records, rows.Err()
}

func (s *PostgresUsageStore) OrgTotalCost(ctx context.Context, orgID string, since time.Time) (float64, error) {
	query := `
		SELECT COALESCE(SUM(cost_usd), 0)
		FROM usage_records
		WHERE org_id = $1 AND created_at > $2
	`

	var total float64
	if err := s.db.QueryRowContext(ctx, query, orgID, since).Scan(&total); err != nil {
		return 0, fmt.Errorf("query total cost: %w", err)
	}
	return total, nil
}
