package metering

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

// Store provides database operations for call records.
type Store struct {
	pool *pgxpool.Pool
}

// NewStore creates a new Store backed by the given connection pool.
func NewStore(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

// BatchInsert writes a slice of call records in a single multi-row INSERT.
// It is a no-op when records is empty.
func (s *Store) BatchInsert(ctx context.Context, records []CallRecord) error {
	if len(records) == 0 {
		return nil
	}

	const cols = 8 // columns per row (id is server-generated)
	args := make([]any, 0, len(records)*cols)
	rows := make([]string, 0, len(records))

	for i, rec := range records {
		base := i * cols
		rows = append(rows, fmt.Sprintf(
			"($%d, $%d, $%d, $%d, $%d, $%d, $%d, $%d)",
			base+1, base+2, base+3, base+4, base+5, base+6, base+7, base+8,
		))
		args = append(args,
			nullable(rec.AccountID),
			rec.Tool,
			rec.Transport,
			rec.Outcome,
			rec.CreditsCharged,
			rec.LatencyMs,
			rec.Timestamp,
			rec.Error,
		)
	}

	query := `INSERT INTO call_records
		(account_id, tool, transport, outcome, credits_charged, latency_ms, timestamp, error)
		VALUES ` + strings.Join(rows, ", ")

	if _, err := s.pool.Exec(ctx, query, args...); err != nil {
		return fmt.Errorf("batch inserting call records: %w", err)
	}
	return nil
}

// GetSummary returns aggregate usage for an account over the trailing number
// of days.
func (s *Store) GetSummary(ctx context.Context, accountID string, days int) (*UsageSummary, error) {
	if days <= 0 {
		days = 30
	}
	since := time.Now().UTC().AddDate(0, 0, -days)

	summary := &UsageSummary{PeriodDays: days}
	err := s.pool.QueryRow(ctx,
		`SELECT
			COUNT(*),
			COALESCE(SUM(CASE WHEN outcome = 'success' THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(CASE WHEN outcome <> 'success' THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(credits_charged), 0),
			COALESCE(AVG(latency_ms), 0)
		 FROM call_records
		 WHERE account_id = $1 AND timestamp >= $2`,
		accountID, since,
	).Scan(
		&summary.TotalCalls,
		&summary.SuccessfulCalls,
		&summary.FailedCalls,
		&summary.CreditsCharged,
		&summary.AvgLatencyMs,
	)
	if err != nil {
		return nil, fmt.Errorf("querying usage summary: %w", err)
	}
	return summary, nil
}

// nullable maps an empty string to NULL for guest records.
func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}
