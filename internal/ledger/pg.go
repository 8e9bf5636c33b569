package ledger

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PG is the Postgres-backed ledger. The SELECT ... FOR UPDATE on the account
// row is the per-account serialization point: concurrent reserves on one
// account queue behind the row lock while other accounts proceed untouched.
type PG struct {
	pool *pgxpool.Pool
}

// NewPG creates a ledger backed by the given connection pool.
func NewPG(pool *pgxpool.Pool) *PG {
	return &PG{pool: pool}
}

// Reserve implements Ledger.
func (l *PG) Reserve(ctx context.Context, accountID string, amount int64) (*Reservation, error) {
	tx, err := l.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("beginning reserve tx: %w", err)
	}
	defer tx.Rollback(ctx)

	var balance int64
	err = tx.QueryRow(ctx,
		`SELECT balance FROM accounts WHERE id = $1 FOR UPDATE`,
		accountID,
	).Scan(&balance)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("reserving %d credits: %w", amount, ErrAccountNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("locking account row: %w", err)
	}

	if balance < amount {
		return nil, &InsufficientCreditsError{Required: amount, Available: balance}
	}

	_, err = tx.Exec(ctx,
		`UPDATE accounts
		 SET balance = balance - $1, version = version + 1, updated_at = NOW()
		 WHERE id = $2`,
		amount, accountID,
	)
	if err != nil {
		return nil, fmt.Errorf("deducting hold: %w", err)
	}

	res := &Reservation{
		ID:           uuid.NewString(),
		AccountID:    accountID,
		Amount:       amount,
		State:        StateHeld,
		BalanceAfter: balance - amount,
	}
	err = tx.QueryRow(ctx,
		`INSERT INTO reservations (id, account_id, amount, state, created_at)
		 VALUES ($1, $2, $3, $4, NOW())
		 RETURNING created_at`,
		res.ID, res.AccountID, res.Amount, res.State,
	).Scan(&res.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("inserting reservation: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("committing reserve tx: %w", err)
	}
	return res, nil
}

// Commit implements Ledger.
func (l *PG) Commit(ctx context.Context, reservationID string) error {
	return l.settle(ctx, reservationID, StateCommitted)
}

// Refund implements Ledger.
func (l *PG) Refund(ctx context.Context, reservationID string) error {
	return l.settle(ctx, reservationID, StateRefunded)
}

func (l *PG) settle(ctx context.Context, reservationID string, target State) error {
	tx, err := l.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("beginning settle tx: %w", err)
	}
	defer tx.Rollback(ctx)

	var accountID string
	var amount int64
	var state State
	err = tx.QueryRow(ctx,
		`SELECT account_id, amount, state FROM reservations WHERE id = $1 FOR UPDATE`,
		reservationID,
	).Scan(&accountID, &amount, &state)
	if errors.Is(err, pgx.ErrNoRows) {
		return fmt.Errorf("settling reservation %s: %w", reservationID, ErrReservationNotFound)
	}
	if err != nil {
		return fmt.Errorf("locking reservation row: %w", err)
	}

	switch state {
	case target:
		// Retried settlement after a crash between commit and ack.
		return tx.Commit(ctx)
	case StateHeld:
		// Proceed.
	default:
		return fmt.Errorf("reservation %s is %s, cannot transition to %s: %w",
			reservationID, state, target, ErrInvalidStateTransition)
	}

	_, err = tx.Exec(ctx,
		`UPDATE reservations SET state = $1, settled_at = NOW() WHERE id = $2`,
		target, reservationID,
	)
	if err != nil {
		return fmt.Errorf("updating reservation state: %w", err)
	}

	if target == StateRefunded {
		_, err = tx.Exec(ctx,
			`UPDATE accounts
			 SET balance = balance + $1, version = version + 1, updated_at = NOW()
			 WHERE id = $2`,
			amount, accountID,
		)
		if err != nil {
			return fmt.Errorf("restoring refunded hold: %w", err)
		}
	}

	outcome := "commit"
	if target == StateRefunded {
		outcome = "refund"
	}
	_, err = tx.Exec(ctx,
		`INSERT INTO ledger_transactions (id, reservation_id, account_id, amount, outcome, created_at)
		 VALUES ($1, $2, $3, $4, $5, NOW())`,
		uuid.NewString(), reservationID, accountID, amount, outcome,
	)
	if err != nil {
		return fmt.Errorf("appending transaction record: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("committing settle tx: %w", err)
	}
	return nil
}

// Deposit implements Ledger.
func (l *PG) Deposit(ctx context.Context, accountID string, amount int64, description string) (int64, error) {
	tx, err := l.pool.Begin(ctx)
	if err != nil {
		return 0, fmt.Errorf("beginning deposit tx: %w", err)
	}
	defer tx.Rollback(ctx)

	var balance int64
	err = tx.QueryRow(ctx,
		`SELECT balance FROM accounts WHERE id = $1 FOR UPDATE`,
		accountID,
	).Scan(&balance)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, fmt.Errorf("depositing %d credits: %w", amount, ErrAccountNotFound)
	}
	if err != nil {
		return 0, fmt.Errorf("locking account row: %w", err)
	}

	newBalance := balance + amount
	_, err = tx.Exec(ctx,
		`UPDATE accounts
		 SET balance = $1, version = version + 1, updated_at = NOW()
		 WHERE id = $2`,
		newBalance, accountID,
	)
	if err != nil {
		return 0, fmt.Errorf("adding credits: %w", err)
	}

	_, err = tx.Exec(ctx,
		`INSERT INTO ledger_transactions (id, reservation_id, account_id, amount, outcome, description, created_at)
		 VALUES ($1, NULL, $2, $3, 'deposit', $4, NOW())`,
		uuid.NewString(), accountID, amount, description,
	)
	if err != nil {
		return 0, fmt.Errorf("appending deposit record: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return 0, fmt.Errorf("committing deposit tx: %w", err)
	}
	return newBalance, nil
}

// Balance implements Ledger.
func (l *PG) Balance(ctx context.Context, accountID string) (int64, error) {
	var balance int64
	err := l.pool.QueryRow(ctx,
		`SELECT balance FROM accounts WHERE id = $1`,
		accountID,
	).Scan(&balance)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, ErrAccountNotFound
	}
	if err != nil {
		return 0, fmt.Errorf("querying balance: %w", err)
	}
	return balance, nil
}

// StaleHolds implements Ledger.
func (l *PG) StaleHolds(ctx context.Context, olderThan time.Duration) ([]Reservation, error) {
	cutoff := time.Now().UTC().Add(-olderThan)

	rows, err := l.pool.Query(ctx,
		`SELECT id, account_id, amount, state, created_at
		 FROM reservations
		 WHERE state = 'held' AND created_at < $1
		 ORDER BY created_at`,
		cutoff,
	)
	if err != nil {
		return nil, fmt.Errorf("scanning stale holds: %w", err)
	}
	defer rows.Close()

	var holds []Reservation
	for rows.Next() {
		var r Reservation
		if err := rows.Scan(&r.ID, &r.AccountID, &r.Amount, &r.State, &r.CreatedAt); err != nil {
			return nil, fmt.Errorf("scanning reservation row: %w", err)
		}
		holds = append(holds, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating reservation rows: %w", err)
	}
	return holds, nil
}
