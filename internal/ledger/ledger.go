// Package ledger owns per-account credit balances and the reservation
// lifecycle. Reserve atomically checks and holds credits before a billable
// call; the hold is later settled to exactly one terminal state by Commit or
// Refund. All operations on a single account are linearizable; operations on
// different accounts never contend.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// State is the lifecycle state of a reservation.
type State string

const (
	StateHeld      State = "held"
	StateCommitted State = "committed"
	StateRefunded  State = "refunded"
)

// Reservation is an in-flight credit hold. It transitions from Held to
// exactly one terminal state and is then retained only for audit.
type Reservation struct {
	ID        string     `json:"id"`
	AccountID string     `json:"account_id"`
	Amount    int64      `json:"amount"`
	State     State      `json:"state"`
	CreatedAt time.Time  `json:"created_at"`
	SettledAt *time.Time `json:"settled_at,omitempty"`

	// BalanceAfter is the visible balance immediately after the hold was
	// taken. Informational only; populated by Reserve.
	BalanceAfter int64 `json:"balance_after"`
}

// Transaction is an append-only audit record written on every settlement or
// deposit. It is never mutated after write.
type Transaction struct {
	ID            string    `json:"id"`
	ReservationID string    `json:"reservation_id,omitempty"`
	AccountID     string    `json:"account_id"`
	Amount        int64     `json:"amount"`
	Outcome       string    `json:"outcome"` // "commit", "refund", "deposit"
	Timestamp     time.Time `json:"timestamp"`
}

var (
	// ErrInsufficientCredits is matched via errors.Is against
	// *InsufficientCreditsError.
	ErrInsufficientCredits = errors.New("insufficient credits")
	// ErrAccountNotFound means the account id matched no credit account.
	ErrAccountNotFound = errors.New("account not found")
	// ErrReservationNotFound means the reservation id is unknown. Settling an
	// unknown reservation is always a bug in the caller.
	ErrReservationNotFound = errors.New("reservation not found")
	// ErrInvalidStateTransition means a commit was attempted on a refunded
	// reservation or vice versa. The two terminal states are mutually
	// exclusive.
	ErrInvalidStateTransition = errors.New("invalid reservation state transition")
)

// InsufficientCreditsError carries the balance observed at rejection time so
// callers can surface it without a separate query.
type InsufficientCreditsError struct {
	Required  int64
	Available int64
}

func (e *InsufficientCreditsError) Error() string {
	return fmt.Sprintf("insufficient credits: need %d, have %d", e.Required, e.Available)
}

func (e *InsufficientCreditsError) Unwrap() error {
	return ErrInsufficientCredits
}

// Ledger is the atomic reserve/commit/refund contract over the credit
// account store.
type Ledger interface {
	// Reserve atomically checks balance >= amount, deducts the amount from
	// the visible balance, and creates a Held reservation in one
	// linearizable step per account.
	Reserve(ctx context.Context, accountID string, amount int64) (*Reservation, error)

	// Commit transitions Held -> Committed and appends a transaction record.
	// Committing an already-committed reservation is a no-op success.
	Commit(ctx context.Context, reservationID string) error

	// Refund transitions Held -> Refunded, restoring the held amount to the
	// visible balance. Refunding an already-refunded reservation is a no-op
	// success.
	Refund(ctx context.Context, reservationID string) error

	// Deposit adds credits to an account and appends a transaction record.
	Deposit(ctx context.Context, accountID string, amount int64, description string) (int64, error)

	// Balance returns the current visible balance.
	Balance(ctx context.Context, accountID string) (int64, error)

	// StaleHolds returns reservations still Held after olderThan, for
	// external reconciliation tooling. The ledger itself never reaps holds.
	StaleHolds(ctx context.Context, olderThan time.Duration) ([]Reservation, error)
}
