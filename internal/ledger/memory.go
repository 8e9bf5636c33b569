package ledger

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Memory is an in-memory ledger with the same linearizability contract as
// PG: a per-account mutex serializes reserve/commit/refund on one account
// while leaving other accounts free. It backs tests and local development
// without a database.
type Memory struct {
	mu           sync.RWMutex // guards the maps, not balances
	accounts     map[string]*memAccount
	reservations map[string]*memReservation

	txMu         sync.Mutex
	transactions []Transaction

	now func() time.Time
}

type memAccount struct {
	mu      sync.Mutex // the per-account serialization point
	balance int64
	version int64
}

// memReservation state is guarded by the owning account's mutex.
type memReservation struct {
	accountID string
	amount    int64
	state     State
	createdAt time.Time
	settledAt *time.Time
}

// NewMemory creates an empty in-memory ledger.
func NewMemory() *Memory {
	return &Memory{
		accounts:     make(map[string]*memAccount),
		reservations: make(map[string]*memReservation),
		now:          time.Now,
	}
}

// CreateAccount registers an account with a starting balance. Provisioning
// is out-of-band for the real ledger; this exists for tests and seeding.
func (l *Memory) CreateAccount(accountID string, balance int64) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.accounts[accountID] = &memAccount{balance: balance}
}

func (l *Memory) account(accountID string) (*memAccount, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	acct, ok := l.accounts[accountID]
	if !ok {
		return nil, ErrAccountNotFound
	}
	return acct, nil
}

// Reserve implements Ledger.
func (l *Memory) Reserve(ctx context.Context, accountID string, amount int64) (*Reservation, error) {
	acct, err := l.account(accountID)
	if err != nil {
		return nil, fmt.Errorf("reserving %d credits: %w", amount, err)
	}

	acct.mu.Lock()
	defer acct.mu.Unlock()

	if acct.balance < amount {
		return nil, &InsufficientCreditsError{Required: amount, Available: acct.balance}
	}
	acct.balance -= amount
	acct.version++

	res := &memReservation{
		accountID: accountID,
		amount:    amount,
		state:     StateHeld,
		createdAt: l.now().UTC(),
	}
	id := uuid.NewString()

	l.mu.Lock()
	l.reservations[id] = res
	l.mu.Unlock()

	return &Reservation{
		ID:           id,
		AccountID:    accountID,
		Amount:       amount,
		State:        StateHeld,
		CreatedAt:    res.createdAt,
		BalanceAfter: acct.balance,
	}, nil
}

// Commit implements Ledger.
func (l *Memory) Commit(ctx context.Context, reservationID string) error {
	return l.settle(reservationID, StateCommitted)
}

// Refund implements Ledger.
func (l *Memory) Refund(ctx context.Context, reservationID string) error {
	return l.settle(reservationID, StateRefunded)
}

func (l *Memory) settle(reservationID string, target State) error {
	l.mu.RLock()
	res, ok := l.reservations[reservationID]
	l.mu.RUnlock()
	if !ok {
		return fmt.Errorf("settling reservation %s: %w", reservationID, ErrReservationNotFound)
	}

	acct, err := l.account(res.accountID)
	if err != nil {
		return err
	}

	acct.mu.Lock()
	defer acct.mu.Unlock()

	switch res.state {
	case target:
		return nil // idempotent retry
	case StateHeld:
		// Proceed.
	default:
		return fmt.Errorf("reservation %s is %s, cannot transition to %s: %w",
			reservationID, res.state, target, ErrInvalidStateTransition)
	}

	res.state = target
	settled := l.now().UTC()
	res.settledAt = &settled

	outcome := "commit"
	if target == StateRefunded {
		acct.balance += res.amount
		acct.version++
		outcome = "refund"
	}

	l.appendTransaction(Transaction{
		ID:            uuid.NewString(),
		ReservationID: reservationID,
		AccountID:     res.accountID,
		Amount:        res.amount,
		Outcome:       outcome,
		Timestamp:     settled,
	})
	return nil
}

// Deposit implements Ledger.
func (l *Memory) Deposit(ctx context.Context, accountID string, amount int64, description string) (int64, error) {
	acct, err := l.account(accountID)
	if err != nil {
		return 0, fmt.Errorf("depositing %d credits: %w", amount, err)
	}

	acct.mu.Lock()
	defer acct.mu.Unlock()

	acct.balance += amount
	acct.version++

	l.appendTransaction(Transaction{
		ID:        uuid.NewString(),
		AccountID: accountID,
		Amount:    amount,
		Outcome:   "deposit",
		Timestamp: l.now().UTC(),
	})
	return acct.balance, nil
}

// Balance implements Ledger.
func (l *Memory) Balance(ctx context.Context, accountID string) (int64, error) {
	acct, err := l.account(accountID)
	if err != nil {
		return 0, err
	}
	acct.mu.Lock()
	defer acct.mu.Unlock()
	return acct.balance, nil
}

// StaleHolds implements Ledger.
func (l *Memory) StaleHolds(ctx context.Context, olderThan time.Duration) ([]Reservation, error) {
	cutoff := l.now().UTC().Add(-olderThan)

	// Snapshot the maps first: account locks are never taken while holding
	// the map lock (Reserve acquires them in the opposite order).
	type candidate struct {
		id   string
		res  *memReservation
		acct *memAccount
	}
	l.mu.RLock()
	candidates := make([]candidate, 0, len(l.reservations))
	for id, res := range l.reservations {
		candidates = append(candidates, candidate{id: id, res: res, acct: l.accounts[res.accountID]})
	}
	l.mu.RUnlock()

	var holds []Reservation
	for _, c := range candidates {
		c.acct.mu.Lock()
		if c.res.state == StateHeld && c.res.createdAt.Before(cutoff) {
			holds = append(holds, Reservation{
				ID:        c.id,
				AccountID: c.res.accountID,
				Amount:    c.res.amount,
				State:     c.res.state,
				CreatedAt: c.res.createdAt,
			})
		}
		c.acct.mu.Unlock()
	}
	return holds, nil
}

// Transactions returns a copy of the append-only transaction log.
func (l *Memory) Transactions() []Transaction {
	l.txMu.Lock()
	defer l.txMu.Unlock()
	out := make([]Transaction, len(l.transactions))
	copy(out, l.transactions)
	return out
}

func (l *Memory) appendTransaction(tx Transaction) {
	l.txMu.Lock()
	l.transactions = append(l.transactions, tx)
	l.txMu.Unlock()
}
