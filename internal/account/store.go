package account

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

const accountColumns = `id, email, name, key_prefix, balance, is_active, last_connected_at, created_at, updated_at`

// Store persists accounts in Postgres.
type Store struct {
	pool *pgxpool.Pool
}

// NewStore creates a Store backed by the given connection pool.
func NewStore(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

// Create provisions a new account with its hashed API key and starting
// balance.
func (s *Store) Create(ctx context.Context, params CreateParams) (*Account, error) {
	acct := &Account{
		ID:        uuid.NewString(),
		Email:     params.Email,
		Name:      params.Name,
		KeyPrefix: params.KeyPrefix,
		Balance:   params.InitialBalance,
		IsActive:  true,
	}

	err := s.pool.QueryRow(ctx,
		`INSERT INTO accounts (id, email, name, key_hash, key_prefix, balance, is_active, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, TRUE, NOW(), NOW())
		 RETURNING created_at, updated_at`,
		acct.ID, acct.Email, acct.Name, params.KeyHash, acct.KeyPrefix, acct.Balance,
	).Scan(&acct.CreatedAt, &acct.UpdatedAt)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return nil, ErrDuplicateEmail
		}
		return nil, fmt.Errorf("inserting account: %w", err)
	}
	return acct, nil
}

// GetByID fetches one account by id.
func (s *Store) GetByID(ctx context.Context, id string) (*Account, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+accountColumns+` FROM accounts WHERE id = $1`, id)
	return scanAccount(row)
}

// GetByKeyHash fetches one active-or-inactive account by its API key hash.
func (s *Store) GetByKeyHash(ctx context.Context, keyHash string) (*Account, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+accountColumns+` FROM accounts WHERE key_hash = $1`, keyHash)
	return scanAccount(row)
}

// List returns accounts ordered by creation time, newest first. cursor is
// the created_at of the last row from the previous page; zero means start
// from the top.
func (s *Store) List(ctx context.Context, limit int, cursor time.Time) ([]Account, error) {
	if limit <= 0 || limit > 200 {
		limit = 50
	}

	var (
		rows pgx.Rows
		err  error
	)
	if cursor.IsZero() {
		rows, err = s.pool.Query(ctx,
			`SELECT `+accountColumns+` FROM accounts ORDER BY created_at DESC LIMIT $1`,
			limit)
	} else {
		rows, err = s.pool.Query(ctx,
			`SELECT `+accountColumns+` FROM accounts WHERE created_at < $1 ORDER BY created_at DESC LIMIT $2`,
			cursor, limit)
	}
	if err != nil {
		return nil, fmt.Errorf("querying accounts: %w", err)
	}
	defer rows.Close()

	var accounts []Account
	for rows.Next() {
		acct, err := scanAccount(rows)
		if err != nil {
			return nil, err
		}
		accounts = append(accounts, *acct)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating account rows: %w", err)
	}
	return accounts, nil
}

// TouchLastConnected stamps the most recent successful authentication.
func (s *Store) TouchLastConnected(ctx context.Context, id string) error {
	_, err := s.pool.Exec(ctx,
		`UPDATE accounts SET last_connected_at = NOW() WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("touching last_connected_at: %w", err)
	}
	return nil
}

// SetActive enables or disables an account without deleting its history.
func (s *Store) SetActive(ctx context.Context, id string, active bool) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE accounts SET is_active = $1, updated_at = NOW() WHERE id = $2`,
		active, id)
	if err != nil {
		return fmt.Errorf("updating is_active: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func scanAccount(row pgx.Row) (*Account, error) {
	var acct Account
	err := row.Scan(
		&acct.ID,
		&acct.Email,
		&acct.Name,
		&acct.KeyPrefix,
		&acct.Balance,
		&acct.IsActive,
		&acct.LastConnectedAt,
		&acct.CreatedAt,
		&acct.UpdatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scanning account row: %w", err)
	}
	return &acct, nil
}
