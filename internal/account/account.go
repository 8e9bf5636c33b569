// Package account manages the provisioned identity records behind API keys.
// Credit movements on these rows belong to the ledger package; this package
// only creates, looks up, and lists accounts.
package account

import (
	"errors"
	"time"
)

// ErrNotFound means no account matched the lookup.
var ErrNotFound = errors.New("account not found")

// ErrDuplicateEmail means an account already exists for the email.
var ErrDuplicateEmail = errors.New("account with this email already exists")

// Account is one provisioned API consumer.
type Account struct {
	ID              string     `json:"id"`
	Email           string     `json:"email"`
	Name            string     `json:"name"`
	KeyPrefix       string     `json:"key_prefix"`
	Balance         int64      `json:"balance"`
	IsActive        bool       `json:"is_active"`
	LastConnectedAt *time.Time `json:"last_connected_at,omitempty"`
	CreatedAt       time.Time  `json:"created_at"`
	UpdatedAt       time.Time  `json:"updated_at"`
}

// CreateParams is the input for provisioning a new account.
type CreateParams struct {
	Email          string
	Name           string
	KeyHash        string
	KeyPrefix      string
	InitialBalance int64
}
