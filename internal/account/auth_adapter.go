package account

import (
	"context"
	"errors"

	"github.com/alecgard/peage/internal/auth"
)

// AuthAdapter exposes the Store through the narrow lookup interface the
// credential resolver needs.
type AuthAdapter struct {
	store *Store
}

// NewAuthAdapter wraps the store for use by auth.NewResolver.
func NewAuthAdapter(store *Store) *AuthAdapter {
	return &AuthAdapter{store: store}
}

// GetByKeyHash implements auth.AccountLookup.
func (a *AuthAdapter) GetByKeyHash(ctx context.Context, hash string) (*auth.Account, error) {
	acct, err := a.store.GetByKeyHash(ctx, hash)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, auth.ErrInvalidKey
		}
		return nil, err
	}
	return &auth.Account{
		ID:       acct.ID,
		Email:    acct.Email,
		Name:     acct.Name,
		IsActive: acct.IsActive,
	}, nil
}

// TouchLastConnected implements auth.AccountLookup.
func (a *AuthAdapter) TouchLastConnected(ctx context.Context, id string) error {
	return a.store.TouchLastConnected(ctx, id)
}
