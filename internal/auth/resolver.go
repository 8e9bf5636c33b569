package auth

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/alecgard/peage/internal/ratelimit"
)

// Account is the resolver's view of a credit account.
type Account struct {
	ID       string
	Email    string
	Name     string
	IsActive bool
}

// AccountLookup is the interface for retrieving accounts by API key hash.
type AccountLookup interface {
	GetByKeyHash(ctx context.Context, hash string) (*Account, error)
	TouchLastConnected(ctx context.Context, id string) error
}

// MetricsRecorder is an optional interface for resolver-level metrics.
type MetricsRecorder interface {
	IncAuthSuccess()
	IncAuthFailure(reason string)
	IncRateLimitRejection()
}

// Resolver maps a presented credential to a Principal. An absent credential
// degrades to Guest; a present but unknown or revoked credential is an error.
// Rate limits are enforced here, before any ledger interaction, so an
// over-quota caller never creates a spurious credit hold.
type Resolver struct {
	store   AccountLookup
	limiter *ratelimit.Limiter
	metrics MetricsRecorder
}

// NewResolver creates a resolver backed by the given account store and limiter.
// A nil limiter disables rate limiting (used by the pipe transport and tests).
func NewResolver(store AccountLookup, limiter *ratelimit.Limiter) *Resolver {
	return &Resolver{store: store, limiter: limiter}
}

// SetMetrics sets the optional metrics recorder.
func (r *Resolver) SetMetrics(m MetricsRecorder) {
	r.metrics = m
}

// Resolve authenticates the credential, or degrades to a guest principal when
// the credential is empty. The account store is consulted fresh on every call.
func (r *Resolver) Resolve(ctx context.Context, credential string) (Principal, error) {
	credential = strings.TrimSpace(credential)
	credential = strings.TrimPrefix(credential, "Bearer ")

	if credential == "" {
		p := Guest{}
		if r.limiter != nil && !r.limiter.Allow("guest") {
			if r.metrics != nil {
				r.metrics.IncRateLimitRejection()
			}
			return nil, ErrRateLimited
		}
		return p, nil
	}

	// A store failure is not an auth verdict. Only ErrInvalidKey from the
	// lookup, or a missing account, means the credential itself was bad.
	acct, err := r.store.GetByKeyHash(ctx, HashKey(credential))
	if err != nil {
		if errors.Is(err, ErrInvalidKey) {
			if r.metrics != nil {
				r.metrics.IncAuthFailure("invalid_key")
			}
			return nil, ErrInvalidKey
		}
		return nil, fmt.Errorf("looking up api key: %w", err)
	}
	if acct == nil {
		if r.metrics != nil {
			r.metrics.IncAuthFailure("invalid_key")
		}
		return nil, ErrInvalidKey
	}
	if !acct.IsActive {
		if r.metrics != nil {
			r.metrics.IncAuthFailure("inactive_account")
		}
		return nil, ErrAccountInactive
	}

	if r.limiter != nil && !r.limiter.Allow(acct.ID) {
		if r.metrics != nil {
			r.metrics.IncRateLimitRejection()
		}
		return nil, ErrRateLimited
	}

	// Best effort; a failed touch must not fail the request.
	_ = r.store.TouchLastConnected(ctx, acct.ID)

	if r.metrics != nil {
		r.metrics.IncAuthSuccess()
	}
	return Authenticated{
		AccountID: acct.ID,
		Email:     acct.Email,
		Name:      acct.Name,
	}, nil
}
