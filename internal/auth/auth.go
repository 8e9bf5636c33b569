package auth

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
)

// Principal identifies the caller a request executes on behalf of. It is
// resolved fresh for every inbound request and never persisted.
type Principal interface {
	principal()
}

// Authenticated is a principal backed by a credit account.
type Authenticated struct {
	AccountID string
	Email     string
	Name      string
}

func (Authenticated) principal() {}

// Guest is an unauthenticated principal restricted to guest-eligible tools.
// Guests never hold a credit account.
type Guest struct {
	SessionToken string
}

func (Guest) principal() {}

// IsGuest reports whether p is a guest principal.
func IsGuest(p Principal) bool {
	_, ok := p.(Guest)
	return ok
}

var (
	// ErrInvalidKey means the presented credential matched no active account.
	ErrInvalidKey = errors.New("invalid api key")
	// ErrAccountInactive means the credential matched a deactivated account.
	ErrAccountInactive = errors.New("account is deactivated")
	// ErrRateLimited means the principal exceeded its request quota.
	ErrRateLimited = errors.New("rate limit exceeded")
)

// APIKey holds the hashed key and a short prefix for identification.
type APIKey struct {
	Hash   string
	Prefix string // first 13 characters of the plaintext key
}

// GenerateAPIKey creates a new API key with the "peage_" prefix followed by
// 32 URL-safe random characters. It returns the APIKey struct (containing the
// hash and prefix) and the full plaintext key.
func GenerateAPIKey() (APIKey, string, error) {
	b := make([]byte, 24) // 24 bytes -> 32 base64url chars
	if _, err := rand.Read(b); err != nil {
		return APIKey{}, "", fmt.Errorf("generating random bytes: %w", err)
	}

	random := base64.RawURLEncoding.EncodeToString(b)
	plaintext := "peage_" + random

	key := APIKey{
		Hash:   HashKey(plaintext),
		Prefix: plaintext[:13],
	}

	return key, plaintext, nil
}

// HashKey returns the hex-encoded SHA-256 hash of the given plaintext key.
func HashKey(plaintext string) string {
	h := sha256.Sum256([]byte(plaintext))
	return hex.EncodeToString(h[:])
}
