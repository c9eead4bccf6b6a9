// Package revocation keeps the access tokens of logged out sessions
// until they expire, so a copied session cookie cannot be reused after
// logout. Tokens are only ever stored as SHA-256 digests.
package revocation

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"time"
)

type Denylist interface {
	// Revoke denies token until the given time.
	Revoke(ctx context.Context, token string, until time.Time) error
	IsRevoked(ctx context.Context, token string) (bool, error)
}

// Digest returns the identifier under which a token is denylisted.
func Digest(token string) string {
	sum := sha256.Sum256([]byte(token))
	return hex.EncodeToString(sum[:])
}
