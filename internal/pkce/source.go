// Package pkce generates the per-login secrets of an authorization code
// flow with proof key for code exchange (RFC 7636).
package pkce

import (
	"crypto/rand"
	"math/big"

	"golang.org/x/oauth2"
)

const MethodS256 = "S256"

// PKCE holds a verifier and its derived challenge. The verifier never
// leaves the server except inside a signed, http-only cookie.
type PKCE struct {
	Verifier  string
	Challenge string
	Method    string
}

type Source struct{}

func (p Source) randString(n int) string {
	const letters = "0123456789ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz-"

	ret := make([]byte, n)
	for i := range n {
		num, _ := rand.Int(rand.Reader, big.NewInt(int64(len(letters))))
		ret[i] = letters[num.Int64()]
	}

	return string(ret)
}

// PKCE returns a fresh verifier with 256 bits of entropy and its S256
// challenge, base64url(SHA256(verifier)) without padding.
func (p Source) PKCE() PKCE {
	verifier := oauth2.GenerateVerifier()

	return PKCE{
		Verifier:  verifier,
		Challenge: oauth2.S256ChallengeFromVerifier(verifier),
		Method:    MethodS256,
	}
}

// State returns the anti-CSRF value correlating a login redirect with
// its callback.
func (p Source) State() string {
	return p.randString(64) // Entropy E = 64 * log2(63) = 382.5 bits
}
