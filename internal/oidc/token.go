package oidc

import (
	"encoding/json"
	"strconv"
	"time"
)

// DefaultLifetime is used when the provider does not report expires_in.
const DefaultLifetime = time.Hour

type Claims struct {
	Subject string `json:"sub"`
	Email   string `json:"email"`
	Name    string `json:"name"`
}

type Token struct {
	AccessToken string
	IDToken     string
	// ExpiresIn is the lifetime reported by the provider, zero if absent.
	ExpiresIn time.Duration
	Claims    Claims
}

// Lifetime returns the reported lifetime of the access token or
// DefaultLifetime.
func (t Token) Lifetime() time.Duration {
	if t.ExpiresIn > 0 {
		return t.ExpiresIn
	}
	return DefaultLifetime
}

// expiresIn reads expires_in of a token response. JSON responses decode
// it as a number, form encoded ones as an integer or a string.
func expiresIn(v any) time.Duration {
	var secs int64
	switch n := v.(type) {
	case float64:
		secs = int64(n)
	case int64:
		secs = n
	case json.Number:
		secs, _ = n.Int64()
	case string:
		secs, _ = strconv.ParseInt(n, 10, 64)
	}
	if secs <= 0 {
		return 0
	}
	return time.Duration(secs) * time.Second
}
