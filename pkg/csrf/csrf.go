// Package csrf implements HMAC based synchronizer tokens bound to a
// session. A token is only valid for the session and key it was
// issued with.
package csrf

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"
)

const (
	HeaderName = "X-CSRF-Token"
	CookieName = "csrf_token"
)

const keyLength = 64

func formMessage(sessionID, randValue string) []byte {
	return fmt.Appendf(nil, "%d!%s!%d!%s", len(sessionID), sessionID, len(randValue), randValue)
}

// SessionID derives a stable, non-reversible session identifier from
// a bearer credential such as an access token.
func SessionID(credential string) string {
	sum := sha256.Sum256([]byte(credential))
	return hex.EncodeToString(sum[:])
}

func NewToken(sessionID string, key []byte) string {
	buf := make([]byte, keyLength)
	_, _ = rand.Read(buf)
	randValue := hex.EncodeToString(buf)

	hash := hmac.New(sha256.New, key)
	hash.Write(formMessage(sessionID, randValue))
	hmacValue := hash.Sum(nil)

	return hex.EncodeToString(hmacValue) + "." + hex.EncodeToString([]byte(randValue))
}

func Validate(token, sessionID string, key []byte) bool {
	if token == "" || sessionID == "" {
		return false
	}

	hmacPart, randPart, ok := strings.Cut(token, ".")
	if !ok || strings.Contains(randPart, ".") {
		return false
	}

	receivedHmacValue, err := hex.DecodeString(hmacPart)
	if err != nil {
		return false
	}

	randValue, err := hex.DecodeString(randPart)
	if err != nil {
		return false
	}

	hash := hmac.New(sha256.New, key)
	hash.Write(formMessage(sessionID, string(randValue)))
	expectedHmacValue := hash.Sum(nil)

	return hmac.Equal(receivedHmacValue, expectedHmacValue)
}
