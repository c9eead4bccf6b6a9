package csrf_test

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/openkcm/nightwatch/pkg/csrf"
)

func TestCSRF(t *testing.T) {
	tests := []struct {
		name              string
		genKey            string // Key used to generate the CSRF token
		genSessionID      string // Session ID used to generate the CSRF token
		validateKey       string // Key used to validate the token
		validateSessionID string // Session ID used to validate the token
		wantValid         bool
	}{
		{
			name:              "Validate a token successfully",
			genKey:            "my-super-secret-key",
			genSessionID:      "some-session-id",
			validateKey:       "my-super-secret-key",
			validateSessionID: "some-session-id",
			wantValid:         true,
		},
		{
			name:              "Mismatched Session ID. Token is invalid",
			genKey:            "my-super-secret-key",
			genSessionID:      "some-session-id",
			validateKey:       "my-super-secret-key",
			validateSessionID: "mismatched-session-id",
			wantValid:         false,
		},
		{
			name:              "Mismatched key. Token is invalid",
			genKey:            "my-super-secret-key",
			genSessionID:      "some-session-id",
			validateKey:       "mismatched-key",
			validateSessionID: "some-session-id",
			wantValid:         false,
		},
		{
			name:              "Empty session ID. Token is invalid",
			genKey:            "my-super-secret-key",
			genSessionID:      "",
			validateKey:       "my-super-secret-key",
			validateSessionID: "",
			wantValid:         false,
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			token := csrf.NewToken(tc.genSessionID, []byte(tc.genKey))
			valid := csrf.Validate(token, tc.validateSessionID, []byte(tc.validateKey))
			assert.Equal(t, tc.wantValid, valid, "Failed to validate the CSRF token")
		})
	}
}

func TestValidate_Malformed(t *testing.T) {
	key := []byte("my-super-secret-key")

	for _, token := range []string{"", "nodot", "zz.zz", "ab.cd.ef", "abcd.zz"} {
		t.Run(token, func(t *testing.T) {
			assert.False(t, csrf.Validate(token, "some-session-id", key))
		})
	}
}

func TestSessionID(t *testing.T) {
	a := csrf.SessionID("access-token-a")
	assert.Len(t, a, 64)
	assert.Equal(t, a, csrf.SessionID("access-token-a"))
	assert.NotEqual(t, a, csrf.SessionID("access-token-b"))
	assert.NotContains(t, a, "access-token")
}
