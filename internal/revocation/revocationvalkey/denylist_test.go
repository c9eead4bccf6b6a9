package revocationvalkey_test

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/valkey-io/valkey-go"

	"github.com/openkcm/nightwatch/internal/dbtest/valkeytest"
	"github.com/openkcm/nightwatch/internal/revocation"
	"github.com/openkcm/nightwatch/internal/revocation/revocationvalkey"
)

var client valkey.Client

func TestMain(m *testing.M) {
	ctx := context.Background()

	valkeyClient, _, terminate := valkeytest.Start(ctx)
	client = valkeyClient

	code := m.Run()
	terminate(ctx)

	os.Exit(code)
}

func TestDenylist(t *testing.T) {
	prefix := valkeytest.DenylistPrefix + ":"
	denylist := revocationvalkey.NewDenylist(client, prefix)

	tests := []struct {
		name        string
		token       string
		until       time.Duration
		wantRevoked bool
	}{
		{name: "revoked token", token: "token-one", until: time.Hour, wantRevoked: true},
		{name: "expired token is not stored", token: "token-two", until: -time.Minute, wantRevoked: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			require.NoError(t, denylist.Revoke(t.Context(), tt.token, time.Now().Add(tt.until)))

			revoked, err := denylist.IsRevoked(t.Context(), tt.token)
			require.NoError(t, err)
			assert.Equal(t, tt.wantRevoked, revoked)
		})
	}

	t.Run("unknown token", func(t *testing.T) {
		revoked, err := denylist.IsRevoked(t.Context(), "never-seen")
		require.NoError(t, err)
		assert.False(t, revoked)
	})

	t.Run("key is a digest with a ttl", func(t *testing.T) {
		require.NoError(t, denylist.Revoke(t.Context(), "token-three", time.Now().Add(time.Minute)))

		key := valkeytest.DenylistPrefix + ":revoked:" + revocation.Digest("token-three")
		ttl, err := client.Do(t.Context(), client.B().Ttl().Key(key).Build()).AsInt64()
		require.NoError(t, err)
		assert.Positive(t, ttl)
		assert.LessOrEqual(t, ttl, int64(60))
	})

	t.Run("tokens are never stored in clear", func(t *testing.T) {
		const token = "header.payload.signature"
		require.NoError(t, denylist.Revoke(t.Context(), token, time.Now().Add(time.Minute)))

		keys, err := valkeytest.Keys(t.Context(), client, valkeytest.DenylistPrefix)
		require.NoError(t, err)
		require.Contains(t, keys, valkeytest.DenylistPrefix+":revoked:"+revocation.Digest(token))
		for _, key := range keys {
			assert.NotContains(t, key, token)
		}
	})

	t.Run("entries expire", func(t *testing.T) {
		require.NoError(t, denylist.Revoke(t.Context(), "token-four", time.Now().Add(time.Second)))
		time.Sleep(2100 * time.Millisecond)

		revoked, err := denylist.IsRevoked(t.Context(), "token-four")
		require.NoError(t, err)
		assert.False(t, revoked)
	})
}
