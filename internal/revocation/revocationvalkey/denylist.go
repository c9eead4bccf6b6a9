// Package revocationvalkey shares the logout denylist between replicas
// through ValKey. Entries expire together with the revoked token.
package revocationvalkey

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/valkey-io/valkey-go"

	"github.com/openkcm/nightwatch/internal/revocation"
)

const objectType = "revoked"

type record struct {
	RevokedAt time.Time `json:"revokedAt"`
	Until     time.Time `json:"until"`
}

type Denylist struct {
	store *store
}

var _ revocation.Denylist = (*Denylist)(nil)

func NewDenylist(valkeyClient valkey.Client, prefix string) *Denylist {
	return &Denylist{store: newStore(valkeyClient, prefix)}
}

func (d *Denylist) Revoke(ctx context.Context, token string, until time.Time) error {
	ttl := time.Until(until)
	if ttl <= 0 {
		return nil
	}

	rec := record{RevokedAt: time.Now(), Until: until}
	if err := d.store.SetEx(ctx, objectType, revocation.Digest(token), rec, ttl); err != nil {
		return fmt.Errorf("storing revoked token: %w", err)
	}

	return nil
}

func (d *Denylist) IsRevoked(ctx context.Context, token string) (bool, error) {
	var rec record
	err := d.store.Get(ctx, objectType, revocation.Digest(token), &rec)
	switch {
	case errors.Is(err, errNotFound):
		return false, nil
	case err != nil:
		return false, fmt.Errorf("loading revoked token: %w", err)
	}

	return time.Now().Before(rec.Until), nil
}
