package revocation

import (
	"context"
	"time"

	"github.com/patrickmn/go-cache"
)

// Memory is a process local denylist. It is only correct for a single
// replica; deployments with several replicas use revocationvalkey.
type Memory struct {
	cache *cache.Cache
}

func NewMemory() *Memory {
	return &Memory{
		cache: cache.New(cache.NoExpiration, 5*time.Minute),
	}
}

func (m *Memory) Revoke(_ context.Context, token string, until time.Time) error {
	ttl := time.Until(until)
	if ttl <= 0 {
		return nil
	}

	m.cache.Set(Digest(token), until, ttl)

	return nil
}

func (m *Memory) IsRevoked(_ context.Context, token string) (bool, error) {
	_, ok := m.cache.Get(Digest(token))
	return ok, nil
}
