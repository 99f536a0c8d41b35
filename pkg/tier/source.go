package tier

import (
	"context"
	"sync"
	"time"

	"github.com/agentbus/agentbus/pkg/errors"
	"github.com/agentbus/agentbus/pkg/keyspace"
	"github.com/agentbus/agentbus/pkg/observability"
	"github.com/agentbus/agentbus/pkg/state"
)

// Source resolves a tenant to its tier name
type Source interface {
	Tier(ctx context.Context, tenantID string) (string, error)
}

// StaticSource serves tiers from a fixed map; tenants not in the map are on
// the free tier. Used in tests and single-tenant deployments.
type StaticSource map[string]string

// Tier implements Source
func (s StaticSource) Tier(ctx context.Context, tenantID string) (string, error) {
	if tier, ok := s[tenantID]; ok {
		return tier, nil
	}
	return TierFree, nil
}

// tierRecord is the cached entity holding one tenant's tier
type tierRecord struct {
	Tier string `json:"tier"`
}

// RedisSource resolves tiers from tenant tier records behind the keyspace,
// with a short in-process cache in front so the hot path does not hit Redis
// per action.
type RedisSource struct {
	state    *state.Manager
	ks       *keyspace.Keyspace
	service  string
	cacheTTL time.Duration
	logger   observability.Logger

	mu    sync.RWMutex
	cache map[string]cachedTier
}

type cachedTier struct {
	tier    string
	expires time.Time
}

// NewRedisSource creates a tier source backed by the state manager
func NewRedisSource(st *state.Manager, ks *keyspace.Keyspace, service string, logger observability.Logger) *RedisSource {
	if logger == nil {
		logger = observability.NewNoopLogger()
	}
	return &RedisSource{
		state:    st,
		ks:       ks,
		service:  service,
		cacheTTL: 5 * time.Minute,
		logger:   logger,
		cache:    make(map[string]cachedTier),
	}
}

// Tier implements Source. Tenants without a record are on the free tier.
func (s *RedisSource) Tier(ctx context.Context, tenantID string) (string, error) {
	s.mu.RLock()
	entry, ok := s.cache[tenantID]
	s.mu.RUnlock()
	if ok && time.Now().Before(entry.expires) {
		return entry.tier, nil
	}

	key, err := s.recordKey(tenantID)
	if err != nil {
		return "", err
	}
	var record tierRecord
	_, found, err := s.state.Load(ctx, key, &record)
	if err != nil {
		return "", err
	}

	tier := TierFree
	if found && record.Tier != "" {
		tier = record.Tier
	}

	s.mu.Lock()
	s.cache[tenantID] = cachedTier{tier: tier, expires: time.Now().Add(s.cacheTTL)}
	s.mu.Unlock()

	return tier, nil
}

// SetTier writes a tenant's tier record and invalidates the local cache
func (s *RedisSource) SetTier(ctx context.Context, tenantID, tier string) error {
	key, err := s.recordKey(tenantID)
	if err != nil {
		return err
	}
	if err := s.state.Store(ctx, key, tierRecord{Tier: tier}, 0); err != nil {
		return err
	}
	s.mu.Lock()
	delete(s.cache, tenantID)
	s.mu.Unlock()
	return nil
}

func (s *RedisSource) recordKey(tenantID string) (string, error) {
	key, err := s.ks.StateKey(s.service, "tenant", tenantID, "tier")
	if err != nil {
		return "", errors.Wrap(err, "INVALID_TENANT", errors.ClassValidation)
	}
	return key, nil
}
