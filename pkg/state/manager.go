// Package state provides typed storage over Redis for entities whose schema
// the caller supplies. Keys come from the keyspace; values travel through
// the same JSON codec as the envelopes.
package state

import (
	"context"
	"encoding/json"
	"time"

	pkgerrors "github.com/pkg/errors"
	goredis "github.com/redis/go-redis/v9"

	"github.com/agentbus/agentbus/pkg/errors"
	"github.com/agentbus/agentbus/pkg/observability"
	redisclient "github.com/agentbus/agentbus/pkg/redis"
)

// Version is the opaque token returned by Load and consumed by
// StoreIfUnchanged. Callers must not inspect it.
type Version struct {
	raw string
	set bool
}

// Manager implements the typed state operations
type Manager struct {
	client  *redisclient.Client
	logger  observability.Logger
	metrics observability.MetricsClient
}

// New creates a state manager
func New(client *redisclient.Client, logger observability.Logger, metrics observability.MetricsClient) *Manager {
	if logger == nil {
		logger = observability.NewNoopLogger()
	}
	if metrics == nil {
		metrics = observability.NewNoopMetricsClient()
	}
	return &Manager{client: client, logger: logger, metrics: metrics}
}

// Load reads the entity at key into out. The second return is false when the
// key does not exist. Corrupted payloads fail with a DataCorruption error
// and are never silently deleted.
func (m *Manager) Load(ctx context.Context, key string, out interface{}) (Version, bool, error) {
	start := time.Now()

	raw, err := m.client.Unwrap().Get(ctx, key).Result()
	if err == goredis.Nil {
		m.metrics.RecordCacheOperation("load", true, time.Since(start).Seconds())
		return Version{}, false, nil
	}
	if err != nil {
		m.metrics.RecordCacheOperation("load", false, time.Since(start).Seconds())
		return Version{}, false, errors.Wrap(err, "STATE_UNAVAILABLE", errors.ClassUnavailable)
	}

	if err := json.Unmarshal([]byte(raw), out); err != nil {
		m.metrics.RecordCacheOperation("load", false, time.Since(start).Seconds())
		m.logger.Error("State payload is corrupt", map[string]interface{}{
			"key":   key,
			"error": err.Error(),
		})
		return Version{}, false, errors.Wrap(err, "STATE_CORRUPT", errors.ClassCorruption)
	}

	m.metrics.RecordCacheOperation("load", true, time.Since(start).Seconds())
	return Version{raw: raw, set: true}, true, nil
}

// Store writes value at key, last-writer-wins. A zero ttl means no expiry.
func (m *Manager) Store(ctx context.Context, key string, value interface{}, ttl time.Duration) error {
	data, err := json.Marshal(value)
	if err != nil {
		return pkgerrors.Wrap(err, "failed to encode state value")
	}

	start := time.Now()
	if err := m.client.Unwrap().Set(ctx, key, data, ttl).Err(); err != nil {
		m.metrics.RecordCacheOperation("store", false, time.Since(start).Seconds())
		return errors.Wrap(err, "STATE_UNAVAILABLE", errors.ClassUnavailable)
	}
	m.metrics.RecordCacheOperation("store", true, time.Since(start).Seconds())
	return nil
}

// StoreIfUnchanged writes value only if the stored entity still matches
// version. It returns false when the entity changed under the caller; the
// caller decides whether to reload and retry. A single WATCH/MULTI round,
// no internal retry loop.
func (m *Manager) StoreIfUnchanged(ctx context.Context, key string, value interface{}, version Version, ttl time.Duration) (bool, error) {
	data, err := json.Marshal(value)
	if err != nil {
		return false, pkgerrors.Wrap(err, "failed to encode state value")
	}

	conflict := pkgerrors.New("state version conflict")

	txn := func(tx *goredis.Tx) error {
		current, err := tx.Get(ctx, key).Result()
		switch {
		case err == goredis.Nil:
			if version.set {
				return conflict
			}
		case err != nil:
			return err
		default:
			if !version.set || current != version.raw {
				return conflict
			}
		}

		_, err = tx.TxPipelined(ctx, func(pipe goredis.Pipeliner) error {
			pipe.Set(ctx, key, data, ttl)
			return nil
		})
		return err
	}

	err = m.client.Unwrap().Watch(ctx, txn, key)
	switch {
	case err == nil:
		return true, nil
	case pkgerrors.Is(err, conflict) || err == goredis.TxFailedErr:
		return false, nil
	default:
		return false, errors.Wrap(err, "STATE_UNAVAILABLE", errors.ClassUnavailable)
	}
}

// Delete removes the entity at key
func (m *Manager) Delete(ctx context.Context, key string) error {
	if err := m.client.Unwrap().Del(ctx, key).Err(); err != nil {
		return errors.Wrap(err, "STATE_UNAVAILABLE", errors.ClassUnavailable)
	}
	return nil
}

// Scan iterates keys under prefix using cursor iteration, never KEYS.
// Intended for maintenance paths, not the request path.
func (m *Manager) Scan(ctx context.Context, prefix string, fn func(key string) error) error {
	iter := m.client.Unwrap().Scan(ctx, 0, prefix+"*", 100).Iterator()
	for iter.Next(ctx) {
		if err := fn(iter.Val()); err != nil {
			return err
		}
	}
	if err := iter.Err(); err != nil {
		return errors.Wrap(err, "STATE_UNAVAILABLE", errors.ClassUnavailable)
	}
	return nil
}
