package tier

import (
	"context"
	"fmt"
	"time"

	"github.com/agentbus/agentbus/pkg/errors"
	"github.com/agentbus/agentbus/pkg/keyspace"
	"github.com/agentbus/agentbus/pkg/observability"
	redisclient "github.com/agentbus/agentbus/pkg/redis"
)

// CounterFunc reports how many of a count-limited resource currently exist
// for a tenant. The owning service injects it; the engine does not know how
// entities are stored.
type CounterFunc func(ctx context.Context, tenantID string) (int64, error)

// Engine validates actions against tenant quotas before the handler runs and
// accounts usage after it runs.
//
// Validate-then-record is deliberately not atomic: under N concurrent
// callers final usage may exceed the limit by at most N-1. Services needing
// strict caps must serialize the resource themselves.
type Engine struct {
	table    Table
	source   Source
	client   *redisclient.Client
	ks       *keyspace.Keyspace
	service  string
	counters map[Resource]CounterFunc
	limiter  *TenantLimiter
	logger   observability.Logger
	metrics  observability.MetricsClient
	now      func() time.Time
}

// Option configures an Engine
type Option func(*Engine)

// WithCounter injects the existence counter for a count-limited resource
func WithCounter(resource Resource, fn CounterFunc) Option {
	return func(e *Engine) { e.counters[resource] = fn }
}

// WithTenantLimiter puts an in-process smoothing limiter in front of the
// quota checks
func WithTenantLimiter(l *TenantLimiter) Option {
	return func(e *Engine) { e.limiter = l }
}

// WithMetrics sets the metrics client
func WithMetrics(m observability.MetricsClient) Option {
	return func(e *Engine) { e.metrics = m }
}

// WithClock overrides the window clock; tests use it to cross window edges
func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

// NewEngine creates a policy engine for one service
func NewEngine(table Table, source Source, client *redisclient.Client, ks *keyspace.Keyspace, service string, logger observability.Logger, opts ...Option) (*Engine, error) {
	if err := table.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = observability.NewNoopLogger()
	}

	e := &Engine{
		table:    table,
		source:   source,
		client:   client,
		ks:       ks,
		service:  service,
		counters: make(map[Resource]CounterFunc),
		logger:   logger,
		metrics:  observability.NewNoopMetricsClient(),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e, nil
}

// Validate checks whether tenantID may consume amount of resource. It
// returns nil on pass and a TierLimitExceeded classified error on rejection.
func (e *Engine) Validate(ctx context.Context, tenantID string, resource Resource, amount int64) error {
	spec, ok := resourceSpecs[resource]
	if !ok {
		// Unknown resources are a programming error, not tenant behavior
		return fmt.Errorf("unknown resource %q", resource)
	}

	tierName, err := e.source.Tier(ctx, tenantID)
	if err != nil {
		return err
	}

	row, ok := e.table[tierName]
	if !ok {
		return fmt.Errorf("tenant %s resolves to unknown tier %q", tenantID, tierName)
	}
	limit, ok := row[resource]
	if !ok {
		// A tier row without the resource means unrestricted
		return nil
	}

	if e.limiter != nil && !e.limiter.Allow(tenantID) {
		e.metrics.IncrementCounterWithLabels("tier_rejections_total", 1, map[string]string{
			"resource": string(resource),
			"reason":   "rate",
		})
		return errors.New(spec.Code, fmt.Sprintf("tenant %s exceeds request rate", tenantID), errors.ClassPolicy)
	}

	switch spec.Kind {
	case LimitCapability:
		if !limit.Allowed {
			return e.reject(tenantID, resource, spec, "capability not in tier "+tierName)
		}
		return nil

	case LimitCount:
		fn, ok := e.counters[resource]
		if !ok {
			return fmt.Errorf("no counter registered for resource %q", resource)
		}
		current, err := fn(ctx, tenantID)
		if err != nil {
			return err
		}
		if current+amount > limit.Limit {
			return e.reject(tenantID, resource, spec,
				fmt.Sprintf("count %d + %d exceeds limit %d", current, amount, limit.Limit))
		}
		return nil

	default: // LimitQuota
		key, err := e.usageKey(tenantID, resource, spec)
		if err != nil {
			return err
		}
		current, err := e.client.GetCounter(ctx, key)
		if err != nil {
			return errors.Wrap(err, "USAGE_UNAVAILABLE", errors.ClassUnavailable)
		}
		if current+amount > limit.Limit {
			return e.reject(tenantID, resource, spec,
				fmt.Sprintf("usage %d + %d exceeds quota %d", current, amount, limit.Limit))
		}
		return nil
	}
}

// Record accounts consumption after the handler ran. Counters live under
// window-rotated keys, so no background reset job exists.
func (e *Engine) Record(ctx context.Context, tenantID string, resource Resource, amount int64) error {
	spec, ok := resourceSpecs[resource]
	if !ok {
		return fmt.Errorf("unknown resource %q", resource)
	}
	if spec.Kind != LimitQuota {
		// Count resources are tracked by the owning service; capabilities
		// have nothing to record.
		return nil
	}

	key, err := e.usageKey(tenantID, resource, spec)
	if err != nil {
		return err
	}
	if _, err := e.client.IncrByWithTTL(ctx, key, amount, WindowTTL(spec.Window)); err != nil {
		return errors.Wrap(err, "USAGE_UNAVAILABLE", errors.ClassUnavailable)
	}

	e.metrics.IncrementCounterWithLabels("tier_usage_recorded_total", float64(amount), map[string]string{
		"resource": string(resource),
	})
	return nil
}

// Usage reads the current window's counter for a quota resource
func (e *Engine) Usage(ctx context.Context, tenantID string, resource Resource) (int64, error) {
	spec, ok := resourceSpecs[resource]
	if !ok || spec.Kind != LimitQuota {
		return 0, fmt.Errorf("resource %q is not quota-limited", resource)
	}
	key, err := e.usageKey(tenantID, resource, spec)
	if err != nil {
		return 0, err
	}
	return e.client.GetCounter(ctx, key)
}

// usageKey builds the current window's counter key. Tenant IDs arrive as
// opaque envelope context, so a tenant the key grammar cannot carry is a
// validation rejection, not a broken key.
func (e *Engine) usageKey(tenantID string, resource Resource, spec resourceSpec) (string, error) {
	key, err := e.ks.UsageKey(e.service, tenantID, string(resource), WindowKey(spec.Window, e.now()))
	if err != nil {
		return "", errors.Wrap(err, "INVALID_TENANT", errors.ClassValidation)
	}
	return key, nil
}

func (e *Engine) reject(tenantID string, resource Resource, spec resourceSpec, reason string) error {
	e.metrics.IncrementCounterWithLabels("tier_rejections_total", 1, map[string]string{
		"resource": string(resource),
		"reason":   "limit",
	})
	e.logger.Info("Tier limit exceeded", map[string]interface{}{
		"tenant_id": tenantID,
		"resource":  string(resource),
		"reason":    reason,
	})
	return errors.New(spec.Code, reason, errors.ClassPolicy).WithDetails(map[string]interface{}{
		"tenant_id": tenantID,
		"resource":  string(resource),
	})
}
