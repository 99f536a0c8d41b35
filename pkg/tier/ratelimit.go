package tier

import (
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/agentbus/agentbus/pkg/observability"
)

// TenantLimiterConfig tunes the in-process smoothing limiter
type TenantLimiterConfig struct {
	// RPS is the steady per-tenant request rate
	RPS int
	// Burst is the per-tenant burst size
	Burst int
	// CleanupInterval is how often idle limiters are dropped
	CleanupInterval time.Duration
	// MaxAge is how long an unused limiter is kept
	MaxAge time.Duration
}

// DefaultTenantLimiterConfig returns the default tuning
func DefaultTenantLimiterConfig() TenantLimiterConfig {
	return TenantLimiterConfig{
		RPS:             100,
		Burst:           200,
		CleanupInterval: 5 * time.Minute,
		MaxAge:          time.Hour,
	}
}

// TenantLimiter is a per-tenant token bucket that smooths load before the
// Redis-backed quota check. It bounds how hard one tenant can hammer the
// usage counters; it is not the quota itself.
type TenantLimiter struct {
	config TenantLimiterConfig
	logger observability.Logger

	mu       sync.Mutex
	limiters map[string]*limiterEntry
	stopCh   chan struct{}
	stopOnce sync.Once
}

type limiterEntry struct {
	limiter    *rate.Limiter
	lastAccess time.Time
}

// NewTenantLimiter creates a limiter and starts its cleanup loop
func NewTenantLimiter(config TenantLimiterConfig, logger observability.Logger) *TenantLimiter {
	if logger == nil {
		logger = observability.NewNoopLogger()
	}
	l := &TenantLimiter{
		config:   config,
		logger:   logger,
		limiters: make(map[string]*limiterEntry),
		stopCh:   make(chan struct{}),
	}
	go l.cleanupLoop()
	return l
}

// Allow reports whether a request for tenantID may proceed now
func (l *TenantLimiter) Allow(tenantID string) bool {
	l.mu.Lock()
	entry, ok := l.limiters[tenantID]
	if !ok {
		entry = &limiterEntry{
			limiter: rate.NewLimiter(rate.Limit(l.config.RPS), l.config.Burst),
		}
		l.limiters[tenantID] = entry
	}
	entry.lastAccess = time.Now()
	l.mu.Unlock()

	return entry.limiter.Allow()
}

// Stop terminates the cleanup loop
func (l *TenantLimiter) Stop() {
	l.stopOnce.Do(func() { close(l.stopCh) })
}

func (l *TenantLimiter) cleanupLoop() {
	ticker := time.NewTicker(l.config.CleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-l.stopCh:
			return
		case <-ticker.C:
			l.cleanup()
		}
	}
}

func (l *TenantLimiter) cleanup() {
	cutoff := time.Now().Add(-l.config.MaxAge)

	l.mu.Lock()
	defer l.mu.Unlock()

	for tenant, entry := range l.limiters {
		if entry.lastAccess.Before(cutoff) {
			delete(l.limiters, tenant)
		}
	}
}
