package redis

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/agentbus/agentbus/pkg/observability"
)

// ErrCircuitOpen is returned when a breaker refuses a call
var ErrCircuitOpen = errors.New("circuit breaker is open")

// BreakerState represents the state of a circuit breaker
type BreakerState int

const (
	// BreakerClosed means calls flow normally
	BreakerClosed BreakerState = iota
	// BreakerOpen means calls are refused until the cooldown passes
	BreakerOpen
	// BreakerHalfOpen means a limited number of probe calls are allowed
	BreakerHalfOpen
)

// String returns the state name
func (s BreakerState) String() string {
	switch s {
	case BreakerOpen:
		return "open"
	case BreakerHalfOpen:
		return "half-open"
	default:
		return "closed"
	}
}

// BreakerConfig tunes a circuit breaker
type BreakerConfig struct {
	// FailureThreshold consecutive failures open the circuit
	FailureThreshold int
	// SuccessThreshold probe successes close it again
	SuccessThreshold int
	// Cooldown is the initial open interval
	Cooldown time.Duration
	// MaxCooldown caps the growth of the open interval
	MaxCooldown time.Duration
	// CooldownMultiplier grows the interval after each failed probe
	CooldownMultiplier float64
}

// DefaultBreakerConfig returns the default tuning
func DefaultBreakerConfig() *BreakerConfig {
	return &BreakerConfig{
		FailureThreshold:   5,
		SuccessThreshold:   2,
		Cooldown:           30 * time.Second,
		MaxCooldown:        5 * time.Minute,
		CooldownMultiplier: 2.0,
	}
}

// Breaker guards a downstream dependency so a hot-failing target does not
// burn worker capacity.
type Breaker struct {
	config *BreakerConfig
	logger observability.Logger

	mu          sync.Mutex
	state       BreakerState
	failures    int
	successes   int
	lastFailure time.Time
	cooldown    time.Duration
	generation  uint64
}

// NewBreaker creates a circuit breaker
func NewBreaker(config *BreakerConfig, logger observability.Logger) *Breaker {
	if config == nil {
		config = DefaultBreakerConfig()
	}
	if logger == nil {
		logger = observability.NewNoopLogger()
	}
	return &Breaker{
		config:   config,
		logger:   logger,
		state:    BreakerClosed,
		cooldown: config.Cooldown,
	}
}

// Execute runs op through the breaker
func (b *Breaker) Execute(ctx context.Context, op func() error) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
	}

	gen, err := b.before()
	if err != nil {
		return err
	}

	err = op()
	b.after(gen, err)
	return err
}

func (b *Breaker) before() (uint64, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case BreakerOpen:
		if time.Since(b.lastFailure) > b.cooldown {
			b.state = BreakerHalfOpen
			b.successes = 0
			b.generation++
			b.logger.Info("Circuit breaker half-open", map[string]interface{}{
				"cooldown": b.cooldown,
			})
			return b.generation, nil
		}
		return b.generation, ErrCircuitOpen
	default:
		return b.generation, nil
	}
}

func (b *Breaker) after(gen uint64, err error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	// Another goroutine already moved the state machine on
	if gen != b.generation {
		return
	}

	if err == nil {
		b.onSuccess()
	} else {
		b.onFailure()
	}
}

func (b *Breaker) onSuccess() {
	switch b.state {
	case BreakerClosed:
		b.failures = 0
	case BreakerHalfOpen:
		b.successes++
		if b.successes >= b.config.SuccessThreshold {
			b.state = BreakerClosed
			b.failures = 0
			b.successes = 0
			b.cooldown = b.config.Cooldown
			b.generation++
			b.logger.Info("Circuit breaker closed after recovery", nil)
		}
	}
}

func (b *Breaker) onFailure() {
	b.lastFailure = time.Now()

	switch b.state {
	case BreakerClosed:
		b.failures++
		if b.failures >= b.config.FailureThreshold {
			b.state = BreakerOpen
			b.generation++
			b.logger.Error("Circuit breaker opened", map[string]interface{}{
				"failures": b.failures,
				"cooldown": b.cooldown,
			})
		}
	case BreakerHalfOpen:
		b.state = BreakerOpen
		b.successes = 0
		b.generation++

		b.cooldown = time.Duration(float64(b.cooldown) * b.config.CooldownMultiplier)
		if b.cooldown > b.config.MaxCooldown {
			b.cooldown = b.config.MaxCooldown
		}
		b.logger.Error("Circuit breaker reopened after failed probe", map[string]interface{}{
			"cooldown": b.cooldown,
		})
	}
}

// State returns the current state
func (b *Breaker) State() BreakerState {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Reset forces the breaker closed
func (b *Breaker) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.state = BreakerClosed
	b.failures = 0
	b.successes = 0
	b.cooldown = b.config.Cooldown
	b.generation++
}

// BreakerGroup keys breakers by an arbitrary string (the worker keys them by
// origin service)
type BreakerGroup struct {
	config *BreakerConfig
	logger observability.Logger

	mu       sync.RWMutex
	breakers map[string]*Breaker
}

// NewBreakerGroup creates an empty breaker group
func NewBreakerGroup(config *BreakerConfig, logger observability.Logger) *BreakerGroup {
	if config == nil {
		config = DefaultBreakerConfig()
	}
	return &BreakerGroup{
		config:   config,
		logger:   logger,
		breakers: make(map[string]*Breaker),
	}
}

// Get returns the breaker for key, creating it on first use
func (g *BreakerGroup) Get(key string) *Breaker {
	g.mu.RLock()
	b, ok := g.breakers[key]
	g.mu.RUnlock()
	if ok {
		return b
	}

	g.mu.Lock()
	defer g.mu.Unlock()
	if b, ok := g.breakers[key]; ok {
		return b
	}
	b = NewBreaker(g.config, g.logger)
	g.breakers[key] = b
	return b
}

// States returns the state of every breaker in the group
func (g *BreakerGroup) States() map[string]BreakerState {
	g.mu.RLock()
	defer g.mu.RUnlock()

	states := make(map[string]BreakerState, len(g.breakers))
	for k, b := range g.breakers {
		states[k] = b.State()
	}
	return states
}
