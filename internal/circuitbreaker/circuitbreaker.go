// Package circuitbreaker isolates consistently failing providers so
// the router can fail over without hammering an unhealthy backend.
//
// States:
//   - Closed: normal operation, requests pass through
//   - Open: provider unhealthy, requests are refused until the probe time
//   - Half-Open: exactly one trial request is allowed through to probe recovery
//
// Implementations:
//   - InMemoryBreaker: single-instance, uses sync.Mutex
//   - RedisBreaker: distributed, uses Redis with Lua scripts for atomicity
package circuitbreaker

import (
	"context"
	"sync"
	"time"

	"github.com/mosaicdocs/aicore/internal/domain"
)

// Breaker is the per-provider failure tracker consulted by the router
// before every candidate attempt.
type Breaker interface {
	// Allow reports whether a request may be dispatched. Returns nil
	// if allowed, domain.ErrCircuitOpen otherwise. In half-open state
	// only the first caller is admitted; the rest must fall back.
	//
	// Allow must be the caller's last check before dispatching: an
	// admitted call holds the single half-open probe slot until
	// RecordSuccess or RecordFailure resolves it, so a caller that
	// skips the provider after Allow strands the slot.
	Allow(ctx context.Context) error

	// RecordSuccess closes the circuit from half-open and resets the
	// failure counter.
	RecordSuccess(ctx context.Context)

	// RecordFailure counts toward the failure threshold; in half-open
	// it re-opens the circuit and restarts the recovery clock.
	RecordFailure(ctx context.Context)

	State(ctx context.Context) State
}

type State int

const (
	StateClosed State = iota
	StateOpen
	StateHalfOpen
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

type Config struct {
	FailureThreshold   int           // consecutive failures before opening
	RecoveryTimeout    time.Duration // base open duration before the first probe
	MaxRecoveryTimeout time.Duration // cap for the exponentially growing open duration
	MonitoringWindow   time.Duration // failures further apart than this do not accumulate
}

func DefaultConfig() Config {
	return Config{
		FailureThreshold:   5,
		RecoveryTimeout:    30 * time.Second,
		MaxRecoveryTimeout: 10 * time.Minute,
		MonitoringWindow:   2 * time.Minute,
	}
}

// InMemoryBreaker is suitable for single-instance deployments.
type InMemoryBreaker struct {
	mu            sync.Mutex
	state         State
	failures      int
	trips         int
	lastFailure   time.Time
	nextProbeAt   time.Time
	probeInFlight bool
	cfg           Config
	now           func() time.Time
}

func NewInMemory(cfg Config) *InMemoryBreaker {
	return &InMemoryBreaker{
		state: StateClosed,
		cfg:   cfg,
		now:   time.Now,
	}
}

func (b *InMemoryBreaker) Allow(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case StateClosed:
		return nil
	case StateOpen:
		if b.now().Before(b.nextProbeAt) {
			return domain.ErrCircuitOpen
		}
		b.state = StateHalfOpen
		b.probeInFlight = true
		return nil
	case StateHalfOpen:
		if b.probeInFlight {
			return domain.ErrCircuitOpen
		}
		b.probeInFlight = true
		return nil
	}
	return nil
}

func (b *InMemoryBreaker) RecordSuccess(ctx context.Context) {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case StateClosed:
		b.failures = 0
	case StateHalfOpen:
		b.state = StateClosed
		b.failures = 0
		b.trips = 0
		b.probeInFlight = false
	}
}

func (b *InMemoryBreaker) RecordFailure(ctx context.Context) {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := b.now()

	switch b.state {
	case StateClosed:
		if b.cfg.MonitoringWindow > 0 && !b.lastFailure.IsZero() && now.Sub(b.lastFailure) > b.cfg.MonitoringWindow {
			b.failures = 0
		}
		b.failures++
		if b.failures >= b.cfg.FailureThreshold {
			b.trip(now)
		}
	case StateHalfOpen:
		b.probeInFlight = false
		b.trip(now)
	}

	b.lastFailure = now
}

// trip opens the circuit, growing the recovery timeout exponentially
// per consecutive trip up to the configured cap.
func (b *InMemoryBreaker) trip(now time.Time) {
	b.state = StateOpen
	b.trips++

	timeout := b.cfg.RecoveryTimeout
	for i := 1; i < b.trips; i++ {
		timeout *= 2
		if b.cfg.MaxRecoveryTimeout > 0 && timeout >= b.cfg.MaxRecoveryTimeout {
			timeout = b.cfg.MaxRecoveryTimeout
			break
		}
	}
	b.nextProbeAt = now.Add(timeout)
}

func (b *InMemoryBreaker) State(ctx context.Context) State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

func (b *InMemoryBreaker) Failures() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.failures
}

// StateChangeHandler is notified when a provider's circuit opens or
// closes; used for provider-down/up notifications.
type StateChangeHandler func(providerID string, state State)

// Manager holds one breaker per provider.
type Manager struct {
	mu       sync.RWMutex
	breakers map[string]Breaker
	config   Config
	factory  func(providerID string) Breaker
	onChange []StateChangeHandler
}

type ManagerOption func(*Manager)

// WithRedis configures the manager to create Redis-backed breakers so
// state is shared across instances.
func WithRedis(redisURL string) ManagerOption {
	return func(m *Manager) {
		m.factory = func(providerID string) Breaker {
			b, err := NewRedis(redisURL, providerID, m.config)
			if err != nil {
				return NewInMemory(m.config)
			}
			return b
		}
	}
}

func NewManager(cfg Config, opts ...ManagerOption) *Manager {
	m := &Manager{
		breakers: make(map[string]Breaker),
		config:   cfg,
		factory: func(providerID string) Breaker {
			return NewInMemory(cfg)
		},
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// OnStateChange registers a handler for open/close transitions
// observed via RecordOutcome.
func (m *Manager) OnStateChange(fn StateChangeHandler) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onChange = append(m.onChange, fn)
}

// Get returns the breaker for a provider, creating one if needed.
func (m *Manager) Get(providerID string) Breaker {
	m.mu.RLock()
	b, ok := m.breakers[providerID]
	m.mu.RUnlock()
	if ok {
		return b
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if existing, ok := m.breakers[providerID]; ok {
		return existing
	}
	b = m.factory(providerID)
	m.breakers[providerID] = b
	return b
}

// RecordOutcome feeds a dispatch result into the provider's breaker
// and fires state-change handlers on transitions.
func (m *Manager) RecordOutcome(ctx context.Context, providerID string, success bool) {
	b := m.Get(providerID)
	before := b.State(ctx)
	if success {
		b.RecordSuccess(ctx)
	} else {
		b.RecordFailure(ctx)
	}
	after := b.State(ctx)
	if before == after {
		return
	}

	m.mu.RLock()
	handlers := make([]StateChangeHandler, len(m.onChange))
	copy(handlers, m.onChange)
	m.mu.RUnlock()
	for _, fn := range handlers {
		fn(providerID, after)
	}
}

// States reports the current state of every tracked breaker.
func (m *Manager) States() map[string]string {
	m.mu.RLock()
	defer m.mu.RUnlock()

	ctx := context.Background()
	states := make(map[string]string)
	for id, b := range m.breakers {
		states[id] = b.State(ctx).String()
	}
	return states
}
