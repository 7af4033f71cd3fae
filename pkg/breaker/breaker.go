// Package breaker implements a per-target circuit breaker with a rolling
// failure window and shared-store state mirroring, so a fresh replica can
// pick up the breaker position its peers already reached.
package breaker

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/taxpoynt/messagefabric/pkg/metrics"
)

// State is the breaker position.
type State string

const (
	StateClosed   State = "CLOSED"
	StateOpen     State = "OPEN"
	StateHalfOpen State = "HALF_OPEN"
)

// Config tunes one breaker.
type Config struct {
	FailureThreshold      int
	RecoveryTimeout       time.Duration
	SuccessThreshold      int
	CallTimeout           time.Duration
	RollingWindow         time.Duration
	MaxConcurrentHalfOpen int
}

func (c Config) withDefaults() Config {
	if c.FailureThreshold <= 0 {
		c.FailureThreshold = 5
	}
	if c.RecoveryTimeout <= 0 {
		c.RecoveryTimeout = 60 * time.Second
	}
	if c.SuccessThreshold <= 0 {
		c.SuccessThreshold = 3
	}
	if c.CallTimeout <= 0 {
		c.CallTimeout = 30 * time.Second
	}
	if c.RollingWindow <= 0 {
		c.RollingWindow = 60 * time.Second
	}
	if c.MaxConcurrentHalfOpen <= 0 {
		c.MaxConcurrentHalfOpen = 1
	}
	return c
}

// OpenError is returned for calls rejected by a non-closed breaker.
type OpenError struct {
	Name  string
	State State
}

func (e *OpenError) Error() string {
	return fmt.Sprintf("circuit breaker %q is %s", e.Name, e.State)
}

// Metrics are cumulative breaker counters.
type Metrics struct {
	TotalCalls     int64 `json:"total_calls"`
	TotalSuccesses int64 `json:"total_successes"`
	TotalFailures  int64 `json:"total_failures"`
	Timeouts       int64 `json:"timeouts"`
	Rejected       int64 `json:"rejected"`
}

// Snapshot is the persisted breaker state.
type Snapshot struct {
	Name                 string    `json:"name"`
	State                State     `json:"state"`
	ConsecutiveFailures  int       `json:"consecutive_failures"`
	ConsecutiveSuccesses int       `json:"consecutive_successes"`
	LastFailure          time.Time `json:"last_failure"`
	Metrics              Metrics   `json:"metrics"`
	UpdatedAt            time.Time `json:"updated_at"`
}

// TransitionListener observes state changes.
type TransitionListener func(name string, from, to State)

// Breaker guards calls against a failing downstream.
type Breaker struct {
	name  string
	cfg   Config
	log   *zap.Logger
	store StateStore

	mu                   sync.Mutex
	state                State
	failures             []time.Time
	consecutiveFailures  int
	consecutiveSuccesses int
	lastFailure          time.Time
	halfOpenInflight     int
	metrics              Metrics
	listeners            []TransitionListener
}

// New builds a breaker. A nil store keeps state purely in memory.
func New(name string, cfg Config, store StateStore, log *zap.Logger) *Breaker {
	b := &Breaker{
		name:  name,
		cfg:   cfg.withDefaults(),
		log:   log.With(zap.String("module", "circuit_breaker"), zap.String("breaker", name)),
		store: store,
		state: StateClosed,
	}
	if store != nil {
		if snap, ok, err := store.LoadState(context.Background(), name); err == nil && ok {
			b.state = snap.State
			b.consecutiveFailures = snap.ConsecutiveFailures
			b.consecutiveSuccesses = snap.ConsecutiveSuccesses
			b.lastFailure = snap.LastFailure
			b.metrics = snap.Metrics
		}
	}
	metrics.BreakerState.WithLabelValues(name).Set(stateGauge(b.state))
	return b
}

// OnTransition registers a listener for state changes.
func (b *Breaker) OnTransition(fn TransitionListener) {
	b.mu.Lock()
	b.listeners = append(b.listeners, fn)
	b.mu.Unlock()
}

// Call runs fn behind the breaker, enforcing the call timeout. Timeouts
// count as failures and increment the timeouts counter.
func (b *Breaker) Call(ctx context.Context, fn func(ctx context.Context) (interface{}, error)) (interface{}, error) {
	if err := b.admit(); err != nil {
		return nil, err
	}

	callCtx, cancel := context.WithTimeout(ctx, b.cfg.CallTimeout)
	defer cancel()

	type outcome struct {
		result interface{}
		err    error
	}
	done := make(chan outcome, 1)
	go func() {
		result, err := fn(callCtx)
		done <- outcome{result, err}
	}()

	select {
	case out := <-done:
		b.record(out.err == nil, false)
		return out.result, out.err
	case <-callCtx.Done():
		b.record(false, true)
		return nil, fmt.Errorf("call through breaker %q timed out after %s: %w",
			b.name, b.cfg.CallTimeout, callCtx.Err())
	}
}

// State returns the current position, applying the OPEN → HALF_OPEN
// transition if the recovery timeout has elapsed.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.maybeRecover()
	return b.state
}

// Snapshot returns the current persisted form.
func (b *Breaker) Snapshot() Snapshot {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.snapshotLocked()
}

// Reset forces CLOSED with fresh metrics.
func (b *Breaker) Reset(ctx context.Context) {
	b.mu.Lock()
	from := b.state
	b.state = StateClosed
	b.failures = nil
	b.consecutiveFailures = 0
	b.consecutiveSuccesses = 0
	b.halfOpenInflight = 0
	b.metrics = Metrics{}
	listeners := b.notifyLocked(from, StateClosed)
	snap := b.snapshotLocked()
	b.mu.Unlock()

	b.persist(ctx, snap)
	for _, fn := range listeners {
		fn(b.name, from, StateClosed)
	}
	b.log.Info("Circuit breaker manually reset")
}

// RefreshTTL re-persists the current state so the shared-store record does
// not expire while the breaker is idle.
func (b *Breaker) RefreshTTL(ctx context.Context) {
	b.persist(ctx, b.Snapshot())
}

// admit decides whether a call may proceed.
func (b *Breaker) admit() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.maybeRecover()
	switch b.state {
	case StateOpen:
		b.metrics.Rejected++
		return &OpenError{Name: b.name, State: StateOpen}
	case StateHalfOpen:
		if b.halfOpenInflight >= b.cfg.MaxConcurrentHalfOpen {
			b.metrics.Rejected++
			return &OpenError{Name: b.name, State: StateHalfOpen}
		}
		b.halfOpenInflight++
	}
	b.metrics.TotalCalls++
	return nil
}

// maybeRecover transitions OPEN to HALF_OPEN after the recovery timeout.
// Callers hold the lock.
func (b *Breaker) maybeRecover() {
	if b.state == StateOpen && time.Since(b.lastFailure) >= b.cfg.RecoveryTimeout {
		b.transitionLocked(StateHalfOpen)
	}
}

func (b *Breaker) record(success, timedOut bool) {
	b.mu.Lock()
	if b.state == StateHalfOpen && b.halfOpenInflight > 0 {
		b.halfOpenInflight--
	}

	var transitioned bool
	var from, to State
	now := time.Now().UTC()

	if success {
		b.metrics.TotalSuccesses++
		b.consecutiveFailures = 0
		b.consecutiveSuccesses++
		if b.state == StateHalfOpen && b.consecutiveSuccesses >= b.cfg.SuccessThreshold {
			from, to = b.state, StateClosed
			b.transitionLocked(StateClosed)
			b.failures = nil
			transitioned = true
		}
	} else {
		b.metrics.TotalFailures++
		if timedOut {
			b.metrics.Timeouts++
		}
		b.consecutiveSuccesses = 0
		b.consecutiveFailures++
		b.lastFailure = now
		b.failures = append(b.failures, now)
		b.pruneLocked(now)

		switch {
		case b.state == StateHalfOpen:
			from, to = b.state, StateOpen
			b.transitionLocked(StateOpen)
			transitioned = true
		case b.state == StateClosed && len(b.failures) >= b.cfg.FailureThreshold:
			from, to = b.state, StateOpen
			b.transitionLocked(StateOpen)
			transitioned = true
		}
	}

	var listeners []TransitionListener
	var snap Snapshot
	if transitioned {
		listeners = b.notifyLocked(from, to)
		snap = b.snapshotLocked()
	}
	failure := !success
	b.mu.Unlock()

	if b.store != nil && failure {
		if err := b.store.RecordFailure(context.Background(), b.name, now, now.Add(-b.cfg.RollingWindow)); err != nil {
			b.log.Debug("Failed to mirror failure timestamp", zap.Error(err))
		}
	}
	if transitioned {
		b.persist(context.Background(), snap)
		for _, fn := range listeners {
			fn(b.name, from, to)
		}
	}
}

// pruneLocked drops failures older than the rolling window.
func (b *Breaker) pruneLocked(now time.Time) {
	cutoff := now.Add(-b.cfg.RollingWindow)
	kept := b.failures[:0]
	for _, ts := range b.failures {
		if ts.After(cutoff) {
			kept = append(kept, ts)
		}
	}
	b.failures = kept
}

func (b *Breaker) transitionLocked(to State) {
	if b.state == to {
		return
	}
	b.log.Info("Circuit breaker transition",
		zap.String("from", string(b.state)),
		zap.String("to", string(to)))
	b.state = to
	b.consecutiveSuccesses = 0
	if to == StateHalfOpen {
		b.halfOpenInflight = 0
	}
	metrics.BreakerState.WithLabelValues(b.name).Set(stateGauge(to))
}

func (b *Breaker) notifyLocked(_, _ State) []TransitionListener {
	return append([]TransitionListener(nil), b.listeners...)
}

func (b *Breaker) snapshotLocked() Snapshot {
	return Snapshot{
		Name:                 b.name,
		State:                b.state,
		ConsecutiveFailures:  b.consecutiveFailures,
		ConsecutiveSuccesses: b.consecutiveSuccesses,
		LastFailure:          b.lastFailure,
		Metrics:              b.metrics,
		UpdatedAt:            time.Now().UTC(),
	}
}

func (b *Breaker) persist(ctx context.Context, snap Snapshot) {
	if b.store == nil {
		return
	}
	if err := b.store.SaveState(ctx, b.name, snap); err != nil {
		b.log.Warn("Failed to persist breaker state", zap.Error(err))
	}
}

func stateGauge(s State) float64 {
	switch s {
	case StateOpen:
		return 1
	case StateHalfOpen:
		return 0.5
	default:
		return 0
	}
}
