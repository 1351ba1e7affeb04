// Package breaker implements per-integration circuit breakers on top of
// gobreaker. A Breaker trips OPEN after a run of consecutive failures, fails
// fast until its reset timeout elapses, then admits a single HALF_OPEN probe
// whose outcome closes or re-opens it. OPEN state can be mirrored into a
// shared Store so peers fail fast too.
package breaker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/sony/gobreaker/v2"
)

// State is the breaker state.
type State string

const (
	StateClosed   State = "CLOSED"
	StateOpen     State = "OPEN"
	StateHalfOpen State = "HALF_OPEN"
)

// ErrOpen is returned when a call is rejected without reaching the remote.
var ErrOpen = errors.New("circuit breaker is open")

// Settings configures a single breaker.
type Settings struct {
	FailureThreshold int
	ResetTimeout     time.Duration
}

// DefaultSettings trip after 5 consecutive failures and cool down for 60s.
var DefaultSettings = Settings{FailureThreshold: 5, ResetTimeout: 60 * time.Second}

func (s Settings) normalize() Settings {
	if s.FailureThreshold <= 0 {
		s.FailureThreshold = DefaultSettings.FailureThreshold
	}
	if s.ResetTimeout <= 0 {
		s.ResetTimeout = DefaultSettings.ResetTimeout
	}
	return s
}

// Snapshot is a point-in-time copy of a breaker's state.
type Snapshot struct {
	Name                string        `json:"name"`
	State               State         `json:"state"`
	ConsecutiveFailures int           `json:"consecutive_failures"`
	LastFailureAt       *time.Time    `json:"last_failure_at,omitempty"`
	OpenedAt            *time.Time    `json:"opened_at,omitempty"`
	FailureThreshold    int           `json:"failure_threshold"`
	ResetTimeout        time.Duration `json:"reset_timeout"`
}

// Breaker guards calls to one integration. It is safe for concurrent use.
type Breaker struct {
	name      string
	settings  Settings
	isFailure func(error) bool
	store     Store
	logger    zerolog.Logger
	cb        *gobreaker.TwoStepCircuitBreaker[struct{}]

	// mu is taken from inside gobreaker callbacks, so it must never be held
	// while calling into cb.
	mu             sync.Mutex
	tripFailures   int
	lastFailureAt  time.Time
	openedAt       time.Time
	remoteOpenedAt time.Time
	pending        []State
}

// New creates a CLOSED breaker.
func New(name string, settings Settings, opts ...Option) *Breaker {
	b := &Breaker{
		name:      name,
		settings:  settings.normalize(),
		isFailure: func(err error) bool { return err != nil },
		logger:    zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(b)
	}
	b.cb = gobreaker.NewTwoStepCircuitBreaker[struct{}](gobreaker.Settings{
		Name:          name,
		MaxRequests:   1,
		Timeout:       b.settings.ResetTimeout,
		ReadyToTrip:   b.readyToTrip,
		OnStateChange: b.onStateChange,
	})
	return b
}

// Name returns the integration id the breaker guards.
func (b *Breaker) Name() string { return b.name }

// Allow asks permission for one call. On success the caller must invoke done
// exactly once with the call's outcome. When the breaker rejects the call the
// returned error is ErrOpen and done is nil.
func (b *Breaker) Allow(ctx context.Context) (done func(error), err error) {
	if b.remoteOpen(ctx) {
		return nil, ErrOpen
	}
	record, err := b.cb.Allow()
	if err != nil {
		// ErrOpenState, or ErrTooManyRequests while the probe is in flight.
		return nil, ErrOpen
	}

	var once sync.Once
	return func(callErr error) {
		once.Do(func() {
			failed := callErr != nil && b.isFailure(callErr)
			if failed {
				b.mu.Lock()
				b.lastFailureAt = time.Now()
				b.mu.Unlock()
			}
			// gobreaker drops outcomes from a previous generation.
			record(!failed)
			b.flush(ctx, callErr)
		})
	}, nil
}

// Execute runs fn when the breaker admits the call and records its outcome.
// A panic in fn is recorded as a failure before it propagates.
func (b *Breaker) Execute(ctx context.Context, fn func(ctx context.Context) error) error {
	done, err := b.Allow(ctx)
	if err != nil {
		return err
	}
	defer func() {
		if r := recover(); r != nil {
			done(fmt.Errorf("panic: %v", r))
			panic(r)
		}
	}()
	err = fn(ctx)
	done(err)
	return err
}

func (b *Breaker) readyToTrip(c gobreaker.Counts) bool {
	if int(c.ConsecutiveFailures) < b.settings.FailureThreshold {
		return false
	}
	b.mu.Lock()
	b.tripFailures = int(c.ConsecutiveFailures)
	b.mu.Unlock()
	return true
}

// onStateChange runs with gobreaker's lock held.
func (b *Breaker) onStateChange(_ string, from, to gobreaker.State) {
	b.mu.Lock()
	defer b.mu.Unlock()
	switch to {
	case gobreaker.StateOpen:
		b.openedAt = time.Now()
		if from == gobreaker.StateHalfOpen {
			b.tripFailures++
		}
		b.pending = append(b.pending, StateOpen)
	case gobreaker.StateClosed:
		b.tripFailures = 0
		b.openedAt = time.Time{}
		b.pending = append(b.pending, StateClosed)
	}
}

// flush logs and publishes transitions recorded by onStateChange.
func (b *Breaker) flush(ctx context.Context, callErr error) {
	b.mu.Lock()
	pending := b.pending
	b.pending = nil
	openedAt, failures := b.openedAt, b.tripFailures
	b.mu.Unlock()

	for _, s := range pending {
		switch s {
		case StateOpen:
			b.logger.Warn().Str("integration", b.name).Int("failures", failures).Err(callErr).Msg("circuit breaker opened")
			b.publishOpen(ctx, openedAt)
		case StateClosed:
			b.logger.Warn().Str("integration", b.name).Msg("circuit breaker closed")
			b.publishClosed(ctx)
		}
	}
}

func toState(s gobreaker.State) State {
	switch s {
	case gobreaker.StateOpen:
		return StateOpen
	case gobreaker.StateHalfOpen:
		return StateHalfOpen
	default:
		return StateClosed
	}
}

// State returns the current state. A CLOSED breaker reports OPEN while a peer's
// OPEN marker is still within the reset timeout.
func (b *Breaker) State() State {
	st := toState(b.cb.State())
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.withRemote(st)
}

// withRemote must be called with mu held.
func (b *Breaker) withRemote(st State) State {
	if st == StateClosed && !b.remoteOpenedAt.IsZero() && time.Since(b.remoteOpenedAt) < b.settings.ResetTimeout {
		return StateOpen
	}
	return st
}

// Snapshot returns a copy of the breaker's state.
func (b *Breaker) Snapshot() Snapshot {
	local := toState(b.cb.State())
	counts := b.cb.Counts()

	b.mu.Lock()
	defer b.mu.Unlock()
	s := Snapshot{
		Name:                b.name,
		State:               b.withRemote(local),
		ConsecutiveFailures: int(counts.ConsecutiveFailures),
		FailureThreshold:    b.settings.FailureThreshold,
		ResetTimeout:        b.settings.ResetTimeout,
	}
	if local != StateClosed {
		// gobreaker clears its counts when the state changes.
		s.ConsecutiveFailures = b.tripFailures
	}
	if !b.lastFailureAt.IsZero() {
		t := b.lastFailureAt
		s.LastFailureAt = &t
	}
	if !b.openedAt.IsZero() {
		t := b.openedAt
		s.OpenedAt = &t
	}
	return s
}

// remoteOpen reports whether a peer opened the breaker within the reset
// timeout. It only applies while the local breaker is CLOSED.
func (b *Breaker) remoteOpen(ctx context.Context) bool {
	if b.store == nil || b.cb.State() != gobreaker.StateClosed {
		return false
	}
	at, ok, err := b.store.OpenedAt(ctx, b.name)
	if err != nil {
		b.logger.Warn().Err(err).Str("integration", b.name).Msg("breaker store read failed")
		return false
	}
	open := ok && time.Since(at) < b.settings.ResetTimeout
	b.mu.Lock()
	if open {
		b.remoteOpenedAt = at
	} else {
		b.remoteOpenedAt = time.Time{}
	}
	b.mu.Unlock()
	return open
}

func (b *Breaker) publishOpen(ctx context.Context, openedAt time.Time) {
	if b.store == nil {
		return
	}
	if err := b.store.MarkOpen(ctx, b.name, openedAt, b.settings.ResetTimeout); err != nil {
		b.logger.Warn().Err(err).Str("integration", b.name).Msg("breaker store write failed")
	}
}

func (b *Breaker) publishClosed(ctx context.Context) {
	if b.store == nil {
		return
	}
	if err := b.store.Clear(ctx, b.name); err != nil {
		b.logger.Warn().Err(err).Str("integration", b.name).Msg("breaker store clear failed")
	}
}
