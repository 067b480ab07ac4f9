// Package circuitbreaker guards the outbound notice relay. After a run
// of failures the breaker opens and sends fail fast instead of tying up
// bounce workers on a dead relay; after a cool-down a single probe is
// let through.
package circuitbreaker

import (
	"errors"
	"sync"
	"time"
)

var ErrOpen = errors.New("circuit breaker is open")

type State int

const (
	StateClosed State = iota
	StateHalfOpen
	StateOpen
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateHalfOpen:
		return "half-open"
	case StateOpen:
		return "open"
	default:
		return "unknown"
	}
}

type Breaker struct {
	name         string
	maxFailures  uint32
	cooldown     time.Duration
	onStateChange func(name string, from, to State)

	mu           sync.Mutex
	state        State
	failures     uint32
	openedAt     time.Time
	probeInFlight bool
}

type Option func(*Breaker)

// WithStateChange registers a callback invoked on every transition.
func WithStateChange(fn func(name string, from, to State)) Option {
	return func(b *Breaker) { b.onStateChange = fn }
}

// New returns a breaker that opens after maxFailures consecutive
// failures and probes again after cooldown.
func New(name string, maxFailures uint32, cooldown time.Duration, opts ...Option) *Breaker {
	if maxFailures == 0 {
		maxFailures = 5
	}
	if cooldown <= 0 {
		cooldown = 60 * time.Second
	}
	b := &Breaker{name: name, maxFailures: maxFailures, cooldown: cooldown}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

func (b *Breaker) Name() string { return b.name }

// State reports the current state, promoting open to half-open once the
// cool-down has elapsed.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.currentState(time.Now())
}

// Do runs fn under the breaker. When the breaker is open, or a probe is
// already in flight during half-open, it returns ErrOpen without
// calling fn.
func (b *Breaker) Do(fn func() error) error {
	if err := b.before(); err != nil {
		return err
	}

	defer func() {
		if r := recover(); r != nil {
			b.after(false)
			panic(r)
		}
	}()

	err := fn()
	b.after(err == nil)
	return err
}

func (b *Breaker) before() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.currentState(time.Now()) {
	case StateOpen:
		return ErrOpen
	case StateHalfOpen:
		if b.probeInFlight {
			return ErrOpen
		}
		b.probeInFlight = true
	}
	return nil
}

func (b *Breaker) after(success bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := time.Now()
	state := b.currentState(now)
	b.probeInFlight = false

	if success {
		b.failures = 0
		if state != StateClosed {
			b.setState(StateClosed, now)
		}
		return
	}

	b.failures++
	if state == StateHalfOpen || b.failures >= b.maxFailures {
		b.setState(StateOpen, now)
	}
}

func (b *Breaker) currentState(now time.Time) State {
	if b.state == StateOpen && now.Sub(b.openedAt) >= b.cooldown {
		b.setState(StateHalfOpen, now)
	}
	return b.state
}

func (b *Breaker) setState(state State, now time.Time) {
	if b.state == state {
		return
	}
	prev := b.state
	b.state = state
	if state == StateOpen {
		b.openedAt = now
	}
	if b.onStateChange != nil {
		b.onStateChange(b.name, prev, state)
	}
}
