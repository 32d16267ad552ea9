// Package resilience provides reliability patterns for outbound model calls.
package resilience

import (
	"errors"
	"sync"
	"time"
)

// ErrCircuitOpen is returned when the circuit breaker is open and rejecting calls.
var ErrCircuitOpen = errors.New("circuit breaker is open")

// State describes the breaker's current position.
type State string

const (
	StateClosed   State = "closed"
	StateOpen     State = "open"
	StateHalfOpen State = "half-open"
)

// Breaker protects an outbound dependency: a streak of consecutive failures
// opens the circuit, rejecting calls until a cooldown elapses. The first call
// after the cooldown probes the dependency; its outcome decides whether the
// circuit closes again or reopens.
type Breaker struct {
	mu        sync.Mutex
	state     State
	streak    int
	threshold int
	cooldown  time.Duration
	openedAt  time.Time
	clock     func() time.Time
}

// NewBreaker creates a breaker that opens after threshold consecutive
// failures and stays open for the given cooldown.
func NewBreaker(threshold int, cooldown time.Duration) *Breaker {
	return &Breaker{
		state:     StateClosed,
		threshold: threshold,
		cooldown:  cooldown,
		clock:     time.Now,
	}
}

// Execute runs fn unless the circuit is open, in which case it returns
// ErrCircuitOpen without calling fn.
func (b *Breaker) Execute(fn func() error) error {
	if !b.admit() {
		return ErrCircuitOpen
	}
	err := fn()
	b.record(err)
	return err
}

// State returns the breaker's current position.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

func (b *Breaker) admit() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.state == StateOpen {
		if b.clock().Sub(b.openedAt) < b.cooldown {
			return false
		}
		b.state = StateHalfOpen
	}
	return true
}

func (b *Breaker) record(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if err == nil {
		b.streak = 0
		b.state = StateClosed
		return
	}

	b.streak++
	if b.state == StateHalfOpen || b.streak >= b.threshold {
		b.state = StateOpen
		b.openedAt = b.clock()
	}
}
