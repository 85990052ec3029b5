// Package circuitbreaker tracks consecutive failures per control endpoint
// and short-circuits sends to endpoints that keep failing, so one dead
// project agent cannot monopolize dispatcher retries.
package circuitbreaker

import (
	"errors"
	"sync"
	"time"
)

var ErrCircuitOpen = errors.New("circuit breaker is open")

type state int

const (
	stateClosed state = iota
	stateOpen
	stateHalfOpen
)

type endpointState struct {
	state               state
	consecutiveFailures int
	openedAt            time.Time
}

// CircuitBreaker is keyed by control URL. Endpoints it has never seen
// are always allowed.
type CircuitBreaker struct {
	mu        sync.Mutex
	states    map[string]*endpointState
	threshold int
	cooldown  time.Duration
}

func New(threshold int, cooldown time.Duration) *CircuitBreaker {
	return &CircuitBreaker{
		states:    make(map[string]*endpointState),
		threshold: threshold,
		cooldown:  cooldown,
	}
}

// Allow reports whether a send to the endpoint may proceed. After the
// cooldown an open circuit admits exactly one probe; further calls are
// rejected until that probe's outcome is recorded.
func (cb *CircuitBreaker) Allow(endpoint string) error {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	s, ok := cb.states[endpoint]
	if !ok {
		return nil
	}

	switch s.state {
	case stateClosed:
		return nil
	case stateOpen:
		if time.Since(s.openedAt) >= cb.cooldown {
			s.state = stateHalfOpen
			return nil
		}
		return ErrCircuitOpen
	case stateHalfOpen:
		return ErrCircuitOpen
	default:
		return nil
	}
}

// RecordSuccess closes the circuit and clears the failure streak.
func (cb *CircuitBreaker) RecordSuccess(endpoint string) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	s, ok := cb.states[endpoint]
	if !ok {
		return
	}
	s.state = stateClosed
	s.consecutiveFailures = 0
}

// RecordFailure counts a failure; reaching the threshold opens the
// circuit. A failed half-open probe re-opens it immediately.
func (cb *CircuitBreaker) RecordFailure(endpoint string) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	s, ok := cb.states[endpoint]
	if !ok {
		s = &endpointState{}
		cb.states[endpoint] = s
	}

	s.consecutiveFailures++
	if s.consecutiveFailures >= cb.threshold {
		s.state = stateOpen
		s.openedAt = time.Now()
	}
}
