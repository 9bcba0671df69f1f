// Package circuitbreaker shields the action executor from a persistently
// failing service adapter. An open breaker fails fast instead of
// burning the per-action retry budget against a dead provider.
package circuitbreaker

import (
	"errors"
	"log"
	"sync"
	"time"
)

// State of a breaker.
type State int

const (
	StateClosed State = iota // normal operation
	StateOpen                // failing fast
	StateHalfOpen            // probing recovery
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "CLOSED"
	case StateOpen:
		return "OPEN"
	case StateHalfOpen:
		return "HALF_OPEN"
	default:
		return "UNKNOWN"
	}
}

var (
	ErrCircuitOpen     = errors.New("circuit breaker is open")
	ErrTooManyRequests = errors.New("too many probe requests in half-open state")
)

// Config tunes one breaker.
type Config struct {
	Name        string
	MaxRequests uint32        // probe budget in half-open
	Interval    time.Duration // closed-state count reset period
	Timeout     time.Duration // open-state duration before probing
	ReadyToTrip func(counts Counts) bool
}

// DefaultConfig trips after a 50%+ failure rate over at least 5 calls.
func DefaultConfig(name string) Config {
	return Config{
		Name:        name,
		MaxRequests: 3,
		Interval:    60 * time.Second,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(c Counts) bool {
			return c.Requests >= 5 && c.FailureRatio() > 0.5
		},
	}
}

// Counts holds request outcomes for the current generation.
type Counts struct {
	Requests             uint32
	TotalSuccesses       uint32
	TotalFailures        uint32
	ConsecutiveSuccesses uint32
	ConsecutiveFailures  uint32
}

func (c Counts) FailureRatio() float64 {
	if c.Requests == 0 {
		return 0
	}
	return float64(c.TotalFailures) / float64(c.Requests)
}

func (c *Counts) onSuccess() {
	c.TotalSuccesses++
	c.ConsecutiveSuccesses++
	c.ConsecutiveFailures = 0
}

func (c *Counts) onFailure() {
	c.TotalFailures++
	c.ConsecutiveFailures++
	c.ConsecutiveSuccesses = 0
}

// CircuitBreaker guards one adapter. Generations invalidate outcomes
// reported by calls that started before the last state change.
type CircuitBreaker struct {
	cfg    Config
	logger *log.Logger

	mu         sync.Mutex
	state      State
	generation uint64
	counts     Counts
	expiry     time.Time
}

func New(cfg Config) *CircuitBreaker {
	if cfg.MaxRequests == 0 {
		cfg.MaxRequests = 3
	}
	if cfg.Interval == 0 {
		cfg.Interval = 60 * time.Second
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.ReadyToTrip == nil {
		cfg.ReadyToTrip = DefaultConfig(cfg.Name).ReadyToTrip
	}
	cb := &CircuitBreaker{
		cfg:    cfg,
		logger: log.New(log.Writer(), "[BREAKER] ", log.LstdFlags),
		state:  StateClosed,
	}
	cb.newGeneration(time.Now())
	return cb
}

// State returns the current state, advancing expired timers first.
func (cb *CircuitBreaker) State() State {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	state, _ := cb.currentState(time.Now())
	return state
}

// Allow reports whether a call may proceed, counting it against the
// half-open probe budget. The returned done func records the outcome.
func (cb *CircuitBreaker) Allow() (done func(success bool), err error) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	now := time.Now()
	state, generation := cb.currentState(now)

	if state == StateOpen {
		return nil, ErrCircuitOpen
	}
	if state == StateHalfOpen && cb.counts.Requests >= cb.cfg.MaxRequests {
		return nil, ErrTooManyRequests
	}
	cb.counts.Requests++

	return func(success bool) {
		cb.mu.Lock()
		defer cb.mu.Unlock()
		now := time.Now()
		state, gen := cb.currentState(now)
		if gen != generation {
			return // stale outcome from before a state change
		}
		if success {
			cb.onSuccess(state, now)
		} else {
			cb.onFailure(state, now)
		}
	}, nil
}

func (cb *CircuitBreaker) onSuccess(state State, now time.Time) {
	cb.counts.onSuccess()
	if state == StateHalfOpen && cb.counts.ConsecutiveSuccesses >= cb.cfg.MaxRequests {
		cb.setState(StateClosed, now)
	}
}

func (cb *CircuitBreaker) onFailure(state State, now time.Time) {
	cb.counts.onFailure()
	switch state {
	case StateClosed:
		if cb.cfg.ReadyToTrip(cb.counts) {
			cb.setState(StateOpen, now)
		}
	case StateHalfOpen:
		cb.setState(StateOpen, now)
	}
}

func (cb *CircuitBreaker) currentState(now time.Time) (State, uint64) {
	switch cb.state {
	case StateClosed:
		if !cb.expiry.IsZero() && cb.expiry.Before(now) {
			cb.newGeneration(now)
		}
	case StateOpen:
		if cb.expiry.Before(now) {
			cb.setState(StateHalfOpen, now)
		}
	}
	return cb.state, cb.generation
}

func (cb *CircuitBreaker) setState(state State, now time.Time) {
	if cb.state == state {
		return
	}
	prev := cb.state
	cb.state = state
	cb.newGeneration(now)
	cb.logger.Printf("%s: %s -> %s", cb.cfg.Name, prev, state)
}

func (cb *CircuitBreaker) newGeneration(now time.Time) {
	cb.generation++
	cb.counts = Counts{}
	switch cb.state {
	case StateClosed:
		if cb.cfg.Interval > 0 {
			cb.expiry = now.Add(cb.cfg.Interval)
		} else {
			cb.expiry = time.Time{}
		}
	case StateOpen:
		cb.expiry = now.Add(cb.cfg.Timeout)
	default:
		cb.expiry = time.Time{}
	}
}
