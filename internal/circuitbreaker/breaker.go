// Package circuitbreaker trips per-key circuits after consecutive failures.
// Custody keys one circuit per chain RPC endpoint.
package circuitbreaker

import (
	"errors"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// ErrOpen is returned by Guard while a circuit rejects calls.
var ErrOpen = errors.New("circuitbreaker: circuit open")

// State is the position of one circuit.
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
		return "half_open"
	}
	return "unknown"
}

// MarshalText lets states render as names in JSON maps and logs.
func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

var (
	transitionsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "custody",
		Subsystem: "circuitbreaker",
		Name:      "state_transitions_total",
		Help:      "Circuit state changes by key.",
	}, []string{"key", "from_state", "to_state"})

	openCircuits = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "custody",
		Subsystem: "circuitbreaker",
		Name:      "open",
		Help:      "1 while the circuit for key is open or probing.",
	}, []string{"key"})
)

func init() {
	prometheus.MustRegister(transitionsTotal, openCircuits)
}

type circuit struct {
	state    State
	failures int
	openedAt time.Time
}

// Breaker holds one circuit per key. A circuit opens after threshold
// consecutive failures, and after cooldown lets a single probe through.
type Breaker struct {
	mu           sync.Mutex
	circuits     map[string]*circuit
	threshold    int
	cooldown     time.Duration
	now          func() time.Time
	onTransition func(key string, from, to State)
}

// New creates a breaker. Non-positive arguments fall back to 5 failures
// and a 30s cooldown.
func New(threshold int, cooldown time.Duration) *Breaker {
	if threshold <= 0 {
		threshold = 5
	}
	if cooldown <= 0 {
		cooldown = 30 * time.Second
	}
	return &Breaker{
		circuits:  make(map[string]*circuit),
		threshold: threshold,
		cooldown:  cooldown,
		now:       time.Now,
	}
}

// OnTransition registers fn to run, in its own goroutine, on every state change.
func (b *Breaker) OnTransition(fn func(key string, from, to State)) {
	b.mu.Lock()
	b.onTransition = fn
	b.mu.Unlock()
}

// Allow reports whether a call for key may proceed. An open circuit whose
// cooldown has passed moves to half-open and admits exactly one probe.
func (b *Breaker) Allow(key string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	c := b.circuits[key]
	if c == nil {
		return true
	}
	switch c.state {
	case StateOpen:
		if b.now().Sub(c.openedAt) < b.cooldown {
			return false
		}
		b.move(key, c, StateHalfOpen)
		return true
	case StateHalfOpen:
		return false
	}
	return true
}

// Success resets key's failure count and closes a probing circuit.
func (b *Breaker) Success(key string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	c := b.circuits[key]
	if c == nil {
		return
	}
	c.failures = 0
	if c.state == StateHalfOpen {
		b.move(key, c, StateClosed)
	}
}

// Failure counts a failed call. A failed probe reopens the circuit.
func (b *Breaker) Failure(key string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	c := b.circuits[key]
	if c == nil {
		c = &circuit{}
		b.circuits[key] = c
	}
	c.failures++
	switch {
	case c.state == StateHalfOpen:
		c.openedAt = b.now()
		b.move(key, c, StateOpen)
	case c.state == StateClosed && c.failures >= b.threshold:
		c.openedAt = b.now()
		b.move(key, c, StateOpen)
	}
}

// State returns key's state; unknown keys are closed.
func (b *Breaker) State(key string) State {
	b.mu.Lock()
	defer b.mu.Unlock()
	if c := b.circuits[key]; c != nil {
		return c.state
	}
	return StateClosed
}

// Snapshot returns the state of every key that has ever failed.
func (b *Breaker) Snapshot() map[string]State {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make(map[string]State, len(b.circuits))
	for k, c := range b.circuits {
		out[k] = c.state
	}
	return out
}

// Guard runs fn under key's circuit. It returns ErrOpen without calling fn
// while the circuit rejects calls. Errors for which counts returns false
// are passed through but recorded as successes; a nil counts treats every
// error as a failure.
func Guard[T any](b *Breaker, key string, counts func(error) bool, fn func() (T, error)) (T, error) {
	if !b.Allow(key) {
		var zero T
		return zero, ErrOpen
	}
	v, err := fn()
	if err != nil && (counts == nil || counts(err)) {
		b.Failure(key)
	} else {
		b.Success(key)
	}
	return v, err
}

// must hold b.mu
func (b *Breaker) move(key string, c *circuit, to State) {
	from := c.state
	if from == to {
		return
	}
	c.state = to
	transitionsTotal.WithLabelValues(key, from.String(), to.String()).Inc()
	if to == StateClosed {
		openCircuits.WithLabelValues(key).Set(0)
	} else {
		openCircuits.WithLabelValues(key).Set(1)
	}
	if fn := b.onTransition; fn != nil {
		go fn(key, from, to)
	}
}
