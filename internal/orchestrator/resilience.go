package orchestrator

import (
	"context"
	"errors"
	"log"
	"sync"
	"time"

	"github.com/sony/gobreaker"

	"github.com/cradlesec/cradle/internal/pipeline"
	"github.com/cradlesec/cradle/internal/task"
)

// BreakerRegistry manages one circuit breaker per pipeline phase. A phase
// whose stages fail repeatedly (a broken reporting backend, a wedged blob
// store) trips its breaker and fails fast instead of burning a worker slot
// on every completed task.
type BreakerRegistry struct {
	mu       sync.Mutex
	breakers map[pipeline.Phase]*gobreaker.CircuitBreaker
}

// NewBreakerRegistry creates a new breaker registry.
func NewBreakerRegistry() *BreakerRegistry {
	return &BreakerRegistry{
		breakers: make(map[pipeline.Phase]*gobreaker.CircuitBreaker),
	}
}

// Get returns the circuit breaker for the given phase, creating it on
// first use.
func (r *BreakerRegistry) Get(phase pipeline.Phase) *gobreaker.CircuitBreaker {
	r.mu.Lock()
	defer r.mu.Unlock()

	if cb, ok := r.breakers[phase]; ok {
		return cb
	}

	cb := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        string(phase),
		MaxRequests: 3,                // Allow 3 test runs in half-open state
		Interval:    0,                // Don't clear counts automatically
		Timeout:     30 * time.Second, // Stay open for 30s before testing recovery
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
		OnStateChange: func(name string, from gobreaker.State, to gobreaker.State) {
			log.Printf("Circuit breaker %q: %s -> %s", name, from, to)
		},
		IsSuccessful: func(err error) bool {
			// Cancellation is the operator's doing, not the phase's.
			if err == nil {
				return true
			}
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				return true
			}
			return false
		},
	})

	r.breakers[phase] = cb
	return cb
}

// runPhase executes one pipeline phase through its circuit breaker.
func (r *BreakerRegistry) runPhase(ctx context.Context, p *pipeline.Pipeline, phase pipeline.Phase, t *task.Task, res *pipeline.Results) error {
	cb := r.Get(phase)
	_, err := cb.Execute(func() (interface{}, error) {
		return nil, p.RunPhase(ctx, phase, t, res)
	})
	return err
}
