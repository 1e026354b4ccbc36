package worker

import (
	"context"
	"sync"
)

// Dispatcher guards per-agent concurrency with bounded permit pools. Agents
// without an entry run unbounded.
type Dispatcher struct {
	mu      sync.Mutex
	permits map[string]chan struct{}
}

// NewDispatcher builds a dispatcher from agent→permit-count limits. A limit
// of zero or below means unbounded and is dropped.
func NewDispatcher(limits map[string]int) *Dispatcher {
	permits := make(map[string]chan struct{}, len(limits))
	for agent, n := range limits {
		if n > 0 {
			permits[agent] = make(chan struct{}, n)
		}
	}
	return &Dispatcher{permits: permits}
}

// SetLimit installs or replaces the permit pool for agent.
func (d *Dispatcher) SetLimit(agent string, n int) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if n > 0 {
		d.permits[agent] = make(chan struct{}, n)
	} else {
		delete(d.permits, agent)
	}
}

func (d *Dispatcher) pool(agent string) chan struct{} {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.permits[agent]
}

// Submit blocks until a permit for agent is available, runs fn, and releases
// the permit on every exit path including panic.
func (d *Dispatcher) Submit(ctx context.Context, agent string, fn func() error) error {
	pool := d.pool(agent)
	if pool == nil {
		return fn()
	}
	select {
	case pool <- struct{}{}:
	case <-ctx.Done():
		return ctx.Err()
	}
	defer func() { <-pool }()
	return fn()
}

// InFlight reports how many permits agent currently holds.
func (d *Dispatcher) InFlight(agent string) int {
	pool := d.pool(agent)
	if pool == nil {
		return 0
	}
	return len(pool)
}
