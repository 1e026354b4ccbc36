// Package registry maps flow names to agent implementations. Registration
// happens once at startup; after Freeze the set is immutable so lookups
// never race with writes.
package registry

import (
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/agentic-task-fabric/internal/worker"
)

// ErrFlowUnknown reports a lookup for a flow no agent serves. The worker
// runtime treats it as terminal.
var ErrFlowUnknown = errors.New("registry: unknown flow")

// ErrFrozen reports a registration attempt after Freeze.
var ErrFrozen = errors.New("registry: frozen")

// Registry implements worker.Resolver over a static flow table.
type Registry struct {
	mu     sync.RWMutex
	agents map[string]worker.Agent
	frozen bool
}

// New returns an empty, unfrozen registry.
func New() *Registry {
	return &Registry{agents: make(map[string]worker.Agent)}
}

// Register binds flow to agent. Duplicate names and post-freeze calls fail.
func (r *Registry) Register(flow string, agent worker.Agent) error {
	if flow == "" {
		return errors.New("registry: empty flow name")
	}
	if agent == nil {
		return fmt.Errorf("registry: nil agent for flow %q", flow)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.frozen {
		return ErrFrozen
	}
	if _, ok := r.agents[flow]; ok {
		return fmt.Errorf("registry: flow %q already registered", flow)
	}
	r.agents[flow] = agent
	return nil
}

// MustRegister is Register that panics on error, for static init tables.
func (r *Registry) MustRegister(flow string, agent worker.Agent) {
	if err := r.Register(flow, agent); err != nil {
		panic(err)
	}
}

// Freeze seals the registry. Idempotent.
func (r *Registry) Freeze() {
	r.mu.Lock()
	r.frozen = true
	r.mu.Unlock()
}

// Resolve implements worker.Resolver.
func (r *Registry) Resolve(flow string) (worker.Agent, error) {
	r.mu.RLock()
	agent, ok := r.agents[flow]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrFlowUnknown, flow)
	}
	return agent, nil
}

// Flows lists registered flow names in sorted order.
func (r *Registry) Flows() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.agents))
	for name := range r.agents {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
