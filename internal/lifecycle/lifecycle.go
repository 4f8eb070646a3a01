// Package lifecycle is the service registry (component X in spec §4.11):
// an ordered set of components started in sequence and torn down in
// reverse, generalizing the teacher's flat main.go wiring
// (db.Open -> httpapi.Server{...} -> http.ListenAndServe) into a reusable
// registry that cmd/bridged drives.
package lifecycle

import (
	"context"
	"fmt"

	"github.com/rs/zerolog/log"
)

// State is a component's lifecycle state (spec §6 "Exit and health").
type State int

const (
	StateCreated State = iota
	StateInitializing
	StateRunning
	StateStopped
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateCreated:
		return "Created"
	case StateInitializing:
		return "Initializing"
	case StateRunning:
		return "Running"
	case StateStopped:
		return "Stopped"
	case StateFailed:
		return "Failed"
	default:
		return "Unknown"
	}
}

// Component is anything the registry starts and stops in order.
type Component interface {
	Name() string
	State() State
	Init(ctx context.Context) error
	Shutdown(ctx context.Context) error
	Healthy() bool
}

// Registry holds an ordered list of components. Init runs them in
// registration order; Shutdown runs the successfully-initialized subset
// in reverse order, matching spec §4.11's "shutdown reverses the order".
type Registry struct {
	components []Component
	started    []Component
}

// New builds an empty Registry. Components are added via Register in the
// order spec §4.11 requires: Config -> L -> H -> S -> R -> A -> P/Q -> Y.
func New() *Registry {
	return &Registry{}
}

// Register appends c to the startup sequence.
func (r *Registry) Register(c Component) {
	r.components = append(r.components, c)
}

// Init starts every registered component in order, stopping at (and
// returning) the first failure. Components already initialized before the
// failure are left running; callers should call Shutdown to unwind them.
func (r *Registry) Init(ctx context.Context) error {
	for _, c := range r.components {
		log.Info().Str("component", c.Name()).Msg("lifecycle: starting")
		if err := c.Init(ctx); err != nil {
			return fmt.Errorf("lifecycle: init %s: %w", c.Name(), err)
		}
		r.started = append(r.started, c)
	}
	return nil
}

// Shutdown stops every successfully-initialized component in reverse
// startup order, collecting (not short-circuiting on) individual errors.
func (r *Registry) Shutdown(ctx context.Context) error {
	var firstErr error
	for i := len(r.started) - 1; i >= 0; i-- {
		c := r.started[i]
		log.Info().Str("component", c.Name()).Msg("lifecycle: stopping")
		if err := c.Shutdown(ctx); err != nil {
			log.Error().Err(err).Str("component", c.Name()).Msg("lifecycle: shutdown failed")
			if firstErr == nil {
				firstErr = fmt.Errorf("lifecycle: shutdown %s: %w", c.Name(), err)
			}
		}
	}
	r.started = nil
	return firstErr
}

// Health is X's rollup for the diagnostics surface: every started
// component's name, state, and health bit.
type Health struct {
	Name    string
	State   State
	Healthy bool
}

// Healthy reports whether every started component is currently healthy.
func (r *Registry) Healthy() bool {
	for _, c := range r.started {
		if !c.Healthy() {
			return false
		}
	}
	return true
}

// HealthReport returns a per-component health snapshot for /healthz.
func (r *Registry) HealthReport() []Health {
	out := make([]Health, 0, len(r.started))
	for _, c := range r.started {
		out = append(out, Health{Name: c.Name(), State: c.State(), Healthy: c.Healthy()})
	}
	return out
}
