package lifecycle

import "sync/atomic"

// Base is an embeddable helper giving a Component atomic state tracking,
// so adapters only need to implement Init/Shutdown's actual work and call
// SetState at the right points.
type Base struct {
	name  string
	state atomic.Int32
}

// NewBase returns a Base reporting name, initially StateCreated.
func NewBase(name string) Base {
	b := Base{name: name}
	b.state.Store(int32(StateCreated))
	return b
}

func (b *Base) Name() string { return b.name }

func (b *Base) State() State { return State(b.state.Load()) }

func (b *Base) SetState(s State) { b.state.Store(int32(s)) }

func (b *Base) Healthy() bool { return b.State() == StateRunning }
