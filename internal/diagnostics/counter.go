package diagnostics

import "sync/atomic"

// Counter is a monotonically increasing atomic counter.
type Counter struct {
	v atomic.Int64
}

func (c *Counter) Inc() { c.v.Add(1) }

func (c *Counter) Value() int64 { return c.v.Load() }

// Gauge is a point-in-time atomic value.
type Gauge struct {
	v atomic.Int64
}

func (g *Gauge) Set(n int64) { g.v.Store(n) }

func (g *Gauge) Value() int64 { return g.v.Load() }
