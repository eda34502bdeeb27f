package directory

import "sync/atomic"

// Clock is the process-wide logical clock. Every local mutation that must be
// gossiped takes a fresh stamp from Tick.
type Clock struct {
	v atomic.Uint64
}

// Tick advances the clock and returns the new stamp.
func (c *Clock) Tick() uint64 {
	return c.v.Add(1)
}

// Now returns the last stamp handed out.
func (c *Clock) Now() uint64 {
	return c.v.Load()
}
