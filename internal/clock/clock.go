// Package clock provides the monotonic/wall time source used throughout the
// agent. Every component that sleeps, ticks, or stamps a timestamp takes a
// Clock instead of calling time.Now/time.Sleep directly, so tests can swap in
// a fake and drive deterministic schedules without real sleeps.
package clock

import "time"

// Clock is the agent-wide time source. The zero value of Real is usable.
type Clock interface {
	// Now returns the current wall-clock time.
	Now() time.Time
	// Sleep blocks for d, respecting the clock's notion of time.
	Sleep(d time.Duration)
	// After returns a channel that fires once after d elapses.
	After(d time.Duration) <-chan time.Time
	// NewTicker returns a ticker that fires every d until Stop is called.
	NewTicker(d time.Duration) Ticker
}

// Ticker mirrors time.Ticker so fakes can implement it without exposing a
// concrete struct.
type Ticker interface {
	C() <-chan time.Time
	Stop()
	Reset(d time.Duration)
}

// Real is the production Clock, backed by the standard library.
type Real struct{}

func (Real) Now() time.Time                       { return time.Now() }
func (Real) Sleep(d time.Duration)                 { time.Sleep(d) }
func (Real) After(d time.Duration) <-chan time.Time { return time.After(d) }

func (Real) NewTicker(d time.Duration) Ticker {
	return &realTicker{t: time.NewTicker(d)}
}

type realTicker struct {
	t *time.Ticker
}

func (r *realTicker) C() <-chan time.Time    { return r.t.C }
func (r *realTicker) Stop()                  { r.t.Stop() }
func (r *realTicker) Reset(d time.Duration)  { r.t.Reset(d) }
