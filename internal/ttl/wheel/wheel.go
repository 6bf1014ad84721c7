// Package wheel schedules idle TTL-expiry hints using a hierarchical
// timing wheel instead of a linear per-tick sweep. It is the optional
// domain-stack addition described in SPEC_FULL.md §5.3: off by default,
// and even when enabled it never materializes expiry itself. It only asks
// a supplied callback to run the Engine's normal lazy-expiry path, so the
// Log remains the sole place a key's death becomes durable (spec
// invariant I3/I4 are untouched by enabling it).
package wheel

import (
	"time"

	"github.com/RussellLuo/timingwheel"
)

// Sweeper fires a one-shot callback approximately after a key's TTL
// elapses, grounded on the same timingwheel.TimingWheel the teacher's
// hwt_btree memtable uses to schedule per-key expiry.
type Sweeper struct {
	tw *timingwheel.TimingWheel
}

// NewSweeper returns a Sweeper ticking every tick with wheelSize slots.
func NewSweeper(tick time.Duration, wheelSize int64) *Sweeper {
	return &Sweeper{tw: timingwheel.NewTimingWheel(tick, wheelSize)}
}

// Start begins the wheel's background goroutine.
func (s *Sweeper) Start() { s.tw.Start() }

// Stop halts the wheel. Safe to call even if never started.
func (s *Sweeper) Stop() { s.tw.Stop() }

// Schedule arranges for touch to run approximately after d. touch is
// expected to be idempotent and safe to run even if the key was deleted,
// refreshed, or persisted before the timer fired.
func (s *Sweeper) Schedule(d time.Duration, touch func()) {
	s.tw.AfterFunc(d, touch)
}
