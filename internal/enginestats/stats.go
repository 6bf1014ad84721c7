// Package enginestats tracks a moving average of commit latency and the
// duration of the most recent recovery replay for Engine.Stats(),
// grounded on the teacher's use of
// github.com/RobinUS2/golang-moving-average to time GC passes in
// pkg/memtable/base.EMBase.Prune.
package enginestats

import (
	"sync"
	"time"

	movingaverage "github.com/RobinUS2/golang-moving-average"
)

// Tracker accumulates recent commit durations and the last recovery
// duration.
type Tracker struct {
	mu             sync.Mutex
	commitAvg      *movingaverage.MovingAverage
	lastRecoveryMs int64
}

// NewTracker returns a Tracker averaging over the last window samples.
func NewTracker(window int) *Tracker {
	return &Tracker{commitAvg: movingaverage.New(window)}
}

// ObserveCommit records the duration of a single durable batch write (an
// MSET batch or a transaction commit; plain single-record writes are not
// sampled).
func (t *Tracker) ObserveCommit(d time.Duration) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.commitAvg.Add(float64(d.Nanoseconds()))
}

// ObserveRecovery records the duration of the open-time log replay.
func (t *Tracker) ObserveRecovery(d time.Duration) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.lastRecoveryMs = d.Milliseconds()
}

// CommitAvg returns the moving average commit latency.
func (t *Tracker) CommitAvg() time.Duration {
	t.mu.Lock()
	defer t.mu.Unlock()
	return time.Duration(t.commitAvg.Avg())
}

// LastRecoveryMs returns the duration, in milliseconds, of the most
// recent open-time replay.
func (t *Tracker) LastRecoveryMs() int64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.lastRecoveryMs
}
