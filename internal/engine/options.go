package engine

import "time"

// Clock returns the current wall-clock time as milliseconds since the
// epoch. Injected so tests can drive expiry deterministically (spec §4.3
// "Time source", §9 "Clock injection").
type Clock func() int64

type options struct {
	clock     Clock
	idleSweep bool
	sweepTick time.Duration
	sweepSize int64
}

func defaultOptions() *options {
	return &options{
		clock: func() int64 { return time.Now().UnixMilli() },
	}
}

// Option configures an Engine at Open time.
type Option func(*options)

// WithClock overrides the engine's time source. Tests supply a monotonic
// counter; production uses the default wall-clock source.
func WithClock(c Clock) Option {
	return func(o *options) { o.clock = c }
}

// WithIdleSweep opts into the background idle-expiry sweep (SPEC_FULL.md
// §5.3): off by default, since spec §9 "No background expiry" is the
// engine's default posture. When enabled, a key given a positive TTL by a
// non-transactional Expire is materialized (synthetic DEL appended) once
// its TTL elapses, even if nothing reads it again. TTLs set inside a
// transaction, set with 0 ms, or restored by replay at Open are not
// scheduled; those keys are materialized only on access.
func WithIdleSweep(tick time.Duration, wheelSize int64) Option {
	return func(o *options) {
		o.idleSweep = true
		o.sweepTick = tick
		o.sweepSize = wheelSize
	}
}
