package locker

import "sync/atomic"

// MetricsSink is the collaborator-defined writer Statistics.Dump reports
// through. Its format is owned by the embedder, not by this package.
type MetricsSink interface {
	DumpMetric(name string, value float64)
}

// Statistics is a counter bag updated atomically by the Locker state
// machine. All fields are safe to read concurrently with Locker.Run.
type Statistics struct {
	attempts         atomic.Uint64
	successes        atomic.Uint64
	failures         atomic.Uint64
	watchdogTriggers atomic.Uint64
	brainSplits      atomic.Uint64
}

// Snapshot is a point-in-time copy of Statistics' counters.
type Snapshot struct {
	Attempts         uint64
	Successes        uint64
	Failures         uint64
	WatchdogTriggers uint64
	BrainSplits      uint64
}

func (s *Statistics) incAttempts()         { s.attempts.Add(1) }
func (s *Statistics) incSuccesses()        { s.successes.Add(1) }
func (s *Statistics) incFailures()         { s.failures.Add(1) }
func (s *Statistics) incWatchdogTriggers() { s.watchdogTriggers.Add(1) }
func (s *Statistics) incBrainSplits()      { s.brainSplits.Add(1) }

// Snapshot returns the current counter values.
func (s *Statistics) Snapshot() Snapshot {
	return Snapshot{
		Attempts:         s.attempts.Load(),
		Successes:        s.successes.Load(),
		Failures:         s.failures.Load(),
		WatchdogTriggers: s.watchdogTriggers.Load(),
		BrainSplits:      s.brainSplits.Load(),
	}
}

// Dump writes the current counters to sink under stable, metric-style names.
// A nil sink is a no-op, matching the "no global state other than optional
// metric sinks" guarantee of spec.md §5.
func (s *Statistics) Dump(sink MetricsSink) {
	if sink == nil {
		return
	}
	snap := s.Snapshot()
	sink.DumpMetric("locker_attempts_total", float64(snap.Attempts))
	sink.DumpMetric("locker_successes_total", float64(snap.Successes))
	sink.DumpMetric("locker_failures_total", float64(snap.Failures))
	sink.DumpMetric("locker_watchdog_triggers_total", float64(snap.WatchdogTriggers))
	sink.DumpMetric("locker_brain_splits_total", float64(snap.BrainSplits))
}
