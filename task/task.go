// Package task provides a one-shot facade over locker.Locker: it runs the
// payload at most once under the lock (or, with locker.Retry and
// locker.Wait, until it succeeds or the caller cancels), exposing a joinable
// handle.
package task

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/distlock/lockkeeper/clock"
	"github.com/distlock/lockkeeper/internal/svcfields"
	"github.com/distlock/lockkeeper/locker"
	"github.com/distlock/lockkeeper/strategy"
	"github.com/rs/xid"
	"pkt.systems/pslog"
)

// State mirrors the lifecycle of a joinable task handle.
type State int32

const (
	// Invalid is the zero value; never observed on a Facade returned by Start.
	Invalid State = iota
	// New: constructed, not yet scheduled. Never observed on a Facade
	// returned by Start, which schedules immediately; kept for API symmetry
	// with spec.md §6's state enumeration.
	New
	// Queued: scheduled, run goroutine not yet executing.
	Queued
	// Running: the Locker's Run call is in progress.
	Running
	// Completed: Run returned without the task's own context being cancelled.
	Completed
	// Cancelled: Run returned after Cancel was called.
	Cancelled
)

func (s State) String() string {
	switch s {
	case New:
		return "new"
	case Queued:
		return "queued"
	case Running:
		return "running"
	case Completed:
		return "completed"
	case Cancelled:
		return "cancelled"
	default:
		return "invalid"
	}
}

// Option configures optional Facade construction parameters.
type Option func(*options)

type options struct {
	clock  clock.Clock
	logger pslog.Logger
}

// WithClock overrides the time source passed through to the Locker.
func WithClock(clk clock.Clock) Option {
	return func(o *options) {
		if clk != nil {
			o.clock = clk
		}
	}
}

// WithLogger overrides the logger passed through to the Locker.
func WithLogger(logger pslog.Logger) Option {
	return func(o *options) {
		if logger != nil {
			o.logger = logger
		}
	}
}

// Facade is a joinable handle over a single Locker.Run(Oneshot, ...) call.
type Facade struct {
	runID  string
	lk     *locker.Locker
	cancel context.CancelFunc
	done   chan struct{}
	err    error
	state  atomic.Int32
}

// Start constructs a Locker and immediately begins running it in Oneshot
// mode in a background goroutine, returning a joinable Facade.
//
// The payload executes at most once if retryMode is locker.SingleAttempt,
// regardless of whether it returns or fails (spec.md §4.4's guarantee).
func Start(name string, strat strategy.LockStrategy, settings locker.Settings, payload locker.PayloadFunc, retryMode locker.RetryMode, waitingMode locker.WaitingMode, opts ...Option) (*Facade, error) {
	o := &options{clock: clock.Real{}, logger: pslog.NoopLogger()}
	for _, opt := range opts {
		opt(o)
	}
	runID := xid.New().String()
	logger := svcfields.WithSubsystem(o.logger, "task").With("run_id", runID)

	lk, err := locker.New(name, strat, settings, payload, retryMode,
		locker.WithClock(o.clock),
		locker.WithLogger(logger),
	)
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithCancel(context.Background())
	f := &Facade{
		runID:  runID,
		lk:     lk,
		cancel: cancel,
		done:   make(chan struct{}),
	}
	f.state.Store(int32(Queued))

	go func() {
		defer close(f.done)
		f.state.Store(int32(Running))
		runErr := lk.Run(ctx, locker.Oneshot, waitingMode)
		f.err = runErr
		if ctx.Err() != nil {
			f.state.Store(int32(Cancelled))
		} else {
			f.state.Store(int32(Completed))
		}
	}()
	return f, nil
}

// RunID returns the per-run correlation id, distinct from the Locker's own
// instance id. It is attached to every log entry of this run and stays the
// same across locker.Retry attempts within it.
func (f *Facade) RunID() string { return f.runID }

// Locker returns the Locker instance backing this run.
func (f *Facade) Locker() *locker.Locker { return f.lk }

// State returns the task's current lifecycle state.
func (f *Facade) State() State { return State(f.state.Load()) }

// IsFinished reports whether the run has completed, successfully or not.
func (f *Facade) IsFinished() bool {
	select {
	case <-f.done:
		return true
	default:
		return false
	}
}

// WaitFor blocks for up to d, or until the run finishes, whichever is first.
// It reports whether the run had finished by the time it returned.
func (f *Facade) WaitFor(d time.Duration) bool {
	select {
	case <-f.done:
		return true
	case <-time.After(d):
		return f.IsFinished()
	}
}

// Cancel requests termination of the run. It does not block; call Get to
// join.
func (f *Facade) Cancel() { f.cancel() }

// Get blocks until the run finishes and returns the payload's terminal
// error, if any, after the lock has been released. A nil error means the
// payload returned normally (or the run never acquired the lock, e.g. under
// NoWait contention).
func (f *Facade) Get() error {
	<-f.done
	return f.err
}
