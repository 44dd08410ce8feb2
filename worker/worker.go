// Package worker provides a long-running facade over locker.Locker: it
// repeatedly acquires and holds the lock, running the payload, until Stop is
// called.
package worker

import (
	"context"
	"errors"
	"sync"

	"github.com/distlock/lockkeeper/clock"
	"github.com/distlock/lockkeeper/internal/svcfields"
	"github.com/distlock/lockkeeper/locker"
	"github.com/distlock/lockkeeper/strategy"
	"pkt.systems/pslog"
)

// Facade wraps locker.Locker for indefinite, self-healing execution.
type Facade struct {
	name     string
	strat    strategy.LockStrategy
	settings locker.Settings
	payload  locker.PayloadFunc
	clock    clock.Clock
	logger   pslog.Logger

	mu      sync.Mutex
	running bool
	cancel  context.CancelFunc
	done    chan struct{}
	current *locker.Locker
}

// Option configures optional Facade construction parameters.
type Option func(*Facade)

// WithClock overrides the time source passed through to each Locker.
func WithClock(clk clock.Clock) Option {
	return func(f *Facade) {
		if clk != nil {
			f.clock = clk
		}
	}
}

// WithLogger overrides the logger passed through to each Locker.
func WithLogger(logger pslog.Logger) Option {
	return func(f *Facade) {
		if logger != nil {
			f.logger = logger
		}
	}
}

// New constructs a Facade. It does not start anything until Start is called.
func New(name string, strat strategy.LockStrategy, settings locker.Settings, payload locker.PayloadFunc, opts ...Option) *Facade {
	f := &Facade{
		name:     name,
		strat:    strat,
		settings: settings,
		payload:  payload,
		clock:    clock.Real{},
		logger:   pslog.NoopLogger(),
	}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

// Start launches a background goroutine that constructs a fresh Locker and
// runs it in Worker/Wait mode until Stop is called. Calling Start while
// already running is an error; calling Start again after Stop constructs a
// brand-new Locker, matching spec.md §4.3's re-entrancy rule.
func (f *Facade) Start() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.running {
		return errors.New("worker: already running")
	}
	lk, err := locker.New(f.name, f.strat, f.settings, f.payload, locker.Retry,
		locker.WithClock(f.clock),
		locker.WithLogger(svcfields.WithSubsystem(f.logger, "worker")),
	)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	f.current = lk
	f.cancel = cancel
	f.done = done
	f.running = true
	go func() {
		defer close(done)
		if err := lk.Run(ctx, locker.Worker, locker.Wait); err != nil {
			f.logger.Warn("worker.run.exit_error", "name", f.name, "error", err)
		}
	}()
	return nil
}

// Stop cancels the running Locker and blocks until it has fully joined
// (payload cancelled, lock released, children joined).
func (f *Facade) Stop() {
	f.mu.Lock()
	cancel := f.cancel
	done := f.done
	f.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	if done != nil {
		<-done
	}
	f.mu.Lock()
	f.running = false
	f.cancel = nil
	f.done = nil
	f.mu.Unlock()
}

// IsRunning reports whether Start has been called without a matching Stop.
func (f *Facade) IsRunning() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.running
}

// Locker returns the Locker instance backing the current run, or nil if
// Start has never been called.
func (f *Facade) Locker() *locker.Locker {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.current
}
