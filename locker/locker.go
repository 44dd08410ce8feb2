// Package locker implements the distributed lock coordinator state machine:
// concurrent acquisition and renewal against an opaque strategy.LockStrategy,
// a watchdog that bounds the interval between successful renewals, and the
// payload task lifecycle, all coordinated under cooperative cancellation.
package locker

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/distlock/lockkeeper/clock"
	"github.com/distlock/lockkeeper/strategy"
	"github.com/google/uuid"
	"pkt.systems/pslog"
)

// PayloadFunc is the user-supplied function run under the lock. It must
// observe ctx cancellation promptly: the Locker never force-kills it.
type PayloadFunc func(ctx context.Context) error

// Locker is the lock coordinator state machine. It is constructed by a
// facade (worker.Facade or task.Facade), lives for the duration of one Run
// call, and is destroyable afterwards — it is not meant to be reused across
// independent runs.
type Locker struct {
	name      string
	id        string
	strat     strategy.LockStrategy
	payload   PayloadFunc
	retryMode RetryMode
	clock     clock.Clock
	logger    pslog.Logger

	settingsMu sync.Mutex
	settings   Settings

	stats *Statistics

	isLocked        atomic.Bool
	lockAcquireTime atomic.Int64 // UnixNano; 0 means unset
	lockRefreshTime atomic.Int64 // UnixNano; 0 means unset

	state   atomic.Int32
	running atomic.Bool
}

// New constructs a Locker. settings must satisfy Settings.Validate; name
// must be non-empty (spec.md §7 treats an empty identifier as a programming
// error, so it is rejected here rather than deep inside a goroutine).
func New(name string, strat strategy.LockStrategy, settings Settings, payload PayloadFunc, retryMode RetryMode, opts ...Option) (*Locker, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return nil, errors.New("locker: name must not be empty")
	}
	if strat == nil {
		return nil, errors.New("locker: strategy must not be nil")
	}
	if payload == nil {
		return nil, errors.New("locker: payload must not be nil")
	}
	if err := settings.Validate(); err != nil {
		return nil, err
	}
	l := &Locker{
		name:      name,
		id:        uuid.NewString(),
		strat:     strat,
		payload:   payload,
		retryMode: retryMode,
		settings:  settings,
		stats:     &Statistics{},
		clock:     clock.Real{},
		logger:    pslog.NoopLogger(),
	}
	for _, opt := range opts {
		opt(l)
	}
	if l.id == "" {
		return nil, errors.New("locker: id must not be empty")
	}
	l.state.Store(int32(Idle))
	return l, nil
}

// Name returns the locker's configured name.
func (l *Locker) Name() string { return l.name }

// ID returns the locker's unique instance id.
func (l *Locker) ID() string { return l.id }

// Settings returns a copy of the current settings.
func (l *Locker) Settings() Settings {
	l.settingsMu.Lock()
	defer l.settingsMu.Unlock()
	return l.settings
}

// SetSettings validates and swaps in new settings. The change takes effect
// on the next loop iteration of whichever loops are currently running; no
// call into the strategy or the payload happens while the settings lock is
// held.
func (l *Locker) SetSettings(s Settings) error {
	if err := s.Validate(); err != nil {
		return err
	}
	l.settingsMu.Lock()
	l.settings = s
	l.settingsMu.Unlock()
	return nil
}

// Statistics returns the locker's counter bag.
func (l *Locker) Statistics() *Statistics { return l.stats }

// IsLocked reports whether the locker currently believes it holds the lock.
func (l *Locker) IsLocked() bool { return l.isLocked.Load() }

// State returns the locker's current state-machine position.
func (l *Locker) State() State { return State(l.state.Load()) }

// LockAcquireTime returns the time the current holding epoch began, or the
// zero Time if not currently locked.
func (l *Locker) LockAcquireTime() time.Time {
	nanos := l.lockAcquireTime.Load()
	if nanos == 0 {
		return time.Time{}
	}
	return time.Unix(0, nanos).UTC()
}

// LockRefreshTime returns the time of the most recent successful acquire or
// renewal, or the zero Time if the lock has never been acquired.
func (l *Locker) LockRefreshTime() time.Time {
	nanos := l.lockRefreshTime.Load()
	if nanos == 0 {
		return time.Time{}
	}
	return time.Unix(0, nanos).UTC()
}

// LockedDuration returns how long the current holding epoch has lasted, or
// zero if not currently locked.
func (l *Locker) LockedDuration() time.Duration {
	if !l.IsLocked() {
		return 0
	}
	acquired := l.LockAcquireTime()
	if acquired.IsZero() {
		return 0
	}
	return l.clock.Now().Sub(acquired)
}

func (l *Locker) setState(s State) { l.state.Store(int32(s)) }

// Run blocks until the run finishes, per mode and waitingMode (spec.md
// §4.2). It returns the payload's terminal error for Oneshot runs (nil on a
// clean finish, or when the run never acquired the lock); Worker runs always
// return nil once cancelled. A Worker-mode payload failure is not surfaced
// through the return value, but it is logged (via the configured logger)
// before the lock is re-acquired, per spec.md §7's "logged, release, restart"
// policy.
func (l *Locker) Run(ctx context.Context, mode LockerMode, waiting WaitingMode) error {
	if !l.running.CompareAndSwap(false, true) {
		return errors.New("locker: Run is not reentrant")
	}
	defer l.running.Store(false)
	defer l.setState(Idle)
	defer l.setState(Terminated)

	log := l.logger.With("locker", l.name, "locker_id", l.id)

	var lastErr error
	firstAttempt := true
	for {
		l.setState(Acquiring)
		acquired, err := l.acquireLoop(ctx, waiting, firstAttempt)
		firstAttempt = false
		if err != nil {
			return lastErr
		}
		if !acquired {
			log.Info("locker.acquire.nowait_contended")
			return lastErr
		}

		l.setState(Holding)
		payloadErr := l.holdAndRun(ctx)
		l.setState(Releasing)
		lastErr = payloadErr

		if mode == Worker {
			if payloadErr != nil {
				log.Warn("locker.payload.failed", "error", payloadErr)
			}
			if ctx.Err() != nil {
				return nil
			}
			lastErr = nil
			continue
		}

		switch l.retryMode {
		case SingleAttempt:
			return lastErr
		default: // Retry
			if payloadErr != nil && waiting == Wait && ctx.Err() == nil {
				continue
			}
			return lastErr
		}
	}
}

// acquireLoop implements the acquirer loop (spec.md §4.2.2): it retries
// Acquire until it succeeds, the context is cancelled, or (NoWait and this
// is the first attempt) the lock is held by another party.
func (l *Locker) acquireLoop(ctx context.Context, waiting WaitingMode, firstAttempt bool) (acquired bool, err error) {
	attempt := 0
	for {
		if ctx.Err() != nil {
			return false, ctx.Err()
		}
		outcome, callErr := l.callAcquire(ctx)
		attempt++
		switch outcome {
		case strategy.AcquireGranted:
			l.onAcquired()
			return true, nil
		case strategy.AcquireHeldByOther:
			if waiting == NoWait && firstAttempt && attempt == 1 {
				return false, nil
			}
		case strategy.AcquireFailed:
			l.stats.incFailures()
			l.logger.Warn("locker.acquire.failed", "locker_id", l.id, "error", callErr)
		}
		interval := l.acquireBackoff(outcome)
		if !clock.SleepContext(ctx, l.clock, interval) {
			return false, ctx.Err()
		}
	}
}

func (l *Locker) callAcquire(ctx context.Context) (strategy.AcquireOutcome, error) {
	ttl := l.Settings().LockTTL
	l.stats.incAttempts()
	outcome, err := l.strat.Acquire(ctx, ttl, l.id)
	if outcome == strategy.AcquireGranted {
		l.stats.incSuccesses()
	}
	return outcome, err
}

func (l *Locker) acquireBackoff(outcome strategy.AcquireOutcome) time.Duration {
	settings := l.Settings()
	if outcome == strategy.AcquireFailed {
		return settings.AcquireIntervalCritical
	}
	return settings.AcquireInterval
}

// onAcquired publishes is_locked=true and the acquire/refresh timestamps.
// Per spec.md §5's ordering guarantee, this must run before the payload is
// spawned — the caller (Run, via acquireLoop's synchronous return) satisfies
// that by construction.
func (l *Locker) onAcquired() {
	now := l.clock.Now()
	l.lockRefreshTime.Store(now.UnixNano())
	l.lockAcquireTime.Store(now.UnixNano())
	l.isLocked.Store(true)
}

func (l *Locker) publishUnlocked() {
	l.isLocked.Store(false)
	l.lockAcquireTime.Store(0)
}

// holdAndRun spawns the payload and the watchdog, runs the renewal loop
// (spec.md §4.2.3) until the payload exits for any reason, then releases and
// joins every child before returning — satisfying invariant 5.
func (l *Locker) holdAndRun(ctx context.Context) error {
	holdCtx, cancelHold := context.WithCancel(ctx)
	defer cancelHold()
	payloadCtx, cancelPayload := context.WithCancel(ctx)
	defer cancelPayload()

	payloadDone := make(chan error, 1)
	go func() {
		payloadDone <- l.runPayload(payloadCtx)
	}()

	watchdogDone := make(chan struct{})
	go func() {
		defer close(watchdogDone)
		l.watchdogLoop(holdCtx, cancelHold, cancelPayload)
	}()

	renewalDone := make(chan struct{})
	go func() {
		defer close(renewalDone)
		l.renewalLoop(holdCtx)
	}()

	var payloadErr error
	select {
	case payloadErr = <-payloadDone:
	case <-ctx.Done():
		cancelPayload()
		payloadErr = <-payloadDone
	}

	cancelHold()
	cancelPayload()
	<-watchdogDone
	<-renewalDone

	l.release()
	l.publishUnlocked()
	return payloadErr
}

// runPayload invokes the user function, converting a panic into an error so
// a misbehaving payload cannot take the acquirer/watchdog goroutines down
// with it.
func (l *Locker) runPayload(ctx context.Context) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("locker: payload panicked: %v", r)
		}
	}()
	return l.payload(ctx)
}

const releaseGrace = 5 * time.Second

func (l *Locker) release() {
	releaseCtx, cancel := context.WithTimeout(context.Background(), releaseGrace)
	defer cancel()
	if err := l.strat.Release(releaseCtx, l.id); err != nil {
		l.logger.Warn("locker.release.failed", "locker_id", l.id, "error", err)
	}
}

// watchdogLoop is the sole authority for declaring the lock lost (spec.md
// §4.2.4, §9's documented policy — the renewal loop never cancels the
// payload directly). It checks freshness on the same cadence as renewal.
// On staleness it cancels both the payload and holdCtx itself: cancelHold
// stops the renewal loop in the same step, so no acquire call is issued
// after loss is declared and before the payload is joined.
func (l *Locker) watchdogLoop(ctx context.Context, cancelHold, cancelPayload context.CancelFunc) {
	for {
		settings := l.Settings()
		if !clock.SleepContext(ctx, l.clock, settings.ProlongInterval) {
			return
		}
		refreshNanos := l.lockRefreshTime.Load()
		if refreshNanos == 0 {
			continue
		}
		refresh := time.Unix(0, refreshNanos)
		age := l.clock.Now().Sub(refresh)
		if age > settings.LockTTL+settings.ForcedStopMargin {
			l.stats.incWatchdogTriggers()
			l.logger.Warn("locker.watchdog.stale", "locker_id", l.id, "age", age, "ttl", settings.LockTTL, "margin", settings.ForcedStopMargin)
			cancelPayload()
			cancelHold()
			return
		}
	}
}

// renewalLoop is the acquirer continuing as a renewal loop while Holding
// (spec.md §4.2.3). It never cancels the payload on failure or contention:
// it only records the outcome and lets the watchdog decide.
func (l *Locker) renewalLoop(ctx context.Context) {
	for {
		settings := l.Settings()
		if !clock.SleepContext(ctx, l.clock, settings.ProlongInterval) {
			return
		}
		outcome, err := l.callAcquire(ctx)
		switch outcome {
		case strategy.AcquireGranted:
			l.lockRefreshTime.Store(l.clock.Now().UnixNano())
		case strategy.AcquireHeldByOther:
			l.stats.incBrainSplits()
			l.logger.Warn("locker.renew.brain_split", "locker_id", l.id)
		case strategy.AcquireFailed:
			l.stats.incFailures()
			l.logger.Warn("locker.renew.failed", "locker_id", l.id, "error", err)
		}
	}
}
