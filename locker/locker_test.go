package locker_test

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/distlock/lockkeeper/locker"
	"github.com/distlock/lockkeeper/memlock"
	"pkt.systems/pslog"
)

const (
	testInterval = 10 * time.Millisecond
	testTTL      = 100 * time.Millisecond
	testWaitMax  = 5 * testInterval
)

func testSettings() locker.Settings {
	return locker.Settings{
		AcquireInterval:         testInterval,
		AcquireIntervalCritical: testInterval,
		LockTTL:                 testTTL,
		ForcedStopMargin:        testInterval,
		ProlongInterval:         testInterval,
	}
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) bool {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return true
		}
		time.Sleep(time.Millisecond)
	}
	return cond()
}

// Scenario 1: start/stop with a blocked backend.
func TestRunBlockedThenAllowed(t *testing.T) {
	t.Parallel()

	store := memlock.New(nil)
	store.SetHeldByOther("other")

	var running atomic.Bool
	payload := func(ctx context.Context) error {
		running.Store(true)
		defer running.Store(false)
		<-ctx.Done()
		return ctx.Err()
	}

	lk, err := locker.New("t1", store, testSettings(), payload, locker.Retry)
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- lk.Run(ctx, locker.Worker, locker.Wait) }()

	if !waitFor(t, testWaitMax, func() bool { return lk.Statistics().Snapshot().Attempts > 0 }) {
		t.Fatal("expected at least one acquire attempt")
	}
	if lk.IsLocked() {
		t.Fatal("expected lock to remain unheld while contended")
	}

	store.Clear()
	if !waitFor(t, testWaitMax, lk.IsLocked) {
		t.Fatal("expected lock to be acquired once backend allows it")
	}
	if !waitFor(t, testWaitMax, running.Load) {
		t.Fatal("expected payload to start")
	}

	cancel()
	select {
	case <-done:
	case <-time.After(testWaitMax):
		t.Fatal("Run did not return after cancellation")
	}
	if lk.IsLocked() {
		t.Fatal("expected lock to be released after stop")
	}
	if running.Load() {
		t.Fatal("expected payload to have stopped")
	}
}

// Scenario 2: watchdog fires when renewals stop landing.
func TestWatchdogCancelsStalePayload(t *testing.T) {
	t.Parallel()

	store := memlock.New(nil)
	payloadCancelled := make(chan struct{})
	var started atomic.Bool
	payload := func(ctx context.Context) error {
		started.Store(true)
		<-ctx.Done()
		close(payloadCancelled)
		return ctx.Err()
	}

	lk, err := locker.New("t2", store, testSettings(), payload, locker.SingleAttempt)
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- lk.Run(ctx, locker.Oneshot, locker.Wait) }()

	if !waitFor(t, testWaitMax, lk.IsLocked) {
		t.Fatal("expected lock to be acquired")
	}
	if !waitFor(t, testWaitMax, started.Load) {
		t.Fatal("expected payload to start")
	}
	attemptsBefore := lk.Statistics().Snapshot().Attempts

	store.SetHeldByOther("other")

	select {
	case <-payloadCancelled:
	case <-time.After(testTTL + testInterval*4):
		t.Fatal("expected watchdog to cancel the payload")
	}
	if !waitFor(t, testWaitMax, func() bool { return !lk.IsLocked() }) {
		t.Fatal("expected lock to be marked unheld after watchdog fired")
	}
	if lk.Statistics().Snapshot().WatchdogTriggers == 0 {
		t.Fatal("expected at least one watchdog trigger")
	}
	attemptsAfter := lk.Statistics().Snapshot().Attempts
	if attemptsAfter <= attemptsBefore {
		t.Fatal("expected attempt counter to have increased")
	}

	select {
	case <-done:
	case <-time.After(testWaitMax):
		t.Fatal("Run did not return")
	}
}

// Scenario 3: held-by-other mid-run causes a brain split, watchdog still the
// sole source of cancellation.
func TestBrainSplitCountedAndWatchdogStillAuthoritative(t *testing.T) {
	t.Parallel()

	store := memlock.New(nil)
	var started atomic.Bool
	payload := func(ctx context.Context) error {
		started.Store(true)
		<-ctx.Done()
		return ctx.Err()
	}

	lk, err := locker.New("t3", store, testSettings(), payload, locker.SingleAttempt)
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- lk.Run(ctx, locker.Oneshot, locker.Wait) }()

	if !waitFor(t, testWaitMax, lk.IsLocked) {
		t.Fatal("expected lock to be acquired")
	}
	if !waitFor(t, testWaitMax, started.Load) {
		t.Fatal("expected payload to start")
	}

	store.SetHeldByOther("other")

	if !waitFor(t, testTTL+testInterval*4, func() bool { return lk.Statistics().Snapshot().BrainSplits >= 1 }) {
		t.Fatal("expected at least one brain split to be recorded")
	}
	if !waitFor(t, testTTL+testInterval*4, func() bool { return !lk.IsLocked() }) {
		t.Fatal("expected lock to eventually be marked unheld via the watchdog")
	}

	if err := store.Release(context.Background(), "other"); err != nil {
		t.Fatalf("release: %v", err)
	}

	select {
	case <-done:
	case <-time.After(testWaitMax):
		t.Fatal("Run did not return")
	}
}

// Scenario 4: NoWait when the lock is already held terminates the run
// without ever starting the payload, after exactly one attempt.
func TestNoWaitHeldAtConstruction(t *testing.T) {
	t.Parallel()

	store := memlock.New(nil)
	store.SetHeldByOther("other")

	var startedCount atomic.Int32
	payload := func(ctx context.Context) error {
		startedCount.Add(1)
		return nil
	}

	lk, err := locker.New("t4", store, testSettings(), payload, locker.SingleAttempt)
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- lk.Run(ctx, locker.Oneshot, locker.NoWait) }()

	select {
	case <-done:
	case <-time.After(3 * testSettings().ProlongInterval):
		t.Fatal("expected run to finish quickly under NoWait")
	}
	if got := startedCount.Load(); got != 0 {
		t.Fatalf("expected payload never to start, started %d times", got)
	}
	if attempts := lk.Statistics().Snapshot().Attempts; attempts != 1 {
		t.Fatalf("expected exactly 1 acquire attempt, got %d", attempts)
	}
}

// Scenario 5: SingleAttempt guarantees at most one invocation even when the
// payload fails.
func TestSingleAttemptWithFailingPayload(t *testing.T) {
	t.Parallel()

	store := memlock.New(nil)
	var invocations atomic.Int32
	payloadErr := errors.New("123")
	payload := func(ctx context.Context) error {
		invocations.Add(1)
		return payloadErr
	}

	lk, err := locker.New("t5", store, testSettings(), payload, locker.SingleAttempt)
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	runErr := lk.Run(ctx, locker.Oneshot, locker.Wait)
	if !errors.Is(runErr, payloadErr) {
		t.Fatalf("expected payload error to propagate, got %v", runErr)
	}
	if got := invocations.Load(); got != 1 {
		t.Fatalf("expected exactly 1 invocation, got %d", got)
	}
}

// Worker-mode payload failures must be logged before the restart, even
// though Run itself always returns nil for Worker mode (spec.md §7).
func TestWorkerModeLogsPayloadFailureBeforeRestart(t *testing.T) {
	t.Parallel()

	store := memlock.New(nil)
	payloadErr := errors.New("boom")
	var invocations atomic.Int32
	payload := func(ctx context.Context) error {
		n := invocations.Add(1)
		if n == 1 {
			return payloadErr
		}
		<-ctx.Done()
		return ctx.Err()
	}

	var logBuf bytes.Buffer
	logger := pslog.NewWithOptions(&logBuf, pslog.Options{
		Mode:             pslog.ModeStructured,
		DisableTimestamp: true,
		NoColor:          true,
		MinLevel:         pslog.DebugLevel,
	})

	lk, err := locker.New("t6", store, testSettings(), payload, locker.Retry, locker.WithLogger(logger))
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- lk.Run(ctx, locker.Worker, locker.Wait) }()

	if !waitFor(t, testWaitMax, func() bool { return invocations.Load() >= 2 }) {
		t.Fatal("expected worker to restart the payload after the first failure")
	}
	if !waitFor(t, testWaitMax, func() bool { return strings.Contains(logBuf.String(), "locker.payload.failed") }) {
		t.Fatalf("expected payload failure to be logged, got: %s", logBuf.String())
	}

	cancel()
	select {
	case <-done:
	case <-time.After(testWaitMax):
		t.Fatal("Run did not return after cancellation")
	}
}

// Once the watchdog declares the lock lost, no further acquire attempts may
// land until the payload has actually joined (spec.md §4.2.4): stopping the
// payload is not enough if the renewal loop keeps calling Acquire while the
// payload cooperatively winds down.
func TestWatchdogStopsRenewalBeforePayloadJoins(t *testing.T) {
	t.Parallel()

	store := memlock.New(nil)
	lingerStart := make(chan struct{})
	payload := func(ctx context.Context) error {
		<-ctx.Done()
		close(lingerStart)
		time.Sleep(6 * testInterval)
		return ctx.Err()
	}

	lk, err := locker.New("t7", store, testSettings(), payload, locker.SingleAttempt)
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- lk.Run(ctx, locker.Oneshot, locker.Wait) }()

	if !waitFor(t, testWaitMax, lk.IsLocked) {
		t.Fatal("expected lock to be acquired")
	}

	store.SetHeldByOther("other")

	select {
	case <-lingerStart:
	case <-time.After(testTTL + testInterval*4):
		t.Fatal("expected watchdog to cancel the payload")
	}
	attemptsAtCancel := lk.Statistics().Snapshot().Attempts

	time.Sleep(4 * testInterval)
	attemptsAfterLinger := lk.Statistics().Snapshot().Attempts
	if attemptsAfterLinger != attemptsAtCancel {
		t.Fatalf("expected no acquire attempts while payload lingers after cancellation, got %d before and %d after",
			attemptsAtCancel, attemptsAfterLinger)
	}

	select {
	case <-done:
	case <-time.After(testWaitMax):
		t.Fatal("Run did not return")
	}
}

// Scenario 6: two local lockers contend for one backend.
func TestTwoLockersShareOneLock(t *testing.T) {
	t.Parallel()

	store := memlock.New(nil)
	var startedCount, finishedCount atomic.Int32
	firstPayload := func(ctx context.Context) error {
		startedCount.Add(1)
		<-ctx.Done()
		finishedCount.Add(1)
		return nil
	}
	secondPayload := func(ctx context.Context) error {
		t.Fatal("second locker must never run its payload")
		return nil
	}

	first, err := locker.New("first", store, testSettings(), firstPayload, locker.SingleAttempt)
	if err != nil {
		t.Fatalf("new first: %v", err)
	}
	second, err := locker.New("second", store, testSettings(), secondPayload, locker.SingleAttempt)
	if err != nil {
		t.Fatalf("new second: %v", err)
	}

	firstCtx, cancelFirst := context.WithCancel(context.Background())
	firstDone := make(chan error, 1)
	go func() { firstDone <- first.Run(firstCtx, locker.Oneshot, locker.Wait) }()

	if !waitFor(t, testWaitMax, func() bool { return startedCount.Load() == 1 }) {
		t.Fatal("expected first locker's payload to start")
	}

	secondDone := make(chan error, 1)
	go func() { secondDone <- second.Run(context.Background(), locker.Oneshot, locker.NoWait) }()

	select {
	case <-secondDone:
	case <-time.After(testWaitMax):
		t.Fatal("expected second locker to finish quickly under NoWait")
	}
	if got := startedCount.Load(); got != 1 {
		t.Fatalf("expected started count to remain 1, got %d", got)
	}

	cancelFirst()
	select {
	case <-firstDone:
	case <-time.After(testWaitMax):
		t.Fatal("expected first locker to finish after cancellation")
	}
	if got := finishedCount.Load(); got != 1 {
		t.Fatalf("expected finished count to be 1, got %d", got)
	}
}
