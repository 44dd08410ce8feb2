// Package memlock provides a reference, in-memory strategy.LockStrategy. It
// is the kind of thing a real deployment would replace with a database row
// lock, a Redis SETNX, or an etcd lease, but it is enough to exercise every
// Locker code path in tests, and test hooks (SetHeldByOther, SetFailure) let
// callers simulate contention and backend outages deterministically.
package memlock

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/distlock/lockkeeper/clock"
	"github.com/distlock/lockkeeper/strategy"
)

type record struct {
	holderID  string
	expiresAt time.Time
}

// Store is an in-memory, single-holder lock record.
type Store struct {
	mu      sync.Mutex
	rec     record
	clk     clock.Clock
	failErr error
}

// New constructs an empty Store. A nil clock uses clock.Real.
func New(clk clock.Clock) *Store {
	if clk == nil {
		clk = clock.Real{}
	}
	return &Store{clk: clk}
}

func (s *Store) now() time.Time {
	return s.clk.Now()
}

// Acquire implements strategy.LockStrategy.
func (s *Store) Acquire(_ context.Context, ttl time.Duration, lockerID string) (strategy.AcquireOutcome, error) {
	if lockerID == "" {
		return strategy.AcquireFailed, errors.New("memlock: empty locker id")
	}
	if ttl <= 0 {
		return strategy.AcquireFailed, errors.New("memlock: ttl must be positive")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failErr != nil {
		return strategy.AcquireFailed, s.failErr
	}
	now := s.now()
	expired := s.rec.expiresAt.IsZero() || !s.rec.expiresAt.After(now)
	if !expired && s.rec.holderID != "" && s.rec.holderID != lockerID {
		return strategy.AcquireHeldByOther, nil
	}
	s.rec.holderID = lockerID
	s.rec.expiresAt = now.Add(ttl)
	return strategy.AcquireGranted, nil
}

// Release implements strategy.LockStrategy.
func (s *Store) Release(_ context.Context, lockerID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.rec.holderID == lockerID {
		s.rec = record{}
	}
	return nil
}

// SetHeldByOther makes the store report AcquireHeldByOther to every locker id
// other than holderID, for a long time (the test's choosing how long matters
// far more rarely than the fact that it's held).
func (s *Store) SetHeldByOther(holderID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rec = record{holderID: holderID, expiresAt: s.now().Add(24 * time.Hour)}
}

// Clear releases whatever is currently held, regardless of holder, letting
// the next Acquire succeed for any locker id.
func (s *Store) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rec = record{}
}

// SetFailure makes every subsequent Acquire return AcquireFailed with err. A
// nil err clears the failure injection.
func (s *Store) SetFailure(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failErr = err
}

// Holder returns the current holder id, or "" if unheld or expired.
func (s *Store) Holder() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.rec.expiresAt.IsZero() || !s.rec.expiresAt.After(s.now()) {
		return ""
	}
	return s.rec.holderID
}
