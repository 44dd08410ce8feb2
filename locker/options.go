package locker

import (
	"github.com/distlock/lockkeeper/clock"
	"pkt.systems/pslog"
)

// Option configures optional Locker construction parameters.
type Option func(*Locker)

// WithClock overrides the time source. Defaults to clock.Real.
func WithClock(clk clock.Clock) Option {
	return func(l *Locker) {
		if clk != nil {
			l.clock = clk
		}
	}
}

// WithLogger overrides the logger. Defaults to pslog.NoopLogger().
func WithLogger(logger pslog.Logger) Option {
	return func(l *Locker) {
		if logger != nil {
			l.logger = logger
		}
	}
}

// WithID overrides the generated locker id. id must be non-empty; a
// conforming LockStrategy uses it to distinguish same-host lockers.
func WithID(id string) Option {
	return func(l *Locker) {
		if id != "" {
			l.id = id
		}
	}
}
