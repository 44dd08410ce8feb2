package locker

// LockerMode selects whether Run executes the payload once or indefinitely.
type LockerMode int

const (
	// Oneshot runs the payload to completion (or failure) and returns,
	// subject to RetryMode.
	Oneshot LockerMode = iota
	// Worker reacquires the lock and reruns the payload indefinitely, until
	// Run's context is cancelled.
	Worker
)

func (m LockerMode) String() string {
	switch m {
	case Oneshot:
		return "oneshot"
	case Worker:
		return "worker"
	default:
		return "unknown"
	}
}

// WaitingMode controls what happens when the very first acquire attempt
// finds the lock held by another party.
type WaitingMode int

const (
	// Wait keeps retrying on contention, indefinitely.
	Wait WaitingMode = iota
	// NoWait terminates the run if the first acquire attempt is contended.
	NoWait
)

func (m WaitingMode) String() string {
	switch m {
	case Wait:
		return "wait"
	case NoWait:
		return "no_wait"
	default:
		return "unknown"
	}
}

// RetryMode controls whether a Oneshot run may re-run the payload after its
// first completion or failure.
type RetryMode int

const (
	// Retry allows a Oneshot run to reacquire and re-run the payload after
	// it fails, as long as WaitingMode is Wait and the run context is not
	// cancelled.
	Retry RetryMode = iota
	// SingleAttempt guarantees the payload is invoked at most once,
	// regardless of outcome.
	SingleAttempt
)

func (m RetryMode) String() string {
	switch m {
	case Retry:
		return "retry"
	case SingleAttempt:
		return "single_attempt"
	default:
		return "unknown"
	}
}

// State is the Locker's internal state machine position.
type State int32

const (
	// Idle: constructed, no children. Entered on construction and after Run returns.
	Idle State = iota
	// Acquiring: the acquirer loop is active; payload and watchdog are not started.
	Acquiring
	// Holding: the payload and watchdog are running; the acquirer is renewing.
	Holding
	// Releasing: the payload has finished or is being cancelled; release is pending.
	Releasing
	// Terminated: Run is returning.
	Terminated
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Acquiring:
		return "acquiring"
	case Holding:
		return "holding"
	case Releasing:
		return "releasing"
	case Terminated:
		return "terminated"
	default:
		return "unknown"
	}
}
