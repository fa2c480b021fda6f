package client

import "time"

// Timer is a scheduled call that can be cancelled.
type Timer interface {
	// Stop cancels the call. It reports false if the call already ran or
	// was stopped.
	Stop() bool
}

// Scheduler runs delayed calls. Callbacks run on their own goroutine, or
// on the caller of a fake scheduler's clock, never under the Manager's
// lock.
type Scheduler interface {
	AfterFunc(d time.Duration, f func()) Timer
}

type realScheduler struct{}

func (realScheduler) AfterFunc(d time.Duration, f func()) Timer {
	return time.AfterFunc(d, f)
}

// RealScheduler schedules on the wall clock.
var RealScheduler Scheduler = realScheduler{}
