package routing

import "time"

// Scheduler is the clock and one-shot timer facility the metadata runs
// on. The real implementation is the time package; tests drive a manual
// one.
type Scheduler interface {
	Now() time.Time
	AfterFunc(d time.Duration, f func()) Timer
}

// Timer is a live one-shot timer. Stop reports whether the timer was
// still pending, mirroring time.Timer.
type Timer interface {
	Stop() bool
}

type realScheduler struct{}

func (realScheduler) Now() time.Time {
	return time.Now()
}

func (realScheduler) AfterFunc(d time.Duration, f func()) Timer {
	return time.AfterFunc(d, f)
}
