package scheduler

import "time"

// Clock abstracts time so the settle and cooldown policies are
// testable without real sleeps.
type Clock interface {
	Now() time.Time
	AfterFunc(d time.Duration, fn func()) Timer
}

// Timer is a stoppable pending callback.
type Timer interface {
	Stop() bool
}

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now() }

func (systemClock) AfterFunc(d time.Duration, fn func()) Timer {
	return time.AfterFunc(d, fn)
}

// SystemClock returns a Clock backed by the time package.
func SystemClock() Clock { return systemClock{} }
