package connect

import "time"

// Clock is the monotonic time source. time.Now carries a monotonic reading,
// so the real clock is immune to wall clock changes.
type Clock interface {
	Now() time.Time
}

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now() }

// SystemClock returns the process clock.
func SystemClock() Clock { return systemClock{} }

// Tracker measures time since a start mark. The zero value is unset.
type Tracker struct {
	start time.Time
	set   bool
}

// Start marks now as the reference point.
func (t *Tracker) Start(now time.Time) {
	t.start = now
	t.set = true
}

// Clear unsets the tracker.
func (t *Tracker) Clear() {
	t.set = false
	t.start = time.Time{}
}

// Running reports whether a start mark is set.
func (t *Tracker) Running() bool { return t.set }

// Elapsed returns the time since the start mark, or zero when unset.
func (t *Tracker) Elapsed(now time.Time) time.Duration {
	if !t.set {
		return 0
	}
	return now.Sub(t.start)
}

// Passed reports whether at least threshold has elapsed. A tracker that has
// passed is cleared, so it fires once per start.
func (t *Tracker) Passed(now time.Time, threshold time.Duration) bool {
	if !t.set || now.Sub(t.start) < threshold {
		return false
	}
	t.Clear()
	return true
}
