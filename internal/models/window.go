package models

import "time"

// WindowPolicy selects the records a detector considers. The zero value is unbounded.
type WindowPolicy struct {
	bounded bool
	since   time.Time
	until   time.Time
}

// Unbounded scans every visible record. Used for deterministic fixtures.
func Unbounded() WindowPolicy {
	return WindowPolicy{}
}

// Since bounds the window to records at or after t.
func Since(t time.Time) WindowPolicy {
	return WindowPolicy{bounded: true, since: t.UTC()}
}

// Last bounds the window to the span d ending at now.
func Last(now time.Time, d time.Duration) WindowPolicy {
	return Since(now.Add(-d))
}

// Between bounds the window to [since, until).
func Between(since, until time.Time) WindowPolicy {
	return WindowPolicy{bounded: true, since: since.UTC(), until: until.UTC()}
}

// WindowFor returns Unbounded when testing is set, otherwise Last(now, d).
func WindowFor(testing bool, now time.Time, d time.Duration) WindowPolicy {
	if testing {
		return Unbounded()
	}
	return Last(now, d)
}

// IsBounded reports whether the policy restricts by time.
func (w WindowPolicy) IsBounded() bool {
	return w.bounded
}

// Bounds returns the lower and upper instants; a zero until means open-ended.
func (w WindowPolicy) Bounds() (since, until time.Time, ok bool) {
	return w.since, w.until, w.bounded
}

// Contains reports whether t falls inside the window.
func (w WindowPolicy) Contains(t time.Time) bool {
	if !w.bounded {
		return true
	}
	if t.Before(w.since) {
		return false
	}
	if !w.until.IsZero() && !t.Before(w.until) {
		return false
	}
	return true
}

// String renders the policy for logs.
func (w WindowPolicy) String() string {
	if !w.bounded {
		return "unbounded"
	}
	if w.until.IsZero() {
		return "since " + w.since.Format(time.RFC3339)
	}
	return w.since.Format(time.RFC3339) + ".." + w.until.Format(time.RFC3339)
}
