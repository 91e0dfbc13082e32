// Package clock provides the server-side time sources used to stamp records.
package clock

import (
	"sync"
	"time"
)

// Clock reports the current time.
type Clock interface {
	Now() time.Time
}

// System reads the wall clock in UTC at microsecond resolution, which is what
// Postgres stores.
type System struct{}

func (System) Now() time.Time {
	return time.Now().UTC().Truncate(time.Microsecond)
}

// Monotonic never returns the same instant twice and never goes backwards,
// even when the underlying clock does.
type Monotonic struct {
	base Clock
	mu   sync.Mutex
	last time.Time
}

// NewMonotonic wraps base.
func NewMonotonic(base Clock) *Monotonic {
	return &Monotonic{base: base}
}

func (m *Monotonic) Now() time.Time {
	t := m.base.Now().Truncate(time.Microsecond)
	m.mu.Lock()
	defer m.mu.Unlock()
	if !t.After(m.last) {
		t = m.last.Add(time.Microsecond)
	}
	m.last = t
	return t
}

// Fake is a manually driven clock for tests.
type Fake struct {
	mu  sync.Mutex
	now time.Time
}

// NewFake starts a fake clock at t.
func NewFake(t time.Time) *Fake {
	return &Fake{now: t.UTC().Truncate(time.Microsecond)}
}

func (f *Fake) Now() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.now
}

// Advance moves the clock forward by d.
func (f *Fake) Advance(d time.Duration) {
	f.mu.Lock()
	f.now = f.now.Add(d)
	f.mu.Unlock()
}

// Set moves the clock to t.
func (f *Fake) Set(t time.Time) {
	f.mu.Lock()
	f.now = t.UTC().Truncate(time.Microsecond)
	f.mu.Unlock()
}
