// Package clock abstracts time so debounce and watchdog logic can be tested
// without real timers. Use Real in production and Mock in tests.
package clock

import (
	"sort"
	"sync"
	"time"
)

// Clock is the subset of time operations the bridge depends on.
type Clock interface {
	Now() time.Time

	// After waits for d to elapse and then sends the current time on the
	// returned channel.
	After(d time.Duration) <-chan time.Time

	// AfterFunc waits for d to elapse and then calls f in its own goroutine.
	AfterFunc(d time.Duration, f func()) Timer

	// Since returns the time elapsed since t.
	Since(t time.Time) time.Duration
}

// Timer is a single scheduled call that can be cancelled.
type Timer interface {
	// Stop prevents the timer from firing. Returns true if the call stopped
	// the timer, false if it had already fired or been stopped.
	Stop() bool
}

// Real implements Clock with the standard time package.
type Real struct{}

func NewReal() *Real { return &Real{} }

func (*Real) Now() time.Time                         { return time.Now() }
func (*Real) After(d time.Duration) <-chan time.Time { return time.After(d) }
func (*Real) Since(t time.Time) time.Duration        { return time.Since(t) }

func (*Real) AfterFunc(d time.Duration, f func()) Timer {
	return &realTimer{t: time.AfterFunc(d, f)}
}

type realTimer struct {
	t *time.Timer
}

func (rt *realTimer) Stop() bool { return rt.t.Stop() }

// Mock is a Clock whose time only moves when Advance or Set is called.
type Mock struct {
	mu      sync.Mutex
	current time.Time
	timers  []*mockTimer
}

type mockTimer struct {
	mu       sync.Mutex
	deadline time.Time
	f        func()
	stopped  bool
}

// NewMock creates a Mock starting at the given time.
func NewMock(start time.Time) *Mock {
	return &Mock{current: start}
}

func (m *Mock) Now() time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.current
}

func (m *Mock) Since(t time.Time) time.Duration {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.current.Sub(t)
}

func (m *Mock) After(d time.Duration) <-chan time.Time {
	ch := make(chan time.Time, 1)
	m.AfterFunc(d, func() {
		ch <- m.Now()
	})
	return ch
}

func (m *Mock) AfterFunc(d time.Duration, f func()) Timer {
	m.mu.Lock()
	defer m.mu.Unlock()

	t := &mockTimer{deadline: m.current.Add(d), f: f}
	m.timers = append(m.timers, t)
	return t
}

// Advance moves the mock clock forward by d, firing expired timers in
// deadline order.
func (m *Mock) Advance(d time.Duration) {
	m.mu.Lock()
	m.current = m.current.Add(d)
	now := m.current

	var fire, keep []*mockTimer
	for _, t := range m.timers {
		t.mu.Lock()
		if !t.stopped && !t.deadline.After(now) {
			fire = append(fire, t)
		} else if !t.stopped {
			keep = append(keep, t)
		}
		t.mu.Unlock()
	}
	m.timers = keep
	m.mu.Unlock()

	sort.Slice(fire, func(i, j int) bool { return fire[i].deadline.Before(fire[j].deadline) })

	// Fire outside the clock lock so callbacks may consult the clock.
	for _, t := range fire {
		t.mu.Lock()
		if t.stopped {
			t.mu.Unlock()
			continue
		}
		t.stopped = true
		f := t.f
		t.mu.Unlock()
		f()
	}
}

// Set jumps the mock clock to t, firing timers along the way when t is in
// the future.
func (m *Mock) Set(t time.Time) {
	m.mu.Lock()
	cur := m.current
	m.mu.Unlock()

	if t.After(cur) {
		m.Advance(t.Sub(cur))
		return
	}
	m.mu.Lock()
	m.current = t
	m.mu.Unlock()
}

func (t *mockTimer) Stop() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	active := !t.stopped
	t.stopped = true
	return active
}
