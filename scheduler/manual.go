package scheduler

import (
	"sync"
	"time"
)

// Manual is a deterministic Clock and Scheduler. Time moves only through
// Advance; idle slices are granted only through Grant or RunIdle, or
// forced when Advance passes a request's timeout.
type Manual struct {
	mu     sync.Mutex
	now    time.Time
	seq    int
	timers []*manualTimer
	next   Handle
	idle   []*manualIdle
}

type manualTimer struct {
	m       *Manual
	when    time.Time
	seq     int
	f       func()
	stopped bool
	fired   bool
}

type manualIdle struct {
	h     Handle
	cb    func(Deadline)
	timer *manualTimer
}

// NewManual returns a Manual starting at start.
func NewManual(start time.Time) *Manual {
	return &Manual{now: start}
}

// Now implements Clock.
func (m *Manual) Now() time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.now
}

// AfterFunc implements Clock.
func (m *Manual) AfterFunc(d time.Duration, f func()) Timer {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.addTimerLocked(d, f)
}

func (m *Manual) addTimerLocked(d time.Duration, f func()) *manualTimer {
	m.seq++
	t := &manualTimer{m: m, when: m.now.Add(d), seq: m.seq, f: f}
	m.timers = append(m.timers, t)
	return t
}

func (t *manualTimer) Stop() bool {
	t.m.mu.Lock()
	defer t.m.mu.Unlock()
	if t.fired || t.stopped {
		return false
	}
	t.stopped = true
	return true
}

// Advance moves time forward by d, firing due timers in order. Timers
// scheduled by fired callbacks also fire if they fall within d.
func (m *Manual) Advance(d time.Duration) {
	m.mu.Lock()
	target := m.now.Add(d)
	m.mu.Unlock()

	for {
		m.mu.Lock()
		var due *manualTimer
		live := m.timers[:0]
		for _, t := range m.timers {
			if t.stopped || t.fired {
				continue
			}
			live = append(live, t)
			if t.when.After(target) {
				continue
			}
			if due == nil || t.when.Before(due.when) || (t.when.Equal(due.when) && t.seq < due.seq) {
				due = t
			}
		}
		m.timers = live
		if due == nil {
			m.now = target
			m.mu.Unlock()
			return
		}
		if due.when.After(m.now) {
			m.now = due.when
		}
		due.fired = true
		m.mu.Unlock()
		due.f()
	}
}

// RequestIdle implements Scheduler.
func (m *Manual) RequestIdle(timeout time.Duration, cb func(Deadline)) Handle {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.next++
	req := &manualIdle{h: m.next, cb: cb}
	req.timer = m.addTimerLocked(timeout, func() {
		if m.take(req.h) {
			cb(Slice{Timeout: true})
		}
	})
	m.idle = append(m.idle, req)
	return req.h
}

func (m *Manual) take(h Handle) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i, req := range m.idle {
		if req.h == h {
			m.idle = append(m.idle[:i], m.idle[i+1:]...)
			return true
		}
	}
	return false
}

// Cancel implements Scheduler.
func (m *Manual) Cancel(h Handle) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i, req := range m.idle {
		if req.h == h {
			req.timer.stopped = true
			m.idle = append(m.idle[:i], m.idle[i+1:]...)
			return
		}
	}
}

// Grant runs every currently pending idle request with d and returns how
// many ran. Requests made by the callbacks wait for the next Grant.
func (m *Manual) Grant(d Deadline) int {
	m.mu.Lock()
	reqs := m.idle
	m.idle = nil
	for _, req := range reqs {
		req.timer.stopped = true
	}
	m.mu.Unlock()

	for _, req := range reqs {
		req.cb(d)
	}
	return len(reqs)
}

// RunIdle grants a slice with the given remaining time.
func (m *Manual) RunIdle(remaining time.Duration) int {
	return m.Grant(Slice{Remaining: remaining})
}

// PendingIdle returns the number of outstanding idle requests.
func (m *Manual) PendingIdle() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.idle)
}

// PendingTimers returns the number of timers that have neither fired nor
// been stopped.
func (m *Manual) PendingTimers() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, t := range m.timers {
		if !t.stopped && !t.fired {
			n++
		}
	}
	return n
}
