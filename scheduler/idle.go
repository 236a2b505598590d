package scheduler

import (
	"sync"
	"time"
)

// Idle emulates an idle-callback primitive for processes without a render
// loop. A request is granted one frame after it is made, with a budget
// measured on the clock. While the busy check reports true, the grant is
// postponed frame by frame until the request timeout forces it.
type Idle struct {
	clock  Clock
	frame  time.Duration
	budget time.Duration
	busy   func() bool

	mu      sync.Mutex
	next    Handle
	pending map[Handle]*idleRequest
}

type idleRequest struct {
	cb      func(Deadline)
	timer   Timer
	forceAt time.Time
}

// IdleOption configures an Idle scheduler.
type IdleOption func(*Idle)

// WithClock sets the clock. Default: Real.
func WithClock(c Clock) IdleOption { return func(s *Idle) { s.clock = c } }

// WithFrame sets the delay before a request is granted. Default: 16ms.
func WithFrame(d time.Duration) IdleOption { return func(s *Idle) { s.frame = d } }

// WithBudget sets the idle time granted per slice. Default: 50ms.
func WithBudget(d time.Duration) IdleOption { return func(s *Idle) { s.budget = d } }

// WithBusy installs a check that defers grants while it returns true.
func WithBusy(fn func() bool) IdleOption { return func(s *Idle) { s.busy = fn } }

// NewIdle returns an Idle scheduler.
func NewIdle(opts ...IdleOption) *Idle {
	s := &Idle{
		clock:   Real,
		frame:   16 * time.Millisecond,
		budget:  50 * time.Millisecond,
		pending: make(map[Handle]*idleRequest),
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// RequestIdle implements Scheduler.
func (s *Idle) RequestIdle(timeout time.Duration, cb func(Deadline)) Handle {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.next++
	h := s.next
	req := &idleRequest{cb: cb, forceAt: s.clock.Now().Add(timeout)}
	s.pending[h] = req
	req.timer = s.clock.AfterFunc(s.frame, func() { s.grant(h) })
	return h
}

func (s *Idle) grant(h Handle) {
	s.mu.Lock()
	req, ok := s.pending[h]
	if !ok {
		s.mu.Unlock()
		return
	}
	now := s.clock.Now()
	busy := s.busy != nil && s.busy()
	if busy && now.Before(req.forceAt) {
		req.timer = s.clock.AfterFunc(s.frame, func() { s.grant(h) })
		s.mu.Unlock()
		return
	}
	delete(s.pending, h)
	s.mu.Unlock()

	req.cb(&clockDeadline{clock: s.clock, end: now.Add(s.budget), timedOut: busy})
}

// Cancel implements Scheduler.
func (s *Idle) Cancel(h Handle) {
	s.mu.Lock()
	req, ok := s.pending[h]
	delete(s.pending, h)
	s.mu.Unlock()
	if ok {
		req.timer.Stop()
	}
}

type clockDeadline struct {
	clock    Clock
	end      time.Time
	timedOut bool
}

func (d *clockDeadline) DidTimeout() bool { return d.timedOut }

func (d *clockDeadline) TimeRemaining() time.Duration {
	if r := d.end.Sub(d.clock.Now()); r > 0 {
		return r
	}
	return 0
}
