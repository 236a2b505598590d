// Package scheduler provides cooperative idle-time scheduling.
//
// A Scheduler grants callbacks a Deadline describing how much idle time is
// left in the current slice. Implementations must never invoke a callback
// synchronously from RequestIdle: callers hold locks around it.
package scheduler

import (
	"sync"
	"time"
)

// Deadline describes an idle slice.
type Deadline interface {
	// DidTimeout reports that the slice was forced by the request timeout.
	DidTimeout() bool
	// TimeRemaining is the idle time left, zero when exhausted.
	TimeRemaining() time.Duration
}

// Handle identifies a pending idle request. The zero Handle is never issued.
type Handle uint64

// Scheduler runs callbacks during idle slices.
type Scheduler interface {
	// RequestIdle schedules cb for the next idle slice, or forces it once
	// timeout elapses.
	RequestIdle(timeout time.Duration, cb func(Deadline)) Handle
	// Cancel drops a pending request. Unknown handles are ignored.
	Cancel(h Handle)
}

// Slice is a fixed Deadline.
type Slice struct {
	Timeout   bool
	Remaining time.Duration
}

func (s Slice) DidTimeout() bool             { return s.Timeout }
func (s Slice) TimeRemaining() time.Duration { return s.Remaining }

// FallbackBudget is the synthetic idle time granted by Fallback.
const FallbackBudget = 50 * time.Millisecond

// Fallback substitutes for a missing idle primitive: a zero-delay timer
// whose deadline always reports a forced timeout.
type Fallback struct {
	clock Clock

	mu     sync.Mutex
	next   Handle
	timers map[Handle]Timer
}

// NewFallback returns a Fallback driven by clock.
func NewFallback(clock Clock) *Fallback {
	if clock == nil {
		clock = Real
	}
	return &Fallback{clock: clock, timers: make(map[Handle]Timer)}
}

// RequestIdle implements Scheduler. timeout is ignored.
func (f *Fallback) RequestIdle(_ time.Duration, cb func(Deadline)) Handle {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.next++
	h := f.next
	f.timers[h] = f.clock.AfterFunc(0, func() {
		f.mu.Lock()
		_, live := f.timers[h]
		delete(f.timers, h)
		f.mu.Unlock()
		if live {
			cb(Slice{Timeout: true, Remaining: FallbackBudget})
		}
	})
	return h
}

// Cancel implements Scheduler.
func (f *Fallback) Cancel(h Handle) {
	f.mu.Lock()
	t, ok := f.timers[h]
	delete(f.timers, h)
	f.mu.Unlock()
	if ok {
		t.Stop()
	}
}
