package tracker

import (
	"sync"
	"time"

	"github.com/hazyhaar/spmtrack/idgen"
	"github.com/hazyhaar/spmtrack/scheduler"
)

// SessionID returns the page session id, generating it on first use.
func (e *Engine) SessionID() string {
	e.sessionOnce.Do(func() {
		e.sessionID = idgen.Session(e.pc.millis())
	})
	return e.sessionID
}

// pageClock yields millisecond timestamps anchored at page load that never
// go backwards, even if the wall clock does.
type pageClock struct {
	clock  scheduler.Clock
	loaded time.Time

	mu   sync.Mutex
	last int64
}

func newPageClock(c scheduler.Clock) *pageClock {
	return &pageClock{clock: c, loaded: c.Now()}
}

func (p *pageClock) millis() int64 {
	ms := p.loaded.Add(p.clock.Now().Sub(p.loaded)).UnixMilli()
	p.mu.Lock()
	defer p.mu.Unlock()
	if ms < p.last {
		ms = p.last
	}
	p.last = ms
	return ms
}
