package tracker

import (
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/hazyhaar/spmtrack/host"
	"github.com/hazyhaar/spmtrack/scheduler"
)

// View observation parameters.
const (
	viewThreshold  = 0.1
	viewRootMargin = "50px"
)

var viewSelector = `[` + AttrTrigger + `="` + string(TriggerView) + `"]`

// capture holds the DOM subscriptions made by Start.
type capture struct {
	e        *Engine
	clickOff func()
	moOff    func()
	io       host.IntersectionObserver

	mu      sync.Mutex
	stopped bool
	timers  map[*delayed]struct{}
}

type delayed struct {
	timer scheduler.Timer
}

func (e *Engine) attachCapture() *capture {
	c := &capture{e: e, timers: make(map[*delayed]struct{})}
	c.clickOff = e.host.OnClick(c.onClick)
	c.io = e.host.ObserveIntersection(host.IntersectionOptions{
		Threshold:  viewThreshold,
		RootMargin: viewRootMargin,
	}, c.onIntersect)
	c.moOff = e.host.ObserveMutations(e.host.Body(), func(added []host.Element) {
		for _, el := range added {
			c.scan(el)
		}
	})
	return c
}

// detach removes every subscription and drops pending delay timers.
func (c *capture) detach() {
	c.mu.Lock()
	c.stopped = true
	timers := c.timers
	c.timers = nil
	c.mu.Unlock()

	for d := range timers {
		d.timer.Stop()
	}
	c.clickOff()
	c.moOff()
	c.io.Disconnect()
}

// scan observes root and its descendants that are view-triggered.
func (c *capture) scan(root host.Element) {
	if root == nil {
		return
	}
	if v, ok := root.Attribute(AttrTrigger); ok && v == string(TriggerView) {
		c.io.Observe(root)
	}
	for _, el := range c.e.host.QueryAll(root, viewSelector) {
		c.io.Observe(el)
	}
}

func (c *capture) onClick(ev host.DOMEvent) {
	if ev.Target == nil {
		return
	}
	target := host.Closest(ev.Target, AttrSpm)
	if target == nil {
		return
	}
	trigger, _ := target.Attribute(AttrTrigger)
	if trigger != "" && trigger != string(TriggerClick) {
		return
	}
	c.e.trackElement(target, &ev)
}

func (c *capture) onIntersect(entries []host.IntersectionEntry) {
	for _, entry := range entries {
		if !entry.IsIntersecting || entry.Target == nil {
			continue
		}
		el := entry.Target
		if delay := delayOf(el); delay > 0 {
			c.deferView(el, delay)
			continue
		}
		c.e.trackElement(el, nil)
	}
}

// deferView tracks el after delay if it is still in the viewport then.
func (c *capture) deferView(el host.Element, delay time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.stopped {
		return
	}
	d := &delayed{}
	d.timer = c.e.clock.AfterFunc(delay, func() {
		c.mu.Lock()
		_, live := c.timers[d]
		delete(c.timers, d)
		c.mu.Unlock()
		if live && c.e.inViewport(el) {
			c.e.trackElement(el, nil)
		}
	})
	c.timers[d] = struct{}{}
}

// pending returns the number of delay timers not yet fired.
func (c *capture) pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.timers)
}

func delayOf(el host.Element) time.Duration {
	v, ok := el.Attribute(AttrDelay)
	if !ok {
		return 0
	}
	ms, err := strconv.Atoi(strings.TrimSpace(v))
	if err != nil || ms <= 0 {
		return 0
	}
	return time.Duration(ms) * time.Millisecond
}

// inViewport is the visibility recheck for delayed views: any vertical
// overlap with the viewport.
func (e *Engine) inViewport(el host.Element) bool {
	r := el.BoundingClientRect()
	return r.Top() < float64(e.host.Viewport().Height) && r.Bottom() > 0
}

// trackElement builds and queues an event for el. Elements without a
// data-spm value are ignored.
func (e *Engine) trackElement(el host.Element, ev *host.DOMEvent) {
	if spm, ok := el.Attribute(AttrSpm); !ok || spm == "" {
		return
	}
	e.enqueue(e.BuildTrackingData(el, ev, nil), nil)
}
