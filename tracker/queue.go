package tracker

import (
	"context"
	"time"

	"github.com/hazyhaar/spmtrack/scheduler"
	"github.com/hazyhaar/spmtrack/sender"
)

const (
	// idleTimeout forces a pending idle request after this long.
	idleTimeout = time.Second
	// minIdleRemaining stops slicing once the slice has this little left.
	minIdleRemaining = time.Millisecond
)

// SendTrack builds a manual event carrying eventData and queues it.
func (e *Engine) SendTrack(eventData map[string]any, opts ...SendOption) {
	e.enqueue(e.BuildTrackingData(nil, nil, eventData), opts)
}

// Track queues a caller-built event. Missing session id, timestamp, url,
// trigger or category are filled in.
func (e *Engine) Track(ev Event, opts ...SendOption) {
	if ev.SessionID == "" {
		ev.SessionID = e.SessionID()
	}
	if ev.Timestamp == 0 {
		ev.Timestamp = e.pc.millis()
	}
	if ev.URL == "" {
		ev.URL = e.host.Location()
	}
	if ev.Trigger == "" && ev.ErrorInfo == nil {
		ev.Trigger = TriggerManual
	}
	if ev.Category == "" {
		ev.Category = CategoryDefault
	}
	e.enqueue(ev, opts)
}

// enqueue runs BeforeSend, appends the item and makes sure an idle
// request is pending.
func (e *Engine) enqueue(ev Event, opts []SendOption) {
	e.mu.Lock()
	before := e.cfg.Hooks.BeforeSend
	e.mu.Unlock()

	if before != nil {
		var keep bool
		if ev, keep = e.callFilter("beforeSend", before, ev); !keep {
			return
		}
	}

	item := &SendItem{Event: ev, EnqueuedAt: e.clock.Now()}
	for _, o := range opts {
		o(item)
	}

	e.mu.Lock()
	e.queue = append(e.queue, item)
	e.ensureIdleLocked()
	e.logger.Debug("tracker: queued for idle send", "queue", len(e.queue), "trigger", ev.Trigger, "category", ev.Category)
	e.mu.Unlock()
}

func (e *Engine) ensureIdleLocked() {
	if e.idlePending || len(e.queue) == 0 {
		return
	}
	e.idlePending = true
	e.idle = e.sched.RequestIdle(idleTimeout, e.onIdle)
}

type batch struct {
	items    []*SendItem
	send     sender.Sender
	endpoint string
	hooks    Hooks
}

// onIdle drains the queue while the slice has time left, or entirely when
// the slice was forced by timeout.
func (e *Engine) onIdle(d scheduler.Deadline) {
	e.mu.Lock()
	e.idlePending = false
	var out []batch
	for len(e.queue) > 0 && (d.DidTimeout() || d.TimeRemaining() > minIdleRemaining) {
		out = append(out, e.sliceLocked())
	}
	e.ensureIdleLocked()
	e.mu.Unlock()

	e.dispatch(out)
}

// Flush sends everything queued now, regardless of idle state.
func (e *Engine) Flush() {
	e.mu.Lock()
	if e.idlePending {
		e.sched.Cancel(e.idle)
		e.idlePending = false
	}
	var out []batch
	for len(e.queue) > 0 {
		out = append(out, e.sliceLocked())
	}
	if len(out) > 0 {
		e.logger.Info("tracker: flush", "batches", len(out))
	}
	e.mu.Unlock()

	e.dispatch(out)
}

// sliceLocked removes up to IdleBatchSize items from the queue head.
func (e *Engine) sliceLocked() batch {
	n := min(e.cfg.IdleBatchSize, len(e.queue))
	items := make([]*SendItem, n)
	copy(items, e.queue[:n])
	clear(e.queue[:n])
	e.queue = e.queue[n:]
	if len(e.queue) == 0 {
		e.queue = nil
	}
	return batch{items: items, send: e.send, endpoint: e.cfg.Endpoint, hooks: e.cfg.Hooks}
}

// dispatch hands the batches of one pass to their sender in queue order on
// a single goroutine. Each batch settles as soon as its own send returns.
func (e *Engine) dispatch(batches []batch) {
	if len(batches) == 0 {
		return
	}
	payloads := make([][]Event, len(batches))
	for bi, b := range batches {
		payloads[bi] = make([]Event, len(b.items))
		for i, it := range b.items {
			it.Attempts++
			payloads[bi][i] = it.Event
		}
	}
	e.inflight.Add(1)
	go func() {
		defer e.inflight.Done()
		for bi, b := range batches {
			resp, err := b.send.Send(context.Background(), b.endpoint, payloads[bi])
			e.settle(b, resp, err)
		}
	}()
}

func (e *Engine) settle(b batch, resp sender.Response, err error) {
	e.mu.Lock()
	log := e.logger
	e.mu.Unlock()

	if err != nil {
		log.Warn("tracker: batch send failed", "items", len(b.items), "error", err)
	} else {
		log.Debug("tracker: batch sent", "items", len(b.items), "method", resp.Method)
	}
	for _, it := range b.items {
		if err != nil {
			if b.hooks.OnError != nil {
				e.callOnError(b.hooks.OnError, err, it.Event)
			}
			if it.onFailure != nil {
				_ = e.guard("onFailure", func() { it.onFailure(err) })
			}
			continue
		}
		if b.hooks.AfterSend != nil {
			e.callAfterSend(b.hooks.AfterSend, resp, it.Event)
		}
		if it.onSuccess != nil {
			_ = e.guard("onSuccess", func() { it.onSuccess(resp) })
		}
	}
}
