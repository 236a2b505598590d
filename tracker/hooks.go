package tracker

import (
	"fmt"
	"runtime/debug"

	"github.com/hazyhaar/spmtrack/sender"
)

// guard runs fn, converting a panic into a logged error so that user code
// never unwinds through a host callback.
func (e *Engine) guard(name string, fn func()) (err error) {
	defer func() {
		if r := recover(); r != nil {
			e.mu.Lock()
			log := e.logger
			e.mu.Unlock()
			log.Error("tracker: hook panic recovered", "hook", name, "panic", r, "stack", string(debug.Stack()))
			err = fmt.Errorf("tracker: %s panicked: %v", name, r)
		}
	}()
	fn()
	return nil
}

func (e *Engine) callDataProcessor(fn func(Event) Event, in Event) Event {
	out := in
	if err := e.guard("dataProcessor", func() { out = fn(in) }); err != nil {
		return in
	}
	return out
}

// callFilter runs a hook that may suppress the event. A panicking filter
// suppresses it.
func (e *Engine) callFilter(name string, fn func(Event) (Event, bool), in Event) (Event, bool) {
	out, keep := in, true
	if err := e.guard(name, func() { out, keep = fn(in) }); err != nil {
		return in, false
	}
	return out, keep
}

func (e *Engine) callAfterSend(fn func(sender.Response, Event), resp sender.Response, ev Event) {
	_ = e.guard("afterSend", func() { fn(resp, ev) })
}

func (e *Engine) callOnError(fn func(error, Event), err error, ev Event) {
	_ = e.guard("onError", func() { fn(err, ev) })
}
