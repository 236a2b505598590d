package tracker

import (
	"strings"

	"github.com/hazyhaar/spmtrack/host"
	"github.com/hazyhaar/spmtrack/sender"
)

// installErrorMonitor subscribes to the error channels enabled in cfg for
// the engine's lifetime.
func (e *Engine) installErrorMonitor(cfg ErrorMonitoringConfig) {
	if !cfg.Enabled {
		return
	}
	if cfg.CaptureJSErrors {
		e.lifetime = append(e.lifetime, e.host.OnError(e.onScriptError))
	}
	if cfg.CapturePromiseRejections {
		e.lifetime = append(e.lifetime, e.host.OnRejection(e.onRejection))
	}
	if cfg.CaptureResourceErrors {
		e.lifetime = append(e.lifetime, e.host.OnResourceError(e.onResourceError))
	}
}

func (e *Engine) onScriptError(se host.ScriptError) {
	e.captureError(&ErrorInfo{
		Type:     ErrorJavaScript,
		Message:  se.Message,
		Filename: se.Filename,
		Lineno:   se.Lineno,
		Colno:    se.Colno,
		Stack:    se.Stack,
	}, nil)
}

func (e *Engine) onRejection(r host.Rejection) {
	reason := r.Reason
	if reason == "" {
		reason = "Unknown reason"
	}
	e.captureError(&ErrorInfo{
		Type:    ErrorPromiseRejection,
		Message: reason,
		Reason:  reason,
		Stack:   r.Stack,
	}, nil)
}

func (e *Engine) onResourceError(f host.ResourceFailure) {
	if f.Target == nil || f.Target.TagName() == "" {
		return
	}
	tag := strings.ToLower(f.Target.TagName())
	src, ok := f.Target.Attribute("src")
	if !ok || src == "" {
		src, _ = f.Target.Attribute("href")
	}
	e.captureError(&ErrorInfo{
		Type:    ErrorResource,
		Message: "Failed to load " + tag,
		TagName: tag,
		Source:  src,
	}, f.Target)
}

// captureError applies the admission gates: sampling, ignore patterns,
// self-traffic for resource errors, then the budget. Every gate only
// drops, so the budget goes last where it shares one lock with the
// counter update and concurrent channels cannot overrun it.
func (e *Engine) captureError(info *ErrorInfo, target host.Element) {
	e.mu.Lock()
	cfg := e.cfg.ErrorMonitoring
	log := e.logger
	e.mu.Unlock()

	if e.rand() >= cfg.ErrorSamplingRate {
		log.Debug("tracker: error sampled out", "type", info.Type)
		return
	}
	for _, p := range cfg.IgnoreErrors {
		if p.Match(info.Message) {
			log.Debug("tracker: error ignored", "type", info.Type, "pattern", p.String())
			return
		}
	}
	if target != nil && isSelfTraffic(target) {
		log.Debug("tracker: skipping own transport failure", "tag", info.TagName)
		return
	}

	info.UserAgent = e.host.Navigator().UserAgent
	ts := e.pc.millis()

	e.mu.Lock()
	if e.stats.Total() >= cfg.MaxErrorsPerSession {
		e.mu.Unlock()
		log.Debug("tracker: error budget exhausted", "max", cfg.MaxErrorsPerSession)
		return
	}
	switch info.Type {
	case ErrorJavaScript:
		e.stats.JSErrors++
	case ErrorPromiseRejection:
		e.stats.PromiseRejections++
	case ErrorResource:
		e.stats.ResourceErrors++
	}
	e.stats.LastErrorTime = ts
	e.mu.Unlock()

	ev := Event{Timestamp: ts, URL: e.host.Location(), ErrorInfo: info}
	if cfg.BeforeErrorSend != nil {
		var keep bool
		if ev, keep = e.callFilter("beforeErrorSend", cfg.BeforeErrorSend, ev); !keep {
			return
		}
	}
	page := e.PageInfo()
	user := e.UserInfo()
	ev.Category = CategoryError
	ev.Page = &page
	ev.User = &user
	ev.SessionID = e.SessionID()

	e.enqueue(ev, nil)
}

// isSelfTraffic reports elements injected by a page-side sender.
func isSelfTraffic(el host.Element) bool {
	if _, ok := el.Attribute(sender.MarkerJSONP); ok {
		return true
	}
	_, ok := el.Attribute(sender.MarkerImage)
	return ok
}
