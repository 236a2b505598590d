package tracker

import (
	"math"
	"strings"

	"github.com/hazyhaar/spmtrack/host"
	"github.com/hazyhaar/spmtrack/idgen"
)

const maxTextRunes = 100

// BuildTrackingData assembles an event from whatever context is present.
// el and ev may be nil; eventData defaults to an empty map. The configured
// DataProcessor runs last.
func (e *Engine) BuildTrackingData(el host.Element, ev *host.DOMEvent, eventData map[string]any) Event {
	if eventData == nil {
		eventData = map[string]any{}
	}
	page := e.PageInfo()
	user := e.UserInfo()
	data := Event{
		Timestamp: e.pc.millis(),
		URL:       e.host.Location(),
		SessionID: e.SessionID(),
		Trigger:   TriggerManual,
		Category:  CategoryDefault,
		Page:      &page,
		User:      &user,
		EventData: eventData,
	}

	if el != nil {
		spm, _ := el.Attribute(AttrSpm)
		trigger, _ := el.Attribute(AttrTrigger)
		if trigger == "" {
			trigger = string(TriggerClick)
		}
		r := el.BoundingClientRect()
		data.Spm = spm
		data.Trigger = Trigger(trigger)
		data.Position = &Position{
			X:      jsRound(r.X),
			Y:      jsRound(r.Y),
			Width:  jsRound(r.Width),
			Height: jsRound(r.Height),
		}
		data.Element = &ElementInfo{
			TagName:    strings.ToLower(el.TagName()),
			ClassName:  el.ClassName(),
			ID:         e.elementID(el),
			Text:       truncateRunes(el.TextContent(), maxTextRunes),
			Attributes: customAttributes(el),
		}
	}

	if ev != nil {
		data.Event = &EventInfo{Type: ev.Type}
		if p := ev.Pointer; p != nil {
			data.Event.PointerInfo = &PointerInfo{ClientX: p.ClientX, ClientY: p.ClientY, Button: p.Button}
		}
	}

	e.mu.Lock()
	process := e.cfg.Hooks.DataProcessor
	e.mu.Unlock()
	if process != nil {
		data = e.callDataProcessor(process, data)
	}
	return data
}

// elementID returns the element's data-spm-id, generating and caching it
// on the element the first time.
func (e *Engine) elementID(el host.Element) string {
	e.spmMu.Lock()
	defer e.spmMu.Unlock()
	if id, ok := el.Attribute(AttrSpmID); ok && id != "" {
		return id
	}
	spm, ok := el.Attribute(AttrSpm)
	if !ok || spm == "" {
		spm = "unknown"
	}
	id := idgen.SpmID(spm, e.pc.millis())
	el.SetAttribute(AttrSpmID, id)
	return id
}

// customAttributes collects data-track-* attributes minus the reserved
// trigger and delay, keyed without the prefix.
func customAttributes(el host.Element) map[string]string {
	out := map[string]string{}
	for _, a := range el.Attributes() {
		if !strings.HasPrefix(a.Name, attrCustom) || a.Name == AttrTrigger || a.Name == AttrDelay {
			continue
		}
		out[strings.TrimPrefix(a.Name, attrCustom)] = a.Value
	}
	return out
}

// jsRound rounds half up, as Math.round does.
func jsRound(f float64) int {
	return int(math.Floor(f + 0.5))
}

func truncateRunes(s string, n int) string {
	if len(s) <= n {
		return s
	}
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n])
}
