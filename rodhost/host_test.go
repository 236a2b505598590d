package rodhost

import (
	"context"
	"log/slog"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/hazyhaar/spmtrack/host"
	"github.com/hazyhaar/spmtrack/scheduler"
)

func testPage(t *testing.T) *Page {
	t.Helper()
	p := newPage(context.Background(), nil, slog.New(slog.DiscardHandler))
	t.Cleanup(p.Close)
	return p
}

func TestDecodeMessage(t *testing.T) {
	m, err := decodeMessage(`{"kind":"click","target":7,"type":"click","x":12.5,"y":3,"button":1}`)
	if err != nil {
		t.Fatal(err)
	}
	if m.Kind != kindClick || m.Target != 7 || m.X != 12.5 || m.Button != 1 {
		t.Fatalf("message: %+v", m)
	}

	if _, err := decodeMessage(`{"target":1}`); err == nil {
		t.Fatal("expected error for message without kind")
	}
	if _, err := decodeMessage(`not json`); err == nil {
		t.Fatal("expected error for invalid payload")
	}
}

func TestDispatch_Click(t *testing.T) {
	p := testPage(t)
	var got []host.DOMEvent
	off := p.OnClick(func(ev host.DOMEvent) { got = append(got, ev) })

	p.dispatch(message{Kind: kindClick, Type: "click", Target: 4, X: 10, Y: 20}, time.Now())
	off()
	p.dispatch(message{Kind: kindClick, Type: "click", Target: 4}, time.Now())

	if len(got) != 1 {
		t.Fatalf("click deliveries: got %d, want 1", len(got))
	}
	el, ok := got[0].Target.(*element)
	if !ok || el.id != 4 {
		t.Fatalf("target: %#v", got[0].Target)
	}
	if got[0].Pointer.ClientX != 10 || got[0].Pointer.ClientY != 20 {
		t.Fatalf("pointer: %+v", got[0].Pointer)
	}
}

func TestDispatch_ErrorChannels(t *testing.T) {
	p := testPage(t)
	var script host.ScriptError
	var rej host.Rejection
	var res host.ResourceFailure
	hidden := 0
	p.OnError(func(e host.ScriptError) { script = e })
	p.OnRejection(func(r host.Rejection) { rej = r })
	p.OnResourceError(func(f host.ResourceFailure) { res = f })
	p.OnHidden(func() { hidden++ })

	now := time.Now()
	p.dispatch(message{Kind: kindError, Message: "boom", Filename: "app.js", Lineno: 2, Colno: 9}, now)
	p.dispatch(message{Kind: kindRejection, Reason: "nope"}, now)
	p.dispatch(message{Kind: kindResource, Target: 3}, now)
	p.dispatch(message{Kind: kindHidden}, now)

	if script.Message != "boom" || script.Lineno != 2 || script.Colno != 9 {
		t.Fatalf("script error: %+v", script)
	}
	if rej.Reason != "nope" {
		t.Fatalf("rejection: %+v", rej)
	}
	if res.Target == nil {
		t.Fatal("resource failure without target")
	}
	if hidden != 1 {
		t.Fatalf("hidden: got %d", hidden)
	}
}

func TestDispatch_ZeroTargetIsNil(t *testing.T) {
	p := testPage(t)
	var target host.Element = &element{}
	p.OnResourceError(func(f host.ResourceFailure) { target = f.Target })
	p.dispatch(message{Kind: kindResource}, time.Now())
	if target != nil {
		t.Fatalf("target: got %#v, want nil", target)
	}
}

func TestDispatch_IdleRunsOnce(t *testing.T) {
	p := testPage(t)
	var deadlines []scheduler.Deadline

	p.mu.Lock()
	p.idle[5] = func(d scheduler.Deadline) { deadlines = append(deadlines, d) }
	p.mu.Unlock()

	received := time.Now()
	p.dispatch(message{Kind: kindIdle, Handle: 5, Timeout: true, Remaining: 40}, received)
	p.dispatch(message{Kind: kindIdle, Handle: 5, Remaining: 40}, received)

	if len(deadlines) != 1 {
		t.Fatalf("idle callbacks: got %d, want 1", len(deadlines))
	}
	if !deadlines[0].DidTimeout() {
		t.Fatal("timeout flag lost")
	}
}

func TestPageDeadline_CountsDown(t *testing.T) {
	received := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	d := newDeadline(message{Remaining: 12.5}, received)
	d.now = func() time.Time { return received.Add(2 * time.Millisecond) }
	if got := d.TimeRemaining(); got != 10500*time.Microsecond {
		t.Fatalf("remaining: got %v", got)
	}
	d.now = func() time.Time { return received.Add(time.Second) }
	if got := d.TimeRemaining(); got != 0 {
		t.Fatalf("remaining after end: got %v", got)
	}
}

func TestDispatch_ObserversRouteByID(t *testing.T) {
	p := testPage(t)
	var hits []bool
	var added int

	p.mu.Lock()
	p.intersects[1] = func(entries []host.IntersectionEntry) {
		for _, e := range entries {
			hits = append(hits, e.IsIntersecting)
		}
	}
	p.mutations[2] = func(els []host.Element) { added += len(els) }
	p.mu.Unlock()

	now := time.Now()
	p.dispatch(message{Kind: kindIntersect, Obs: 1, Entries: []entryValue{{Target: 3, Hit: true}, {Target: 4}}}, now)
	p.dispatch(message{Kind: kindIntersect, Obs: 9, Entries: []entryValue{{Target: 3, Hit: true}}}, now)
	p.dispatch(message{Kind: kindMutation, Obs: 2, Added: []int{5, 6}}, now)

	if len(hits) != 2 || !hits[0] || hits[1] {
		t.Fatalf("intersection entries: %v", hits)
	}
	if added != 2 {
		t.Fatalf("added: got %d", added)
	}
}

func TestDispatch_BeaconResolves(t *testing.T) {
	p := testPage(t)
	ch := make(chan string, 1)
	p.mu.Lock()
	p.beacons[3] = ch
	p.mu.Unlock()

	p.dispatch(message{Kind: kindBeacon, Handle: 3, Note: "Request sent (timeout)"}, time.Now())
	if note := <-ch; note != "Request sent (timeout)" {
		t.Fatalf("note: %q", note)
	}
}

func TestShouldBlock(t *testing.T) {
	block := map[string]bool{"images": true, "fonts": true}
	tests := []struct {
		resType string
		raw     string
		want    bool
	}{
		{"Image", "https://cdn.example.com/a.png", true},
		{"Font", "https://cdn.example.com/a.woff2", true},
		{"Stylesheet", "https://cdn.example.com/a.css", false},
		{"Image", "https://collect.example.com/track?data=%257B%257D&t=1", false},
	}
	for _, tt := range tests {
		u, _ := url.Parse(tt.raw)
		if got := shouldBlock(block, tt.resType, u); got != tt.want {
			t.Errorf("shouldBlock(%s, %s): got %v, want %v", tt.resType, tt.raw, got, tt.want)
		}
	}
}

func TestShim_DefinesEveryCalledMethod(t *testing.T) {
	for _, m := range []string{"env(", "body(", "query(", "info(", "setAttr(", "intersect(", "observe(", "mutations(", "disconnect(", "idle(", "cancelIdle(", "beacon("} {
		if !strings.Contains(hostJS, "\t\t"+m) {
			t.Errorf("shim lacks %s", strings.TrimSuffix(m, "("))
		}
	}
	if !strings.Contains(hostJS, bindingName) {
		t.Error("shim does not post to the binding")
	}
}

func TestShim_HoldsElementsWeakly(t *testing.T) {
	for _, want := range []string{"new WeakRef(el)", "new FinalizationRegistry(", ".deref()"} {
		if !strings.Contains(hostJS, want) {
			t.Errorf("shim lacks %q", want)
		}
	}
	if strings.Contains(hostJS, "byID.set(id, el)") {
		t.Error("shim keeps a strong reference to elements")
	}
}
