package rodhost

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/hazyhaar/spmtrack/scheduler"
)

// Message kinds posted by the shim.
const (
	kindClick     = "click"
	kindError     = "error"
	kindRejection = "rejection"
	kindResource  = "resource"
	kindHidden    = "hidden"
	kindIntersect = "intersect"
	kindMutation  = "mutation"
	kindIdle      = "idle"
	kindBeacon    = "beacon"
)

// message is the union of every shim payload.
type message struct {
	Kind string `json:"kind"`

	// click, resource
	Target int     `json:"target"`
	Type   string  `json:"type"`
	X      float64 `json:"x"`
	Y      float64 `json:"y"`
	Button int     `json:"button"`

	// error, rejection
	Message  string `json:"message"`
	Filename string `json:"filename"`
	Lineno   int    `json:"lineno"`
	Colno    int    `json:"colno"`
	Stack    string `json:"stack"`
	Reason   string `json:"reason"`

	// intersect, mutation
	Obs     int          `json:"obs"`
	Entries []entryValue `json:"entries"`
	Added   []int        `json:"added"`

	// idle, beacon
	Handle    scheduler.Handle `json:"handle"`
	Timeout   bool             `json:"timeout"`
	Remaining float64          `json:"remaining"`
	Note      string           `json:"note"`
}

type entryValue struct {
	Target int  `json:"target"`
	Hit    bool `json:"hit"`
}

func decodeMessage(payload string) (message, error) {
	var m message
	if err := json.Unmarshal([]byte(payload), &m); err != nil {
		return message{}, err
	}
	if m.Kind == "" {
		return message{}, fmt.Errorf("rodhost: message without kind")
	}
	return m, nil
}

// pageDeadline counts down the idle time the page reported, from the
// moment its message reached Go.
type pageDeadline struct {
	end      time.Time
	timedOut bool
	now      func() time.Time
}

func newDeadline(m message, received time.Time) *pageDeadline {
	remaining := time.Duration(m.Remaining * float64(time.Millisecond))
	return &pageDeadline{end: received.Add(remaining), timedOut: m.Timeout, now: time.Now}
}

func (d *pageDeadline) DidTimeout() bool { return d.timedOut }

func (d *pageDeadline) TimeRemaining() time.Duration {
	if r := d.end.Sub(d.now()); r > 0 {
		return r
	}
	return 0
}
