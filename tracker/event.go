package tracker

import (
	"time"

	"github.com/hazyhaar/spmtrack/sender"
)

// Element attributes read by the capture layer.
const (
	AttrSpm     = "data-spm"
	AttrSpmID   = "data-spm-id"
	AttrTrigger = "data-track-trigger"
	AttrDelay   = "data-track-delay"
	attrCustom  = "data-track-"
)

// Trigger tells what produced an event.
type Trigger string

const (
	TriggerClick  Trigger = "click"
	TriggerView   Trigger = "view"
	TriggerManual Trigger = "manual"
)

// Category separates interaction events from error events.
type Category string

const (
	CategoryDefault Category = "default"
	CategoryError   Category = "error"
)

// ErrorType classifies error events.
type ErrorType string

const (
	ErrorJavaScript       ErrorType = "javascript_error"
	ErrorPromiseRejection ErrorType = "promise_rejection"
	ErrorResource         ErrorType = "resource_error"
)

// Event is one tracking record as sent on the wire.
type Event struct {
	Timestamp int64          `json:"timestamp"`
	URL       string         `json:"url"`
	SessionID string         `json:"sessionId"`
	Trigger   Trigger        `json:"trigger,omitempty"`
	Category  Category       `json:"category"`
	Spm       string         `json:"spm,omitempty"`
	Position  *Position      `json:"position,omitempty"`
	Element   *ElementInfo   `json:"element,omitempty"`
	Page      *PageInfo      `json:"page,omitempty"`
	User      *UserInfo      `json:"user,omitempty"`
	Event     *EventInfo     `json:"event,omitempty"`
	EventData map[string]any `json:"eventData,omitempty"`

	// ErrorInfo is set on error events; its fields are inlined.
	*ErrorInfo
}

// Position is the element box rounded to integer pixels.
type Position struct {
	X      int `json:"x"`
	Y      int `json:"y"`
	Width  int `json:"width"`
	Height int `json:"height"`
}

// ElementInfo describes the tracked element.
type ElementInfo struct {
	TagName    string            `json:"tagName"`
	ClassName  string            `json:"className"`
	ID         string            `json:"id"`
	Text       string            `json:"text"`
	Attributes map[string]string `json:"attributes"`
}

// Viewport is the visible area.
type Viewport struct {
	Width  int `json:"width"`
	Height int `json:"height"`
}

// PageInfo is the page part of the environment snapshot.
type PageInfo struct {
	Title    string   `json:"title"`
	Referrer string   `json:"referrer"`
	Viewport Viewport `json:"viewport"`
}

// UserInfo is the user-agent part of the environment snapshot.
type UserInfo struct {
	UserAgent string `json:"userAgent"`
	Language  string `json:"language"`
	Timezone  string `json:"timezone"`
}

// EventInfo describes the DOM event behind an event.
type EventInfo struct {
	Type string `json:"type"`
	*PointerInfo
}

// PointerInfo carries mouse coordinates and button.
type PointerInfo struct {
	ClientX float64 `json:"clientX"`
	ClientY float64 `json:"clientY"`
	Button  int     `json:"button"`
}

// ErrorInfo holds the error-specific fields of an error event.
type ErrorInfo struct {
	Type      ErrorType `json:"type"`
	Message   string    `json:"message"`
	Filename  string    `json:"filename,omitempty"`
	Lineno    int       `json:"lineno,omitempty"`
	Colno     int       `json:"colno,omitempty"`
	Stack     string    `json:"stack,omitempty"`
	Reason    string    `json:"reason,omitempty"`
	TagName   string    `json:"tagName,omitempty"`
	Source    string    `json:"source,omitempty"`
	UserAgent string    `json:"userAgent,omitempty"`
}

// SendItem is a queued event awaiting delivery.
type SendItem struct {
	Event      Event
	EnqueuedAt time.Time
	Attempts   int

	onSuccess func(sender.Response)
	onFailure func(error)
}

// SendOption attaches per-item callbacks to a tracked event.
type SendOption func(*SendItem)

// OnSuccess runs after the item's batch is delivered.
func OnSuccess(fn func(sender.Response)) SendOption {
	return func(it *SendItem) { it.onSuccess = fn }
}

// OnFailure runs after the item's batch fails.
func OnFailure(fn func(error)) SendOption {
	return func(it *SendItem) { it.onFailure = fn }
}

// ErrorStats counts captured errors for the engine's lifetime.
type ErrorStats struct {
	JSErrors          int   `json:"jsErrors"`
	PromiseRejections int   `json:"promiseRejections"`
	ResourceErrors    int   `json:"resourceErrors"`
	LastErrorTime     int64 `json:"lastErrorTime,omitempty"`
}

// Total returns the number of captured errors.
func (s ErrorStats) Total() int {
	return s.JSErrors + s.PromiseRejections + s.ResourceErrors
}

// Stats is a point-in-time view of the engine.
type Stats struct {
	ErrorStats ErrorStats `json:"errorStats"`
	QueueSize  int        `json:"queueSize"`
	Processing bool       `json:"processing"`
	Started    bool       `json:"started"`
	SessionID  string     `json:"sessionId"`
}
