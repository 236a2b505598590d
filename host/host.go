// Package host defines the environment capability the tracking engine runs
// against: a page with a DOM, global error channels and observers.
//
// Production binds it to a real browser page (package rodhost); tests bind
// it to an in-memory document (package hosttest). Every subscription returns
// a cancel function that must be safe to call more than once.
package host

// Rect is an element's rendered box in viewport coordinates.
type Rect struct {
	X      float64
	Y      float64
	Width  float64
	Height float64
}

// Top returns the top edge.
func (r Rect) Top() float64 { return r.Y }

// Bottom returns the bottom edge.
func (r Rect) Bottom() float64 { return r.Y + r.Height }

// Viewport is the visible area in CSS pixels.
type Viewport struct {
	Width  int
	Height int
}

// Document holds document-level facts.
type Document struct {
	Title    string
	Referrer string
}

// Navigator holds user-agent facts.
type Navigator struct {
	UserAgent string
	Language  string
	Timezone  string
}

// Attribute is one element attribute in document order.
type Attribute struct {
	Name  string
	Value string
}

// Element is a DOM element as seen by the engine.
type Element interface {
	TagName() string
	ClassName() string
	TextContent() string
	Attribute(name string) (string, bool)
	SetAttribute(name, value string)
	Attributes() []Attribute
	BoundingClientRect() Rect
	// Parent returns nil at the document root.
	Parent() Element
}

// Pointer carries mouse coordinates and the pressed button.
type Pointer struct {
	ClientX float64
	ClientY float64
	Button  int
}

// DOMEvent is a dispatched DOM event.
type DOMEvent struct {
	Type   string
	Target Element
	// Pointer is nil for events without coordinates.
	Pointer *Pointer
}

// ScriptError is an uncaught script error (window error event).
type ScriptError struct {
	Message  string
	Filename string
	Lineno   int
	Colno    int
	Stack    string
}

// Rejection is an unhandled promise rejection.
type Rejection struct {
	// Reason is the string form of the rejection reason.
	Reason string
	Stack  string
}

// ResourceFailure reports an element (script, img, link) that failed to load.
type ResourceFailure struct {
	Target Element
}

// IntersectionOptions configures an intersection observer.
type IntersectionOptions struct {
	Threshold  float64
	RootMargin string
}

// IntersectionEntry is one observed visibility change.
type IntersectionEntry struct {
	Target         Element
	IsIntersecting bool
}

// IntersectionObserver reports visibility transitions of observed elements.
type IntersectionObserver interface {
	Observe(el Element)
	Disconnect()
}

// Host is the page capability set.
type Host interface {
	Location() string
	Document() Document
	Viewport() Viewport
	Navigator() Navigator
	Body() Element

	// QueryAll returns descendants of root (root excluded) matching an
	// attribute selector of the form [name] or [name="value"].
	QueryAll(root Element, selector string) []Element

	OnClick(fn func(DOMEvent)) (cancel func())
	OnError(fn func(ScriptError)) (cancel func())
	OnRejection(fn func(Rejection)) (cancel func())
	OnResourceError(fn func(ResourceFailure)) (cancel func())
	// OnHidden fires when the page becomes hidden or is being unloaded.
	OnHidden(fn func()) (cancel func())

	ObserveIntersection(opts IntersectionOptions, fn func([]IntersectionEntry)) IntersectionObserver
	// ObserveMutations reports element subtrees added anywhere below root.
	ObserveMutations(root Element, fn func(added []Element)) (disconnect func())
}

// Closest returns el or its nearest ancestor carrying attr, or nil.
func Closest(el Element, attr string) Element {
	for cur := el; cur != nil; cur = cur.Parent() {
		if _, ok := cur.Attribute(attr); ok {
			return cur
		}
	}
	return nil
}
