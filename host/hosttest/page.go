// Package hosttest provides an in-memory page implementing host.Host.
//
// The document is parsed from HTML markup. Tests drive it explicitly:
// Click, SetRect, Append, FireError and friends dispatch synchronously on
// the calling goroutine, outside the page lock. Element boxes default to
// zero and can be seeded from a data-rect="x,y,w,h" attribute.
package hosttest

import (
	"fmt"
	"strconv"
	"strings"
	"sync"
	"testing"

	"github.com/hazyhaar/spmtrack/host"
	"golang.org/x/net/html"
	"golang.org/x/net/html/atom"
)

// Option configures a Page.
type Option func(*Page)

// WithLocation sets the page URL.
func WithLocation(u string) Option { return func(p *Page) { p.location = u } }

// WithReferrer sets document.referrer.
func WithReferrer(r string) Option { return func(p *Page) { p.doc.Referrer = r } }

// WithViewport sets the viewport size.
func WithViewport(w, h int) Option {
	return func(p *Page) { p.viewport = host.Viewport{Width: w, Height: h} }
}

// WithNavigator sets user-agent facts.
func WithNavigator(n host.Navigator) Option { return func(p *Page) { p.nav = n } }

// Page is a fake browser page.
type Page struct {
	mu       sync.Mutex
	root     *Node
	body     *Node
	location string
	doc      host.Document
	viewport host.Viewport
	nav      host.Navigator

	nextID     int
	clicks     map[int]func(host.DOMEvent)
	errors     map[int]func(host.ScriptError)
	rejections map[int]func(host.Rejection)
	resources  map[int]func(host.ResourceFailure)
	hidden     map[int]func()
	mutations  map[int]*mutationObserver
	observers  map[int]*intersectionObserver
}

// New parses markup into a Page.
func New(markup string, opts ...Option) (*Page, error) {
	doc, err := html.Parse(strings.NewReader(markup))
	if err != nil {
		return nil, fmt.Errorf("hosttest: parse: %w", err)
	}
	p := &Page{
		location:   "https://shop.example.com/",
		viewport:   host.Viewport{Width: 1024, Height: 768},
		nav:        host.Navigator{UserAgent: "Mozilla/5.0 (hosttest)", Language: "en-US", Timezone: "UTC"},
		clicks:     make(map[int]func(host.DOMEvent)),
		errors:     make(map[int]func(host.ScriptError)),
		rejections: make(map[int]func(host.Rejection)),
		resources:  make(map[int]func(host.ResourceFailure)),
		hidden:     make(map[int]func()),
		mutations:  make(map[int]*mutationObserver),
		observers:  make(map[int]*intersectionObserver),
	}
	for c := doc.FirstChild; c != nil; c = c.NextSibling {
		if c.Type == html.ElementNode {
			p.root = p.convert(c, nil)
		}
	}
	if p.root == nil {
		return nil, fmt.Errorf("hosttest: no root element")
	}
	p.body = p.root.find(func(n *Node) bool { return n.tag == "body" })
	if p.body == nil {
		p.body = p.root
	}
	if t := p.root.find(func(n *Node) bool { return n.tag == "title" }); t != nil {
		p.doc.Title = strings.TrimSpace(t.textLocked())
	}
	for _, o := range opts {
		o(p)
	}
	return p, nil
}

// MustNew is New for tests.
func MustNew(t testing.TB, markup string, opts ...Option) *Page {
	t.Helper()
	p, err := New(markup, opts...)
	if err != nil {
		t.Fatalf("hosttest.New: %v", err)
	}
	return p
}

func (p *Page) convert(n *html.Node, parent *Node) *Node {
	node := &Node{page: p, parent: parent}
	switch n.Type {
	case html.TextNode:
		node.text = n.Data
		node.isText = true
		return node
	case html.ElementNode:
		node.tag = n.Data
		if n.DataAtom != 0 {
			node.tag = n.DataAtom.String()
		}
	}
	for _, a := range n.Attr {
		node.attrs = append(node.attrs, host.Attribute{Name: a.Key, Value: a.Val})
		if a.Key == "data-rect" {
			node.rect = parseRect(a.Val)
		}
	}
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		if c.Type == html.ElementNode || c.Type == html.TextNode {
			node.kids = append(node.kids, p.convert(c, node))
		}
	}
	return node
}

func parseRect(s string) host.Rect {
	parts := strings.Split(s, ",")
	if len(parts) != 4 {
		return host.Rect{}
	}
	var v [4]float64
	for i, part := range parts {
		f, err := strconv.ParseFloat(strings.TrimSpace(part), 64)
		if err != nil {
			return host.Rect{}
		}
		v[i] = f
	}
	return host.Rect{X: v[0], Y: v[1], Width: v[2], Height: v[3]}
}

// Location implements host.Host.
func (p *Page) Location() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.location
}

// Document implements host.Host.
func (p *Page) Document() host.Document {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.doc
}

// Viewport implements host.Host.
func (p *Page) Viewport() host.Viewport {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.viewport
}

// Navigator implements host.Host.
func (p *Page) Navigator() host.Navigator {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.nav
}

// Body implements host.Host.
func (p *Page) Body() host.Element { return p.body }

// QueryAll implements host.Host.
func (p *Page) QueryAll(root host.Element, selector string) []host.Element {
	sel, err := host.ParseSelector(selector)
	if err != nil {
		return nil
	}
	r, ok := root.(*Node)
	if !ok {
		return nil
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []host.Element
	r.walk(func(n *Node) {
		if n != r && n.matchLocked(sel) {
			out = append(out, n)
		}
	})
	return out
}

// Find returns the first element matching an attribute selector or #id,
// searching the whole document. It returns nil when nothing matches.
func (p *Page) Find(selector string) *Node {
	match, err := matcher(selector)
	if err != nil {
		return nil
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.root.find(match)
}

func matcher(selector string) (func(*Node) bool, error) {
	if id, ok := strings.CutPrefix(selector, "#"); ok {
		sel := host.Selector{Name: "id", Value: id, HasValue: true}
		return func(n *Node) bool { return n.matchLocked(sel) }, nil
	}
	sel, err := host.ParseSelector(selector)
	if err != nil {
		return nil, err
	}
	return func(n *Node) bool { return n.matchLocked(sel) }, nil
}

// SetViewport resizes the viewport and re-evaluates intersections.
func (p *Page) SetViewport(w, h int) {
	p.mu.Lock()
	p.viewport = host.Viewport{Width: w, Height: h}
	p.mu.Unlock()
	p.recompute()
}

// Append parses markup as children of parent, attaches them and notifies
// mutation observers whose root contains parent.
func (p *Page) Append(parent *Node, markup string) ([]*Node, error) {
	ctx := &html.Node{Type: html.ElementNode, Data: "div", DataAtom: atom.Div}
	frag, err := html.ParseFragment(strings.NewReader(markup), ctx)
	if err != nil {
		return nil, fmt.Errorf("hosttest: parse fragment: %w", err)
	}

	p.mu.Lock()
	var added []*Node
	for _, n := range frag {
		if n.Type != html.ElementNode && n.Type != html.TextNode {
			continue
		}
		node := p.convert(n, parent)
		parent.kids = append(parent.kids, node)
		if !node.isText {
			added = append(added, node)
		}
	}
	var notify []func([]host.Element)
	for _, mo := range p.mutations {
		if mo.root.containsLocked(parent) {
			notify = append(notify, mo.fn)
		}
	}
	p.mu.Unlock()

	if len(added) > 0 {
		els := make([]host.Element, len(added))
		for i, n := range added {
			els[i] = n
		}
		for _, fn := range notify {
			fn(els)
		}
	}
	p.recompute()
	return added, nil
}

// Listeners returns the number of live subscriptions and observers.
func (p *Page) Listeners() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.clicks) + len(p.errors) + len(p.rejections) + len(p.resources) +
		len(p.hidden) + len(p.mutations) + len(p.observers)
}

// DOMListeners returns the number of live click listeners and observers,
// the subscriptions tied to Start/Stop.
func (p *Page) DOMListeners() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.clicks) + len(p.mutations) + len(p.observers)
}

func (p *Page) subscribe(add func(id int)) func() {
	p.mu.Lock()
	p.nextID++
	id := p.nextID
	add(id)
	p.mu.Unlock()
	var once sync.Once
	return func() {
		once.Do(func() {
			p.mu.Lock()
			delete(p.clicks, id)
			delete(p.errors, id)
			delete(p.rejections, id)
			delete(p.resources, id)
			delete(p.hidden, id)
			delete(p.mutations, id)
			p.mu.Unlock()
		})
	}
}

// OnClick implements host.Host.
func (p *Page) OnClick(fn func(host.DOMEvent)) func() {
	return p.subscribe(func(id int) { p.clicks[id] = fn })
}

// OnError implements host.Host.
func (p *Page) OnError(fn func(host.ScriptError)) func() {
	return p.subscribe(func(id int) { p.errors[id] = fn })
}

// OnRejection implements host.Host.
func (p *Page) OnRejection(fn func(host.Rejection)) func() {
	return p.subscribe(func(id int) { p.rejections[id] = fn })
}

// OnResourceError implements host.Host.
func (p *Page) OnResourceError(fn func(host.ResourceFailure)) func() {
	return p.subscribe(func(id int) { p.resources[id] = fn })
}

// OnHidden implements host.Host.
func (p *Page) OnHidden(fn func()) func() {
	return p.subscribe(func(id int) { p.hidden[id] = fn })
}

// ObserveMutations implements host.Host.
func (p *Page) ObserveMutations(root host.Element, fn func([]host.Element)) func() {
	r, ok := root.(*Node)
	if !ok {
		return func() {}
	}
	return p.subscribe(func(id int) { p.mutations[id] = &mutationObserver{root: r, fn: fn} })
}

type mutationObserver struct {
	root *Node
	fn   func([]host.Element)
}

// Click dispatches a click on el at the given client coordinates.
func (p *Page) Click(el *Node, x, y float64) {
	ev := host.DOMEvent{Type: "click", Target: el, Pointer: &host.Pointer{ClientX: x, ClientY: y}}
	for _, fn := range snapshot(p, p.clicks) {
		fn(ev)
	}
}

// FireError dispatches a window error event.
func (p *Page) FireError(e host.ScriptError) {
	for _, fn := range snapshot(p, p.errors) {
		fn(e)
	}
}

// FireRejection dispatches an unhandledrejection event.
func (p *Page) FireRejection(r host.Rejection) {
	for _, fn := range snapshot(p, p.rejections) {
		fn(r)
	}
}

// FireResourceError reports el as failed to load.
func (p *Page) FireResourceError(el *Node) {
	for _, fn := range snapshot(p, p.resources) {
		fn(host.ResourceFailure{Target: el})
	}
}

// Hide makes the page hidden.
func (p *Page) Hide() {
	for _, fn := range snapshot(p, p.hidden) {
		fn()
	}
}

func snapshot[F any](p *Page, m map[int]F) []F {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]F, 0, len(m))
	for i := 1; i <= p.nextID; i++ {
		if fn, ok := m[i]; ok {
			out = append(out, fn)
		}
	}
	return out
}
