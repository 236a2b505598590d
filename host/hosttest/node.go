package hosttest

import (
	"strings"

	"github.com/hazyhaar/spmtrack/host"
)

// Node is an element or text node of a Page.
type Node struct {
	page   *Page
	parent *Node
	kids   []*Node
	tag    string
	attrs  []host.Attribute
	text   string
	isText bool
	rect   host.Rect
}

// TagName returns the upper-case tag name, as the DOM does for HTML.
func (n *Node) TagName() string { return strings.ToUpper(n.tag) }

// ClassName implements host.Element.
func (n *Node) ClassName() string {
	v, _ := n.Attribute("class")
	return v
}

// TextContent implements host.Element.
func (n *Node) TextContent() string {
	n.page.mu.Lock()
	defer n.page.mu.Unlock()
	return n.textLocked()
}

func (n *Node) textLocked() string {
	if n.isText {
		return n.text
	}
	var b strings.Builder
	for _, k := range n.kids {
		b.WriteString(k.textLocked())
	}
	return b.String()
}

// Attribute implements host.Element.
func (n *Node) Attribute(name string) (string, bool) {
	n.page.mu.Lock()
	defer n.page.mu.Unlock()
	return n.attrLocked(name)
}

func (n *Node) attrLocked(name string) (string, bool) {
	for _, a := range n.attrs {
		if a.Name == name {
			return a.Value, true
		}
	}
	return "", false
}

// SetAttribute implements host.Element.
func (n *Node) SetAttribute(name, value string) {
	n.page.mu.Lock()
	defer n.page.mu.Unlock()
	for i := range n.attrs {
		if n.attrs[i].Name == name {
			n.attrs[i].Value = value
			return
		}
	}
	n.attrs = append(n.attrs, host.Attribute{Name: name, Value: value})
}

// Attributes implements host.Element.
func (n *Node) Attributes() []host.Attribute {
	n.page.mu.Lock()
	defer n.page.mu.Unlock()
	out := make([]host.Attribute, len(n.attrs))
	copy(out, n.attrs)
	return out
}

// BoundingClientRect implements host.Element.
func (n *Node) BoundingClientRect() host.Rect {
	n.page.mu.Lock()
	defer n.page.mu.Unlock()
	return n.rect
}

// Parent implements host.Element.
func (n *Node) Parent() host.Element {
	if n.parent == nil {
		return nil
	}
	return n.parent
}

// SetRect moves the element and re-evaluates intersection observers.
func (n *Node) SetRect(r host.Rect) {
	n.page.mu.Lock()
	n.rect = r
	n.page.mu.Unlock()
	n.page.recompute()
}

// Children returns the element children.
func (n *Node) Children() []*Node {
	n.page.mu.Lock()
	defer n.page.mu.Unlock()
	var out []*Node
	for _, k := range n.kids {
		if !k.isText {
			out = append(out, k)
		}
	}
	return out
}

func (n *Node) matchLocked(sel host.Selector) bool {
	if n.isText {
		return false
	}
	v, ok := n.attrLocked(sel.Name)
	return ok && (!sel.HasValue || v == sel.Value)
}

func (n *Node) walk(fn func(*Node)) {
	if n.isText {
		return
	}
	fn(n)
	for _, k := range n.kids {
		k.walk(fn)
	}
}

func (n *Node) find(match func(*Node) bool) *Node {
	if n.isText {
		return nil
	}
	if match(n) {
		return n
	}
	for _, k := range n.kids {
		if f := k.find(match); f != nil {
			return f
		}
	}
	return nil
}

func (n *Node) containsLocked(other *Node) bool {
	for cur := other; cur != nil; cur = cur.parent {
		if cur == n {
			return true
		}
	}
	return false
}
