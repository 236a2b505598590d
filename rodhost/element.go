package rodhost

import "github.com/hazyhaar/spmtrack/host"

// element is a reference to a page element by shim id. Every accessor
// reads the live element.
type element struct {
	p  *Page
	id int
}

type elementInfo struct {
	Tag    string      `json:"tag"`
	Class  string      `json:"cls"`
	Text   string      `json:"text"`
	Attrs  [][2]string `json:"attrs"`
	Rect   [4]float64  `json:"rect"`
	Parent int         `json:"parent"`
}

// element returns the Element for id, or nil for id 0 so that a missing
// element compares equal to a nil host.Element.
func (p *Page) element(id int) host.Element {
	if id == 0 {
		return nil
	}
	return &element{p: p, id: id}
}

func (e *element) info() elementInfo {
	var info *elementInfo
	e.p.mustCall(&info, "info", e.id)
	if info == nil {
		return elementInfo{}
	}
	return *info
}

func (e *element) TagName() string   { return e.info().Tag }
func (e *element) ClassName() string { return e.info().Class }

func (e *element) TextContent() string { return e.info().Text }

func (e *element) Attribute(name string) (string, bool) {
	for _, a := range e.info().Attrs {
		if a[0] == name {
			return a[1], true
		}
	}
	return "", false
}

func (e *element) SetAttribute(name, value string) {
	e.p.mustCall(nil, "setAttr", e.id, name, value)
}

func (e *element) Attributes() []host.Attribute {
	attrs := e.info().Attrs
	out := make([]host.Attribute, len(attrs))
	for i, a := range attrs {
		out[i] = host.Attribute{Name: a[0], Value: a[1]}
	}
	return out
}

func (e *element) BoundingClientRect() host.Rect {
	r := e.info().Rect
	return host.Rect{X: r[0], Y: r[1], Width: r[2], Height: r[3]}
}

func (e *element) Parent() host.Element {
	return e.p.element(e.info().Parent)
}
