package hosttest

import (
	"math"
	"strconv"
	"strings"
	"sync"

	"github.com/hazyhaar/spmtrack/host"
)

type intersectionObserver struct {
	page      *Page
	id        int
	threshold float64
	margin    float64
	fn        func([]host.IntersectionEntry)
	// state holds the last reported visibility per observed node.
	state map[*Node]bool
	order []*Node
	once  sync.Once
}

// ObserveIntersection implements host.Host. Observe reports the initial
// state of each element; later entries are emitted only on transitions.
func (p *Page) ObserveIntersection(opts host.IntersectionOptions, fn func([]host.IntersectionEntry)) host.IntersectionObserver {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.nextID++
	io := &intersectionObserver{
		page:      p,
		id:        p.nextID,
		threshold: opts.Threshold,
		margin:    parseMargin(opts.RootMargin),
		fn:        fn,
		state:     make(map[*Node]bool),
	}
	p.observers[io.id] = io
	return io
}

func parseMargin(s string) float64 {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0
	}
	f, err := strconv.ParseFloat(strings.TrimSuffix(strings.Fields(s)[0], "px"), 64)
	if err != nil {
		return 0
	}
	return f
}

func (io *intersectionObserver) Observe(el host.Element) {
	n, ok := el.(*Node)
	if !ok {
		return
	}
	p := io.page
	p.mu.Lock()
	if _, live := p.observers[io.id]; !live {
		p.mu.Unlock()
		return
	}
	if _, seen := io.state[n]; seen {
		p.mu.Unlock()
		return
	}
	visible := io.intersectsLocked(n)
	io.state[n] = visible
	io.order = append(io.order, n)
	p.mu.Unlock()

	io.fn([]host.IntersectionEntry{{Target: n, IsIntersecting: visible}})
}

func (io *intersectionObserver) Disconnect() {
	io.once.Do(func() {
		io.page.mu.Lock()
		delete(io.page.observers, io.id)
		io.page.mu.Unlock()
	})
}

// intersectsLocked applies the threshold to the element's visible ratio
// inside the viewport grown by the root margin.
func (io *intersectionObserver) intersectsLocked(n *Node) bool {
	r := n.rect
	area := r.Width * r.Height
	if area <= 0 {
		return false
	}
	vp := io.page.viewport
	left, top := -io.margin, -io.margin
	right, bottom := float64(vp.Width)+io.margin, float64(vp.Height)+io.margin

	w := math.Min(r.X+r.Width, right) - math.Max(r.X, left)
	h := math.Min(r.Bottom(), bottom) - math.Max(r.Top(), top)
	if w <= 0 || h <= 0 {
		return false
	}
	return (w*h)/area >= io.threshold
}

// recompute emits transition entries for every live observer.
func (p *Page) recompute() {
	type batch struct {
		fn      func([]host.IntersectionEntry)
		entries []host.IntersectionEntry
	}
	var batches []batch

	p.mu.Lock()
	for i := 1; i <= p.nextID; i++ {
		io, ok := p.observers[i]
		if !ok {
			continue
		}
		var entries []host.IntersectionEntry
		for _, n := range io.order {
			visible := io.intersectsLocked(n)
			if visible != io.state[n] {
				io.state[n] = visible
				entries = append(entries, host.IntersectionEntry{Target: n, IsIntersecting: visible})
			}
		}
		if len(entries) > 0 {
			batches = append(batches, batch{fn: io.fn, entries: entries})
		}
	}
	p.mu.Unlock()

	for _, b := range batches {
		b.fn(b.entries)
	}
}
