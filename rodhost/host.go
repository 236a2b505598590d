package rodhost

import (
	"context"
	_ "embed"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/proto"

	"github.com/hazyhaar/spmtrack/host"
	"github.com/hazyhaar/spmtrack/scheduler"
)

//go:embed host.js
var hostJS string

const bindingName = "__spmtrack_binding"

const callJS = `(m, args) => JSON.stringify(window.__spmtrack[m](...args))`

// Page binds host.Host and scheduler.Scheduler to a live Chrome page.
// Page events reach Go through a runtime binding and are dispatched in
// arrival order on one goroutine; host queries are evaluated in the page.
type Page struct {
	page   *rod.Page
	logger *slog.Logger
	ctx    context.Context
	cancel context.CancelFunc
	msgs   chan message

	mu         sync.Mutex
	nextID     int
	clicks     map[int]func(host.DOMEvent)
	errors     map[int]func(host.ScriptError)
	rejections map[int]func(host.Rejection)
	resources  map[int]func(host.ResourceFailure)
	hidden     map[int]func()
	intersects map[int]func([]host.IntersectionEntry)
	mutations  map[int]func([]host.Element)
	idle       map[scheduler.Handle]func(scheduler.Deadline)
	beacons    map[int]chan string
}

// Attach installs the shim into page and starts dispatching its events.
// The returned Page lives until ctx is done or Close is called.
func Attach(ctx context.Context, page *rod.Page, logger *slog.Logger) (*Page, error) {
	if logger == nil {
		logger = slog.Default()
	}
	p := newPage(ctx, page, logger)

	if err := (proto.RuntimeAddBinding{Name: bindingName}).Call(page); err != nil {
		logger.Warn("rodhost: addBinding failed (may already exist)", "error", err)
	}
	go p.listenBinding()
	go p.loop()

	if _, err := page.Context(ctx).Eval(hostJS); err != nil {
		p.cancel()
		return nil, fmt.Errorf("rodhost: inject shim: %w", err)
	}
	logger.Debug("rodhost: shim injected", "url", p.Location())
	return p, nil
}

func newPage(ctx context.Context, page *rod.Page, logger *slog.Logger) *Page {
	ctx, cancel := context.WithCancel(ctx)
	return &Page{
		page:       page,
		logger:     logger,
		ctx:        ctx,
		cancel:     cancel,
		msgs:       make(chan message, 1024),
		clicks:     make(map[int]func(host.DOMEvent)),
		errors:     make(map[int]func(host.ScriptError)),
		rejections: make(map[int]func(host.Rejection)),
		resources:  make(map[int]func(host.ResourceFailure)),
		hidden:     make(map[int]func()),
		intersects: make(map[int]func([]host.IntersectionEntry)),
		mutations:  make(map[int]func([]host.Element)),
		idle:       make(map[scheduler.Handle]func(scheduler.Deadline)),
		beacons:    make(map[int]chan string),
	}
}

// Close stops event dispatch. Subscriptions made in the page stay
// installed but no longer reach Go.
func (p *Page) Close() {
	p.cancel()
}

// listenBinding receives shim messages via Runtime.bindingCalled.
func (p *Page) listenBinding() {
	p.page.Context(p.ctx).EachEvent(func(e *proto.RuntimeBindingCalled) {
		if e.Name != bindingName {
			return
		}
		msg, err := decodeMessage(e.Payload)
		if err != nil {
			p.logger.Warn("rodhost: parse binding payload", "error", err)
			return
		}
		select {
		case p.msgs <- msg:
		case <-p.ctx.Done():
		}
	})()
}

// loop dispatches messages outside the rod event goroutine so handlers
// may evaluate in the page.
func (p *Page) loop() {
	for {
		select {
		case <-p.ctx.Done():
			return
		case msg := <-p.msgs:
			p.dispatch(msg, time.Now())
		}
	}
}

func (p *Page) dispatch(msg message, received time.Time) {
	switch msg.Kind {
	case kindClick:
		ev := host.DOMEvent{
			Type:    msg.Type,
			Target:  p.element(msg.Target),
			Pointer: &host.Pointer{ClientX: msg.X, ClientY: msg.Y, Button: msg.Button},
		}
		for _, fn := range snapshot(p, p.clicks) {
			fn(ev)
		}
	case kindError:
		se := host.ScriptError{Message: msg.Message, Filename: msg.Filename, Lineno: msg.Lineno, Colno: msg.Colno, Stack: msg.Stack}
		for _, fn := range snapshot(p, p.errors) {
			fn(se)
		}
	case kindRejection:
		r := host.Rejection{Reason: msg.Reason, Stack: msg.Stack}
		for _, fn := range snapshot(p, p.rejections) {
			fn(r)
		}
	case kindResource:
		f := host.ResourceFailure{Target: p.element(msg.Target)}
		for _, fn := range snapshot(p, p.resources) {
			fn(f)
		}
	case kindHidden:
		for _, fn := range snapshot(p, p.hidden) {
			fn()
		}
	case kindIntersect:
		p.mu.Lock()
		fn := p.intersects[msg.Obs]
		p.mu.Unlock()
		if fn == nil {
			return
		}
		entries := make([]host.IntersectionEntry, 0, len(msg.Entries))
		for _, en := range msg.Entries {
			entries = append(entries, host.IntersectionEntry{Target: p.element(en.Target), IsIntersecting: en.Hit})
		}
		fn(entries)
	case kindMutation:
		p.mu.Lock()
		fn := p.mutations[msg.Obs]
		p.mu.Unlock()
		if fn == nil {
			return
		}
		added := make([]host.Element, 0, len(msg.Added))
		for _, id := range msg.Added {
			added = append(added, p.element(id))
		}
		fn(added)
	case kindIdle:
		p.mu.Lock()
		cb, ok := p.idle[msg.Handle]
		delete(p.idle, msg.Handle)
		p.mu.Unlock()
		if ok {
			cb(newDeadline(msg, received))
		}
	case kindBeacon:
		p.mu.Lock()
		ch, ok := p.beacons[int(msg.Handle)]
		delete(p.beacons, int(msg.Handle))
		p.mu.Unlock()
		if ok {
			ch <- msg.Note
		}
	default:
		p.logger.Debug("rodhost: unknown message", "kind", msg.Kind)
	}
}

// call evaluates a shim method and decodes its JSON result into out.
func (p *Page) call(out any, method string, args ...any) error {
	if args == nil {
		args = []any{}
	}
	res, err := p.page.Context(p.ctx).Eval(callJS, method, args)
	if err != nil {
		return fmt.Errorf("rodhost: %s: %w", method, err)
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal([]byte(res.Value.Str()), out); err != nil {
		return fmt.Errorf("rodhost: %s: decode: %w", method, err)
	}
	return nil
}

// mustCall is call for host methods that cannot report errors.
func (p *Page) mustCall(out any, method string, args ...any) {
	if err := p.call(out, method, args...); err != nil && p.ctx.Err() == nil {
		p.logger.Warn("rodhost: page call failed", "method", method, "error", err)
	}
}

type env struct {
	Location  string `json:"location"`
	Title     string `json:"title"`
	Referrer  string `json:"referrer"`
	Width     int    `json:"width"`
	Height    int    `json:"height"`
	UserAgent string `json:"userAgent"`
	Language  string `json:"language"`
	Timezone  string `json:"timezone"`
}

func (p *Page) env() env {
	var e env
	p.mustCall(&e, "env")
	return e
}

// Location implements host.Host.
func (p *Page) Location() string { return p.env().Location }

// Document implements host.Host.
func (p *Page) Document() host.Document {
	e := p.env()
	return host.Document{Title: e.Title, Referrer: e.Referrer}
}

// Viewport implements host.Host.
func (p *Page) Viewport() host.Viewport {
	e := p.env()
	return host.Viewport{Width: e.Width, Height: e.Height}
}

// Navigator implements host.Host.
func (p *Page) Navigator() host.Navigator {
	e := p.env()
	return host.Navigator{UserAgent: e.UserAgent, Language: e.Language, Timezone: e.Timezone}
}

// Body implements host.Host.
func (p *Page) Body() host.Element {
	var id int
	p.mustCall(&id, "body")
	return p.element(id)
}

// QueryAll implements host.Host.
func (p *Page) QueryAll(root host.Element, selector string) []host.Element {
	rootID := 0
	if el, ok := root.(*element); ok {
		rootID = el.id
	}
	var ids []int
	p.mustCall(&ids, "query", rootID, selector)
	out := make([]host.Element, 0, len(ids))
	for _, id := range ids {
		out = append(out, p.element(id))
	}
	return out
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

// ObserveIntersection implements host.Host.
func (p *Page) ObserveIntersection(opts host.IntersectionOptions, fn func([]host.IntersectionEntry)) host.IntersectionObserver {
	p.mu.Lock()
	p.nextID++
	id := p.nextID
	p.intersects[id] = fn
	p.mu.Unlock()

	margin := opts.RootMargin
	if margin == "" {
		margin = "0px"
	}
	p.mustCall(nil, "intersect", id, opts.Threshold, margin)
	return &intersectionObserver{p: p, id: id}
}

type intersectionObserver struct {
	p    *Page
	id   int
	once sync.Once
}

func (io *intersectionObserver) Observe(el host.Element) {
	e, ok := el.(*element)
	if !ok {
		return
	}
	io.p.mustCall(nil, "observe", io.id, e.id)
}

func (io *intersectionObserver) Disconnect() {
	io.once.Do(func() {
		io.p.mu.Lock()
		delete(io.p.intersects, io.id)
		io.p.mu.Unlock()
		io.p.mustCall(nil, "disconnect", io.id)
	})
}

// ObserveMutations implements host.Host.
func (p *Page) ObserveMutations(root host.Element, fn func([]host.Element)) func() {
	r, ok := root.(*element)
	if !ok {
		return func() {}
	}
	p.mu.Lock()
	p.nextID++
	id := p.nextID
	p.mutations[id] = fn
	p.mu.Unlock()

	p.mustCall(nil, "mutations", id, r.id)
	var once sync.Once
	return func() {
		once.Do(func() {
			p.mu.Lock()
			delete(p.mutations, id)
			p.mu.Unlock()
			p.mustCall(nil, "disconnect", id)
		})
	}
}

// RequestIdle implements scheduler.Scheduler with the page's
// requestIdleCallback, or a zero-delay timer where the page lacks it.
func (p *Page) RequestIdle(timeout time.Duration, cb func(scheduler.Deadline)) scheduler.Handle {
	p.mu.Lock()
	p.nextID++
	h := scheduler.Handle(p.nextID)
	p.idle[h] = cb
	p.mu.Unlock()

	// Evaluated off the caller's goroutine: the engine requests idle time
	// while holding its lock.
	go p.mustCall(nil, "idle", int(h), timeout.Milliseconds())
	return h
}

// Cancel implements scheduler.Scheduler.
func (p *Page) Cancel(h scheduler.Handle) {
	p.mu.Lock()
	_, ok := p.idle[h]
	delete(p.idle, h)
	p.mu.Unlock()
	if ok {
		go p.mustCall(nil, "cancelIdle", int(h))
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

var (
	_ host.Host           = (*Page)(nil)
	_ scheduler.Scheduler = (*Page)(nil)
)
