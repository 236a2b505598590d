// Package tracker is the client event collection and delivery engine.
//
// An Engine binds to a host.Host (a page), captures clicks on elements
// tagged with data-spm, views of elements tagged data-track-trigger="view",
// uncaught errors and manual calls, builds canonical Event records and
// delivers them in batches during idle slices granted by a
// scheduler.Scheduler, through one sender.Sender chosen by configuration.
//
// Engine state is guarded by a mutex. Host callbacks, user hooks and
// senders are always invoked without holding it, so hosts may dispatch
// synchronously and hooks may call back into the engine.
//
//	eng, err := tracker.New(page, cfg)
//	eng.Start()
//	defer eng.Stop()
//	eng.SendTrack(map[string]any{"action": "signup"})
package tracker

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"net/http"
	"sync"

	"github.com/hazyhaar/spmtrack/host"
	"github.com/hazyhaar/spmtrack/scheduler"
	"github.com/hazyhaar/spmtrack/sender"
)

// Engine is the tracking engine for one page lifetime.
type Engine struct {
	host     host.Host
	sched    scheduler.Scheduler
	clock    scheduler.Clock
	base     *slog.Logger
	rand     func() float64
	client   *http.Client
	override sender.Sender
	pc       *pageClock

	sessionOnce sync.Once
	sessionID   string
	spmMu       sync.Mutex

	mu          sync.Mutex
	cfg         Config
	logger      *slog.Logger
	send        sender.Sender
	started     bool
	queue       []*SendItem
	idle        scheduler.Handle
	idlePending bool
	stats       ErrorStats
	capture     *capture
	lifetime    []func()
	closed      bool

	inflight sync.WaitGroup
}

// Option configures an Engine.
type Option func(*Engine)

// WithScheduler sets the idle scheduler. By default the host's own
// scheduler is used when it implements scheduler.Scheduler, otherwise a
// zero-delay fallback.
func WithScheduler(s scheduler.Scheduler) Option { return func(e *Engine) { e.sched = s } }

// WithClock sets the clock for timestamps and delay timers.
func WithClock(c scheduler.Clock) Option { return func(e *Engine) { e.clock = c } }

// WithLogger sets the logger used when LogToPage is enabled.
func WithLogger(l *slog.Logger) Option { return func(e *Engine) { e.base = l } }

// WithSender replaces the configured transport.
func WithSender(s sender.Sender) Option { return func(e *Engine) { e.override = s } }

// WithHTTPClient sets the HTTP client used by the built-in senders.
func WithHTTPClient(c *http.Client) Option { return func(e *Engine) { e.client = c } }

// WithRand sets the uniform [0,1) source used for error sampling.
func WithRand(fn func() float64) Option { return func(e *Engine) { e.rand = fn } }

// New builds an Engine over h. Error monitoring and page-hide flushing are
// installed immediately; DOM capture waits for Start.
func New(h host.Host, cfg Config, opts ...Option) (*Engine, error) {
	if h == nil {
		return nil, fmt.Errorf("tracker: nil host")
	}
	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	e := &Engine{
		host:  h,
		clock: scheduler.Real,
		base:  slog.Default(),
		rand:  rand.Float64,
		cfg:   cfg,
	}
	for _, o := range opts {
		o(e)
	}
	if e.sched == nil {
		if s, ok := h.(scheduler.Scheduler); ok {
			e.sched = s
		} else {
			e.sched = scheduler.NewFallback(e.clock)
		}
	}
	e.pc = newPageClock(e.clock)
	e.logger = e.pageLogger(cfg)

	s, err := e.buildSender(cfg)
	if err != nil {
		return nil, err
	}
	e.send = s

	e.installErrorMonitor(cfg.ErrorMonitoring)
	e.lifetime = append(e.lifetime, h.OnHidden(e.Flush))

	e.logger.Info("tracker: initialised", "endpoint", cfg.Endpoint, "sender", cfg.Sender)
	return e, nil
}

func (e *Engine) pageLogger(cfg Config) *slog.Logger {
	if !cfg.LogToPage {
		return slog.New(slog.DiscardHandler)
	}
	return e.base.With("component", "tracker")
}

func (e *Engine) buildSender(cfg Config) (sender.Sender, error) {
	if e.override != nil {
		return e.override, nil
	}
	opts := []sender.Option{
		sender.WithLogger(e.pageLogger(cfg)),
		sender.WithCallbackParam(cfg.JSONP.CallbackParam),
		sender.WithJSONPTimeout(cfg.JSONP.Timeout),
		sender.WithNow(e.clock.Now),
	}
	if e.client != nil {
		opts = append(opts, sender.WithClient(e.client))
	}
	if cfg.FallbackSender && cfg.Sender == sender.KindJSONP {
		opts = append(opts, sender.WithFallback(sender.NewImage(opts...)))
	}
	s, err := sender.New(cfg.Sender, opts...)
	if err != nil {
		return nil, fmt.Errorf("tracker: %w", err)
	}
	return s, nil
}

// Start attaches click delegation and view tracking. It is idempotent.
func (e *Engine) Start() {
	e.mu.Lock()
	if e.started || e.closed {
		e.mu.Unlock()
		return
	}
	e.started = true
	e.mu.Unlock()

	c := e.attachCapture()

	e.mu.Lock()
	if !e.started {
		// Stop ran while observers were being attached.
		e.mu.Unlock()
		c.detach()
		return
	}
	e.capture = c
	e.logger.Info("tracker: started")
	e.mu.Unlock()

	c.scan(e.host.Body())
}

// Stop disconnects DOM observers, drops pending delay timers and cancels
// the pending idle request. Dispatched sends are not cancelled and queued
// items stay queued until the next Start, Track or Flush.
func (e *Engine) Stop() {
	e.mu.Lock()
	if !e.started {
		e.mu.Unlock()
		return
	}
	e.started = false
	c := e.capture
	e.capture = nil
	if e.idlePending {
		e.sched.Cancel(e.idle)
		e.idlePending = false
	}
	e.logger.Info("tracker: stopped")
	e.mu.Unlock()

	if c != nil {
		c.detach()
	}
}

// Close stops the engine and removes the lifetime listeners installed by
// New (error monitoring, page hide). The engine cannot be restarted.
func (e *Engine) Close() {
	e.Stop()
	e.mu.Lock()
	e.closed = true
	offs := e.lifetime
	e.lifetime = nil
	e.mu.Unlock()
	for _, off := range offs {
		off()
	}
}

// UpdateConfig applies fn to a copy of the current config, re-applies
// defaults, validates and swaps it in along with a rebuilt sender. On
// error the current config is kept. Error channel subscriptions made by
// New are not re-evaluated.
func (e *Engine) UpdateConfig(fn func(*Config)) error {
	e.mu.Lock()
	next := e.cfg
	e.mu.Unlock()

	next.ErrorMonitoring.IgnoreErrors = append([]IgnorePattern(nil), next.ErrorMonitoring.IgnoreErrors...)
	fn(&next)
	next.applyDefaults()
	if err := next.Validate(); err != nil {
		return err
	}
	s, err := e.buildSender(next)
	if err != nil {
		return err
	}

	e.mu.Lock()
	e.cfg = next
	e.send = s
	e.logger = e.pageLogger(next)
	e.mu.Unlock()
	return nil
}

// Config returns a copy of the current configuration.
func (e *Engine) Config() Config {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.cfg
}

// Stats returns error counters and queue state.
func (e *Engine) Stats() Stats {
	sid := e.SessionID()
	e.mu.Lock()
	defer e.mu.Unlock()
	return Stats{
		ErrorStats: e.stats,
		QueueSize:  len(e.queue),
		Processing: e.idlePending,
		Started:    e.started,
		SessionID:  sid,
	}
}

// Wait blocks until every dispatched batch has settled or ctx is done.
func (e *Engine) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		e.inflight.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
