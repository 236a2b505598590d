package tracker

import (
	"regexp"
	"sync"
	"testing"

	"github.com/hazyhaar/spmtrack/host"
)

func TestErrors_BudgetCapsCapture(t *testing.T) {
	h := newHarness(t, "<body></body>", nil)

	for range 60 {
		h.page.FireError(host.ScriptError{Message: "boom", Filename: "app.js", Lineno: 3, Colno: 7})
	}

	st := h.eng.Stats()
	if st.ErrorStats.JSErrors != 50 || st.ErrorStats.Total() != 50 {
		t.Fatalf("error stats: %+v", st.ErrorStats)
	}
	if got := len(h.flush(t)); got != 50 {
		t.Fatalf("error events: got %d, want 50", got)
	}
}

func TestErrors_BudgetHoldsUnderConcurrency(t *testing.T) {
	h := newHarness(t, "<body></body>", func(c *Config) {
		c.ErrorMonitoring.MaxErrorsPerSession = 10
	})

	var wg sync.WaitGroup
	for range 8 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for range 10 {
				h.page.FireError(host.ScriptError{Message: "x"})
				h.page.FireRejection(host.Rejection{Reason: "y"})
			}
		}()
	}
	wg.Wait()

	if got := h.eng.Stats().ErrorStats.Total(); got != 10 {
		t.Fatalf("captured: got %d, want 10", got)
	}
}

func TestErrors_Sampling(t *testing.T) {
	tests := []struct {
		name string
		rate float64
		draw float64
		want int
	}{
		{"none with zero draw", 0, 0, 0},
		{"none", 0, 0.5, 0},
		{"all", 1, 0.5, 5},
		{"all with top draw", 1, 0.9999, 5},
		{"half below", 0.5, 0.49, 5},
		{"half at rate", 0.5, 0.5, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t, "<body></body>", func(c *Config) {
				c.ErrorMonitoring.ErrorSamplingRate = tt.rate
			})
			h.eng.rand = func() float64 { return tt.draw }
			for range 5 {
				h.page.FireError(host.ScriptError{Message: "boom"})
			}
			if got := len(h.flush(t)); got != tt.want {
				t.Fatalf("sampled events: got %d, want %d", got, tt.want)
			}
			if got := h.eng.Stats().ErrorStats.Total(); got != tt.want {
				t.Fatalf("counted: got %d, want %d", got, tt.want)
			}
		})
	}
}

func TestErrors_IgnorePatterns(t *testing.T) {
	h := newHarness(t, "<body></body>", func(c *Config) {
		c.ErrorMonitoring.IgnoreErrors = []IgnorePattern{
			Substring("Script error"),
			Pattern(regexp.MustCompile(`^ResizeObserver`)),
		}
	})
	h.page.FireError(host.ScriptError{Message: "Script error."})
	h.page.FireError(host.ScriptError{Message: "ResizeObserver loop limit exceeded"})
	h.page.FireError(host.ScriptError{Message: "TypeError: x is undefined"})

	events := h.flush(t)
	if len(events) != 1 || events[0].Message != "TypeError: x is undefined" {
		t.Fatalf("events: %+v", events)
	}
}

func TestErrors_EventShape(t *testing.T) {
	h := newHarness(t, "<body></body>", nil)
	h.page.FireError(host.ScriptError{Message: "boom", Filename: "app.js", Lineno: 3, Colno: 7, Stack: "at f"})
	h.page.FireRejection(host.Rejection{})

	events := h.flush(t)
	if len(events) != 2 {
		t.Fatalf("events: got %d", len(events))
	}
	js, rej := events[0], events[1]
	if js.Category != CategoryError || js.Type != ErrorJavaScript || js.Trigger != "" {
		t.Fatalf("js error: %+v", js)
	}
	if js.Filename != "app.js" || js.Lineno != 3 || js.Colno != 7 || js.Stack != "at f" {
		t.Fatalf("js error location: %+v", js.ErrorInfo)
	}
	if js.SessionID != h.eng.SessionID() || js.Page == nil || js.User == nil {
		t.Fatalf("js error context: %+v", js)
	}
	if js.UserAgent != "Mozilla/5.0 (hosttest)" {
		t.Fatalf("user agent: %q", js.UserAgent)
	}
	if rej.Type != ErrorPromiseRejection || rej.Message != "Unknown reason" {
		t.Fatalf("rejection: %+v", rej.ErrorInfo)
	}
	if st := h.eng.Stats().ErrorStats; st.LastErrorTime != epoch.UnixMilli() {
		t.Fatalf("last error time: %d", st.LastErrorTime)
	}
}

func TestErrors_ResourceSkipsOwnTransport(t *testing.T) {
	h := newHarness(t, `<body>
		<script id="own" data-tracking-sdk-jsonp src="https://collect.example.com/track?callback=x"></script>
		<img id="pixel" data-tracking-sdk-image src="https://collect.example.com/track?t=1">
		<img id="hero" src="/img/hero.png">
		<link id="css" rel="stylesheet" href="/site.css">
	</body>`, func(c *Config) {
		c.ErrorMonitoring.CaptureResourceErrors = true
	})

	for _, id := range []string{"#own", "#pixel", "#hero", "#css"} {
		h.page.FireResourceError(h.find(t, id))
	}

	events := h.flush(t)
	if len(events) != 2 {
		t.Fatalf("resource events: got %d, want 2", len(events))
	}
	img, css := events[0], events[1]
	if img.Type != ErrorResource || img.Message != "Failed to load img" || img.TagName != "img" || img.Source != "/img/hero.png" {
		t.Fatalf("img: %+v", img.ErrorInfo)
	}
	if css.TagName != "link" || css.Source != "/site.css" {
		t.Fatalf("link: %+v", css.ErrorInfo)
	}
}

func TestErrors_ChannelsDisabled(t *testing.T) {
	h := newHarness(t, "<body><img id='i' src='/a.png'></body>", func(c *Config) {
		c.ErrorMonitoring.Enabled = false
		c.ErrorMonitoring.CaptureResourceErrors = true
	})
	h.page.FireError(host.ScriptError{Message: "boom"})
	h.page.FireResourceError(h.find(t, "#i"))
	if got := len(h.flush(t)); got != 0 {
		t.Fatalf("captured with monitoring disabled: %d", got)
	}
	if got := h.page.Listeners(); got != 1 {
		t.Fatalf("listeners: got %d, want only the page-hide listener", got)
	}
}

func TestErrors_BeforeErrorSend(t *testing.T) {
	var sawSession string
	h := newHarness(t, "<body></body>", func(c *Config) {
		c.ErrorMonitoring.BeforeErrorSend = func(ev Event) (Event, bool) {
			sawSession = ev.SessionID
			if ev.Message == "drop me" {
				return ev, false
			}
			ev.Stack = "redacted"
			return ev, true
		}
	})
	h.page.FireError(host.ScriptError{Message: "drop me"})
	h.page.FireError(host.ScriptError{Message: "keep me", Stack: "secret"})

	events := h.flush(t)
	if len(events) != 1 || events[0].Stack != "redacted" {
		t.Fatalf("events: %+v", events)
	}
	if sawSession != "" {
		t.Fatalf("beforeErrorSend saw merged session %q", sawSession)
	}
	if events[0].SessionID == "" {
		t.Fatal("session not merged after beforeErrorSend")
	}
}
