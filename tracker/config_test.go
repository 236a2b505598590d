package tracker

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/hazyhaar/spmtrack/host"
	"github.com/hazyhaar/spmtrack/host/hosttest"
	"github.com/hazyhaar/spmtrack/sender"
)

func TestParseConfig_Empty(t *testing.T) {
	cfg, err := ParseConfig(nil)
	if err != nil {
		t.Fatal(err)
	}
	d := DefaultConfig()
	if cfg.Endpoint != d.Endpoint || cfg.Sender != sender.KindJSONP || cfg.IdleBatchSize != 5 {
		t.Fatalf("defaults: %+v", cfg)
	}
	em := cfg.ErrorMonitoring
	if !em.Enabled || !em.CaptureJSErrors || !em.CapturePromiseRejections || em.CaptureResourceErrors {
		t.Fatalf("error monitoring defaults: %+v", em)
	}
	if em.MaxErrorsPerSession != 50 || em.ErrorSamplingRate != 1 {
		t.Fatalf("error budget defaults: %+v", em)
	}
	if cfg.JSONP.CallbackParam != "callback" || cfg.JSONP.Timeout != 3*time.Second {
		t.Fatalf("jsonp defaults: %+v", cfg.JSONP)
	}
}

func TestParseConfig_Full(t *testing.T) {
	data := []byte(`
endpoint: https://collect.example.com/t
sender: image
fallback_sender: true
idle_batch_size: 10
log_to_page: true
jsonp:
  callback_param: cb
  timeout: 2s
error_monitoring:
  capture_resource_errors: true
  max_errors_per_session: 5
  error_sampling_rate: 0.25
  ignore_errors:
    - "Script error"
    - "/^Resize.*loop/"
`)
	cfg, err := ParseConfig(data)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Endpoint != "https://collect.example.com/t" || cfg.Sender != sender.KindImage || !cfg.FallbackSender {
		t.Fatalf("top level: %+v", cfg)
	}
	if cfg.IdleBatchSize != 10 || !cfg.LogToPage {
		t.Fatalf("batch/log: %+v", cfg)
	}
	if cfg.JSONP.CallbackParam != "cb" || cfg.JSONP.Timeout != 2*time.Second {
		t.Fatalf("jsonp: %+v", cfg.JSONP)
	}
	em := cfg.ErrorMonitoring
	if !em.Enabled || !em.CaptureResourceErrors || em.MaxErrorsPerSession != 5 || em.ErrorSamplingRate != 0.25 {
		t.Fatalf("error monitoring: %+v", em)
	}
	if len(em.IgnoreErrors) != 2 {
		t.Fatalf("ignore patterns: %v", em.IgnoreErrors)
	}
	if em.IgnoreErrors[0].Regexp != nil || em.IgnoreErrors[0].Substring != "Script error" {
		t.Fatalf("substring pattern: %+v", em.IgnoreErrors[0])
	}
	re := em.IgnoreErrors[1]
	if re.Regexp == nil || !re.Match("ResizeObserver loop limit") || re.Match("a ResizeObserver loop") {
		t.Fatalf("regexp pattern: %v", re)
	}
	if re.String() != "/^Resize.*loop/" {
		t.Fatalf("pattern string: %q", re.String())
	}
}

func TestParseConfig_Rejects(t *testing.T) {
	tests := []struct {
		name string
		data string
	}{
		{"unknown key", "endpoint: https://a.example/t\nverbose: true\n"},
		{"bad scheme", "endpoint: ftp://a.example/t\n"},
		{"bad sender", "sender: carrier-pigeon\n"},
		{"negative batch", "idle_batch_size: -3\n"},
		{"rate above one", "error_monitoring:\n  error_sampling_rate: 1.5\n"},
		{"negative budget", "error_monitoring:\n  max_errors_per_session: -1\n"},
		{"bad regexp", "error_monitoring:\n  ignore_errors: [\"/(/\"]\n"},
		{"empty pattern", "error_monitoring:\n  ignore_errors: [\"\"]\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseConfig([]byte(tt.data))
			if !errors.Is(err, ErrInvalidConfig) {
				t.Fatalf("err: got %v, want ErrInvalidConfig", err)
			}
		})
	}
}

func TestLoadConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "spmtrack.yaml")
	if err := os.WriteFile(path, []byte("sender: fetch\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Sender != sender.KindFetch {
		t.Fatalf("sender: %q", cfg.Sender)
	}

	if _, err := LoadConfig(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Fatal("expected error for missing file")
	}
}

func TestIgnorePattern_Match(t *testing.T) {
	if Substring("").Match("anything") {
		t.Fatal("empty substring must not match")
	}
	if !Substring("loop").Match("ResizeObserver loop") {
		t.Fatal("substring should match")
	}
}

func TestNew_LiteralConfigGetsErrorMonitoringDefaults(t *testing.T) {
	page := hosttest.MustNew(t, "<body></body>")
	eng, err := New(page, Config{Endpoint: "https://collect.example.com/t"},
		WithSender(&spySender{}), WithRand(func() float64 { return 0.5 }))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(eng.Close)

	em := eng.Config().ErrorMonitoring
	d := DefaultConfig().ErrorMonitoring
	if em.Enabled != d.Enabled || em.CaptureJSErrors != d.CaptureJSErrors ||
		em.MaxErrorsPerSession != d.MaxErrorsPerSession || em.ErrorSamplingRate != d.ErrorSamplingRate {
		t.Fatalf("error monitoring: got %+v, want defaults", em)
	}
	page.FireError(host.ScriptError{Message: "boom"})
	if got := eng.Stats().ErrorStats.JSErrors; got != 1 {
		t.Fatalf("js errors: got %d, want 1", got)
	}
}

func TestApplyDefaults_KeepsExplicitErrorMonitoring(t *testing.T) {
	keep := Substring("noise")
	tests := []struct {
		name string
		in   ErrorMonitoringConfig
		want ErrorMonitoringConfig
	}{
		{"unset keeps patterns", ErrorMonitoringConfig{IgnoreErrors: []IgnorePattern{keep}},
			func() ErrorMonitoringConfig {
				d := DefaultConfig().ErrorMonitoring
				d.IgnoreErrors = []IgnorePattern{keep}
				return d
			}()},
		{"disabled only", ErrorMonitoringConfig{MaxErrorsPerSession: 10, ErrorSamplingRate: 1},
			ErrorMonitoringConfig{MaxErrorsPerSession: 10, ErrorSamplingRate: 1}},
		{"zero rate with budget", ErrorMonitoringConfig{Enabled: true, MaxErrorsPerSession: 3},
			ErrorMonitoringConfig{Enabled: true, MaxErrorsPerSession: 3}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := Config{ErrorMonitoring: tt.in}
			c.applyDefaults()
			got := c.ErrorMonitoring
			if got.Enabled != tt.want.Enabled || got.CaptureJSErrors != tt.want.CaptureJSErrors ||
				got.CapturePromiseRejections != tt.want.CapturePromiseRejections ||
				got.MaxErrorsPerSession != tt.want.MaxErrorsPerSession ||
				got.ErrorSamplingRate != tt.want.ErrorSamplingRate ||
				len(got.IgnoreErrors) != len(tt.want.IgnoreErrors) {
				t.Fatalf("got %+v, want %+v", got, tt.want)
			}
		})
	}
}
