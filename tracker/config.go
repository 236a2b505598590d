package tracker

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"net/url"
	"os"
	"regexp"
	"strings"
	"time"

	"github.com/hazyhaar/spmtrack/sender"
	"gopkg.in/yaml.v3"
)

// ErrInvalidConfig wraps every configuration validation failure.
var ErrInvalidConfig = errors.New("tracker: invalid config")

// Config is the engine configuration. Zero fields take their documented
// defaults; an error_monitoring block left entirely at zero takes the
// default block.
type Config struct {
	Endpoint        string                `yaml:"endpoint"`
	Sender          sender.Kind           `yaml:"sender"`
	JSONP           JSONPConfig           `yaml:"jsonp"`
	ErrorMonitoring ErrorMonitoringConfig `yaml:"error_monitoring"`
	FallbackSender  bool                  `yaml:"fallback_sender"`
	IdleBatchSize   int                   `yaml:"idle_batch_size"`
	LogToPage       bool                  `yaml:"log_to_page"`

	Hooks Hooks `yaml:"-"`
}

// JSONPConfig configures the jsonp sender.
type JSONPConfig struct {
	CallbackParam string        `yaml:"callback_param"`
	Timeout       time.Duration `yaml:"timeout"`
}

// ErrorMonitoringConfig configures the error monitor.
type ErrorMonitoringConfig struct {
	Enabled                  bool            `yaml:"enabled"`
	CaptureJSErrors          bool            `yaml:"capture_js_errors"`
	CapturePromiseRejections bool            `yaml:"capture_promise_rejections"`
	CaptureResourceErrors    bool            `yaml:"capture_resource_errors"`
	MaxErrorsPerSession      int             `yaml:"max_errors_per_session"`
	ErrorSamplingRate        float64         `yaml:"error_sampling_rate"`
	IgnoreErrors             []IgnorePattern `yaml:"ignore_errors"`

	// BeforeErrorSend sees the raw error event before session and
	// environment data are merged. Returning false drops it.
	BeforeErrorSend func(Event) (Event, bool) `yaml:"-"`
}

// Hooks are user transforms and lifecycle callbacks. Nil hooks are skipped.
type Hooks struct {
	// DataProcessor rewrites every built event.
	DataProcessor func(Event) Event
	// BeforeSend runs at enqueue time. Returning false drops the event.
	BeforeSend func(Event) (Event, bool)
	// AfterSend runs once per event of a delivered batch.
	AfterSend func(sender.Response, Event)
	// OnError runs once per event of a failed batch.
	OnError func(error, Event)
}

// DefaultConfig returns the documented defaults.
func DefaultConfig() Config {
	return Config{
		Endpoint: "https://example.com/track",
		Sender:   sender.KindJSONP,
		JSONP: JSONPConfig{
			CallbackParam: "callback",
			Timeout:       3 * time.Second,
		},
		ErrorMonitoring: ErrorMonitoringConfig{
			Enabled:                  true,
			CaptureJSErrors:          true,
			CapturePromiseRejections: true,
			CaptureResourceErrors:    false,
			MaxErrorsPerSession:      50,
			ErrorSamplingRate:        1.0,
		},
		FallbackSender: false,
		IdleBatchSize:  5,
		LogToPage:      false,
	}
}

// LoadConfig reads a YAML file over DefaultConfig.
func LoadConfig(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("tracker: read config: %w", err)
	}
	return ParseConfig(data)
}

// ParseConfig decodes YAML over DefaultConfig. Unknown keys are rejected.
func ParseConfig(data []byte) (Config, error) {
	cfg := DefaultConfig()
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil && !errors.Is(err, io.EOF) {
		return Config{}, fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}
	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// applyDefaults fills fields whose zero value is never meaningful.
func (c *Config) applyDefaults() {
	d := DefaultConfig()
	if c.Endpoint == "" {
		c.Endpoint = d.Endpoint
	}
	if c.Sender == "" {
		c.Sender = d.Sender
	}
	if c.JSONP.CallbackParam == "" {
		c.JSONP.CallbackParam = d.JSONP.CallbackParam
	}
	if c.JSONP.Timeout == 0 {
		c.JSONP.Timeout = d.JSONP.Timeout
	}
	if c.IdleBatchSize == 0 {
		c.IdleBatchSize = d.IdleBatchSize
	}
	if c.ErrorMonitoring.unset() {
		em := d.ErrorMonitoring
		em.IgnoreErrors = c.ErrorMonitoring.IgnoreErrors
		em.BeforeErrorSend = c.ErrorMonitoring.BeforeErrorSend
		c.ErrorMonitoring = em
	}
}

// unset reports a block with every switch and limit at its zero value,
// as in a Config literal that never mentions error monitoring. Disabling
// is done with Enabled false on top of the defaults.
func (m ErrorMonitoringConfig) unset() bool {
	return !m.Enabled && !m.CaptureJSErrors && !m.CapturePromiseRejections &&
		!m.CaptureResourceErrors && m.MaxErrorsPerSession == 0 && m.ErrorSamplingRate == 0
}

// Validate reports the first invalid field.
func (c Config) Validate() error {
	u, err := url.Parse(c.Endpoint)
	switch {
	case c.Endpoint == "":
		return fmt.Errorf("%w: endpoint is empty", ErrInvalidConfig)
	case err != nil:
		return fmt.Errorf("%w: endpoint: %v", ErrInvalidConfig, err)
	case u.Scheme != "http" && u.Scheme != "https":
		return fmt.Errorf("%w: endpoint scheme %q", ErrInvalidConfig, u.Scheme)
	case !c.Sender.Valid():
		return fmt.Errorf("%w: unknown sender %q", ErrInvalidConfig, c.Sender)
	case c.JSONP.Timeout <= 0:
		return fmt.Errorf("%w: jsonp timeout must be positive", ErrInvalidConfig)
	case c.IdleBatchSize < 1:
		return fmt.Errorf("%w: idle_batch_size must be >= 1, got %d", ErrInvalidConfig, c.IdleBatchSize)
	case c.ErrorMonitoring.MaxErrorsPerSession < 0:
		return fmt.Errorf("%w: max_errors_per_session is negative", ErrInvalidConfig)
	case c.ErrorMonitoring.ErrorSamplingRate < 0 || c.ErrorMonitoring.ErrorSamplingRate > 1:
		return fmt.Errorf("%w: error_sampling_rate %v outside [0,1]", ErrInvalidConfig, c.ErrorMonitoring.ErrorSamplingRate)
	}
	for _, p := range c.ErrorMonitoring.IgnoreErrors {
		if p.Substring == "" && p.Regexp == nil {
			return fmt.Errorf("%w: empty ignore pattern", ErrInvalidConfig)
		}
	}
	return nil
}

// IgnorePattern matches error messages by substring or regular expression.
// In YAML, /expr/ is a regular expression and anything else a substring.
type IgnorePattern struct {
	Substring string
	Regexp    *regexp.Regexp
}

// Substring returns a pattern matching messages containing s.
func Substring(s string) IgnorePattern { return IgnorePattern{Substring: s} }

// Pattern returns a pattern matching messages re matches.
func Pattern(re *regexp.Regexp) IgnorePattern { return IgnorePattern{Regexp: re} }

// Match reports whether msg is ignored.
func (p IgnorePattern) Match(msg string) bool {
	if p.Regexp != nil {
		return p.Regexp.MatchString(msg)
	}
	return p.Substring != "" && strings.Contains(msg, p.Substring)
}

// String renders the pattern in its YAML form.
func (p IgnorePattern) String() string {
	if p.Regexp != nil {
		return "/" + p.Regexp.String() + "/"
	}
	return p.Substring
}

// UnmarshalYAML implements yaml.Unmarshaler.
func (p *IgnorePattern) UnmarshalYAML(n *yaml.Node) error {
	var s string
	if err := n.Decode(&s); err != nil {
		return err
	}
	if len(s) >= 2 && s[0] == '/' && s[len(s)-1] == '/' {
		re, err := regexp.Compile(s[1 : len(s)-1])
		if err != nil {
			return fmt.Errorf("ignore pattern %q: %w", s, err)
		}
		*p = Pattern(re)
		return nil
	}
	*p = Substring(s)
	return nil
}
