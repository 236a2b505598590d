// Package sender implements the wire strategies that deliver tracking
// payloads to a collection endpoint.
//
// Four strategies share one contract: jsonp (script-style GET answered by a
// callback wrapper), image (fire-and-forget beacon GET), xhr (POST with a
// fixed timeout) and fetch (POST bound to the caller's context). Only jsonp
// may fall back, and only to one other sender. Nothing here retries.
package sender

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"
)

// Kind selects a strategy.
type Kind string

const (
	KindJSONP Kind = "jsonp"
	KindImage Kind = "image"
	KindXHR   Kind = "xhr"
	KindFetch Kind = "fetch"
)

// Valid reports whether k names a known strategy.
func (k Kind) Valid() bool {
	switch k {
	case KindJSONP, KindImage, KindXHR, KindFetch:
		return true
	}
	return false
}

// Markers identify requests issued by this package. In a page they are set
// as attributes on the injected element; over HTTP they travel as the
// MarkerHeader value.
const (
	MarkerJSONP  = "data-tracking-sdk-jsonp"
	MarkerImage  = "data-tracking-sdk-image"
	MarkerHeader = "X-Tracking-Sdk"
)

// Response is what a successful send resolves with.
type Response struct {
	Success bool            `json:"success"`
	Method  string          `json:"method,omitempty"`
	Note    string          `json:"note,omitempty"`
	Body    json.RawMessage `json:"body,omitempty"`
}

// Sender delivers one payload (an event or a batch) to endpoint.
type Sender interface {
	Send(ctx context.Context, endpoint string, payload any) (Response, error)
}

// Func adapts a function to Sender.
type Func func(ctx context.Context, endpoint string, payload any) (Response, error)

// Send implements Sender.
func (f Func) Send(ctx context.Context, endpoint string, payload any) (Response, error) {
	return f(ctx, endpoint, payload)
}

var (
	// ErrTimeout is returned when a request exceeds its fixed timeout.
	ErrTimeout = errors.New("sender: request timeout")
	// ErrNetwork is returned when the request could not be completed.
	ErrNetwork = errors.New("sender: network error")
	// ErrCallbackNotInvoked is returned when a JSONP response loads
	// without calling the registered callback.
	ErrCallbackNotInvoked = errors.New("sender: jsonp callback not invoked")
)

// StatusError is returned for a non-2xx response.
type StatusError struct {
	Code   int
	Status string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("HTTP %d: %s", e.Code, e.Status)
}

func statusError(resp *http.Response) *StatusError {
	text := http.StatusText(resp.StatusCode)
	if text == "" {
		text = resp.Status
	}
	return &StatusError{Code: resp.StatusCode, Status: text}
}

// Option configures senders built by New and the constructors.
type Option func(*options)

type options struct {
	client        *http.Client
	logger        *slog.Logger
	callbackParam string
	jsonpTimeout  time.Duration
	imageTimeout  time.Duration
	xhrTimeout    time.Duration
	fallback      Sender
	registry      *Registry
	now           func() time.Time
}

func buildOptions(opts []Option) options {
	o := options{
		client:        &http.Client{},
		logger:        slog.Default(),
		callbackParam: "callback",
		jsonpTimeout:  3 * time.Second,
		imageTimeout:  3 * time.Second,
		xhrTimeout:    10 * time.Second,
		now:           time.Now,
	}
	for _, fn := range opts {
		fn(&o)
	}
	if o.registry == nil {
		o.registry = NewRegistry()
	}
	return o
}

// WithClient sets the HTTP client. Its own Timeout, if any, still applies.
func WithClient(c *http.Client) Option { return func(o *options) { o.client = c } }

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option { return func(o *options) { o.logger = l } }

// WithCallbackParam sets the JSONP callback query parameter. Default: callback.
func WithCallbackParam(p string) Option {
	return func(o *options) {
		if p != "" {
			o.callbackParam = p
		}
	}
}

// WithJSONPTimeout sets the JSONP timeout. Default: 3s.
func WithJSONPTimeout(d time.Duration) Option {
	return func(o *options) {
		if d > 0 {
			o.jsonpTimeout = d
		}
	}
}

// WithImageTimeout sets how long the image beacon waits before resolving
// anyway. Default: 3s.
func WithImageTimeout(d time.Duration) Option {
	return func(o *options) {
		if d > 0 {
			o.imageTimeout = d
		}
	}
}

// WithXHRTimeout overrides the xhr timeout. Default: 10s.
func WithXHRTimeout(d time.Duration) Option {
	return func(o *options) {
		if d > 0 {
			o.xhrTimeout = d
		}
	}
}

// WithFallback sets the sender a failed JSONP call is retried through.
func WithFallback(s Sender) Option { return func(o *options) { o.fallback = s } }

// WithRegistry shares a callback registry between JSONP senders.
func WithRegistry(r *Registry) Option { return func(o *options) { o.registry = r } }

// WithNow sets the clock used for cache busters and callback names.
func WithNow(fn func() time.Time) Option { return func(o *options) { o.now = fn } }

// New builds the sender for kind. Options that do not apply to kind are
// ignored.
func New(kind Kind, opts ...Option) (Sender, error) {
	switch kind {
	case KindJSONP:
		return NewJSONP(opts...), nil
	case KindImage:
		return NewImage(opts...), nil
	case KindXHR:
		return NewXHR(opts...), nil
	case KindFetch:
		return NewFetch(opts...), nil
	}
	return nil, fmt.Errorf("sender: unknown kind %q", kind)
}

func marshal(payload any) ([]byte, error) {
	b, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("sender: marshal: %w", err)
	}
	return b, nil
}

// ackBody turns a response body into a Response, tolerating bodies that
// are not JSON.
func ackBody(method string, body []byte) Response {
	if json.Valid(body) {
		return Response{Success: true, Method: method, Body: json.RawMessage(body)}
	}
	return Response{Success: true, Method: method, Note: "non-JSON response"}
}
