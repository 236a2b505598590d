package sender

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sync"

	"github.com/hazyhaar/spmtrack/idgen"
)

// maxScriptBytes bounds a JSONP response body.
const maxScriptBytes = 1 << 20

// Registry is the table of live JSONP callbacks, keyed by their unique
// per-call name. Entries exist only while a call is in flight.
type Registry struct {
	mu      sync.Mutex
	pending map[string]func(json.RawMessage)
}

// NewRegistry returns an empty Registry.
func NewRegistry() *Registry {
	return &Registry{pending: make(map[string]func(json.RawMessage))}
}

// Register installs fn under name and returns its release function.
func (r *Registry) Register(name string, fn func(json.RawMessage)) (release func()) {
	r.mu.Lock()
	r.pending[name] = fn
	r.mu.Unlock()
	return func() {
		r.mu.Lock()
		delete(r.pending, name)
		r.mu.Unlock()
	}
}

// Invoke calls the callback registered under name. It reports false when
// no such callback is live.
func (r *Registry) Invoke(name string, arg json.RawMessage) bool {
	r.mu.Lock()
	fn, ok := r.pending[name]
	r.mu.Unlock()
	if ok {
		fn(arg)
	}
	return ok
}

// Pending returns the number of live callbacks.
func (r *Registry) Pending() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.pending)
}

// JSONP sends payloads as a GET whose response must call back a uniquely
// named function: name({...}).
type JSONP struct {
	o options
}

// NewJSONP returns a JSONP sender.
func NewJSONP(opts ...Option) *JSONP {
	return &JSONP{o: buildOptions(opts)}
}

// Registry returns the callback registry used by s.
func (s *JSONP) Registry() *Registry { return s.o.registry }

// Send implements Sender. On failure the payload goes once through the
// fallback sender when one is configured, unless ctx itself is done.
func (s *JSONP) Send(ctx context.Context, endpoint string, payload any) (Response, error) {
	resp, err := s.call(ctx, endpoint, payload)
	if err == nil {
		return resp, nil
	}
	if s.o.fallback == nil || ctx.Err() != nil {
		return Response{}, err
	}
	s.o.logger.Warn("sender: jsonp failed, falling back", "endpoint", endpoint, "error", err)
	return s.o.fallback.Send(ctx, endpoint, payload)
}

func (s *JSONP) call(parent context.Context, endpoint string, payload any) (Response, error) {
	data, err := marshal(payload)
	if err != nil {
		return Response{}, err
	}

	name := idgen.Callback(s.o.now().UnixMilli())
	result := make(chan json.RawMessage, 1)
	release := s.o.registry.Register(name, func(arg json.RawMessage) {
		select {
		case result <- arg:
		default:
		}
	})
	defer release()

	q := url.Values{}
	q.Set("data", string(data))
	q.Set(s.o.callbackParam, name)
	target, err := withQuery(endpoint, q)
	if err != nil {
		return Response{}, err
	}

	ctx, cancel := context.WithTimeout(parent, s.o.jsonpTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return Response{}, fmt.Errorf("sender: jsonp: new request: %w", err)
	}
	req.Header.Set(MarkerHeader, string(KindJSONP))
	req.Header.Set("Accept", "text/javascript, application/javascript, */*")

	resp, err := s.o.client.Do(req)
	if err != nil {
		return Response{}, classify(parent, ctx, "jsonp", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return Response{}, statusError(resp)
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, maxScriptBytes))
	if err != nil {
		return Response{}, classify(parent, ctx, "jsonp", err)
	}

	runScript(s.o.registry, body)

	select {
	case arg := <-result:
		return Response{Success: true, Method: string(KindJSONP), Body: arg}, nil
	default:
		return Response{}, ErrCallbackNotInvoked
	}
}

// runScript executes the only statement shape a JSONP endpoint returns:
// an optional /**/ guard, then name(<json>) with an optional semicolon.
func runScript(reg *Registry, body []byte) {
	body = bytes.TrimSpace(body)
	body = bytes.TrimPrefix(body, []byte("/**/"))
	body = bytes.TrimSpace(bytes.TrimSuffix(body, []byte(";")))
	open := bytes.IndexByte(body, '(')
	if open <= 0 || body[len(body)-1] != ')' {
		return
	}
	name := string(bytes.TrimSpace(body[:open]))
	arg := bytes.TrimSpace(body[open+1 : len(body)-1])
	if len(arg) == 0 {
		arg = []byte("null")
	}
	if !json.Valid(arg) {
		return
	}
	reg.Invoke(name, json.RawMessage(arg))
}

func withQuery(endpoint string, vals url.Values) (string, error) {
	u, err := url.Parse(endpoint)
	if err != nil {
		return "", fmt.Errorf("sender: endpoint: %w", err)
	}
	q := u.Query()
	for k, vs := range vals {
		q[k] = vs
	}
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// classify maps a transport error to ErrTimeout when the sender's own
// deadline fired, and to ErrNetwork otherwise.
func classify(parent, ctx context.Context, method string, err error) error {
	if parent.Err() != nil {
		return fmt.Errorf("sender: %s: %w", method, parent.Err())
	}
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return fmt.Errorf("sender: %s: %w", method, ErrTimeout)
	}
	return fmt.Errorf("sender: %s: %w: %v", method, ErrNetwork, err)
}
