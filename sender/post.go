package sender

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
)

// XHR POSTs JSON with a fixed timeout.
type XHR struct {
	o options
}

// NewXHR returns an xhr sender.
func NewXHR(opts ...Option) *XHR {
	return &XHR{o: buildOptions(opts)}
}

// Send implements Sender.
func (s *XHR) Send(parent context.Context, endpoint string, payload any) (Response, error) {
	ctx, cancel := context.WithTimeout(parent, s.o.xhrTimeout)
	defer cancel()
	return postJSON(parent, ctx, s.o.client, string(KindXHR), endpoint, payload)
}

// Fetch POSTs JSON bound only to the caller's context.
type Fetch struct {
	o options
}

// NewFetch returns a fetch sender.
func NewFetch(opts ...Option) *Fetch {
	return &Fetch{o: buildOptions(opts)}
}

// Send implements Sender.
func (s *Fetch) Send(ctx context.Context, endpoint string, payload any) (Response, error) {
	return postJSON(ctx, ctx, s.o.client, string(KindFetch), endpoint, payload)
}

func postJSON(parent, ctx context.Context, client *http.Client, method, endpoint string, payload any) (Response, error) {
	body, err := marshal(payload)
	if err != nil {
		return Response{}, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return Response{}, fmt.Errorf("sender: %s: new request: %w", method, err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(MarkerHeader, method)

	resp, err := client.Do(req)
	if err != nil {
		return Response{}, classify(parent, ctx, method, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return Response{}, statusError(resp)
	}
	ack, err := io.ReadAll(io.LimitReader(resp.Body, maxScriptBytes))
	if err != nil {
		return Response{}, classify(parent, ctx, method, err)
	}
	return ackBody(method, ack), nil
}
