package sender

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"
)

// Image sends payloads as a beacon GET: data=<escaped JSON>&t=<ms>.
// The server cannot answer over this channel, so every outcome resolves as
// sent.
type Image struct {
	o options
}

// NewImage returns an image beacon sender.
func NewImage(opts ...Option) *Image {
	return &Image{o: buildOptions(opts)}
}

// BeaconURL builds the image beacon target for payload. The JSON is
// escaped before it becomes a query value, so it arrives escaped twice.
func BeaconURL(endpoint string, payload any, now time.Time) (string, error) {
	data, err := marshal(payload)
	if err != nil {
		return "", err
	}
	return withQuery(endpoint, url.Values{
		"data": {url.QueryEscape(string(data))},
		"t":    {strconv.FormatInt(now.UnixMilli(), 10)},
	})
}

// Send implements Sender. It never returns an error.
func (s *Image) Send(parent context.Context, endpoint string, payload any) (Response, error) {
	sent := func(note string) (Response, error) {
		return Response{Success: true, Method: string(KindImage), Note: note}, nil
	}

	target, err := BeaconURL(endpoint, payload, s.o.now())
	if err != nil {
		s.o.logger.Warn("sender: image beacon", "error", err)
		return sent("src not set")
	}

	ctx, cancel := context.WithTimeout(parent, s.o.imageTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return sent("src not set")
	}
	req.Header.Set(MarkerHeader, string(KindImage))
	req.Header.Set("Accept", "image/avif,image/webp,image/png,image/*;q=0.8")
	req.Header.Set("Sec-Fetch-Dest", "image")

	resp, err := s.o.client.Do(req)
	switch {
	case err != nil && parent.Err() != nil:
		return sent("Request aborted (data sent)")
	case err != nil && errors.Is(ctx.Err(), context.DeadlineExceeded):
		return sent("Request sent (timeout)")
	case err != nil:
		return sent("Image request completed (data sent)")
	}
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, maxScriptBytes))
	resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return sent("Image request completed (data sent)")
	}
	return sent("")
}
