package rodhost

import (
	"context"
	"time"

	"github.com/hazyhaar/spmtrack/sender"
)

// BeaconSender sends payloads as an image beacon created inside the page,
// tagged with sender.MarkerImage so the page's own error monitor can tell
// the request apart from site resources. Like sender.Image it never fails.
type BeaconSender struct {
	p       *Page
	timeout time.Duration
}

// NewBeaconSender returns an in-page image sender. A zero timeout means 3s.
func (p *Page) NewBeaconSender(timeout time.Duration) *BeaconSender {
	if timeout <= 0 {
		timeout = 3 * time.Second
	}
	return &BeaconSender{p: p, timeout: timeout}
}

// Send implements sender.Sender.
func (b *BeaconSender) Send(ctx context.Context, endpoint string, payload any) (sender.Response, error) {
	sent := func(note string) (sender.Response, error) {
		return sender.Response{Success: true, Method: string(sender.KindImage), Note: note}, nil
	}

	src, err := sender.BeaconURL(endpoint, payload, time.Now())
	if err != nil {
		b.p.logger.Warn("rodhost: beacon", "error", err)
		return sent("src not set")
	}

	p := b.p
	ch := make(chan string, 1)
	p.mu.Lock()
	p.nextID++
	h := p.nextID
	p.beacons[h] = ch
	p.mu.Unlock()
	defer func() {
		p.mu.Lock()
		delete(p.beacons, h)
		p.mu.Unlock()
	}()

	if err := p.call(nil, "beacon", h, src, sender.MarkerImage, b.timeout.Milliseconds()); err != nil {
		p.logger.Warn("rodhost: beacon not created", "error", err)
		return sent("src not set")
	}

	// The shim resolves on its own timer; this one only guards a page that
	// went away.
	wait := time.NewTimer(b.timeout + time.Second)
	defer wait.Stop()
	select {
	case note := <-ch:
		return sent(note)
	case <-ctx.Done():
		return sent("Request aborted (data sent)")
	case <-wait.C:
		return sent("Request sent (timeout)")
	}
}

var _ sender.Sender = (*BeaconSender)(nil)
