package rodhost

import (
	"context"
	"fmt"
	"time"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/proto"
	"github.com/go-rod/stealth"
)

// navigateTimeout bounds navigation and load.
const navigateTimeout = 30 * time.Second

// Tab is an open page with the tracking shim attached.
type Tab struct {
	Page *rod.Page
	Host *Page
	URL  string
}

// OpenTab creates a tab, applies resource blocking, navigates to pageURL,
// waits for load and attaches the shim.
func OpenTab(ctx context.Context, mgr *Manager, pageURL string) (*Tab, error) {
	b := mgr.Browser()
	if b == nil {
		return nil, fmt.Errorf("rodhost: no active browser")
	}
	log := mgr.cfg.Logger

	var page *rod.Page
	var err error
	if mgr.cfg.Stealth {
		page, err = stealth.Page(b)
	} else {
		page, err = b.Page(proto.TargetCreateTarget{URL: ""})
	}
	if err != nil {
		return nil, fmt.Errorf("rodhost: create tab: %w", err)
	}

	if len(mgr.cfg.ResourceBlocking) > 0 {
		if err := applyResourceBlocking(page, mgr.cfg.ResourceBlocking); err != nil {
			log.Warn("rodhost: resource blocking failed", "error", err)
		}
	}

	navCtx, cancel := context.WithTimeout(ctx, navigateTimeout)
	defer cancel()

	if err := page.Context(navCtx).Navigate(pageURL); err != nil {
		page.Close()
		return nil, fmt.Errorf("rodhost: navigate %s: %w", pageURL, err)
	}
	if err := page.Context(navCtx).WaitLoad(); err != nil {
		log.Warn("rodhost: wait load timeout", "url", pageURL, "error", err)
	}

	h, err := Attach(ctx, page, log)
	if err != nil {
		page.Close()
		return nil, err
	}
	return &Tab{Page: page, Host: h, URL: pageURL}, nil
}

// Close detaches the shim and closes the tab.
func (t *Tab) Close() error {
	if t.Host != nil {
		t.Host.Close()
	}
	if t.Page != nil {
		return t.Page.Close()
	}
	return nil
}
