// Command spmtrack drives the tracking engine against a live page.
//
// Usage:
//
//	spmtrack -url https://shop.example.com -config spmtrack.yaml
//	spmtrack -url https://shop.example.com -endpoint http://localhost:8086/events -mcp
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/hazyhaar/spmtrack/rodhost"
	"github.com/hazyhaar/spmtrack/scheduler"
	"github.com/hazyhaar/spmtrack/sender"
	"github.com/hazyhaar/spmtrack/tracker"
	"github.com/hazyhaar/spmtrack/watch"
)

func main() {
	configPath := flag.String("config", "", "path to tracker YAML config")
	pageURL := flag.String("url", "", "page to open (required)")
	endpoint := flag.String("endpoint", "", "override the configured collection endpoint")
	logLevel := flag.String("log-level", "info", "log level: debug, info, warn, error")
	serveMCP := flag.Bool("mcp", false, "serve tracker tools over MCP stdio")
	remote := flag.String("remote", "", "CDP websocket URL of a running browser")
	headful := flag.Bool("headful", false, "show the browser window")
	noStealth := flag.Bool("no-stealth", false, "disable stealth page setup")
	block := flag.String("block", "", "comma-separated resource types to block (images,fonts,media,stylesheets)")
	sched := flag.String("scheduler", "page", "idle scheduler: page, idle or timer")
	reload := flag.Bool("watch", false, "reload -config when the file changes")
	flag.Parse()

	var level slog.Level
	switch *logLevel {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}
	// stdout belongs to MCP when -mcp is set.
	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)

	if *pageURL == "" {
		fmt.Fprintln(os.Stderr, "spmtrack: -url is required")
		flag.Usage()
		os.Exit(2)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	opts := runOptions{
		configPath: *configPath,
		pageURL:    *pageURL,
		endpoint:   *endpoint,
		serveMCP:   *serveMCP,
		reload:     *reload,
		scheduler:  *sched,
		browser: rodhost.Config{
			RemoteURL: *remote,
			Headful:   *headful,
			Stealth:   !*noStealth,
			Logger:    logger,
		},
	}
	if *block != "" {
		opts.browser.ResourceBlocking = strings.Split(*block, ",")
	}

	if err := run(ctx, logger, opts); err != nil {
		logger.Error("spmtrack: fatal", "error", err)
		os.Exit(1)
	}
}

type runOptions struct {
	configPath string
	pageURL    string
	endpoint   string
	serveMCP   bool
	reload     bool
	scheduler  string
	browser    rodhost.Config
}

func run(ctx context.Context, logger *slog.Logger, o runOptions) error {
	cfg := tracker.DefaultConfig()
	if o.configPath != "" {
		var err error
		if cfg, err = tracker.LoadConfig(o.configPath); err != nil {
			return err
		}
	}
	if o.endpoint != "" {
		cfg.Endpoint = o.endpoint
	}

	mgr := rodhost.NewManager(o.browser)
	if _, err := mgr.Start(ctx); err != nil {
		return err
	}
	defer mgr.Close()

	tab, err := rodhost.OpenTab(ctx, mgr, o.pageURL)
	if err != nil {
		return err
	}
	defer tab.Close()

	engOpts := []tracker.Option{tracker.WithLogger(logger)}
	switch o.scheduler {
	case "page":
		// The attached page schedules idle work itself.
	case "idle":
		engOpts = append(engOpts, tracker.WithScheduler(scheduler.NewIdle()))
	case "timer":
		engOpts = append(engOpts, tracker.WithScheduler(scheduler.NewFallback(scheduler.Real)))
	default:
		return fmt.Errorf("spmtrack: unknown scheduler %q", o.scheduler)
	}
	if cfg.Sender == sender.KindImage {
		// Beacons are issued by the page so they carry its cookies and referrer.
		engOpts = append(engOpts, tracker.WithSender(tab.Host.NewBeaconSender(0)))
	}

	eng, err := tracker.New(tab.Host, cfg, engOpts...)
	if err != nil {
		return err
	}
	defer eng.Close()
	eng.Start()
	logger.Info("spmtrack: tracking", "url", o.pageURL, "endpoint", cfg.Endpoint,
		"sender", cfg.Sender, "session", eng.SessionID())

	if o.serveMCP {
		srv := mcp.NewServer(&mcp.Implementation{Name: "spmtrack", Version: "1.0.0"}, nil)
		eng.RegisterMCP(srv)
		go func() {
			if err := srv.Run(ctx, &mcp.StdioTransport{}); err != nil && ctx.Err() == nil {
				logger.Error("spmtrack: mcp server", "error", err)
			}
		}()
	}

	if o.reload && o.configPath != "" {
		w := watch.New(watch.FileVersion(o.configPath), watch.Options{
			Interval: time.Second,
			Debounce: 250 * time.Millisecond,
			Logger:   logger,
		})
		go w.OnChange(ctx, func() error { return reloadConfig(eng, o) })
	}

	<-ctx.Done()
	logger.Info("spmtrack: shutting down")

	eng.Flush()
	waitCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := eng.Wait(waitCtx); err != nil {
		logger.Warn("spmtrack: in-flight batches abandoned", "error", err)
	}
	st := eng.Stats()
	logger.Info("spmtrack: done", "queue_size", st.QueueSize, "errors", st.ErrorStats.Total())
	return nil
}

// reloadConfig swaps in the config file's current contents. Hooks are not
// configurable from YAML and the -endpoint override still wins.
func reloadConfig(eng *tracker.Engine, o runOptions) error {
	next, err := tracker.LoadConfig(o.configPath)
	if err != nil {
		return err
	}
	if o.endpoint != "" {
		next.Endpoint = o.endpoint
	}
	return eng.UpdateConfig(func(c *tracker.Config) {
		hooks := c.Hooks
		*c = next
		c.Hooks = hooks
	})
}
