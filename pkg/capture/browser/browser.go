// Package browser drives the headless Chrome a capture renders pages in.
// The browser is pointed at the recording proxy, so everything it loads
// lands in the capture's WARC as a side effect of rendering.
package browser

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/chromedp/chromedp"

	"github.com/permacap/permacap/internal/logger"
)

// Initial window dimensions the rendering pipeline is tuned for.
const (
	defaultWidth  = 1024
	defaultHeight = 800
)

// ErrStillLoading is returned by AwaitLoad when the onload budget lapses
// with the navigation still in flight. The load keeps going in the
// background; the page is usable in whatever state it has reached.
var ErrStillLoading = errors.New("page still loading")

// Options configures a browser instance for one capture.
type Options struct {
	// UserAgent presented by the browser. Empty keeps Chrome's default.
	UserAgent string

	// ProxyAddr routes all page traffic through the recording proxy.
	ProxyAddr string

	// PageLoadTimeout bounds the whole navigation. Defaults to 30s.
	PageLoadTimeout time.Duration

	// EvalTimeout bounds liveness probes. Defaults to 2s.
	EvalTimeout time.Duration
}

// Chrome is a headless browser bound to one capture.
//
// Navigation runs in the background so DOM inspection can start while the
// page is still loading; AwaitLoad joins the load event. Every operation
// is best effort: a dead browser makes them fail fast, never hang.
type Chrome struct {
	opts Options

	ctx         context.Context
	cancel      context.CancelFunc
	allocCancel context.CancelFunc

	navOnce sync.Once
	navCh   chan error

	mu      sync.Mutex
	navDone bool
	navErr  error
}

// New launches a headless Chrome with certificate checks disabled and all
// traffic routed through opts.ProxyAddr.
func New(ctx context.Context, opts Options) (*Chrome, error) {
	if opts.PageLoadTimeout <= 0 {
		opts.PageLoadTimeout = 30 * time.Second
	}
	if opts.EvalTimeout <= 0 {
		opts.EvalTimeout = 2 * time.Second
	}

	allocOpts := append(chromedp.DefaultExecAllocatorOptions[:],
		chromedp.WindowSize(defaultWidth, defaultHeight),
		chromedp.Flag("disable-gpu", true),
		chromedp.Flag("no-sandbox", true),
		chromedp.Flag("hide-scrollbars", true),
		chromedp.Flag("ignore-certificate-errors", true),
	)
	if opts.UserAgent != "" {
		allocOpts = append(allocOpts, chromedp.UserAgent(opts.UserAgent))
	}
	if opts.ProxyAddr != "" {
		allocOpts = append(allocOpts, chromedp.ProxyServer(opts.ProxyAddr))
	}

	allocCtx, allocCancel := chromedp.NewExecAllocator(ctx, allocOpts...)
	browserCtx, cancel := chromedp.NewContext(allocCtx,
		chromedp.WithErrorf(func(format string, args ...any) {
			logger.Debug(fmt.Sprintf("chromedp: "+format, args...))
		}))

	// Run with no actions launches the process, so startup failures
	// surface here instead of on the first page operation.
	if err := chromedp.Run(browserCtx); err != nil {
		cancel()
		allocCancel()
		return nil, fmt.Errorf("failed to launch browser: %w", err)
	}

	return &Chrome{
		opts:        opts,
		ctx:         browserCtx,
		cancel:      cancel,
		allocCancel: allocCancel,
		navCh:       make(chan error, 1),
	}, nil
}

// Navigate starts loading url in the background. Call once per instance;
// later calls are no-ops.
func (c *Chrome) Navigate(url string) {
	c.navOnce.Do(func() {
		go func() {
			navCtx, cancel := context.WithTimeout(c.ctx, c.opts.PageLoadTimeout)
			defer cancel()
			c.navCh <- chromedp.Run(navCtx, chromedp.Navigate(url))
		}()
	})
}

// AwaitLoad waits up to d for the onload event of the navigation started
// by Navigate. Returns ErrStillLoading when the budget lapses first, or
// the navigation's own error once it finishes.
func (c *Chrome) AwaitLoad(d time.Duration) error {
	c.mu.Lock()
	if c.navDone {
		err := c.navErr
		c.mu.Unlock()
		return err
	}
	c.mu.Unlock()

	select {
	case err := <-c.navCh:
		c.mu.Lock()
		c.navDone, c.navErr = true, err
		c.mu.Unlock()
		return err
	case <-time.After(d):
		return ErrStillLoading
	}
}

// Alive reports whether the browser still responds to commands. A crashed
// or wedged browser returns false.
func (c *Chrome) Alive() bool {
	if c.ctx.Err() != nil {
		return false
	}
	ctx, cancel := context.WithTimeout(c.ctx, c.opts.EvalTimeout)
	defer cancel()
	var one int
	return chromedp.Run(ctx, chromedp.Evaluate("1", &one)) == nil
}

// Close quits the browser and releases the launcher.
func (c *Chrome) Close() {
	if err := chromedp.Cancel(c.ctx); err != nil {
		logger.Debug("Browser close was not clean", logger.Err(err))
	}
	c.cancel()
	c.allocCancel()
}

// run executes chromedp actions against the browser, carrying over the
// caller's deadline when it has one.
func (c *Chrome) run(ctx context.Context, actions ...chromedp.Action) error {
	runCtx := c.ctx
	cancel := context.CancelFunc(func() {})
	if deadline, ok := ctx.Deadline(); ok {
		runCtx, cancel = context.WithDeadline(c.ctx, deadline)
	}
	defer cancel()
	return chromedp.Run(runCtx, actions...)
}
