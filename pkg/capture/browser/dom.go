package browser

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/chromedp/cdproto/dom"
	"github.com/chromedp/chromedp"
)

// ErrPageTooLarge is returned by Screenshot when the page exceeds the
// pixel budget.
var ErrPageTooLarge = errors.New("page too large to screenshot")

const outerHTMLScript = `document.documentElement.outerHTML`

// scrollScript scrolls down the page in window-height jumps, each in a
// setTimeout with a 50ms delay so the browser has time to render at every
// position, then scrolls back to the top. It returns how long all the
// queued scrolling will take, in seconds.
const scrollScript = `(function(){
	var delay = 50,
		height = document.body.scrollHeight,
		jump = window.innerHeight,
		scrollTo = function(scrollY){ window.scrollTo(0, scrollY); },
		i = 1;
	for (; i*jump < height; i++) {
		setTimeout(scrollTo, i*delay, i*jump);
	}
	setTimeout(scrollTo, i*delay, 0);
	return (i*delay)/1000;
})()`

const pageSizeScript = `(function(){
	var body = document.body;
	var html = document.documentElement;
	var height = Math.max(
		body.scrollHeight,
		body.offsetHeight,
		html.clientHeight,
		html.scrollHeight,
		html.offsetHeight
	);
	var width = Math.max(
		body.scrollWidth,
		body.offsetWidth,
		html.clientWidth,
		html.scrollWidth,
		html.offsetWidth
	);
	return {height: height, width: width};
})()`

// rootSizeScript measures the html or frameset element directly. Pages
// without a body (framesets) take this path.
const rootSizeScript = `(function(){
	var el = document.querySelector('html') || document.querySelector('frameset');
	if (!el) { return {height: 0, width: 0}; }
	var rect = el.getBoundingClientRect();
	return {height: Math.ceil(rect.height), width: Math.ceil(rect.width)};
})()`

// Size is a page's layout dimensions in CSS pixels.
type Size struct {
	Width  int64 `json:"width"`
	Height int64 `json:"height"`
}

// Pixels returns the page area.
func (s Size) Pixels() int64 {
	return s.Width * s.Height
}

// DOMSnapshot returns the current document's outer HTML. In-page JS gives
// the parsed, properly formatted DOM instead of the raw served bytes; when
// scripting is unavailable it falls back to the raw DOM serialization.
func (c *Chrome) DOMSnapshot(ctx context.Context) (string, error) {
	var html string
	if err := c.run(ctx, chromedp.Evaluate(outerHTMLScript, &html)); err == nil {
		return html, nil
	}

	err := c.run(ctx, chromedp.ActionFunc(func(ctx context.Context) error {
		root, err := dom.GetDocument().Do(ctx)
		if err != nil {
			return err
		}
		html, err = dom.GetOuterHTML().WithNodeID(root.NodeID).Do(ctx)
		return err
	}))
	if err != nil {
		return "", fmt.Errorf("failed to read page source: %w", err)
	}
	return html, nil
}

// CurrentURL returns the browser's current location, which can differ
// from the navigation target after redirects or scripted moves.
func (c *Chrome) CurrentURL(ctx context.Context) (string, error) {
	var loc string
	if err := c.run(ctx, chromedp.Location(&loc)); err != nil {
		return "", fmt.Errorf("failed to read location: %w", err)
	}
	return loc, nil
}

// Evaluate runs JavaScript in the page, discarding any result. Site
// post-load scripts come through here.
func (c *Chrome) Evaluate(ctx context.Context, js string) error {
	if err := c.run(ctx, chromedp.Evaluate(js, nil)); err != nil {
		return fmt.Errorf("failed to evaluate script: %w", err)
	}
	return nil
}

// Scroll animates a scroll to the bottom of the page and back, waiting for
// the queued scroll steps to render, at most one second.
func (c *Chrome) Scroll(ctx context.Context) error {
	var seconds float64
	if err := c.run(ctx, chromedp.Evaluate(scrollScript, &seconds)); err != nil {
		return fmt.Errorf("failed to run scroll script: %w", err)
	}

	wait := time.Duration(seconds * float64(time.Second))
	if wait > time.Second {
		wait = time.Second
	}
	if wait > 0 {
		time.Sleep(wait)
	}
	return nil
}

// PageSize measures the page's scroll dimensions.
func (c *Chrome) PageSize(ctx context.Context) (Size, error) {
	var size Size
	if err := c.run(ctx, chromedp.Evaluate(pageSizeScript, &size)); err == nil {
		return size, nil
	}

	if err := c.run(ctx, chromedp.Evaluate(rootSizeScript, &size)); err != nil {
		return Size{}, fmt.Errorf("failed to measure page: %w", err)
	}
	if size.Width == 0 && size.Height == 0 {
		return Size{}, errors.New("page has no measurable root element")
	}
	return size, nil
}

// Screenshot captures a full-page PNG. The emulated viewport grows to the
// page size first so the whole page fits in one frame. Pages of maxPixels
// or more are refused with ErrPageTooLarge; zero means no budget.
func (c *Chrome) Screenshot(ctx context.Context, maxPixels int64) ([]byte, error) {
	size, err := c.PageSize(ctx)
	if err != nil {
		return nil, err
	}
	if maxPixels > 0 && size.Pixels() >= maxPixels {
		return nil, fmt.Errorf("%w: %dx%d", ErrPageTooLarge, size.Width, size.Height)
	}

	width, height := viewportFor(size)
	var png []byte
	err = c.run(ctx,
		chromedp.EmulateViewport(width, height),
		chromedp.CaptureScreenshot(&png),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to capture screenshot: %w", err)
	}
	return png, nil
}

// viewportFor grows the emulated viewport to the page size, never below
// the initial window dimensions.
func viewportFor(size Size) (int64, int64) {
	width, height := size.Width, size.Height
	if width < defaultWidth {
		width = defaultWidth
	}
	if height < defaultHeight {
		height = defaultHeight
	}
	return width, height
}
