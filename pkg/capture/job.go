package capture

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/permacap/permacap/internal/logger"
	"github.com/permacap/permacap/internal/telemetry"
	"github.com/permacap/permacap/pkg/capture/browser"
	"github.com/permacap/permacap/pkg/capture/proxy"
	"github.com/permacap/permacap/pkg/models"
)

// Job outcomes reported to metrics.
const (
	outcomeCompleted = "completed"
	outcomeDeleted   = "deleted"
	outcomeFailed    = "failed"
)

// validFaviconMIMETypes are the icon content types worth recording.
var validFaviconMIMETypes = map[string]bool{
	"image/png":                true,
	"image/gif":                true,
	"image/jpg":                true,
	"image/jpeg":               true,
	"image/x-icon":             true,
	"image/vnd.microsoft.icon": true,
	"image/ico":                true,
}

// faviconCandidate is one successfully fetched site icon.
type faviconCandidate struct {
	URL  string
	MIME string
}

// faviconSet collects icons fetched by the background worker.
type faviconSet struct {
	mu    sync.Mutex
	icons []faviconCandidate
}

func (s *faviconSet) add(f faviconCandidate) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.icons = append(s.icons, f)
}

func (s *faviconSet) first() (faviconCandidate, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.icons) == 0 {
		return faviconCandidate{}, false
	}
	return s.icons[0], true
}

// jobRun is the mutable state of one capture in flight. capture drives
// the phases; finalize tears everything down and resolves the job row
// whatever capture returned.
type jobRun struct {
	eng  *Engine
	job  *models.CaptureJob
	link *models.Link

	targetURL string
	userAgent string
	upstream  bool

	state   *captureState
	pool    *workerPool
	monitor *sizeMonitor
	prox    *proxy.Proxy
	br      Browser
	fetch   *fetcher

	start time.Time
	step  float64

	contentURL       string
	contentType      string
	robotsDirectives string
	haveContent      bool
	haveHTML         bool

	meta       pageMetadata
	favicons   faviconSet
	screenshot []byte

	spoolDir  string
	completed bool
	outcome   string
}

func newJobRun(e *Engine, job *models.CaptureJob) *jobRun {
	return &jobRun{
		eng:     e,
		job:     job,
		link:    job.Link,
		state:   newCaptureState(),
		pool:    newWorkerPool(),
		start:   time.Now(),
		step:    job.StepCount,
		outcome: outcomeFailed,
	}
}

// capture runs the capture phases in order. Any error stops the
// remaining phases; finalize interprets it and cleans up.
func (r *jobRun) capture(ctx context.Context) error {
	if r.link == nil {
		return errors.New("job has no link")
	}

	ctx, cancel := context.WithDeadline(ctx, r.start.Add(r.eng.cfg.SoftTaskTimeLimit))
	defer cancel()

	telemetry.SetAttributes(ctx, telemetry.TargetURL(r.link.SubmittedURL))
	logger.InfoCtx(ctx, "capture starting",
		logger.URL(r.link.SubmittedURL),
		logger.KeyAttempt, r.job.Attempt)
	r.progress(ctx, 0, "Starting capture")

	skip, err := r.shouldSkip(ctx)
	if err != nil {
		return err
	}
	if skip {
		logger.InfoCtx(ctx, "link deleted before capture, skipping")
		if err := r.eng.store.FinalizeJob(ctx, r.job.ID, models.JobStatusDeleted, ""); err != nil {
			return fmt.Errorf("failed to mark job deleted: %w", err)
		}
		r.completed = true
		r.outcome = outcomeDeleted
		return nil
	}

	if err := r.setup(ctx); err != nil {
		return err
	}

	r.progress(ctx, 1, "Fetching target URL")
	r.br.Navigate(r.targetURL)

	if err := r.awaitUsefulResponse(ctx); err != nil {
		return err
	}
	r.spawnRobotsWorker(ctx)

	r.progress(ctx, 1, "Checking x-robots-tag directives.")
	if xRobotsBlocksArchiving(r.robotsDirectives, r.eng.cfg.PrivateLinksIfGenericNoarchive) {
		logger.InfoCtx(ctx, "x-robots-tag forbids archiving")
		r.markPrivate(ctx, models.PrivateReasonPolicy)
	}

	if r.haveHTML {
		if err := r.enrichHTML(ctx); err != nil {
			return err
		}
	}

	if err := r.awaitQuiescence(ctx); err != nil {
		return err
	}

	r.takeScreenshot(ctx)
	return nil
}

// shouldSkip reports whether the link was deleted, or its primary
// capture already resolved, between enqueue and now.
func (r *jobRun) shouldSkip(ctx context.Context) (bool, error) {
	if r.link.UserDeleted {
		return true, nil
	}
	primary, err := r.eng.store.GetCapture(ctx, r.link.GUID, models.CaptureRolePrimary)
	if err != nil {
		if errors.Is(err, models.ErrCaptureNotFound) {
			return true, nil
		}
		return false, fmt.Errorf("failed to load primary capture: %w", err)
	}
	return primary.Status != models.CaptureStatusPending, nil
}

// setup builds the per-job infrastructure: spool directory, recording
// proxy, browser, fetcher, and size monitor.
func (r *jobRun) setup(ctx context.Context) error {
	r.targetURL = r.link.SubmittedURL

	host := ""
	if u, err := url.Parse(r.targetURL); err == nil {
		host = u.Hostname()
	}
	r.userAgent = r.eng.cfg.UserAgentFor(host)
	r.upstream = r.eng.cfg.ShouldProxy(host)

	// A user-supplied title survives whatever the page reports.
	if t := r.link.SubmittedTitle; t != "" && t != r.link.DefaultTitle() {
		r.meta.SeedTitle(t)
	}

	spoolDir, err := os.MkdirTemp(r.eng.cfg.SpoolDir, "capture-"+r.link.GUID+"-")
	if err != nil {
		return fmt.Errorf("failed to create spool directory: %w", err)
	}
	r.spoolDir = spoolDir

	var upstreamFor func(string) *proxy.Upstream
	if r.upstream {
		logger.InfoCtx(ctx, "routing capture through upstream proxy",
			logger.KeyHost, r.eng.cfg.ProxyAddress)
		// Per-job credentials rotate the upstream's exit IP.
		upstreamFor = func(string) *proxy.Upstream {
			return &proxy.Upstream{
				Addr:     r.eng.cfg.ProxyAddress,
				Username: "user",
				Password: r.link.GUID,
			}
		}
	}

	prox, err := proxy.New(proxy.Options{
		SpoolPath:       filepath.Join(spoolDir, r.link.GUID+".warc.gz"),
		Tracker:         r.state,
		Metrics:         r.eng.metrics,
		BannedNetworks:  r.eng.banned,
		MaxResourceSize: r.eng.cfg.MaxResourceSize.Int64(),
		MaxThreads:      r.eng.cfg.MaxProxyThreads,
		QueueSize:       r.eng.cfg.MaxProxyQueueSize,
		UpstreamFor:     upstreamFor,
	})
	if err != nil {
		return haltf("failed to start recording proxy: %v", err)
	}
	r.prox = prox
	prox.Start()
	logger.DebugCtx(ctx, "recording proxy listening", logger.KeyProxyPort, prox.Port())

	br, err := r.eng.newBrowser(ctx, r.userAgent, prox.Addr())
	if err != nil {
		return haltf("failed to launch browser: %v", err)
	}
	r.br = br
	r.fetch = newFetcher(prox.Addr(), r.userAgent, r.state)

	r.monitor = newSizeMonitor(r.state, r.eng.cfg.MaxArchiveFileSize.Int64())
	r.monitor.Start()
	return nil
}

// awaitUsefulResponse polls the proxy's pair registry until a response
// worth archiving shows up, the resource load budget lapses, or the
// browser dies.
func (r *jobRun) awaitUsefulResponse(ctx context.Context) error {
	ctx, done := r.phase(ctx, "fetch_target")
	defer done()

	if !r.br.Alive() {
		return haltf("browser died while fetching target URL")
	}

	for {
		if r.state.HaveContent() && r.findUsefulResponse() {
			logger.InfoCtx(ctx, "found useful response",
				logger.URL(r.contentURL),
				logger.KeyContentType, r.contentType)
			return nil
		}

		wait := time.Since(r.start)
		if wait > r.eng.cfg.ResourceLoadTimeout {
			return haltf("no useful response within %s", r.eng.cfg.ResourceLoadTimeout)
		}
		r.progress(ctx, wait.Seconds()/r.eng.cfg.ResourceLoadTimeout.Seconds(), "Fetching target URL")

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(time.Second):
		}
	}
}

// findUsefulResponse scans recorded pairs in request order for the
// first response that is not a stray favicon fetch, a redirect, or a
// partial-content reply. A pair still in flight ahead of any candidate
// forces another poll, because a redirect may still resolve.
func (r *jobRun) findUsefulResponse() bool {
	for _, p := range r.prox.Registry().Pairs() {
		if !p.Done() {
			return false
		}
		if p.State() == proxy.StateFailed {
			continue
		}
		if strings.HasSuffix(p.URL, "/favicon.ico") && p.URL != r.targetURL {
			continue
		}
		switch p.StatusCode() {
		case 301, 302, 303, 307, 308, 206:
			continue
		}

		r.haveContent = true
		r.contentURL = p.URL
		ct := strings.ToLower(p.ContentType())
		if ct == "" {
			ct = "text/html; charset=utf-8"
		}
		r.contentType = ct
		r.robotsDirectives = collectRobotsDirectives(p.XRobotsTags())
		r.haveHTML = strings.HasPrefix(ct, "text/html")
		return true
	}
	return false
}

// spawnRobotsWorker checks the site's robots.txt in the background and
// makes the link private when a rule aimed at the archiver blocks it.
func (r *jobRun) spawnRobotsWorker(ctx context.Context) {
	dbCtx := context.WithoutCancel(ctx)
	robotsURL := resolveReference(r.contentURL, "/robots.txt")
	pending := r.state.NewPendingCounter()

	r.pool.Spawn("robots", func(stop <-chan struct{}) {
		r.prox.Registry().MarkRequested(robotsURL)
		res, err := r.fetch.Fetch(stop, robotsURL, r.eng.cfg.RobotsTxtTimeout, pending)
		if err != nil {
			logger.DebugCtx(dbCtx, "robots.txt fetch failed", logger.Err(err))
			return
		}
		if res == nil || !res.OK() {
			return
		}
		if robotsDisallowsArchiving(res.Body, r.targetURL) {
			logger.InfoCtx(dbCtx, "robots.txt forbids archiving")
			r.markPrivate(dbCtx, models.PrivateReasonPolicy)
		}
	})
}

// spawnFaviconWorker fetches the page's icon candidates in the
// background. Every success is kept; saveArchive records the first.
func (r *jobRun) spawnFaviconWorker(ctx context.Context, tree *pageTree) {
	pending := r.state.NewPendingCounter()

	r.pool.Spawn("favicon", func(stop <-chan struct{}) {
		for _, candidate := range tree.FaviconURLs() {
			if stopped(stop) {
				return
			}
			r.prox.Registry().MarkRequested(candidate)
			res, err := r.fetch.Fetch(stop, candidate, r.eng.cfg.ResourceLoadTimeout, pending)
			if err != nil || res == nil || !res.OK() {
				continue
			}
			mime := res.ContentMIME()
			if !validFaviconMIMETypes[mime] {
				continue
			}
			r.favicons.add(faviconCandidate{URL: candidate, MIME: mime})
			logger.DebugCtx(ctx, "favicon fetched", logger.URL(candidate), logger.KeyContentType, mime)
		}
		if _, ok := r.favicons.first(); !ok {
			logger.DebugCtx(ctx, "no usable favicon found")
		}
	})
}

// enrichHTML runs the HTML-only phases: metadata harvest, the onload
// wait, post-load scripts, scrolling, and media discovery.
func (r *jobRun) enrichHTML(ctx context.Context) error {
	ctx, done := r.phase(ctx, "enrich_html")
	defer done()

	logger.InfoCtx(ctx, "fetching page metadata")

	html, err := r.br.DOMSnapshot(ctx)
	if err != nil {
		return haltf("failed to read pre-onload DOM: %v", err)
	}
	tree, err := parseTree(r.contentURL, html)
	if err != nil {
		return haltf("failed to parse pre-onload DOM: %v", err)
	}
	r.meta.Merge(tree)

	if !r.br.Alive() {
		return haltf("browser died while reading metadata")
	}
	r.spawnFaviconWorker(ctx, tree)

	// Join the onload event for whatever remains of its budget. The page
	// is usable either way.
	remaining := r.eng.cfg.OnloadEventTimeout - time.Since(r.start)
	if remaining < 0 {
		remaining = 0
	}
	if err := r.br.AwaitLoad(remaining); err != nil {
		if errors.Is(err, browser.ErrStillLoading) {
			logger.InfoCtx(ctx, "onload event timed out, continuing with partial page")
		} else {
			logger.DebugCtx(ctx, "onload wait failed", logger.Err(err))
		}
	}
	if !r.br.Alive() {
		return haltf("browser died during onload")
	}

	current, err := r.br.CurrentURL(ctx)
	if err != nil || current == "" {
		current = r.contentURL
	}
	if script := r.eng.cfg.postLoadScriptFor(current); script != "" {
		logger.InfoCtx(ctx, "running post-load script", logger.URL(current))
		if err := r.br.Evaluate(ctx, script); err != nil {
			logger.WarnCtx(ctx, "post-load script failed", logger.Err(err))
		}
	}

	// Refresh the metadata from the settled page; keep the pre-onload
	// harvest when the refresh fails.
	if html, err := r.br.DOMSnapshot(ctx); err == nil {
		if fresh, perr := parseTree(current, html); perr == nil {
			r.meta.Merge(fresh)
		} else {
			logger.WarnCtx(ctx, "failed to parse post-onload DOM", logger.Err(perr))
		}
	} else {
		logger.WarnCtx(ctx, "failed to read post-onload DOM", logger.Err(err))
	}
	if !r.br.Alive() {
		return haltf("browser died after load")
	}

	r.progress(ctx, 0.5, "Checking for scroll-loaded assets")
	if err := r.br.Scroll(ctx); err != nil {
		logger.DebugCtx(ctx, "scroll failed", logger.Err(err))
	}

	r.progress(ctx, 1, "Fetching media")
	r.harvestMedia(ctx)
	return nil
}

// harvestMedia parses every frame for media references and fetches the
// ones the page did not already request itself. Errors here never fail
// the capture.
func (r *jobRun) harvestMedia(ctx context.Context) {
	base, err := r.br.CurrentURL(ctx)
	if err != nil || base == "" {
		base = r.contentURL
	}

	var trees []*pageTree
	if html, err := r.br.DOMSnapshot(ctx); err == nil {
		if tree, perr := parseTree(base, html); perr == nil {
			trees = append(trees, tree)
		}
	}
	if err := r.br.WalkFrames(ctx, func(f browser.Frame) {
		if tree, perr := parseTree(f.URL, f.HTML); perr == nil {
			trees = append(trees, tree)
		}
	}); err != nil {
		logger.DebugCtx(ctx, "frame walk failed", logger.Err(err))
	}

	seen := make(map[string]struct{})
	var mediaURLs []string
	for _, tree := range trees {
		for _, u := range tree.MediaURLs() {
			if _, ok := seen[u]; ok {
				continue
			}
			seen[u] = struct{}{}
			mediaURLs = append(mediaURLs, u)
		}
	}
	if len(mediaURLs) == 0 {
		return
	}
	logger.InfoCtx(ctx, "fetching media resources", "count", len(mediaURLs))

	for _, u := range mediaURLs {
		if !r.prox.Registry().MarkRequested(u) {
			continue
		}
		target := u
		pending := r.state.NewPendingCounter()
		r.pool.Spawn("fetch", func(stop <-chan struct{}) {
			if _, err := r.fetch.Fetch(stop, target, r.eng.cfg.ResourceLoadTimeout, pending); err != nil {
				logger.DebugCtx(ctx, "media fetch failed", logger.URL(target), logger.Err(err))
			}
		})
	}
}

// awaitQuiescence waits for requests that were in flight when the page
// settled, bounded by the after-load budget and the archive size cap.
// Requests starting after this snapshot are not waited for.
func (r *jobRun) awaitQuiescence(ctx context.Context) error {
	ctx, done := r.phase(ctx, "settle")
	defer done()

	r.progress(ctx, 1, "Waiting for post-load requests")

	if r.upstream && r.eng.cfg.ProxyPostLoadDelay > 0 {
		sleepCtx(ctx, r.eng.cfg.ProxyPostLoadDelay)
	}

	unfinished := undonePairs(r.prox.Registry().Pairs())
	waitStart := time.Now()

	for len(unfinished) > 0 && r.br.Alive() {
		if r.state.LimitReached() {
			logger.InfoCtx(ctx, "size limit reached, stopping in-flight requests")
			r.state.RequestStop()
			break
		}
		wait := time.Since(waitStart)
		if wait > r.eng.cfg.AfterLoadTimeout {
			logger.InfoCtx(ctx, "gave up waiting for post-load requests",
				"unfinished", len(unfinished))
			r.state.RequestStop()
			break
		}
		r.progress(ctx, wait.Seconds()/r.eng.cfg.AfterLoadTimeout.Seconds(), "Waiting for post-load requests")

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(500 * time.Millisecond):
		}
		unfinished = undonePairs(unfinished)
	}
	return nil
}

// undonePairs filters pairs still in flight.
func undonePairs(pairs []*proxy.Pair) []*proxy.Pair {
	var out []*proxy.Pair
	for _, p := range pairs {
		if !p.Done() {
			out = append(out, p)
		}
	}
	return out
}

// takeScreenshot captures the rendered page when it is HTML and the
// browser survived. Oversized pages are skipped.
func (r *jobRun) takeScreenshot(ctx context.Context) {
	if !r.haveHTML || !r.br.Alive() {
		return
	}
	ctx, done := r.phase(ctx, "screenshot")
	defer done()
	r.progress(ctx, 1, "Taking screenshot")

	shot, err := r.br.Screenshot(ctx, r.eng.cfg.MaxImagePixels)
	if err != nil {
		if errors.Is(err, browser.ErrPageTooLarge) {
			logger.InfoCtx(ctx, "page too large for screenshot")
		} else {
			logger.WarnCtx(ctx, "screenshot failed", logger.Err(err))
		}
		return
	}
	r.screenshot = shot
}

// finalize interprets the capture error, tears down the job's
// infrastructure, applies harvested metadata, saves the archive, and
// resolves the job row. It runs even when capture failed and keeps
// working through a cancelled context so cleanup always lands.
func (r *jobRun) finalize(ctx context.Context, captureErr error) string {
	ctx = context.WithoutCancel(ctx)

	if r.link == nil {
		if err := r.eng.store.FinalizeJob(ctx, r.job.ID, models.JobStatusFailed, "Job has no link."); err != nil {
			logger.WarnCtx(ctx, "failed to mark job failed", logger.Err(err))
		}
		return outcomeFailed
	}

	switch {
	case captureErr == nil:
	case errors.Is(captureErr, errHaltCapture):
		logger.InfoCtx(ctx, "capture halted", logger.Err(captureErr))
	case errors.Is(captureErr, context.DeadlineExceeded):
		logger.WarnCtx(ctx, "capture hit its soft time limit")
		r.tagLink(ctx, tagTimeoutFailure)
	default:
		logger.ErrorCtx(ctx, "capture failed", logger.Err(captureErr))
	}

	r.teardown(ctx)

	if !r.completed {
		r.applyPageMetadata(ctx)
		if r.haveContent {
			r.saveArchive(ctx)
		}
	}

	// No capture row may stay pending, whatever happened above.
	if err := r.eng.store.MarkPendingCapturesFailed(ctx, r.link.GUID); err != nil {
		logger.WarnCtx(ctx, "failed to resolve pending captures", logger.Err(err))
	}
	if !r.completed {
		if err := r.eng.store.FinalizeJob(ctx, r.job.ID, models.JobStatusFailed, "Failed during capture."); err != nil {
			logger.WarnCtx(ctx, "failed to mark job failed", logger.Err(err))
		}
	}

	if r.spoolDir != "" {
		if err := os.RemoveAll(r.spoolDir); err != nil {
			logger.WarnCtx(ctx, "failed to remove spool directory",
				logger.KeyPath, r.spoolDir, logger.Err(err))
		}
	}
	return r.outcome
}

// teardown stops workers, the browser, and the proxy, then flushes the
// spool. The spool must be complete before assembly reads it.
func (r *jobRun) teardown(ctx context.Context) {
	ctx, done := r.phase(ctx, "teardown")
	defer done()

	r.pool.StopAll()
	if r.monitor != nil {
		r.monitor.Stop()
	}

	if r.br != nil {
		if !r.br.Alive() {
			logger.WarnCtx(ctx, "browser died during capture")
			r.tagLink(ctx, tagBrowserCrashed)
		}
		r.br.Close()
	}

	if r.prox != nil {
		r.prox.Stop()
		// Give stray in-flight exchanges a moment to drain before the
		// spool is flushed; whatever is still running gets cut off.
		deadline := time.Now().Add(r.eng.cfg.ShutdownGracePeriod)
		for r.prox.ActiveHandlers() > 0 && time.Now().Before(deadline) {
			time.Sleep(time.Second)
		}
		if err := r.prox.CloseWriters(); err != nil {
			logger.WarnCtx(ctx, "failed to flush recorded spool", logger.Err(err))
		}
	}
}

// applyPageMetadata persists harvested metadata and applies noarchive
// meta tags. An HTML page whose metadata never got harvested tags the
// link and optionally makes it private.
func (r *jobRun) applyPageMetadata(ctx context.Context) {
	if !r.haveHTML {
		return
	}

	if !r.meta.Populated() {
		logger.WarnCtx(ctx, "page metadata never harvested")
		r.tagLink(ctx, tagMetaFailure)
		if r.eng.cfg.PrivateLinksOnFailure {
			r.markPrivate(ctx, models.PrivateReasonFailure)
		}
		return
	}

	if metaBlocksArchiving(&r.meta, r.eng.cfg.PrivateLinksIfGenericNoarchive) {
		logger.InfoCtx(ctx, "noarchive meta tag found")
		r.markPrivate(ctx, models.PrivateReasonPolicy)
	}

	title := models.TruncateForStorage(r.meta.Title(), models.MaxTitleLength)
	description := models.TruncateForStorage(r.meta.MetaTag("description"), models.MaxDescriptionLength)
	if err := r.eng.store.UpdateLinkMetadata(ctx, r.link.GUID, title, description); err != nil {
		logger.WarnCtx(ctx, "failed to save link metadata", logger.Err(err))
	}
}

// saveArchive assembles the final WARC into the blob store and records
// the capture rows. Job completion depends on this succeeding.
func (r *jobRun) saveArchive(ctx context.Context) {
	ctx, done := r.phase(ctx, "save_archive")
	defer done()

	r.progress(ctx, 1, "Saving web archive file")

	size, err := r.eng.assembleWARC(ctx, r.link, r.prox.SpoolPath(), r.screenshot)
	if err != nil {
		telemetry.RecordError(ctx, err)
		logger.ErrorCtx(ctx, "failed to save archive", logger.Err(err))
		return
	}
	r.eng.metrics.ObserveWARCSize(size)
	telemetry.SetAttributes(ctx, telemetry.WARCSize(size))

	if err := r.eng.store.SetLinkWarcProperties(ctx, r.link.GUID, size, true); err != nil {
		logger.WarnCtx(ctx, "failed to record archive properties", logger.Err(err))
	}

	rows := []models.Capture{{
		LinkID:      r.link.GUID,
		Role:        models.CaptureRolePrimary,
		Status:      models.CaptureStatusSuccess,
		URL:         r.contentURL,
		RecordType:  "response",
		ContentType: r.contentType,
	}}
	if len(r.screenshot) > 0 {
		rows = append(rows, models.Capture{
			LinkID:      r.link.GUID,
			Role:        models.CaptureRoleScreenshot,
			Status:      models.CaptureStatusSuccess,
			URL:         screenshotURI(r.link.GUID),
			RecordType:  "resource",
			ContentType: "image/png",
		})
	}
	if icon, ok := r.favicons.first(); ok {
		rows = append(rows, models.Capture{
			LinkID:      r.link.GUID,
			Role:        models.CaptureRoleFavicon,
			Status:      models.CaptureStatusSuccess,
			URL:         icon.URL,
			RecordType:  "response",
			ContentType: strings.ToLower(icon.MIME),
		})
	}
	for i := range rows {
		if err := r.eng.store.SaveCapture(ctx, &rows[i]); err != nil {
			logger.WarnCtx(ctx, "failed to save capture row", "role", rows[i].Role, logger.Err(err))
		}
	}

	if err := r.eng.store.FinalizeJob(ctx, r.job.ID, models.JobStatusCompleted, ""); err != nil {
		logger.WarnCtx(ctx, "failed to mark job completed", logger.Err(err))
		return
	}
	r.completed = true
	r.outcome = outcomeCompleted
	logger.InfoCtx(ctx, "archive saved", logger.KeySize, size)
}

// progress advances the job's step counter and phase description.
func (r *jobRun) progress(ctx context.Context, amount float64, description string) {
	r.step += amount
	if err := r.eng.store.UpdateJobProgress(ctx, r.job.ID, r.step, description); err != nil {
		logger.DebugCtx(ctx, "failed to update job progress", logger.Err(err))
	}
}

// markPrivate flags the link private for reason. The first reason wins
// when multiple policies fire.
func (r *jobRun) markPrivate(ctx context.Context, reason models.PrivateReason) {
	if err := r.eng.store.MarkLinkPrivate(ctx, r.link.GUID, reason); err != nil {
		logger.WarnCtx(ctx, "failed to mark link private", logger.Err(err))
	}
}

func (r *jobRun) tagLink(ctx context.Context, tag string) {
	if err := r.eng.store.TagLink(ctx, r.link.GUID, tag); err != nil {
		logger.WarnCtx(ctx, "failed to tag link", "tag", tag, logger.Err(err))
	}
}

// phase opens a child span for one orchestrator phase and stamps the
// phase into the logging context. The returned func ends the span and
// records the phase duration.
func (r *jobRun) phase(ctx context.Context, name string) (context.Context, func()) {
	start := time.Now()
	ctx, span := telemetry.StartCaptureSpan(ctx, name, r.link.GUID)
	if lc := logger.FromContext(ctx); lc != nil {
		ctx = logger.WithContext(ctx, lc.WithPhase(name))
	}
	return ctx, func() {
		r.eng.metrics.ObservePhase(name, time.Since(start))
		span.End()
	}
}
