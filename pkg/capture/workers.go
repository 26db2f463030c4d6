package capture

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/permacap/permacap/internal/logger"
)

// fetchChunkSize is how much a fetch worker reads between stop checks.
const fetchChunkSize = 8 * 1024

// workerPool tracks a capture's helper goroutines so teardown can stop
// and join all of them in one call.
type workerPool struct {
	stopOnce sync.Once
	stopCh   chan struct{}
	wg       sync.WaitGroup
}

func newWorkerPool() *workerPool {
	return &workerPool{stopCh: make(chan struct{})}
}

// Spawn runs fn on its own goroutine. fn must return promptly once the
// stop channel closes.
func (p *workerPool) Spawn(kind string, fn func(stop <-chan struct{})) {
	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		defer func() {
			if r := recover(); r != nil {
				logger.Error("capture worker panicked",
					logger.KeyWorker, kind,
					logger.KeyError, fmt.Sprint(r))
			}
		}()
		fn(p.stopCh)
	}()
}

// StopAll signals every worker and waits for them to finish.
func (p *workerPool) StopAll() {
	p.stopOnce.Do(func() { close(p.stopCh) })
	p.wg.Wait()
}

// fetchResult is what a fetch worker got back through the proxy. Body
// may be partial when the fetch was stopped early; callers that care
// check OK plus the headers.
type fetchResult struct {
	StatusCode int
	Header     http.Header
	Body       []byte
}

// OK reports a 2xx status.
func (r *fetchResult) OK() bool {
	return r.StatusCode >= 200 && r.StatusCode < 300
}

// ContentMIME returns the media type portion of the Content-Type header,
// without trimming or case folding.
func (r *fetchResult) ContentMIME() string {
	ct := r.Header.Get("Content-Type")
	if i := strings.IndexByte(ct, ';'); i >= 0 {
		ct = ct[:i]
	}
	return ct
}

// fetcher issues interruptible GETs through the recording proxy so that
// every side fetch lands in the same spool as the browser's traffic.
type fetcher struct {
	client    *http.Client
	userAgent string
	state     *captureState
}

// newFetcher builds a fetcher that routes through the recording proxy
// at proxyAddr. Certificate verification is off: the proxy re-signs
// every host with its own per-capture CA.
func newFetcher(proxyAddr, userAgent string, state *captureState) *fetcher {
	transport := &http.Transport{
		Proxy:             http.ProxyURL(&url.URL{Scheme: "http", Host: proxyAddr}),
		TLSClientConfig:   &tls.Config{InsecureSkipVerify: true},
		DisableKeepAlives: true,
		DialContext: (&net.Dialer{
			Timeout: 10 * time.Second,
		}).DialContext,
	}
	return &fetcher{
		client:    &http.Client{Transport: transport},
		userAgent: userAgent,
		state:     state,
	}
}

// Fetch downloads target in small chunks, crediting in-flight bytes to
// pending so the size monitor counts them before they reach the spool.
// timeout bounds the whole request when positive. A stop signal or the
// capture size limit ends the read early and returns the partial body
// without error. pending is zeroed on exit.
func (f *fetcher) Fetch(stop <-chan struct{}, target string, timeout time.Duration, pending *atomic.Int64) (*fetchResult, error) {
	defer pending.Store(0)

	if f.state.LimitReached() {
		return nil, nil
	}

	ctx := context.Background()
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to build request: %w", err)
	}
	req.Header.Set("User-Agent", f.userAgent)

	resp, err := f.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch %s: %w", target, err)
	}
	defer resp.Body.Close()

	result := &fetchResult{
		StatusCode: resp.StatusCode,
		Header:     resp.Header,
	}

	buf := make([]byte, fetchChunkSize)
	for {
		n, err := resp.Body.Read(buf)
		if n > 0 {
			pending.Add(int64(n))
			result.Body = append(result.Body, buf[:n]...)
		}
		if err != nil {
			break
		}
		if stopped(stop) || f.state.LimitReached() {
			break
		}
	}
	return result, nil
}

func stopped(stop <-chan struct{}) bool {
	select {
	case <-stop:
		return true
	default:
		return false
	}
}
