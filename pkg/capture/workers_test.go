package capture

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeProxy returns a server that answers absolute-URI requests the way
// the recording proxy would, and its host:port address.
func fakeProxy(t *testing.T, handler http.HandlerFunc) string {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return strings.TrimPrefix(srv.URL, "http://")
}

func TestFetcherFetch(t *testing.T) {
	proxyAddr := fakeProxy(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "test-agent", r.Header.Get("User-Agent"))
		assert.Equal(t, "http://upstream.test/icon.png", r.URL.String())
		w.Header().Set("Content-Type", "image/png; charset=binary")
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("png bytes"))
	})

	state := newCaptureState()
	f := newFetcher(proxyAddr, "test-agent", state)
	pending := state.NewPendingCounter()

	res, err := f.Fetch(make(chan struct{}), "http://upstream.test/icon.png", 5*time.Second, pending)
	require.NoError(t, err)
	require.NotNil(t, res)

	assert.Equal(t, http.StatusOK, res.StatusCode)
	assert.Equal(t, []byte("png bytes"), res.Body)
	assert.True(t, res.OK())
	assert.Equal(t, "image/png", res.ContentMIME())
	assert.Zero(t, pending.Load(), "pending bytes are released when the fetch ends")
}

func TestFetcherFetchSkipsAtLimit(t *testing.T) {
	proxyAddr := fakeProxy(t, func(w http.ResponseWriter, r *http.Request) {
		t.Error("no request expected once the limit is reached")
	})

	state := newCaptureState()
	state.MarkLimitReached()
	f := newFetcher(proxyAddr, "test-agent", state)

	res, err := f.Fetch(make(chan struct{}), "http://upstream.test/x", time.Second, pendingOf(state))
	require.NoError(t, err)
	assert.Nil(t, res)
}

func TestFetcherFetchStopsMidStream(t *testing.T) {
	first := make([]byte, fetchChunkSize)
	second := make([]byte, fetchChunkSize)

	proxyAddr := fakeProxy(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write(first)
		if f, ok := w.(http.Flusher); ok {
			f.Flush()
		}
		time.Sleep(300 * time.Millisecond)
		w.Write(second)
	})

	state := newCaptureState()
	f := newFetcher(proxyAddr, "test-agent", state)

	stop := make(chan struct{})
	close(stop)

	res, err := f.Fetch(stop, "http://upstream.test/big", 5*time.Second, pendingOf(state))
	require.NoError(t, err)
	require.NotNil(t, res)
	assert.Greater(t, len(res.Body), 0)
	assert.Less(t, len(res.Body), len(first)+len(second), "stopped fetch keeps the partial body")
}

func TestFetcherFetchTimeout(t *testing.T) {
	proxyAddr := fakeProxy(t, func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(500 * time.Millisecond)
	})

	state := newCaptureState()
	f := newFetcher(proxyAddr, "test-agent", state)

	start := time.Now()
	_, err := f.Fetch(make(chan struct{}), "http://upstream.test/slow", 100*time.Millisecond, pendingOf(state))
	assert.Error(t, err)
	assert.Less(t, time.Since(start), time.Second)
}

func pendingOf(state *captureState) *atomic.Int64 {
	return state.NewPendingCounter()
}

func TestFetchResultHelpers(t *testing.T) {
	ok := &fetchResult{StatusCode: 200, Header: http.Header{"Content-Type": []string{"text/html; charset=utf-8"}}}
	assert.True(t, ok.OK())
	assert.Equal(t, "text/html", ok.ContentMIME())

	redirect := &fetchResult{StatusCode: 302}
	assert.False(t, redirect.OK())
	assert.Equal(t, "", redirect.ContentMIME())

	plain := &fetchResult{StatusCode: 204, Header: http.Header{"Content-Type": []string{"image/png"}}}
	assert.True(t, plain.OK())
	assert.Equal(t, "image/png", plain.ContentMIME())
}

func TestWorkerPoolStopAll(t *testing.T) {
	pool := newWorkerPool()

	started := make(chan struct{})
	finished := make(chan struct{})
	pool.Spawn("fetch", func(stop <-chan struct{}) {
		close(started)
		<-stop
		close(finished)
	})
	// A panicking worker must not wedge teardown.
	pool.Spawn("fetch", func(stop <-chan struct{}) {
		panic("boom")
	})

	<-started
	done := make(chan struct{})
	go func() {
		pool.StopAll()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("StopAll did not return")
	}
	select {
	case <-finished:
	default:
		t.Fatal("worker did not observe the stop signal")
	}
}
