package proxy

import (
	"sync"
	"sync/atomic"
)

// PairState tracks a proxied request/response pair through its lifecycle.
type PairState int32

const (
	// StateConnecting means the upstream dial has not completed yet.
	StateConnecting PairState = iota

	// StateHeadersReceived means the upstream status line and headers arrived.
	StateHeadersReceived

	// StateStreaming means the response body is being relayed to the client.
	StateStreaming

	// StateComplete means the full response was relayed and recorded.
	StateComplete

	// StateTruncated means the response was cut short but still recorded.
	StateTruncated

	// StateFailed means the exchange produced no recordable response.
	StateFailed
)

// String returns the lowercase name used in logs and metrics labels.
func (s PairState) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateHeadersReceived:
		return "headers_received"
	case StateStreaming:
		return "streaming"
	case StateComplete:
		return "complete"
	case StateTruncated:
		return "truncated"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Pair is one proxied exchange. The orchestrator polls pairs to find the
// first useful response and to decide when all traffic has settled.
type Pair struct {
	// URL is the absolute request URL.
	URL string

	state atomic.Int32

	mu          sync.Mutex
	statusCode  int
	contentType string
	xRobots     []string
}

// State returns the pair's current lifecycle state.
func (p *Pair) State() PairState {
	return PairState(p.state.Load())
}

func (p *Pair) setState(s PairState) {
	p.state.Store(int32(s))
}

// Done reports whether the pair reached a final state.
func (p *Pair) Done() bool {
	switch p.State() {
	case StateComplete, StateTruncated, StateFailed:
		return true
	}
	return false
}

// setResponse records the upstream response metadata once headers arrive.
func (p *Pair) setResponse(status int, contentType string, xRobots []string) {
	p.mu.Lock()
	p.statusCode = status
	p.contentType = contentType
	p.xRobots = xRobots
	p.mu.Unlock()
}

// StatusCode returns the upstream HTTP status, or 0 before headers arrive.
func (p *Pair) StatusCode() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.statusCode
}

// ContentType returns the raw Content-Type header value, or "" when the
// upstream response omitted it.
func (p *Pair) ContentType() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.contentType
}

// XRobotsTags returns all X-Robots-Tag header values from the response.
func (p *Pair) XRobotsTags() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]string, len(p.xRobots))
	copy(out, p.xRobots)
	return out
}

// Registry tracks every proxied pair of a capture together with the set of
// URLs requested so far. Fetch workers consult Requested to avoid fetching
// a resource the page already loaded on its own.
type Registry struct {
	mu        sync.Mutex
	pairs     []*Pair
	requested map[string]struct{}
}

// NewRegistry returns an empty pair registry.
func NewRegistry() *Registry {
	return &Registry{requested: make(map[string]struct{})}
}

// Register adds a pair for url and reports whether this is the first
// request for that URL in this capture.
func (r *Registry) Register(url string) (*Pair, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	p := &Pair{URL: url}
	r.pairs = append(r.pairs, p)

	_, seen := r.requested[url]
	if !seen {
		r.requested[url] = struct{}{}
	}
	return p, !seen
}

// Requested reports whether url was requested at least once.
func (r *Registry) Requested(url string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.requested[url]
	return ok
}

// MarkRequested records url without creating a pair. Workers use this to
// claim a URL before fetching so concurrent harvests do not double-fetch.
// Reports whether the URL was new.
func (r *Registry) MarkRequested(url string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.requested[url]; ok {
		return false
	}
	r.requested[url] = struct{}{}
	return true
}

// Pairs returns a snapshot of all registered pairs in registration order.
func (r *Registry) Pairs() []*Pair {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*Pair, len(r.pairs))
	copy(out, r.pairs)
	return out
}

// AllDone reports whether every registered pair reached a final state.
// An empty registry counts as done.
func (r *Registry) AllDone() bool {
	for _, p := range r.Pairs() {
		if !p.Done() {
			return false
		}
	}
	return true
}
