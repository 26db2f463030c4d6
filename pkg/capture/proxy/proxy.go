// Package proxy implements the recording MITM proxy a capture drives its
// browser through. Every exchange is relayed to the client while being
// teed into a WARC spool file; the orchestrator inspects the resulting
// pair registry to follow the page load.
package proxy

import (
	"bufio"
	"bytes"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	socks "golang.org/x/net/proxy"

	"github.com/permacap/permacap/internal/logger"
	"github.com/permacap/permacap/pkg/metrics"
	"github.com/permacap/permacap/pkg/warc"
)

const (
	// portRangeStart is the first port tried when binding the proxy.
	portRangeStart = 27500

	// portScanAttempts bounds the scan for a bindable port.
	portScanAttempts = 500
)

// ErrNoFreePort is returned when every port in the scan range is taken.
var ErrNoFreePort = errors.New("no free proxy port in scan range")

// hopByHopHeaders are stripped from forwarded requests.
var hopByHopHeaders = []string{
	"Connection",
	"Proxy-Connection",
	"Keep-Alive",
	"Proxy-Authenticate",
	"Proxy-Authorization",
	"Upgrade",
}

// Tracker is the capture-wide shared state the proxy feeds while
// recording. The orchestrator's size monitor and stop logic sit on the
// other side of it.
type Tracker interface {
	// ResponseRecorded notes that at least one exchange produced a record.
	ResponseRecorded()

	// AddBytes adds recorded response bytes to the running capture total.
	AddBytes(n int64)

	// LimitReached reports whether the capture hit its size cap.
	LimitReached() bool

	// StopRequested reports whether the orchestrator asked in-flight
	// streams to wind down.
	StopRequested() bool
}

// Upstream names a SOCKS5 upstream and the credentials to present.
// Credentials vary per job so the exit IP rotates between captures.
type Upstream struct {
	Addr     string
	Username string
	Password string
}

// Options configures a proxy instance for one capture.
type Options struct {
	// SpoolPath is where the recorded WARC is written.
	SpoolPath string

	// Tracker shares capture state with the rest of the engine. A nil
	// tracker disables the shared checks.
	Tracker Tracker

	// Metrics receives proxy counters. May be nil.
	Metrics *metrics.CaptureMetrics

	// BannedNetworks are CIDR ranges requests may not resolve into.
	BannedNetworks []*net.IPNet

	// MaxResourceSize truncates any single response beyond this many
	// bytes. Zero means unlimited.
	MaxResourceSize int64

	// StreamTimeout cuts responses without a Content-Length that have
	// streamed longer than this. Defaults to 3 hours.
	StreamTimeout time.Duration

	// DialTimeout bounds upstream dials and handshakes. Defaults to 30s.
	DialTimeout time.Duration

	// BadHostTTL is how long a failing host keeps getting an immediate
	// 502. Defaults to one minute.
	BadHostTTL time.Duration

	// MaxThreads caps concurrent connection handlers.
	MaxThreads int

	// QueueSize caps the writer queue feeding the spool file.
	QueueSize int

	// UpstreamFor returns the SOCKS5 upstream for a host, or nil to dial
	// directly. May be nil.
	UpstreamFor func(host string) *Upstream

	// OnChunk overrides the per-chunk continue decision. When nil the
	// default policy applies: truncate for length beyond MaxResourceSize
	// or on a stop request, and for time on unbounded streams past
	// StreamTimeout.
	OnChunk func(total int64) ContinueDecision

	// ClassifyFailure decides whether an upstream failure should put the
	// host into the bad-host cache. When nil, remote disconnects and
	// malformed status lines qualify.
	ClassifyFailure func(err error) bool
}

// Proxy is one capture's recording proxy. Create with New, then Start;
// Stop signals shutdown without waiting and CloseWriters flushes the
// spool once handlers have drained.
type Proxy struct {
	opts     Options
	tracker  Tracker
	metrics  *metrics.CaptureMetrics
	ln       net.Listener
	port     int
	ca       *certAuthority
	registry *Registry
	queue    *recordQueue
	hosts    *HostCache

	sem      chan struct{}
	active   atomic.Int64
	stopCh   chan struct{}
	stopOnce sync.Once
	acceptWG sync.WaitGroup
}

// New binds the proxy to the first free port in [27500, 28000) and
// prepares the WARC spool at opts.SpoolPath.
func New(opts Options) (*Proxy, error) {
	if opts.StreamTimeout <= 0 {
		opts.StreamTimeout = 3 * time.Hour
	}
	if opts.DialTimeout <= 0 {
		opts.DialTimeout = 30 * time.Second
	}
	if opts.BadHostTTL <= 0 {
		opts.BadHostTTL = time.Minute
	}
	if opts.MaxThreads <= 0 {
		opts.MaxThreads = 50
	}

	ln, port, err := listenFirstFree()
	if err != nil {
		return nil, err
	}

	ca, err := newCertAuthority()
	if err != nil {
		ln.Close()
		return nil, err
	}

	queue, err := newRecordQueue(opts.SpoolPath, opts.QueueSize)
	if err != nil {
		ln.Close()
		return nil, err
	}

	hosts, err := NewHostCache(opts.BadHostTTL)
	if err != nil {
		ln.Close()
		return nil, err
	}

	tracker := opts.Tracker
	if tracker == nil {
		tracker = nopTracker{}
	}

	return &Proxy{
		opts:     opts,
		tracker:  tracker,
		metrics:  opts.Metrics,
		ln:       ln,
		port:     port,
		ca:       ca,
		registry: NewRegistry(),
		queue:    queue,
		hosts:    hosts,
		sem:      make(chan struct{}, opts.MaxThreads),
		stopCh:   make(chan struct{}),
	}, nil
}

func listenFirstFree() (net.Listener, int, error) {
	port := portRangeStart
	for i := 0; i < portScanAttempts; i++ {
		ln, err := net.Listen("tcp", fmt.Sprintf("127.0.0.1:%d", port))
		if err == nil {
			return ln, port, nil
		}
		if !errors.Is(err, syscall.EADDRINUSE) {
			return nil, 0, fmt.Errorf("failed to bind proxy port: %w", err)
		}
		port++
	}
	return nil, 0, ErrNoFreePort
}

// Addr returns the proxy's listen address, e.g. "127.0.0.1:27500".
func (p *Proxy) Addr() string {
	return fmt.Sprintf("127.0.0.1:%d", p.port)
}

// Port returns the bound port.
func (p *Proxy) Port() int {
	return p.port
}

// Registry returns the pair registry for this capture.
func (p *Proxy) Registry() *Registry {
	return p.registry
}

// SpoolPath returns the recorded WARC's path.
func (p *Proxy) SpoolPath() string {
	return p.opts.SpoolPath
}

// RecordedBytes reports the compressed size of the spool so far.
func (p *Proxy) RecordedBytes() int64 {
	return p.queue.BytesWritten()
}

// RecordCount reports the number of WARC records written so far.
func (p *Proxy) RecordCount() int {
	return p.queue.Records()
}

// ActiveHandlers reports connection handlers still running. The
// orchestrator polls this during teardown.
func (p *Proxy) ActiveHandlers() int64 {
	return p.active.Load()
}

// Start launches the writer queue and the accept loop.
func (p *Proxy) Start() {
	p.queue.Start()
	p.acceptWG.Add(1)
	go p.acceptLoop()
	logger.Info("Recording proxy listening", logger.KeyProxyPort, p.port)
}

// Stop signals the accept loop to exit and stops taking new connections.
// It does not wait for in-flight handlers; poll ActiveHandlers for that.
func (p *Proxy) Stop() {
	p.stopOnce.Do(func() {
		close(p.stopCh)
		p.ln.Close()
	})
}

// CloseWriters drains and flushes the WARC spool, then releases the
// bad-host cache. Blocks until the drain completes. Call after Stop once
// handlers have settled.
func (p *Proxy) CloseWriters() error {
	p.acceptWG.Wait()
	err := p.queue.Close()
	if cerr := p.hosts.Close(); cerr != nil && err == nil {
		err = cerr
	}
	return err
}

func (p *Proxy) acceptLoop() {
	defer p.acceptWG.Done()

	for {
		conn, err := p.ln.Accept()
		if err != nil {
			select {
			case <-p.stopCh:
				return
			default:
			}
			if errors.Is(err, net.ErrClosed) {
				return
			}
			logger.Warn("Proxy accept failed", logger.Err(err))
			continue
		}

		select {
		case p.sem <- struct{}{}:
		case <-p.stopCh:
			conn.Close()
			return
		}

		p.active.Add(1)
		go func() {
			defer func() {
				p.active.Add(-1)
				<-p.sem
			}()
			p.handleConn(conn)
		}()
	}
}

func (p *Proxy) handleConn(conn net.Conn) {
	defer conn.Close()

	conn.SetReadDeadline(time.Now().Add(p.opts.DialTimeout))
	br := bufio.NewReader(conn)
	req, err := http.ReadRequest(br)
	if err != nil {
		return
	}
	conn.SetReadDeadline(time.Time{})

	if req.Method == http.MethodConnect {
		p.handleTunnel(conn, req)
		return
	}
	p.handleExchange(conn, req, "http")
}

// handleTunnel terminates TLS for a CONNECT request with a minted leaf
// certificate and serves the first request inside the tunnel.
func (p *Proxy) handleTunnel(conn net.Conn, connect *http.Request) {
	host, _, err := net.SplitHostPort(connect.Host)
	if err != nil {
		host = connect.Host
	}

	leaf, err := p.ca.leaf(host)
	if err != nil {
		logger.Warn("Leaf certificate minting failed",
			logger.KeyHost, host, logger.Err(err))
		writeStatus(conn, http.StatusBadGateway)
		return
	}

	if _, err := io.WriteString(conn, "HTTP/1.1 200 Connection Established\r\n\r\n"); err != nil {
		return
	}

	tlsConn := tls.Server(conn, &tls.Config{Certificates: []tls.Certificate{*leaf}})
	tlsConn.SetReadDeadline(time.Now().Add(p.opts.DialTimeout))
	if err := tlsConn.Handshake(); err != nil {
		return
	}

	req, err := http.ReadRequest(bufio.NewReader(tlsConn))
	if err != nil {
		return
	}
	tlsConn.SetReadDeadline(time.Time{})
	if req.Host == "" {
		req.Host = connect.Host
	}

	p.handleExchange(tlsConn, req, "https")
}

// handleExchange proxies one request end to end: policy checks, pair
// registration, upstream dial, relay, and record enqueue. Responses to
// the client always close the connection.
func (p *Proxy) handleExchange(client net.Conn, req *http.Request, scheme string) {
	target := absoluteURL(req, scheme)
	host, port := splitHostPort(req.Host, scheme)
	hostport := net.JoinHostPort(host, port)

	if !p.hostAllowed(host) {
		logger.Info("Refusing request into banned IP range",
			logger.KeyURL, target)
		writeStatus(client, http.StatusForbidden)
		return
	}

	if p.hosts.IsBad(hostport) {
		writeStatus(client, http.StatusBadGateway)
		return
	}

	// Past the size cap nothing new gets recorded; dropping the request
	// lets the page finish with what it has.
	if p.tracker.LimitReached() {
		return
	}

	pair, _ := p.registry.Register(target)
	start := time.Now()

	var reqBody []byte
	if req.Body != nil {
		reqBody, _ = io.ReadAll(req.Body)
		req.Body.Close()
	}
	reqHead := buildRequestHead(req)
	forwarded := append(append([]byte{}, reqHead...), reqBody...)

	upstream, remoteIP, err := p.dial(host, hostport, scheme)
	if err != nil {
		p.failExchange(client, pair, hostport, target, err)
		return
	}
	defer upstream.Close()

	if _, err := upstream.Write(forwarded); err != nil {
		p.failExchange(client, pair, hostport, target, err)
		return
	}

	resp, err := http.ReadResponse(bufio.NewReader(upstream), req)
	if err != nil {
		p.failExchange(client, pair, hostport, target, err)
		return
	}
	defer resp.Body.Close()

	pair.setResponse(resp.StatusCode, resp.Header.Get("Content-Type"),
		cleanHeaderValues(resp.Header.Values("X-Robots-Tag")))
	pair.setState(StateHeadersReceived)

	if _, err := client.Write(buildResponseHead(resp, true)); err != nil {
		// Closing upstream first keeps the deferred body close from
		// draining the remainder of the stream.
		upstream.Close()
		pair.setState(StateFailed)
		p.metrics.RecordResponse(StateFailed.String())
		return
	}

	pair.setState(StateStreaming)
	rec := &recorder{
		src:     resp.Body,
		client:  client,
		count:   p.countBytes,
		onChunk: p.chunkPolicy(resp.ContentLength >= 0, start),
	}

	truncated, err := rec.run()
	if err != nil {
		upstream.Close()
		pair.setState(StateFailed)
		p.metrics.RecordResponse(StateFailed.String())
		logger.Debug("Exchange failed mid-stream",
			logger.KeyURL, target, logger.Err(err))
		return
	}
	if truncated != "" {
		// Truncation abandons the rest of the body; closing the upstream
		// connection is the only way to stop a server mid-stream.
		upstream.Close()
		logger.Info("Truncating response",
			logger.KeyURL, target, logger.KeyTruncated, truncated)
		p.metrics.RecordTruncation(truncated)
	}

	recordHead := buildResponseHead(resp, false)
	respRecord := &warc.Record{
		Type:         warc.TypeResponse,
		TargetURI:    target,
		Date:         start,
		ContentType:  warc.ContentTypeResponse,
		IPAddress:    remoteIP,
		Truncated:    truncated,
		Block:        append(recordHead, rec.body()...),
		PayloadStart: len(recordHead),
	}
	reqRecord := &warc.Record{
		Type:         warc.TypeRequest,
		TargetURI:    target,
		Date:         start,
		ContentType:  warc.ContentTypeRequest,
		Block:        forwarded,
		PayloadStart: len(reqHead),
	}
	p.queue.Enqueue(respRecord, reqRecord)
	p.tracker.ResponseRecorded()

	if truncated != "" {
		pair.setState(StateTruncated)
		p.metrics.RecordResponse(StateTruncated.String())
	} else {
		pair.setState(StateComplete)
		p.metrics.RecordResponse(StateComplete.String())
	}
}

// failExchange resolves an exchange that died before any response byte
// reached the client: classify the failure for the bad-host cache, mark
// the pair failed, and answer 502.
func (p *Proxy) failExchange(client net.Conn, pair *Pair, hostport, target string, err error) {
	if p.classifyFailure(err) {
		if cerr := p.hosts.MarkBad(hostport); cerr != nil {
			logger.Warn("Bad-host cache update failed", logger.Err(cerr))
		} else {
			logger.Info("Caching failing host",
				logger.KeyHost, hostport, logger.Err(err))
		}
	}
	logger.Debug("Upstream exchange failed",
		logger.KeyURL, target, logger.Err(err))
	pair.setState(StateFailed)
	p.metrics.RecordResponse(StateFailed.String())
	writeStatus(client, http.StatusBadGateway)
}

// countBytes feeds recorded chunk sizes into the shared tracker.
func (p *Proxy) countBytes(n int) {
	p.tracker.AddBytes(int64(n))
	p.metrics.AddRecordedBytes(int64(n))
}

// chunkPolicy builds the per-response continue decision: length
// truncation past the resource cap or on a stop request, time truncation
// for unbounded streams past the stream timeout.
func (p *Proxy) chunkPolicy(hasContentLength bool, start time.Time) func(int64) ContinueDecision {
	if p.opts.OnChunk != nil {
		return p.opts.OnChunk
	}
	return func(total int64) ContinueDecision {
		if p.opts.MaxResourceSize > 0 && total > p.opts.MaxResourceSize {
			return TruncateLength
		}
		if !hasContentLength && time.Since(start) > p.opts.StreamTimeout {
			return TruncateTime
		}
		if p.tracker.StopRequested() {
			return TruncateLength
		}
		return Continue
	}
}

// hostAllowed resolves host and rejects it when any address falls in a
// banned network. Unresolvable hosts are rejected.
func (p *Proxy) hostAllowed(host string) bool {
	if len(p.opts.BannedNetworks) == 0 {
		return true
	}
	ips, err := net.LookupIP(host)
	if err != nil {
		return false
	}
	for _, ip := range ips {
		for _, banned := range p.opts.BannedNetworks {
			if banned.Contains(ip) {
				return false
			}
		}
	}
	return true
}

// dial connects to hostport, through the SOCKS5 upstream when configured
// for this host, and wraps the connection in TLS for https targets.
// Upstream certificate errors never abort a capture. The remote IP is
// returned for direct dials only.
func (p *Proxy) dial(host, hostport, scheme string) (net.Conn, string, error) {
	var (
		conn     net.Conn
		remoteIP string
		err      error
	)

	var up *Upstream
	if p.opts.UpstreamFor != nil {
		up = p.opts.UpstreamFor(host)
	}

	if up != nil {
		var dialer socks.Dialer
		dialer, err = socks.SOCKS5("tcp", up.Addr,
			&socks.Auth{User: up.Username, Password: up.Password},
			&net.Dialer{Timeout: p.opts.DialTimeout})
		if err != nil {
			return nil, "", fmt.Errorf("failed to build SOCKS dialer: %w", err)
		}
		conn, err = dialer.Dial("tcp", hostport)
	} else {
		conn, err = net.DialTimeout("tcp", hostport, p.opts.DialTimeout)
	}
	if err != nil {
		return nil, "", fmt.Errorf("failed to dial %s: %w", hostport, err)
	}
	if up == nil {
		if addr, ok := conn.RemoteAddr().(*net.TCPAddr); ok {
			remoteIP = addr.IP.String()
		}
	}

	if scheme == "https" {
		tlsConn := tls.Client(conn, &tls.Config{
			ServerName:         host,
			InsecureSkipVerify: true,
		})
		tlsConn.SetDeadline(time.Now().Add(p.opts.DialTimeout))
		if err := tlsConn.Handshake(); err != nil {
			conn.Close()
			return nil, "", fmt.Errorf("TLS handshake with %s failed: %w", hostport, err)
		}
		tlsConn.SetDeadline(time.Time{})
		return tlsConn, remoteIP, nil
	}
	return conn, remoteIP, nil
}

// classifyFailure decides whether a failure marks the host bad. Remote
// disconnects while reading the status line and malformed status lines
// qualify; dial refusals and timeouts do not.
func (p *Proxy) classifyFailure(err error) bool {
	if p.opts.ClassifyFailure != nil {
		return p.opts.ClassifyFailure(err)
	}
	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
		return true
	}
	if errors.Is(err, syscall.ECONNRESET) {
		return true
	}
	msg := err.Error()
	return strings.Contains(msg, "malformed HTTP") ||
		strings.Contains(msg, "connection reset")
}

// absoluteURL reconstructs the full request URL. Tunneled requests carry
// origin-form URIs, so scheme and host come from the tunnel.
func absoluteURL(req *http.Request, scheme string) string {
	if req.URL.IsAbs() {
		return req.URL.String()
	}
	host, port := splitHostPort(req.Host, scheme)
	display := host
	if (scheme == "http" && port != "80") || (scheme == "https" && port != "443") {
		display = net.JoinHostPort(host, port)
	}
	return scheme + "://" + display + req.URL.RequestURI()
}

// splitHostPort splits host:port, defaulting the port by scheme.
func splitHostPort(hostport, scheme string) (string, string) {
	host, port, err := net.SplitHostPort(hostport)
	if err != nil {
		host = hostport
		port = "80"
		if scheme == "https" {
			port = "443"
		}
	}
	return host, port
}

// buildRequestHead serializes the forwarded request line and headers:
// origin-form URI, hop-by-hop headers stripped, Via appended. The same
// bytes go upstream and into the request record.
func buildRequestHead(req *http.Request) []byte {
	header := req.Header.Clone()
	for _, name := range hopByHopHeaders {
		header.Del(name)
	}
	via := "1.1 permacap"
	if prior := header.Get("Via"); prior != "" {
		via = prior + ", " + via
	}
	header.Set("Via", via)

	var b bytes.Buffer
	fmt.Fprintf(&b, "%s %s HTTP/1.1\r\n", req.Method, req.URL.RequestURI())
	fmt.Fprintf(&b, "Host: %s\r\n", req.Host)
	header.Write(&b)
	b.WriteString("\r\n")
	return b.Bytes()
}

// buildResponseHead serializes the response status line and headers.
// Transfer-Encoding is dropped because the body is stored and relayed
// decoded; the client copy additionally forces Connection: close so the
// browser reopens a connection per resource.
func buildResponseHead(resp *http.Response, forClient bool) []byte {
	header := resp.Header.Clone()
	header.Del("Transfer-Encoding")
	if forClient {
		header.Set("Connection", "close")
	}

	var b bytes.Buffer
	proto := resp.Proto
	if proto == "" {
		proto = "HTTP/1.1"
	}
	fmt.Fprintf(&b, "%s %s\r\n", proto, resp.Status)
	header.Write(&b)
	b.WriteString("\r\n")
	return b.Bytes()
}

// cleanHeaderValues strips CR and LF from header values so they can be
// joined and re-split safely later.
func cleanHeaderValues(values []string) []string {
	out := make([]string, 0, len(values))
	for _, v := range values {
		v = strings.ReplaceAll(v, "\r", "")
		v = strings.ReplaceAll(v, "\n", "")
		out = append(out, v)
	}
	return out
}

func writeStatus(w io.Writer, code int) {
	fmt.Fprintf(w, "HTTP/1.1 %d %s\r\nContent-Length: 0\r\nConnection: close\r\n\r\n",
		code, http.StatusText(code))
}

// nopTracker stands in when no shared state is wired up.
type nopTracker struct{}

func (nopTracker) ResponseRecorded()   {}
func (nopTracker) AddBytes(int64)      {}
func (nopTracker) LimitReached() bool  { return false }
func (nopTracker) StopRequested() bool { return false }
