package capture

import (
	"fmt"
	"net"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/permacap/permacap/internal/bytesize"
)

// BrowserKind selects the browser controller implementation.
type BrowserKind string

// BrowserChrome drives headless Chrome over the DevTools protocol. It is
// the only implementation currently shipped.
const BrowserChrome BrowserKind = "chrome"

// PostLoadScript pairs a URL pattern with JavaScript to run after the
// page's onload event. Sites that hide content behind consent banners or
// lazy tabs get one of these.
type PostLoadScript struct {
	// URLPattern is a regular expression matched (case-insensitively)
	// against the browser's current URL.
	URLPattern string `mapstructure:"url_pattern" yaml:"url_pattern"`

	// JS is evaluated in the page when the pattern matches.
	JS string `mapstructure:"js" yaml:"js"`
}

// Config configures the capture engine.
type Config struct {
	// Browser selects the controller implementation.
	// Default: chrome
	Browser BrowserKind `mapstructure:"browser" validate:"omitempty,oneof=chrome" yaml:"browser"`

	// Workers is the number of concurrent capture loops.
	// Default: 1
	Workers int `mapstructure:"workers" validate:"omitempty,min=1,max=32" yaml:"workers"`

	// SpoolDir holds in-progress WARC spools. Each capture gets its own
	// subdirectory, removed when the job finishes.
	// Default: os.TempDir()/permacap
	SpoolDir string `mapstructure:"spool_dir" yaml:"spool_dir,omitempty"`

	// UserAgent is sent on every browser and worker request.
	UserAgent string `mapstructure:"user_agent" yaml:"user_agent,omitempty"`

	// UserAgentOverrides maps a domain suffix to a replacement user
	// agent, for sites that block the default one.
	UserAgentOverrides map[string]string `mapstructure:"user_agent_overrides" yaml:"user_agent_overrides,omitempty"`

	// ProxyCaptures routes matching captures through the upstream SOCKS5
	// proxy named by ProxyAddress.
	ProxyCaptures bool `mapstructure:"proxy_captures" yaml:"proxy_captures"`

	// DomainsToProxy lists domain substrings that trigger upstream
	// proxying when ProxyCaptures is on.
	DomainsToProxy []string `mapstructure:"domains_to_proxy" yaml:"domains_to_proxy,omitempty"`

	// ProxyAddress is the upstream SOCKS5 proxy (host:port).
	ProxyAddress string `mapstructure:"proxy_address" yaml:"proxy_address,omitempty"`

	// BannedIPRanges are CIDR blocks capture traffic must never reach.
	// Defaults cover loopback, RFC 1918, link-local, and multicast space.
	BannedIPRanges []string `mapstructure:"banned_ip_ranges" yaml:"banned_ip_ranges,omitempty"`

	// MaxArchiveFileSize caps the total bytes recorded for one capture.
	// Crossing it truncates in-flight streams and stops new fetches.
	// Default: 100MB
	MaxArchiveFileSize bytesize.ByteSize `mapstructure:"max_archive_file_size" yaml:"max_archive_file_size,omitempty"`

	// MaxResourceSize caps any single recorded response.
	// Default: MaxArchiveFileSize
	MaxResourceSize bytesize.ByteSize `mapstructure:"max_resource_size" yaml:"max_resource_size,omitempty"`

	// MaxImagePixels refuses the full-page screenshot when the rendered
	// page's width*height reaches this count.
	// Default: 15000000
	MaxImagePixels int64 `mapstructure:"max_image_pixels" yaml:"max_image_pixels,omitempty"`

	// ResourceLoadTimeout is how long to wait for the first useful
	// response before giving up on the capture.
	// Default: 45s
	ResourceLoadTimeout time.Duration `mapstructure:"resource_load_timeout" yaml:"resource_load_timeout,omitempty"`

	// RobotsTxtTimeout bounds the robots.txt fetch.
	// Default: 30s
	RobotsTxtTimeout time.Duration `mapstructure:"robots_txt_timeout" yaml:"robots_txt_timeout,omitempty"`

	// OnloadEventTimeout is how long to wait for the page's onload event
	// before proceeding as though it fired. The clock starts at capture
	// start, not at navigation.
	// Default: 30s
	OnloadEventTimeout time.Duration `mapstructure:"onload_event_timeout" yaml:"onload_event_timeout,omitempty"`

	// ElementDiscoveryTimeout bounds individual DOM reads.
	// Default: 2s
	ElementDiscoveryTimeout time.Duration `mapstructure:"element_discovery_timeout" yaml:"element_discovery_timeout,omitempty"`

	// AfterLoadTimeout is how long the page may keep loading additional
	// resources after onload before stragglers are truncated.
	// Default: 25s
	AfterLoadTimeout time.Duration `mapstructure:"after_load_timeout" yaml:"after_load_timeout,omitempty"`

	// ProxyPostLoadDelay is an extra settle period before the post-load
	// wait on captures routed through the upstream proxy, which delivers
	// responses in larger, later bursts.
	// Default: 10s
	ProxyPostLoadDelay time.Duration `mapstructure:"proxy_post_load_delay" yaml:"proxy_post_load_delay,omitempty"`

	// ShutdownGracePeriod is how long teardown waits for slow proxy
	// handlers before closing the spool.
	// Default: 60s
	ShutdownGracePeriod time.Duration `mapstructure:"shutdown_grace_period" yaml:"shutdown_grace_period,omitempty"`

	// HardTaskTimeLimit is the age past which an in_progress job is
	// presumed orphaned and reclaimed as failed.
	// Default: 10m
	HardTaskTimeLimit time.Duration `mapstructure:"hard_task_time_limit" yaml:"hard_task_time_limit,omitempty"`

	// SoftTaskTimeLimit bounds one capture run. Expiry finishes the job
	// as failed with a timeout tag instead of killing the process.
	// Default: 5m
	SoftTaskTimeLimit time.Duration `mapstructure:"soft_task_time_limit" yaml:"soft_task_time_limit,omitempty"`

	// PrivateLinksIfGenericNoarchive extends noarchive handling to the
	// generic robots directive, not just the perma-scoped one.
	PrivateLinksIfGenericNoarchive bool `mapstructure:"private_links_if_generic_noarchive" yaml:"private_links_if_generic_noarchive"`

	// PrivateLinksOnFailure marks the link private when an HTML page
	// yields no metadata at all.
	PrivateLinksOnFailure bool `mapstructure:"private_links_on_failure" yaml:"private_links_on_failure"`

	// MaxProxyThreads caps concurrent recording-proxy handlers.
	// Default: 50
	MaxProxyThreads int `mapstructure:"max_proxy_threads" yaml:"max_proxy_threads,omitempty"`

	// MaxProxyQueueSize caps the recording proxy's writer queue.
	// Default: 500
	MaxProxyQueueSize int `mapstructure:"max_proxy_queue_size" yaml:"max_proxy_queue_size,omitempty"`

	// PostLoadScripts run site-specific JavaScript after onload.
	PostLoadScripts []PostLoadScript `mapstructure:"post_load_scripts" yaml:"post_load_scripts,omitempty"`

	// DeploymentSentinelPath names a file whose presence pauses job
	// chaining, so a deploy can drain workers without killing captures.
	DeploymentSentinelPath string `mapstructure:"deployment_sentinel_path" yaml:"deployment_sentinel_path,omitempty"`
}

// defaultBannedRanges covers address space a capture has no business
// reaching: loopback, private, link-local, and multicast.
var defaultBannedRanges = []string{
	"127.0.0.0/8",
	"10.0.0.0/8",
	"172.16.0.0/12",
	"192.168.0.0/16",
	"169.254.0.0/16",
	"224.0.0.0/4",
	"::1/128",
	"fc00::/7",
	"fe80::/10",
}

const defaultUserAgent = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/126.0.0.0 Safari/537.36"

// ApplyDefaults fills in missing configuration with default values.
func (c *Config) ApplyDefaults() {
	if c.Browser == "" {
		c.Browser = BrowserChrome
	}
	if c.Workers == 0 {
		c.Workers = 1
	}
	if c.SpoolDir == "" {
		c.SpoolDir = filepath.Join(os.TempDir(), "permacap")
	}
	if c.UserAgent == "" {
		c.UserAgent = defaultUserAgent
	}
	if len(c.BannedIPRanges) == 0 {
		c.BannedIPRanges = append([]string(nil), defaultBannedRanges...)
	}
	if c.MaxArchiveFileSize == 0 {
		c.MaxArchiveFileSize = 100 * 1024 * 1024
	}
	if c.MaxResourceSize == 0 {
		c.MaxResourceSize = c.MaxArchiveFileSize
	}
	if c.MaxImagePixels == 0 {
		c.MaxImagePixels = 15_000_000
	}
	if c.ResourceLoadTimeout == 0 {
		c.ResourceLoadTimeout = 45 * time.Second
	}
	if c.RobotsTxtTimeout == 0 {
		c.RobotsTxtTimeout = 30 * time.Second
	}
	if c.OnloadEventTimeout == 0 {
		c.OnloadEventTimeout = 30 * time.Second
	}
	if c.ElementDiscoveryTimeout == 0 {
		c.ElementDiscoveryTimeout = 2 * time.Second
	}
	if c.AfterLoadTimeout == 0 {
		c.AfterLoadTimeout = 25 * time.Second
	}
	if c.ProxyPostLoadDelay == 0 {
		c.ProxyPostLoadDelay = 10 * time.Second
	}
	if c.ShutdownGracePeriod == 0 {
		c.ShutdownGracePeriod = 60 * time.Second
	}
	if c.HardTaskTimeLimit == 0 {
		c.HardTaskTimeLimit = 10 * time.Minute
	}
	if c.SoftTaskTimeLimit == 0 {
		c.SoftTaskTimeLimit = 5 * time.Minute
	}
	if c.MaxProxyThreads == 0 {
		c.MaxProxyThreads = 50
	}
	if c.MaxProxyQueueSize == 0 {
		c.MaxProxyQueueSize = 500
	}
}

// Validate checks if the configuration is valid.
func (c *Config) Validate() error {
	if c.Browser != BrowserChrome {
		return fmt.Errorf("unsupported browser: %q", c.Browser)
	}
	if c.ProxyCaptures && c.ProxyAddress == "" {
		return fmt.Errorf("proxy_captures is enabled but no proxy_address is configured")
	}
	if _, err := c.ParseBannedRanges(); err != nil {
		return err
	}
	for _, s := range c.PostLoadScripts {
		if _, err := regexp.Compile(s.URLPattern); err != nil {
			return fmt.Errorf("invalid post-load url_pattern %q: %w", s.URLPattern, err)
		}
		if strings.TrimSpace(s.JS) == "" {
			return fmt.Errorf("post-load script for %q has no js", s.URLPattern)
		}
	}
	if c.SoftTaskTimeLimit > c.HardTaskTimeLimit {
		return fmt.Errorf("soft_task_time_limit exceeds hard_task_time_limit")
	}
	return nil
}

// ParseBannedRanges parses BannedIPRanges into networks usable by the
// recording proxy.
func (c *Config) ParseBannedRanges() ([]*net.IPNet, error) {
	nets := make([]*net.IPNet, 0, len(c.BannedIPRanges))
	for _, cidr := range c.BannedIPRanges {
		_, n, err := net.ParseCIDR(cidr)
		if err != nil {
			return nil, fmt.Errorf("invalid banned ip range %q: %w", cidr, err)
		}
		nets = append(nets, n)
	}
	return nets, nil
}

// UserAgentFor returns the user agent to present to host, honoring
// per-domain overrides. A host matches an override when it equals the
// domain or ends with "." + domain.
func (c *Config) UserAgentFor(host string) string {
	host = strings.ToLower(strings.TrimSuffix(host, "."))
	for domain, ua := range c.UserAgentOverrides {
		domain = strings.ToLower(domain)
		if host == domain || strings.HasSuffix(host, "."+domain) {
			return ua
		}
	}
	return c.UserAgent
}

// ShouldProxy reports whether a capture of host must route through the
// upstream SOCKS5 proxy.
func (c *Config) ShouldProxy(host string) bool {
	if !c.ProxyCaptures {
		return false
	}
	host = strings.ToLower(host)
	for _, domain := range c.DomainsToProxy {
		if domain != "" && strings.Contains(host, strings.ToLower(domain)) {
			return true
		}
	}
	return false
}

// postLoadScriptFor returns the JS of the first script whose pattern
// matches url (lowercased), or "" when none match.
func (c *Config) postLoadScriptFor(url string) string {
	lowered := strings.ToLower(url)
	for _, s := range c.PostLoadScripts {
		re, err := regexp.Compile(s.URLPattern)
		if err != nil {
			continue
		}
		if re.MatchString(lowered) {
			return s.JS
		}
	}
	return ""
}
