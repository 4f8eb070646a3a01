// Package httpclient is the stateless HTTP wrapper between the sync daemon
// and the bridge server's REST API (component H). It owns URL composition,
// tunnel-aware header injection, and retry/backoff — nothing else; no
// session or auth-token state lives here beyond the static bridge auth key.
package httpclient

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

// Default tuning constants, overridable via Options.
const (
	DefaultMaxRetries  = 3
	DefaultBaseDelay   = 500 * time.Millisecond
	DefaultMaxDelay    = 10 * time.Second
	DefaultTimeout     = 10 * time.Second
	ExtendedMultiplier = 12
)

var defaultRetryableStatuses = map[int]bool{
	http.StatusBadGateway:         true,
	http.StatusServiceUnavailable: true,
	http.StatusGatewayTimeout:     true,
}

// tunnelHeader is one row of the tunnel-aware header injection table (spec
// §4.2). hostSubstring is matched case-insensitively against the request's
// effective host.
type tunnelHeader struct {
	hostSubstring string
	header        string
	value         string
}

var tunnelHeaders = []tunnelHeader{
	{"ngrok", "ngrok-skip-browser-warning", "true"},
	{"zrok", "skip_zrok_interstitial", "true"},
}

const cloudflareHostSubstring = "trycloudflare"

// Options configures a Client at construction; every field has a spec-given
// default.
type Options struct {
	APIVersion    string
	AuthKey       string
	Timeout       time.Duration
	MaxRetries    int
	BaseDelay     time.Duration
	MaxDelay      time.Duration
	RetryableCode map[int]bool
}

func (o Options) withDefaults() Options {
	if o.APIVersion == "" {
		o.APIVersion = "v1"
	}
	if o.Timeout == 0 {
		o.Timeout = DefaultTimeout
	}
	if o.MaxRetries == 0 {
		o.MaxRetries = DefaultMaxRetries
	}
	if o.BaseDelay == 0 {
		o.BaseDelay = DefaultBaseDelay
	}
	if o.MaxDelay == 0 {
		o.MaxDelay = DefaultMaxDelay
	}
	if o.RetryableCode == nil {
		o.RetryableCode = defaultRetryableStatuses
	}
	return o
}

// Client is the shared HTTP surface used by Y (sync), P (send pipeline),
// and A (attachments). Safe for concurrent use; update_server_address
// (UpdateServerAddress) swaps the origin under a lock so in-flight requests
// finish against whichever origin they started with.
type Client struct {
	opts Options

	mu      sync.RWMutex
	origin  string // scheme://host[:port], no trailing slash
	tunnel  string // lowercased host, cached for header lookup

	httpClient         *http.Client
	httpClientExtended *http.Client
}

// New builds a Client pointed at origin (e.g. "https://abc123.ngrok.io" or
// a bare host — see NormalizeOrigin).
func New(origin string, opts Options) *Client {
	opts = opts.withDefaults()
	c := &Client{
		opts:               opts,
		httpClient:         &http.Client{Timeout: opts.Timeout},
		httpClientExtended: &http.Client{Timeout: opts.Timeout * ExtendedMultiplier},
	}
	c.UpdateServerAddress(origin)
	return c
}

// NormalizeOrigin implements spec §6's scheme-inference rule: hosts that
// look like a known tunnel provider gain "https://"; anything else
// unschemed gains "http://".
func NormalizeOrigin(host string) string {
	if host == "" {
		return ""
	}
	if strings.Contains(host, "://") {
		return strings.TrimSuffix(host, "/")
	}
	lower := strings.ToLower(host)
	if strings.Contains(lower, "ngrok.io") || strings.Contains(lower, "trycloudflare.com") || strings.Contains(lower, "zrok.io") {
		return "https://" + host
	}
	return "http://" + host
}

// UpdateServerAddress implements the spec's update_server_address: swaps
// the effective origin (and the tunnel-header cache derived from it) under
// a write lock.
func (c *Client) UpdateServerAddress(host string) {
	origin := NormalizeOrigin(host)
	u, err := url.Parse(origin)
	tunnelHost := ""
	if err == nil {
		tunnelHost = strings.ToLower(u.Host)
	}

	c.mu.Lock()
	c.origin = strings.TrimSuffix(origin, "/")
	c.tunnel = tunnelHost
	c.mu.Unlock()
}

// Origin returns the currently configured origin.
func (c *Client) Origin() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.origin
}

// buildURL composes <origin>/api/<version><path><sep>guid=<auth_key>, sep
// being "&" when path already carries a query string, else "?" (spec
// §4.2).
func (c *Client) buildURL(path string) string {
	c.mu.RLock()
	origin, version, authKey := c.origin, c.opts.APIVersion, c.opts.AuthKey
	c.mu.RUnlock()

	sep := "?"
	if strings.Contains(path, "?") {
		sep = "&"
	}
	return fmt.Sprintf("%s/api/%s%s%sguid=%s", origin, version, path, sep, url.QueryEscape(authKey))
}

func (c *Client) tunnelHeadersFor() ([]tunnelHeader, bool) {
	c.mu.RLock()
	host := c.tunnel
	c.mu.RUnlock()

	var matched []tunnelHeader
	isCloudflare := strings.Contains(host, cloudflareHostSubstring)
	for _, th := range tunnelHeaders {
		if strings.Contains(host, th.hostSubstring) {
			matched = append(matched, th)
		}
	}
	return matched, isCloudflare
}

// Get issues a GET with the default timeout.
func (c *Client) Get(ctx context.Context, path string) (*http.Response, error) {
	return c.requestWithRetry(ctx, http.MethodGet, path, nil, c.opts.Timeout)
}

// GetExtended issues a GET with the extended timeout (bulk downloads).
func (c *Client) GetExtended(ctx context.Context, path string) (*http.Response, error) {
	return c.requestWithRetry(ctx, http.MethodGet, path, nil, c.opts.Timeout*ExtendedMultiplier)
}

// PostJSON issues a POST with the default timeout.
func (c *Client) PostJSON(ctx context.Context, path string, body []byte) (*http.Response, error) {
	return c.requestWithRetry(ctx, http.MethodPost, path, body, c.opts.Timeout)
}

// PostJSONExtended issues a POST with the extended timeout (bulk uploads of
// JSON payloads, as opposed to multipart — see PostMultipart).
func (c *Client) PostJSONExtended(ctx context.Context, path string, body []byte) (*http.Response, error) {
	return c.requestWithRetry(ctx, http.MethodPost, path, body, c.opts.Timeout*ExtendedMultiplier)
}

func logRequest(method, fullURL string, attempt int) {
	log.Debug().Str("method", method).Str("url", fullURL).Int("attempt", attempt).Msg("httpclient request")
}
