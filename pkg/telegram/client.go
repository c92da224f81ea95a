// Package telegram talks to the messaging platform's web API: paginated
// member-list queries through an authenticated session and a SOCKS5
// egress proxy, and tolerant normalization of the raw payloads.
package telegram

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"sync"
	"time"

	xproxy "golang.org/x/net/proxy"

	enginerr "tgcollect/pkg/errors"
	"tgcollect/pkg/logger"
)

const (
	// BaseURL is the base URL for the platform's web API
	BaseURL = "https://web.telegram.org"

	// MembersEndpoint is the endpoint pattern for group member pages
	MembersEndpoint = "/api/v1/groups/%s/members"

	// MaxPageSize is the largest member page the API serves
	MaxPageSize = 200
)

// Client performs member-list fetches. One Client serves all identities
// and proxies; per-proxy transports are built lazily and cached.
type Client struct {
	baseURL string
	timeout time.Duration
	headers map[string]string
	logger  logger.Logger

	mu         sync.Mutex
	transports map[string]*http.Transport // proxy address -> transport
}

// NewClient creates a platform client with the given fetch timeout.
func NewClient(timeout time.Duration, log logger.Logger) *Client {
	if log == nil {
		log = logger.GetLogger()
	}
	return &Client{
		baseURL: BaseURL,
		timeout: timeout,
		headers: map[string]string{
			"User-Agent":      "Mozilla/5.0 (X11; Linux x86_64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/121.0.0.0 Safari/537.36",
			"Accept":          "application/json",
			"Accept-Language": "en-US,en;q=0.9",
		},
		logger:     log,
		transports: make(map[string]*http.Transport),
	}
}

// SetBaseURL overrides the API base URL (tests point it at a local server).
func (c *Client) SetBaseURL(u string) {
	c.baseURL = u
}

// SetHeader sets a custom header sent with every request.
func (c *Client) SetHeader(key, value string) {
	c.headers[key] = value
}

// transportFor returns a transport dialing through the given SOCKS5
// proxy address, or a direct transport when the address is empty.
func (c *Client) transportFor(proxyAddr string) (*http.Transport, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if t, ok := c.transports[proxyAddr]; ok {
		return t, nil
	}

	t := &http.Transport{
		MaxIdleConnsPerHost: 2,
		IdleConnTimeout:     90 * time.Second,
	}
	if proxyAddr != "" {
		host, err := socksHost(proxyAddr)
		if err != nil {
			return nil, err
		}
		dialer, err := xproxy.SOCKS5("tcp", host, nil, xproxy.Direct)
		if err != nil {
			return nil, fmt.Errorf("building socks5 dialer for %s: %w", proxyAddr, err)
		}
		ctxDialer, ok := dialer.(xproxy.ContextDialer)
		if !ok {
			return nil, fmt.Errorf("socks5 dialer for %s does not support context", proxyAddr)
		}
		t.DialContext = func(ctx context.Context, network, addr string) (net.Conn, error) {
			return ctxDialer.DialContext(ctx, network, addr)
		}
	}

	c.transports[proxyAddr] = t
	return t, nil
}

// socksHost extracts host:port from a socks5://host:port address; a
// bare host:port passes through.
func socksHost(addr string) (string, error) {
	if u, err := url.Parse(addr); err == nil && u.Scheme != "" {
		if u.Scheme != "socks5" {
			return "", fmt.Errorf("unsupported proxy scheme %q in %s", u.Scheme, addr)
		}
		return u.Host, nil
	}
	return addr, nil
}

// FetchPage fetches one member page of the target entity through the
// given proxy, authenticated by the opaque session credential. The
// context bounds the attempt wall-clock; a timeout surfaces as a
// retryable fetch error.
func (c *Client) FetchPage(ctx context.Context, credential, proxyAddr, target, cursor string, limit int) (Page, error) {
	if limit <= 0 || limit > MaxPageSize {
		limit = MaxPageSize
	}

	transport, err := c.transportFor(proxyAddr)
	if err != nil {
		return Page{}, enginerr.Wrap(enginerr.ErrorTypeRetryableFetch, "proxy transport", err)
	}
	httpClient := &http.Client{Transport: transport, Timeout: c.timeout}

	endpoint := fmt.Sprintf(c.baseURL+MembersEndpoint, url.PathEscape(target))
	params := url.Values{}
	params.Set("limit", fmt.Sprintf("%d", limit))
	if cursor != "" {
		params.Set("cursor", cursor)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint+"?"+params.Encode(), nil)
	if err != nil {
		return Page{}, enginerr.Wrap(enginerr.ErrorTypeFatalFetch, "building request", err)
	}
	for k, v := range c.headers {
		req.Header.Set(k, v)
	}
	req.Header.Set("Authorization", "Session "+credential)

	start := time.Now()
	resp, err := httpClient.Do(req)
	if err != nil {
		c.logger.DebugWithFields("Member page fetch failed", map[string]interface{}{
			"target":   target,
			"proxy":    proxyAddr,
			"duration": time.Since(start),
			"error":    err.Error(),
		})
		return Page{}, enginerr.Wrap(enginerr.ErrorTypeRetryableFetch, "network error", err)
	}
	defer resp.Body.Close()

	if err := checkStatus(resp.StatusCode); err != nil {
		return Page{}, err
	}

	var raw memberListResponse
	if err := json.NewDecoder(resp.Body).Decode(&raw); err != nil {
		// A truncated or drifted envelope is worth retrying on a fresh
		// identity/proxy; per-entry drift is handled in normalization.
		return Page{}, enginerr.Wrap(enginerr.ErrorTypeRetryableFetch, "decoding member page", err)
	}

	page := normalizePage(raw, c.logger)
	c.logger.DebugWithFields("Member page fetched", map[string]interface{}{
		"target":   target,
		"members":  len(page.Records),
		"skipped":  page.Skipped,
		"has_more": page.HasMore,
		"duration": time.Since(start),
	})
	return page, nil
}

// checkStatus maps HTTP status codes onto engine error kinds.
func checkStatus(code int) error {
	switch {
	case code == http.StatusOK:
		return nil
	case code == http.StatusUnauthorized || code == http.StatusForbidden:
		return &enginerr.Error{Type: enginerr.ErrorTypeFatalFetch, Message: "authentication revoked or target forbidden", Code: code}
	case code == http.StatusNotFound:
		return &enginerr.Error{Type: enginerr.ErrorTypeFatalFetch, Message: "target not accessible", Code: code}
	case code == http.StatusTooManyRequests:
		return &enginerr.Error{Type: enginerr.ErrorTypeRetryableFetch, Message: "rate limited by platform", Code: code}
	case code >= 500:
		return &enginerr.Error{Type: enginerr.ErrorTypeRetryableFetch, Message: "platform server error", Code: code}
	default:
		return &enginerr.Error{Type: enginerr.ErrorTypeFatalFetch, Message: "unexpected response", Code: code}
	}
}
