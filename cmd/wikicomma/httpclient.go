// SPDX-License-Identifier: MIT

package main

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync/atomic"
	"time"

	"github.com/andybalholm/brotli"
	"github.com/hashicorp/go-cleanhttp"
	"github.com/hashicorp/go-retryablehttp"
	"github.com/klauspost/compress/flate"
	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zlib"
	"gitlab.com/tozd/go/errors"
	"golang.org/x/net/proxy"
	"golang.org/x/sync/semaphore"
)

const (
	defaultUserAgent     = "wikicomma/1.0 (incremental wiki archiver)"
	defaultSlots         = 8
	defaultStallTimeout  = 20 * time.Second
	defaultWatchdogAfter = 10 * time.Second
	defaultRetryWait     = 5 * time.Second
	defaultMaxRetries    = 2
	maxRedirectHops      = 10
)

var (
	errStalledStream    = errors.Base("too slow download stream")
	errHTTPStatus       = errors.Base("unexpected HTTP status")
	errTooManyRedirects = errors.Base("too many redirects")
	errBadRedirect      = errors.Base("redirect without usable location")
)

// ClientOptions configures a per-site Client. Zero fields get defaults.
type ClientOptions struct {
	UserAgent  string
	Slots      int
	Throttle   *Throttle
	Jar        *CookieJar
	HTTPProxy  string // host:port forward proxy, plain-http requests only
	SOCKSProxy string // host:port SOCKS5 proxy, https requests only

	StallTimeout  time.Duration
	WatchdogAfter time.Duration
	RetryWait     time.Duration
	MaxRetries    int
}

// RequestOptions carries per-request tweaks.
type RequestOptions struct {
	Headers     map[string]string
	NoRedirects bool
}

// Response is a fully buffered, already content-decoded HTTP response.
type Response struct {
	StatusCode int
	Header     http.Header
	Body       []byte
}

// Client is the crawler's HTTP stack: a bounded pool of connection slots in
// front of a retrying transport, with cookie replay, token-bucket pacing,
// transparent br/gzip/deflate decoding, manual redirect following, and a
// stall watchdog on the body stream. One Client serves one site.
type Client struct {
	userAgent string
	jar       *CookieJar
	throttle  *Throttle
	slots     *semaphore.Weighted

	direct *retryablehttp.Client
	socks  *retryablehttp.Client

	stallTimeout  time.Duration
	watchdogAfter time.Duration
	lockups       atomic.Int64
}

func NewClient(opts ClientOptions) (*Client, errors.E) {
	if opts.UserAgent == "" {
		opts.UserAgent = defaultUserAgent
	}
	if opts.Slots <= 0 {
		opts.Slots = defaultSlots
	}
	if opts.Jar == nil {
		opts.Jar = NewCookieJar()
	}
	if opts.StallTimeout <= 0 {
		opts.StallTimeout = defaultStallTimeout
	}
	if opts.WatchdogAfter <= 0 {
		opts.WatchdogAfter = defaultWatchdogAfter
	}
	if opts.RetryWait <= 0 {
		opts.RetryWait = defaultRetryWait
	}
	if opts.MaxRetries < 0 {
		opts.MaxRetries = defaultMaxRetries
	}

	c := &Client{
		userAgent:     opts.UserAgent,
		jar:           opts.Jar,
		throttle:      opts.Throttle,
		slots:         semaphore.NewWeighted(int64(opts.Slots)),
		stallTimeout:  opts.StallTimeout,
		watchdogAfter: opts.WatchdogAfter,
	}

	directTransport := cleanhttp.DefaultPooledTransport()
	directTransport.DisableCompression = true
	directTransport.MaxIdleConnsPerHost = opts.Slots
	directTransport.ResponseHeaderTimeout = opts.StallTimeout
	if opts.HTTPProxy != "" {
		proxyURL, err := url.Parse("http://" + opts.HTTPProxy)
		if err != nil {
			return nil, errors.WithDetails(err, "proxy", opts.HTTPProxy)
		}
		directTransport.Proxy = func(req *http.Request) (*url.URL, error) {
			if req.URL.Scheme == "http" {
				return proxyURL, nil
			}
			return nil, nil
		}
	}
	c.direct = newRetryingClient(directTransport, opts)

	if opts.SOCKSProxy != "" {
		dialer, err := proxy.SOCKS5("tcp", opts.SOCKSProxy, nil, proxy.Direct)
		if err != nil {
			return nil, errors.WithDetails(err, "proxy", opts.SOCKSProxy)
		}
		contextDialer, ok := dialer.(proxy.ContextDialer)
		if !ok {
			return nil, errors.New("SOCKS dialer does not support contexts")
		}
		socksTransport := cleanhttp.DefaultPooledTransport()
		socksTransport.DisableCompression = true
		socksTransport.MaxIdleConnsPerHost = opts.Slots
		socksTransport.ResponseHeaderTimeout = opts.StallTimeout
		socksTransport.DialContext = contextDialer.DialContext
		c.socks = newRetryingClient(socksTransport, opts)
	}
	return c, nil
}

func newRetryingClient(transport *http.Transport, opts ClientOptions) *retryablehttp.Client {
	rc := retryablehttp.NewClient()
	rc.HTTPClient = &http.Client{
		Transport: transport,
		// Redirects are followed by hand so each hop can release its
		// connection slot and update the cookie jar.
		CheckRedirect: func(*http.Request, []*http.Request) error {
			return http.ErrUseLastResponse
		},
	}
	rc.RetryMax = opts.MaxRetries
	rc.RetryWaitMin = opts.RetryWait
	rc.RetryWaitMax = opts.RetryWait
	rc.Logger = nil
	return rc
}

// Get fetches rawURL. Redirects are followed unless opts disables them.
func (c *Client) Get(ctx context.Context, rawURL string, opts *RequestOptions) (*Response, errors.E) {
	return c.do(ctx, http.MethodGet, rawURL, nil, opts)
}

// PostForm sends a form-encoded POST.
func (c *Client) PostForm(ctx context.Context, rawURL string, form url.Values) (*Response, errors.E) {
	opts := &RequestOptions{Headers: map[string]string{
		"Content-Type": "application/x-www-form-urlencoded",
	}}
	return c.do(ctx, http.MethodPost, rawURL, []byte(form.Encode()), opts)
}

// Lockups reports how many times the slot watchdog saw a silent stream.
func (c *Client) Lockups() int64 {
	return c.lockups.Load()
}

// Jar exposes the cookie jar so the engine can persist it and read the form
// token back.
func (c *Client) Jar() *CookieJar {
	return c.jar
}

func (c *Client) do(ctx context.Context, method, rawURL string, body []byte, opts *RequestOptions) (*Response, errors.E) {
	if opts == nil {
		opts = &RequestOptions{}
	}
	current := rawURL
	for hop := 0; ; hop++ {
		if hop > maxRedirectHops {
			return nil, errors.WithDetails(errTooManyRedirects, "url", rawURL)
		}
		resp, redirect, errE := c.fetchOnce(ctx, method, current, body, opts)
		if errE != nil {
			return nil, errE
		}
		if redirect == "" {
			return resp, nil
		}
		current = redirect
	}
}

// fetchOnce performs one hop: slot acquire, send, cookie collection, body
// read with stall detection, content decoding. A non-empty redirect return
// means the caller should follow it; the slot is released before returning
// so the next hop queues like any other request.
func (c *Client) fetchOnce(ctx context.Context, method, rawURL string, body []byte, opts *RequestOptions) (*Response, string, errors.E) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, "", errors.WithDetails(err, "url", rawURL)
	}
	if errE := c.throttle.Wait(ctx); errE != nil {
		return nil, "", errE
	}
	if err := c.slots.Acquire(ctx, 1); err != nil {
		return nil, "", errors.WithStack(err)
	}
	defer c.slots.Release(1)

	var reqBody interface{}
	if body != nil {
		reqBody = body
	}
	req, err := retryablehttp.NewRequestWithContext(ctx, method, rawURL, reqBody)
	if err != nil {
		return nil, "", errors.WithDetails(err, "url", rawURL)
	}
	req.Header.Set("User-Agent", c.userAgent)
	req.Header.Set("Accept-Encoding", "br, gzip, deflate")
	if cookie := c.jar.Header(u); cookie != "" {
		req.Header.Set("Cookie", cookie)
	}
	for key, value := range opts.Headers {
		req.Header.Set(key, value)
	}

	client := c.direct
	if c.socks != nil && u.Scheme == "https" {
		client = c.socks
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil, "", errors.WithDetails(err, "url", rawURL)
	}
	defer resp.Body.Close()

	for _, header := range resp.Header.Values("Set-Cookie") {
		c.jar.Put(header, u.Hostname())
	}

	if !opts.NoRedirects && (resp.StatusCode == http.StatusMovedPermanently || resp.StatusCode == http.StatusFound) {
		target, errE := resolveRedirect(u, resp.Header.Get("Location"))
		if errE != nil {
			return nil, "", errE
		}
		io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))
		return nil, target, nil
	}

	raw, readErr := c.readAllStalling(resp.Body)
	encoding := resp.Header.Get("Content-Encoding")
	var decoded []byte
	if readErr != nil {
		// The stream died mid-body. For a compressed body whose accumulated
		// bytes still decode cleanly the payload was complete and only the
		// connection teardown was lost, so take it. A plain body offers no
		// such completeness check and the error stands.
		compressed := encoding != "" && !strings.EqualFold(encoding, "identity")
		if partial, errE := decodeContent(raw, encoding); compressed && errE == nil && len(partial) > 0 {
			decoded = partial
		} else {
			return nil, "", readErr
		}
	} else {
		var errE errors.E
		decoded, errE = decodeContent(raw, encoding)
		if errE != nil {
			return nil, "", errors.WithDetails(errE, "url", rawURL)
		}
	}

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusPartialContent {
		return nil, "", errors.WithDetails(errHTTPStatus,
			"url", rawURL,
			"status", resp.StatusCode,
			"body", truncateForError(decoded),
		)
	}
	return &Response{StatusCode: resp.StatusCode, Header: resp.Header, Body: decoded}, "", nil
}

// readAllStalling buffers the body, treating a stream that goes quiet for
// stallTimeout as dead. The quieter watchdogAfter threshold only bumps the
// lockups counter. On error the bytes read so far are returned alongside it.
func (c *Client) readAllStalling(r io.ReadCloser) ([]byte, errors.E) {
	var buf bytes.Buffer
	var stalled atomic.Bool
	stall := time.AfterFunc(c.stallTimeout, func() {
		stalled.Store(true)
		r.Close()
	})
	defer stall.Stop()
	watchdog := time.AfterFunc(c.watchdogAfter, func() {
		c.lockups.Add(1)
	})
	defer watchdog.Stop()

	chunk := make([]byte, 32<<10)
	for {
		n, err := r.Read(chunk)
		if n > 0 {
			buf.Write(chunk[:n])
			stall.Reset(c.stallTimeout)
			watchdog.Reset(c.watchdogAfter)
		}
		if err == io.EOF {
			return buf.Bytes(), nil
		}
		if err != nil {
			if stalled.Load() {
				return buf.Bytes(), errors.WithStack(errStalledStream)
			}
			return buf.Bytes(), errors.WithStack(err)
		}
	}
}

func decodeContent(raw []byte, encoding string) ([]byte, errors.E) {
	switch strings.ToLower(strings.TrimSpace(encoding)) {
	case "", "identity":
		return raw, nil
	case "br":
		out, err := io.ReadAll(brotli.NewReader(bytes.NewReader(raw)))
		if err != nil {
			return nil, errors.WithStack(err)
		}
		return out, nil
	case "gzip":
		zr, err := gzip.NewReader(bytes.NewReader(raw))
		if err != nil {
			return nil, errors.WithStack(err)
		}
		defer zr.Close()
		out, err := io.ReadAll(zr)
		if err != nil {
			return nil, errors.WithStack(err)
		}
		return out, nil
	case "deflate":
		// Servers disagree on whether deflate means zlib-wrapped or raw.
		if zr, err := zlib.NewReader(bytes.NewReader(raw)); err == nil {
			defer zr.Close()
			if out, err := io.ReadAll(zr); err == nil {
				return out, nil
			}
		}
		fr := flate.NewReader(bytes.NewReader(raw))
		defer fr.Close()
		out, err := io.ReadAll(fr)
		if err != nil {
			return nil, errors.WithStack(err)
		}
		return out, nil
	default:
		return nil, errors.Errorf("unsupported content encoding %q", encoding)
	}
}

// resolveRedirect resolves a Location header against the hop's URL. The
// forms seen in the wild are protocol-relative (//host/...), absolute-path
// (/...), and fully qualified; anything else resolves as a relative
// reference.
func resolveRedirect(base *url.URL, location string) (string, errors.E) {
	if location == "" {
		return "", errors.WithDetails(errBadRedirect, "url", base.String())
	}
	switch {
	case strings.HasPrefix(location, "//"):
		return base.Scheme + ":" + location, nil
	case strings.HasPrefix(location, "/"):
		return base.Scheme + "://" + base.Host + location, nil
	case strings.Contains(location, "://"):
		return location, nil
	default:
		ref, err := url.Parse(location)
		if err != nil {
			return "", errors.WithDetails(err, "location", location)
		}
		return base.ResolveReference(ref).String(), nil
	}
}

// httpStatus digs the status code out of an errHTTPStatus error chain,
// returning zero for other errors.
func httpStatus(err errors.E) int {
	if err == nil || !errors.Is(err, errHTTPStatus) {
		return 0
	}
	if status, ok := errors.AllDetails(err)["status"].(int); ok {
		return status
	}
	return 0
}

func truncateForError(body []byte) string {
	const limit = 512
	if len(body) <= limit {
		return string(body)
	}
	return string(body[:limit]) + "…"
}
