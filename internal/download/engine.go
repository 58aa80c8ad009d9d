// Package download fetches release bytes over HTTP. It resolves URLs with HEAD,
// follows redirects up to a fixed ceiling, and can split a download into
// concurrent byte ranges when the server supports them.
package download

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/rs/dnscache"
	"github.com/sirupsen/logrus"

	"github.com/ralt/updatekit/internal/models"
)

// DefaultMaxRedirects is the number of redirect hops followed before a
// fetch fails with ErrTooManyRedirects.
const DefaultMaxRedirects = 5

var (
	ErrTooManyRedirects = errors.New("too many redirects")
	ErrNotFound         = errors.New("resource not found")
	ErrRateLimited      = errors.New("rate limited by upstream")
	ErrUpstreamDown     = errors.New("upstream unavailable")
	ErrRangeMismatch    = errors.New("ranged response does not match request")
)

// ProgressFunc receives the completed fraction of a download, in [0, 1].
// It is only called when the total length is known.
type ProgressFunc func(progress float64)

// Target is what a HEAD request revealed about a URL after following
// redirects.
type Target struct {
	URL           string
	Redirects     int
	ContentLength int64 // -1 if unknown
	ContentType   string
	AcceptRanges  bool
}

// Engine downloads resources into memory.
type Engine struct {
	client       *http.Client
	userAgent    string
	maxRedirects int
	maxRetries   int
	baseDelay    time.Duration
	parallel     int
	timeout      time.Duration
	breakers     *breakerSet
}

// Option configures an Engine.
type Option func(*Engine)

// WithHTTPClient sets a custom HTTP client. Automatic redirect following is
// disabled on a copy of it.
func WithHTTPClient(c *http.Client) Option {
	return func(e *Engine) {
		e.client = c
	}
}

// WithUserAgent sets the User-Agent header.
func WithUserAgent(ua string) Option {
	return func(e *Engine) {
		e.userAgent = ua
	}
}

// WithMaxRedirects sets the redirect ceiling.
func WithMaxRedirects(n int) Option {
	return func(e *Engine) {
		e.maxRedirects = n
	}
}

// WithMaxRetries sets the maximum retry attempts for GET requests.
func WithMaxRetries(n int) Option {
	return func(e *Engine) {
		e.maxRetries = n
	}
}

// WithBaseDelay sets the base delay for exponential backoff.
func WithBaseDelay(d time.Duration) Option {
	return func(e *Engine) {
		e.baseDelay = d
	}
}

// WithParallel enables ranged downloads split into n concurrent requests.
// Values below 2 keep the single stream.
func WithParallel(n int) Option {
	return func(e *Engine) {
		e.parallel = n
	}
}

// WithTimeout bounds every Fetch call. Zero disables the bound.
func WithTimeout(d time.Duration) Option {
	return func(e *Engine) {
		e.timeout = d
	}
}

// WithCircuitBreaker guards GET requests with a per-host circuit breaker.
func WithCircuitBreaker(enabled bool) Option {
	return func(e *Engine) {
		if enabled {
			e.breakers = newBreakerSet()
		} else {
			e.breakers = nil
		}
	}
}

// New creates an Engine with the given options.
func New(opts ...Option) *Engine {
	e := &Engine{
		userAgent:    "updatekit/1.0",
		maxRedirects: DefaultMaxRedirects,
		maxRetries:   3,
		baseDelay:    500 * time.Millisecond,
		parallel:     1,
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.client == nil {
		e.client = newCachingClient()
	}

	// Redirects are followed by Resolve so they can be counted.
	c := *e.client
	c.CheckRedirect = func(*http.Request, []*http.Request) error {
		return http.ErrUseLastResponse
	}
	e.client = &c
	return e
}

// newCachingClient returns an HTTP client whose dialer resolves hosts
// through a DNS cache refreshed every five minutes.
func newCachingClient() *http.Client {
	resolver := &dnscache.Resolver{}
	go func() {
		ticker := time.NewTicker(5 * time.Minute)
		defer ticker.Stop()
		for range ticker.C {
			resolver.Refresh(true)
		}
	}()

	dialer := &net.Dialer{
		Timeout:   30 * time.Second,
		KeepAlive: 30 * time.Second,
	}

	return &http.Client{
		Transport: &http.Transport{
			Proxy: http.ProxyFromEnvironment,
			DialContext: func(ctx context.Context, network, addr string) (net.Conn, error) {
				host, port, err := net.SplitHostPort(addr)
				if err != nil {
					return nil, err
				}
				ips, err := resolver.LookupHost(ctx, host)
				if err != nil {
					return nil, err
				}
				for _, ip := range ips {
					conn, err := dialer.DialContext(ctx, network, net.JoinHostPort(ip, port))
					if err == nil {
						return conn, nil
					}
				}
				return nil, fmt.Errorf("failed to dial any resolved IP for %s", host)
			},
			MaxIdleConns:          100,
			MaxIdleConnsPerHost:   10,
			IdleConnTimeout:       90 * time.Second,
			TLSHandshakeTimeout:   10 * time.Second,
			ExpectContinueTimeout: 1 * time.Second,
		},
	}
}

// Fetch downloads rawURL into memory. onProgress may be nil.
func (e *Engine) Fetch(ctx context.Context, rawURL string, onProgress ProgressFunc) ([]byte, error) {
	if e.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, e.timeout)
		defer cancel()
	}

	target, err := e.Resolve(ctx, rawURL)
	if err != nil {
		return nil, err
	}
	if target.Redirects > 0 {
		logrus.Debugf("Resolved %s to %s after %d redirects", redactURL(rawURL), redactURL(target.URL), target.Redirects)
	}

	if e.parallel > 1 && target.AcceptRanges && target.ContentLength >= int64(e.parallel) {
		return e.fetchRanges(ctx, target, onProgress)
	}
	return e.fetchStream(ctx, target, onProgress)
}

// DownloadJSON fetches rawURL and decodes the body into v.
func (e *Engine) DownloadJSON(ctx context.Context, rawURL string, v any) error {
	data, err := e.Fetch(ctx, rawURL, nil)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(data, v); err != nil {
		return models.NewError(models.ErrParse, redactURL(rawURL), fmt.Errorf("decoding JSON: %w", err))
	}
	return nil
}

// Resolve issues HEAD requests, following redirects, and describes the
// terminal URL.
func (e *Engine) Resolve(ctx context.Context, rawURL string) (*Target, error) {
	current := rawURL
	for redirects := 0; ; redirects++ {
		resp, err := e.head(ctx, current)
		if err != nil {
			return nil, models.NewError(models.ErrNetwork, redactURL(current), err)
		}
		_ = resp.Body.Close()

		if isRedirect(resp.StatusCode) {
			location := resp.Header.Get("Location")
			if location == "" {
				return nil, models.NewError(models.ErrNetwork, redactURL(current),
					fmt.Errorf("status %d without Location header", resp.StatusCode))
			}
			if redirects >= e.maxRedirects {
				return nil, models.NewError(models.ErrRedirects, redactURL(rawURL),
					fmt.Errorf("%w: more than %d hops", ErrTooManyRedirects, e.maxRedirects))
			}
			next, err := resolveReference(current, location)
			if err != nil {
				return nil, models.NewError(models.ErrNetwork, redactURL(current), err)
			}
			current = next
			continue
		}

		target := &Target{URL: current, Redirects: redirects, ContentLength: -1}
		switch {
		case resp.StatusCode == http.StatusOK:
			target.ContentLength = parseLength(resp.Header.Get("Content-Length"))
			target.ContentType = resp.Header.Get("Content-Type")
			target.AcceptRanges = strings.EqualFold(resp.Header.Get("Accept-Ranges"), "bytes")
		case resp.StatusCode == http.StatusNotFound:
			return nil, models.NewError(models.ErrNotFound, redactURL(current), ErrNotFound)
		default:
			// Servers that reject HEAD (405, 501, signed URLs answering 403)
			// still get a GET attempt; it reports the real status.
			logrus.Debugf("HEAD %s returned %d, continuing without a content length", redactURL(current), resp.StatusCode)
		}
		return target, nil
	}
}

func (e *Engine) head(ctx context.Context, rawURL string) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodHead, rawURL, http.NoBody)
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("User-Agent", e.userAgent)
	return e.client.Do(req)
}

// fetchStream downloads the resource with a single GET.
func (e *Engine) fetchStream(ctx context.Context, target *Target, onProgress ProgressFunc) ([]byte, error) {
	resp, err := e.get(ctx, target.URL, "")
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	total := resp.ContentLength
	if total <= 0 {
		total = target.ContentLength
	}

	var buf bytes.Buffer
	if total > 0 {
		buf.Grow(int(total))
	}
	tr := newTracker(total, onProgress)
	if _, err := io.Copy(io.MultiWriter(&buf, tr), resp.Body); err != nil {
		return nil, models.NewError(models.ErrNetwork, redactURL(target.URL), fmt.Errorf("reading body: %w", err))
	}
	return buf.Bytes(), nil
}

func isRedirect(status int) bool {
	switch status {
	case http.StatusMovedPermanently, http.StatusFound, http.StatusSeeOther,
		http.StatusTemporaryRedirect, http.StatusPermanentRedirect:
		return true
	}
	return false
}

func resolveReference(base, location string) (string, error) {
	b, err := url.Parse(base)
	if err != nil {
		return "", fmt.Errorf("parsing URL: %w", err)
	}
	ref, err := url.Parse(location)
	if err != nil {
		return "", fmt.Errorf("parsing Location header: %w", err)
	}
	return b.ResolveReference(ref).String(), nil
}

func parseLength(v string) int64 {
	if v == "" {
		return -1
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil || n < 0 {
		return -1
	}
	return n
}

// redactURL strips query parameters and fragments from a URL so signed
// download links do not end up in logs or errors.
func redactURL(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil {
		return "<invalid-url>"
	}
	u.RawQuery = ""
	u.Fragment = ""
	return u.String()
}
