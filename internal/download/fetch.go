package download

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"math"
	"math/rand"
	"net/http"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/ralt/updatekit/internal/models"
)

// get issues a GET, retrying on rate limits and server errors. rangeHeader
// is sent as the Range header when non-empty.
func (e *Engine) get(ctx context.Context, rawURL, rangeHeader string) (*http.Response, error) {
	var lastErr error

	for attempt := 0; attempt <= e.maxRetries; attempt++ {
		if attempt > 0 {
			// Exponential backoff with 10% jitter
			delay := e.baseDelay * time.Duration(math.Pow(2, float64(attempt-1)))
			jitter := time.Duration(float64(delay) * (rand.Float64() * 0.1))
			delay += jitter

			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(delay):
			}
		}

		resp, err := e.guardedGet(ctx, rawURL, rangeHeader)
		if err == nil {
			return resp, nil
		}
		lastErr = err

		if errors.Is(err, ErrRateLimited) || (errors.Is(err, ErrUpstreamDown) && !errors.Is(err, errBreakerOpen)) {
			continue
		}
		return nil, err
	}

	return nil, lastErr
}

// guardedGet runs doGet through the host's circuit breaker when enabled.
func (e *Engine) guardedGet(ctx context.Context, rawURL, rangeHeader string) (*http.Response, error) {
	if e.breakers == nil {
		return e.doGet(ctx, rawURL, rangeHeader)
	}
	var resp *http.Response
	err := e.breakers.call(rawURL, func() error {
		var getErr error
		resp, getErr = e.doGet(ctx, rawURL, rangeHeader)
		return getErr
	})
	return resp, err
}

func (e *Engine) doGet(ctx context.Context, rawURL, rangeHeader string) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, http.NoBody)
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("User-Agent", e.userAgent)
	req.Header.Set("Accept", "*/*")
	if rangeHeader != "" {
		req.Header.Set("Range", rangeHeader)
	}

	resp, err := e.client.Do(req)
	if err != nil {
		return nil, models.NewError(models.ErrNetwork, redactURL(rawURL), err)
	}

	switch {
	case resp.StatusCode == http.StatusOK || resp.StatusCode == http.StatusPartialContent:
		return resp, nil

	case resp.StatusCode == http.StatusNotFound:
		_ = resp.Body.Close()
		return nil, models.NewError(models.ErrNotFound, redactURL(rawURL), ErrNotFound)

	case resp.StatusCode == http.StatusTooManyRequests:
		_ = resp.Body.Close()
		return nil, models.NewError(models.ErrNetwork, redactURL(rawURL), ErrRateLimited)

	case resp.StatusCode >= 500:
		_ = resp.Body.Close()
		return nil, models.NewError(models.ErrNetwork, redactURL(rawURL),
			fmt.Errorf("%w: status %d", ErrUpstreamDown, resp.StatusCode))

	default:
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		_ = resp.Body.Close()
		return nil, models.NewError(models.ErrNetwork, redactURL(rawURL),
			fmt.Errorf("unexpected status %d: %s", resp.StatusCode, string(body)))
	}
}

// fetchRanges splits the resource into e.parallel byte ranges, downloads
// them concurrently and joins them in range order.
func (e *Engine) fetchRanges(ctx context.Context, target *Target, onProgress ProgressFunc) ([]byte, error) {
	length := target.ContentLength
	n := e.parallel
	chunk := length / int64(n)
	parts := make([][]byte, n)
	tr := newTracker(length, onProgress)

	g, gctx := errgroup.WithContext(ctx)
	for i := 0; i < n; i++ {
		start := int64(i) * chunk
		end := start + chunk - 1
		if i == n-1 {
			end = length - 1
		}
		g.Go(func() error {
			data, err := e.fetchRange(gctx, target.URL, start, end, tr)
			if err != nil {
				return err
			}
			parts[i] = data
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	out := make([]byte, 0, length)
	for _, p := range parts {
		out = append(out, p...)
	}
	return out, nil
}

func (e *Engine) fetchRange(ctx context.Context, rawURL string, start, end int64, tr *tracker) ([]byte, error) {
	resp, err := e.get(ctx, rawURL, fmt.Sprintf("bytes=%d-%d", start, end))
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	want := end - start + 1
	if resp.StatusCode != http.StatusPartialContent {
		return nil, models.NewError(models.ErrNetwork, redactURL(rawURL),
			fmt.Errorf("%w: range %d-%d answered with status %d", ErrRangeMismatch, start, end, resp.StatusCode))
	}

	var buf bytes.Buffer
	buf.Grow(int(want))
	if _, err := io.Copy(io.MultiWriter(&buf, tr), io.LimitReader(resp.Body, want+1)); err != nil {
		return nil, models.NewError(models.ErrNetwork, redactURL(rawURL), fmt.Errorf("reading range %d-%d: %w", start, end, err))
	}
	if int64(buf.Len()) != want {
		return nil, models.NewError(models.ErrNetwork, redactURL(rawURL),
			fmt.Errorf("%w: range %d-%d returned %d bytes", ErrRangeMismatch, start, end, buf.Len()))
	}
	return buf.Bytes(), nil
}

// tracker accumulates completed bytes across concurrent writers and
// reports progress.
type tracker struct {
	mu        sync.Mutex
	total     int64
	completed int64
	fn        ProgressFunc
}

func newTracker(total int64, fn ProgressFunc) *tracker {
	return &tracker{total: total, fn: fn}
}

func (t *tracker) Write(p []byte) (int, error) {
	if t.fn == nil || t.total <= 0 {
		return len(p), nil
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	t.completed += int64(len(p))
	progress := float64(t.completed) / float64(t.total)
	if progress > 1 {
		progress = 1
	}
	t.fn(progress)
	return len(p), nil
}
