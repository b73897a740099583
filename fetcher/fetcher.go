// Package fetcher performs the actual network transfers for the pipeline.
// It is deliberately isolated behind a small contract: batch jobs of
// (url, filename) pairs go in, buffers plus per-item errors come out. An
// item error never aborts its siblings; only a failure of the batch
// mechanism itself (cancellation) surfaces as the batch error.
//
// Two implementations exist: Pool runs items on a bounded group of
// goroutines, Inline runs the identical per-item function on the calling
// goroutine. Both share fetchOne, so their behavior cannot diverge.
package fetcher

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"time"

	"golang.org/x/sync/errgroup"
)

// DefaultMaxFetchSize is the hard ceiling on a single fetched payload:
// 1.5 GiB. Anything larger is rejected, not buffered.
const DefaultMaxFetchSize int64 = 1536 << 20

// ErrTooLarge is returned when a response exceeds the size ceiling.
var ErrTooLarge = errors.New("response exceeds the maximum allowed size")

// StatusError is a non-success response while fetching a payload URL.
type StatusError struct {
	Code int
	URL  string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("fetch of %s returned status %d", e.URL, e.Code)
}

// Request is one (url, filename) batch item.
type Request struct {
	URL      string
	Filename string
}

// Result is the outcome of one batch item. Err keeps its concrete type
// (StatusError, ErrTooLarge) so callers can classify the failure.
type Result struct {
	Filename string
	Data     []byte
	Err      error
}

// Fetcher is the contract the pipeline's stage workers consume.
type Fetcher interface {
	// FetchBatch resolves every request and returns one Result per
	// request in order. The returned error reports a failure of the batch
	// mechanism itself (e.g. cancellation), not of individual items.
	FetchBatch(ctx context.Context, reqs []Request, headers map[string]string) ([]Result, error)

	// Fetch retrieves a single URL, honoring the size ceiling.
	Fetch(ctx context.Context, url string, headers map[string]string) ([]byte, error)
}

// Based on http.DefaultTransport. A single server-initiated renegotiation
// is allowed; a few upstream file hosts still need it.
var transport = &http.Transport{
	Proxy: http.ProxyFromEnvironment,
	DialContext: (&net.Dialer{
		Timeout:   5 * time.Second,
		KeepAlive: 30 * time.Second,
	}).DialContext,
	MaxIdleConns:          100,
	IdleConnTimeout:       90 * time.Second,
	TLSHandshakeTimeout:   4 * time.Second,
	ExpectContinueTimeout: 1 * time.Second,
	TLSClientConfig:       &tls.Config{Renegotiation: tls.RenegotiateOnceAsClient},
}

func newClient() *http.Client {
	// No application-level timeout: large archive downloads run long and
	// cancellation comes from the per-job context instead.
	return &http.Client{Transport: transport}
}

// fetchOne is the single shared fetch routine. Both implementations call
// it so an inline fallback produces bit-identical behavior.
func fetchOne(ctx context.Context, client *http.Client, url string, headers map[string]string, maxSize int64) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("build fetch request for %s: %w", url, err)
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, &StatusError{Code: resp.StatusCode, URL: url}
	}
	if resp.ContentLength > maxSize {
		return nil, ErrTooLarge
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxSize+1))
	if err != nil {
		return nil, fmt.Errorf("read body of %s: %w", url, err)
	}
	if int64(len(data)) > maxSize {
		return nil, ErrTooLarge
	}
	return data, nil
}

// Pool fetches batch items on up to Workers parallel goroutines.
type Pool struct {
	client  *http.Client
	workers int
	maxSize int64
}

// NewPool returns a Pool running at most workers concurrent transfers,
// each capped at maxSize bytes (DefaultMaxFetchSize when <= 0).
func NewPool(workers int, maxSize int64) *Pool {
	if workers <= 0 {
		workers = 4
	}
	if maxSize <= 0 {
		maxSize = DefaultMaxFetchSize
	}
	return &Pool{client: newClient(), workers: workers, maxSize: maxSize}
}

func (p *Pool) FetchBatch(ctx context.Context, reqs []Request, headers map[string]string) ([]Result, error) {
	results := make([]Result, len(reqs))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(p.workers)
	for i, req := range reqs {
		i, req := i, req
		g.Go(func() error {
			results[i].Filename = req.Filename
			data, err := fetchOne(gctx, p.client, req.URL, headers, p.maxSize)
			if err != nil {
				if gctx.Err() != nil {
					// Cancellation fails the whole batch, not the item.
					return gctx.Err()
				}
				results[i].Err = err
				return nil
			}
			results[i].Data = data
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return nil, err
	}
	return results, nil
}

func (p *Pool) Fetch(ctx context.Context, url string, headers map[string]string) ([]byte, error) {
	return fetchOne(ctx, p.client, url, headers, p.maxSize)
}

// Inline runs the identical fetch logic synchronously on the calling
// goroutine. It backs the batch-failure fallback path and small deployments
// that want no extra goroutines.
type Inline struct {
	client  *http.Client
	maxSize int64
}

// NewInline returns an Inline fetcher with the given size ceiling
// (DefaultMaxFetchSize when <= 0).
func NewInline(maxSize int64) *Inline {
	if maxSize <= 0 {
		maxSize = DefaultMaxFetchSize
	}
	return &Inline{client: newClient(), maxSize: maxSize}
}

func (f *Inline) FetchBatch(ctx context.Context, reqs []Request, headers map[string]string) ([]Result, error) {
	results := make([]Result, len(reqs))
	for i, req := range reqs {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		results[i].Filename = req.Filename
		data, err := fetchOne(ctx, f.client, req.URL, headers, f.maxSize)
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			results[i].Err = err
			continue
		}
		results[i].Data = data
	}
	return results, nil
}

func (f *Inline) Fetch(ctx context.Context, url string, headers map[string]string) ([]byte, error) {
	return fetchOne(ctx, f.client, url, headers, f.maxSize)
}
