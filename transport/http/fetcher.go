// Package http provides a transport.Transport that downloads over HTTP with a
// fixed pool of workers serving requests in priority order.
package http

import (
	"container/heap"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	nethttp "net/http"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zstd"

	"github.com/meigma/rescache/transport"
)

const (
	defaultWorkers = 4
	defaultDirPerm = 0o700
)

// Fetcher implements transport.Transport.
//
// Queued requests are ordered by priority class, then weight, then arrival.
// Changing the priority of a queued request reorders it; changing it once
// the download started only affects bookkeeping.
type Fetcher struct {
	client      *nethttp.Client
	headers     nethttp.Header
	workers     int
	compression bool
	logger      *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc

	mu     sync.Mutex
	cond   *sync.Cond
	queue  requestQueue
	seq    uint64
	closed bool
	wg     sync.WaitGroup
}

var _ transport.Transport = (*Fetcher)(nil)

// Option configures a Fetcher.
type Option func(*Fetcher)

// WithClient sets the HTTP client used for requests.
func WithClient(client *nethttp.Client) Option {
	return func(f *Fetcher) {
		f.client = client
	}
}

// WithHeaders sets additional headers on each request.
func WithHeaders(headers nethttp.Header) Option {
	return func(f *Fetcher) {
		if headers == nil {
			return
		}
		f.headers = headers.Clone()
	}
}

// WithHeader sets a single header on each request.
func WithHeader(key, value string) Option {
	return func(f *Fetcher) {
		if f.headers == nil {
			f.headers = make(nethttp.Header)
		}
		f.headers.Set(key, value)
	}
}

// WithUserAgent sets the User-Agent header.
func WithUserAgent(ua string) Option {
	return WithHeader("User-Agent", ua)
}

// WithWorkers sets the number of concurrent downloads (default 4).
// Values < 1 are treated as 1.
func WithWorkers(n int) Option {
	return func(f *Fetcher) {
		if n < 1 {
			n = 1
		}
		f.workers = n
	}
}

// WithCompression controls whether zstd and gzip response encodings are
// requested and decoded (default: true).
func WithCompression(enabled bool) Option {
	return func(f *Fetcher) {
		f.compression = enabled
	}
}

// WithLogger sets the logger for download events.
func WithLogger(logger *slog.Logger) Option {
	return func(f *Fetcher) {
		if logger != nil {
			f.logger = logger
		}
	}
}

// New creates a Fetcher and starts its workers. Call Close to stop them.
func New(opts ...Option) *Fetcher {
	f := &Fetcher{
		client:      nethttp.DefaultClient,
		workers:     defaultWorkers,
		compression: true,
		logger:      slog.New(slog.DiscardHandler),
	}
	for _, opt := range opts {
		opt(f)
	}
	if f.client == nil {
		f.client = nethttp.DefaultClient
	}
	f.cond = sync.NewCond(&f.mu)
	f.ctx, f.cancel = context.WithCancel(context.Background())

	for range f.workers {
		f.wg.Add(1)
		go f.worker()
	}
	return f
}

// FetchToFile queues a download of url into destPath.
func (f *Fetcher) FetchToFile(url, destPath string, opts transport.Options, done transport.Completion) transport.Request {
	r := &request{
		id:       uuid.NewString(),
		url:      url,
		dest:     destPath,
		opts:     opts,
		done:     done,
		fetcher:  f,
		priority: transport.PriorityNormal,
		index:    -1,
	}

	f.mu.Lock()
	if f.closed {
		f.mu.Unlock()
		go done(transport.Result{Err: transport.ErrClosed})
		return r
	}
	r.seq = f.seq
	f.seq++
	heap.Push(&f.queue, r)
	f.mu.Unlock()
	f.cond.Signal()

	f.logger.Debug("fetch queued",
		slog.String("id", r.id),
		slog.String("url", url),
		slog.Int("weight", opts.Weight))
	return r
}

// Pending returns the number of queued requests that have not started.
func (f *Fetcher) Pending() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.queue.Len()
}

// Close cancels active downloads, completes queued requests with
// transport.ErrClosed, and waits for the workers to exit.
func (f *Fetcher) Close() error {
	f.mu.Lock()
	if f.closed {
		f.mu.Unlock()
		return nil
	}
	f.closed = true
	pending := make([]*request, 0, f.queue.Len())
	for f.queue.Len() > 0 {
		pending = append(pending, heap.Pop(&f.queue).(*request))
	}
	f.mu.Unlock()

	f.cancel()
	f.cond.Broadcast()
	for _, r := range pending {
		r.done(transport.Result{Err: transport.ErrClosed})
	}
	f.wg.Wait()
	return nil
}

func (f *Fetcher) worker() {
	defer f.wg.Done()
	for {
		f.mu.Lock()
		for f.queue.Len() == 0 && !f.closed {
			f.cond.Wait()
		}
		if f.closed {
			f.mu.Unlock()
			return
		}
		r := heap.Pop(&f.queue).(*request)
		f.mu.Unlock()

		f.run(r)
	}
}

func (f *Fetcher) run(r *request) {
	start := time.Now()
	size, err := f.download(r)
	if err != nil {
		f.logger.Debug("fetch failed",
			slog.String("id", r.id),
			slog.String("url", r.url),
			slog.Any("error", err))
	} else {
		f.logger.Debug("fetch complete",
			slog.String("id", r.id),
			slog.String("url", r.url),
			slog.Int64("size", size),
			slog.Duration("elapsed", time.Since(start)))
	}
	r.done(transport.Result{Size: size, Err: err})
}

func (f *Fetcher) download(r *request) (int64, error) {
	req, err := nethttp.NewRequestWithContext(f.ctx, nethttp.MethodGet, r.url, nil)
	if err != nil {
		return 0, err
	}
	for key, values := range f.headers {
		for _, value := range values {
			req.Header.Add(key, value)
		}
	}
	for key, values := range r.opts.Header {
		req.Header.Del(key)
		for _, value := range values {
			req.Header.Add(key, value)
		}
	}
	if f.compression && req.Header.Get("Accept-Encoding") == "" {
		req.Header.Set("Accept-Encoding", "zstd, gzip")
	}

	resp, err := f.client.Do(req)
	if err != nil {
		return 0, err
	}
	defer func() {
		_, _ = io.Copy(io.Discard, resp.Body)
		_ = resp.Body.Close()
	}()
	if resp.StatusCode != nethttp.StatusOK {
		return 0, fmt.Errorf("fetch %s: %s", r.url, resp.Status)
	}

	body, total, err := decodeBody(resp)
	if err != nil {
		return 0, err
	}
	defer body.Close()

	dir := filepath.Dir(r.dest)
	if err := os.MkdirAll(dir, defaultDirPerm); err != nil {
		return 0, err
	}
	tmp, err := os.CreateTemp(dir, ".fetch-*")
	if err != nil {
		return 0, err
	}
	tmpPath := tmp.Name()

	w := &progressWriter{w: tmp, total: total, fn: r.opts.Progress}
	written, err := io.Copy(w, body)
	if err != nil {
		tmp.Close()
		_ = os.Remove(tmpPath)
		return 0, err
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpPath)
		return 0, err
	}
	if err := os.Rename(tmpPath, r.dest); err != nil {
		_ = os.Remove(tmpPath)
		return 0, err
	}
	return written, nil
}

// decodeBody wraps the response body according to its Content-Encoding.
// The returned total is the expected decoded size, or 0 when unknown.
func decodeBody(resp *nethttp.Response) (io.ReadCloser, int64, error) {
	encoding := strings.ToLower(strings.TrimSpace(resp.Header.Get("Content-Encoding")))
	switch encoding {
	case "", "identity":
		total := resp.ContentLength
		if total < 0 {
			total = 0
		}
		return io.NopCloser(resp.Body), total, nil
	case "zstd":
		dec, err := zstd.NewReader(resp.Body)
		if err != nil {
			return nil, 0, fmt.Errorf("zstd response: %w", err)
		}
		return dec.IOReadCloser(), 0, nil
	case "gzip":
		gz, err := gzip.NewReader(resp.Body)
		if err != nil {
			return nil, 0, fmt.Errorf("gzip response: %w", err)
		}
		return gz, 0, nil
	default:
		return nil, 0, errors.New("unsupported content encoding " + encoding)
	}
}

type progressWriter struct {
	w     io.Writer
	done  int64
	total int64
	fn    transport.ProgressFunc
}

func (p *progressWriter) Write(b []byte) (int, error) {
	n, err := p.w.Write(b)
	p.done += int64(n)
	if p.fn != nil && n > 0 {
		p.fn(p.done, p.total)
	}
	return n, err
}

type request struct {
	id      string
	url     string
	dest    string
	opts    transport.Options
	done    transport.Completion
	fetcher *Fetcher

	// guarded by fetcher.mu
	priority transport.Priority
	seq      uint64
	index    int
}

func (r *request) ID() string { return r.id }

func (r *request) SetPriority(p transport.Priority) {
	f := r.fetcher
	f.mu.Lock()
	defer f.mu.Unlock()
	if r.priority == p {
		return
	}
	r.priority = p
	if r.index >= 0 {
		heap.Fix(&f.queue, r.index)
	}
	f.logger.Debug("fetch priority changed",
		slog.String("id", r.id),
		slog.String("priority", p.String()))
}

// requestQueue is a max-heap of queued requests.
type requestQueue []*request

func (q requestQueue) Len() int { return len(q) }

func (q requestQueue) Less(i, j int) bool {
	a, b := q[i], q[j]
	if a.priority != b.priority {
		return a.priority > b.priority
	}
	if a.opts.Weight != b.opts.Weight {
		return a.opts.Weight > b.opts.Weight
	}
	return a.seq < b.seq
}

func (q requestQueue) Swap(i, j int) {
	q[i], q[j] = q[j], q[i]
	q[i].index = i
	q[j].index = j
}

func (q *requestQueue) Push(x any) {
	r := x.(*request)
	r.index = len(*q)
	*q = append(*q, r)
}

func (q *requestQueue) Pop() any {
	old := *q
	n := len(old)
	r := old[n-1]
	old[n-1] = nil
	r.index = -1
	*q = old[:n-1]
	return r
}
