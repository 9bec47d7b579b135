// Package mirror implements the core serving path: try each configured
// mirror URL in order, classify the response, and either stream it
// straight through or tee it into the on-disk cache while streaming.
package mirror

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
	"github.com/spf13/afero"
	"golang.org/x/sync/semaphore"

	"github.com/mirrorkeep/apt-cache-proxy/internal/blacklist"
	"github.com/mirrorkeep/apt-cache-proxy/internal/pathmap"
	"github.com/mirrorkeep/apt-cache-proxy/internal/stats"
	"github.com/mirrorkeep/apt-cache-proxy/internal/upstream"
)

// CacheEvent names the observation logged for a completed fetch, the Go
// equivalent of the original implementation's CACHED/HIT/PARTIAL/
// BLACKLISTED/FAILED log lines.
type CacheEvent string

const (
	EventCached      CacheEvent = "CACHED"
	EventHit304      CacheEvent = "HIT (304)"
	EventPartial     CacheEvent = "PARTIAL"
	EventBlacklisted CacheEvent = "BLACKLISTED"
	EventFailed      CacheEvent = "FAILED"
)

// Envelope is the response handed back to the (out-of-scope) HTTP
// front-end: a status code, a filtered header set, and a lazily-read
// body. The front-end is responsible for streaming Body to the socket
// and closing it; closing before EOF is a legitimate client-disconnect
// abort, and is handled correctly by any Body this package returns.
type Envelope struct {
	StatusCode int
	Header     http.Header
	Body       io.ReadCloser
	Event      CacheEvent
	LastError  error
}

// maxConnsPerHost bounds concurrent in-flight fetches to the same
// upstream host, mirroring the original cybozu-go-aptutil cacher's
// per-host semaphore.
const maxConnsPerHost = 8

// Server ties together the path mapper, blacklist, upstream fetcher,
// and stats tracker into the mirror-failover-and-cache-writer described
// by the core serving contract.
type Server struct {
	fs      afero.Fs
	fetcher *upstream.Fetcher
	paths   *pathmap.Mapper
	bl      *blacklist.Matcher
	tracker *stats.Tracker
	log     *slog.Logger

	hostMu  sync.Mutex
	hostSem map[string]*semaphore.Weighted
}

// New constructs a Server. fs is the same afero.Fs the path mapper and
// retention sweeper use, so tests can share an in-memory filesystem.
func New(fs afero.Fs, fetcher *upstream.Fetcher, paths *pathmap.Mapper, bl *blacklist.Matcher, tracker *stats.Tracker, log *slog.Logger) *Server {
	return &Server{
		fs:      fs,
		fetcher: fetcher,
		paths:   paths,
		bl:      bl,
		tracker: tracker,
		log:     log,
		hostSem: make(map[string]*semaphore.Weighted),
	}
}

func (s *Server) hostSemaphore(host string) *semaphore.Weighted {
	s.hostMu.Lock()
	defer s.hostMu.Unlock()
	sem, ok := s.hostSem[host]
	if !ok {
		sem = semaphore.NewWeighted(maxConnsPerHost)
		s.hostSem[host] = sem
	}
	return sem
}

// Serve tries each URL in urls in order against (distro, reqPath),
// returning the first successful envelope. If every mirror fails
// recoverably, it returns a 502 envelope carrying the last error.
func (s *Server) Serve(ctx context.Context, distro, reqPath string, urls []string, requestHeaders http.Header) (*Envelope, error) {
	cachePath, err := s.paths.Map(distro, reqPath)
	if err != nil {
		return nil, fmt.Errorf("mirror: mapping cache path: %w", err)
	}
	shouldCache := !s.bl.IsBlacklisted(pathmap.RealBasename(cachePath))

	var lastErr error
	for _, base := range urls {
		fetchURL := joinURL(base, reqPath)
		host := hostOf(fetchURL)

		sem := s.hostSemaphore(host)
		if err := sem.Acquire(ctx, 1); err != nil {
			return nil, err
		}
		res := s.fetcher.Fetch(ctx, fetchURL, requestHeaders)

		switch res.Outcome {
		case upstream.OutcomeRecoverableMiss:
			sem.Release(1)
			lastErr = res.Err
			if s.log != nil {
				s.log.Debug("mirror: recoverable miss, trying next mirror", "url", fetchURL, "error", res.Err)
			}
			continue

		case upstream.OutcomePassthrough:
			sem.Release(1)
			s.tracker.RecordHit()
			s.logEvent(EventHit304, fetchURL)
			return &Envelope{StatusCode: res.StatusCode, Header: res.Header, Body: io.NopCloser(strings.NewReader("")), Event: EventHit304}, nil

		case upstream.OutcomeStreamOnly:
			s.tracker.RecordMiss()
			s.logEvent(EventPartial, fetchURL)
			body := &countingBody{ReadCloser: res.Body, tracker: s.tracker, ctx: ctx, release: func() { sem.Release(1) }}
			return &Envelope{StatusCode: res.StatusCode, Header: res.Header, Body: body, Event: EventPartial}, nil

		case upstream.OutcomeCache:
			s.tracker.RecordMiss()
			if !shouldCache {
				s.logEvent(EventBlacklisted, fetchURL)
				body := &countingBody{ReadCloser: res.Body, tracker: s.tracker, ctx: ctx, release: func() { sem.Release(1) }}
				return &Envelope{StatusCode: res.StatusCode, Header: res.Header, Body: body, Event: EventBlacklisted}, nil
			}

			s.logEvent(EventCached, fetchURL)
			tee, err := s.teeToCache(ctx, res.Body, cachePath)
			if err != nil {
				sem.Release(1)
				return nil, err
			}
			body := &countingBody{ReadCloser: tee, tracker: s.tracker, ctx: ctx, release: func() { sem.Release(1) }}
			return &Envelope{StatusCode: res.StatusCode, Header: res.Header, Body: body, Event: EventCached}, nil
		}
	}

	if s.log != nil {
		s.log.Warn("mirror: all mirrors exhausted", "path", reqPath, "last_error", lastErr)
	}
	s.logEvent(EventFailed, reqPath)
	msg := "all mirrors exhausted"
	if lastErr != nil {
		msg = lastErr.Error()
	}
	return &Envelope{
		StatusCode: http.StatusBadGateway,
		Header:     http.Header{},
		Body:       io.NopCloser(strings.NewReader(msg)),
		Event:      EventFailed,
		LastError:  lastErr,
	}, nil
}

func (s *Server) logEvent(event CacheEvent, detail string) {
	if s.log == nil {
		return
	}
	level := slog.LevelInfo
	if event == EventFailed {
		level = slog.LevelError
	} else if event == EventBlacklisted {
		level = slog.LevelWarn
	}
	s.log.Log(context.Background(), level, string(event), "detail", detail)
	if s.tracker != nil {
		s.tracker.AddLog(level.String(), string(event)+" "+detail)
	}
}

// teeBody is the lazily-read body handed to callers when a response is
// being cached: reading it pulls from upstream and simultaneously tees
// every chunk into the cache ".tmp" file. Closing it finalizes the
// write — rename on clean EOF, unlink on any earlier termination. Each
// chunk is handed to the cache-writer goroutine through a synchronous
// pipe before Read returns, but a failed cache write never fails the
// caller's read.
//
// This is the same io.Pipe + io.TeeReader shape the original pull-
// through proxy used to tee an upstream body into both the client
// response and the cache store; here the "store" side is a plain file
// and the "client" side is a reader the caller pulls lazily instead of
// an http.ResponseWriter being driven eagerly.
type teeBody struct {
	upstream io.ReadCloser
	tee      io.Reader
	pw       *io.PipeWriter
	done     chan struct{}

	tmpPath, finalPath string
	fs                 afero.Fs

	reachedEOF atomic.Bool
	writeErr   error

	release   func()
	closeOnce sync.Once
}

func (s *Server) teeToCache(ctx context.Context, src io.ReadCloser, finalPath string) (*teeBody, error) {
	tmpPath := finalPath + ".tmp-" + uuid.NewString()

	f, err := s.fs.Create(tmpPath)
	if err != nil {
		src.Close()
		return nil, fmt.Errorf("mirror: creating temp cache file: %w", err)
	}

	pr, pw := io.Pipe()
	sw := &safeWriter{w: pw}
	tee := io.TeeReader(src, sw)

	tb := &teeBody{
		upstream:  src,
		tee:       tee,
		pw:        pw,
		done:      make(chan struct{}),
		tmpPath:   tmpPath,
		finalPath: finalPath,
		fs:        s.fs,
	}

	go func() {
		defer close(tb.done)
		_, err := io.Copy(f, pr)
		closeErr := f.Close()
		if err == nil {
			err = closeErr
		}
		tb.writeErr = err
		if err != nil {
			pr.CloseWithError(err)
		}
	}()

	return tb, nil
}

func (b *teeBody) Read(p []byte) (int, error) {
	n, err := b.tee.Read(p)
	if errors.Is(err, io.EOF) {
		b.reachedEOF.Store(true)
	}
	return n, err
}

func (b *teeBody) Close() error {
	var retErr error
	b.closeOnce.Do(func() {
		retErr = b.upstream.Close()
		b.pw.Close()
		<-b.done

		if b.reachedEOF.Load() && b.writeErr == nil {
			if err := b.fs.Rename(b.tmpPath, b.finalPath); err != nil {
				b.fs.Remove(b.tmpPath)
				if retErr == nil {
					retErr = err
				}
			}
		} else {
			b.fs.Remove(b.tmpPath)
		}
		if b.release != nil {
			b.release()
		}
	})
	return retErr
}

// safeWriter mirrors the original proxy's stream tee writer: it never
// lets a cache-write failure break the upstream→client read path. The
// failure is instead observed by the background copy goroutine and
// recorded on teeBody.writeErr.
type safeWriter struct {
	w      io.Writer
	failed atomic.Bool
}

func (s *safeWriter) Write(p []byte) (int, error) {
	if s.failed.Load() {
		return len(p), nil
	}
	n, err := s.w.Write(p)
	if err != nil {
		s.failed.Store(true)
		return len(p), nil
	}
	return n, nil
}

// countingBody wraps every streamed body Serve returns (206 partial
// content, a blacklisted 200, or the caching teeBody of a cacheable
// 200), adding each chunk's length to the bytes_served counter as it is
// read and releasing the host semaphore on Close.
type countingBody struct {
	io.ReadCloser
	tracker *stats.Tracker
	ctx     context.Context
	release func()
	once    sync.Once
}

func (c *countingBody) Read(p []byte) (int, error) {
	n, err := c.ReadCloser.Read(p)
	if n > 0 && c.tracker != nil {
		c.tracker.AddBytesServed(c.ctx, int64(n))
	}
	return n, err
}

func (c *countingBody) Close() error {
	var err error
	c.once.Do(func() {
		err = c.ReadCloser.Close()
		if c.release != nil {
			c.release()
		}
	})
	return err
}

func joinURL(base, reqPath string) string {
	return strings.TrimSuffix(base, "/") + "/" + strings.TrimPrefix(reqPath, "/")
}

func hostOf(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil {
		return rawURL
	}
	return u.Host
}
