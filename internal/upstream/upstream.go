// Package upstream fetches a single URL from a package mirror and
// classifies the response the way the mirror failover loop expects:
// cacheable, stream-only, passthrough, or a recoverable miss.
package upstream

import (
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"time"
)

// chunkSize is the buffer size used when copying the upstream body,
// matching the spec's 1 MiB streaming chunk.
const chunkSize = 1 << 20

// connectTimeout bounds the wait for response headers once the request
// has been written; dialing and the TLS handshake each have their own
// 10 s limit in New. A slow-but-progressing body transfer afterward has
// no total deadline — only the caller's context (e.g. a client
// disconnect) can abort it.
const connectTimeout = 20 * time.Second

// Outcome classifies a completed fetch attempt.
type Outcome int

const (
	// OutcomeCache: 200, body should be streamed to the caller and
	// written to the cache.
	OutcomeCache Outcome = iota
	// OutcomeStreamOnly: 206, body should be streamed but never cached.
	OutcomeStreamOnly
	// OutcomePassthrough: 304, empty body, filtered headers.
	OutcomePassthrough
	// OutcomeRecoverableMiss: 404, other 4xx/5xx, or a transport/timeout
	// failure — the caller should try the next mirror.
	OutcomeRecoverableMiss
)

// strippedHeaders are removed from every response before it reaches the
// caller: the body is always re-streamed/re-chunked downstream, so any
// framing or encoding header describing the upstream's own wire
// representation is meaningless (and, for Content-Length, actively
// wrong) once that happens.
var strippedHeaders = []string{
	"Transfer-Encoding",
	"Connection",
	"Content-Encoding",
	"Content-Length",
}

// Result is the outcome of one fetch attempt against a single URL.
type Result struct {
	Outcome    Outcome
	StatusCode int
	Header     http.Header
	Body       io.ReadCloser // nil for OutcomePassthrough/OutcomeRecoverableMiss
	Err        error         // set on OutcomeRecoverableMiss
}

// Fetcher issues single-URL GET requests against package mirrors. Its
// transport tuning follows the proxy's original upstream client:
// dial, TLS-handshake and ResponseHeaderTimeout limits bound the time
// until headers arrive; body transfer is
// governed solely by the caller's context, so a slow but progressing
// download is never aborted early.
type Fetcher struct {
	client *http.Client
}

// New returns a Fetcher with production-tuned transport settings.
func New() *Fetcher {
	transport := &http.Transport{
		DialContext: (&net.Dialer{
			Timeout:   10 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		TLSHandshakeTimeout:   10 * time.Second,
		ResponseHeaderTimeout: connectTimeout,
		MaxIdleConns:          100,
		MaxIdleConnsPerHost:   20,
		IdleConnTimeout:       90 * time.Second,
		DisableCompression:    true,
	}
	return &Fetcher{client: &http.Client{Transport: transport}}
}

// Fetch issues a GET for url under ctx, forwarding headers verbatim (the
// caller decides which request headers to forward, e.g.
// Range/If-Range/If-Modified-Since), and classifies the response.
//
// On OutcomeCache/OutcomeStreamOnly the caller owns Result.Body and must
// close it. On every other outcome the response body (if any) has
// already been closed.
func (f *Fetcher) Fetch(ctx context.Context, url string, headers http.Header) Result {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return Result{Outcome: OutcomeRecoverableMiss, Err: err}
	}
	for key, values := range headers {
		for _, v := range values {
			req.Header.Add(key, v)
		}
	}

	resp, err := f.client.Do(req)
	if err != nil {
		// Any transport-level error (header timeout, connection
		// refused, TLS failure, caller cancellation) is recoverable:
		// the caller tries the next mirror.
		return Result{Outcome: OutcomeRecoverableMiss, Err: err}
	}

	header := filterHeaders(resp.Header)

	switch resp.StatusCode {
	case http.StatusOK:
		return Result{Outcome: OutcomeCache, StatusCode: resp.StatusCode, Header: header, Body: resp.Body}
	case http.StatusPartialContent:
		return Result{Outcome: OutcomeStreamOnly, StatusCode: resp.StatusCode, Header: header, Body: resp.Body}
	case http.StatusNotModified:
		resp.Body.Close()
		return Result{Outcome: OutcomePassthrough, StatusCode: resp.StatusCode, Header: header}
	case http.StatusNotFound:
		resp.Body.Close()
		return Result{Outcome: OutcomeRecoverableMiss, StatusCode: resp.StatusCode, Err: fmt.Errorf("upstream returned 404 for %s", url)}
	default:
		resp.Body.Close()
		return Result{Outcome: OutcomeRecoverableMiss, StatusCode: resp.StatusCode, Err: fmt.Errorf("upstream returned %d for %s", resp.StatusCode, url)}
	}
}

// CopyBody streams src to dst using the spec's 1 MiB chunk size.
func CopyBody(dst io.Writer, src io.Reader) (int64, error) {
	buf := make([]byte, chunkSize)
	return io.CopyBuffer(dst, src, buf)
}

// Head issues a HEAD for url under ctx, used by index search's direct
// path probe. It reports only whether the mirror has the object.
func (f *Fetcher) Head(ctx context.Context, url string) (bool, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodHead, url, nil)
	if err != nil {
		return false, err
	}
	resp, err := f.client.Do(req)
	if err != nil {
		return false, err
	}
	resp.Body.Close()
	return resp.StatusCode == http.StatusOK, nil
}

func filterHeaders(h http.Header) http.Header {
	out := h.Clone()
	for _, key := range strippedHeaders {
		out.Del(key)
	}
	return out
}
