// Package prefetch implements manual on-demand cache population: fetch
// a package into the cache without a client attached, the same
// operation the admin surface uses to warm the cache ahead of demand.
package prefetch

import (
	"context"
	"fmt"
	"io"

	"golang.org/x/sync/singleflight"

	"github.com/mirrorkeep/apt-cache-proxy/internal/admin"
	"github.com/mirrorkeep/apt-cache-proxy/internal/mirror"
	"github.com/mirrorkeep/apt-cache-proxy/internal/mirrors"
	"github.com/mirrorkeep/apt-cache-proxy/internal/pathmap"
)

// Prefetcher drains a mirror.Server fetch server-side so the cache
// entry is materialized without a client ever reading the body.
type Prefetcher struct {
	server   *mirror.Server
	paths    *pathmap.Mapper
	resolver mirrors.Resolver
	admin    *admin.Admin

	// sf coalesces concurrent prefetch calls for the same (distro,
	// path): unlike the streaming serve path, a prefetch result has no
	// caller-visible body to share ownership of, so every concurrent
	// caller can safely receive the same (ok, message) pair from one
	// underlying fetch.
	sf singleflight.Group
}

// New constructs a Prefetcher.
func New(server *mirror.Server, paths *pathmap.Mapper, resolver mirrors.Resolver, adm *admin.Admin) *Prefetcher {
	return &Prefetcher{server: server, paths: paths, resolver: resolver, admin: adm}
}

// Result is the outcome of a prefetch attempt.
type Result struct {
	OK      bool
	Message string
}

// Prefetch materializes (distro, reqPath) in the cache if it isn't
// already there. It resolves the mirror list from distro+reqPath the
// same way the serving path would, trying the full "distro/path" key
// first and falling back to distro alone, then invokes mirror.Server
// with the body drained server-side.
func (p *Prefetcher) Prefetch(ctx context.Context, distro, reqPath string) (Result, error) {
	key := distro + "/" + reqPath
	v, err, _ := p.sf.Do(key, func() (any, error) {
		return p.doPrefetch(ctx, distro, reqPath)
	})
	if err != nil {
		return Result{}, err
	}
	return v.(Result), nil
}

func (p *Prefetcher) doPrefetch(ctx context.Context, distro, reqPath string) (Result, error) {
	cachePath, err := p.paths.Map(distro, reqPath)
	if err != nil {
		return Result{}, fmt.Errorf("prefetch: mapping cache path: %w", err)
	}
	if p.admin.IsCacheValid(cachePath) {
		return Result{OK: true, Message: "already cached"}, nil
	}

	upstreamKey := distro + "/" + reqPath
	urls, ok := p.resolver.Resolve(upstreamKey)
	if !ok {
		urls, ok = p.resolver.Resolve(distro)
	}
	if !ok {
		return Result{OK: false, Message: "no upstream"}, nil
	}

	env, err := p.server.Serve(ctx, distro, reqPath, urls, nil)
	if err != nil {
		return Result{}, err
	}
	defer env.Body.Close()

	// Drain server-side: the file is materialized by Serve's own
	// cache-writing tee as these bytes are read, with no client ever
	// seeing them — the Go equivalent of the original implementation's
	// manual_cache_package draining response.response.
	io.Copy(io.Discard, env.Body)

	if env.StatusCode != 200 {
		msg := fmt.Sprintf("fetch failed with status %d", env.StatusCode)
		if env.LastError != nil {
			msg = env.LastError.Error()
		}
		return Result{OK: false, Message: msg}, nil
	}
	return Result{OK: true, Message: "cached"}, nil
}
