// Package retention implements the background cache sweeper: it walks
// the storage tree looking for files whose last-used time has aged past
// the configured retention window and removes them.
package retention

import (
	"context"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/spf13/afero"

	"github.com/mirrorkeep/apt-cache-proxy/internal/fsutil"
)

// Sweeper periodically deletes cache files older than a configured age.
type Sweeper struct {
	fs   afero.Fs
	root string
	log  *slog.Logger

	// Enabled and MaxAge are read fresh on every tick via the accessor
	// funcs below, so a config.Store mutation takes effect on the next
	// sweep without restarting the ticker.
	enabled func() bool
	maxAge  func() time.Duration

	interval time.Duration

	cancel context.CancelFunc
	done   chan struct{}
}

// New constructs a Sweeper rooted at root. enabled and maxAge are called
// on every tick, so they should read from a live config source (e.g.
// config.Store.Get()) rather than capturing a value at construction time.
func New(fs afero.Fs, root string, log *slog.Logger, interval time.Duration, enabled func() bool, maxAge func() time.Duration) *Sweeper {
	return &Sweeper{
		fs:       fs,
		root:     root,
		log:      log,
		enabled:  enabled,
		maxAge:   maxAge,
		interval: interval,
	}
}

// Start runs the sweep on a ticker until Stop is called. It is safe to
// call Start at most once per Sweeper.
func (s *Sweeper) Start(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.done = make(chan struct{})

	go func() {
		defer close(s.done)
		ticker := time.NewTicker(s.interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if err := s.Sweep(); err != nil && s.log != nil {
					s.log.Error("retention: sweep failed", "error", err)
				}
			}
		}
	}()
}

// Stop cancels the background ticker and waits for the in-flight sweep,
// if any, to finish.
func (s *Sweeper) Stop() {
	if s.cancel == nil {
		return
	}
	s.cancel()
	<-s.done
}

// Sweep performs one pass over the storage tree, deleting every file
// whose last-used time exceeds the configured max age. It walks
// iteratively with an explicit directory frontier rather than recursing,
// so a very deep cache tree can't blow the stack.
func (s *Sweeper) Sweep() error {
	if !s.enabled() {
		return nil
	}
	maxAge := s.maxAge()
	cutoff := time.Now().Add(-maxAge)

	var deleted, scanned int
	frontier := []string{s.root}
	for len(frontier) > 0 {
		dir := frontier[len(frontier)-1]
		frontier = frontier[:len(frontier)-1]

		entries, err := afero.ReadDir(s.fs, dir)
		if err != nil {
			if s.log != nil {
				s.log.Warn("retention: failed to read directory", "dir", dir, "error", err)
			}
			continue
		}

		for _, entry := range entries {
			full := filepath.Join(dir, entry.Name())
			if entry.IsDir() {
				frontier = append(frontier, full)
				continue
			}

			scanned++
			lastUsed := fsutil.LastUsed(entry)
			if lastUsed.Before(cutoff) {
				if err := s.fs.Remove(full); err != nil {
					if s.log != nil {
						s.log.Warn("retention: failed to delete expired file", "path", full, "error", err)
					}
					continue
				}
				deleted++
			}
		}
	}

	if s.log != nil {
		s.log.Info("retention: sweep complete", "scanned", scanned, "deleted", deleted, "max_age", maxAge)
	}
	return nil
}
