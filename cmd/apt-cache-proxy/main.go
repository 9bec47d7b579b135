package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/afero"
	"golang.org/x/net/http2"
	"golang.org/x/net/http2/h2c"

	"github.com/mirrorkeep/apt-cache-proxy/internal/admin"
	"github.com/mirrorkeep/apt-cache-proxy/internal/blacklist"
	"github.com/mirrorkeep/apt-cache-proxy/internal/config"
	"github.com/mirrorkeep/apt-cache-proxy/internal/httpapi"
	"github.com/mirrorkeep/apt-cache-proxy/internal/mirror"
	"github.com/mirrorkeep/apt-cache-proxy/internal/mirrors"
	"github.com/mirrorkeep/apt-cache-proxy/internal/pathmap"
	"github.com/mirrorkeep/apt-cache-proxy/internal/prefetch"
	"github.com/mirrorkeep/apt-cache-proxy/internal/retention"
	"github.com/mirrorkeep/apt-cache-proxy/internal/search"
	"github.com/mirrorkeep/apt-cache-proxy/internal/stats"
	"github.com/mirrorkeep/apt-cache-proxy/internal/statsdb"
	"github.com/mirrorkeep/apt-cache-proxy/internal/upstream"
)

func main() {
	// Self-contained healthcheck for scratch containers (no curl/wget available).
	// Usage: apt-cache-proxy -healthcheck
	if len(os.Args) > 1 && os.Args[1] == "-healthcheck" {
		resp, err := http.Get("http://127.0.0.1:8080/healthz")
		if err != nil || resp.StatusCode != http.StatusOK {
			os.Exit(1)
		}
		os.Exit(0)
	}

	cfg := config.Load()
	levelVar := new(slog.LevelVar)
	levelVar.Set(cfg.LogLevel)
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: levelVar})))
	cfgStore := config.NewStore(cfg, levelVar)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	fs := afero.NewOsFs()
	if err := fs.MkdirAll(cfg.StorageRoot, 0o755); err != nil {
		slog.Error("failed to create storage root", "path", cfg.StorageRoot, "error", err)
		os.Exit(1)
	}

	db, err := statsdb.Open(ctx, cfg.StatsDBPath)
	if err != nil {
		slog.Error("failed to open stats database", "path", cfg.StatsDBPath, "error", err)
		os.Exit(1)
	}
	defer db.Close()

	tracker := stats.New(db, slog.Default(), time.Now().Unix(), nil)
	if err := tracker.LoadFromDB(ctx); err != nil {
		slog.Warn("failed to load persisted stats", "error", err)
	}

	bl := blacklist.New()
	if patterns, err := db.LoadBlacklist(ctx); err != nil {
		slog.Warn("failed to load persisted blacklist", "error", err)
	} else {
		bl.Load(patterns)
	}

	resolver, err := mirrors.NewFileResolver(fs, cfg.MirrorsPath)
	if err != nil {
		slog.Error("failed to load mirrors file", "path", cfg.MirrorsPath, "error", err)
		os.Exit(1)
	}

	paths := pathmap.New(fs, cfg.StorageRoot)
	fetcher := upstream.New()
	mirrorServer := mirror.New(fs, fetcher, paths, bl, tracker, slog.Default())
	adm := admin.New(fs, cfgStore, cfg.StorageRoot)
	prefetcher := prefetch.New(mirrorServer, paths, resolver, adm)
	searcher := search.New(fs, cfg.StorageRoot, fetcher, adm)

	sweeper := retention.New(fs, cfg.StorageRoot, slog.Default(), time.Hour,
		func() bool { return cfgStore.Get().CacheRetentionEnabled },
		func() time.Duration { return time.Duration(cfgStore.Get().CacheDays) * 24 * time.Hour },
	)
	sweeper.Start(ctx)
	defer sweeper.Stop()

	handler := &httpapi.Handler{
		Server:     mirrorServer,
		Resolver:   resolver,
		Prefetcher: prefetcher,
		Searcher:   searcher,
		Admin:      adm,
		Tracker:    tracker,
		AdminToken: cfg.AdminToken,
	}
	logged := httpapi.LoggingMiddleware(handler)

	// Wrap with h2c for cleartext HTTP/2 support alongside HTTP/1.1
	h2s := &http2.Server{}
	server := &http.Server{
		Addr:    cfg.ListenAddr,
		Handler: h2c.NewHandler(logged, h2s),
	}

	go func() {
		slog.Info("starting server", "addr", cfg.ListenAddr, "storage", cfg.StorageRoot)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("server error", "error", err)
			os.Exit(1)
		}
	}()

	<-ctx.Done()
	slog.Info("shutting down gracefully")

	if err := tracker.Flush(context.Background()); err != nil {
		slog.Warn("failed to flush stats on shutdown", "error", err)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		slog.Error("shutdown error", "error", err)
		os.Exit(1)
	}
	slog.Info("shutdown complete")
}
