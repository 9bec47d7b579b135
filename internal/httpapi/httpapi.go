// Package httpapi is the HTTP front-end wiring the core components into
// a servable handler: package serving, index search, manual prefetch,
// and cache administration.
package httpapi

import (
	"crypto/subtle"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"github.com/mirrorkeep/apt-cache-proxy/internal/admin"
	"github.com/mirrorkeep/apt-cache-proxy/internal/mirror"
	"github.com/mirrorkeep/apt-cache-proxy/internal/mirrors"
	"github.com/mirrorkeep/apt-cache-proxy/internal/prefetch"
	"github.com/mirrorkeep/apt-cache-proxy/internal/search"
	"github.com/mirrorkeep/apt-cache-proxy/internal/stats"
)

// Handler is the main HTTP handler for the apt cache proxy.
type Handler struct {
	Server     *mirror.Server
	Resolver   mirrors.Resolver
	Prefetcher *prefetch.Prefetcher
	Searcher   *search.Searcher
	Admin      *admin.Admin
	Tracker    *stats.Tracker
	AdminToken string
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	switch {
	case r.URL.Path == "/healthz":
		w.WriteHeader(http.StatusOK)
		io.WriteString(w, "ok")
	case r.URL.Path == "/search":
		h.handleSearch(w, r)
	case r.URL.Path == "/admin/stats":
		h.requireAdmin(h.handleStats)(w, r)
	case r.URL.Path == "/admin/logs":
		h.requireAdmin(h.handleLogs)(w, r)
	case r.URL.Path == "/admin/prefetch":
		h.requireAdmin(h.handlePrefetch)(w, r)
	case r.URL.Path == "/admin/delete":
		h.requireAdmin(h.handleDelete)(w, r)
	default:
		h.handleServe(w, r)
	}
}

// requireAdmin gates an admin handler behind a constant-time bearer
// token comparison.
func (h *Handler) requireAdmin(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		token := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
		if subtle.ConstantTimeCompare([]byte(token), []byte(h.AdminToken)) != 1 {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		next(w, r)
	}
}

// handleServe dispatches GET /<distro>/<path...> through the mirror
// failover + cache writer.
func (h *Handler) handleServe(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet && r.Method != http.MethodHead {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	distro, reqPath, ok := splitDistroPath(r.URL.Path)
	if !ok {
		http.Error(w, "path must be /<distro>/<path>", http.StatusBadRequest)
		return
	}

	urls, ok := resolveURLs(h.Resolver, distro, reqPath)
	if !ok {
		http.Error(w, "no configured mirror for distro", http.StatusNotFound)
		return
	}

	env, err := h.Server.Serve(r.Context(), distro, reqPath, urls, r.Header)
	if err != nil {
		slog.Error("serve failed", "distro", distro, "path", reqPath, "error", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	defer env.Body.Close()

	for key, values := range env.Header {
		for _, v := range values {
			w.Header().Add(key, v)
		}
	}
	w.WriteHeader(env.StatusCode)
	if r.Method == http.MethodHead {
		return
	}
	if _, err := io.Copy(w, env.Body); err != nil {
		slog.Debug("error streaming response to client", "error", err)
	}
}

func (h *Handler) handleSearch(w http.ResponseWriter, r *http.Request) {
	distro := r.URL.Query().Get("distro")
	query := r.URL.Query().Get("q")
	if distro == "" || query == "" {
		http.Error(w, "distro and q are required", http.StatusBadRequest)
		return
	}

	urls, _ := h.Resolver.Resolve(distro)
	hits, err := h.Searcher.Search(r.Context(), distro, query, urls)
	if err != nil {
		http.Error(w, "search failed", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(hits)
}

func (h *Handler) handleStats(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(h.Tracker.Snapshot())
}

func (h *Handler) handleLogs(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(h.Tracker.RecentLogs())
}

type prefetchRequest struct {
	Distro string `json:"distro"`
	Path   string `json:"path"`
}

func (h *Handler) handlePrefetch(w http.ResponseWriter, r *http.Request) {
	var req prefetchRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Distro == "" || req.Path == "" {
		http.Error(w, "distro and path are required", http.StatusBadRequest)
		return
	}

	result, err := h.Prefetcher.Prefetch(r.Context(), req.Distro, req.Path)
	if err != nil {
		http.Error(w, "prefetch failed", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(result)
}

type deleteRequest struct {
	Path string `json:"path"`
}

func (h *Handler) handleDelete(w http.ResponseWriter, r *http.Request) {
	var req deleteRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Path == "" {
		http.Error(w, "path is required", http.StatusBadRequest)
		return
	}

	deleted, err := h.Admin.Delete(req.Path)
	if err != nil {
		http.Error(w, "delete failed", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]bool{"deleted": deleted})
}

// splitDistroPath splits "/debian/pool/main/a/apt/apt.deb" into
// ("debian", "pool/main/a/apt/apt.deb").
func splitDistroPath(urlPath string) (distro, reqPath string, ok bool) {
	trimmed := strings.TrimPrefix(urlPath, "/")
	distro, reqPath, found := strings.Cut(trimmed, "/")
	if !found || distro == "" || reqPath == "" {
		return "", "", false
	}
	return distro, reqPath, true
}

// resolveURLs tries the full "distro/path" upstream key before falling
// back to the bare distro key, the same two-step lookup prefetch uses.
func resolveURLs(r mirrors.Resolver, distro, reqPath string) ([]string, bool) {
	if urls, ok := r.Resolve(distro + "/" + reqPath); ok {
		return urls, true
	}
	return r.Resolve(distro)
}
