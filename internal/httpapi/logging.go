package httpapi

import (
	"log/slog"
	"net/http"
	"time"
)

// statusRecorder wraps http.ResponseWriter to capture the status code.
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

// LoggingMiddleware logs every request at Debug level once it completes,
// breaking the path into distro and package-path segments where it fits
// the /<distro>/<path> convention the proxy routes on.
func LoggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)

		distro, reqPath, ok := splitDistroPath(r.URL.Path)
		if !ok {
			distro, reqPath = "", r.URL.Path
		}
		slog.Debug("request", "method", r.Method, "distro", distro, "reqPath", reqPath, "status", rec.status, "duration", time.Since(start))
	})
}
