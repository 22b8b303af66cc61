package metrics

import (
	"net/http"
	"strconv"
	"strings"
	"time"
)

// HTTPMetricsMiddleware instruments requests with Prometheus metrics.
// Paths are normalized before labeling so ticket, run and app IDs
// don't explode label cardinality.
func HTTPMetricsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := &statusWriter{ResponseWriter: w, status: 200}
		next.ServeHTTP(ww, r)
		dur := time.Since(start)
		ObserveHTTPRequest(r.Method, normalizeRoute(r.URL.Path), strconv.Itoa(ww.status), dur)
	})
}

// normalizeRoute replaces the variable tail segment of parameterized
// routes with a placeholder
func normalizeRoute(path string) string {
	if path == "/api/sync/runs" {
		return path
	}
	for _, prefix := range []string{
		"/callback/",
		"/api/login/qr/",
		"/api/sync/runs/",
		"/api/sync/",
		"/ws/sync/",
		"/api/apps/",
	} {
		if rest, ok := strings.CutPrefix(path, prefix); ok && rest != "" {
			if tail := strings.IndexByte(rest, '/'); tail >= 0 {
				return prefix + ":id" + rest[tail:]
			}
			return prefix + ":id"
		}
	}
	return path
}

type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}
