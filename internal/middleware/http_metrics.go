package middleware

import (
	"net/http"
	"strconv"
	"strings"
	"time"
)

// auditRoutes maps the segments after /v1/audit to route patterns. An empty
// string marks a dynamic segment.
var auditRoutes = [][]string{
	{"entities", "", "", "history"},
	{"actors", "", "activity"},
	{"events"},
	{"export"},
}

// normalizePath converts paths with dynamic segments to route patterns to prevent
// cardinality explosion in metrics, so /v1/audit/actors/u-1/activity is
// reported as /v1/audit/actors/{actorID}/activity.
func normalizePath(path string) string {
	switch path {
	case "/", "/health", "/ready", "/metrics":
		return path
	}

	rest, ok := strings.CutPrefix(path, "/v1/audit/")
	if !ok {
		return "other"
	}
	parts := strings.Split(strings.TrimSuffix(rest, "/"), "/")

	for _, route := range auditRoutes {
		if len(route) != len(parts) {
			continue
		}
		matched := true
		for i, seg := range route {
			if seg != "" && seg != parts[i] {
				matched = false
				break
			}
			if seg == "" && parts[i] == "" {
				matched = false
				break
			}
		}
		if !matched {
			continue
		}
		switch route[0] {
		case "entities":
			return "/v1/audit/entities/{entityType}/{entityID}/history"
		case "actors":
			return "/v1/audit/actors/{actorID}/activity"
		default:
			return "/v1/audit/" + route[0]
		}
	}

	// Unknown paths share one label so 404 probes cannot grow the series set.
	return "other"
}

// metricsResponseWriter wraps http.ResponseWriter to capture status code and response size.
type metricsResponseWriter struct {
	http.ResponseWriter
	statusCode  int
	size        int64
	wroteHeader bool
}

// WriteHeader captures the status code before writing it.
func (mrw *metricsResponseWriter) WriteHeader(code int) {
	if mrw.wroteHeader {
		return
	}
	mrw.statusCode = code
	mrw.wroteHeader = true
	mrw.ResponseWriter.WriteHeader(code)
}

// Write captures the response size and writes the data.
func (mrw *metricsResponseWriter) Write(b []byte) (int, error) {
	mrw.wroteHeader = true
	n, err := mrw.ResponseWriter.Write(b)
	mrw.size += int64(n)
	return n, err
}

// Flush forwards to the underlying writer when it supports flushing.
func (mrw *metricsResponseWriter) Flush() {
	if f, ok := mrw.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func newMetricsResponseWriter(w http.ResponseWriter) *metricsResponseWriter {
	return &metricsResponseWriter{
		ResponseWriter: w,
		statusCode:     http.StatusOK,
	}
}

// HTTPMetrics is a middleware that records request duration, response size
// and counts by route pattern. Rejected bearer tokens are counted by error
// code when the Logging middleware runs outside it.
// Health check endpoints (/health, /ready) are excluded.
func HTTPMetrics(metrics *Metrics) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.URL.Path == "/health" || r.URL.Path == "/ready" {
				next.ServeHTTP(w, r)
				return
			}

			start := time.Now()
			mrw := newMetricsResponseWriter(w)
			next.ServeHTTP(mrw, r)

			metrics.ObserveHTTPRequest(
				r.Method,
				normalizePath(r.URL.Path),
				strconv.Itoa(mrw.statusCode),
				time.Since(start).Seconds(),
				mrw.size,
			)
			if mrw.statusCode == http.StatusUnauthorized {
				if code := GetErrorCode(r.Context()); code != "" {
					metrics.IncAuthFailures(code)
				}
			}
		})
	}
}
