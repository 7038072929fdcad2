package middleware

import (
	"log/slog"
	"net/http"
	"strings"
	"time"
)

// AccessLogOptions configures AccessLog.
type AccessLogOptions struct {
	Logger *slog.Logger
	// SkipPaths are not logged. Health and readiness probes are always skipped.
	SkipPaths []string
	// LogHeaders are request headers added to each record. Credentials are
	// masked.
	LogHeaders []string
}

var probePaths = map[string]bool{"/health": true, "/healthz": true, "/ready": true}

var maskedHeaders = map[string]bool{"Authorization": true, "Cookie": true, "X-Api-Key": true}

type statusRecorder struct {
	http.ResponseWriter
	status int
	size   int
}

func (w *statusRecorder) WriteHeader(status int) {
	w.status = status
	w.ResponseWriter.WriteHeader(status)
}

func (w *statusRecorder) Write(b []byte) (int, error) {
	n, err := w.ResponseWriter.Write(b)
	w.size += n
	return n, err
}

func (w *statusRecorder) Flush() {
	if f, ok := w.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (w *statusRecorder) Unwrap() http.ResponseWriter {
	return w.ResponseWriter
}

// AccessLog writes one "request completed" record per request, at error
// level for 5xx and warn level for 4xx responses.
func AccessLog(opts AccessLogOptions) func(http.Handler) http.Handler {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	skip := make(map[string]bool, len(opts.SkipPaths))
	for _, p := range opts.SkipPaths {
		skip[p] = true
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if skip[r.URL.Path] || probePaths[r.URL.Path] {
				next.ServeHTTP(w, r)
				return
			}

			start := time.Now()
			rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
			next.ServeHTTP(rec, r)

			attrs := []slog.Attr{
				slog.String("method", r.Method),
				slog.String("path", r.URL.Path),
				slog.Int("status", rec.status),
				slog.Duration("duration", time.Since(start)),
				slog.Int("size", rec.size),
				slog.String("remote_addr", clientIP(r)),
				slog.String("protocol", r.Proto),
			}
			if id := RequestIDFromContext(r.Context()); id != "" {
				attrs = append(attrs, slog.String("request_id", id))
			}
			for _, h := range opts.LogHeaders {
				v := r.Header.Get(h)
				if v == "" {
					continue
				}
				if maskedHeaders[http.CanonicalHeaderKey(h)] {
					v = "[MASKED]"
				}
				attrs = append(attrs, slog.String("header_"+strings.ToLower(h), v))
			}

			level := slog.LevelInfo
			switch {
			case rec.status >= 500:
				level = slog.LevelError
			case rec.status >= 400:
				level = slog.LevelWarn
			}
			opts.Logger.LogAttrs(r.Context(), level, "request completed", attrs...)
		})
	}
}

// clientIP prefers the first X-Forwarded-For hop, then X-Real-IP.
func clientIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		if i := strings.IndexByte(xff, ','); i >= 0 {
			return strings.TrimSpace(xff[:i])
		}
		return strings.TrimSpace(xff)
	}
	if xri := r.Header.Get("X-Real-IP"); xri != "" {
		return xri
	}
	return r.RemoteAddr
}
