package middleware

import (
	"fmt"
	"net/http"
	"strings"
)

// AltSvc advertises an HTTP/3 listener on port to clients that reached the
// gateway over TLS. maxAge defaults to one day.
func AltSvc(port, maxAge int) func(http.Handler) http.Handler {
	if maxAge <= 0 {
		maxAge = 86400
	}
	value := fmt.Sprintf(`h3=":%d"; ma=%d`, port, maxAge)

	return func(next http.Handler) http.Handler {
		if port <= 0 {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.TLS != nil || strings.HasPrefix(r.Header.Get("X-Forwarded-Proto"), "https") {
				w.Header().Set("Alt-Svc", value)
			}
			next.ServeHTTP(w, r)
		})
	}
}

// RejectEarlyData answers 425 to non-GET requests on resumed TLS sessions,
// which may carry replayable early data. GraphQL mutations only arrive by
// POST, so queries sent with GET are unaffected.
func RejectEarlyData() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.TLS != nil && r.TLS.DidResume && !safeMethod(r.Method) {
				w.Header().Set("Retry-After", "0")
				http.Error(w, "Too Early", http.StatusTooEarly)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func safeMethod(method string) bool {
	switch method {
	case http.MethodGet, http.MethodHead, http.MethodOptions:
		return true
	}
	return false
}
