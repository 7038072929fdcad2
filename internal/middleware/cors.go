package middleware

import (
	"net/http"
	"strconv"
	"strings"

	"github.com/Ensembl/ensembl-thoas/internal/config"
)

// CORSOptions configures cross-origin access to the GraphQL and schema
// endpoints.
type CORSOptions struct {
	// AllowOrigins accepts exact origins, "*" and subdomain wildcards such as
	// "https://*.ensembl.org".
	AllowOrigins     []string
	AllowMethods     []string
	AllowHeaders     []string
	ExposeHeaders    []string
	AllowCredentials bool
	// MaxAge is the preflight cache lifetime in seconds.
	MaxAge int
}

// CORSFromConfig fills the defaults of a browser GraphQL client into cfg.
func CORSFromConfig(cfg config.CORSConfig) CORSOptions {
	opts := CORSOptions{
		AllowOrigins:     cfg.AllowOrigins,
		AllowMethods:     cfg.AllowMethods,
		AllowHeaders:     cfg.AllowHeaders,
		ExposeHeaders:    cfg.ExposeHeaders,
		AllowCredentials: cfg.AllowCredentials,
		MaxAge:           cfg.MaxAge,
	}
	if len(opts.AllowOrigins) == 0 {
		opts.AllowOrigins = []string{"*"}
	}
	if len(opts.AllowMethods) == 0 {
		opts.AllowMethods = []string{http.MethodGet, http.MethodPost, http.MethodOptions}
	}
	if len(opts.AllowHeaders) == 0 {
		opts.AllowHeaders = []string{"Accept", "Authorization", "Content-Type", RequestIDHeader}
	}
	if len(opts.ExposeHeaders) == 0 {
		opts.ExposeHeaders = []string{RequestIDHeader, "X-Schema-Hash"}
	}
	if opts.MaxAge == 0 {
		opts.MaxAge = 86400
	}
	return opts
}

// CORS answers preflight requests and adds CORS headers for allowed origins.
// Requests from other origins pass through without CORS headers.
func CORS(opts CORSOptions) func(http.Handler) http.Handler {
	methods := strings.Join(opts.AllowMethods, ", ")
	headers := strings.Join(opts.AllowHeaders, ", ")
	exposed := strings.Join(opts.ExposeHeaders, ", ")
	maxAge := strconv.Itoa(opts.MaxAge)

	allowAll := false
	exact := make(map[string]bool)
	var wildcards []string
	for _, o := range opts.AllowOrigins {
		switch {
		case o == "*":
			allowAll = true
		case strings.Contains(o, "://*."):
			wildcards = append(wildcards, o)
		default:
			exact[o] = true
		}
	}

	allowed := func(origin string) bool {
		if allowAll || exact[origin] {
			return true
		}
		for _, p := range wildcards {
			if matchWildcardOrigin(origin, p) {
				return true
			}
		}
		return false
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			origin := r.Header.Get("Origin")
			if origin == "" || !allowed(origin) {
				next.ServeHTTP(w, r)
				return
			}

			h := w.Header()
			h.Add("Vary", "Origin")
			if allowAll && !opts.AllowCredentials {
				h.Set("Access-Control-Allow-Origin", "*")
			} else {
				h.Set("Access-Control-Allow-Origin", origin)
			}
			if opts.AllowCredentials {
				h.Set("Access-Control-Allow-Credentials", "true")
			}
			if exposed != "" {
				h.Set("Access-Control-Expose-Headers", exposed)
			}

			if r.Method == http.MethodOptions && r.Header.Get("Access-Control-Request-Method") != "" {
				h.Set("Access-Control-Allow-Methods", methods)
				h.Set("Access-Control-Allow-Headers", headers)
				if opts.MaxAge > 0 {
					h.Set("Access-Control-Max-Age", maxAge)
				}
				w.WriteHeader(http.StatusNoContent)
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

// matchWildcardOrigin matches one subdomain level, e.g. "https://beta.ensembl.org"
// against "https://*.ensembl.org".
func matchWildcardOrigin(origin, pattern string) bool {
	i := strings.Index(pattern, "*.")
	if i < 0 {
		return false
	}
	prefix, suffix := pattern[:i], pattern[i+1:]
	if !strings.HasPrefix(origin, prefix) || !strings.HasSuffix(origin, suffix) {
		return false
	}
	if len(origin) < len(prefix)+len(suffix) {
		return false
	}
	sub := origin[len(prefix) : len(origin)-len(suffix)]
	return sub != "" && !strings.Contains(sub, ".")
}
