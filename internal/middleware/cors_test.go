package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/Ensembl/ensembl-thoas/internal/config"
)

func TestCORSFromConfig(t *testing.T) {
	got := CORSFromConfig(config.CORSConfig{Enabled: true})
	want := CORSOptions{
		AllowOrigins:  []string{"*"},
		AllowMethods:  []string{"GET", "POST", "OPTIONS"},
		AllowHeaders:  []string{"Accept", "Authorization", "Content-Type", "X-Request-ID"},
		ExposeHeaders: []string{"X-Request-ID", "X-Schema-Hash"},
		MaxAge:        86400,
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("defaults mismatch (-want +got):\n%s", diff)
	}

	got = CORSFromConfig(config.CORSConfig{AllowOrigins: []string{"https://www.ensembl.org"}, MaxAge: 60})
	if got.AllowOrigins[0] != "https://www.ensembl.org" || got.MaxAge != 60 {
		t.Errorf("configured values should win: %+v", got)
	}
}

func TestCORS(t *testing.T) {
	tests := []struct {
		name        string
		opts        CORSOptions
		method      string
		origin      string
		preflight   bool
		wantStatus  int
		wantOrigin  string
		wantMethods string
		wantCreds   string
	}{
		{
			name:       "no origin",
			opts:       CORSOptions{AllowOrigins: []string{"*"}},
			method:     http.MethodPost,
			wantStatus: http.StatusOK,
		},
		{
			name:       "any origin",
			opts:       CORSOptions{AllowOrigins: []string{"*"}},
			method:     http.MethodPost,
			origin:     "https://www.ensembl.org",
			wantStatus: http.StatusOK,
			wantOrigin: "*",
		},
		{
			name:       "any origin with credentials echoes origin",
			opts:       CORSOptions{AllowOrigins: []string{"*"}, AllowCredentials: true},
			method:     http.MethodPost,
			origin:     "https://www.ensembl.org",
			wantStatus: http.StatusOK,
			wantOrigin: "https://www.ensembl.org",
			wantCreds:  "true",
		},
		{
			name:       "exact origin",
			opts:       CORSOptions{AllowOrigins: []string{"https://www.ensembl.org"}},
			method:     http.MethodGet,
			origin:     "https://www.ensembl.org",
			wantStatus: http.StatusOK,
			wantOrigin: "https://www.ensembl.org",
		},
		{
			name:       "wildcard subdomain",
			opts:       CORSOptions{AllowOrigins: []string{"https://*.ensembl.org"}},
			method:     http.MethodGet,
			origin:     "https://beta.ensembl.org",
			wantStatus: http.StatusOK,
			wantOrigin: "https://beta.ensembl.org",
		},
		{
			name:       "disallowed origin",
			opts:       CORSOptions{AllowOrigins: []string{"https://www.ensembl.org"}},
			method:     http.MethodGet,
			origin:     "https://evil.example",
			wantStatus: http.StatusOK,
		},
		{
			name:        "preflight",
			opts:        CORSOptions{AllowOrigins: []string{"*"}, AllowMethods: []string{"GET", "POST"}, MaxAge: 600},
			method:      http.MethodOptions,
			origin:      "https://www.ensembl.org",
			preflight:   true,
			wantStatus:  http.StatusNoContent,
			wantOrigin:  "*",
			wantMethods: "GET, POST",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			handler := CORS(tt.opts)(statusHandler(http.StatusOK, ""))

			req := httptest.NewRequest(tt.method, "/graphql", nil)
			if tt.origin != "" {
				req.Header.Set("Origin", tt.origin)
			}
			if tt.preflight {
				req.Header.Set("Access-Control-Request-Method", http.MethodPost)
			}
			rec := httptest.NewRecorder()
			handler.ServeHTTP(rec, req)

			if rec.Code != tt.wantStatus {
				t.Errorf("expected status %d, got %d", tt.wantStatus, rec.Code)
			}
			if got := rec.Header().Get("Access-Control-Allow-Origin"); got != tt.wantOrigin {
				t.Errorf("expected allow-origin %q, got %q", tt.wantOrigin, got)
			}
			if got := rec.Header().Get("Access-Control-Allow-Methods"); got != tt.wantMethods {
				t.Errorf("expected allow-methods %q, got %q", tt.wantMethods, got)
			}
			if got := rec.Header().Get("Access-Control-Allow-Credentials"); got != tt.wantCreds {
				t.Errorf("expected allow-credentials %q, got %q", tt.wantCreds, got)
			}
		})
	}
}

func TestMatchWildcardOrigin(t *testing.T) {
	tests := []struct {
		origin string
		want   bool
	}{
		{"https://beta.ensembl.org", true},
		{"https://a.b.ensembl.org", false},
		{"http://beta.ensembl.org", false},
		{"https://ensembl.org", false},
		{"https://.ensembl.org", false},
	}
	for _, tt := range tests {
		if got := matchWildcardOrigin(tt.origin, "https://*.ensembl.org"); got != tt.want {
			t.Errorf("matchWildcardOrigin(%q) = %v, expected %v", tt.origin, got, tt.want)
		}
	}
}
