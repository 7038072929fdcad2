// Package admin provides the administrative API for the gateway.
package admin

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"runtime"
	"sync"
	"time"

	"golang.org/x/crypto/bcrypt"

	"github.com/Ensembl/ensembl-thoas/internal/coalesce"
	"github.com/Ensembl/ensembl-thoas/internal/composer"
	"github.com/Ensembl/ensembl-thoas/internal/config"
	"github.com/Ensembl/ensembl-thoas/internal/gateway"
	"github.com/Ensembl/ensembl-thoas/internal/metrics"
	"github.com/Ensembl/ensembl-thoas/internal/registry"
	"github.com/Ensembl/ensembl-thoas/internal/snapshot"
)

// Registry is the subgraph view the admin API needs.
type Registry interface {
	Status() []registry.Status
	Refresh(ctx context.Context) error
}

// Schemas is the composed schema view the admin API needs.
type Schemas interface {
	Current() *composer.ComposedSchema
	Status() gateway.Status
	Recompose() error
}

// CoalesceStatsProvider reports request coalescing statistics.
type CoalesceStatsProvider interface {
	Stats() coalesce.Stats
}

// SnapshotStatsProvider reports SDL snapshot store statistics.
type SnapshotStatsProvider interface {
	Stats() snapshot.Stats
}

// Options configures a Server.
type Options struct {
	Registry Registry
	Schemas  Schemas
	Metrics  *metrics.Metrics
	// Optional stats providers shown on /info.
	Coalescer CoalesceStatsProvider
	Snapshots SnapshotStatsProvider
	// Config returns the active configuration for /config.
	Config  func() *config.Config
	Auth    config.AdminAuthConfig
	Logger  *slog.Logger
	Version string
	// RefreshTimeout bounds POST /subgraphs/refresh. Default 30s.
	RefreshTimeout time.Duration
}

// Server provides the admin API server.
type Server struct {
	opts      Options
	logger    *slog.Logger
	startTime time.Time

	mu         sync.Mutex
	httpServer *http.Server
}

// NewServer creates a new admin server.
func NewServer(opts Options) *Server {
	if opts.Auth.Realm == "" {
		opts.Auth.Realm = "Thoas Gateway Admin"
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Version == "" {
		opts.Version = "dev"
	}
	if opts.RefreshTimeout <= 0 {
		opts.RefreshTimeout = 30 * time.Second
	}
	return &Server{
		opts:      opts,
		logger:    opts.Logger,
		startTime: time.Now(),
	}
}

// Handler returns the admin mux. /health and /ready never require
// credentials.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("/health", s.handleHealth)
	mux.HandleFunc("/ready", s.handleReady)

	protected := http.NewServeMux()
	protected.HandleFunc("/info", s.handleInfo)
	protected.HandleFunc("/subgraphs", s.handleSubgraphs)
	protected.HandleFunc("/subgraphs/refresh", s.handleRefresh)
	if s.opts.Schemas != nil {
		protected.Handle("/schema", gateway.SchemaHandler(s.opts.Schemas))
	}
	protected.HandleFunc("/config", s.handleConfig)
	if s.opts.Metrics != nil {
		protected.Handle("/metrics", s.opts.Metrics.Handler())
	}

	var protectedHandler http.Handler = protected
	if s.opts.Auth.Enabled && len(s.opts.Auth.Users) > 0 {
		protectedHandler = s.basicAuthMiddleware(protected)
	}

	for _, path := range []string{"/info", "/subgraphs", "/subgraphs/refresh", "/schema", "/config", "/metrics"} {
		mux.Handle(path, protectedHandler)
	}
	return mux
}

// Start serves the admin API on address until Shutdown.
func (s *Server) Start(address string) error {
	ln, err := net.Listen("tcp", address)
	if err != nil {
		return err
	}
	return s.Serve(ln)
}

// Serve serves the admin API on ln until Shutdown.
func (s *Server) Serve(ln net.Listener) error {
	srv := &http.Server{
		Handler:           s.Handler(),
		ReadTimeout:       10 * time.Second,
		ReadHeaderTimeout: 5 * time.Second,
		WriteTimeout:      s.opts.RefreshTimeout + 10*time.Second,
	}
	s.mu.Lock()
	s.httpServer = srv
	s.mu.Unlock()
	s.logger.Info("admin API listening", "address", ln.Addr().String())

	err := srv.Serve(ln)
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// basicAuthMiddleware provides HTTP Basic authentication against bcrypt
// hashes.
func (s *Server) basicAuthMiddleware(next http.Handler) http.Handler {
	challenge := `Basic realm="` + s.opts.Auth.Realm + `"`

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		username, password, ok := r.BasicAuth()
		if !ok {
			w.Header().Set("WWW-Authenticate", challenge)
			http.Error(w, "Unauthorized", http.StatusUnauthorized)
			return
		}

		expectedHash, exists := s.opts.Auth.Users[username]
		if !exists {
			// Keep timing close to the known-user path.
			_ = bcrypt.CompareHashAndPassword([]byte("$2a$10$dummy"), []byte(password))
			s.logger.Warn("admin authentication failed", "user", username, "reason", "user_not_found", "remote_addr", r.RemoteAddr)
			w.Header().Set("WWW-Authenticate", challenge)
			http.Error(w, "Unauthorized", http.StatusUnauthorized)
			return
		}

		if err := bcrypt.CompareHashAndPassword([]byte(expectedHash), []byte(password)); err != nil {
			s.logger.Warn("admin authentication failed", "user", username, "reason", "invalid_password", "remote_addr", r.RemoteAddr)
			w.Header().Set("WWW-Authenticate", challenge)
			http.Error(w, "Unauthorized", http.StatusUnauthorized)
			return
		}

		next.ServeHTTP(w, r)
	})
}

// DefaultBcryptCost is the default cost factor for bcrypt hashing.
const DefaultBcryptCost = 10

// HashPassword hashes a password for the admin users map.
func HashPassword(password string) (string, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(password), DefaultBcryptCost)
	if err != nil {
		return "", err
	}
	return string(hash), nil
}

// VerifyPassword checks if a password matches a bcrypt hash.
func VerifyPassword(hash, password string) error {
	return bcrypt.CompareHashAndPassword([]byte(hash), []byte(password))
}

// Shutdown gracefully shuts down the admin server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	srv := s.httpServer
	s.mu.Unlock()
	if srv != nil {
		return srv.Shutdown(ctx)
	}
	return nil
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "healthy"})
}

// handleReady reports ready once a supergraph has been composed.
func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	if s.opts.Schemas == nil || s.opts.Schemas.Current() == nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "not ready"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

func (s *Server) handleInfo(w http.ResponseWriter, r *http.Request) {
	info := map[string]interface{}{
		"version":    s.opts.Version,
		"go_version": runtime.Version(),
		"uptime":     time.Since(s.startTime).Round(time.Second).String(),
	}
	if s.opts.Schemas != nil {
		info["schema"] = s.opts.Schemas.Status()
	}
	if s.opts.Registry != nil {
		info["subgraphs"] = len(s.opts.Registry.Status())
	}
	if s.opts.Coalescer != nil {
		info["coalesce"] = s.opts.Coalescer.Stats()
	}
	if s.opts.Snapshots != nil {
		info["snapshot"] = s.opts.Snapshots.Stats()
	}
	writeJSON(w, http.StatusOK, info)
}

func (s *Server) handleSubgraphs(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.Header().Set("Allow", http.MethodGet)
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if s.opts.Registry == nil {
		writeJSON(w, http.StatusOK, []registry.Status{})
		return
	}
	writeJSON(w, http.StatusOK, s.opts.Registry.Status())
}

// refreshResult is the body of POST /subgraphs/refresh.
type refreshResult struct {
	Subgraphs []registry.Status `json:"subgraphs"`
	Schema    gateway.Status    `json:"schema"`
	Errors    []string          `json:"errors,omitempty"`
}

// handleRefresh polls every subgraph now and recomposes without waiting for
// the debounce.
func (s *Server) handleRefresh(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.Header().Set("Allow", http.MethodPost)
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if s.opts.Registry == nil || s.opts.Schemas == nil {
		http.Error(w, "Refresh not available", http.StatusServiceUnavailable)
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), s.opts.RefreshTimeout)
	defer cancel()

	var result refreshResult
	if err := s.opts.Registry.Refresh(ctx); err != nil {
		result.Errors = append(result.Errors, err.Error())
	}
	if err := s.opts.Schemas.Recompose(); err != nil {
		result.Errors = append(result.Errors, err.Error())
	}
	result.Subgraphs = s.opts.Registry.Status()
	result.Schema = s.opts.Schemas.Status()

	s.logger.Info("manual schema refresh", "errors", len(result.Errors), "hash", result.Schema.Hash)
	writeJSON(w, http.StatusOK, result)
}

// handleConfig returns the active configuration with secrets masked.
func (s *Server) handleConfig(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.Header().Set("Allow", http.MethodGet)
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if s.opts.Config == nil {
		http.Error(w, "Configuration not available", http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, redact(s.opts.Config()))
}

const redacted = "***"

// redact returns a copy of cfg without credentials.
func redact(cfg *config.Config) *config.Config {
	if cfg == nil {
		return nil
	}
	out := *cfg

	out.Subgraphs = make([]config.SubgraphConfig, len(cfg.Subgraphs))
	for i, sg := range cfg.Subgraphs {
		out.Subgraphs[i] = sg
		out.Subgraphs[i].Headers = maskValues(sg.Headers)
	}
	out.Admin.Auth.Users = maskValues(cfg.Admin.Auth.Users)
	if out.Snapshot.Password != "" {
		out.Snapshot.Password = redacted
	}
	return &out
}

func maskValues(m map[string]string) map[string]string {
	if m == nil {
		return nil
	}
	out := make(map[string]string, len(m))
	for k := range m {
		out[k] = redacted
	}
	return out
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
