// Package server wires the gateway components together and runs them.
package server

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/hashicorp/go-multierror"

	"github.com/Ensembl/ensembl-thoas/internal/admin"
	"github.com/Ensembl/ensembl-thoas/internal/coalesce"
	"github.com/Ensembl/ensembl-thoas/internal/config"
	"github.com/Ensembl/ensembl-thoas/internal/executor"
	"github.com/Ensembl/ensembl-thoas/internal/gateway"
	"github.com/Ensembl/ensembl-thoas/internal/listener"
	"github.com/Ensembl/ensembl-thoas/internal/metrics"
	"github.com/Ensembl/ensembl-thoas/internal/middleware"
	"github.com/Ensembl/ensembl-thoas/internal/planner"
	"github.com/Ensembl/ensembl-thoas/internal/registry"
	"github.com/Ensembl/ensembl-thoas/internal/snapshot"
	"github.com/Ensembl/ensembl-thoas/internal/tracing"
)

// Options configures a Server beyond its configuration file.
type Options struct {
	Logger  *slog.Logger
	Version string
	// Client sends introspection and subgraph requests. Defaults to a client
	// with a tracing transport.
	Client *http.Client
	// Introspector replaces HTTP introspection of subgraphs.
	Introspector registry.Introspector
	// StartupTimeout bounds the first introspection round. Default 30s.
	StartupTimeout time.Duration
}

// Server is a running gateway: registry, supervisor, GraphQL endpoint,
// listeners and admin API.
type Server struct {
	cfg    atomic.Pointer[config.Config]
	opts   Options
	logger *slog.Logger

	metrics    *metrics.Metrics
	tracing    *tracing.Provider
	snapshots  *snapshot.RedisStore
	registry   *registry.Registry
	supervisor *gateway.Supervisor
	listeners  *listener.Manager
	admin      *admin.Server
	handler    http.Handler

	cancel    context.CancelFunc
	wg        sync.WaitGroup
	adminAddr net.Addr
}

// New builds every component from cfg. Nothing is bound or polled until
// Start.
func New(ctx context.Context, cfg *config.Config, opts Options) (*Server, error) {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Client == nil {
		opts.Client = &http.Client{Transport: tracing.Transport(nil)}
	}
	if opts.StartupTimeout <= 0 {
		opts.StartupTimeout = 30 * time.Second
	}
	logger := opts.Logger

	s := &Server{
		opts:    opts,
		logger:  logger,
		metrics: metrics.New(),
	}
	s.cfg.Store(cfg)

	tracingCfg := tracing.ConfigFrom(cfg.Tracing)
	provider, err := tracing.NewProvider(ctx, tracingCfg)
	if err != nil {
		logger.Warn("initializing tracing", "error", err)
		provider, _ = tracing.NewProvider(ctx, tracing.DefaultConfig())
	} else if tracingCfg.Enabled {
		logger.Info("tracing enabled", "endpoint", tracingCfg.Endpoint)
	}
	s.tracing = provider

	var store snapshot.Store
	if cfg.Snapshot.Enabled {
		rs, err := snapshot.NewRedisStore(snapshot.RedisConfig{
			Address:   cfg.Snapshot.Address,
			Password:  cfg.Snapshot.Password,
			DB:        cfg.Snapshot.DB,
			KeyPrefix: cfg.Snapshot.KeyPrefix,
			TTL:       config.ParseDuration(cfg.Snapshot.TTL, 0),
			Metrics:   s.metrics,
		})
		if err != nil {
			logger.Warn("snapshot store unavailable, continuing without snapshots", "error", err)
		} else {
			s.snapshots = rs
			store = rs
			logger.Info("snapshot store enabled", "address", cfg.Snapshot.Address)
		}
	}

	introspector := opts.Introspector
	if introspector == nil {
		introspector = registry.NewHTTPIntrospector(opts.Client)
	}
	s.registry = registry.New(registry.Options{
		Interval:         config.ParseDuration(cfg.Polling.Interval, 10*time.Second),
		Timeout:          config.ParseDuration(cfg.Polling.Timeout, 5*time.Second),
		FailureThreshold: cfg.Polling.FailureThreshold,
		Introspector:     introspector,
		Snapshots:        store,
		Metrics:          s.metrics,
		Logger:           logger,
	})
	for _, d := range registry.FromConfig(cfg.Subgraphs) {
		if err := s.registry.Register(d); err != nil {
			s.closeStores()
			return nil, fmt.Errorf("registering subgraphs: %w", err)
		}
	}

	s.supervisor = gateway.NewSupervisor(gateway.SupervisorOptions{
		Schemas:  s.registry,
		Debounce: config.ParseDuration(cfg.Polling.Debounce, 500*time.Millisecond),
		Metrics:  s.metrics,
		Logger:   logger,
	})

	p, err := planner.New(planner.Options{
		MaxDepth:  cfg.Gateway.MaxDepth,
		CacheSize: cfg.Gateway.DocumentCacheSize,
		Logger:    logger,
		Metrics:   s.metrics,
	})
	if err != nil {
		s.closeStores()
		return nil, err
	}

	var coalescer *coalesce.Coalescer
	if cfg.Gateway.CoalesceEnabled() {
		coalescer = coalesce.New(coalesce.Config{Logger: logger})
	}

	exec := executor.New(executor.Options{
		Subgraphs:       s.registry,
		Client:          opts.Client,
		Coalescer:       coalescer,
		Metrics:         s.metrics,
		Logger:          logger,
		MaxConcurrency:  cfg.Gateway.MaxConcurrency,
		MaxResponseSize: config.ParseSize(cfg.Gateway.MaxResponseSize, executor.DefaultMaxResponseSize),
	})

	s.listeners = listener.NewManager(listener.Options{
		Handler:      s,
		Logger:       logger,
		WriteTimeout: config.ParseDuration(cfg.Gateway.RequestTimeout, 30*time.Second) + 30*time.Second,
	})
	if err := s.listeners.Configure(cfg.Listeners); err != nil {
		s.closeStores()
		return nil, fmt.Errorf("configuring listeners: %w", err)
	}

	graphql := gateway.NewHandler(gateway.HandlerOptions{
		Schemas:        s.supervisor,
		Planner:        p,
		Executor:       exec,
		RequestTimeout: config.ParseDuration(cfg.Gateway.RequestTimeout, 30*time.Second),
		Metrics:        s.metrics,
		Logger:         logger,
	})
	s.handler = s.buildHandler(cfg, graphql)

	if cfg.Admin.Enabled {
		adminOpts := admin.Options{
			Registry: s.registry,
			Schemas:  s.supervisor,
			Metrics:  s.metrics,
			Config:   s.Config,
			Auth:     cfg.Admin.Auth,
			Logger:   logger,
			Version:  opts.Version,
		}
		if coalescer != nil {
			adminOpts.Coalescer = coalescer
		}
		if s.snapshots != nil {
			adminOpts.Snapshots = s.snapshots
		}
		s.admin = admin.NewServer(adminOpts)
	}

	return s, nil
}

func (s *Server) buildHandler(cfg *config.Config, graphql http.Handler) http.Handler {
	mux := http.NewServeMux()
	gatewayPath := cfg.Gateway.Path
	if gatewayPath == "" {
		gatewayPath = "/graphql"
	}
	schemaPath := cfg.Gateway.SchemaPath
	if schemaPath == "" {
		schemaPath = "/schema"
	}
	mux.Handle(gatewayPath, graphql)
	mux.Handle(schemaPath, gateway.SchemaHandler(s.supervisor))
	if cfg.Metrics.Prometheus.Enabled {
		path := cfg.Metrics.Prometheus.Path
		if path == "" {
			path = "/metrics"
		}
		mux.Handle(path, s.metrics.Handler())
	}

	middlewares := []func(http.Handler) http.Handler{
		middleware.Recovery(s.logger),
		middleware.RequestID(),
	}
	if cfg.AccessLog.Enabled {
		middlewares = append(middlewares, middleware.AccessLog(middleware.AccessLogOptions{
			Logger:     s.logger,
			SkipPaths:  cfg.AccessLog.SkipPaths,
			LogHeaders: cfg.AccessLog.LogHeaders,
		}))
	}
	middlewares = append(middlewares,
		s.tracing.Middleware(),
		s.metrics.Middleware(),
	)
	if cfg.CORS.Enabled {
		middlewares = append(middlewares, middleware.CORS(middleware.CORSFromConfig(cfg.CORS)))
	}
	middlewares = append(middlewares,
		middleware.AltSvc(s.listeners.HTTP3Port(), 0),
		middleware.RejectEarlyData(),
		middleware.BodyLimit(config.ParseSize(cfg.Gateway.MaxBodySize, middleware.DefaultMaxBodySize)),
	)

	return middleware.Chain(mux, middlewares...)
}

// ServeHTTP serves the client-facing mux with its middleware.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.handler.ServeHTTP(w, r)
}

// Config returns the configuration the server was built or last reloaded
// with.
func (s *Server) Config() *config.Config {
	return s.cfg.Load()
}

// Start introspects every subgraph once, composes, starts polling and
// recomposition, then binds the listeners and the admin API. Subgraphs that
// cannot be reached are logged; the gateway starts without them.
func (s *Server) Start(ctx context.Context) error {
	startCtx, cancel := context.WithTimeout(ctx, s.opts.StartupTimeout)
	if err := s.registry.Refresh(startCtx); err != nil {
		s.logger.Warn("initial introspection incomplete", "error", err)
	}
	cancel()

	if err := s.supervisor.Recompose(); err != nil {
		s.logger.Warn("starting without a composed schema", "error", err)
	}

	runCtx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	s.registry.Start(runCtx)
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.supervisor.Run(runCtx)
	}()

	s.logger.Info("starting listeners", "count", s.listeners.ListenerCount())
	if err := s.listeners.Start(ctx); err != nil {
		s.stopBackground()
		return fmt.Errorf("starting listeners: %w", err)
	}

	if s.admin != nil {
		ln, err := net.Listen("tcp", s.Config().Admin.Address)
		if err != nil {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = s.listeners.Shutdown(shutdownCtx)
			s.stopBackground()
			return fmt.Errorf("starting admin API: %w", err)
		}
		s.adminAddr = ln.Addr()
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			if err := s.admin.Serve(ln); err != nil {
				s.logger.Error("admin server error", "error", err)
			}
		}()
	}
	return nil
}

// Errors delivers listener failures after Start.
func (s *Server) Errors() <-chan error {
	return s.listeners.Errors()
}

// Addr returns the bound address of a named listener.
func (s *Server) Addr(name string) (net.Addr, bool) {
	return s.listeners.Addr(name)
}

// AdminAddr returns the bound admin address, or nil when the admin API is
// disabled.
func (s *Server) AdminAddr() net.Addr {
	return s.adminAddr
}

// Reload applies a changed configuration. Subgraphs are added or updated in
// place; listener, gateway and admin changes need a restart.
func (s *Server) Reload(cfg *config.Config) {
	s.logger.Info("reloading configuration")
	if err := s.registry.Configure(registry.FromConfig(cfg.Subgraphs)); err != nil {
		s.logger.Error("reloading subgraphs", "error", err)
		return
	}
	s.cfg.Store(cfg)
	s.logger.Info("configuration reloaded", "subgraphs", len(cfg.Subgraphs))
}

// Shutdown stops the listeners and admin API, waiting for in-flight
// requests until ctx is done, then stops polling and flushes traces.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down gateway")

	var mu sync.Mutex
	var result *multierror.Error
	collect := func(prefix string, err error) {
		if err == nil {
			return
		}
		mu.Lock()
		result = multierror.Append(result, fmt.Errorf("%s: %w", prefix, err))
		mu.Unlock()
	}

	var wg sync.WaitGroup
	if s.admin != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			collect("admin server shutdown", s.admin.Shutdown(ctx))
		}()
	}
	wg.Add(1)
	go func() {
		defer wg.Done()
		collect("listener shutdown", s.listeners.Shutdown(ctx))
	}()
	wg.Wait()

	s.stopBackground()

	tctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	collect("tracing shutdown", s.tracing.Shutdown(tctx))
	s.closeStores()

	if err := result.ErrorOrNil(); err != nil {
		s.logger.Error("shutdown error", "error", err)
		return err
	}
	s.logger.Info("gateway shutdown complete")
	return nil
}

func (s *Server) stopBackground() {
	if s.cancel != nil {
		s.cancel()
	}
	s.registry.Stop()
	s.wg.Wait()
}

func (s *Server) closeStores() {
	if s.snapshots != nil {
		if err := s.snapshots.Close(); err != nil {
			s.logger.Warn("closing snapshot store", "error", err)
		}
	}
}

// Run loads configPath, starts the gateway and serves until ctx is done or
// a listener fails. Configuration changes are applied with Reload.
func Run(ctx context.Context, configPath string, opts Options) error {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	logger := opts.Logger
	logger.Info("starting thoas gateway", "config", configPath, "version", opts.Version)

	cfgManager, err := config.NewManager(configPath, config.WithLogger(logger))
	if err != nil {
		return fmt.Errorf("loading configuration: %w", err)
	}
	defer cfgManager.Close()

	s, err := New(ctx, cfgManager.Get(), opts)
	if err != nil {
		return err
	}
	if err := s.Start(ctx); err != nil {
		return err
	}
	cfgManager.OnChange(s.Reload)

	var runErr error
	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	case runErr = <-s.Errors():
		logger.Error("listener failed, shutting down", "error", runErr)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := s.Shutdown(shutdownCtx); err != nil && runErr == nil {
		runErr = err
	}
	return runErr
}
