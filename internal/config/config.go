// Package config defines the gateway YAML configuration, its validation,
// and a file watcher that reloads it.
package config

import (
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config represents the complete gateway configuration.
type Config struct {
	Listeners []ListenerConfig `yaml:"listeners"`
	Subgraphs []SubgraphConfig `yaml:"subgraphs"`
	Polling   PollingConfig    `yaml:"polling,omitempty"`
	Gateway   GatewayConfig    `yaml:"gateway,omitempty"`
	Admin     AdminConfig      `yaml:"admin"`
	Metrics   MetricsConfig    `yaml:"metrics"`
	Tracing   TracingConfig    `yaml:"tracing,omitempty"`
	CORS      CORSConfig       `yaml:"cors,omitempty"`
	Snapshot  SnapshotConfig   `yaml:"snapshot,omitempty"`
	AccessLog AccessLogConfig  `yaml:"access_log,omitempty"`
}

// ListenerConfig defines a listener endpoint.
type ListenerConfig struct {
	Name     string     `yaml:"name"`
	Address  string     `yaml:"address"`
	Protocol string     `yaml:"protocol"` // http, https, h2c, http3
	TLS      *TLSConfig `yaml:"tls,omitempty"`
}

// TLSConfig defines TLS settings.
type TLSConfig struct {
	CertFile string `yaml:"cert_file"`
	KeyFile  string `yaml:"key_file"`
}

// SubgraphConfig defines one federated GraphQL service.
type SubgraphConfig struct {
	Name    string            `yaml:"name"`
	URL     string            `yaml:"url"`
	Headers map[string]string `yaml:"headers,omitempty"` // static headers sent on every request
	Timeout string            `yaml:"timeout,omitempty"` // per-fetch timeout, e.g. "10s"
}

// PollingConfig controls schema polling and recomposition.
type PollingConfig struct {
	Interval         string `yaml:"interval"`          // poll interval per subgraph (default 10s)
	Timeout          string `yaml:"timeout"`           // introspection timeout (default 5s)
	FailureThreshold int    `yaml:"failure_threshold"` // consecutive failures before degraded (default 3)
	Debounce         string `yaml:"debounce"`          // recomposition debounce (default 500ms)
}

// GatewayConfig defines the client-facing GraphQL endpoint.
type GatewayConfig struct {
	Path              string `yaml:"path"`                // default /graphql
	SchemaPath        string `yaml:"schema_path"`         // default /schema
	RequestTimeout    string `yaml:"request_timeout"`     // default 30s
	MaxDepth          int    `yaml:"max_depth"`           // 0 disables the limit
	MaxBodySize       string `yaml:"max_body_size"`       // default 1MB
	MaxResponseSize   string `yaml:"max_response_size"`   // subgraph reply limit, default 16MB
	DocumentCacheSize int    `yaml:"document_cache_size"` // default 1000
	MaxConcurrency    int    `yaml:"max_concurrency"`     // parallel fetches per plan node, 0 = unbounded
	Coalesce          *bool  `yaml:"coalesce,omitempty"`  // dedupe identical in-flight fetches (default true)
}

// AdminConfig defines admin API settings.
type AdminConfig struct {
	Address string          `yaml:"address"`
	Enabled bool            `yaml:"enabled"`
	Auth    AdminAuthConfig `yaml:"auth,omitempty"`
}

// AdminAuthConfig defines admin API authentication settings.
type AdminAuthConfig struct {
	Enabled bool              `yaml:"enabled"`
	Users   map[string]string `yaml:"users,omitempty"` // username -> bcrypt hash
	Realm   string            `yaml:"realm,omitempty"`
}

// MetricsConfig defines metrics settings.
type MetricsConfig struct {
	Prometheus PrometheusConfig `yaml:"prometheus,omitempty"`
}

// PrometheusConfig defines Prometheus metrics settings.
type PrometheusConfig struct {
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path"`
}

// TracingConfig defines distributed tracing settings.
type TracingConfig struct {
	Enabled      bool    `yaml:"enabled"`
	Endpoint     string  `yaml:"endpoint"`     // OTLP endpoint
	ServiceName  string  `yaml:"service_name"` // Service name in traces
	SampleRate   float64 `yaml:"sample_rate"`  // Sampling rate (0.0 to 1.0)
	BatchTimeout string  `yaml:"batch_timeout"`
}

// CORSConfig defines CORS settings.
type CORSConfig struct {
	Enabled          bool     `yaml:"enabled"`
	AllowOrigins     []string `yaml:"allow_origins"`
	AllowMethods     []string `yaml:"allow_methods"`
	AllowHeaders     []string `yaml:"allow_headers"`
	ExposeHeaders    []string `yaml:"expose_headers"`
	MaxAge           int      `yaml:"max_age"`
	AllowCredentials bool     `yaml:"allow_credentials"`
}

// SnapshotConfig defines the Redis store for last-known-good subgraph schemas.
type SnapshotConfig struct {
	Enabled   bool   `yaml:"enabled"`
	Address   string `yaml:"address"`
	Password  string `yaml:"password,omitempty"`
	DB        int    `yaml:"db"`
	KeyPrefix string `yaml:"key_prefix"`
	TTL       string `yaml:"ttl"` // empty keeps snapshots forever
}

// AccessLogConfig defines request logging.
type AccessLogConfig struct {
	Enabled    bool     `yaml:"enabled"`
	SkipPaths  []string `yaml:"skip_paths,omitempty"`
	LogHeaders []string `yaml:"log_headers,omitempty"`
}

// Load reads, parses and validates a configuration file without watching it.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}
	return Parse(data)
}

// Parse decodes and validates configuration bytes.
func Parse(data []byte) (*Config, error) {
	var config Config
	if err := yaml.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}

	if err := Validate(&config); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return &config, nil
}

// Validate checks configuration validity.
func Validate(cfg *Config) error {
	if len(cfg.Listeners) == 0 {
		return fmt.Errorf("at least one listener is required")
	}

	for i, l := range cfg.Listeners {
		if l.Address == "" {
			return fmt.Errorf("listener[%d]: address is required", i)
		}
		if l.Protocol == "" {
			return fmt.Errorf("listener[%d]: protocol is required", i)
		}
		switch l.Protocol {
		case "http", "h2c":
		case "https", "http3":
			if l.TLS == nil {
				return fmt.Errorf("listener[%d]: protocol %s requires tls", i, l.Protocol)
			}
		default:
			return fmt.Errorf("listener[%d]: unsupported protocol %q", i, l.Protocol)
		}
	}

	if len(cfg.Subgraphs) == 0 {
		return fmt.Errorf("at least one subgraph is required")
	}

	names := make(map[string]bool)
	for i, s := range cfg.Subgraphs {
		if s.Name == "" {
			return fmt.Errorf("subgraph[%d]: name is required", i)
		}
		if names[s.Name] {
			return fmt.Errorf("subgraph %q: duplicate name", s.Name)
		}
		names[s.Name] = true

		if s.URL == "" {
			return fmt.Errorf("subgraph[%d]: url is required", i)
		}
		u, err := url.Parse(s.URL)
		if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			return fmt.Errorf("subgraph %q: invalid url %q", s.Name, s.URL)
		}
	}

	if cfg.Polling.FailureThreshold < 0 {
		return fmt.Errorf("polling: failure_threshold must not be negative")
	}
	if cfg.Gateway.MaxDepth < 0 {
		return fmt.Errorf("gateway: max_depth must not be negative")
	}

	if cfg.Admin.Enabled && cfg.Admin.Address == "" {
		return fmt.Errorf("admin: address is required when enabled")
	}

	if cfg.Snapshot.Enabled && cfg.Snapshot.Address == "" {
		return fmt.Errorf("snapshot: address is required when enabled")
	}

	if cfg.Tracing.SampleRate < 0 || cfg.Tracing.SampleRate > 1 {
		return fmt.Errorf("tracing: sample_rate must be between 0 and 1")
	}

	return nil
}

// CoalesceEnabled reports whether identical in-flight fetches are deduplicated.
func (g GatewayConfig) CoalesceEnabled() bool {
	return g.Coalesce == nil || *g.Coalesce
}

// ParseDuration parses a duration string with default fallback.
func ParseDuration(s string, defaultVal time.Duration) time.Duration {
	if s == "" {
		return defaultVal
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return defaultVal
	}
	return d
}

// sizeUnits is ordered so that "B" is tried last.
var sizeUnits = []struct {
	suffix string
	bytes  int64
}{
	{"GB", 1 << 30},
	{"MB", 1 << 20},
	{"KB", 1 << 10},
	{"B", 1},
}

// ParseSize reads sizes such as "1MB", "512 kb" or "2048" (bytes). Empty or
// unparsable input yields defaultVal.
func ParseSize(s string, defaultVal int64) int64 {
	s = strings.ToUpper(strings.TrimSpace(s))
	if s == "" {
		return defaultVal
	}

	unit := int64(1)
	for _, u := range sizeUnits {
		if num, ok := strings.CutSuffix(s, u.suffix); ok {
			s, unit = strings.TrimSpace(num), u.bytes
			break
		}
	}
	n, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return defaultVal
	}
	return n * unit
}
