// Package registry keeps track of subgraphs and their last known-good schemas.
package registry

import (
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"sort"
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/hashicorp/go-multierror"

	"github.com/Ensembl/ensembl-thoas/internal/config"
	"github.com/Ensembl/ensembl-thoas/internal/metrics"
	"github.com/Ensembl/ensembl-thoas/internal/snapshot"
)

// Errors returned by the registry.
var (
	ErrUnknownSubgraph   = errors.New("unknown subgraph")
	ErrDuplicateSubgraph = errors.New("subgraph already registered")
	ErrInvalidDescriptor = errors.New("invalid subgraph descriptor")
)

// Descriptor configures one subgraph.
type Descriptor struct {
	Name    string
	URL     string
	Headers map[string]string
	// Timeout bounds a single fetch sent to the subgraph. Zero means no
	// per-fetch limit beyond the request deadline.
	Timeout time.Duration
}

func (d Descriptor) validate() error {
	if d.Name == "" {
		return fmt.Errorf("%w: name is required", ErrInvalidDescriptor)
	}
	if d.URL == "" {
		return fmt.Errorf("%w: subgraph %s: url is required", ErrInvalidDescriptor, d.Name)
	}
	u, err := url.Parse(d.URL)
	if err != nil || u.Host == "" {
		return fmt.Errorf("%w: subgraph %s: invalid url %q", ErrInvalidDescriptor, d.Name, d.URL)
	}
	return nil
}

// FromConfig converts subgraph configuration into descriptors.
func FromConfig(cfgs []config.SubgraphConfig) []Descriptor {
	out := make([]Descriptor, 0, len(cfgs))
	for _, c := range cfgs {
		out = append(out, Descriptor{
			Name:    c.Name,
			URL:     c.URL,
			Headers: c.Headers,
			Timeout: config.ParseDuration(c.Timeout, 0),
		})
	}
	return out
}

// Status is the externally visible state of a subgraph.
type Status struct {
	Name                string     `json:"name"`
	URL                 string     `json:"url"`
	HasSchema           bool       `json:"has_schema"`
	FromSnapshot        bool       `json:"from_snapshot,omitempty"`
	LastSuccess         *time.Time `json:"last_success,omitempty"`
	ConsecutiveFailures int        `json:"consecutive_failures"`
	Degraded            bool       `json:"degraded"`
	LastError           string     `json:"last_error,omitempty"`
	SchemaHash          string     `json:"schema_hash,omitempty"`
}

type subgraph struct {
	desc         Descriptor
	sdl          string
	lastSuccess  time.Time
	failures     int
	lastError    string
	fromSnapshot bool
	seeded       bool
}

// Options configures a Registry.
type Options struct {
	// Interval between introspections of one subgraph. Defaults to 10s.
	Interval time.Duration
	// Timeout bounds one introspection. Defaults to 5s.
	Timeout time.Duration
	// FailureThreshold is the number of consecutive failures after which a
	// subgraph is degraded. Defaults to 3.
	FailureThreshold int
	Introspector     Introspector
	// Snapshots, when set, stores every fetched schema and seeds subgraphs
	// that cannot be introspected at startup.
	Snapshots snapshot.Store
	Metrics   *metrics.Metrics
	Logger    *slog.Logger
}

// Registry holds subgraph descriptors and schemas. Descriptors are never
// removed while the registry runs.
type Registry struct {
	mu        sync.RWMutex
	subgraphs map[string]*subgraph

	interval     time.Duration
	timeout      time.Duration
	threshold    int
	introspector Introspector
	snapshots    snapshot.Store
	metrics      *metrics.Metrics
	logger       *slog.Logger

	changes chan struct{}
	poller  *poller
}

// New creates an empty registry.
func New(opts Options) *Registry {
	if opts.Interval <= 0 {
		opts.Interval = 10 * time.Second
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 5 * time.Second
	}
	if opts.FailureThreshold <= 0 {
		opts.FailureThreshold = 3
	}
	if opts.Introspector == nil {
		opts.Introspector = NewHTTPIntrospector(nil)
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}

	return &Registry{
		subgraphs:    make(map[string]*subgraph),
		interval:     opts.Interval,
		timeout:      opts.Timeout,
		threshold:    opts.FailureThreshold,
		introspector: opts.Introspector,
		snapshots:    opts.Snapshots,
		metrics:      opts.Metrics,
		logger:       opts.Logger,
		changes:      make(chan struct{}, 1),
	}
}

// Register adds a subgraph. A running registry starts polling it at once.
func (r *Registry) Register(d Descriptor) error {
	if err := d.validate(); err != nil {
		return err
	}

	r.mu.Lock()
	if _, ok := r.subgraphs[d.Name]; ok {
		r.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrDuplicateSubgraph, d.Name)
	}
	r.subgraphs[d.Name] = &subgraph{desc: d}
	p := r.poller
	r.mu.Unlock()

	r.logger.Info("subgraph registered", "subgraph", d.Name, "url", d.URL)
	if p != nil {
		p.watch(d.Name)
	}
	return nil
}

// Configure applies a new descriptor set: unknown subgraphs are registered
// and existing ones take the new URL, headers and timeout. Subgraphs missing
// from ds stay registered.
func (r *Registry) Configure(ds []Descriptor) error {
	seen := make(map[string]bool, len(ds))
	var added []Descriptor
	var result *multierror.Error

	r.mu.Lock()
	for _, d := range ds {
		if err := d.validate(); err != nil {
			result = multierror.Append(result, err)
			continue
		}
		seen[d.Name] = true
		if s, ok := r.subgraphs[d.Name]; ok {
			if s.desc.URL != d.URL {
				r.logger.Info("subgraph url changed", "subgraph", d.Name, "from", s.desc.URL, "to", d.URL)
			}
			s.desc = d
			continue
		}
		added = append(added, d)
	}
	for name := range r.subgraphs {
		if !seen[name] {
			r.logger.Warn("subgraph removed from configuration but stays registered", "subgraph", name)
		}
	}
	r.mu.Unlock()

	for _, d := range added {
		if err := r.Register(d); err != nil {
			result = multierror.Append(result, err)
		}
	}
	return result.ErrorOrNil()
}

// CurrentSchemas returns the schema of every subgraph that has one.
func (r *Registry) CurrentSchemas() map[string]string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make(map[string]string, len(r.subgraphs))
	for name, s := range r.subgraphs {
		if s.sdl != "" {
			out[name] = s.sdl
		}
	}
	return out
}

// AddressOf returns the URL of a subgraph.
func (r *Registry) AddressOf(name string) (string, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	s, ok := r.subgraphs[name]
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrUnknownSubgraph, name)
	}
	return s.desc.URL, nil
}

// Settings returns the static headers and fetch timeout of a subgraph.
func (r *Registry) Settings(name string) (map[string]string, time.Duration) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	s, ok := r.subgraphs[name]
	if !ok {
		return nil, 0
	}
	return s.desc.Headers, s.desc.Timeout
}

// ReportFailure counts a failed fetch towards the degraded threshold.
func (r *Registry) ReportFailure(name string) {
	r.mu.Lock()
	s, ok := r.subgraphs[name]
	if !ok {
		r.mu.Unlock()
		return
	}
	s.failures++
	degraded := s.failures == r.threshold
	r.mu.Unlock()

	if degraded {
		r.logger.Warn("subgraph degraded", "subgraph", name, "failures", r.threshold)
	}
	r.metrics.SetSubgraphDegraded(name, r.Degraded(name))
}

// Degraded reports whether a subgraph reached the failure threshold.
func (r *Registry) Degraded(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()

	s, ok := r.subgraphs[name]
	return ok && s.failures >= r.threshold
}

// Names returns the registered subgraph names in order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.subgraphs))
	for name := range r.subgraphs {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Status reports every subgraph, ordered by name.
func (r *Registry) Status() []Status {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]Status, 0, len(r.subgraphs))
	for name, s := range r.subgraphs {
		st := Status{
			Name:                name,
			URL:                 s.desc.URL,
			HasSchema:           s.sdl != "",
			FromSnapshot:        s.fromSnapshot,
			ConsecutiveFailures: s.failures,
			Degraded:            s.failures >= r.threshold,
			LastError:           s.lastError,
		}
		if !s.lastSuccess.IsZero() {
			t := s.lastSuccess
			st.LastSuccess = &t
		}
		if s.sdl != "" {
			st.SchemaHash = fmt.Sprintf("%016x", xxhash.Sum64String(s.sdl))
		}
		out = append(out, st)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Changes delivers a signal after any subgraph schema changed. Signals
// coalesce: one pending signal covers every change before it is received.
func (r *Registry) Changes() <-chan struct{} {
	return r.changes
}

func (r *Registry) notify() {
	select {
	case r.changes <- struct{}{}:
	default:
	}
}
