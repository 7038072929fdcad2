package registry

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/vektah/gqlparser/v2/ast"
	"github.com/vektah/gqlparser/v2/parser"
	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/sync/errgroup"

	"github.com/Ensembl/ensembl-thoas/internal/snapshot"
	"github.com/Ensembl/ensembl-thoas/internal/tracing"
)

type poller struct {
	ctx    context.Context
	cancel context.CancelFunc
	r      *Registry

	mu       sync.Mutex
	watching map[string]bool
	wg       sync.WaitGroup
}

// Start polls every subgraph on the configured interval until Stop is
// called or ctx ends. Subgraphs registered later are polled too.
func (r *Registry) Start(ctx context.Context) {
	r.mu.Lock()
	if r.poller != nil {
		r.mu.Unlock()
		return
	}
	pctx, cancel := context.WithCancel(ctx)
	p := &poller{ctx: pctx, cancel: cancel, r: r, watching: make(map[string]bool)}
	r.poller = p
	names := make([]string, 0, len(r.subgraphs))
	for name := range r.subgraphs {
		names = append(names, name)
	}
	r.mu.Unlock()

	for _, name := range names {
		p.watch(name)
	}
	r.logger.Info("schema polling started", "subgraphs", len(names), "interval", r.interval)
}

// Stop ends polling and waits for the poll loops to exit.
func (r *Registry) Stop() {
	r.mu.Lock()
	p := r.poller
	r.poller = nil
	r.mu.Unlock()

	if p == nil {
		return
	}
	p.cancel()
	p.wg.Wait()
}

func (p *poller) watch(name string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.watching[name] || p.ctx.Err() != nil {
		return
	}
	p.watching[name] = true
	p.wg.Add(1)
	go p.loop(name)
}

func (p *poller) loop(name string) {
	defer p.wg.Done()

	ticker := time.NewTicker(p.r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-p.ctx.Done():
			return
		case <-ticker.C:
			if err := p.r.poll(p.ctx, name); err != nil && p.ctx.Err() == nil {
				p.r.logger.Warn("schema poll failed", "subgraph", name, "error", err)
			}
		}
	}
}

// Refresh introspects every subgraph once, concurrently. The returned error
// names every subgraph that failed; their previous schemas stay in place.
func (r *Registry) Refresh(ctx context.Context) error {
	names := r.Names()

	var mu sync.Mutex
	var result *multierror.Error

	var g errgroup.Group
	for _, name := range names {
		name := name
		g.Go(func() error {
			if err := r.poll(ctx, name); err != nil {
				mu.Lock()
				result = multierror.Append(result, err)
				mu.Unlock()
			}
			return nil
		})
	}
	_ = g.Wait()

	return result.ErrorOrNil()
}

// poll introspects one subgraph. A failure leaves the stored schema alone.
func (r *Registry) poll(ctx context.Context, name string) error {
	r.mu.RLock()
	s, ok := r.subgraphs[name]
	if !ok {
		r.mu.RUnlock()
		return fmt.Errorf("%w: %s", ErrUnknownSubgraph, name)
	}
	desc := s.desc
	r.mu.RUnlock()

	ctx, span := tracing.Start(ctx, "registry.introspect", attribute.String("graphql.subgraph", name))
	defer span.End()

	ictx, cancel := context.WithTimeout(ctx, r.timeout)
	sdl, err := r.introspector.Introspect(ictx, desc)
	cancel()
	if err == nil {
		if _, perr := parser.ParseSchema(&ast.Source{Name: name, Input: sdl}); perr != nil {
			err = fmt.Errorf("invalid schema document: %w", perr)
		}
	}
	r.metrics.RecordIntrospection(name, err)

	if err != nil {
		tracing.RecordError(ctx, err)
		r.recordFailure(name, err)
		r.seed(ctx, name)
		return fmt.Errorf("subgraph %s: %w", name, err)
	}

	r.recordSuccess(ctx, name, sdl)
	return nil
}

func (r *Registry) recordFailure(name string, err error) {
	r.mu.Lock()
	s := r.subgraphs[name]
	s.failures++
	s.lastError = err.Error()
	degraded := s.failures == r.threshold
	r.mu.Unlock()

	if degraded {
		r.logger.Warn("subgraph degraded", "subgraph", name, "failures", r.threshold, "error", err)
	}
	r.metrics.SetSubgraphDegraded(name, r.Degraded(name))
}

func (r *Registry) recordSuccess(ctx context.Context, name, sdl string) {
	r.mu.Lock()
	s := r.subgraphs[name]
	recovered := s.failures >= r.threshold
	changed := s.sdl != sdl
	s.sdl = sdl
	s.failures = 0
	s.lastError = ""
	s.lastSuccess = time.Now()
	s.fromSnapshot = false
	s.seeded = true
	r.mu.Unlock()

	if recovered {
		r.logger.Info("subgraph recovered", "subgraph", name)
	}
	r.metrics.SetSubgraphDegraded(name, false)

	if !changed {
		return
	}
	r.logger.Info("subgraph schema updated", "subgraph", name)
	r.notify()

	if r.snapshots != nil {
		if err := r.snapshots.Save(ctx, name, sdl); err != nil {
			r.logger.Warn("saving schema snapshot failed", "subgraph", name, "error", err)
		}
	}
}

// seed loads the stored snapshot of a subgraph that has never been
// introspected successfully. It is tried once per subgraph.
func (r *Registry) seed(ctx context.Context, name string) {
	if r.snapshots == nil {
		return
	}

	r.mu.Lock()
	s := r.subgraphs[name]
	if s.seeded || s.sdl != "" {
		r.mu.Unlock()
		return
	}
	s.seeded = true
	r.mu.Unlock()

	snap, err := r.snapshots.Load(ctx, name)
	if err != nil {
		if !errors.Is(err, snapshot.ErrNotFound) {
			r.logger.Warn("loading schema snapshot failed", "subgraph", name, "error", err)
		}
		return
	}

	r.mu.Lock()
	if s.sdl != "" {
		r.mu.Unlock()
		return
	}
	s.sdl = snap.SDL
	s.fromSnapshot = true
	r.mu.Unlock()

	r.logger.Info("subgraph seeded from snapshot", "subgraph", name, "saved_at", snap.SavedAt)
	r.notify()
}
