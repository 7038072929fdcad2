// Package executor runs query plans against subgraphs and assembles the
// client response.
package executor

import (
	"context"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/vektah/gqlparser/v2/ast"
	"github.com/vektah/gqlparser/v2/gqlerror"
	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/sync/errgroup"

	"github.com/Ensembl/ensembl-thoas/internal/coalesce"
	"github.com/Ensembl/ensembl-thoas/internal/introspection"
	"github.com/Ensembl/ensembl-thoas/internal/metrics"
	"github.com/Ensembl/ensembl-thoas/internal/planner"
	"github.com/Ensembl/ensembl-thoas/internal/tracing"
)

// DefaultMaxResponseSize bounds a subgraph reply (16MB).
const DefaultMaxResponseSize = 16 << 20

// Subgraphs resolves subgraph names to endpoints and receives failure reports.
type Subgraphs interface {
	AddressOf(name string) (string, error)
	// Settings returns the static headers and per-fetch timeout of a subgraph.
	Settings(name string) (map[string]string, time.Duration)
	ReportFailure(name string)
	Degraded(name string) bool
}

// Options configures an Executor.
type Options struct {
	Subgraphs Subgraphs
	Client    *http.Client
	// Coalescer deduplicates identical in-flight query fetches. Nil disables it.
	Coalescer *coalesce.Coalescer
	Metrics   *metrics.Metrics
	Logger    *slog.Logger
	// MaxConcurrency bounds concurrent fetches per Parallel node. Zero is unbounded.
	MaxConcurrency  int
	MaxResponseSize int64
}

// Executor runs plans. It is safe for concurrent use.
type Executor struct {
	subgraphs       Subgraphs
	client          *http.Client
	coalescer       *coalesce.Coalescer
	metrics         *metrics.Metrics
	logger          *slog.Logger
	maxConcurrency  int
	maxResponseSize int64
}

// New creates an executor.
func New(opts Options) *Executor {
	if opts.Client == nil {
		opts.Client = &http.Client{Transport: tracing.Transport(nil)}
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.MaxResponseSize <= 0 {
		opts.MaxResponseSize = DefaultMaxResponseSize
	}
	return &Executor{
		subgraphs:       opts.Subgraphs,
		client:          opts.Client,
		coalescer:       opts.Coalescer,
		metrics:         opts.Metrics,
		logger:          opts.Logger,
		maxConcurrency:  opts.MaxConcurrency,
		maxResponseSize: opts.MaxResponseSize,
	}
}

// Response is the client-facing result of an operation.
type Response struct {
	Data   *Object       `json:"data"`
	Errors gqlerror.List `json:"errors,omitempty"`
}

// ErrorResponse builds a response without data.
func ErrorResponse(errs gqlerror.List) *Response {
	return &Response{Errors: errs}
}

// state is the mutable per-request result tree.
type state struct {
	plan *planner.Plan
	vars map[string]interface{}

	mu     sync.Mutex
	data   map[string]interface{}
	errors gqlerror.List
}

func (s *state) addErrors(errs ...*gqlerror.Error) {
	s.mu.Lock()
	s.errors = append(s.errors, errs...)
	s.mu.Unlock()
}

// Execute runs plan and shapes the merged result. Failed fetches degrade the
// response; they never abort it.
func (e *Executor) Execute(ctx context.Context, plan *planner.Plan) *Response {
	ctx, span := tracing.Start(ctx, "graphql.execute",
		attribute.String("graphql.operation.type", string(plan.Operation.Operation)),
		attribute.String("graphql.operation.name", plan.Operation.Name),
	)
	defer span.End()

	st := &state{
		plan: plan,
		vars: plan.Variables,
		data: make(map[string]interface{}),
	}

	for _, sel := range plan.Selections {
		if introspection.IsRootField(sel.Name) {
			st.data[sel.ResponseKey] = introspection.Resolve(plan.Schema.Schema, sel, plan.Variables)
		}
	}

	if plan.Root != nil {
		e.run(ctx, st, plan.Root)
	}

	sh := &shaper{schema: plan.Schema.Schema, errors: st.errors}
	data := sh.root(st.data, plan.RootType, plan.Selections)
	sortErrors(sh.errors)

	if len(sh.errors) > 0 {
		span.SetAttributes(attribute.Int("graphql.errors", len(sh.errors)))
	}
	return &Response{Data: data, Errors: sh.errors}
}

func (e *Executor) run(ctx context.Context, st *state, n planner.Node) {
	switch n := n.(type) {
	case *planner.Fetch:
		e.fetch(ctx, st, n)
	case *planner.Sequence:
		for _, c := range n.Nodes {
			e.run(ctx, st, c)
		}
	case *planner.Parallel:
		var g errgroup.Group
		if e.maxConcurrency > 0 {
			g.SetLimit(e.maxConcurrency)
		}
		for _, c := range n.Nodes {
			c := c
			g.Go(func() error {
				e.run(ctx, st, c)
				return nil
			})
		}
		_ = g.Wait()
	}
}

// failurePath is the single client path a failed fetch reports against.
func failurePath(f *planner.Fetch) ast.Path {
	var path ast.Path
	wildcard := false
	for _, p := range f.Path {
		if p == "@" {
			wildcard = true
			break
		}
		path = append(path, ast.PathName(p))
	}
	if !wildcard && len(f.ResponseKeys) == 1 {
		path = append(path, ast.PathName(f.ResponseKeys[0]))
	}
	return path
}
