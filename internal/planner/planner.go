// Package planner turns a client operation into a tree of subgraph fetches.
package planner

import (
	"errors"
	"fmt"
	"log/slog"
	"strconv"

	"github.com/cespare/xxhash/v2"
	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/vektah/gqlparser/v2"
	"github.com/vektah/gqlparser/v2/ast"
	"github.com/vektah/gqlparser/v2/gqlerror"
	"github.com/vektah/gqlparser/v2/parser"
	"github.com/vektah/gqlparser/v2/validator"

	"github.com/Ensembl/ensembl-thoas/internal/composer"
	"github.com/Ensembl/ensembl-thoas/internal/metrics"
)

// Error codes carried in extensions.code of planning errors.
const (
	CodeParseFailed      = "GRAPHQL_PARSE_FAILED"
	CodeValidationFailed = "GRAPHQL_VALIDATION_FAILED"
	CodeBadUserInput     = "BAD_USER_INPUT"
)

// Request is a client operation.
type Request struct {
	Query         string                 `json:"query"`
	OperationName string                 `json:"operationName,omitempty"`
	Variables     map[string]interface{} `json:"variables,omitempty"`
}

// Plan is the executable form of one operation against one schema snapshot.
type Plan struct {
	// Root is nil when the operation needs no subgraph, e.g. pure introspection.
	Root      Node
	Operation *ast.OperationDefinition
	RootType  *ast.Definition
	// Selections is the normalized client selection, used to shape the response.
	Selections []*Selection
	// Variables are the coerced client variables.
	Variables map[string]interface{}
	Schema    *composer.ComposedSchema
}

// PlanningError is a client-input fault. No subgraph is contacted.
type PlanningError struct {
	Errors gqlerror.List
}

func (e *PlanningError) Error() string {
	return e.Errors.Error()
}

// Code returns the code of the first error.
func (e *PlanningError) Code() string {
	if len(e.Errors) == 0 {
		return ""
	}
	code, _ := e.Errors[0].Extensions["code"].(string)
	return code
}

func planningErrorf(code, format string, args ...interface{}) *PlanningError {
	return &PlanningError{Errors: gqlerror.List{withCode(gqlerror.Errorf(format, args...), code)}}
}

func withCode(err *gqlerror.Error, code string) *gqlerror.Error {
	if err.Extensions == nil {
		err.Extensions = map[string]interface{}{}
	}
	if _, ok := err.Extensions["code"]; !ok {
		err.Extensions["code"] = code
	}
	return err
}

// Options configures a Planner.
type Options struct {
	// MaxDepth bounds the selection depth. Zero disables the check.
	MaxDepth int
	// CacheSize is the number of parsed documents kept. Defaults to 1000.
	CacheSize int
	Logger    *slog.Logger
	Metrics   *metrics.Metrics
}

// Planner builds plans. It is safe for concurrent use.
type Planner struct {
	maxDepth  int
	documents *lru.Cache[uint64, *ast.QueryDocument]
	logger    *slog.Logger
	metrics   *metrics.Metrics
}

// New creates a planner.
func New(opts Options) (*Planner, error) {
	if opts.CacheSize <= 0 {
		opts.CacheSize = 1000
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}

	cache, err := lru.New[uint64, *ast.QueryDocument](opts.CacheSize)
	if err != nil {
		return nil, fmt.Errorf("creating document cache: %w", err)
	}

	return &Planner{
		maxDepth:  opts.MaxDepth,
		documents: cache,
		logger:    opts.Logger,
		metrics:   opts.Metrics,
	}, nil
}

// Plan validates req against the composed schema and builds its execution plan.
func (p *Planner) Plan(cs *composer.ComposedSchema, req Request) (*Plan, error) {
	doc, err := p.document(cs, req.Query)
	if err != nil {
		return nil, err
	}

	op := doc.Operations.ForName(req.OperationName)
	if op == nil {
		if req.OperationName != "" {
			return nil, planningErrorf(CodeValidationFailed, "unknown operation named %q", req.OperationName)
		}
		return nil, planningErrorf(CodeValidationFailed, "operation name is required when the document has several operations")
	}
	if op.Operation == ast.Subscription {
		return nil, planningErrorf(CodeValidationFailed, "subscriptions are not supported")
	}

	rootType := cs.RootType(op.Operation)
	if rootType == nil {
		return nil, planningErrorf(CodeValidationFailed, "schema does not support %s operations", op.Operation)
	}

	vars, verr := validator.VariableValues(cs.Schema, op, req.Variables)
	if verr != nil {
		return nil, planningErrorf(CodeBadUserInput, "%s", verr.Error())
	}

	n := &normalizer{schema: cs.Schema, vars: vars}
	selections := n.selections(rootType, op.SelectionSet, "")

	if p.maxDepth > 0 {
		if d := depth(selections); d > p.maxDepth {
			return nil, planningErrorf(CodeValidationFailed, "selection depth %d exceeds the maximum of %d", d, p.maxDepth)
		}
	}

	b := &builder{
		schema:    cs,
		operation: op,
	}
	root, perr := b.build(rootType, selections)
	if perr != nil {
		return nil, perr
	}

	return &Plan{
		Root:       root,
		Operation:  op,
		RootType:   rootType,
		Selections: selections,
		Variables:  vars,
		Schema:     cs,
	}, nil
}

func (p *Planner) document(cs *composer.ComposedSchema, query string) (*ast.QueryDocument, error) {
	key := xxhash.Sum64String(cs.Hash + "\x00" + query)
	if doc, ok := p.documents.Get(key); ok {
		p.metrics.RecordDocumentCache(true)
		return doc, nil
	}
	p.metrics.RecordDocumentCache(false)

	if _, err := parser.ParseQuery(&ast.Source{Input: query}); err != nil {
		var gqlErr *gqlerror.Error
		if errors.As(err, &gqlErr) {
			return nil, &PlanningError{Errors: gqlerror.List{withCode(gqlErr, CodeParseFailed)}}
		}
		return nil, planningErrorf(CodeParseFailed, "%s", err.Error())
	}

	doc, errs := gqlparser.LoadQuery(cs.Schema, query)
	if len(errs) > 0 {
		for _, e := range errs {
			withCode(e, CodeValidationFailed)
		}
		return nil, &PlanningError{Errors: errs}
	}

	p.documents.Add(key, doc)
	return doc, nil
}

func depth(sels []*Selection) int {
	max := 0
	for _, s := range sels {
		if s.Name == "__schema" || s.Name == "__type" {
			continue
		}
		if d := 1 + depth(s.Children); d > max {
			max = d
		}
	}
	return max
}

// Node is an element of the plan tree: *Fetch, *Sequence or *Parallel.
type Node interface {
	node()
}

// Sequence runs its nodes strictly in order.
type Sequence struct {
	Nodes []Node
}

// Parallel runs its nodes concurrently.
type Parallel struct {
	Nodes []Node
}

// Fetch is a single request to one subgraph.
type Fetch struct {
	ID       int
	Subgraph string
	// Operation is "query" or "mutation".
	Operation string
	Query     string
	// Variables names the client variables the query uses.
	Variables []string
	// Path locates the objects this fetch resolves, as response keys with "@"
	// standing for every element of a list. Empty for root fetches.
	Path []string
	// ResponseKeys are the response keys this fetch is responsible for at Path.
	ResponseKeys []string
	// Entity is set for fetches that go through _entities.
	Entity *EntityRequest
}

// EntityRequest describes how to build representations for an entity fetch.
type EntityRequest struct {
	TypeName string
	// Variable is the name of the representations variable in Query.
	Variable string
	Keys     []KeyField
}

// KeyField is a field copied from a parent object into a representation.
type KeyField struct {
	Name string
	// ResponseKey is where the parent fetch placed the value.
	ResponseKey string
	Children    []KeyField
}

func (*Sequence) node() {}
func (*Parallel) node() {}
func (*Fetch) node()    {}

// Fetches lists every fetch of the tree in plan order.
func Fetches(n Node) []*Fetch {
	var out []*Fetch
	var walk func(Node)
	walk = func(n Node) {
		switch n := n.(type) {
		case *Fetch:
			out = append(out, n)
		case *Sequence:
			for _, c := range n.Nodes {
				walk(c)
			}
		case *Parallel:
			for _, c := range n.Nodes {
				walk(c)
			}
		}
	}
	if n != nil {
		walk(n)
	}
	return out
}

func (f *Fetch) String() string {
	return f.Subgraph + "#" + strconv.Itoa(f.ID)
}
