package composer

import (
	"fmt"
	"strings"

	"github.com/hashicorp/go-multierror"
	"github.com/vektah/gqlparser/v2/ast"
)

// FieldCoordinate identifies a field of a named type.
type FieldCoordinate struct {
	Type  string
	Field string
}

func (c FieldCoordinate) String() string {
	return c.Type + "." + c.Field
}

// Entity describes a type that can be resolved by key in one or more subgraphs.
type Entity struct {
	Name string
	// Origin is the subgraph that defines the type (rather than extending it).
	Origin string
	// Subgraphs lists every subgraph declaring @key on the type, sorted.
	Subgraphs []string
	// Keys holds the @key field sets of each subgraph in declaration order.
	Keys map[string][]FieldSet
}

// PrimaryKey returns the first key declared by subgraph.
func (e *Entity) PrimaryKey(subgraph string) FieldSet {
	keys := e.Keys[subgraph]
	if len(keys) == 0 {
		return nil
	}
	return keys[0]
}

// ComposedSchema is an immutable snapshot of the unified schema. It is built
// once per successful composition and never modified afterwards.
type ComposedSchema struct {
	Schema    *ast.Schema
	SDL       string
	Hash      string
	Subgraphs []string

	// Owners maps every object and interface field to the one subgraph owning it.
	Owners map[FieldCoordinate]string
	// Entities maps entity type names to their resolution info.
	Entities map[string]*Entity
	// Requires maps entity fields to the fields the owning subgraph needs in a
	// representation: its key plus any @requires fields.
	Requires map[FieldCoordinate]FieldSet

	resolvers map[FieldCoordinate]map[string]bool
	provides  map[string]map[FieldCoordinate]FieldSet
}

// OwnerOf returns the subgraph owning typeName.field.
func (c *ComposedSchema) OwnerOf(typeName, field string) (string, bool) {
	owner, ok := c.Owners[FieldCoordinate{Type: typeName, Field: field}]
	return owner, ok
}

// CanResolve reports whether subgraph can return typeName.field when the
// parent object came from that subgraph.
func (c *ComposedSchema) CanResolve(subgraph, typeName, field string) bool {
	if field == "__typename" {
		return true
	}
	return c.resolvers[FieldCoordinate{Type: typeName, Field: field}][subgraph]
}

// IsEntity reports whether typeName is an entity.
func (c *ComposedSchema) IsEntity(typeName string) bool {
	_, ok := c.Entities[typeName]
	return ok
}

// RequiresFor returns the representation fields needed to resolve typeName.field.
func (c *ComposedSchema) RequiresFor(typeName, field string) FieldSet {
	return c.Requires[FieldCoordinate{Type: typeName, Field: field}]
}

// Provided returns the fields subgraph provides on the value of typeName.field.
func (c *ComposedSchema) Provided(subgraph, typeName, field string) FieldSet {
	return c.provides[subgraph][FieldCoordinate{Type: typeName, Field: field}]
}

// RootType returns the root definition for an operation type.
func (c *ComposedSchema) RootType(op ast.Operation) *ast.Definition {
	switch op {
	case ast.Query:
		return c.Schema.Query
	case ast.Mutation:
		return c.Schema.Mutation
	case ast.Subscription:
		return c.Schema.Subscription
	}
	return nil
}

// CompositionError reports every conflict found while composing.
type CompositionError struct {
	errs *multierror.Error
}

func newCompositionError(errs *multierror.Error) *CompositionError {
	errs.ErrorFormat = func(es []error) string {
		msgs := make([]string, len(es))
		for i, e := range es {
			msgs[i] = e.Error()
		}
		return strings.Join(msgs, "; ")
	}
	return &CompositionError{errs: errs}
}

func (e *CompositionError) Error() string {
	return fmt.Sprintf("composition failed with %d error(s): %s", len(e.errs.Errors), e.errs.Error())
}

// Unwrap exposes the individual errors.
func (e *CompositionError) Unwrap() error {
	return e.errs
}

// Errors returns the individual composition errors.
func (e *CompositionError) Errors() []error {
	return e.errs.Errors
}
