package planner

import (
	"github.com/vektah/gqlparser/v2/ast"
)

// Selection is a field of the normalized client selection: fragments are
// flattened, @skip/@include are applied and duplicate response keys merged.
type Selection struct {
	ResponseKey string
	Name        string
	// TypeCondition restricts the field to objects of that runtime type (or
	// its possible types when abstract). Empty matches every object.
	TypeCondition string
	Field         *ast.Field
	Definition    *ast.FieldDefinition
	// ParentType is the static type declaring the field.
	ParentType string
	Children   []*Selection
}

// Applies reports whether the selection applies to an object of runtimeType.
func (s *Selection) Applies(schema *ast.Schema, runtimeType string) bool {
	return typeMatches(schema, s.TypeCondition, runtimeType)
}

// IsLocal reports whether the gateway answers the field itself.
func (s *Selection) IsLocal() bool {
	return s.Name == "__typename" || s.Name == "__schema" || s.Name == "__type"
}

func typeMatches(schema *ast.Schema, condition, runtimeType string) bool {
	if condition == "" || condition == runtimeType {
		return true
	}
	for _, pt := range schema.PossibleTypes[condition] {
		if pt.Name == runtimeType {
			return true
		}
	}
	return false
}

type normalizer struct {
	schema *ast.Schema
	vars   map[string]interface{}
}

// selections flattens set, selected on parent under condition.
func (n *normalizer) selections(parent *ast.Definition, set ast.SelectionSet, condition string) []*Selection {
	var out []*Selection
	n.collect(&out, parent, set, condition)
	return out
}

func (n *normalizer) collect(out *[]*Selection, parent *ast.Definition, set ast.SelectionSet, condition string) {
	for _, sel := range set {
		switch sel := sel.(type) {
		case *ast.Field:
			if !n.included(sel.Directives) {
				continue
			}
			s := &Selection{
				ResponseKey:   responseKey(sel),
				Name:          sel.Name,
				TypeCondition: condition,
				Field:         sel,
				Definition:    sel.Definition,
				ParentType:    parent.Name,
			}
			if len(sel.SelectionSet) > 0 && sel.Definition != nil {
				if child := n.schema.Types[sel.Definition.Type.Name()]; child != nil {
					s.Children = n.selections(child, sel.SelectionSet, "")
				}
			}
			*out = mergeSelection(*out, s)

		case *ast.InlineFragment:
			if !n.included(sel.Directives) {
				continue
			}
			next, ok := n.narrow(parent, condition, sel.TypeCondition)
			if !ok {
				continue
			}
			n.collect(out, parent, sel.SelectionSet, next)

		case *ast.FragmentSpread:
			if !n.included(sel.Directives) || sel.Definition == nil {
				continue
			}
			next, ok := n.narrow(parent, condition, sel.Definition.TypeCondition)
			if !ok {
				continue
			}
			n.collect(out, parent, sel.Definition.SelectionSet, next)
		}
	}
}

// narrow combines the current type condition with a fragment's. It returns
// false when no object can satisfy both.
func (n *normalizer) narrow(parent *ast.Definition, condition, fragment string) (string, bool) {
	current := condition
	if current == "" {
		current = parent.Name
	}
	if fragment == "" || fragment == current {
		return condition, true
	}

	fragDef := n.schema.Types[fragment]
	curDef := n.schema.Types[current]
	if fragDef == nil || curDef == nil {
		return "", false
	}

	var next string
	switch {
	case isAbstract(curDef) && isAbstract(fragDef):
		next = fragment
	case isAbstract(curDef):
		if !typeMatches(n.schema, current, fragment) {
			return "", false
		}
		next = fragment
	case isAbstract(fragDef):
		if !typeMatches(n.schema, fragment, current) {
			return "", false
		}
		next = condition
	default:
		return "", false
	}

	if next == parent.Name {
		next = ""
	}
	return next, true
}

func (n *normalizer) included(directives ast.DirectiveList) bool {
	if d := directives.ForName("skip"); d != nil {
		if v, _ := d.ArgumentMap(n.vars)["if"].(bool); v {
			return false
		}
	}
	if d := directives.ForName("include"); d != nil {
		if v, _ := d.ArgumentMap(n.vars)["if"].(bool); !v {
			return false
		}
	}
	return true
}

func mergeSelection(list []*Selection, s *Selection) []*Selection {
	for _, existing := range list {
		if existing.ResponseKey == s.ResponseKey && existing.TypeCondition == s.TypeCondition {
			for _, c := range s.Children {
				existing.Children = mergeSelection(existing.Children, c)
			}
			return list
		}
	}
	return append(list, s)
}

func responseKey(f *ast.Field) string {
	if f.Alias != "" {
		return f.Alias
	}
	return f.Name
}

func isAbstract(def *ast.Definition) bool {
	return def.Kind == ast.Interface || def.Kind == ast.Union
}
