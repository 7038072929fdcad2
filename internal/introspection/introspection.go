// Package introspection answers __schema and __type from the composed schema
// without contacting any subgraph.
package introspection

import (
	"sort"
	"strings"

	"github.com/vektah/gqlparser/v2/ast"

	"github.com/Ensembl/ensembl-thoas/internal/planner"
)

const defaultDeprecationReason = "No longer supported"

// IsRootField reports whether name is answered by Resolve.
func IsRootField(name string) bool {
	return name == "__schema" || name == "__type"
}

// Resolve returns the raw value of a root introspection field. Objects carry
// "__typename" and are keyed by response key like a subgraph reply.
func Resolve(schema *ast.Schema, sel *planner.Selection, vars map[string]interface{}) interface{} {
	r := &resolver{schema: schema, vars: vars}
	switch sel.Name {
	case "__schema":
		return r.schemaObject(sel.Children)
	case "__type":
		name, _ := sel.Field.ArgumentMap(vars)["name"].(string)
		def := schema.Types[name]
		if def == nil {
			return nil
		}
		return r.typeObject(typeSource{def: def}, sel.Children)
	}
	return nil
}

type resolver struct {
	schema *ast.Schema
	vars   map[string]interface{}
}

// typeSource is a named type or a NON_NULL/LIST wrapper around ofType.
type typeSource struct {
	def    *ast.Definition
	wrap   string
	ofType *ast.Type
}

func (r *resolver) object(typename string, sels []*planner.Selection, field func(*planner.Selection) interface{}) map[string]interface{} {
	out := map[string]interface{}{"__typename": typename}
	for _, s := range sels {
		if s.Name == "__typename" || !s.Applies(r.schema, typename) {
			continue
		}
		out[s.ResponseKey] = field(s)
	}
	return out
}

func (r *resolver) schemaObject(sels []*planner.Selection) map[string]interface{} {
	return r.object("__Schema", sels, func(s *planner.Selection) interface{} {
		switch s.Name {
		case "types":
			names := make([]string, 0, len(r.schema.Types))
			for name := range r.schema.Types {
				names = append(names, name)
			}
			sort.Strings(names)
			out := make([]interface{}, 0, len(names))
			for _, name := range names {
				out = append(out, r.typeObject(typeSource{def: r.schema.Types[name]}, s.Children))
			}
			return out
		case "queryType":
			return r.namedType(r.schema.Query, s.Children)
		case "mutationType":
			return r.namedType(r.schema.Mutation, s.Children)
		case "subscriptionType":
			return r.namedType(r.schema.Subscription, s.Children)
		case "directives":
			names := make([]string, 0, len(r.schema.Directives))
			for name := range r.schema.Directives {
				names = append(names, name)
			}
			sort.Strings(names)
			out := make([]interface{}, 0, len(names))
			for _, name := range names {
				out = append(out, r.directiveObject(r.schema.Directives[name], s.Children))
			}
			return out
		}
		return nil
	})
}

func (r *resolver) namedType(def *ast.Definition, sels []*planner.Selection) interface{} {
	if def == nil {
		return nil
	}
	return r.typeObject(typeSource{def: def}, sels)
}

func (r *resolver) typeRef(t *ast.Type, sels []*planner.Selection) interface{} {
	if t == nil {
		return nil
	}
	if t.NonNull {
		inner := *t
		inner.NonNull = false
		return r.typeObject(typeSource{wrap: "NON_NULL", ofType: &inner}, sels)
	}
	if t.Elem != nil {
		return r.typeObject(typeSource{wrap: "LIST", ofType: t.Elem}, sels)
	}
	return r.namedType(r.schema.Types[t.NamedType], sels)
}

func (r *resolver) typeObject(src typeSource, sels []*planner.Selection) map[string]interface{} {
	def := src.def
	return r.object("__Type", sels, func(s *planner.Selection) interface{} {
		if src.wrap != "" {
			switch s.Name {
			case "kind":
				return src.wrap
			case "ofType":
				return r.typeRef(src.ofType, s.Children)
			}
			return nil
		}

		switch s.Name {
		case "kind":
			return string(def.Kind)
		case "name":
			return def.Name
		case "description":
			return optional(def.Description)
		case "specifiedByURL":
			if d := def.Directives.ForName("specifiedBy"); d != nil {
				if arg := d.Arguments.ForName("url"); arg != nil && arg.Value != nil {
					return arg.Value.Raw
				}
			}
			return nil
		case "fields":
			if def.Kind != ast.Object && def.Kind != ast.Interface {
				return nil
			}
			includeDeprecated := r.boolArg(s, "includeDeprecated")
			out := []interface{}{}
			for _, f := range def.Fields {
				if strings.HasPrefix(f.Name, "__") {
					continue
				}
				if isDeprecated(f.Directives) && !includeDeprecated {
					continue
				}
				out = append(out, r.fieldObject(f, s.Children))
			}
			return out
		case "interfaces":
			if def.Kind != ast.Object && def.Kind != ast.Interface {
				return nil
			}
			out := []interface{}{}
			for _, name := range def.Interfaces {
				out = append(out, r.namedType(r.schema.Types[name], s.Children))
			}
			return out
		case "possibleTypes":
			if def.Kind != ast.Interface && def.Kind != ast.Union {
				return nil
			}
			possible := append([]*ast.Definition(nil), r.schema.GetPossibleTypes(def)...)
			sort.Slice(possible, func(i, j int) bool { return possible[i].Name < possible[j].Name })
			out := make([]interface{}, 0, len(possible))
			for _, pt := range possible {
				out = append(out, r.namedType(pt, s.Children))
			}
			return out
		case "enumValues":
			if def.Kind != ast.Enum {
				return nil
			}
			includeDeprecated := r.boolArg(s, "includeDeprecated")
			out := []interface{}{}
			for _, v := range def.EnumValues {
				if isDeprecated(v.Directives) && !includeDeprecated {
					continue
				}
				out = append(out, r.enumValueObject(v, s.Children))
			}
			return out
		case "inputFields":
			if def.Kind != ast.InputObject {
				return nil
			}
			out := make([]interface{}, 0, len(def.Fields))
			for _, f := range def.Fields {
				out = append(out, r.inputValueObject(f.Name, f.Description, f.Type, f.DefaultValue, f.Directives, s.Children))
			}
			return out
		case "isOneOf":
			if def.Kind != ast.InputObject {
				return nil
			}
			return def.Directives.ForName("oneOf") != nil
		case "ofType":
			return nil
		}
		return nil
	})
}

func (r *resolver) fieldObject(f *ast.FieldDefinition, sels []*planner.Selection) map[string]interface{} {
	return r.object("__Field", sels, func(s *planner.Selection) interface{} {
		switch s.Name {
		case "name":
			return f.Name
		case "description":
			return optional(f.Description)
		case "args":
			out := make([]interface{}, 0, len(f.Arguments))
			for _, a := range f.Arguments {
				out = append(out, r.inputValueObject(a.Name, a.Description, a.Type, a.DefaultValue, a.Directives, s.Children))
			}
			return out
		case "type":
			return r.typeRef(f.Type, s.Children)
		case "isDeprecated":
			return isDeprecated(f.Directives)
		case "deprecationReason":
			return deprecationReason(f.Directives)
		}
		return nil
	})
}

func (r *resolver) inputValueObject(name, description string, t *ast.Type, def *ast.Value, directives ast.DirectiveList, sels []*planner.Selection) map[string]interface{} {
	return r.object("__InputValue", sels, func(s *planner.Selection) interface{} {
		switch s.Name {
		case "name":
			return name
		case "description":
			return optional(description)
		case "type":
			return r.typeRef(t, s.Children)
		case "defaultValue":
			if def == nil {
				return nil
			}
			return def.String()
		case "isDeprecated":
			return isDeprecated(directives)
		case "deprecationReason":
			return deprecationReason(directives)
		}
		return nil
	})
}

func (r *resolver) enumValueObject(v *ast.EnumValueDefinition, sels []*planner.Selection) map[string]interface{} {
	return r.object("__EnumValue", sels, func(s *planner.Selection) interface{} {
		switch s.Name {
		case "name":
			return v.Name
		case "description":
			return optional(v.Description)
		case "isDeprecated":
			return isDeprecated(v.Directives)
		case "deprecationReason":
			return deprecationReason(v.Directives)
		}
		return nil
	})
}

func (r *resolver) directiveObject(d *ast.DirectiveDefinition, sels []*planner.Selection) map[string]interface{} {
	return r.object("__Directive", sels, func(s *planner.Selection) interface{} {
		switch s.Name {
		case "name":
			return d.Name
		case "description":
			return optional(d.Description)
		case "locations":
			out := make([]interface{}, 0, len(d.Locations))
			for _, loc := range d.Locations {
				out = append(out, string(loc))
			}
			return out
		case "args":
			out := make([]interface{}, 0, len(d.Arguments))
			for _, a := range d.Arguments {
				out = append(out, r.inputValueObject(a.Name, a.Description, a.Type, a.DefaultValue, a.Directives, s.Children))
			}
			return out
		case "isRepeatable":
			return d.IsRepeatable
		}
		return nil
	})
}

func (r *resolver) boolArg(s *planner.Selection, name string) bool {
	if s.Field == nil {
		return false
	}
	v, _ := s.Field.ArgumentMap(r.vars)[name].(bool)
	return v
}

func isDeprecated(directives ast.DirectiveList) bool {
	return directives.ForName("deprecated") != nil
}

func deprecationReason(directives ast.DirectiveList) interface{} {
	d := directives.ForName("deprecated")
	if d == nil {
		return nil
	}
	if arg := d.Arguments.ForName("reason"); arg != nil && arg.Value != nil {
		return arg.Value.Raw
	}
	return defaultDeprecationReason
}

func optional(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}
