package executor

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/vektah/gqlparser/v2/ast"
	"github.com/vektah/gqlparser/v2/gqlerror"

	"github.com/Ensembl/ensembl-thoas/internal/planner"
)

// Object is a response object that keeps the client's field order.
type Object struct {
	keys   []string
	values map[string]interface{}
}

// NewObject returns an empty object.
func NewObject() *Object {
	return &Object{values: make(map[string]interface{})}
}

// Set adds or replaces a field, keeping its first position.
func (o *Object) Set(key string, value interface{}) {
	if _, ok := o.values[key]; !ok {
		o.keys = append(o.keys, key)
	}
	o.values[key] = value
}

// Get returns the value of a field.
func (o *Object) Get(key string) (interface{}, bool) {
	v, ok := o.values[key]
	return v, ok
}

func (o *Object) MarshalJSON() ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte('{')
	for i, k := range o.keys {
		if i > 0 {
			buf.WriteByte(',')
		}
		key, err := json.Marshal(k)
		if err != nil {
			return nil, err
		}
		buf.Write(key)
		buf.WriteByte(':')
		val, err := json.Marshal(o.values[k])
		if err != nil {
			return nil, err
		}
		buf.Write(val)
	}
	buf.WriteByte('}')
	return buf.Bytes(), nil
}

// shaper projects the merged result onto the client selection. It drops
// fields the planner injected, checks value kinds against declared types and
// propagates nulls out of non-null positions.
type shaper struct {
	schema *ast.Schema
	errors gqlerror.List
}

func (sh *shaper) root(data map[string]interface{}, rootType *ast.Definition, sels []*planner.Selection) *Object {
	obj, ok := sh.object(data, rootType, sels, nil)
	if !ok {
		return nil
	}
	return obj
}

// object shapes raw as an object of static type def. ok is false when a
// non-null field resolved to null, so the object itself becomes null.
func (sh *shaper) object(raw map[string]interface{}, def *ast.Definition, sels []*planner.Selection, path ast.Path) (*Object, bool) {
	runtime := def.Name
	if typename, ok := raw["__typename"].(string); ok && typename != "" {
		runtime = typename
	}

	out := NewObject()
	for _, s := range collectFields(sh.schema, runtime, sels) {
		if s.Name == "__typename" {
			out.Set(s.ResponseKey, runtime)
			continue
		}
		if s.Definition == nil {
			out.Set(s.ResponseKey, nil)
			continue
		}

		fieldPath := extend(path, ast.PathName(s.ResponseKey))
		v, ok := sh.complete(raw[s.ResponseKey], s.Definition.Type, s, runtime, fieldPath)
		if !ok {
			return nil, false
		}
		out.Set(s.ResponseKey, v)
	}
	return out, true
}

// collectFields returns the selections applying to runtime, one per response
// key in first-seen order. Selections sharing a key have their children
// merged so that every requested subfield is completed.
func collectFields(schema *ast.Schema, runtime string, sels []*planner.Selection) []*planner.Selection {
	var out []*planner.Selection
	byKey := make(map[string]int)
	for _, s := range sels {
		if !s.Applies(schema, runtime) {
			continue
		}
		i, seen := byKey[s.ResponseKey]
		if !seen {
			byKey[s.ResponseKey] = len(out)
			out = append(out, s)
			continue
		}
		if len(s.Children) == 0 {
			continue
		}
		merged := *out[i]
		merged.Children = append(append([]*planner.Selection(nil), out[i].Children...), s.Children...)
		out[i] = &merged
	}
	return out
}

// complete shapes one value of type t. ok is false when the value is null in
// a non-null position.
func (sh *shaper) complete(v interface{}, t *ast.Type, s *planner.Selection, parent string, path ast.Path) (interface{}, bool) {
	if v == nil {
		if t.NonNull {
			sh.nullError(s, parent, path)
			return nil, false
		}
		return nil, true
	}

	if t.Elem != nil {
		list, ok := v.([]interface{})
		if !ok {
			return sh.invalid(t, s, parent, path, "a list")
		}
		out := make([]interface{}, len(list))
		for i, item := range list {
			c, ok := sh.complete(item, t.Elem, s, parent, extend(path, ast.PathIndex(i)))
			if !ok {
				return nil, !t.NonNull
			}
			out[i] = c
		}
		return out, true
	}

	def := sh.schema.Types[t.NamedType]
	if def == nil {
		return v, true
	}

	switch def.Kind {
	case ast.Object, ast.Interface, ast.Union:
		m, ok := v.(map[string]interface{})
		if !ok {
			return sh.invalid(t, s, parent, path, "an object")
		}
		obj, ok := sh.object(m, def, s.Children, path)
		if !ok {
			return nil, !t.NonNull
		}
		return obj, true

	case ast.Enum:
		str, ok := v.(string)
		if !ok || def.EnumValues.ForName(str) == nil {
			return sh.invalid(t, s, parent, path, "a value of enum "+def.Name)
		}
		return str, true

	case ast.Scalar:
		if expected, ok := scalarKind(def.Name, v); !ok {
			return sh.invalid(t, s, parent, path, expected)
		}
		return v, true
	}
	return v, true
}

// scalarKind checks v against the runtime kind of the built-in scalars.
// Custom scalars accept any value.
func scalarKind(name string, v interface{}) (string, bool) {
	switch name {
	case "Int":
		n, ok := v.(json.Number)
		if !ok {
			return "an Int", false
		}
		_, err := n.Int64()
		return "an Int", err == nil
	case "Float":
		_, ok := v.(json.Number)
		return "a Float", ok
	case "String":
		_, ok := v.(string)
		return "a String", ok
	case "Boolean":
		_, ok := v.(bool)
		return "a Boolean", ok
	case "ID":
		switch v.(type) {
		case string, json.Number:
			return "an ID", true
		}
		return "an ID", false
	}
	return "", true
}

func (sh *shaper) invalid(t *ast.Type, s *planner.Selection, parent string, path ast.Path, expected string) (interface{}, bool) {
	sh.errors = append(sh.errors, newError(
		fmt.Sprintf("Invalid value for %s.%s: expected %s", parent, s.Name, expected),
		path, CodeInvalidResponse, "",
	))
	return nil, !t.NonNull
}

// nullError reports a null in a non-null position unless an error already
// explains it.
func (sh *shaper) nullError(s *planner.Selection, parent string, path ast.Path) {
	for _, e := range sh.errors {
		if len(e.Path) > 0 && related(e.Path, path) {
			return
		}
	}
	sh.errors = append(sh.errors, &gqlerror.Error{
		Message: fmt.Sprintf("Cannot return null for non-nullable field %s.%s.", parent, s.Name),
		Path:    path,
	})
}
