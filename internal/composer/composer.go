// Package composer merges federated subgraph schemas into one unified schema.
package composer

import (
	"bytes"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/cespare/xxhash/v2"
	"github.com/hashicorp/go-multierror"
	"github.com/vektah/gqlparser/v2"
	"github.com/vektah/gqlparser/v2/ast"
	"github.com/vektah/gqlparser/v2/formatter"
	"github.com/vektah/gqlparser/v2/parser"
)

// ErrNoSchemas is returned when there is nothing to compose.
var ErrNoSchemas = errors.New("no subgraph schemas to compose")

var (
	federationTypes = map[string]bool{
		"_Service": true, "_Entity": true, "_Any": true, "_FieldSet": true,
		"FieldSet": true, "link__Import": true, "link__Purpose": true,
	}
	federationFields = map[string]bool{
		"_service": true, "_entities": true,
	}
	builtinScalars = map[string]bool{
		"String": true, "Int": true, "Float": true, "Boolean": true, "ID": true,
	}
	// Only these directive usages survive into the composed schema.
	apiDirectiveNames = map[string]bool{
		"deprecated": true, "specifiedBy": true,
	}
	rootNames = map[ast.Operation]string{
		ast.Query:        "Query",
		ast.Mutation:     "Mutation",
		ast.Subscription: "Subscription",
	}
)

type typeDef struct {
	subgraph  string
	def       *ast.Definition
	extension bool
}

type composition struct {
	errs      *multierror.Error
	owners    map[FieldCoordinate]string
	resolvers map[FieldCoordinate]map[string]bool
	requires  map[FieldCoordinate]FieldSet
	provides  map[string]map[FieldCoordinate]FieldSet
	entities  map[string]*Entity
}

// Compose merges subgraph schema documents keyed by subgraph name. The result
// depends only on the input: composing the same documents twice yields
// identical snapshots.
func Compose(schemas map[string]string) (*ComposedSchema, error) {
	if len(schemas) == 0 {
		return nil, ErrNoSchemas
	}

	names := make([]string, 0, len(schemas))
	for name := range schemas {
		names = append(names, name)
	}
	sort.Strings(names)

	c := &composition{
		owners:    make(map[FieldCoordinate]string),
		resolvers: make(map[FieldCoordinate]map[string]bool),
		requires:  make(map[FieldCoordinate]FieldSet),
		provides:  make(map[string]map[FieldCoordinate]FieldSet),
		entities:  make(map[string]*Entity),
	}

	byName := make(map[string][]*typeDef)
	for _, name := range names {
		defs, err := extractDefinitions(name, schemas[name])
		if err != nil {
			c.fail("subgraph %s: %v", name, err)
			continue
		}
		for _, td := range defs {
			byName[td.def.Name] = append(byName[td.def.Name], td)
		}
	}

	typeNames := make([]string, 0, len(byName))
	for name := range byName {
		typeNames = append(typeNames, name)
	}
	sort.Strings(typeNames)

	merged := make(map[string]*ast.Definition, len(typeNames))
	for _, name := range typeNames {
		defs := byName[name]
		sort.SliceStable(defs, func(i, j int) bool {
			return !defs[i].extension && defs[j].extension
		})
		if out := c.mergeType(name, defs); out != nil {
			merged[name] = out
		}
	}

	if _, ok := merged["Query"]; !ok {
		c.fail("composed schema has no Query type")
	}

	if err := c.errs.ErrorOrNil(); err != nil {
		return nil, newCompositionError(c.errs)
	}

	sdl := render(merged, typeNames)
	schema, err := gqlparser.LoadSchema(&ast.Source{Name: "composed", Input: sdl})
	if err != nil {
		c.fail("validating composed schema: %v", err)
		return nil, newCompositionError(c.errs)
	}

	return &ComposedSchema{
		Schema:    schema,
		SDL:       sdl,
		Hash:      fmt.Sprintf("%016x", xxhash.Sum64String(sdl)),
		Subgraphs: names,
		Owners:    c.owners,
		Entities:  c.entities,
		Requires:  c.requires,
		resolvers: c.resolvers,
		provides:  c.provides,
	}, nil
}

func (c *composition) fail(format string, args ...interface{}) {
	c.errs = multierror.Append(c.errs, fmt.Errorf(format, args...))
}

func (c *composition) own(coord FieldCoordinate, subgraph string) {
	c.owners[coord] = subgraph
	c.addResolver(coord, subgraph)
}

func (c *composition) addResolver(coord FieldCoordinate, subgraph string) {
	set, ok := c.resolvers[coord]
	if !ok {
		set = make(map[string]bool)
		c.resolvers[coord] = set
	}
	set[subgraph] = true
}

// extractDefinitions parses one subgraph document, drops federation plumbing
// and folds repeated declarations of a type into one definition.
func extractDefinitions(subgraph, sdl string) ([]*typeDef, error) {
	doc, err := parser.ParseSchema(&ast.Source{Name: subgraph, Input: sdl})
	if err != nil {
		return nil, err
	}

	renames := make(map[string]string)
	for _, sd := range append(append(ast.SchemaDefinitionList{}, doc.Schema...), doc.SchemaExtension...) {
		for _, ot := range sd.OperationTypes {
			if canonical, ok := rootNames[ot.Operation]; ok && ot.Type != canonical {
				renames[ot.Type] = canonical
			}
		}
	}

	var order []string
	folded := make(map[string]*typeDef)

	add := func(def *ast.Definition, extension bool) error {
		if federationTypes[def.Name] || builtinScalars[def.Name] || strings.HasPrefix(def.Name, "__") {
			return nil
		}

		d := *def
		if canonical, ok := renames[d.Name]; ok {
			d.Name = canonical
		}
		if d.Directives.ForName("extends") != nil {
			extension = true
		}

		if d.Kind == ast.Object || d.Kind == ast.Interface {
			fields := make(ast.FieldList, 0, len(d.Fields))
			for _, f := range d.Fields {
				if federationFields[f.Name] || strings.HasPrefix(f.Name, "__") {
					continue
				}
				fields = append(fields, f)
			}
			if len(fields) == 0 {
				return nil
			}
			d.Fields = fields
		}

		existing, ok := folded[d.Name]
		if !ok {
			folded[d.Name] = &typeDef{subgraph: subgraph, def: &d, extension: extension}
			order = append(order, d.Name)
			return nil
		}

		if existing.def.Kind != d.Kind {
			return fmt.Errorf("type %s is declared as both %s and %s", d.Name, existing.def.Kind, d.Kind)
		}

		combined := *existing.def
		combined.Fields = append(append(ast.FieldList{}, existing.def.Fields...), d.Fields...)
		combined.Directives = append(append(ast.DirectiveList{}, existing.def.Directives...), d.Directives...)
		combined.Interfaces = unionStrings(existing.def.Interfaces, d.Interfaces)
		combined.Types = unionStrings(existing.def.Types, d.Types)
		combined.EnumValues = append(append(ast.EnumValueList{}, existing.def.EnumValues...), d.EnumValues...)
		existing.def = &combined
		existing.extension = existing.extension && extension
		return nil
	}

	for _, def := range doc.Definitions {
		if err := add(def, false); err != nil {
			return nil, err
		}
	}
	for _, def := range doc.Extensions {
		if err := add(def, true); err != nil {
			return nil, err
		}
	}

	out := make([]*typeDef, 0, len(order))
	for _, name := range order {
		out = append(out, folded[name])
	}
	return out, nil
}

func (c *composition) mergeType(name string, defs []*typeDef) *ast.Definition {
	kind := defs[0].def.Kind
	for _, td := range defs[1:] {
		if td.def.Kind != kind {
			c.fail("type %s is %s in %s but %s in %s", name, kind, defs[0].subgraph, td.def.Kind, td.subgraph)
			return nil
		}
	}

	switch kind {
	case ast.Object:
		if isRootName(name) {
			return c.mergeRoot(name, defs)
		}
		for _, td := range defs {
			if td.def.Directives.ForName("key") != nil {
				return c.mergeEntity(name, defs)
			}
		}
		return c.mergeValueType(name, defs)
	case ast.Interface:
		return c.mergeValueType(name, defs)
	case ast.Union:
		out := cleanDefinition(defs[0].def)
		for _, td := range defs[1:] {
			out.Types = unionStrings(out.Types, td.def.Types)
		}
		return out
	case ast.Enum:
		out := cleanDefinition(defs[0].def)
		for _, td := range defs[1:] {
			for _, v := range td.def.EnumValues {
				if out.EnumValues.ForName(v.Name) == nil {
					out.EnumValues = append(out.EnumValues, cleanEnumValue(v))
				}
			}
		}
		return out
	case ast.InputObject:
		return c.mergeInput(name, defs)
	default:
		return cleanDefinition(defs[0].def)
	}
}

// mergeRoot merges root operation types. A root field declared by several
// subgraphs with the same type and arguments is shared: the first subgraph
// (by name, definitions before extensions) owns it and every declaring
// subgraph can resolve it. Any difference in signature is a conflict.
func (c *composition) mergeRoot(name string, defs []*typeDef) *ast.Definition {
	out := cleanDefinition(defs[0].def)
	declared := make(map[string]*ast.FieldDefinition)
	for _, td := range defs {
		out.Interfaces = unionStrings(out.Interfaces, td.def.Interfaces)
		for _, f := range td.def.Fields {
			coord := FieldCoordinate{Type: name, Field: f.Name}
			if prev, ok := declared[f.Name]; ok {
				if diff := compareField(prev, f); diff != "" {
					c.fail("field %s is defined in both %s and %s with different signatures: %s",
						coord, c.owners[coord], td.subgraph, diff)
					continue
				}
				c.addResolver(coord, td.subgraph)
				continue
			}
			declared[f.Name] = f
			c.own(coord, td.subgraph)
			c.recordProvides(td.subgraph, coord, f)
			out.Fields = append(out.Fields, cleanField(f))
		}
	}
	return out
}

// mergeValueType merges object and interface types that are not entities.
// Every subgraph declaring such a type must declare the same fields.
func (c *composition) mergeValueType(name string, defs []*typeDef) *ast.Definition {
	for _, td := range defs {
		if td.extension && td.def.Kind == ast.Object {
			c.fail("type %s is extended in %s but is not an entity (no @key)", name, td.subgraph)
			return nil
		}
	}

	base := defs[0]
	for _, td := range defs[1:] {
		if diff := compareFields(base.def, td.def); diff != "" {
			c.fail("value type %s differs between %s and %s: %s", name, base.subgraph, td.subgraph, diff)
		}
	}

	out := cleanDefinition(base.def)
	for _, td := range defs {
		out.Interfaces = unionStrings(out.Interfaces, td.def.Interfaces)
	}
	for _, f := range base.def.Fields {
		coord := FieldCoordinate{Type: name, Field: f.Name}
		c.owners[coord] = base.subgraph
		for _, td := range defs {
			if td.def.Fields.ForName(f.Name) != nil {
				c.addResolver(coord, td.subgraph)
			}
		}
		out.Fields = append(out.Fields, cleanField(f))
	}
	return out
}

func (c *composition) mergeEntity(name string, defs []*typeDef) *ast.Definition {
	ent := &Entity{
		Name:   name,
		Origin: defs[0].subgraph,
		Keys:   make(map[string][]FieldSet),
	}

	for _, td := range defs {
		keys := directivesNamed(td.def.Directives, "key")
		if len(keys) == 0 {
			c.fail("entity %s is declared without @key in %s", name, td.subgraph)
			continue
		}
		for _, d := range keys {
			fs, err := fieldSetArgument(d)
			if err != nil {
				c.fail("entity %s in %s: @key: %v", name, td.subgraph, err)
				continue
			}
			for _, kf := range fs {
				if td.def.Fields.ForName(kf.Name) == nil {
					c.fail("entity %s in %s: key field %s is not defined", name, td.subgraph, kf.Name)
				}
			}
			ent.Keys[td.subgraph] = append(ent.Keys[td.subgraph], fs)
		}
		ent.Subgraphs = append(ent.Subgraphs, td.subgraph)
	}
	sort.Strings(ent.Subgraphs)

	originKeys := ent.Keys[ent.Origin]
	if len(originKeys) == 0 {
		return nil
	}

	want := keySignature(originKeys)
	for _, sg := range ent.Subgraphs {
		if sg == ent.Origin {
			continue
		}
		if got := keySignature(ent.Keys[sg]); got != want {
			c.fail("entity %s: @key %q in %s does not match %q in %s", name, got, sg, want, ent.Origin)
		}
	}

	keyNames := make(map[string]bool)
	for _, fs := range originKeys {
		for _, n := range fs.Names() {
			keyNames[n] = true
		}
	}

	out := cleanDefinition(defs[0].def)
	index := make(map[string]int)
	place := func(f *ast.FieldDefinition, replace bool) {
		if i, ok := index[f.Name]; ok {
			if replace {
				out.Fields[i] = cleanField(f)
			}
			return
		}
		index[f.Name] = len(out.Fields)
		out.Fields = append(out.Fields, cleanField(f))
	}

	keyTypes := make(map[string]string)
	keyTypeFrom := make(map[string]string)
	externals := make(map[string]string)

	for _, td := range defs {
		out.Interfaces = unionStrings(out.Interfaces, td.def.Interfaces)
		for _, f := range td.def.Fields {
			coord := FieldCoordinate{Type: name, Field: f.Name}

			if keyNames[f.Name] {
				ts := f.Type.String()
				if prev, ok := keyTypes[f.Name]; !ok {
					keyTypes[f.Name] = ts
					keyTypeFrom[f.Name] = td.subgraph
				} else if prev != ts {
					c.fail("entity %s: key field %s has type %s in %s but %s in %s",
						name, f.Name, prev, keyTypeFrom[f.Name], ts, td.subgraph)
				}
				if _, owned := c.owners[coord]; !owned {
					c.owners[coord] = ent.Origin
				}
				c.addResolver(coord, td.subgraph)
				place(f, false)
				continue
			}

			if f.Directives.ForName("external") != nil {
				if _, owned := c.owners[coord]; !owned {
					if _, seen := externals[f.Name]; !seen {
						externals[f.Name] = td.subgraph
					}
				}
				place(f, false)
				continue
			}

			if prev, ok := c.owners[coord]; ok {
				c.fail("field %s is defined in both %s and %s", coord, prev, td.subgraph)
				continue
			}
			c.own(coord, td.subgraph)
			place(f, true)
			delete(externals, f.Name)
			c.recordRequires(ent, td, f)
			c.recordProvides(td.subgraph, coord, f)
		}
	}

	orphans := make([]string, 0, len(externals))
	for fname := range externals {
		orphans = append(orphans, fname)
	}
	sort.Strings(orphans)
	for _, fname := range orphans {
		c.fail("field %s.%s is @external in %s but no subgraph defines it", name, fname, externals[fname])
	}

	c.entities[name] = ent
	return out
}

func (c *composition) recordRequires(ent *Entity, td *typeDef, f *ast.FieldDefinition) {
	coord := FieldCoordinate{Type: ent.Name, Field: f.Name}
	req := ent.PrimaryKey(td.subgraph)

	if d := f.Directives.ForName("requires"); d != nil {
		fs, err := fieldSetArgument(d)
		if err != nil {
			c.fail("field %s in %s: @requires: %v", coord, td.subgraph, err)
			return
		}
		for _, r := range fs {
			ext := td.def.Fields.ForName(r.Name)
			if ext == nil || ext.Directives.ForName("external") == nil {
				c.fail("field %s in %s: @requires field %s must be declared @external", coord, td.subgraph, r.Name)
				return
			}
		}
		req = req.Merge(fs)
	}

	c.requires[coord] = req
}

func (c *composition) recordProvides(subgraph string, coord FieldCoordinate, f *ast.FieldDefinition) {
	d := f.Directives.ForName("provides")
	if d == nil {
		return
	}
	fs, err := fieldSetArgument(d)
	if err != nil {
		c.fail("field %s in %s: @provides: %v", coord, subgraph, err)
		return
	}
	if c.provides[subgraph] == nil {
		c.provides[subgraph] = make(map[FieldCoordinate]FieldSet)
	}
	c.provides[subgraph][coord] = fs
}

func (c *composition) mergeInput(name string, defs []*typeDef) *ast.Definition {
	out := cleanDefinition(defs[0].def)
	from := make(map[string]string)
	for _, f := range defs[0].def.Fields {
		from[f.Name] = defs[0].subgraph
	}
	for _, td := range defs[1:] {
		for _, f := range td.def.Fields {
			existing := out.Fields.ForName(f.Name)
			if existing == nil {
				out.Fields = append(out.Fields, cleanField(f))
				from[f.Name] = td.subgraph
				continue
			}
			if existing.Type.String() != f.Type.String() {
				c.fail("input field %s.%s has type %s in %s but %s in %s",
					name, f.Name, existing.Type.String(), from[f.Name], f.Type.String(), td.subgraph)
			}
		}
	}
	return out
}

// compareFields describes the first difference between two declarations of a
// value type, or returns "" when they agree.
func compareFields(a, b *ast.Definition) string {
	for _, fa := range a.Fields {
		fb := b.Fields.ForName(fa.Name)
		if fb == nil {
			return fmt.Sprintf("field %s is missing", fa.Name)
		}
		if diff := compareField(fa, fb); diff != "" {
			return fmt.Sprintf("field %s %s", fa.Name, diff)
		}
	}
	for _, fb := range b.Fields {
		if a.Fields.ForName(fb.Name) == nil {
			return fmt.Sprintf("field %s is missing", fb.Name)
		}
	}
	return ""
}

// compareField describes how two declarations of one field differ in type or
// arguments, or returns "" when they agree.
func compareField(a, b *ast.FieldDefinition) string {
	if a.Type.String() != b.Type.String() {
		return fmt.Sprintf("has type %s and %s", a.Type.String(), b.Type.String())
	}
	if len(a.Arguments) != len(b.Arguments) {
		return "has different arguments"
	}
	for _, arg := range a.Arguments {
		other := b.Arguments.ForName(arg.Name)
		if other == nil || other.Type.String() != arg.Type.String() {
			return "has different arguments"
		}
	}
	return ""
}

func render(defs map[string]*ast.Definition, names []string) string {
	doc := &ast.SchemaDocument{}
	for _, root := range []string{"Query", "Mutation", "Subscription"} {
		if d, ok := defs[root]; ok {
			doc.Definitions = append(doc.Definitions, d)
		}
	}
	for _, name := range names {
		d, ok := defs[name]
		if !ok || isRootName(name) {
			continue
		}
		doc.Definitions = append(doc.Definitions, d)
	}

	var buf bytes.Buffer
	formatter.NewFormatter(&buf).FormatSchemaDocument(doc)
	return buf.String()
}

func cleanDefinition(def *ast.Definition) *ast.Definition {
	out := *def
	out.Directives = apiDirectives(def.Directives)
	out.Interfaces = append([]string(nil), def.Interfaces...)
	out.Types = append([]string(nil), def.Types...)
	out.Fields = nil
	out.EnumValues = nil
	for _, v := range def.EnumValues {
		out.EnumValues = append(out.EnumValues, cleanEnumValue(v))
	}
	if def.Kind == ast.InputObject {
		for _, f := range def.Fields {
			out.Fields = append(out.Fields, cleanField(f))
		}
	}
	return &out
}

func cleanField(f *ast.FieldDefinition) *ast.FieldDefinition {
	out := *f
	out.Directives = apiDirectives(f.Directives)
	out.Arguments = make(ast.ArgumentDefinitionList, len(f.Arguments))
	for i, arg := range f.Arguments {
		a := *arg
		a.Directives = apiDirectives(arg.Directives)
		out.Arguments[i] = &a
	}
	return &out
}

func cleanEnumValue(v *ast.EnumValueDefinition) *ast.EnumValueDefinition {
	out := *v
	out.Directives = apiDirectives(v.Directives)
	return &out
}

func apiDirectives(list ast.DirectiveList) ast.DirectiveList {
	var out ast.DirectiveList
	for _, d := range list {
		if apiDirectiveNames[d.Name] {
			out = append(out, d)
		}
	}
	return out
}

func directivesNamed(list ast.DirectiveList, name string) []*ast.Directive {
	var out []*ast.Directive
	for _, d := range list {
		if d.Name == name {
			out = append(out, d)
		}
	}
	return out
}

func fieldSetArgument(d *ast.Directive) (FieldSet, error) {
	arg := d.Arguments.ForName("fields")
	if arg == nil || arg.Value == nil {
		return nil, fmt.Errorf("missing fields argument")
	}
	return ParseFieldSet(arg.Value.Raw)
}

func keySignature(sets []FieldSet) string {
	parts := make([]string, len(sets))
	for i, fs := range sets {
		parts[i] = fs.String()
	}
	sort.Strings(parts)
	return strings.Join(parts, " | ")
}

func unionStrings(a, b []string) []string {
	out := append([]string(nil), a...)
	for _, s := range b {
		found := false
		for _, existing := range out {
			if existing == s {
				found = true
				break
			}
		}
		if !found {
			out = append(out, s)
		}
	}
	return out
}

func isRootName(name string) bool {
	return name == "Query" || name == "Mutation" || name == "Subscription"
}
