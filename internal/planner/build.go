package planner

import (
	"strings"

	"github.com/vektah/gqlparser/v2/ast"

	"github.com/Ensembl/ensembl-thoas/internal/composer"
)

// subField is one field of a subgraph query under construction.
type subField struct {
	alias     string
	name      string
	condition string
	// field is the client field; nil for fields injected by the planner.
	field     *ast.Field
	composite bool
	children  []*subField
}

type fetchBuilder struct {
	fetch   *Fetch
	fields  []*subField
	deps    []*fetchBuilder
	pending map[string]*fetchBuilder
}

type builder struct {
	schema    *composer.ComposedSchema
	operation *ast.OperationDefinition
	nextID    int
}

func (b *builder) build(root *ast.Definition, sels []*Selection) (Node, *PlanningError) {
	var nodes []Node
	for _, s := range sels {
		if s.IsLocal() {
			continue
		}
		owner, ok := b.schema.OwnerOf(root.Name, s.Name)
		if !ok {
			return nil, planningErrorf(CodeValidationFailed, "no subgraph resolves %s.%s", root.Name, s.Name)
		}

		fb := b.newFetch(owner, nil)
		fb.fetch.ResponseKeys = []string{s.ResponseKey}
		if err := b.plan(fb, &fb.fields, root, s, nil, nil); err != nil {
			return nil, err
		}
		nodes = append(nodes, b.finish(fb))
	}

	switch {
	case len(nodes) == 0:
		return nil, nil
	case len(nodes) == 1:
		return nodes[0], nil
	case b.operation.Operation == ast.Mutation:
		return &Sequence{Nodes: nodes}, nil
	default:
		return &Parallel{Nodes: nodes}, nil
	}
}

func (b *builder) newFetch(subgraph string, path []string) *fetchBuilder {
	op := "query"
	if b.operation.Operation == ast.Mutation && path == nil {
		op = "mutation"
	}
	f := &Fetch{
		ID:        b.nextID,
		Subgraph:  subgraph,
		Operation: op,
		Path:      path,
	}
	b.nextID++
	return &fetchBuilder{fetch: f, pending: make(map[string]*fetchBuilder)}
}

// plan places s, selected on parent at path, into fb or into a fetch that
// depends on fb.
func (b *builder) plan(fb *fetchBuilder, level *[]*subField, parent *ast.Definition, s *Selection, path []string, provided composer.FieldSet) *PlanningError {
	if s.IsLocal() {
		return nil
	}

	typeName := parent.Name
	if s.TypeCondition != "" {
		typeName = s.TypeCondition
	}

	if b.schema.CanResolve(fb.fetch.Subgraph, typeName, s.Name) || provided.Has(s.Name) {
		return b.resolveHere(fb, level, typeName, s, path, provided)
	}
	return b.crossBoundary(fb, level, parent, typeName, s, path)
}

func (b *builder) resolveHere(fb *fetchBuilder, level *[]*subField, typeName string, s *Selection, path []string, provided composer.FieldSet) *PlanningError {
	sf := &subField{
		alias:     s.ResponseKey,
		name:      s.Name,
		condition: s.TypeCondition,
		field:     s.Field,
		composite: s.Field != nil && len(s.Field.SelectionSet) > 0,
	}
	*level = append(*level, sf)

	if len(s.Children) == 0 || s.Definition == nil {
		return nil
	}

	childType := b.schema.Schema.Types[s.Definition.Type.Name()]
	if childType == nil {
		return nil
	}
	childPath := appendPath(path, s.ResponseKey, s.Definition.Type)

	childProvided := b.schema.Provided(fb.fetch.Subgraph, typeName, s.Name)
	if p := provided.Get(s.Name); p != nil {
		childProvided = childProvided.Merge(p.Selections)
	}

	for _, c := range s.Children {
		if err := b.plan(fb, &sf.children, childType, c, childPath, childProvided); err != nil {
			return err
		}
	}
	return nil
}

func (b *builder) crossBoundary(fb *fetchBuilder, level *[]*subField, parent *ast.Definition, typeName string, s *Selection, path []string) *PlanningError {
	owner, owned := b.schema.OwnerOf(typeName, s.Name)
	if !b.schema.IsEntity(typeName) || !owned {
		return planningErrorf(CodeValidationFailed, "field %s.%s cannot be resolved from subgraph %s",
			typeName, s.Name, fb.fetch.Subgraph)
	}

	req := b.schema.RequiresFor(typeName, s.Name)
	for _, r := range req {
		if !b.schema.CanResolve(fb.fetch.Subgraph, typeName, r.Name) {
			return planningErrorf(CodeValidationFailed, "field %s.%s needs %s.%s, which subgraph %s cannot provide",
				typeName, s.Name, typeName, r.Name, fb.fetch.Subgraph)
		}
	}

	condition := ""
	if typeName != parent.Name {
		condition = typeName
	}

	depKey := owner + "\x00" + typeName + "\x00" + strings.Join(path, "/")
	dep, ok := fb.pending[depKey]
	if !ok {
		dep = b.newFetch(owner, append([]string{}, path...))
		dep.fetch.Entity = &EntityRequest{TypeName: typeName}
		fb.pending[depKey] = dep
		fb.deps = append(fb.deps, dep)
	}

	keys := injectKeys(level, req, condition)
	dep.fetch.Entity.Keys = mergeKeys(dep.fetch.Entity.Keys, keys)
	dep.fetch.ResponseKeys = appendUnique(dep.fetch.ResponseKeys, s.ResponseKey)

	// Inside the _entities fragment the type condition is implied.
	moved := *s
	moved.TypeCondition = ""
	return b.plan(dep, &dep.fields, b.schema.Schema.Types[typeName], &moved, path, nil)
}

// injectKeys makes sure the fields of fs are selected at level, reusing
// existing argument-free selections, and reports where they will be found.
func injectKeys(level *[]*subField, fs composer.FieldSet, condition string) []KeyField {
	out := make([]KeyField, 0, len(fs))
	for _, f := range fs {
		target := findPlain(*level, f.Name, condition)
		if target == nil {
			alias := f.Name
			if responseKeyTaken(*level, alias) {
				alias = "_key_" + f.Name
			}
			target = &subField{
				alias:     alias,
				name:      f.Name,
				condition: condition,
				composite: len(f.Selections) > 0,
			}
			*level = append(*level, target)
		}

		kf := KeyField{Name: f.Name, ResponseKey: target.alias}
		if len(f.Selections) > 0 {
			kf.Children = injectKeys(&target.children, f.Selections, "")
		}
		out = append(out, kf)
	}
	return out
}

func findPlain(level []*subField, name, condition string) *subField {
	for _, sf := range level {
		if sf.name != name {
			continue
		}
		if sf.condition != "" && sf.condition != condition {
			continue
		}
		if sf.field != nil && len(sf.field.Arguments) > 0 {
			continue
		}
		return sf
	}
	return nil
}

func responseKeyTaken(level []*subField, key string) bool {
	for _, sf := range level {
		if sf.alias == key {
			return true
		}
	}
	return false
}

func mergeKeys(existing, add []KeyField) []KeyField {
	for _, k := range add {
		found := false
		for i := range existing {
			if existing[i].Name == k.Name {
				existing[i].Children = mergeKeys(existing[i].Children, k.Children)
				found = true
				break
			}
		}
		if !found {
			existing = append(existing, k)
		}
	}
	return existing
}

func (b *builder) finish(fb *fetchBuilder) Node {
	b.print(fb)
	if len(fb.deps) == 0 {
		return fb.fetch
	}

	deps := make([]Node, 0, len(fb.deps))
	for _, d := range fb.deps {
		deps = append(deps, b.finish(d))
	}

	var next Node
	if len(deps) == 1 {
		next = deps[0]
	} else {
		next = &Parallel{Nodes: deps}
	}
	return &Sequence{Nodes: []Node{fb.fetch, next}}
}

// appendPath extends path with key followed by one "@" per list level of t.
func appendPath(path []string, key string, t *ast.Type) []string {
	out := make([]string, 0, len(path)+2)
	out = append(out, path...)
	out = append(out, key)
	for t != nil && t.Elem != nil {
		out = append(out, "@")
		t = t.Elem
	}
	return out
}

func appendUnique(list []string, s string) []string {
	for _, v := range list {
		if v == s {
			return list
		}
	}
	return append(list, s)
}
