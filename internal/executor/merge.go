package executor

import (
	"encoding/json"
	"fmt"

	"github.com/vektah/gqlparser/v2/ast"

	"github.com/Ensembl/ensembl-thoas/internal/planner"
)

// target is an object of the result tree that an entity fetch extends.
type target struct {
	obj  map[string]interface{}
	path ast.Path
}

// representations collects the entity representations for f from data.
// Identical representations are sent once; groups[i] lists every object
// that representation i stands for.
func representations(data map[string]interface{}, f *planner.Fetch) ([]interface{}, [][]target) {
	var found []target
	collect(data, f.Path, nil, &found)

	var reps []interface{}
	var groups [][]target
	index := make(map[string]int)

	for _, t := range found {
		if typename, _ := t.obj["__typename"].(string); typename != f.Entity.TypeName {
			continue
		}
		rep := map[string]interface{}{"__typename": f.Entity.TypeName}
		if !fillKeys(rep, t.obj, f.Entity.Keys) {
			continue
		}

		b, err := json.Marshal(rep)
		if err != nil {
			continue
		}
		if i, ok := index[string(b)]; ok {
			groups[i] = append(groups[i], t)
			continue
		}
		index[string(b)] = len(reps)
		reps = append(reps, rep)
		groups = append(groups, []target{t})
	}
	return reps, groups
}

// collect walks path through v; "@" descends into every list element.
func collect(v interface{}, path []string, at ast.Path, out *[]target) {
	if len(path) == 0 {
		if m, ok := v.(map[string]interface{}); ok {
			*out = append(*out, target{obj: m, path: at})
		}
		return
	}

	if path[0] == "@" {
		list, _ := v.([]interface{})
		for i, item := range list {
			collect(item, path[1:], extend(at, ast.PathIndex(i)), out)
		}
		return
	}

	m, ok := v.(map[string]interface{})
	if !ok {
		return
	}
	collect(m[path[0]], path[1:], extend(at, ast.PathName(path[0])), out)
}

func extend(path ast.Path, elem ast.PathElement) ast.Path {
	out := make(ast.Path, len(path), len(path)+1)
	copy(out, path)
	return append(out, elem)
}

// fillKeys copies the key fields of obj into rep. It fails when a field the
// parent fetch was meant to select is absent.
func fillKeys(rep, obj map[string]interface{}, keys []planner.KeyField) bool {
	for _, k := range keys {
		v, ok := obj[k.ResponseKey]
		if !ok {
			return false
		}
		if len(k.Children) == 0 || v == nil {
			rep[k.Name] = v
			continue
		}

		nested, ok := fillNested(v, k.Children)
		if !ok {
			return false
		}
		rep[k.Name] = nested
	}
	return true
}

func fillNested(v interface{}, keys []planner.KeyField) (interface{}, bool) {
	switch v := v.(type) {
	case map[string]interface{}:
		sub := make(map[string]interface{}, len(keys))
		if !fillKeys(sub, v, keys) {
			return nil, false
		}
		return sub, true
	case []interface{}:
		out := make([]interface{}, len(v))
		for i, item := range v {
			if item == nil {
				continue
			}
			n, ok := fillNested(item, keys)
			if !ok {
				return nil, false
			}
			out[i] = n
		}
		return out, true
	}
	return nil, false
}

// mergeRoot overlays a root fetch result onto the response root.
func (s *state) mergeRoot(f *planner.Fetch, data map[string]interface{}, errs []subgraphError) {
	if data != nil {
		overlay(s.data, data)
	}
	for _, se := range errs {
		if len(se.Path) == 0 {
			s.errors = append(s.errors, passthrough(se, failurePath(f), nil, f.Subgraph))
			continue
		}
		s.errors = append(s.errors, passthrough(se, nil, se.Path, f.Subgraph))
	}
}

// mergeEntities overlays _entities results onto the objects they were
// requested for and rebases _entities error paths onto those objects.
func (s *state) mergeEntities(f *planner.Fetch, data map[string]interface{}, groups [][]target, errs []subgraphError) error {
	for _, se := range errs {
		if len(se.Path) >= 2 && se.Path[0] == "_entities" {
			if i, ok := pathIndex(se.Path[1]); ok && i >= 0 && i < len(groups) {
				for _, t := range groups[i] {
					s.errors = append(s.errors, passthrough(se, t.path, se.Path[2:], f.Subgraph))
				}
				continue
			}
		}
		s.errors = append(s.errors, passthrough(se, failurePath(f), nil, f.Subgraph))
	}

	if data == nil {
		return nil
	}
	raw, ok := data["_entities"]
	if !ok || raw == nil {
		if len(errs) > 0 {
			return nil
		}
		return fmt.Errorf("subgraph %s returned no _entities", f.Subgraph)
	}
	entities, ok := raw.([]interface{})
	if !ok {
		return fmt.Errorf("subgraph %s returned _entities that is not a list", f.Subgraph)
	}
	if len(entities) != len(groups) {
		return fmt.Errorf("subgraph %s returned %d entities for %d representations", f.Subgraph, len(entities), len(groups))
	}

	for i, entity := range entities {
		m, ok := entity.(map[string]interface{})
		if !ok {
			continue
		}
		for _, t := range groups[i] {
			overlay(t.obj, m)
		}
	}
	return nil
}

// overlay merges src into dst: objects are unioned by key, everything else
// (lists included) is replaced.
func overlay(dst, src map[string]interface{}) {
	for k, v := range src {
		if sm, ok := v.(map[string]interface{}); ok {
			if dm, ok := dst[k].(map[string]interface{}); ok {
				overlay(dm, sm)
				continue
			}
		}
		dst[k] = v
	}
}
