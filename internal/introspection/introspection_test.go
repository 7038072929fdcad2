package introspection

import (
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/Ensembl/ensembl-thoas/internal/composer"
	"github.com/Ensembl/ensembl-thoas/internal/planner"
)

const geneSDL = `
type Query {
  gene(stable_id: String!): Gene
}

"A region of DNA"
type Gene {
  stable_id: String!
  symbol: String
  name: String @deprecated(reason: "use symbol")
  strand: Strand
}

enum Strand {
  FORWARD
  REVERSE @deprecated
}
`

func resolveQuery(t *testing.T, query string) map[string]interface{} {
	t.Helper()
	cs, err := composer.Compose(map[string]string{"thoas": geneSDL})
	if err != nil {
		t.Fatalf("Compose() error = %v", err)
	}
	p, err := planner.New(planner.Options{})
	if err != nil {
		t.Fatalf("planner.New() error = %v", err)
	}
	plan, err := p.Plan(cs, planner.Request{Query: query})
	if err != nil {
		t.Fatalf("Plan() error = %v", err)
	}

	out := make(map[string]interface{})
	for _, sel := range plan.Selections {
		if IsRootField(sel.Name) {
			out[sel.ResponseKey] = Resolve(cs.Schema, sel, plan.Variables)
		}
	}
	return out
}

func TestResolveSchemaRoots(t *testing.T) {
	got := resolveQuery(t, `{ __schema { queryType { name } mutationType { name } } }`)

	want := map[string]interface{}{
		"__schema": map[string]interface{}{
			"__typename":   "__Schema",
			"queryType":    map[string]interface{}{"__typename": "__Type", "name": "Query"},
			"mutationType": nil,
		},
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("introspection mismatch (-want +got):\n%s", diff)
	}
}

func TestResolveTypeFields(t *testing.T) {
	got := resolveQuery(t, `{
  gene: __type(name: "Gene") {
    kind
    description
    fields { name type { kind ofType { name } } }
  }
}`)

	want := map[string]interface{}{
		"gene": map[string]interface{}{
			"__typename":  "__Type",
			"kind":        "OBJECT",
			"description": "A region of DNA",
			"fields": []interface{}{
				map[string]interface{}{
					"__typename": "__Field",
					"name":       "stable_id",
					"type": map[string]interface{}{
						"__typename": "__Type",
						"kind":       "NON_NULL",
						"ofType":     map[string]interface{}{"__typename": "__Type", "name": "String"},
					},
				},
				map[string]interface{}{
					"__typename": "__Field",
					"name":       "symbol",
					"type": map[string]interface{}{
						"__typename": "__Type",
						"kind":       "SCALAR",
						"ofType":     nil,
					},
				},
				map[string]interface{}{
					"__typename": "__Field",
					"name":       "strand",
					"type": map[string]interface{}{
						"__typename": "__Type",
						"kind":       "ENUM",
						"ofType":     nil,
					},
				},
			},
		},
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("introspection mismatch (-want +got):\n%s", diff)
	}
}

func TestResolveDeprecated(t *testing.T) {
	got := resolveQuery(t, `{
  gene: __type(name: "Gene") { fields(includeDeprecated: true) { name isDeprecated deprecationReason } }
  strand: __type(name: "Strand") { enumValues(includeDeprecated: true) { name deprecationReason } }
}`)

	fields := got["gene"].(map[string]interface{})["fields"].([]interface{})
	if len(fields) != 4 {
		t.Fatalf("expected 4 fields with deprecated included, got %d", len(fields))
	}
	name := fields[2].(map[string]interface{})
	if name["isDeprecated"] != true || name["deprecationReason"] != "use symbol" {
		t.Errorf("unexpected deprecated field %v", name)
	}

	values := got["strand"].(map[string]interface{})["enumValues"].([]interface{})
	reverse := values[1].(map[string]interface{})
	if reverse["deprecationReason"] != defaultDeprecationReason {
		t.Errorf("expected default reason, got %v", reverse["deprecationReason"])
	}
}

func TestResolveUnknownType(t *testing.T) {
	got := resolveQuery(t, `{ __type(name: "Nope") { name } }`)
	if got["__type"] != nil {
		t.Errorf("expected nil for unknown type, got %v", got["__type"])
	}
}

func TestResolveTypesListIsSorted(t *testing.T) {
	got := resolveQuery(t, `{ __schema { types { name } } }`)
	types := got["__schema"].(map[string]interface{})["types"].([]interface{})

	var prev string
	seen := map[string]bool{}
	for _, ty := range types {
		name := ty.(map[string]interface{})["name"].(string)
		if name < prev {
			t.Errorf("types not sorted: %s after %s", name, prev)
		}
		prev = name
		seen[name] = true
	}
	for _, want := range []string{"Gene", "Query", "Strand", "String", "__Type"} {
		if !seen[want] {
			t.Errorf("expected %s in types", want)
		}
	}
}
