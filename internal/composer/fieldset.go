package composer

import (
	"fmt"
	"strings"

	"github.com/vektah/gqlparser/v2/ast"
	"github.com/vektah/gqlparser/v2/parser"
)

// FieldSet is a parsed federation field set such as `id organization { id }`,
// as used by @key, @requires and @provides.
type FieldSet []*FieldSelection

// FieldSelection is one field of a FieldSet with its nested selections.
type FieldSelection struct {
	Name       string
	Selections FieldSet
}

// ParseFieldSet parses the string form of a field set.
func ParseFieldSet(raw string) (FieldSet, error) {
	if strings.TrimSpace(raw) == "" {
		return nil, fmt.Errorf("empty field set")
	}

	doc, err := parser.ParseQuery(&ast.Source{Name: "fieldset", Input: "{" + raw + "}"})
	if err != nil {
		return nil, fmt.Errorf("parsing field set %q: %w", raw, err)
	}
	if len(doc.Operations) != 1 {
		return nil, fmt.Errorf("parsing field set %q: unexpected operations", raw)
	}

	return toFieldSet(doc.Operations[0].SelectionSet)
}

func toFieldSet(set ast.SelectionSet) (FieldSet, error) {
	out := make(FieldSet, 0, len(set))
	for _, sel := range set {
		f, ok := sel.(*ast.Field)
		if !ok {
			return nil, fmt.Errorf("fragments are not allowed in field sets")
		}
		if f.Alias != "" && f.Alias != f.Name {
			return nil, fmt.Errorf("aliases are not allowed in field sets (%s: %s)", f.Alias, f.Name)
		}
		if len(f.Arguments) > 0 {
			return nil, fmt.Errorf("arguments are not allowed in field sets (%s)", f.Name)
		}

		children, err := toFieldSet(f.SelectionSet)
		if err != nil {
			return nil, err
		}
		if len(children) == 0 {
			children = nil
		}
		out = append(out, &FieldSelection{Name: f.Name, Selections: children})
	}
	return out, nil
}

// String renders the field set in normalized form.
func (fs FieldSet) String() string {
	var sb strings.Builder
	fs.write(&sb)
	return sb.String()
}

func (fs FieldSet) write(sb *strings.Builder) {
	for i, f := range fs {
		if i > 0 {
			sb.WriteByte(' ')
		}
		sb.WriteString(f.Name)
		if len(f.Selections) > 0 {
			sb.WriteString(" { ")
			f.Selections.write(sb)
			sb.WriteString(" }")
		}
	}
}

// Names returns the top-level field names.
func (fs FieldSet) Names() []string {
	names := make([]string, len(fs))
	for i, f := range fs {
		names[i] = f.Name
	}
	return names
}

// Has reports whether name is a top-level field of the set.
func (fs FieldSet) Has(name string) bool {
	return fs.Get(name) != nil
}

// Get returns the top-level selection for name.
func (fs FieldSet) Get(name string) *FieldSelection {
	for _, f := range fs {
		if f.Name == name {
			return f
		}
	}
	return nil
}

// Merge returns the union of two field sets, keeping the order of first appearance.
func (fs FieldSet) Merge(other FieldSet) FieldSet {
	out := make(FieldSet, 0, len(fs)+len(other))
	for _, f := range fs {
		out = append(out, &FieldSelection{Name: f.Name, Selections: f.Selections})
	}
	for _, f := range other {
		if existing := out.Get(f.Name); existing != nil {
			if len(f.Selections) > 0 {
				existing.Selections = existing.Selections.Merge(f.Selections)
			}
			continue
		}
		out = append(out, &FieldSelection{Name: f.Name, Selections: f.Selections})
	}
	return out
}
