package planner

import (
	"strconv"
	"strings"

	"github.com/vektah/gqlparser/v2/ast"
)

type printer struct {
	used map[string]bool
}

// print renders the subgraph query of fb and records the variables it uses.
func (b *builder) print(fb *fetchBuilder) {
	p := &printer{used: make(map[string]bool)}
	f := fb.fetch

	var body string
	if f.Entity != nil {
		f.Entity.Variable = b.representationsVariable()
		body = "{ _entities(representations: $" + f.Entity.Variable + ") { ... on " + f.Entity.TypeName +
			" { " + p.level(fb.fields, true) + " } } }"
	} else {
		body = "{ " + p.level(fb.fields, false) + " }"
	}

	var defs []string
	if f.Entity != nil {
		defs = append(defs, "$"+f.Entity.Variable+": [_Any!]!")
	}
	for _, vd := range b.operation.VariableDefinitions {
		if !p.used[vd.Variable] {
			continue
		}
		f.Variables = append(f.Variables, vd.Variable)
		def := "$" + vd.Variable + ": " + vd.Type.String()
		if vd.DefaultValue != nil {
			def += " = " + vd.DefaultValue.String()
		}
		defs = append(defs, def)
	}

	var sb strings.Builder
	sb.WriteString(f.Operation)
	if b.operation.Name != "" {
		sb.WriteByte(' ')
		sb.WriteString(sanitizeName(b.operation.Name + "__" + f.Subgraph + "__" + strconv.Itoa(f.ID)))
	}
	if len(defs) > 0 {
		sb.WriteByte('(')
		sb.WriteString(strings.Join(defs, ", "))
		sb.WriteByte(')')
	}
	sb.WriteByte(' ')
	sb.WriteString(body)
	f.Query = sb.String()
}

func (b *builder) representationsVariable() string {
	name := "representations"
	for b.operation.VariableDefinitions.ForName(name) != nil {
		name = "_" + name
	}
	return name
}

// level renders a selection set body. Fields without a type condition come
// first, followed by one inline fragment per condition in order of appearance.
func (p *printer) level(fields []*subField, typename bool) string {
	var parts []string
	if typename {
		parts = append(parts, "__typename")
	}

	var conditions []string
	grouped := make(map[string][]*subField)
	for _, sf := range fields {
		if sf.condition == "" {
			parts = append(parts, p.field(sf))
			continue
		}
		if _, ok := grouped[sf.condition]; !ok {
			conditions = append(conditions, sf.condition)
		}
		grouped[sf.condition] = append(grouped[sf.condition], sf)
	}

	for _, cond := range conditions {
		inner := make([]string, 0, len(grouped[cond]))
		for _, sf := range grouped[cond] {
			inner = append(inner, p.field(sf))
		}
		parts = append(parts, "... on "+cond+" { "+strings.Join(inner, " ")+" }")
	}

	return strings.Join(parts, " ")
}

func (p *printer) field(sf *subField) string {
	var sb strings.Builder
	if sf.alias != sf.name {
		sb.WriteString(sf.alias)
		sb.WriteString(": ")
	}
	sb.WriteString(sf.name)

	if sf.field != nil && len(sf.field.Arguments) > 0 {
		args := make([]string, len(sf.field.Arguments))
		for i, arg := range sf.field.Arguments {
			p.collectVariables(arg.Value)
			args[i] = arg.Name + ": " + arg.Value.String()
		}
		sb.WriteByte('(')
		sb.WriteString(strings.Join(args, ", "))
		sb.WriteByte(')')
	}

	if sf.composite {
		sb.WriteString(" { ")
		sb.WriteString(p.level(sf.children, true))
		sb.WriteString(" }")
	}
	return sb.String()
}

func (p *printer) collectVariables(v *ast.Value) {
	if v == nil {
		return
	}
	if v.Kind == ast.Variable {
		p.used[v.Raw] = true
		return
	}
	for _, c := range v.Children {
		p.collectVariables(c.Value)
	}
}

func sanitizeName(name string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '_':
			return r
		}
		return '_'
	}, name)
}
