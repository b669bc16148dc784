package docs

import (
	"encoding/json"
	"fmt"
	"html"
	"strconv"
	"strings"
)

// typeMarkup renders rustdoc Type JSON as the escaped HTML used in implementor
// headers. It records every type path it links along the way.
type typeMarkup struct {
	crate     *RustdocCrate
	crateName string
	types     []string
	seen      map[string]bool
}

func newTypeMarkup(crate *RustdocCrate, crateName string) *typeMarkup {
	return &typeMarkup{crate: crate, crateName: crateName, seen: make(map[string]bool)}
}

func (m *typeMarkup) addType(path string) {
	if path == "" || m.seen[path] {
		return
	}
	m.seen[path] = true
	m.types = append(m.types, path)
}

// render returns the markup for a Type, or "_" if it can't be represented.
func (m *typeMarkup) render(typeJSON json.RawMessage) string {
	var outer map[string]json.RawMessage
	if err := json.Unmarshal(typeJSON, &outer); err != nil {
		return "_"
	}

	if resolved, ok := outer["resolved_path"]; ok {
		return m.resolvedPath(resolved)
	}

	if prim, ok := outer["primitive"]; ok {
		var name string
		if err := json.Unmarshal(prim, &name); err == nil {
			m.addType(name)
			return fmt.Sprintf(`<a class="primitive" href="https://doc.rust-lang.org/nightly/std/primitive.%s.html">%s</a>`, name, name)
		}
	}

	if g, ok := outer["generic"]; ok {
		var name string
		if err := json.Unmarshal(g, &name); err == nil {
			return html.EscapeString(name)
		}
	}

	if br, ok := outer["borrowed_ref"]; ok {
		return m.borrowedRef(br)
	}

	if sl, ok := outer["slice"]; ok {
		return "[" + m.render(sl) + "]"
	}

	if arr, ok := outer["array"]; ok {
		var a struct {
			Type json.RawMessage `json:"type"`
			Len  string          `json:"len"`
		}
		if err := json.Unmarshal(arr, &a); err == nil {
			return "[" + m.render(a.Type) + "; " + html.EscapeString(a.Len) + "]"
		}
	}

	if tp, ok := outer["tuple"]; ok {
		var elems []json.RawMessage
		if err := json.Unmarshal(tp, &elems); err == nil {
			parts := make([]string, len(elems))
			for i, e := range elems {
				parts[i] = m.render(e)
			}
			return "(" + strings.Join(parts, ", ") + ")"
		}
	}

	if rp, ok := outer["raw_pointer"]; ok {
		var p struct {
			IsMutable bool            `json:"is_mutable"`
			Type      json.RawMessage `json:"type"`
		}
		if err := json.Unmarshal(rp, &p); err == nil {
			if p.IsMutable {
				return "*mut " + m.render(p.Type)
			}
			return "*const " + m.render(p.Type)
		}
	}

	if dt, ok := outer["dyn_trait"]; ok {
		return m.dynTrait(dt)
	}

	if qp, ok := outer["qualified_path"]; ok {
		return m.qualifiedPath(qp)
	}

	return "_"
}

type pathRef struct {
	Name string           `json:"name"`
	Path string           `json:"path"`
	ID   int              `json:"id"`
	Args *json.RawMessage `json:"args"`
}

// displayName returns the last path segment, falling back to the paths table.
func (p pathRef) displayName(crate *RustdocCrate) string {
	name := p.Name
	if name == "" {
		name = p.Path
	}
	if i := strings.LastIndex(name, "::"); i >= 0 {
		name = name[i+2:]
	}
	if name == "" {
		if summary, ok := crate.Paths[strconv.Itoa(p.ID)]; ok && len(summary.Path) > 0 {
			name = summary.Path[len(summary.Path)-1]
		}
	}
	return name
}

func (m *typeMarkup) resolvedPath(raw json.RawMessage) string {
	var rp pathRef
	if err := json.Unmarshal(raw, &rp); err != nil {
		return "_"
	}
	out := m.anchor(rp, "")
	if rp.Args != nil {
		out += m.genericArgs(*rp.Args)
	}
	return out
}

// anchor renders a link to the item behind p. fallbackKind is used when the
// paths table has no kind for the item.
func (m *typeMarkup) anchor(p pathRef, fallbackKind string) string {
	name := p.displayName(m.crate)
	if name == "" {
		return "_"
	}

	summary, ok := m.crate.Paths[strconv.Itoa(p.ID)]
	if !ok {
		return html.EscapeString(name)
	}
	kind := summary.Kind
	if kind == "" {
		kind = fallbackKind
	}
	fullPath := strings.Join(summary.Path, "::")
	if kind != "trait" {
		m.addType(fullPath)
	}

	href := ItemHref(m.crate, summary)
	if href == "" {
		return html.EscapeString(name)
	}
	return fmt.Sprintf(`<a class="%s" href="%s" title="%s %s">%s</a>`,
		htmlClass(kind), html.EscapeString(href), htmlClass(kind), html.EscapeString(fullPath), html.EscapeString(name))
}

func (m *typeMarkup) genericArgs(raw json.RawMessage) string {
	var args struct {
		AngleBracketed *struct {
			Args        []json.RawMessage `json:"args"`
			Constraints []json.RawMessage `json:"constraints"`
			Bindings    []json.RawMessage `json:"bindings"`
		} `json:"angle_bracketed"`
	}
	if err := json.Unmarshal(raw, &args); err != nil || args.AngleBracketed == nil {
		return ""
	}

	var parts []string
	for _, arg := range args.AngleBracketed.Args {
		var a map[string]json.RawMessage
		if err := json.Unmarshal(arg, &a); err != nil {
			continue
		}
		if typeData, ok := a["type"]; ok {
			parts = append(parts, m.render(typeData))
		} else if lifetime, ok := a["lifetime"]; ok {
			var lt string
			if json.Unmarshal(lifetime, &lt) == nil {
				parts = append(parts, html.EscapeString(lt))
			}
		} else if c, ok := a["const"]; ok {
			var cst struct {
				Expr string `json:"expr"`
			}
			if json.Unmarshal(c, &cst) == nil && cst.Expr != "" {
				parts = append(parts, html.EscapeString(cst.Expr))
			}
		}
	}

	constraints := args.AngleBracketed.Constraints
	if len(constraints) == 0 {
		constraints = args.AngleBracketed.Bindings
	}
	for _, c := range constraints {
		var b struct {
			Name    string `json:"name"`
			Binding struct {
				Equality *struct {
					Type json.RawMessage `json:"type"`
				} `json:"equality"`
			} `json:"binding"`
		}
		if err := json.Unmarshal(c, &b); err != nil || b.Binding.Equality == nil || b.Binding.Equality.Type == nil {
			continue
		}
		parts = append(parts, html.EscapeString(b.Name)+" = "+m.render(b.Binding.Equality.Type))
	}

	if len(parts) == 0 {
		return ""
	}
	return "&lt;" + strings.Join(parts, ", ") + "&gt;"
}

func (m *typeMarkup) borrowedRef(raw json.RawMessage) string {
	var r struct {
		Lifetime  *string         `json:"lifetime"`
		IsMutable bool            `json:"is_mutable"`
		Type      json.RawMessage `json:"type"`
	}
	if err := json.Unmarshal(raw, &r); err != nil {
		return "_"
	}
	prefix := "&amp;"
	if r.Lifetime != nil && *r.Lifetime != "" {
		prefix += html.EscapeString(*r.Lifetime) + " "
	}
	if r.IsMutable {
		prefix += "mut "
	}
	return prefix + m.render(r.Type)
}

func (m *typeMarkup) dynTrait(raw json.RawMessage) string {
	var d struct {
		Traits []struct {
			Trait pathRef `json:"trait"`
		} `json:"traits"`
		Lifetime *string `json:"lifetime"`
	}
	if err := json.Unmarshal(raw, &d); err != nil || len(d.Traits) == 0 {
		return "_"
	}
	parts := make([]string, 0, len(d.Traits)+1)
	for _, t := range d.Traits {
		s := m.anchor(t.Trait, "trait")
		if t.Trait.Args != nil {
			s += m.genericArgs(*t.Trait.Args)
		}
		parts = append(parts, s)
	}
	if d.Lifetime != nil && *d.Lifetime != "" {
		parts = append(parts, html.EscapeString(*d.Lifetime))
	}
	return "dyn " + strings.Join(parts, " + ")
}

func (m *typeMarkup) qualifiedPath(raw json.RawMessage) string {
	var q struct {
		Name     string          `json:"name"`
		SelfType json.RawMessage `json:"self_type"`
		Trait    *pathRef        `json:"trait"`
	}
	if err := json.Unmarshal(raw, &q); err != nil {
		return "_"
	}
	self := m.render(q.SelfType)
	if q.Trait != nil {
		return fmt.Sprintf("&lt;%s as %s&gt;::%s", self, m.anchor(*q.Trait, "trait"), html.EscapeString(q.Name))
	}
	return self + "::" + html.EscapeString(q.Name)
}

// htmlClass maps a rustdoc JSON item kind to the class and file prefix used
// by the HTML output.
func htmlClass(kind string) string {
	switch kind {
	case "type_alias":
		return "type"
	case "proc_attribute":
		return "attr"
	case "proc_derive":
		return "derive"
	case "":
		return "struct"
	default:
		return kind
	}
}

// ItemHref builds the rustdoc HTML location of an item: relative
// ("crate/mod/struct.Name.html") for the documented crate, absolute via the
// dependency's html_root_url otherwise. Returns "" when unknown.
func ItemHref(crate *RustdocCrate, summary RustdocSummary) string {
	if len(summary.Path) == 0 {
		return ""
	}
	n := len(summary.Path)
	rel := strings.Join(summary.Path[:n-1], "/")
	file := htmlClass(summary.Kind) + "." + summary.Path[n-1] + ".html"
	if rel != "" {
		rel += "/"
	}
	rel += file

	if summary.CrateID == 0 {
		return rel
	}
	ext, ok := crate.ExternalCrates[strconv.Itoa(summary.CrateID)]
	if !ok || ext.HTMLRootURL == "" {
		return ""
	}
	root := ext.HTMLRootURL
	if !strings.HasSuffix(root, "/") {
		root += "/"
	}
	return root + rel
}
