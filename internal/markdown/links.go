package markdown

import (
	"strings"

	gm "github.com/gomarkdown/markdown"
	"github.com/gomarkdown/markdown/ast"
	gmparser "github.com/gomarkdown/markdown/parser"
)

// ResolveLinks replaces inline link destinations in src with resolve(dest).
// Destinations are found through the parsed AST, so link-like text inside
// code spans is left alone. An empty result from resolve keeps the original.
func ResolveLinks(src string, resolve func(dest string) string) string {
	if resolve == nil {
		return src
	}

	doc := gm.Parse([]byte(src), gmparser.NewWithExtensions(gmparser.CommonExtensions))

	resolved := make(map[string]string)
	var pairs []string
	ast.WalkFunc(doc, func(node ast.Node, entering bool) ast.WalkStatus {
		link, ok := node.(*ast.Link)
		if !entering || !ok {
			return ast.GoToNext
		}
		dest := string(link.Destination)
		if _, done := resolved[dest]; done {
			return ast.GoToNext
		}
		uri := resolve(dest)
		resolved[dest] = uri
		if uri != "" && uri != dest {
			pairs = append(pairs, "]("+dest+")", "]("+uri+")")
		}
		return ast.GoToNext
	})

	if len(pairs) == 0 {
		return src
	}
	return strings.NewReplacer(pairs...).Replace(src)
}

// frontMatter is the YAML block heading a listing: the trait and one
// fragment URI per library.
func frontMatter(trait string, libs []string) string {
	var b strings.Builder
	b.WriteString("---\n")
	b.WriteString("trait: " + trait + "\n")
	b.WriteString("libraries:\n")
	for _, lib := range libs {
		b.WriteString("  " + lib + ": rsimpl://" + trait + "#" + lib + "\n")
	}
	b.WriteString("---\n\n")
	return b.String()
}
