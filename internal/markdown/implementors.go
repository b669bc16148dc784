package markdown

import (
	"fmt"
	"html"
	"regexp"
	"strings"

	"github.com/jcdickinson/rsimpl/internal/implementors"
)

var (
	tagRe      = regexp.MustCompile(`<[^>]*>`)
	hrefRe     = regexp.MustCompile(`href="([^"]*)"`)
	spaceRe    = regexp.MustCompile(`\s+`)
	mdEscaper  = strings.NewReplacer(`\`, `\\`, "`", "\\`", `*`, `\*`, `_`, `\_`, `[`, `\[`, `]`, `\]`, `<`, `\<`, `>`, `\>`)
	nbspFolder = strings.NewReplacer("\u00a0", " ")
)

// ImplementorsMarkdown renders a trait's implementor index as markdown, one
// section per library in sorted order with records in published order.
// Link destinations are passed through resolve; a nil resolve or an empty
// result leaves the href as is.
func ImplementorsMarkdown(trait string, idx implementors.Index, resolve func(href string) string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "# Implementors of `%s`\n", trait)

	if len(idx) == 0 {
		b.WriteString("\nNo implementors.\n")
		return b.String()
	}

	for _, lib := range idx.Libraries() {
		fmt.Fprintf(&b, "\n## %s\n\n", mdEscaper.Replace(lib))
		for _, rec := range idx[lib] {
			line := RecordMarkdown(rec.Text)
			if rec.Synthetic {
				line += " _(synthetic)_"
			}
			b.WriteString("- " + line + "\n")
		}
	}

	return frontMatter(trait, idx.Libraries()) + ResolveLinks(b.String(), resolve)
}

// RecordMarkdown converts implementor header markup to a single line of
// markdown. Anchors with an href become inline links.
func RecordMarkdown(markup string) string {
	var b strings.Builder
	var (
		inAnchor   bool
		href       string
		anchorText strings.Builder
	)

	writeText := func(s string) {
		s = mdEscaper.Replace(nbspFolder.Replace(html.UnescapeString(s)))
		if inAnchor {
			anchorText.WriteString(s)
		} else {
			b.WriteString(s)
		}
	}

	last := 0
	for _, loc := range tagRe.FindAllStringIndex(markup, -1) {
		writeText(markup[last:loc[0]])
		last = loc[1]

		tag := strings.ToLower(markup[loc[0]:loc[1]])
		switch {
		case strings.HasPrefix(tag, "<a ") || tag == "<a>":
			inAnchor = true
			href = ""
			anchorText.Reset()
			if m := hrefRe.FindStringSubmatch(markup[loc[0]:loc[1]]); m != nil {
				href = html.UnescapeString(m[1])
			}
		case tag == "</a>":
			inAnchor = false
			text := anchorText.String()
			if href == "" || text == "" {
				b.WriteString(text)
				continue
			}
			fmt.Fprintf(&b, "[%s](%s)", text, href)
		case strings.HasPrefix(tag, "<br"):
			writeText(" ")
		}
	}
	writeText(markup[last:])
	if inAnchor {
		b.WriteString(anchorText.String())
	}

	return strings.TrimSpace(spaceRe.ReplaceAllString(b.String(), " "))
}
