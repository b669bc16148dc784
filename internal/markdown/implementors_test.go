package markdown

import (
	"os"
	"strings"
	"testing"

	"github.com/jcdickinson/rsimpl/internal/implementors"
)

const genericArrayRecord = `impl&lt;T, N&gt; <a class="trait" href="https://x/trait.E.html" title="trait E">ExactSizeIterator</a> for <a class="struct" href="ga/struct.G.html" title="struct ga::G">G</a>&lt;T, N&gt; <span class="where fmt-newline">where<br>&nbsp;&nbsp;N: <a class="trait" href="ga/trait.AL.html" title="trait ga::AL">AL</a>&lt;T&gt;,&nbsp;</span>`

func TestRecordMarkdown(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name   string
		markup string
		want   string
	}{
		{
			name:   "where_clause",
			markup: genericArrayRecord,
			want:   `impl\<T, N\> [ExactSizeIterator](https://x/trait.E.html) for [G](ga/struct.G.html)\<T, N\> where N: [AL](ga/trait.AL.html)\<T\>,`,
		},
		{
			name:   "plain_text",
			markup: "impl Foo for Bar",
			want:   "impl Foo for Bar",
		},
		{
			name:   "reference_and_specials",
			markup: `impl&lt;'a&gt; Foo for &amp;'a [my_type]`,
			want:   `impl\<'a\> Foo for &'a \[my\_type\]`,
		},
		{
			name:   "anchor_without_href",
			markup: `impl <a class="trait">Foo</a> for Bar`,
			want:   "impl Foo for Bar",
		},
		{
			name:   "escaped_href",
			markup: `<a href="a?x=1&amp;y=2">Q</a>`,
			want:   "[Q](a?x=1&y=2)",
		},
		{
			name:   "unterminated_anchor",
			markup: `impl <a href="x.html">Foo`,
			want:   "impl Foo",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := RecordMarkdown(tt.markup)
			if got != tt.want {
				t.Errorf("got  %q\nwant %q", got, tt.want)
			}
		})
	}
}

func TestImplementorsMarkdown(t *testing.T) {
	t.Parallel()
	idx := implementors.Index{
		"zeta": {{Text: "impl Foo for Z", Types: []string{"zeta::Z"}}},
		"ga": {
			{Text: genericArrayRecord, Types: []string{"ga::G"}},
			{Text: "impl Foo for H", Synthetic: true, Types: []string{"ga::H"}},
		},
	}
	resolve := func(href string) string {
		if href == "ga/struct.G.html" {
			return "rsdoc://ga/latest/ga::G"
		}
		return ""
	}

	got := ImplementorsMarkdown("ga::Foo", idx, resolve)

	for _, want := range []string{
		"trait: ga::Foo\n",
		"  ga: rsimpl://ga::Foo#ga\n",
		"  zeta: rsimpl://ga::Foo#zeta\n",
		"# Implementors of `ga::Foo`",
		"[G](rsdoc://ga/latest/ga::G)",
		"[AL](ga/trait.AL.html)",
		"- impl Foo for H _(synthetic)_\n",
	} {
		if !strings.Contains(got, want) {
			t.Errorf("output missing %q:\n%s", want, got)
		}
	}

	if strings.Index(got, "## ga") > strings.Index(got, "## zeta") {
		t.Error("libraries should be listed in sorted order")
	}
	if strings.Index(got, "[G]") > strings.Index(got, "for H") {
		t.Error("records should keep published order")
	}
}

func TestImplementorsMarkdown_Empty(t *testing.T) {
	t.Parallel()
	got := ImplementorsMarkdown("x::T", nil, nil)
	if !strings.Contains(got, "No implementors.") {
		t.Errorf("unexpected output %q", got)
	}
	if strings.HasPrefix(got, "---") {
		t.Error("empty listing should have no front matter")
	}
}

func TestImplementorsMarkdown_Script(t *testing.T) {
	t.Parallel()
	data, err := os.ReadFile("../implementors/testdata/trait.ExactSizeIterator.js")
	if err != nil {
		t.Fatal(err)
	}
	idx, err := implementors.ParseScript(data)
	if err != nil {
		t.Fatal(err)
	}

	got := ImplementorsMarkdown("core::iter::traits::exact_size::ExactSizeIterator", idx, nil)
	if n := strings.Count(got, "\n- "); n != idx.Len() {
		t.Errorf("got %d list items, want %d", n, idx.Len())
	}
	if strings.Contains(got, "<a ") || strings.Contains(got, "&nbsp;") {
		t.Errorf("markup leaked into markdown:\n%s", got)
	}
}
