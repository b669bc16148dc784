package markdown

import (
	"strings"
	"testing"
)

func TestResolveLinks(t *testing.T) {
	t.Parallel()
	uris := map[string]string{
		"ga/struct.G.html": "rsdoc://ga/latest/ga::G",
		"ga/trait.AL.html": "rsdoc://ga/latest/ga::AL",
	}
	resolve := func(dest string) string { return uris[dest] }

	tests := []struct {
		name string
		src  string
		want string
	}{
		{
			name: "inline",
			src:  "- impl Foo for [G](ga/struct.G.html)",
			want: "- impl Foo for [G](rsdoc://ga/latest/ga::G)",
		},
		{
			name: "repeated_destination",
			src:  "[G](ga/struct.G.html) and [G2](ga/struct.G.html) where [AL](ga/trait.AL.html)",
			want: "[G](rsdoc://ga/latest/ga::G) and [G2](rsdoc://ga/latest/ga::G) where [AL](rsdoc://ga/latest/ga::AL)",
		},
		{
			name: "unresolved_kept",
			src:  "see [E](https://x/trait.E.html)",
			want: "see [E](https://x/trait.E.html)",
		},
		{
			name: "code_span_untouched",
			src:  "`[G](ga/struct.G.html)`",
			want: "`[G](ga/struct.G.html)`",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := ResolveLinks(tt.src, resolve); got != tt.want {
				t.Errorf("got  %q\nwant %q", got, tt.want)
			}
		})
	}
}

func TestResolveLinks_NilResolve(t *testing.T) {
	t.Parallel()
	src := "Hello [world](url)."
	if got := ResolveLinks(src, nil); got != src {
		t.Errorf("expected unchanged, got %q", got)
	}
}

func TestFrontMatter(t *testing.T) {
	t.Parallel()
	got := frontMatter("demo::Marker", []string{"alpha", "beta"})
	want := "---\ntrait: demo::Marker\nlibraries:\n  alpha: rsimpl://demo::Marker#alpha\n  beta: rsimpl://demo::Marker#beta\n---\n\n"
	if got != want {
		t.Errorf("got  %q\nwant %q", got, want)
	}
	if !strings.HasSuffix(got, "\n\n") {
		t.Error("front matter should end with a blank line")
	}
}
