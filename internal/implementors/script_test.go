package implementors

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"
)

func loadTestScript(t *testing.T) []byte {
	t.Helper()
	data, err := os.ReadFile(filepath.Join("testdata", "trait.ExactSizeIterator.js"))
	if err != nil {
		t.Fatal(err)
	}
	return data
}

func TestParseScript_Generated(t *testing.T) {
	t.Parallel()
	idx, err := ParseScript(loadTestScript(t))
	if err != nil {
		t.Fatal(err)
	}

	wantCounts := map[string]int{
		"generic_array": 1,
		"nalgebra":      6,
		"rand":          3,
		"thread_local":  2,
	}
	if len(idx) != len(wantCounts) {
		t.Fatalf("got %d libraries, want %d: %v", len(idx), len(wantCounts), idx.Libraries())
	}
	for lib, n := range wantCounts {
		if len(idx[lib]) != n {
			t.Errorf("%s: got %d records, want %d", lib, len(idx[lib]), n)
		}
	}

	wantTypes := []string{
		"nalgebra::base::iter::MatrixIter",
		"nalgebra::base::iter::MatrixIterMut",
		"nalgebra::base::iter::RowIter",
		"nalgebra::base::iter::RowIterMut",
		"nalgebra::base::iter::ColumnIter",
		"nalgebra::base::iter::ColumnIterMut",
	}
	for i, rec := range idx["nalgebra"] {
		if diff := cmp.Diff([]string{wantTypes[i]}, rec.Types); diff != "" {
			t.Errorf("nalgebra[%d] types (-want +got):\n%s", i, diff)
		}
		if rec.Synthetic {
			t.Errorf("nalgebra[%d] should not be synthetic", i)
		}
	}

	first := idx["generic_array"][0].Text
	if !strings.HasPrefix(first, "impl&lt;T, N&gt; <a class=\"trait\"") {
		t.Errorf("escaped quotes not decoded: %q", first[:40])
	}
}

func TestRenderScript_RoundTrip(t *testing.T) {
	t.Parallel()
	orig, err := ParseScript(loadTestScript(t))
	if err != nil {
		t.Fatal(err)
	}

	rendered := RenderScript(orig)
	if !strings.Contains(string(rendered), "window.register_implementors(implementors)") {
		t.Error("rendered script missing register trailer")
	}

	got, err := ParseScript(rendered)
	if err != nil {
		t.Fatalf("re-parsing rendered script: %v", err)
	}
	if diff := cmp.Diff(orig, got); diff != "" {
		t.Errorf("round trip mismatch (-want +got):\n%s", diff)
	}
}

func TestRenderScript_Escaping(t *testing.T) {
	t.Parallel()
	idx := Index{
		`we"ird`: {{Text: "line\nbreak \\ \"quoted\"  ", Synthetic: true, Types: []string{"x::Y"}}},
		"empty":  {},
	}
	out := RenderScript(idx)
	if !strings.Contains(string(out), `implementors["empty"] = [];`) {
		t.Errorf("empty library not rendered as empty array:\n%s", out)
	}
	got, err := ParseScript(out)
	if err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff(idx, got); diff != "" {
		t.Errorf("(-want +got):\n%s", diff)
	}
}

func TestParseScript_Variants(t *testing.T) {
	t.Parallel()
	src := `implementors['a'] = [ { types : [ "a::X" , ] , synthetic : true , text : 'it\'s \x41B' , } , ] ;`
	idx, err := ParseScript([]byte(src))
	if err != nil {
		t.Fatal(err)
	}
	want := Index{"a": {{Text: "it's AB", Synthetic: true, Types: []string{"a::X"}}}}
	if diff := cmp.Diff(want, idx); diff != "" {
		t.Errorf("(-want +got):\n%s", diff)
	}
}

func TestParseScript_Empty(t *testing.T) {
	t.Parallel()
	idx, err := ParseScript([]byte("(function() {var implementors = {};\n})()"))
	if err != nil {
		t.Fatal(err)
	}
	if len(idx) != 0 {
		t.Errorf("expected empty index, got %v", idx)
	}
}

func TestParseScript_Errors(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name   string
		src    string
		target error
	}{
		{"duplicate_library", `implementors["a"] = [];implementors["a"] = [];`, ErrDuplicateLibrary},
		{"no_types", `implementors["a"] = [{text:"x",synthetic:false,types:[]}];`, ErrNoTypes},
		{"unknown_field", `implementors["a"] = [{txt:"x"}];`, nil},
		{"unterminated_string", `implementors["a] = [];`, nil},
		{"bad_bool", `implementors["a"] = [{synthetic:maybe}];`, nil},
		{"missing_semicolon", `implementors["a"] = []`, nil},
		{"malformed_later_statement", "implementors[\"a\"] = [];\nimplementors.b = [];", nil},
		{"json_body", `{"a":[{"text":"x","synthetic":false,"types":["a::X"]}]}`, nil},
		{"unclosed_wrapper", "(function() {var implementors = {};\nimplementors[\"a\"] = [];\n", nil},
		{"code_after_wrapper", "(function() {var implementors = {};\n})()\nalert(1);", nil},
		{"invalid_utf8", "implementors[\"a\"] = [{text:\"\xff\",synthetic:false,types:[\"a::X\"]}];", ErrInvalidUTF8},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseScript([]byte(tt.src))
			if err == nil {
				t.Fatal("expected error")
			}
			if tt.target != nil {
				if !errors.Is(err, tt.target) {
					t.Errorf("expected %v, got %v", tt.target, err)
				}
				return
			}
			var se *SyntaxError
			if !errors.As(err, &se) {
				t.Errorf("expected *SyntaxError, got %T: %v", err, err)
			}
		})
	}
}

func TestParseScript_SpacedSubscript(t *testing.T) {
	t.Parallel()
	src := "implementors[\"a\"] = [{text:\"x\",synthetic:false,types:[\"a::X\"]}];\nimplementors [\"b\"] = [{text:\"y\",synthetic:false,types:[\"b::Y\"]}];"
	idx, err := ParseScript([]byte(src))
	if err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff([]string{"a", "b"}, idx.Libraries()); diff != "" {
		t.Errorf("libraries (-want +got):\n%s", diff)
	}
}

func TestParseScript_UnicodeEscapes(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name string
		lit  string
		want string
	}{
		{"surrogate_pair", `\ud83d\ude00`, "\U0001F600"},
		{"code_point", `\u{1F600}`, "\U0001F600"},
		{"bmp", `\u00e9`, "\u00e9"},
		{"lone_high", `\ud83d x`, "\uFFFD x"},
		{"lone_low", `\ude00`, "\uFFFD"},
		{"high_then_bmp", `\ud83d\u0041`, "\uFFFDA"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			src := `implementors["a"] = [{text:"` + tt.lit + `",synthetic:false,types:["a::X"]}];`
			idx, err := ParseScript([]byte(src))
			if err != nil {
				t.Fatal(err)
			}
			if got := idx["a"][0].Text; got != tt.want {
				t.Errorf("got %q, want %q", got, tt.want)
			}
		})
	}
}

func TestRenderScript_NonBMPRoundTrip(t *testing.T) {
	t.Parallel()
	idx := Index{"a": {{Text: "impl Emoji for \U0001F600 \u2028", Types: []string{"a::X"}}}}
	got, err := ParseScript(RenderScript(idx))
	if err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff(idx, got); diff != "" {
		t.Errorf("(-want +got):\n%s", diff)
	}
}
