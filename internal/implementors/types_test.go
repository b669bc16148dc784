package implementors

import (
	"encoding/json"
	"errors"
	"testing"

	"github.com/google/go-cmp/cmp"
)

func TestIndex_Validate(t *testing.T) {
	t.Parallel()
	if err := sampleIndex().Validate(); err != nil {
		t.Fatal(err)
	}
	bad := Index{"x": {{Text: "impl", Types: nil}}}
	if err := bad.Validate(); !errors.Is(err, ErrNoTypes) {
		t.Errorf("expected ErrNoTypes, got %v", err)
	}

	for _, idx := range []Index{
		{"bad\xff": {{Text: "impl", Types: []string{"x::Y"}}}},
		{"x": {{Text: "impl \xff", Types: []string{"x::Y"}}}},
		{"x": {{Text: "impl", Types: []string{"x::\xffY"}}}},
	} {
		if err := idx.Validate(); !errors.Is(err, ErrInvalidUTF8) {
			t.Errorf("%v: expected ErrInvalidUTF8, got %v", idx, err)
		}
	}
}

func TestIndex_InvolvedTypes(t *testing.T) {
	t.Parallel()
	idx := Index{
		"b": {{Types: []string{"b::X", "a::A"}}},
		"a": {{Types: []string{"a::A"}}, {Types: []string{"a::B"}}},
	}
	want := []string{"a::A", "a::B", "b::X"}
	if diff := cmp.Diff(want, idx.InvolvedTypes()); diff != "" {
		t.Errorf("(-want +got):\n%s", diff)
	}
}

func TestIndex_CloneIsDeep(t *testing.T) {
	t.Parallel()
	idx := sampleIndex()
	cp := idx.Clone()
	cp["A"][0].Types[0] = "changed"
	if idx["A"][0].Types[0] != "a::A" {
		t.Error("clone shares type slices with the original")
	}
}

func TestRecord_JSONFieldNames(t *testing.T) {
	t.Parallel()
	b, err := json.Marshal(Record{Text: "impl", Synthetic: true, Types: []string{"a::B"}})
	if err != nil {
		t.Fatal(err)
	}
	want := `{"text":"impl","synthetic":true,"types":["a::B"]}`
	if string(b) != want {
		t.Errorf("got %s, want %s", b, want)
	}
}
