package implementors

import (
	"errors"
	"fmt"
	"sort"
	"unicode/utf8"
)

var (
	// ErrNoTypes is returned for a record whose Types list is empty.
	ErrNoTypes = errors.New("implementor record has no types")
	// ErrDuplicateLibrary is returned when a library appears twice in one index.
	ErrDuplicateLibrary = errors.New("duplicate library in implementor index")
	// ErrInvalidUTF8 is returned when a library name, text or type path is not valid UTF-8.
	ErrInvalidUTF8 = errors.New("implementor index is not valid UTF-8")
)

// Record is one documented trait implementation site.
type Record struct {
	Text      string   `json:"text"`      // markup for the impl header
	Synthetic bool     `json:"synthetic"` // compiler-synthesized (auto trait) impl
	Types     []string `json:"types"`     // fully qualified paths of the types involved
}

// Index maps a library (crate) name to its implementor records, in display order.
type Index map[string][]Record

// Libraries returns the library names in sorted order.
func (idx Index) Libraries() []string {
	names := make([]string, 0, len(idx))
	for name := range idx {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Len returns the total number of records across all libraries.
func (idx Index) Len() int {
	n := 0
	for _, recs := range idx {
		n += len(recs)
	}
	return n
}

// Validate checks that every record names at least one type and that all
// strings are valid UTF-8, so the index survives both wire formats unchanged.
func (idx Index) Validate() error {
	for _, lib := range idx.Libraries() {
		if !utf8.ValidString(lib) {
			return fmt.Errorf("library %q: %w", lib, ErrInvalidUTF8)
		}
		for i, rec := range idx[lib] {
			if len(rec.Types) == 0 {
				return fmt.Errorf("%s[%d]: %w", lib, i, ErrNoTypes)
			}
			if !utf8.ValidString(rec.Text) {
				return fmt.Errorf("%s[%d] text: %w", lib, i, ErrInvalidUTF8)
			}
			for _, t := range rec.Types {
				if !utf8.ValidString(t) {
					return fmt.Errorf("%s[%d] type %q: %w", lib, i, t, ErrInvalidUTF8)
				}
			}
		}
	}
	return nil
}

// InvolvedTypes returns the distinct type paths referenced by the index,
// in library order then record order.
func (idx Index) InvolvedTypes() []string {
	seen := make(map[string]bool)
	var out []string
	for _, lib := range idx.Libraries() {
		for _, rec := range idx[lib] {
			for _, t := range rec.Types {
				if !seen[t] {
					seen[t] = true
					out = append(out, t)
				}
			}
		}
	}
	return out
}

// Clone returns a deep copy so that a delivered index can't be mutated
// through the publisher's reference.
func (idx Index) Clone() Index {
	if idx == nil {
		return nil
	}
	out := make(Index, len(idx))
	for lib, recs := range idx {
		cp := make([]Record, len(recs))
		for i, r := range recs {
			cp[i] = Record{Text: r.Text, Synthetic: r.Synthetic, Types: append([]string(nil), r.Types...)}
		}
		out[lib] = cp
	}
	return out
}
