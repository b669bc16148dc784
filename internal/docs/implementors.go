package docs

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"html"
	"log/slog"
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/jcdickinson/rsimpl/internal/implementors"
	"golang.org/x/sync/errgroup"
)

type implData struct {
	IsNegative  bool            `json:"is_negative"`
	IsSynthetic bool            `json:"is_synthetic"`
	Trait       *pathRef        `json:"trait"`
	For         json.RawMessage `json:"for"`
	BlanketImpl json.RawMessage `json:"blanket_impl"`
	Generics    struct {
		Params []struct {
			Name string          `json:"name"`
			Kind json.RawMessage `json:"kind"`
		} `json:"params"`
	} `json:"generics"`
}

// Implementors returns the records for every impl of traitPath in crate, in
// rustdoc item id order. Blanket impls are skipped, as are impls whose
// implementing type has no nameable path.
func Implementors(crate *RustdocCrate, crateName, traitPath string) []implementors.Record {
	ids := make([]string, 0, len(crate.Index))
	for id, item := range crate.Index {
		if item.CrateID == 0 && innerKind(item.Inner) == "impl" {
			ids = append(ids, id)
		}
	}
	sort.Slice(ids, func(i, j int) bool { return lessID(ids[i], ids[j]) })

	var records []implementors.Record
	for _, id := range ids {
		item := crate.Index[id]
		var impl implData
		if err := json.Unmarshal(unwrapInner(item.Inner, "impl"), &impl); err != nil {
			slog.Debug("skipping malformed impl", "crate", crateName, "id", id, "error", err)
			continue
		}
		if impl.Trait == nil || isBlanket(impl.BlanketImpl) {
			continue
		}
		if implTraitPath(crate, *impl.Trait) != traitPath {
			continue
		}

		rec, ok := implRecord(crate, crateName, &impl)
		if !ok {
			slog.Debug("skipping impl without type path", "crate", crateName, "id", id)
			continue
		}
		records = append(records, rec)
	}
	return records
}

func implRecord(crate *RustdocCrate, crateName string, impl *implData) (implementors.Record, bool) {
	m := newTypeMarkup(crate, crateName)

	// The implementing type is rendered first so its path leads Types.
	forHTML := m.render(impl.For)
	traitHTML := m.anchor(*impl.Trait, "trait")
	if impl.Trait.Args != nil {
		traitHTML += m.genericArgs(*impl.Trait.Args)
	}
	if len(m.types) == 0 {
		return implementors.Record{}, false
	}

	var b strings.Builder
	b.WriteString("impl")
	if params := genericParams(impl); len(params) > 0 {
		b.WriteString("&lt;" + strings.Join(params, ", ") + "&gt;")
	}
	b.WriteString(" ")
	if impl.IsNegative {
		b.WriteString("!")
	}
	b.WriteString(traitHTML)
	b.WriteString(" for ")
	b.WriteString(forHTML)

	return implementors.Record{
		Text:      b.String(),
		Synthetic: impl.IsSynthetic,
		Types:     m.types,
	}, true
}

func genericParams(impl *implData) []string {
	var out []string
	for _, p := range impl.Generics.Params {
		// impl-Trait arguments show up as synthetic type params.
		if strings.HasPrefix(p.Name, "impl ") || bytes.Contains(p.Kind, []byte(`"is_synthetic":true`)) {
			continue
		}
		out = append(out, html.EscapeString(p.Name))
	}
	return out
}

// implTraitPath resolves the fully qualified path of an impl's trait.
func implTraitPath(crate *RustdocCrate, trait pathRef) string {
	if summary, ok := crate.Paths[strconv.Itoa(trait.ID)]; ok && len(summary.Path) > 0 {
		return strings.Join(summary.Path, "::")
	}
	if strings.Contains(trait.Path, "::") {
		return trait.Path
	}
	return trait.Name
}

func isBlanket(raw json.RawMessage) bool {
	raw = bytes.TrimSpace(raw)
	return len(raw) > 0 && !bytes.Equal(raw, []byte("null"))
}

// lessID orders rustdoc ids numerically when possible.
func lessID(a, b string) bool {
	ai, aerr := strconv.Atoi(a)
	bi, berr := strconv.Atoi(b)
	if aerr == nil && berr == nil {
		return ai < bi
	}
	return a < b
}

// Builder assembles implementor indexes across several crates.
type Builder struct {
	fetcher     *Fetcher
	concurrency int
}

func NewBuilder(fetcher *Fetcher, concurrency int) *Builder {
	if concurrency <= 0 {
		concurrency = 1
	}
	return &Builder{fetcher: fetcher, concurrency: concurrency}
}

// Build fetches every crate in specs and collects the implementors of
// traitPath into an index keyed by crate name. Crates without implementors
// are left out. The first fetch error cancels the remaining work.
func (b *Builder) Build(ctx context.Context, specs []CrateSpec, traitPath string, progress func(string)) (implementors.Index, error) {
	if traitPath == "" {
		return nil, fmt.Errorf("missing trait path")
	}

	var progressMu sync.Mutex
	report := func(msg string) {
		if progress == nil {
			return
		}
		progressMu.Lock()
		defer progressMu.Unlock()
		progress(msg)
	}

	results := make([][]implementors.Record, len(specs))
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(b.concurrency)
	for i, spec := range specs {
		g.Go(func() error {
			report(fmt.Sprintf("fetching rustdoc for %s", spec))
			crate, err := b.fetcher.Crate(ctx, spec)
			if err != nil {
				return fmt.Errorf("%s: %w", spec, err)
			}
			results[i] = Implementors(crate, spec.Name, traitPath)
			report(fmt.Sprintf("found %d implementors of %s in %s", len(results[i]), traitPath, spec))
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	idx := make(implementors.Index)
	for i, spec := range specs {
		if len(results[i]) == 0 {
			continue
		}
		idx[spec.Name] = append(idx[spec.Name], results[i]...)
	}
	return idx, nil
}
