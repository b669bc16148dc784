package docs

import (
	"bytes"
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/jcdickinson/rsimpl/internal/config"
	"github.com/jcdickinson/rsimpl/internal/implementors"
	"github.com/klauspost/compress/zstd"
)

const exactSize = "core::iter::traits::exact_size::ExactSizeIterator"

// fixtureCrate is a trimmed rustdoc JSON document with a handful of impls.
const fixtureCrate = `{
  "root": 0,
  "crate_version": "1.0.0",
  "format_version": 39,
  "external_crates": {
    "1": {"name": "core", "html_root_url": "https://doc.rust-lang.org/nightly/"}
  },
  "paths": {
    "1": {"crate_id": 0, "path": ["mycrate", "iter", "Iter"], "kind": "struct"},
    "2": {"crate_id": 1, "path": ["core", "iter", "traits", "exact_size", "ExactSizeIterator"], "kind": "trait"},
    "3": {"crate_id": 0, "path": ["mycrate", "Wrapper"], "kind": "struct"},
    "4": {"crate_id": 1, "path": ["core", "fmt", "Debug"], "kind": "trait"}
  },
  "index": {
    "10": {"id": 10, "crate_id": 0, "name": null, "inner": {"impl": {
      "is_negative": false, "is_synthetic": false,
      "generics": {"params": [{"name": "T", "kind": {"type": {"bounds": [], "default": null, "is_synthetic": false}}}]},
      "trait": {"path": "ExactSizeIterator", "id": 2, "args": null},
      "for": {"resolved_path": {"path": "Iter", "id": 1, "args": {"angle_bracketed": {"args": [{"type": {"generic": "T"}}], "constraints": []}}}},
      "blanket_impl": null
    }}},
    "5": {"id": 5, "crate_id": 0, "name": null, "inner": {"impl": {
      "is_negative": false, "is_synthetic": true,
      "generics": {"params": []},
      "trait": {"path": "ExactSizeIterator", "id": 2, "args": null},
      "for": {"resolved_path": {"path": "Wrapper", "id": 3, "args": null}},
      "blanket_impl": null
    }}},
    "7": {"id": 7, "crate_id": 0, "name": null, "inner": {"impl": {
      "generics": {"params": [{"name": "U", "kind": {"type": {"bounds": []}}}]},
      "trait": {"path": "ExactSizeIterator", "id": 2, "args": null},
      "for": {"generic": "U"},
      "blanket_impl": {"generic": "U"}
    }}},
    "8": {"id": 8, "crate_id": 0, "name": null, "inner": {"impl": {
      "generics": {"params": []},
      "trait": {"path": "Debug", "id": 4, "args": null},
      "for": {"resolved_path": {"path": "Wrapper", "id": 3, "args": null}},
      "blanket_impl": null
    }}},
    "12": {"id": 12, "crate_id": 0, "name": null, "inner": {"impl": {
      "generics": {"params": []},
      "trait": {"path": "ExactSizeIterator", "id": 2, "args": null},
      "for": {"generic": "V"},
      "blanket_impl": null
    }}},
    "20": {"id": 20, "crate_id": 0, "name": "Iter", "inner": {"struct": {}}}
  }
}`

const esiAnchor = `<a class="trait" href="https://doc.rust-lang.org/nightly/core/iter/traits/exact_size/trait.ExactSizeIterator.html" title="trait core::iter::traits::exact_size::ExactSizeIterator">ExactSizeIterator</a>`

func TestImplementors(t *testing.T) {
	t.Parallel()
	crate, err := ParseCrate([]byte(fixtureCrate))
	if err != nil {
		t.Fatal(err)
	}

	got := Implementors(crate, "mycrate", exactSize)
	want := []implementors.Record{
		{
			Text:      `impl ` + esiAnchor + ` for <a class="struct" href="mycrate/struct.Wrapper.html" title="struct mycrate::Wrapper">Wrapper</a>`,
			Synthetic: true,
			Types:     []string{"mycrate::Wrapper"},
		},
		{
			Text:  `impl&lt;T&gt; ` + esiAnchor + ` for <a class="struct" href="mycrate/iter/struct.Iter.html" title="struct mycrate::iter::Iter">Iter</a>&lt;T&gt;`,
			Types: []string{"mycrate::iter::Iter"},
		},
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("Implementors mismatch (-want +got):\n%s", diff)
	}
}

func TestImplementors_OtherTrait(t *testing.T) {
	t.Parallel()
	crate, err := ParseCrate([]byte(fixtureCrate))
	if err != nil {
		t.Fatal(err)
	}
	got := Implementors(crate, "mycrate", "core::fmt::Debug")
	if len(got) != 1 {
		t.Fatalf("got %d records, want 1", len(got))
	}
	if !strings.Contains(got[0].Text, "Wrapper") {
		t.Errorf("unexpected record text %q", got[0].Text)
	}
	if got := Implementors(crate, "mycrate", "core::clone::Clone"); len(got) != 0 {
		t.Errorf("expected no implementors of Clone, got %d", len(got))
	}
}

func TestLessID(t *testing.T) {
	t.Parallel()
	if !lessID("5", "10") {
		t.Error("5 should sort before 10")
	}
	if lessID("10", "5") {
		t.Error("10 should not sort before 5")
	}
	if !lessID("0:1", "0:2") {
		t.Error("non-numeric ids should sort lexically")
	}
}

func compress(t *testing.T, data []byte) []byte {
	t.Helper()
	var buf bytes.Buffer
	w, err := zstd.NewWriter(&buf)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := w.Write(data); err != nil {
		t.Fatal(err)
	}
	if err := w.Close(); err != nil {
		t.Fatal(err)
	}
	return buf.Bytes()
}

func docsServer(t *testing.T, hits *atomic.Int32) *httptest.Server {
	t.Helper()
	body := compress(t, []byte(fixtureCrate))
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		switch r.URL.Path {
		case "/crate/mycrate/1.0.0/json", "/crate/mycrate/latest/json":
			w.Write(body)
		default:
			http.Error(w, "not found", http.StatusNotFound)
		}
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestBuilder_Build(t *testing.T) {
	t.Setenv("XDG_CACHE_HOME", t.TempDir())
	var hits atomic.Int32
	srv := docsServer(t, &hits)

	b := NewBuilder(NewFetcher(config.DocsConfig{BaseURL: srv.URL}), 2)
	var progress []string
	idx, err := b.Build(context.Background(), []CrateSpec{{Name: "mycrate", Version: "1.0.0"}}, exactSize, func(msg string) {
		progress = append(progress, msg)
	})
	if err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff([]string{"mycrate"}, idx.Libraries()); diff != "" {
		t.Errorf("libraries (-want +got):\n%s", diff)
	}
	if n := len(idx["mycrate"]); n != 2 {
		t.Errorf("got %d records, want 2", n)
	}
	if len(progress) != 2 {
		t.Errorf("got %d progress messages, want 2: %v", len(progress), progress)
	}

	// A second fetcher reads the disk cache instead of the network.
	before := hits.Load()
	b2 := NewBuilder(NewFetcher(config.DocsConfig{BaseURL: srv.URL}), 1)
	if _, err := b2.Build(context.Background(), []CrateSpec{{Name: "mycrate", Version: "1.0.0"}}, exactSize, nil); err != nil {
		t.Fatal(err)
	}
	if hits.Load() != before {
		t.Errorf("expected cached build to skip the network, hits went %d -> %d", before, hits.Load())
	}
}

func TestBuilder_OmitsCratesWithoutImplementors(t *testing.T) {
	t.Setenv("XDG_CACHE_HOME", t.TempDir())
	var hits atomic.Int32
	srv := docsServer(t, &hits)

	b := NewBuilder(NewFetcher(config.DocsConfig{BaseURL: srv.URL}), 4)
	idx, err := b.Build(context.Background(), []CrateSpec{{Name: "mycrate"}}, "core::clone::Clone", nil)
	if err != nil {
		t.Fatal(err)
	}
	if len(idx) != 0 {
		t.Errorf("expected empty index, got %v", idx.Libraries())
	}
}

func TestBuilder_FetchError(t *testing.T) {
	t.Setenv("XDG_CACHE_HOME", t.TempDir())
	var hits atomic.Int32
	srv := docsServer(t, &hits)

	b := NewBuilder(NewFetcher(config.DocsConfig{BaseURL: srv.URL}), 2)
	_, err := b.Build(context.Background(), []CrateSpec{{Name: "missing", Version: "0.1.0"}}, exactSize, nil)
	if err == nil {
		t.Fatal("expected error for missing crate")
	}
	if !strings.Contains(err.Error(), "missing@0.1.0") {
		t.Errorf("error should name the crate: %v", err)
	}
}

func TestFetcher_LatestSharesMemory(t *testing.T) {
	t.Setenv("XDG_CACHE_HOME", t.TempDir())
	var hits atomic.Int32
	srv := docsServer(t, &hits)

	f := NewFetcher(config.DocsConfig{BaseURL: srv.URL})
	if _, err := f.Crate(context.Background(), CrateSpec{Name: "mycrate"}); err != nil {
		t.Fatal(err)
	}
	// latest resolved to 1.0.0, which is now remembered under both keys.
	if _, err := f.Crate(context.Background(), CrateSpec{Name: "mycrate", Version: "1.0.0"}); err != nil {
		t.Fatal(err)
	}
	if got := hits.Load(); got != 1 {
		t.Errorf("got %d requests, want 1", got)
	}
	if !HasCrateCache("mycrate", "1.0.0") {
		t.Error("expected disk cache under the resolved version")
	}
	if n := f.ClearMemory(); n != 1 {
		t.Errorf("ClearMemory() = %d, want 1", n)
	}
}

func TestFetcher_SharedFetchSurvivesCallerCancel(t *testing.T) {
	t.Setenv("XDG_CACHE_HOME", t.TempDir())
	body := compress(t, []byte(fixtureCrate))

	var hits atomic.Int32
	started := make(chan struct{}, 1)
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		select {
		case started <- struct{}{}:
		default:
		}
		<-release
		w.Write(body)
	}))
	t.Cleanup(srv.Close)
	var once sync.Once
	unblock := func() { once.Do(func() { close(release) }) }
	t.Cleanup(unblock)

	f := NewFetcher(config.DocsConfig{BaseURL: srv.URL})
	spec := CrateSpec{Name: "mycrate", Version: "1.0.0"}

	ctxA, cancelA := context.WithCancel(context.Background())
	errA := make(chan error, 1)
	go func() {
		_, err := f.Crate(ctxA, spec)
		errA <- err
	}()
	<-started

	type result struct {
		crate *RustdocCrate
		err   error
	}
	resB := make(chan result, 1)
	go func() {
		c, err := f.Crate(context.Background(), spec)
		resB <- result{c, err}
	}()
	// Give the second caller time to join the in-flight download.
	time.Sleep(100 * time.Millisecond)

	cancelA()
	if err := <-errA; !errors.Is(err, context.Canceled) {
		t.Errorf("cancelled caller: got %v, want context.Canceled", err)
	}

	unblock()
	got := <-resB
	if got.err != nil {
		t.Fatalf("second caller failed: %v", got.err)
	}
	if got.crate == nil {
		t.Fatal("second caller got no crate")
	}
	if n := hits.Load(); n != 1 {
		t.Errorf("got %d requests, want 1", n)
	}
}

func TestBuilder_MissingTrait(t *testing.T) {
	t.Parallel()
	b := NewBuilder(nil, 1)
	if _, err := b.Build(context.Background(), nil, "", nil); err == nil {
		t.Error("expected error for empty trait path")
	}
}
