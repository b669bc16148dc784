package docs

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"

	"github.com/jcdickinson/rsimpl/internal/config"
	"github.com/klauspost/compress/zstd"
	"golang.org/x/sync/singleflight"
)

// Fetcher downloads rustdoc JSON from docs.rs, backed by an in-memory and an
// on-disk cache. Concurrent requests for the same crate share one download.
type Fetcher struct {
	baseURL   string
	userAgent string
	client    *http.Client

	group singleflight.Group

	mu     sync.RWMutex
	crates map[string]*RustdocCrate
}

func NewFetcher(cfg config.DocsConfig) *Fetcher {
	baseURL := strings.TrimSuffix(cfg.BaseURL, "/")
	if baseURL == "" {
		baseURL = "https://docs.rs"
	}
	userAgent := cfg.UserAgent
	if userAgent == "" {
		userAgent = "rsimpl/0.1.0"
	}
	return &Fetcher{
		baseURL:   baseURL,
		userAgent: userAgent,
		client:    &http.Client{Timeout: cfg.Timeout},
		crates:    make(map[string]*RustdocCrate),
	}
}

// FetchRustdocJSON downloads and decompresses rustdoc JSON from docs.rs.
// The version "latest" is resolved by docs.rs via redirect.
func (f *Fetcher) FetchRustdocJSON(ctx context.Context, name, version string) ([]byte, error) {
	if version == "" {
		version = "latest"
	}

	url := fmt.Sprintf("%s/crate/%s/%s/json", f.baseURL, name, version)

	req, err := http.NewRequestWithContext(ctx, "GET", url, nil)
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("User-Agent", f.userAgent)

	resp, err := f.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetching %s: %w", url, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return nil, fmt.Errorf("docs.rs returned %d for %s/%s: %s", resp.StatusCode, name, version, string(body))
	}

	// docs.rs returns zstd-compressed JSON
	decoder, err := zstd.NewReader(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("creating zstd decoder: %w", err)
	}
	defer decoder.Close()

	data, err := io.ReadAll(decoder)
	if err != nil {
		return nil, fmt.Errorf("decompressing rustdoc JSON: %w", err)
	}

	return data, nil
}

// Crate returns the parsed rustdoc crate for spec, checking memory, then
// disk, then docs.rs. "latest" always goes to the network so that new
// releases are picked up; the result is cached under its real version.
func (f *Fetcher) Crate(ctx context.Context, spec CrateSpec) (*RustdocCrate, error) {
	version := spec.Version
	if version == "" {
		version = "latest"
	}
	key := spec.Name + "@" + version

	f.mu.RLock()
	c, ok := f.crates[key]
	f.mu.RUnlock()
	if ok {
		return c, nil
	}

	// The flight outlives any one caller: each caller stops waiting when its
	// own ctx ends, but the shared download keeps going for the others.
	ch := f.group.DoChan(key, func() (interface{}, error) {
		return f.load(context.WithoutCancel(ctx), spec.Name, version, key)
	})
	select {
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.(*RustdocCrate), nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// load resolves one crate through the disk cache or docs.rs and remembers it.
func (f *Fetcher) load(ctx context.Context, name, version, key string) (*RustdocCrate, error) {
	if version != "latest" && HasCrateCache(name, version) {
		c, err := loadCachedCrate(name, version)
		if err == nil {
			f.remember(key, c)
			return c, nil
		}
		slog.Warn("discarding unreadable rustdoc cache", "crate", key, "error", err)
	}

	data, err := f.FetchRustdocJSON(ctx, name, version)
	if err != nil {
		return nil, err
	}
	c, err := ParseCrate(data)
	if err != nil {
		return nil, err
	}

	realVersion := version
	if c.CrateVersion != nil && *c.CrateVersion != "" {
		realVersion = *c.CrateVersion
	}
	if err := SaveCrateCache(data, name, realVersion); err != nil {
		slog.Warn("failed to cache rustdoc JSON", "crate", name, "version", realVersion, "error", err)
	}

	f.remember(key, c)
	if realVersion != version {
		f.remember(name+"@"+realVersion, c)
	}
	return c, nil
}

func loadCachedCrate(name, version string) (*RustdocCrate, error) {
	data, err := LoadCrateCache(name, version)
	if err != nil {
		return nil, err
	}
	return ParseCrate(data)
}

func (f *Fetcher) remember(key string, c *RustdocCrate) {
	f.mu.Lock()
	f.crates[key] = c
	f.mu.Unlock()
}

// ClearMemory drops the in-memory crate cache and returns how many crates it
// held. A "latest" crate is held under two keys but counts once.
func (f *Fetcher) ClearMemory() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	distinct := make(map[*RustdocCrate]struct{}, len(f.crates))
	for _, c := range f.crates {
		distinct[c] = struct{}{}
	}
	f.crates = make(map[string]*RustdocCrate)
	return len(distinct)
}
