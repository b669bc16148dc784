package docs

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/jcdickinson/rsimpl/internal/config"
	"github.com/klauspost/compress/zstd"
)

func crateCachePath(name, version string) string {
	safe := strings.NewReplacer("/", "_", "\\", "_").Replace(name + "_" + version)
	return filepath.Join(config.JSONCacheDir(), safe+".json.zst")
}

// SaveCrateCache compresses and saves rustdoc JSON bytes to disk. The file is
// written under a temporary name and renamed so readers never see a partial file.
func SaveCrateCache(data []byte, name, version string) error {
	dir := config.JSONCacheDir()
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("creating json cache dir: %w", err)
	}

	f, err := os.CreateTemp(dir, ".partial-*")
	if err != nil {
		return fmt.Errorf("creating cache file: %w", err)
	}
	tmp := f.Name()
	defer os.Remove(tmp)

	w, err := zstd.NewWriter(f)
	if err != nil {
		f.Close()
		return fmt.Errorf("creating zstd writer: %w", err)
	}
	if _, err := w.Write(data); err != nil {
		w.Close()
		f.Close()
		return fmt.Errorf("writing compressed data: %w", err)
	}
	if err := w.Close(); err != nil {
		f.Close()
		return fmt.Errorf("closing zstd writer: %w", err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("closing cache file: %w", err)
	}
	return os.Rename(tmp, crateCachePath(name, version))
}

// LoadCrateCache loads and decompresses cached rustdoc JSON from disk.
func LoadCrateCache(name, version string) ([]byte, error) {
	f, err := os.Open(crateCachePath(name, version))
	if err != nil {
		return nil, fmt.Errorf("opening cache file: %w", err)
	}
	defer f.Close()

	r, err := zstd.NewReader(f)
	if err != nil {
		return nil, fmt.Errorf("creating zstd reader: %w", err)
	}
	defer r.Close()

	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("decompressing cached rustdoc JSON: %w", err)
	}
	return data, nil
}

// HasCrateCache checks whether a cached rustdoc JSON file exists on disk.
func HasCrateCache(name, version string) bool {
	_, err := os.Stat(crateCachePath(name, version))
	return err == nil
}
