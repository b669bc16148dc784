package cas

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/jcdickinson/rsimpl/internal/config"
	"github.com/jcdickinson/rsimpl/internal/implementors"
	"github.com/klauspost/compress/zstd"
)

// Dir returns the CAS directory path.
func Dir() string {
	return config.CASDir()
}

// path returns the sharded file path for a hash: cas/<first2>/<rest>.json.zst
func path(hash string) (string, error) {
	if len(hash) != sha256.Size*2 {
		return "", fmt.Errorf("invalid snapshot hash %q", hash)
	}
	if _, err := hex.DecodeString(hash); err != nil {
		return "", fmt.Errorf("invalid snapshot hash %q", hash)
	}
	return filepath.Join(Dir(), hash[:2], hash[2:]+".json.zst"), nil
}

// WriteIndex stores a snapshot of idx, returning the SHA-256 of its JSON
// encoding. Map keys are encoded in sorted order so equal indexes share a hash.
// If the snapshot already exists, this is a no-op.
func WriteIndex(idx implementors.Index) (string, error) {
	data, err := json.Marshal(idx)
	if err != nil {
		return "", fmt.Errorf("encoding index snapshot: %w", err)
	}
	hash := fmt.Sprintf("%x", sha256.Sum256(data))

	p, err := path(hash)
	if err != nil {
		return "", err
	}
	if _, err := os.Stat(p); err == nil {
		return hash, nil
	}

	if err := os.MkdirAll(filepath.Dir(p), 0755); err != nil {
		return "", fmt.Errorf("creating CAS directory: %w", err)
	}

	var buf bytes.Buffer
	w, err := zstd.NewWriter(&buf)
	if err != nil {
		return "", fmt.Errorf("creating zstd writer: %w", err)
	}
	if _, err := w.Write(data); err != nil {
		w.Close()
		return "", fmt.Errorf("compressing snapshot: %w", err)
	}
	if err := w.Close(); err != nil {
		return "", fmt.Errorf("closing zstd writer: %w", err)
	}

	if err := os.WriteFile(p, buf.Bytes(), 0644); err != nil {
		return "", fmt.Errorf("writing CAS file: %w", err)
	}

	return hash, nil
}

// ReadIndex retrieves a snapshot by hash.
func ReadIndex(hash string) (implementors.Index, error) {
	p, err := path(hash)
	if err != nil {
		return nil, err
	}
	f, err := os.Open(p)
	if err != nil {
		return nil, fmt.Errorf("reading CAS file %s: %w", hash, err)
	}
	defer f.Close()

	r, err := zstd.NewReader(f)
	if err != nil {
		return nil, fmt.Errorf("creating zstd reader: %w", err)
	}
	defer r.Close()

	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("decompressing CAS file %s: %w", hash, err)
	}

	var idx implementors.Index
	if err := json.Unmarshal(data, &idx); err != nil {
		return nil, fmt.Errorf("decoding snapshot %s: %w", hash, err)
	}
	return idx, nil
}

// Has reports whether a snapshot with the given hash is stored.
func Has(hash string) bool {
	p, err := path(hash)
	if err != nil {
		return false
	}
	_, err = os.Stat(p)
	return err == nil
}
