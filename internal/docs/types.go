package docs

import (
	"encoding/json"
	"fmt"
)

// RustdocCrate is the top-level structure of rustdoc JSON output.
type RustdocCrate struct {
	Root           int                       `json:"root"`
	CrateVersion   *string                   `json:"crate_version"`
	Index          map[string]RustdocItem    `json:"index"`
	Paths          map[string]RustdocSummary `json:"paths"`
	ExternalCrates map[string]ExternalCrate  `json:"external_crates"`
	FormatVersion  int                       `json:"format_version"`
}

// ExternalCrate identifies a dependency crate by name.
type ExternalCrate struct {
	Name        string `json:"name"`
	HTMLRootURL string `json:"html_root_url"`
}

// RustdocItem is a single item in the rustdoc index.
type RustdocItem struct {
	ID      int             `json:"id"`
	CrateID int             `json:"crate_id"`
	Name    *string         `json:"name"`
	Docs    *string         `json:"docs"`
	Links   map[string]int  `json:"links"`
	Inner   json.RawMessage `json:"inner"`
}

// RustdocSummary provides the path and kind for an item.
type RustdocSummary struct {
	CrateID int      `json:"crate_id"`
	Path    []string `json:"path"`
	Kind    string   `json:"kind"`
}

// CrateSpec names a crate release on docs.rs. An empty version means "latest".
type CrateSpec struct {
	Name    string
	Version string
}

func (s CrateSpec) String() string {
	v := s.Version
	if v == "" {
		v = "latest"
	}
	return s.Name + "@" + v
}

// ParseCrate decodes rustdoc JSON bytes.
func ParseCrate(data []byte) (*RustdocCrate, error) {
	var crate RustdocCrate
	if err := json.Unmarshal(data, &crate); err != nil {
		return nil, fmt.Errorf("unmarshaling rustdoc JSON: %w", err)
	}
	return &crate, nil
}

// innerKind extracts the kind from the inner JSON's single key.
func innerKind(inner json.RawMessage) string {
	if len(inner) == 0 {
		return "unknown"
	}
	var outer map[string]json.RawMessage
	if err := json.Unmarshal(inner, &outer); err != nil {
		return "unknown"
	}
	for k := range outer {
		return k
	}
	return "unknown"
}

// unwrapInner extracts the inner data for a given kind from a rustdoc Item's Inner field.
// Inner is shaped like {"struct": {...}} or {"impl": {...}}.
func unwrapInner(inner json.RawMessage, kind string) json.RawMessage {
	if len(inner) == 0 {
		return nil
	}
	var outer map[string]json.RawMessage
	if err := json.Unmarshal(inner, &outer); err != nil {
		return nil
	}
	data, ok := outer[kind]
	if !ok {
		return nil
	}
	return data
}
