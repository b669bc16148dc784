package docs

import (
	"fmt"
	"net/url"
	"strings"
)

// HrefToRsdoc converts an href found in implementor markup to an rsdoc:// URI.
// Three shapes are understood:
//
//	nalgebra/base/struct.Matrix.html                       (relative, version used as given)
//	https://docs.rs/rand/0.6.5/rand/seq/struct.Iter.html   (docs.rs)
//	https://doc.rust-lang.org/nightly/core/option/enum.Option.html
//
// Returns "" for anything else.
func HrefToRsdoc(href, version string) string {
	if version == "" {
		version = "latest"
	}
	u, err := url.Parse(href)
	if err != nil {
		return ""
	}

	switch {
	case u.Scheme == "" && u.Host == "":
		path := strings.TrimLeft(u.Path, "./")
		if path == "" {
			return ""
		}
		return itemPathToRsdoc(strings.Split(path, "/"), version)
	case isDocsRsHost(u.Host):
		return docsRsToRsdoc(href)
	case u.Host == "doc.rust-lang.org":
		// /{channel}/{crate}/... where channel is nightly, stable, beta or a version.
		parts := strings.SplitN(strings.Trim(u.Path, "/"), "/", 2)
		if len(parts) < 2 {
			return ""
		}
		return itemPathToRsdoc(strings.Split(parts[1], "/"), "latest")
	}
	return ""
}

func isDocsRsHost(host string) bool {
	return host == "docs.rs" || host == "www.docs.rs"
}

// itemPathToRsdoc maps rustdoc HTML path segments (crate, modules, then
// index.html or {kind}.{Name}.html) to an rsdoc:// URI.
func itemPathToRsdoc(segments []string, version string) string {
	for len(segments) > 0 && segments[len(segments)-1] == "" {
		segments = segments[:len(segments)-1]
	}
	if len(segments) == 0 {
		return ""
	}

	last := segments[len(segments)-1]
	if strings.HasSuffix(last, ".html") {
		if last == "index.html" {
			segments = segments[:len(segments)-1]
		} else {
			base := strings.TrimSuffix(last, ".html")
			if dotIdx := strings.Index(base, "."); dotIdx >= 0 {
				segments[len(segments)-1] = base[dotIdx+1:]
			}
		}
	}
	if len(segments) == 0 {
		return ""
	}

	crateName := strings.ReplaceAll(segments[0], "_", "-")
	return fmt.Sprintf("rsdoc://%s/%s/%s", crateName, version, strings.Join(segments, "::"))
}

// docsRsToRsdoc converts a single docs.rs URL to an rsdoc:// URI.
// Returns "" if the URL can't be converted (e.g. crate info pages).
func docsRsToRsdoc(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil {
		return ""
	}

	path := strings.Trim(u.Path, "/")

	// Skip /crate/ info pages
	if strings.HasPrefix(path, "crate/") {
		return ""
	}

	parts := strings.SplitN(path, "/", 3)
	if len(parts) < 3 {
		return ""
	}

	crateName := parts[0]
	version := parts[1]
	segments := strings.Split(parts[2], "/")

	uri := itemPathToRsdoc(segments, version)
	if uri == "" {
		return ""
	}
	// Keep the Cargo package name from the URL; the lib name uses underscores.
	rest := strings.SplitN(strings.TrimPrefix(uri, "rsdoc://"), "/", 2)[1]
	return fmt.Sprintf("rsdoc://%s/%s", crateName, rest)
}
