// Package urlutil normalizes filesystem paths into URL components.
package urlutil

import (
	"net/url"
	"regexp"
	"strings"
)

// Doubled slashes introduced by joining path segments, but never the
// intentional "//" that follows a protocol scheme.
var doubledSlash = regexp.MustCompile(`([^:])//+`)

// ToForwardSlashes rewrites OS path separators to forward slashes.
func ToForwardSlashes(p string) string {
	return strings.ReplaceAll(p, "\\", "/")
}

// CollapseSlashes removes accidental doubled slashes from a joined URL
// while preserving "scheme://".
func CollapseSlashes(u string) string {
	return doubledSlash.ReplaceAllString(u, "$1/")
}

// EscapeFragment percent-escapes characters unsafe in a URL fragment.
// Slash separators are preserved; each segment is escaped on its own.
func EscapeFragment(p string) string {
	segments := strings.Split(p, "/")
	for i, seg := range segments {
		segments[i] = url.PathEscape(seg)
	}
	return strings.Join(segments, "/")
}

// Join joins url parts with single slashes, collapsing duplicates.
func Join(parts ...string) string {
	return CollapseSlashes(strings.Join(parts, "/"))
}
