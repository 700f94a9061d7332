package project

import (
	"path/filepath"
	"strings"

	"github.com/sergeknystautas/specmux/internal/config"
	"github.com/sergeknystautas/specmux/pkg/urlutil"
)

// AllSpecs is the sentinel spec path meaning "run everything".
const AllSpecs = "__all"

// GetSpecURL returns the runner URL that focuses the given spec, computed
// off the browser URL: <browserUrl>/#/tests/<escaped prefixed path>. An
// empty path and the AllSpecs sentinel both yield the aggregate-run URL.
// specType selects the spec folder ("integration" or "component") and may
// differ from the session's active type.
func GetSpecURL(cfg *config.Snapshot, absoluteSpecPath, specType string) string {
	if cfg == nil {
		return ""
	}
	prefixed := AllSpecs
	if absoluteSpecPath != "" && absoluteSpecPath != AllSpecs {
		prefixed = GetPrefixedPathToSpec(cfg, absoluteSpecPath, specType)
	}
	escaped := urlutil.EscapeFragment(prefixed)
	return urlutil.CollapseSlashes(cfg.BrowserURL + "/#/tests/" + escaped)
}

// GetPrefixedPathToSpec turns an absolute spec path into the runner's
// folder-prefixed form, e.g. "/integration/foo/bar.js", independent of the
// host path-separator convention. Paths outside the given type's spec
// folder fall back to being relative to the project root; unrelatable paths
// pass through in forward-slash form.
func GetPrefixedPathToSpec(cfg *config.Snapshot, absoluteSpecPath, specType string) string {
	folder := cfg.SpecFolder(specType)

	if rel, err := filepath.Rel(folder, absoluteSpecPath); err == nil && !strings.HasPrefix(rel, "..") {
		return "/" + specType + "/" + urlutil.ToForwardSlashes(rel)
	}
	if rel, err := filepath.Rel(cfg.ProjectRoot, absoluteSpecPath); err == nil && !strings.HasPrefix(rel, "..") {
		return "/" + urlutil.ToForwardSlashes(rel)
	}
	return urlutil.ToForwardSlashes(absoluteSpecPath)
}
