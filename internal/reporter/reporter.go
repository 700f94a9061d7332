// Package reporter resolves and instantiates test reporters. Result
// formatting itself lives in the reporter modules; this package only finds
// them, checks compatibility, and constructs them.
package reporter

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/Masterminds/semver/v3"

	"github.com/sergeknystautas/specmux/internal/errs"
)

// supportedAPI is the reporter API range this runner can drive.
var supportedAPI = mustConstraint("^1.0.0")

// builtins ship with the runner and need no manifest on disk.
var builtins = map[string]bool{
	"spec":  true,
	"json":  true,
	"junit": true,
}

// Definition is the manifest of a custom reporter module (reporter.json in
// the module directory).
type Definition struct {
	Name       string `json:"name"`
	Version    string `json:"version"`
	APIVersion string `json:"apiVersion"`
	Entry      string `json:"entry"`

	// Dir is where the manifest was found; not part of the manifest itself.
	Dir string `json:"-"`
}

// Reporter is an instantiated reporter ready to receive results.
type Reporter struct {
	Name    string
	Options map[string]any
	Def     *Definition // nil for builtins
}

// ResolveSearchPaths returns the directories checked for a custom reporter,
// in search order.
func ResolveSearchPaths(name, projectRoot string) []string {
	paths := []string{
		filepath.Join(projectRoot, "reporters", name),
		filepath.Join(projectRoot, "node_modules", name),
	}
	if homeDir, err := os.UserHomeDir(); err == nil {
		paths = append(paths, filepath.Join(homeDir, ".specmux", "reporters", name))
	}
	return paths
}

// Load finds a reporter by name. A module that exists nowhere on the search
// paths yields a reporter-resolution error carrying the searched paths; a
// module that exists but fails to load propagates the underlying failure.
func Load(name, projectRoot string) (*Definition, error) {
	if builtins[name] {
		return nil, nil
	}

	searched := ResolveSearchPaths(name, projectRoot)
	for _, dir := range searched {
		manifestPath := filepath.Join(dir, "reporter.json")
		data, err := os.ReadFile(manifestPath)
		if err != nil {
			if os.IsNotExist(err) {
				continue
			}
			return nil, fmt.Errorf("failed to read reporter manifest %s: %w", manifestPath, err)
		}

		var def Definition
		if err := json.Unmarshal(data, &def); err != nil {
			// Found but broken is a load failure, not "not found".
			return nil, fmt.Errorf("invalid reporter manifest %s: %w", manifestPath, err)
		}
		def.Dir = dir
		if err := checkAPIVersion(&def); err != nil {
			return nil, err
		}
		return &def, nil
	}
	return nil, errs.ReporterNotFound(name, searched)
}

// Create loads and instantiates a reporter with its options.
func Create(name string, options map[string]any, projectRoot string) (*Reporter, error) {
	def, err := Load(name, projectRoot)
	if err != nil {
		return nil, err
	}
	return &Reporter{Name: name, Options: options, Def: def}, nil
}

func checkAPIVersion(def *Definition) error {
	if def.APIVersion == "" {
		return fmt.Errorf("reporter %s declares no apiVersion", def.Name)
	}
	v, err := semver.NewVersion(def.APIVersion)
	if err != nil {
		return fmt.Errorf("reporter %s has invalid apiVersion %q: %w", def.Name, def.APIVersion, err)
	}
	if !supportedAPI.Check(v) {
		return fmt.Errorf("reporter %s targets api %s, supported range is %s", def.Name, def.APIVersion, supportedAPI)
	}
	return nil
}

func mustConstraint(s string) *semver.Constraints {
	c, err := semver.NewConstraint(s)
	if err != nil {
		panic(err)
	}
	return c
}
