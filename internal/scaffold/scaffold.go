// Package scaffold creates the default files a new project needs. Every
// function is idempotent: existing files are never touched, so it is safe
// to run on every open().
package scaffold

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"

	"github.com/sergeknystautas/specmux/internal/config"
)

const pluginsStub = `// Plugins let you hook into the project lifecycle and return config
// overrides. This stub reads the handshake and returns no overrides.
process.stdin.resume();
process.stdin.on('end', () => {
  process.stdout.write(JSON.stringify({ overrides: {} }));
});
process.stdin.on('data', () => {});
`

const supportStub = `// This support file is loaded before every spec file runs.
// Put global hooks and custom commands here.
`

const exampleSpec = `describe('example', () => {
  it('visits the app', () => {
    // Replace with your first real test.
  });
});
`

// exampleFixture is serialized to YAML into the fixtures folder.
var exampleFixture = map[string]any{
	"user": map[string]any{
		"name":  "Jane Lane",
		"email": "jane.lane@example.com",
	},
	"items": []string{"first", "second"},
}

// EnsureSettings writes an empty settings file when none exists. Returns
// true when the file was created.
func EnsureSettings(root, configFile string) (bool, error) {
	path := filepath.Join(root, configFile)
	if _, err := os.Stat(path); err == nil {
		return false, nil
	}
	if err := writeFile(path, []byte("{}\n")); err != nil {
		return false, err
	}
	return true, nil
}

// EnsurePluginsStub writes a stub plugins file when one is configured but
// absent. The plugin host fails to initialize on a missing file, so open()
// runs this first.
func EnsurePluginsStub(cfg *config.Snapshot) error {
	path := cfg.PluginsFilePath()
	if path == "" {
		return nil
	}
	return ensure(path, []byte(pluginsStub))
}

// EnsureSupportFiles writes the support file stub when configured but absent.
func EnsureSupportFiles(cfg *config.Snapshot) error {
	path := cfg.SupportFilePath()
	if path == "" {
		return nil
	}
	return ensure(path, []byte(supportStub))
}

// EnsureExampleSpecs seeds the active spec folder with one example spec and
// the fixtures folder with a YAML fixture, but only when the spec folder
// does not exist yet. An existing folder, even an empty one, is left alone.
func EnsureExampleSpecs(cfg *config.Snapshot) error {
	specFolder := cfg.SpecFolder(cfg.TestingType.SpecType())
	if _, err := os.Stat(specFolder); err == nil {
		return nil
	}

	if err := ensure(filepath.Join(specFolder, "example_spec.js"), []byte(exampleSpec)); err != nil {
		return err
	}

	fixture, err := yaml.Marshal(exampleFixture)
	if err != nil {
		return fmt.Errorf("failed to marshal example fixture: %w", err)
	}
	fixturePath := filepath.Join(cfg.ProjectRoot, cfg.FixturesFolder, "example.yaml")
	return ensure(fixturePath, fixture)
}

func ensure(path string, content []byte) error {
	if _, err := os.Stat(path); err == nil {
		return nil
	}
	return writeFile(path, content)
}

func writeFile(path string, content []byte) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create %s: %w", filepath.Dir(path), err)
	}
	if err := os.WriteFile(path, content, 0644); err != nil {
		return fmt.Errorf("failed to write %s: %w", path, err)
	}
	return nil
}
