package plugin

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/sergeknystautas/specmux/internal/config"
	"github.com/sergeknystautas/specmux/internal/errs"
)

// Test plugins are shell scripts so the tests do not depend on a JS runtime.
func writePlugins(t *testing.T, dir, script string) string {
	t.Helper()
	p := filepath.Join(dir, "plugins.sh")
	if err := os.WriteFile(p, []byte("#!/bin/sh\n"+script), 0755); err != nil {
		t.Fatalf("failed to write plugins file: %v", err)
	}
	return p
}

func shellHost(pluginsFile string) *ExecHost {
	return &ExecHost{pluginsFile: pluginsFile, runner: "sh"}
}

func TestInitReturnsOverrides(t *testing.T) {
	dir := t.TempDir()
	p := writePlugins(t, dir, `cat > /dev/null
echo '{"overrides":{"retries":3}}'`)

	overrides, err := shellHost(p).Init(context.Background(), config.Sanitized{}, InitOptions{ProjectRoot: dir})
	if err != nil {
		t.Fatalf("Init() failed: %v", err)
	}
	if got, ok := overrides["retries"].(float64); !ok || got != 3 {
		t.Errorf("expected retries override 3, got %v", overrides["retries"])
	}
}

func TestInitEmptyOutputMeansNoOverrides(t *testing.T) {
	dir := t.TempDir()
	p := writePlugins(t, dir, "cat > /dev/null")

	overrides, err := shellHost(p).Init(context.Background(), config.Sanitized{}, InitOptions{ProjectRoot: dir})
	if err != nil {
		t.Fatalf("Init() failed: %v", err)
	}
	if overrides != nil {
		t.Errorf("expected nil overrides, got %v", overrides)
	}
}

func TestInitMissingPluginsFile(t *testing.T) {
	_, err := shellHost(filepath.Join(t.TempDir(), "absent.sh")).Init(context.Background(), config.Sanitized{}, InitOptions{})
	if err == nil {
		t.Fatal("expected error for missing plugins file")
	}
	if errs.KindOf(err) != errs.KindPlugin {
		t.Errorf("expected plugin error, got %v", err)
	}
}

func TestInitFailureCarriesStderr(t *testing.T) {
	dir := t.TempDir()
	p := writePlugins(t, dir, `cat > /dev/null
echo "boom: bad plugin" >&2
exit 1`)

	_, err := shellHost(p).Init(context.Background(), config.Sanitized{}, InitOptions{ProjectRoot: dir})
	if err == nil {
		t.Fatal("expected init failure")
	}
	if errs.KindOf(err) != errs.KindPlugin {
		t.Errorf("expected plugin error, got %v", err)
	}
	if got := err.Error(); !strings.Contains(got, "boom: bad plugin") {
		t.Errorf("expected stderr in error, got %q", got)
	}
}

func TestInitWarningsDelivered(t *testing.T) {
	dir := t.TempDir()
	p := writePlugins(t, dir, `cat > /dev/null
echo '{"overrides":{},"warnings":["deprecated option"]}'`)

	var warned []string
	_, err := shellHost(p).Init(context.Background(), config.Sanitized{}, InitOptions{
		ProjectRoot: dir,
		OnWarning:   func(err error) { warned = append(warned, err.Error()) },
	})
	if err != nil {
		t.Fatalf("Init() failed: %v", err)
	}
	if len(warned) != 1 || !strings.Contains(warned[0], "deprecated option") {
		t.Errorf("expected warning callback, got %v", warned)
	}
}
