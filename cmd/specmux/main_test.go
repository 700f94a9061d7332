package main

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/sergeknystautas/specmux/internal/config"
)

func TestParseOpenFlagsDefaultsToWorkingDirectory(t *testing.T) {
	f, err := parseOpenFlags("open", nil)
	if err != nil {
		t.Fatalf("parseOpenFlags: %v", err)
	}
	wd, _ := os.Getwd()
	if f.projectRoot != wd {
		t.Errorf("project root %q, want %q", f.projectRoot, wd)
	}
}

func TestParseOpenFlagsAbsolutizesProject(t *testing.T) {
	f, err := parseOpenFlags("open", []string{"--project", "."})
	if err != nil {
		t.Fatalf("parseOpenFlags: %v", err)
	}
	if !filepath.IsAbs(f.projectRoot) {
		t.Errorf("project root %q is not absolute", f.projectRoot)
	}
}

func TestOpenFlagsTestingType(t *testing.T) {
	if got := (openFlags{}).testingType(); got != config.TypeE2E {
		t.Errorf("default testing type %q, want %q", got, config.TypeE2E)
	}
	if got := (openFlags{component: true}).testingType(); got != config.TypeComponent {
		t.Errorf("component testing type %q, want %q", got, config.TypeComponent)
	}
}

func TestOpenHeadlessFollowsStdin(t *testing.T) {
	// Under go test stdin is never a terminal, so an open started here
	// must resolve to a headless session.
	if interactiveStdin() {
		t.Skip("stdin is a terminal")
	}
	f := openFlags{}
	opts := f.options(!interactiveStdin())
	if !opts.IsHeadless {
		t.Error("non-terminal stdin should produce a headless open")
	}
}
