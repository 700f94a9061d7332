package project

import (
	"encoding/json"
	"os"

	"github.com/sergeknystautas/specmux/internal/config"
	"github.com/sergeknystautas/specmux/internal/errs"
)

// Session is the live handle returned by a successful Open. It exposes the
// per-session mutable bits without widening the Project surface.
type Session struct {
	project *Project

	// ID uniquely identifies this open/close cycle in logs and on the
	// session channel.
	ID string

	// Config is the resolved snapshot the session runs with, including
	// plugin overrides and the port actually bound.
	Config *config.Snapshot
	Port   int
}

// SetCurrentSpecAndBrowser records the spec and browser the runner is
// driving. Stale values are cleared by Reset and Close.
func (s *Session) SetCurrentSpecAndBrowser(spec, browser string) {
	s.project.currentSpec = spec
	s.project.currentBrowser = browser
}

// CurrentSpec returns the relative path of the active spec, or "".
func (s *Session) CurrentSpec() string { return s.project.currentSpec }

// CurrentBrowser returns the name of the browser in use, or "".
func (s *Session) CurrentBrowser() string { return s.project.currentBrowser }

// SpecURL builds the runner URL that focuses the given spec using the
// session's active testing type. See GetSpecURL for the path rules.
func (s *Session) SpecURL(absoluteSpecPath string) string {
	cfg := s.project.currentConfig
	if cfg == nil {
		return ""
	}
	return GetSpecURL(cfg, absoluteSpecPath, cfg.TestingType.SpecType())
}

// WriteProjectID persists a cloud project id into the settings file. The
// write is marked programmatic on the settings watch so it does not bounce
// back as an OnSettingsChanged cycle.
func (s *Session) WriteProjectID(id string) error {
	cfg := s.project.currentConfig
	if cfg == nil {
		return errs.Configuration("no open session")
	}
	path := cfg.SettingsPath()

	raw, err := os.ReadFile(path)
	if err != nil {
		return errs.NotFound("settings file missing", path)
	}
	settings := map[string]any{}
	if err := json.Unmarshal(raw, &settings); err != nil {
		return errs.Configuration("settings file %s is not valid JSON: %v", path, err)
	}
	settings["projectId"] = id
	out, err := json.MarshalIndent(settings, "", "  ")
	if err != nil {
		return err
	}

	if s.project.settingsWatch != nil {
		s.project.settingsWatch.MarkProgrammaticWrite()
	}
	if err := os.WriteFile(path, append(out, '\n'), 0o644); err != nil {
		return err
	}
	cfg.ProjectID = id
	return nil
}
