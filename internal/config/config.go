// Package config resolves the project configuration: file settings, caller
// options, persisted state, and plugin-returned overrides merged into one
// snapshot. The snapshot is single-writer (the project orchestrator) and
// multi-reader; later phases mutate it in place because downstream
// components hold a reference.
package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"dario.cat/mergo"

	"github.com/sergeknystautas/specmux/internal/errs"
	"github.com/sergeknystautas/specmux/internal/state"
)

var (
	ErrSettingsNotFound = errors.New("settings file not found")
	ErrInvalidSettings  = errors.New("invalid settings")
)

// TestingType selects which spec folder, viewport defaults, and bundler
// integration apply.
type TestingType string

const (
	TypeE2E       TestingType = "e2e"
	TypeComponent TestingType = "component"
)

// SpecType tags discovered specs; e2e projects run integration specs.
func (t TestingType) SpecType() string {
	if t == TypeComponent {
		return "component"
	}
	return "integration"
}

// Valid reports whether t names a known testing type.
func (t TestingType) Valid() bool {
	return t == TypeE2E || t == TypeComponent
}

// Provenance source labels recorded in Snapshot.Resolved.
const (
	FromDefault = "default"
	FromConfig  = "config"
	FromCLI     = "cli"
	FromPlugin  = "plugin"
)

// ResolvedValue records where a configuration value came from.
type ResolvedValue struct {
	Value any    `json:"value"`
	From  string `json:"from"`
}

// Settings mirrors the JSON settings file at <projectRoot>/specmux.json.
type Settings struct {
	ProjectID             string            `json:"projectId,omitempty"`
	Port                  int               `json:"port,omitempty"`
	BaseURL               string            `json:"baseUrl,omitempty"`
	ViewportWidth         int               `json:"viewportWidth,omitempty"`
	ViewportHeight        int               `json:"viewportHeight,omitempty"`
	IntegrationFolder     string            `json:"integrationFolder,omitempty"`
	ComponentFolder       string            `json:"componentFolder,omitempty"`
	FixturesFolder        string            `json:"fixturesFolder,omitempty"`
	SupportFile           string            `json:"supportFile,omitempty"`
	PluginsFile           string            `json:"pluginsFile,omitempty"`
	Reporter              string            `json:"reporter,omitempty"`
	Retries               int               `json:"retries,omitempty"`
	WatchForFileChanges   *bool             `json:"watchForFileChanges,omitempty"`
	ExperimentalRunEvents bool              `json:"experimentalRunEvents,omitempty"`
	DevServerCommand      string            `json:"devServerCommand,omitempty"`
	Env                   map[string]string `json:"env,omitempty"`
}

// Options are the caller-supplied overrides passed to open().
type Options struct {
	ConfigFile  string // settings file name, default "specmux.json"
	TestingType TestingType
	Port        int
	BaseURL     string
	Reporter    string
	Report      bool
	IsHeadless  bool
	Env         map[string]string
}

// Snapshot is the merged configuration produced at each resolution phase.
type Snapshot struct {
	ProjectRoot string      `json:"projectRoot"`
	ConfigFile  string      `json:"configFile"`
	TestingType TestingType `json:"testingType"`

	ProjectID             string            `json:"projectId,omitempty"`
	Port                  int               `json:"port"`
	BaseURL               string            `json:"baseUrl,omitempty"`
	ViewportWidth         int               `json:"viewportWidth"`
	ViewportHeight        int               `json:"viewportHeight"`
	IntegrationFolder     string            `json:"integrationFolder"`
	ComponentFolder       string            `json:"componentFolder"`
	FixturesFolder        string            `json:"fixturesFolder"`
	SupportFile           string            `json:"supportFile,omitempty"`
	PluginsFile           string            `json:"pluginsFile,omitempty"`
	Reporter              string            `json:"reporter"`
	Report                bool              `json:"report"`
	Retries               int               `json:"retries"`
	WatchForFileChanges   bool              `json:"watchForFileChanges"`
	ComponentTesting      bool              `json:"componentTesting"`
	ExperimentalRunEvents bool              `json:"experimentalRunEvents"`
	DevServerCommand      string            `json:"devServerCommand,omitempty"`
	IsHeadless            bool              `json:"isTextTerminal"`
	Env                   map[string]string `json:"env,omitempty"`

	// Derived URL fields, recomputed when the server assigns a port.
	ProxyURL    string `json:"proxyUrl,omitempty"`
	BrowserURL  string `json:"browserUrl,omitempty"`
	ReporterURL string `json:"reporterUrl,omitempty"`

	// State is the persisted session/UI state merged into the snapshot.
	State state.PersistedState `json:"state"`

	// Resolved maps field names to their value and provenance.
	Resolved map[string]ResolvedValue `json:"resolved"`
}

// SettingsPath returns the absolute path of the settings file.
func (s *Snapshot) SettingsPath() string {
	return filepath.Join(s.ProjectRoot, s.ConfigFile)
}

// PluginsFilePath returns the absolute plugins file path, or "" when plugins
// are disabled.
func (s *Snapshot) PluginsFilePath() string {
	if s.PluginsFile == "" {
		return ""
	}
	return filepath.Join(s.ProjectRoot, s.PluginsFile)
}

// SupportFilePath returns the absolute support file path, or "" when no
// support file is configured.
func (s *Snapshot) SupportFilePath() string {
	if s.SupportFile == "" {
		return ""
	}
	return filepath.Join(s.ProjectRoot, s.SupportFile)
}

// SpecFolder returns the active root folder for the given spec type.
func (s *Snapshot) SpecFolder(specType string) string {
	if specType == "component" {
		return filepath.Join(s.ProjectRoot, s.ComponentFolder)
	}
	return filepath.Join(s.ProjectRoot, s.IntegrationFolder)
}

// Resolve merges the settings file, defaults for the testing type, caller
// options, and persisted state into a fresh snapshot.
func Resolve(projectRoot string, opts Options, persisted state.PersistedState) (*Snapshot, error) {
	if projectRoot == "" {
		return nil, errs.Configuration("project root is required")
	}
	if !filepath.IsAbs(projectRoot) {
		return nil, errs.Configuration("project root must be an absolute path: %s", projectRoot)
	}
	if !opts.TestingType.Valid() {
		return nil, errs.Configuration("unknown testing type: %q", string(opts.TestingType))
	}

	configFile := opts.ConfigFile
	if configFile == "" {
		configFile = "specmux.json"
	}

	settingsPath := filepath.Join(projectRoot, configFile)
	settings, fileKeys, err := readSettings(settingsPath)
	if err != nil {
		return nil, err
	}

	snap := &Snapshot{
		ProjectRoot: projectRoot,
		ConfigFile:  configFile,
		TestingType: opts.TestingType,

		ProjectID:             settings.ProjectID,
		Port:                  settings.Port,
		BaseURL:               settings.BaseURL,
		ViewportWidth:         settings.ViewportWidth,
		ViewportHeight:        settings.ViewportHeight,
		IntegrationFolder:     settings.IntegrationFolder,
		ComponentFolder:       settings.ComponentFolder,
		FixturesFolder:        settings.FixturesFolder,
		SupportFile:           settings.SupportFile,
		PluginsFile:           settings.PluginsFile,
		Reporter:              settings.Reporter,
		Retries:               settings.Retries,
		ExperimentalRunEvents: settings.ExperimentalRunEvents,
		DevServerCommand:      settings.DevServerCommand,
		IsHeadless:            opts.IsHeadless,
		Env:                   map[string]string{},

		State:    persisted,
		Resolved: map[string]ResolvedValue{},
	}
	snap.WatchForFileChanges = settings.WatchForFileChanges == nil || *settings.WatchForFileChanges

	// Fill unset fields from testing-type defaults.
	if err := mergo.Merge(snap, defaultsFor(opts.TestingType)); err != nil {
		return nil, fmt.Errorf("failed to merge defaults: %w", err)
	}

	for k, v := range settings.Env {
		snap.Env[k] = v
	}

	// Caller options take precedence over file settings.
	if opts.Port != 0 {
		snap.Port = opts.Port
	}
	if opts.BaseURL != "" {
		snap.BaseURL = opts.BaseURL
	}
	if opts.Reporter != "" {
		snap.Reporter = opts.Reporter
	}
	snap.Report = opts.Report
	for k, v := range opts.Env {
		snap.Env[k] = v
	}

	snap.recordProvenance(fileKeys, opts)
	DeriveURLs(snap)
	return snap, nil
}

// MergePluginOverrides applies overrides returned by the plugin host onto the
// snapshot in place and marks each overridden field as plugin-resolved.
func MergePluginOverrides(snap *Snapshot, overrides map[string]any) error {
	if len(overrides) == 0 {
		return nil
	}
	// Reject attempts to override internals the allow-list never exposed.
	for _, key := range []string{"projectRoot", "configFile", "testingType", "state", "resolved"} {
		if _, ok := overrides[key]; ok {
			return errs.Configuration("plugins may not override %s", key)
		}
	}
	data, err := json.Marshal(overrides)
	if err != nil {
		return fmt.Errorf("failed to encode plugin overrides: %w", err)
	}
	if err := json.Unmarshal(data, snap); err != nil {
		return errs.Configuration("plugin returned malformed config overrides: %v", err)
	}
	for key := range overrides {
		snap.Resolved[key] = ResolvedValue{Value: overrides[key], From: FromPlugin}
	}
	DeriveURLs(snap)
	return nil
}

func (s *Snapshot) recordProvenance(fileKeys map[string]bool, opts Options) {
	record := func(key string, value any, fromCLI bool) {
		from := FromDefault
		if fileKeys[key] {
			from = FromConfig
		}
		if fromCLI {
			from = FromCLI
		}
		s.Resolved[key] = ResolvedValue{Value: value, From: from}
	}
	record("port", s.Port, opts.Port != 0)
	record("baseUrl", s.BaseURL, opts.BaseURL != "")
	record("viewportWidth", s.ViewportWidth, false)
	record("viewportHeight", s.ViewportHeight, false)
	record("integrationFolder", s.IntegrationFolder, false)
	record("componentFolder", s.ComponentFolder, false)
	record("fixturesFolder", s.FixturesFolder, false)
	record("supportFile", s.SupportFile, false)
	record("pluginsFile", s.PluginsFile, false)
	record("reporter", s.Reporter, opts.Reporter != "")
	record("retries", s.Retries, false)
	record("watchForFileChanges", s.WatchForFileChanges, false)
}

func readSettings(path string) (Settings, map[string]bool, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			nf := errs.NotFound("missing settings", path)
			nf.Err = ErrSettingsNotFound
			return Settings{}, nil, nf
		}
		return Settings{}, nil, fmt.Errorf("failed to read settings: %w", err)
	}

	var settings Settings
	if err := json.Unmarshal(data, &settings); err != nil {
		return Settings{}, nil, fmt.Errorf("%w: %v", ErrInvalidSettings, err)
	}

	// Track which keys the file actually set, for provenance.
	var raw map[string]json.RawMessage
	fileKeys := map[string]bool{}
	if err := json.Unmarshal(data, &raw); err == nil {
		for k := range raw {
			fileKeys[k] = true
		}
	}
	return settings, fileKeys, nil
}
