// Package project is the lifecycle orchestrator: it composes config
// resolution, the plugin execution environment, spec discovery and
// watching, the session server, and persisted UI state into one state
// machine with open, reset, and close.
//
// The orchestrator's own state is unguarded: callers must serialize
// Open/Reset/Close on one Project instance. A Close racing an in-flight
// Open is an undefined race the caller has to avoid.
package project

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"time"

	"github.com/charmbracelet/log"
	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/sergeknystautas/specmux/internal/config"
	"github.com/sergeknystautas/specmux/internal/devserver"
	"github.com/sergeknystautas/specmux/internal/errs"
	"github.com/sergeknystautas/specmux/internal/plugin"
	"github.com/sergeknystautas/specmux/internal/scaffold"
	"github.com/sergeknystautas/specmux/internal/server"
	"github.com/sergeknystautas/specmux/internal/specs"
	"github.com/sergeknystautas/specmux/internal/state"
	"github.com/sergeknystautas/specmux/internal/version"
	"github.com/sergeknystautas/specmux/internal/watch"
)

// LifecycleState tracks the project state machine.
type LifecycleState string

const (
	StateClosed  LifecycleState = "closed"
	StateOpening LifecycleState = "opening"
	StateOpen    LifecycleState = "open"
	StateClosing LifecycleState = "closing"

	// StateResetting is transient: entered from Open, always returns to Open.
	StateResetting LifecycleState = "resetting"
)

// AutomationSession is the browser-automation handle held between open and
// close.
type AutomationSession interface {
	Reset()
	Close()
}

// SessionServer is the transport collaborator the orchestrator wires.
type SessionServer interface {
	Open(cfg *config.Snapshot) (port int, warning string, err error)
	StartChannel(cfg *config.Snapshot, events server.Events) AutomationSession
	SendSpecList(list []specs.Descriptor, specType string)
	RegisterPreRequest(req server.PreRequest)
	NavigateTo(url string)
	Reset()
	End() server.Stats
	Close() error
}

// Preprocessor is the e2e spec-bundling collaborator released on close.
type Preprocessor interface {
	Close() error
}

// Collaborators lets embedders (and tests) substitute the external pieces.
// Zero fields get production defaults.
type Collaborators struct {
	Server        SessionServer
	NewPluginHost func(pluginsFile string) plugin.Host
	LoadState     func(projectRoot string, isHeadless bool) (state.Store, error)
	Preprocessor  Preprocessor
}

// Options are the caller-supplied settings for Open.
type Options struct {
	TestingType config.TestingType
	ConfigFile  string
	Port        int
	BaseURL     string
	Reporter    string
	Report      bool
	IsHeadless  bool
	Env         map[string]string

	// Callbacks. Unset callbacks get no-op or logging defaults.
	OnFocusTests      func()
	OnError           func(error)
	OnWarning         func(error)
	OnSettingsChanged func(*config.Snapshot)

	// Lifecycle hooks, run only when interactive and the run-events
	// feature is enabled in config.
	BeforeRun func(ctx context.Context, cfg *config.Snapshot, env RunEnvironment) error
	AfterRun  func(ctx context.Context, cfg *config.Snapshot) error
}

// RunEnvironment is the metadata handed to the before:run hook.
type RunEnvironment struct {
	SpecmuxVersion string    `json:"specmuxVersion"`
	OSName         string    `json:"osName"`
	StartedAt      time.Time `json:"startedAt"`
}

// Project owns one test project's lifecycle. At most one session is open
// per instance at a time.
type Project struct {
	projectRoot string
	collab      Collaborators

	lifecycle      LifecycleState
	opts           Options
	currentConfig  *config.Snapshot
	currentSpec    string
	currentBrowser string
	automation     AutomationSession
	specStore      *specs.Store
	devServer      *devserver.DevServer
	registry       *watch.Registry
	stateStore     state.Store
	settingsWatch  *watch.Handle
	origWD         string
	serverOpened   bool
	pluginHost     plugin.Host
	baseSanitized  config.Sanitized
}

// New validates the project root and constructs a closed Project.
// Construction fails synchronously on a missing or relative root.
func New(projectRoot string, collab Collaborators) (*Project, error) {
	if projectRoot == "" {
		return nil, errs.Configuration("project root is required")
	}
	if !filepath.IsAbs(projectRoot) {
		return nil, errs.Configuration("project root must be an absolute path: %s", projectRoot)
	}
	if info, err := os.Stat(projectRoot); err != nil || !info.IsDir() {
		return nil, errs.NotFound("no project found at root", projectRoot)
	}

	if collab.Server == nil {
		collab.Server = WrapServer(server.New())
	}
	if collab.NewPluginHost == nil {
		collab.NewPluginHost = func(pluginsFile string) plugin.Host {
			return plugin.NewExecHost(pluginsFile)
		}
	}
	if collab.LoadState == nil {
		collab.LoadState = func(root string, isHeadless bool) (state.Store, error) {
			return state.Load(root, isHeadless)
		}
	}

	return &Project{
		projectRoot: projectRoot,
		collab:      collab,
		lifecycle:   StateClosed,
		registry:    watch.NewRegistry(),
	}, nil
}

// Root returns the immutable project root.
func (p *Project) Root() string { return p.projectRoot }

// Lifecycle returns the current state-machine state.
func (p *Project) Lifecycle() LifecycleState { return p.lifecycle }

// Config returns the current snapshot, nil before the first successful open
// and after a successful close.
func (p *Project) Config() *config.Snapshot { return p.currentConfig }

// Open runs the full open sequence and transitions to Open. On failure the
// instance is left partially opened; the caller must Close() to release
// whatever was acquired.
func (p *Project) Open(ctx context.Context, opts Options) (*Session, error) {
	if p.lifecycle != StateClosed {
		return nil, errs.Configuration("project is %s; open requires a closed project", p.lifecycle)
	}
	p.lifecycle = StateOpening

	// Step 1: default the unset callbacks.
	applyCallbackDefaults(&opts)
	p.opts = opts

	// Step 2: resolve config. Must precede every plugin and server step;
	// both need resolved paths and URLs.
	stateStore, err := p.collab.LoadState(p.projectRoot, opts.IsHeadless)
	if err != nil {
		return nil, err
	}
	p.stateStore = stateStore

	cfg, err := config.Resolve(p.projectRoot, config.Options{
		ConfigFile:  opts.ConfigFile,
		TestingType: opts.TestingType,
		Port:        opts.Port,
		BaseURL:     opts.BaseURL,
		Reporter:    opts.Reporter,
		Report:      opts.Report,
		IsHeadless:  opts.IsHeadless,
		Env:         opts.Env,
	}, stateStore.Get())
	if err != nil {
		return nil, err
	}
	p.currentConfig = cfg

	// Step 3: move the process into the project before plugin init, which
	// may resolve relative paths.
	if p.origWD, err = os.Getwd(); err != nil {
		return nil, fmt.Errorf("failed to read working directory: %w", err)
	}
	if err := os.Chdir(p.projectRoot); err != nil {
		return nil, fmt.Errorf("failed to enter project root: %w", err)
	}

	// Step 4: the plugin host refuses a missing plugins file, so the stub
	// goes down first.
	if cfg.PluginsFilePath() != "" {
		if err := scaffold.EnsurePluginsStub(cfg); err != nil {
			return nil, err
		}
	}

	// Step 5: plugin init with the allow-listed config only, then merge
	// whatever it returned.
	if err := p.initPlugins(ctx, cfg); err != nil {
		return nil, err
	}
	if cfg.TestingType == config.TypeComponent {
		// Plugins routinely omit testing-type metadata for component
		// projects; force the flag and fabricate the provenance entry.
		cfg.ComponentTesting = true
		if _, ok := cfg.Resolved["testingType"]; !ok {
			cfg.Resolved["testingType"] = config.ResolvedValue{
				Value: string(config.TypeComponent),
				From:  config.FromPlugin,
			}
		}
	}

	// Step 6: discover specs; an unknown testing type surfaces here as a
	// fatal configuration error.
	found, err := specs.Find(cfg)
	if err != nil {
		return nil, err
	}

	// Step 7: open the transport and reconcile derived URLs with whatever
	// port it actually bound.
	port, warning, err := p.collab.Server.Open(cfg)
	if err != nil {
		return nil, err
	}
	p.serverOpened = true
	if warning != "" {
		opts.OnWarning(errs.Configuration("%s", warning))
	}
	if cfg.Port != port {
		cfg.Port = port
		config.DeriveURLs(cfg)
	}

	// Step 8: all-or-nothing barrier. The first rejection aborts open();
	// in-flight siblings are not cancelled, their results are discarded.
	now := time.Now().UTC()
	var g errgroup.Group
	g.Go(func() error {
		p.automation = p.collab.Server.StartChannel(cfg, server.Events{
			OnConnect:     opts.OnFocusTests,
			OnSpecChanged: func(spec string) { p.currentSpec = spec },
		})
		return nil
	})
	g.Go(func() error { return scaffold.EnsureExampleSpecs(cfg) })
	g.Go(func() error {
		// Only the default support path is scaffolded; a path the user set
		// explicitly must already exist, and step 10 enforces that.
		if rv, ok := cfg.Resolved["supportFile"]; ok && rv.From != config.FromDefault {
			return nil
		}
		return scaffold.EnsureSupportFiles(cfg)
	})
	g.Go(func() error {
		merged, err := stateStore.Merge(state.Partial{FirstOpened: &now, LastOpened: &now})
		if err != nil {
			return err
		}
		cfg.State = merged
		return nil
	})
	if err := g.Wait(); err != nil {
		return nil, err
	}

	// Step 9: spec watcher; set changes flow to the session server and,
	// for component projects, the dev server.
	if err := p.startSpecWatcher(ctx, cfg, found); err != nil {
		return nil, err
	}

	// Step 10: verify the support file and start the plugin/settings
	// watches (watching is interactive-only).
	g2 := new(errgroup.Group)
	g2.Go(func() error { return p.verifySupportFile(cfg) })
	g2.Go(func() error { return p.startFileWatches(cfg) })
	if err := g2.Wait(); err != nil {
		return nil, err
	}

	// Step 11: optional lifecycle hook.
	if !opts.IsHeadless && cfg.ExperimentalRunEvents && opts.BeforeRun != nil {
		env := RunEnvironment{SpecmuxVersion: version.Version, OSName: runtime.GOOS, StartedAt: now}
		if err := opts.BeforeRun(ctx, cfg, env); err != nil {
			return nil, err
		}
	}

	p.lifecycle = StateOpen
	sessionID := uuid.NewString()
	log.Info("project open", "session", sessionID, "root", p.projectRoot, "type", cfg.TestingType, "port", cfg.Port)
	return &Session{project: p, ID: sessionID, Config: cfg, Port: cfg.Port}, nil
}

// Reset clears the current spec and browser and forwards the reset to the
// automation session and session server when present. Idempotent; never
// fails absent an automation session.
func (p *Project) Reset() error {
	if p.lifecycle != StateOpen {
		return errs.Configuration("reset requires an open project")
	}
	p.lifecycle = StateResetting
	defer func() { p.lifecycle = StateOpen }()

	p.currentSpec = ""
	p.currentBrowser = ""
	if p.automation != nil {
		p.automation.Reset()
	}
	if p.serverOpened {
		p.collab.Server.Reset()
	}
	return nil
}

// Close releases everything open() acquired. Safe on a never-opened
// project, where it releases nothing and returns nil. Also the recovery
// path after a failed open().
func (p *Project) Close(ctx context.Context) error {
	if p.lifecycle == StateClosed && p.currentConfig == nil {
		return nil
	}
	p.lifecycle = StateClosing

	cfg := p.currentConfig
	opts := p.opts

	var g errgroup.Group
	if p.serverOpened {
		g.Go(p.collab.Server.Close)
	}
	g.Go(func() error {
		p.registry.CloseAll()
		return nil
	})
	if cfg != nil && cfg.TestingType == config.TypeE2E && p.collab.Preprocessor != nil {
		g.Go(p.collab.Preprocessor.Close)
	}
	if p.devServer != nil {
		g.Go(p.devServer.Close)
	}
	err := g.Wait()

	if p.pluginHost != nil {
		if cerr := p.pluginHost.Close(); cerr != nil {
			log.Warn("plugin host close failed", "error", cerr)
		}
	}
	if p.origWD != "" {
		if cerr := os.Chdir(p.origWD); cerr != nil {
			log.Warn("failed to restore working directory", "error", cerr)
		}
	}

	if cfg != nil && !opts.IsHeadless && cfg.ExperimentalRunEvents && opts.AfterRun != nil {
		if herr := opts.AfterRun(ctx, cfg); herr != nil && err == nil {
			err = herr
		}
	}

	p.currentConfig = nil
	p.currentSpec = ""
	p.currentBrowser = ""
	p.automation = nil
	p.specStore = nil
	p.devServer = nil
	p.settingsWatch = nil
	p.serverOpened = false
	p.lifecycle = StateClosed
	return err
}

func (p *Project) initPlugins(ctx context.Context, cfg *config.Snapshot) error {
	if cfg.PluginsFilePath() == "" {
		return nil
	}

	// The base sanitized config is captured before any plugin override so
	// re-initialization always runs against the original base.
	p.baseSanitized = config.AllowList(cfg)
	p.pluginHost = p.collab.NewPluginHost(cfg.PluginsFilePath())

	overrides, err := p.pluginHost.Init(ctx, p.baseSanitized, plugin.InitOptions{
		ProjectRoot:    p.projectRoot,
		ConfigFilePath: cfg.SettingsPath(),
		TestingType:    cfg.TestingType,
		OnError:        p.opts.OnError,
		OnWarning:      p.opts.OnWarning,
	})
	if err != nil {
		return err
	}
	return config.MergePluginOverrides(cfg, overrides)
}

func (p *Project) startSpecWatcher(ctx context.Context, cfg *config.Snapshot, initial []specs.Descriptor) error {
	specType := cfg.TestingType.SpecType()
	p.collab.Server.SendSpecList(initial, specType)

	if cfg.TestingType == config.TypeComponent && cfg.DevServerCommand != "" {
		ds, err := devserver.Start(ctx, cfg)
		if err != nil {
			return err
		}
		p.devServer = ds
	}

	store := specs.NewStore(cfg)
	store.Subscribe(func(set []specs.Descriptor) {
		p.collab.Server.SendSpecList(set, specType)
		if p.devServer != nil {
			if err := p.devServer.UpdateSpecs(set); err != nil {
				log.Warn("dev server spec update failed", "error", err)
			}
		}
	})
	if err := store.Start(p.registry); err != nil {
		return err
	}
	p.specStore = store
	return nil
}

func (p *Project) verifySupportFile(cfg *config.Snapshot) error {
	path := cfg.SupportFilePath()
	if path == "" {
		return nil
	}
	if _, err := os.Stat(path); err != nil {
		return errs.NotFound("support file missing", path)
	}
	return nil
}

func (p *Project) startFileWatches(cfg *config.Snapshot) error {
	if cfg.IsHeadless {
		return nil
	}

	if pluginsPath := cfg.PluginsFilePath(); pluginsPath != "" {
		if _, err := p.registry.Watch(pluginsPath, func(string) { p.reinitPlugins() }); err != nil {
			return err
		}
	}

	if p.opts.OnSettingsChanged != nil {
		handle, err := p.registry.Watch(cfg.SettingsPath(), func(string) { p.onSettingsChanged() })
		if err != nil {
			return err
		}
		p.settingsWatch = handle
	}
	return nil
}

// reinitPlugins re-runs plugin init against the original base config after
// a plugins-file change. Failures never reject anything a caller awaits:
// the active automation session is closed first, then the error goes to
// OnError. A failed cycle does not stop future cycles.
func (p *Project) reinitPlugins() {
	cfg := p.currentConfig
	if cfg == nil || p.pluginHost == nil {
		return
	}
	log.Info("plugins file changed, reinitializing", "file", cfg.PluginsFilePath())

	overrides, err := p.pluginHost.Init(context.Background(), p.baseSanitized, plugin.InitOptions{
		ProjectRoot:    p.projectRoot,
		ConfigFilePath: cfg.SettingsPath(),
		TestingType:    cfg.TestingType,
		OnError:        p.opts.OnError,
		OnWarning:      p.opts.OnWarning,
	})
	if err == nil {
		err = config.MergePluginOverrides(cfg, overrides)
	}
	if err != nil {
		// A stale session against new plugin state is worse than none.
		if p.automation != nil {
			p.automation.Close()
			p.automation = nil
		}
		p.opts.OnError(err)
		return
	}
}

// onSettingsChanged re-resolves the settings file and hands the fresh
// snapshot to the caller's callback. The running snapshot is not replaced;
// a restart decision belongs to the embedder.
func (p *Project) onSettingsChanged() {
	fresh, err := config.Resolve(p.projectRoot, config.Options{
		ConfigFile:  p.currentConfig.ConfigFile,
		TestingType: p.currentConfig.TestingType,
		IsHeadless:  p.currentConfig.IsHeadless,
	}, p.stateStore.Get())
	if err != nil {
		p.opts.OnError(err)
		return
	}
	p.opts.OnSettingsChanged(fresh)
}

func applyCallbackDefaults(opts *Options) {
	if opts.OnFocusTests == nil {
		opts.OnFocusTests = func() {}
	}
	if opts.OnError == nil {
		opts.OnError = func(err error) { log.Error("project error", "error", err) }
	}
	if opts.OnWarning == nil {
		opts.OnWarning = func(err error) { log.Warn("project warning", "warning", err) }
	}
}

// WrapServer adapts the concrete session server to the orchestrator's
// collaborator interface.
func WrapServer(s *server.Server) SessionServer {
	return serverAdapter{s}
}

type serverAdapter struct {
	*server.Server
}

func (a serverAdapter) StartChannel(cfg *config.Snapshot, events server.Events) AutomationSession {
	return a.Server.StartChannel(cfg, events)
}
