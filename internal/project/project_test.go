package project

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/sergeknystautas/specmux/internal/config"
	"github.com/sergeknystautas/specmux/internal/plugin"
	"github.com/sergeknystautas/specmux/internal/scaffold"
	"github.com/sergeknystautas/specmux/internal/server"
	"github.com/sergeknystautas/specmux/internal/specs"
	"github.com/sergeknystautas/specmux/internal/state"
)

type fakeAutomation struct {
	mu     sync.Mutex
	resets int
	closed bool
}

func (a *fakeAutomation) Reset() {
	a.mu.Lock()
	a.resets++
	a.mu.Unlock()
}

func (a *fakeAutomation) Close() {
	a.mu.Lock()
	a.closed = true
	a.mu.Unlock()
}

type fakeServer struct {
	mu         sync.Mutex
	port       int
	warning    string
	openErr    error
	opened     bool
	closed     bool
	resets     int
	specLists  [][]specs.Descriptor
	automation *fakeAutomation
}

func newFakeServer() *fakeServer {
	return &fakeServer{port: 4321, automation: &fakeAutomation{}}
}

func (f *fakeServer) Open(cfg *config.Snapshot) (int, string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.openErr != nil {
		return 0, "", f.openErr
	}
	f.opened = true
	return f.port, f.warning, nil
}

func (f *fakeServer) StartChannel(cfg *config.Snapshot, events server.Events) AutomationSession {
	return f.automation
}

func (f *fakeServer) SendSpecList(list []specs.Descriptor, specType string) {
	f.mu.Lock()
	f.specLists = append(f.specLists, list)
	f.mu.Unlock()
}

func (f *fakeServer) RegisterPreRequest(req server.PreRequest) {}
func (f *fakeServer) NavigateTo(url string)                    {}

func (f *fakeServer) Reset() {
	f.mu.Lock()
	f.resets++
	f.mu.Unlock()
}

func (f *fakeServer) End() server.Stats { return server.Stats{} }

func (f *fakeServer) Close() error {
	f.mu.Lock()
	f.closed = true
	f.mu.Unlock()
	return nil
}

type fakePluginHost struct {
	mu        sync.Mutex
	initCalls int
	overrides map[string]any
	initErr   func(call int) error
	closed    bool
}

func (h *fakePluginHost) Init(ctx context.Context, sanitized config.Sanitized, opts plugin.InitOptions) (map[string]any, error) {
	h.mu.Lock()
	h.initCalls++
	call := h.initCalls
	h.mu.Unlock()
	if h.initErr != nil {
		if err := h.initErr(call); err != nil {
			return nil, err
		}
	}
	return h.overrides, nil
}

func (h *fakePluginHost) Close() error {
	h.mu.Lock()
	h.closed = true
	h.mu.Unlock()
	return nil
}

func (h *fakePluginHost) calls() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.initCalls
}

// writeProjectFixture lays out a minimal project on disk: a settings file,
// one spec, and the support file the defaults point at.
func writeProjectFixture(t *testing.T, settings string) string {
	t.Helper()
	root := t.TempDir()

	if err := os.WriteFile(filepath.Join(root, "specmux.json"), []byte(settings), 0644); err != nil {
		t.Fatalf("failed to write settings: %v", err)
	}
	for _, dir := range []string{"specs/integration", "specs/component", "specs/support"} {
		if err := os.MkdirAll(filepath.Join(root, dir), 0755); err != nil {
			t.Fatalf("failed to create %s: %v", dir, err)
		}
	}
	files := map[string]string{
		"specs/integration/example.spec.js": "describe('example', () => {})\n",
		"specs/component/button.spec.jsx":   "describe('button', () => {})\n",
		"specs/support/index.js":            "// support\n",
	}
	for name, content := range files {
		if err := os.WriteFile(filepath.Join(root, name), []byte(content), 0644); err != nil {
			t.Fatalf("failed to write %s: %v", name, err)
		}
	}
	return root
}

func testCollaborators(t *testing.T, srv *fakeServer, host *fakePluginHost) Collaborators {
	t.Helper()
	statePath := filepath.Join(t.TempDir(), "state.json")
	return Collaborators{
		Server:        srv,
		NewPluginHost: func(pluginsFile string) plugin.Host { return host },
		LoadState: func(root string, isHeadless bool) (state.Store, error) {
			return state.LoadFrom(statePath, isHeadless)
		},
	}
}

func openTestProject(t *testing.T, root string, collab Collaborators, opts Options) (*Project, *Session) {
	t.Helper()
	p, err := New(root, collab)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	sess, err := p.Open(context.Background(), opts)
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	t.Cleanup(func() { _ = p.Close(context.Background()) })
	return p, sess
}

func TestNewRejectsBadRoots(t *testing.T) {
	if _, err := New("", Collaborators{}); err == nil {
		t.Error("expected error for empty root")
	}
	if _, err := New("relative/path", Collaborators{}); err == nil {
		t.Error("expected error for relative root")
	}
	if _, err := New(filepath.Join(t.TempDir(), "missing"), Collaborators{}); err == nil {
		t.Error("expected error for nonexistent root")
	}
}

func TestOpenAndClose(t *testing.T) {
	root := writeProjectFixture(t, `{}`)
	srv := newFakeServer()
	host := &fakePluginHost{}
	collab := testCollaborators(t, srv, host)

	p, sess := openTestProject(t, root, collab, Options{TestingType: config.TypeE2E})

	if p.Lifecycle() != StateOpen {
		t.Errorf("lifecycle = %s, want %s", p.Lifecycle(), StateOpen)
	}
	if sess.Port != srv.port {
		t.Errorf("session port = %d, want %d", sess.Port, srv.port)
	}
	if !srv.opened {
		t.Error("server was never opened")
	}
	if host.calls() != 1 {
		t.Errorf("plugin init called %d times, want 1", host.calls())
	}
	if len(srv.specLists) == 0 {
		t.Error("no spec list was sent to the server")
	}

	if err := p.Close(context.Background()); err != nil {
		t.Fatalf("Close failed: %v", err)
	}
	if p.Lifecycle() != StateClosed {
		t.Errorf("lifecycle after close = %s, want %s", p.Lifecycle(), StateClosed)
	}
	if !srv.closed {
		t.Error("server was not closed")
	}
	if !host.closed {
		t.Error("plugin host was not closed")
	}
	if p.Config() != nil {
		t.Error("config should be nil after close")
	}
}

func TestOpenRecordsFirstAndLastOpened(t *testing.T) {
	root := writeProjectFixture(t, `{}`)
	statePath := filepath.Join(t.TempDir(), "state.json")
	collab := testCollaborators(t, newFakeServer(), &fakePluginHost{})
	collab.LoadState = func(string, bool) (state.Store, error) {
		return state.LoadFrom(statePath, false)
	}

	p, sess := openTestProject(t, root, collab, Options{TestingType: config.TypeE2E})

	st := sess.Config.State
	if st.FirstOpened == nil || st.LastOpened == nil {
		t.Fatal("firstOpened/lastOpened not set after open")
	}
	if !st.FirstOpened.Equal(*st.LastOpened) {
		t.Errorf("first open: firstOpened %v != lastOpened %v", st.FirstOpened, st.LastOpened)
	}
	first := *st.FirstOpened

	if err := p.Close(context.Background()); err != nil {
		t.Fatalf("Close failed: %v", err)
	}
	time.Sleep(10 * time.Millisecond)

	sess2, err := p.Open(context.Background(), Options{TestingType: config.TypeE2E})
	if err != nil {
		t.Fatalf("second Open failed: %v", err)
	}
	st2 := sess2.Config.State
	if !st2.FirstOpened.Equal(first) {
		t.Errorf("firstOpened changed on reopen: %v != %v", st2.FirstOpened, first)
	}
	if !st2.LastOpened.After(first) {
		t.Errorf("lastOpened %v not after first open time %v", st2.LastOpened, first)
	}
}

func TestResetIsIdempotent(t *testing.T) {
	root := writeProjectFixture(t, `{}`)
	srv := newFakeServer()
	collab := testCollaborators(t, srv, &fakePluginHost{})

	p, sess := openTestProject(t, root, collab, Options{TestingType: config.TypeE2E})
	sess.SetCurrentSpecAndBrowser("integration/example.spec.js", "chrome")

	for i := 0; i < 3; i++ {
		if err := p.Reset(); err != nil {
			t.Fatalf("Reset #%d failed: %v", i+1, err)
		}
		if sess.CurrentSpec() != "" || sess.CurrentBrowser() != "" {
			t.Fatalf("Reset #%d left spec=%q browser=%q", i+1, sess.CurrentSpec(), sess.CurrentBrowser())
		}
	}

	// Reset must not fail even without an automation session.
	p.automation = nil
	if err := p.Reset(); err != nil {
		t.Errorf("Reset without automation failed: %v", err)
	}
}

func TestResetRequiresOpenProject(t *testing.T) {
	root := writeProjectFixture(t, `{}`)
	p, err := New(root, testCollaborators(t, newFakeServer(), &fakePluginHost{}))
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	if err := p.Reset(); err == nil {
		t.Error("expected error resetting a closed project")
	}
}

func TestCloseNeverOpenedIsNoOp(t *testing.T) {
	root := writeProjectFixture(t, `{}`)
	srv := newFakeServer()
	p, err := New(root, testCollaborators(t, srv, &fakePluginHost{}))
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	if err := p.Close(context.Background()); err != nil {
		t.Fatalf("Close on never-opened project failed: %v", err)
	}
	if srv.closed {
		t.Error("close released a server that was never opened")
	}
}

func TestOpenWhileOpenFails(t *testing.T) {
	root := writeProjectFixture(t, `{}`)
	collab := testCollaborators(t, newFakeServer(), &fakePluginHost{})

	p, _ := openTestProject(t, root, collab, Options{TestingType: config.TypeE2E})
	if _, err := p.Open(context.Background(), Options{TestingType: config.TypeE2E}); err == nil {
		t.Error("expected error opening an already-open project")
	}
}

func TestPluginOverridesMergedIntoConfig(t *testing.T) {
	root := writeProjectFixture(t, `{}`)
	host := &fakePluginHost{overrides: map[string]any{"viewportWidth": float64(800)}}
	collab := testCollaborators(t, newFakeServer(), host)

	_, sess := openTestProject(t, root, collab, Options{TestingType: config.TypeE2E})

	if sess.Config.ViewportWidth != 800 {
		t.Errorf("viewportWidth = %d, want plugin override 800", sess.Config.ViewportWidth)
	}
	if got := sess.Config.Resolved["viewportWidth"].From; got != config.FromPlugin {
		t.Errorf("viewportWidth provenance = %q, want %q", got, config.FromPlugin)
	}
}

func TestComponentOpenForcesComponentTesting(t *testing.T) {
	root := writeProjectFixture(t, `{}`)
	collab := testCollaborators(t, newFakeServer(), &fakePluginHost{})

	_, sess := openTestProject(t, root, collab, Options{TestingType: config.TypeComponent})

	if !sess.Config.ComponentTesting {
		t.Error("componentTesting not forced for a component open")
	}
	rv, ok := sess.Config.Resolved["testingType"]
	if !ok {
		t.Fatal("testingType missing from resolved metadata")
	}
	if rv.Value != string(config.TypeComponent) {
		t.Errorf("resolved testingType = %v, want %q", rv.Value, config.TypeComponent)
	}
}

func TestServerPortConflictWarningForwarded(t *testing.T) {
	root := writeProjectFixture(t, `{}`)
	srv := newFakeServer()
	srv.warning = "port 8080 in use, bound 49152 instead"
	collab := testCollaborators(t, srv, &fakePluginHost{})

	var warnings []error
	var mu sync.Mutex
	_, sess := openTestProject(t, root, collab, Options{
		TestingType: config.TypeE2E,
		OnWarning: func(err error) {
			mu.Lock()
			warnings = append(warnings, err)
			mu.Unlock()
		},
	})

	mu.Lock()
	defer mu.Unlock()
	if len(warnings) != 1 {
		t.Fatalf("got %d warnings, want 1", len(warnings))
	}
	if sess.Port != srv.port {
		t.Errorf("session port = %d, want the bound port %d", sess.Port, srv.port)
	}
}

func TestOpenScaffoldsFreshProject(t *testing.T) {
	// A directory seeded only with a settings file, the way the CLI's
	// first-run scaffold leaves it, must open successfully.
	root := t.TempDir()
	if _, err := scaffold.EnsureSettings(root, "specmux.json"); err != nil {
		t.Fatalf("EnsureSettings failed: %v", err)
	}
	collab := testCollaborators(t, newFakeServer(), &fakePluginHost{})

	_, sess := openTestProject(t, root, collab, Options{TestingType: config.TypeE2E})

	for _, path := range []string{
		sess.Config.SupportFilePath(),
		sess.Config.PluginsFilePath(),
		filepath.Join(sess.Config.SpecFolder("integration"), "example_spec.js"),
	} {
		if _, err := os.Stat(path); err != nil {
			t.Errorf("open did not scaffold %s: %v", path, err)
		}
	}
}

func TestOpenFailsWhenExplicitSupportFileMissing(t *testing.T) {
	// An explicitly configured support file is verified, never scaffolded.
	root := writeProjectFixture(t, `{"supportFile": "support/custom.js"}`)
	collab := testCollaborators(t, newFakeServer(), &fakePluginHost{})

	p, err := New(root, collab)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	if _, err := p.Open(context.Background(), Options{TestingType: config.TypeE2E}); err == nil {
		t.Error("expected open to fail on a missing support file")
	}
	// Close is the documented recovery path after a failed open.
	if err := p.Close(context.Background()); err != nil {
		t.Errorf("Close after failed open returned: %v", err)
	}
}

func TestPluginReinitFailureReachesOnError(t *testing.T) {
	root := writeProjectFixture(t, `{}`)
	srv := newFakeServer()
	host := &fakePluginHost{
		initErr: func(call int) error {
			if call == 2 {
				return errors.New("plugins file exploded")
			}
			return nil
		},
	}
	collab := testCollaborators(t, srv, host)

	errCh := make(chan error, 4)
	p, _ := openTestProject(t, root, collab, Options{
		TestingType: config.TypeE2E,
		OnError:     func(err error) { errCh <- err },
	})

	// Second cycle fails: the automation session must be closed before the
	// error reaches onError.
	p.reinitPlugins()
	select {
	case err := <-errCh:
		if err == nil {
			t.Fatal("nil error delivered to onError")
		}
	case <-time.After(time.Second):
		t.Fatal("re-init failure never reached onError")
	}
	if !srv.automation.closed {
		t.Error("automation session not closed on re-init failure")
	}
	if p.Lifecycle() != StateOpen {
		t.Errorf("failed re-init changed lifecycle to %s", p.Lifecycle())
	}

	// A failed cycle must not stop the next one.
	p.reinitPlugins()
	if got := host.calls(); got != 3 {
		t.Errorf("plugin init called %d times, want 3", got)
	}
	select {
	case err := <-errCh:
		t.Errorf("successful re-init delivered an error: %v", err)
	default:
	}
}

func TestPluginsFileChangeTriggersOneReinit(t *testing.T) {
	root := writeProjectFixture(t, `{}`)
	host := &fakePluginHost{}
	collab := testCollaborators(t, newFakeServer(), host)

	_, sess := openTestProject(t, root, collab, Options{TestingType: config.TypeE2E})

	pluginsPath := sess.Config.PluginsFilePath()
	if err := os.WriteFile(pluginsPath, []byte("module.exports = (on, config) => config\n"), 0644); err != nil {
		t.Fatal(err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for host.calls() < 2 && time.Now().Before(deadline) {
		time.Sleep(20 * time.Millisecond)
	}
	if got := host.calls(); got != 2 {
		t.Fatalf("plugin init called %d times after one file change, want 2", got)
	}

	// Debounce quiet period, then another change triggers another cycle.
	time.Sleep(200 * time.Millisecond)
	if err := os.WriteFile(pluginsPath, []byte("module.exports = (on) => {}\n"), 0644); err != nil {
		t.Fatal(err)
	}
	deadline = time.Now().Add(2 * time.Second)
	for host.calls() < 3 && time.Now().Before(deadline) {
		time.Sleep(20 * time.Millisecond)
	}
	if got := host.calls(); got != 3 {
		t.Errorf("plugin init called %d times after second change, want 3", got)
	}
}

func TestSettingsChangeNotifiesCallback(t *testing.T) {
	root := writeProjectFixture(t, `{"port": 7777}`)
	collab := testCollaborators(t, newFakeServer(), &fakePluginHost{})

	ch := make(chan *config.Snapshot, 1)
	_, sess := openTestProject(t, root, collab, Options{
		TestingType:       config.TypeE2E,
		OnSettingsChanged: func(cfg *config.Snapshot) { ch <- cfg },
	})

	if err := os.WriteFile(sess.Config.SettingsPath(), []byte(`{"port": 8888}`), 0644); err != nil {
		t.Fatal(err)
	}

	select {
	case fresh := <-ch:
		if fresh.Port != 8888 {
			t.Errorf("fresh snapshot port = %d, want 8888", fresh.Port)
		}
		// The running snapshot stays as-is; restarting is the caller's call.
		if sess.Config.Port == 8888 {
			t.Error("settings change mutated the running snapshot")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("settings change never reached the callback")
	}
}

func TestWriteProjectIDSuppressesSettingsWatch(t *testing.T) {
	root := writeProjectFixture(t, `{}`)
	collab := testCollaborators(t, newFakeServer(), &fakePluginHost{})

	ch := make(chan *config.Snapshot, 4)
	_, sess := openTestProject(t, root, collab, Options{
		TestingType:       config.TypeE2E,
		OnSettingsChanged: func(cfg *config.Snapshot) { ch <- cfg },
	})

	if err := sess.WriteProjectID("abc123"); err != nil {
		t.Fatalf("WriteProjectID failed: %v", err)
	}
	if sess.Config.ProjectID != "abc123" {
		t.Errorf("snapshot projectId = %q, want abc123", sess.Config.ProjectID)
	}

	raw, err := os.ReadFile(sess.Config.SettingsPath())
	if err != nil {
		t.Fatal(err)
	}
	var persisted map[string]any
	if err := json.Unmarshal(raw, &persisted); err != nil {
		t.Fatalf("settings file unreadable after write: %v", err)
	}
	if got, _ := persisted["projectId"].(string); got != "abc123" {
		t.Errorf("persisted projectId = %q, want abc123", got)
	}

	select {
	case <-ch:
		t.Error("programmatic settings write bounced back as a change event")
	case <-time.After(300 * time.Millisecond):
	}
}
