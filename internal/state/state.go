// Package state persists small per-project session/UI state (open
// timestamps, banner flags) as a JSON blob keyed by project root.
package state

import (
	"crypto/sha1"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// PersistedState is the durable blob for one project root.
type PersistedState struct {
	// FirstOpened is set on the first successful open and never overwritten.
	FirstOpened *time.Time `json:"firstOpened,omitempty"`
	// LastOpened updates on every open.
	LastOpened *time.Time `json:"lastOpened,omitempty"`

	ShowedNewProjectBanner bool                 `json:"showedNewProjectBanner,omitempty"`
	ShowedOnBoardingModal  bool                 `json:"showedOnBoardingModal,omitempty"`
	PromptsShown           map[string]time.Time `json:"promptsShown,omitempty"`
}

// Partial describes a merge into PersistedState. Nil fields are left alone.
type Partial struct {
	FirstOpened            *time.Time
	LastOpened             *time.Time
	ShowedNewProjectBanner *bool
	ShowedOnBoardingModal  *bool
	PromptsShown           map[string]time.Time
}

// Store is the persistence surface handed to the orchestrator.
type Store interface {
	Get() PersistedState
	Merge(partial Partial) (PersistedState, error)
	Save() error
}

// Ensure Handle implements Store at compile time.
var _ Store = (*Handle)(nil)

// Handle owns the state blob for one project root. A headless handle keeps
// state in memory only; runs must not dirty the interactive runner's state.
type Handle struct {
	path     string
	headless bool

	mu   sync.Mutex
	data PersistedState
}

// Dir returns the specmux home directory (~/.specmux), creating it if needed.
func Dir() (string, error) {
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("failed to get home directory: %w", err)
	}
	dir := filepath.Join(homeDir, ".specmux")
	if err := os.MkdirAll(dir, 0755); err != nil {
		return "", fmt.Errorf("failed to create %s: %w", dir, err)
	}
	return dir, nil
}

// Load reads (or initializes) the persisted state for projectRoot.
// A missing file yields an empty state, not an error.
func Load(projectRoot string, isHeadless bool) (*Handle, error) {
	dir, err := Dir()
	if err != nil {
		return nil, err
	}
	path := filepath.Join(dir, "projects", projectID(projectRoot), "state.json")
	return LoadFrom(path, isHeadless)
}

// LoadFrom reads the state blob at an explicit path.
func LoadFrom(path string, isHeadless bool) (*Handle, error) {
	h := &Handle{path: path, headless: isHeadless}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return h, nil
		}
		return nil, fmt.Errorf("failed to read state: %w", err)
	}
	if err := json.Unmarshal(data, &h.data); err != nil {
		// Corrupt state is recoverable: start fresh rather than block open.
		fmt.Printf("[state] discarding unreadable state file %s: %v\n", path, err)
		h.data = PersistedState{}
	}
	return h, nil
}

// Get returns a copy of the current state.
func (h *Handle) Get() PersistedState {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.data
}

// Merge applies partial to the state and persists the result. FirstOpened is
// write-once: a merge never overwrites an existing value.
func (h *Handle) Merge(partial Partial) (PersistedState, error) {
	h.mu.Lock()
	if partial.FirstOpened != nil && h.data.FirstOpened == nil {
		h.data.FirstOpened = partial.FirstOpened
	}
	if partial.LastOpened != nil {
		h.data.LastOpened = partial.LastOpened
	}
	if partial.ShowedNewProjectBanner != nil {
		h.data.ShowedNewProjectBanner = *partial.ShowedNewProjectBanner
	}
	if partial.ShowedOnBoardingModal != nil {
		h.data.ShowedOnBoardingModal = *partial.ShowedOnBoardingModal
	}
	if len(partial.PromptsShown) > 0 {
		if h.data.PromptsShown == nil {
			h.data.PromptsShown = make(map[string]time.Time)
		}
		for k, v := range partial.PromptsShown {
			h.data.PromptsShown[k] = v
		}
	}
	snapshot := h.data
	h.mu.Unlock()

	if err := h.Save(); err != nil {
		return PersistedState{}, err
	}
	return snapshot, nil
}

// Save writes the state blob to disk. No-op for headless handles.
func (h *Handle) Save() error {
	if h.headless {
		return nil
	}
	h.mu.Lock()
	data, err := json.MarshalIndent(h.data, "", "  ")
	h.mu.Unlock()
	if err != nil {
		return fmt.Errorf("failed to marshal state: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(h.path), 0755); err != nil {
		return fmt.Errorf("failed to create state dir: %w", err)
	}
	if err := os.WriteFile(h.path, data, 0644); err != nil {
		return fmt.Errorf("failed to write state: %w", err)
	}
	return nil
}

// projectID derives a stable directory name for a project root.
func projectID(projectRoot string) string {
	sum := sha1.Sum([]byte(projectRoot))
	return hex.EncodeToString(sum[:])[:16]
}
