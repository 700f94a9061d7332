// Package specs discovers the spec files relevant to the active testing
// type and watches the spec tree for set changes.
package specs

import (
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/charmbracelet/log"

	"github.com/sergeknystautas/specmux/internal/config"
	"github.com/sergeknystautas/specmux/internal/errs"
	"github.com/sergeknystautas/specmux/internal/watch"
)

// Descriptor identifies one discovered spec file.
type Descriptor struct {
	AbsolutePath string `json:"absolute"`
	RelativePath string `json:"relative"`
	SpecType     string `json:"specType"`
}

var specExtensions = map[string]bool{
	".js":  true,
	".jsx": true,
	".ts":  true,
	".tsx": true,
}

// Find walks the active spec folder for the configured testing type and
// returns the matching descriptors, sorted by relative path. One-shot.
func Find(cfg *config.Snapshot) ([]Descriptor, error) {
	if !cfg.TestingType.Valid() {
		return nil, errs.Configuration("unknown testing type: %q", string(cfg.TestingType))
	}
	specType := cfg.TestingType.SpecType()
	root := cfg.SpecFolder(specType)

	var found []Descriptor
	err := filepath.WalkDir(root, func(p string, d fs.DirEntry, walkErr error) error {
		if walkErr != nil {
			if os.IsNotExist(walkErr) && p == root {
				return filepath.SkipAll
			}
			return walkErr
		}
		if d.IsDir() {
			if strings.HasPrefix(d.Name(), ".") && p != root {
				return filepath.SkipDir
			}
			return nil
		}
		if !specExtensions[filepath.Ext(p)] {
			return nil
		}
		rel, err := filepath.Rel(root, p)
		if err != nil {
			return err
		}
		found = append(found, Descriptor{
			AbsolutePath: p,
			RelativePath: filepath.ToSlash(rel),
			SpecType:     specType,
		})
		return nil
	})
	if err != nil {
		return nil, err
	}

	found = FilterByType(found, specType)
	sort.Slice(found, func(i, j int) bool {
		return found[i].RelativePath < found[j].RelativePath
	})
	return found, nil
}

// FilterByType drops descriptors whose spec type does not match the active
// testing type.
func FilterByType(descriptors []Descriptor, specType string) []Descriptor {
	filtered := descriptors[:0]
	for _, d := range descriptors {
		if d.SpecType == specType {
			filtered = append(filtered, d)
		}
	}
	return filtered
}

// Store holds the current spec set and notifies subscribers when the set
// changes on disk.
type Store struct {
	cfg *config.Snapshot

	mu      sync.Mutex
	current []Descriptor
	subs    []func([]Descriptor)
	handle  *watch.Handle
}

func NewStore(cfg *config.Snapshot) *Store {
	return &Store{cfg: cfg}
}

// Get returns the most recently discovered spec set.
func (s *Store) Get() []Descriptor {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Descriptor(nil), s.current...)
}

// Subscribe registers a callback invoked with the full spec set whenever it
// changes. Subscribers added after Start still receive future changes.
func (s *Store) Subscribe(fn func([]Descriptor)) {
	s.mu.Lock()
	s.subs = append(s.subs, fn)
	s.mu.Unlock()
}

// Start performs the initial discovery and begins watching the spec tree.
func (s *Store) Start(registry *watch.Registry) error {
	found, err := Find(s.cfg)
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.current = found
	s.mu.Unlock()

	root := s.cfg.SpecFolder(s.cfg.TestingType.SpecType())
	if _, statErr := os.Stat(root); os.IsNotExist(statErr) {
		// Nothing to watch until the folder is scaffolded.
		return nil
	}
	handle, err := registry.WatchTree(root, func(string) { s.refresh() })
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.handle = handle
	s.mu.Unlock()
	return nil
}

// Stop releases the tree watch. The registry's CloseAll also covers it; Stop
// exists for callers that tear down the store on its own.
func (s *Store) Stop() {
	s.mu.Lock()
	handle := s.handle
	s.handle = nil
	s.mu.Unlock()
	if handle != nil {
		handle.Close()
	}
}

func (s *Store) refresh() {
	found, err := Find(s.cfg)
	if err != nil {
		log.Warn("spec re-discovery failed", "error", err)
		return
	}

	s.mu.Lock()
	changed := !equal(s.current, found)
	if changed {
		s.current = found
	}
	subs := make([]func([]Descriptor), len(s.subs))
	copy(subs, s.subs)
	s.mu.Unlock()

	if !changed {
		return
	}
	for _, fn := range subs {
		fn(found)
	}
}

func equal(a, b []Descriptor) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
