// Package store holds the supervisor's durable state: registered
// projects, per-channel message history and workspace templates. All
// writes are atomic (temp file then rename).
package store

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"
)

var (
	// ErrProjectExists is returned when registering a name already taken.
	ErrProjectExists = errors.New("project already registered")
	// ErrProjectUnknown is returned for lookups of unregistered names.
	ErrProjectUnknown = errors.New("project not registered")
)

// Project is a named reference to a version-controlled directory.
// Identity is the lowercased name; records are never mutated in place.
type Project struct {
	Name      string    `json:"name"`
	Path      string    `json:"path"`
	CreatedAt time.Time `json:"created_at"`
}

// ProjectStore persists the project registry to projects.json.
type ProjectStore struct {
	mu       sync.Mutex
	file     string
	projects map[string]Project // keyed by lowercased name
}

// NewProjectStore loads (or initializes) the registry under dataDir.
func NewProjectStore(dataDir string) (*ProjectStore, error) {
	s := &ProjectStore{
		file:     filepath.Join(dataDir, "projects.json"),
		projects: make(map[string]Project),
	}

	data, err := os.ReadFile(s.file)
	if err != nil {
		if os.IsNotExist(err) {
			return s, nil
		}
		return nil, fmt.Errorf("read project registry: %w", err)
	}

	var list []Project
	if err := json.Unmarshal(data, &list); err != nil {
		return nil, fmt.Errorf("parse project registry: %w", err)
	}
	for _, p := range list {
		s.projects[strings.ToLower(p.Name)] = p
	}
	return s, nil
}

// Add registers a project. The path must be an existing directory.
func (s *ProjectStore) Add(name, path string) error {
	abs, err := filepath.Abs(path)
	if err != nil {
		return fmt.Errorf("resolve path: %w", err)
	}
	fi, err := os.Stat(abs)
	if err != nil {
		return fmt.Errorf("project path: %w", err)
	}
	if !fi.IsDir() {
		return fmt.Errorf("project path %s is not a directory", abs)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	key := strings.ToLower(name)
	if _, ok := s.projects[key]; ok {
		return fmt.Errorf("%s: %w", name, ErrProjectExists)
	}
	s.projects[key] = Project{Name: name, Path: abs, CreatedAt: time.Now().UTC()}
	return s.saveLocked()
}

// Remove unregisters a project. The directory itself is untouched.
func (s *ProjectStore) Remove(name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := strings.ToLower(name)
	if _, ok := s.projects[key]; !ok {
		return fmt.Errorf("%s: %w", name, ErrProjectUnknown)
	}
	delete(s.projects, key)
	return s.saveLocked()
}

// Get returns one project by case-insensitive name.
func (s *ProjectStore) Get(name string) (Project, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.projects[strings.ToLower(name)]
	return p, ok
}

// List returns all projects sorted by name.
func (s *ProjectStore) List() []Project {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Project, 0, len(s.projects))
	for _, p := range s.projects {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Lookup resolves a name to its path. Satisfies the session manager's
// project catalog.
func (s *ProjectStore) Lookup(name string) (string, bool) {
	p, ok := s.Get(name)
	return p.Path, ok
}

// AllPaths lists every registered project path.
func (s *ProjectStore) AllPaths() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.projects))
	for _, p := range s.projects {
		out = append(out, p.Path)
	}
	sort.Strings(out)
	return out
}

func (s *ProjectStore) saveLocked() error {
	list := make([]Project, 0, len(s.projects))
	for _, p := range s.projects {
		list = append(list, p)
	}
	sort.Slice(list, func(i, j int) bool { return list[i].Name < list[j].Name })

	data, err := json.MarshalIndent(list, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal project registry: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(s.file), 0o755); err != nil {
		return fmt.Errorf("create data dir: %w", err)
	}

	tmp := s.file + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("write project registry: %w", err)
	}
	if err := os.Rename(tmp, s.file); err != nil {
		return fmt.Errorf("write project registry: %w", err)
	}
	return nil
}
