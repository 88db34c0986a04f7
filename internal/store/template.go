package store

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// ErrTemplateUnknown is returned when a template name does not exist.
var ErrTemplateUnknown = errors.New("unknown template")

// metadataFile is the per-template metadata file; it is never copied
// into workspaces.
const metadataFile = "template.json"

// Template is a named workspace scaffold.
type Template struct {
	Name         string   `json:"name"`
	Description  string   `json:"description,omitempty"`
	DefaultAgent string   `json:"default_agent,omitempty"`
	Capabilities []string `json:"capabilities,omitempty"`

	dir string
}

// TemplateStore scans a directory of template subdirectories and keeps
// the set current with a filesystem watcher, so templates dropped in
// while the daemon runs become usable without a restart.
type TemplateStore struct {
	mu        sync.Mutex
	root      string
	templates map[string]Template // keyed by lowercased name
	watcher   *fsnotify.Watcher
	done      chan struct{}
}

// NewTemplateStore loads templates under root. A missing root yields an
// empty store (templates are optional).
func NewTemplateStore(root string) (*TemplateStore, error) {
	s := &TemplateStore{root: root, templates: make(map[string]Template)}
	if root == "" {
		return s, nil
	}
	if _, err := os.Stat(root); err != nil {
		if os.IsNotExist(err) {
			return s, nil
		}
		return nil, fmt.Errorf("template dir: %w", err)
	}
	if err := s.rescan(); err != nil {
		return nil, err
	}
	return s, nil
}

// Watch starts hot-reloading on template directory changes. Stop with
// Close.
func (s *TemplateStore) Watch() error {
	if s.root == "" {
		return nil
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create template watcher: %w", err)
	}
	if err := watcher.Add(s.root); err != nil {
		watcher.Close()
		return fmt.Errorf("watch template dir: %w", err)
	}

	s.mu.Lock()
	s.watcher = watcher
	s.done = make(chan struct{})
	s.mu.Unlock()

	go s.watchLoop(watcher)
	slog.Info("watching template directory", "path", s.root)
	return nil
}

func (s *TemplateStore) watchLoop(watcher *fsnotify.Watcher) {
	// Debounce: template unpacking touches many files in a burst.
	var timer *time.Timer
	const delay = 250 * time.Millisecond

	for {
		select {
		case <-s.done:
			if timer != nil {
				timer.Stop()
			}
			return
		case _, ok := <-watcher.Events:
			if !ok {
				return
			}
			if timer != nil {
				timer.Stop()
			}
			timer = time.AfterFunc(delay, func() {
				if err := s.rescan(); err != nil {
					slog.Warn("template rescan failed", "error", err)
				}
			})
		case err, ok := <-watcher.Errors:
			if !ok {
				return
			}
			slog.Error("template watcher error", "error", err)
		}
	}
}

// Close stops the watcher if one is running.
func (s *TemplateStore) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.watcher != nil {
		close(s.done)
		_ = s.watcher.Close()
		s.watcher = nil
	}
}

// rescan rebuilds the template set from disk.
func (s *TemplateStore) rescan() error {
	entries, err := os.ReadDir(s.root)
	if err != nil {
		return fmt.Errorf("read template dir: %w", err)
	}

	templates := make(map[string]Template)
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		dir := filepath.Join(s.root, e.Name())
		t := Template{Name: e.Name(), dir: dir}

		if data, err := os.ReadFile(filepath.Join(dir, metadataFile)); err == nil {
			if err := json.Unmarshal(data, &t); err != nil {
				slog.Warn("skipping template with bad metadata", "dir", dir, "error", err)
				continue
			}
			if t.Name == "" {
				t.Name = e.Name()
			}
			t.dir = dir
		}
		templates[strings.ToLower(t.Name)] = t
	}

	s.mu.Lock()
	s.templates = templates
	s.mu.Unlock()
	slog.Debug("templates loaded", "count", len(templates))
	return nil
}

// Get returns a template by case-insensitive name.
func (s *TemplateStore) Get(name string) (Template, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.templates[strings.ToLower(name)]
	return t, ok
}

// List returns all templates sorted by name.
func (s *TemplateStore) List() []Template {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Template, 0, len(s.templates))
	for _, t := range s.templates {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Apply copies the template scaffold (everything except the metadata
// file) into dest.
func (s *TemplateStore) Apply(name, dest string) error {
	t, ok := s.Get(name)
	if !ok {
		return fmt.Errorf("%s: %w", name, ErrTemplateUnknown)
	}

	entries, err := os.ReadDir(t.dir)
	if err != nil {
		return fmt.Errorf("read template %s: %w", name, err)
	}
	for _, e := range entries {
		if e.Name() == metadataFile {
			continue
		}
		src := filepath.Join(t.dir, e.Name())
		dst := filepath.Join(dest, e.Name())
		if err := copyTree(src, dst); err != nil {
			return fmt.Errorf("apply template %s: %w", name, err)
		}
	}
	slog.Info("applied template", "template", t.Name, "dest", dest)
	return nil
}

// copyTree recursively copies a file or directory.
func copyTree(src, dst string) error {
	fi, err := os.Lstat(src)
	if err != nil {
		return err
	}

	switch {
	case fi.IsDir():
		if err := os.MkdirAll(dst, fi.Mode().Perm()); err != nil {
			return err
		}
		entries, err := os.ReadDir(src)
		if err != nil {
			return err
		}
		for _, e := range entries {
			if err := copyTree(filepath.Join(src, e.Name()), filepath.Join(dst, e.Name())); err != nil {
				return err
			}
		}
		return nil

	case fi.Mode()&os.ModeSymlink != 0:
		target, err := os.Readlink(src)
		if err != nil {
			return err
		}
		return os.Symlink(target, dst)

	default:
		in, err := os.Open(src)
		if err != nil {
			return err
		}
		defer in.Close()
		out, err := os.OpenFile(dst, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, fi.Mode().Perm())
		if err != nil {
			return err
		}
		defer out.Close()
		_, err = io.Copy(out, in)
		return err
	}
}
