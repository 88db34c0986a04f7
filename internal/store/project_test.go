package store

import (
	"errors"
	"testing"
)

func newProjectStore(t *testing.T) (*ProjectStore, string) {
	t.Helper()
	dir := t.TempDir()
	s, err := NewProjectStore(dir)
	if err != nil {
		t.Fatalf("NewProjectStore: %v", err)
	}
	return s, dir
}

func TestProjectAddGetRemove(t *testing.T) {
	s, _ := newProjectStore(t)
	projDir := t.TempDir()

	if err := s.Add("Demo", projDir); err != nil {
		t.Fatalf("Add: %v", err)
	}

	// Lookup is case-insensitive.
	p, ok := s.Get("demo")
	if !ok {
		t.Fatal("Get(demo) = not found")
	}
	if p.Name != "Demo" || p.Path != projDir {
		t.Errorf("got %+v", p)
	}
	if p.CreatedAt.IsZero() {
		t.Error("CreatedAt not set")
	}

	if err := s.Add("DEMO", projDir); !errors.Is(err, ErrProjectExists) {
		t.Errorf("duplicate Add err = %v, want ErrProjectExists", err)
	}

	if err := s.Remove("dEmO"); err != nil {
		t.Fatalf("Remove: %v", err)
	}
	if _, ok := s.Get("demo"); ok {
		t.Error("project still present after Remove")
	}
	if err := s.Remove("demo"); !errors.Is(err, ErrProjectUnknown) {
		t.Errorf("Remove missing err = %v, want ErrProjectUnknown", err)
	}
}

func TestProjectAddRejectsMissingDir(t *testing.T) {
	s, _ := newProjectStore(t)
	if err := s.Add("ghost", "/nonexistent/path/xyz"); err == nil {
		t.Error("expected error for missing directory")
	}
}

func TestProjectPersistsAcrossReload(t *testing.T) {
	s, dataDir := newProjectStore(t)
	projDir := t.TempDir()
	if err := s.Add("alpha", projDir); err != nil {
		t.Fatalf("Add: %v", err)
	}

	reloaded, err := NewProjectStore(dataDir)
	if err != nil {
		t.Fatalf("reload: %v", err)
	}
	p, ok := reloaded.Get("alpha")
	if !ok || p.Path != projDir {
		t.Errorf("reloaded project = %+v, ok=%v", p, ok)
	}
}

func TestProjectCatalogViews(t *testing.T) {
	s, _ := newProjectStore(t)
	dirA, dirB := t.TempDir(), t.TempDir()
	if err := s.Add("b", dirB); err != nil {
		t.Fatal(err)
	}
	if err := s.Add("a", dirA); err != nil {
		t.Fatal(err)
	}

	list := s.List()
	if len(list) != 2 || list[0].Name != "a" || list[1].Name != "b" {
		t.Errorf("List() = %+v, want sorted by name", list)
	}

	if path, ok := s.Lookup("A"); !ok || path != dirA {
		t.Errorf("Lookup(A) = %q, %v", path, ok)
	}
	if paths := s.AllPaths(); len(paths) != 2 {
		t.Errorf("AllPaths() = %v", paths)
	}
}
