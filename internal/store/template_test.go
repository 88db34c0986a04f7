package store

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
)

func writeTemplate(t *testing.T, root, name string, metadata string, files map[string]string) {
	t.Helper()
	dir := filepath.Join(root, name)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		t.Fatal(err)
	}
	if metadata != "" {
		if err := os.WriteFile(filepath.Join(dir, "template.json"), []byte(metadata), 0o644); err != nil {
			t.Fatal(err)
		}
	}
	for rel, content := range files {
		path := filepath.Join(dir, rel)
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			t.Fatal(err)
		}
		if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
			t.Fatal(err)
		}
	}
}

func TestTemplateScanAndMetadata(t *testing.T) {
	root := t.TempDir()
	writeTemplate(t, root, "nextjs", `{"description":"Next.js app","default_agent":"claude"}`, nil)
	writeTemplate(t, root, "plain", "", nil)

	s, err := NewTemplateStore(root)
	if err != nil {
		t.Fatalf("NewTemplateStore: %v", err)
	}

	tmpl, ok := s.Get("NEXTJS")
	if !ok {
		t.Fatal("Get(NEXTJS) = not found")
	}
	if tmpl.Description != "Next.js app" || tmpl.DefaultAgent != "claude" {
		t.Errorf("got %+v", tmpl)
	}

	if _, ok := s.Get("plain"); !ok {
		t.Error("template without metadata should still load")
	}

	list := s.List()
	if len(list) != 2 || list[0].Name != "nextjs" || list[1].Name != "plain" {
		t.Errorf("List() = %+v", list)
	}
}

func TestTemplateMissingRootIsEmpty(t *testing.T) {
	s, err := NewTemplateStore(filepath.Join(t.TempDir(), "missing"))
	if err != nil {
		t.Fatalf("NewTemplateStore: %v", err)
	}
	if got := s.List(); len(got) != 0 {
		t.Errorf("List() = %+v, want empty", got)
	}
}

func TestTemplateApply(t *testing.T) {
	root := t.TempDir()
	writeTemplate(t, root, "scaffold", `{"description":"d"}`, map[string]string{
		"CLAUDE.md":        "instructions",
		"src/nested/a.txt": "content",
	})

	s, err := NewTemplateStore(root)
	if err != nil {
		t.Fatal(err)
	}

	dest := t.TempDir()
	if err := s.Apply("scaffold", dest); err != nil {
		t.Fatalf("Apply: %v", err)
	}

	data, err := os.ReadFile(filepath.Join(dest, "CLAUDE.md"))
	if err != nil || string(data) != "instructions" {
		t.Errorf("CLAUDE.md = %q, err=%v", data, err)
	}
	data, err = os.ReadFile(filepath.Join(dest, "src", "nested", "a.txt"))
	if err != nil || string(data) != "content" {
		t.Errorf("nested file = %q, err=%v", data, err)
	}

	// Metadata stays out of workspaces.
	if _, err := os.Stat(filepath.Join(dest, "template.json")); !os.IsNotExist(err) {
		t.Error("template.json was copied into the workspace")
	}
}

func TestTemplateApplyUnknown(t *testing.T) {
	s, err := NewTemplateStore(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	if err := s.Apply("ghost", t.TempDir()); !errors.Is(err, ErrTemplateUnknown) {
		t.Errorf("err = %v, want ErrTemplateUnknown", err)
	}
}
