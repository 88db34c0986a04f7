package store

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestMessageAppendAndRecent(t *testing.T) {
	s, err := NewMessageStore(t.TempDir())
	if err != nil {
		t.Fatalf("NewMessageStore: %v", err)
	}
	defer s.Close()

	s.Append("123", Message{Role: "user", Text: "first"})
	s.Append("123", Message{Role: "agent", Text: "second"})
	s.Append("456", Message{Role: "user", Text: "other channel"})

	msgs := s.Recent("123", 0, 0)
	if len(msgs) != 2 {
		t.Fatalf("Recent = %d messages, want 2", len(msgs))
	}
	if msgs[0].Text != "first" || msgs[1].Text != "second" {
		t.Errorf("got %+v", msgs)
	}
	if msgs[0].Timestamp.IsZero() {
		t.Error("timestamp not assigned")
	}

	if got := s.Recent("123", 1, 0); len(got) != 1 || got[0].Text != "second" {
		t.Errorf("Recent(after=1) = %+v", got)
	}
	if got := s.Recent("123", 5, 0); got != nil {
		t.Errorf("Recent past end = %+v, want nil", got)
	}
	if got := s.Recent("missing", 0, 0); got != nil {
		t.Errorf("Recent(unknown) = %+v, want nil", got)
	}
}

func TestMessageLimitKeepsNewest(t *testing.T) {
	s, err := NewMessageStore("")
	if err != nil {
		t.Fatal(err)
	}
	for _, text := range []string{"a", "b", "c"} {
		s.Append("ch", Message{Role: "user", Text: text})
	}
	got := s.Recent("ch", 0, 2)
	if len(got) != 2 || got[0].Text != "b" || got[1].Text != "c" {
		t.Errorf("Recent(limit=2) = %+v", got)
	}
}

func TestMessageReloadFromDisk(t *testing.T) {
	dir := t.TempDir()

	s, err := NewMessageStore(dir)
	if err != nil {
		t.Fatal(err)
	}
	// The id contains characters the filename cannot carry; the header
	// line must round-trip it.
	s.Append("web:a1b2", Message{Role: "user", Text: "hello"})
	s.Close()

	reloaded, err := NewMessageStore(dir)
	if err != nil {
		t.Fatalf("reload: %v", err)
	}
	defer reloaded.Close()

	msgs := reloaded.Recent("web:a1b2", 0, 0)
	if len(msgs) != 1 || msgs[0].Text != "hello" {
		t.Errorf("reloaded = %+v", msgs)
	}

	channels := reloaded.Channels()
	if len(channels) != 1 || channels[0] != "web:a1b2" {
		t.Errorf("Channels() = %v", channels)
	}
}

func TestMessageSkipsHeaderlessFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "stray.jsonl")
	if err := os.WriteFile(path, []byte(`{"role":"user","text":"x"}`+"\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	s, err := NewMessageStore(dir)
	if err != nil {
		t.Fatalf("NewMessageStore: %v", err)
	}
	defer s.Close()
	if got := s.Channels(); len(got) != 0 {
		t.Errorf("Channels() = %v, want none", got)
	}
}

func TestSanitizeChannelID(t *testing.T) {
	tests := []struct{ in, want string }{
		{"123", "123"},
		{"general", "general"},
		{"web:a1b2c3", "web_a1b2c3"},
		{"../evil", "___evil"},
	}
	for _, tt := range tests {
		if got := sanitizeChannelID(tt.in); got != tt.want {
			t.Errorf("sanitizeChannelID(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
	if strings.ContainsAny(sanitizeChannelID("a/b\\c"), "/\\") {
		t.Error("separator survived sanitization")
	}
}
