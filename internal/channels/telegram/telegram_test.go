package telegram

import (
	"strings"
	"testing"

	"github.com/nextlevelbuilder/afk/internal/bus"
)

func TestSplitMessage(t *testing.T) {
	t.Run("short text passes through", func(t *testing.T) {
		chunks := splitMessage("hello")
		if len(chunks) != 1 || chunks[0] != "hello" {
			t.Errorf("got %v", chunks)
		}
	})

	t.Run("splits at newline boundary", func(t *testing.T) {
		head := strings.Repeat("a", maxMessageLength-100)
		tail := strings.Repeat("b", 200)
		chunks := splitMessage(head + "\n" + tail)
		if len(chunks) != 2 {
			t.Fatalf("got %d chunks, want 2", len(chunks))
		}
		if chunks[0] != head || chunks[1] != tail {
			t.Errorf("chunk lengths = %d, %d", len(chunks[0]), len(chunks[1]))
		}
	})

	t.Run("hard split without newlines", func(t *testing.T) {
		chunks := splitMessage(strings.Repeat("x", maxMessageLength+10))
		if len(chunks) != 2 || len(chunks[0]) != maxMessageLength || len(chunks[1]) != 10 {
			t.Errorf("chunk lengths = %v", lengths(chunks))
		}
	})

	t.Run("every chunk fits the limit", func(t *testing.T) {
		text := strings.Repeat(strings.Repeat("w", 90)+"\n", 200)
		for i, c := range splitMessage(text) {
			if len(c) > maxMessageLength {
				t.Errorf("chunk %d has %d bytes", i, len(c))
			}
		}
	})
}

func lengths(chunks []string) []int {
	out := make([]int, len(chunks))
	for i, c := range chunks {
		out[i] = len(c)
	}
	return out
}

func TestNormalizeDashes(t *testing.T) {
	tests := []struct{ in, want string }{
		{"/new —verbose", "/new --verbose"},
		{"/new –a codex", "/new -a codex"},
		{"/new -t nextjs", "/new -t nextjs"},
	}
	for _, tt := range tests {
		if got := normalizeDashes(tt.in); got != tt.want {
			t.Errorf("normalizeDashes(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestStateEmoji(t *testing.T) {
	tests := []struct{ state, want string }{
		{"idle", "💤"},
		{"running", "🏃"},
		{"waiting_permission", "⏳"},
		{"stopped", "🔴"},
		{"suspended", "💾"},
		{"bogus", "❓"},
	}
	for _, tt := range tests {
		if got := stateEmoji(tt.state); got != tt.want {
			t.Errorf("stateEmoji(%q) = %q, want %q", tt.state, got, tt.want)
		}
	}
}

func TestSummarizeToolArgs(t *testing.T) {
	t.Run("prefers well-known keys", func(t *testing.T) {
		got := summarizeToolArgs(map[string]any{"command": "ls -la", "timeout": 30})
		if got != "ls -la" {
			t.Errorf("got %q", got)
		}
	})

	t.Run("long values are truncated", func(t *testing.T) {
		got := summarizeToolArgs(map[string]any{"command": strings.Repeat("c", 300)})
		if len(got) <= 200 || !strings.HasSuffix(got, "…") {
			t.Errorf("len=%d suffix=%q", len(got), got[len(got)-3:])
		}
	})

	t.Run("falls back to json", func(t *testing.T) {
		got := summarizeToolArgs(map[string]any{"count": 3})
		if got != `{"count":3}` {
			t.Errorf("got %q", got)
		}
	})

	t.Run("empty input", func(t *testing.T) {
		if got := summarizeToolArgs(nil); got != "" {
			t.Errorf("got %q", got)
		}
	})
}

func TestSummarizeToolResult(t *testing.T) {
	if got := summarizeToolResult(bus.ContentBlock{Content: "ok"}); got != "📎 Tool result: ok" {
		t.Errorf("got %q", got)
	}
	if got := summarizeToolResult(bus.ContentBlock{Content: "boom", IsError: true}); got != "❌ Tool error: boom" {
		t.Errorf("got %q", got)
	}
	if got := summarizeToolResult(bus.ContentBlock{Content: "  \n"}); got != "📎 Tool result (empty)" {
		t.Errorf("got %q", got)
	}
}

func TestChannelLink(t *testing.T) {
	c := &Channel{config: Config{GroupID: -1001234567890}}
	if got := c.channelLink("42"); got != "https://t.me/c/1234567890/42" {
		t.Errorf("channelLink = %q", got)
	}
}
