package agent

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/nextlevelbuilder/afk/internal/proctrack"
)

func TestMapCodexItem(t *testing.T) {
	t.Run("agent message becomes text", func(t *testing.T) {
		blocks := mapCodexItem(codexItem{Type: "agent_message", Text: "done"})
		if len(blocks) != 1 || blocks[0].Type != "text" || blocks[0].Text != "done" {
			t.Errorf("got %+v", blocks)
		}
	})

	t.Run("reasoning is prefixed", func(t *testing.T) {
		blocks := mapCodexItem(codexItem{Type: "reasoning", Text: "thinking"})
		if len(blocks) != 1 || blocks[0].Text != "[reasoning] thinking" {
			t.Errorf("got %+v", blocks)
		}
	})

	t.Run("command execution yields tool pair", func(t *testing.T) {
		blocks := mapCodexItem(codexItem{
			Type:             "command_execution",
			Command:          "go test ./...",
			AggregatedOutput: "ok",
			ExitCode:         0,
		})
		if len(blocks) != 2 {
			t.Fatalf("got %d blocks, want 2", len(blocks))
		}
		if blocks[0].Type != "tool_use" || blocks[0].Name != "Bash" {
			t.Errorf("tool_use block = %+v", blocks[0])
		}
		if blocks[0].Input["command"] != "go test ./..." {
			t.Errorf("command input = %v", blocks[0].Input)
		}
		if blocks[1].Type != "tool_result" || blocks[1].IsError {
			t.Errorf("tool_result block = %+v", blocks[1])
		}
	})

	t.Run("nonzero exit code marks tool error", func(t *testing.T) {
		blocks := mapCodexItem(codexItem{Type: "command_execution", Command: "false", ExitCode: 1})
		if !blocks[1].IsError {
			t.Error("expected IsError for exit code 1")
		}
	})

	t.Run("file change lists kind and path", func(t *testing.T) {
		item := codexItem{Type: "file_change"}
		item.Changes = []struct {
			Path       string `json:"path"`
			ChangeKind string `json:"change_kind"`
		}{
			{Path: "main.go", ChangeKind: "update"},
			{Path: "new.go", ChangeKind: "add"},
		}
		blocks := mapCodexItem(item)
		if len(blocks) != 1 || blocks[0].Name != "FileChange" {
			t.Fatalf("got %+v", blocks)
		}
		if blocks[0].Input["changes"] != "update: main.go\nadd: new.go" {
			t.Errorf("changes = %q", blocks[0].Input["changes"])
		}
	})

	t.Run("mcp tool call with result", func(t *testing.T) {
		blocks := mapCodexItem(codexItem{Type: "mcp_tool_call", ToolName: "search", Content: "result"})
		if len(blocks) != 2 || blocks[0].Name != "MCP:search" || blocks[1].Content != "result" {
			t.Errorf("got %+v", blocks)
		}
	})

	t.Run("error item", func(t *testing.T) {
		blocks := mapCodexItem(codexItem{Type: "error", Text: "boom"})
		if len(blocks) != 1 || blocks[0].Text != "Error: boom" {
			t.Errorf("got %+v", blocks)
		}
	})

	t.Run("unknown item dropped", func(t *testing.T) {
		if blocks := mapCodexItem(codexItem{Type: "todo_list"}); blocks != nil {
			t.Errorf("got %+v, want nil", blocks)
		}
	})

	t.Run("empty agent message dropped", func(t *testing.T) {
		if blocks := mapCodexItem(codexItem{Type: "agent_message"}); blocks != nil {
			t.Errorf("got %+v, want nil", blocks)
		}
	})
}

func TestCodexStopConcurrentWithEmit(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "codex"), []byte("#!/bin/sh\nexit 0\n"), 0o755); err != nil {
		t.Fatal(err)
	}
	t.Setenv("PATH", dir)

	a := NewCodexAgent(proctrack.New(""))().(*CodexAgent)
	if err := a.Start(context.Background(), t.TempDir(), "", ""); err != nil {
		t.Fatalf("Start: %v", err)
	}

	// Hammer emit from several goroutines while Stop closes the queue; a
	// send racing the close would panic and fail the test.
	var wg sync.WaitGroup
	for range 4 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for range 500 {
				a.emit(RawMessage{Type: TypeAssistant})
			}
		}()
	}
	if err := a.Stop(); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	wg.Wait()

	if err := a.Stop(); err != nil {
		t.Errorf("second Stop: %v", err)
	}
	for {
		if _, ok := <-a.Responses(); !ok {
			break
		}
	}
}

func TestErrorMessageFallback(t *testing.T) {
	msg := errorMessage("", "{}")
	if msg.ContentBlocks[0].Text != "Error: unknown error" {
		t.Errorf("got %q", msg.ContentBlocks[0].Text)
	}
}
