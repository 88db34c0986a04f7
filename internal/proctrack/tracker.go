// Package proctrack keeps a process-wide registry of long-running child
// PIDs (agents, dev servers, tunnels) so every termination path reaps
// them. PIDs are persisted to a file so orphans from a crashed daemon
// can be cleaned up on the next startup.
package proctrack

import (
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"syscall"
)

// Tracker is handed to components as an explicit dependency; there is
// no hidden package state. The daemon calls KillAll on shutdown and
// CleanupStale once at startup.
type Tracker struct {
	mu      sync.Mutex
	pids    map[int]struct{}
	pidFile string
}

// New creates a tracker persisting to pidFile. An empty pidFile keeps
// the tracker in-memory only (tests).
func New(pidFile string) *Tracker {
	return &Tracker{pids: make(map[int]struct{}), pidFile: pidFile}
}

// Track registers a long-running child PID.
func (t *Tracker) Track(pid int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.pids[pid] = struct{}{}
	t.save()
}

// Untrack removes a PID that exited normally.
func (t *Tracker) Untrack(pid int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.pids, pid)
	t.save()
}

// Tracked returns the current PID set (for status/debugging).
func (t *Tracker) Tracked() []int {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]int, 0, len(t.pids))
	for pid := range t.pids {
		out = append(out, pid)
	}
	return out
}

// KillAll sends SIGTERM to every tracked PID and clears the file.
// Signalling is fire-and-forget; dead PIDs are ignored.
func (t *Tracker) KillAll() {
	t.mu.Lock()
	defer t.mu.Unlock()
	for pid := range t.pids {
		if err := syscall.Kill(pid, syscall.SIGTERM); err == nil {
			slog.Debug("sent SIGTERM to tracked pid", "pid", pid)
		}
	}
	t.pids = make(map[int]struct{})
	t.save()
}

// CleanupStale terminates orphans recorded by a previous crashed daemon:
// it reads the PID file, SIGTERMs every still-live PID, and deletes the
// file. SIGKILLed daemons cannot run KillAll, so this covers that case.
func (t *Tracker) CleanupStale() {
	if t.pidFile == "" {
		return
	}
	data, err := os.ReadFile(t.pidFile)
	if err != nil {
		return
	}

	killed := 0
	for _, line := range strings.Split(string(data), "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		pid, err := strconv.Atoi(line)
		if err != nil {
			continue
		}
		if err := syscall.Kill(pid, syscall.SIGTERM); err == nil {
			killed++
			slog.Info("killed stale subprocess", "pid", pid)
		}
	}
	if killed > 0 {
		slog.Info("cleaned up stale subprocesses", "count", killed)
	}
	_ = os.Remove(t.pidFile)
}

// save rewrites the PID file atomically. Caller holds the lock.
func (t *Tracker) save() {
	if t.pidFile == "" {
		return
	}
	if err := os.MkdirAll(filepath.Dir(t.pidFile), 0o755); err != nil {
		return
	}

	var b strings.Builder
	for pid := range t.pids {
		b.WriteString(strconv.Itoa(pid))
		b.WriteByte('\n')
	}

	tmp := t.pidFile + ".tmp"
	if err := os.WriteFile(tmp, []byte(b.String()), 0o644); err != nil {
		slog.Warn("failed to persist pid file", "error", err)
		return
	}
	if err := os.Rename(tmp, t.pidFile); err != nil {
		slog.Warn("failed to persist pid file", "error", err)
	}
}
