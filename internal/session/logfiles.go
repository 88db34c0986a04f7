package session

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// Logger owns the three per-session files under <data>/logs/<session>:
// session.log (structured lifecycle log), agent.raw.log (every raw JSON
// line from the agent) and agent.stderr.log (written by the adapter).
// Files open in append mode so recovery continues where the previous
// daemon left off.
type Logger struct {
	mu      sync.Mutex
	dir     string
	logFile *os.File
	rawFile *os.File
	slogger *slog.Logger
}

// OpenLogger creates (or reopens) the log directory for a session.
func OpenLogger(dataDir, sessionName string) (*Logger, error) {
	dir := filepath.Join(dataDir, "logs", sessionName)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create log dir: %w", err)
	}

	logFile, err := os.OpenFile(filepath.Join(dir, "session.log"), os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open session log: %w", err)
	}
	rawFile, err := os.OpenFile(filepath.Join(dir, "agent.raw.log"), os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		logFile.Close()
		return nil, fmt.Errorf("open raw log: %w", err)
	}

	return &Logger{
		dir:     dir,
		logFile: logFile,
		rawFile: rawFile,
		slogger: slog.New(slog.NewTextHandler(logFile, nil)).With("session", sessionName),
	}, nil
}

// Log is the structured per-session logger.
func (l *Logger) Log() *slog.Logger { return l.slogger }

// StderrPath is where the agent adapter appends subprocess stderr.
func (l *Logger) StderrPath() string {
	return filepath.Join(l.dir, "agent.stderr.log")
}

// AppendRaw records one raw agent line with a timestamp prefix.
func (l *Logger) AppendRaw(line []byte) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.rawFile == nil {
		return
	}
	ts := time.Now().UTC().Format(time.RFC3339)
	_, _ = fmt.Fprintf(l.rawFile, "%s %s\n", ts, line)
}

// Close flushes and closes both files. Safe to call more than once.
func (l *Logger) Close() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.logFile != nil {
		_ = l.logFile.Close()
		l.logFile = nil
	}
	if l.rawFile != nil {
		_ = l.rawFile.Close()
		l.rawFile = nil
	}
}
