package store

import (
	"bufio"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"
)

// RingSize bounds the in-memory history per channel.
const RingSize = 500

// Message is one timestamped channel entry.
type Message struct {
	Timestamp time.Time         `json:"timestamp"`
	Role      string            `json:"role"` // user, assistant, system, tool, result, file, permission
	Text      string            `json:"text"`
	Meta      map[string]string `json:"meta,omitempty"`
}

// fileHeader is the first line of every channel log file. Carrying the
// channel id inside the file lets ids round-trip exactly instead of
// being reconstructed from sanitized filenames.
type fileHeader struct {
	ChannelID string `json:"channel_id"`
}

type channelLog struct {
	ring []Message // at most RingSize, oldest first
	file *os.File
}

// MessageStore keeps a bounded ring of recent messages per channel,
// mirrored to an append-only JSONL file per channel.
type MessageStore struct {
	mu       sync.Mutex
	dir      string // empty disables the on-disk log
	channels map[string]*channelLog
}

// NewMessageStore opens the store under dir and reloads existing
// channel logs. An empty dir keeps the store memory-only.
func NewMessageStore(dir string) (*MessageStore, error) {
	s := &MessageStore{dir: dir, channels: make(map[string]*channelLog)}
	if dir == "" {
		return s, nil
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create message dir: %w", err)
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("read message dir: %w", err)
	}
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".jsonl") {
			continue
		}
		if err := s.reload(filepath.Join(dir, e.Name())); err != nil {
			slog.Warn("skipping unreadable message log", "file", e.Name(), "error", err)
		}
	}
	return s, nil
}

// reload restores one channel's ring from its log file.
func (s *MessageStore) reload(path string) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 64*1024), 4*1024*1024)

	if !scanner.Scan() {
		return fmt.Errorf("empty log file")
	}
	var header fileHeader
	if err := json.Unmarshal(scanner.Bytes(), &header); err != nil || header.ChannelID == "" {
		return fmt.Errorf("missing channel header")
	}

	var ring []Message
	for scanner.Scan() {
		var msg Message
		if err := json.Unmarshal(scanner.Bytes(), &msg); err != nil {
			continue
		}
		ring = append(ring, msg)
		if len(ring) > RingSize {
			ring = ring[1:]
		}
	}

	s.channels[header.ChannelID] = &channelLog{ring: ring}
	return nil
}

// Append records a message on a channel, creating the channel's log
// file (with its header line) on first use.
func (s *MessageStore) Append(channelID string, msg Message) {
	if msg.Timestamp.IsZero() {
		msg.Timestamp = time.Now().UTC()
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	ch, ok := s.channels[channelID]
	if !ok {
		ch = &channelLog{}
		s.channels[channelID] = ch
	}

	ch.ring = append(ch.ring, msg)
	if len(ch.ring) > RingSize {
		ch.ring = ch.ring[1:]
	}

	if s.dir == "" {
		return
	}
	if ch.file == nil {
		f, created, err := s.openLog(channelID)
		if err != nil {
			slog.Warn("failed to open message log", "channel", channelID, "error", err)
			return
		}
		ch.file = f
		if created {
			writeJSONL(f, fileHeader{ChannelID: channelID})
		}
	}
	writeJSONL(ch.file, msg)
}

// openLog opens (or creates) the channel's log file and reports whether
// it was freshly created.
func (s *MessageStore) openLog(channelID string) (*os.File, bool, error) {
	path := filepath.Join(s.dir, sanitizeChannelID(channelID)+".jsonl")
	_, statErr := os.Stat(path)
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, false, err
	}
	return f, os.IsNotExist(statErr), nil
}

// Recent returns up to limit messages after index `after` (0-based count
// of messages already seen). limit<=0 means everything available.
func (s *MessageStore) Recent(channelID string, after, limit int) []Message {
	s.mu.Lock()
	defer s.mu.Unlock()

	ch, ok := s.channels[channelID]
	if !ok {
		return nil
	}
	ring := ch.ring
	if after >= len(ring) {
		return nil
	}
	if after > 0 {
		ring = ring[after:]
	}
	if limit > 0 && len(ring) > limit {
		ring = ring[len(ring)-limit:]
	}
	out := make([]Message, len(ring))
	copy(out, ring)
	return out
}

// Channels lists channel ids with recorded history.
func (s *MessageStore) Channels() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.channels))
	for id := range s.channels {
		out = append(out, id)
	}
	return out
}

// Close flushes and closes every open log file.
func (s *MessageStore) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, ch := range s.channels {
		if ch.file != nil {
			_ = ch.file.Close()
			ch.file = nil
		}
	}
}

// sanitizeChannelID makes a channel id filesystem-safe. The real id
// lives in the file header; the filename is only a convenience.
func sanitizeChannelID(id string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_':
			return r
		default:
			return '_'
		}
	}, id)
}

func writeJSONL(f *os.File, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		return
	}
	_, _ = f.Write(append(data, '\n'))
}
