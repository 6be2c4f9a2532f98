// Package session runs agent conversations: it keeps chat transcripts on disk
// and schedules loops with bounded concurrency.
package session

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/KafClaw/localclaw/internal/agent"
)

// Session is the transcript of one chat session.
type Session struct {
	Key       string          `json:"key"`
	Messages  []agent.Message `json:"messages"`
	CreatedAt time.Time       `json:"created_at"`
	UpdatedAt time.Time       `json:"updated_at"`
	mu        sync.RWMutex
}

// NewSession creates an empty session.
func NewSession(key string) *Session {
	now := time.Now()
	return &Session{
		Key:       key,
		Messages:  []agent.Message{},
		CreatedAt: now,
		UpdatedAt: now,
	}
}

// AddMessage appends a message.
func (s *Session) AddMessage(role, content string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := time.Now()
	s.Messages = append(s.Messages, agent.Message{Role: role, Content: content, Time: now})
	s.UpdatedAt = now
}

// History returns the last maxMessages messages. maxMessages <= 0 returns all.
func (s *Session) History(maxMessages int) []agent.Message {
	s.mu.RLock()
	defer s.mu.RUnlock()
	msgs := s.Messages
	if maxMessages > 0 && len(msgs) > maxMessages {
		msgs = msgs[len(msgs)-maxMessages:]
	}
	out := make([]agent.Message, len(msgs))
	copy(out, msgs)
	return out
}

// Clear removes all messages.
func (s *Session) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Messages = []agent.Message{}
	s.UpdatedAt = time.Now()
}

// Store persists sessions as JSONL files: a metadata line followed by one
// line per message.
type Store struct {
	dir   string
	cache map[string]*Session
	mu    sync.RWMutex
}

// NewStore creates a store rooted at dir.
func NewStore(dir string) (*Store, error) {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("create sessions dir: %w", err)
	}
	return &Store{dir: dir, cache: make(map[string]*Session)}, nil
}

// GetOrCreate returns the cached or stored session, or a new one.
func (m *Store) GetOrCreate(key string) *Session {
	m.mu.Lock()
	defer m.mu.Unlock()
	if s, ok := m.cache[key]; ok {
		return s
	}
	s := m.load(key)
	if s == nil {
		s = NewSession(key)
	}
	m.cache[key] = s
	return s
}

type metaLine struct {
	Type      string `json:"_type"`
	Key       string `json:"key"`
	CreatedAt string `json:"created_at"`
	UpdatedAt string `json:"updated_at"`
}

// Save writes a session to disk.
func (m *Store) Save(s *Session) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	s.mu.RLock()
	defer s.mu.RUnlock()

	path := m.path(s.Key)
	tmp := path + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o600)
	if err != nil {
		return fmt.Errorf("create session file: %w", err)
	}
	w := bufio.NewWriter(f)
	enc := json.NewEncoder(w)
	meta := metaLine{
		Type:      "metadata",
		Key:       s.Key,
		CreatedAt: s.CreatedAt.Format(time.RFC3339),
		UpdatedAt: s.UpdatedAt.Format(time.RFC3339),
	}
	err = enc.Encode(meta)
	for _, msg := range s.Messages {
		if err != nil {
			break
		}
		err = enc.Encode(msg)
	}
	if err == nil {
		err = w.Flush()
	}
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("write session %s: %w", s.Key, err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("write session %s: %w", s.Key, err)
	}
	m.cache[s.Key] = s
	return nil
}

// Delete removes a session. It reports whether a file was removed.
func (m *Store) Delete(key string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.cache, key)
	return os.Remove(m.path(key)) == nil
}

// Info describes a stored session.
type Info struct {
	Key       string    `json:"key"`
	Messages  int       `json:"messages"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
	Path      string    `json:"path"`
}

// List returns the stored sessions, most recently updated first.
func (m *Store) List() []Info {
	m.mu.RLock()
	defer m.mu.RUnlock()

	entries, err := os.ReadDir(m.dir)
	if err != nil {
		return nil
	}
	var out []Info
	for _, entry := range entries {
		if !strings.HasSuffix(entry.Name(), ".jsonl") {
			continue
		}
		key := strings.TrimSuffix(entry.Name(), ".jsonl")
		s := m.loadFile(filepath.Join(m.dir, entry.Name()), key)
		if s == nil {
			continue
		}
		out = append(out, Info{
			Key:       s.Key,
			Messages:  len(s.Messages),
			CreatedAt: s.CreatedAt,
			UpdatedAt: s.UpdatedAt,
			Path:      filepath.Join(m.dir, entry.Name()),
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UpdatedAt.After(out[j].UpdatedAt) })
	return out
}

func (m *Store) path(key string) string {
	safeKey := strings.ReplaceAll(key, ":", "_")
	// Strip path separators and traversal components.
	safeKey = strings.ReplaceAll(safeKey, "/", "_")
	safeKey = strings.ReplaceAll(safeKey, "\\", "_")
	safeKey = strings.ReplaceAll(safeKey, "..", "_")
	return filepath.Join(m.dir, filepath.Base(safeKey)+".jsonl")
}

func (m *Store) load(key string) *Session {
	return m.loadFile(m.path(key), key)
}

func (m *Store) loadFile(path, key string) *Session {
	f, err := os.Open(path)
	if err != nil {
		return nil
	}
	defer f.Close()

	s := NewSession(key)
	dec := json.NewDecoder(f)
	for dec.More() {
		var raw json.RawMessage
		if err := dec.Decode(&raw); err != nil {
			break
		}
		var meta metaLine
		if json.Unmarshal(raw, &meta) == nil && meta.Type == "metadata" {
			if meta.Key != "" {
				s.Key = meta.Key
			}
			s.CreatedAt, _ = time.Parse(time.RFC3339, meta.CreatedAt)
			s.UpdatedAt, _ = time.Parse(time.RFC3339, meta.UpdatedAt)
			continue
		}
		var msg agent.Message
		if json.Unmarshal(raw, &msg) == nil && msg.Role != "" {
			s.Messages = append(s.Messages, msg)
		}
	}
	return s
}
