package idempotency

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/natefinch/atomic"
)

// ProcessedKeys records inbound update keys ("tg:<update_id>") with their expiry.
type ProcessedKeys struct {
	Keys map[string]time.Time `json:"keys"`
}

// Store remembers which inbound updates were already handled so a transport
// redelivery after restart is dropped.
type Store struct {
	path  string
	state ProcessedKeys
	mu    sync.Mutex
	now   func() time.Time
}

func NewStore(path string) (*Store, error) {
	s := &Store{
		path:  path,
		state: ProcessedKeys{Keys: make(map[string]time.Time)},
		now:   time.Now,
	}
	if err := s.load(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Store) load() error {
	data, err := os.ReadFile(s.path)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return err
	}
	if len(bytes.TrimSpace(data)) == 0 {
		return nil
	}

	var state ProcessedKeys
	if err := json.Unmarshal(data, &state); err != nil {
		slog.Warn("Processed update keys unreadable, starting empty", "path", s.path, "error", err)
		return nil
	}
	if state.Keys != nil {
		s.state = state
	}
	return nil
}

func (s *Store) Save() error {
	s.mu.Lock()
	data, err := json.MarshalIndent(s.state, "", "  ")
	s.mu.Unlock()
	if err != nil {
		return err
	}
	return atomic.WriteFile(s.path, bytes.NewReader(data))
}

// CheckAndMark reports whether key was already seen and unexpired. Unseen keys
// are marked with the given ttl.
func (s *Store) CheckAndMark(key string, ttl time.Duration) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	if expiry, ok := s.state.Keys[key]; ok && expiry.After(now) {
		return true
	}
	s.state.Keys[key] = now.Add(ttl)
	return false
}

// Prune drops expired keys and returns how many were removed.
func (s *Store) Prune() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	count := 0
	for k, expiry := range s.state.Keys {
		if !expiry.After(now) {
			delete(s.state.Keys, k)
			count++
		}
	}
	return count
}

func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.state.Keys)
}
