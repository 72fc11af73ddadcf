package chatsync

import (
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/cockroachdb/pebble"
)

// SessionKey is the well-known key the session record is stored under.
const SessionKey = "chatsync/session"

// TokenStore persists the session record. It carries no policy.
// Load returns (nil, nil) when nothing is stored.
type TokenStore interface {
	Load() (*Session, error)
	Save(s *Session) error
	Clear() error
}

// ============================================================================
// MemoryTokenStore
// ============================================================================

// MemoryTokenStore keeps the session record in memory, JSON-encoded like
// the persistent stores so both round-trip identically.
type MemoryTokenStore struct {
	mu   sync.RWMutex
	data []byte
}

func NewMemoryTokenStore() *MemoryTokenStore {
	return &MemoryTokenStore{}
}

func (s *MemoryTokenStore) Load() (*Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.data == nil {
		return nil, nil
	}
	return decodeSession(s.data)
}

func (s *MemoryTokenStore) Save(sess *Session) error {
	data, err := json.Marshal(sess)
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.data = data
	s.mu.Unlock()
	return nil
}

func (s *MemoryTokenStore) Clear() error {
	s.mu.Lock()
	s.data = nil
	s.mu.Unlock()
	return nil
}

// ============================================================================
// PebbleTokenStore
// ============================================================================

// PebbleTokenStore persists the session record in a Pebble database.
type PebbleTokenStore struct {
	db *pebble.DB
}

// OpenPebbleTokenStore opens (or creates) the database at dir.
func OpenPebbleTokenStore(dir string) (*PebbleTokenStore, error) {
	db, err := pebble.Open(dir, &pebble.Options{})
	if err != nil {
		return nil, fmt.Errorf("open token store: %w", err)
	}
	return &PebbleTokenStore{db: db}, nil
}

func (s *PebbleTokenStore) Load() (*Session, error) {
	v, closer, err := s.db.Get([]byte(SessionKey))
	if errors.Is(err, pebble.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load session: %w", err)
	}
	defer closer.Close()
	// v is only valid until closer.Close.
	return decodeSession(append([]byte(nil), v...))
}

func (s *PebbleTokenStore) Save(sess *Session) error {
	data, err := json.Marshal(sess)
	if err != nil {
		return err
	}
	if err := s.db.Set([]byte(SessionKey), data, pebble.Sync); err != nil {
		return fmt.Errorf("save session: %w", err)
	}
	return nil
}

func (s *PebbleTokenStore) Clear() error {
	if err := s.db.Delete([]byte(SessionKey), pebble.Sync); err != nil {
		return fmt.Errorf("clear session: %w", err)
	}
	return nil
}

// Close releases the database.
func (s *PebbleTokenStore) Close() error {
	return s.db.Close()
}

func decodeSession(data []byte) (*Session, error) {
	var sess Session
	if err := json.Unmarshal(data, &sess); err != nil {
		return nil, fmt.Errorf("decode session: %w", err)
	}
	return &sess, nil
}
