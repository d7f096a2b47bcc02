package dispatch

import (
	"errors"
	"sync"
)

// ErrMessageNotFound is returned by Store.Update for an unknown id.
var ErrMessageNotFound = errors.New("message not found")

// Store is the message store the dispatcher writes to: ordered append,
// update by id and an atomic clear. Messages are never removed one by one.
type Store interface {
	Append(msg Message) error
	Update(id string, fn func(*Message)) error
	Clear() error
	Messages() ([]Message, error)
}

// MemoryStore is the default in-process Store.
type MemoryStore struct {
	mu       sync.RWMutex
	messages []Message
	index    map[string]int
}

// NewMemoryStore returns an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{index: make(map[string]int)}
}

func (s *MemoryStore) Append(msg Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.index[msg.ID]; exists {
		return errors.New("duplicate message id " + msg.ID)
	}
	s.index[msg.ID] = len(s.messages)
	s.messages = append(s.messages, msg.Clone())
	return nil
}

func (s *MemoryStore) Update(id string, fn func(*Message)) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	i, ok := s.index[id]
	if !ok {
		return ErrMessageNotFound
	}
	fn(&s.messages[i])
	s.messages[i].ID = id
	return nil
}

func (s *MemoryStore) Clear() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.messages = nil
	s.index = make(map[string]int)
	return nil
}

func (s *MemoryStore) Messages() ([]Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Message, len(s.messages))
	for i, m := range s.messages {
		out[i] = m.Clone()
	}
	return out, nil
}
