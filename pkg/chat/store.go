package chat

import (
	"context"
	"slices"
	"sync"
	"time"

	"talkstream/pkg/ai"
)

// Message is a persisted chat message.
type Message struct {
	ID        string         `json:"id"`
	TurnID    string         `json:"turn_id,omitempty"`
	Role      ai.Role        `json:"role"`
	Parts     []ai.Part      `json:"parts"`
	CreatedAt time.Time      `json:"created_at"`
	Meta      map[string]any `json:"meta,omitempty"`
}

// Local converts the message to the provider-neutral model.
func (m Message) Local() ai.LocalMessage {
	return ai.LocalMessage{
		Role:   m.Role,
		Parts:  slices.Clone(m.Parts),
		TurnID: m.TurnID,
		Meta:   m.Meta,
	}
}

// Text joins the text parts of the message.
func (m Message) Text() string {
	return m.Local().Text()
}

// Store is the session message list the orchestrator reads and writes.
// Mutations are append-only or full-replace so concurrent readers always see
// a consistent list.
type Store interface {
	List(ctx context.Context, sessionID string) ([]Message, error)
	Append(ctx context.Context, sessionID string, msgs ...Message) error
	Replace(ctx context.Context, sessionID string, msgs []Message) error
}

// MemoryStore is an in-memory Store.
type MemoryStore struct {
	mu       sync.RWMutex
	sessions map[string][]Message
}

var _ Store = (*MemoryStore)(nil)

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{sessions: make(map[string][]Message)}
}

// List returns a copy of the session's messages.
func (s *MemoryStore) List(_ context.Context, sessionID string) ([]Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return slices.Clone(s.sessions[sessionID]), nil
}

// Append adds messages to the end of the session.
func (s *MemoryStore) Append(_ context.Context, sessionID string, msgs ...Message) error {
	if len(msgs) == 0 {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	// Copy on write keeps slices returned by List stable.
	current := s.sessions[sessionID]
	next := make([]Message, 0, len(current)+len(msgs))
	next = append(next, current...)
	next = append(next, msgs...)
	s.sessions[sessionID] = next
	return nil
}

// Replace swaps the session's list for msgs.
func (s *MemoryStore) Replace(_ context.Context, sessionID string, msgs []Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sessions[sessionID] = slices.Clone(msgs)
	return nil
}
