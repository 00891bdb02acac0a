// Package memory provides conversation memory for workflow runs: prior turns
// of a thread plus the session metadata attached to it.
package memory

import (
	"context"
	"sync"
	"time"
)

// Turn is a single conversation turn in a thread.
type Turn struct {
	Role      string         `json:"role"`
	Content   string         `json:"content"`
	Metadata  map[string]any `json:"metadata,omitempty"`
	CreatedAt time.Time      `json:"created_at"`
}

// ConversationMemory is the handle a workflow run holds on conversation
// history. The run references it, it does not own it.
type ConversationMemory interface {
	// SessionMetadata returns the metadata attached to the thread.
	SessionMetadata(ctx context.Context) (map[string]any, error)
	// AppendTurn appends a turn to the thread history.
	AppendTurn(ctx context.Context, turn Turn) error
	// History returns up to limit most recent turns, oldest first.
	// limit <= 0 returns the full history.
	History(ctx context.Context, limit int) ([]Turn, error)
}

// InMemory is a process-local ConversationMemory, suitable for tests and
// single-node deployments.
type InMemory struct {
	mu       sync.RWMutex
	turns    []Turn
	metadata map[string]any
}

// NewInMemory creates an in-process conversation memory with the given
// session metadata.
func NewInMemory(metadata map[string]any) *InMemory {
	meta := make(map[string]any, len(metadata))
	for k, v := range metadata {
		meta[k] = v
	}
	return &InMemory{metadata: meta}
}

// SessionMetadata returns a copy of the thread metadata.
func (m *InMemory) SessionMetadata(ctx context.Context) (map[string]any, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make(map[string]any, len(m.metadata))
	for k, v := range m.metadata {
		out[k] = v
	}
	return out, nil
}

// AppendTurn appends a turn to the history.
func (m *InMemory) AppendTurn(ctx context.Context, turn Turn) error {
	if turn.CreatedAt.IsZero() {
		turn.CreatedAt = time.Now()
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.turns = append(m.turns, turn)
	return nil
}

// History returns up to limit most recent turns, oldest first.
func (m *InMemory) History(ctx context.Context, limit int) ([]Turn, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	turns := m.turns
	if limit > 0 && len(turns) > limit {
		turns = turns[len(turns)-limit:]
	}
	out := make([]Turn, len(turns))
	copy(out, turns)
	return out, nil
}
