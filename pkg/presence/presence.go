// Package presence tracks which users are connected to a room and when they
// were last seen.
package presence

import (
	"context"
	"sort"
	"sync"
	"time"
)

type Store interface {
	Online(ctx context.Context, roomID, userID string) error
	Offline(ctx context.Context, roomID, userID string, at time.Time) error
	Members(ctx context.Context, roomID string) ([]string, error)
	// LastSeen returns nil for a user never seen leaving the room.
	LastSeen(ctx context.Context, roomID, userID string) (*time.Time, error)
	Close() error
}

// Memory is a Store for a single gateway instance.
type Memory struct {
	mu       sync.Mutex
	members  map[string]map[string]bool
	lastSeen map[string]map[string]time.Time
}

func NewMemory() *Memory {
	return &Memory{
		members:  make(map[string]map[string]bool),
		lastSeen: make(map[string]map[string]time.Time),
	}
}

func (m *Memory) Online(_ context.Context, roomID, userID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.members[roomID] == nil {
		m.members[roomID] = make(map[string]bool)
	}
	m.members[roomID][userID] = true
	return nil
}

func (m *Memory) Offline(_ context.Context, roomID, userID string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.members[roomID], userID)
	if m.lastSeen[roomID] == nil {
		m.lastSeen[roomID] = make(map[string]time.Time)
	}
	m.lastSeen[roomID][userID] = at
	return nil
}

func (m *Memory) Members(_ context.Context, roomID string) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, 0, len(m.members[roomID]))
	for id := range m.members[roomID] {
		out = append(out, id)
	}
	sort.Strings(out)
	return out, nil
}

func (m *Memory) LastSeen(_ context.Context, roomID, userID string) (*time.Time, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	at, ok := m.lastSeen[roomID][userID]
	if !ok {
		return nil, nil
	}
	return &at, nil
}

func (m *Memory) Close() error { return nil }
