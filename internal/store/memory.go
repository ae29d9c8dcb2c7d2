package store

import (
	"context"
	"sync"

	"github.com/Zereker/clush"
)

// Memory keeps users and messages in process memory.
type Memory struct {
	mu       sync.RWMutex
	users    map[uint64]clush.User
	messages []clush.StoredMessage
}

var _ DataStore = (*Memory)(nil)

// NewMemory returns an empty Memory store.
func NewMemory() *Memory {
	return &Memory{users: make(map[uint64]clush.User)}
}

func (m *Memory) FindUserByID(_ context.Context, id uint64) (*clush.User, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	u, ok := m.users[id]
	if !ok {
		return nil, nil
	}
	return &u, nil
}

func (m *Memory) SaveUserMessage(_ context.Context, msg clush.StoredMessage) error {
	msg = prepare(msg)

	m.mu.Lock()
	defer m.mu.Unlock()

	m.messages = append(m.messages, msg)
	return nil
}

func (m *Memory) CreateUser(_ context.Context, user clush.User) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.users[user.ID]; ok {
		return ErrUserExists
	}
	m.users[user.ID] = user
	return nil
}

// ListMessages returns up to limit of the most recent messages sent to or
// by userID, oldest first.
func (m *Memory) ListMessages(_ context.Context, userID uint64, limit int) ([]clush.StoredMessage, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []clush.StoredMessage
	for i := len(m.messages) - 1; i >= 0 && (limit <= 0 || len(out) < limit); i-- {
		msg := m.messages[i]
		if msg.FromID == userID || msg.ToID == userID {
			out = append(out, msg)
		}
	}

	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out, nil
}

func (m *Memory) Ping(context.Context) error { return nil }

func (m *Memory) Close() error { return nil }
