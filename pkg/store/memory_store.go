package store

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"

	"pairchat/pkg/domain"
)

// MemoryStore keeps users and messages in-process. Used by tests and the
// memory database driver.
type MemoryStore struct {
	mu       sync.RWMutex
	users    map[domain.ID]domain.User
	names    map[string]domain.ID // username -> user ID
	emails   map[string]domain.ID // lowercased email -> user ID
	messages []domain.Message     // ascending by ID
	byID     map[domain.ID]int    // message ID -> index in messages
	nextUser domain.ID
	nextMsg  domain.ID
}

// NewMemoryStore initializes an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		users:  make(map[domain.ID]domain.User),
		names:  make(map[string]domain.ID),
		emails: make(map[string]domain.ID),
		byID:   make(map[domain.ID]int),
	}
}

func (m *MemoryStore) SaveUser(_ context.Context, u domain.User) (domain.User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	email := strings.ToLower(strings.TrimSpace(u.Email))
	if _, taken := m.names[u.Username]; taken {
		return domain.User{}, ErrUserExists
	}
	if _, taken := m.emails[email]; taken && email != "" {
		return domain.User{}, ErrUserExists
	}
	if u.ID.Valid() {
		if _, taken := m.users[u.ID]; taken {
			return domain.User{}, ErrUserExists
		}
	} else {
		u.ID = m.nextUser + 1
	}
	if u.ID > m.nextUser {
		m.nextUser = u.ID
	}
	if u.CreatedAt.IsZero() {
		u.CreatedAt = insertTime()
	}
	m.users[u.ID] = u
	m.names[u.Username] = u.ID
	if email != "" {
		m.emails[email] = u.ID
	}
	return u, nil
}

func (m *MemoryStore) GetUserByID(_ context.Context, id domain.ID) (domain.User, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	u, ok := m.users[id]
	return u, ok, nil
}

func (m *MemoryStore) GetUserByUsername(_ context.Context, username string) (domain.User, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	id, ok := m.names[strings.TrimSpace(username)]
	if !ok {
		return domain.User{}, false, nil
	}
	return m.users[id], true, nil
}

func (m *MemoryStore) ListUsers(_ context.Context) ([]domain.User, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	res := make([]domain.User, 0, len(m.users))
	for _, u := range m.users {
		res = append(res, u)
	}
	sort.Slice(res, func(i, j int) bool { return res[i].ID < res[j].ID })
	return res, nil
}

func (m *MemoryStore) RenameUser(_ context.Context, id domain.ID, username string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	u, ok := m.users[id]
	if !ok {
		return ErrNotFound
	}
	if owner, taken := m.names[username]; taken && owner != id {
		return ErrUserExists
	}
	delete(m.names, u.Username)
	u.Username = username
	m.users[id] = u
	m.names[username] = id
	return nil
}

func (m *MemoryStore) InsertMessage(_ context.Context, draft domain.MessageDraft) (domain.Message, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.users[draft.SenderID]; !ok {
		return domain.Message{}, fmt.Errorf("insert message: sender %s: %w", draft.SenderID, ErrNotFound)
	}
	if _, ok := m.users[draft.RecipientID]; !ok {
		return domain.Message{}, fmt.Errorf("insert message: recipient %s: %w", draft.RecipientID, ErrNotFound)
	}
	m.nextMsg++
	msg := messageFromModel(messageToModel(draft, insertTime()))
	msg.ID = m.nextMsg
	m.byID[msg.ID] = len(m.messages)
	m.messages = append(m.messages, msg)
	return msg, nil
}

func (m *MemoryStore) GetMessage(_ context.Context, id domain.ID) (domain.Message, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	idx, ok := m.byID[id]
	if !ok {
		return domain.Message{}, false, nil
	}
	return m.messages[idx], true, nil
}

func (m *MemoryStore) MarkMessageRead(_ context.Context, id domain.ID) (domain.Message, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	idx, ok := m.byID[id]
	if !ok {
		return domain.Message{}, false, ErrNotFound
	}
	if m.messages[idx].Read {
		return m.messages[idx], false, nil
	}
	m.messages[idx].Read = true
	return m.messages[idx], true, nil
}

func (m *MemoryStore) ListMessagesBefore(_ context.Context, a, b, before domain.ID, limit int) ([]domain.Message, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	res := make([]domain.Message, 0, max(limit, 0))
	for i := len(m.messages) - 1; i >= 0 && len(res) < limit; i-- {
		msg := m.messages[i]
		if before.Valid() && msg.ID >= before {
			continue
		}
		if inPair(msg, a, b) {
			res = append(res, msg)
		}
	}
	return res, nil
}

func (m *MemoryStore) ListConversation(_ context.Context, a, b domain.ID) ([]domain.Message, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	res := make([]domain.Message, 0)
	for _, msg := range m.messages {
		if !inPair(msg, a, b) {
			continue
		}
		msg.SenderUsername = m.users[msg.SenderID].Username
		res = append(res, msg)
	}
	sort.SliceStable(res, func(i, j int) bool { return res[i].Timestamp.Before(res[j].Timestamp) })
	return res, nil
}

func inPair(msg domain.Message, a, b domain.ID) bool {
	return (msg.SenderID == a && msg.RecipientID == b) || (msg.SenderID == b && msg.RecipientID == a)
}
