package chatclient

import (
	"fmt"
	"sort"
	"sync"

	"pairchat/pkg/domain"
)

// Session is the client-side view of the chat: every message seen so far,
// read receipts, presence and typing indicators. Applying the same event
// twice leaves it unchanged.
type Session struct {
	mu        sync.RWMutex
	me        domain.ID
	messages  map[domain.ID]domain.Message
	read      map[domain.ID]struct{}
	online    map[domain.ID]struct{}
	typing    map[domain.ID]struct{}
	users     map[domain.ID]domain.User
	lastError string
}

func NewSession(me domain.ID) *Session {
	return &Session{
		me:       me,
		messages: make(map[domain.ID]domain.Message),
		read:     make(map[domain.ID]struct{}),
		online:   make(map[domain.ID]struct{}),
		typing:   make(map[domain.ID]struct{}),
		users:    make(map[domain.ID]domain.User),
	}
}

func (s *Session) Me() domain.ID {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.me
}

func (s *Session) setMe(me domain.ID) {
	s.mu.Lock()
	s.me = me
	s.mu.Unlock()
}

// Apply merges one server event into the session. Unknown event types are ignored.
func (s *Session) Apply(env domain.Envelope) error {
	switch env.Type {
	case domain.EventChatMessage:
		var msg domain.Message
		if err := env.Decode(&msg); err != nil {
			return decodeErr(env, err)
		}
		s.mu.Lock()
		s.mergeLocked(msg)
		delete(s.typing, msg.SenderID)
		s.mu.Unlock()
	case domain.EventOlderMessages:
		var page []domain.Message
		if err := env.Decode(&page); err != nil {
			return decodeErr(env, err)
		}
		s.Merge(page...)
	case domain.EventMessageRead:
		var p domain.ReadPayload
		if err := env.Decode(&p); err != nil {
			return decodeErr(env, err)
		}
		s.mu.Lock()
		s.markReadLocked(p.MessageID)
		s.mu.Unlock()
	case domain.EventUsersOnline:
		var ids []domain.ID
		if err := env.Decode(&ids); err != nil {
			return decodeErr(env, err)
		}
		s.mu.Lock()
		s.online = make(map[domain.ID]struct{}, len(ids))
		for _, id := range ids {
			s.online[id] = struct{}{}
		}
		s.mu.Unlock()
	case domain.EventUserNew, domain.EventUserLoggedIn:
		var u domain.User
		if err := env.Decode(&u); err != nil {
			return decodeErr(env, err)
		}
		s.MergeUsers(u)
	case domain.EventUserOffline:
		var p domain.UserOfflinePayload
		if err := env.Decode(&p); err != nil {
			return decodeErr(env, err)
		}
		s.mu.Lock()
		delete(s.online, p.UserID)
		delete(s.typing, p.UserID)
		s.mu.Unlock()
	case domain.EventTyping, domain.EventStopTyping:
		var p domain.TypingPayload
		if err := env.Decode(&p); err != nil {
			return decodeErr(env, err)
		}
		s.mu.Lock()
		if env.Type == domain.EventTyping {
			s.typing[p.SenderID] = struct{}{}
		} else {
			delete(s.typing, p.SenderID)
		}
		s.mu.Unlock()
	case domain.EventError:
		var reason string
		if err := env.Decode(&reason); err != nil {
			return decodeErr(env, err)
		}
		s.mu.Lock()
		s.lastError = reason
		s.mu.Unlock()
	}
	return nil
}

func decodeErr(env domain.Envelope, err error) error {
	return fmt.Errorf("decode %s: %w", env.Type, err)
}

// Merge adds messages, e.g. a thread fetched over HTTP.
func (s *Session) Merge(msgs ...domain.Message) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, m := range msgs {
		s.mergeLocked(m)
	}
}

func (s *Session) mergeLocked(m domain.Message) {
	if !m.ID.Valid() {
		return
	}
	if _, ok := s.read[m.ID]; ok {
		m.Read = true
	}
	if prev, ok := s.messages[m.ID]; ok {
		m.Read = m.Read || prev.Read
		if m.SenderUsername == "" {
			m.SenderUsername = prev.SenderUsername
		}
	}
	if m.Read {
		s.read[m.ID] = struct{}{}
	}
	s.messages[m.ID] = m
}

func (s *Session) markReadLocked(id domain.ID) {
	s.read[id] = struct{}{}
	if m, ok := s.messages[id]; ok {
		m.Read = true
		s.messages[id] = m
	}
}

// MergeUsers adds or updates directory entries by id.
func (s *Session) MergeUsers(users ...domain.User) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, u := range users {
		if u.ID.Valid() {
			s.users[u.ID] = u
		}
	}
}

// Thread returns the conversation with peer in ascending id order.
func (s *Session) Thread(peer domain.ID) []domain.Message {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]domain.Message, 0)
	for _, m := range s.messages {
		if m.Involves(s.me) && m.SenderID != m.RecipientID && domain.PeerOf(m, s.me) == peer {
			out = append(out, m)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// OldestID is the backfill cursor for the thread with peer, or 0 when nothing is loaded.
func (s *Session) OldestID(peer domain.ID) domain.ID {
	thread := s.Thread(peer)
	if len(thread) == 0 {
		return 0
	}
	return thread[0].ID
}

func (s *Session) IsRead(id domain.ID) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.read[id]
	return ok
}

func (s *Session) IsOnline(id domain.ID) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.online[id]
	return ok
}

// IsTyping reports whether peer is currently typing to this user.
func (s *Session) IsTyping(peer domain.ID) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.typing[peer]
	return ok
}

// Users returns the known directory sorted by id.
func (s *Session) Users() []domain.User {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]domain.User, 0, len(s.users))
	for _, u := range s.users {
		out = append(out, u)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// LastError is the reason carried by the most recent error event.
func (s *Session) LastError() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.lastError
}
