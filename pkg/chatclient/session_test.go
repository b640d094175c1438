package chatclient

import (
	"encoding/json"
	"testing"
	"time"

	"pairchat/pkg/domain"
)

func env(t *testing.T, typ string, data any) domain.Envelope {
	t.Helper()
	raw, err := json.Marshal(data)
	if err != nil {
		t.Fatalf("marshal %s: %v", typ, err)
	}
	return domain.Envelope{Type: typ, Data: raw}
}

func msg(id, from, to domain.ID, content string) domain.Message {
	return domain.Message{ID: id, SenderID: from, RecipientID: to, Content: content, Timestamp: time.Unix(int64(id), 0).UTC()}
}

func TestSessionMergeIsIdempotent(t *testing.T) {
	s := NewSession(1)
	m := msg(5, 2, 1, "hi")
	for i := 0; i < 3; i++ {
		if err := s.Apply(env(t, domain.EventChatMessage, m)); err != nil {
			t.Fatalf("apply: %v", err)
		}
	}
	if err := s.Apply(env(t, domain.EventOlderMessages, []domain.Message{m, msg(3, 1, 2, "earlier")})); err != nil {
		t.Fatalf("apply older: %v", err)
	}
	thread := s.Thread(2)
	if len(thread) != 2 {
		t.Fatalf("expected 2 messages, got %d", len(thread))
	}
	if thread[0].ID != 3 || thread[1].ID != 5 {
		t.Fatalf("expected ascending ids [3 5], got [%s %s]", thread[0].ID, thread[1].ID)
	}
	if got := s.OldestID(2); got != 3 {
		t.Fatalf("expected cursor 3, got %s", got)
	}
	if got := s.OldestID(9); got != 0 {
		t.Fatalf("expected empty cursor for unknown peer, got %s", got)
	}
}

func TestSessionThreadFiltersByPair(t *testing.T) {
	s := NewSession(1)
	s.Merge(msg(1, 1, 2, "a"), msg(2, 3, 1, "b"), msg(3, 2, 3, "c"), msg(4, 2, 1, "d"), msg(5, 1, 1, "self"))
	thread := s.Thread(2)
	if len(thread) != 2 || thread[0].ID != 1 || thread[1].ID != 4 {
		t.Fatalf("unexpected thread: %+v", thread)
	}
	if thread := s.Thread(3); len(thread) != 1 || thread[0].ID != 2 {
		t.Fatalf("unexpected thread with 3: %+v", thread)
	}
	if thread := s.Thread(1); len(thread) != 0 {
		t.Fatalf("self thread should be empty: %+v", thread)
	}
}

func TestSessionReadReceipts(t *testing.T) {
	s := NewSession(1)
	// A receipt may arrive before the message it refers to.
	if err := s.Apply(env(t, domain.EventMessageRead, domain.ReadPayload{MessageID: 7})); err != nil {
		t.Fatalf("apply receipt: %v", err)
	}
	s.Merge(msg(7, 1, 2, "x"), msg(8, 1, 2, "y"))
	if !s.IsRead(7) || !s.Thread(2)[0].Read {
		t.Fatalf("expected message 7 read")
	}
	if s.IsRead(8) {
		t.Fatalf("message 8 should be unread")
	}
	if err := s.Apply(env(t, domain.EventMessageRead, domain.ReadPayload{MessageID: 8})); err != nil {
		t.Fatalf("apply receipt: %v", err)
	}
	if !s.Thread(2)[1].Read {
		t.Fatalf("expected local message 8 flipped to read")
	}
	// A stale copy must not clear the flag.
	s.Merge(msg(8, 1, 2, "y"))
	if !s.Thread(2)[1].Read {
		t.Fatalf("stale merge reset read flag")
	}
}

func TestSessionPresenceAndDirectory(t *testing.T) {
	s := NewSession(1)
	steps := []domain.Envelope{
		env(t, domain.EventUserNew, domain.User{ID: 2, Username: "bob"}),
		env(t, domain.EventUsersOnline, []domain.ID{1, 2}),
		env(t, domain.EventUserLoggedIn, domain.User{ID: 2, Username: "bobby"}),
		env(t, domain.EventUserNew, domain.User{ID: 3, Username: "carol"}),
		env(t, domain.EventUsersOnline, []domain.ID{1, 2, 3}),
		env(t, domain.EventUserOffline, domain.UserOfflinePayload{UserID: 3}),
	}
	for _, e := range steps {
		if err := s.Apply(e); err != nil {
			t.Fatalf("apply %s: %v", e.Type, err)
		}
	}
	users := s.Users()
	if len(users) != 2 || users[0].Username != "bobby" || users[1].Username != "carol" {
		t.Fatalf("unexpected directory: %+v", users)
	}
	if !s.IsOnline(2) || s.IsOnline(3) {
		t.Fatalf("unexpected presence: bob=%v carol=%v", s.IsOnline(2), s.IsOnline(3))
	}
	if err := s.Apply(env(t, domain.EventUsersOnline, []domain.ID{1})); err != nil {
		t.Fatalf("apply: %v", err)
	}
	if s.IsOnline(2) {
		t.Fatalf("online set should be replaced, not merged")
	}
}

func TestSessionTyping(t *testing.T) {
	s := NewSession(1)
	apply := func(typ string, data any) {
		t.Helper()
		if err := s.Apply(env(t, typ, data)); err != nil {
			t.Fatalf("apply %s: %v", typ, err)
		}
	}
	apply(domain.EventTyping, domain.TypingPayload{SenderID: 2})
	if !s.IsTyping(2) {
		t.Fatalf("expected peer typing")
	}
	apply(domain.EventStopTyping, domain.TypingPayload{SenderID: 2})
	if s.IsTyping(2) {
		t.Fatalf("expected typing cleared by stop")
	}
	apply(domain.EventTyping, domain.TypingPayload{SenderID: 2})
	apply(domain.EventChatMessage, msg(1, 2, 1, "done"))
	if s.IsTyping(2) {
		t.Fatalf("expected typing cleared by message from peer")
	}
	apply(domain.EventTyping, domain.TypingPayload{SenderID: 3})
	apply(domain.EventUserOffline, domain.UserOfflinePayload{UserID: 3})
	if s.IsTyping(3) {
		t.Fatalf("expected typing cleared when peer went offline")
	}
}

func TestSessionErrorsAndBadPayloads(t *testing.T) {
	s := NewSession(1)
	if err := s.Apply(env(t, domain.EventError, "rate limited")); err != nil {
		t.Fatalf("apply error: %v", err)
	}
	if s.LastError() != "rate limited" {
		t.Fatalf("unexpected last error %q", s.LastError())
	}
	bad := domain.Envelope{Type: domain.EventChatMessage, Data: json.RawMessage(`[1,2]`)}
	if err := s.Apply(bad); err == nil {
		t.Fatalf("expected decode error")
	}
	if err := s.Apply(env(t, "something:else", 1)); err != nil {
		t.Fatalf("unknown events should be ignored, got %v", err)
	}
}
