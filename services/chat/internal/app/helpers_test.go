package app

import (
	"bytes"
	"context"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"pairchat/pkg/domain"
	"pairchat/pkg/store"
	"pairchat/services/chat/internal/presence"
)

// eventLog is shared by fakes that need to observe ordering across components.
type eventLog struct {
	mu      sync.Mutex
	entries []string
}

func (l *eventLog) add(entry string) {
	if l == nil {
		return
	}
	l.mu.Lock()
	l.entries = append(l.entries, entry)
	l.mu.Unlock()
}

func (l *eventLog) snapshot() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]string(nil), l.entries...)
}

type fakeConn struct {
	id  string
	log *eventLog

	mu     sync.Mutex
	events []domain.Event
}

func (c *fakeConn) ID() string { return c.id }

func (c *fakeConn) Send(ev domain.Event) bool {
	c.log.add("emit:" + c.id + ":" + ev.Type)
	c.mu.Lock()
	c.events = append(c.events, ev)
	c.mu.Unlock()
	return true
}

func (c *fakeConn) all() []domain.Event {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]domain.Event(nil), c.events...)
}

func (c *fakeConn) ofType(typ string) []domain.Event {
	var out []domain.Event
	for _, ev := range c.all() {
		if ev.Type == typ {
			out = append(out, ev)
		}
	}
	return out
}

func (c *fakeConn) reset() {
	c.mu.Lock()
	c.events = nil
	c.mu.Unlock()
}

// scriptedStore wraps MemoryStore with injectable failures and an ordering log.
type scriptedStore struct {
	*store.MemoryStore
	log       *eventLog
	insertErr error
}

func (s *scriptedStore) InsertMessage(ctx context.Context, d domain.MessageDraft) (domain.Message, error) {
	if s.insertErr != nil {
		return domain.Message{}, s.insertErr
	}
	msg, err := s.MemoryStore.InsertMessage(ctx, d)
	if err == nil {
		s.log.add("persist")
	}
	return msg, err
}

type fakeBlobs struct {
	mu        sync.Mutex
	uploadErr error
	deleteErr error
	objects   map[string][]byte
	types     map[string]string
	deleted   []string
}

func newFakeBlobs() *fakeBlobs {
	return &fakeBlobs{objects: map[string][]byte{}, types: map[string]string{}}
}

func (b *fakeBlobs) Upload(_ context.Context, key string, r io.Reader, _ int64, contentType string) (string, error) {
	if b.uploadErr != nil {
		return "", b.uploadErr
	}
	var buf bytes.Buffer
	if _, err := io.Copy(&buf, r); err != nil {
		return "", err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.objects[key] = buf.Bytes()
	b.types[key] = contentType
	return "http://blobs.test/" + key, nil
}

func (b *fakeBlobs) Delete(_ context.Context, key string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.deleteErr != nil {
		return b.deleteErr
	}
	delete(b.objects, key)
	b.deleted = append(b.deleted, key)
	return nil
}

type fakeCleanup struct {
	mu   sync.Mutex
	keys []string
}

func (c *fakeCleanup) Enqueue(_ context.Context, key string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.keys = append(c.keys, key)
	return nil
}

type denyLimiter struct{}

func (denyLimiter) Allow(context.Context, string) bool { return false }

type harness struct {
	t     *testing.T
	app   *App
	store *scriptedStore
	blobs *fakeBlobs
	log   *eventLog
	users map[string]domain.User
}

func newHarness(t *testing.T, mutate func(*Config)) *harness {
	t.Helper()
	log := &eventLog{}
	st := &scriptedStore{MemoryStore: store.NewMemoryStore(), log: log}
	blobs := newFakeBlobs()
	cfg := Config{
		Store:         st,
		Blobs:         blobs,
		Presence:      presence.NewRegistry(),
		TypingTimeout: -1,
	}
	if mutate != nil {
		mutate(&cfg)
	}
	a, err := New(cfg)
	if err != nil {
		t.Fatalf("new app: %v", err)
	}
	t.Cleanup(a.Close)
	h := &harness{t: t, app: a, store: st, blobs: blobs, log: log, users: map[string]domain.User{}}
	for _, name := range []string{"alice", "bob", "carol"} {
		u, err := st.SaveUser(context.Background(), domain.User{Username: name, Email: name + "@example.com", PasswordHash: "x"})
		if err != nil {
			t.Fatalf("save user: %v", err)
		}
		h.users[name] = u
	}
	return h
}

func (h *harness) id(name string) domain.ID { return h.users[name].ID }

// connect opens a joined connection for name.
func (h *harness) connect(name, connID string) (*fakeConn, Peer) {
	h.t.Helper()
	c := &fakeConn{id: connID, log: h.log}
	peer := Peer{Conn: c, User: h.id(name)}
	if err := h.app.Join(context.Background(), peer, domain.JoinPayload{UserID: peer.User}); err != nil {
		h.t.Fatalf("join %s: %v", name, err)
	}
	return c, peer
}

func (h *harness) send(peer Peer, to, content string) domain.Message {
	h.t.Helper()
	msg, err := h.app.SendMessage(context.Background(), peer, domain.ChatMessagePayload{
		SenderID:    peer.User,
		RecipientID: h.id(to),
		Content:     content,
	})
	if err != nil {
		h.t.Fatalf("send message: %v", err)
	}
	return msg
}

func messagesIn(events []domain.Event) []domain.Message {
	var out []domain.Message
	for _, ev := range events {
		if msg, ok := ev.Data.(domain.Message); ok {
			out = append(out, msg)
		}
	}
	return out
}

func waitUntil(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met before deadline")
}

var errBoom = errors.New("boom")
