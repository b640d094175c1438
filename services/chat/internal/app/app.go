package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"pairchat/pkg/domain"
	"pairchat/pkg/storage"
	"pairchat/pkg/store"
	"pairchat/services/chat/internal/presence"
)

const (
	defaultHistoryPageSize  = 20
	maxHistoryPageSize      = 100
	defaultTypingTimeout    = 6 * time.Second
	defaultMaxContentLength = 4000
	defaultMaxFileBytes     = 10 << 20

	defaultBlobCleanupTimeout = 5 * time.Second
)

// Limiter admits or rejects an action for a key.
type Limiter interface {
	Allow(ctx context.Context, key string) bool
}

// CleanupQueue retries deletion of attachments no message references.
type CleanupQueue interface {
	Enqueue(ctx context.Context, key string) error
}

// ClusterPresence reports users online on any instance sharing the presence store.
type ClusterPresence interface {
	ClusterOnline(ctx context.Context) ([]domain.ID, error)
}

// Config holds runtime configuration for the chat core.
type Config struct {
	DatabaseURL string
	Store       store.Store
	Blobs       storage.BlobStore
	Presence    *presence.Registry
	// Limiter throttles chat:message and chat:file per sender. Nil disables it.
	Limiter Limiter
	// Cleanup receives orphaned attachment keys whose immediate delete failed.
	Cleanup CleanupQueue
	// Cluster widens the directory's online flags beyond this process. Nil
	// reports local presence only.
	Cluster ClusterPresence
	// TypingTimeout clears a typing indicator that was never stopped.
	// Negative disables the timeout.
	TypingTimeout    time.Duration
	HistoryPageSize  int
	MaxContentLength int
	MaxFileBytes     int64
}

// App routes chat events between connections and persists messages.
type App struct {
	store            store.Store
	blobs            storage.BlobStore
	presence         *presence.Registry
	limiter          Limiter
	cleanup          CleanupQueue
	cluster          ClusterPresence
	typing           *typingTracker
	historyPageSize  int
	maxContentLength int
	maxFileBytes     int64
	now              func() time.Time

	// announceMu orders presence changes with their users:online broadcasts.
	announceMu sync.Mutex
}

// Peer is a websocket connection together with the user its token proved.
type Peer struct {
	Conn presence.Conn
	User domain.ID
}

// New constructs the application, opening the Postgres store when none is given.
func New(cfg Config) (*App, error) {
	dataStore := cfg.Store
	if dataStore == nil {
		if cfg.DatabaseURL == "" {
			return nil, fmt.Errorf("database URL required")
		}
		var err error
		dataStore, err = store.NewGormStore(cfg.DatabaseURL)
		if err != nil {
			return nil, fmt.Errorf("init postgres store: %w", err)
		}
	}
	registry := cfg.Presence
	if registry == nil {
		registry = presence.NewRegistry()
	}
	pageSize := cfg.HistoryPageSize
	if pageSize <= 0 {
		pageSize = defaultHistoryPageSize
	}
	if pageSize > maxHistoryPageSize {
		pageSize = maxHistoryPageSize
	}
	maxContent := cfg.MaxContentLength
	if maxContent <= 0 {
		maxContent = defaultMaxContentLength
	}
	maxFile := cfg.MaxFileBytes
	if maxFile <= 0 {
		maxFile = defaultMaxFileBytes
	}
	typingTimeout := cfg.TypingTimeout
	if typingTimeout == 0 {
		typingTimeout = defaultTypingTimeout
	}

	a := &App{
		store:            dataStore,
		blobs:            cfg.Blobs,
		presence:         registry,
		limiter:          cfg.Limiter,
		cleanup:          cfg.Cleanup,
		cluster:          cfg.Cluster,
		historyPageSize:  pageSize,
		maxContentLength: maxContent,
		maxFileBytes:     maxFile,
		now:              time.Now,
	}
	a.typing = newTypingTracker(typingTimeout, a.emitStopTyping)
	return a, nil
}

// Presence exposes the registry the app routes through.
func (a *App) Presence() *presence.Registry { return a.presence }

// MaxFileBytes is the largest accepted attachment.
func (a *App) MaxFileBytes() int64 { return a.maxFileBytes }

// Join registers the peer's connection and announces the user.
func (a *App) Join(ctx context.Context, peer Peer, p domain.JoinPayload) error {
	if p.UserID != peer.User {
		return fmt.Errorf("%w: userId does not match token", ErrForbidden)
	}
	user, ok, err := a.store.GetUserByID(ctx, peer.User)
	if err != nil {
		return fmt.Errorf("load user: %w", err)
	}
	if !ok {
		return ErrUnknownUser
	}
	user = a.refreshDisplayName(ctx, user, p.DisplayName)

	a.announceMu.Lock()
	defer a.announceMu.Unlock()
	res := a.presence.Join(peer.Conn, user.ID)
	if res.Displaced != nil {
		a.announceLeave(*res.Displaced)
	}
	if !res.Duplicate {
		if res.FirstSeen {
			a.presence.Broadcast(domain.Event{Type: domain.EventUserNew, Data: user})
		} else {
			a.presence.Broadcast(domain.Event{Type: domain.EventUserLoggedIn, Data: user})
		}
	}
	a.presence.Broadcast(domain.Event{Type: domain.EventUsersOnline, Data: res.Online})
	return nil
}

func (a *App) refreshDisplayName(ctx context.Context, user domain.User, requested string) domain.User {
	if requested == "" || requested == user.Username {
		return user
	}
	if err := a.store.RenameUser(ctx, user.ID, requested); err != nil {
		slog.Warn("display name not updated", "user_id", user.ID, "err", err)
		return user
	}
	user.Username = requested
	return user
}

// Leave removes a disconnected connection from presence.
func (a *App) Leave(connID string) {
	a.announceMu.Lock()
	defer a.announceMu.Unlock()
	res := a.presence.Leave(connID)
	if !res.Known {
		return
	}
	a.announceLeave(res)
}

func (a *App) announceLeave(res presence.LeaveResult) {
	if res.WentOffline {
		for _, recipient := range a.typing.clearSender(res.User) {
			a.emitStopTyping(res.User, recipient)
		}
		a.presence.Broadcast(domain.Event{Type: domain.EventUserOffline, Data: domain.UserOfflinePayload{UserID: res.User}})
	}
	a.presence.Broadcast(domain.Event{Type: domain.EventUsersOnline, Data: res.Online})
}

// SendMessage validates, persists and then delivers a text message (optionally
// referencing an already uploaded attachment) to both participants.
func (a *App) SendMessage(ctx context.Context, peer Peer, p domain.ChatMessagePayload) (domain.Message, error) {
	if err := a.requireJoined(peer); err != nil {
		return domain.Message{}, err
	}
	if p.SenderID != peer.User {
		return domain.Message{}, fmt.Errorf("%w: senderId does not match token", ErrForbidden)
	}
	draft := domain.MessageDraft{
		SenderID:    p.SenderID,
		RecipientID: p.RecipientID,
		Content:     p.Content,
		FileURL:     p.FileURL,
		FileType:    p.FileType,
	}
	if err := draft.Validate(a.maxContentLength); err != nil {
		return domain.Message{}, fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}
	if !a.allow(ctx, peer.User) {
		return domain.Message{}, ErrRateLimited
	}
	return a.persistAndDeliver(ctx, draft)
}

func (a *App) persistAndDeliver(ctx context.Context, draft domain.MessageDraft) (domain.Message, error) {
	msg, err := a.store.InsertMessage(ctx, draft)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return domain.Message{}, ErrUnknownUser
		}
		slog.Error("persist message failed", "sender_id", draft.SenderID, "recipient_id", draft.RecipientID, "err", err)
		return domain.Message{}, ErrPersistence
	}
	a.typing.stop(msg.SenderID, msg.RecipientID)
	a.presence.SendTo(domain.Event{Type: domain.EventChatMessage, Data: msg}, msg.SenderID, msg.RecipientID)
	return msg, nil
}

// Typing relays a typing indicator to the recipient's connections only.
func (a *App) Typing(ctx context.Context, peer Peer, p domain.TypingPayload) error {
	if err := a.checkTyping(peer, p); err != nil {
		return err
	}
	a.typing.start(p.SenderID, p.RecipientID)
	a.presence.SendTo(domain.Event{Type: domain.EventTyping, Data: domain.TypingPayload{SenderID: p.SenderID}}, p.RecipientID)
	return nil
}

// StopTyping clears a typing indicator on the recipient's connections.
func (a *App) StopTyping(ctx context.Context, peer Peer, p domain.TypingPayload) error {
	if err := a.checkTyping(peer, p); err != nil {
		return err
	}
	a.typing.stop(p.SenderID, p.RecipientID)
	a.emitStopTyping(p.SenderID, p.RecipientID)
	return nil
}

func (a *App) checkTyping(peer Peer, p domain.TypingPayload) error {
	if err := a.requireJoined(peer); err != nil {
		return err
	}
	if p.SenderID != peer.User {
		return fmt.Errorf("%w: senderId does not match token", ErrForbidden)
	}
	if !p.RecipientID.Valid() || p.RecipientID == p.SenderID {
		return fmt.Errorf("%w: recipientId is required", ErrInvalidPayload)
	}
	return nil
}

func (a *App) emitStopTyping(sender, recipient domain.ID) {
	a.presence.SendTo(domain.Event{Type: domain.EventStopTyping, Data: domain.TypingPayload{SenderID: sender}}, recipient)
}

// MarkRead sets the read flag on behalf of the recipient and notifies the
// sender once per false to true transition.
func (a *App) MarkRead(ctx context.Context, peer Peer, p domain.ReadPayload) error {
	if err := a.requireJoined(peer); err != nil {
		return err
	}
	if !p.MessageID.Valid() {
		return fmt.Errorf("%w: messageId is required", ErrInvalidPayload)
	}
	if p.RecipientID.Valid() && p.RecipientID != peer.User {
		return fmt.Errorf("%w: recipientId does not match token", ErrForbidden)
	}
	msg, ok, err := a.store.GetMessage(ctx, p.MessageID)
	if err != nil {
		return fmt.Errorf("load message: %w", err)
	}
	if !ok {
		return ErrMessageNotFound
	}
	if msg.RecipientID != peer.User {
		return fmt.Errorf("%w: only the recipient can mark a message read", ErrForbidden)
	}
	msg, changed, err := a.store.MarkMessageRead(ctx, p.MessageID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return ErrMessageNotFound
		}
		return fmt.Errorf("mark read: %w", err)
	}
	if changed {
		a.presence.SendTo(domain.Event{Type: domain.EventMessageRead, Data: domain.ReadPayload{MessageID: msg.ID}}, msg.SenderID)
	}
	return nil
}

// OlderMessages answers a backfill request on the requesting connection with a
// newest-first page older than the cursor.
func (a *App) OlderMessages(ctx context.Context, peer Peer, p domain.GetMessagesPayload) ([]domain.Message, error) {
	if err := a.requireJoined(peer); err != nil {
		return nil, err
	}
	if p.UserID != peer.User {
		return nil, fmt.Errorf("%w: userId does not match token", ErrForbidden)
	}
	if !p.RecipientID.Valid() || p.RecipientID == p.UserID {
		return nil, fmt.Errorf("%w: recipientId is required", ErrInvalidPayload)
	}
	var before domain.ID
	if p.BeforeMessageID != nil {
		before = *p.BeforeMessageID
	}
	page, err := a.History(ctx, p.UserID, p.RecipientID, before, p.Limit)
	if err != nil {
		return nil, err
	}
	peer.Conn.Send(domain.Event{Type: domain.EventOlderMessages, Data: page})
	return page, nil
}

// History returns up to limit messages of the pair older than before, newest first.
func (a *App) History(ctx context.Context, user, other, before domain.ID, limit int) ([]domain.Message, error) {
	if limit <= 0 {
		limit = a.historyPageSize
	}
	if limit > maxHistoryPageSize {
		limit = maxHistoryPageSize
	}
	page, err := a.store.ListMessagesBefore(ctx, user, other, before, limit)
	if err != nil {
		return nil, fmt.Errorf("list messages: %w", err)
	}
	if page == nil {
		page = []domain.Message{}
	}
	return page, nil
}

// Conversation returns the full thread between two users, oldest first.
// The caller must be one of them.
func (a *App) Conversation(ctx context.Context, caller, user1, user2 domain.ID) ([]domain.Message, error) {
	if !user1.Valid() || !user2.Valid() || user1 == user2 {
		return nil, fmt.Errorf("%w: two distinct user ids are required", ErrInvalidPayload)
	}
	if caller != user1 && caller != user2 {
		return nil, ErrForbidden
	}
	msgs, err := a.store.ListConversation(ctx, user1, user2)
	if err != nil {
		return nil, fmt.Errorf("list conversation: %w", err)
	}
	return msgs, nil
}

// Directory lists every user with their current presence.
func (a *App) Directory(ctx context.Context) ([]domain.DirectoryEntry, error) {
	users, err := a.store.ListUsers(ctx)
	if err != nil {
		return nil, fmt.Errorf("list users: %w", err)
	}
	remote := a.clusterOnline(ctx)
	out := make([]domain.DirectoryEntry, 0, len(users))
	for _, u := range users {
		out = append(out, domain.DirectoryEntry{User: u, Online: a.presence.IsOnline(u.ID) || remote[u.ID]})
	}
	return out, nil
}

// clusterOnline falls back to local presence when the shared view is unavailable.
func (a *App) clusterOnline(ctx context.Context) map[domain.ID]bool {
	if a.cluster == nil {
		return nil
	}
	ids, err := a.cluster.ClusterOnline(ctx)
	if err != nil {
		slog.Warn("cluster presence unavailable", "err", err)
		return nil
	}
	out := make(map[domain.ID]bool, len(ids))
	for _, id := range ids {
		out[id] = true
	}
	return out
}

// Ping checks the message store when it can report its health.
func (a *App) Ping(ctx context.Context) error {
	if p, ok := a.store.(interface{ Ping(context.Context) error }); ok {
		return p.Ping(ctx)
	}
	return nil
}

// Close stops pending typing timers.
func (a *App) Close() {
	for _, key := range a.typing.keys() {
		a.typing.stop(key.sender, key.recipient)
	}
}

func (a *App) requireJoined(peer Peer) error {
	user, ok := a.presence.UserOf(peer.Conn.ID())
	if !ok || user != peer.User {
		return ErrNotJoined
	}
	return nil
}

func (a *App) allow(ctx context.Context, user domain.ID) bool {
	if a.limiter == nil {
		return true
	}
	return a.limiter.Allow(ctx, "msg:"+user.String())
}
