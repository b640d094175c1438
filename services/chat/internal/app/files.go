package app

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"strings"

	"pairchat/pkg/domain"
	"pairchat/pkg/storage"
)

// SendFile uploads an inline attachment, then persists and delivers a message
// pointing at it. Nothing is persisted when the upload fails.
func (a *App) SendFile(ctx context.Context, peer Peer, p domain.ChatFilePayload) (domain.Message, error) {
	if err := a.requireJoined(peer); err != nil {
		return domain.Message{}, err
	}
	if p.SenderID != peer.User {
		return domain.Message{}, fmt.Errorf("%w: senderId does not match token", ErrForbidden)
	}
	if a.blobs == nil {
		return domain.Message{}, fmt.Errorf("%w: attachments are disabled", ErrUpload)
	}
	kind, ok := domain.ParseAttachmentKind(p.FileType)
	if !ok {
		return domain.Message{}, fmt.Errorf("%w: fileType must be image or video", ErrInvalidPayload)
	}
	if len(p.File) == 0 {
		return domain.Message{}, fmt.Errorf("%w: file is empty", ErrInvalidPayload)
	}
	if int64(len(p.File)) > a.maxFileBytes {
		return domain.Message{}, fmt.Errorf("%w: file exceeds %d bytes", ErrInvalidPayload, a.maxFileBytes)
	}
	contentType := attachmentContentType(p.FileType, p.File)
	if !strings.HasPrefix(contentType, string(kind)+"/") && contentType != "application/octet-stream" {
		return domain.Message{}, fmt.Errorf("%w: file content is %s, not %s", ErrInvalidPayload, contentType, kind)
	}

	draft := domain.MessageDraft{
		SenderID:    p.SenderID,
		RecipientID: p.RecipientID,
		Content:     p.Content,
		FileURL:     "pending",
		FileType:    kind,
	}
	if err := draft.Validate(a.maxContentLength); err != nil {
		return domain.Message{}, fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}
	if !a.allow(ctx, peer.User) {
		return domain.Message{}, ErrRateLimited
	}

	key := storage.AttachmentKey(p.SenderID, p.FileName, a.now())
	url, err := a.blobs.Upload(ctx, key, bytes.NewReader(p.File), int64(len(p.File)), contentType)
	if err != nil {
		slog.Error("attachment upload failed", "sender_id", p.SenderID, "key", key, "err", err)
		return domain.Message{}, ErrUpload
	}
	draft.FileURL = url
	if len(url) > domain.MaxFileURLLength {
		a.discardBlob(key)
		return domain.Message{}, fmt.Errorf("%w: attachment url too long", ErrUpload)
	}

	msg, err := a.persistAndDeliver(ctx, draft)
	if err != nil {
		a.discardBlob(key)
		return domain.Message{}, err
	}
	return msg, nil
}

// discardBlob removes an uploaded object that no message references.
func (a *App) discardBlob(key string) {
	ctx, cancel := context.WithTimeout(context.Background(), defaultBlobCleanupTimeout)
	defer cancel()
	err := a.blobs.Delete(ctx, key)
	if err == nil {
		return
	}
	if a.cleanup != nil {
		if qerr := a.cleanup.Enqueue(ctx, key); qerr == nil {
			slog.Warn("orphaned attachment queued for cleanup", "key", key, "err", err)
			return
		}
	}
	slog.Warn("orphaned attachment not removed", "key", key, "err", err)
}

// attachmentContentType prefers an explicit MIME type and falls back to sniffing.
func attachmentContentType(declared string, data []byte) string {
	declared = strings.ToLower(strings.TrimSpace(declared))
	if strings.Contains(declared, "/") {
		return declared
	}
	sniffed := http.DetectContentType(data)
	if i := strings.IndexByte(sniffed, ';'); i >= 0 {
		sniffed = sniffed[:i]
	}
	return sniffed
}
