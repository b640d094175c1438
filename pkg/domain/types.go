package domain

import (
	"errors"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"
)

type AttachmentKind string

const (
	AttachmentImage AttachmentKind = "image"
	AttachmentVideo AttachmentKind = "video"
)

// MaxFileURLLength bounds stored attachment urls.
const MaxFileURLLength = 255

var ErrInvalidMessage = errors.New("invalid message")

// ParseAttachmentKind accepts a bare kind ("image") or a MIME type ("image/png").
func ParseAttachmentKind(raw string) (AttachmentKind, bool) {
	raw = strings.ToLower(strings.TrimSpace(raw))
	if i := strings.IndexByte(raw, '/'); i >= 0 {
		raw = raw[:i]
	}
	switch AttachmentKind(raw) {
	case AttachmentImage:
		return AttachmentImage, true
	case AttachmentVideo:
		return AttachmentVideo, true
	}
	return "", false
}

type User struct {
	ID           ID        `json:"id"`
	Username     string    `json:"username"`
	Email        string    `json:"email,omitempty"`
	PasswordHash string    `json:"-"`
	CreatedAt    time.Time `json:"createdAt"`
}

// Message is one persisted direct message. SenderUsername is only filled by
// the full-thread read.
type Message struct {
	ID             ID             `json:"id"`
	SenderID       ID             `json:"senderId"`
	RecipientID    ID             `json:"recipientId"`
	Content        string         `json:"content"`
	Timestamp      time.Time      `json:"timestamp"`
	Read           bool           `json:"read"`
	FileURL        string         `json:"fileUrl,omitempty"`
	FileType       AttachmentKind `json:"fileType,omitempty"`
	SenderUsername string         `json:"senderUsername,omitempty"`
}

// Involves reports whether user is the sender or the recipient.
func (m Message) Involves(user ID) bool {
	return m.SenderID == user || m.RecipientID == user
}

// MessageDraft is a message before the store assigns id, timestamp and read state.
type MessageDraft struct {
	SenderID    ID
	RecipientID ID
	Content     string
	FileURL     string
	FileType    AttachmentKind
}

// Validate checks the draft against message invariants. maxContent <= 0 disables
// the length check.
func (d MessageDraft) Validate(maxContent int) error {
	switch {
	case !d.SenderID.Valid():
		return fmt.Errorf("%w: senderId is required", ErrInvalidMessage)
	case !d.RecipientID.Valid():
		return fmt.Errorf("%w: recipientId is required", ErrInvalidMessage)
	case d.SenderID == d.RecipientID:
		return fmt.Errorf("%w: sender and recipient must differ", ErrInvalidMessage)
	case (d.FileURL == "") != (d.FileType == ""):
		return fmt.Errorf("%w: fileUrl and fileType must be set together", ErrInvalidMessage)
	case d.FileURL == "" && strings.TrimSpace(d.Content) == "":
		return fmt.Errorf("%w: content is required without an attachment", ErrInvalidMessage)
	case len(d.FileURL) > MaxFileURLLength:
		return fmt.Errorf("%w: fileUrl too long", ErrInvalidMessage)
	case maxContent > 0 && utf8.RuneCountInString(d.Content) > maxContent:
		return fmt.Errorf("%w: content exceeds %d characters", ErrInvalidMessage, maxContent)
	}
	if d.FileType != "" && d.FileType != AttachmentImage && d.FileType != AttachmentVideo {
		return fmt.Errorf("%w: unsupported fileType %q", ErrInvalidMessage, d.FileType)
	}
	return nil
}

// PeerOf returns the other participant of a two-person conversation.
func PeerOf(m Message, me ID) ID {
	if m.SenderID == me {
		return m.RecipientID
	}
	return m.SenderID
}
