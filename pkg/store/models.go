package store

import (
	"time"

	"pairchat/pkg/domain"
)

// GORM models used for persistence.
type UserModel struct {
	ID           int64     `gorm:"primaryKey;autoIncrement"`
	Username     string    `gorm:"size:255;uniqueIndex;not null"`
	Email        string    `gorm:"size:255;uniqueIndex;not null"`
	PasswordHash string    `gorm:"size:255;not null"`
	CreatedAt    time.Time `gorm:"not null"`
}

type MessageModel struct {
	ID          int64     `gorm:"primaryKey;autoIncrement"`
	SenderID    int64     `gorm:"not null;index:idx_message_pair,priority:1"`
	RecipientID int64     `gorm:"not null;index:idx_message_pair,priority:2;index"`
	Content     string    `gorm:"type:text;not null"`
	CreatedAt   time.Time `gorm:"not null;index"`
	Read        bool      `gorm:"not null;default:false"`
	FileURL     string    `gorm:"size:255"`
	FileType    string    `gorm:"size:16"`
}

// conversationRow is a message joined with its sender's username.
type conversationRow struct {
	MessageModel
	SenderUsername string
}

func userToModel(u domain.User) UserModel {
	return UserModel{
		ID:           int64(u.ID),
		Username:     u.Username,
		Email:        u.Email,
		PasswordHash: u.PasswordHash,
		CreatedAt:    u.CreatedAt,
	}
}

func userFromModel(m UserModel) domain.User {
	return domain.User{
		ID:           domain.ID(m.ID),
		Username:     m.Username,
		Email:        m.Email,
		PasswordHash: m.PasswordHash,
		CreatedAt:    m.CreatedAt.UTC(),
	}
}

func messageToModel(d domain.MessageDraft, at time.Time) MessageModel {
	return MessageModel{
		SenderID:    int64(d.SenderID),
		RecipientID: int64(d.RecipientID),
		Content:     d.Content,
		CreatedAt:   at,
		FileURL:     d.FileURL,
		FileType:    string(d.FileType),
	}
}

func messageFromModel(m MessageModel) domain.Message {
	return domain.Message{
		ID:          domain.ID(m.ID),
		SenderID:    domain.ID(m.SenderID),
		RecipientID: domain.ID(m.RecipientID),
		Content:     m.Content,
		Timestamp:   m.CreatedAt.UTC(),
		Read:        m.Read,
		FileURL:     m.FileURL,
		FileType:    domain.AttachmentKind(m.FileType),
	}
}

// insertTime is the server-assigned message timestamp at the precision
// Postgres stores, so live and stored copies compare equal.
func insertTime() time.Time {
	return time.Now().UTC().Truncate(time.Microsecond)
}
