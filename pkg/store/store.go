package store

import (
	"context"
	"errors"

	"pairchat/pkg/domain"
)

var (
	ErrNotFound   = errors.New("record not found")
	ErrUserExists = errors.New("username or email already registered")
)

// Store defines persistence operations for users and direct messages.
// Lookups return ok=false with a nil error when the record does not exist.
type Store interface {
	// users
	SaveUser(ctx context.Context, u domain.User) (domain.User, error)
	GetUserByID(ctx context.Context, id domain.ID) (domain.User, bool, error)
	GetUserByUsername(ctx context.Context, username string) (domain.User, bool, error)
	ListUsers(ctx context.Context) ([]domain.User, error)
	RenameUser(ctx context.Context, id domain.ID, username string) error

	// messages
	InsertMessage(ctx context.Context, draft domain.MessageDraft) (domain.Message, error)
	GetMessage(ctx context.Context, id domain.ID) (domain.Message, bool, error)
	// MarkMessageRead sets the read flag. changed is true only for the call
	// that performed the false to true transition.
	MarkMessageRead(ctx context.Context, id domain.ID) (msg domain.Message, changed bool, err error)
	// ListMessagesBefore returns up to limit messages of the pair, newest first.
	// A zero before disables the cursor.
	ListMessagesBefore(ctx context.Context, a, b, before domain.ID, limit int) ([]domain.Message, error)
	// ListConversation returns every message of the pair in ascending time
	// order with SenderUsername populated.
	ListConversation(ctx context.Context, a, b domain.ID) ([]domain.Message, error)
}
