package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log"
	"os"
	"strings"
	"time"

	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
	"pairchat/pkg/domain"
)

const migrateLockID int64 = 52417001

const pairFilter = "((sender_id = ? AND recipient_id = ?) OR (sender_id = ? AND recipient_id = ?))"

// GormStore implements Store using GORM + Postgres.
type GormStore struct {
	db *gorm.DB
}

// NewGormStore opens the DB and runs auto-migrations.
func NewGormStore(dsn string) (*GormStore, error) {
	gormLog := gormlogger.New(
		log.New(os.Stdout, "\r\n", log.LstdFlags),
		gormlogger.Config{
			SlowThreshold:             time.Second,
			LogLevel:                  gormlogger.Warn,
			IgnoreRecordNotFoundError: true,
			Colorful:                  false,
		},
	)
	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{Logger: gormLog, TranslateError: true})
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	if err := withMigrationLock(db, migrate); err != nil {
		return nil, err
	}
	return &GormStore{db: db}, nil
}

func migrate(tx *gorm.DB) error {
	if err := tx.AutoMigrate(&UserModel{}, &MessageModel{}); err != nil {
		return fmt.Errorf("auto migrate: %w", err)
	}
	if err := tx.Exec(`
		DO $$
		BEGIN
			IF NOT EXISTS (
				SELECT 1 FROM information_schema.table_constraints
				WHERE table_schema = 'public'
				AND table_name = 'message_models'
				AND constraint_name = 'message_models_sender_id_fkey'
			) THEN
				ALTER TABLE message_models
				ADD CONSTRAINT message_models_sender_id_fkey
				FOREIGN KEY (sender_id) REFERENCES user_models(id);
			END IF;
			IF NOT EXISTS (
				SELECT 1 FROM information_schema.table_constraints
				WHERE table_schema = 'public'
				AND table_name = 'message_models'
				AND constraint_name = 'message_models_recipient_id_fkey'
			) THEN
				ALTER TABLE message_models
				ADD CONSTRAINT message_models_recipient_id_fkey
				FOREIGN KEY (recipient_id) REFERENCES user_models(id);
			END IF;
		END $$;
	`).Error; err != nil {
		return fmt.Errorf("add message foreign keys: %w", err)
	}
	return nil
}

func withMigrationLock(db *gorm.DB, fn func(*gorm.DB) error) error {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	sqlDB, err := db.DB()
	if err != nil {
		return fmt.Errorf("get sql db: %w", err)
	}
	conn, err := sqlDB.Conn(ctx)
	if err != nil {
		return fmt.Errorf("open sql conn: %w", err)
	}
	defer conn.Close()
	if err := execAdvisory(ctx, conn, "SELECT pg_advisory_lock($1)", migrateLockID); err != nil {
		return fmt.Errorf("acquire migrate lock: %w", err)
	}
	defer func() {
		_ = execAdvisory(ctx, conn, "SELECT pg_advisory_unlock($1)", migrateLockID)
	}()
	return fn(db.WithContext(ctx))
}

func execAdvisory(ctx context.Context, conn *sql.Conn, query string, lockID int64) error {
	_, err := conn.ExecContext(ctx, query, lockID)
	return err
}

// Close releases the underlying connection pool.
func (s *GormStore) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// Ping checks database connectivity.
func (s *GormStore) Ping(ctx context.Context) error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.PingContext(ctx)
}

// SaveUser registers a user. A zero ID lets the database assign one.
func (s *GormStore) SaveUser(ctx context.Context, u domain.User) (domain.User, error) {
	if u.CreatedAt.IsZero() {
		u.CreatedAt = insertTime()
	}
	model := userToModel(u)
	if err := s.db.WithContext(ctx).Create(&model).Error; err != nil {
		if errors.Is(err, gorm.ErrDuplicatedKey) {
			return domain.User{}, ErrUserExists
		}
		return domain.User{}, fmt.Errorf("create user: %w", err)
	}
	return userFromModel(model), nil
}

// GetUserByID returns a user by ID.
func (s *GormStore) GetUserByID(ctx context.Context, id domain.ID) (domain.User, bool, error) {
	var model UserModel
	if err := s.db.WithContext(ctx).First(&model, "id = ?", int64(id)).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return domain.User{}, false, nil
		}
		return domain.User{}, false, err
	}
	return userFromModel(model), true, nil
}

// GetUserByUsername looks up a user by display name.
func (s *GormStore) GetUserByUsername(ctx context.Context, username string) (domain.User, bool, error) {
	var model UserModel
	if err := s.db.WithContext(ctx).Where("username = ?", strings.TrimSpace(username)).First(&model).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return domain.User{}, false, nil
		}
		return domain.User{}, false, err
	}
	return userFromModel(model), true, nil
}

// ListUsers returns all users ordered by id.
func (s *GormStore) ListUsers(ctx context.Context) ([]domain.User, error) {
	var models []UserModel
	if err := s.db.WithContext(ctx).Order("id ASC").Find(&models).Error; err != nil {
		return nil, err
	}
	res := make([]domain.User, 0, len(models))
	for _, m := range models {
		res = append(res, userFromModel(m))
	}
	return res, nil
}

// RenameUser updates the display name.
func (s *GormStore) RenameUser(ctx context.Context, id domain.ID, username string) error {
	res := s.db.WithContext(ctx).Model(&UserModel{}).Where("id = ?", int64(id)).Update("username", username)
	if res.Error != nil {
		if errors.Is(res.Error, gorm.ErrDuplicatedKey) {
			return ErrUserExists
		}
		return fmt.Errorf("rename user: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// InsertMessage persists a draft and returns it with id, timestamp and read=false.
func (s *GormStore) InsertMessage(ctx context.Context, draft domain.MessageDraft) (domain.Message, error) {
	model := messageToModel(draft, insertTime())
	if err := s.db.WithContext(ctx).Create(&model).Error; err != nil {
		if errors.Is(err, gorm.ErrForeignKeyViolated) {
			return domain.Message{}, fmt.Errorf("insert message: %w", ErrNotFound)
		}
		return domain.Message{}, fmt.Errorf("insert message: %w", err)
	}
	return messageFromModel(model), nil
}

// GetMessage returns a message by ID.
func (s *GormStore) GetMessage(ctx context.Context, id domain.ID) (domain.Message, bool, error) {
	var model MessageModel
	if err := s.db.WithContext(ctx).First(&model, "id = ?", int64(id)).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return domain.Message{}, false, nil
		}
		return domain.Message{}, false, err
	}
	return messageFromModel(model), true, nil
}

// MarkMessageRead flips read with a conditional update so that concurrent
// callers observe exactly one transition.
func (s *GormStore) MarkMessageRead(ctx context.Context, id domain.ID) (domain.Message, bool, error) {
	res := s.db.WithContext(ctx).Model(&MessageModel{}).
		Where("id = ? AND read = ?", int64(id), false).
		Update("read", true)
	if res.Error != nil {
		return domain.Message{}, false, fmt.Errorf("mark read: %w", res.Error)
	}
	msg, ok, err := s.GetMessage(ctx, id)
	if err != nil {
		return domain.Message{}, false, err
	}
	if !ok {
		return domain.Message{}, false, ErrNotFound
	}
	return msg, res.RowsAffected == 1, nil
}

// ListMessagesBefore returns a newest-first page of the pair's messages.
func (s *GormStore) ListMessagesBefore(ctx context.Context, a, b, before domain.ID, limit int) ([]domain.Message, error) {
	if limit <= 0 {
		return []domain.Message{}, nil
	}
	query := s.db.WithContext(ctx).
		Where(pairFilter, int64(a), int64(b), int64(b), int64(a))
	if before.Valid() {
		query = query.Where("id < ?", int64(before))
	}
	var models []MessageModel
	if err := query.Order("id DESC").Limit(limit).Find(&models).Error; err != nil {
		return nil, err
	}
	msgs := make([]domain.Message, 0, len(models))
	for _, m := range models {
		msgs = append(msgs, messageFromModel(m))
	}
	return msgs, nil
}

// ListConversation returns the whole thread, oldest first, with sender names.
func (s *GormStore) ListConversation(ctx context.Context, a, b domain.ID) ([]domain.Message, error) {
	var rows []conversationRow
	err := s.db.WithContext(ctx).
		Table("message_models AS m").
		Select("m.*, u.username AS sender_username").
		Joins("LEFT JOIN user_models u ON u.id = m.sender_id").
		Where("((m.sender_id = ? AND m.recipient_id = ?) OR (m.sender_id = ? AND m.recipient_id = ?))",
			int64(a), int64(b), int64(b), int64(a)).
		Order("m.created_at ASC, m.id ASC").
		Scan(&rows).Error
	if err != nil {
		return nil, err
	}
	msgs := make([]domain.Message, 0, len(rows))
	for _, row := range rows {
		msg := messageFromModel(row.MessageModel)
		msg.SenderUsername = row.SenderUsername
		msgs = append(msgs, msg)
	}
	return msgs, nil
}
