package repository

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/glebarez/sqlite"
	"gorm.io/driver/mysql"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"support-assistant/internal/domain"
)

const (
	DriverSQLite = "sqlite"
	DriverMySQL  = "mysql"
)

type conversationRow struct {
	ID           string    `gorm:"primaryKey;size:64"`
	CallerID     string    `gorm:"index;size:64"`
	Title        string    `gorm:"size:255"`
	SessionID    string    `gorm:"size:128"`
	MessageCount int       `gorm:"not null;default:0"`
	CreatedAt    time.Time `gorm:"autoCreateTime:false"`
	UpdatedAt    time.Time `gorm:"autoUpdateTime:false"`
}

func (conversationRow) TableName() string { return "conversations" }

type messageRow struct {
	ID             string    `gorm:"primaryKey;size:64"`
	ConversationID string    `gorm:"size:64;not null;uniqueIndex:idx_conversation_message"`
	MessageIndex   int       `gorm:"not null;uniqueIndex:idx_conversation_message"`
	Role           string    `gorm:"size:16"`
	Prompt         string    `gorm:"type:text"`
	Answer         string    `gorm:"type:text"`
	SessionID      string    `gorm:"size:128"`
	Feedback       string    `gorm:"size:16;not null;default:none"`
	CreatedAt      time.Time `gorm:"autoCreateTime:false"`
}

func (messageRow) TableName() string { return "messages" }

type callerRow struct {
	ID         string    `gorm:"primaryKey;size:64"`
	Guest      bool      `gorm:"not null"`
	DailyCount int       `gorm:"not null;default:0"`
	CountDate  string    `gorm:"size:10"`
	CreatedAt  time.Time `gorm:"autoCreateTime:false"`
}

func (callerRow) TableName() string { return "callers" }

// SQLStore keeps conversations, messages and callers in a relational database
// through gorm.
type SQLStore struct {
	db *gorm.DB
}

// OpenSQL connects to driver ("sqlite" or "mysql") and migrates the schema.
func OpenSQL(driver, dsn string) (*SQLStore, error) {
	driver = strings.ToLower(strings.TrimSpace(driver))
	var dialector gorm.Dialector
	switch driver {
	case DriverSQLite:
		dialector = sqlite.Open(dsn)
	case DriverMySQL:
		dialector = mysql.Open(dsn)
	default:
		return nil, fmt.Errorf("repository: unsupported sql driver %q", driver)
	}

	db, err := gorm.Open(dialector, &gorm.Config{
		Logger:         gormlogger.Default.LogMode(gormlogger.Silent),
		TranslateError: true,
	})
	if err != nil {
		return nil, fmt.Errorf("repository: open %s: %w", driver, err)
	}
	if driver == DriverSQLite {
		// SQLite allows one writer; a single connection turns lock errors
		// into queueing.
		sqlDB, err := db.DB()
		if err != nil {
			return nil, fmt.Errorf("repository: sqlite handle: %w", err)
		}
		sqlDB.SetMaxOpenConns(1)
	}

	s, err := NewSQLStore(db)
	if err != nil {
		return nil, err
	}
	if err := s.AutoMigrate(); err != nil {
		return nil, err
	}
	return s, nil
}

func NewSQLStore(db *gorm.DB) (*SQLStore, error) {
	if db == nil {
		return nil, errors.New("repository: db must not be nil")
	}
	return &SQLStore{db: db}, nil
}

// AutoMigrate creates or updates the tables.
func (s *SQLStore) AutoMigrate() error {
	if err := s.db.AutoMigrate(&conversationRow{}, &messageRow{}, &callerRow{}); err != nil {
		return fmt.Errorf("repository: AutoMigrate: %w", err)
	}
	return nil
}

// Close releases the underlying connection pool.
func (s *SQLStore) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

func (s *SQLStore) CreateConversation(ctx context.Context, conv domain.Conversation) error {
	row := conversationRow{
		ID:           conv.ID,
		CallerID:     conv.CallerID,
		Title:        conv.Title,
		SessionID:    conv.SessionID,
		MessageCount: conv.MessageCount,
		CreatedAt:    conv.CreatedAt,
		UpdatedAt:    conv.UpdatedAt,
	}
	if err := s.db.WithContext(ctx).Create(&row).Error; err != nil {
		return fmt.Errorf("repository: CreateConversation: %w", mapSQLErr(err))
	}
	return nil
}

func (s *SQLStore) GetConversation(ctx context.Context, id string) (domain.Conversation, error) {
	var row conversationRow
	if err := s.db.WithContext(ctx).First(&row, "id = ?", id).Error; err != nil {
		return domain.Conversation{}, fmt.Errorf("repository: GetConversation %q: %w", id, mapSQLErr(err))
	}
	return domain.Conversation{
		ID:           row.ID,
		CallerID:     row.CallerID,
		Title:        row.Title,
		SessionID:    row.SessionID,
		MessageCount: row.MessageCount,
		CreatedAt:    row.CreatedAt,
		UpdatedAt:    row.UpdatedAt,
	}, nil
}

// SaveExchange bumps the conversation count with a compare-and-set on
// rec.ExpectedCount and inserts the message in the same transaction.
func (s *SQLStore) SaveExchange(ctx context.Context, rec domain.ExchangeRecord) error {
	msg := rec.Message
	if msg.ID == "" || msg.ConversationID == "" {
		return errors.New("repository: SaveExchange: message and conversation ids are required")
	}

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		updates := map[string]any{
			"message_count": gorm.Expr("message_count + 1"),
			"updated_at":    rec.UpdatedAt,
			"session_id":    msg.SessionID,
		}
		if rec.Title != "" && rec.ExpectedCount == 0 {
			updates["title"] = rec.Title
		}
		res := tx.Model(&conversationRow{}).
			Where("id = ? AND message_count = ?", msg.ConversationID, rec.ExpectedCount).
			Updates(updates)
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			var n int64
			if err := tx.Model(&conversationRow{}).Where("id = ?", msg.ConversationID).Count(&n).Error; err != nil {
				return err
			}
			if n == 0 {
				return domain.ErrNotFound
			}
			return domain.ErrConflict
		}

		row := messageRow{
			ID:             msg.ID,
			ConversationID: msg.ConversationID,
			MessageIndex:   msg.Index,
			Role:           msg.Role,
			Prompt:         msg.Prompt,
			Answer:         msg.Answer,
			SessionID:      msg.SessionID,
			Feedback:       string(msg.Feedback.Normalize()),
			CreatedAt:      msg.CreatedAt,
		}
		return tx.Create(&row).Error
	})
	if err != nil {
		return fmt.Errorf("repository: SaveExchange: %w", mapSQLErr(err))
	}
	return nil
}

func (s *SQLStore) ListMessages(ctx context.Context, conversationID string) ([]domain.Message, error) {
	var rows []messageRow
	err := s.db.WithContext(ctx).
		Where("conversation_id = ?", conversationID).
		Order("message_index ASC").
		Find(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("repository: ListMessages: %w", err)
	}

	msgs := make([]domain.Message, 0, len(rows))
	for _, r := range rows {
		msgs = append(msgs, domain.Message{
			ID:             r.ID,
			ConversationID: r.ConversationID,
			Index:          r.MessageIndex,
			Role:           r.Role,
			Prompt:         r.Prompt,
			Answer:         r.Answer,
			SessionID:      r.SessionID,
			Feedback:       domain.Feedback(r.Feedback).Normalize(),
			CreatedAt:      r.CreatedAt,
		})
	}
	return msgs, nil
}

func (s *SQLStore) SetFeedback(ctx context.Context, messageID string, fb domain.Feedback) error {
	db := s.db.WithContext(ctx)
	res := db.Model(&messageRow{}).Where("id = ?", messageID).Update("feedback", string(fb))
	if res.Error != nil {
		return fmt.Errorf("repository: SetFeedback: %w", res.Error)
	}
	if res.RowsAffected > 0 {
		return nil
	}
	// MySQL reports zero affected rows when the value is unchanged.
	var n int64
	if err := db.Model(&messageRow{}).Where("id = ?", messageID).Count(&n).Error; err != nil {
		return fmt.Errorf("repository: SetFeedback: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("repository: SetFeedback %q: %w", messageID, domain.ErrNotFound)
	}
	return nil
}

func (s *SQLStore) GetCaller(ctx context.Context, id string) (domain.Caller, error) {
	var row callerRow
	if err := s.db.WithContext(ctx).First(&row, "id = ?", id).Error; err != nil {
		return domain.Caller{}, fmt.Errorf("repository: GetCaller %q: %w", id, mapSQLErr(err))
	}
	return domain.Caller{
		ID:         row.ID,
		Guest:      row.Guest,
		DailyCount: row.DailyCount,
		CountDate:  row.CountDate,
		CreatedAt:  row.CreatedAt,
	}, nil
}

func (s *SQLStore) PutCaller(ctx context.Context, c domain.Caller) error {
	row := callerRow{
		ID:         c.ID,
		Guest:      c.Guest,
		DailyCount: c.DailyCount,
		CountDate:  c.CountDate,
		CreatedAt:  c.CreatedAt,
	}
	if err := s.db.WithContext(ctx).Save(&row).Error; err != nil {
		return fmt.Errorf("repository: PutCaller: %w", err)
	}
	return nil
}

func (s *SQLStore) UpdateQuota(ctx context.Context, id, prevDate string, prevCount int, newDate string, newCount int) error {
	res := s.db.WithContext(ctx).Model(&callerRow{}).
		Where("id = ? AND daily_count = ? AND count_date = ?", id, prevCount, prevDate).
		Updates(map[string]any{"daily_count": newCount, "count_date": newDate})
	if res.Error != nil {
		return fmt.Errorf("repository: UpdateQuota: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("repository: UpdateQuota %q: %w", id, domain.ErrConflict)
	}
	return nil
}

func mapSQLErr(err error) error {
	switch {
	case errors.Is(err, gorm.ErrRecordNotFound):
		return domain.ErrNotFound
	case errors.Is(err, gorm.ErrDuplicatedKey):
		return domain.ErrConflict
	default:
		return err
	}
}
