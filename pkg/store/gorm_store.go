package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"os"
	"strings"
	"time"

	"gorm.io/datatypes"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	gormlogger "gorm.io/gorm/logger"

	"farmsmart/pkg/domain"
)

const migrateLockID int64 = 51840231

type GormStoreOptions struct {
	LogLevel      gormlogger.LogLevel
	SlowThreshold time.Duration
}

type GormStoreOption func(*GormStoreOptions)

// WithLogLevel sets the gorm logger level.
func WithLogLevel(level gormlogger.LogLevel) GormStoreOption {
	return func(opts *GormStoreOptions) {
		opts.LogLevel = level
	}
}

// GormStore implements Store using GORM + Postgres.
type GormStore struct {
	db *gorm.DB
}

// NewGormStore opens the DB and runs auto-migrations.
func NewGormStore(dsn string, options ...GormStoreOption) (*GormStore, error) {
	opts := GormStoreOptions{LogLevel: gormlogger.Warn, SlowThreshold: time.Second}
	for _, option := range options {
		if option != nil {
			option(&opts)
		}
	}
	gormLog := gormlogger.New(
		log.New(os.Stdout, "\r\n", log.LstdFlags),
		gormlogger.Config{
			SlowThreshold:             opts.SlowThreshold,
			LogLevel:                  opts.LogLevel,
			IgnoreRecordNotFoundError: true,
			Colorful:                  false,
		},
	)
	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{Logger: gormLog})
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	if err := withMigrationLock(db, func(tx *gorm.DB) error {
		if err := tx.AutoMigrate(&ConversationModel{}, &MessageModel{}, &FileModel{}, &ProfileModel{}, &UsageStatsModel{}); err != nil {
			return fmt.Errorf("auto migrate: %w", err)
		}
		return nil
	}); err != nil {
		return nil, err
	}
	return &GormStore{db: db}, nil
}

// Close releases the underlying connection pool.
func (s *GormStore) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
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
	return fn(db)
}

func execAdvisory(ctx context.Context, conn *sql.Conn, query string, lockID int64) error {
	_, err := conn.ExecContext(ctx, query, lockID)
	return err
}

// CreateConversation creates a new conversation record.
func (s *GormStore) CreateConversation(conversation domain.Conversation) error {
	model := conversationToModel(conversation)
	return s.db.Create(&model).Error
}

// GetConversation returns one conversation by ID.
func (s *GormStore) GetConversation(id string) (domain.Conversation, bool, error) {
	var model ConversationModel
	if err := s.db.First(&model, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return domain.Conversation{}, false, nil
		}
		return domain.Conversation{}, false, err
	}
	return conversationFromModel(model), true, nil
}

// ListConversationsByUser returns all conversations of a user, newest activity first.
func (s *GormStore) ListConversationsByUser(userID string) ([]domain.Conversation, error) {
	var models []ConversationModel
	if err := s.db.Where("user_id = ?", userID).
		Order("updated_at DESC").
		Order("id ASC").
		Find(&models).Error; err != nil {
		return nil, err
	}
	items := make([]domain.Conversation, 0, len(models))
	for _, model := range models {
		items = append(items, conversationFromModel(model))
	}
	return items, nil
}

// UpdateConversationTitle overwrites the title.
func (s *GormStore) UpdateConversationTitle(id, title string) error {
	return s.updateConversation(id, map[string]any{"title": title})
}

// SetConversationSession stores the inference session token.
func (s *GormStore) SetConversationSession(id, sessionID string) error {
	return s.updateConversation(id, map[string]any{"session_id": sessionID})
}

// updateConversation leaves updated_at alone: it tracks message activity only.
func (s *GormStore) updateConversation(id string, updates map[string]any) error {
	res := s.db.Model(&ConversationModel{}).Where("id = ?", id).UpdateColumns(updates)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// DeleteConversation removes a conversation and its messages in one transaction.
func (s *GormStore) DeleteConversation(id string) error {
	return s.db.Transaction(func(tx *gorm.DB) error {
		if err := tx.Delete(&MessageModel{}, "conversation_id = ?", id).Error; err != nil {
			return err
		}
		res := tx.Delete(&ConversationModel{}, "id = ?", id)
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return ErrNotFound
		}
		return nil
	})
}

// AppendMessage records a message and bumps the owning conversation.
func (s *GormStore) AppendMessage(msg domain.Message) error {
	model, err := messageToModel(msg)
	if err != nil {
		return err
	}
	return s.db.Transaction(func(tx *gorm.DB) error {
		res := tx.Model(&ConversationModel{}).
			Where("id = ?", msg.ConversationID).
			UpdateColumns(map[string]any{
				"updated_at":    gorm.Expr("GREATEST(updated_at, ?)", msg.CreatedAt.UTC()),
				"message_count": gorm.Expr("message_count + 1"),
			})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return ErrNotFound
		}
		return tx.Create(&model).Error
	})
}

// ListMessages returns the conversation transcript in chronological order.
func (s *GormStore) ListMessages(conversationID string) ([]domain.Message, error) {
	var models []MessageModel
	if err := s.db.Where("conversation_id = ?", conversationID).
		Order("created_at ASC").
		Order("id ASC").
		Find(&models).Error; err != nil {
		return nil, err
	}
	msgs := make([]domain.Message, 0, len(models))
	for _, model := range models {
		msgs = append(msgs, messageFromModel(model))
	}
	return msgs, nil
}

// SaveFile records an uploaded file.
func (s *GormStore) SaveFile(f domain.File) error {
	model := FileModel{
		ID:         f.ID,
		UserID:     f.UserID,
		Name:       f.Name,
		MimeType:   f.MimeType,
		SizeBytes:  f.SizeBytes,
		StorageKey: f.StorageKey,
		URL:        f.URL,
		CreatedAt:  f.CreatedAt,
	}
	return s.db.Create(&model).Error
}

// GetProfile returns a stored profile.
func (s *GormStore) GetProfile(uid string) (domain.Profile, bool, error) {
	var model ProfileModel
	if err := s.db.First(&model, "uid = ?", uid).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return domain.Profile{}, false, nil
		}
		return domain.Profile{}, false, err
	}
	return profileFromModel(model), true, nil
}

// SaveProfile upserts the user-editable profile fields.
func (s *GormStore) SaveProfile(p domain.Profile) error {
	now := time.Now().UTC()
	model := ProfileModel{
		UID:         p.UID,
		DisplayName: p.DisplayName,
		PhotoURL:    p.PhotoURL,
		Email:       p.Email,
		DOB:         p.DOB,
		Plan:        string(domain.PlanFree),
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	return s.db.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "uid"}},
		DoUpdates: clause.AssignmentColumns([]string{"display_name", "photo_url", "email", "dob", "updated_at"}),
	}).Create(&model).Error
}

// SetPremium upgrades the user, creating the profile row when needed.
func (s *GormStore) SetPremium(uid string, plan domain.Plan, at time.Time) error {
	at = at.UTC()
	model := ProfileModel{
		UID:          uid,
		Premium:      true,
		Plan:         string(plan),
		PremiumSince: &at,
		CreatedAt:    at,
		UpdatedAt:    at,
	}
	return s.db.Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "uid"}},
		DoUpdates: clause.Assignments(map[string]any{
			"premium":       true,
			"plan":          string(plan),
			"premium_since": gorm.Expr("COALESCE(profile_models.premium_since, EXCLUDED.premium_since)"),
			"updated_at":    at,
		}),
	}).Create(&model).Error
}

// GetUsageStats returns the user's aggregates.
func (s *GormStore) GetUsageStats(uid string) (domain.UsageStats, bool, error) {
	var model UsageStatsModel
	if err := s.db.First(&model, "user_id = ?", uid).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return domain.UsageStats{}, false, nil
		}
		return domain.UsageStats{}, false, err
	}
	return usageFromModel(model), true, nil
}

// RecordUsage applies ev under a row lock so concurrent turns never lose an increment.
func (s *GormStore) RecordUsage(ev domain.UsageEvent) (domain.UsageStats, error) {
	var out domain.UsageStats
	err := s.db.Transaction(func(tx *gorm.DB) error {
		seed := UsageStatsModel{
			UserID:       ev.UserID,
			ToolUsage:    datatypes.NewJSONType(map[string]int{}),
			WeekdayUsage: datatypes.NewJSONType(map[string]int{}),
			UpdatedAt:    ev.At.UTC(),
		}
		if err := tx.Clauses(clause.OnConflict{DoNothing: true}).Create(&seed).Error; err != nil {
			return err
		}
		var model UsageStatsModel
		if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			First(&model, "user_id = ?", ev.UserID).Error; err != nil {
			return err
		}
		out = applyUsage(usageFromModel(model), ev)
		return tx.Model(&UsageStatsModel{}).
			Where("user_id = ?", ev.UserID).
			Updates(map[string]any{
				"queries_today": out.QueriesToday,
				"day":           out.Day,
				"used_queries":  out.UsedQueries,
				"tool_usage":    datatypes.NewJSONType(out.ToolUsage),
				"weekday_usage": datatypes.NewJSONType(out.WeekdayUsage),
				"updated_at":    out.UpdatedAt,
			}).Error
	})
	if err != nil {
		return domain.UsageStats{}, err
	}
	return out, nil
}

func conversationToModel(c domain.Conversation) ConversationModel {
	return ConversationModel{
		ID:           c.ID,
		UserID:       c.UserID,
		Title:        c.Title,
		SessionID:    c.SessionID,
		MessageCount: c.MessageCount,
		CreatedAt:    c.CreatedAt,
		UpdatedAt:    c.UpdatedAt,
	}
}

func conversationFromModel(m ConversationModel) domain.Conversation {
	return domain.Conversation{
		ID:           m.ID,
		UserID:       m.UserID,
		Title:        m.Title,
		SessionID:    m.SessionID,
		MessageCount: m.MessageCount,
		CreatedAt:    m.CreatedAt,
		UpdatedAt:    m.UpdatedAt,
	}
}

func messageToModel(msg domain.Message) (MessageModel, error) {
	var raw datatypes.JSON
	if msg.Attachment != nil {
		b, err := json.Marshal(msg.Attachment)
		if err != nil {
			return MessageModel{}, fmt.Errorf("encode attachment: %w", err)
		}
		raw = b
	}
	return MessageModel{
		ID:             msg.ID,
		ConversationID: msg.ConversationID,
		Role:           string(msg.Role),
		Content:        msg.Content,
		Attachment:     raw,
		CreatedAt:      msg.CreatedAt,
	}, nil
}

func messageFromModel(m MessageModel) domain.Message {
	msg := domain.Message{
		ID:             m.ID,
		ConversationID: m.ConversationID,
		Role:           domain.Role(m.Role),
		Content:        m.Content,
		CreatedAt:      m.CreatedAt,
	}
	if len(m.Attachment) > 0 && strings.TrimSpace(string(m.Attachment)) != "null" {
		var att domain.Attachment
		if err := json.Unmarshal(m.Attachment, &att); err == nil {
			msg.Attachment = &att
		}
	}
	return msg
}

func profileFromModel(m ProfileModel) domain.Profile {
	plan := domain.Plan(m.Plan)
	if plan == "" {
		plan = domain.PlanFree
	}
	return domain.Profile{
		UID:          m.UID,
		DisplayName:  m.DisplayName,
		PhotoURL:     m.PhotoURL,
		Email:        m.Email,
		DOB:          m.DOB,
		Premium:      m.Premium,
		Plan:         plan,
		PremiumSince: m.PremiumSince,
		CreatedAt:    m.CreatedAt,
		UpdatedAt:    m.UpdatedAt,
	}
}

func usageFromModel(m UsageStatsModel) domain.UsageStats {
	return domain.UsageStats{
		UserID:       m.UserID,
		QueriesToday: m.QueriesToday,
		Day:          m.Day,
		UsedQueries:  m.UsedQueries,
		ToolUsage:    copyCounts(m.ToolUsage.Data()),
		WeekdayUsage: copyCounts(m.WeekdayUsage.Data()),
		UpdatedAt:    m.UpdatedAt,
	}
}

func copyCounts(in map[string]int) map[string]int {
	out := make(map[string]int, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}
