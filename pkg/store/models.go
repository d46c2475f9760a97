package store

import (
	"time"

	"gorm.io/datatypes"
)

// GORM models used for persistence.
type ConversationModel struct {
	ID           string         `gorm:"primaryKey"`
	UserID       string         `gorm:"not null;index:idx_conversation_user_updated,priority:1"`
	Title        string         `gorm:"not null"`
	SessionID    string         `gorm:"not null;default:''"`
	MessageCount int            `gorm:"not null;default:0"`
	CreatedAt    time.Time      `gorm:"not null"`
	UpdatedAt    time.Time      `gorm:"not null;index:idx_conversation_user_updated,priority:2,sort:desc"`
	Messages     []MessageModel `gorm:"foreignKey:ConversationID;constraint:OnDelete:CASCADE"`
}

type MessageModel struct {
	ID             string         `gorm:"primaryKey"`
	ConversationID string         `gorm:"not null;index:idx_message_conversation_created,priority:1"`
	Role           string         `gorm:"not null"`
	Content        string         `gorm:"type:text;not null"`
	Attachment     datatypes.JSON `gorm:"type:jsonb"`
	CreatedAt      time.Time      `gorm:"not null;index:idx_message_conversation_created,priority:2"`
}

type FileModel struct {
	ID         string    `gorm:"primaryKey"`
	UserID     string    `gorm:"not null;index"`
	Name       string    `gorm:"not null"`
	MimeType   string    `gorm:"not null"`
	SizeBytes  int64     `gorm:"not null"`
	StorageKey string    `gorm:"not null"`
	URL        string    `gorm:"not null"`
	CreatedAt  time.Time `gorm:"not null"`
}

type ProfileModel struct {
	UID          string `gorm:"primaryKey"`
	DisplayName  string
	PhotoURL     string
	Email        string
	DOB          string
	Premium      bool   `gorm:"not null;default:false"`
	Plan         string `gorm:"not null;default:'free'"`
	PremiumSince *time.Time
	CreatedAt    time.Time `gorm:"not null"`
	UpdatedAt    time.Time `gorm:"not null"`
}

type UsageStatsModel struct {
	UserID       string                             `gorm:"primaryKey"`
	QueriesToday int                                `gorm:"not null;default:0"`
	Day          string                             `gorm:"not null;default:''"`
	UsedQueries  int                                `gorm:"not null;default:0"`
	ToolUsage    datatypes.JSONType[map[string]int] `gorm:"type:jsonb"`
	WeekdayUsage datatypes.JSONType[map[string]int] `gorm:"type:jsonb"`
	UpdatedAt    time.Time                          `gorm:"not null"`
}
