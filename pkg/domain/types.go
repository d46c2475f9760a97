package domain

import "time"

type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

type Plan string

const (
	PlanFree       Plan = "free"
	PlanPro        Plan = "pro"
	PlanEnterprise Plan = "enterprise"
)

// Valid reports whether p can be purchased.
func (p Plan) Valid() bool {
	return p == PlanPro || p == PlanEnterprise
}

// DefaultConversationTitle is the placeholder until the first user message arrives.
const DefaultConversationTitle = "New Chat"

// Conversation is one chat thread owned by a single user.
// SessionID is the opaque token the inference service uses to keep context;
// it is empty until the service issues one.
type Conversation struct {
	ID           string    `json:"id"`
	UserID       string    `json:"userId"`
	Title        string    `json:"title"`
	SessionID    string    `json:"sessionId"`
	MessageCount int       `json:"messageCount"`
	CreatedAt    time.Time `json:"createdAt"`
	UpdatedAt    time.Time `json:"updatedAt"`
}

type Attachment struct {
	FileID   string `json:"fileId"`
	URL      string `json:"url"`
	Name     string `json:"name"`
	MimeType string `json:"type"`
}

type Message struct {
	ID             string      `json:"id"`
	ConversationID string      `json:"conversationId"`
	Role           Role        `json:"role"`
	Content        string      `json:"content"`
	Attachment     *Attachment `json:"file,omitempty"`
	CreatedAt      time.Time   `json:"timestamp"`
}

// File is an uploaded attachment record.
type File struct {
	ID         string    `json:"id"`
	UserID     string    `json:"userId"`
	Name       string    `json:"name"`
	MimeType   string    `json:"type"`
	SizeBytes  int64     `json:"size"`
	StorageKey string    `json:"-"`
	URL        string    `json:"url"`
	CreatedAt  time.Time `json:"uploadedAt"`
}

type Profile struct {
	UID          string     `json:"uid"`
	DisplayName  string     `json:"displayName"`
	PhotoURL     string     `json:"photoURL,omitempty"`
	Email        string     `json:"email"`
	DOB          string     `json:"dob,omitempty"`
	Premium      bool       `json:"premium"`
	Plan         Plan       `json:"plan"`
	PremiumSince *time.Time `json:"premiumSince,omitempty"`
	CreatedAt    time.Time  `json:"createdAt"`
	UpdatedAt    time.Time  `json:"updatedAt"`
}

// UsageStats aggregates a user's activity. Day is the UTC date (YYYY-MM-DD)
// that QueriesToday counts.
type UsageStats struct {
	UserID       string         `json:"userId"`
	QueriesToday int            `json:"queriesToday"`
	Day          string         `json:"day"`
	UsedQueries  int            `json:"usedQueries"`
	ToolUsage    map[string]int `json:"toolUsage"`
	WeekdayUsage map[string]int `json:"weeklyUsage"`
	UpdatedAt    time.Time      `json:"updatedAt"`
}

// UsageEvent is one completed chat turn, counted asynchronously.
type UsageEvent struct {
	UserID   string    `json:"userId"`
	Category string    `json:"category"`
	At       time.Time `json:"at"`
}

// DayKey formats t as the UTC calendar day used by UsageStats.Day.
func DayKey(t time.Time) string {
	return t.UTC().Format("2006-01-02")
}

// WeekdayKey returns the short weekday name (Mon..Sun) of t in UTC.
func WeekdayKey(t time.Time) string {
	return t.UTC().Weekday().String()[:3]
}
