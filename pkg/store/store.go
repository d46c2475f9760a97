package store

import (
	"errors"
	"time"

	"farmsmart/pkg/domain"
)

// ErrNotFound is returned by mutations that target a missing record.
var ErrNotFound = errors.New("record not found")

// Store defines persistence for conversations, messages, uploaded files,
// profiles and usage stats.
type Store interface {
	// conversations
	CreateConversation(domain.Conversation) error
	GetConversation(id string) (domain.Conversation, bool, error)
	// ListConversationsByUser returns every conversation of the user, most recently updated first.
	ListConversationsByUser(userID string) ([]domain.Conversation, error)
	UpdateConversationTitle(id, title string) error
	SetConversationSession(id, sessionID string) error
	// DeleteConversation removes the conversation and all of its messages atomically.
	DeleteConversation(id string) error

	// messages
	// AppendMessage stores msg and bumps the conversation's updatedAt and message count.
	AppendMessage(domain.Message) error
	ListMessages(conversationID string) ([]domain.Message, error)

	// files
	SaveFile(domain.File) error

	// profiles
	GetProfile(uid string) (domain.Profile, bool, error)
	// SaveProfile upserts the editable fields; premium state is left untouched.
	SaveProfile(domain.Profile) error
	// SetPremium marks the user premium on plan. PremiumSince is only set the first time.
	SetPremium(uid string, plan domain.Plan, at time.Time) error

	// usage
	GetUsageStats(uid string) (domain.UsageStats, bool, error)
	// RecordUsage applies one usage event atomically and returns the new totals.
	RecordUsage(domain.UsageEvent) (domain.UsageStats, error)
}

// applyUsage folds ev into stats. Shared by every Store implementation.
func applyUsage(stats domain.UsageStats, ev domain.UsageEvent) domain.UsageStats {
	day := domain.DayKey(ev.At)
	switch {
	case day > stats.Day:
		stats.Day = day
		stats.QueriesToday = 1
	case day == stats.Day:
		stats.QueriesToday++
	}
	// Late events for an earlier day still count towards the totals.
	stats.UsedQueries++
	if stats.ToolUsage == nil {
		stats.ToolUsage = map[string]int{}
	}
	if stats.WeekdayUsage == nil {
		stats.WeekdayUsage = map[string]int{}
	}
	stats.ToolUsage[ev.Category]++
	stats.WeekdayUsage[domain.WeekdayKey(ev.At)]++
	stats.UpdatedAt = ev.At.UTC()
	return stats
}
