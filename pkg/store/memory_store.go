package store

import (
	"sort"
	"sync"
	"time"

	"farmsmart/pkg/domain"
)

// MemoryStore keeps everything in-process. Used by tests and single-node dev runs.
type MemoryStore struct {
	mu            sync.RWMutex
	conversations map[string]domain.Conversation
	messages      map[string][]domain.Message // conversation ID -> transcript
	files         map[string]domain.File
	profiles      map[string]domain.Profile
	usage         map[string]domain.UsageStats
}

// NewMemoryStore initializes an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		conversations: make(map[string]domain.Conversation),
		messages:      make(map[string][]domain.Message),
		files:         make(map[string]domain.File),
		profiles:      make(map[string]domain.Profile),
		usage:         make(map[string]domain.UsageStats),
	}
}

func (m *MemoryStore) CreateConversation(c domain.Conversation) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.conversations[c.ID] = c
	return nil
}

func (m *MemoryStore) GetConversation(id string) (domain.Conversation, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	c, ok := m.conversations[id]
	return c, ok, nil
}

func (m *MemoryStore) ListConversationsByUser(userID string) ([]domain.Conversation, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	res := make([]domain.Conversation, 0)
	for _, c := range m.conversations {
		if c.UserID == userID {
			res = append(res, c)
		}
	}
	sort.Slice(res, func(i, j int) bool {
		if !res[i].UpdatedAt.Equal(res[j].UpdatedAt) {
			return res[i].UpdatedAt.After(res[j].UpdatedAt)
		}
		return res[i].ID < res[j].ID
	})
	return res, nil
}

func (m *MemoryStore) UpdateConversationTitle(id, title string) error {
	return m.updateConversation(id, func(c *domain.Conversation) { c.Title = title })
}

func (m *MemoryStore) SetConversationSession(id, sessionID string) error {
	return m.updateConversation(id, func(c *domain.Conversation) { c.SessionID = sessionID })
}

func (m *MemoryStore) updateConversation(id string, fn func(*domain.Conversation)) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.conversations[id]
	if !ok {
		return ErrNotFound
	}
	fn(&c)
	m.conversations[id] = c
	return nil
}

func (m *MemoryStore) DeleteConversation(id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.conversations[id]; !ok {
		return ErrNotFound
	}
	delete(m.conversations, id)
	delete(m.messages, id)
	return nil
}

func (m *MemoryStore) AppendMessage(msg domain.Message) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.conversations[msg.ConversationID]
	if !ok {
		return ErrNotFound
	}
	if msg.Attachment != nil {
		att := *msg.Attachment
		msg.Attachment = &att
	}
	m.messages[msg.ConversationID] = append(m.messages[msg.ConversationID], msg)
	c.MessageCount++
	if msg.CreatedAt.After(c.UpdatedAt) {
		c.UpdatedAt = msg.CreatedAt
	}
	m.conversations[c.ID] = c
	return nil
}

func (m *MemoryStore) ListMessages(conversationID string) ([]domain.Message, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	src := m.messages[conversationID]
	res := make([]domain.Message, len(src))
	copy(res, src)
	sort.SliceStable(res, func(i, j int) bool { return res[i].CreatedAt.Before(res[j].CreatedAt) })
	return res, nil
}

func (m *MemoryStore) SaveFile(f domain.File) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.files[f.ID] = f
	return nil
}

func (m *MemoryStore) GetProfile(uid string) (domain.Profile, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	p, ok := m.profiles[uid]
	return p, ok, nil
}

func (m *MemoryStore) SaveProfile(p domain.Profile) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := time.Now().UTC()
	existing, ok := m.profiles[p.UID]
	if !ok {
		existing = domain.Profile{UID: p.UID, Plan: domain.PlanFree, CreatedAt: now}
	}
	existing.DisplayName = p.DisplayName
	existing.PhotoURL = p.PhotoURL
	existing.Email = p.Email
	existing.DOB = p.DOB
	existing.UpdatedAt = now
	m.profiles[p.UID] = existing
	return nil
}

func (m *MemoryStore) SetPremium(uid string, plan domain.Plan, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	at = at.UTC()
	p, ok := m.profiles[uid]
	if !ok {
		p = domain.Profile{UID: uid, CreatedAt: at}
	}
	p.Premium = true
	p.Plan = plan
	if p.PremiumSince == nil {
		since := at
		p.PremiumSince = &since
	}
	p.UpdatedAt = at
	m.profiles[uid] = p
	return nil
}

func (m *MemoryStore) GetUsageStats(uid string) (domain.UsageStats, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.usage[uid]
	if !ok {
		return domain.UsageStats{}, false, nil
	}
	return cloneUsage(s), true, nil
}

func (m *MemoryStore) RecordUsage(ev domain.UsageEvent) (domain.UsageStats, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s := cloneUsage(m.usage[ev.UserID])
	s.UserID = ev.UserID
	s = applyUsage(s, ev)
	m.usage[ev.UserID] = s
	return cloneUsage(s), nil
}

func cloneUsage(s domain.UsageStats) domain.UsageStats {
	s.ToolUsage = copyCounts(s.ToolUsage)
	s.WeekdayUsage = copyCounts(s.WeekdayUsage)
	return s
}
