package app

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"farmsmart/internal/turnlock"
	"farmsmart/internal/usertoken"
	"farmsmart/internal/util"
	"farmsmart/pkg/agent"
	"farmsmart/pkg/attachment"
	"farmsmart/pkg/domain"
	"farmsmart/pkg/feed"
	"farmsmart/pkg/queue"
	"farmsmart/pkg/storage"
	"farmsmart/pkg/store"
)

const (
	// ApologyText replaces the assistant reply whenever the inference call fails.
	ApologyText = "Sorry, I encountered an error. Please try again."
	// DefaultCategory is counted when the inference service does not name an agent.
	DefaultCategory = "AI Chat"
	// DefaultFileQuestion is sent when a file arrives without text.
	DefaultFileQuestion = "Please analyze this document and summarize the key points."

	titleMaxRunes = 50
)

// AgentClient is the inference service as seen by the orchestrator.
type AgentClient interface {
	Query(ctx context.Context, req agent.QueryRequest) (agent.Reply, error)
	QueryFile(ctx context.Context, req agent.FileQueryRequest) (agent.Reply, error)
	ClearSession(ctx context.Context, sessionID string) error
}

// TurnLocker serializes turns per conversation.
type TurnLocker interface {
	Acquire(ctx context.Context, key string) (*turnlock.Lease, error)
}

// UsageSink receives one event per completed turn.
type UsageSink interface {
	Enqueue(ctx context.Context, ev domain.UsageEvent) (queue.Job, error)
}

// Subscriber is the read side of the live feed.
type Subscriber interface {
	Subscribe(ctx context.Context, userID, conversationID string) (<-chan feed.Event, error)
}

// Config holds runtime dependencies for the chat core.
type Config struct {
	Store      store.Store
	Agent      AgentClient
	Catalog    agent.CatalogSource
	Objects    storage.ObjectStore
	Locker     TurnLocker
	Feed       feed.Publisher
	Subscriber Subscriber
	Usage      UsageSink
	Policy     attachment.Policy
	// Now is overridable in tests.
	Now func() time.Time
}

// App is the chat orchestrator and history browser.
type App struct {
	store      store.Store
	agent      AgentClient
	catalog    agent.CatalogSource
	objects    storage.ObjectStore
	locker     TurnLocker
	feed       feed.Publisher
	subscriber Subscriber
	usage      UsageSink
	policy     attachment.Policy
	now        func() time.Time
}

// New constructs the application.
func New(cfg Config) (*App, error) {
	if cfg.Store == nil {
		return nil, errors.New("store required")
	}
	if cfg.Agent == nil {
		return nil, errors.New("agent client required")
	}
	if cfg.Objects == nil {
		return nil, errors.New("object store required")
	}
	policy := cfg.Policy
	if policy.Name == "" {
		var err error
		policy, err = attachment.NewPolicy(attachment.PolicyDocument, 0)
		if err != nil {
			return nil, err
		}
	}
	publisher := cfg.Feed
	if publisher == nil {
		publisher = feed.Nop{}
	}
	now := cfg.Now
	if now == nil {
		now = func() time.Time { return time.Now().UTC() }
	}
	return &App{
		store:      cfg.Store,
		agent:      cfg.Agent,
		catalog:    cfg.Catalog,
		objects:    cfg.Objects,
		locker:     cfg.Locker,
		feed:       publisher,
		subscriber: cfg.Subscriber,
		usage:      cfg.Usage,
		policy:     policy,
		now:        now,
	}, nil
}

// FileInput is an attachment as received from the client.
type FileInput struct {
	Name     string
	MimeType string
	Data     []byte
}

// TurnRequest is one user submission.
type TurnRequest struct {
	// ConversationID is empty to start a new conversation.
	ConversationID string
	Text           string
	File           *FileInput
	Language       string
	Location       string
}

// TurnResult is the persisted exchange.
type TurnResult struct {
	Conversation     domain.Conversation `json:"conversation"`
	UserMessage      domain.Message      `json:"userMessage"`
	AssistantMessage domain.Message      `json:"assistantMessage"`
	// Degraded is true when the apology replaced a failed inference call.
	Degraded bool `json:"degraded"`
}

// SendTurn runs one chat turn: persist the user message, ask the inference
// service, persist its reply. Inference failures never surface as errors.
func (a *App) SendTurn(ctx context.Context, user usertoken.Identity, req TurnRequest) (TurnResult, error) {
	if strings.TrimSpace(user.UID) == "" {
		return TurnResult{}, errors.New("user id required")
	}
	text := strings.TrimSpace(req.Text)
	if text == "" && req.File == nil {
		return TurnResult{}, ErrEmptyMessage
	}
	var info attachment.Info
	if req.File != nil {
		var err error
		info, err = a.policy.Inspect(attachment.Upload{Name: req.File.Name, MimeType: req.File.MimeType, Data: req.File.Data})
		if err != nil {
			return TurnResult{}, err
		}
	}
	language := strings.TrimSpace(req.Language)
	if language == "" {
		language = "auto"
	}
	logger := util.LoggerFromContext(ctx)

	conversationID := strings.TrimSpace(req.ConversationID)
	lockKey := "new:" + user.UID
	if conversationID != "" {
		lockKey = "conv:" + conversationID
	}
	if a.locker != nil {
		lease, err := a.locker.Acquire(ctx, lockKey)
		if err != nil {
			return TurnResult{}, err
		}
		defer func() {
			if err := lease.Release(context.WithoutCancel(ctx)); err != nil {
				logger.Warn("release turn lock failed", "conversation_id", conversationID, "err", err)
			}
		}()
	}
	// Once the turn holds the guard it runs to completion even if the caller
	// goes away; the inference client's own timeout bounds it.
	ctx = context.WithoutCancel(ctx)

	var conversation domain.Conversation
	var err error
	if conversationID == "" {
		conversation, err = a.createConversation(user)
	} else {
		conversation, err = a.ownedConversation(user, conversationID)
	}
	if err != nil {
		return TurnResult{}, err
	}
	firstTurn := conversation.MessageCount == 0

	userMsg := domain.Message{
		ID:             util.NewID(),
		ConversationID: conversation.ID,
		Role:           domain.RoleUser,
		Content:        text,
		CreatedAt:      a.now(),
	}
	if req.File != nil {
		ref, err := a.storeAttachment(ctx, user, info, req.File.Data)
		if err != nil {
			return TurnResult{}, err
		}
		userMsg.Attachment = &ref
	}
	if err := a.store.AppendMessage(userMsg); err != nil {
		return TurnResult{}, fmt.Errorf("save user message: %w", err)
	}
	a.publish(ctx, user.UID, feed.Event{Type: feed.EventMessageAdded, ConversationID: conversation.ID, Message: &userMsg})

	reply, callErr := a.ask(ctx, user, conversation, text, language, req.Location, req.File, info)
	degraded := false
	if callErr != nil {
		logger.Error("inference call failed", "conversation_id", conversation.ID, "err", callErr)
		reply = agent.Reply{Text: ApologyText}
		degraded = true
	}

	if reply.SessionID != "" && reply.SessionID != conversation.SessionID {
		if err := a.store.SetConversationSession(conversation.ID, reply.SessionID); err != nil {
			logger.Warn("save session token failed", "conversation_id", conversation.ID, "err", err)
		} else {
			conversation.SessionID = reply.SessionID
			a.publish(ctx, user.UID, feed.Event{Type: feed.EventSessionChanged, ConversationID: conversation.ID})
		}
	}

	assistantAt := a.now()
	if !assistantAt.After(userMsg.CreatedAt) {
		assistantAt = userMsg.CreatedAt.Add(time.Millisecond)
	}
	assistantMsg := domain.Message{
		ID:             util.NewID(),
		ConversationID: conversation.ID,
		Role:           domain.RoleAssistant,
		Content:        reply.Text,
		CreatedAt:      assistantAt,
	}
	if err := a.store.AppendMessage(assistantMsg); err != nil {
		return TurnResult{}, fmt.Errorf("save assistant message: %w", err)
	}
	a.publish(ctx, user.UID, feed.Event{Type: feed.EventMessageAdded, ConversationID: conversation.ID, Message: &assistantMsg})
	conversation.MessageCount += 2
	conversation.UpdatedAt = assistantAt

	if firstTurn {
		title := conversationTitle(text, info.Name)
		if err := a.store.UpdateConversationTitle(conversation.ID, title); err != nil {
			logger.Warn("save conversation title failed", "conversation_id", conversation.ID, "err", err)
		} else {
			conversation.Title = title
			a.publish(ctx, user.UID, feed.Event{Type: feed.EventTitleChanged, ConversationID: conversation.ID, Title: title})
		}
	}

	if a.usage != nil {
		category := strings.TrimSpace(reply.Agent)
		if category == "" {
			category = DefaultCategory
		}
		if _, err := a.usage.Enqueue(context.WithoutCancel(ctx), domain.UsageEvent{UserID: user.UID, Category: category, At: assistantAt}); err != nil {
			logger.Warn("enqueue usage event failed", "user_id", user.UID, "err", err)
		}
	}

	return TurnResult{
		Conversation:     conversation,
		UserMessage:      userMsg,
		AssistantMessage: assistantMsg,
		Degraded:         degraded,
	}, nil
}

func (a *App) ask(ctx context.Context, user usertoken.Identity, conversation domain.Conversation, text, language, location string, file *FileInput, info attachment.Info) (agent.Reply, error) {
	if file != nil {
		question := text
		if question == "" {
			question = DefaultFileQuestion
		}
		return a.agent.QueryFile(ctx, agent.FileQueryRequest{
			Question:  question,
			SessionID: conversation.SessionID,
			Language:  language,
			FileName:  info.Name,
			MimeType:  info.MimeType,
			Data:      file.Data,
		})
	}
	return a.agent.Query(ctx, agent.QueryRequest{
		Text:      text,
		SessionID: conversation.SessionID,
		UserID:    user.UID,
		Language:  language,
		Location:  location,
	})
}

func (a *App) storeAttachment(ctx context.Context, user usertoken.Identity, info attachment.Info, data []byte) (domain.Attachment, error) {
	fileID := util.NewID()
	key := storage.AttachmentKey(user.UID, fileID, info.Name)
	if err := a.objects.Put(ctx, key, bytes.NewReader(data), info.Size, info.MimeType); err != nil {
		return domain.Attachment{}, fmt.Errorf("upload attachment: %w", err)
	}
	url, err := a.objects.URL(ctx, key)
	if err != nil {
		return domain.Attachment{}, fmt.Errorf("attachment url: %w", err)
	}
	if err := a.store.SaveFile(domain.File{
		ID:         fileID,
		UserID:     user.UID,
		Name:       info.Name,
		MimeType:   info.MimeType,
		SizeBytes:  info.Size,
		StorageKey: key,
		URL:        url,
		CreatedAt:  a.now(),
	}); err != nil {
		return domain.Attachment{}, fmt.Errorf("save file record: %w", err)
	}
	return domain.Attachment{FileID: fileID, URL: url, Name: info.Name, MimeType: info.MimeType}, nil
}

// NewConversation starts an empty conversation with no session token.
func (a *App) NewConversation(_ context.Context, user usertoken.Identity) (domain.Conversation, error) {
	if strings.TrimSpace(user.UID) == "" {
		return domain.Conversation{}, errors.New("user id required")
	}
	return a.createConversation(user)
}

func (a *App) createConversation(user usertoken.Identity) (domain.Conversation, error) {
	now := a.now()
	conversation := domain.Conversation{
		ID:        util.NewID(),
		UserID:    user.UID,
		Title:     domain.DefaultConversationTitle,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := a.store.CreateConversation(conversation); err != nil {
		return domain.Conversation{}, fmt.Errorf("create conversation: %w", err)
	}
	return conversation, nil
}

// ConversationSession returns the stored session token of a conversation.
func (a *App) ConversationSession(_ context.Context, user usertoken.Identity, id string) (string, error) {
	conversation, err := a.ownedConversation(user, id)
	if err != nil {
		return "", err
	}
	return conversation.SessionID, nil
}

// ListConversations returns the user's conversations, most recently updated
// first, optionally filtered by a case-insensitive title substring.
func (a *App) ListConversations(_ context.Context, user usertoken.Identity, search string) ([]domain.Conversation, error) {
	if strings.TrimSpace(user.UID) == "" {
		return nil, errors.New("user id required")
	}
	items, err := a.store.ListConversationsByUser(user.UID)
	if err != nil {
		return nil, fmt.Errorf("list conversations: %w", err)
	}
	needle := strings.ToLower(strings.TrimSpace(search))
	out := make([]domain.Conversation, 0, len(items))
	for _, c := range items {
		if needle != "" && !strings.Contains(strings.ToLower(c.Title), needle) {
			continue
		}
		out = append(out, c)
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].UpdatedAt.After(out[j].UpdatedAt) })
	return out, nil
}

// ConversationDetail is a conversation with its transcript.
type ConversationDetail struct {
	Conversation domain.Conversation `json:"conversation"`
	Messages     []domain.Message    `json:"messages"`
}

// GetConversation returns the conversation and its messages in timestamp order.
func (a *App) GetConversation(_ context.Context, user usertoken.Identity, id string) (ConversationDetail, error) {
	conversation, err := a.ownedConversation(user, id)
	if err != nil {
		return ConversationDetail{}, err
	}
	messages, err := a.store.ListMessages(conversation.ID)
	if err != nil {
		return ConversationDetail{}, fmt.Errorf("list messages: %w", err)
	}
	sort.SliceStable(messages, func(i, j int) bool { return messages[i].CreatedAt.Before(messages[j].CreatedAt) })
	return ConversationDetail{Conversation: conversation, Messages: messages}, nil
}

// DeleteConversation removes the conversation and all of its messages, then
// clears the remote session best-effort.
func (a *App) DeleteConversation(ctx context.Context, user usertoken.Identity, id string) error {
	conversation, err := a.ownedConversation(user, id)
	if err != nil {
		return err
	}
	if err := a.store.DeleteConversation(conversation.ID); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return ErrConversationNotFound
		}
		return fmt.Errorf("delete conversation: %w", err)
	}
	a.publish(ctx, user.UID, feed.Event{Type: feed.EventDeleted, ConversationID: conversation.ID})
	if conversation.SessionID != "" {
		if err := a.agent.ClearSession(ctx, conversation.SessionID); err != nil {
			util.LoggerFromContext(ctx).Warn("clear agent session failed", "conversation_id", conversation.ID, "err", err)
		}
	}
	return nil
}

// Subscribe streams live changes of one conversation until ctx ends.
func (a *App) Subscribe(ctx context.Context, user usertoken.Identity, id string) (<-chan feed.Event, error) {
	conversation, err := a.ownedConversation(user, id)
	if err != nil {
		return nil, err
	}
	if a.subscriber == nil {
		return nil, errors.New("live feed not configured")
	}
	return a.subscriber.Subscribe(ctx, user.UID, conversation.ID)
}

// Agents returns the inference service's agent catalog verbatim.
func (a *App) Agents(ctx context.Context) (json.RawMessage, error) {
	if a.catalog == nil {
		return nil, errors.New("agent catalog not configured")
	}
	return a.catalog.Agents(ctx)
}

// UploadPolicy reports the active attachment policy.
func (a *App) UploadPolicy() attachment.Policy {
	return a.policy
}

func (a *App) ownedConversation(user usertoken.Identity, id string) (domain.Conversation, error) {
	id = strings.TrimSpace(id)
	if id == "" {
		return domain.Conversation{}, ErrConversationNotFound
	}
	conversation, ok, err := a.store.GetConversation(id)
	if err != nil {
		return domain.Conversation{}, fmt.Errorf("load conversation: %w", err)
	}
	if !ok {
		return domain.Conversation{}, ErrConversationNotFound
	}
	if conversation.UserID != user.UID {
		return domain.Conversation{}, ErrConversationForbidden
	}
	return conversation, nil
}

func (a *App) publish(ctx context.Context, userID string, ev feed.Event) {
	if ev.At.IsZero() {
		ev.At = a.now()
	}
	if err := a.feed.Publish(ctx, userID, ev); err != nil {
		slog.Warn("publish feed event failed", "type", ev.Type, "conversation_id", ev.ConversationID, "err", err)
	}
}

// conversationTitle collapses whitespace and keeps the first 50 runes of
// text, falling back to the file name.
func conversationTitle(text, fileName string) string {
	title := strings.Join(strings.Fields(text), " ")
	if title == "" {
		title = strings.TrimSpace(fileName)
	}
	if title == "" {
		return domain.DefaultConversationTitle
	}
	runes := []rune(title)
	if len(runes) > titleMaxRunes {
		title = strings.TrimSpace(string(runes[:titleMaxRunes]))
	}
	return title
}
