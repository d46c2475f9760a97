// Package feed fans out conversation changes to live subscribers over Redis pub/sub.
package feed

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"farmsmart/pkg/domain"
)

type EventType string

const (
	EventMessageAdded   EventType = "message.added"
	EventTitleChanged   EventType = "conversation.title"
	EventSessionChanged EventType = "conversation.session"
	EventDeleted        EventType = "conversation.deleted"
)

// Event is one change to a conversation.
type Event struct {
	Type           EventType       `json:"type"`
	ConversationID string          `json:"conversationId"`
	Message        *domain.Message `json:"message,omitempty"`
	Title          string          `json:"title,omitempty"`
	At             time.Time       `json:"at"`
}

// Publisher is the write side used by the chat orchestrator.
type Publisher interface {
	Publish(ctx context.Context, userID string, ev Event) error
}

// RedisFeed publishes and subscribes per-user, per-conversation channels.
type RedisFeed struct {
	client redis.UniversalClient
	prefix string
}

func NewRedisFeed(client redis.UniversalClient, prefix string) *RedisFeed {
	prefix = strings.TrimSpace(prefix)
	if prefix == "" {
		prefix = "farmsmart:feed"
	}
	return &RedisFeed{client: client, prefix: prefix}
}

func (f *RedisFeed) channel(userID, conversationID string) string {
	return fmt.Sprintf("%s:%s:%s", f.prefix, userID, conversationID)
}

// Publish sends ev to the conversation's channel.
func (f *RedisFeed) Publish(ctx context.Context, userID string, ev Event) error {
	if ev.At.IsZero() {
		ev.At = time.Now().UTC()
	}
	raw, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	return f.client.Publish(ctx, f.channel(userID, ev.ConversationID), raw).Err()
}

// Subscribe streams events for one conversation until ctx is done.
// The returned channel is closed when the subscription ends.
func (f *RedisFeed) Subscribe(ctx context.Context, userID, conversationID string) (<-chan Event, error) {
	sub := f.client.Subscribe(ctx, f.channel(userID, conversationID))
	// Wait for the subscription confirmation so no event published after
	// Subscribe returns is missed.
	if _, err := sub.Receive(ctx); err != nil {
		_ = sub.Close()
		return nil, fmt.Errorf("subscribe: %w", err)
	}
	out := make(chan Event, 16)
	go func() {
		defer close(out)
		defer sub.Close()
		msgs := sub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-msgs:
				if !ok {
					return
				}
				var ev Event
				if err := json.Unmarshal([]byte(msg.Payload), &ev); err != nil {
					slog.Warn("feed dropping malformed event", "channel", msg.Channel, "err", err)
					continue
				}
				select {
				case out <- ev:
				case <-ctx.Done():
					return
				}
				if ev.Type == EventDeleted {
					return
				}
			}
		}
	}()
	return out, nil
}

// Nop discards events; used when no Redis is configured.
type Nop struct{}

func (Nop) Publish(context.Context, string, Event) error { return nil }
