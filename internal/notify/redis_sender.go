package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	inboxSize = 100
	inboxTTL  = 7 * 24 * time.Hour
)

// InboxKey is the Redis list holding a user's most recent notifications, newest first.
func InboxKey(userID string) string {
	return fmt.Sprintf("notifications:%s", userID)
}

// RedisSender keeps a bounded per-user inbox in Redis that clients poll.
type RedisSender struct {
	client *redis.Client
}

func NewRedisSender(client *redis.Client) Sender {
	return &RedisSender{client: client}
}

func (s *RedisSender) Send(ctx context.Context, n Notification) error {
	payload, err := json.Marshal(n)
	if err != nil {
		return fmt.Errorf("failed to marshal notification: %w", err)
	}

	key := InboxKey(n.RecipientID)
	pipe := s.client.TxPipeline()
	pipe.LPush(ctx, key, payload)
	pipe.LTrim(ctx, key, 0, inboxSize-1)
	pipe.Expire(ctx, key, inboxTTL)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to store notification in Redis key '%s': %w", key, err)
	}

	log.Printf("Notification stored in Redis key '%s' (event: %s)", key, n.Event)
	return nil
}

// Inbox returns up to limit notifications for userID, newest first.
func Inbox(ctx context.Context, client *redis.Client, userID string, limit int) ([]Notification, error) {
	raw, err := client.LRange(ctx, InboxKey(userID), 0, int64(limit-1)).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read inbox for %s: %w", userID, err)
	}
	out := make([]Notification, 0, len(raw))
	for _, item := range raw {
		var n Notification
		if err := json.Unmarshal([]byte(item), &n); err != nil {
			log.Printf("WARN: skipping malformed notification in inbox %s: %v", userID, err)
			continue
		}
		out = append(out, n)
	}
	return out, nil
}
