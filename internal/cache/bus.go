package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"sync"

	"github.com/redis/go-redis/v9"

	"foodbridge/core/internal/models"
	"foodbridge/core/internal/store"
)

// RedisBus fans chat messages out across API replicas over Redis pub/sub.
type RedisBus struct {
	client *redis.Client
}

var _ store.Bus = (*RedisBus)(nil)

func NewRedisBus(client *redis.Client) *RedisBus {
	return &RedisBus{client: client}
}

func chatChannel(listingID string) string {
	return fmt.Sprintf("chat:%s", listingID)
}

func (b *RedisBus) Publish(ctx context.Context, m models.ChatMessage) error {
	payload, err := json.Marshal(m)
	if err != nil {
		return fmt.Errorf("failed to marshal chat message: %w", err)
	}
	if err := b.client.Publish(ctx, chatChannel(m.ListingID), payload).Err(); err != nil {
		return fmt.Errorf("failed to publish to %s: %w", chatChannel(m.ListingID), err)
	}
	return nil
}

func (b *RedisBus) Subscribe(ctx context.Context, listingID string, fn func(models.ChatMessage)) (store.Unsubscribe, error) {
	ps := b.client.Subscribe(ctx, chatChannel(listingID))
	// Wait for the subscription confirmation so no message published after
	// Subscribe returns is missed.
	if _, err := ps.Receive(ctx); err != nil {
		_ = ps.Close()
		return nil, fmt.Errorf("failed to subscribe to %s: %w", chatChannel(listingID), err)
	}

	var once sync.Once
	unsubscribe := func() {
		once.Do(func() {
			if err := ps.Close(); err != nil {
				log.Printf("WARN: closing chat subscription for %s: %v", listingID, err)
			}
		})
	}

	go func() {
		ch := ps.Channel()
		for {
			select {
			case <-ctx.Done():
				unsubscribe()
				return
			case msg, ok := <-ch:
				if !ok {
					return
				}
				var m models.ChatMessage
				if err := json.Unmarshal([]byte(msg.Payload), &m); err != nil {
					log.Printf("WARN: dropping malformed chat payload on %s: %v", msg.Channel, err)
					continue
				}
				fn(m)
			}
		}
	}()

	return unsubscribe, nil
}
