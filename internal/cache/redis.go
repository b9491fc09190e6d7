package cache

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/redis/go-redis/v9"
)

// ConnectRedis initializes and returns a Redis client instance.
func ConnectRedis(addr, password string, db int) (*redis.Client, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if _, err := rdb.Ping(ctx).Result(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	log.Printf("Connected to Redis at %s", addr)
	return rdb, nil
}

// DisconnectRedis closes the Redis client connection.
func DisconnectRedis(client *redis.Client) error {
	if client == nil {
		return nil
	}
	if err := client.Close(); err != nil {
		return fmt.Errorf("failed to close Redis connection: %w", err)
	}
	log.Println("Redis connection closed.")
	return nil
}

// UserNameCache memoizes display names used when reconciling incoming requests.
type UserNameCache struct {
	client *redis.Client
	ttl    time.Duration
}

func NewUserNameCache(client *redis.Client, ttl time.Duration) *UserNameCache {
	return &UserNameCache{client: client, ttl: ttl}
}

func userNameKey(userID string) string {
	return fmt.Sprintf("username:%s", userID)
}

// GetName reports ok=false on a miss or on any Redis failure; the caller falls
// back to the user directory.
func (c *UserNameCache) GetName(ctx context.Context, userID string) (string, bool) {
	name, err := c.client.Get(ctx, userNameKey(userID)).Result()
	if err != nil {
		if !errors.Is(err, redis.Nil) {
			log.Printf("WARN: user name cache read failed for %s: %v", userID, err)
		}
		return "", false
	}
	return name, true
}

func (c *UserNameCache) SetName(ctx context.Context, userID, name string) {
	if err := c.client.Set(ctx, userNameKey(userID), name, c.ttl).Err(); err != nil {
		log.Printf("WARN: user name cache write failed for %s: %v", userID, err)
	}
}

// Forget drops a cached name, e.g. after a profile update.
func (c *UserNameCache) Forget(ctx context.Context, userID string) {
	if err := c.client.Del(ctx, userNameKey(userID)).Err(); err != nil {
		log.Printf("WARN: user name cache delete failed for %s: %v", userID, err)
	}
}
