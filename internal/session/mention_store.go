// Package session keeps per-editing-session state in Redis.
package session

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"tandem/api/internal/apperr"
)

// MentionStore remembers which users were mentioned during an editing
// session. Each session is a Redis set that expires after ttl without
// activity.
type MentionStore struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
}

// Connect parses redisURL and verifies the server answers.
func Connect(ctx context.Context, redisURL string) (*redis.Client, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("connect to redis: %w", err)
	}
	return client, nil
}

func NewMentionStore(client *redis.Client, ttl time.Duration) *MentionStore {
	if ttl <= 0 {
		ttl = 30 * time.Minute
	}
	return &MentionStore{client: client, prefix: "mentions:", ttl: ttl}
}

func (s *MentionStore) key(session string) string {
	return s.prefix + session
}

// Mark adds userID to the session and reports whether it was new there.
func (s *MentionStore) Mark(ctx context.Context, session, userID string) (bool, error) {
	key := s.key(session)
	pipe := s.client.TxPipeline()
	added := pipe.SAdd(ctx, key, userID)
	pipe.Expire(ctx, key, s.ttl)
	if _, err := pipe.Exec(ctx); err != nil {
		return false, apperr.Unavailable("track mention", err)
	}
	return added.Val() == 1, nil
}

// Forget drops a session, e.g. when the editor closes.
func (s *MentionStore) Forget(ctx context.Context, session string) error {
	if err := s.client.Del(ctx, s.key(session)).Err(); err != nil {
		return apperr.Unavailable("forget mention session", err)
	}
	return nil
}

func (s *MentionStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}
