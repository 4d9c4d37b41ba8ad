package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"

	"github.com/finguard/decision-engine/internal/models"
)

// Cache fronts the session store with a short-lived Redis cache. A miss
// falls through to the store; writes must invalidate through
// Invalidate so readers never observe a stale aggregate.
type Cache struct {
	client *redis.Client
	ttl    time.Duration
}

func NewCache(url string, ttl time.Duration) (*Cache, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("failed to parse redis url: %w", err)
	}

	client := redis.NewClient(opts)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	log.Info().Dur("ttl", ttl).Msg("Session cache connected")
	return &Cache{client: client, ttl: ttl}, nil
}

// NewCacheWithClient wraps an existing client, used in tests.
func NewCacheWithClient(client *redis.Client, ttl time.Duration) *Cache {
	return &Cache{client: client, ttl: ttl}
}

func cacheKey(sessionID string) string {
	return "session:" + sessionID
}

// Get returns the cached session, or nil on a miss. Cache errors count
// as misses.
func (c *Cache) Get(ctx context.Context, sessionID string) *models.Session {
	data, err := c.client.Get(ctx, cacheKey(sessionID)).Bytes()
	if err != nil {
		if !errors.Is(err, redis.Nil) {
			log.Warn().Err(err).Str("session_id", sessionID).Msg("Session cache read failed")
		}
		return nil
	}

	var session models.Session
	if err := json.Unmarshal(data, &session); err != nil {
		log.Warn().Err(err).Str("session_id", sessionID).Msg("Session cache entry corrupt")
		return nil
	}
	return &session
}

// Set stores the session for the configured TTL.
func (c *Cache) Set(ctx context.Context, session *models.Session) {
	data, err := json.Marshal(session)
	if err != nil {
		log.Warn().Err(err).Str("session_id", session.ID).Msg("Failed to marshal session for cache")
		return
	}
	if err := c.client.Set(ctx, cacheKey(session.ID), data, c.ttl).Err(); err != nil {
		log.Warn().Err(err).Str("session_id", session.ID).Msg("Session cache write failed")
	}
}

// Invalidate drops the cached entry.
func (c *Cache) Invalidate(ctx context.Context, sessionID string) {
	if err := c.client.Del(ctx, cacheKey(sessionID)).Err(); err != nil {
		log.Warn().Err(err).Str("session_id", sessionID).Msg("Session cache invalidation failed")
	}
}

func (c *Cache) Close() error {
	return c.client.Close()
}
