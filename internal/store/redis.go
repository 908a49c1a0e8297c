package store

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/eldtechnologies/farmchat/internal/models"
)

const presenceTTL = 30 * 24 * time.Hour

// RedisStore handles Redis operations for the shared presence snapshot.
type RedisStore struct {
	client *redis.Client
}

// NewRedisStore creates a new Redis store.
func NewRedisStore(ctx context.Context, redisURL string) (*RedisStore, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, err
	}

	client := redis.NewClient(opts)

	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, err
	}

	return &RedisStore{client: client}, nil
}

// NewRedisStoreFromClient wraps an existing client.
func NewRedisStoreFromClient(client *redis.Client) *RedisStore {
	return &RedisStore{client: client}
}

// Client returns the underlying Redis client.
func (s *RedisStore) Client() *redis.Client {
	return s.client
}

// Close closes the Redis connection.
func (s *RedisStore) Close() error {
	return s.client.Close()
}

// Ping checks the Redis connection.
func (s *RedisStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

// presenceKey returns the hash key holding a user's presence snapshot.
func presenceKey(userID models.UserID) string {
	return fmt.Sprintf("presence:%d", userID)
}

// presenceOwner identifies the connection holding a user's presence entry.
func presenceOwner(instance, connID string) string {
	return instance + ":" + connID
}

// MarkOnline records that userID is connected through connID on the given instance.
func (s *RedisStore) MarkOnline(ctx context.Context, userID models.UserID, instance, connID string, at time.Time) error {
	key := presenceKey(userID)

	pipe := s.client.TxPipeline()
	pipe.HSet(ctx, key,
		"online", "1",
		"instance", instance,
		"owner", presenceOwner(instance, connID),
		"last_seen", at.UnixMilli(),
	)
	pipe.Expire(ctx, key, presenceTTL)
	_, err := pipe.Exec(ctx)
	return err
}

// markOfflineScript flips a user offline only if the calling connection still owns the entry.
// A late disconnect never clobbers a newer registration, on this instance or another.
var markOfflineScript = redis.NewScript(`
local owner = redis.call('HGET', KEYS[1], 'owner')
if owner ~= ARGV[1] then
	return 0
end
redis.call('HSET', KEYS[1], 'online', '0', 'last_seen', ARGV[2])
redis.call('EXPIRE', KEYS[1], ARGV[3])
return 1
`)

// MarkOffline records that connID on the given instance no longer carries userID.
func (s *RedisStore) MarkOffline(ctx context.Context, userID models.UserID, instance, connID string, at time.Time) error {
	return markOfflineScript.Run(ctx, s.client,
		[]string{presenceKey(userID)},
		presenceOwner(instance, connID), at.UnixMilli(), int64(presenceTTL.Seconds()),
	).Err()
}

// GetPresence returns the last known presence of userID. A user never seen returns nil.
func (s *RedisStore) GetPresence(ctx context.Context, userID models.UserID) (*models.PresenceStatus, error) {
	data, err := s.client.HGetAll(ctx, presenceKey(userID)).Result()
	if err != nil {
		return nil, err
	}
	if len(data) == 0 {
		return nil, nil
	}

	status := &models.PresenceStatus{
		UserID:   userID,
		Online:   data["online"] == "1",
		Instance: data["instance"],
	}
	if ms, err := strconv.ParseInt(data["last_seen"], 10, 64); err == nil {
		status.LastSeen = time.UnixMilli(ms).UTC()
	}

	return status, nil
}
