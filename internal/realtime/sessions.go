package realtime

import (
	"context"
	"time"

	"github.com/google/uuid"
	goredis "github.com/redis/go-redis/v9"
)

// Redis key layout:
// - sessions:{user_id} - set of live client ids, TTL-refreshed on heartbeat
// - sessions:online    - set of user ids with at least one connection
const (
	sessionKeyPrefix = "sessions:"
	sessionOnlineSet = "sessions:online"
)

// RedisSessionRegistry tracks live connections in Redis so membership
// survives across instances and stale entries expire on their own when a
// process dies without cleaning up.
type RedisSessionRegistry struct {
	client *goredis.Client
	ttl    time.Duration
}

func NewRedisSessionRegistry(client *goredis.Client, ttl time.Duration) *RedisSessionRegistry {
	if ttl == 0 {
		ttl = 5 * time.Minute
	}
	return &RedisSessionRegistry{client: client, ttl: ttl}
}

func (r *RedisSessionRegistry) SetOnline(ctx context.Context, userID uuid.UUID, clientID string) error {
	key := sessionKeyPrefix + userID.String()
	pipe := r.client.Pipeline()
	pipe.SAdd(ctx, key, clientID)
	pipe.Expire(ctx, key, r.ttl)
	pipe.SAdd(ctx, sessionOnlineSet, userID.String())
	_, err := pipe.Exec(ctx)
	return err
}

func (r *RedisSessionRegistry) SetOffline(ctx context.Context, userID uuid.UUID, clientID string) error {
	key := sessionKeyPrefix + userID.String()
	if err := r.client.SRem(ctx, key, clientID).Err(); err != nil {
		return err
	}
	remaining, err := r.client.SCard(ctx, key).Result()
	if err != nil {
		return err
	}
	if remaining == 0 {
		pipe := r.client.Pipeline()
		pipe.Del(ctx, key)
		pipe.SRem(ctx, sessionOnlineSet, userID.String())
		_, err = pipe.Exec(ctx)
	}
	return err
}

// Heartbeat refreshes the TTL on the user's session set. Called from pong
// handling so a wedged connection stops refreshing and ages out.
func (r *RedisSessionRegistry) Heartbeat(ctx context.Context, userID uuid.UUID, _ string) error {
	return r.client.Expire(ctx, sessionKeyPrefix+userID.String(), r.ttl).Err()
}

// OnlineUsers lists users with at least one live connection anywhere.
func (r *RedisSessionRegistry) OnlineUsers(ctx context.Context) ([]uuid.UUID, error) {
	members, err := r.client.SMembers(ctx, sessionOnlineSet).Result()
	if err != nil {
		return nil, err
	}
	users := make([]uuid.UUID, 0, len(members))
	for _, m := range members {
		id, err := uuid.Parse(m)
		if err != nil {
			continue
		}
		users = append(users, id)
	}
	return users, nil
}
