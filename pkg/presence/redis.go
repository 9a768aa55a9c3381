package presence

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

func usersKey(roomID string) string    { return "room:" + roomID + ":users" }
func lastSeenKey(roomID string) string { return "room:" + roomID + ":last_seen" }

// Redis keeps presence in a set of user ids per room and a hash of last-seen
// unix milliseconds, shared by every gateway instance.
type Redis struct {
	rdb *redis.Client
}

func NewRedis(addr, password string, db int) *Redis {
	return &Redis{rdb: redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})}
}

func (r *Redis) Ping(ctx context.Context) error {
	return r.rdb.Ping(ctx).Err()
}

func (r *Redis) Online(ctx context.Context, roomID, userID string) error {
	if err := r.rdb.SAdd(ctx, usersKey(roomID), userID).Err(); err != nil {
		return fmt.Errorf("set presence for %s: %w", userID, err)
	}
	return nil
}

func (r *Redis) Offline(ctx context.Context, roomID, userID string, at time.Time) error {
	_, err := r.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.SRem(ctx, usersKey(roomID), userID)
		pipe.HSet(ctx, lastSeenKey(roomID), userID, at.UnixMilli())
		return nil
	})
	if err != nil {
		return fmt.Errorf("delete presence for %s: %w", userID, err)
	}
	return nil
}

func (r *Redis) Members(ctx context.Context, roomID string) ([]string, error) {
	users, err := r.rdb.SMembers(ctx, usersKey(roomID)).Result()
	if err != nil {
		return nil, fmt.Errorf("fetch presence for room %s: %w", roomID, err)
	}
	sort.Strings(users)
	return users, nil
}

func (r *Redis) LastSeen(ctx context.Context, roomID, userID string) (*time.Time, error) {
	v, err := r.rdb.HGet(ctx, lastSeenKey(roomID), userID).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	ms, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return nil, fmt.Errorf("last seen for %s: %w", userID, err)
	}
	at := time.UnixMilli(ms).UTC()
	return &at, nil
}

func (r *Redis) Close() error {
	return r.rdb.Close()
}
