package presence

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/redis/go-redis/v9"

	"github.com/Joe-Mavin/MentourMe-v2-sub002/internal/domain"
)

const (
	presenceKeyPrefix = "presence:"
	nodeKeyPrefix     = "presence:node:"
	onlineSetKey      = "online_users"
)

// RedisRepository keeps one set of connection ids per user, the set of online
// users, and one set per node so a restarted node can clear its leftovers.
type RedisRepository struct {
	redis *redis.Client
}

func NewRedisRepository(client *redis.Client) *RedisRepository {
	return &RedisRepository{redis: client}
}

// NewRedisClient parses url and pings the server.
func NewRedisClient(ctx context.Context, url string) (*redis.Client, error) {
	opt, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("failed to parse Redis URL: %w", err)
	}
	client := redis.NewClient(opt)
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}
	return client, nil
}

func userKey(userID domain.UserID) string {
	return presenceKeyPrefix + strconv.FormatInt(int64(userID), 10)
}

func nodeMember(userID domain.UserID, connID domain.ConnID) string {
	return strconv.FormatInt(int64(userID), 10) + "|" + connID.String()
}

func (r *RedisRepository) AddSession(ctx context.Context, userID domain.UserID, connID domain.ConnID, nodeID string) error {
	pipe := r.redis.TxPipeline()
	pipe.SAdd(ctx, userKey(userID), connID.String())
	pipe.SAdd(ctx, onlineSetKey, int64(userID))
	pipe.SAdd(ctx, nodeKeyPrefix+nodeID, nodeMember(userID, connID))
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to add session: %w", err)
	}
	return nil
}

func (r *RedisRepository) RemoveSession(ctx context.Context, userID domain.UserID, connID domain.ConnID, nodeID string) error {
	pipe := r.redis.TxPipeline()
	pipe.SRem(ctx, userKey(userID), connID.String())
	pipe.SRem(ctx, nodeKeyPrefix+nodeID, nodeMember(userID, connID))
	remaining := pipe.SCard(ctx, userKey(userID))
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to remove session: %w", err)
	}
	if remaining.Val() == 0 {
		if err := r.redis.SRem(ctx, onlineSetKey, int64(userID)).Err(); err != nil {
			return fmt.Errorf("failed to update online set: %w", err)
		}
	}
	return nil
}

func (r *RedisRepository) IsUserOnline(ctx context.Context, userID domain.UserID) (bool, error) {
	n, err := r.redis.SCard(ctx, userKey(userID)).Result()
	if err != nil {
		return false, fmt.Errorf("failed to check if user is online: %w", err)
	}
	return n > 0, nil
}

// ClearNode removes every session recorded for nodeID.
func (r *RedisRepository) ClearNode(ctx context.Context, nodeID string) error {
	members, err := r.redis.SMembers(ctx, nodeKeyPrefix+nodeID).Result()
	if err != nil {
		return fmt.Errorf("failed to read node sessions: %w", err)
	}
	for _, m := range members {
		userStr, connStr, ok := strings.Cut(m, "|")
		if !ok {
			continue
		}
		id, err := strconv.ParseInt(userStr, 10, 64)
		if err != nil {
			continue
		}
		pipe := r.redis.TxPipeline()
		pipe.SRem(ctx, presenceKeyPrefix+userStr, connStr)
		remaining := pipe.SCard(ctx, presenceKeyPrefix+userStr)
		if _, err := pipe.Exec(ctx); err != nil {
			return fmt.Errorf("failed to clear session: %w", err)
		}
		if remaining.Val() == 0 {
			r.redis.SRem(ctx, onlineSetKey, id)
		}
	}
	return r.redis.Del(ctx, nodeKeyPrefix+nodeID).Err()
}
