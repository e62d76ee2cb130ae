package store

import (
	"context"
	"errors"
	"fmt"

	"chathub/internal/models"

	"github.com/go-redis/redis/v8"
)

const (
	presenceHashKey = "chathub:presence"
	onlineSetKey    = "chathub:presence:online"
)

// StatusWriter persists a user's derived presence status.
type StatusWriter interface {
	SetStatus(ctx context.Context, userID, status string) error
}

// PresenceReader reads presence back from a mirror.
type PresenceReader interface {
	Status(ctx context.Context, userID string) (string, error)
	Online(ctx context.Context) ([]string, error)
}

// RedisPresence 把在线状态镜像到 Redis，方便其他服务读取而无需访问数据库。
type RedisPresence struct {
	client *redis.Client
}

func NewRedisPresence(addr string) *RedisPresence {
	return &RedisPresence{client: redis.NewClient(&redis.Options{Addr: addr})}
}

func NewRedisPresenceWithClient(client *redis.Client) *RedisPresence {
	return &RedisPresence{client: client}
}

func (r *RedisPresence) Ping(ctx context.Context) error {
	if err := r.client.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("redis ping: %w", err)
	}
	return nil
}

func (r *RedisPresence) SetStatus(ctx context.Context, userID, status string) error {
	_, err := r.client.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.HSet(ctx, presenceHashKey, userID, status)
		if status == models.StatusOnline {
			p.SAdd(ctx, onlineSetKey, userID)
		} else {
			p.SRem(ctx, onlineSetKey, userID)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("redis set status: %w", err)
	}
	return nil
}

func (r *RedisPresence) Status(ctx context.Context, userID string) (string, error) {
	s, err := r.client.HGet(ctx, presenceHashKey, userID).Result()
	if errors.Is(err, redis.Nil) {
		return models.StatusOffline, nil
	}
	if err != nil {
		return "", fmt.Errorf("redis get status: %w", err)
	}
	return s, nil
}

func (r *RedisPresence) Online(ctx context.Context) ([]string, error) {
	ids, err := r.client.SMembers(ctx, onlineSetKey).Result()
	if err != nil {
		return nil, fmt.Errorf("redis online: %w", err)
	}
	return ids, nil
}

// Reset 清空镜像，进程启动时调用，避免上次异常退出留下的“在线”残留。
func (r *RedisPresence) Reset(ctx context.Context) error {
	return r.client.Del(ctx, presenceHashKey, onlineSetKey).Err()
}

func (r *RedisPresence) Close() error { return r.client.Close() }

// MultiStatus 依次写入所有后端，返回合并后的错误。
type MultiStatus []StatusWriter

func (m MultiStatus) SetStatus(ctx context.Context, userID, status string) error {
	var errs []error
	for _, w := range m {
		if err := w.SetStatus(ctx, userID, status); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
