package tokenization

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/redis/go-redis/v9"

	xerrors "CognitiveMesh/internal/errors"
	"CognitiveMesh/pkg/logger"
)

// RedisLockerConfig 描述分布式锁的连接参数。
type RedisLockerConfig struct {
	Address    string
	Password   string
	DB         int
	Prefix     string
	TTL        time.Duration
	RetryEvery time.Duration
}

// 只删除自己持有的锁。
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// RedisLocker 基于 SET NX PX 实现跨实例的通路锁。
type RedisLocker struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
	retry  time.Duration
	logger *slog.Logger
}

// NewRedisLocker 创建 RedisLocker。
func NewRedisLocker(ctx context.Context, cfg RedisLockerConfig) (*RedisLocker, error) {
	if cfg.Address == "" {
		return nil, errors.New("Redis address 不能为空")
	}
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Address,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("连接 Redis 失败: %w", err)
	}
	return NewRedisLockerWithClient(client, cfg), nil
}

// NewRedisLockerWithClient 复用已有的 Redis 客户端。
func NewRedisLockerWithClient(client *redis.Client, cfg RedisLockerConfig) *RedisLocker {
	prefix := cfg.Prefix
	if prefix == "" {
		prefix = "mesh:lock:"
	}
	ttl := cfg.TTL
	if ttl <= 0 {
		ttl = 30 * time.Second
	}
	retry := cfg.RetryEvery
	if retry <= 0 {
		retry = 50 * time.Millisecond
	}
	return &RedisLocker{client: client, prefix: prefix, ttl: ttl, retry: retry, logger: logger.Named("tokenization.lock")}
}

var _ Locker = (*RedisLocker)(nil)

// Lock 轮询 SET NX 直到获得锁或 ctx 结束。锁在 TTL 后自动过期。
func (l *RedisLocker) Lock(ctx context.Context, key string) (Unlock, error) {
	redisKey := l.prefix + key
	token := ulid.Make().String()
	ticker := time.NewTicker(l.retry)
	defer ticker.Stop()
	for {
		ok, err := l.client.SetNX(ctx, redisKey, token, l.ttl).Result()
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "获取分布式锁失败")
		}
		if ok {
			return func() {
				releaseCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 2*time.Second)
				defer cancel()
				if err := releaseScript.Run(releaseCtx, l.client, []string{redisKey}, token).Err(); err != nil {
					l.logger.Warn("释放分布式锁失败", slog.String("key", redisKey), slog.Any("error", err))
				}
			}, nil
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}
}

// Close 关闭 Redis 连接。
func (l *RedisLocker) Close() error {
	if l == nil || l.client == nil {
		return nil
	}
	return l.client.Close()
}
