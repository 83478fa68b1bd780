package tokenization

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisQueueConfig 描述 Redis 队列的连接参数。
type RedisQueueConfig struct {
	Address   string
	Password  string
	DB        int
	Queue     string
	BlockWait time.Duration
}

// RedisQueue 使用 Redis list 实现同步队列，并用一个 set 记录排队中的通路，
// 多个实例向同一队列投递时同样按通路合并。
type RedisQueue struct {
	client  *redis.Client
	queue   string
	pending string
	wait    time.Duration
}

// enqueueScript 仅在通路不在排队集合中时入队，返回 1 表示新入队。
var enqueueScript = redis.NewScript(`
if redis.call('SADD', KEYS[1], ARGV[1]) == 1 then
  redis.call('LPUSH', KEYS[2], ARGV[1])
  return 1
end
return 0
`)

// NewRedisQueue 创建 Redis 队列实例。
func NewRedisQueue(ctx context.Context, cfg RedisQueueConfig) (*RedisQueue, error) {
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
	return newRedisQueue(client, cfg), nil
}

func newRedisQueue(client *redis.Client, cfg RedisQueueConfig) *RedisQueue {
	queue := cfg.Queue
	if queue == "" {
		queue = "mesh:strength-sync"
	}
	wait := cfg.BlockWait
	if wait <= 0 {
		wait = 5 * time.Second
	}
	return &RedisQueue{client: client, queue: queue, pending: queue + ":pending", wait: wait}
}

// Publish 原子地检查排队集合并投递通路 ID。
func (q *RedisQueue) Publish(ctx context.Context, pathwayID string) (bool, error) {
	added, err := enqueueScript.Run(ctx, q.client, []string{q.pending, q.queue}, pathwayID).Int()
	if err != nil {
		return false, fmt.Errorf("Redis 投递同步请求失败: %w", err)
	}
	return added == 1, nil
}

// Consume 通过 BRPOP 从 Redis 获取同步请求，出队后先移出排队集合再交给 handler。
// 同步是尽力而为的，失败不重投。
func (q *RedisQueue) Consume(ctx context.Context, workerCount int, handler SyncHandler) error {
	if workerCount <= 0 {
		workerCount = 1
	}
	errCh := make(chan error, workerCount)
	for i := 0; i < workerCount; i++ {
		go func() {
			for {
				select {
				case <-ctx.Done():
					errCh <- ctx.Err()
					return
				default:
				}
				values, err := q.client.BRPop(ctx, q.wait, q.queue).Result()
				if err != nil {
					if errors.Is(err, context.Canceled) || errors.Is(err, redis.ErrClosed) {
						errCh <- err
						return
					}
					if errors.Is(err, redis.Nil) {
						continue
					}
					errCh <- fmt.Errorf("Redis 获取同步请求失败: %w", err)
					return
				}
				if len(values) != 2 {
					continue
				}
				pathwayID := values[1]
				if err := q.client.SRem(ctx, q.pending, pathwayID).Err(); err != nil {
					// 标记残留会让该通路之后的请求被合并掉，本次同步仍然执行。
					errCh <- fmt.Errorf("Redis 清除排队标记失败: %w", err)
					_ = handler(ctx, pathwayID)
					return
				}
				_ = handler(ctx, pathwayID)
			}
		}()
	}
	// 等待第一个错误或取消信号。
	select {
	case <-ctx.Done():
		return ctx.Err()
	case err := <-errCh:
		return err
	}
}

// Close 关闭 Redis 连接。
func (q *RedisQueue) Close() error {
	if q == nil || q.client == nil {
		return nil
	}
	return q.client.Close()
}
