package tokenization

import (
	"context"
	"errors"
	"fmt"
	"sync"
)

var errQueueClosed = errors.New("队列已关闭")

// MemoryQueue 是单进程的强度同步队列：按首次排队的顺序出队，同一通路至多占一个位置。
type MemoryQueue struct {
	mu      sync.Mutex
	order   []string
	pending map[string]struct{}
	size    int
	closed  bool

	ready chan struct{}
	done  chan struct{}
}

// NewMemoryQueue 创建最多容纳 size 条不同通路的内存队列。
func NewMemoryQueue(size int) *MemoryQueue {
	if size <= 0 {
		size = 256
	}
	return &MemoryQueue{
		pending: make(map[string]struct{}),
		size:    size,
		ready:   make(chan struct{}, 1),
		done:    make(chan struct{}),
	}
}

// Publish 为通路排队一次同步；通路已在排队时直接返回。
func (q *MemoryQueue) Publish(ctx context.Context, pathwayID string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return false, errQueueClosed
	}
	if _, ok := q.pending[pathwayID]; ok {
		return false, nil
	}
	if len(q.order) >= q.size {
		return false, fmt.Errorf("同步队列已满（%d 条通路）", q.size)
	}
	q.pending[pathwayID] = struct{}{}
	q.order = append(q.order, pathwayID)
	q.notify()
	return true, nil
}

// Len 返回排队中的通路数。
func (q *MemoryQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.order)
}

// notify 要求调用方持有 q.mu。
func (q *MemoryQueue) notify() {
	select {
	case q.ready <- struct{}{}:
	default:
	}
}

// take 取出最早排队的通路并清除其排队标记。
func (q *MemoryQueue) take() (string, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.order) == 0 {
		return "", false
	}
	id := q.order[0]
	q.order[0] = ""
	q.order = q.order[1:]
	delete(q.pending, id)
	if len(q.order) > 0 {
		q.notify()
	}
	return id, true
}

// Consume 启动指定数量的工作协程消费队列，直到 ctx 结束。
func (q *MemoryQueue) Consume(ctx context.Context, workerCount int, handler SyncHandler) error {
	if workerCount <= 0 {
		workerCount = 1
	}
	var wg sync.WaitGroup
	for i := 0; i < workerCount; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for ctx.Err() == nil {
				if id, ok := q.take(); ok {
					_ = handler(ctx, id)
					continue
				}
				select {
				case <-ctx.Done():
					return
				case <-q.done:
					return
				case <-q.ready:
				}
			}
		}()
	}
	<-ctx.Done()
	wg.Wait()
	return ctx.Err()
}

// Close 拒绝后续投递并让工作协程退出，未消费的请求被丢弃。
func (q *MemoryQueue) Close() error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if !q.closed {
		q.closed = true
		close(q.done)
	}
	return nil
}
