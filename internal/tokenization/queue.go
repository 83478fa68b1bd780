package tokenization

import (
	"context"
	"sync"
)

// SyncHandler 处理一次强度同步请求。
type SyncHandler func(ctx context.Context, pathwayID string) error

// SyncProducer 投递强度同步请求。
//
// 同步请求只表示“把通路的最新强度推到链上”，因此同一通路在被消费者取走之前
// 只排队一次：queued 为 false 表示请求并入了已在排队的那一次。消费者在调用
// handler 之前清除排队标记，之后到达的请求会重新排队，最新强度不会丢失。
type SyncProducer interface {
	Publish(ctx context.Context, pathwayID string) (queued bool, err error)
	Close() error
}

// SyncConsumer 消费强度同步请求。
type SyncConsumer interface {
	Consume(ctx context.Context, workerCount int, handler SyncHandler) error
	Close() error
}

// SyncQueue 同时具备生产者与消费者能力。
type SyncQueue interface {
	SyncProducer
	SyncConsumer
}

// pendingSet 记录已排队但尚未交给 handler 的通路。
type pendingSet struct {
	mu  sync.Mutex
	ids map[string]struct{}
}

// add 返回 false 表示通路已在排队。
func (s *pendingSet) add(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ids == nil {
		s.ids = make(map[string]struct{})
	}
	if _, ok := s.ids[id]; ok {
		return false
	}
	s.ids[id] = struct{}{}
	return true
}

func (s *pendingSet) remove(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.ids, id)
}
