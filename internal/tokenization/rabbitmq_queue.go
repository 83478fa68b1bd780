package tokenization

import (
	"context"
	"errors"
	"fmt"
	"sync"

	amqp "github.com/rabbitmq/amqp091-go"
)

// RabbitMQConfig 描述 RabbitMQ 队列的连接参数。
type RabbitMQConfig struct {
	URL      string
	Queue    string
	Prefetch int
	Durable  bool
}

// RabbitMQQueue 使用 RabbitMQ 实现同步队列。
type RabbitMQQueue struct {
	conn  *amqp.Connection
	ch    *amqp.Channel
	queue string
}

// NewRabbitMQQueue 创建 RabbitMQ 队列实例。
func NewRabbitMQQueue(cfg RabbitMQConfig) (*RabbitMQQueue, error) {
	if cfg.URL == "" {
		return nil, errors.New("RabbitMQ URL 不能为空")
	}
	queue := cfg.Queue
	if queue == "" {
		queue = "mesh.strength-sync"
	}
	conn, err := amqp.Dial(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("连接 RabbitMQ 失败: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("创建 RabbitMQ channel 失败: %w", err)
	}
	if cfg.Prefetch > 0 {
		if err := ch.Qos(cfg.Prefetch, 0, false); err != nil {
			ch.Close()
			conn.Close()
			return nil, fmt.Errorf("设置 RabbitMQ QOS 失败: %w", err)
		}
	}
	if _, err := ch.QueueDeclare(queue, cfg.Durable, false, false, false, nil); err != nil {
		ch.Close()
		conn.Close()
		return nil, fmt.Errorf("声明 RabbitMQ 队列失败: %w", err)
	}
	return &RabbitMQQueue{conn: conn, ch: ch, queue: queue}, nil
}

// Publish 将通路 ID 投递到 RabbitMQ。broker 端无法按通路去重，合并在消费端完成，
// 因此总是返回 queued 为 true。
func (q *RabbitMQQueue) Publish(ctx context.Context, pathwayID string) (bool, error) {
	if q == nil || q.ch == nil {
		return false, errors.New("RabbitMQ 队列未初始化")
	}
	err := q.ch.PublishWithContext(ctx, "", q.queue, false, false, amqp.Publishing{
		ContentType: "text/plain",
		MessageId:   pathwayID,
		Body:        []byte(pathwayID),
	})
	if err != nil {
		return false, fmt.Errorf("RabbitMQ 投递同步请求失败: %w", err)
	}
	return true, nil
}

// Consume 使用手动确认模式消费 RabbitMQ 队列。
//
// 投递先进入本地的待处理缓冲，同一通路已在缓冲中时新消息直接确认并丢弃；
// 工作协程取出消息后先清除该通路的标记，再执行 handler。
func (q *RabbitMQQueue) Consume(ctx context.Context, workerCount int, handler SyncHandler) error {
	if q == nil || q.ch == nil {
		return errors.New("RabbitMQ 队列未初始化")
	}
	if workerCount <= 0 {
		workerCount = 1
	}
	msgs, err := q.ch.Consume(q.queue, "", false, false, false, false, nil)
	if err != nil {
		return fmt.Errorf("订阅 RabbitMQ 队列失败: %w", err)
	}

	var pending pendingSet
	work := make(chan amqp.Delivery, workerCount)
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		defer close(work)
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-msgs:
				if !ok {
					return
				}
				if !pending.add(string(msg.Body)) {
					_ = msg.Ack(false)
					continue
				}
				select {
				case work <- msg:
				case <-ctx.Done():
					_ = msg.Nack(false, true)
					return
				}
			}
		}
	}()

	for i := 0; i < workerCount; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for msg := range work {
				pathwayID := string(msg.Body)
				pending.remove(pathwayID)
				if ctx.Err() != nil {
					_ = msg.Nack(false, true)
					continue
				}
				_ = handler(ctx, pathwayID)
				_ = msg.Ack(false)
			}
		}()
	}

	<-ctx.Done()
	wg.Wait()
	return ctx.Err()
}

// Close 关闭 RabbitMQ 连接。
func (q *RabbitMQQueue) Close() error {
	if q == nil {
		return nil
	}
	if q.ch != nil {
		_ = q.ch.Close()
	}
	if q.conn != nil {
		return q.conn.Close()
	}
	return nil
}
