package events

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/redis/go-redis/v9"

	"CognitiveMesh/pkg/logger"
)

// LogSink 把事件写入结构化日志。
type LogSink struct {
	logger *slog.Logger
}

// NewLogSink 创建日志 Sink。
func NewLogSink() *LogSink {
	return &LogSink{logger: logger.Named("events.log")}
}

// Name 实现 Sink。
func (s *LogSink) Name() string { return "log" }

// Publish 实现 Sink。
func (s *LogSink) Publish(ctx context.Context, e Event) error {
	s.logger.LogAttrs(ctx, slog.LevelInfo, "mesh event",
		slog.String("id", e.ID),
		slog.String("type", string(e.Type)),
		slog.String("agent_id", e.AgentID),
		slog.String("pathway_id", e.PathwayID),
		slog.String("chain", e.Chain),
		slog.Any("attributes", e.Attributes),
	)
	return nil
}

// RedisStreamConfig 描述 Redis Stream Sink 的连接参数。
type RedisStreamConfig struct {
	Address  string
	Password string
	DB       int
	Stream   string
	MaxLen   int64
}

// RedisStreamSink 通过 XADD 把事件写入 Redis Stream。
type RedisStreamSink struct {
	client *redis.Client
	stream string
	maxLen int64
}

// NewRedisStreamSink 创建 Redis Stream Sink。
func NewRedisStreamSink(ctx context.Context, cfg RedisStreamConfig) (*RedisStreamSink, error) {
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
	return newRedisStreamSink(client, cfg), nil
}

func newRedisStreamSink(client *redis.Client, cfg RedisStreamConfig) *RedisStreamSink {
	stream := cfg.Stream
	if stream == "" {
		stream = "mesh:events"
	}
	maxLen := cfg.MaxLen
	if maxLen <= 0 {
		maxLen = 100000
	}
	return &RedisStreamSink{client: client, stream: stream, maxLen: maxLen}
}

// Name 实现 Sink。
func (s *RedisStreamSink) Name() string { return "redis_stream" }

// Publish 实现 Sink。
func (s *RedisStreamSink) Publish(ctx context.Context, e Event) error {
	args, err := streamArgs(s.stream, s.maxLen, e)
	if err != nil {
		return err
	}
	if err := s.client.XAdd(ctx, args).Err(); err != nil {
		return fmt.Errorf("写入 Redis Stream 失败: %w", err)
	}
	return nil
}

func streamArgs(stream string, maxLen int64, e Event) (*redis.XAddArgs, error) {
	body, err := e.Encode()
	if err != nil {
		return nil, err
	}
	return &redis.XAddArgs{
		Stream: stream,
		MaxLen: maxLen,
		Approx: true,
		Values: map[string]any{
			"id":   e.ID,
			"type": string(e.Type),
			"body": string(body),
		},
	}, nil
}

// Close 关闭 Redis 连接。
func (s *RedisStreamSink) Close() error {
	if s == nil || s.client == nil {
		return nil
	}
	return s.client.Close()
}

// RabbitMQConfig 描述事件交换机。
type RabbitMQConfig struct {
	URL      string
	Exchange string
}

// RabbitMQSink 把事件发布到 topic 交换机，路由键为事件类型。
type RabbitMQSink struct {
	conn     *amqp.Connection
	ch       *amqp.Channel
	exchange string
}

// NewRabbitMQSink 创建 RabbitMQ Sink。
func NewRabbitMQSink(cfg RabbitMQConfig) (*RabbitMQSink, error) {
	if cfg.URL == "" {
		return nil, errors.New("RabbitMQ URL 不能为空")
	}
	exchange := cfg.Exchange
	if exchange == "" {
		exchange = "mesh.events"
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
	if err := ch.ExchangeDeclare(exchange, amqp.ExchangeTopic, true, false, false, false, nil); err != nil {
		ch.Close()
		conn.Close()
		return nil, fmt.Errorf("声明 RabbitMQ 交换机失败: %w", err)
	}
	return &RabbitMQSink{conn: conn, ch: ch, exchange: exchange}, nil
}

// Name 实现 Sink。
func (s *RabbitMQSink) Name() string { return "rabbitmq" }

// Publish 实现 Sink。
func (s *RabbitMQSink) Publish(ctx context.Context, e Event) error {
	if s == nil || s.ch == nil {
		return errors.New("RabbitMQ Sink 未初始化")
	}
	msg, err := publishing(e)
	if err != nil {
		return err
	}
	return s.ch.PublishWithContext(ctx, s.exchange, routingKey(e.Type), false, false, msg)
}

func routingKey(t Type) string {
	return strings.ReplaceAll(string(t), "_", "-")
}

func publishing(e Event) (amqp.Publishing, error) {
	body, err := e.Encode()
	if err != nil {
		return amqp.Publishing{}, err
	}
	return amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		MessageId:    e.ID,
		Type:         string(e.Type),
		Timestamp:    e.OccurredAt,
		Body:         body,
	}, nil
}

// Close 关闭 RabbitMQ 连接。
func (s *RabbitMQSink) Close() error {
	if s == nil {
		return nil
	}
	if s.ch != nil {
		_ = s.ch.Close()
	}
	if s.conn != nil {
		return s.conn.Close()
	}
	return nil
}
