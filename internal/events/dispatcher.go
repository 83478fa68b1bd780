package events

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"CognitiveMesh/pkg/logger"
)

// Emitter 是事件生产者依赖的最小接口。
type Emitter interface {
	Emit(e Event)
}

// Sink 接收分发出的事件。
type Sink interface {
	Name() string
	Publish(ctx context.Context, e Event) error
}

// Nop 丢弃所有事件。
var Nop Emitter = nopEmitter{}

type nopEmitter struct{}

func (nopEmitter) Emit(Event) {}

const defaultBuffer = 256

// Dispatcher 通过带缓冲的 channel 解耦事件生产与投递。
type Dispatcher struct {
	ch      chan Event
	timeout time.Duration
	logger  *slog.Logger

	mu    sync.RWMutex
	sinks []Sink
	subs  map[int]chan Event
	next  int

	emitted   atomic.Uint64
	dropped   atomic.Uint64
	failed    atomic.Uint64
	onDropped func(Event)
}

// Option 配置 Dispatcher。
type Option func(*Dispatcher)

// WithBuffer 设置缓冲区大小。
func WithBuffer(size int) Option {
	return func(d *Dispatcher) {
		if size > 0 {
			d.ch = make(chan Event, size)
		}
	}
}

// WithSinks 注册投递目标。
func WithSinks(sinks ...Sink) Option {
	return func(d *Dispatcher) {
		for _, s := range sinks {
			if s != nil {
				d.sinks = append(d.sinks, s)
			}
		}
	}
}

// WithPublishTimeout 限制单个 Sink 的投递时长。
func WithPublishTimeout(timeout time.Duration) Option {
	return func(d *Dispatcher) {
		if timeout > 0 {
			d.timeout = timeout
		}
	}
}

// WithDropHook 在事件被丢弃时回调，用于指标统计。
func WithDropHook(fn func(Event)) Option {
	return func(d *Dispatcher) {
		d.onDropped = fn
	}
}

// NewDispatcher 创建分发器。
func NewDispatcher(opts ...Option) *Dispatcher {
	d := &Dispatcher{
		ch:      make(chan Event, defaultBuffer),
		timeout: 5 * time.Second,
		logger:  logger.Named("events"),
		subs:    make(map[int]chan Event),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(d)
		}
	}
	return d
}

// Emit 非阻塞地投递事件；缓冲区满时丢弃。
func (d *Dispatcher) Emit(e Event) {
	select {
	case d.ch <- e:
		d.emitted.Add(1)
	default:
		d.dropped.Add(1)
		d.logger.Warn("事件缓冲区已满，丢弃事件", slog.String("type", string(e.Type)), slog.String("id", e.ID))
		if d.onDropped != nil {
			d.onDropped(e)
		}
	}
}

// Subscribe 注册进程内订阅者。订阅者消费过慢时事件会被跳过。
func (d *Dispatcher) Subscribe(buffer int) (<-chan Event, func()) {
	if buffer <= 0 {
		buffer = 16
	}
	ch := make(chan Event, buffer)
	d.mu.Lock()
	id := d.next
	d.next++
	d.subs[id] = ch
	d.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			d.mu.Lock()
			delete(d.subs, id)
			d.mu.Unlock()
			close(ch)
		})
	}
}

// Run 持续投递事件直到 ctx 取消，退出前尽力清空缓冲区。
func (d *Dispatcher) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			d.drain()
			return nil
		case e := <-d.ch:
			d.deliver(context.WithoutCancel(ctx), e)
		}
	}
}

func (d *Dispatcher) drain() {
	for {
		select {
		case e := <-d.ch:
			d.deliver(context.Background(), e)
		default:
			return
		}
	}
}

func (d *Dispatcher) deliver(ctx context.Context, e Event) {
	d.mu.RLock()
	sinks := d.sinks
	for _, sub := range d.subs {
		select {
		case sub <- e:
		default:
		}
	}
	d.mu.RUnlock()

	for _, sink := range sinks {
		sctx, cancel := context.WithTimeout(ctx, d.timeout)
		err := sink.Publish(sctx, e)
		cancel()
		if err != nil {
			d.failed.Add(1)
			d.logger.Error("事件投递失败",
				slog.String("sink", sink.Name()),
				slog.String("type", string(e.Type)),
				slog.String("id", e.ID),
				slog.Any("error", err),
			)
		}
	}
}

// Stats 汇总分发器计数。
type Stats struct {
	Emitted uint64 `json:"emitted"`
	Dropped uint64 `json:"dropped"`
	Failed  uint64 `json:"failed"`
	Pending int    `json:"pending"`
}

// Stats 返回当前计数。
func (d *Dispatcher) Stats() Stats {
	return Stats{
		Emitted: d.emitted.Load(),
		Dropped: d.dropped.Load(),
		Failed:  d.failed.Load(),
		Pending: len(d.ch),
	}
}
