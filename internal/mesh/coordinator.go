// Package mesh 是网格状态的唯一写入入口。
//
// Coordinator 按顺序编排图、信任引擎与代币桥：图与信任引擎的领域错误原样返回，
// 链相关的失败以铸造状态的形式体现。事件通过 Emitter 异步发出，不阻塞调用方。
package mesh

import (
	"context"
	"log/slog"

	"github.com/google/uuid"

	xerrors "CognitiveMesh/internal/errors"
	"CognitiveMesh/internal/events"
	"CognitiveMesh/internal/graph"
	"CognitiveMesh/internal/tokenization"
	"CognitiveMesh/internal/trust"
	"CognitiveMesh/pkg/logger"
)

// DefaultMaxDepth 是未指定深度时的连接查询深度。
const DefaultMaxDepth = 3

// ErrAgentInactive 表示通路端点不是 active 状态。
var ErrAgentInactive = graph.ErrAgentInactive

// ErrTokenizationDisabled 表示未配置代币桥。
var ErrTokenizationDisabled = xerrors.New(xerrors.CodeChainUnavailable, "tokenization is not configured")

// TokenBridge 是 Coordinator 使用的代币桥能力。
type TokenBridge interface {
	GenerateToken(ctx context.Context, pathwayID string, opts tokenization.GenerateOptions) (tokenization.MintRecord, error)
	TokenStatus(ctx context.Context, pathwayID string) (tokenization.MintRecord, error)
	Await(ctx context.Context, pathwayID string) (tokenization.MintRecord, error)
	Reconcile(ctx context.Context, pathwayID string) (tokenization.MintRecord, error)
	Mints(ctx context.Context, state tokenization.State) ([]tokenization.MintRecord, error)
	QueueStrengthSync(ctx context.Context, pathwayID string) error
}

// Coordinator 编排网格上的所有写操作。
type Coordinator struct {
	graph    *graph.Graph
	trust    *trust.Engine
	bridge   TokenBridge
	emitter  events.Emitter
	maxDepth int
	newID    func() string
	logger   *slog.Logger
}

// Option 配置 Coordinator。
type Option func(*Coordinator)

// WithBridge 设置代币桥。
func WithBridge(b TokenBridge) Option {
	return func(c *Coordinator) {
		c.bridge = b
	}
}

// WithEmitter 设置事件出口。
func WithEmitter(e events.Emitter) Option {
	return func(c *Coordinator) {
		if e != nil {
			c.emitter = e
		}
	}
}

// WithDefaultMaxDepth 设置默认的连接查询深度。
func WithDefaultMaxDepth(depth int) Option {
	return func(c *Coordinator) {
		if depth > 0 {
			c.maxDepth = depth
		}
	}
}

// WithIDGenerator 替换智能体 ID 生成器。
func WithIDGenerator(fn func() string) Option {
	return func(c *Coordinator) {
		if fn != nil {
			c.newID = fn
		}
	}
}

// New 构造 Coordinator。
func New(g *graph.Graph, engine *trust.Engine, opts ...Option) (*Coordinator, error) {
	if g == nil || engine == nil {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "coordinator requires a graph and a trust engine")
	}
	c := &Coordinator{
		graph:    g,
		trust:    engine,
		emitter:  events.Nop,
		maxDepth: DefaultMaxDepth,
		newID:    uuid.NewString,
		logger:   logger.Named("mesh"),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(c)
		}
	}
	return c, nil
}

// Graph 返回底层图，供只读的运维接口使用。
func (c *Coordinator) Graph() *graph.Graph {
	return c.graph
}

func (c *Coordinator) emit(t events.Type, fields ...events.Field) {
	c.emitter.Emit(events.New(t, fields...))
}
