// Package trust 维护智能体的信任分。
//
// 信任分与通路强度是两个独立维护的量：单条通路的失败只会对目标智能体的信任分
// 产生有限幅度的调整。长期不活跃的智能体，其信任分按半衰期向中性值 0.5 回归。
package trust

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"time"

	xerrors "CognitiveMesh/internal/errors"
	"CognitiveMesh/internal/graph"
	"CognitiveMesh/pkg/logger"
)

// Neutral 是信任分的中性值，也是新智能体的默认分值。
const Neutral = 0.5

// MaxStep 是单次调整幅度的上限。
const MaxStep = 0.05

// Config 定义信任分的调整参数。
type Config struct {
	SuccessStep float64       `json:"success_step"`
	FailureStep float64       `json:"failure_step"`
	HalfLife    time.Duration `json:"half_life"`
}

// DefaultConfig 返回默认参数：成功 +0.01，失败 -0.03，半衰期 72 小时。
func DefaultConfig() Config {
	return Config{SuccessStep: 0.01, FailureStep: 0.03, HalfLife: 72 * time.Hour}
}

// Validate 校验参数。
func (c Config) Validate() error {
	if c.SuccessStep <= 0 || c.SuccessStep > MaxStep {
		return xerrors.New(xerrors.CodeInvalidRange, fmt.Sprintf("success step %.4f out of (0,%.2f]", c.SuccessStep, MaxStep))
	}
	if c.FailureStep <= 0 || c.FailureStep > MaxStep {
		return xerrors.New(xerrors.CodeInvalidRange, fmt.Sprintf("failure step %.4f out of (0,%.2f]", c.FailureStep, MaxStep))
	}
	if c.HalfLife <= 0 {
		return xerrors.New(xerrors.CodeInvalidArgument, "half life must be positive")
	}
	return nil
}

// AgentStore 是信任引擎读写智能体所需的最小接口。
type AgentStore interface {
	GetAgent(id string) (graph.Agent, error)
	MutateAgent(ctx context.Context, id string, fn func(*graph.Agent) error) (graph.Agent, error)
	ListAgents(filter graph.AgentFilter) []graph.Agent
}

// Engine 计算并衰减信任分，是信任分唯一的写入方。
type Engine struct {
	store  AgentStore
	cfg    Config
	now    func() time.Time
	logger *slog.Logger
}

// Option 配置 Engine。
type Option func(*Engine)

// WithConfig 设置调整参数。
func WithConfig(cfg Config) Option {
	return func(e *Engine) {
		e.cfg = cfg
	}
}

// WithClock 替换时间源。
func WithClock(now func() time.Time) Option {
	return func(e *Engine) {
		if now != nil {
			e.now = now
		}
	}
}

// NewEngine 构造信任引擎。
func NewEngine(store AgentStore, opts ...Option) (*Engine, error) {
	if store == nil {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "trust engine requires an agent store")
	}
	e := &Engine{
		store:  store,
		cfg:    DefaultConfig(),
		now:    time.Now,
		logger: logger.Named("trust"),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(e)
		}
	}
	if err := e.cfg.Validate(); err != nil {
		return nil, err
	}
	return e, nil
}

// Config 返回引擎参数。
func (e *Engine) Config() Config {
	return e.cfg
}

// Decay 返回经过 elapsed 时间后向中性值回归的分数。
func (e *Engine) Decay(score float64, elapsed time.Duration) float64 {
	if elapsed <= 0 {
		return score
	}
	factor := math.Exp2(-float64(elapsed) / float64(e.cfg.HalfLife))
	return graph.ClampUnit(Neutral + (score-Neutral)*factor)
}

func (e *Engine) decayAgent(a *graph.Agent, now time.Time) {
	if a.TrustUpdatedAt.IsZero() {
		a.TrustUpdatedAt = now
		return
	}
	a.TrustScore = e.Decay(a.TrustScore, now.Sub(a.TrustUpdatedAt))
	a.TrustUpdatedAt = now
}

// Adjustment 返回一次通路结果对应的信任分变更，供调用方与通路计数在同一次提交中应用。
func (e *Engine) Adjustment(outcome graph.Outcome) (func(*graph.Agent) error, error) {
	if !outcome.Valid() {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, fmt.Sprintf("unknown outcome %q", outcome))
	}
	return func(a *graph.Agent) error {
		now := e.now().UTC()
		e.decayAgent(a, now)
		if outcome == graph.OutcomeSuccess {
			a.TrustScore = graph.ClampUnit(a.TrustScore + e.cfg.SuccessStep)
		} else {
			a.TrustScore = graph.ClampUnit(a.TrustScore - e.cfg.FailureStep)
		}
		a.LastActiveAt = now
		return nil
	}, nil
}

// OnPathwayOutcome 先结算衰减，再按结果做一次有界调整。
func (e *Engine) OnPathwayOutcome(ctx context.Context, agentID string, outcome graph.Outcome) (float64, error) {
	adjust, err := e.Adjustment(outcome)
	if err != nil {
		return 0, err
	}
	updated, err := e.store.MutateAgent(ctx, agentID, adjust)
	if err != nil {
		return 0, err
	}
	return updated.TrustScore, nil
}

// Score 返回结算衰减后的当前分数，不写回。
func (e *Engine) Score(agentID string) (float64, error) {
	a, err := e.store.GetAgent(agentID)
	if err != nil {
		return 0, err
	}
	if a.TrustUpdatedAt.IsZero() {
		return a.TrustScore, nil
	}
	return e.Decay(a.TrustScore, e.now().UTC().Sub(a.TrustUpdatedAt)), nil
}

// Override 是管理员直接设置信任分的入口，超出 [0,1] 的值被拒绝而非截断。
func (e *Engine) Override(ctx context.Context, agentID string, score float64) (graph.Agent, error) {
	if math.IsNaN(score) || score < 0 || score > 1 {
		return graph.Agent{}, xerrors.New(xerrors.CodeInvalidRange, fmt.Sprintf("trust score %.4f out of [0,1]", score))
	}
	var previous float64
	a, err := e.store.MutateAgent(ctx, agentID, func(a *graph.Agent) error {
		previous = a.TrustScore
		a.TrustScore = score
		a.TrustUpdatedAt = e.now().UTC()
		return nil
	})
	if err != nil {
		return graph.Agent{}, err
	}
	logger.Audit().Info("信任分被管理员覆盖",
		slog.String("agent_id", agentID),
		slog.Float64("previous", previous),
		slog.Float64("score", score),
	)
	return a, nil
}

// CopyScore 把 sourceID 结算衰减后的分数写入 targetID，用于镜像身份同步。
func (e *Engine) CopyScore(ctx context.Context, targetID, sourceID string) (float64, error) {
	score, err := e.Score(sourceID)
	if err != nil {
		return 0, err
	}
	_, err = e.store.MutateAgent(ctx, targetID, func(a *graph.Agent) error {
		a.TrustScore = score
		a.TrustUpdatedAt = e.now().UTC()
		return nil
	})
	if err != nil {
		return 0, err
	}
	return score, nil
}

// DecayAll 对所有智能体结算衰减，返回分数发生变化的数量。
func (e *Engine) DecayAll(ctx context.Context) (int, error) {
	changed := 0
	for _, a := range e.store.ListAgents(graph.AgentFilter{}) {
		if err := ctx.Err(); err != nil {
			return changed, err
		}
		var moved bool
		_, err := e.store.MutateAgent(ctx, a.ID, func(agent *graph.Agent) error {
			before := agent.TrustScore
			e.decayAgent(agent, e.now().UTC())
			moved = agent.TrustScore != before
			return nil
		})
		if err != nil {
			return changed, err
		}
		if moved {
			changed++
		}
	}
	return changed, nil
}

// Tier 把分数映射到信任等级。
func Tier(score float64) string {
	switch {
	case score >= 0.8:
		return "high"
	case score >= Neutral:
		return "medium"
	default:
		return "low"
	}
}
