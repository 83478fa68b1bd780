package mesh

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"slices"
	"strconv"
	"strings"

	"go.opentelemetry.io/otel/attribute"

	xerrors "CognitiveMesh/internal/errors"
	"CognitiveMesh/internal/events"
	"CognitiveMesh/internal/graph"
	"CognitiveMesh/internal/observability/metrics"
	"CognitiveMesh/internal/observability/tracing"
	"CognitiveMesh/internal/trust"
)

// AgentSpec 描述待注册的智能体。
type AgentSpec struct {
	Name         string            `json:"name"`
	Capabilities []string          `json:"capabilities,omitempty"`
	Chain        string            `json:"chain"`
	Status       graph.AgentStatus `json:"status,omitempty"`
	// TrustScore 为空时使用中性值 0.5。
	TrustScore *float64 `json:"trust_score,omitempty"`
	// SourceAgentID 非空时注册为该智能体的镜像。
	SourceAgentID string            `json:"source_agent_id,omitempty"`
	Metadata      map[string]string `json:"metadata,omitempty"`
}

// AgentView 是带有衰减后信任分与信任等级的智能体视图。
type AgentView struct {
	graph.Agent
	TrustTier string `json:"trust_tier"`
}

func (s AgentSpec) validate() error {
	if strings.TrimSpace(s.Name) == "" {
		return xerrors.New(xerrors.CodeInvalidArgument, "agent name is required")
	}
	if strings.TrimSpace(s.Chain) == "" {
		return xerrors.New(xerrors.CodeInvalidArgument, "agent chain is required")
	}
	if s.Status != "" && !s.Status.Valid() {
		return xerrors.Newf(xerrors.CodeInvalidArgument, "unknown agent status %q", s.Status)
	}
	if s.TrustScore != nil {
		if v := *s.TrustScore; math.IsNaN(v) || v < 0 || v > 1 {
			return xerrors.Newf(xerrors.CodeInvalidRange, "trust score %.4f out of [0,1]", v)
		}
	}
	return nil
}

// RegisterAgent 校验并注册智能体，分配 UUID。带 SourceAgentID 时注册为镜像并登记 ChainLink。
func (c *Coordinator) RegisterAgent(ctx context.Context, spec AgentSpec) (agent graph.Agent, err error) {
	ctx, span := tracing.Start(ctx, "mesh.register_agent", attribute.String("chain", spec.Chain))
	defer func() { tracing.End(span, err) }()

	if err := spec.validate(); err != nil {
		return graph.Agent{}, err
	}
	score := trust.Neutral
	if spec.TrustScore != nil {
		score = *spec.TrustScore
	}
	candidate := graph.Agent{
		ID:            c.newID(),
		Name:          strings.TrimSpace(spec.Name),
		Capabilities:  spec.Capabilities,
		TrustScore:    score,
		Chain:         graph.NormalizeChain(spec.Chain),
		Status:        spec.Status,
		SourceAgentID: spec.SourceAgentID,
		Metadata:      spec.Metadata,
	}

	if spec.SourceAgentID != "" {
		agent, link, err := c.graph.AddMirror(ctx, candidate)
		if err != nil {
			return graph.Agent{}, err
		}
		c.announceMirror(agent, link)
		return agent, nil
	}

	agent, err = c.graph.AddAgent(ctx, candidate)
	if err != nil {
		return graph.Agent{}, err
	}
	c.logger.Info("智能体已注册", slog.String("agent_id", agent.ID), slog.String("chain", agent.Chain))
	c.emit(events.AgentRegistered, events.WithAgent(agent.ID), events.WithChain(agent.Chain),
		events.WithAttr("name", agent.Name))
	return agent, nil
}

func (c *Coordinator) announceMirror(mirror graph.Agent, link graph.ChainLink) {
	c.logger.Info("镜像身份已创建",
		slog.String("agent_id", mirror.ID),
		slog.String("canonical_id", link.CanonicalID),
		slog.String("chain", link.Chain),
	)
	c.emit(events.AgentRegistered, events.WithAgent(mirror.ID), events.WithChain(mirror.Chain),
		events.WithAttr("name", mirror.Name))
	c.emit(events.AgentMirrored, events.WithAgent(mirror.ID), events.WithChain(link.Chain),
		events.WithAttr("canonical_id", link.CanonicalID),
		events.WithAttr("source_chain", mirror.SourceChain))
}

// GetAgent 返回智能体及其衰减后的信任分，不写回。
func (c *Coordinator) GetAgent(id string) (AgentView, error) {
	a, err := c.graph.GetAgent(id)
	if err != nil {
		return AgentView{}, err
	}
	return c.view(a)
}

func (c *Coordinator) view(a graph.Agent) (AgentView, error) {
	score, err := c.trust.Score(a.ID)
	if err != nil {
		return AgentView{}, err
	}
	a.TrustScore = score
	return AgentView{Agent: a, TrustTier: trust.Tier(score)}, nil
}

// ListAgents 返回符合条件的智能体。
func (c *Coordinator) ListAgents(filter graph.AgentFilter) ([]AgentView, error) {
	agents := c.graph.ListAgents(filter)
	out := make([]AgentView, 0, len(agents))
	for _, a := range agents {
		v, err := c.view(a)
		if err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, nil
}

// AddCapability 为智能体增加一项能力，已存在时不变。
func (c *Coordinator) AddCapability(ctx context.Context, agentID, capability string) (graph.Agent, error) {
	capability = strings.TrimSpace(capability)
	if capability == "" {
		return graph.Agent{}, xerrors.New(xerrors.CodeInvalidArgument, "capability is required")
	}
	return c.graph.MutateAgent(ctx, agentID, func(a *graph.Agent) error {
		a.Capabilities = append(a.Capabilities, capability)
		return nil
	})
}

// RemoveCapability 移除智能体的一项能力，不存在时不变。
func (c *Coordinator) RemoveCapability(ctx context.Context, agentID, capability string) (graph.Agent, error) {
	capability = strings.TrimSpace(capability)
	return c.graph.MutateAgent(ctx, agentID, func(a *graph.Agent) error {
		a.Capabilities = slices.DeleteFunc(a.Capabilities, func(existing string) bool { return existing == capability })
		return nil
	})
}

// SetAgentStatus 修改智能体状态。智能体不会被删除，退役通过状态表达。
func (c *Coordinator) SetAgentStatus(ctx context.Context, agentID string, status graph.AgentStatus) (graph.Agent, error) {
	if !status.Valid() {
		return graph.Agent{}, xerrors.Newf(xerrors.CodeInvalidArgument, "unknown agent status %q", status)
	}
	return c.graph.MutateAgent(ctx, agentID, func(a *graph.Agent) error {
		a.Status = status
		return nil
	})
}

// OverrideTrust 由管理员直接设置信任分。
func (c *Coordinator) OverrideTrust(ctx context.Context, agentID string, score float64) (agent graph.Agent, err error) {
	ctx, span := tracing.Start(ctx, "mesh.override_trust", attribute.String("agent_id", agentID))
	defer func() { tracing.End(span, err) }()

	agent, err = c.trust.Override(ctx, agentID, score)
	if err != nil {
		return graph.Agent{}, err
	}
	metrics.ObserveTrustOverride()
	return agent, nil
}

// MirrorAgent 在另一条链上创建规范智能体的镜像。镜像的镜像解析到同一规范身份。
func (c *Coordinator) MirrorAgent(ctx context.Context, canonicalID, chain string) (mirror graph.Agent, err error) {
	ctx, span := tracing.Start(ctx, "mesh.mirror_agent",
		attribute.String("agent_id", canonicalID), attribute.String("chain", chain))
	defer func() { tracing.End(span, err) }()

	chain = graph.NormalizeChain(chain)
	if chain == "" {
		return graph.Agent{}, xerrors.New(xerrors.CodeInvalidArgument, "mirror chain is required")
	}
	rootID, err := c.graph.Canonical(canonicalID)
	if err != nil {
		return graph.Agent{}, err
	}
	root, err := c.graph.GetAgent(rootID)
	if err != nil {
		return graph.Agent{}, err
	}
	score, err := c.trust.Score(rootID)
	if err != nil {
		return graph.Agent{}, err
	}
	mirror, link, err := c.graph.AddMirror(ctx, graph.Agent{
		ID:            c.newID(),
		Name:          root.Name,
		Capabilities:  root.Capabilities,
		TrustScore:    score,
		Chain:         chain,
		Status:        root.Status,
		SourceAgentID: rootID,
		Metadata:      root.Metadata,
	})
	if err != nil {
		return graph.Agent{}, err
	}
	c.announceMirror(mirror, link)
	return mirror, nil
}

// ChainLinks 返回智能体所属规范身份的全部镜像链接。
func (c *Coordinator) ChainLinks(agentID string) ([]graph.ChainLink, error) {
	return c.graph.ChainLinks(agentID)
}

// ReconcileMirrors 把规范智能体的能力、状态与信任分复制到每个镜像，返回更新后的镜像。
func (c *Coordinator) ReconcileMirrors(ctx context.Context, agentID string) (mirrors []graph.Agent, err error) {
	ctx, span := tracing.Start(ctx, "mesh.reconcile_mirrors", attribute.String("agent_id", agentID))
	defer func() { tracing.End(span, err) }()

	rootID, err := c.graph.Canonical(agentID)
	if err != nil {
		return nil, err
	}
	root, err := c.graph.GetAgent(rootID)
	if err != nil {
		return nil, err
	}
	links, err := c.graph.ChainLinks(rootID)
	if err != nil {
		return nil, err
	}
	mirrors = make([]graph.Agent, 0, len(links))
	for _, link := range links {
		if _, err := c.graph.MutateAgent(ctx, link.MirrorID, func(a *graph.Agent) error {
			a.Capabilities = slices.Clone(root.Capabilities)
			a.Status = root.Status
			return nil
		}); err != nil {
			return mirrors, fmt.Errorf("reconcile mirror %s: %w", link.MirrorID, err)
		}
		if _, err := c.trust.CopyScore(ctx, link.MirrorID, rootID); err != nil {
			return mirrors, fmt.Errorf("reconcile mirror %s: %w", link.MirrorID, err)
		}
		mirror, err := c.graph.GetAgent(link.MirrorID)
		if err != nil {
			return mirrors, err
		}
		mirrors = append(mirrors, mirror)
	}
	c.emit(events.AgentReconciled, events.WithAgent(rootID), events.WithChain(root.Chain),
		events.WithAttr("mirrors", strconv.Itoa(len(mirrors))))
	return mirrors, nil
}
