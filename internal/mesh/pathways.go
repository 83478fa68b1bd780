package mesh

import (
	"context"
	"fmt"
	"iter"
	"log/slog"
	"strconv"

	"go.opentelemetry.io/otel/attribute"

	xerrors "CognitiveMesh/internal/errors"
	"CognitiveMesh/internal/events"
	"CognitiveMesh/internal/graph"
	"CognitiveMesh/internal/observability/metrics"
	"CognitiveMesh/internal/observability/tracing"
	"CognitiveMesh/internal/tokenization"
)

// PathwaySpec 是建立通路时的可选属性。
type PathwaySpec struct {
	// Strength 为空时使用图策略中的默认强度。
	Strength      *float64          `json:"strength,omitempty"`
	Bidirectional bool              `json:"bidirectional,omitempty"`
	Metadata      map[string]string `json:"metadata,omitempty"`
}

// UsageResult 是一次调用记录后的通路与目标智能体信任分。
type UsageResult struct {
	Pathway     graph.Pathway `json:"pathway"`
	TargetTrust float64       `json:"target_trust"`
}

// EstablishPathway 在两个 active 智能体之间建立通路。两端链不同时标记为跨链，
// 但不做任何链上操作。
func (c *Coordinator) EstablishPathway(ctx context.Context, sourceID, targetID string, spec PathwaySpec) (p graph.Pathway, err error) {
	ctx, span := tracing.Start(ctx, "mesh.establish_pathway",
		attribute.String("source_id", sourceID), attribute.String("target_id", targetID))
	defer func() { tracing.End(span, err) }()

	if sourceID == targetID {
		return graph.Pathway{}, graph.ErrSelfLoop
	}
	source, err := c.graph.GetAgent(sourceID)
	if err != nil {
		return graph.Pathway{}, err
	}
	target, err := c.graph.GetAgent(targetID)
	if err != nil {
		return graph.Pathway{}, err
	}

	// 端点状态在图的加锁区内复核，这里只读取不可变的归属链。
	attrs := graph.PathwayAttrs{
		Strength:      spec.Strength,
		Bidirectional: spec.Bidirectional,
		RequireActive: true,
		Metadata:      make(map[string]string, len(spec.Metadata)+2),
	}
	for k, v := range spec.Metadata {
		attrs.Metadata[k] = v
	}
	if source.Chain != target.Chain {
		attrs.Metadata["source_chain"] = source.Chain
		attrs.Metadata["target_chain"] = target.Chain
	}

	p, err = c.graph.AddPathway(ctx, sourceID, targetID, attrs)
	if err != nil {
		return graph.Pathway{}, err
	}
	c.logger.Info("通路已建立",
		slog.String("pathway_id", p.ID),
		slog.String("source_id", sourceID),
		slog.String("target_id", targetID),
		slog.Bool("cross_chain", p.CrossChain),
	)
	c.emit(events.PathwayEstablished, events.WithPathway(p.ID), events.WithAgent(sourceID),
		events.WithAttr("target_id", targetID),
		events.WithAttr("cross_chain", strconv.FormatBool(p.CrossChain)),
		events.WithAttr("bidirectional", strconv.FormatBool(p.Bidirectional)))
	return p, nil
}

// RecordUsage 在一次提交中更新通路强度与目标智能体的信任分，任一步失败两者都不变。
// 已铸造的通路会排队同步强度，同步失败只记录日志。
func (c *Coordinator) RecordUsage(ctx context.Context, pathwayID string, outcome graph.Outcome) (res UsageResult, err error) {
	ctx, span := tracing.Start(ctx, "mesh.record_usage",
		attribute.String("pathway_id", pathwayID), attribute.String("outcome", string(outcome)))
	defer func() { tracing.End(span, err) }()

	adjust, err := c.trust.Adjustment(outcome)
	if err != nil {
		return UsageResult{}, err
	}
	p, target, err := c.graph.RecordUsageWith(ctx, pathwayID, outcome, adjust)
	if err != nil {
		return UsageResult{}, err
	}
	score := target.TrustScore
	metrics.ObservePathwayUsage(string(outcome))
	c.emit(events.PathwayUsageRecorded, events.WithPathway(p.ID), events.WithAgent(p.TargetID),
		events.WithAttr("outcome", string(outcome)),
		events.WithAttr("strength", strconv.FormatFloat(p.Strength, 'f', -1, 64)),
		events.WithAttr("usage_count", strconv.FormatUint(p.UsageCount, 10)))

	if p.Tokenized() && c.bridge != nil {
		if err := c.bridge.QueueStrengthSync(ctx, p.ID); err != nil {
			c.logger.Warn("强度同步排队失败", slog.String("pathway_id", p.ID), slog.Any("error", err))
		}
	}
	return UsageResult{Pathway: p, TargetTrust: score}, nil
}

// FindConnections 惰性产出从 agentID 可达的智能体。maxDepth 为 0 表示使用默认深度，负数被拒绝。
func (c *Coordinator) FindConnections(agentID string, maxDepth int, minStrength float64) (iter.Seq[graph.Connection], error) {
	if maxDepth < 0 {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, fmt.Sprintf("max depth %d must not be negative", maxDepth),
			xerrors.WithMetadata("max_depth", strconv.Itoa(maxDepth)))
	}
	if maxDepth == 0 {
		maxDepth = c.maxDepth
	}
	return c.graph.FindConnections(agentID, maxDepth, minStrength)
}

// GetPathway 返回通路。
func (c *Coordinator) GetPathway(id string) (graph.Pathway, error) {
	return c.graph.GetPathway(id)
}

// LookupPathway 按有序节点对查找通路，双向通路两个方向都能命中。
func (c *Coordinator) LookupPathway(sourceID, targetID string) (graph.Pathway, error) {
	return c.graph.Lookup(sourceID, targetID)
}

// ListPathways 返回符合条件的通路。
func (c *Coordinator) ListPathways(filter graph.PathwayFilter) []graph.Pathway {
	return c.graph.ListPathways(filter)
}

// SetPathwayStatus 修改通路状态。
func (c *Coordinator) SetPathwayStatus(ctx context.Context, pathwayID string, status graph.PathwayStatus) (graph.Pathway, error) {
	return c.graph.SetPathwayStatus(ctx, pathwayID, status)
}

// GenerateToken 请求为通路铸造代币。
func (c *Coordinator) GenerateToken(ctx context.Context, pathwayID string, opts tokenization.GenerateOptions) (tokenization.MintRecord, error) {
	if c.bridge == nil {
		return tokenization.MintRecord{}, ErrTokenizationDisabled
	}
	return c.bridge.GenerateToken(ctx, pathwayID, opts)
}

// TokenStatus 返回通路的铸造状态。
func (c *Coordinator) TokenStatus(ctx context.Context, pathwayID string) (tokenization.MintRecord, error) {
	if c.bridge == nil {
		p, err := c.graph.GetPathway(pathwayID)
		if err != nil {
			return tokenization.MintRecord{}, err
		}
		return tokenization.MintRecord{PathwayID: p.ID, State: tokenization.StateUntokenized}, nil
	}
	return c.bridge.TokenStatus(ctx, pathwayID)
}

// AwaitToken 阻塞直到铸造进入终态或 ctx 结束。
func (c *Coordinator) AwaitToken(ctx context.Context, pathwayID string) (tokenization.MintRecord, error) {
	if c.bridge == nil {
		return tokenization.MintRecord{}, ErrTokenizationDisabled
	}
	return c.bridge.Await(ctx, pathwayID)
}

// ReconcileToken 使通路的铸造记录与链上状态一致。
func (c *Coordinator) ReconcileToken(ctx context.Context, pathwayID string) (tokenization.MintRecord, error) {
	if c.bridge == nil {
		return tokenization.MintRecord{}, ErrTokenizationDisabled
	}
	return c.bridge.Reconcile(ctx, pathwayID)
}

// Mints 列出铸造记录。
func (c *Coordinator) Mints(ctx context.Context, state tokenization.State) ([]tokenization.MintRecord, error) {
	if c.bridge == nil {
		return nil, nil
	}
	return c.bridge.Mints(ctx, state)
}
