// Package graph 维护智能体与通路构成的权威内存图。
//
// 通路记录只存放在一个以合成 ID 为键的 arena 中，正向与反向索引都指向同一个 ID，
// 因此双向通路从任意一端修改都作用于同一条记录。结构性变更持有图级写锁，
// 单条通路与单个智能体的更新只持有各自的互斥锁。
package graph

import (
	"context"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

type edgeKey struct {
	from string
	to   string
}

type agentSlot struct {
	mu    sync.Mutex
	agent Agent
}

type pathwaySlot struct {
	mu      sync.Mutex
	pathway Pathway
	// target 与 pathway.TargetID 相同，不可变，无需持锁读取。
	target string
}

// Graph 是智能体通路图。锁顺序：先 g.mu，再槽位锁；同时持有两个槽位锁时先通路后智能体。
type Graph struct {
	mu        sync.RWMutex
	agents    map[string]*agentSlot
	pathways  map[string]*pathwaySlot
	forward   map[edgeKey]string
	reverse   map[edgeKey]string
	adjacency map[string]map[string]string
	links     map[string]map[string]ChainLink
	canonical map[string]string

	policy  Policy
	journal Journal
	now     func() time.Time
	newID   func() string
}

// Option 配置 Graph。
type Option func(*Graph)

// WithPolicy 设置强度策略。
func WithPolicy(p Policy) Option {
	return func(g *Graph) {
		g.policy = p
	}
}

// WithJournal 设置持久化日志。
func WithJournal(j Journal) Option {
	return func(g *Graph) {
		if j != nil {
			g.journal = j
		}
	}
}

// WithClock 替换时间源，主要用于测试。
func WithClock(now func() time.Time) Option {
	return func(g *Graph) {
		if now != nil {
			g.now = now
		}
	}
}

// WithIDGenerator 替换通路 ID 生成器。
func WithIDGenerator(fn func() string) Option {
	return func(g *Graph) {
		if fn != nil {
			g.newID = fn
		}
	}
}

// New 构造空图。
func New(opts ...Option) (*Graph, error) {
	g := &Graph{
		agents:    make(map[string]*agentSlot),
		pathways:  make(map[string]*pathwaySlot),
		forward:   make(map[edgeKey]string),
		reverse:   make(map[edgeKey]string),
		adjacency: make(map[string]map[string]string),
		links:     make(map[string]map[string]ChainLink),
		canonical: make(map[string]string),
		policy:    DefaultPolicy(),
		journal:   nopJournal{},
		now:       time.Now,
		newID:     uuid.NewString,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(g)
		}
	}
	if err := g.policy.Validate(); err != nil {
		return nil, err
	}
	return g, nil
}

// Policy 返回当前的强度策略。
func (g *Graph) Policy() Policy {
	return g.policy
}

func (g *Graph) timestamp() time.Time {
	return g.now().UTC()
}

func validateAgent(a Agent) error {
	if strings.TrimSpace(a.ID) == "" {
		return invalidArgument("agent id is required")
	}
	if strings.TrimSpace(a.Name) == "" {
		return invalidArgument("agent name is required")
	}
	if strings.TrimSpace(a.Chain) == "" {
		return invalidArgument("agent chain is required")
	}
	if a.Chain != NormalizeChain(a.Chain) {
		return invalidArgument("agent chain %q is not normalized", a.Chain)
	}
	if !a.Status.Valid() {
		return invalidArgument("unknown agent status %q", a.Status)
	}
	if !inUnit(a.TrustScore) {
		return invalidRange("trust_score", a.TrustScore)
	}
	return nil
}

func (g *Graph) prepareAgent(agent Agent) (Agent, error) {
	agent = agent.Clone()
	if agent.Status == "" {
		agent.Status = AgentActive
	}
	agent.Capabilities = NormalizeCapabilities(agent.Capabilities)
	agent.Chain = NormalizeChain(agent.Chain)
	agent.SourceChain = NormalizeChain(agent.SourceChain)
	if err := validateAgent(agent); err != nil {
		return Agent{}, err
	}
	now := g.timestamp()
	if agent.CreatedAt.IsZero() {
		agent.CreatedAt = now
	}
	if agent.TrustUpdatedAt.IsZero() {
		agent.TrustUpdatedAt = now
	}
	agent.UpdatedAt = now
	return agent, nil
}

// AddAgent 插入新的智能体。镜像智能体必须引用已存在的源智能体。
func (g *Graph) AddAgent(ctx context.Context, agent Agent) (Agent, error) {
	agent, err := g.prepareAgent(agent)
	if err != nil {
		return Agent{}, err
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	if _, exists := g.agents[agent.ID]; exists {
		return Agent{}, ErrDuplicateAgent
	}
	if agent.SourceAgentID != "" {
		source, ok := g.agents[agent.SourceAgentID]
		if !ok {
			return Agent{}, agentNotFound(agent.SourceAgentID)
		}
		source.mu.Lock()
		sourceChain := source.agent.Chain
		source.mu.Unlock()
		if agent.SourceChain == "" {
			agent.SourceChain = sourceChain
		} else if agent.SourceChain != sourceChain {
			return Agent{}, invalidArgument("source chain %s does not match agent %s", agent.SourceChain, agent.SourceAgentID)
		}
	}
	if err := g.journal.SaveAgent(ctx, agent); err != nil {
		return Agent{}, journalFailure(err)
	}
	g.agents[agent.ID] = &agentSlot{agent: agent}
	return agent.Clone(), nil
}

// GetAgent 返回智能体的拷贝。
func (g *Graph) GetAgent(id string) (Agent, error) {
	slot, ok := g.agentSlot(id)
	if !ok {
		return Agent{}, agentNotFound(id)
	}
	slot.mu.Lock()
	defer slot.mu.Unlock()
	return slot.agent.Clone(), nil
}

// HasAgent 判断智能体是否存在。
func (g *Graph) HasAgent(id string) bool {
	_, ok := g.agentSlot(id)
	return ok
}

func (g *Graph) agentSlot(id string) (*agentSlot, bool) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	slot, ok := g.agents[id]
	return slot, ok
}

// MutateAgent 在智能体锁内执行 fn，校验通过后写入。ID、归属链与镜像关系不可修改。
func (g *Graph) MutateAgent(ctx context.Context, id string, fn func(*Agent) error) (Agent, error) {
	slot, ok := g.agentSlot(id)
	if !ok {
		return Agent{}, agentNotFound(id)
	}
	slot.mu.Lock()
	defer slot.mu.Unlock()

	next, err := g.nextAgent(slot.agent, fn)
	if err != nil {
		return Agent{}, err
	}
	if err := g.journal.SaveAgent(ctx, next); err != nil {
		return Agent{}, journalFailure(err)
	}
	slot.agent = next
	return next.Clone(), nil
}

// nextAgent 在 prev 的拷贝上执行 fn 并校验结果，调用方持有智能体槽位锁。
func (g *Graph) nextAgent(prev Agent, fn func(*Agent) error) (Agent, error) {
	next := prev.Clone()
	if err := fn(&next); err != nil {
		return Agent{}, err
	}
	if next.ID != prev.ID || next.Chain != prev.Chain || next.SourceAgentID != prev.SourceAgentID ||
		next.SourceChain != prev.SourceChain || !next.CreatedAt.Equal(prev.CreatedAt) {
		return Agent{}, invalidArgument("agent %s identity fields are immutable", prev.ID)
	}
	next.Capabilities = NormalizeCapabilities(next.Capabilities)
	if err := validateAgent(next); err != nil {
		return Agent{}, err
	}
	next.UpdatedAt = g.timestamp()
	return next, nil
}

// ListAgents 返回符合条件的智能体，按创建时间与 ID 排序。
func (g *Graph) ListAgents(filter AgentFilter) []Agent {
	g.mu.RLock()
	slots := make([]*agentSlot, 0, len(g.agents))
	for _, slot := range g.agents {
		slots = append(slots, slot)
	}
	g.mu.RUnlock()

	out := make([]Agent, 0, len(slots))
	for _, slot := range slots {
		slot.mu.Lock()
		a := slot.agent.Clone()
		slot.mu.Unlock()
		if filter.match(a) {
			out = append(out, a)
		}
	}
	slices.SortFunc(out, func(a, b Agent) int {
		if c := a.CreatedAt.Compare(b.CreatedAt); c != 0 {
			return c
		}
		return strings.Compare(a.ID, b.ID)
	})
	return out
}

// AddPathway 创建 source 到 target 的通路。
//
// 有序节点对已被正向或反向索引占用时返回冲突；双向通路还要求反向节点对空闲。
func (g *Graph) AddPathway(ctx context.Context, sourceID, targetID string, attrs PathwayAttrs) (Pathway, error) {
	if sourceID == "" || targetID == "" {
		return Pathway{}, invalidArgument("source and target are required")
	}
	if sourceID == targetID {
		return Pathway{}, ErrSelfLoop
	}
	strength := g.policy.DefaultStrength
	if attrs.Strength != nil {
		strength = *attrs.Strength
	}
	if !inUnit(strength) {
		return Pathway{}, invalidRange("strength", strength)
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	source, ok := g.agents[sourceID]
	if !ok {
		return Pathway{}, agentNotFound(sourceID)
	}
	target, ok := g.agents[targetID]
	if !ok {
		return Pathway{}, agentNotFound(targetID)
	}
	// 端点状态检查与插入在同一临界区内完成，并发的状态变更只能发生在其前后。
	source.mu.Lock()
	defer source.mu.Unlock()
	target.mu.Lock()
	defer target.mu.Unlock()
	if attrs.RequireActive {
		for _, a := range []Agent{source.agent, target.agent} {
			if a.Status != AgentActive {
				return Pathway{}, agentInactive(a)
			}
		}
	}
	crossChain := attrs.CrossChain || source.agent.Chain != target.agent.Chain
	fwd := edgeKey{from: sourceID, to: targetID}
	rev := edgeKey{from: targetID, to: sourceID}
	if g.occupied(fwd) || (attrs.Bidirectional && g.occupied(rev)) {
		return Pathway{}, ErrDuplicatePathway
	}

	now := g.timestamp()
	p := Pathway{
		ID:            g.newID(),
		SourceID:      sourceID,
		TargetID:      targetID,
		Strength:      ClampUnit(strength),
		Bidirectional: attrs.Bidirectional,
		CrossChain:    crossChain,
		Status:        PathwayActive,
		Metadata:      cloneStrings(attrs.Metadata),
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	if _, clash := g.pathways[p.ID]; clash {
		return Pathway{}, ErrDuplicatePathway
	}
	if err := g.journal.SavePathway(ctx, p); err != nil {
		return Pathway{}, journalFailure(err)
	}
	g.insertPathway(p)
	return p.Clone(), nil
}

func (g *Graph) occupied(k edgeKey) bool {
	if _, ok := g.forward[k]; ok {
		return true
	}
	_, ok := g.reverse[k]
	return ok
}

// insertPathway 要求调用方持有 g.mu 写锁。
func (g *Graph) insertPathway(p Pathway) {
	g.pathways[p.ID] = &pathwaySlot{pathway: p, target: p.TargetID}
	g.forward[edgeKey{from: p.SourceID, to: p.TargetID}] = p.ID
	g.link(p.SourceID, p.TargetID, p.ID)
	if p.Bidirectional {
		g.reverse[edgeKey{from: p.TargetID, to: p.SourceID}] = p.ID
		g.link(p.TargetID, p.SourceID, p.ID)
	}
}

func (g *Graph) link(from, to, id string) {
	next, ok := g.adjacency[from]
	if !ok {
		next = make(map[string]string)
		g.adjacency[from] = next
	}
	next[to] = id
}

// GetPathway 按 ID 返回通路拷贝。
func (g *Graph) GetPathway(id string) (Pathway, error) {
	slot, ok := g.pathwaySlot(id)
	if !ok {
		return Pathway{}, pathwayNotFound(id)
	}
	slot.mu.Lock()
	defer slot.mu.Unlock()
	return slot.pathway.Clone(), nil
}

// Lookup 按有序节点对查找通路，双向通路可从任意一端解析。
func (g *Graph) Lookup(sourceID, targetID string) (Pathway, error) {
	g.mu.RLock()
	k := edgeKey{from: sourceID, to: targetID}
	id, ok := g.forward[k]
	if !ok {
		id, ok = g.reverse[k]
	}
	var slot *pathwaySlot
	if ok {
		slot = g.pathways[id]
	}
	g.mu.RUnlock()
	if slot == nil {
		return Pathway{}, pairNotFound(sourceID, targetID)
	}
	slot.mu.Lock()
	defer slot.mu.Unlock()
	return slot.pathway.Clone(), nil
}

func (g *Graph) pathwaySlot(id string) (*pathwaySlot, bool) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	slot, ok := g.pathways[id]
	return slot, ok
}

// ListPathways 返回符合条件的通路，按创建时间与 ID 排序。
func (g *Graph) ListPathways(filter PathwayFilter) []Pathway {
	g.mu.RLock()
	slots := make([]*pathwaySlot, 0, len(g.pathways))
	for _, slot := range g.pathways {
		slots = append(slots, slot)
	}
	g.mu.RUnlock()

	out := make([]Pathway, 0, len(slots))
	for _, slot := range slots {
		slot.mu.Lock()
		p := slot.pathway.Clone()
		slot.mu.Unlock()
		if filter.match(p) {
			out = append(out, p)
		}
	}
	slices.SortFunc(out, func(a, b Pathway) int {
		if c := a.CreatedAt.Compare(b.CreatedAt); c != 0 {
			return c
		}
		return strings.Compare(a.ID, b.ID)
	})
	return out
}

// PathwaysOf 返回与智能体相连的全部通路。
func (g *Graph) PathwaysOf(agentID string) ([]Pathway, error) {
	if !g.HasAgent(agentID) {
		return nil, agentNotFound(agentID)
	}
	return g.ListPathways(PathwayFilter{AgentID: agentID}), nil
}

// RecordUsage 记录一次通路调用：计数加一、刷新最近使用时间并按结果调整强度。
// 同一通路上的并发调用由通路锁串行化。
func (g *Graph) RecordUsage(ctx context.Context, pathwayID string, outcome Outcome) (Pathway, error) {
	if !outcome.Valid() {
		return Pathway{}, invalidArgument("unknown outcome %q", outcome)
	}
	return g.mutatePathway(ctx, pathwayID, func(p *Pathway) error {
		return g.applyUsage(p, outcome)
	})
}

// RecordUsageWith 在记录调用的同一临界区内用 adjust 更新目标智能体，
// 通路与智能体通过 Journal.SaveUsage 一起持久化，任一步失败时两者都保持原样。
func (g *Graph) RecordUsageWith(ctx context.Context, pathwayID string, outcome Outcome, adjust func(*Agent) error) (Pathway, Agent, error) {
	if !outcome.Valid() {
		return Pathway{}, Agent{}, invalidArgument("unknown outcome %q", outcome)
	}
	if adjust == nil {
		p, err := g.RecordUsage(ctx, pathwayID, outcome)
		return p, Agent{}, err
	}

	g.mu.RLock()
	pslot, ok := g.pathways[pathwayID]
	var aslot *agentSlot
	if ok {
		aslot = g.agents[pslot.target]
	}
	g.mu.RUnlock()
	if !ok {
		return Pathway{}, Agent{}, pathwayNotFound(pathwayID)
	}
	if aslot == nil {
		return Pathway{}, Agent{}, agentNotFound(pslot.target)
	}

	pslot.mu.Lock()
	defer pslot.mu.Unlock()
	aslot.mu.Lock()
	defer aslot.mu.Unlock()

	next := pslot.pathway.Clone()
	if err := g.applyUsage(&next, outcome); err != nil {
		return Pathway{}, Agent{}, err
	}
	next.UpdatedAt = g.timestamp()
	target, err := g.nextAgent(aslot.agent, adjust)
	if err != nil {
		return Pathway{}, Agent{}, err
	}
	if err := g.journal.SaveUsage(ctx, next, target); err != nil {
		return Pathway{}, Agent{}, journalFailure(err)
	}
	pslot.pathway = next
	aslot.agent = target
	return next.Clone(), target.Clone(), nil
}

func (g *Graph) applyUsage(p *Pathway, outcome Outcome) error {
	if p.Status != PathwayActive {
		return pathwayInactive(p.ID)
	}
	now := g.timestamp()
	p.UsageCount++
	if outcome == OutcomeSuccess {
		p.SuccessCount++
	} else {
		p.FailureCount++
	}
	p.LastUsedAt = &now
	p.Strength = g.policy.Apply(p.Strength, outcome)
	return nil
}

// SetPathwayStatus 修改通路状态。停用的通路不参与遍历，也不再记录调用。
func (g *Graph) SetPathwayStatus(ctx context.Context, pathwayID string, status PathwayStatus) (Pathway, error) {
	if !status.Valid() {
		return Pathway{}, invalidArgument("unknown pathway status %q", status)
	}
	return g.mutatePathway(ctx, pathwayID, func(p *Pathway) error {
		p.Status = status
		return nil
	})
}

// SetToken 绑定链上代币。重复写入相同代币视为成功，写入不同代币返回冲突。
func (g *Graph) SetToken(ctx context.Context, pathwayID string, handle TokenHandle) (Pathway, error) {
	if handle.Chain == "" || handle.TokenID == "" {
		return Pathway{}, invalidArgument("token chain and id are required")
	}
	var unchanged bool
	p, err := g.mutatePathway(ctx, pathwayID, func(p *Pathway) error {
		if p.Token != nil {
			if p.Token.Chain == handle.Chain && p.Token.TokenID == handle.TokenID {
				unchanged = true
				return nil
			}
			return ErrAlreadyTokenized
		}
		if handle.MintedAt.IsZero() {
			handle.MintedAt = g.timestamp()
		}
		p.Token = &handle
		return nil
	}, skipWhen(&unchanged))
	return p, err
}

type mutateOption func(*mutateConfig)

type mutateConfig struct {
	skip *bool
}

// skipWhen 在 fn 把 flag 置为 true 时跳过持久化与时间戳更新。
func skipWhen(flag *bool) mutateOption {
	return func(c *mutateConfig) {
		c.skip = flag
	}
}

func (g *Graph) mutatePathway(ctx context.Context, pathwayID string, fn func(*Pathway) error, opts ...mutateOption) (Pathway, error) {
	var cfg mutateConfig
	for _, opt := range opts {
		opt(&cfg)
	}
	slot, ok := g.pathwaySlot(pathwayID)
	if !ok {
		return Pathway{}, pathwayNotFound(pathwayID)
	}
	slot.mu.Lock()
	defer slot.mu.Unlock()

	next := slot.pathway.Clone()
	if err := fn(&next); err != nil {
		return Pathway{}, err
	}
	if cfg.skip != nil && *cfg.skip {
		return slot.pathway.Clone(), nil
	}
	next.UpdatedAt = g.timestamp()
	if err := g.journal.SavePathway(ctx, next); err != nil {
		return Pathway{}, journalFailure(err)
	}
	slot.pathway = next
	return next.Clone(), nil
}
