package graph

import (
	"context"
	"slices"
	"strings"
)

// AddMirror 原子地插入镜像智能体并登记 ChainLink。
//
// 镜像的 SourceAgentID 会被解析为规范身份：对镜像再做镜像时指向同一个规范智能体。
// 每个规范身份在每条链上至多一个镜像，且镜像不能位于规范身份的归属链。
func (g *Graph) AddMirror(ctx context.Context, mirror Agent) (Agent, ChainLink, error) {
	if mirror.SourceAgentID == "" {
		return Agent{}, ChainLink{}, invalidArgument("mirror must reference a source agent")
	}
	mirror, err := g.prepareAgent(mirror)
	if err != nil {
		return Agent{}, ChainLink{}, err
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	if _, exists := g.agents[mirror.ID]; exists {
		return Agent{}, ChainLink{}, ErrDuplicateAgent
	}
	canonicalID := mirror.SourceAgentID
	if root, ok := g.canonical[canonicalID]; ok {
		canonicalID = root
	}
	source, ok := g.agents[canonicalID]
	if !ok {
		return Agent{}, ChainLink{}, agentNotFound(mirror.SourceAgentID)
	}
	source.mu.Lock()
	homeChain := source.agent.Chain
	source.mu.Unlock()

	if homeChain == mirror.Chain {
		return Agent{}, ChainLink{}, ErrMirrorOnHomeChain
	}
	if _, dup := g.links[canonicalID][mirror.Chain]; dup {
		return Agent{}, ChainLink{}, ErrDuplicateLink
	}

	mirror.SourceAgentID = canonicalID
	mirror.SourceChain = homeChain
	link := ChainLink{
		CanonicalID: canonicalID,
		Chain:       mirror.Chain,
		MirrorID:    mirror.ID,
		CreatedAt:   mirror.CreatedAt,
	}
	if err := g.journal.SaveMirror(ctx, mirror, link); err != nil {
		return Agent{}, ChainLink{}, journalFailure(err)
	}
	g.agents[mirror.ID] = &agentSlot{agent: mirror}
	g.insertLink(link)
	return mirror.Clone(), link, nil
}

// insertLink 要求调用方持有 g.mu 写锁。
func (g *Graph) insertLink(link ChainLink) {
	byChain, ok := g.links[link.CanonicalID]
	if !ok {
		byChain = make(map[string]ChainLink)
		g.links[link.CanonicalID] = byChain
	}
	byChain[link.Chain] = link
	g.canonical[link.MirrorID] = link.CanonicalID
}

// Canonical 返回智能体的规范身份 ID，非镜像智能体返回自身。
func (g *Graph) Canonical(agentID string) (string, error) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	if _, ok := g.agents[agentID]; !ok {
		return "", agentNotFound(agentID)
	}
	if root, ok := g.canonical[agentID]; ok {
		return root, nil
	}
	return agentID, nil
}

// ChainLinks 返回规范身份的全部镜像链接，按链名排序。
func (g *Graph) ChainLinks(agentID string) ([]ChainLink, error) {
	canonicalID, err := g.Canonical(agentID)
	if err != nil {
		return nil, err
	}
	g.mu.RLock()
	out := make([]ChainLink, 0, len(g.links[canonicalID]))
	for _, link := range g.links[canonicalID] {
		out = append(out, link)
	}
	g.mu.RUnlock()
	slices.SortFunc(out, func(a, b ChainLink) int { return strings.Compare(a.Chain, b.Chain) })
	return out, nil
}

// Snapshot 返回图的完整拷贝。
func (g *Graph) Snapshot() Snapshot {
	snap := Snapshot{
		Agents:   g.ListAgents(AgentFilter{}),
		Pathways: g.ListPathways(PathwayFilter{}),
	}
	g.mu.RLock()
	for _, byChain := range g.links {
		for _, link := range byChain {
			snap.Links = append(snap.Links, link)
		}
	}
	g.mu.RUnlock()
	slices.SortFunc(snap.Links, func(a, b ChainLink) int {
		if c := strings.Compare(a.CanonicalID, b.CanonicalID); c != 0 {
			return c
		}
		return strings.Compare(a.Chain, b.Chain)
	})
	return snap
}

// Restore 把快照装入空图，不写持久化日志。引用缺失或重复的记录会使整个恢复失败。
func (g *Graph) Restore(snap Snapshot) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if len(g.agents) > 0 || len(g.pathways) > 0 {
		return invalidArgument("restore requires an empty graph")
	}

	agents := make(map[string]*agentSlot, len(snap.Agents))
	for _, a := range snap.Agents {
		a = a.Clone()
		a.Capabilities = NormalizeCapabilities(a.Capabilities)
		a.Chain = NormalizeChain(a.Chain)
		a.SourceChain = NormalizeChain(a.SourceChain)
		if err := validateAgent(a); err != nil {
			return err
		}
		if _, dup := agents[a.ID]; dup {
			return ErrDuplicateAgent
		}
		agents[a.ID] = &agentSlot{agent: a}
	}
	for _, slot := range agents {
		if ref := slot.agent.SourceAgentID; ref != "" {
			if _, ok := agents[ref]; !ok {
				return agentNotFound(ref)
			}
		}
	}

	staged := &Graph{
		pathways:  make(map[string]*pathwaySlot),
		forward:   make(map[edgeKey]string),
		reverse:   make(map[edgeKey]string),
		adjacency: make(map[string]map[string]string),
		links:     make(map[string]map[string]ChainLink),
		canonical: make(map[string]string),
	}
	for _, p := range snap.Pathways {
		if _, ok := agents[p.SourceID]; !ok {
			return agentNotFound(p.SourceID)
		}
		if _, ok := agents[p.TargetID]; !ok {
			return agentNotFound(p.TargetID)
		}
		if _, dup := staged.pathways[p.ID]; dup {
			return ErrDuplicatePathway
		}
		fwd := edgeKey{from: p.SourceID, to: p.TargetID}
		rev := edgeKey{from: p.TargetID, to: p.SourceID}
		if staged.occupied(fwd) || (p.Bidirectional && staged.occupied(rev)) {
			return ErrDuplicatePathway
		}
		p = p.Clone()
		p.Strength = ClampUnit(p.Strength)
		staged.insertPathway(p)
	}
	for _, link := range snap.Links {
		if _, ok := agents[link.CanonicalID]; !ok {
			return agentNotFound(link.CanonicalID)
		}
		if _, ok := agents[link.MirrorID]; !ok {
			return agentNotFound(link.MirrorID)
		}
		link.Chain = NormalizeChain(link.Chain)
		staged.insertLink(link)
	}

	g.agents = agents
	g.pathways = staged.pathways
	g.forward = staged.forward
	g.reverse = staged.reverse
	g.adjacency = staged.adjacency
	g.links = staged.links
	g.canonical = staged.canonical
	return nil
}

// Load 从 Loader 读取快照并构造图。
func Load(ctx context.Context, loader Loader, opts ...Option) (*Graph, error) {
	g, err := New(opts...)
	if err != nil {
		return nil, err
	}
	snap, err := loader.LoadSnapshot(ctx)
	if err != nil {
		return nil, journalFailure(err)
	}
	if err := g.Restore(snap); err != nil {
		return nil, err
	}
	return g, nil
}
