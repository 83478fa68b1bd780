package graph

import (
	"iter"
	"slices"
	"strings"
)

type hop struct {
	to        string
	pathwayID string
	strength  float64
}

// FindConnections 从 agentID 出发做广度优先遍历，惰性产出可达的智能体。
//
// 每个智能体全局只访问一次，因此环路上的遍历必然终止。强度低于 minStrength
// 或已停用的通路被跳过，深度不超过 maxDepth。同一层内按邻居 ID 升序展开。
// 遍历在每次展开时读取最新状态，不持有跨 yield 的锁。
func (g *Graph) FindConnections(agentID string, maxDepth int, minStrength float64) (iter.Seq[Connection], error) {
	if maxDepth < 0 {
		return nil, invalidArgument("max depth must not be negative")
	}
	if !inUnit(minStrength) {
		return nil, invalidRange("min_strength", minStrength)
	}
	if !g.HasAgent(agentID) {
		return nil, agentNotFound(agentID)
	}

	return func(yield func(Connection) bool) {
		visited := map[string]struct{}{agentID: {}}
		frontier := []string{agentID}
		for depth := 1; depth <= maxDepth && len(frontier) > 0; depth++ {
			var next []string
			for _, from := range frontier {
				for _, h := range g.neighbours(from, minStrength) {
					if _, seen := visited[h.to]; seen {
						continue
					}
					visited[h.to] = struct{}{}
					conn := Connection{
						AgentID:   h.to,
						Depth:     depth,
						Via:       from,
						PathwayID: h.pathwayID,
						Strength:  h.strength,
					}
					if !yield(conn) {
						return
					}
					next = append(next, h.to)
				}
			}
			frontier = next
		}
	}, nil
}

// Connections 是 FindConnections 的收集版本。
func (g *Graph) Connections(agentID string, maxDepth int, minStrength float64) ([]Connection, error) {
	seq, err := g.FindConnections(agentID, maxDepth, minStrength)
	if err != nil {
		return nil, err
	}
	return slices.Collect(seq), nil
}

func (g *Graph) neighbours(from string, minStrength float64) []hop {
	type edge struct {
		to   string
		slot *pathwaySlot
	}
	g.mu.RLock()
	edges := make([]edge, 0, len(g.adjacency[from]))
	for to, id := range g.adjacency[from] {
		edges = append(edges, edge{to: to, slot: g.pathways[id]})
	}
	g.mu.RUnlock()

	hops := make([]hop, 0, len(edges))
	for _, e := range edges {
		e.slot.mu.Lock()
		p := e.slot.pathway
		e.slot.mu.Unlock()
		if p.Status != PathwayActive || p.Strength < minStrength {
			continue
		}
		hops = append(hops, hop{to: e.to, pathwayID: p.ID, strength: p.Strength})
	}
	slices.SortFunc(hops, func(a, b hop) int { return strings.Compare(a.to, b.to) })
	return hops
}
