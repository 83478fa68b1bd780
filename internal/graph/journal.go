package graph

import "context"

// Journal 在内存变更生效前持久化记录。返回错误时变更被放弃。
type Journal interface {
	SaveAgent(ctx context.Context, agent Agent) error
	SavePathway(ctx context.Context, pathway Pathway) error
	// SaveUsage 原子地保存一次调用后的通路与目标智能体。
	SaveUsage(ctx context.Context, pathway Pathway, target Agent) error
	// SaveMirror 原子地保存镜像智能体及其链接。
	SaveMirror(ctx context.Context, mirror Agent, link ChainLink) error
}

// Snapshot 是图的完整拷贝，用于持久化恢复。
type Snapshot struct {
	Agents   []Agent     `json:"agents"`
	Pathways []Pathway   `json:"pathways"`
	Links    []ChainLink `json:"links"`
}

// Loader 从持久层读取快照。
type Loader interface {
	LoadSnapshot(ctx context.Context) (Snapshot, error)
}

type nopJournal struct{}

func (nopJournal) SaveAgent(context.Context, Agent) error             { return nil }
func (nopJournal) SavePathway(context.Context, Pathway) error         { return nil }
func (nopJournal) SaveUsage(context.Context, Pathway, Agent) error     { return nil }
func (nopJournal) SaveMirror(context.Context, Agent, ChainLink) error { return nil }
