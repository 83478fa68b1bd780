package graph

import (
	"slices"
	"strings"
	"time"
)

// AgentStatus 表示智能体的生命周期状态。
type AgentStatus string

const (
	AgentActive   AgentStatus = "active"
	AgentInactive AgentStatus = "inactive"
	AgentLearning AgentStatus = "learning"
)

// Valid 判断状态是否合法。
func (s AgentStatus) Valid() bool {
	switch s {
	case AgentActive, AgentInactive, AgentLearning:
		return true
	}
	return false
}

// PathwayStatus 表示连接通路的状态。
type PathwayStatus string

const (
	PathwayActive   PathwayStatus = "active"
	PathwayInactive PathwayStatus = "inactive"
)

// Valid 判断状态是否合法。
func (s PathwayStatus) Valid() bool {
	return s == PathwayActive || s == PathwayInactive
}

// Outcome 表示一次通路调用的结果。
type Outcome string

const (
	OutcomeSuccess Outcome = "success"
	OutcomeFailure Outcome = "failure"
)

// Valid 判断结果是否合法。
func (o Outcome) Valid() bool {
	return o == OutcomeSuccess || o == OutcomeFailure
}

// Agent 描述网格中的一个智能体。
type Agent struct {
	ID             string            `json:"id"`
	Name           string            `json:"name"`
	Capabilities   []string          `json:"capabilities"`
	TrustScore     float64           `json:"trust_score"`
	TrustUpdatedAt time.Time         `json:"trust_updated_at"`
	Chain          string            `json:"chain"`
	Status         AgentStatus       `json:"status"`
	SourceChain    string            `json:"source_chain,omitempty"`
	SourceAgentID  string            `json:"source_agent_id,omitempty"`
	Metadata       map[string]string `json:"metadata,omitempty"`
	LastActiveAt   time.Time         `json:"last_active_at"`
	CreatedAt      time.Time         `json:"created_at"`
	UpdatedAt      time.Time         `json:"updated_at"`
}

// IsMirror 判断智能体是否为其他链上智能体的镜像。
func (a Agent) IsMirror() bool {
	return a.SourceAgentID != ""
}

// HasCapability 判断智能体是否具备指定能力。
func (a Agent) HasCapability(capability string) bool {
	_, found := slices.BinarySearch(a.Capabilities, capability)
	return found
}

// Clone 返回深拷贝。
func (a Agent) Clone() Agent {
	out := a
	out.Capabilities = slices.Clone(a.Capabilities)
	out.Metadata = cloneStrings(a.Metadata)
	return out
}

// TokenHandle 记录通路在链上对应的代币。
type TokenHandle struct {
	Chain    string    `json:"chain"`
	TokenID  string    `json:"token_id"`
	TxHash   string    `json:"tx_hash,omitempty"`
	MintedAt time.Time `json:"minted_at"`
}

// Pathway 是两个智能体之间带权重的连接。
type Pathway struct {
	ID            string            `json:"id"`
	SourceID      string            `json:"source_id"`
	TargetID      string            `json:"target_id"`
	Strength      float64           `json:"strength"`
	Bidirectional bool              `json:"bidirectional"`
	CrossChain    bool              `json:"cross_chain"`
	UsageCount    uint64            `json:"usage_count"`
	SuccessCount  uint64            `json:"success_count"`
	FailureCount  uint64            `json:"failure_count"`
	LastUsedAt    *time.Time        `json:"last_used_at,omitempty"`
	Token         *TokenHandle      `json:"token,omitempty"`
	Status        PathwayStatus     `json:"status"`
	Metadata      map[string]string `json:"metadata,omitempty"`
	CreatedAt     time.Time         `json:"created_at"`
	UpdatedAt     time.Time         `json:"updated_at"`
}

// Tokenized 判断通路是否已绑定链上代币。
func (p Pathway) Tokenized() bool {
	return p.Token != nil
}

// Touches 判断通路是否连接到指定智能体。
func (p Pathway) Touches(agentID string) bool {
	return p.SourceID == agentID || p.TargetID == agentID
}

// Clone 返回深拷贝。
func (p Pathway) Clone() Pathway {
	out := p
	if p.LastUsedAt != nil {
		ts := *p.LastUsedAt
		out.LastUsedAt = &ts
	}
	if p.Token != nil {
		tok := *p.Token
		out.Token = &tok
	}
	out.Metadata = cloneStrings(p.Metadata)
	return out
}

// PathwayAttrs 是创建通路时的可选属性。
type PathwayAttrs struct {
	// Strength 为空时使用策略中的默认强度。
	Strength      *float64
	Bidirectional bool
	// CrossChain 为 false 时按两端归属链自动判定。
	CrossChain    bool
	// RequireActive 要求两端智能体均为 active。
	RequireActive bool
	Metadata      map[string]string
}

// ChainLink 关联规范身份与其在某条链上的镜像。
type ChainLink struct {
	CanonicalID string    `json:"canonical_id"`
	Chain       string    `json:"chain"`
	MirrorID    string    `json:"mirror_id"`
	CreatedAt   time.Time `json:"created_at"`
}

// Connection 是 FindConnections 产出的一个可达智能体。
type Connection struct {
	AgentID   string  `json:"agent_id"`
	Depth     int     `json:"depth"`
	Via       string  `json:"via"`
	PathwayID string  `json:"pathway_id"`
	Strength  float64 `json:"strength"`
}

// AgentFilter 用于筛选智能体列表，零值字段不参与筛选。
type AgentFilter struct {
	Chain      string
	Status     AgentStatus
	Capability string
}

func (f AgentFilter) match(a Agent) bool {
	if f.Chain != "" && !strings.EqualFold(a.Chain, f.Chain) {
		return false
	}
	if f.Status != "" && a.Status != f.Status {
		return false
	}
	if f.Capability != "" && !a.HasCapability(f.Capability) {
		return false
	}
	return true
}

// PathwayFilter 用于筛选通路列表。
type PathwayFilter struct {
	AgentID         string
	Status          PathwayStatus
	Tokenized       *bool
	CrossChain      *bool
	MinimumStrength float64
}

func (f PathwayFilter) match(p Pathway) bool {
	if f.AgentID != "" && !p.Touches(f.AgentID) {
		return false
	}
	if f.Status != "" && p.Status != f.Status {
		return false
	}
	if f.Tokenized != nil && p.Tokenized() != *f.Tokenized {
		return false
	}
	if f.CrossChain != nil && p.CrossChain != *f.CrossChain {
		return false
	}
	return p.Strength >= f.MinimumStrength
}

// NormalizeChain 把链名规范为去除首尾空白的小写形式，链名比较一律基于规范形式。
func NormalizeChain(chain string) string {
	return strings.ToLower(strings.TrimSpace(chain))
}

// NormalizeCapabilities 去除空白与重复项并排序。
func NormalizeCapabilities(in []string) []string {
	out := make([]string, 0, len(in))
	for _, c := range in {
		c = strings.TrimSpace(c)
		if c != "" {
			out = append(out, c)
		}
	}
	slices.Sort(out)
	return slices.Compact(out)
}

func cloneStrings(in map[string]string) map[string]string {
	if len(in) == 0 {
		return nil
	}
	out := make(map[string]string, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}
