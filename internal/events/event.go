// Package events 负责把网格中的领域事件分发给订阅方。
//
// 生产者通过 Dispatcher.Emit 投递事件，投递永不阻塞：缓冲区满时事件被丢弃并计数。
// 后台的 Run 循环把事件依次交给各个 Sink。
package events

import (
	"encoding/json"
	"time"

	"github.com/oklog/ulid/v2"
)

// Type 表示事件类型。
type Type string

// 网格发出的事件类型。
const (
	AgentRegistered      Type = "agent.registered"
	AgentMirrored        Type = "agent.mirrored"
	AgentReconciled      Type = "agent.reconciled"
	PathwayEstablished   Type = "pathway.established"
	PathwayUsageRecorded Type = "pathway.usage_recorded"
	PathwayTokenized     Type = "pathway.tokenized"
	PathwayMintFailed    Type = "pathway.mint_failed"
)

// Event 是一次领域事件。
type Event struct {
	ID         string            `json:"id"`
	Type       Type              `json:"type"`
	AgentID    string            `json:"agent_id,omitempty"`
	PathwayID  string            `json:"pathway_id,omitempty"`
	Chain      string            `json:"chain,omitempty"`
	Attributes map[string]string `json:"attributes,omitempty"`
	OccurredAt time.Time         `json:"occurred_at"`
}

// Field 设置事件的可选字段。
type Field func(*Event)

// WithAgent 关联智能体。
func WithAgent(id string) Field {
	return func(e *Event) { e.AgentID = id }
}

// WithPathway 关联通路。
func WithPathway(id string) Field {
	return func(e *Event) { e.PathwayID = id }
}

// WithChain 关联链。
func WithChain(chain string) Field {
	return func(e *Event) { e.Chain = chain }
}

// WithAttr 附加一个属性。
func WithAttr(key, value string) Field {
	return func(e *Event) {
		if e.Attributes == nil {
			e.Attributes = make(map[string]string)
		}
		e.Attributes[key] = value
	}
}

// New 创建事件，ID 为单调递增的 ULID。
func New(t Type, fields ...Field) Event {
	e := Event{ID: ulid.Make().String(), Type: t, OccurredAt: time.Now().UTC()}
	for _, f := range fields {
		if f != nil {
			f(&e)
		}
	}
	return e
}

// Encode 序列化事件。
func (e Event) Encode() ([]byte, error) {
	return json.Marshal(e)
}
