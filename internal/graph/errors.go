package graph

import (
	"fmt"

	xerrors "CognitiveMesh/internal/errors"
)

var (
	// ErrAgentNotFound 表示引用的智能体不存在。
	ErrAgentNotFound = xerrors.New(xerrors.CodeNotFound, "agent not found")
	// ErrPathwayNotFound 表示引用的通路不存在。
	ErrPathwayNotFound = xerrors.New(xerrors.CodeNotFound, "pathway not found")
	// ErrDuplicateAgent 表示智能体 ID 已被占用。
	ErrDuplicateAgent = xerrors.New(xerrors.CodeConflict, "agent already exists")
	// ErrDuplicatePathway 表示有序节点对上已存在通路。
	ErrDuplicatePathway = xerrors.New(xerrors.CodeConflict, "pathway already exists")
	// ErrSelfLoop 表示通路的两端是同一个智能体。
	ErrSelfLoop = xerrors.New(xerrors.CodeConflict, "pathway source and target must differ")
	// ErrAlreadyTokenized 表示通路已经绑定了另一个代币。
	ErrAlreadyTokenized = xerrors.New(xerrors.CodeConflict, "pathway already tokenized")
	// ErrDuplicateLink 表示该链上已存在镜像。
	ErrDuplicateLink = xerrors.New(xerrors.CodeConflict, "chain link already exists")
	// ErrAgentInactive 表示通路端点不是 active 状态。
	ErrAgentInactive = xerrors.New(xerrors.CodeConflict, "agent is not active")
	// ErrMirrorOnHomeChain 表示镜像与规范身份位于同一条链。
	ErrMirrorOnHomeChain = xerrors.New(xerrors.CodeConflict, "mirror chain is the home chain of its canonical agent")
)

func agentNotFound(id string) error {
	return xerrors.New(xerrors.CodeNotFound, fmt.Sprintf("agent %s not found", id), xerrors.WithMetadata("agent_id", id))
}

func pathwayNotFound(id string) error {
	return xerrors.New(xerrors.CodeNotFound, fmt.Sprintf("pathway %s not found", id), xerrors.WithMetadata("pathway_id", id))
}

func invalidArgument(format string, args ...any) error {
	return xerrors.New(xerrors.CodeInvalidArgument, fmt.Sprintf(format, args...))
}

func invalidRange(field string, value float64) error {
	return xerrors.New(xerrors.CodeInvalidRange, fmt.Sprintf("%s %.4f out of [0,1]", field, value))
}

func journalFailure(err error) error {
	if _, ok := xerrors.From(err); ok {
		return err
	}
	return xerrors.Wrap(xerrors.CodeStorageFailure, err, "persist graph mutation")
}

func pairNotFound(sourceID, targetID string) error {
	return xerrors.New(xerrors.CodeNotFound, fmt.Sprintf("no pathway between %s and %s", sourceID, targetID))
}

func pathwayInactive(id string) error {
	return xerrors.New(xerrors.CodeConflict, fmt.Sprintf("pathway %s is inactive", id), xerrors.WithMetadata("pathway_id", id))
}

func agentInactive(a Agent) error {
	return xerrors.Wrap(xerrors.CodeConflict, ErrAgentInactive, fmt.Sprintf("agent %s is %s", a.ID, a.Status),
		xerrors.WithMetadata("agent_id", a.ID))
}
