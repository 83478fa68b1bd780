// Package tokenization 把通路铸造为链上代币。
//
// 铸造状态机为 untokenized → minting → tokenized，mint_failed 为可重试的终态。
// 同一通路的“存在性检查 + 认领”在通路锁内完成，认领本身是账本上的 CAS，
// 因此并发的两次铸造请求最多只有一次真正提交交易。
package tokenization

import (
	"time"

	xerrors "CognitiveMesh/internal/errors"
)

// State 表示通路的铸造状态。
type State string

const (
	StateUntokenized State = "untokenized"
	StateMinting     State = "minting"
	StateTokenized   State = "tokenized"
	StateMintFailed  State = "mint_failed"
)

// Terminal 表示状态不会再自行变化。
func (s State) Terminal() bool {
	return s != StateMinting
}

// CodeMintReverted 表示铸造交易在链上被回滚。
const CodeMintReverted xerrors.Code = "MINT_REVERTED"

func init() {
	xerrors.Register(CodeMintReverted, xerrors.Attributes{
		Message:    "mint transaction reverted",
		Severity:   xerrors.SeverityWarning,
		Retryable:  true,
		Alert:      true,
		HTTPStatus: 502,
	})
}

var (
	// ErrMintInProgress 表示通路已有进行中的铸造。
	ErrMintInProgress = xerrors.New(xerrors.CodeConflict, "mint already in progress")
	// ErrAlreadyTokenized 表示通路已经铸造过代币。
	ErrAlreadyTokenized = xerrors.New(xerrors.CodeConflict, "pathway already tokenized")
	// ErrStaleConfirmation 表示确认结果与账本记录的交易不一致。
	ErrStaleConfirmation = xerrors.New(xerrors.CodeConflict, "confirmation does not match the recorded transaction")
	// ErrMintNotFound 表示账本中没有该通路的记录。
	ErrMintNotFound = xerrors.New(xerrors.CodeNotFound, "mint record not found")
)

// MintRecord 是铸造账本中的一条记录。
type MintRecord struct {
	PathwayID string    `json:"pathway_id"`
	State     State     `json:"state"`
	Chain     string    `json:"chain,omitempty"`
	TxHash    string    `json:"tx_hash,omitempty"`
	TokenID   string    `json:"token_id,omitempty"`
	Attempts  int       `json:"attempts"`
	LastError string    `json:"last_error,omitempty"`
	Owner     string    `json:"owner,omitempty"`
	URI       string    `json:"uri,omitempty"`
	UpdatedAt time.Time `json:"updated_at"`
}

// ClaimRequest 描述一次铸造认领。
type ClaimRequest struct {
	PathwayID string
	Chain     string
	Owner     string
	URI       string
}

// Completion 描述一次成功确认；TxHash 为空表示采纳链上已有代币。
type Completion struct {
	Chain   string
	TxHash  string
	TokenID string
}

// Claim 把记录置为 minting。minting 与 tokenized 状态返回冲突。
func (r MintRecord) Claim(req ClaimRequest, now time.Time) (MintRecord, error) {
	switch r.State {
	case StateMinting:
		return r, ErrMintInProgress
	case StateTokenized:
		return r, ErrAlreadyTokenized
	}
	r.PathwayID = req.PathwayID
	r.State = StateMinting
	r.Chain = req.Chain
	r.Owner = req.Owner
	r.URI = req.URI
	r.TxHash = ""
	r.TokenID = ""
	r.LastError = ""
	r.Attempts++
	r.UpdatedAt = now
	return r, nil
}

// Submitted 记录已广播的交易哈希。
func (r MintRecord) Submitted(txHash string, now time.Time) (MintRecord, error) {
	if r.State != StateMinting {
		return r, xerrors.New(xerrors.CodeConflict, "mint is not in progress")
	}
	r.TxHash = txHash
	r.UpdatedAt = now
	return r, nil
}

// Complete 把记录置为 tokenized。changed 为 false 表示记录已是同一结果。
//
// minting 记录只接受其当前交易的确认。mint_failed 记录接受任何一次提交的成功确认，
// 包括更早一次尝试的迟到确认：每条通路在链上至多有一个代币。
func (r MintRecord) Complete(c Completion, now time.Time) (MintRecord, bool, error) {
	switch r.State {
	case StateTokenized:
		if r.TokenID == c.TokenID && r.Chain == c.Chain {
			return r, false, nil
		}
		return r, false, ErrAlreadyTokenized
	case StateMinting:
		if c.TxHash == "" || (r.TxHash != "" && c.TxHash != r.TxHash) {
			return r, false, ErrStaleConfirmation
		}
	}
	r.State = StateTokenized
	r.Chain = c.Chain
	r.TokenID = c.TokenID
	// 采纳时不知道铸造交易，不沿用失败尝试的哈希。
	r.TxHash = c.TxHash
	r.LastError = ""
	r.UpdatedAt = now
	return r, true, nil
}

// Fail 把进行中的铸造置为 mint_failed。已失败的记录只更新原因。
func (r MintRecord) Fail(txHash, reason string, now time.Time) (MintRecord, error) {
	switch r.State {
	case StateTokenized:
		return r, ErrAlreadyTokenized
	case StateMinting, StateMintFailed:
		if r.TxHash != "" && txHash != r.TxHash {
			return r, ErrStaleConfirmation
		}
	default:
		return r, ErrMintNotFound
	}
	r.State = StateMintFailed
	r.LastError = reason
	r.UpdatedAt = now
	return r, nil
}
