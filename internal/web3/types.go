package web3

import (
	"context"
	"math"
	"strings"
	"time"

	xerrors "CognitiveMesh/internal/errors"
)

// TxKind identifies the registry call a transaction performs.
type TxKind string

const (
	TxMint           TxKind = "mint"
	TxUpdateStrength TxKind = "update_strength"
)

// TxData is the chain-neutral description of a registry transaction.
type TxData struct {
	Kind       TxKind `json:"kind"`
	PathwayKey string `json:"pathway_key"`
	TokenID    string `json:"token_id,omitempty"`
	Recipient  string `json:"recipient,omitempty"`
	URI        string `json:"uri,omitempty"`
	Strength   uint8  `json:"strength"`
}

// Validate checks the fields required by each kind.
func (t TxData) Validate() error {
	switch t.Kind {
	case TxMint:
		if strings.TrimSpace(t.PathwayKey) == "" {
			return xerrors.New(xerrors.CodeInvalidArgument, "mint requires a pathway key")
		}
	case TxUpdateStrength:
		if strings.TrimSpace(t.TokenID) == "" {
			return xerrors.New(xerrors.CodeInvalidArgument, "strength update requires a token id")
		}
	default:
		return xerrors.New(xerrors.CodeInvalidArgument, "unknown transaction kind "+string(t.Kind))
	}
	if t.Strength > MaxEncodedStrength {
		return xerrors.New(xerrors.CodeInvalidRange, "encoded strength exceeds 100")
	}
	return nil
}

// PendingHandle references a submitted, not yet confirmed transaction.
type PendingHandle struct {
	Chain       string    `json:"chain"`
	TxHash      string    `json:"tx_hash"`
	Kind        TxKind    `json:"kind"`
	PathwayKey  string    `json:"pathway_key,omitempty"`
	Nonce       uint64    `json:"nonce"`
	SubmittedAt time.Time `json:"submitted_at"`
}

// Outcome is the terminal result of a confirmation wait.
type Outcome string

const (
	OutcomeSuccess Outcome = "success"
	OutcomeFailed  Outcome = "failed"
	OutcomeTimeout Outcome = "timeout"
)

// Receipt carries the on-chain result of a confirmed transaction.
type Receipt struct {
	TxHash      string `json:"tx_hash"`
	BlockNumber uint64 `json:"block_number"`
	GasUsed     uint64 `json:"gas_used"`
	TokenID     string `json:"token_id,omitempty"`
}

// Confirmation is returned by Adapter.Confirm.
type Confirmation struct {
	Outcome Outcome  `json:"outcome"`
	Receipt *Receipt `json:"receipt,omitempty"`
	Reason  string   `json:"reason,omitempty"`
}

// Adapter hides per-chain RPC differences behind one contract.
//
// Submit returns as soon as the transaction is accepted by the node. Confirm
// waits for a terminal outcome; when the deadline passes it reports
// OutcomeTimeout, and when ctx is cancelled first it returns ctx.Err() without
// an outcome. Nothing else retries: resubmission is the caller's decision.
type Adapter interface {
	Chain() string
	Connect(ctx context.Context) error
	IsConnected() bool
	Submit(ctx context.Context, tx TxData) (PendingHandle, error)
	Confirm(ctx context.Context, handle PendingHandle, deadline time.Duration) (Confirmation, error)
	// QueryExistence looks the pathway key up in the chain's canonical registry.
	QueryExistence(ctx context.Context, pathwayKey string) (tokenID string, found bool, err error)
	Close() error
}

// MaxEncodedStrength is the on-chain scale of pathway strength.
const MaxEncodedStrength = 100

// EncodeStrength maps a [0,1] strength to the 0..100 on-chain byte.
func EncodeStrength(strength float64) uint8 {
	if math.IsNaN(strength) || strength <= 0 {
		return 0
	}
	if strength >= 1 {
		return MaxEncodedStrength
	}
	return uint8(math.Round(strength * MaxEncodedStrength))
}

// DecodeStrength is the inverse of EncodeStrength.
func DecodeStrength(v uint8) float64 {
	if v > MaxEncodedStrength {
		v = MaxEncodedStrength
	}
	return float64(v) / MaxEncodedStrength
}
