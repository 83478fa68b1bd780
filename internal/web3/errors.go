package web3

import (
	"context"
	stdErrors "errors"
	"fmt"

	xerrors "CognitiveMesh/internal/errors"
)

// ErrNotConnected is returned when an adapter is used before Connect.
var ErrNotConnected = xerrors.New(xerrors.CodeChainUnavailable, "chain adapter not connected")

// Unavailable wraps a transport failure as CHAIN_UNAVAILABLE. Errors that
// already carry a code and context cancellations pass through unchanged.
func Unavailable(chain string, cause error, action string) error {
	if cause == nil {
		return nil
	}
	if stdErrors.Is(cause, context.Canceled) || stdErrors.Is(cause, context.DeadlineExceeded) {
		return cause
	}
	if _, ok := xerrors.From(cause); ok {
		return cause
	}
	return xerrors.Wrap(xerrors.CodeChainUnavailable, cause, fmt.Sprintf("%s on %s", action, chain),
		xerrors.WithMetadata("chain", chain))
}

// TimedOut builds the CHAIN_TIMEOUT error for a confirmation that did not
// reach a terminal state before its deadline.
func TimedOut(handle PendingHandle, reason string) error {
	msg := fmt.Sprintf("transaction %s on %s not confirmed before deadline", handle.TxHash, handle.Chain)
	if reason != "" {
		msg += ": " + reason
	}
	return xerrors.New(xerrors.CodeChainTimeout, msg,
		xerrors.WithMetadata("chain", handle.Chain),
		xerrors.WithMetadata("tx_hash", handle.TxHash))
}
