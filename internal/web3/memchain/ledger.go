// Package memchain implements web3.Adapter over an in-process ledger. It keeps
// a canonical pathway registry with the same rules as the on-chain contract,
// so it serves both as a development chain and as the adapter used in tests.
package memchain

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	xerrors "CognitiveMesh/internal/errors"
	"CognitiveMesh/internal/web3"
)

type txState int

const (
	txPending txState = iota
	txMined
	txReverted
)

type ledgerTx struct {
	handle  web3.PendingHandle
	data    web3.TxData
	state   txState
	held    bool
	tokenID string
	block   uint64
	reason  string
}

// Ledger is an in-memory chain. Transactions are mined lazily once their
// confirmation delay has elapsed and they are not held.
type Ledger struct {
	name string

	mu        sync.Mutex
	nonce     uint64
	block     uint64
	nextToken uint64
	registry  map[string]string
	strengths map[string]uint8
	txs       map[string]*ledgerTx
	order     []string

	delay      time.Duration
	poll       web3.PollConfig
	holdAll    bool
	failSubmit []error
	revertNext int

	connected   atomic.Bool
	unreachable atomic.Bool
	submits     atomic.Int64
	now         func() time.Time
}

// Option configures a Ledger.
type Option func(*Ledger)

// WithConfirmDelay sets how long a transaction stays pending.
func WithConfirmDelay(d time.Duration) Option {
	return func(l *Ledger) {
		l.delay = d
	}
}

// WithPollConfig sets the confirmation backoff.
func WithPollConfig(cfg web3.PollConfig) Option {
	return func(l *Ledger) {
		l.poll = cfg
	}
}

// New builds a ledger named after its chain.
func New(name string, opts ...Option) *Ledger {
	l := &Ledger{
		name:      name,
		registry:  make(map[string]string),
		strengths: make(map[string]uint8),
		txs:       make(map[string]*ledgerTx),
		poll:      web3.PollConfig{InitialInterval: 5 * time.Millisecond, MaxInterval: 50 * time.Millisecond, Multiplier: 1.5},
		now:       time.Now,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(l)
		}
	}
	return l
}

var _ web3.Adapter = (*Ledger)(nil)

// Chain implements web3.Adapter.
func (l *Ledger) Chain() string { return l.name }

// Connect implements web3.Adapter.
func (l *Ledger) Connect(context.Context) error {
	if l.unreachable.Load() {
		return web3.Unavailable(l.name, fmt.Errorf("ledger %s unreachable", l.name), "connect")
	}
	l.connected.Store(true)
	return nil
}

// IsConnected implements web3.Adapter.
func (l *Ledger) IsConnected() bool {
	return l.connected.Load() && !l.unreachable.Load()
}

// Close implements web3.Adapter.
func (l *Ledger) Close() error {
	l.connected.Store(false)
	return nil
}

func (l *Ledger) reachable() error {
	if !l.connected.Load() {
		return web3.ErrNotConnected
	}
	if l.unreachable.Load() {
		return web3.Unavailable(l.name, fmt.Errorf("ledger %s unreachable", l.name), "rpc")
	}
	return nil
}

// Submit implements web3.Adapter.
func (l *Ledger) Submit(_ context.Context, tx web3.TxData) (web3.PendingHandle, error) {
	if err := tx.Validate(); err != nil {
		return web3.PendingHandle{}, err
	}
	if err := l.reachable(); err != nil {
		return web3.PendingHandle{}, err
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	if len(l.failSubmit) > 0 {
		err := l.failSubmit[0]
		l.failSubmit = l.failSubmit[1:]
		return web3.PendingHandle{}, web3.Unavailable(l.name, err, "submit")
	}
	l.submits.Add(1)
	nonce := l.nonce
	l.nonce++
	sum := sha256.Sum256([]byte(fmt.Sprintf("%s/%d/%s/%s", l.name, nonce, tx.Kind, tx.PathwayKey)))
	handle := web3.PendingHandle{
		Chain:       l.name,
		TxHash:      "0x" + hex.EncodeToString(sum[:]),
		Kind:        tx.Kind,
		PathwayKey:  tx.PathwayKey,
		Nonce:       nonce,
		SubmittedAt: l.now(),
	}
	entry := &ledgerTx{handle: handle, data: tx, held: l.holdAll}
	if l.revertNext > 0 {
		l.revertNext--
		entry.state = txReverted
		entry.reason = "execution reverted"
		l.block++
		entry.block = l.block
	}
	l.txs[handle.TxHash] = entry
	l.order = append(l.order, handle.TxHash)
	return handle, nil
}

// mineLocked applies every due transaction in submission order.
func (l *Ledger) mineLocked() {
	now := l.now()
	for _, hash := range l.order {
		tx := l.txs[hash]
		if tx.state != txPending || tx.held || now.Sub(tx.handle.SubmittedAt) < l.delay {
			continue
		}
		l.block++
		tx.block = l.block
		switch tx.data.Kind {
		case web3.TxMint:
			if _, taken := l.registry[tx.data.PathwayKey]; taken {
				tx.state = txReverted
				tx.reason = "pathway already minted"
				continue
			}
			l.nextToken++
			tokenID := strconv.FormatUint(l.nextToken, 10)
			l.registry[tx.data.PathwayKey] = tokenID
			l.strengths[tokenID] = tx.data.Strength
			tx.tokenID = tokenID
			tx.state = txMined
		case web3.TxUpdateStrength:
			if _, ok := l.strengths[tx.data.TokenID]; !ok {
				tx.state = txReverted
				tx.reason = "unknown token"
				continue
			}
			l.strengths[tx.data.TokenID] = tx.data.Strength
			tx.state = txMined
		}
	}
}

// Confirm implements web3.Adapter.
func (l *Ledger) Confirm(ctx context.Context, handle web3.PendingHandle, deadline time.Duration) (web3.Confirmation, error) {
	if deadline <= 0 {
		deadline = 30 * time.Second
	}
	return web3.PollUntil(ctx, deadline, l.poll, func(context.Context) (web3.Confirmation, bool, error) {
		if err := l.reachable(); err != nil {
			return web3.Confirmation{}, false, err
		}
		l.mu.Lock()
		defer l.mu.Unlock()
		l.mineLocked()
		tx, ok := l.txs[handle.TxHash]
		if !ok {
			return web3.Confirmation{}, false, xerrors.New(xerrors.CodeNotFound, "transaction unknown to ledger")
		}
		receipt := &web3.Receipt{TxHash: handle.TxHash, BlockNumber: tx.block, GasUsed: 21000, TokenID: tx.tokenID}
		switch tx.state {
		case txMined:
			return web3.Confirmation{Outcome: web3.OutcomeSuccess, Receipt: receipt}, true, nil
		case txReverted:
			return web3.Confirmation{Outcome: web3.OutcomeFailed, Receipt: receipt, Reason: tx.reason}, true, nil
		}
		return web3.Confirmation{}, false, nil
	})
}

// QueryExistence implements web3.Adapter.
func (l *Ledger) QueryExistence(_ context.Context, pathwayKey string) (string, bool, error) {
	if err := l.reachable(); err != nil {
		return "", false, err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	l.mineLocked()
	tokenID, ok := l.registry[pathwayKey]
	return tokenID, ok, nil
}

// FailNextSubmit makes the next Submit calls fail with the given errors.
func (l *Ledger) FailNextSubmit(errs ...error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.failSubmit = append(l.failSubmit, errs...)
}

// RevertNext makes the next n submitted transactions revert.
func (l *Ledger) RevertNext(n int) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.revertNext += n
}

// Hold keeps newly submitted transactions pending until Release.
func (l *Ledger) Hold() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.holdAll = true
}

// Release lets every held transaction be mined.
func (l *Ledger) Release() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.holdAll = false
	for _, tx := range l.txs {
		tx.held = false
	}
}

// SetUnreachable toggles simulated network loss.
func (l *Ledger) SetUnreachable(down bool) {
	l.unreachable.Store(down)
}

// Submissions returns how many transactions were accepted.
func (l *Ledger) Submissions() int64 {
	return l.submits.Load()
}

// Minted returns how many pathways hold a token.
func (l *Ledger) Minted() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.mineLocked()
	return len(l.registry)
}

// StrengthOf returns the mirrored strength of a token.
func (l *Ledger) StrengthOf(tokenID string) (uint8, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.mineLocked()
	v, ok := l.strengths[tokenID]
	return v, ok
}
