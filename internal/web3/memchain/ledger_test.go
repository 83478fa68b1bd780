package memchain

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	xerrors "CognitiveMesh/internal/errors"
	"CognitiveMesh/internal/web3"
)

func connected(t *testing.T, opts ...Option) *Ledger {
	t.Helper()
	l := New("devnet", opts...)
	require.NoError(t, l.Connect(context.Background()))
	return l
}

func TestMintConfirmsAndRegisters(t *testing.T) {
	l := connected(t)
	ctx := context.Background()

	h, err := l.Submit(ctx, web3.TxData{Kind: web3.TxMint, PathwayKey: "p1", Strength: 70})
	require.NoError(t, err)
	conf, err := l.Confirm(ctx, h, time.Second)
	require.NoError(t, err)
	require.Equal(t, web3.OutcomeSuccess, conf.Outcome)
	assert.Equal(t, "1", conf.Receipt.TokenID)

	tokenID, found, err := l.QueryExistence(ctx, "p1")
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, "1", tokenID)

	strength, ok := l.StrengthOf("1")
	require.True(t, ok)
	assert.EqualValues(t, 70, strength)
}

func TestSecondMintForSameKeyReverts(t *testing.T) {
	l := connected(t)
	ctx := context.Background()
	first, err := l.Submit(ctx, web3.TxData{Kind: web3.TxMint, PathwayKey: "p1"})
	require.NoError(t, err)
	second, err := l.Submit(ctx, web3.TxData{Kind: web3.TxMint, PathwayKey: "p1"})
	require.NoError(t, err)

	conf, err := l.Confirm(ctx, first, time.Second)
	require.NoError(t, err)
	assert.Equal(t, web3.OutcomeSuccess, conf.Outcome)
	conf, err = l.Confirm(ctx, second, time.Second)
	require.NoError(t, err)
	assert.Equal(t, web3.OutcomeFailed, conf.Outcome)
	assert.Equal(t, 1, l.Minted())
}

func TestHeldTransactionTimesOutThenLands(t *testing.T) {
	l := connected(t)
	ctx := context.Background()
	l.Hold()
	h, err := l.Submit(ctx, web3.TxData{Kind: web3.TxMint, PathwayKey: "p1"})
	require.NoError(t, err)

	conf, err := l.Confirm(ctx, h, 30*time.Millisecond)
	require.NoError(t, err)
	assert.Equal(t, web3.OutcomeTimeout, conf.Outcome)

	l.Release()
	_, found, err := l.QueryExistence(ctx, "p1")
	require.NoError(t, err)
	assert.True(t, found)
}

func TestUnreachableLedger(t *testing.T) {
	l := connected(t)
	l.SetUnreachable(true)
	assert.False(t, l.IsConnected())

	_, err := l.Submit(context.Background(), web3.TxData{Kind: web3.TxMint, PathwayKey: "p1"})
	assert.Equal(t, xerrors.CodeChainUnavailable, xerrors.CodeOf(err))
	_, _, err = l.QueryExistence(context.Background(), "p1")
	assert.Equal(t, xerrors.CodeChainUnavailable, xerrors.CodeOf(err))
	assert.Error(t, l.Connect(context.Background()))
}

func TestInjectedFailures(t *testing.T) {
	l := connected(t)
	ctx := context.Background()
	l.FailNextSubmit(errors.New("nonce too low"))
	_, err := l.Submit(ctx, web3.TxData{Kind: web3.TxMint, PathwayKey: "p1"})
	assert.Equal(t, xerrors.CodeChainUnavailable, xerrors.CodeOf(err))

	l.RevertNext(1)
	h, err := l.Submit(ctx, web3.TxData{Kind: web3.TxMint, PathwayKey: "p1"})
	require.NoError(t, err)
	conf, err := l.Confirm(ctx, h, time.Second)
	require.NoError(t, err)
	assert.Equal(t, web3.OutcomeFailed, conf.Outcome)
	assert.Zero(t, l.Minted())
}

func TestUpdateStrengthRequiresToken(t *testing.T) {
	l := connected(t)
	ctx := context.Background()
	h, err := l.Submit(ctx, web3.TxData{Kind: web3.TxUpdateStrength, TokenID: "404", Strength: 10})
	require.NoError(t, err)
	conf, err := l.Confirm(ctx, h, time.Second)
	require.NoError(t, err)
	assert.Equal(t, web3.OutcomeFailed, conf.Outcome)
}

func TestNotConnected(t *testing.T) {
	l := New("devnet")
	_, err := l.Submit(context.Background(), web3.TxData{Kind: web3.TxMint, PathwayKey: "p1"})
	assert.ErrorIs(t, err, web3.ErrNotConnected)
}
