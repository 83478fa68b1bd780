package ethereum

import (
	"context"
	"encoding/hex"
	"errors"
	"math/big"
	"sync"
	"testing"
	"time"

	gethcore "github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	coretypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"

	xerrors "CognitiveMesh/internal/errors"
	"CognitiveMesh/internal/web3"
)

const contractHex = "0x00000000000000000000000000000000000000aa"

// fakeBackend stands in for an EVM node. Receipts become visible after
// pendingPolls lookups; tokenOf answers from the registry map.
type fakeBackend struct {
	mu           sync.Mutex
	chainID      *big.Int
	nonce        uint64
	sent         []*coretypes.Transaction
	pendingPolls int
	polls        map[common.Hash]int
	revert       bool
	registry     map[common.Hash]*big.Int
	sendErr      error
	callErr      error
}

func newFakeBackend() *fakeBackend {
	return &fakeBackend{
		chainID:  big.NewInt(1337),
		nonce:    7,
		polls:    make(map[common.Hash]int),
		registry: make(map[common.Hash]*big.Int),
	}
}

func (f *fakeBackend) ChainID(context.Context) (*big.Int, error) { return f.chainID, nil }

func (f *fakeBackend) HeaderByNumber(context.Context, *big.Int) (*coretypes.Header, error) {
	return &coretypes.Header{Number: big.NewInt(100), BaseFee: big.NewInt(10)}, nil
}

func (f *fakeBackend) CallContract(_ context.Context, msg gethcore.CallMsg, _ *big.Int) ([]byte, error) {
	if f.callErr != nil {
		return nil, f.callErr
	}
	parsed, _ := parseRegistryABI()
	args, err := parsed.Methods["tokenOf"].Inputs.Unpack(msg.Data[4:])
	if err != nil {
		return nil, err
	}
	key := common.Hash(args[0].([32]byte))
	f.mu.Lock()
	id, ok := f.registry[key]
	f.mu.Unlock()
	if !ok {
		id = big.NewInt(0)
	}
	return parsed.Methods["tokenOf"].Outputs.Pack(id)
}

func (f *fakeBackend) PendingNonceAt(context.Context, common.Address) (uint64, error) {
	return f.nonce, nil
}

func (f *fakeBackend) SuggestGasTipCap(context.Context) (*big.Int, error) { return big.NewInt(2), nil }

func (f *fakeBackend) EstimateGas(context.Context, gethcore.CallMsg) (uint64, error) { return 90000, nil }

func (f *fakeBackend) SendTransaction(_ context.Context, tx *coretypes.Transaction) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.sendErr != nil {
		err := f.sendErr
		f.sendErr = nil
		return err
	}
	f.sent = append(f.sent, tx)
	return nil
}

func (f *fakeBackend) TransactionReceipt(_ context.Context, hash common.Hash) (*coretypes.Receipt, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.polls[hash]++
	if f.polls[hash] <= f.pendingPolls {
		return nil, gethcore.NotFound
	}
	receipt := &coretypes.Receipt{Status: coretypes.ReceiptStatusSuccessful, BlockNumber: big.NewInt(101), GasUsed: 80000}
	if f.revert {
		receipt.Status = coretypes.ReceiptStatusFailed
		return receipt, nil
	}
	parsed, _ := parseRegistryABI()
	event := parsed.Events[mintedEvent]
	data, err := event.Inputs.NonIndexed().Pack(big.NewInt(42))
	if err != nil {
		return nil, err
	}
	receipt.Logs = []*coretypes.Log{{
		Address: common.HexToAddress(contractHex),
		Topics:  []common.Hash{event.ID, {}, {}},
		Data:    data,
	}}
	return receipt, nil
}

func newTestAdapter(t *testing.T, backend *fakeBackend) *Adapter {
	t.Helper()
	key, err := crypto.GenerateKey()
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	a, err := NewAdapterWithBackend(context.Background(), Config{
		Name:            "ethereum",
		ChainID:         1337,
		ContractAddress: contractHex,
		PrivateKey:      hex.EncodeToString(crypto.FromECDSA(key)),
		Poll:            web3.PollConfig{InitialInterval: time.Millisecond, MaxInterval: 2 * time.Millisecond},
	}, backend)
	if err != nil {
		t.Fatalf("NewAdapterWithBackend: %v", err)
	}
	return a
}

func TestSubmitMintSignsRegistryCall(t *testing.T) {
	backend := newFakeBackend()
	a := newTestAdapter(t, backend)

	handle, err := a.Submit(context.Background(), web3.TxData{Kind: web3.TxMint, PathwayKey: "pathway-1", URI: "mesh://pathway-1", Strength: 70})
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if handle.Nonce != 7 || handle.Chain != "ethereum" {
		t.Fatalf("unexpected handle %+v", handle)
	}
	if len(backend.sent) != 1 {
		t.Fatalf("expected one transaction, got %d", len(backend.sent))
	}
	tx := backend.sent[0]
	if tx.Hash().Hex() != handle.TxHash {
		t.Fatalf("handle hash mismatch")
	}
	sender, err := coretypes.Sender(coretypes.LatestSignerForChainID(big.NewInt(1337)), tx)
	if err != nil || sender != a.Signer() {
		t.Fatalf("unexpected sender %s (%v)", sender.Hex(), err)
	}
	if tx.GasFeeCap().Cmp(big.NewInt(22)) != 0 {
		t.Fatalf("fee cap should be 2*base+tip, got %s", tx.GasFeeCap())
	}

	parsed, _ := parseRegistryABI()
	method, err := parsed.MethodById(tx.Data()[:4])
	if err != nil || method.Name != "mint" {
		t.Fatalf("unexpected method: %v", err)
	}
	args, err := method.Inputs.Unpack(tx.Data()[4:])
	if err != nil {
		t.Fatalf("unpack: %v", err)
	}
	if common.Hash(args[0].([32]byte)) != PathwayKey("pathway-1") {
		t.Fatalf("pathway key not hashed into calldata")
	}
	if args[1].(common.Address) != a.Signer() {
		t.Fatalf("recipient should default to signer")
	}
	if args[3].(uint8) != 70 {
		t.Fatalf("unexpected strength %v", args[3])
	}

	second, err := a.Submit(context.Background(), web3.TxData{Kind: web3.TxUpdateStrength, TokenID: "42", Strength: 55})
	if err != nil {
		t.Fatalf("Submit update: %v", err)
	}
	if second.Nonce != 8 {
		t.Fatalf("local nonce should advance, got %d", second.Nonce)
	}
}

func TestSubmitFailureResyncsNonce(t *testing.T) {
	backend := newFakeBackend()
	a := newTestAdapter(t, backend)
	backend.sendErr = errors.New("connection reset")

	_, err := a.Submit(context.Background(), web3.TxData{Kind: web3.TxMint, PathwayKey: "p"})
	if xerrors.CodeOf(err) != xerrors.CodeChainUnavailable {
		t.Fatalf("expected CHAIN_UNAVAILABLE, got %v", err)
	}
	backend.nonce = 9
	h, err := a.Submit(context.Background(), web3.TxData{Kind: web3.TxMint, PathwayKey: "p"})
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if h.Nonce != 9 {
		t.Fatalf("nonce should be re-read from the node, got %d", h.Nonce)
	}
}

func TestConfirmParsesMintedToken(t *testing.T) {
	backend := newFakeBackend()
	backend.pendingPolls = 2
	a := newTestAdapter(t, backend)

	h, err := a.Submit(context.Background(), web3.TxData{Kind: web3.TxMint, PathwayKey: "p"})
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	conf, err := a.Confirm(context.Background(), h, time.Second)
	if err != nil {
		t.Fatalf("Confirm: %v", err)
	}
	if conf.Outcome != web3.OutcomeSuccess || conf.Receipt.TokenID != "42" || conf.Receipt.BlockNumber != 101 {
		t.Fatalf("unexpected confirmation %+v", conf)
	}
}

func TestConfirmReportsRevertAndTimeout(t *testing.T) {
	backend := newFakeBackend()
	backend.revert = true
	a := newTestAdapter(t, backend)
	h, err := a.Submit(context.Background(), web3.TxData{Kind: web3.TxMint, PathwayKey: "p"})
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	conf, err := a.Confirm(context.Background(), h, time.Second)
	if err != nil || conf.Outcome != web3.OutcomeFailed {
		t.Fatalf("expected failed outcome, got %+v (%v)", conf, err)
	}

	backend.pendingPolls = 1 << 30
	conf, err = a.Confirm(context.Background(), web3.PendingHandle{Chain: "ethereum", TxHash: common.Hash{1}.Hex()}, 20*time.Millisecond)
	if err != nil || conf.Outcome != web3.OutcomeTimeout {
		t.Fatalf("expected timeout, got %+v (%v)", conf, err)
	}
}

func TestQueryExistence(t *testing.T) {
	backend := newFakeBackend()
	a := newTestAdapter(t, backend)
	ctx := context.Background()

	if _, found, err := a.QueryExistence(ctx, "p"); err != nil || found {
		t.Fatalf("expected absent, got found=%v err=%v", found, err)
	}
	backend.registry[PathwayKey("p")] = big.NewInt(5)
	id, found, err := a.QueryExistence(ctx, "p")
	if err != nil || !found || id != "5" {
		t.Fatalf("expected token 5, got %q found=%v err=%v", id, found, err)
	}

	backend.callErr = errors.New("503 service unavailable")
	if _, _, err := a.QueryExistence(ctx, "p"); xerrors.CodeOf(err) != xerrors.CodeChainUnavailable {
		t.Fatalf("expected CHAIN_UNAVAILABLE, got %v", err)
	}
}

func TestConnectChecksChainID(t *testing.T) {
	backend := newFakeBackend()
	_, err := NewAdapterWithBackend(context.Background(), Config{Name: "ethereum", ChainID: 1, ContractAddress: contractHex}, backend)
	if xerrors.CodeOf(err) != xerrors.CodeInvalidArgument {
		t.Fatalf("expected chain id mismatch, got %v", err)
	}
}

func TestSubmitRequiresKey(t *testing.T) {
	a, err := NewAdapterWithBackend(context.Background(), Config{Name: "ethereum", ContractAddress: contractHex}, newFakeBackend())
	if err != nil {
		t.Fatalf("NewAdapterWithBackend: %v", err)
	}
	if _, err := a.Submit(context.Background(), web3.TxData{Kind: web3.TxMint, PathwayKey: "p"}); xerrors.CodeOf(err) != xerrors.CodeInvalidArgument {
		t.Fatalf("expected INVALID_ARGUMENT, got %v", err)
	}
}
