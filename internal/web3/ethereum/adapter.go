// Package ethereum implements web3.Adapter for EVM networks hosting the
// pathway token registry contract.
package ethereum

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	gethcore "github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	coretypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"
	gethrpc "github.com/ethereum/go-ethereum/rpc"

	xerrors "CognitiveMesh/internal/errors"
	"CognitiveMesh/internal/web3"
	"CognitiveMesh/pkg/logger"
)

// Backend is the subset of ethclient.Client the adapter relies on.
type Backend interface {
	ChainID(ctx context.Context) (*big.Int, error)
	HeaderByNumber(ctx context.Context, number *big.Int) (*coretypes.Header, error)
	CallContract(ctx context.Context, msg gethcore.CallMsg, blockNumber *big.Int) ([]byte, error)
	PendingNonceAt(ctx context.Context, account common.Address) (uint64, error)
	SuggestGasTipCap(ctx context.Context) (*big.Int, error)
	EstimateGas(ctx context.Context, msg gethcore.CallMsg) (uint64, error)
	SendTransaction(ctx context.Context, tx *coretypes.Transaction) error
	TransactionReceipt(ctx context.Context, txHash common.Hash) (*coretypes.Receipt, error)
}

var _ Backend = (*ethclient.Client)(nil)

// Config describes how to reach one EVM chain and its registry contract.
type Config struct {
	Name            string
	RPCURL          string
	ChainID         int64
	ContractAddress string
	PrivateKey      string
	GasLimit        uint64
	ConfirmTimeout  time.Duration
	Poll            web3.PollConfig
}

// Adapter talks to the registry contract over JSON-RPC.
type Adapter struct {
	cfg      Config
	registry abi.ABI
	contract common.Address
	key      *ecdsa.PrivateKey
	from     common.Address
	logger   *slog.Logger

	mu        sync.Mutex
	backend   Backend
	rpcClient *gethrpc.Client
	chainID   *big.Int
	nextNonce *uint64
	connected atomic.Bool
}

var _ web3.Adapter = (*Adapter)(nil)

// NewAdapter validates the configuration. Connect dials the node.
func NewAdapter(cfg Config) (*Adapter, error) {
	parsed, err := parseRegistryABI()
	if err != nil {
		return nil, fmt.Errorf("解析注册表 ABI 失败: %w", err)
	}
	if !common.IsHexAddress(cfg.ContractAddress) {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, fmt.Sprintf("链 %s 的合约地址无效", cfg.Name))
	}
	a := &Adapter{
		cfg:      cfg,
		registry: parsed,
		contract: common.HexToAddress(cfg.ContractAddress),
		logger:   logger.Named("web3.ethereum").With(slog.String("chain", cfg.Name)),
	}
	if raw := strings.TrimPrefix(strings.TrimSpace(cfg.PrivateKey), "0x"); raw != "" {
		key, err := crypto.HexToECDSA(raw)
		if err != nil {
			return nil, xerrors.Wrap(xerrors.CodeInvalidArgument, err, fmt.Sprintf("链 %s 的签名私钥无效", cfg.Name))
		}
		a.key = key
		a.from = crypto.PubkeyToAddress(key.PublicKey)
	}
	if a.cfg.ConfirmTimeout <= 0 {
		a.cfg.ConfirmTimeout = 2 * time.Minute
	}
	return a, nil
}

// NewAdapterWithBackend builds an adapter over an existing backend, such as a
// simulated chain. The adapter is connected once the chain ID is known.
func NewAdapterWithBackend(ctx context.Context, cfg Config, backend Backend) (*Adapter, error) {
	a, err := NewAdapter(cfg)
	if err != nil {
		return nil, err
	}
	a.backend = backend
	if err := a.Connect(ctx); err != nil {
		return nil, err
	}
	return a, nil
}

// Chain implements web3.Adapter.
func (a *Adapter) Chain() string { return a.cfg.Name }

// Signer returns the address transactions are sent from.
func (a *Adapter) Signer() common.Address { return a.from }

// Connect dials the RPC endpoint if needed and verifies the chain ID.
func (a *Adapter) Connect(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.backend == nil {
		rpcURL := strings.TrimSpace(a.cfg.RPCURL)
		if rpcURL == "" {
			return xerrors.New(xerrors.CodeInvalidArgument, "未配置以太坊 RPC 地址")
		}
		client, err := gethrpc.DialContext(ctx, rpcURL)
		if err != nil {
			return web3.Unavailable(a.cfg.Name, err, "连接以太坊节点")
		}
		a.rpcClient = client
		a.backend = ethclient.NewClient(client)
	}
	id, err := a.backend.ChainID(ctx)
	if err != nil {
		return web3.Unavailable(a.cfg.Name, err, "获取链 ID")
	}
	if a.cfg.ChainID != 0 && id.Int64() != a.cfg.ChainID {
		return xerrors.New(xerrors.CodeInvalidArgument,
			fmt.Sprintf("链 %s 的 chain id 为 %s，与配置的 %d 不一致", a.cfg.Name, id, a.cfg.ChainID))
	}
	a.chainID = id
	a.connected.Store(true)
	return nil
}

// IsConnected implements web3.Adapter.
func (a *Adapter) IsConnected() bool {
	return a.connected.Load()
}

// Close releases the RPC connection.
func (a *Adapter) Close() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.connected.Store(false)
	if a.rpcClient != nil {
		a.rpcClient.Close()
		a.rpcClient = nil
		a.backend = nil
	}
	return nil
}

func (a *Adapter) ready() (Backend, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if !a.connected.Load() || a.backend == nil {
		return nil, web3.ErrNotConnected
	}
	return a.backend, nil
}

func (a *Adapter) calldata(tx web3.TxData) ([]byte, error) {
	switch tx.Kind {
	case web3.TxMint:
		recipient := a.from
		if tx.Recipient != "" {
			if !common.IsHexAddress(tx.Recipient) {
				return nil, xerrors.New(xerrors.CodeInvalidArgument, "recipient is not a hex address")
			}
			recipient = common.HexToAddress(tx.Recipient)
		}
		key := PathwayKey(tx.PathwayKey)
		return a.registry.Pack("mint", [32]byte(key), recipient, tx.URI, tx.Strength)
	case web3.TxUpdateStrength:
		tokenID, ok := new(big.Int).SetString(tx.TokenID, 10)
		if !ok {
			return nil, xerrors.New(xerrors.CodeInvalidArgument, "token id is not a decimal integer")
		}
		return a.registry.Pack("updateStrength", tokenID, tx.Strength)
	}
	return nil, xerrors.New(xerrors.CodeInvalidArgument, "unknown transaction kind")
}

// Submit signs and broadcasts a registry transaction. Nonces are tracked
// locally after the first lookup and resynchronised after a failed send.
func (a *Adapter) Submit(ctx context.Context, tx web3.TxData) (web3.PendingHandle, error) {
	if err := tx.Validate(); err != nil {
		return web3.PendingHandle{}, err
	}
	if a.key == nil {
		return web3.PendingHandle{}, xerrors.New(xerrors.CodeInvalidArgument, fmt.Sprintf("链 %s 未配置签名私钥", a.cfg.Name))
	}
	backend, err := a.ready()
	if err != nil {
		return web3.PendingHandle{}, err
	}
	data, err := a.calldata(tx)
	if err != nil {
		return web3.PendingHandle{}, err
	}

	// 发送过程持有锁，保证本地 nonce 单调递增。
	a.mu.Lock()
	defer a.mu.Unlock()

	nonce, err := a.nonceLocked(ctx, backend)
	if err != nil {
		return web3.PendingHandle{}, err
	}
	tip, err := backend.SuggestGasTipCap(ctx)
	if err != nil {
		return web3.PendingHandle{}, web3.Unavailable(a.cfg.Name, err, "估算小费")
	}
	head, err := backend.HeaderByNumber(ctx, nil)
	if err != nil {
		return web3.PendingHandle{}, web3.Unavailable(a.cfg.Name, err, "获取最新区块头")
	}
	feeCap := new(big.Int).Add(tip, tip)
	if head.BaseFee != nil {
		feeCap = new(big.Int).Add(new(big.Int).Mul(head.BaseFee, big.NewInt(2)), tip)
	}
	gas := a.cfg.GasLimit
	if gas == 0 {
		gas, err = backend.EstimateGas(ctx, gethcore.CallMsg{From: a.from, To: &a.contract, Data: data})
		if err != nil {
			return web3.PendingHandle{}, web3.Unavailable(a.cfg.Name, err, "估算 gas")
		}
	}

	unsigned := coretypes.NewTx(&coretypes.DynamicFeeTx{
		ChainID:   a.chainID,
		Nonce:     nonce,
		GasTipCap: tip,
		GasFeeCap: feeCap,
		Gas:       gas,
		To:        &a.contract,
		Data:      data,
	})
	signed, err := coretypes.SignTx(unsigned, coretypes.LatestSignerForChainID(a.chainID), a.key)
	if err != nil {
		return web3.PendingHandle{}, fmt.Errorf("签名交易失败: %w", err)
	}
	if err := backend.SendTransaction(ctx, signed); err != nil {
		a.nextNonce = nil
		return web3.PendingHandle{}, web3.Unavailable(a.cfg.Name, err, "发送交易")
	}
	next := nonce + 1
	a.nextNonce = &next

	handle := web3.PendingHandle{
		Chain:       a.cfg.Name,
		TxHash:      signed.Hash().Hex(),
		Kind:        tx.Kind,
		PathwayKey:  tx.PathwayKey,
		Nonce:       nonce,
		SubmittedAt: time.Now().UTC(),
	}
	logger.Audit().Info("链上交易已提交",
		slog.String("chain", handle.Chain),
		slog.String("kind", string(handle.Kind)),
		slog.String("tx_hash", handle.TxHash),
		slog.Uint64("nonce", nonce),
	)
	return handle, nil
}

func (a *Adapter) nonceLocked(ctx context.Context, backend Backend) (uint64, error) {
	if a.nextNonce != nil {
		return *a.nextNonce, nil
	}
	nonce, err := backend.PendingNonceAt(ctx, a.from)
	if err != nil {
		return 0, web3.Unavailable(a.cfg.Name, err, "查询 nonce")
	}
	return nonce, nil
}

// Confirm polls for the transaction receipt until it is final or the
// deadline passes. A zero deadline uses the configured confirm timeout.
func (a *Adapter) Confirm(ctx context.Context, handle web3.PendingHandle, deadline time.Duration) (web3.Confirmation, error) {
	backend, err := a.ready()
	if err != nil {
		return web3.Confirmation{}, err
	}
	if deadline <= 0 {
		deadline = a.cfg.ConfirmTimeout
	}
	hash := common.HexToHash(handle.TxHash)
	return web3.PollUntil(ctx, deadline, a.cfg.Poll, func(pctx context.Context) (web3.Confirmation, bool, error) {
		receipt, err := backend.TransactionReceipt(pctx, hash)
		if errors.Is(err, gethcore.NotFound) {
			return web3.Confirmation{}, false, nil
		}
		if err != nil {
			a.logger.Debug("查询交易回执失败", slog.String("tx_hash", handle.TxHash), slog.Any("error", err))
			return web3.Confirmation{}, false, err
		}
		out := &web3.Receipt{TxHash: handle.TxHash, GasUsed: receipt.GasUsed}
		if receipt.BlockNumber != nil {
			out.BlockNumber = receipt.BlockNumber.Uint64()
		}
		if receipt.Status != coretypes.ReceiptStatusSuccessful {
			return web3.Confirmation{Outcome: web3.OutcomeFailed, Receipt: out, Reason: "execution reverted"}, true, nil
		}
		if handle.Kind == web3.TxMint {
			tokenID, err := a.mintedToken(receipt.Logs)
			if err != nil {
				return web3.Confirmation{Outcome: web3.OutcomeFailed, Receipt: out, Reason: err.Error()}, true, nil
			}
			out.TokenID = tokenID
		}
		return web3.Confirmation{Outcome: web3.OutcomeSuccess, Receipt: out}, true, nil
	})
}

func (a *Adapter) mintedToken(logs []*coretypes.Log) (string, error) {
	event := a.registry.Events[mintedEvent]
	for _, l := range logs {
		if l == nil || l.Address != a.contract || len(l.Topics) == 0 || l.Topics[0] != event.ID {
			continue
		}
		values, err := a.registry.Unpack(mintedEvent, l.Data)
		if err != nil {
			return "", fmt.Errorf("解析 %s 事件失败: %w", mintedEvent, err)
		}
		if len(values) == 1 {
			if id, ok := values[0].(*big.Int); ok {
				return id.String(), nil
			}
		}
	}
	return "", fmt.Errorf("回执中缺少 %s 事件", mintedEvent)
}

// QueryExistence calls tokenOf on the registry; a zero token means absent.
func (a *Adapter) QueryExistence(ctx context.Context, pathwayKey string) (string, bool, error) {
	backend, err := a.ready()
	if err != nil {
		return "", false, err
	}
	key := PathwayKey(pathwayKey)
	data, err := a.registry.Pack("tokenOf", [32]byte(key))
	if err != nil {
		return "", false, err
	}
	out, err := backend.CallContract(ctx, gethcore.CallMsg{From: a.from, To: &a.contract, Data: data}, nil)
	if err != nil {
		return "", false, web3.Unavailable(a.cfg.Name, err, "查询代币注册表")
	}
	values, err := a.registry.Unpack("tokenOf", out)
	if err != nil {
		return "", false, web3.Unavailable(a.cfg.Name, err, "解析 tokenOf 返回值")
	}
	if len(values) != 1 {
		return "", false, fmt.Errorf("tokenOf 返回了 %d 个值", len(values))
	}
	id, ok := values[0].(*big.Int)
	if !ok || id.Sign() == 0 {
		return "", false, nil
	}
	return id.String(), true, nil
}
