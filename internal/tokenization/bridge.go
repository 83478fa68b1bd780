package tokenization

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/sync/singleflight"

	xerrors "CognitiveMesh/internal/errors"
	"CognitiveMesh/internal/events"
	"CognitiveMesh/internal/graph"
	"CognitiveMesh/internal/observability/alerting"
	"CognitiveMesh/internal/observability/metrics"
	"CognitiveMesh/internal/observability/tracing"
	"CognitiveMesh/internal/web3"
	"CognitiveMesh/pkg/logger"
)

// PathwayStore 是 Bridge 读取与回写通路所需的最小接口。
type PathwayStore interface {
	GetPathway(id string) (graph.Pathway, error)
	GetAgent(id string) (graph.Agent, error)
	SetToken(ctx context.Context, id string, handle graph.TokenHandle) (graph.Pathway, error)
}

// AdapterSource 按链名解析链适配器。
type AdapterSource interface {
	Adapter(chain string) (web3.Adapter, error)
}

// GenerateOptions 控制一次铸造。
type GenerateOptions struct {
	// Chain 为空时使用源智能体所在的链。
	Chain string `json:"chain,omitempty"`
	// Owner 为空时由适配器使用签名地址。
	Owner string `json:"owner,omitempty"`
	URI   string `json:"uri,omitempty"`
	// Wait 阻塞到终态或 ctx 结束；放弃等待不会取消确认。
	Wait bool `json:"wait,omitempty"`
}

const (
	defaultConfirmTimeout = 2 * time.Minute
	defaultURIPrefix      = "mesh://pathways/"
	awaitPollInterval     = 200 * time.Millisecond
)

// Bridge 负责通路代币的铸造、确认与强度同步。
type Bridge struct {
	store    PathwayStore
	adapters AdapterSource
	ledger   Ledger
	locker   Locker
	emitter  events.Emitter
	alerter  alerting.Dispatcher
	queue    SyncProducer

	confirmTimeout time.Duration
	lateWindow     time.Duration
	uriPrefix      string
	logger         *slog.Logger

	lookups singleflight.Group

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu      sync.Mutex
	closed  bool
	waiters map[string]chan struct{}
}

// Option 配置 Bridge。
type Option func(*Bridge)

// WithLedger 设置铸造账本。
func WithLedger(l Ledger) Option {
	return func(b *Bridge) {
		if l != nil {
			b.ledger = l
		}
	}
}

// WithLocker 设置通路锁。
func WithLocker(l Locker) Option {
	return func(b *Bridge) {
		if l != nil {
			b.locker = l
		}
	}
}

// WithEmitter 设置事件出口。
func WithEmitter(e events.Emitter) Option {
	return func(b *Bridge) {
		if e != nil {
			b.emitter = e
		}
	}
}

// WithAlerter 设置告警派发器。
func WithAlerter(a alerting.Dispatcher) Option {
	return func(b *Bridge) {
		b.alerter = a
	}
}

// WithSyncQueue 设置强度同步队列。
func WithSyncQueue(q SyncProducer) Option {
	return func(b *Bridge) {
		b.queue = q
	}
}

// WithConfirmTimeout 设置单次确认的截止时间。
func WithConfirmTimeout(d time.Duration) Option {
	return func(b *Bridge) {
		if d > 0 {
			b.confirmTimeout = d
		}
	}
}

// WithLateConfirmWindow 设置超时后继续等待迟到确认的时长，0 表示不等待。
func WithLateConfirmWindow(d time.Duration) Option {
	return func(b *Bridge) {
		b.lateWindow = d
	}
}

// WithTokenURIPrefix 设置默认代币 URI 前缀。
func WithTokenURIPrefix(prefix string) Option {
	return func(b *Bridge) {
		if prefix != "" {
			b.uriPrefix = prefix
		}
	}
}

// NewBridge 构造 Bridge。
func NewBridge(store PathwayStore, adapters AdapterSource, opts ...Option) (*Bridge, error) {
	if store == nil || adapters == nil {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "tokenization bridge requires a pathway store and chain adapters")
	}
	ctx, cancel := context.WithCancel(context.Background())
	b := &Bridge{
		store:          store,
		adapters:       adapters,
		ledger:         NewMemoryLedger(),
		locker:         NewKeyedLocker(),
		emitter:        events.Nop,
		confirmTimeout: defaultConfirmTimeout,
		uriPrefix:      defaultURIPrefix,
		logger:         logger.Named("tokenization"),
		ctx:            ctx,
		cancel:         cancel,
		waiters:        make(map[string]chan struct{}),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(b)
		}
	}
	return b, nil
}

// GenerateToken 为通路铸造代币。返回时记录处于 minting；opts.Wait 时返回终态。
// 提交失败时记录转为 mint_failed 并返回链错误。
func (b *Bridge) GenerateToken(ctx context.Context, pathwayID string, opts GenerateOptions) (rec MintRecord, err error) {
	ctx, span := tracing.Start(ctx, "bridge.generate_token", attribute.String("pathway_id", pathwayID))
	defer func() { tracing.End(span, err) }()

	p, err := b.store.GetPathway(pathwayID)
	if err != nil {
		return MintRecord{}, err
	}
	if p.Tokenized() {
		return MintRecord{}, ErrAlreadyTokenized
	}
	chain, err := b.chainFor(p, opts.Chain)
	if err != nil {
		return MintRecord{}, err
	}
	span.SetAttributes(attribute.String("chain", chain))
	adapter, err := b.adapters.Adapter(chain)
	if err != nil {
		return MintRecord{}, err
	}
	uri := opts.URI
	if uri == "" {
		uri = b.uriPrefix + p.ID
	}

	rec, minting, err := b.claim(ctx, p, adapter, ClaimRequest{PathwayID: p.ID, Chain: chain, Owner: opts.Owner, URI: uri})
	if err != nil || !minting {
		return rec, err
	}

	handle, err := adapter.Submit(ctx, web3.TxData{
		Kind:       web3.TxMint,
		PathwayKey: p.ID,
		Recipient:  opts.Owner,
		URI:        uri,
		Strength:   web3.EncodeStrength(p.Strength),
	})
	if err != nil {
		bg := context.WithoutCancel(ctx)
		failed, ferr := b.ledger.MarkFailed(bg, p.ID, "", err.Error())
		if ferr != nil {
			b.logger.Error("记录提交失败出错", slog.String("pathway_id", p.ID), slog.Any("error", ferr))
			failed = rec
		} else {
			b.mintFailed(bg, failed, err, "submit")
		}
		b.finish(p.ID)
		return failed, err
	}

	submitted, err := b.ledger.MarkSubmitted(context.WithoutCancel(ctx), p.ID, handle.TxHash)
	if err != nil {
		b.logger.Error("记录交易哈希失败", slog.String("pathway_id", p.ID), slog.String("tx_hash", handle.TxHash), slog.Any("error", err))
		submitted = rec
		submitted.TxHash = handle.TxHash
	}
	logger.Audit().Info("通路铸造已提交",
		slog.String("pathway_id", p.ID),
		slog.String("chain", chain),
		slog.String("tx_hash", handle.TxHash),
		slog.Int("attempt", submitted.Attempts),
	)
	b.watch(adapter, handle)

	if opts.Wait {
		return b.Await(ctx, p.ID)
	}
	return submitted, nil
}

// claim 在通路锁内完成状态检查、链上存在性检查与认领。minting 为 false 表示
// 链上已有代币并已被采纳。
func (b *Bridge) claim(ctx context.Context, p graph.Pathway, adapter web3.Adapter, req ClaimRequest) (MintRecord, bool, error) {
	unlock, err := b.locker.Lock(ctx, "pathway:"+p.ID)
	if err != nil {
		return MintRecord{}, false, err
	}
	defer unlock()

	rec, ok, err := b.ledger.Get(ctx, p.ID)
	if err != nil {
		return MintRecord{}, false, storageErr(err)
	}
	if ok {
		switch rec.State {
		case StateMinting:
			return rec, false, ErrMintInProgress
		case StateTokenized:
			return rec, false, ErrAlreadyTokenized
		}
	}

	tokenID, found, err := b.lookup(ctx, adapter, p.ID)
	if err != nil {
		return rec, false, err
	}
	if found {
		adopted, err := b.adopt(ctx, p.ID, adapter.Chain(), tokenID)
		return adopted, false, err
	}

	rec, err = b.ledger.Claim(ctx, req)
	if err != nil {
		return rec, false, storageErr(err)
	}
	b.begin(p.ID)
	metrics.ObserveMintTransition(req.Chain, string(StateMinting))
	return rec, true, nil
}

type existence struct {
	tokenID string
	found   bool
}

// lookup 合并对同一通路的并发存在性查询。
func (b *Bridge) lookup(ctx context.Context, adapter web3.Adapter, pathwayID string) (string, bool, error) {
	v, err, _ := b.lookups.Do(adapter.Chain()+"/"+pathwayID, func() (any, error) {
		tokenID, found, err := adapter.QueryExistence(ctx, pathwayID)
		return existence{tokenID: tokenID, found: found}, err
	})
	if err != nil {
		return "", false, err
	}
	res := v.(existence)
	return res.tokenID, res.found, nil
}

func (b *Bridge) chainFor(p graph.Pathway, override string) (string, error) {
	if chain := web3.NormalizeChain(override); chain != "" {
		return chain, nil
	}
	source, err := b.store.GetAgent(p.SourceID)
	if err != nil {
		return "", err
	}
	return source.Chain, nil
}

// adopt 采纳链上已存在的代币。
func (b *Bridge) adopt(ctx context.Context, pathwayID, chain, tokenID string) (MintRecord, error) {
	rec, changed, err := b.ledger.Complete(ctx, pathwayID, Completion{Chain: web3.NormalizeChain(chain), TokenID: tokenID})
	if err != nil {
		return rec, storageErr(err)
	}
	b.applyToken(ctx, rec, changed)
	if changed {
		b.logger.Info("采纳链上已有代币", slog.String("pathway_id", pathwayID), slog.String("chain", chain), slog.String("token_id", tokenID))
	}
	return rec, nil
}

// applyToken 把 tokenized 记录写回图并广播事件。
func (b *Bridge) applyToken(ctx context.Context, rec MintRecord, announce bool) {
	_, err := b.store.SetToken(ctx, rec.PathwayID, graph.TokenHandle{
		Chain:    rec.Chain,
		TokenID:  rec.TokenID,
		TxHash:   rec.TxHash,
		MintedAt: rec.UpdatedAt,
	})
	if err != nil {
		b.logger.Error("回写通路代币失败", slog.String("pathway_id", rec.PathwayID), slog.Any("error", err))
	}
	if !announce {
		return
	}
	metrics.ObserveMintTransition(rec.Chain, string(StateTokenized))
	logger.Audit().Info("通路已铸造",
		slog.String("pathway_id", rec.PathwayID),
		slog.String("chain", rec.Chain),
		slog.String("token_id", rec.TokenID),
		slog.String("tx_hash", rec.TxHash),
	)
	b.emitter.Emit(events.New(events.PathwayTokenized,
		events.WithPathway(rec.PathwayID),
		events.WithChain(rec.Chain),
		events.WithAttr("token_id", rec.TokenID),
		events.WithAttr("tx_hash", rec.TxHash),
	))
}

func (b *Bridge) mintFailed(ctx context.Context, rec MintRecord, cause error, stage string) {
	metrics.ObserveMintTransition(rec.Chain, string(StateMintFailed))
	logger.Audit().Warn("通路铸造失败",
		slog.String("pathway_id", rec.PathwayID),
		slog.String("chain", rec.Chain),
		slog.String("stage", stage),
		slog.String("tx_hash", rec.TxHash),
		slog.Int("attempt", rec.Attempts),
		slog.String("error", cause.Error()),
	)
	b.emitter.Emit(events.New(events.PathwayMintFailed,
		events.WithPathway(rec.PathwayID),
		events.WithChain(rec.Chain),
		events.WithAttr("stage", stage),
		events.WithAttr("code", string(xerrors.CodeOf(cause))),
		events.WithAttr("reason", cause.Error()),
	))
	if b.alerter == nil {
		return
	}
	alert := alerting.NewEvent(cause, rec.PathwayID, rec.Chain, stage)
	alert.Attempts = rec.Attempts
	if rec.TxHash != "" {
		alert.Metadata = map[string]string{"tx_hash": rec.TxHash}
	}
	if err := b.alerter.Notify(ctx, alert); err != nil {
		b.logger.Error("告警通知失败", slog.String("pathway_id", rec.PathwayID), slog.Any("error", err))
	}
}

// watch 在 Bridge 自有的协程中等待确认。
func (b *Bridge) watch(adapter web3.Adapter, handle web3.PendingHandle) {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		b.finish(handle.PathwayKey)
		return
	}
	b.wg.Add(1)
	b.mu.Unlock()

	go func() {
		defer b.wg.Done()
		started := time.Now()
		conf, err := adapter.Confirm(b.ctx, handle, b.confirmTimeout)
		if err != nil {
			if b.ctx.Err() != nil {
				// 关闭期间放弃等待，记录保持 minting，由 Resume 接管。
				b.finish(handle.PathwayKey)
				return
			}
			b.fail(handle, err, "confirm")
			b.finish(handle.PathwayKey)
			return
		}
		metrics.ObserveConfirmation(handle.Chain, string(conf.Outcome), time.Since(started))
		switch conf.Outcome {
		case web3.OutcomeSuccess:
			b.confirmed(handle, conf)
			b.finish(handle.PathwayKey)
		case web3.OutcomeFailed:
			b.settleRevert(adapter, handle, xerrors.New(CodeMintReverted, conf.Reason, xerrors.WithMetadata("tx_hash", handle.TxHash)))
			b.finish(handle.PathwayKey)
		default:
			b.fail(handle, web3.TimedOut(handle, conf.Reason), "timeout")
			b.finish(handle.PathwayKey)
			b.awaitLate(adapter, handle)
		}
	}()
}

// awaitLate 在超时后继续等待迟到的确认，成功时按交易哈希幂等地完成铸造。
func (b *Bridge) awaitLate(adapter web3.Adapter, handle web3.PendingHandle) {
	if b.lateWindow <= 0 {
		return
	}
	conf, err := adapter.Confirm(b.ctx, handle, b.lateWindow)
	if err != nil {
		return
	}
	switch conf.Outcome {
	case web3.OutcomeSuccess:
		b.logger.Info("收到迟到的铸造确认", slog.String("pathway_id", handle.PathwayKey), slog.String("tx_hash", handle.TxHash))
		b.confirmed(handle, conf)
	case web3.OutcomeFailed:
		// 迟到的回滚可能来自与另一次提交的竞争，链上已有代币时采纳。
		b.adoptLanded(adapter, handle)
	}
}

// settleRevert 处理被回滚的铸造交易。通路的另一次提交已在链上生效时（例如重试后
// 才到达的迟到确认），回滚的原因就是代币已存在，此时采纳该代币而不是记为失败。
func (b *Bridge) settleRevert(adapter web3.Adapter, handle web3.PendingHandle, cause error) {
	ctx := context.Background()
	tokenID, found, err := b.lookup(ctx, adapter, handle.PathwayKey)
	if err != nil {
		b.logger.Warn("回滚后查询链上代币失败", slog.String("pathway_id", handle.PathwayKey), slog.Any("error", err))
	}
	if !found {
		b.fail(handle, cause, "confirm")
		return
	}
	if _, err := b.ledger.MarkFailed(ctx, handle.PathwayKey, handle.TxHash, cause.Error()); err != nil {
		if rec, ok, gerr := b.ledger.Get(ctx, handle.PathwayKey); gerr == nil && ok && rec.State == StateTokenized {
			return
		}
		b.logger.Warn("忽略失败确认",
			slog.String("pathway_id", handle.PathwayKey),
			slog.String("tx_hash", handle.TxHash),
			slog.Any("error", err),
		)
		return
	}
	if _, err := b.adopt(ctx, handle.PathwayKey, handle.Chain, tokenID); err != nil {
		b.logger.Error("采纳链上代币失败", slog.String("pathway_id", handle.PathwayKey), slog.Any("error", err))
	}
}

// adoptLanded 在账本记为失败而链上已有代币时采纳该代币。
func (b *Bridge) adoptLanded(adapter web3.Adapter, handle web3.PendingHandle) {
	ctx := context.Background()
	rec, ok, err := b.ledger.Get(ctx, handle.PathwayKey)
	if err != nil || !ok || rec.State != StateMintFailed {
		return
	}
	tokenID, found, err := b.lookup(ctx, adapter, handle.PathwayKey)
	if err != nil || !found {
		return
	}
	if _, err := b.adopt(ctx, handle.PathwayKey, handle.Chain, tokenID); err != nil {
		b.logger.Error("采纳链上代币失败", slog.String("pathway_id", handle.PathwayKey), slog.Any("error", err))
	}
}

func (b *Bridge) confirmed(handle web3.PendingHandle, conf web3.Confirmation) {
	ctx := context.Background()
	tokenID := ""
	if conf.Receipt != nil {
		tokenID = conf.Receipt.TokenID
	}
	rec, changed, err := b.ledger.Complete(ctx, handle.PathwayKey, Completion{Chain: web3.NormalizeChain(handle.Chain), TxHash: handle.TxHash, TokenID: tokenID})
	if err != nil {
		// 账本正在等待另一次提交时，那次提交会因代币已存在而回滚，由 settleRevert 采纳。
		b.logger.Warn("忽略与账本不一致的确认",
			slog.String("pathway_id", handle.PathwayKey),
			slog.String("tx_hash", handle.TxHash),
			slog.Any("error", err),
		)
		return
	}
	b.applyToken(ctx, rec, changed)
}

func (b *Bridge) fail(handle web3.PendingHandle, cause error, stage string) {
	ctx := context.Background()
	rec, err := b.ledger.MarkFailed(ctx, handle.PathwayKey, handle.TxHash, cause.Error())
	if err != nil {
		b.logger.Warn("忽略失败确认",
			slog.String("pathway_id", handle.PathwayKey),
			slog.String("tx_hash", handle.TxHash),
			slog.Any("error", err),
		)
		return
	}
	b.mintFailed(ctx, rec, cause, stage)
}

func (b *Bridge) begin(pathwayID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.waiters[pathwayID]; !ok {
		b.waiters[pathwayID] = make(chan struct{})
	}
}

func (b *Bridge) finish(pathwayID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if ch, ok := b.waiters[pathwayID]; ok {
		close(ch)
		delete(b.waiters, pathwayID)
	}
}

func (b *Bridge) waiter(pathwayID string) <-chan struct{} {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.waiters[pathwayID]
}

// Await 阻塞直到通路的铸造进入终态或 ctx 结束。
func (b *Bridge) Await(ctx context.Context, pathwayID string) (MintRecord, error) {
	var ticker *time.Ticker
	for {
		rec, ok, err := b.ledger.Get(ctx, pathwayID)
		if err != nil {
			return MintRecord{}, storageErr(err)
		}
		if !ok {
			return b.TokenStatus(ctx, pathwayID)
		}
		if rec.State.Terminal() {
			return rec, nil
		}
		done := b.waiter(pathwayID)
		var tick <-chan time.Time
		if done == nil {
			// 由其他实例铸造时只能轮询账本。
			if ticker == nil {
				ticker = time.NewTicker(awaitPollInterval)
				defer ticker.Stop()
			}
			tick = ticker.C
		}
		select {
		case <-ctx.Done():
			return rec, ctx.Err()
		case <-done:
		case <-tick:
		}
	}
}

// TokenStatus 返回通路的铸造状态。
func (b *Bridge) TokenStatus(ctx context.Context, pathwayID string) (MintRecord, error) {
	p, err := b.store.GetPathway(pathwayID)
	if err != nil {
		return MintRecord{}, err
	}
	rec, ok, err := b.ledger.Get(ctx, pathwayID)
	if err != nil {
		return MintRecord{}, storageErr(err)
	}
	if ok {
		return rec, nil
	}
	if p.Tokenized() {
		return MintRecord{
			PathwayID: p.ID,
			State:     StateTokenized,
			Chain:     p.Token.Chain,
			TokenID:   p.Token.TokenID,
			TxHash:    p.Token.TxHash,
			UpdatedAt: p.Token.MintedAt,
		}, nil
	}
	return MintRecord{PathwayID: p.ID, State: StateUntokenized}, nil
}

// Reconcile 使账本、图与链上状态一致：采纳链上已有的代币，并把账本中的
// tokenized 记录补写回图。进行中的铸造返回冲突。
func (b *Bridge) Reconcile(ctx context.Context, pathwayID string) (rec MintRecord, err error) {
	ctx, span := tracing.Start(ctx, "bridge.reconcile", attribute.String("pathway_id", pathwayID))
	defer func() { tracing.End(span, err) }()

	p, err := b.store.GetPathway(pathwayID)
	if err != nil {
		return MintRecord{}, err
	}
	unlock, err := b.locker.Lock(ctx, "pathway:"+p.ID)
	if err != nil {
		return MintRecord{}, err
	}
	defer unlock()

	rec, ok, err := b.ledger.Get(ctx, p.ID)
	if err != nil {
		return MintRecord{}, storageErr(err)
	}
	if ok {
		switch rec.State {
		case StateMinting:
			return rec, ErrMintInProgress
		case StateTokenized:
			if !p.Tokenized() {
				b.applyToken(ctx, rec, true)
			}
			return rec, nil
		}
	}
	if !ok && p.Tokenized() {
		return b.TokenStatus(ctx, p.ID)
	}

	chain := rec.Chain
	if chain == "" {
		if chain, err = b.chainFor(p, ""); err != nil {
			return MintRecord{}, err
		}
	}
	adapter, err := b.adapters.Adapter(chain)
	if err != nil {
		return MintRecord{}, err
	}
	tokenID, found, err := b.lookup(ctx, adapter, p.ID)
	if err != nil {
		return MintRecord{}, err
	}
	if !found {
		if ok {
			return rec, nil
		}
		return MintRecord{PathwayID: p.ID, State: StateUntokenized}, nil
	}
	return b.adopt(ctx, p.ID, chain, tokenID)
}

// Resume 接管账本中遗留的 minting 记录：已广播的交易恢复确认，
// 未广播的记录转为 mint_failed。返回恢复确认的数量。
func (b *Bridge) Resume(ctx context.Context) (int, error) {
	pending, err := b.ledger.List(ctx, StateMinting)
	if err != nil {
		return 0, storageErr(err)
	}
	resumed := 0
	for _, rec := range pending {
		if rec.TxHash == "" {
			cause := xerrors.New(xerrors.CodeChainUnavailable, "mint interrupted before submission")
			failed, err := b.ledger.MarkFailed(ctx, rec.PathwayID, "", cause.Error())
			if err == nil {
				b.mintFailed(ctx, failed, cause, "resume")
			}
			continue
		}
		adapter, err := b.adapters.Adapter(rec.Chain)
		if err != nil {
			b.logger.Warn("无法恢复铸造确认", slog.String("pathway_id", rec.PathwayID), slog.String("chain", rec.Chain), slog.Any("error", err))
			continue
		}
		b.begin(rec.PathwayID)
		b.watch(adapter, web3.PendingHandle{
			Chain:      rec.Chain,
			TxHash:     rec.TxHash,
			Kind:       web3.TxMint,
			PathwayKey: rec.PathwayID,
		})
		resumed++
	}
	if resumed > 0 {
		b.logger.Info("已恢复未完成的铸造确认", slog.Int("count", resumed))
	}
	return resumed, nil
}

// Mints 列出账本记录，state 为空时返回全部。
func (b *Bridge) Mints(ctx context.Context, state State) ([]MintRecord, error) {
	recs, err := b.ledger.List(ctx, state)
	if err != nil {
		return nil, storageErr(err)
	}
	return recs, nil
}

// QueueStrengthSync 请求把通路强度同步到链上；未铸造或未配置队列时忽略。
func (b *Bridge) QueueStrengthSync(ctx context.Context, pathwayID string) error {
	if b.queue == nil {
		return nil
	}
	p, err := b.store.GetPathway(pathwayID)
	if err != nil {
		return err
	}
	if !p.Tokenized() {
		return nil
	}
	pctx, cancel := context.WithTimeout(ctx, time.Second)
	defer cancel()
	queued, err := b.queue.Publish(pctx, pathwayID)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeQueueFailure, err, "投递强度同步请求失败", xerrors.WithMetadata("pathway_id", pathwayID))
	}
	if !queued {
		metrics.ObserveStrengthSync("coalesced")
	}
	return nil
}

// SyncStrength 把通路当前强度提交到链上。同步是尽力而为的，失败不影响图中的强度。
func (b *Bridge) SyncStrength(ctx context.Context, pathwayID string) (err error) {
	ctx, span := tracing.Start(ctx, "bridge.sync_strength", attribute.String("pathway_id", pathwayID))
	defer func() { tracing.End(span, err) }()

	p, err := b.store.GetPathway(pathwayID)
	if err != nil {
		metrics.ObserveStrengthSync("error")
		return err
	}
	if !p.Tokenized() {
		metrics.ObserveStrengthSync("skipped")
		return nil
	}
	adapter, err := b.adapters.Adapter(p.Token.Chain)
	if err != nil {
		metrics.ObserveStrengthSync("error")
		return err
	}
	strength := web3.EncodeStrength(p.Strength)
	handle, err := adapter.Submit(ctx, web3.TxData{
		Kind:       web3.TxUpdateStrength,
		PathwayKey: p.ID,
		TokenID:    p.Token.TokenID,
		Strength:   strength,
	})
	if err != nil {
		metrics.ObserveStrengthSync("error")
		return err
	}
	metrics.ObserveStrengthSync("submitted")
	b.logger.Debug("强度同步已提交",
		slog.String("pathway_id", p.ID),
		slog.String("token_id", p.Token.TokenID),
		slog.Int("strength", int(strength)),
		slog.String("tx_hash", handle.TxHash),
	)
	return nil
}

// Close 停止所有确认协程并等待其退出。
func (b *Bridge) Close() error {
	b.mu.Lock()
	b.closed = true
	b.mu.Unlock()
	b.cancel()
	b.wg.Wait()
	return nil
}

func storageErr(err error) error {
	if err == nil {
		return nil
	}
	if _, ok := xerrors.From(err); ok {
		return err
	}
	return xerrors.Wrap(xerrors.CodeStorageFailure, err, "mint ledger failure")
}
