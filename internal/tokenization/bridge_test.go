package tokenization

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	xerrors "CognitiveMesh/internal/errors"
	"CognitiveMesh/internal/events"
	"CognitiveMesh/internal/graph"
	"CognitiveMesh/internal/observability/alerting"
	"CognitiveMesh/internal/web3"
	"CognitiveMesh/internal/web3/memchain"
)

type adapterSet map[string]web3.Adapter

func (s adapterSet) Adapter(chain string) (web3.Adapter, error) {
	a, ok := s[chain]
	if !ok {
		return nil, xerrors.Newf(xerrors.CodeChainUnavailable, "no adapter for chain %s", chain)
	}
	return a, nil
}

type recorder struct {
	mu     sync.Mutex
	events []events.Event
}

func (r *recorder) Emit(e events.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
}

func (r *recorder) ofType(t events.Type) []events.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []events.Event
	for _, e := range r.events {
		if e.Type == t {
			out = append(out, e)
		}
	}
	return out
}

type alertSink struct {
	mu     sync.Mutex
	alerts []alerting.Event
}

func (a *alertSink) Notify(_ context.Context, e alerting.Event) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.alerts = append(a.alerts, e)
	return nil
}

func (a *alertSink) all() []alerting.Event {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]alerting.Event(nil), a.alerts...)
}

type fixture struct {
	graph   *graph.Graph
	chain   *memchain.Ledger
	ledger  *MemoryLedger
	events  *recorder
	alerts  *alertSink
	bridge  *Bridge
	pathway graph.Pathway
}

func newFixture(t *testing.T, opts ...Option) *fixture {
	t.Helper()
	ctx := context.Background()
	g, err := graph.New()
	require.NoError(t, err)
	for _, id := range []string{"a", "b"} {
		_, err := g.AddAgent(ctx, graph.Agent{ID: id, Name: "agent-" + id, Chain: "devnet", TrustScore: 0.5})
		require.NoError(t, err)
	}
	p, err := g.AddPathway(ctx, "a", "b", graph.PathwayAttrs{})
	require.NoError(t, err)

	chain := memchain.New("devnet", memchain.WithPollConfig(web3.PollConfig{InitialInterval: time.Millisecond, MaxInterval: 5 * time.Millisecond}))
	require.NoError(t, chain.Connect(ctx))

	f := &fixture{graph: g, chain: chain, ledger: NewMemoryLedger(), events: &recorder{}, alerts: &alertSink{}, pathway: p}
	base := []Option{WithLedger(f.ledger), WithEmitter(f.events), WithAlerter(f.alerts)}
	f.bridge, err = NewBridge(g, adapterSet{"devnet": chain}, append(base, opts...)...)
	require.NoError(t, err)
	t.Cleanup(func() { _ = f.bridge.Close() })
	return f
}

func (f *fixture) status(t *testing.T) MintRecord {
	t.Helper()
	rec, err := f.bridge.TokenStatus(context.Background(), f.pathway.ID)
	require.NoError(t, err)
	return rec
}

func TestGenerateTokenWaitsForConfirmation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	rec, err := f.bridge.GenerateToken(ctx, f.pathway.ID, GenerateOptions{Wait: true})
	require.NoError(t, err)
	assert.Equal(t, StateTokenized, rec.State)
	assert.Equal(t, "1", rec.TokenID)
	assert.Equal(t, "devnet", rec.Chain)
	assert.Equal(t, "mesh://pathways/"+f.pathway.ID, rec.URI)

	p, err := f.graph.GetPathway(f.pathway.ID)
	require.NoError(t, err)
	require.True(t, p.Tokenized())
	assert.Equal(t, "1", p.Token.TokenID)
	assert.Equal(t, rec.TxHash, p.Token.TxHash)

	tokenized := f.events.ofType(events.PathwayTokenized)
	require.Len(t, tokenized, 1)
	assert.Equal(t, "1", tokenized[0].Attributes["token_id"])

	_, err = f.bridge.GenerateToken(ctx, f.pathway.ID, GenerateOptions{})
	assert.Equal(t, xerrors.CodeConflict, xerrors.CodeOf(err))
	assert.EqualValues(t, 1, f.chain.Submissions())
}

func TestConcurrentGenerateSubmitsOnce(t *testing.T) {
	f := newFixture(t)
	f.chain.Hold()

	var wg sync.WaitGroup
	results := make([]error, 2)
	for i := range results {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, results[i] = f.bridge.GenerateToken(context.Background(), f.pathway.ID, GenerateOptions{})
		}(i)
	}
	wg.Wait()

	var ok, conflicts int
	for _, err := range results {
		switch {
		case err == nil:
			ok++
		case xerrors.CodeOf(err) == xerrors.CodeConflict:
			conflicts++
		default:
			t.Fatalf("unexpected error: %v", err)
		}
	}
	assert.Equal(t, 1, ok)
	assert.Equal(t, 1, conflicts)
	assert.EqualValues(t, 1, f.chain.Submissions())
	assert.Equal(t, StateMinting, f.status(t).State)

	f.chain.Release()
	rec, err := f.bridge.Await(context.Background(), f.pathway.ID)
	require.NoError(t, err)
	assert.Equal(t, StateTokenized, rec.State)
	assert.Equal(t, 1, f.chain.Minted())
}

func TestSubmitFailureMarksFailedAndRetries(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.chain.FailNextSubmit(errors.New("nonce too low"))

	rec, err := f.bridge.GenerateToken(ctx, f.pathway.ID, GenerateOptions{Wait: true})
	require.Error(t, err)
	assert.Equal(t, xerrors.CodeChainUnavailable, xerrors.CodeOf(err))
	assert.Equal(t, StateMintFailed, rec.State)
	assert.Contains(t, rec.LastError, "nonce too low")

	alerts := f.alerts.all()
	require.Len(t, alerts, 1)
	assert.Equal(t, "submit", alerts[0].Stage)
	assert.Equal(t, xerrors.CodeChainUnavailable, alerts[0].Code)
	failed := f.events.ofType(events.PathwayMintFailed)
	require.Len(t, failed, 1)
	assert.Equal(t, string(xerrors.CodeChainUnavailable), failed[0].Attributes["code"])

	rec, err = f.bridge.GenerateToken(ctx, f.pathway.ID, GenerateOptions{Wait: true})
	require.NoError(t, err)
	assert.Equal(t, StateTokenized, rec.State)
	assert.Equal(t, 2, rec.Attempts)
}

func TestRevertedMintIsRetryable(t *testing.T) {
	f := newFixture(t)
	f.chain.RevertNext(1)

	rec, err := f.bridge.GenerateToken(context.Background(), f.pathway.ID, GenerateOptions{Wait: true})
	require.NoError(t, err)
	assert.Equal(t, StateMintFailed, rec.State)
	assert.NotEmpty(t, rec.TxHash)

	alerts := f.alerts.all()
	require.Len(t, alerts, 1)
	assert.Equal(t, CodeMintReverted, alerts[0].Code)
	assert.Equal(t, rec.TxHash, alerts[0].Metadata["tx_hash"])
	assert.True(t, xerrors.AttributesOf(CodeMintReverted).Retryable)

	p, err := f.graph.GetPathway(f.pathway.ID)
	require.NoError(t, err)
	assert.False(t, p.Tokenized())
}

func TestTimeoutThenLateConfirmation(t *testing.T) {
	f := newFixture(t, WithConfirmTimeout(30*time.Millisecond), WithLateConfirmWindow(5*time.Second))
	f.chain.Hold()

	rec, err := f.bridge.GenerateToken(context.Background(), f.pathway.ID, GenerateOptions{Wait: true})
	require.NoError(t, err)
	assert.Equal(t, StateMintFailed, rec.State)
	alerts := f.alerts.all()
	require.Len(t, alerts, 1)
	assert.Equal(t, xerrors.CodeChainTimeout, alerts[0].Code)

	f.chain.Release()
	require.Eventually(t, func() bool {
		return f.status(t).State == StateTokenized
	}, 2*time.Second, 5*time.Millisecond)

	p, err := f.graph.GetPathway(f.pathway.ID)
	require.NoError(t, err)
	assert.True(t, p.Tokenized())
	assert.Equal(t, rec.TxHash, p.Token.TxHash)
}

func TestRetryAfterTimeoutAdoptsLandedToken(t *testing.T) {
	f := newFixture(t, WithConfirmTimeout(30*time.Millisecond))
	ctx := context.Background()
	f.chain.Hold()

	rec, err := f.bridge.GenerateToken(ctx, f.pathway.ID, GenerateOptions{Wait: true})
	require.NoError(t, err)
	require.Equal(t, StateMintFailed, rec.State)

	f.chain.Release()
	rec, err = f.bridge.GenerateToken(ctx, f.pathway.ID, GenerateOptions{Wait: true})
	require.NoError(t, err)
	assert.Equal(t, StateTokenized, rec.State)
	assert.Equal(t, "1", rec.TokenID)
	assert.EqualValues(t, 1, f.chain.Submissions(), "the landed token must be adopted, not minted twice")
	assert.Equal(t, 1, f.chain.Minted())
}

func TestLateConfirmationAfterRetryIsAdopted(t *testing.T) {
	f := newFixture(t, WithConfirmTimeout(30*time.Millisecond), WithLateConfirmWindow(5*time.Second))
	ctx := context.Background()
	f.chain.Hold()

	first, err := f.bridge.GenerateToken(ctx, f.pathway.ID, GenerateOptions{Wait: true})
	require.NoError(t, err)
	require.Equal(t, StateMintFailed, first.State)

	// 第一笔交易仍在链上排队时重试，第二笔交易提交后才放行出块。
	retry, err := f.bridge.GenerateToken(ctx, f.pathway.ID, GenerateOptions{})
	require.NoError(t, err)
	require.Equal(t, StateMinting, retry.State)
	require.EqualValues(t, 2, f.chain.Submissions())
	require.NotEqual(t, first.TxHash, retry.TxHash)

	f.chain.Release()
	require.Eventually(t, func() bool {
		return f.status(t).State == StateTokenized
	}, 2*time.Second, 5*time.Millisecond)

	rec := f.status(t)
	assert.Equal(t, "1", rec.TokenID)
	assert.Empty(t, rec.LastError)
	assert.Equal(t, 1, f.chain.Minted())

	p, err := f.graph.GetPathway(f.pathway.ID)
	require.NoError(t, err)
	require.True(t, p.Tokenized())
	assert.Equal(t, "1", p.Token.TokenID)

	// 第二笔交易因代币已存在而回滚，不应再告警，也不应把账本改回失败。
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, StateTokenized, f.status(t).State)
	alerts := f.alerts.all()
	require.Len(t, alerts, 1)
	assert.Equal(t, xerrors.CodeChainTimeout, alerts[0].Code)
	assert.Len(t, f.events.ofType(events.PathwayTokenized), 1)
}

func TestReconcileAdoptsOnChainToken(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	rec, err := f.bridge.Reconcile(ctx, f.pathway.ID)
	require.NoError(t, err)
	assert.Equal(t, StateUntokenized, rec.State)

	h, err := f.chain.Submit(ctx, web3.TxData{Kind: web3.TxMint, PathwayKey: f.pathway.ID})
	require.NoError(t, err)
	conf, err := f.chain.Confirm(ctx, h, time.Second)
	require.NoError(t, err)
	require.Equal(t, web3.OutcomeSuccess, conf.Outcome)

	rec, err = f.bridge.Reconcile(ctx, f.pathway.ID)
	require.NoError(t, err)
	assert.Equal(t, StateTokenized, rec.State)
	assert.Equal(t, conf.Receipt.TokenID, rec.TokenID)

	p, err := f.graph.GetPathway(f.pathway.ID)
	require.NoError(t, err)
	assert.True(t, p.Tokenized())
}

func TestGenerateTokenUnknownChain(t *testing.T) {
	f := newFixture(t)
	_, err := f.bridge.GenerateToken(context.Background(), f.pathway.ID, GenerateOptions{Chain: "solana"})
	assert.Equal(t, xerrors.CodeChainUnavailable, xerrors.CodeOf(err))
	assert.Equal(t, StateUntokenized, f.status(t).State)

	_, err = f.bridge.GenerateToken(context.Background(), "missing", GenerateOptions{})
	assert.Equal(t, xerrors.CodeNotFound, xerrors.CodeOf(err))
}

func TestStrengthSyncThroughQueue(t *testing.T) {
	defer goleak.VerifyNone(t)

	queue := NewMemoryQueue(8)
	f := newFixture(t, WithSyncQueue(queue))
	ctx, cancel := context.WithCancel(context.Background())

	require.NoError(t, f.bridge.QueueStrengthSync(ctx, f.pathway.ID))
	assert.Zero(t, queue.Len(), "untokenized pathways are not synced")

	rec, err := f.bridge.GenerateToken(ctx, f.pathway.ID, GenerateOptions{Wait: true})
	require.NoError(t, err)
	require.Equal(t, StateTokenized, rec.State)

	p, err := f.graph.RecordUsage(ctx, f.pathway.ID, graph.OutcomeSuccess)
	require.NoError(t, err)
	want := web3.EncodeStrength(p.Strength)

	processor := NewSyncProcessor(f.bridge, queue, WithWorkerCount(2))
	done := make(chan error, 1)
	go func() { done <- processor.Start(ctx) }()

	require.NoError(t, f.bridge.QueueStrengthSync(ctx, f.pathway.ID))
	require.Eventually(t, func() bool {
		got, ok := f.chain.StrengthOf(rec.TokenID)
		return ok && got == want
	}, 2*time.Second, 5*time.Millisecond)

	cancel()
	assert.ErrorIs(t, <-done, context.Canceled)
	require.NoError(t, f.bridge.Close())
}

func TestResumeRestartsPendingConfirmations(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.chain.Hold()

	rec, err := f.bridge.GenerateToken(ctx, f.pathway.ID, GenerateOptions{})
	require.NoError(t, err)
	require.Equal(t, StateMinting, rec.State)
	require.NoError(t, f.bridge.Close())

	p2, err := f.graph.AddPathway(ctx, "b", "a", graph.PathwayAttrs{})
	require.NoError(t, err)
	_, err = f.ledger.Claim(ctx, ClaimRequest{PathwayID: p2.ID, Chain: "devnet"})
	require.NoError(t, err)

	restarted, err := NewBridge(f.graph, adapterSet{"devnet": f.chain}, WithLedger(f.ledger), WithEmitter(f.events))
	require.NoError(t, err)
	defer restarted.Close()

	n, err := restarted.Resume(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	orphan, err := restarted.TokenStatus(ctx, p2.ID)
	require.NoError(t, err)
	assert.Equal(t, StateMintFailed, orphan.State)

	f.chain.Release()
	rec, err = restarted.Await(ctx, f.pathway.ID)
	require.NoError(t, err)
	assert.Equal(t, StateTokenized, rec.State)
}

func TestCloseStopsWatchers(t *testing.T) {
	defer goleak.VerifyNone(t)

	f := newFixture(t)
	f.chain.Hold()
	_, err := f.bridge.GenerateToken(context.Background(), f.pathway.ID, GenerateOptions{})
	require.NoError(t, err)
	require.NoError(t, f.bridge.Close())

	assert.Equal(t, StateMinting, f.status(t).State)
	waitCtx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err = f.bridge.Await(waitCtx, f.pathway.ID)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}
