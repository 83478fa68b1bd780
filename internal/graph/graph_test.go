package graph

import (
	"context"
	stdErrors "errors"
	"fmt"
	"math/rand"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	xerrors "CognitiveMesh/internal/errors"
)

func fixedClock() func() time.Time {
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	var mu sync.Mutex
	n := 0
	return func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		n++
		return base.Add(time.Duration(n) * time.Millisecond)
	}
}

func newTestGraph(t *testing.T, opts ...Option) *Graph {
	t.Helper()
	g, err := New(append([]Option{WithClock(fixedClock())}, opts...)...)
	require.NoError(t, err)
	return g
}

func addAgent(t *testing.T, g *Graph, id, chain string) Agent {
	t.Helper()
	a, err := g.AddAgent(context.Background(), Agent{ID: id, Name: "agent-" + id, Chain: chain, TrustScore: 0.5})
	require.NoError(t, err)
	return a
}

func strength(v float64) *float64 { return &v }

func TestAddAgentRejectsDuplicateID(t *testing.T) {
	g := newTestGraph(t)
	addAgent(t, g, "a", "ethereum")

	_, err := g.AddAgent(context.Background(), Agent{ID: "a", Name: "again", Chain: "ethereum"})
	require.Error(t, err)
	assert.Equal(t, xerrors.CodeConflict, xerrors.CodeOf(err))
}

func TestAddAgentValidatesInput(t *testing.T) {
	g := newTestGraph(t)
	ctx := context.Background()

	_, err := g.AddAgent(ctx, Agent{ID: "x", Chain: "ethereum"})
	assert.Equal(t, xerrors.CodeInvalidArgument, xerrors.CodeOf(err))

	_, err = g.AddAgent(ctx, Agent{ID: "x", Name: "x", Chain: "ethereum", TrustScore: 1.2})
	assert.Equal(t, xerrors.CodeInvalidRange, xerrors.CodeOf(err))

	_, err = g.AddAgent(ctx, Agent{ID: "x", Name: "x", Chain: "ethereum", Status: "sleeping"})
	assert.Equal(t, xerrors.CodeInvalidArgument, xerrors.CodeOf(err))
}

func TestAddAgentRejectsDanglingMirror(t *testing.T) {
	g := newTestGraph(t)
	_, err := g.AddAgent(context.Background(), Agent{ID: "m", Name: "m", Chain: "solana", SourceAgentID: "ghost"})
	require.Error(t, err)
	assert.Equal(t, xerrors.CodeNotFound, xerrors.CodeOf(err))
	assert.False(t, g.HasAgent("m"))
}

func TestAddAgentNormalizesCapabilities(t *testing.T) {
	g := newTestGraph(t)
	a, err := g.AddAgent(context.Background(), Agent{ID: "a", Name: "a", Chain: "ethereum", Capabilities: []string{"route", " plan", "route", ""}})
	require.NoError(t, err)
	assert.Equal(t, []string{"plan", "route"}, a.Capabilities)
	assert.Equal(t, AgentActive, a.Status)
	assert.True(t, a.HasCapability("plan"))
}

func TestAddPathwayPreconditions(t *testing.T) {
	g := newTestGraph(t)
	ctx := context.Background()
	addAgent(t, g, "a", "ethereum")
	addAgent(t, g, "b", "ethereum")

	_, err := g.AddPathway(ctx, "a", "ghost", PathwayAttrs{})
	assert.Equal(t, xerrors.CodeNotFound, xerrors.CodeOf(err))

	_, err = g.AddPathway(ctx, "a", "a", PathwayAttrs{})
	assert.True(t, stdErrors.Is(err, ErrSelfLoop))

	_, err = g.AddPathway(ctx, "a", "b", PathwayAttrs{Strength: strength(1.5)})
	assert.Equal(t, xerrors.CodeInvalidRange, xerrors.CodeOf(err))

	p, err := g.AddPathway(ctx, "a", "b", PathwayAttrs{})
	require.NoError(t, err)
	assert.Equal(t, 0.5, p.Strength)
	assert.Nil(t, p.LastUsedAt)

	_, err = g.AddPathway(ctx, "a", "b", PathwayAttrs{})
	assert.Equal(t, xerrors.CodeConflict, xerrors.CodeOf(err))

	// 反向的单向通路是另一个有序节点对。
	_, err = g.AddPathway(ctx, "b", "a", PathwayAttrs{})
	require.NoError(t, err)
	assert.Len(t, g.ListPathways(PathwayFilter{}), 2)
}

func TestBidirectionalPathwayIsOneRecord(t *testing.T) {
	g := newTestGraph(t)
	ctx := context.Background()
	addAgent(t, g, "a", "ethereum")
	addAgent(t, g, "b", "ethereum")

	p, err := g.AddPathway(ctx, "a", "b", PathwayAttrs{Strength: strength(0.5), Bidirectional: true})
	require.NoError(t, err)

	back, err := g.Lookup("b", "a")
	require.NoError(t, err)
	assert.Equal(t, p.ID, back.ID)

	_, err = g.RecordUsage(ctx, back.ID, OutcomeSuccess)
	require.NoError(t, err)

	forward, err := g.Lookup("a", "b")
	require.NoError(t, err)
	assert.Equal(t, 0.55, forward.Strength)
	assert.EqualValues(t, 1, forward.UsageCount)

	_, err = g.AddPathway(ctx, "b", "a", PathwayAttrs{})
	assert.Equal(t, xerrors.CodeConflict, xerrors.CodeOf(err))
	assert.Len(t, g.ListPathways(PathwayFilter{}), 1)
}

func TestBidirectionalRequiresFreeReversePair(t *testing.T) {
	g := newTestGraph(t)
	ctx := context.Background()
	addAgent(t, g, "a", "ethereum")
	addAgent(t, g, "b", "ethereum")

	_, err := g.AddPathway(ctx, "b", "a", PathwayAttrs{})
	require.NoError(t, err)
	_, err = g.AddPathway(ctx, "a", "b", PathwayAttrs{Bidirectional: true})
	assert.True(t, stdErrors.Is(err, ErrDuplicatePathway))
}

func TestRecordUsageStrengthRules(t *testing.T) {
	g := newTestGraph(t)
	ctx := context.Background()
	addAgent(t, g, "a", "ethereum")
	addAgent(t, g, "c", "solana")

	p, err := g.AddPathway(ctx, "a", "c", PathwayAttrs{Strength: strength(0.7), CrossChain: true})
	require.NoError(t, err)
	for i := 0; i < 3; i++ {
		p, err = g.RecordUsage(ctx, p.ID, OutcomeFailure)
		require.NoError(t, err)
	}
	assert.Equal(t, 0.4, p.Strength)
	assert.EqualValues(t, 3, p.UsageCount)
	assert.EqualValues(t, 3, p.FailureCount)
	require.NotNil(t, p.LastUsedAt)

	_, err = g.RecordUsage(ctx, p.ID, Outcome("maybe"))
	assert.Equal(t, xerrors.CodeInvalidArgument, xerrors.CodeOf(err))

	_, err = g.RecordUsage(ctx, "missing", OutcomeSuccess)
	assert.Equal(t, xerrors.CodeNotFound, xerrors.CodeOf(err))
}

func TestStrengthStaysInBounds(t *testing.T) {
	g := newTestGraph(t)
	ctx := context.Background()
	addAgent(t, g, "a", "ethereum")
	addAgent(t, g, "b", "ethereum")
	p, err := g.AddPathway(ctx, "a", "b", PathwayAttrs{Strength: strength(0.3)})
	require.NoError(t, err)

	rng := rand.New(rand.NewSource(7))
	for i := 0; i < 500; i++ {
		outcome := OutcomeSuccess
		if rng.Intn(2) == 0 {
			outcome = OutcomeFailure
		}
		p, err = g.RecordUsage(ctx, p.ID, outcome)
		require.NoError(t, err)
		require.GreaterOrEqual(t, p.Strength, 0.0)
		require.LessOrEqual(t, p.Strength, 1.0)
	}
}

func TestSuccessGrowthIsBounded(t *testing.T) {
	g := newTestGraph(t)
	ctx := context.Background()
	addAgent(t, g, "a", "ethereum")
	addAgent(t, g, "b", "ethereum")
	s0 := 0.42
	p, err := g.AddPathway(ctx, "a", "b", PathwayAttrs{Strength: strength(s0)})
	require.NoError(t, err)

	for n := 1; n <= 30; n++ {
		p, err = g.RecordUsage(ctx, p.ID, OutcomeSuccess)
		require.NoError(t, err)
		limit := s0 + float64(n)*0.05
		if limit > 1 {
			limit = 1
		}
		require.LessOrEqual(t, p.Strength, limit+1e-9, "after %d successes", n)
	}
	assert.Equal(t, 1.0, p.Strength)
}

func TestConcurrentUsageIsLinearized(t *testing.T) {
	g := newTestGraph(t)
	ctx := context.Background()
	addAgent(t, g, "a", "ethereum")
	addAgent(t, g, "b", "ethereum")
	addAgent(t, g, "c", "ethereum")
	ab, err := g.AddPathway(ctx, "a", "b", PathwayAttrs{})
	require.NoError(t, err)
	ac, err := g.AddPathway(ctx, "a", "c", PathwayAttrs{})
	require.NoError(t, err)

	const workers = 64
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(2)
		go func(i int) {
			defer wg.Done()
			outcome := OutcomeSuccess
			if i%2 == 0 {
				outcome = OutcomeFailure
			}
			_, err := g.RecordUsage(ctx, ab.ID, outcome)
			assert.NoError(t, err)
		}(i)
		go func() {
			defer wg.Done()
			_, err := g.RecordUsage(ctx, ac.ID, OutcomeSuccess)
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	got, err := g.GetPathway(ab.ID)
	require.NoError(t, err)
	assert.EqualValues(t, workers, got.UsageCount)
	assert.EqualValues(t, workers/2, got.SuccessCount)
	assert.EqualValues(t, workers/2, got.FailureCount)

	other, err := g.GetPathway(ac.ID)
	require.NoError(t, err)
	assert.EqualValues(t, workers, other.UsageCount)
}

func TestInactivePathwayRejectsUsage(t *testing.T) {
	g := newTestGraph(t)
	ctx := context.Background()
	addAgent(t, g, "a", "ethereum")
	addAgent(t, g, "b", "ethereum")
	p, err := g.AddPathway(ctx, "a", "b", PathwayAttrs{})
	require.NoError(t, err)

	_, err = g.SetPathwayStatus(ctx, p.ID, PathwayInactive)
	require.NoError(t, err)
	_, err = g.RecordUsage(ctx, p.ID, OutcomeSuccess)
	assert.Equal(t, xerrors.CodeConflict, xerrors.CodeOf(err))
}

func TestSetTokenOnce(t *testing.T) {
	g := newTestGraph(t)
	ctx := context.Background()
	addAgent(t, g, "a", "ethereum")
	addAgent(t, g, "b", "ethereum")
	p, err := g.AddPathway(ctx, "a", "b", PathwayAttrs{})
	require.NoError(t, err)

	first, err := g.SetToken(ctx, p.ID, TokenHandle{Chain: "ethereum", TokenID: "7"})
	require.NoError(t, err)
	require.True(t, first.Tokenized())

	again, err := g.SetToken(ctx, p.ID, TokenHandle{Chain: "ethereum", TokenID: "7"})
	require.NoError(t, err)
	assert.Equal(t, first.UpdatedAt, again.UpdatedAt)

	_, err = g.SetToken(ctx, p.ID, TokenHandle{Chain: "ethereum", TokenID: "8"})
	assert.True(t, stdErrors.Is(err, ErrAlreadyTokenized))
}

func TestMutateAgentGuardsIdentity(t *testing.T) {
	g := newTestGraph(t)
	ctx := context.Background()
	addAgent(t, g, "a", "ethereum")

	_, err := g.MutateAgent(ctx, "a", func(a *Agent) error {
		a.Chain = "solana"
		return nil
	})
	assert.Equal(t, xerrors.CodeInvalidArgument, xerrors.CodeOf(err))

	updated, err := g.MutateAgent(ctx, "a", func(a *Agent) error {
		a.Capabilities = append(a.Capabilities, "index")
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"index"}, updated.Capabilities)

	boom := stdErrors.New("boom")
	_, err = g.MutateAgent(ctx, "a", func(*Agent) error { return boom })
	assert.ErrorIs(t, err, boom)
}

type failingJournal struct {
	nopJournal
	failPathway bool
	failUsage   bool
}

func (f *failingJournal) SaveUsage(context.Context, Pathway, Agent) error {
	if f.failUsage {
		return fmt.Errorf("deadlock found when trying to get lock")
	}
	return nil
}

func (f *failingJournal) SavePathway(context.Context, Pathway) error {
	if f.failPathway {
		return fmt.Errorf("disk full")
	}
	return nil
}

func TestJournalFailureLeavesGraphUntouched(t *testing.T) {
	journal := &failingJournal{}
	g := newTestGraph(t, WithJournal(journal))
	ctx := context.Background()
	addAgent(t, g, "a", "ethereum")
	addAgent(t, g, "b", "ethereum")

	p, err := g.AddPathway(ctx, "a", "b", PathwayAttrs{Strength: strength(0.6)})
	require.NoError(t, err)

	journal.failPathway = true
	_, err = g.RecordUsage(ctx, p.ID, OutcomeFailure)
	require.Error(t, err)
	assert.Equal(t, xerrors.CodeStorageFailure, xerrors.CodeOf(err))

	got, err := g.GetPathway(p.ID)
	require.NoError(t, err)
	assert.Equal(t, 0.6, got.Strength)
	assert.Zero(t, got.UsageCount)

	addAgent(t, g, "c", "ethereum")
	_, err = g.AddPathway(ctx, "a", "c", PathwayAttrs{})
	require.Error(t, err)
	_, err = g.Lookup("a", "c")
	assert.Equal(t, xerrors.CodeNotFound, xerrors.CodeOf(err))
}

func TestRecordUsageWithCommitsPathwayAndAgentTogether(t *testing.T) {
	journal := &failingJournal{}
	g := newTestGraph(t, WithJournal(journal))
	ctx := context.Background()
	addAgent(t, g, "a", "ethereum")
	addAgent(t, g, "b", "ethereum")
	p, err := g.AddPathway(ctx, "a", "b", PathwayAttrs{Strength: strength(0.6)})
	require.NoError(t, err)

	lower := func(a *Agent) error {
		a.TrustScore -= 0.03
		return nil
	}

	journal.failUsage = true
	_, _, err = g.RecordUsageWith(ctx, p.ID, OutcomeFailure, lower)
	assert.Equal(t, xerrors.CodeStorageFailure, xerrors.CodeOf(err))

	boom := stdErrors.New("boom")
	journal.failUsage = false
	_, _, err = g.RecordUsageWith(ctx, p.ID, OutcomeFailure, func(*Agent) error { return boom })
	assert.ErrorIs(t, err, boom)

	_, _, err = g.RecordUsageWith(ctx, p.ID, OutcomeFailure, func(a *Agent) error {
		a.Chain = "solana"
		return nil
	})
	assert.Equal(t, xerrors.CodeInvalidArgument, xerrors.CodeOf(err))

	got, err := g.GetPathway(p.ID)
	require.NoError(t, err)
	assert.Equal(t, 0.6, got.Strength)
	assert.Zero(t, got.UsageCount)
	assert.Nil(t, got.LastUsedAt)
	target, err := g.GetAgent("b")
	require.NoError(t, err)
	assert.Equal(t, 0.5, target.TrustScore)

	updated, target, err := g.RecordUsageWith(ctx, p.ID, OutcomeFailure, lower)
	require.NoError(t, err)
	assert.Equal(t, uint64(1), updated.FailureCount)
	assert.Less(t, updated.Strength, 0.6)
	assert.InDelta(t, 0.47, target.TrustScore, 1e-9)
	stored, err := g.GetAgent("b")
	require.NoError(t, err)
	assert.InDelta(t, 0.47, stored.TrustScore, 1e-9)
}

func TestAddPathwayChecksEndpointsUnderLock(t *testing.T) {
	g := newTestGraph(t)
	ctx := context.Background()
	addAgent(t, g, "a", "ethereum")
	addAgent(t, g, "b", "solana")
	_, err := g.MutateAgent(ctx, "b", func(a *Agent) error {
		a.Status = AgentLearning
		return nil
	})
	require.NoError(t, err)

	_, err = g.AddPathway(ctx, "a", "b", PathwayAttrs{RequireActive: true})
	require.Error(t, err)
	assert.True(t, stdErrors.Is(err, ErrAgentInactive))
	assert.Equal(t, xerrors.CodeConflict, xerrors.CodeOf(err))
	assert.Empty(t, g.ListPathways(PathwayFilter{}))

	// 未要求 active 时照常建立，跨链标记由两端归属链决定。
	p, err := g.AddPathway(ctx, "a", "b", PathwayAttrs{})
	require.NoError(t, err)
	assert.True(t, p.CrossChain)
}

func TestConcurrentDeactivationNeverLeavesPathwayToInactiveAgent(t *testing.T) {
	for i := 0; i < 50; i++ {
		g := newTestGraph(t)
		ctx := context.Background()
		addAgent(t, g, "a", "ethereum")
		addAgent(t, g, "b", "ethereum")

		var wg sync.WaitGroup
		wg.Add(2)
		go func() {
			defer wg.Done()
			_, _ = g.AddPathway(ctx, "a", "b", PathwayAttrs{RequireActive: true})
		}()
		go func() {
			defer wg.Done()
			_, _ = g.MutateAgent(ctx, "b", func(a *Agent) error {
				a.Status = AgentInactive
				return nil
			})
		}()
		wg.Wait()

		b, err := g.GetAgent("b")
		require.NoError(t, err)
		require.Equal(t, AgentInactive, b.Status)
		// 通路若存在，必须建立于停用之前。
		for _, p := range g.ListPathways(PathwayFilter{}) {
			assert.False(t, p.CreatedAt.After(b.UpdatedAt), "pathway created after target was deactivated")
		}
	}
}

func TestChainNamesAreCaseInsensitive(t *testing.T) {
	g := newTestGraph(t)
	ctx := context.Background()

	a, err := g.AddAgent(ctx, Agent{ID: "a", Name: "a", Chain: " Ethereum "})
	require.NoError(t, err)
	assert.Equal(t, "ethereum", a.Chain)
	addAgent(t, g, "b", "ETHEREUM")

	p, err := g.AddPathway(ctx, "a", "b", PathwayAttrs{})
	require.NoError(t, err)
	assert.False(t, p.CrossChain)

	_, _, err = g.AddMirror(ctx, Agent{ID: "a-eth", Name: "a", Chain: "ETHEREUM", SourceAgentID: "a"})
	assert.True(t, stdErrors.Is(err, ErrMirrorOnHomeChain))
	_, _, err = g.AddMirror(ctx, Agent{ID: "a-sol", Name: "a", Chain: "Solana", SourceAgentID: "a"})
	require.NoError(t, err)
	_, _, err = g.AddMirror(ctx, Agent{ID: "a-sol-2", Name: "a", Chain: "solana", SourceAgentID: "a"})
	assert.True(t, stdErrors.Is(err, ErrDuplicateLink))

	restored := newTestGraph(t)
	require.NoError(t, restored.Restore(Snapshot{
		Agents: []Agent{
			{ID: "x", Name: "x", Chain: "Polygon", Status: AgentActive},
			{ID: "x-sol", Name: "x", Chain: "SOLANA", SourceChain: "Polygon", SourceAgentID: "x", Status: AgentActive},
		},
		Links: []ChainLink{{CanonicalID: "x", Chain: "Solana", MirrorID: "x-sol"}},
	}))
	x, err := restored.GetAgent("x")
	require.NoError(t, err)
	assert.Equal(t, "polygon", x.Chain)
	links, err := restored.ChainLinks("x")
	require.NoError(t, err)
	require.Len(t, links, 1)
	assert.Equal(t, "solana", links[0].Chain)
}

func TestMirrorsAndChainLinks(t *testing.T) {
	g := newTestGraph(t)
	ctx := context.Background()
	addAgent(t, g, "a", "ethereum")

	mirror, link, err := g.AddMirror(ctx, Agent{ID: "a-sol", Name: "a", Chain: "solana", SourceAgentID: "a"})
	require.NoError(t, err)
	assert.Equal(t, "ethereum", mirror.SourceChain)
	assert.Equal(t, "a", link.CanonicalID)

	// 镜像的镜像解析到同一规范身份。
	_, _, err = g.AddMirror(ctx, Agent{ID: "a-poly", Name: "a", Chain: "polygon", SourceAgentID: "a-sol"})
	require.NoError(t, err)

	_, _, err = g.AddMirror(ctx, Agent{ID: "a-sol-2", Name: "a", Chain: "solana", SourceAgentID: "a"})
	assert.True(t, stdErrors.Is(err, ErrDuplicateLink))

	_, _, err = g.AddMirror(ctx, Agent{ID: "a-eth", Name: "a", Chain: "ethereum", SourceAgentID: "a"})
	assert.True(t, stdErrors.Is(err, ErrMirrorOnHomeChain))

	links, err := g.ChainLinks("a-poly")
	require.NoError(t, err)
	require.Len(t, links, 2)
	assert.Equal(t, "polygon", links[0].Chain)
	assert.Equal(t, "solana", links[1].Chain)

	root, err := g.Canonical("a-poly")
	require.NoError(t, err)
	assert.Equal(t, "a", root)
}

func TestSnapshotRestoreRoundTrip(t *testing.T) {
	g := newTestGraph(t)
	ctx := context.Background()
	addAgent(t, g, "a", "ethereum")
	addAgent(t, g, "b", "ethereum")
	_, _, err := g.AddMirror(ctx, Agent{ID: "a-sol", Name: "a", Chain: "solana", SourceAgentID: "a"})
	require.NoError(t, err)
	p, err := g.AddPathway(ctx, "a", "b", PathwayAttrs{Bidirectional: true, Strength: strength(0.9)})
	require.NoError(t, err)
	_, err = g.RecordUsage(ctx, p.ID, OutcomeSuccess)
	require.NoError(t, err)

	snap := g.Snapshot()
	restored := newTestGraph(t)
	require.NoError(t, restored.Restore(snap))

	if diff := cmp.Diff(snap, restored.Snapshot()); diff != "" {
		t.Fatalf("snapshot mismatch (-want +got):\n%s", diff)
	}
	back, err := restored.Lookup("b", "a")
	require.NoError(t, err)
	assert.Equal(t, p.ID, back.ID)
	root, err := restored.Canonical("a-sol")
	require.NoError(t, err)
	assert.Equal(t, "a", root)

	assert.Error(t, restored.Restore(snap), "restore into a populated graph")
}

func TestRestoreRejectsDanglingPathway(t *testing.T) {
	g := newTestGraph(t)
	err := g.Restore(Snapshot{
		Agents:   []Agent{{ID: "a", Name: "a", Chain: "ethereum", Status: AgentActive}},
		Pathways: []Pathway{{ID: "p", SourceID: "a", TargetID: "ghost", Status: PathwayActive}},
	})
	assert.Equal(t, xerrors.CodeNotFound, xerrors.CodeOf(err))
	assert.False(t, g.HasAgent("a"))
}
