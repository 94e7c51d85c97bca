package consensus

import (
	"errors"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"dagmesh/config"
	"dagmesh/keys"
	"dagmesh/storage"
	"dagmesh/vertex"
)

func testForkConfig() config.ForkConfig {
	return config.ForkConfig{
		MinWeightAdvantage: 0.10,
		ResolutionTimeout:  300 * time.Second,
		MaxChainWalk:       1000,
	}
}

var chainNonce atomic.Uint64

// buildChain appends n vertices to the store, each the child of the
// previous one, and returns their IDs oldest first. Payloads carry a
// nonce so sibling branches never hash to the same vertex ID.
func buildChain(t *testing.T, store storage.Store, kp *keys.KeyPair, parent string, n int) []string {
	t.Helper()
	ids := make([]string, 0, n)
	for i := 0; i < n; i++ {
		v, err := vertex.New(kp, []string{parent}, []byte(fmt.Sprintf("tx-%d", chainNonce.Add(1))))
		require.NoError(t, err, "Should create chain vertex")
		require.NoError(t, store.PutVertex(v), "Should store chain vertex")
		ids = append(ids, v.ID)
		parent = v.ID
	}
	return ids
}

func newForkFixture(t *testing.T) (*Resolver, storage.Store, *keys.KeyPair, string) {
	t.Helper()
	store := storage.NewMemoryStore()
	kp, err := keys.New()
	require.NoError(t, err, "Should generate key pair")

	common := buildChain(t, store, kp, vertex.GenesisID, 3)
	sequencePoint := common[len(common)-1]

	resolver, err := NewResolver(testForkConfig(), store,
		&MockWeightProvider{Weights: map[string]float64{}}, nil)
	require.NoError(t, err, "Should create resolver")
	return resolver, store, kp, sequencePoint
}

func TestResolverDetectsFork(t *testing.T) {
	resolver, store, kp, sp := newForkFixture(t)

	branchA := buildChain(t, store, kp, sp, 1)[0]
	branchB := buildChain(t, store, kp, sp, 1)[0]

	fork, err := resolver.ReportVertex(sp, branchA, "node-1")
	require.NoError(t, err, "First vertex over a sequence point is not a fork")
	assert.Nil(t, fork, "No fork yet")

	// Re-reporting the same vertex changes nothing
	fork, err = resolver.ReportVertex(sp, branchA, "node-2")
	require.NoError(t, err, "Duplicate report should be accepted")
	assert.Nil(t, fork, "Same vertex twice is not a fork")

	fork, err = resolver.ReportVertex(sp, branchB, "node-3")
	require.NoError(t, err, "Second distinct vertex should be accepted")
	require.NotNil(t, fork, "Second distinct vertex opens a fork")
	assert.Equal(t, ForkDetected, fork.Status, "New fork starts in Detected")
	assert.Len(t, fork.Branches, 2, "Fork should track both branches")
	assert.Equal(t, "node-3", fork.ReporterID, "Fork remembers who reported the conflict")
	assert.Equal(t, uint64(4), fork.Branches[branchA].ChainLength, "Branch length counted from genesis")
}

func TestResolverLongerChainWins(t *testing.T) {
	resolver, store, kp, sp := newForkFixture(t)

	shortTip := buildChain(t, store, kp, sp, 1)[0]
	longChain := buildChain(t, store, kp, sp, 3)
	longTip := longChain[len(longChain)-1]

	_, err := resolver.ReportVertex(sp, shortTip, "node-1")
	require.NoError(t, err, "Should report first branch")
	_, err = resolver.ReportVertex(sp, longTip, "node-2")
	require.NoError(t, err, "Should report second branch")

	// Weight favors the short branch, but chain length ranks first
	require.NoError(t, resolver.RecordVote(sp, shortTip, "voter-1"), "Should record vote")

	fork, err := resolver.ResolveFork(sp)
	require.NoError(t, err, "Longer chain should resolve immediately")
	assert.Equal(t, ForkResolved, fork.Status, "Fork should be resolved")
	assert.Equal(t, longTip, fork.WinnerID, "Longer chain wins regardless of weight")
}

func TestResolverWeightAdvantage(t *testing.T) {
	resolver, store, kp, sp := newForkFixture(t)
	resolver.weights = &MockWeightProvider{Weights: map[string]float64{
		"voter-a": 0.5,
		"voter-b": 0.6,
		"voter-c": 0.2,
	}}

	branchA := buildChain(t, store, kp, sp, 1)[0]
	branchB := buildChain(t, store, kp, sp, 1)[0]

	_, err := resolver.ReportVertex(sp, branchA, "node-1")
	require.NoError(t, err, "Should report first branch")
	_, err = resolver.ReportVertex(sp, branchB, "node-2")
	require.NoError(t, err, "Should report second branch")

	require.NoError(t, resolver.RecordVote(sp, branchA, "voter-a"), "Should record vote for A")
	require.NoError(t, resolver.RecordVote(sp, branchB, "voter-a"), "Voter may switch branches")
	require.NoError(t, resolver.RecordVote(sp, branchA, "voter-b"), "Should record vote for A")

	// voter-a moved to B, so A holds 0.6 and B holds 0.5: exactly the
	// minimum advantage on equal length chains
	fork, err := resolver.ResolveFork(sp)
	require.NoError(t, err, "Minimum weight advantage should resolve")
	assert.Equal(t, branchA, fork.WinnerID, "Heavier branch wins on equal length")
}

func TestResolverWeightAdvantageExactBoundary(t *testing.T) {
	// 0.3 against 0.2 is exactly the 0.10 advantage, but in float64 the
	// sum 0.2+0.1 lands a hair above 0.3. Micro-unit comparison must
	// still resolve it.
	resolver, store, kp, sp := newForkFixture(t)
	resolver.weights = &MockWeightProvider{Weights: map[string]float64{
		"voter-a": 0.3,
		"voter-b": 0.2,
	}}

	branchA := buildChain(t, store, kp, sp, 1)[0]
	branchB := buildChain(t, store, kp, sp, 1)[0]

	_, err := resolver.ReportVertex(sp, branchA, "node-1")
	require.NoError(t, err, "Should report first branch")
	_, err = resolver.ReportVertex(sp, branchB, "node-2")
	require.NoError(t, err, "Should report second branch")

	require.NoError(t, resolver.RecordVote(sp, branchA, "voter-a"), "Should record vote for A")
	require.NoError(t, resolver.RecordVote(sp, branchB, "voter-b"), "Should record vote for B")

	fork, err := resolver.ResolveFork(sp)
	require.NoError(t, err, "Exactly the minimum advantage must be decisive")
	assert.Equal(t, ForkResolved, fork.Status)
	assert.Equal(t, branchA, fork.WinnerID, "Branch at the advantage boundary wins")
}

func TestResolverInsufficientConsensusDefers(t *testing.T) {
	resolver, store, kp, sp := newForkFixture(t)
	resolver.weights = &MockWeightProvider{Weights: map[string]float64{
		"voter-a": 0.5,
		"voter-b": 0.5,
		"voter-c": 0.2,
	}}

	branchA := buildChain(t, store, kp, sp, 1)[0]
	branchB := buildChain(t, store, kp, sp, 1)[0]

	_, err := resolver.ReportVertex(sp, branchA, "node-1")
	require.NoError(t, err, "Should report first branch")
	_, err = resolver.ReportVertex(sp, branchB, "node-2")
	require.NoError(t, err, "Should report second branch")

	require.NoError(t, resolver.RecordVote(sp, branchA, "voter-a"), "Should record vote")
	require.NoError(t, resolver.RecordVote(sp, branchB, "voter-b"), "Should record vote")

	_, err = resolver.ResolveFork(sp)
	require.Error(t, err, "Even split must not resolve")
	assert.True(t, errors.Is(err, ErrInsufficientConsensus), "Split fork stays open")

	fork, err := resolver.GetFork(sp)
	require.NoError(t, err, "Fork should still exist")
	assert.Equal(t, ForkDetected, fork.Status, "Deferred fork stays in Detected")

	// A third vote breaks the tie
	require.NoError(t, resolver.RecordVote(sp, branchA, "voter-c"), "Should record tiebreak vote")
	fork, err = resolver.ResolveFork(sp)
	require.NoError(t, err, "Tiebreak vote should resolve the fork")
	assert.Equal(t, branchA, fork.WinnerID, "Branch with the added weight wins")
}

func TestResolverTimeout(t *testing.T) {
	resolver, store, kp, sp := newForkFixture(t)
	resolver.weights = &MockWeightProvider{Weights: map[string]float64{
		"voter-a": 0.5,
		"voter-b": 0.5,
	}}

	now := time.Now()
	resolver.SetClock(func() time.Time { return now })

	branchA := buildChain(t, store, kp, sp, 1)[0]
	branchB := buildChain(t, store, kp, sp, 1)[0]

	_, err := resolver.ReportVertex(sp, branchA, "node-1")
	require.NoError(t, err, "Should report first branch")
	_, err = resolver.ReportVertex(sp, branchB, "node-2")
	require.NoError(t, err, "Should report second branch")
	require.NoError(t, resolver.RecordVote(sp, branchA, "voter-a"), "Should record vote")
	require.NoError(t, resolver.RecordVote(sp, branchB, "voter-b"), "Should record vote")

	resolver.SetClock(func() time.Time { return now.Add(301 * time.Second) })

	fork, err := resolver.ResolveFork(sp)
	require.Error(t, err, "Split fork past the timeout must fail")
	assert.True(t, errors.Is(err, ErrResolutionTimeout), "Error should be a resolution timeout")
	assert.Equal(t, ForkFailed, fork.Status, "Fork should be marked failed")

	// A failed fork cannot be revived
	err = resolver.RecordVote(sp, branchA, "voter-a")
	require.Error(t, err, "Voting on a failed fork must fail")
}

func TestResolverAlreadyResolved(t *testing.T) {
	resolver, store, kp, sp := newForkFixture(t)

	branchA := buildChain(t, store, kp, sp, 2)
	branchB := buildChain(t, store, kp, sp, 1)[0]

	_, err := resolver.ReportVertex(sp, branchA[len(branchA)-1], "node-1")
	require.NoError(t, err, "Should report first branch")
	_, err = resolver.ReportVertex(sp, branchB, "node-2")
	require.NoError(t, err, "Should report second branch")

	_, err = resolver.ResolveFork(sp)
	require.NoError(t, err, "Longer branch should resolve")

	_, err = resolver.ResolveFork(sp)
	require.Error(t, err, "Resolving twice must fail")
	assert.True(t, errors.Is(err, ErrForkAlreadyResolved), "Error should say the fork is resolved")

	err = resolver.RecordVote(sp, branchB, "voter-a")
	require.Error(t, err, "Voting on a resolved fork must fail")
}

func TestResolverReconcileChain(t *testing.T) {
	resolver, store, kp, sp := newForkFixture(t)

	winner := buildChain(t, store, kp, sp, 3)
	loser := buildChain(t, store, kp, sp, 1)[0]

	winnerTip := winner[len(winner)-1]
	_, err := resolver.ReportVertex(sp, winnerTip, "node-1")
	require.NoError(t, err, "Should report winning branch")
	_, err = resolver.ReportVertex(sp, loser, "node-2")
	require.NoError(t, err, "Should report losing branch")

	_, err = resolver.ReconcileChain(sp)
	require.Error(t, err, "Reconciling an open fork must fail")
	assert.True(t, errors.Is(err, ErrForkNotResolved), "Error should say the fork is open")

	_, err = resolver.ResolveFork(sp)
	require.NoError(t, err, "Longer branch should resolve")

	chain, err := resolver.ReconcileChain(sp)
	require.NoError(t, err, "Resolved fork should reconcile")
	require.Len(t, chain, 3, "Chain should contain the winning branch back to the sequence point")
	assert.Equal(t, winnerTip, chain[0].ID, "Chain is returned newest first")
	assert.Equal(t, winner[0], chain[2].ID, "Oldest returned vertex sits just above the sequence point")
}

func TestResolverChainWalkCap(t *testing.T) {
	store := storage.NewMemoryStore()
	kp, err := keys.New()
	require.NoError(t, err, "Should generate key pair")

	cfg := testForkConfig()
	cfg.MaxChainWalk = 3
	resolver, err := NewResolver(cfg, store, &MockWeightProvider{}, nil)
	require.NoError(t, err, "Should create resolver")

	chain := buildChain(t, store, kp, vertex.GenesisID, 10)
	tip := chain[len(chain)-1]

	_, err = resolver.ReportVertex(chain[0], tip, "node-1")
	require.Error(t, err, "Walk past the cap must fail")
	assert.True(t, errors.Is(err, ErrChainWalkExceeded), "Error should identify the capped walk")
}

func TestResolverForkNotFound(t *testing.T) {
	resolver, _, _, _ := newForkFixture(t)

	_, err := resolver.ResolveFork("no-such-point")
	require.Error(t, err, "Unknown fork should error")
	assert.True(t, errors.Is(err, ErrForkNotFound), "Error should say the fork is unknown")

	err = resolver.RecordVote("no-such-point", "tip", "voter")
	assert.True(t, errors.Is(err, ErrForkNotFound), "Voting on an unknown fork should error")
}
