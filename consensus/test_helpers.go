package consensus

import (
	"context"
	"fmt"
	"math/rand"
	"sync"

	"dagmesh/network"
	"dagmesh/vertex"
)

// MockPeerProvider serves a fixed peer population for engine tests
type MockPeerProvider struct {
	peers []network.Peer
	rng   *rand.Rand
}

// NewMockPeerProvider creates a provider with n peers named peer-0..n-1
func NewMockPeerProvider(n int) *MockPeerProvider {
	peers := make([]network.Peer, n)
	for i := range peers {
		peers[i] = network.Peer{
			ID:     fmt.Sprintf("peer-%d", i),
			Weight: network.DefaultVotingWeight,
		}
	}
	return &MockPeerProvider{peers: peers, rng: rand.New(rand.NewSource(42))}
}

func (m *MockPeerProvider) Sample(k int) []network.Peer {
	if k > len(m.peers) {
		k = len(m.peers)
	}
	idx := m.rng.Perm(len(m.peers))[:k]
	sample := make([]network.Peer, 0, k)
	for _, i := range idx {
		sample = append(sample, m.peers[i])
	}
	return sample
}

func (m *MockPeerProvider) Count() int {
	return len(m.peers)
}

// MockVoteClient answers sampling queries from a per-peer vote table.
// Peers listed in Unreachable return an error instead of a vote.
type MockVoteClient struct {
	mutex       sync.Mutex
	DefaultVote bool
	Votes       map[string]bool
	Unreachable map[string]bool
	Requests    int
}

func NewMockVoteClient(defaultVote bool) *MockVoteClient {
	return &MockVoteClient{
		DefaultVote: defaultVote,
		Votes:       make(map[string]bool),
		Unreachable: make(map[string]bool),
	}
}

func (m *MockVoteClient) RequestVote(_ context.Context, peer network.Peer, _ string) (bool, error) {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	m.Requests++
	if m.Unreachable[peer.ID] {
		return false, fmt.Errorf("peer %s unreachable", peer.ID)
	}
	if vote, ok := m.Votes[peer.ID]; ok {
		return vote, nil
	}
	return m.DefaultVote, nil
}

// MockQuorumProvider returns a fixed quorum fraction
type MockQuorumProvider struct {
	Fraction float64
}

func (m *MockQuorumProvider) CurrentFraction() float64 {
	return m.Fraction
}

// MockPeerHealth reports a fixed health verdict
type MockPeerHealth struct {
	Sufficient bool
}

func (m *MockPeerHealth) HasSufficientPeers(int) bool {
	return m.Sufficient
}

// MockFinalityListener records finalized vertices
type MockFinalityListener struct {
	mutex     sync.Mutex
	Finalized []*vertex.Vertex
}

func (m *MockFinalityListener) OnVertexFinalized(v *vertex.Vertex) {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	m.Finalized = append(m.Finalized, v)
}

func (m *MockFinalityListener) Count() int {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	return len(m.Finalized)
}

// MockWeightProvider returns per-node weights for fork tests
type MockWeightProvider struct {
	Weights map[string]float64
}

func (m *MockWeightProvider) Weight(nodeID string) float64 {
	if w, ok := m.Weights[nodeID]; ok {
		return w
	}
	return network.DefaultVotingWeight
}
