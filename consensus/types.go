package consensus

import (
	"context"
	"errors"

	"dagmesh/network"
	"dagmesh/vertex"
)

var (
	// ErrTimeout is returned when sampling exhausts max rounds without
	// finalizing. The caller may retry.
	ErrTimeout = errors.New("consensus timed out before finalization")

	// ErrNetworkTooSmall is returned when the network is below the
	// configured minimum size. The engine fails fast rather than running
	// with degraded safety.
	ErrNetworkTooSmall = errors.New("network below minimum size for safe consensus")

	// ErrUnknownVertex is returned for operations on a vertex the engine
	// has never seen
	ErrUnknownVertex = errors.New("unknown vertex")

	// ErrFinalityViolation is returned by any operation that would revert
	// a finalized vertex
	ErrFinalityViolation = errors.New("operation would revert finalized vertex")
)

// State tracks one candidate vertex's progress through sampling rounds.
// Once Finalized is true the state is terminal and never unset.
type State struct {
	Confidence           float64
	ConsecutiveSuccesses uint32
	TotalRounds          uint64
	PositiveResponses    uint32
	TotalResponses       uint32
	Finalized            bool
	CurrentRound         uint64
}

// PeerProvider supplies the live peer set. The engine re-fetches a sample
// every round and never caches peers across a suspension point.
type PeerProvider interface {
	Sample(k int) []network.Peer
	Count() int
}

// VoteClient asks a single peer whether it supports a vertex. The wire
// transport behind it is external; the engine only needs this primitive.
type VoteClient interface {
	RequestVote(ctx context.Context, peer network.Peer, vertexID string) (bool, error)
}

// QuorumProvider supplies the adaptive quorum fraction used to derive the
// per-round alpha threshold
type QuorumProvider interface {
	CurrentFraction() float64
}

// PeerHealth lets the engine refuse to run when the live set has shrunk
// below what safety requires. The recovery manager implements this.
type PeerHealth interface {
	HasSufficientPeers(quorumSize int) bool
}

// FinalityListener is notified when a vertex finalizes. The signature
// aggregator subscribes to collect threshold proofs over the decision.
type FinalityListener interface {
	OnVertexFinalized(v *vertex.Vertex)
}
