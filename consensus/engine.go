package consensus

import (
	"context"
	"fmt"
	"math"
	"sync"
	"sync/atomic"

	"golang.org/x/sync/errgroup"

	"dagmesh/config"
	"dagmesh/logger"
	"dagmesh/metrics"
	"dagmesh/storage"
	"dagmesh/vertex"
)

var log = logger.Logger

const confidenceDecay = 0.9

// Engine runs Avalanche-style repeated-random-sampling agreement per
// candidate vertex. Independent vertices proceed through rounds
// concurrently; each vertex's state is guarded by its own lock.
type Engine struct {
	cfg    config.ConsensusConfig
	peers  PeerProvider
	votes  VoteClient
	quorum QuorumProvider
	health PeerHealth
	store  storage.Store

	mutex  sync.RWMutex
	states map[string]*vertexState

	listeners []FinalityListener
	metrics   *metrics.Consensus
}

// vertexState pairs the per-vertex sampling state with its own lock so
// concurrent vertices never contend on a whole-table lock
type vertexState struct {
	mutex sync.Mutex
	state State
}

// NewEngine creates a sampling consensus engine
func NewEngine(cfg config.ConsensusConfig, peers PeerProvider, votes VoteClient,
	quorum QuorumProvider, health PeerHealth, store storage.Store, m *metrics.Consensus) *Engine {

	log.WithFields(logger.Fields{
		"sampleSize":     cfg.SampleSize,
		"beta":           cfg.Beta,
		"maxRounds":      cfg.MaxRounds,
		"minNetworkSize": cfg.MinNetworkSize,
	}).Info("Sampling consensus engine created")

	return &Engine{
		cfg:     cfg,
		peers:   peers,
		votes:   votes,
		quorum:  quorum,
		health:  health,
		store:   store,
		states:  make(map[string]*vertexState),
		metrics: m,
	}
}

// Subscribe registers a finality listener
func (e *Engine) Subscribe(listener FinalityListener) {
	e.mutex.Lock()
	defer e.mutex.Unlock()
	e.listeners = append(e.listeners, listener)
}

// ProposeVertex stores a vertex and runs sampling rounds on it until it
// finalizes or times out. Broadcast to peers is the transport's job.
func (e *Engine) ProposeVertex(ctx context.Context, v *vertex.Vertex) error {
	if err := v.VerifySignature(); err != nil {
		return fmt.Errorf("refusing to propose vertex with bad signature: %w", err)
	}
	if err := e.store.PutVertex(v); err != nil {
		return fmt.Errorf("failed to store proposed vertex: %w", err)
	}

	log.WithFields(logger.Fields{
		"vertexID": v.ID,
		"creator":  v.Creator,
	}).Debug("Vertex proposed, starting sampling rounds")

	return e.RunConsensus(ctx, v.ID)
}

// ObserveVertex registers a vertex seen from the network without running
// rounds on it, so the engine can answer sampling queries about it
func (e *Engine) ObserveVertex(v *vertex.Vertex) error {
	if err := v.VerifySignature(); err != nil {
		return fmt.Errorf("refusing to observe vertex with bad signature: %w", err)
	}
	if err := e.store.PutVertex(v); err != nil {
		return err
	}
	e.stateFor(v.ID)
	return nil
}

// RunConsensus drives sampling rounds for a vertex until finalization,
// round exhaustion, or context cancellation
func (e *Engine) RunConsensus(ctx context.Context, vertexID string) error {
	// Fail fast when the network is too small for safe agreement. The
	// local node counts toward network size.
	networkSize := e.peers.Count() + 1
	if networkSize < e.cfg.MinNetworkSize {
		return fmt.Errorf("%w: have %d nodes, need %d", ErrNetworkTooSmall, networkSize, e.cfg.MinNetworkSize)
	}
	if e.health != nil && !e.health.HasSufficientPeers(e.cfg.MinNetworkSize-1) {
		return fmt.Errorf("%w: live peer set below minimum", ErrNetworkTooSmall)
	}

	vs := e.stateFor(vertexID)

	vs.mutex.Lock()
	if vs.state.Finalized {
		vs.mutex.Unlock()
		return nil
	}
	vs.mutex.Unlock()

	if e.metrics != nil {
		e.metrics.ActiveVertices.Inc()
		defer e.metrics.ActiveVertices.Dec()
	}

	for round := uint64(1); round <= e.cfg.MaxRounds; round++ {
		if err := ctx.Err(); err != nil {
			return fmt.Errorf("consensus cancelled at round %d: %w", round, err)
		}

		positives, total, sampled := e.sampleRound(ctx, vertexID)
		finalized := e.applyRound(vs, vertexID, round, positives, total, sampled)
		if finalized {
			e.notifyFinalized(vertexID)
			return nil
		}
	}

	if e.metrics != nil {
		e.metrics.Timeouts.Inc()
	}
	log.WithFields(logger.Fields{
		"vertexID":  vertexID,
		"maxRounds": e.cfg.MaxRounds,
	}).Warn("Consensus exhausted max rounds without finalizing")
	return fmt.Errorf("%w: vertex %s after %d rounds", ErrTimeout, vertexID, e.cfg.MaxRounds)
}

// sampleRound queries one fresh sample of peers under the round timeout.
// Unreachable peers simply do not contribute a response.
func (e *Engine) sampleRound(ctx context.Context, vertexID string) (positives, total, sampled int) {
	k := e.cfg.SampleSize
	if count := e.peers.Count(); count < k {
		k = count
	}
	if k == 0 {
		// Sole participant: trivial self-agreement
		return 1, 1, 0
	}

	// Re-fetch the sample each round; the peer set may have changed
	sample := e.peers.Sample(k)

	roundCtx, cancel := context.WithTimeout(ctx, e.cfg.QueryTimeout)
	defer cancel()

	var yes, responses atomic.Int32
	g, gctx := errgroup.WithContext(roundCtx)
	for _, peer := range sample {
		peer := peer
		g.Go(func() error {
			vote, err := e.votes.RequestVote(gctx, peer, vertexID)
			if err != nil {
				// Timeouts and unreachable peers are handled by the
				// recovery manager; here they are just missing votes.
				return nil
			}
			responses.Add(1)
			if vote {
				yes.Add(1)
			}
			return nil
		})
	}
	_ = g.Wait()

	return int(yes.Load()), int(responses.Load()), len(sample)
}

// applyRound folds one round's result into the vertex state and reports
// whether the vertex finalized
func (e *Engine) applyRound(vs *vertexState, vertexID string, round uint64, positives, total, sampled int) bool {
	alpha := e.alphaFor(sampled)

	vs.mutex.Lock()
	defer vs.mutex.Unlock()

	st := &vs.state
	if st.Finalized {
		return true
	}

	st.CurrentRound = round
	st.TotalRounds++
	st.PositiveResponses += uint32(positives)
	st.TotalResponses += uint32(total)

	success := positives >= alpha
	if success {
		st.ConsecutiveSuccesses++
	} else {
		st.ConsecutiveSuccesses = 0
	}

	// Confidence is an exponential moving average of the per-round
	// agreement ratio, measured against the alpha requirement so a
	// supermajority response reads as full agreement.
	ratio := 0.0
	if alpha > 0 {
		ratio = math.Min(1.0, float64(positives)/float64(alpha))
	}
	st.Confidence = st.Confidence*confidenceDecay + ratio*(1-confidenceDecay)

	if e.metrics != nil {
		e.metrics.RoundsTotal.Inc()
		if success {
			e.metrics.RoundsSuccessful.Inc()
		}
	}

	// A sole participant that agrees with itself finalizes immediately;
	// there is no one else to sample
	if sampled == 0 && success {
		st.Confidence = 1.0
		st.Finalized = true
	} else if st.ConsecutiveSuccesses >= e.cfg.Beta && st.Confidence >= e.cfg.FinalizationThreshold {
		st.Finalized = true
	}

	if st.Finalized {
		if e.metrics != nil {
			e.metrics.Finalized.Inc()
		}
		log.WithFields(logger.Fields{
			"vertexID":   vertexID,
			"rounds":     st.TotalRounds,
			"confidence": st.Confidence,
		}).Info("Vertex finalized")
	}
	return st.Finalized
}

// alphaFor derives the per-round success threshold from the current
// adaptive quorum fraction
func (e *Engine) alphaFor(sampled int) int {
	if sampled == 0 {
		return 1
	}
	return int(math.Ceil(float64(sampled) * e.quorum.CurrentFraction()))
}

// IsFinalized reports whether a vertex has finalized
func (e *Engine) IsFinalized(vertexID string) bool {
	e.mutex.RLock()
	vs, ok := e.states[vertexID]
	e.mutex.RUnlock()
	if !ok {
		return false
	}
	vs.mutex.Lock()
	defer vs.mutex.Unlock()
	return vs.state.Finalized
}

// GetState returns a copy of a vertex's consensus state
func (e *Engine) GetState(vertexID string) (State, error) {
	e.mutex.RLock()
	vs, ok := e.states[vertexID]
	e.mutex.RUnlock()
	if !ok {
		return State{}, fmt.Errorf("%w: %s", ErrUnknownVertex, vertexID)
	}
	vs.mutex.Lock()
	defer vs.mutex.Unlock()
	return vs.state, nil
}

// Revert is the only path that could unset finality, and it always
// refuses: finalization is monotonic and irreversible
func (e *Engine) Revert(vertexID string) error {
	e.mutex.RLock()
	vs, ok := e.states[vertexID]
	e.mutex.RUnlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownVertex, vertexID)
	}

	vs.mutex.Lock()
	defer vs.mutex.Unlock()
	if vs.state.Finalized {
		return fmt.Errorf("%w: %s", ErrFinalityViolation, vertexID)
	}
	vs.state = State{}
	return nil
}

// HasSupport reports the local opinion used when answering other nodes'
// sampling queries: a vertex is supported once it is stored and not known
// to conflict
func (e *Engine) HasSupport(vertexID string) bool {
	return e.store.HasVertex(vertexID)
}

// stateFor returns the state entry for a vertex, creating it on first use
func (e *Engine) stateFor(vertexID string) *vertexState {
	e.mutex.RLock()
	vs, ok := e.states[vertexID]
	e.mutex.RUnlock()
	if ok {
		return vs
	}

	e.mutex.Lock()
	defer e.mutex.Unlock()
	if vs, ok = e.states[vertexID]; ok {
		return vs
	}
	vs = &vertexState{}
	e.states[vertexID] = vs
	return vs
}

func (e *Engine) notifyFinalized(vertexID string) {
	v, err := e.store.GetVertex(vertexID)
	if err != nil {
		log.WithError(err).WithField("vertexID", vertexID).Error("Finalized vertex missing from store")
		return
	}

	e.mutex.RLock()
	listeners := append([]FinalityListener(nil), e.listeners...)
	e.mutex.RUnlock()

	for _, l := range listeners {
		l.OnVertexFinalized(v)
	}
}
