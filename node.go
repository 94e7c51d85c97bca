package main

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"dagmesh/consensus"
	"dagmesh/keys"
	"dagmesh/logger"
	"dagmesh/network"
	"dagmesh/protocol"
	"dagmesh/quorum"
	"dagmesh/sigagg"
	"dagmesh/statesync"
	"dagmesh/storage"
	"dagmesh/vertex"
)

const syncInterval = 30 * time.Second

// failureTracker collects peers whose requests failed and feeds them to
// the recovery manager as suspects
type failureTracker struct {
	mutex  sync.Mutex
	failed map[string]struct{}
}

func newFailureTracker() *failureTracker {
	return &failureTracker{failed: make(map[string]struct{})}
}

func (t *failureTracker) MarkFailed(peerID string) {
	t.mutex.Lock()
	defer t.mutex.Unlock()
	t.failed[peerID] = struct{}{}
}

func (t *failureTracker) SuspectedPeers() []string {
	t.mutex.Lock()
	defer t.mutex.Unlock()
	out := make([]string, 0, len(t.failed))
	for id := range t.failed {
		out = append(out, id)
	}
	// Suspects are handed over once; the recovery manager owns them
	// from here
	t.failed = make(map[string]struct{})
	return out
}

// trackedVoteClient routes sampling queries through the transport and
// reports unreachable peers to the failure tracker
type trackedVoteClient struct {
	client  *network.Client
	tracker *failureTracker
}

func (c *trackedVoteClient) RequestVote(ctx context.Context, peer network.Peer, vertexID string) (bool, error) {
	vote, err := c.client.RequestVote(ctx, peer, vertexID)
	if err != nil {
		c.tracker.MarkFailed(peer.ID)
		return false, err
	}
	return vote, nil
}

// statusDialer probes a peer with a status request to confirm it is
// reachable again
type statusDialer struct {
	client *network.Client
}

func (d *statusDialer) Connect(ctx context.Context, peer network.Peer) error {
	_, err := d.client.RequestStatus(ctx, peer)
	return err
}

// pullTransferrer confirms a replacement peer answers requests. The
// replacement pulls missing state itself through the regular sync path,
// so the handoff only needs the peer to be responsive.
type pullTransferrer struct {
	client *network.Client
}

func (t *pullTransferrer) TransferState(ctx context.Context, to network.Peer) error {
	_, err := t.client.RequestStatus(ctx, to)
	return err
}

// syncClient adapts the transport client to the synchronizer
type syncClient struct {
	client *network.Client
}

func (s *syncClient) RequestStatus(ctx context.Context, peer network.Peer) (*protocol.StatusResponse, error) {
	return s.client.RequestStatus(ctx, peer)
}

func (s *syncClient) RequestVertexRange(ctx context.Context, peer network.Peer, start, end uint64) ([]*vertex.Vertex, error) {
	resp, err := s.client.RequestVertexRange(ctx, peer, start, end)
	if err != nil {
		return nil, err
	}
	return resp.Vertices, nil
}

func (s *syncClient) RequestSnapshot(ctx context.Context, peer network.Peer) (*statesync.Snapshot, error) {
	raw, err := s.client.RequestSnapshotRaw(ctx, peer, 0)
	if err != nil {
		return nil, err
	}
	return statesync.DecodeSnapshot(raw)
}

// finalitySigner contributes this node's partial signature once a vertex
// finalizes, building toward the threshold proof
type finalitySigner struct {
	keyPair    *keys.KeyPair
	aggregator *sigagg.Aggregator
}

func (f *finalitySigner) OnVertexFinalized(v *vertex.Vertex) {
	hash, err := v.HashBytes()
	if err != nil {
		log.WithError(err).WithField("vertexID", v.ID).Error("Failed to hash finalized vertex")
		return
	}
	signature, err := f.keyPair.Sign(hash[:])
	if err != nil {
		log.WithError(err).WithField("vertexID", v.ID).Error("Failed to sign finalized vertex")
		return
	}

	met, err := f.aggregator.AddPartialSignature(hash, sigagg.PartialSignature{
		NodeID:    f.keyPair.Address,
		Signature: signature,
		PublicKey: f.keyPair.PublicKeyBytes(),
		Timestamp: time.Now(),
	})
	if err != nil {
		log.WithError(err).WithField("vertexID", v.ID).Warn("Own signature rejected by aggregator")
		return
	}
	if met {
		if proof, err := f.aggregator.FinalizeAggregation(hash); err == nil {
			log.WithFields(logger.Fields{
				"vertexID":   v.ID,
				"signatures": proof.SignatureCount(),
				"weight":     proof.TotalWeight,
			}).Info("Threshold signature proof complete")
		}
	}
}

const gossipFanout = 8

// nodeHandler answers peer requests from local state and relays newly
// seen vertices onward
type nodeHandler struct {
	ctx      context.Context
	nodeID   string
	store    storage.Store
	engine   *consensus.Engine
	resolver *consensus.Resolver
	client   *network.Client
	peers    *network.PeerSet

	mutex sync.Mutex
	seen  map[string]struct{}
}

func newNodeHandler(ctx context.Context, nodeID string, store storage.Store,
	engine *consensus.Engine, resolver *consensus.Resolver,
	client *network.Client, peers *network.PeerSet) *nodeHandler {

	return &nodeHandler{
		ctx:      ctx,
		nodeID:   nodeID,
		store:    store,
		engine:   engine,
		resolver: resolver,
		client:   client,
		peers:    peers,
		seen:     make(map[string]struct{}),
	}
}

func (h *nodeHandler) HandleVertex(msg protocol.VertexMessage) error {
	v := msg.Vertex

	h.mutex.Lock()
	if _, dup := h.seen[v.ID]; dup {
		h.mutex.Unlock()
		return nil
	}
	h.seen[v.ID] = struct{}{}
	h.mutex.Unlock()

	if err := h.engine.ObserveVertex(v); err != nil {
		return err
	}
	// The first parent is the vertex's sequence point; a second distinct
	// child there is a fork
	if len(v.Parents) > 0 {
		if _, err := h.resolver.ReportVertex(v.Parents[0], v.ID, v.Creator); err != nil {
			log.WithError(err).WithField("vertexID", v.ID).Debug("Fork report failed")
		}
	}

	// Relay to a sample of peers and start sampling rounds on the new
	// vertex in the background
	go h.gossip(v)
	go func() {
		if err := h.engine.RunConsensus(h.ctx, v.ID); err != nil {
			log.WithError(err).WithField("vertexID", v.ID).Debug("Consensus on observed vertex did not finalize")
		}
	}()
	return nil
}

func (h *nodeHandler) gossip(v *vertex.Vertex) {
	for _, peer := range h.peers.Sample(gossipFanout) {
		ctx, cancel := context.WithTimeout(h.ctx, 5*time.Second)
		if err := h.client.SendVertex(ctx, peer, protocol.VertexMessage{Vertex: v}); err != nil {
			log.WithError(err).WithField("peer", peer.ID).Debug("Vertex relay failed")
		}
		cancel()
	}
}

func (h *nodeHandler) HandleSampleQuery(q protocol.SampleQuery) protocol.SampleResponse {
	return protocol.SampleResponse{
		QueryID: q.QueryID,
		NodeID:  h.nodeID,
		Vote:    h.engine.HasSupport(q.VertexID),
	}
}

func (h *nodeHandler) HandleStatusRequest() protocol.StatusResponse {
	return protocol.StatusResponse{
		NodeID:    h.nodeID,
		Height:    h.store.Height(),
		StateHash: h.store.StateHash(),
	}
}

func (h *nodeHandler) HandleVertexRange(req protocol.VertexRangeRequest) (protocol.VertexRangeResponse, error) {
	// Heights are 1-based inclusive on the wire; the store indexes
	// 0-based half-open
	start := req.StartHeight
	if start > 0 {
		start--
	}
	vertices, err := h.store.GetVertexRange(start, req.EndHeight)
	if err != nil {
		return protocol.VertexRangeResponse{}, err
	}
	return protocol.VertexRangeResponse{
		StartHeight: req.StartHeight,
		EndHeight:   req.EndHeight,
		Vertices:    vertices,
	}, nil
}

func (h *nodeHandler) HandleSnapshotRequest(protocol.SnapshotRequest) (json.RawMessage, error) {
	snap, err := statesync.BuildSnapshot(h.store, nil)
	if err != nil {
		return nil, err
	}
	return snap.Encode()
}

// evaluateQuorumLoop keeps the quorum manager's view of network size
// current and re-evaluates the threat level periodically
func evaluateQuorumLoop(ctx context.Context, manager *quorum.Manager, peers *network.PeerSet) {
	ticker := time.NewTicker(quorumEvaluateInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			manager.SetTotalNodes(peers.Count() + 1)
			manager.EvaluateThreatLevel()
		}
	}
}

// syncLoop periodically checks a random peer and pulls missing state
func syncLoop(ctx context.Context, synchronizer *statesync.Synchronizer, peers *network.PeerSet) {
	ticker := time.NewTicker(syncInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			sample := peers.Sample(1)
			if len(sample) == 0 {
				continue
			}
			if err := synchronizer.SyncWithPeer(ctx, sample[0]); err != nil {
				log.WithError(err).WithField("peer", sample[0].ID).Debug("Periodic sync failed")
			}
		}
	}
}
