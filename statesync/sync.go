package statesync

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"sort"
	"sync"

	"dagmesh/config"
	"dagmesh/logger"
	"dagmesh/metrics"
	"dagmesh/network"
	"dagmesh/protocol"
	"dagmesh/storage"
	"dagmesh/vertex"
)

var log = logger.Logger

var (
	ErrStateHashMismatch = errors.New("state hash mismatch after sync")
	ErrSyncInProgress    = errors.New("sync already in progress")
)

// SyncClient fetches sync data from a remote peer. The wire transport
// behind it is external.
type SyncClient interface {
	RequestStatus(ctx context.Context, peer network.Peer) (*protocol.StatusResponse, error)
	RequestVertexRange(ctx context.Context, peer network.Peer, start, end uint64) ([]*vertex.Vertex, error)
	RequestSnapshot(ctx context.Context, peer network.Peer) (*Snapshot, error)
}

// Progress reports how far a running sync has advanced
type Progress struct {
	TargetHeight  uint64
	CurrentHeight uint64
	Snapshot      bool
}

// Synchronizer brings a lagging node up to date with a peer. Small gaps
// are filled with incremental vertex batches; gaps past the configured
// threshold fetch a full verified snapshot instead.
type Synchronizer struct {
	cfg    config.SyncConfig
	store  storage.Store
	client SyncClient

	mutex    sync.Mutex
	syncing  bool
	progress Progress

	metrics *metrics.Sync
}

// NewSynchronizer creates a state synchronizer
func NewSynchronizer(cfg config.SyncConfig, store storage.Store, client SyncClient, m *metrics.Sync) *Synchronizer {
	return &Synchronizer{
		cfg:     cfg,
		store:   store,
		client:  client,
		metrics: m,
	}
}

// Progress returns a copy of the current sync progress
func (s *Synchronizer) Progress() Progress {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	return s.progress
}

// SyncWithPeer compares local state against a peer and transfers
// whatever is missing. Only one sync runs at a time.
func (s *Synchronizer) SyncWithPeer(ctx context.Context, peer network.Peer) error {
	s.mutex.Lock()
	if s.syncing {
		s.mutex.Unlock()
		return ErrSyncInProgress
	}
	s.syncing = true
	s.mutex.Unlock()
	defer func() {
		s.mutex.Lock()
		s.syncing = false
		s.mutex.Unlock()
	}()

	status, err := s.client.RequestStatus(ctx, peer)
	if err != nil {
		return fmt.Errorf("failed to fetch status from %s: %w", peer.ID, err)
	}

	localHeight := s.store.Height()
	if status.Height <= localHeight {
		if status.Height == localHeight && status.StateHash != s.store.StateHash() {
			// Same height but a different state means one of us sits on
			// a losing fork branch; that is the fork resolver's job
			log.WithFields(logger.Fields{
				"peer":       peer.ID,
				"height":     localHeight,
				"localHash":  s.store.StateHash(),
				"remoteHash": status.StateHash,
			}).Warn("State divergence at equal height")
		}
		return nil
	}

	if s.metrics != nil {
		s.metrics.Syncs.Inc()
	}

	gap := status.Height - localHeight
	s.setProgress(Progress{TargetHeight: status.Height, CurrentHeight: localHeight, Snapshot: gap > s.cfg.LargeGapThreshold})

	log.WithFields(logger.Fields{
		"peer":         peer.ID,
		"localHeight":  localHeight,
		"remoteHeight": status.Height,
		"gap":          gap,
	}).Info("Starting state sync")

	if gap > s.cfg.LargeGapThreshold {
		err = s.snapshotSync(ctx, peer, status)
	} else {
		err = s.deltaSync(ctx, peer, localHeight, status.Height)
	}
	if err != nil {
		if s.metrics != nil {
			s.metrics.Failures.Inc()
		}
		return err
	}

	computed, err := ComputeStateHash(s.store)
	if err != nil {
		return err
	}
	if err := s.store.SetStateHash(computed); err != nil {
		return fmt.Errorf("failed to record state hash: %w", err)
	}
	if err := s.VerifyState(status.StateHash); err != nil {
		if s.metrics != nil {
			s.metrics.Failures.Inc()
		}
		return err
	}
	return nil
}

// ComputeStateHash derives the canonical state hash from the stored
// vertex set. IDs are sorted so the result does not depend on how a
// particular store implementation orders iteration.
func ComputeStateHash(store storage.Store) (string, error) {
	vertices, err := store.GetAllVertices()
	if err != nil {
		return "", fmt.Errorf("failed to read vertices for state hash: %w", err)
	}
	ids := make([]string, len(vertices))
	for i, v := range vertices {
		ids[i] = v.ID
	}
	sort.Strings(ids)

	h := sha256.New()
	for _, id := range ids {
		h.Write([]byte(id))
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

// deltaSync fills the gap with incremental vertex batches
func (s *Synchronizer) deltaSync(ctx context.Context, peer network.Peer, from, to uint64) error {
	if s.metrics != nil {
		s.metrics.DeltaSyncs.Inc()
	}

	for start := from + 1; start <= to; start += s.cfg.BatchSize {
		if err := ctx.Err(); err != nil {
			return fmt.Errorf("sync cancelled at height %d: %w", start, err)
		}

		end := start + s.cfg.BatchSize - 1
		if end > to {
			end = to
		}

		vertices, err := s.client.RequestVertexRange(ctx, peer, start, end)
		if err != nil {
			return fmt.Errorf("failed to fetch vertices [%d, %d] from %s: %w", start, end, peer.ID, err)
		}

		for _, v := range vertices {
			if err := s.applyVertex(v); err != nil {
				return err
			}
		}

		if err := s.store.SetHeight(end); err != nil {
			return fmt.Errorf("failed to advance height to %d: %w", end, err)
		}
		s.setProgress(Progress{TargetHeight: to, CurrentHeight: end})

		log.WithFields(logger.Fields{
			"peer":   peer.ID,
			"height": end,
			"target": to,
		}).Debug("Applied sync batch")
	}
	return nil
}

// snapshotSync replaces the whole gap with one verified snapshot. The
// snapshot is rejected in full if its integrity check fails; nothing is
// applied from a bad snapshot.
func (s *Synchronizer) snapshotSync(ctx context.Context, peer network.Peer, status *protocol.StatusResponse) error {
	if s.metrics != nil {
		s.metrics.SnapshotSyncs.Inc()
	}

	snap, err := s.client.RequestSnapshot(ctx, peer)
	if err != nil {
		return fmt.Errorf("failed to fetch snapshot from %s: %w", peer.ID, err)
	}

	if err := snap.Verify(); err != nil {
		log.WithFields(logger.Fields{
			"peer":       peer.ID,
			"snapshotID": snap.ID,
		}).WithError(err).Error("Rejecting snapshot that failed verification")
		return err
	}
	if snap.Height != status.Height || snap.StateHash != status.StateHash {
		return fmt.Errorf("%w: snapshot does not match advertised status", ErrInvalidSnapshot)
	}

	for _, v := range snap.Vertices {
		if err := s.applyVertex(v); err != nil {
			return err
		}
	}
	if err := s.store.SetHeight(snap.Height); err != nil {
		return fmt.Errorf("failed to set height from snapshot: %w", err)
	}
	s.setProgress(Progress{TargetHeight: snap.Height, CurrentHeight: snap.Height, Snapshot: true})

	log.WithFields(logger.Fields{
		"peer":       peer.ID,
		"snapshotID": snap.ID,
		"height":     snap.Height,
		"vertices":   len(snap.Vertices),
	}).Info("Applied state snapshot")
	return nil
}

func (s *Synchronizer) applyVertex(v *vertex.Vertex) error {
	if err := v.VerifySignature(); err != nil {
		return fmt.Errorf("refusing synced vertex %s with bad signature: %w", v.ID, err)
	}
	if err := s.store.PutVertex(v); err != nil {
		return fmt.Errorf("failed to store synced vertex %s: %w", v.ID, err)
	}
	if s.metrics != nil {
		s.metrics.BytesTransferred.Add(float64(len(v.Payload)))
	}
	return nil
}

// VerifyState checks the local state hash against an expected value
func (s *Synchronizer) VerifyState(expectedHash string) error {
	if actual := s.store.StateHash(); actual != expectedHash {
		return fmt.Errorf("%w: have %s, want %s", ErrStateHashMismatch, actual, expectedHash)
	}
	return nil
}

func (s *Synchronizer) setProgress(p Progress) {
	s.mutex.Lock()
	s.progress = p
	s.mutex.Unlock()
}
