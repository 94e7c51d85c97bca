package network

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sort"
	"sync"
	"time"

	"dagmesh/config"
	"dagmesh/logger"
	"dagmesh/metrics"
)

// ErrNoBackupPeers is returned when a dead peer cannot be replaced because
// the backup pool is empty
var ErrNoBackupPeers = errors.New("no backup peers available")

// FailureDetector reports peers suspected of being dead. The transport
// layer owns the actual liveness probing.
type FailureDetector interface {
	SuspectedPeers() []string
}

// Dialer attempts to re-establish a connection to a peer
type Dialer interface {
	Connect(ctx context.Context, peer Peer) error
}

// StateTransferrer copies local consensus state to a replacement peer
type StateTransferrer interface {
	TransferState(ctx context.Context, to Peer) error
}

// SelectionPolicy picks a replacement from the backup pool
type SelectionPolicy interface {
	SelectReplacement(candidates []Peer) (Peer, bool)
}

// FirstAvailablePolicy selects the first backup peer, ordered by id for
// determinism
type FirstAvailablePolicy struct{}

// SelectReplacement returns the backup peer with the smallest id
func (FirstAvailablePolicy) SelectReplacement(candidates []Peer) (Peer, bool) {
	if len(candidates) == 0 {
		return Peer{}, false
	}
	best := candidates[0]
	for _, c := range candidates[1:] {
		if c.ID < best.ID {
			best = c
		}
	}
	return best, true
}

// ReliabilityPolicy selects the backup peer with the highest recorded
// reliability, breaking ties by id
type ReliabilityPolicy struct{}

// SelectReplacement returns the most reliable backup peer
func (ReliabilityPolicy) SelectReplacement(candidates []Peer) (Peer, bool) {
	if len(candidates) == 0 {
		return Peer{}, false
	}
	sorted := make([]Peer, len(candidates))
	copy(sorted, candidates)
	sort.Slice(sorted, func(i, j int) bool {
		if sorted[i].Reliability != sorted[j].Reliability {
			return sorted[i].Reliability > sorted[j].Reliability
		}
		return sorted[i].ID < sorted[j].ID
	})
	return sorted[0], true
}

// RecoveryManager monitors peer health and drives the per-peer recovery
// state machine: reconnection with exponential backoff, then replacement
// from the backup pool once attempts are exhausted.
type RecoveryManager struct {
	mutex  sync.RWMutex
	states map[string]RecoveryState

	peers       *PeerSet
	detector    FailureDetector
	dialer      Dialer
	transferrer StateTransferrer
	policy      SelectionPolicy

	cfg     config.RecoveryConfig
	clock   func() time.Time
	metrics *metrics.Recovery
}

// NewRecoveryManager creates a recovery manager over the given peer set
func NewRecoveryManager(cfg config.RecoveryConfig, peers *PeerSet, detector FailureDetector,
	dialer Dialer, transferrer StateTransferrer, policy SelectionPolicy, m *metrics.Recovery) *RecoveryManager {

	if policy == nil {
		policy = FirstAvailablePolicy{}
	}

	rm := &RecoveryManager{
		states:      make(map[string]RecoveryState),
		peers:       peers,
		detector:    detector,
		dialer:      dialer,
		transferrer: transferrer,
		policy:      policy,
		cfg:         cfg,
		clock:       time.Now,
	}
	rm.metrics = m

	log.WithFields(logger.Fields{
		"maxAttempts":    cfg.MaxAttempts,
		"initialBackoff": cfg.InitialBackoff,
		"maxBackoff":     cfg.MaxBackoff,
	}).Info("Peer recovery manager created")
	return rm
}

// SetClock replaces the time source; used by tests
func (rm *RecoveryManager) SetClock(clock func() time.Time) {
	rm.mutex.Lock()
	defer rm.mutex.Unlock()
	rm.clock = clock
}

// Start launches the background monitoring loop; it stops when the
// context is cancelled
func (rm *RecoveryManager) Start(ctx context.Context) {
	log.WithField("interval", rm.cfg.MonitorInterval).Debug("Starting peer health monitor")

	go rm.runMonitor(ctx)
}

func (rm *RecoveryManager) runMonitor(ctx context.Context) {
	ticker := time.NewTicker(rm.cfg.MonitorInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Info("Peer recovery manager stopped")
			return
		case <-ticker.C:
			rm.monitorOnce(ctx)
		}
	}
}

// monitorOnce marks newly suspected peers and drives due recovery attempts
func (rm *RecoveryManager) monitorOnce(ctx context.Context) {
	for _, peerID := range rm.detector.SuspectedPeers() {
		if rm.PeerState(peerID).Kind == StateHealthy {
			if err := rm.MarkSuspected(peerID); err != nil {
				log.WithError(err).WithField("peerID", peerID).Debug("Could not mark peer suspected")
			}
		}
	}

	now := rm.now()
	for _, peerID := range rm.duePeers(now) {
		if err := rm.AttemptRecovery(ctx, peerID); err != nil {
			log.WithFields(logger.Fields{
				"peerID": peerID,
				"error":  err.Error(),
			}).Debug("Recovery attempt did not restore peer")
		}
	}

	if rm.metrics != nil {
		rm.metrics.LivePeers.Set(float64(rm.peers.Count()))
		rm.metrics.BackupPeers.Set(float64(rm.peers.BackupCount()))
	}
}

// duePeers returns suspected or recovering peers whose next retry is due
func (rm *RecoveryManager) duePeers(now time.Time) []string {
	rm.mutex.RLock()
	defer rm.mutex.RUnlock()

	var due []string
	for peerID, st := range rm.states {
		switch st.Kind {
		case StateSuspected:
			due = append(due, peerID)
		case StateRecovering:
			if !now.Before(st.NextRetry) {
				due = append(due, peerID)
			}
		}
	}
	return due
}

// MarkSuspected moves a healthy peer into the Suspected state
func (rm *RecoveryManager) MarkSuspected(peerID string) error {
	rm.mutex.Lock()
	defer rm.mutex.Unlock()

	next, err := Transition(rm.stateLocked(peerID), RecoveryEvent{Kind: EventSuspect, At: rm.clock()})
	if err != nil {
		return err
	}
	rm.states[peerID] = next

	log.WithField("peerID", peerID).Warn("Peer suspected dead")
	return nil
}

// Backoff returns the delay before the given 1-based attempt, growing
// exponentially and capped at the configured maximum
func (rm *RecoveryManager) Backoff(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	backoff := float64(rm.cfg.InitialBackoff) * math.Pow(rm.cfg.BackoffMultiplier, float64(attempt-1))
	if capped := float64(rm.cfg.MaxBackoff); backoff > capped {
		backoff = capped
	}
	return time.Duration(backoff)
}

// AttemptRecovery runs one reconnection attempt for the peer. On success
// the peer returns to Healthy and its failure record is cleared. Once the
// attempt budget is exhausted the peer is replaced from the backup pool.
func (rm *RecoveryManager) AttemptRecovery(ctx context.Context, peerID string) error {
	rm.mutex.Lock()
	state, err := Transition(rm.stateLocked(peerID), RecoveryEvent{Kind: EventAttempt, At: rm.clock()})
	if err != nil {
		rm.mutex.Unlock()
		return err
	}
	rm.states[peerID] = state
	peer, known := rm.peers.Get(peerID)
	rm.mutex.Unlock()

	if !known {
		peer = Peer{ID: peerID}
	}

	if rm.metrics != nil {
		rm.metrics.Attempts.Inc()
	}
	log.WithFields(logger.Fields{
		"peerID":  peerID,
		"attempt": state.Attempt,
	}).Debug("Attempting peer reconnection")

	// Connection runs outside the lock, bounded by the connection timeout
	dialCtx, cancel := context.WithTimeout(ctx, rm.cfg.ConnectionTimeout)
	dialErr := rm.dialer.Connect(dialCtx, peer)
	cancel()

	rm.mutex.Lock()
	if dialErr == nil {
		if _, terr := Transition(rm.states[peerID], RecoveryEvent{Kind: EventRecovered, At: rm.clock()}); terr != nil {
			rm.mutex.Unlock()
			return terr
		}
		delete(rm.states, peerID) // healthy peers carry no failure record
		rm.mutex.Unlock()

		if rm.metrics != nil {
			rm.metrics.Successes.Inc()
		}
		log.WithFields(logger.Fields{
			"peerID":  peerID,
			"attempt": state.Attempt,
		}).Info("Peer reconnected, back to healthy")
		return nil
	}

	if state.Attempt >= rm.cfg.MaxAttempts {
		rm.mutex.Unlock()
		log.WithFields(logger.Fields{
			"peerID":   peerID,
			"attempts": state.Attempt,
		}).Warn("Recovery attempts exhausted, replacing peer")
		return rm.ReplacePeer(ctx, peerID)
	}

	retryAt := rm.clock().Add(rm.Backoff(state.Attempt + 1))
	next, terr := Transition(rm.states[peerID], RecoveryEvent{Kind: EventAttemptFailed, NextRetry: retryAt})
	if terr != nil {
		rm.mutex.Unlock()
		return terr
	}
	rm.states[peerID] = next
	rm.mutex.Unlock()

	return fmt.Errorf("reconnection attempt %d to %s failed: %w", state.Attempt, peerID, dialErr)
}

// ReplacePeer selects a backup peer, transfers state to it under the
// state-transfer timeout and swaps peer-set membership atomically
func (rm *RecoveryManager) ReplacePeer(ctx context.Context, peerID string) error {
	replacement, ok := rm.policy.SelectReplacement(rm.peers.Backups())
	if !ok {
		rm.markFailed(peerID, "no backup peers")
		if rm.metrics != nil {
			rm.metrics.FailedPeers.Inc()
		}
		return fmt.Errorf("replacing %s: %w", peerID, ErrNoBackupPeers)
	}

	transferCtx, cancel := context.WithTimeout(ctx, rm.cfg.StateTransferTimeout)
	err := rm.transferrer.TransferState(transferCtx, replacement)
	cancel()
	if err != nil {
		rm.markFailed(peerID, fmt.Sprintf("state transfer to %s failed: %v", replacement.ID, err))
		if rm.metrics != nil {
			rm.metrics.FailedPeers.Inc()
		}
		return fmt.Errorf("state transfer to replacement %s: %w", replacement.ID, err)
	}

	rm.mutex.Lock()
	next, terr := Transition(rm.states[peerID], RecoveryEvent{
		Kind:        EventReplace,
		At:          rm.clock(),
		Replacement: replacement.ID,
	})
	if terr != nil {
		rm.mutex.Unlock()
		return terr
	}
	rm.states[peerID] = next
	rm.mutex.Unlock()

	rm.peers.Swap(peerID, replacement)

	if rm.metrics != nil {
		rm.metrics.Replacements.Inc()
	}
	log.WithFields(logger.Fields{
		"failedPeer":  peerID,
		"replacement": replacement.ID,
	}).Info("Dead peer replaced from backup pool")
	return nil
}

func (rm *RecoveryManager) markFailed(peerID, reason string) {
	rm.mutex.Lock()
	defer rm.mutex.Unlock()

	next, err := Transition(rm.states[peerID], RecoveryEvent{Kind: EventFail, At: rm.clock(), Reason: reason})
	if err != nil {
		log.WithError(err).WithField("peerID", peerID).Error("Invalid transition to failed state")
		return
	}
	rm.states[peerID] = next
	rm.peers.RemovePeer(peerID)

	log.WithFields(logger.Fields{
		"peerID": peerID,
		"reason": reason,
	}).Error("Peer marked permanently failed")
}

// PeerState returns the recovery state of a peer; peers without a failure
// record are Healthy
func (rm *RecoveryManager) PeerState(peerID string) RecoveryState {
	rm.mutex.RLock()
	defer rm.mutex.RUnlock()
	return rm.stateLocked(peerID)
}

func (rm *RecoveryManager) stateLocked(peerID string) RecoveryState {
	if st, ok := rm.states[peerID]; ok {
		return st
	}
	return RecoveryState{Kind: StateHealthy}
}

// HasSufficientPeers reports whether the live set can still satisfy a
// quorum of the given size. The sampling engine refuses to run when this
// returns false.
func (rm *RecoveryManager) HasSufficientPeers(quorumSize int) bool {
	return rm.peers.Count() >= quorumSize
}

func (rm *RecoveryManager) now() time.Time {
	rm.mutex.RLock()
	defer rm.mutex.RUnlock()
	return rm.clock()
}
