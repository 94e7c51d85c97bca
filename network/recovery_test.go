package network

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"dagmesh/config"
)

// mockDetector reports a fixed set of suspected peers
type mockDetector struct {
	mutex     sync.Mutex
	suspected []string
}

func (d *mockDetector) SuspectedPeers() []string {
	d.mutex.Lock()
	defer d.mutex.Unlock()
	return append([]string(nil), d.suspected...)
}

// mockDialer fails a configured number of times before succeeding
type mockDialer struct {
	mutex     sync.Mutex
	failures  int
	attempts  int
	lastPeer  Peer
	connected []string
}

func (d *mockDialer) Connect(ctx context.Context, peer Peer) error {
	d.mutex.Lock()
	defer d.mutex.Unlock()
	d.attempts++
	d.lastPeer = peer
	if d.attempts <= d.failures {
		return errors.New("connection refused")
	}
	d.connected = append(d.connected, peer.ID)
	return nil
}

// mockTransferrer records state transfers and optionally fails them
type mockTransferrer struct {
	mutex       sync.Mutex
	transferred []string
	err         error
}

func (tr *mockTransferrer) TransferState(ctx context.Context, to Peer) error {
	tr.mutex.Lock()
	defer tr.mutex.Unlock()
	if tr.err != nil {
		return tr.err
	}
	tr.transferred = append(tr.transferred, to.ID)
	return nil
}

func testRecoveryConfig() config.RecoveryConfig {
	return config.RecoveryConfig{
		InitialBackoff:       time.Second,
		BackoffMultiplier:    2.0,
		MaxBackoff:           60 * time.Second,
		MaxAttempts:          5,
		ConnectionTimeout:    5 * time.Second,
		StateTransferTimeout: 30 * time.Second,
		MonitorInterval:      time.Second,
	}
}

func newTestManager(cfg config.RecoveryConfig, dialer Dialer, transferrer StateTransferrer) (*RecoveryManager, *PeerSet) {
	peers := NewPeerSet()
	rm := NewRecoveryManager(cfg, peers, &mockDetector{}, dialer, transferrer, FirstAvailablePolicy{}, nil)
	return rm, peers
}

func TestBackoffGrowth(t *testing.T) {
	rm, _ := newTestManager(testRecoveryConfig(), &mockDialer{}, &mockTransferrer{})

	assert.Equal(t, time.Second, rm.Backoff(1), "First attempt should use the initial backoff")
	assert.Equal(t, 2*time.Second, rm.Backoff(2))
	assert.Equal(t, 4*time.Second, rm.Backoff(3))
}

func TestBackoffCap(t *testing.T) {
	rm, _ := newTestManager(testRecoveryConfig(), &mockDialer{}, &mockTransferrer{})

	assert.Equal(t, 32*time.Second, rm.Backoff(6))
	assert.Equal(t, 60*time.Second, rm.Backoff(7), "Backoff must cap at the configured maximum")
	assert.Equal(t, 60*time.Second, rm.Backoff(20))
}

func TestTransitionNeverSkipsRecovering(t *testing.T) {
	now := time.Now()
	healthy := RecoveryState{Kind: StateHealthy}

	// Healthy cannot be replaced or failed directly
	_, err := Transition(healthy, RecoveryEvent{Kind: EventReplace, At: now, Replacement: "other"})
	assert.Error(t, err, "Healthy peer cannot be replaced without recovering first")

	suspected, err := Transition(healthy, RecoveryEvent{Kind: EventSuspect, At: now})
	require.NoError(t, err)
	assert.Equal(t, StateSuspected, suspected.Kind)

	// Suspected cannot be failed directly either
	_, err = Transition(suspected, RecoveryEvent{Kind: EventFail, At: now, Reason: "x"})
	assert.Error(t, err, "Suspected peer must go through Recovering")

	recovering, err := Transition(suspected, RecoveryEvent{Kind: EventAttempt, At: now})
	require.NoError(t, err)
	assert.Equal(t, StateRecovering, recovering.Kind)
	assert.Equal(t, 1, recovering.Attempt)

	recovered, err := Transition(recovering, RecoveryEvent{Kind: EventRecovered, At: now})
	require.NoError(t, err)
	assert.Equal(t, StateHealthy, recovered.Kind)

	replaced, err := Transition(recovering, RecoveryEvent{Kind: EventReplace, At: now, Replacement: "backup-1"})
	require.NoError(t, err)
	assert.Equal(t, StateReplaced, replaced.Kind)
	assert.Equal(t, "backup-1", replaced.Replacement)
}

func TestAttemptRecoverySucceeds(t *testing.T) {
	dialer := &mockDialer{failures: 0}
	rm, peers := newTestManager(testRecoveryConfig(), dialer, &mockTransferrer{})
	peers.AddPeer(Peer{ID: "peer-1", Address: "127.0.0.1:9000"})

	require.NoError(t, rm.MarkSuspected("peer-1"))
	require.NoError(t, rm.AttemptRecovery(context.Background(), "peer-1"))

	assert.Equal(t, StateHealthy, rm.PeerState("peer-1").Kind,
		"Recovered peer should be healthy with a cleared failure record")
	assert.Equal(t, []string{"peer-1"}, dialer.connected)
}

func TestAttemptRecoveryBacksOffOnFailure(t *testing.T) {
	dialer := &mockDialer{failures: 100}
	rm, peers := newTestManager(testRecoveryConfig(), dialer, &mockTransferrer{})
	peers.AddPeer(Peer{ID: "peer-1", Address: "127.0.0.1:9000"})

	now := time.Now()
	rm.SetClock(func() time.Time { return now })

	require.NoError(t, rm.MarkSuspected("peer-1"))
	err := rm.AttemptRecovery(context.Background(), "peer-1")
	require.Error(t, err, "Failed dial should surface an error")

	st := rm.PeerState("peer-1")
	assert.Equal(t, StateRecovering, st.Kind)
	assert.Equal(t, 1, st.Attempt)
	assert.Equal(t, now.Add(2*time.Second), st.NextRetry,
		"Next retry should wait out the second attempt's backoff")
}

func TestExhaustedAttemptsTriggerReplacement(t *testing.T) {
	cfg := testRecoveryConfig()
	cfg.MaxAttempts = 2

	dialer := &mockDialer{failures: 100}
	transferrer := &mockTransferrer{}
	rm, peers := newTestManager(cfg, dialer, transferrer)
	peers.AddPeer(Peer{ID: "peer-1", Address: "127.0.0.1:9000"})
	peers.AddBackup(Peer{ID: "backup-1", Address: "127.0.0.1:9001"})

	require.NoError(t, rm.MarkSuspected("peer-1"))
	require.Error(t, rm.AttemptRecovery(context.Background(), "peer-1"), "First attempt fails")
	require.NoError(t, rm.AttemptRecovery(context.Background(), "peer-1"),
		"Second attempt exhausts the budget and replacement succeeds")

	st := rm.PeerState("peer-1")
	assert.Equal(t, StateReplaced, st.Kind)
	assert.Equal(t, "backup-1", st.Replacement)

	assert.Equal(t, []string{"backup-1"}, transferrer.transferred,
		"State must be transferred to the replacement")

	_, stillActive := peers.Get("peer-1")
	assert.False(t, stillActive, "Failed peer should leave the active set")
	_, promoted := peers.Get("backup-1")
	assert.True(t, promoted, "Backup should join the active set")
	assert.Equal(t, 0, peers.BackupCount(), "Backup pool should shrink by the promoted peer")
}

func TestReplacementWithoutBackupsFails(t *testing.T) {
	cfg := testRecoveryConfig()
	cfg.MaxAttempts = 1

	rm, peers := newTestManager(cfg, &mockDialer{failures: 100}, &mockTransferrer{})
	peers.AddPeer(Peer{ID: "peer-1", Address: "127.0.0.1:9000"})

	require.NoError(t, rm.MarkSuspected("peer-1"))
	err := rm.AttemptRecovery(context.Background(), "peer-1")

	assert.ErrorIs(t, err, ErrNoBackupPeers)
	assert.Equal(t, StateFailed, rm.PeerState("peer-1").Kind)
	_, active := peers.Get("peer-1")
	assert.False(t, active, "Failed peer should be removed from the active set")
}

func TestHasSufficientPeers(t *testing.T) {
	rm, peers := newTestManager(testRecoveryConfig(), &mockDialer{}, &mockTransferrer{})

	peers.AddPeer(Peer{ID: "a"})
	peers.AddPeer(Peer{ID: "b"})

	assert.True(t, rm.HasSufficientPeers(2))
	assert.False(t, rm.HasSufficientPeers(3),
		"Engine must refuse to run when the live set is below quorum size")
}

func TestSelectionPolicies(t *testing.T) {
	candidates := []Peer{
		{ID: "b", Reliability: 0.5},
		{ID: "a", Reliability: 0.9},
		{ID: "c", Reliability: 0.9},
	}

	first, ok := FirstAvailablePolicy{}.SelectReplacement(candidates)
	require.True(t, ok)
	assert.Equal(t, "a", first.ID, "First-available orders by id for determinism")

	ranked, ok := ReliabilityPolicy{}.SelectReplacement(candidates)
	require.True(t, ok)
	assert.Equal(t, "a", ranked.ID, "Reliability policy prefers highest score, ties by id")

	_, ok = FirstAvailablePolicy{}.SelectReplacement(nil)
	assert.False(t, ok)
}

func TestStartMonitorsInBackground(t *testing.T) {
	cfg := testRecoveryConfig()
	cfg.MonitorInterval = 10 * time.Millisecond

	peers := NewPeerSet()
	peers.AddPeer(Peer{ID: "peer-1"})
	detector := &mockDetector{suspected: []string{"peer-1"}}
	rm := NewRecoveryManager(cfg, peers, detector, &mockDialer{}, &mockTransferrer{}, FirstAvailablePolicy{}, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	done := make(chan struct{})
	go func() {
		rm.Start(ctx)
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Start must return immediately and monitor in the background")
	}

	assert.Eventually(t, func() bool {
		return rm.PeerState("peer-1").Kind == StateSuspected
	}, time.Second, 10*time.Millisecond, "Monitor loop should pick up the suspected peer")
}
