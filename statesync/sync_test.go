package statesync

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"dagmesh/config"
	"dagmesh/keys"
	"dagmesh/network"
	"dagmesh/protocol"
	"dagmesh/storage"
	"dagmesh/vertex"
)

func testSyncConfig() config.SyncConfig {
	return config.SyncConfig{
		LargeGapThreshold: 1000,
		BatchSize:         10,
	}
}

// mockSyncClient serves sync requests straight from a remote store
type mockSyncClient struct {
	remote        storage.Store
	rangeRequests int
	snapRequests  int
	tamper        func(*Snapshot)
}

func (c *mockSyncClient) RequestStatus(_ context.Context, _ network.Peer) (*protocol.StatusResponse, error) {
	hash, err := ComputeStateHash(c.remote)
	if err != nil {
		return nil, err
	}
	return &protocol.StatusResponse{
		NodeID:    "remote",
		Height:    c.remote.Height(),
		StateHash: hash,
	}, nil
}

func (c *mockSyncClient) RequestVertexRange(_ context.Context, _ network.Peer, start, end uint64) ([]*vertex.Vertex, error) {
	c.rangeRequests++
	// Heights are 1-based inclusive on the wire; the store indexes
	// 0-based half-open
	return c.remote.GetVertexRange(start-1, end)
}

func (c *mockSyncClient) RequestSnapshot(_ context.Context, _ network.Peer) (*Snapshot, error) {
	c.snapRequests++
	snap, err := BuildSnapshot(c.remote, nil)
	if err != nil {
		return nil, err
	}
	if hash, err := ComputeStateHash(c.remote); err == nil {
		snap.StateHash = hash
		snap.ID = snap.computeID()
	}
	if c.tamper != nil {
		c.tamper(snap)
	}
	return snap, nil
}

// populateRemote fills a store with a linear chain of n vertices
func populateRemote(t *testing.T, n int) storage.Store {
	t.Helper()
	store := storage.NewMemoryStore()
	kp, err := keys.New()
	require.NoError(t, err, "Should generate key pair")

	parent := vertex.GenesisID
	for i := 0; i < n; i++ {
		v, err := vertex.New(kp, []string{parent}, []byte(fmt.Sprintf("tx-%d", i)))
		require.NoError(t, err, "Should create vertex")
		require.NoError(t, store.PutVertex(v), "Should store vertex")
		parent = v.ID
	}
	return store
}

func TestSynchronizerDeltaSync(t *testing.T) {
	remote := populateRemote(t, 50)
	client := &mockSyncClient{remote: remote}
	local := storage.NewMemoryStore()

	sync := NewSynchronizer(testSyncConfig(), local, client, nil)
	err := sync.SyncWithPeer(context.Background(), network.Peer{ID: "remote"})
	require.NoError(t, err, "Delta sync should succeed")

	assert.Equal(t, uint64(50), local.Height(), "Local height should match remote")
	assert.Equal(t, 5, client.rangeRequests, "50 vertices at batch size 10 is 5 requests")
	assert.Equal(t, 0, client.snapRequests, "Small gap must not use a snapshot")

	remoteHash, err := ComputeStateHash(remote)
	require.NoError(t, err, "Should hash remote state")
	assert.Equal(t, remoteHash, local.StateHash(), "State hashes should converge")
}

func TestSynchronizerSnapshotSync(t *testing.T) {
	remote := populateRemote(t, 50)
	client := &mockSyncClient{remote: remote}
	local := storage.NewMemoryStore()

	cfg := testSyncConfig()
	cfg.LargeGapThreshold = 10

	sync := NewSynchronizer(cfg, local, client, nil)
	err := sync.SyncWithPeer(context.Background(), network.Peer{ID: "remote"})
	require.NoError(t, err, "Snapshot sync should succeed")

	assert.Equal(t, uint64(50), local.Height(), "Local height should match the snapshot")
	assert.Equal(t, 1, client.snapRequests, "Large gap should fetch one snapshot")
	assert.Equal(t, 0, client.rangeRequests, "Snapshot sync must not fetch ranges")

	progress := sync.Progress()
	assert.True(t, progress.Snapshot, "Progress should record the snapshot path")
	assert.Equal(t, uint64(50), progress.CurrentHeight, "Progress should reach the target")
}

func TestSynchronizerRejectsTamperedSnapshot(t *testing.T) {
	remote := populateRemote(t, 50)
	client := &mockSyncClient{
		remote: remote,
		tamper: func(s *Snapshot) {
			s.Vertices[10].Payload = []byte("forged")
		},
	}
	local := storage.NewMemoryStore()

	cfg := testSyncConfig()
	cfg.LargeGapThreshold = 10

	sync := NewSynchronizer(cfg, local, client, nil)
	err := sync.SyncWithPeer(context.Background(), network.Peer{ID: "remote"})
	require.Error(t, err, "Tampered snapshot must be rejected")
	assert.ErrorIs(t, err, ErrInvalidSnapshot, "Error should identify the bad snapshot")

	assert.Equal(t, uint64(0), local.Height(), "Nothing from a bad snapshot may be applied")
	vertices, err := local.GetAllVertices()
	require.NoError(t, err, "Should read local store")
	assert.Empty(t, vertices, "Local store must stay empty")
}

func TestSynchronizerRejectsMismatchedSnapshot(t *testing.T) {
	remote := populateRemote(t, 50)
	client := &mockSyncClient{
		remote: remote,
		tamper: func(s *Snapshot) {
			// Internally consistent snapshot for a different state
			s.Height = 49
			s.ID = s.computeID()
		},
	}
	local := storage.NewMemoryStore()

	cfg := testSyncConfig()
	cfg.LargeGapThreshold = 10

	sync := NewSynchronizer(cfg, local, client, nil)
	err := sync.SyncWithPeer(context.Background(), network.Peer{ID: "remote"})
	require.Error(t, err, "Snapshot for a different status must be rejected")
	assert.ErrorIs(t, err, ErrInvalidSnapshot, "Error should identify the mismatch")
}

func TestSynchronizerAlreadyUpToDate(t *testing.T) {
	remote := populateRemote(t, 5)
	client := &mockSyncClient{remote: remote}

	sync := NewSynchronizer(testSyncConfig(), remote, client, nil)
	err := sync.SyncWithPeer(context.Background(), network.Peer{ID: "remote"})
	require.NoError(t, err, "Equal heights need no sync")
	assert.Equal(t, 0, client.rangeRequests, "No data should be requested")
	assert.Equal(t, 0, client.snapRequests, "No snapshot should be requested")
}

func TestSynchronizerSingleFlight(t *testing.T) {
	remote := populateRemote(t, 5)
	client := &mockSyncClient{remote: remote}
	local := storage.NewMemoryStore()

	sync := NewSynchronizer(testSyncConfig(), local, client, nil)
	sync.syncing = true

	err := sync.SyncWithPeer(context.Background(), network.Peer{ID: "remote"})
	require.Error(t, err, "Concurrent sync must be refused")
	assert.True(t, errors.Is(err, ErrSyncInProgress), "Error should say a sync is running")
}

func TestSnapshotRoundTrip(t *testing.T) {
	remote := populateRemote(t, 20)
	snap, err := BuildSnapshot(remote, [][]byte{[]byte("pending-tx")})
	require.NoError(t, err, "Should build snapshot")
	require.NoError(t, snap.Verify(), "Fresh snapshot should verify")

	encoded, err := snap.Encode()
	require.NoError(t, err, "Should encode snapshot")
	decoded, err := DecodeSnapshot(encoded)
	require.NoError(t, err, "Should decode snapshot")
	require.NoError(t, decoded.Verify(), "Decoded snapshot should verify")
	assert.Equal(t, snap.ID, decoded.ID, "Snapshot ID should survive the round trip")
	assert.Len(t, decoded.PendingTxs, 1, "Pending transactions should survive the round trip")
}

func TestSnapshotVerifyDetectsRootTamper(t *testing.T) {
	remote := populateRemote(t, 10)
	snap, err := BuildSnapshot(remote, nil)
	require.NoError(t, err, "Should build snapshot")

	snap.MerkleRoot = "0000"
	err = snap.Verify()
	require.Error(t, err, "Tampered merkle root must fail verification")
	assert.ErrorIs(t, err, ErrInvalidSnapshot, "Error should identify the bad snapshot")
}
