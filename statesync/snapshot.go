package statesync

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"dagmesh/storage"
	"dagmesh/vertex"
)

var ErrInvalidSnapshot = errors.New("snapshot integrity check failed")

// Snapshot is a verifiable copy of a node's full state at one height.
// MerkleRoot commits to the vertex set so a receiver can detect
// tampering before applying anything.
type Snapshot struct {
	ID         string           `json:"id"`
	Height     uint64           `json:"height"`
	StateHash  string           `json:"state_hash"`
	MerkleRoot string           `json:"merkle_root"`
	Vertices   []*vertex.Vertex `json:"vertices"`
	PendingTxs [][]byte         `json:"pending_txs,omitempty"`
	CreatedAt  int64            `json:"created_at"`
}

// BuildSnapshot captures the store's current state into a snapshot
func BuildSnapshot(store storage.Store, pendingTxs [][]byte) (*Snapshot, error) {
	vertices, err := store.GetAllVertices()
	if err != nil {
		return nil, fmt.Errorf("failed to read vertices for snapshot: %w", err)
	}
	if len(vertices) == 0 {
		return nil, fmt.Errorf("cannot snapshot an empty store: %w", ErrEmptyTree)
	}

	root, err := vertexMerkleRoot(vertices)
	if err != nil {
		return nil, err
	}

	s := &Snapshot{
		Height:     store.Height(),
		StateHash:  store.StateHash(),
		MerkleRoot: root,
		Vertices:   vertices,
		PendingTxs: pendingTxs,
		CreatedAt:  time.Now().Unix(),
	}
	s.ID = s.computeID()
	return s, nil
}

// Verify recomputes the Merkle root over the snapshot's vertices and the
// snapshot ID, and checks every vertex signature. Any mismatch means the
// snapshot was corrupted or tampered with in transit.
func (s *Snapshot) Verify() error {
	if len(s.Vertices) == 0 {
		return fmt.Errorf("%w: snapshot has no vertices", ErrInvalidSnapshot)
	}
	root, err := vertexMerkleRoot(s.Vertices)
	if err != nil {
		return err
	}
	if root != s.MerkleRoot {
		return fmt.Errorf("%w: merkle root mismatch, have %s, want %s", ErrInvalidSnapshot, root, s.MerkleRoot)
	}
	if s.computeID() != s.ID {
		return fmt.Errorf("%w: snapshot id mismatch", ErrInvalidSnapshot)
	}
	for _, v := range s.Vertices {
		if err := v.VerifySignature(); err != nil {
			return fmt.Errorf("%w: vertex %s: %v", ErrInvalidSnapshot, v.ID, err)
		}
	}
	return nil
}

// Encode serializes the snapshot for transport
func (s *Snapshot) Encode() ([]byte, error) {
	return json.Marshal(s)
}

// DecodeSnapshot parses a serialized snapshot without verifying it
func DecodeSnapshot(data []byte) (*Snapshot, error) {
	var s Snapshot
	if err := json.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("failed to decode snapshot: %w", err)
	}
	return &s, nil
}

// computeID hashes the snapshot's header fields. Vertices are already
// committed to via the Merkle root.
func (s *Snapshot) computeID() string {
	header := fmt.Sprintf("%d|%s|%s|%d", s.Height, s.StateHash, s.MerkleRoot, s.CreatedAt)
	hash := sha256.Sum256([]byte(header))
	return hex.EncodeToString(hash[:])
}

func vertexMerkleRoot(vertices []*vertex.Vertex) (string, error) {
	leaves := make([][]byte, len(vertices))
	for i, v := range vertices {
		leaves[i] = []byte(v.ID)
	}
	tree, err := NewMerkleTree(leaves)
	if err != nil {
		return "", fmt.Errorf("failed to build snapshot merkle tree: %w", err)
	}
	return tree.RootHex(), nil
}
