package vertex

import (
	"encoding/hex"
	"fmt"
	"strconv"
	"strings"
	"time"

	"dagmesh/keys"
)

// GenesisID is the well-known identifier of the genesis vertex
const GenesisID = "0000000000000000000000000000000000000000000000000000000000000000"

// Vertex is a node of the DAG ledger. Immutable once created; referenced
// by its ID (the hex-encoded hash) everywhere else.
type Vertex struct {
	ID               string   `json:"id"`
	Parents          []string `json:"parents"`
	Payload          []byte   `json:"payload"`
	Creator          string   `json:"creator"`
	CreatorPublicKey []byte   `json:"creator_public_key"`
	Signature        []byte   `json:"signature"`
	Timestamp        int64    `json:"timestamp"`
}

// CalculateHash computes the vertex digest over all immutable fields.
// The Signature and ID fields are derived values and excluded.
func (v *Vertex) CalculateHash() [32]byte {
	record := strings.Join(v.Parents, ",") +
		string(v.Payload) +
		v.Creator +
		strconv.FormatInt(v.Timestamp, 10)

	return keys.Hash([]byte(record))
}

// StoreHash calculates and stores the vertex ID from the hash
func (v *Vertex) StoreHash() {
	hash := v.CalculateHash()
	v.ID = hex.EncodeToString(hash[:])
}

// New builds a signed vertex from the given parents and payload
func New(creator *keys.KeyPair, parents []string, payload []byte) (*Vertex, error) {
	v := &Vertex{
		Parents:          parents,
		Payload:          payload,
		Creator:          creator.Address,
		CreatorPublicKey: creator.PublicKeyBytes(),
		Timestamp:        time.Now().Unix(),
	}

	hash := v.CalculateHash()
	signature, err := creator.Sign(hash[:])
	if err != nil {
		return nil, fmt.Errorf("failed to sign vertex: %w", err)
	}
	v.Signature = signature
	v.StoreHash()

	return v, nil
}

// NewGenesis creates the genesis vertex for a fresh DAG
func NewGenesis(creator *keys.KeyPair) (*Vertex, error) {
	v := &Vertex{
		Parents:          nil,
		Payload:          []byte("genesis"),
		Creator:          creator.Address,
		CreatorPublicKey: creator.PublicKeyBytes(),
		Timestamp:        time.Now().Unix(),
	}

	hash := v.CalculateHash()
	signature, err := creator.Sign(hash[:])
	if err != nil {
		return nil, fmt.Errorf("failed to sign genesis vertex: %w", err)
	}
	v.Signature = signature
	v.StoreHash()

	return v, nil
}

// VerifySignature checks the creator's signature over the vertex hash
func (v *Vertex) VerifySignature() error {
	hash := v.CalculateHash()
	return keys.Verify(hash[:], v.Signature, v.CreatorPublicKey)
}

// VerifyID checks that the stored ID matches the recomputed hash
func (v *Vertex) VerifyID() error {
	hash := v.CalculateHash()
	expected := hex.EncodeToString(hash[:])
	if v.ID != expected {
		return fmt.Errorf("vertex id mismatch: have %s, want %s", v.ID, expected)
	}
	return nil
}

// HashBytes returns the vertex ID decoded to raw bytes
func (v *Vertex) HashBytes() ([32]byte, error) {
	var out [32]byte
	decoded, err := hex.DecodeString(v.ID)
	if err != nil || len(decoded) != 32 {
		return out, fmt.Errorf("malformed vertex id %q", v.ID)
	}
	copy(out[:], decoded)
	return out, nil
}
