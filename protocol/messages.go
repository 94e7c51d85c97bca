package protocol

import (
	"encoding/json"

	"dagmesh/vertex"
)

// MessageType represents network message types
type MessageType int

const (
	MessageTypeVertex MessageType = iota
	MessageTypeSampleQuery
	MessageTypeSampleResponse
	MessageTypeStatusRequest
	MessageTypeStatusResponse
	MessageTypeVertexRangeRequest
	MessageTypeVertexRangeResponse
	MessageTypeSnapshotRequest
	MessageTypeSnapshotResponse
)

// Message represents a network message
type Message struct {
	Type    MessageType     `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

// Encode wraps a payload into a typed message
func Encode(msgType MessageType, payload interface{}) (*Message, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return &Message{Type: msgType, Payload: raw}, nil
}

// VertexMessage represents a vertex being broadcast
type VertexMessage struct {
	Vertex *vertex.Vertex `json:"vertex"`
}

// SampleQuery asks a sampled peer whether it supports a vertex
type SampleQuery struct {
	QueryID    string `json:"query_id"`
	VertexID   string `json:"vertex_id"`
	SampleSize int    `json:"sample_size"`
}

// SampleResponse is a sampled peer's vote for a query
type SampleResponse struct {
	QueryID string `json:"query_id"`
	NodeID  string `json:"node_id"`
	Vote    bool   `json:"vote"`
}

// StatusRequest asks a peer for its current chain status
type StatusRequest struct{}

// StatusResponse reports a peer's height and state hash
type StatusResponse struct {
	NodeID    string `json:"node_id"`
	Height    uint64 `json:"height"`
	StateHash string `json:"state_hash"`
}

// VertexRangeRequest requests vertices between two heights
type VertexRangeRequest struct {
	StartHeight uint64 `json:"start_height"`
	EndHeight   uint64 `json:"end_height"`
}

// VertexRangeResponse is the response to a vertex range request
type VertexRangeResponse struct {
	StartHeight uint64           `json:"start_height"`
	EndHeight   uint64           `json:"end_height"`
	Vertices    []*vertex.Vertex `json:"vertices"`
}

// SnapshotRequest asks a peer for a full state snapshot
type SnapshotRequest struct {
	MinHeight uint64 `json:"min_height"`
}

// SnapshotResponse carries a serialized snapshot
type SnapshotResponse struct {
	Snapshot json.RawMessage `json:"snapshot"`
}
