package storage

import (
	"fmt"
	"sync"

	"dagmesh/vertex"
)

// MemoryStore is an in-memory Store used by tests and simulations
type MemoryStore struct {
	mutex     sync.RWMutex
	vertices  map[string]*vertex.Vertex
	children  map[string][]string
	order     []string
	height    uint64
	stateHash string
}

// NewMemoryStore creates an empty in-memory vertex store
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		vertices: make(map[string]*vertex.Vertex),
		children: make(map[string][]string),
	}
}

// PutVertex stores a vertex. Every non-genesis parent must already exist.
func (s *MemoryStore) PutVertex(v *vertex.Vertex) error {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	for _, parent := range v.Parents {
		if parent == vertex.GenesisID {
			continue
		}
		if _, ok := s.vertices[parent]; !ok {
			return fmt.Errorf("%w: %s", ErrMissingParent, parent)
		}
	}

	if _, exists := s.vertices[v.ID]; !exists {
		s.order = append(s.order, v.ID)
		s.height++
		for _, parent := range v.Parents {
			s.children[parent] = append(s.children[parent], v.ID)
		}
	}
	s.vertices[v.ID] = v
	return nil
}

// GetVertex returns the vertex with the given id
func (s *MemoryStore) GetVertex(id string) (*vertex.Vertex, error) {
	s.mutex.RLock()
	defer s.mutex.RUnlock()

	v, ok := s.vertices[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return v, nil
}

// HasVertex reports whether the id is present
func (s *MemoryStore) HasVertex(id string) bool {
	s.mutex.RLock()
	defer s.mutex.RUnlock()
	_, ok := s.vertices[id]
	return ok
}

// GetAllVertices returns every stored vertex in insertion order
func (s *MemoryStore) GetAllVertices() ([]*vertex.Vertex, error) {
	s.mutex.RLock()
	defer s.mutex.RUnlock()

	out := make([]*vertex.Vertex, 0, len(s.order))
	for _, id := range s.order {
		out = append(out, s.vertices[id])
	}
	return out, nil
}

// GetVertexRange returns vertices with heights in [start, end)
func (s *MemoryStore) GetVertexRange(start, end uint64) ([]*vertex.Vertex, error) {
	s.mutex.RLock()
	defer s.mutex.RUnlock()

	if end > uint64(len(s.order)) {
		end = uint64(len(s.order))
	}
	if start >= end {
		return nil, nil
	}
	out := make([]*vertex.Vertex, 0, end-start)
	for _, id := range s.order[start:end] {
		out = append(out, s.vertices[id])
	}
	return out, nil
}

// GetTips returns ids of vertices with no known children
func (s *MemoryStore) GetTips() ([]string, error) {
	s.mutex.RLock()
	defer s.mutex.RUnlock()

	var tips []string
	for _, id := range s.order {
		if len(s.children[id]) == 0 {
			tips = append(tips, id)
		}
	}
	return tips, nil
}

// GetParents returns the parent ids of a vertex
func (s *MemoryStore) GetParents(id string) ([]string, error) {
	v, err := s.GetVertex(id)
	if err != nil {
		return nil, err
	}
	return v.Parents, nil
}

// GetAncestors walks parent links breadth-first up to max vertices
func (s *MemoryStore) GetAncestors(id string, max int) ([]string, error) {
	return walkAncestors(s, id, max)
}

// Height returns the number of stored vertices
func (s *MemoryStore) Height() uint64 {
	s.mutex.RLock()
	defer s.mutex.RUnlock()
	return s.height
}

// SetHeight overrides the stored height after snapshot application
func (s *MemoryStore) SetHeight(h uint64) error {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	s.height = h
	return nil
}

// StateHash returns the recorded state hash
func (s *MemoryStore) StateHash() string {
	s.mutex.RLock()
	defer s.mutex.RUnlock()
	return s.stateHash
}

// SetStateHash records a new state hash
func (s *MemoryStore) SetStateHash(h string) error {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	s.stateHash = h
	return nil
}

// Close is a no-op for the in-memory store
func (s *MemoryStore) Close() error {
	return nil
}
