package storage

import (
	"errors"
	"fmt"

	"dagmesh/vertex"
)

// ErrNotFound is returned when a vertex id is not present in the store
var ErrNotFound = errors.New("vertex not found")

// ErrMissingParent is returned when a vertex references an unknown parent.
// Enforcing parent existence at insertion keeps the DAG acyclic by
// construction: a vertex can never reference a later vertex.
var ErrMissingParent = errors.New("vertex references unknown parent")

// Store is the persistent vertex store contract. Implementations are safe
// for concurrent use.
type Store interface {
	// PutVertex persists a vertex and assigns it the next height
	PutVertex(v *vertex.Vertex) error

	// GetVertex returns the vertex with the given id, or ErrNotFound
	GetVertex(id string) (*vertex.Vertex, error)

	// HasVertex reports whether the id is present
	HasVertex(id string) bool

	// GetAllVertices returns every stored vertex in height order
	GetAllVertices() ([]*vertex.Vertex, error)

	// GetTips returns ids of vertices with no known children
	GetTips() ([]string, error)

	// GetParents returns the parent ids of a vertex
	GetParents(id string) ([]string, error)

	// GetAncestors walks parent links breadth-first up to max vertices
	GetAncestors(id string, max int) ([]string, error)

	// GetVertexRange returns vertices with heights in [start, end)
	GetVertexRange(start, end uint64) ([]*vertex.Vertex, error)

	// Height returns the number of stored vertices
	Height() uint64

	// SetHeight overrides the stored height (snapshot application only)
	SetHeight(h uint64) error

	// StateHash returns the recorded state hash
	StateHash() string

	// SetStateHash records a new state hash
	SetStateHash(h string) error

	Close() error
}

// walkAncestors is the shared breadth-first ancestry walk used by both
// store implementations.
func walkAncestors(s Store, id string, max int) ([]string, error) {
	if !s.HasVertex(id) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}

	var ancestors []string
	visited := map[string]bool{id: true}
	frontier := []string{id}

	for len(frontier) > 0 && len(ancestors) < max {
		next := frontier[0]
		frontier = frontier[1:]

		parents, err := s.GetParents(next)
		if err != nil {
			return nil, err
		}
		for _, parent := range parents {
			if visited[parent] {
				continue
			}
			visited[parent] = true
			ancestors = append(ancestors, parent)
			frontier = append(frontier, parent)
			if len(ancestors) >= max {
				break
			}
		}
	}

	return ancestors, nil
}
