package storage

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/util"

	"dagmesh/logger"
	"dagmesh/vertex"
)

var log = logger.Logger

// Key layout:
//
//	v:<id>           -> vertex JSON
//	c:<parent>:<id>  -> "" (child index, used for tip detection)
//	h:<height BE8>   -> vertex id (insertion order, used for range fetch)
//	m:height         -> uint64 BE8
//	m:statehash      -> string
const (
	vertexPrefix = "v:"
	childPrefix  = "c:"
	heightPrefix = "h:"
	metaHeight   = "m:height"
	metaState    = "m:statehash"
)

// LevelStore is a LevelDB-backed vertex store
type LevelStore struct {
	mutex sync.RWMutex
	db    *leveldb.DB
}

// OpenLevelStore opens (or creates) a LevelDB store at the given path
func OpenLevelStore(path string) (*LevelStore, error) {
	db, err := leveldb.OpenFile(path, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to open vertex store: %w", err)
	}
	log.WithField("path", path).Info("Vertex store opened")
	return &LevelStore{db: db}, nil
}

// Close safely closes the underlying database
func (s *LevelStore) Close() error {
	return s.db.Close()
}

// PutVertex persists a vertex, indexes its parent edges and assigns it the
// next height. Every non-genesis parent must already be present.
func (s *LevelStore) PutVertex(v *vertex.Vertex) error {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	for _, parent := range v.Parents {
		if parent == vertex.GenesisID {
			continue
		}
		has, err := s.db.Has([]byte(vertexPrefix+parent), nil)
		if err != nil {
			return err
		}
		if !has {
			return fmt.Errorf("%w: %s", ErrMissingParent, parent)
		}
	}

	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to marshal vertex: %w", err)
	}

	height := s.heightLocked()

	batch := new(leveldb.Batch)
	batch.Put([]byte(vertexPrefix+v.ID), data)
	for _, parent := range v.Parents {
		batch.Put([]byte(childPrefix+parent+":"+v.ID), nil)
	}
	batch.Put(heightKey(height), []byte(v.ID))
	batch.Put([]byte(metaHeight), encodeUint64(height+1))

	if err := s.db.Write(batch, nil); err != nil {
		return fmt.Errorf("failed to write vertex: %w", err)
	}

	log.WithFields(logger.Fields{
		"vertexID": v.ID,
		"parents":  len(v.Parents),
		"height":   height,
	}).Debug("Vertex persisted")
	return nil
}

// GetVertex returns the vertex with the given id
func (s *LevelStore) GetVertex(id string) (*vertex.Vertex, error) {
	s.mutex.RLock()
	defer s.mutex.RUnlock()

	data, err := s.db.Get([]byte(vertexPrefix+id), nil)
	if err == leveldb.ErrNotFound {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if err != nil {
		return nil, err
	}

	var v vertex.Vertex
	if err := json.Unmarshal(data, &v); err != nil {
		return nil, fmt.Errorf("failed to unmarshal vertex %s: %w", id, err)
	}
	return &v, nil
}

// HasVertex reports whether the id is present
func (s *LevelStore) HasVertex(id string) bool {
	s.mutex.RLock()
	defer s.mutex.RUnlock()

	has, err := s.db.Has([]byte(vertexPrefix+id), nil)
	return err == nil && has
}

// GetAllVertices returns every stored vertex in insertion order
func (s *LevelStore) GetAllVertices() ([]*vertex.Vertex, error) {
	return s.GetVertexRange(0, s.Height())
}

// GetVertexRange returns vertices with heights in [start, end)
func (s *LevelStore) GetVertexRange(start, end uint64) ([]*vertex.Vertex, error) {
	s.mutex.RLock()
	defer s.mutex.RUnlock()

	var vertices []*vertex.Vertex
	iter := s.db.NewIterator(&util.Range{Start: heightKey(start), Limit: heightKey(end)}, nil)
	defer iter.Release()

	for iter.Next() {
		id := string(iter.Value())
		data, err := s.db.Get([]byte(vertexPrefix+id), nil)
		if err != nil {
			return nil, fmt.Errorf("height index references missing vertex %s: %w", id, err)
		}
		var v vertex.Vertex
		if err := json.Unmarshal(data, &v); err != nil {
			return nil, fmt.Errorf("failed to unmarshal vertex %s: %w", id, err)
		}
		vertices = append(vertices, &v)
	}
	return vertices, iter.Error()
}

// GetTips returns ids of vertices with no known children
func (s *LevelStore) GetTips() ([]string, error) {
	s.mutex.RLock()
	defer s.mutex.RUnlock()

	var tips []string
	iter := s.db.NewIterator(util.BytesPrefix([]byte(vertexPrefix)), nil)
	defer iter.Release()

	for iter.Next() {
		id := string(iter.Key()[len(vertexPrefix):])
		childIter := s.db.NewIterator(util.BytesPrefix([]byte(childPrefix+id+":")), nil)
		hasChild := childIter.Next()
		childIter.Release()
		if !hasChild {
			tips = append(tips, id)
		}
	}
	return tips, iter.Error()
}

// GetParents returns the parent ids of a vertex
func (s *LevelStore) GetParents(id string) ([]string, error) {
	v, err := s.GetVertex(id)
	if err != nil {
		return nil, err
	}
	return v.Parents, nil
}

// GetAncestors walks parent links breadth-first up to max vertices
func (s *LevelStore) GetAncestors(id string, max int) ([]string, error) {
	return walkAncestors(s, id, max)
}

// Height returns the number of stored vertices
func (s *LevelStore) Height() uint64 {
	s.mutex.RLock()
	defer s.mutex.RUnlock()
	return s.heightLocked()
}

func (s *LevelStore) heightLocked() uint64 {
	data, err := s.db.Get([]byte(metaHeight), nil)
	if err != nil {
		return 0
	}
	return binary.BigEndian.Uint64(data)
}

// SetHeight overrides the stored height after snapshot application
func (s *LevelStore) SetHeight(h uint64) error {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	return s.db.Put([]byte(metaHeight), encodeUint64(h), nil)
}

// StateHash returns the recorded state hash
func (s *LevelStore) StateHash() string {
	s.mutex.RLock()
	defer s.mutex.RUnlock()

	data, err := s.db.Get([]byte(metaState), nil)
	if err != nil {
		return ""
	}
	return string(data)
}

// SetStateHash records a new state hash
func (s *LevelStore) SetStateHash(h string) error {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	return s.db.Put([]byte(metaState), []byte(h), nil)
}

func heightKey(h uint64) []byte {
	key := make([]byte, len(heightPrefix)+8)
	copy(key, heightPrefix)
	binary.BigEndian.PutUint64(key[len(heightPrefix):], h)
	return key
}

func encodeUint64(v uint64) []byte {
	buf := make([]byte, 8)
	binary.BigEndian.PutUint64(buf, v)
	return buf
}
