package consensus

import (
	"errors"
	"fmt"
	"math"
	"sort"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"

	"dagmesh/config"
	"dagmesh/logger"
	"dagmesh/metrics"
	"dagmesh/storage"
	"dagmesh/vertex"
)

var (
	ErrForkNotFound          = errors.New("fork not found")
	ErrForkAlreadyResolved   = errors.New("fork already resolved")
	ErrForkNotResolved       = errors.New("fork not yet resolved")
	ErrInsufficientConsensus = errors.New("no branch holds a sufficient weight advantage")
	ErrResolutionTimeout     = errors.New("fork resolution timed out")
	ErrChainWalkExceeded     = errors.New("chain length walk exceeded limit")
)

// ForkStatus is the lifecycle state of a detected fork
type ForkStatus int

const (
	ForkDetected ForkStatus = iota
	ForkResolved
	ForkFailed
)

func (s ForkStatus) String() string {
	switch s {
	case ForkDetected:
		return "Detected"
	case ForkResolved:
		return "Resolved"
	case ForkFailed:
		return "Failed"
	default:
		return fmt.Sprintf("Unknown(%d)", int(s))
	}
}

// ChainBranch is one competing branch of a fork
type ChainBranch struct {
	TipID       string
	ChainLength uint64
	Weight      float64
	Voters      map[string]struct{}
}

// ForkInfo describes a detected fork over one sequence point. The
// sequence point is the parent both branches extend.
type ForkInfo struct {
	SequencePoint string
	Branches      map[string]*ChainBranch
	Status        ForkStatus
	WinnerID      string
	DetectedAt    time.Time
	ReporterID    string
}

// WeightProvider supplies a node's voting weight. The peer set
// implements this.
type WeightProvider interface {
	Weight(nodeID string) float64
}

// Resolver detects forks from incoming vertices and resolves them by
// weighted voting with a deterministic tiebreak ordering
type Resolver struct {
	cfg     config.ForkConfig
	store   storage.Store
	weights WeightProvider

	mutex sync.RWMutex
	// candidates maps a sequence point to the first vertex seen
	// extending it; a second distinct vertex is a fork
	candidates map[string]string
	forks      map[string]*ForkInfo

	lengths *lru.Cache[string, uint64]
	clock   func() time.Time
	metrics *metrics.Fork
}

// NewResolver creates a fork resolver
func NewResolver(cfg config.ForkConfig, store storage.Store, weights WeightProvider, m *metrics.Fork) (*Resolver, error) {
	lengths, err := lru.New[string, uint64](4096)
	if err != nil {
		return nil, fmt.Errorf("failed to create chain length cache: %w", err)
	}
	return &Resolver{
		cfg:        cfg,
		store:      store,
		weights:    weights,
		candidates: make(map[string]string),
		forks:      make(map[string]*ForkInfo),
		lengths:    lengths,
		clock:      time.Now,
		metrics:    m,
	}, nil
}

// SetClock overrides the resolver's time source for tests
func (r *Resolver) SetClock(clock func() time.Time) {
	r.mutex.Lock()
	defer r.mutex.Unlock()
	r.clock = clock
}

// ReportVertex observes a vertex extending a sequence point. The second
// distinct vertex over the same point opens a fork; the return value is
// the fork info when one is open, nil otherwise.
func (r *Resolver) ReportVertex(sequencePoint, vertexID, reporterID string) (*ForkInfo, error) {
	length, err := r.chainLength(vertexID)
	if err != nil {
		return nil, err
	}

	r.mutex.Lock()
	defer r.mutex.Unlock()

	if fork, ok := r.forks[sequencePoint]; ok {
		if fork.Status == ForkResolved {
			return fork, fmt.Errorf("%w: %s", ErrForkAlreadyResolved, sequencePoint)
		}
		r.addBranchLocked(fork, vertexID, length)
		return fork, nil
	}

	first, ok := r.candidates[sequencePoint]
	if !ok {
		r.candidates[sequencePoint] = vertexID
		return nil, nil
	}
	if first == vertexID {
		return nil, nil
	}

	// Two distinct vertices extend the same sequence point
	firstLen, err := r.chainLength(first)
	if err != nil {
		return nil, err
	}

	fork := &ForkInfo{
		SequencePoint: sequencePoint,
		Branches:      make(map[string]*ChainBranch),
		Status:        ForkDetected,
		DetectedAt:    r.clock(),
		ReporterID:    reporterID,
	}
	r.addBranchLocked(fork, first, firstLen)
	r.addBranchLocked(fork, vertexID, length)
	r.forks[sequencePoint] = fork
	delete(r.candidates, sequencePoint)

	if r.metrics != nil {
		r.metrics.Detected.Inc()
		r.metrics.Active.Inc()
	}
	log.WithFields(logger.Fields{
		"sequencePoint": sequencePoint,
		"branchA":       first,
		"branchB":       vertexID,
		"reporter":      reporterID,
	}).Warn("Fork detected")

	return fork, nil
}

func (r *Resolver) addBranchLocked(fork *ForkInfo, tipID string, length uint64) {
	if _, ok := fork.Branches[tipID]; ok {
		return
	}
	fork.Branches[tipID] = &ChainBranch{
		TipID:       tipID,
		ChainLength: length,
		Voters:      make(map[string]struct{}),
	}
}

// RecordVote registers a node's vote for a branch of an open fork. A
// node voting twice for the same branch has no additional effect; a
// node switching branches moves its weight.
func (r *Resolver) RecordVote(sequencePoint, branchTipID, voterID string) error {
	r.mutex.Lock()
	defer r.mutex.Unlock()

	fork, ok := r.forks[sequencePoint]
	if !ok {
		return fmt.Errorf("%w: %s", ErrForkNotFound, sequencePoint)
	}
	if fork.Status != ForkDetected {
		return fmt.Errorf("%w: %s is %s", ErrForkAlreadyResolved, sequencePoint, fork.Status)
	}
	branch, ok := fork.Branches[branchTipID]
	if !ok {
		return fmt.Errorf("%w: branch %s of fork %s", ErrForkNotFound, branchTipID, sequencePoint)
	}

	weight := r.weights.Weight(voterID)
	for _, other := range fork.Branches {
		if other == branch {
			continue
		}
		if _, voted := other.Voters[voterID]; voted {
			delete(other.Voters, voterID)
			other.Weight -= weight
		}
	}
	if _, voted := branch.Voters[voterID]; !voted {
		branch.Voters[voterID] = struct{}{}
		branch.Weight += weight
	}
	return nil
}

// ResolveFork picks the canonical branch of an open fork. Branches are
// ranked by chain length, then accumulated weight, then tip ID, so every
// honest node resolves the same fork identically. The leader must also
// hold a minimum weight advantage over the runner-up; until it does the
// microWeight converts a vote weight to integer micro-units so branch
// comparisons are exact. Summed float64 weights carry rounding noise
// that can flip a comparison sitting exactly on the advantage boundary.
func microWeight(w float64) int64 {
	return int64(math.Round(w * 1e6))
}

// fork stays open, and past the resolution timeout it fails.
func (r *Resolver) ResolveFork(sequencePoint string) (*ForkInfo, error) {
	r.mutex.Lock()
	defer r.mutex.Unlock()

	fork, ok := r.forks[sequencePoint]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrForkNotFound, sequencePoint)
	}
	switch fork.Status {
	case ForkResolved:
		return fork, fmt.Errorf("%w: %s", ErrForkAlreadyResolved, sequencePoint)
	case ForkFailed:
		return fork, fmt.Errorf("%w: %s", ErrResolutionTimeout, sequencePoint)
	}

	ranked := make([]*ChainBranch, 0, len(fork.Branches))
	for _, b := range fork.Branches {
		ranked = append(ranked, b)
	}
	sort.Slice(ranked, func(i, j int) bool {
		if ranked[i].ChainLength != ranked[j].ChainLength {
			return ranked[i].ChainLength > ranked[j].ChainLength
		}
		if wi, wj := microWeight(ranked[i].Weight), microWeight(ranked[j].Weight); wi != wj {
			return wi > wj
		}
		return ranked[i].TipID < ranked[j].TipID
	})

	leader := ranked[0]
	decisive := len(ranked) == 1 ||
		leader.ChainLength > ranked[1].ChainLength ||
		microWeight(leader.Weight) >= microWeight(ranked[1].Weight)+microWeight(r.cfg.MinWeightAdvantage)

	if !decisive {
		if r.clock().Sub(fork.DetectedAt) > r.cfg.ResolutionTimeout {
			fork.Status = ForkFailed
			if r.metrics != nil {
				r.metrics.Failed.Inc()
				r.metrics.Active.Dec()
			}
			log.WithField("sequencePoint", sequencePoint).Error("Fork resolution timed out")
			return fork, fmt.Errorf("%w: %s", ErrResolutionTimeout, sequencePoint)
		}
		return fork, fmt.Errorf("%w: fork %s", ErrInsufficientConsensus, sequencePoint)
	}

	fork.Status = ForkResolved
	fork.WinnerID = leader.TipID
	if r.metrics != nil {
		r.metrics.Resolved.Inc()
		r.metrics.Active.Dec()
	}
	log.WithFields(logger.Fields{
		"sequencePoint": sequencePoint,
		"winner":        leader.TipID,
		"chainLength":   leader.ChainLength,
		"weight":        leader.Weight,
	}).Info("Fork resolved")

	return fork, nil
}

// ReconcileChain returns the winning branch's vertices back to the
// sequence point, newest first, so a node on the losing branch can
// reorganize. It refuses unless the fork is resolved.
func (r *Resolver) ReconcileChain(sequencePoint string) ([]*vertex.Vertex, error) {
	r.mutex.RLock()
	fork, ok := r.forks[sequencePoint]
	if !ok {
		r.mutex.RUnlock()
		return nil, fmt.Errorf("%w: %s", ErrForkNotFound, sequencePoint)
	}
	if fork.Status != ForkResolved {
		r.mutex.RUnlock()
		return nil, fmt.Errorf("%w: %s is %s", ErrForkNotResolved, sequencePoint, fork.Status)
	}
	winnerID := fork.WinnerID
	r.mutex.RUnlock()

	var chain []*vertex.Vertex
	current := winnerID
	for current != sequencePoint && current != vertex.GenesisID {
		v, err := r.store.GetVertex(current)
		if err != nil {
			return nil, fmt.Errorf("winning branch vertex %s missing: %w", current, err)
		}
		chain = append(chain, v)
		if len(v.Parents) == 0 {
			break
		}
		current = v.Parents[0]
		if len(chain) > r.cfg.MaxChainWalk {
			return nil, fmt.Errorf("%w: reconciling %s", ErrChainWalkExceeded, sequencePoint)
		}
	}
	return chain, nil
}

// GetFork returns a fork's info
func (r *Resolver) GetFork(sequencePoint string) (*ForkInfo, error) {
	r.mutex.RLock()
	defer r.mutex.RUnlock()
	fork, ok := r.forks[sequencePoint]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrForkNotFound, sequencePoint)
	}
	return fork, nil
}

// chainLength walks first parents back to genesis, counting edges. The
// result is cached; the walk is capped to bound hostile inputs.
func (r *Resolver) chainLength(vertexID string) (uint64, error) {
	if length, ok := r.lengths.Get(vertexID); ok {
		return length, nil
	}

	var walked []string
	current := vertexID
	var depth uint64
	for current != vertex.GenesisID {
		if length, ok := r.lengths.Get(current); ok {
			depth += length
			break
		}
		v, err := r.store.GetVertex(current)
		if err != nil {
			return 0, fmt.Errorf("chain walk from %s: %w", vertexID, err)
		}
		walked = append(walked, current)
		depth++
		if depth > uint64(r.cfg.MaxChainWalk) {
			return 0, fmt.Errorf("%w: from %s", ErrChainWalkExceeded, vertexID)
		}
		if len(v.Parents) == 0 {
			break
		}
		current = v.Parents[0]
	}

	// Fill the cache for every vertex on the walked path
	for i, id := range walked {
		r.lengths.Add(id, depth-uint64(i))
	}
	return depth, nil
}
