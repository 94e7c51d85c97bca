package network

import (
	"math/rand"
	"sync"

	"dagmesh/logger"
)

var log = logger.Logger

// DefaultVotingWeight is assumed for peers with no configured weight
const DefaultVotingWeight = 1.0

// Peer is a remote consensus participant
type Peer struct {
	ID          string
	Address     string
	Weight      float64
	Reliability float64
}

// PeerSet holds the active peer set and the backup pool. The recovery
// manager is the only writer; all other components read through Sample,
// Active and Count and must re-fetch rather than cache.
type PeerSet struct {
	mutex   sync.RWMutex
	active  map[string]Peer
	backups map[string]Peer
}

// NewPeerSet creates an empty peer set
func NewPeerSet() *PeerSet {
	return &PeerSet{
		active:  make(map[string]Peer),
		backups: make(map[string]Peer),
	}
}

// AddPeer adds or updates a peer in the active set
func (ps *PeerSet) AddPeer(p Peer) {
	if p.Weight == 0 {
		p.Weight = DefaultVotingWeight
	}
	ps.mutex.Lock()
	defer ps.mutex.Unlock()
	ps.active[p.ID] = p
}

// RemovePeer deletes a peer from the active set
func (ps *PeerSet) RemovePeer(id string) {
	ps.mutex.Lock()
	defer ps.mutex.Unlock()
	delete(ps.active, id)
}

// Admit places a newly discovered peer. The active set is filled first,
// up to activeTarget; once full, further peers land in the backup pool
// so the recovery manager can promote them later. Returns true when the
// peer joined the active set.
func (ps *PeerSet) Admit(p Peer, activeTarget int) bool {
	if p.Weight == 0 {
		p.Weight = DefaultVotingWeight
	}
	ps.mutex.Lock()
	defer ps.mutex.Unlock()
	if _, isActive := ps.active[p.ID]; isActive {
		ps.active[p.ID] = p
		return true
	}
	if len(ps.active) < activeTarget {
		delete(ps.backups, p.ID)
		ps.active[p.ID] = p
		return true
	}
	ps.backups[p.ID] = p
	return false
}

// AddBackup adds a peer to the backup pool unless it is already active
func (ps *PeerSet) AddBackup(p Peer) {
	if p.Weight == 0 {
		p.Weight = DefaultVotingWeight
	}
	ps.mutex.Lock()
	defer ps.mutex.Unlock()
	if _, isActive := ps.active[p.ID]; isActive {
		return
	}
	ps.backups[p.ID] = p
}

// Get returns an active peer by id
func (ps *PeerSet) Get(id string) (Peer, bool) {
	ps.mutex.RLock()
	defer ps.mutex.RUnlock()
	p, ok := ps.active[id]
	return p, ok
}

// Weight returns the voting weight of a node, defaulting for unknown nodes
func (ps *PeerSet) Weight(id string) float64 {
	ps.mutex.RLock()
	defer ps.mutex.RUnlock()
	if p, ok := ps.active[id]; ok {
		return p.Weight
	}
	return DefaultVotingWeight
}

// Count returns the size of the active set
func (ps *PeerSet) Count() int {
	ps.mutex.RLock()
	defer ps.mutex.RUnlock()
	return len(ps.active)
}

// BackupCount returns the size of the backup pool
func (ps *PeerSet) BackupCount() int {
	ps.mutex.RLock()
	defer ps.mutex.RUnlock()
	return len(ps.backups)
}

// Active returns a copy of the active peer list
func (ps *PeerSet) Active() []Peer {
	ps.mutex.RLock()
	defer ps.mutex.RUnlock()
	peers := make([]Peer, 0, len(ps.active))
	for _, p := range ps.active {
		peers = append(peers, p)
	}
	return peers
}

// Backups returns a copy of the backup pool
func (ps *PeerSet) Backups() []Peer {
	ps.mutex.RLock()
	defer ps.mutex.RUnlock()
	peers := make([]Peer, 0, len(ps.backups))
	for _, p := range ps.backups {
		peers = append(peers, p)
	}
	return peers
}

// Sample returns up to k distinct peers drawn uniformly from the active set
func (ps *PeerSet) Sample(k int) []Peer {
	peers := ps.Active()
	rand.Shuffle(len(peers), func(i, j int) {
		peers[i], peers[j] = peers[j], peers[i]
	})
	if k < len(peers) {
		peers = peers[:k]
	}
	return peers
}

// Swap atomically replaces a failed active peer with a backup. Both the
// active set and the backup pool are updated under one lock so readers
// never observe a half-applied membership change.
func (ps *PeerSet) Swap(failedID string, replacement Peer) {
	ps.mutex.Lock()
	defer ps.mutex.Unlock()

	delete(ps.active, failedID)
	delete(ps.backups, replacement.ID)
	if replacement.Weight == 0 {
		replacement.Weight = DefaultVotingWeight
	}
	ps.active[replacement.ID] = replacement

	log.WithFields(logger.Fields{
		"failedPeer":  failedID,
		"replacement": replacement.ID,
	}).Info("Peer set membership swapped")
}
