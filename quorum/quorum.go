package quorum

import (
	"math"
	"sync"
	"time"

	"dagmesh/config"
	"dagmesh/logger"
	"dagmesh/metrics"
)

var log = logger.Logger

// ThreatLevel classifies the observed Byzantine pressure on the network.
// Each level carries the quorum fraction required for agreement.
type ThreatLevel int

const (
	ThreatNormal ThreatLevel = iota
	ThreatElevated
	ThreatHigh
)

const (
	fractionNormal   = 0.67
	fractionElevated = 0.75
	fractionHigh     = 0.82

	// Detection rates that trigger level changes
	highDetectionRate     = 0.15
	elevatedDetectionRate = 0.05

	// Partition penalties accumulate but never dominate the stability score
	maxPartitionPenalty = 0.5
)

// Fraction returns the quorum fraction this level requires
func (l ThreatLevel) Fraction() float64 {
	switch l {
	case ThreatHigh:
		return fractionHigh
	case ThreatElevated:
		return fractionElevated
	default:
		return fractionNormal
	}
}

func (l ThreatLevel) String() string {
	switch l {
	case ThreatHigh:
		return "high"
	case ThreatElevated:
		return "elevated"
	default:
		return "normal"
	}
}

type detection struct {
	nodeID string
	reason string
	at     time.Time
}

// Manager tracks Byzantine-detection events and network stability inside a
// sliding window and adapts the quorum threshold. Upgrades apply
// immediately; downgrades wait out a cooldown since the last change so the
// level does not flap on transient noise.
type Manager struct {
	mutex sync.RWMutex

	window             time.Duration
	cooldown           time.Duration
	stabilityThreshold float64
	clock              func() time.Time

	totalNodes int
	level      ThreatLevel
	lastChange time.Time

	detections       []detection
	uptimeScore      float64
	latencyScore     float64
	partitionPenalty float64

	metrics *metrics.Quorum
}

// NewManager creates a quorum manager for a network of totalNodes
func NewManager(cfg config.QuorumConfig, totalNodes int, m *metrics.Quorum) *Manager {
	mgr := &Manager{
		window:             cfg.DetectionWindow,
		cooldown:           cfg.Cooldown,
		stabilityThreshold: cfg.StabilityThreshold,
		clock:              time.Now,
		totalNodes:         totalNodes,
		level:              ThreatNormal,
		uptimeScore:        1.0,
		latencyScore:       1.0,
		metrics:            m,
	}
	mgr.lastChange = mgr.clock()

	log.WithFields(logger.Fields{
		"totalNodes": totalNodes,
		"window":     cfg.DetectionWindow,
		"cooldown":   cfg.Cooldown,
	}).Info("Quorum manager created")
	return mgr
}

// SetClock replaces the time source; used by tests to drive the cooldown
func (m *Manager) SetClock(clock func() time.Time) {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	m.clock = clock
}

// SetTotalNodes updates the network size used for detection rates and
// required vote counts
func (m *Manager) SetTotalNodes(n int) {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	m.totalNodes = n
}

// RecordDetection records a Byzantine-detection event for a node
func (m *Manager) RecordDetection(nodeID, reason string) {
	m.mutex.Lock()
	defer m.mutex.Unlock()

	m.detections = append(m.detections, detection{nodeID: nodeID, reason: reason, at: m.clock()})
	if m.metrics != nil {
		m.metrics.DetectionEvents.Inc()
	}

	log.WithFields(logger.Fields{
		"nodeID": nodeID,
		"reason": reason,
	}).Warn("Byzantine behavior detected")
}

// ReportStability updates the uptime and latency components of the
// stability score. Both are fractions in [0, 1].
func (m *Manager) ReportStability(uptime, latency float64) {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	m.uptimeScore = clamp01(uptime)
	m.latencyScore = clamp01(latency)
}

// RecordPartition adds a partition penalty to the stability score.
// Accumulated penalty is capped so a flaky link cannot zero the score.
func (m *Manager) RecordPartition(penalty float64) {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	m.partitionPenalty = math.Min(m.partitionPenalty+penalty, maxPartitionPenalty)
}

// ClearPartitionPenalty resets the partition component after the network heals
func (m *Manager) ClearPartitionPenalty() {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	m.partitionPenalty = 0
}

// EvaluateThreatLevel recomputes the detection rate and stability score and
// selects the matching threat level
func (m *Manager) EvaluateThreatLevel() ThreatLevel {
	m.mutex.Lock()
	defer m.mutex.Unlock()

	now := m.clock()
	m.pruneWindowLocked(now)

	rate := m.detectionRateLocked()
	stability := m.stabilityScoreLocked()

	target := ThreatNormal
	switch {
	case rate >= highDetectionRate || stability < m.stabilityThreshold-0.2:
		target = ThreatHigh
	case rate >= elevatedDetectionRate || stability < m.stabilityThreshold:
		target = ThreatElevated
	}

	if target > m.level {
		// Upgrades apply immediately
		log.WithFields(logger.Fields{
			"from":          m.level.String(),
			"to":            target.String(),
			"detectionRate": rate,
			"stability":     stability,
		}).Warn("Threat level raised, quorum threshold increased")
		m.level = target
		m.lastChange = now
	} else if target < m.level {
		// Downgrades wait out the cooldown since the last change
		if now.Sub(m.lastChange) >= m.cooldown {
			log.WithFields(logger.Fields{
				"from": m.level.String(),
				"to":   target.String(),
			}).Info("Threat level lowered after cooldown, quorum threshold relaxed")
			m.level = target
			m.lastChange = now
		}
	}

	if m.metrics != nil {
		m.metrics.Evaluations.Inc()
		m.metrics.ThreatLevel.Set(float64(m.level))
		m.metrics.Threshold.Set(m.level.Fraction())
		m.metrics.DetectionRate.Set(rate)
		m.metrics.StabilityScore.Set(stability)
	}

	return m.level
}

// CurrentLevel returns the threat level without re-evaluating
func (m *Manager) CurrentLevel() ThreatLevel {
	m.mutex.RLock()
	defer m.mutex.RUnlock()
	return m.level
}

// CurrentFraction returns the quorum fraction of the current threat level
func (m *Manager) CurrentFraction() float64 {
	m.mutex.RLock()
	defer m.mutex.RUnlock()
	return m.level.Fraction()
}

// RequiredVotes returns the vote count needed to meet the current quorum
func (m *Manager) RequiredVotes() int {
	m.mutex.RLock()
	defer m.mutex.RUnlock()
	return int(math.Ceil(float64(m.totalNodes) * m.level.Fraction()))
}

// CheckQuorum reports whether voteCount meets the current quorum
func (m *Manager) CheckQuorum(voteCount int) bool {
	return voteCount >= m.RequiredVotes()
}

// DetectionRate returns the current windowed detection rate
func (m *Manager) DetectionRate() float64 {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	m.pruneWindowLocked(m.clock())
	return m.detectionRateLocked()
}

// StabilityScore returns the current composite stability score
func (m *Manager) StabilityScore() float64 {
	m.mutex.RLock()
	defer m.mutex.RUnlock()
	return m.stabilityScoreLocked()
}

func (m *Manager) pruneWindowLocked(now time.Time) {
	cutoff := now.Add(-m.window)
	kept := m.detections[:0]
	for _, d := range m.detections {
		if d.at.After(cutoff) {
			kept = append(kept, d)
		}
	}
	m.detections = kept
}

func (m *Manager) detectionRateLocked() float64 {
	if m.totalNodes == 0 {
		return 0
	}
	unique := make(map[string]bool, len(m.detections))
	for _, d := range m.detections {
		unique[d.nodeID] = true
	}
	return float64(len(unique)) / float64(m.totalNodes)
}

func (m *Manager) stabilityScoreLocked() float64 {
	score := m.uptimeScore*0.5 + m.latencyScore*0.5 - m.partitionPenalty
	return clamp01(score)
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
