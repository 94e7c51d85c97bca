package sigagg

import (
	"encoding/hex"
	"errors"
	"fmt"
	"sync"
	"time"

	"dagmesh/config"
	"dagmesh/keys"
	"dagmesh/logger"
	"dagmesh/metrics"
)

var log = logger.Logger

var (
	// ErrStaleSignature is returned when a partial signature is older than
	// the configured maximum age
	ErrStaleSignature = errors.New("partial signature is stale")

	// ErrUnknownSigner is returned when the signer is not registered
	ErrUnknownSigner = errors.New("unknown signer")

	// ErrInvalidSignature is returned when cryptographic verification fails
	ErrInvalidSignature = errors.New("invalid signature")

	// ErrDuplicateSignature is returned when a signer contributes twice to
	// the same message
	ErrDuplicateSignature = errors.New("duplicate signature from signer")

	// ErrAggregationNotFound is returned for operations on an unknown or
	// already-finalized collection
	ErrAggregationNotFound = errors.New("no active aggregation for message")
)

// ThresholdNotMetError reports how far an aggregation is from its weight
// threshold so the caller can decide to keep collecting
type ThresholdNotMetError struct {
	Current  float64
	Required float64
}

func (e *ThresholdNotMetError) Error() string {
	return fmt.Sprintf("aggregation threshold not met: have weight %.4f, need %.4f", e.Current, e.Required)
}

// PartialSignature is one node's contribution to a threshold proof
type PartialSignature struct {
	NodeID    string    `json:"node_id"`
	Signature []byte    `json:"signature"`
	PublicKey []byte    `json:"public_key"`
	Timestamp time.Time `json:"timestamp"`
}

// AggregatedSignature collects weighted partial signatures over one message
// hash. Active aggregates are mutable only by insertion; once finalized the
// collection leaves the active set and becomes an immutable proof object.
type AggregatedSignature struct {
	MessageHash [32]byte           `json:"message_hash"`
	Signatures  []PartialSignature `json:"signatures"`
	Signers     map[string]bool    `json:"signers"`
	TotalWeight float64            `json:"total_weight"`
}

// SignatureCount returns the number of collected partial signatures
func (agg *AggregatedSignature) SignatureCount() int {
	return len(agg.Signatures)
}

// Signer is a registered consensus participant allowed to contribute
type Signer struct {
	PublicKey []byte
	Weight    float64
}

// DetectionReporter receives Byzantine-detection events for rejected
// contributions. The quorum manager implements this.
type DetectionReporter interface {
	RecordDetection(nodeID, reason string)
}

// Clock supplies network time for staleness checks
type Clock interface {
	Now() time.Time
}

type localClock struct{}

func (localClock) Now() time.Time { return time.Now() }

// Aggregator collects partial signatures into threshold proofs
type Aggregator struct {
	mutex   sync.RWMutex
	active  map[[32]byte]*AggregatedSignature
	signers map[string]Signer

	totalWeight float64
	threshold   float64
	maxAge      time.Duration

	clock    Clock
	reporter DetectionReporter
	metrics  *metrics.Signature
}

// NewAggregator creates an empty aggregator. reporter and m may be nil.
func NewAggregator(cfg config.SignatureConfig, clock Clock, reporter DetectionReporter, m *metrics.Signature) *Aggregator {
	if clock == nil {
		clock = localClock{}
	}
	return &Aggregator{
		active:    make(map[[32]byte]*AggregatedSignature),
		signers:   make(map[string]Signer),
		threshold: cfg.Threshold,
		maxAge:    cfg.MaxSignatureAge,
		clock:     clock,
		reporter:  reporter,
		metrics:   m,
	}
}

// RegisterSigner adds a participant whose contributions will be accepted
func (a *Aggregator) RegisterSigner(nodeID string, publicKey []byte, weight float64) {
	a.mutex.Lock()
	defer a.mutex.Unlock()

	if existing, ok := a.signers[nodeID]; ok {
		a.totalWeight -= existing.Weight
	}
	a.signers[nodeID] = Signer{PublicKey: publicKey, Weight: weight}
	a.totalWeight += weight
}

// requiredWeight is the absolute weight needed to meet the threshold
func (a *Aggregator) requiredWeightLocked() float64 {
	return a.totalWeight * a.threshold
}

// AddPartialSignature validates and records a contribution for the message
// hash, creating the collection on first use. It returns whether the
// accumulated weight now meets the threshold. Rejections are typed errors;
// stale, unknown-signer and invalid-signature rejections also count toward
// Byzantine-detection metrics.
func (a *Aggregator) AddPartialSignature(messageHash [32]byte, ps PartialSignature) (bool, error) {
	if age := a.clock.Now().Sub(ps.Timestamp); age > a.maxAge {
		a.reject(ps.NodeID, "stale")
		return false, fmt.Errorf("%w: %s signed %v ago", ErrStaleSignature, ps.NodeID, age)
	}

	a.mutex.Lock()
	defer a.mutex.Unlock()

	signer, known := a.signers[ps.NodeID]
	if !known {
		a.rejectLocked(ps.NodeID, "unknown_signer")
		return false, fmt.Errorf("%w: %s", ErrUnknownSigner, ps.NodeID)
	}

	if err := keys.Verify(messageHash[:], ps.Signature, signer.PublicKey); err != nil {
		a.rejectLocked(ps.NodeID, "invalid_signature")
		return false, fmt.Errorf("%w: %s: %v", ErrInvalidSignature, ps.NodeID, err)
	}

	agg, ok := a.active[messageHash]
	if !ok {
		agg = &AggregatedSignature{
			MessageHash: messageHash,
			Signers:     make(map[string]bool),
		}
		a.active[messageHash] = agg
	}

	if agg.Signers[ps.NodeID] {
		// Duplicate contributions are rejected without touching the
		// aggregate; repeated submissions are routine retransmissions,
		// not Byzantine behavior.
		if a.metrics != nil {
			a.metrics.Rejected.WithLabelValues("duplicate").Inc()
		}
		return false, fmt.Errorf("%w: %s", ErrDuplicateSignature, ps.NodeID)
	}

	agg.Signatures = append(agg.Signatures, ps)
	agg.Signers[ps.NodeID] = true
	agg.TotalWeight += signer.Weight

	if a.metrics != nil {
		a.metrics.Collected.Inc()
	}

	met := agg.TotalWeight >= a.requiredWeightLocked()
	log.WithFields(logger.Fields{
		"messageHash":  hex.EncodeToString(messageHash[:8]),
		"signer":       ps.NodeID,
		"totalWeight":  agg.TotalWeight,
		"thresholdMet": met,
	}).Debug("Partial signature accepted")
	return met, nil
}

// FinalizeAggregation removes the collection from the active set and
// returns it as an immutable proof, provided the threshold is still met at
// this instant
func (a *Aggregator) FinalizeAggregation(messageHash [32]byte) (*AggregatedSignature, error) {
	a.mutex.Lock()
	defer a.mutex.Unlock()

	agg, ok := a.active[messageHash]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrAggregationNotFound, hex.EncodeToString(messageHash[:8]))
	}

	required := a.requiredWeightLocked()
	if agg.TotalWeight < required {
		return nil, &ThresholdNotMetError{Current: agg.TotalWeight, Required: required}
	}

	delete(a.active, messageHash)
	if a.metrics != nil {
		a.metrics.Finalized.Inc()
	}

	log.WithFields(logger.Fields{
		"messageHash": hex.EncodeToString(messageHash[:8]),
		"signers":     agg.SignatureCount(),
		"totalWeight": agg.TotalWeight,
	}).Info("Signature aggregate finalized into threshold proof")
	return agg, nil
}

// VerifyAggregatedSignature independently re-verifies every partial
// signature in an aggregate and re-checks the weight threshold. One invalid
// partial invalidates the whole aggregate.
func (a *Aggregator) VerifyAggregatedSignature(agg *AggregatedSignature) error {
	a.mutex.RLock()
	defer a.mutex.RUnlock()

	seen := make(map[string]bool, len(agg.Signatures))
	var weight float64

	for _, ps := range agg.Signatures {
		if seen[ps.NodeID] {
			return fmt.Errorf("%w: %s", ErrDuplicateSignature, ps.NodeID)
		}
		seen[ps.NodeID] = true

		signer, known := a.signers[ps.NodeID]
		if !known {
			return fmt.Errorf("%w: %s", ErrUnknownSigner, ps.NodeID)
		}
		if err := keys.Verify(agg.MessageHash[:], ps.Signature, signer.PublicKey); err != nil {
			return fmt.Errorf("%w: %s: %v", ErrInvalidSignature, ps.NodeID, err)
		}
		weight += signer.Weight
	}

	if required := a.requiredWeightLocked(); weight < required {
		return &ThresholdNotMetError{Current: weight, Required: required}
	}
	return nil
}

// ActiveAggregation returns a snapshot of an in-progress collection
func (a *Aggregator) ActiveAggregation(messageHash [32]byte) (*AggregatedSignature, bool) {
	a.mutex.RLock()
	defer a.mutex.RUnlock()
	agg, ok := a.active[messageHash]
	if !ok {
		return nil, false
	}
	snapshot := &AggregatedSignature{
		MessageHash: agg.MessageHash,
		Signatures:  append([]PartialSignature(nil), agg.Signatures...),
		Signers:     make(map[string]bool, len(agg.Signers)),
		TotalWeight: agg.TotalWeight,
	}
	for id := range agg.Signers {
		snapshot.Signers[id] = true
	}
	return snapshot, true
}

func (a *Aggregator) reject(nodeID, reason string) {
	a.mutex.Lock()
	defer a.mutex.Unlock()
	a.rejectLocked(nodeID, reason)
}

func (a *Aggregator) rejectLocked(nodeID, reason string) {
	if a.metrics != nil {
		a.metrics.Rejected.WithLabelValues(reason).Inc()
	}
	if a.reporter != nil {
		a.reporter.RecordDetection(nodeID, "signature rejected: "+reason)
	}
}
