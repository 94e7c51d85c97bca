package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "dagmesh"

// Quorum tracks the adaptive quorum manager
type Quorum struct {
	ThreatLevel     prometheus.Gauge
	Threshold       prometheus.Gauge
	DetectionRate   prometheus.Gauge
	StabilityScore  prometheus.Gauge
	Evaluations     prometheus.Counter
	DetectionEvents prometheus.Counter
}

// NewQuorum registers quorum manager collectors
func NewQuorum(reg prometheus.Registerer) *Quorum {
	factory := promauto.With(reg)
	return &Quorum{
		ThreatLevel: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "quorum_threat_level",
			Help:      "Current threat level (0=normal, 1=elevated, 2=high)",
		}),
		Threshold: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "quorum_threshold",
			Help:      "Current quorum fraction required for agreement",
		}),
		DetectionRate: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "quorum_detection_rate",
			Help:      "Fraction of nodes with Byzantine detections in the sliding window",
		}),
		StabilityScore: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "quorum_stability_score",
			Help:      "Composite network stability score",
		}),
		Evaluations: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "quorum_evaluations_total",
			Help:      "Number of threat level evaluations",
		}),
		DetectionEvents: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "quorum_detection_events_total",
			Help:      "Number of Byzantine detection events recorded",
		}),
	}
}

// Consensus tracks the sampling consensus engine
type Consensus struct {
	RoundsTotal      prometheus.Counter
	RoundsSuccessful prometheus.Counter
	Finalized        prometheus.Counter
	Timeouts         prometheus.Counter
	ActiveVertices   prometheus.Gauge
}

// NewConsensus registers sampling engine collectors
func NewConsensus(reg prometheus.Registerer) *Consensus {
	factory := promauto.With(reg)
	return &Consensus{
		RoundsTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "consensus_rounds_total",
			Help:      "Total sampling rounds executed",
		}),
		RoundsSuccessful: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "consensus_rounds_successful_total",
			Help:      "Sampling rounds that met the alpha threshold",
		}),
		Finalized: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "consensus_vertices_finalized_total",
			Help:      "Vertices finalized by the sampling engine",
		}),
		Timeouts: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "consensus_timeouts_total",
			Help:      "Consensus operations that exhausted max rounds",
		}),
		ActiveVertices: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "consensus_active_vertices",
			Help:      "Vertices currently in sampling rounds",
		}),
	}
}

// Fork tracks the fork detector and resolver
type Fork struct {
	Detected prometheus.Counter
	Resolved prometheus.Counter
	Failed   prometheus.Counter
	Active   prometheus.Gauge
}

// NewFork registers fork detector collectors
func NewFork(reg prometheus.Registerer) *Fork {
	factory := promauto.With(reg)
	return &Fork{
		Detected: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "forks_detected_total",
			Help:      "Forks detected",
		}),
		Resolved: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "forks_resolved_total",
			Help:      "Forks resolved to a canonical branch",
		}),
		Failed: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "forks_failed_total",
			Help:      "Fork resolutions that failed or timed out",
		}),
		Active: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "forks_active",
			Help:      "Forks currently unresolved",
		}),
	}
}

// Signature tracks the multi-signature aggregator
type Signature struct {
	Collected prometheus.Counter
	Rejected  *prometheus.CounterVec
	Finalized prometheus.Counter
}

// NewSignature registers signature aggregator collectors
func NewSignature(reg prometheus.Registerer) *Signature {
	factory := promauto.With(reg)
	return &Signature{
		Collected: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "signatures_collected_total",
			Help:      "Partial signatures accepted",
		}),
		Rejected: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "signatures_rejected_total",
			Help:      "Partial signatures rejected, by reason",
		}, []string{"reason"}),
		Finalized: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "signature_aggregates_finalized_total",
			Help:      "Signature aggregates finalized into proofs",
		}),
	}
}

// Recovery tracks the peer recovery manager
type Recovery struct {
	Attempts     prometheus.Counter
	Successes    prometheus.Counter
	Replacements prometheus.Counter
	FailedPeers  prometheus.Counter
	LivePeers    prometheus.Gauge
	BackupPeers  prometheus.Gauge
}

// NewRecovery registers peer recovery collectors
func NewRecovery(reg prometheus.Registerer) *Recovery {
	factory := promauto.With(reg)
	return &Recovery{
		Attempts: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "recovery_attempts_total",
			Help:      "Peer reconnection attempts",
		}),
		Successes: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "recovery_successes_total",
			Help:      "Peer reconnections that succeeded",
		}),
		Replacements: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "recovery_replacements_total",
			Help:      "Peers replaced from the backup pool",
		}),
		FailedPeers: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "recovery_failed_peers_total",
			Help:      "Peers marked permanently failed",
		}),
		LivePeers: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "peers_live",
			Help:      "Peers in the active set",
		}),
		BackupPeers: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "peers_backup",
			Help:      "Peers in the backup pool",
		}),
	}
}

// Sync tracks the state synchronizer
type Sync struct {
	Syncs            prometheus.Counter
	SnapshotSyncs    prometheus.Counter
	DeltaSyncs       prometheus.Counter
	BytesTransferred prometheus.Counter
	Failures         prometheus.Counter
}

// NewSync registers state synchronizer collectors
func NewSync(reg prometheus.Registerer) *Sync {
	factory := promauto.With(reg)
	return &Sync{
		Syncs: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sync_operations_total",
			Help:      "State sync operations started",
		}),
		SnapshotSyncs: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sync_snapshot_total",
			Help:      "Syncs performed via snapshot",
		}),
		DeltaSyncs: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sync_delta_total",
			Help:      "Syncs performed via delta batches",
		}),
		BytesTransferred: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sync_bytes_transferred_total",
			Help:      "Bytes of vertex data transferred during sync",
		}),
		Failures: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sync_failures_total",
			Help:      "Sync attempts aborted by integrity or transport failures",
		}),
	}
}
