// Package metrics provides Prometheus metrics for a vouchmesh node.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Registry is the Prometheus registry for all vouchmesh metrics.
var Registry = prometheus.NewRegistry()

func init() {
	Registry.MustRegister(collectors.NewGoCollector())
	Registry.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
}

// NodeMetrics holds all Prometheus metrics for a vouchmesh node.
type NodeMetrics struct {
	// Commit pipeline counters
	SnapshotsSealed    prometheus.Counter
	SnapshotBytes      prometheus.Counter
	ChunksDistributed  prometheus.Counter
	PushFallbacks      prometheus.Counter
	DistributionErrors prometheus.Counter
	WritesBlocked      prometheus.Counter

	// Verification counters
	ChallengesIssued prometheus.Counter
	ChallengesPassed prometheus.Counter
	ChallengesFailed prometheus.Counter

	// Holder-side counters
	ChunksAccepted prometheus.Counter
	ChunksRefused  prometheus.Counter
	ChunksServed   prometheus.Counter

	// Recovery counters
	RecoveryAttempts  prometheus.Counter
	RecoverySuccesses prometheus.Counter

	// Gauges
	PersistenceTier    prometheus.Gauge // 0=provisional 1=active 2=degraded 3=isolated
	SnapshotVersion    prometheus.Gauge
	ChunksHeld         prometheus.Gauge
	Participants       prometheus.Gauge
	RegistryShards     prometheus.Gauge
	AssignmentEpoch    prometheus.Gauge
	RecoveryConfidence prometheus.Gauge
}

// InitMetrics initializes all metrics with the node name as a constant
// label.
func InitMetrics(nodeName string) *NodeMetrics {
	constLabels := prometheus.Labels{
		"node": nodeName,
	}

	return &NodeMetrics{
		SnapshotsSealed: promauto.With(Registry).NewCounter(prometheus.CounterOpts{
			Name:        "vouchmesh_snapshots_sealed_total",
			Help:        "Total snapshots sealed",
			ConstLabels: constLabels,
		}),
		SnapshotBytes: promauto.With(Registry).NewCounter(prometheus.CounterOpts{
			Name:        "vouchmesh_snapshot_bytes_total",
			Help:        "Total raw state bytes sealed",
			ConstLabels: constLabels,
		}),
		ChunksDistributed: promauto.With(Registry).NewCounter(prometheus.CounterOpts{
			Name:        "vouchmesh_chunks_distributed_total",
			Help:        "Total chunk replicas placed with verified attestations",
			ConstLabels: constLabels,
		}),
		PushFallbacks: promauto.With(Registry).NewCounter(prometheus.CounterOpts{
			Name:        "vouchmesh_push_fallbacks_total",
			Help:        "Chunk pushes that fell back past a failed primary holder",
			ConstLabels: constLabels,
		}),
		DistributionErrors: promauto.With(Registry).NewCounter(prometheus.CounterOpts{
			Name:        "vouchmesh_distribution_errors_total",
			Help:        "Distribution rounds that fell short of the replica target",
			ConstLabels: constLabels,
		}),
		WritesBlocked: promauto.With(Registry).NewCounter(prometheus.CounterOpts{
			Name:        "vouchmesh_writes_blocked_total",
			Help:        "Mutations refused by the health gate",
			ConstLabels: constLabels,
		}),
		ChallengesIssued: promauto.With(Registry).NewCounter(prometheus.CounterOpts{
			Name:        "vouchmesh_challenges_issued_total",
			Help:        "Possession challenges issued to holders",
			ConstLabels: constLabels,
		}),
		ChallengesPassed: promauto.With(Registry).NewCounter(prometheus.CounterOpts{
			Name:        "vouchmesh_challenges_passed_total",
			Help:        "Possession challenges answered correctly",
			ConstLabels: constLabels,
		}),
		ChallengesFailed: promauto.With(Registry).NewCounter(prometheus.CounterOpts{
			Name:        "vouchmesh_challenges_failed_total",
			Help:        "Possession challenges failed, refused or expired",
			ConstLabels: constLabels,
		}),
		ChunksAccepted: promauto.With(Registry).NewCounter(prometheus.CounterOpts{
			Name:        "vouchmesh_chunks_accepted_total",
			Help:        "Chunk replicas accepted and attested for other owners",
			ConstLabels: constLabels,
		}),
		ChunksRefused: promauto.With(Registry).NewCounter(prometheus.CounterOpts{
			Name:        "vouchmesh_chunks_refused_total",
			Help:        "Chunk pushes refused (hash mismatch or stale version)",
			ConstLabels: constLabels,
		}),
		ChunksServed: promauto.With(Registry).NewCounter(prometheus.CounterOpts{
			Name:        "vouchmesh_chunks_served_total",
			Help:        "Held chunks served to recovering owners",
			ConstLabels: constLabels,
		}),
		RecoveryAttempts: promauto.With(Registry).NewCounter(prometheus.CounterOpts{
			Name:        "vouchmesh_recovery_attempts_total",
			Help:        "Recovery attempts started",
			ConstLabels: constLabels,
		}),
		RecoverySuccesses: promauto.With(Registry).NewCounter(prometheus.CounterOpts{
			Name:        "vouchmesh_recovery_successes_total",
			Help:        "Recoveries that reconstructed and unsealed state",
			ConstLabels: constLabels,
		}),
		PersistenceTier: promauto.With(Registry).NewGauge(prometheus.GaugeOpts{
			Name:        "vouchmesh_persistence_tier",
			Help:        "Current tier (0=provisional, 1=active, 2=degraded, 3=isolated)",
			ConstLabels: constLabels,
		}),
		SnapshotVersion: promauto.With(Registry).NewGauge(prometheus.GaugeOpts{
			Name:        "vouchmesh_snapshot_version",
			Help:        "Version of the most recently sealed snapshot",
			ConstLabels: constLabels,
		}),
		ChunksHeld: promauto.With(Registry).NewGauge(prometheus.GaugeOpts{
			Name:        "vouchmesh_chunks_held",
			Help:        "Chunk replicas currently held for other owners",
			ConstLabels: constLabels,
		}),
		Participants: promauto.With(Registry).NewGauge(prometheus.GaugeOpts{
			Name:        "vouchmesh_participants",
			Help:        "Active participants in the registry",
			ConstLabels: constLabels,
		}),
		RegistryShards: promauto.With(Registry).NewGauge(prometheus.GaugeOpts{
			Name:        "vouchmesh_registry_shards",
			Help:        "Current registry shard count",
			ConstLabels: constLabels,
		}),
		AssignmentEpoch: promauto.With(Registry).NewGauge(prometheus.GaugeOpts{
			Name:        "vouchmesh_assignment_epoch",
			Help:        "Current rendezvous assignment epoch",
			ConstLabels: constLabels,
		}),
		RecoveryConfidence: promauto.With(Registry).NewGauge(prometheus.GaugeOpts{
			Name:        "vouchmesh_recovery_confidence",
			Help:        "Estimated probability the last snapshot is recoverable (0-1)",
			ConstLabels: constLabels,
		}),
	}
}
