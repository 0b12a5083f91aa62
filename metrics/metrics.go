// Package metrics defines the Prometheus collectors of primaries, workers and consensus,
// and the HTTP endpoint serving them.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "narwhal"

// PrimaryMetrics are updated by the components of a primary.
type PrimaryMetrics struct {
	HeadersProposed      prometheus.Counter
	ProposerRound        prometheus.Gauge
	VotesSent            prometheus.Counter
	CertificatesCreated  prometheus.Counter
	CertificatesAdmitted prometheus.Counter
	Equivocations        prometheus.Counter
	RejectedMessages     *prometheus.CounterVec // labels: kind, reason
	SyncRequests         *prometheus.CounterVec // labels: kind
	GCRound              prometheus.Gauge
}

// ConsensusMetrics are updated by the ordering core.
type ConsensusMetrics struct {
	CommittedCertificates prometheus.Counter
	CommittedLeaders      prometheus.Counter
	SkippedLeaders        prometheus.Counter
	LastCommittedRound    prometheus.Gauge
	DagRounds             prometheus.Gauge
}

// WorkerMetrics are updated by the batch pipeline.
type WorkerMetrics struct {
	TransactionsReceived prometheus.Counter
	BatchesSealed        prometheus.Counter
	BatchSize            prometheus.Histogram
	BatchesAcknowledged  prometheus.Counter
	BatchesReceived      prometheus.Counter
	BatchesRetried       prometheus.Counter
	SyncRequests         prometheus.Counter
}

func counter(reg prometheus.Registerer, subsystem, name, help string) prometheus.Counter {
	c := prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: subsystem,
		Name:      name,
		Help:      help,
	})
	reg.MustRegister(c)
	return c
}

func gauge(reg prometheus.Registerer, subsystem, name, help string) prometheus.Gauge {
	g := prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: subsystem,
		Name:      name,
		Help:      help,
	})
	reg.MustRegister(g)
	return g
}

func counterVec(reg prometheus.Registerer, subsystem, name, help string, labels ...string) *prometheus.CounterVec {
	c := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: subsystem,
		Name:      name,
		Help:      help,
	}, labels)
	reg.MustRegister(c)
	return c
}

// NewPrimaryMetrics registers the primary collectors on reg.
func NewPrimaryMetrics(reg prometheus.Registerer) *PrimaryMetrics {
	return &PrimaryMetrics{
		HeadersProposed:      counter(reg, "primary", "headers_proposed_total", "Headers created by the proposer."),
		ProposerRound:        gauge(reg, "primary", "proposer_round", "Round of the next header."),
		VotesSent:            counter(reg, "primary", "votes_total", "Votes cast for headers."),
		CertificatesCreated:  counter(reg, "primary", "certificates_created_total", "Certificates assembled from our votes."),
		CertificatesAdmitted: counter(reg, "primary", "certificates_admitted_total", "Certificates inserted in the DAG."),
		Equivocations:        counter(reg, "primary", "equivocations_total", "Certificates rejected because their slot is taken."),
		RejectedMessages:     counterVec(reg, "primary", "rejected_messages_total", "Messages failing validation.", "kind", "reason"),
		SyncRequests:         counterVec(reg, "primary", "sync_requests_total", "Synchronization requests sent.", "kind"),
		GCRound:              gauge(reg, "primary", "gc_round", "Rounds at or below this one are garbage collected."),
	}
}

// NewConsensusMetrics registers the consensus collectors on reg.
func NewConsensusMetrics(reg prometheus.Registerer) *ConsensusMetrics {
	return &ConsensusMetrics{
		CommittedCertificates: counter(reg, "consensus", "committed_certificates_total", "Certificates output in the total order."),
		CommittedLeaders:      counter(reg, "consensus", "committed_leaders_total", "Leader rounds committed."),
		SkippedLeaders:        counter(reg, "consensus", "skipped_leaders_total", "Leader rounds skipped."),
		LastCommittedRound:    gauge(reg, "consensus", "last_committed_round", "Highest committed leader round."),
		DagRounds:             gauge(reg, "consensus", "dag_rounds", "Rounds held in the consensus DAG."),
	}
}

// NewWorkerMetrics registers the worker collectors on reg.
func NewWorkerMetrics(reg prometheus.Registerer) *WorkerMetrics {
	batchSize := prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace,
		Subsystem: "worker",
		Name:      "batch_size_bytes",
		Help:      "Payload bytes of sealed batches.",
		Buckets:   prometheus.ExponentialBuckets(1024, 4, 8),
	})
	reg.MustRegister(batchSize)
	return &WorkerMetrics{
		TransactionsReceived: counter(reg, "worker", "transactions_total", "Transactions submitted by clients."),
		BatchesSealed:        counter(reg, "worker", "batches_sealed_total", "Batches sealed by the batch maker."),
		BatchSize:            batchSize,
		BatchesAcknowledged:  counter(reg, "worker", "batches_acknowledged_total", "Own batches acknowledged by a quorum."),
		BatchesReceived:      counter(reg, "worker", "batches_received_total", "Batches received from other authorities."),
		BatchesRetried:       counter(reg, "worker", "batches_retried_total", "Batch re-sends to peers that did not acknowledge."),
		SyncRequests:         counter(reg, "worker", "sync_requests_total", "Batch requests sent to peers."),
	}
}

// NewNoopPrimaryMetrics returns collectors that are not exported anywhere.
func NewNoopPrimaryMetrics() *PrimaryMetrics {
	return NewPrimaryMetrics(prometheus.NewRegistry())
}

// NewNoopConsensusMetrics returns collectors that are not exported anywhere.
func NewNoopConsensusMetrics() *ConsensusMetrics {
	return NewConsensusMetrics(prometheus.NewRegistry())
}

// NewNoopWorkerMetrics returns collectors that are not exported anywhere.
func NewNoopWorkerMetrics() *WorkerMetrics {
	return NewWorkerMetrics(prometheus.NewRegistry())
}
