// Package metrics exposes the validator's prometheus metrics.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"

	opmetrics "github.com/ethereum-optimism/optimism/op-service/metrics"
	txmetrics "github.com/ethereum-optimism/optimism/op-service/txmgr/metrics"

	"github.com/risc0/kailua-validator/validator/types"
)

const Namespace = "kailua_validator"

type Metricer interface {
	RecordInfo(version string)
	RecordUp()

	RecordProposalEvent(event string)
	RecordDisputes(count int)
	RecordFastForwardCandidates(count int)

	RecordTaskStage(kind types.ProofKind, stage types.TaskStage)
	RecordTaskRetry(kind types.ProofKind)
	RecordTaskFailure(kind types.ProofKind, reason string)

	RecordSubmission(outcome types.TxOutcome)

	txmetrics.TxMetricer
}

type Metrics struct {
	registry *prometheus.Registry
	factory  opmetrics.Factory

	txmetrics.TxMetrics

	info *prometheus.GaugeVec
	up   prometheus.Gauge

	proposalEvents *prometheus.CounterVec
	disputes       prometheus.Gauge
	fastForward    prometheus.Gauge

	taskStages   *prometheus.CounterVec
	taskRetries  *prometheus.CounterVec
	taskFailures *prometheus.CounterVec

	submissions *prometheus.CounterVec
}

var _ Metricer = (*Metrics)(nil)

func NewMetrics() *Metrics {
	registry := opmetrics.NewRegistry()
	factory := opmetrics.With(registry)

	return &Metrics{
		registry: registry,
		factory:  factory,

		TxMetrics: txmetrics.MakeTxMetrics(Namespace, factory),

		info: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: Namespace,
			Name:      "info",
			Help:      "Pseudo-metric tracking version and config info",
		}, []string{"version"}),
		up: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: Namespace,
			Name:      "up",
			Help:      "1 if the kailua-validator has finished starting up",
		}),
		proposalEvents: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: Namespace,
			Name:      "proposal_events_total",
			Help:      "Proposal ingestion events by kind",
		}, []string{"event"}),
		disputes: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: Namespace,
			Name:      "open_disputes",
			Help:      "Disputes currently requiring a fault proof",
		}),
		fastForward: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: Namespace,
			Name:      "fast_forward_candidates",
			Help:      "Canonical proposals currently eligible for a validity proof",
		}),
		taskStages: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: Namespace,
			Name:      "task_stage_transitions_total",
			Help:      "Proving task stage transitions by proof kind and stage",
		}, []string{"kind", "stage"}),
		taskRetries: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: Namespace,
			Name:      "task_retries_total",
			Help:      "Proving task retries by proof kind",
		}, []string{"kind"}),
		taskFailures: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: Namespace,
			Name:      "task_failures_total",
			Help:      "Terminally failed proving tasks by proof kind",
		}, []string{"kind"}),
		submissions: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: Namespace,
			Name:      "submissions_total",
			Help:      "Proof submission outcomes",
		}, []string{"outcome"}),
	}
}

func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

func (m *Metrics) RecordInfo(version string) {
	m.info.WithLabelValues(version).Set(1)
}

func (m *Metrics) RecordUp() {
	m.up.Set(1)
}

func (m *Metrics) RecordProposalEvent(event string) {
	m.proposalEvents.WithLabelValues(event).Inc()
}

func (m *Metrics) RecordDisputes(count int) {
	m.disputes.Set(float64(count))
}

func (m *Metrics) RecordFastForwardCandidates(count int) {
	m.fastForward.Set(float64(count))
}

func (m *Metrics) RecordTaskStage(kind types.ProofKind, stage types.TaskStage) {
	m.taskStages.WithLabelValues(kind.String(), stage.String()).Inc()
}

func (m *Metrics) RecordTaskRetry(kind types.ProofKind) {
	m.taskRetries.WithLabelValues(kind.String()).Inc()
}

func (m *Metrics) RecordTaskFailure(kind types.ProofKind, reason string) {
	// reason is unbounded, so it stays out of the label set.
	m.taskFailures.WithLabelValues(kind.String()).Inc()
}

func (m *Metrics) RecordSubmission(outcome types.TxOutcome) {
	m.submissions.WithLabelValues(outcome.String()).Inc()
}
