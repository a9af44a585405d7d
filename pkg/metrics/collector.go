package metrics

import "github.com/prometheus/client_golang/prometheus"

// Metrics naming follows the guidelines from: https://prometheus.io/docs/practices/naming/
var (
	epochsDistributedDesc = prometheus.NewDesc(
		"pen_stake_epochs_distributed_total",
		"The total number of epoch reward distributions applied.",
		nil, nil,
	)
	failedTransitionsDesc = prometheus.NewDesc(
		"pen_stake_failed_transitions_total",
		"The total number of epoch transitions that aborted with an error.",
		nil, nil,
	)
	validatorsProcessedDesc = prometheus.NewDesc(
		"pen_stake_validators_processed_total",
		"The total number of validator pools revalued.",
		nil, nil,
	)
	payoutsEmittedDesc = prometheus.NewDesc(
		"pen_stake_payouts_emitted_total",
		"The total number of commission payouts emitted.",
		nil, nil,
	)
	feeSettlementsDesc = prometheus.NewDesc(
		"pen_stake_fee_settlements_total",
		"The total number of fee settlements handed to supply accounting.",
		nil, nil,
	)
)

// Collector exposes the engine counters to a prometheus registry. The engine
// itself carries no HTTP surface; the embedding node registers the collector
// with its own registry.
type Collector struct {
	metrics *EngineMetrics
}

func NewCollector(engineMetrics *EngineMetrics) *Collector {
	return &Collector{metrics: engineMetrics}
}

func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	ch <- epochsDistributedDesc
	ch <- failedTransitionsDesc
	ch <- validatorsProcessedDesc
	ch <- payoutsEmittedDesc
	ch <- feeSettlementsDesc
}

func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	ch <- prometheus.MustNewConstMetric(epochsDistributedDesc, prometheus.CounterValue, float64(c.metrics.EpochsDistributed.Load()))
	ch <- prometheus.MustNewConstMetric(failedTransitionsDesc, prometheus.CounterValue, float64(c.metrics.FailedTransitions.Load()))
	ch <- prometheus.MustNewConstMetric(validatorsProcessedDesc, prometheus.CounterValue, float64(c.metrics.ValidatorsProcessed.Load()))
	ch <- prometheus.MustNewConstMetric(payoutsEmittedDesc, prometheus.CounterValue, float64(c.metrics.PayoutsEmitted.Load()))
	ch <- prometheus.MustNewConstMetric(feeSettlementsDesc, prometheus.CounterValue, float64(c.metrics.FeeSettlements.Load()))
}
