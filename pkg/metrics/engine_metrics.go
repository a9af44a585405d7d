package metrics

import "go.uber.org/atomic"

// EngineMetrics defines counters over the entire runtime of the reward
// engine. They are plain counters so updating them can never perturb the
// deterministic computation they observe.
type EngineMetrics struct {
	// The number of epoch distributions applied successfully.
	EpochsDistributed atomic.Uint64
	// The number of epoch distributions that aborted with an error.
	FailedTransitions atomic.Uint64
	// The number of validator pools revalued across all epochs.
	ValidatorsProcessed atomic.Uint64
	// The number of commission payouts emitted across all epochs.
	PayoutsEmitted atomic.Uint64
	// The number of fee settlements handed to the supply-accounting layer.
	FeeSettlements atomic.Uint64
}

func NewEngineMetrics() *EngineMetrics {
	return &EngineMetrics{}
}
