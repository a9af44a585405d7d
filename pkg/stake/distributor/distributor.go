// Package distributor implements the per-epoch reward state transition: given
// the base reward rate and the validator set with its bonded pools, it
// computes every validator's new exchange rate and commission payouts,
// appends the new ledger rows and emits the payouts for the minting layer.
//
// The computation is a pure function of already-finalized inputs. Validators
// are mutually independent, so they are evaluated in parallel on a worker
// pool; all results are staged first and the ledger is only written after
// every validator succeeded, so a faulty epoch never becomes partially
// visible.
package distributor

import (
	"sort"

	"github.com/holiman/uint256"
	"github.com/iotaledger/hive.go/ierrors"
	"github.com/iotaledger/hive.go/lo"
	"github.com/iotaledger/hive.go/log"
	"github.com/iotaledger/hive.go/runtime/options"
	"github.com/iotaledger/hive.go/runtime/workerpool"

	"github.com/penchain/pen-core/pkg/core/rate"
	"github.com/penchain/pen-core/pkg/core/types"
	"github.com/penchain/pen-core/pkg/metrics"
	"github.com/penchain/pen-core/pkg/stake"
	"github.com/penchain/pen-core/pkg/stake/ledger"
)

var (
	// ErrEpochTransitionFailed is returned when any part of an epoch
	// distribution fails. The whole transition is aborted; there is no
	// partial-success mode because partial application would desynchronize
	// nodes.
	ErrEpochTransitionFailed = ierrors.New("epoch transition failed")

	// ErrMissingLedgerEntry is returned when a validator that is not newly
	// registered this epoch has no prior-epoch exchange rate. This indicates
	// a data-integrity violation, not a transient condition.
	ErrMissingLedgerEntry = ierrors.New("missing prior ledger entry")
)

// scaleCubed is the denominator of the commission formula y*c*r*psi, whose
// numerator carries three rate factors.
var scaleCubed = new(uint256.Int).Mul(
	new(uint256.Int).Mul(uint256.NewInt(rate.Scale), uint256.NewInt(rate.Scale)),
	uint256.NewInt(rate.Scale),
)

// ValidatorInput is the registry view of one validator at an epoch boundary.
type ValidatorInput struct {
	Validator *stake.Validator
	// PoolSize is the outstanding amount y of the validator's delegation
	// token. The distribution revalues the pool's exchange rate, never its
	// size.
	PoolSize *uint256.Int
	// NewlyRegistered marks a validator that joined this epoch and therefore
	// legitimately has no prior ledger entry; its prior exchange rate is the
	// genesis value one.
	NewlyRegistered bool
}

// EpochInput is everything the epoch-boundary trigger supplies for one
// distribution.
type EpochInput struct {
	Epoch      types.EpochIndex
	BaseRate   rate.Rate
	Validators []*ValidatorInput
}

// Distribution is the outcome of one epoch transition, consumed by the
// ledger/minting layer. ValidatorRates is map-keyed so its canonical
// serialization is independent of the internal evaluation order; Payouts are
// sorted by validator identity and stream position.
type Distribution struct {
	Epoch          types.EpochIndex
	BaseRateData   *stake.BaseRateData
	ValidatorRates map[types.ValidatorID]*stake.RateData
	Payouts        []*stake.CommissionPayout
}

type Distributor struct {
	rateLedger    *ledger.Ledger
	engineMetrics *metrics.EngineMetrics

	optsWorkerCount int

	log.Logger
}

// WithWorkerCount configures how many workers evaluate validators in
// parallel. Zero keeps the worker pool default.
func WithWorkerCount(workerCount int) options.Option[Distributor] {
	return func(d *Distributor) {
		d.optsWorkerCount = workerCount
	}
}

// WithMetrics attaches engine counters to the distributor.
func WithMetrics(engineMetrics *metrics.EngineMetrics) options.Option[Distributor] {
	return func(d *Distributor) {
		d.engineMetrics = engineMetrics
	}
}

func New(rateLedger *ledger.Ledger, logger log.Logger, opts ...options.Option[Distributor]) *Distributor {
	return options.Apply(&Distributor{
		rateLedger: rateLedger,
		Logger:     lo.Return1(logger.NewChildLogger("RewardDistributor")),
	}, opts)
}

// Distribute runs the epoch transition for the given input. It either commits
// the complete set of new ledger rows and returns the distribution, or
// returns an error wrapping ErrEpochTransitionFailed and commits nothing.
func (d *Distributor) Distribute(input *EpochInput) (*Distribution, error) {
	distribution, err := d.distribute(input)
	if err != nil {
		if d.engineMetrics != nil {
			d.engineMetrics.FailedTransitions.Inc()
		}
		d.LogErrorf("epoch transition failed: %s", err)

		return nil, err
	}

	if d.engineMetrics != nil {
		d.engineMetrics.EpochsDistributed.Inc()
		d.engineMetrics.ValidatorsProcessed.Add(uint64(len(input.Validators)))
		d.engineMetrics.PayoutsEmitted.Add(uint64(len(distribution.Payouts)))
	}
	d.LogDebugf("distributed %s: %d validators, %d payouts", input.Epoch, len(input.Validators), len(distribution.Payouts))

	return distribution, nil
}

func (d *Distributor) distribute(input *EpochInput) (*Distribution, error) {
	if input.Epoch == 0 {
		return nil, ierrors.Wrap(ErrEpochTransitionFailed, "epoch 0 is defined at genesis and cannot be distributed")
	}

	priorBase, exists, err := d.rateLedger.GetBase(input.Epoch - 1)
	if err != nil {
		return nil, ierrors.Join(ErrEpochTransitionFailed, ierrors.Wrap(err, "loading base rate"))
	}
	if !exists {
		return nil, ierrors.Join(ErrEpochTransitionFailed, ierrors.Wrapf(ErrMissingLedgerEntry, "no base exchange rate for %s", input.Epoch-1))
	}

	baseRateData, err := priorBase.Next(input.BaseRate)
	if err != nil {
		return nil, ierrors.Join(ErrEpochTransitionFailed, ierrors.Wrap(err, "base rate update"))
	}

	results := make([]*validatorResult, len(input.Validators))
	errs := make([]error, len(input.Validators))

	workerOpts := []options.Option[workerpool.WorkerPool]{}
	if d.optsWorkerCount > 0 {
		workerOpts = append(workerOpts, workerpool.WithWorkerCount(d.optsWorkerCount))
	}
	wp := workerpool.New("distributor.Distribute", workerOpts...).Start()
	for i, validatorInput := range input.Validators {
		i, validatorInput := i, validatorInput
		wp.Submit(func() {
			results[i], errs[i] = d.computeValidator(input.Epoch, baseRateData, validatorInput)
		})
	}
	wp.Shutdown().ShutdownComplete.Wait()

	// surface the first failure in input order so all nodes report the same
	// validator
	for i, err := range errs {
		if err != nil {
			return nil, ierrors.Join(ErrEpochTransitionFailed, ierrors.Wrapf(err, "validator %s", input.Validators[i].Validator.ID))
		}
	}

	sort.Slice(results, func(i, j int) bool {
		return results[i].rateData.ValidatorID.Compare(results[j].rateData.ValidatorID) < 0
	})

	// all validators succeeded, commit the complete row set in one batch
	rateDatas := make([]*stake.RateData, len(results))
	for i, result := range results {
		rateDatas[i] = result.rateData
	}
	if err := d.rateLedger.CommitEpoch(baseRateData, rateDatas); err != nil {
		return nil, ierrors.Join(ErrEpochTransitionFailed, ierrors.Wrapf(err, "committing %s", input.Epoch))
	}

	distribution := &Distribution{
		Epoch:          input.Epoch,
		BaseRateData:   baseRateData,
		ValidatorRates: make(map[types.ValidatorID]*stake.RateData, len(results)),
	}
	for _, result := range results {
		distribution.ValidatorRates[result.rateData.ValidatorID] = result.rateData
		distribution.Payouts = append(distribution.Payouts, result.payouts...)
	}

	return distribution, nil
}

type validatorResult struct {
	rateData *stake.RateData
	payouts  []*stake.CommissionPayout
}

func (d *Distributor) computeValidator(epoch types.EpochIndex, baseRateData *stake.BaseRateData, input *ValidatorInput) (*validatorResult, error) {
	validator := input.Validator

	priorRateData, exists, err := d.rateLedger.Get(validator.ID, epoch-1)
	if err != nil {
		return nil, ierrors.Wrap(err, "loading prior rate row")
	}
	if !exists {
		if !input.NewlyRegistered {
			return nil, ierrors.Wrapf(ErrMissingLedgerEntry, "no rate row for %s", epoch-1)
		}
		priorRateData = stake.GenesisRateData(validator.ID)
	}

	rateData, err := priorRateData.Next(baseRateData, validator.FundingStreams, validator.State)
	if err != nil {
		return nil, ierrors.Wrap(err, "rate update")
	}

	payouts, err := d.commissionPayouts(epoch, baseRateData.RewardRate, priorRateData.ExchangeRate, input)
	if err != nil {
		return nil, ierrors.Wrap(err, "commission")
	}

	return &validatorResult{rateData: rateData, payouts: payouts}, nil
}

// commissionPayouts computes the validator's commission for the epoch and
// splits it across its funding streams. The total commission
// y * c * r * psi is evaluated as a single product with one final truncating
// division, so it is rounded down to the smallest indivisible unit exactly
// once. Each stream share truncates as well and remainders are burned, never
// redistributed: total minted commission can never exceed the computed
// commission.
func (d *Distributor) commissionPayouts(epoch types.EpochIndex, baseRate rate.Rate, priorExchangeRate rate.Rate, input *ValidatorInput) ([]*stake.CommissionPayout, error) {
	validator := input.Validator
	commissionRate := validator.CommissionRate()

	if validator.State != stake.ValidatorStateActive || commissionRate.IsZero() {
		return nil, nil
	}
	if input.PoolSize == nil || input.PoolSize.IsZero() {
		return nil, nil
	}

	numerator, overflow := new(uint256.Int).MulOverflow(input.PoolSize, uint256.NewInt(uint64(commissionRate)))
	if !overflow {
		numerator, overflow = numerator.MulOverflow(numerator, uint256.NewInt(uint64(baseRate)))
	}
	if !overflow {
		numerator, overflow = numerator.MulOverflow(numerator, uint256.NewInt(uint64(priorExchangeRate)))
	}
	if overflow {
		return nil, ierrors.Wrapf(rate.ErrOverflow, "commission of pool %s", input.PoolSize)
	}
	commission := numerator.Div(numerator, scaleCubed)

	if commission.IsZero() {
		return nil, nil
	}

	payouts := make([]*stake.CommissionPayout, 0, validator.FundingStreams.Size())
	for _, stream := range validator.FundingStreams.Streams() {
		share, overflow := new(uint256.Int).MulOverflow(commission, uint256.NewInt(uint64(stream.Rate)))
		if overflow {
			return nil, ierrors.Wrapf(rate.ErrOverflow, "share of stream %s", stream.Destination)
		}
		share.Div(share, uint256.NewInt(uint64(commissionRate)))

		if share.IsZero() {
			continue
		}

		payouts = append(payouts, &stake.CommissionPayout{
			Destination: stream.Destination,
			Amount:      share,
			Epoch:       epoch,
		})
	}

	return payouts, nil
}
