package distributor_test

import (
	"math"
	"sort"
	"testing"

	"github.com/holiman/uint256"
	"github.com/iotaledger/hive.go/kvstore/mapdb"
	"github.com/iotaledger/hive.go/log"
	"github.com/iotaledger/hive.go/lo"
	"github.com/stretchr/testify/require"

	"github.com/penchain/pen-core/pkg/core/rate"
	"github.com/penchain/pen-core/pkg/core/types"
	"github.com/penchain/pen-core/pkg/metrics"
	"github.com/penchain/pen-core/pkg/stake"
	"github.com/penchain/pen-core/pkg/stake/distributor"
	"github.com/penchain/pen-core/pkg/stake/ledger"
)

type testFramework struct {
	T           *testing.T
	Ledger      *ledger.Ledger
	Distributor *distributor.Distributor
	Metrics     *metrics.EngineMetrics
}

func newTestFramework(t *testing.T, workerCount int) *testFramework {
	engineMetrics := metrics.NewEngineMetrics()
	rateLedger := ledger.New(mapdb.NewMapDB())

	return &testFramework{
		T:       t,
		Ledger:  rateLedger,
		Metrics: engineMetrics,
		Distributor: distributor.New(rateLedger, log.NewLogger(),
			distributor.WithWorkerCount(workerCount),
			distributor.WithMetrics(engineMetrics),
		),
	}
}

func testValidatorID(tag byte) types.ValidatorID {
	var id types.ValidatorID
	id[0] = tag

	return id
}

func testAddress(tag byte) types.Address {
	var addr types.Address
	addr[0] = tag

	return addr
}

func activeValidator(t *testing.T, tag byte, streams ...stake.FundingStream) *stake.Validator {
	t.Helper()

	set, err := stake.NewFundingStreamSet(streams...)
	require.NoError(t, err)

	return &stake.Validator{
		ID:             testValidatorID(tag),
		State:          stake.ValidatorStateActive,
		FundingStreams: set,
	}
}

func TestDistributeCommissionScenario(t *testing.T) {
	tf := newTestFramework(t, 1)

	validator := activeValidator(t, 1,
		stake.FundingStream{Rate: rate.Rate(5_000_000), Destination: testAddress(1)},
		stake.FundingStream{Rate: rate.Rate(3_000_000), Destination: testAddress(2)},
	)

	distribution, err := tf.Distributor.Distribute(&distributor.EpochInput{
		Epoch:    1,
		BaseRate: rate.Rate(10_000_000),
		Validators: []*distributor.ValidatorInput{{
			Validator:       validator,
			PoolSize:        uint256.NewInt(1_000_000),
			NewlyRegistered: true,
		}},
	})
	require.NoError(t, err)

	// psi(1) = 1.0 * 1.10
	require.Equal(t, rate.Rate(110_000_000), distribution.BaseRateData.ExchangeRate)

	// r_v = 0.092, psi_v(1) = 1.092
	rateData := distribution.ValidatorRates[validator.ID]
	require.Equal(t, rate.Rate(9_200_000), rateData.RewardRate)
	require.Equal(t, rate.Rate(109_200_000), rateData.ExchangeRate)

	// commission = 1_000_000 * 0.08 * 0.10 * 1.00 = 8_000, split 5_000/3_000
	require.Len(t, distribution.Payouts, 2)
	require.Equal(t, testAddress(1), distribution.Payouts[0].Destination)
	require.Equal(t, uint256.NewInt(5_000), distribution.Payouts[0].Amount)
	require.Equal(t, testAddress(2), distribution.Payouts[1].Destination)
	require.Equal(t, uint256.NewInt(3_000), distribution.Payouts[1].Amount)
	require.Equal(t, types.EpochIndex(1), distribution.Payouts[0].Epoch)

	// the new rows are committed
	committed, exists, err := tf.Ledger.Get(validator.ID, 1)
	require.NoError(t, err)
	require.True(t, exists)
	require.Equal(t, rate.Rate(109_200_000), committed.ExchangeRate)
	require.Equal(t, rate.Rate(9_200_000), committed.RewardRate)

	committedBase, exists, err := tf.Ledger.GetBase(1)
	require.NoError(t, err)
	require.True(t, exists)
	require.Equal(t, rate.Rate(110_000_000), committedBase.ExchangeRate)

	require.EqualValues(t, 1, tf.Metrics.EpochsDistributed.Load())
	require.EqualValues(t, 1, tf.Metrics.ValidatorsProcessed.Load())
	require.EqualValues(t, 2, tf.Metrics.PayoutsEmitted.Load())
}

func TestDistributeZeroCommission(t *testing.T) {
	tf := newTestFramework(t, 1)

	validator := activeValidator(t, 1)

	distribution, err := tf.Distributor.Distribute(&distributor.EpochInput{
		Epoch:    1,
		BaseRate: rate.Rate(25_000_000),
		Validators: []*distributor.ValidatorInput{{
			Validator:       validator,
			PoolSize:        uint256.NewInt(math.MaxUint64),
			NewlyRegistered: true,
		}},
	})
	require.NoError(t, err)

	// c = 0: the full base rate flows into the exchange rate, no payouts
	require.Empty(t, distribution.Payouts)
	require.Equal(t, rate.Rate(125_000_000), distribution.ValidatorRates[validator.ID].ExchangeRate)
}

func TestDistributeNonActiveHeldConstant(t *testing.T) {
	tf := newTestFramework(t, 1)

	validator := activeValidator(t, 1,
		stake.FundingStream{Rate: rate.Rate(5_000_000), Destination: testAddress(1)},
	)
	input := &distributor.ValidatorInput{
		Validator:       validator,
		PoolSize:        uint256.NewInt(1_000_000),
		NewlyRegistered: true,
	}

	_, err := tf.Distributor.Distribute(&distributor.EpochInput{
		Epoch:      1,
		BaseRate:   rate.Rate(10_000_000),
		Validators: []*distributor.ValidatorInput{input},
	})
	require.NoError(t, err)

	validator.State = stake.ValidatorStateUnbonding
	input.NewlyRegistered = false

	distribution, err := tf.Distributor.Distribute(&distributor.EpochInput{
		Epoch:      2,
		BaseRate:   rate.Rate(10_000_000),
		Validators: []*distributor.ValidatorInput{input},
	})
	require.NoError(t, err)

	// both rates held constant, no commission accrues
	require.Empty(t, distribution.Payouts)
	require.Equal(t, rate.Rate(109_500_000), distribution.ValidatorRates[validator.ID].ExchangeRate)
	require.Equal(t, rate.Rate(9_500_000), distribution.ValidatorRates[validator.ID].RewardRate)

	// the persisted row carries the reward rate too
	committed, _, err := tf.Ledger.Get(validator.ID, 2)
	require.NoError(t, err)
	require.Equal(t, rate.Rate(9_500_000), committed.RewardRate)
}

func TestDistributeMissingLedgerEntry(t *testing.T) {
	tf := newTestFramework(t, 1)

	known := activeValidator(t, 1)
	_, err := tf.Distributor.Distribute(&distributor.EpochInput{
		Epoch:    1,
		BaseRate: rate.Rate(10_000_000),
		Validators: []*distributor.ValidatorInput{{
			Validator:       known,
			PoolSize:        uint256.NewInt(1_000),
			NewlyRegistered: true,
		}},
	})
	require.NoError(t, err)

	// a validator without a prior row that does not claim to be new is a
	// data-integrity violation and aborts the whole transition
	unknown := activeValidator(t, 2)
	_, err = tf.Distributor.Distribute(&distributor.EpochInput{
		Epoch:    2,
		BaseRate: rate.Rate(10_000_000),
		Validators: []*distributor.ValidatorInput{
			{Validator: known, PoolSize: uint256.NewInt(1_000)},
			{Validator: unknown, PoolSize: uint256.NewInt(1_000)},
		},
	})
	require.ErrorIs(t, err, distributor.ErrEpochTransitionFailed)
	require.ErrorIs(t, err, distributor.ErrMissingLedgerEntry)

	// nothing was committed, not even for the healthy validator
	_, exists, err := tf.Ledger.Get(known.ID, 2)
	require.NoError(t, err)
	require.False(t, exists)

	_, exists, err = tf.Ledger.GetBase(2)
	require.NoError(t, err)
	require.False(t, exists)

	require.EqualValues(t, 1, tf.Metrics.FailedTransitions.Load())
}

func TestDistributeMissingBaseEntry(t *testing.T) {
	tf := newTestFramework(t, 1)

	// skipping ahead without the prior base row is fatal
	_, err := tf.Distributor.Distribute(&distributor.EpochInput{
		Epoch:    5,
		BaseRate: rate.Rate(10_000_000),
	})
	require.ErrorIs(t, err, distributor.ErrEpochTransitionFailed)
	require.ErrorIs(t, err, distributor.ErrMissingLedgerEntry)
}

func TestDistributeEpochZeroFails(t *testing.T) {
	tf := newTestFramework(t, 1)

	_, err := tf.Distributor.Distribute(&distributor.EpochInput{
		Epoch:    0,
		BaseRate: rate.Rate(10_000_000),
	})
	require.ErrorIs(t, err, distributor.ErrEpochTransitionFailed)
}

func TestDistributeTwiceFails(t *testing.T) {
	tf := newTestFramework(t, 1)

	input := &distributor.EpochInput{Epoch: 1, BaseRate: rate.Rate(10_000_000)}

	_, err := tf.Distributor.Distribute(input)
	require.NoError(t, err)

	_, err = tf.Distributor.Distribute(input)
	require.ErrorIs(t, err, distributor.ErrEpochTransitionFailed)
	require.ErrorIs(t, err, ledger.ErrDuplicateEpoch)
}

func TestDistributePreexistingRowCommitsNothing(t *testing.T) {
	tf := newTestFramework(t, 1)

	clean := activeValidator(t, 1)
	conflicting := activeValidator(t, 2)

	// a row for the target epoch already exists for one validator; the
	// transition must fail without making any row of the epoch visible
	require.NoError(t, tf.Ledger.Append(&stake.RateData{
		ValidatorID:  conflicting.ID,
		Epoch:        1,
		ExchangeRate: rate.Rate(105_000_000),
	}))

	_, err := tf.Distributor.Distribute(&distributor.EpochInput{
		Epoch:    1,
		BaseRate: rate.Rate(10_000_000),
		Validators: []*distributor.ValidatorInput{
			{Validator: clean, PoolSize: uint256.NewInt(1_000), NewlyRegistered: true},
			{Validator: conflicting, PoolSize: uint256.NewInt(1_000), NewlyRegistered: true},
		},
	})
	require.ErrorIs(t, err, distributor.ErrEpochTransitionFailed)
	require.ErrorIs(t, err, ledger.ErrDuplicateEpoch)

	_, exists, err := tf.Ledger.GetBase(1)
	require.NoError(t, err)
	require.False(t, exists)

	_, exists, err = tf.Ledger.Get(clean.ID, 1)
	require.NoError(t, err)
	require.False(t, exists)

	// the pre-existing row is untouched
	committed, _, err := tf.Ledger.Get(conflicting.ID, 1)
	require.NoError(t, err)
	require.Equal(t, rate.Rate(105_000_000), committed.ExchangeRate)
}

func TestDistributeOverflowAborts(t *testing.T) {
	tf := newTestFramework(t, 1)

	_, err := tf.Distributor.Distribute(&distributor.EpochInput{
		Epoch:    1,
		BaseRate: rate.Rate(math.MaxUint64),
	})
	require.ErrorIs(t, err, distributor.ErrEpochTransitionFailed)
	require.ErrorIs(t, err, rate.ErrOverflow)
}

func TestDistributeCommissionConservation(t *testing.T) {
	tf := newTestFramework(t, 1)

	// commission = 33_334 * 0.03 * 0.10 * 1.00 = 100 (truncated); each stream
	// share truncates to 33, the remainder of 1 is burned
	validator := activeValidator(t, 1,
		stake.FundingStream{Rate: rate.Rate(1_000_000), Destination: testAddress(1)},
		stake.FundingStream{Rate: rate.Rate(1_000_000), Destination: testAddress(2)},
		stake.FundingStream{Rate: rate.Rate(1_000_000), Destination: testAddress(3)},
	)

	distribution, err := tf.Distributor.Distribute(&distributor.EpochInput{
		Epoch:    1,
		BaseRate: rate.Rate(10_000_000),
		Validators: []*distributor.ValidatorInput{{
			Validator:       validator,
			PoolSize:        uint256.NewInt(33_334),
			NewlyRegistered: true,
		}},
	})
	require.NoError(t, err)

	require.Len(t, distribution.Payouts, 3)
	total := new(uint256.Int)
	for _, payout := range distribution.Payouts {
		require.Equal(t, uint256.NewInt(33), payout.Amount)
		total.Add(total, payout.Amount)
	}
	require.True(t, total.Cmp(uint256.NewInt(100)) <= 0)
}

func TestDistributeSkipsZeroShares(t *testing.T) {
	tf := newTestFramework(t, 1)

	validator := activeValidator(t, 1,
		stake.FundingStream{Rate: rate.Rate(1), Destination: testAddress(1)},
		stake.FundingStream{Rate: rate.Rate(5_000_000), Destination: testAddress(2)},
	)

	distribution, err := tf.Distributor.Distribute(&distributor.EpochInput{
		Epoch:    1,
		BaseRate: rate.Rate(10_000_000),
		Validators: []*distributor.ValidatorInput{{
			Validator:       validator,
			PoolSize:        uint256.NewInt(2_000_000),
			NewlyRegistered: true,
		}},
	})
	require.NoError(t, err)

	// the dust stream's truncated share is zero and emits no payout
	require.Len(t, distribution.Payouts, 1)
	require.Equal(t, testAddress(2), distribution.Payouts[0].Destination)
}

func TestDistributeCompoundsAcrossEpochs(t *testing.T) {
	tf := newTestFramework(t, 1)

	validator := activeValidator(t, 1,
		stake.FundingStream{Rate: rate.Rate(5_000_000), Destination: testAddress(1)},
		stake.FundingStream{Rate: rate.Rate(3_000_000), Destination: testAddress(2)},
	)
	input := &distributor.ValidatorInput{
		Validator:       validator,
		PoolSize:        uint256.NewInt(1_000_000),
		NewlyRegistered: true,
	}

	_, err := tf.Distributor.Distribute(&distributor.EpochInput{
		Epoch:      1,
		BaseRate:   rate.Rate(10_000_000),
		Validators: []*distributor.ValidatorInput{input},
	})
	require.NoError(t, err)

	input.NewlyRegistered = false
	distribution, err := tf.Distributor.Distribute(&distributor.EpochInput{
		Epoch:      2,
		BaseRate:   rate.Rate(10_000_000),
		Validators: []*distributor.ValidatorInput{input},
	})
	require.NoError(t, err)

	// psi_v(2) = 1.092 * 1.092 = 1.19246400
	require.Equal(t, rate.Rate(119_246_400), distribution.ValidatorRates[validator.ID].ExchangeRate)

	// commission now accrues on the appreciated pool:
	// 1_000_000 * 0.08 * 0.10 * 1.092 = 8_736, split 5_460/3_276
	require.Len(t, distribution.Payouts, 2)
	require.Equal(t, uint256.NewInt(5_460), distribution.Payouts[0].Amount)
	require.Equal(t, uint256.NewInt(3_276), distribution.Payouts[1].Amount)
}

func canonicalBytes(t *testing.T, distribution *distributor.Distribution) []byte {
	t.Helper()

	var serialized []byte
	serialized = append(serialized, lo.PanicOnErr(distribution.BaseRateData.Bytes())...)
	for _, payout := range distribution.Payouts {
		serialized = append(serialized, lo.PanicOnErr(payout.Bytes())...)
	}

	ids := make([]types.ValidatorID, 0, len(distribution.ValidatorRates))
	for id := range distribution.ValidatorRates {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool {
		return ids[i].Compare(ids[j]) < 0
	})
	for _, id := range ids {
		serialized = append(serialized, lo.PanicOnErr(distribution.ValidatorRates[id].Bytes())...)
	}

	return serialized
}

func TestDistributeDeterminism(t *testing.T) {
	buildInput := func() *distributor.EpochInput {
		input := &distributor.EpochInput{Epoch: 1, BaseRate: rate.Rate(10_000_000)}
		for tag := byte(1); tag <= 32; tag++ {
			input.Validators = append(input.Validators, &distributor.ValidatorInput{
				Validator: activeValidator(t, tag,
					stake.FundingStream{Rate: rate.Rate(uint64(tag) * 100_000), Destination: testAddress(tag)},
				),
				PoolSize:        uint256.NewInt(uint64(tag) * 1_000_003),
				NewlyRegistered: true,
			})
		}

		return input
	}

	// the same input must serialize byte-identically regardless of the
	// internal parallel schedule
	serial := newTestFramework(t, 1)
	parallel := newTestFramework(t, 8)

	serialDistribution, err := serial.Distributor.Distribute(buildInput())
	require.NoError(t, err)

	parallelDistribution, err := parallel.Distributor.Distribute(buildInput())
	require.NoError(t, err)

	require.Equal(t, canonicalBytes(t, serialDistribution), canonicalBytes(t, parallelDistribution))
}
