package stake

import (
	"github.com/holiman/uint256"
	"github.com/iotaledger/hive.go/ierrors"
	"github.com/iotaledger/hive.go/serializer/v2/marshalutil"
	"github.com/iotaledger/hive.go/stringify"

	"github.com/penchain/pen-core/pkg/core/rate"
	"github.com/penchain/pen-core/pkg/core/types"
)

// RateData describes a validator's reward rate and cumulative exchange rate
// in some epoch. The exchange rate converts the validator's delegation token
// back to the base token as of that epoch.
type RateData struct {
	ValidatorID types.ValidatorID
	Epoch       types.EpochIndex
	// RewardRate is the validator-specific rate r_v = (1 - c) * r for the epoch.
	RewardRate rate.Rate
	// ExchangeRate is the cumulative appreciation factor of the delegation token.
	// It starts at one at genesis and never decreases while reward rates are
	// non-negative.
	ExchangeRate rate.Rate
}

// GenesisRateData returns the defined epoch-0 rate row for a validator: both
// rates start at their identity values.
func GenesisRateData(validatorID types.ValidatorID) *RateData {
	return &RateData{
		ValidatorID:  validatorID,
		Epoch:        0,
		RewardRate:   rate.Zero,
		ExchangeRate: rate.One,
	}
}

// Next computes the validator's rate data for the epoch following this one,
// given the next epoch's base rate and the validator's commission
// configuration and bonding state. Non-Active states hold both rates
// constant. For an Active validator the reward rate is scaled down by the
// commission rate and the exchange rate compounds by the resulting growth
// factor.
func (r *RateData) Next(base *BaseRateData, streams *FundingStreamSet, state ValidatorState) (*RateData, error) {
	next := &RateData{
		ValidatorID:  r.ValidatorID,
		Epoch:        r.Epoch + 1,
		RewardRate:   r.RewardRate,
		ExchangeRate: r.ExchangeRate,
	}

	if state != ValidatorStateActive {
		return next, nil
	}

	keep, err := streams.CommissionRate().Complement()
	if err != nil {
		return nil, ierrors.Wrapf(err, "commission rate of validator %s", r.ValidatorID)
	}

	rewardRate, err := keep.Mul(base.RewardRate)
	if err != nil {
		return nil, ierrors.Wrapf(err, "reward rate of validator %s", r.ValidatorID)
	}

	growth, err := rewardRate.OnePlus()
	if err != nil {
		return nil, ierrors.Wrapf(err, "growth factor of validator %s", r.ValidatorID)
	}

	exchangeRate, err := r.ExchangeRate.Mul(growth)
	if err != nil {
		return nil, ierrors.Wrapf(err, "exchange rate of validator %s", r.ValidatorID)
	}

	next.RewardRate = rewardRate
	next.ExchangeRate = exchangeRate

	return next, nil
}

// DelegationAmount computes the amount of delegation tokens corresponding to
// the given amount of unbonded base tokens at this epoch's exchange rate.
//
// Because both conversions truncate, DelegationAmount and UnbondedAmount are
// not inverses of each other in general.
func (r *RateData) DelegationAmount(unbondedAmount *uint256.Int) (*uint256.Int, error) {
	scaled, overflow := new(uint256.Int).MulOverflow(unbondedAmount, uint256.NewInt(rate.Scale))
	if overflow {
		return nil, ierrors.Wrapf(rate.ErrOverflow, "delegation amount for %s", unbondedAmount)
	}

	// the exchange rate starts at one and only compounds upwards, so the
	// divisor is never zero
	return scaled.Div(scaled, uint256.NewInt(uint64(r.ExchangeRate))), nil
}

// UnbondedAmount computes the amount of unbonded base tokens corresponding to
// the given amount of delegation tokens at this epoch's exchange rate.
func (r *RateData) UnbondedAmount(delegationAmount *uint256.Int) (*uint256.Int, error) {
	return r.ExchangeRate.ApplyTo(delegationAmount)
}

// VotingPower computes the validator's voting power from the outstanding
// supply of its delegation token, valued through its exchange rate relative
// to the base exchange rate.
func (r *RateData) VotingPower(delegationTokens *uint256.Int, base *BaseRateData) (*uint256.Int, error) {
	product, overflow := new(uint256.Int).MulOverflow(delegationTokens, uint256.NewInt(uint64(r.ExchangeRate)))
	if overflow {
		return nil, ierrors.Wrapf(rate.ErrOverflow, "voting power of validator %s", r.ValidatorID)
	}

	return product.Div(product, uint256.NewInt(uint64(base.ExchangeRate))), nil
}

// Slash reduces the validator's reward rate by the given penalty fraction,
// saturating at zero. Penalties above one are clamped to one. The exchange
// rate is untouched: already-accrued appreciation is not clawed back.
func (r *RateData) Slash(penalty rate.Rate) {
	if !penalty.IsAtMostOne() {
		penalty = rate.One
	}

	// penalty <= 1, so the product never exceeds the reward rate
	cut, err := r.RewardRate.Mul(penalty)
	if err != nil || cut > r.RewardRate {
		cut = r.RewardRate
	}
	r.RewardRate -= cut
}

const RateDataLength = types.ValidatorIDLength + types.EpochIndexLength + 2*rate.RateLength

func RateDataFromBytes(b []byte) (*RateData, int, error) {
	r := new(RateData)
	m := marshalutil.New(b)

	idBytes, err := m.ReadBytes(types.ValidatorIDLength)
	if err != nil {
		return nil, m.ReadOffset(), ierrors.Wrap(err, "failed to parse validator ID")
	}
	r.ValidatorID, _, err = types.ValidatorIDFromBytes(idBytes)
	if err != nil {
		return nil, m.ReadOffset(), err
	}

	epoch, err := m.ReadUint64()
	if err != nil {
		return nil, m.ReadOffset(), ierrors.Wrap(err, "failed to parse epoch index")
	}
	r.Epoch = types.EpochIndex(epoch)

	rewardRate, err := m.ReadUint64()
	if err != nil {
		return nil, m.ReadOffset(), ierrors.Wrap(err, "failed to parse reward rate")
	}
	r.RewardRate = rate.Rate(rewardRate)

	exchangeRate, err := m.ReadUint64()
	if err != nil {
		return nil, m.ReadOffset(), ierrors.Wrap(err, "failed to parse exchange rate")
	}
	r.ExchangeRate = rate.Rate(exchangeRate)

	return r, m.ReadOffset(), nil
}

func (r *RateData) Bytes() ([]byte, error) {
	m := marshalutil.New()
	m.WriteBytes(r.ValidatorID[:])
	m.WriteUint64(uint64(r.Epoch))
	m.WriteUint64(uint64(r.RewardRate))
	m.WriteUint64(uint64(r.ExchangeRate))

	return m.Bytes(), nil
}

func (r *RateData) String() string {
	return stringify.Struct("RateData",
		stringify.NewStructField("ValidatorID", r.ValidatorID),
		stringify.NewStructField("Epoch", r.Epoch),
		stringify.NewStructField("RewardRate", r.RewardRate),
		stringify.NewStructField("ExchangeRate", r.ExchangeRate),
	)
}

// BaseRateData describes the chain-wide base reward and exchange rates in
// some epoch.
type BaseRateData struct {
	Epoch        types.EpochIndex
	RewardRate   rate.Rate
	ExchangeRate rate.Rate
}

// GenesisBaseRateData returns the defined epoch-0 base rate row.
func GenesisBaseRateData() *BaseRateData {
	return &BaseRateData{
		Epoch:        0,
		RewardRate:   rate.Zero,
		ExchangeRate: rate.One,
	}
}

// Next computes the base rate data for the epoch following this one, given
// the next epoch's base reward rate.
func (b *BaseRateData) Next(rewardRate rate.Rate) (*BaseRateData, error) {
	growth, err := rewardRate.OnePlus()
	if err != nil {
		return nil, ierrors.Wrap(err, "base growth factor")
	}

	exchangeRate, err := b.ExchangeRate.Mul(growth)
	if err != nil {
		return nil, ierrors.Wrap(err, "base exchange rate")
	}

	return &BaseRateData{
		Epoch:        b.Epoch + 1,
		RewardRate:   rewardRate,
		ExchangeRate: exchangeRate,
	}, nil
}

const BaseRateDataLength = types.EpochIndexLength + 2*rate.RateLength

func BaseRateDataFromBytes(b []byte) (*BaseRateData, int, error) {
	baseRateData := new(BaseRateData)
	m := marshalutil.New(b)

	epoch, err := m.ReadUint64()
	if err != nil {
		return nil, m.ReadOffset(), ierrors.Wrap(err, "failed to parse epoch index")
	}
	baseRateData.Epoch = types.EpochIndex(epoch)

	rewardRate, err := m.ReadUint64()
	if err != nil {
		return nil, m.ReadOffset(), ierrors.Wrap(err, "failed to parse base reward rate")
	}
	baseRateData.RewardRate = rate.Rate(rewardRate)

	exchangeRate, err := m.ReadUint64()
	if err != nil {
		return nil, m.ReadOffset(), ierrors.Wrap(err, "failed to parse base exchange rate")
	}
	baseRateData.ExchangeRate = rate.Rate(exchangeRate)

	return baseRateData, m.ReadOffset(), nil
}

func (b *BaseRateData) Bytes() ([]byte, error) {
	m := marshalutil.New()
	m.WriteUint64(uint64(b.Epoch))
	m.WriteUint64(uint64(b.RewardRate))
	m.WriteUint64(uint64(b.ExchangeRate))

	return m.Bytes(), nil
}
