package stake

import (
	"github.com/penchain/pen-core/pkg/core/rate"
	"github.com/penchain/pen-core/pkg/core/types"
)

// ValidatorState is the bonding state of a validator. Only Active validators
// accrue rewards and commission; all other states hold their rates constant
// through an epoch transition.
type ValidatorState byte

const (
	ValidatorStateInactive ValidatorState = iota
	ValidatorStateActive
	ValidatorStateUnbonding
	ValidatorStateSlashed
)

func (v ValidatorState) String() string {
	switch v {
	case ValidatorStateInactive:
		return "Inactive"
	case ValidatorStateActive:
		return "Active"
	case ValidatorStateUnbonding:
		return "Unbonding"
	case ValidatorStateSlashed:
		return "Slashed"
	default:
		return "Unknown"
	}
}

// Validator is the registry view of a validator that the reward engine reads
// every epoch: its identity, bonding state and validated commission
// configuration. The registry itself lives outside the engine.
type Validator struct {
	ID             types.ValidatorID
	State          ValidatorState
	FundingStreams *FundingStreamSet
}

// CommissionRate returns the validator's commission rate c, the summed rate
// of its funding streams.
func (v *Validator) CommissionRate() rate.Rate {
	return v.FundingStreams.CommissionRate()
}
