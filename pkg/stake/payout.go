package stake

import (
	"github.com/holiman/uint256"
	"github.com/iotaledger/hive.go/ierrors"
	"github.com/iotaledger/hive.go/serializer/v2/marshalutil"
	"github.com/iotaledger/hive.go/stringify"

	"github.com/penchain/pen-core/pkg/core/types"
)

const amountLength = 32

// CommissionPayout instructs the minting layer to credit Amount base tokens
// to Destination as commission for the given epoch. Payouts are ephemeral
// outputs of a distribution; the engine does not persist them.
type CommissionPayout struct {
	Destination types.Address
	Amount      *uint256.Int
	Epoch       types.EpochIndex
}

const CommissionPayoutLength = types.AddressLength + amountLength + types.EpochIndexLength

func CommissionPayoutFromBytes(b []byte) (*CommissionPayout, int, error) {
	p := new(CommissionPayout)
	m := marshalutil.New(b)

	destinationBytes, err := m.ReadBytes(types.AddressLength)
	if err != nil {
		return nil, m.ReadOffset(), ierrors.Wrap(err, "failed to parse payout destination")
	}
	p.Destination, _, err = types.AddressFromBytes(destinationBytes)
	if err != nil {
		return nil, m.ReadOffset(), err
	}

	amountBytes, err := m.ReadBytes(amountLength)
	if err != nil {
		return nil, m.ReadOffset(), ierrors.Wrap(err, "failed to parse payout amount")
	}
	p.Amount = new(uint256.Int).SetBytes(amountBytes)

	epoch, err := m.ReadUint64()
	if err != nil {
		return nil, m.ReadOffset(), ierrors.Wrap(err, "failed to parse payout epoch")
	}
	p.Epoch = types.EpochIndex(epoch)

	return p, m.ReadOffset(), nil
}

func (p *CommissionPayout) Bytes() ([]byte, error) {
	m := marshalutil.New()
	m.WriteBytes(p.Destination[:])
	amountBytes := p.Amount.Bytes32()
	m.WriteBytes(amountBytes[:])
	m.WriteUint64(uint64(p.Epoch))

	return m.Bytes(), nil
}

func (p *CommissionPayout) String() string {
	return stringify.Struct("CommissionPayout",
		stringify.NewStructField("Destination", p.Destination),
		stringify.NewStructField("Amount", p.Amount.Dec()),
		stringify.NewStructField("Epoch", p.Epoch),
	)
}
