package stake

import (
	"github.com/iotaledger/hive.go/ierrors"
	"github.com/iotaledger/hive.go/serializer/v2/marshalutil"

	"github.com/penchain/pen-core/pkg/core/rate"
	"github.com/penchain/pen-core/pkg/core/types"
)

// ErrInvalidCommission is returned when a funding stream declaration violates
// the commission bounds: a single rate above one, rates summing above one, or
// a duplicated destination. Registration fails fast; the reward engine never
// sees an invalid set.
var ErrInvalidCommission = ierrors.New("invalid commission configuration")

// FundingStream declares that a slice of a validator's commission, given by
// Rate, is paid out to Destination.
type FundingStream struct {
	Rate        rate.Rate
	Destination types.Address
}

const fundingStreamLength = rate.RateLength + types.AddressLength

func FundingStreamFromBytes(b []byte) (FundingStream, int, error) {
	var stream FundingStream
	m := marshalutil.New(b)

	rateBytes, err := m.ReadBytes(rate.RateLength)
	if err != nil {
		return stream, m.ReadOffset(), ierrors.Wrap(err, "failed to parse stream rate")
	}
	stream.Rate, _, err = rate.RateFromBytes(rateBytes)
	if err != nil {
		return stream, m.ReadOffset(), err
	}

	destinationBytes, err := m.ReadBytes(types.AddressLength)
	if err != nil {
		return stream, m.ReadOffset(), ierrors.Wrap(err, "failed to parse stream destination")
	}
	stream.Destination, _, err = types.AddressFromBytes(destinationBytes)
	if err != nil {
		return stream, m.ReadOffset(), err
	}

	return stream, m.ReadOffset(), nil
}

func (f FundingStream) Bytes() ([]byte, error) {
	m := marshalutil.New()
	rateBytes, err := f.Rate.Bytes()
	if err != nil {
		return nil, err
	}
	m.WriteBytes(rateBytes)
	m.WriteBytes(f.Destination[:])

	return m.Bytes(), nil
}

// FundingStreamSet is a validator's validated commission configuration. It is
// an immutable value: replacing a validator's streams for a future epoch
// creates a new set, so historical epochs retain the configuration that was
// active when their distribution ran. The stream order is kept only for
// deterministic iteration.
type FundingStreamSet struct {
	streams        []FundingStream
	commissionRate rate.Rate
}

// NewFundingStreamSet validates the given streams and constructs the set.
// The summed rate is the validator's commission rate c and must not exceed
// one; duplicate destinations are rejected to avoid double-accounting
// ambiguity.
func NewFundingStreamSet(streams ...FundingStream) (*FundingStreamSet, error) {
	commissionRate := rate.Zero
	seen := make(map[types.Address]struct{}, len(streams))
	for i, stream := range streams {
		if !stream.Rate.IsAtMostOne() {
			return nil, ierrors.Wrapf(ErrInvalidCommission, "stream %d rate %s exceeds one", i, stream.Rate)
		}

		if _, exists := seen[stream.Destination]; exists {
			return nil, ierrors.Wrapf(ErrInvalidCommission, "duplicate destination %s", stream.Destination)
		}
		seen[stream.Destination] = struct{}{}

		sum, err := commissionRate.Add(stream.Rate)
		if err != nil {
			return nil, ierrors.Wrapf(ErrInvalidCommission, "summing stream rates: %s", err)
		}
		commissionRate = sum
	}

	if !commissionRate.IsAtMostOne() {
		return nil, ierrors.Wrapf(ErrInvalidCommission, "stream rates sum to %s", commissionRate)
	}

	return &FundingStreamSet{
		streams:        append([]FundingStream(nil), streams...),
		commissionRate: commissionRate,
	}, nil
}

// CommissionRate returns the precomputed summed rate c of the set.
func (f *FundingStreamSet) CommissionRate() rate.Rate {
	if f == nil {
		return rate.Zero
	}

	return f.commissionRate
}

// Streams returns the declared streams in registration order.
func (f *FundingStreamSet) Streams() []FundingStream {
	if f == nil {
		return nil
	}

	return append([]FundingStream(nil), f.streams...)
}

func (f *FundingStreamSet) Size() int {
	if f == nil {
		return 0
	}

	return len(f.streams)
}

func FundingStreamSetFromBytes(b []byte) (*FundingStreamSet, int, error) {
	m := marshalutil.New(b)
	count, err := m.ReadUint32()
	if err != nil {
		return nil, m.ReadOffset(), ierrors.Wrap(err, "failed to parse stream count")
	}

	streams := make([]FundingStream, 0, count)
	for i := uint32(0); i < count; i++ {
		streamBytes, err := m.ReadBytes(fundingStreamLength)
		if err != nil {
			return nil, m.ReadOffset(), ierrors.Wrapf(err, "failed to parse stream %d", i)
		}

		stream, _, err := FundingStreamFromBytes(streamBytes)
		if err != nil {
			return nil, m.ReadOffset(), err
		}
		streams = append(streams, stream)
	}

	set, err := NewFundingStreamSet(streams...)
	if err != nil {
		return nil, m.ReadOffset(), err
	}

	return set, m.ReadOffset(), nil
}

func (f *FundingStreamSet) Bytes() ([]byte, error) {
	m := marshalutil.New()
	m.WriteUint32(uint32(len(f.streams)))
	for _, stream := range f.streams {
		streamBytes, err := stream.Bytes()
		if err != nil {
			return nil, err
		}
		m.WriteBytes(streamBytes)
	}

	return m.Bytes(), nil
}
