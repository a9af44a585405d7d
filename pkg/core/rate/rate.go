// Package rate implements the fixed-point rational type all reward and
// exchange-rate arithmetic is built on. Values are unsigned integers scaled
// by 10^8, so a Rate carries 8 decimal digits of precision. Every division
// truncates towards zero; this is the single rounding rule of the engine and
// it is applied uniformly so that all nodes computing over the same inputs
// produce bit-identical results. No floating point is used anywhere.
package rate

import (
	"fmt"

	"github.com/holiman/uint256"
	"github.com/iotaledger/hive.go/ierrors"
	"github.com/iotaledger/hive.go/serializer/v2/marshalutil"
)

// Scale is the fixed denominator of a Rate: 10^8.
const Scale = 100_000_000

// RateLength is the byte length of a serialized Rate.
const RateLength = marshalutil.Uint64Size

var (
	// ErrOverflow is returned when an arithmetic operation exceeds the
	// representable range. The condition is part of the deterministic
	// contract: it triggers identically on all nodes given identical inputs
	// and is never silently saturated.
	ErrOverflow = ierrors.New("fixed-point arithmetic overflow")

	scaleInt = uint256.NewInt(Scale)
)

// Rate is a non-negative fixed-point rational scaled by Scale.
// Rate(Scale) == 1.0.
type Rate uint64

const (
	Zero = Rate(0)
	One  = Rate(Scale)
)

func RateFromBytes(b []byte) (Rate, int, error) {
	m := marshalutil.New(b)
	v, err := m.ReadUint64()
	if err != nil {
		return 0, m.ReadOffset(), ierrors.Wrap(err, "failed to parse rate")
	}

	return Rate(v), m.ReadOffset(), nil
}

func (r Rate) Bytes() ([]byte, error) {
	m := marshalutil.New()
	m.WriteUint64(uint64(r))

	return m.Bytes(), nil
}

// Add returns r + other, or ErrOverflow if the sum is not representable.
func (r Rate) Add(other Rate) (Rate, error) {
	sum := r + other
	if sum < r {
		return 0, ierrors.Wrapf(ErrOverflow, "%s + %s", r, other)
	}

	return sum, nil
}

// Mul returns r * other, truncated to the fixed scale.
func (r Rate) Mul(other Rate) (Rate, error) {
	product := new(uint256.Int).Mul(uint256.NewInt(uint64(r)), uint256.NewInt(uint64(other)))
	product.Div(product, scaleInt)
	if !product.IsUint64() {
		return 0, ierrors.Wrapf(ErrOverflow, "%s * %s", r, other)
	}

	return Rate(product.Uint64()), nil
}

// OnePlus returns 1 + r, the growth factor of an exchange rate update.
func (r Rate) OnePlus() (Rate, error) {
	return r.Add(One)
}

// Complement returns 1 - r. It is only defined for rates at most one.
func (r Rate) Complement() (Rate, error) {
	if !r.IsAtMostOne() {
		return 0, ierrors.Wrapf(ErrOverflow, "complement of %s", r)
	}

	return One - r, nil
}

func (r Rate) IsAtMostOne() bool {
	return r <= One
}

func (r Rate) IsZero() bool {
	return r == 0
}

// ApplyTo scales the given token amount by r, truncating the result down to
// the smallest indivisible unit. Truncation means applying a rate can never
// over-credit an amount; the deterministically small remainder is the
// caller's auditable bias.
func (r Rate) ApplyTo(amount *uint256.Int) (*uint256.Int, error) {
	product, overflow := new(uint256.Int).MulOverflow(amount, uint256.NewInt(uint64(r)))
	if overflow {
		return nil, ierrors.Wrapf(ErrOverflow, "%s applied to amount %s", r, amount)
	}

	return product.Div(product, scaleInt), nil
}

func (r Rate) String() string {
	return fmt.Sprintf("%d.%08d", uint64(r)/Scale, uint64(r)%Scale)
}
