// Package feeburner accumulates the transaction fees collected during an
// epoch and settles them to the supply-accounting layer, which permanently
// removes the settled amount from circulating supply. Fee burning is
// decoupled from reward issuance.
package feeburner

import (
	"github.com/holiman/uint256"
	"github.com/iotaledger/hive.go/ds/shrinkingmap"
	"github.com/iotaledger/hive.go/ierrors"
	"github.com/iotaledger/hive.go/runtime/options"
	"github.com/iotaledger/hive.go/runtime/syncutils"

	"github.com/penchain/pen-core/pkg/core/rate"
	"github.com/penchain/pen-core/pkg/core/types"
	"github.com/penchain/pen-core/pkg/metrics"
)

// Burner keeps one running fee total per epoch. The accumulator is 256 bits
// wide, so with bounded per-transaction fees and bounded block counts per
// epoch it can not overflow in practice; the theoretical overflow still fails
// loudly instead of wrapping.
type Burner struct {
	totals        *shrinkingmap.ShrinkingMap[types.EpochIndex, *uint256.Int]
	engineMetrics *metrics.EngineMetrics

	mutex syncutils.Mutex
}

// WithMetrics attaches engine counters to the burner.
func WithMetrics(engineMetrics *metrics.EngineMetrics) options.Option[Burner] {
	return func(b *Burner) {
		b.engineMetrics = engineMetrics
	}
}

func New(opts ...options.Option[Burner]) *Burner {
	return options.Apply(&Burner{
		totals: shrinkingmap.New[types.EpochIndex, *uint256.Int](),
	}, opts)
}

// Accumulate adds the given fee to the running total of the given epoch.
func (b *Burner) Accumulate(epoch types.EpochIndex, fee *uint256.Int) error {
	b.mutex.Lock()
	defer b.mutex.Unlock()

	total, _ := b.totals.GetOrCreate(epoch, func() *uint256.Int {
		return new(uint256.Int)
	})

	sum, overflow := new(uint256.Int).AddOverflow(total, fee)
	if overflow {
		// leave the stored total untouched, a wrapped value must never leak
		return ierrors.Wrapf(rate.ErrOverflow, "fee accumulator of %s", epoch)
	}
	total.Set(sum)

	return nil
}

// Pending returns the fees accumulated so far for the given epoch without
// clearing them.
func (b *Burner) Pending(epoch types.EpochIndex) *uint256.Int {
	b.mutex.Lock()
	defer b.mutex.Unlock()

	total, exists := b.totals.Get(epoch)
	if !exists {
		return new(uint256.Int)
	}

	return new(uint256.Int).Set(total)
}

// Settle returns the accumulated total for the given epoch and clears it,
// signaling the supply-accounting layer to remove that amount from
// circulation. Settling an epoch with no accumulated fees returns zero.
func (b *Burner) Settle(epoch types.EpochIndex) *uint256.Int {
	b.mutex.Lock()
	defer b.mutex.Unlock()

	total, exists := b.totals.Get(epoch)
	if !exists {
		total = new(uint256.Int)
	}
	b.totals.Delete(epoch)

	if b.engineMetrics != nil {
		b.engineMetrics.FeeSettlements.Inc()
	}

	return total
}
