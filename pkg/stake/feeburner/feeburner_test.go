package feeburner_test

import (
	"testing"

	"github.com/holiman/uint256"
	"github.com/stretchr/testify/require"

	"github.com/penchain/pen-core/pkg/core/rate"
	"github.com/penchain/pen-core/pkg/metrics"
	"github.com/penchain/pen-core/pkg/stake/feeburner"
)

func TestAccumulateAndSettle(t *testing.T) {
	burner := feeburner.New()

	require.NoError(t, burner.Accumulate(1, uint256.NewInt(100)))
	require.NoError(t, burner.Accumulate(1, uint256.NewInt(250)))
	require.NoError(t, burner.Accumulate(2, uint256.NewInt(7)))

	require.Equal(t, uint256.NewInt(350), burner.Pending(1))

	// settling returns the total and clears it; epochs are independent
	require.Equal(t, uint256.NewInt(350), burner.Settle(1))
	require.True(t, burner.Pending(1).IsZero())
	require.Equal(t, uint256.NewInt(7), burner.Pending(2))
}

func TestSettleEmptyEpoch(t *testing.T) {
	burner := feeburner.New()

	require.True(t, burner.Settle(42).IsZero())
}

func TestAccumulateOverflowFailsLoudly(t *testing.T) {
	burner := feeburner.New()

	almostMax := new(uint256.Int).Sub(new(uint256.Int), uint256.NewInt(1)) // 2^256 - 1
	require.NoError(t, burner.Accumulate(1, almostMax))

	err := burner.Accumulate(1, uint256.NewInt(1))
	require.ErrorIs(t, err, rate.ErrOverflow)

	// the stored total is untouched by the failed addition
	require.Equal(t, almostMax, burner.Pending(1))
}

func TestSettleMetrics(t *testing.T) {
	engineMetrics := metrics.NewEngineMetrics()
	burner := feeburner.New(feeburner.WithMetrics(engineMetrics))

	require.NoError(t, burner.Accumulate(1, uint256.NewInt(5)))
	burner.Settle(1)
	burner.Settle(2)

	require.EqualValues(t, 2, engineMetrics.FeeSettlements.Load())
}
