package trove_test

import (
	"errors"
	"testing"

	fpmath "StabilityPool/internal/math"
	"StabilityPool/internal/state"
	"StabilityPool/internal/trove"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/require"
)

var (
	borrower = common.HexToAddress("0x0000000000000000000000000000000000000b0b")
	other    = common.HexToAddress("0x0000000000000000000000000000000000000ca7")
)

// price 200, MCR 110%
func newRegistry() *trove.Registry {
	return trove.NewRegistry(fpmath.FromUnits(200), fpmath.Zero)
}

func TestOpenTrove(t *testing.T) {
	r := newRegistry()

	// 1 ETH at 200 against 150 debt is 133%.
	require.NoError(t, r.OpenTrove(borrower, fpmath.FromUnits(1), fpmath.FromUnits(150), nil))
	require.True(t, r.HasActiveTrove(borrower))
	require.False(t, r.HasActiveTrove(other))

	err := r.OpenTrove(borrower, fpmath.FromUnits(1), fpmath.FromUnits(100), nil)
	require.ErrorIs(t, err, trove.ErrTroveExists)
}

func TestOpenTrove_BelowMCR(t *testing.T) {
	r := newRegistry()

	err := r.OpenTrove(borrower, fpmath.FromUnits(1), fpmath.FromUnits(190), nil)
	require.True(t, errors.Is(err, state.ErrBelowMinimumCollateralRatio), "got %v", err)
	require.False(t, r.HasActiveTrove(borrower))

	require.ErrorIs(t, r.OpenTrove(borrower, fpmath.Zero, fpmath.FromUnits(1), nil), state.ErrZeroAmount)
}

func TestICR(t *testing.T) {
	tr := trove.Trove{Collateral: fpmath.FromUnits(2), Debt: fpmath.FromUnits(300)}
	icr, ok := tr.ICR(fpmath.FromUnits(200))
	require.True(t, ok)
	require.Equal(t, "1.333333333333333333", icr.FormatUnits())

	_, ok = trove.Trove{Collateral: fpmath.FromUnits(1)}.ICR(fpmath.FromUnits(200))
	require.False(t, ok)
}

func TestUndercollateralizedAfterPriceDrop(t *testing.T) {
	r := newRegistry()
	require.NoError(t, r.OpenTrove(borrower, fpmath.FromUnits(1), fpmath.FromUnits(150), nil))
	require.False(t, r.HasUndercollateralizedTroves())

	r.SetPrice(fpmath.FromUnits(160))
	require.True(t, r.HasUndercollateralizedTroves())
}

func TestMoveCollateralGainToTrove(t *testing.T) {
	r := newRegistry()
	require.NoError(t, r.OpenTrove(borrower, fpmath.FromUnits(1), fpmath.FromUnits(150), nil))

	j := state.NewJournal()
	require.NoError(t, r.MoveCollateralGainToTrove(borrower, fpmath.MustParseUnits("0.5"), j))
	tr, _ := r.Get(borrower)
	require.True(t, tr.Collateral.Eq(fpmath.MustParseUnits("1.5")))

	j.Revert()
	tr, _ = r.Get(borrower)
	require.True(t, tr.Collateral.Eq(fpmath.FromUnits(1)))

	require.ErrorIs(t, r.MoveCollateralGainToTrove(other, fpmath.FromUnits(1), nil), state.ErrNoActiveTrove)
}

func TestMoveCollateralGainToTrove_StillBelowMCR(t *testing.T) {
	r := newRegistry()
	require.NoError(t, r.OpenTrove(borrower, fpmath.FromUnits(1), fpmath.FromUnits(150), nil))
	r.SetPrice(fpmath.FromUnits(100))

	// 1.1 ETH at 100 against 150 debt is 73%.
	err := r.MoveCollateralGainToTrove(borrower, fpmath.MustParseUnits("0.1"), nil)
	require.ErrorIs(t, err, state.ErrBelowMinimumCollateralRatio)
	tr, _ := r.Get(borrower)
	require.True(t, tr.Collateral.Eq(fpmath.FromUnits(1)))
}
