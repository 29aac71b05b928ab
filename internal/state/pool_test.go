package state_test

import (
	"testing"

	fpmath "StabilityPool/internal/math"
	"StabilityPool/internal/state"
	"StabilityPool/internal/testutil"

	"github.com/stretchr/testify/require"
)

func TestConservationWithoutOffsets(t *testing.T) {
	p := state.NewPool()
	deposit(p, alice, units(100), nil)
	deposit(p, bob, fpmath.MustParseUnits("42.42"), nil)
	deposit(p, alice, units(7), nil)

	require.True(t, p.SumOfCompoundedDeposits().Eq(p.Acc.TotalDeposits()))
	require.True(t, p.CompoundedDeposit(alice).Eq(units(107)))
}

func TestProportionalLoss(t *testing.T) {
	p := state.NewPool()
	deposit(p, alice, units(100), nil)
	deposit(p, bob, units(100), nil)

	p.Acc.ApplyLiquidationOffset(units(50), units(4), nil)

	a, b := p.CompoundedDeposit(alice), p.CompoundedDeposit(bob)
	require.True(t, a.Eq(b))
	testutil.RequireWithin(t, a, units(75), fpmath.FromRaw(1_000))
	testutil.RequireWithin(t, p.DepositorCollateralGain(alice), units(2), fpmath.FromRaw(1_000))
	require.True(t, p.SumOfCompoundedDeposits().Lte(p.Acc.TotalDeposits()),
		"rounding must never credit depositors more than the pool holds")
}

func TestReferenceScenario(t *testing.T) {
	p := state.NewPool()
	deposit(p, alice, units(15_000), nil)
	deposit(p, whale, units(185_000), nil)

	d1 := fpmath.MustParseUnits("1234.5")
	d2 := fpmath.MustParseUnits("5678.25")
	p.Acc.ApplyLiquidationOffset(d1, units(10), nil)
	p.Acc.ApplyLiquidationOffset(d2, units(20), nil)

	// 15000 - (d1+d2) * 15000 / 200000
	loss := fpmath.MulDiv(d1.Add(d2), units(15_000), units(200_000), fpmath.RoundDown)
	want := units(15_000).Sub(loss)
	testutil.RequireWithin(t, p.CompoundedDeposit(alice), want, fpmath.FromRaw(100_000))

	// 30 collateral split 15/200.
	testutil.RequireWithin(t, p.DepositorCollateralGain(alice), fpmath.MustParseUnits("2.25"), fpmath.FromRaw(10_000))
}

func TestFullWipeZeroesEveryDeposit(t *testing.T) {
	p := state.NewPool()
	deposit(p, alice, units(100), nil)
	deposit(p, bob, units(100), nil)

	p.Acc.ApplyLiquidationOffset(p.Acc.TotalDeposits(), units(10), nil)

	require.True(t, p.CompoundedDeposit(alice).IsZero())
	require.True(t, p.CompoundedDeposit(bob).IsZero())
	require.True(t, p.DepositorCollateralGain(alice).Eq(units(5)),
		"gains earned in the wiped epoch stay claimable")
}

func TestGainsFlatlineAfterWipe(t *testing.T) {
	p := state.NewPool()
	deposit(p, alice, units(100), nil)
	deposit(p, bob, units(100), nil)
	p.Acc.ApplyLiquidationOffset(units(200), units(10), nil)

	collBefore := p.DepositorCollateralGain(alice)
	rewardBefore := p.DepositorRewardGain(alice)

	deposit(p, carol, units(50), nil)
	p.Acc.ApplyLiquidationOffset(units(20), units(3), nil)
	p.Acc.FoldReward(units(7), nil)
	p.Acc.ApplyLiquidationOffset(p.Acc.TotalDeposits(), units(1), nil)

	require.True(t, p.DepositorCollateralGain(alice).Eq(collBefore))
	require.True(t, p.DepositorRewardGain(alice).Eq(rewardBefore))
	require.True(t, p.CompoundedDeposit(alice).IsZero())

	// carol earned everything in the new epoch before her own wipe.
	testutil.RequireWithin(t, p.DepositorCollateralGain(carol), units(4), fpmath.FromRaw(1_000))
}

func TestGainsFlatlineAfterFullWithdrawal(t *testing.T) {
	p := state.NewPool()
	deposit(p, alice, units(100), nil)
	deposit(p, bob, units(100), nil)
	p.Acc.ApplyLiquidationOffset(units(20), units(2), nil)

	// alice leaves: her entry is zeroed, not removed.
	p.Acc.DecreaseDeposits(p.CompoundedDeposit(alice), nil)
	p.Deposits.Update(alice, fpmath.Zero, p.Acc, nil)
	require.Contains(t, p.Deposits.Depositors(), alice)

	p.Acc.ApplyLiquidationOffset(units(10), units(5), nil)
	p.Acc.FoldReward(units(3), nil)

	require.True(t, p.CompoundedDeposit(alice).IsZero())
	require.True(t, p.DepositorCollateralGain(alice).IsZero())
	require.True(t, p.DepositorRewardGain(alice).IsZero())
	require.True(t, p.Deposits.Snapshot(alice).P.IsZero())
}

func TestGainsAcrossScaleChange(t *testing.T) {
	p := state.NewPool()
	deposit(p, alice, units(1_000), nil)

	// Drop P to about 1e-5.
	p.Acc.ApplyLiquidationOffset(units(1_000).Sub(fpmath.MustParseUnits("0.01")), fpmath.Zero, nil)
	require.Zero(t, p.Acc.CurrentScale())

	deposit(p, bob, units(1_000), nil)

	// A second near-total loss pushes P under 1e9 raw and rescales it.
	total := p.Acc.TotalDeposits()
	p.Acc.ApplyLiquidationOffset(total.Sub(total.QuoRawMust(fpmath.FromRaw(100_000))), units(7), nil)
	require.Equal(t, uint64(1), p.Acc.CurrentScale())

	// bob keeps 1e-5 of his stake.
	testutil.RequireWithin(t, p.CompoundedDeposit(bob), fpmath.MustParseUnits("0.01"), fpmath.FromRaw(1_000))
	// alice keeps 1e-10 of hers, spread over two scales.
	aliceBefore := p.CompoundedDeposit(alice)
	testutil.RequireWithin(t, aliceBefore, fpmath.FromRaw(100_000_000_000), fpmath.FromRaw(1_000_000))

	gainBefore := p.DepositorCollateralGain(bob)
	testutil.RequireWithin(t, gainBefore, fpmath.MustParseUnits("6.99993"), fpmath.MustParseUnits("0.00001"))
	aliceGainBefore := p.DepositorCollateralGain(alice)

	// A further offset in the new scale is credited through the rescaled sum.
	total = p.Acc.TotalDeposits()
	p.Acc.ApplyLiquidationOffset(total.QuoRawMust(fpmath.FromRaw(2)), units(10), nil)
	testutil.RequireWithin(t, p.DepositorCollateralGain(bob), fpmath.MustParseUnits("16.99983"), fpmath.MustParseUnits("0.00001"))
	testutil.RequireWithin(t, p.CompoundedDeposit(bob), fpmath.MustParseUnits("0.005"), fpmath.FromRaw(10_000))

	// alice earns exactly her share of it, and her deposit still reads non-zero.
	share := fpmath.MulDiv(units(10), aliceBefore, total, fpmath.RoundDown)
	testutil.RequireWithin(t, p.DepositorCollateralGain(alice).Sub(aliceGainBefore), share, fpmath.FromRaw(1_000_000))
	require.False(t, p.CompoundedDeposit(alice).IsZero())
	testutil.RequireWithin(t, p.CompoundedDeposit(alice), fpmath.FromRaw(50_000_000_000), fpmath.FromRaw(1_000_000))
}

// offsetLeaving offsets all but 1/divisor of the pool.
func offsetLeaving(p *state.Pool, divisor uint64, coll fpmath.Decimal) state.OffsetTransition {
	total := p.Acc.TotalDeposits()
	return p.Acc.ApplyLiquidationOffset(total.Sub(total.QuoRawMust(fpmath.FromRaw(divisor))), coll, nil)
}

func TestDormantDepositAcrossTwoScales(t *testing.T) {
	p := state.NewPool()
	deposit(p, alice, units(750_000_000), nil)
	deposit(p, bob, units(250_000_000), nil)

	offsetLeaving(p, 10_000, units(1))
	offsetLeaving(p, 10_000, units(2))
	require.True(t, offsetLeaving(p, 10_000, units(3)).ScaleAdvanced)
	offsetLeaving(p, 10_000, units(4))
	require.True(t, offsetLeaving(p, 10_000, units(5)).ScaleAdvanced)
	require.Equal(t, uint64(2), p.Acc.CurrentScale())
	offsetLeaving(p, 2, units(6))

	// Neither depositor touched the pool since scale 0; 21 collateral split 3:1.
	tol := fpmath.MustParseUnits("0.000001")
	testutil.RequireWithin(t, p.DepositorCollateralGain(alice), fpmath.MustParseUnits("15.75"), tol)
	testutil.RequireWithin(t, p.DepositorCollateralGain(bob), fpmath.MustParseUnits("5.25"), tol)

	total := p.Acc.TotalDeposits()
	require.Equal(t, "5000000", total.String())
	testutil.RequireWithin(t, p.CompoundedDeposit(alice), fpmath.FromRaw(3_750_000), fpmath.FromRaw(10))
	testutil.RequireWithin(t, p.CompoundedDeposit(bob), fpmath.FromRaw(1_250_000), fpmath.FromRaw(10))
}

func TestStaleEpochGainsSpanItsScales(t *testing.T) {
	p := state.NewPool()
	deposit(p, alice, units(1_000), nil)

	offsetLeaving(p, 10_000, units(1))
	offsetLeaving(p, 10_000, units(2))
	require.True(t, offsetLeaving(p, 10_000, units(3)).ScaleAdvanced)
	offsetLeaving(p, 2, units(4))
	require.True(t, p.Acc.ApplyLiquidationOffset(p.Acc.TotalDeposits(), units(5), nil).EpochRolled)

	require.Equal(t, uint64(1), p.Acc.CurrentEpoch())
	require.Equal(t, uint64(1), p.Acc.LastScale(0), "epoch 0 ended on scale 1")
	require.Zero(t, p.Acc.LastScale(1))

	// Every collateral unit of epoch 0 went to alice, including both scales.
	gain := p.DepositorCollateralGain(alice)
	testutil.RequireWithin(t, gain, units(15), fpmath.MustParseUnits("0.000001"))
	require.True(t, p.CompoundedDeposit(alice).IsZero())

	// Activity in the new epoch leaves the stale snapshot alone.
	deposit(p, bob, units(100), nil)
	p.Acc.ApplyLiquidationOffset(units(99).Add(fpmath.MustParseUnits("0.9999999")), units(7), nil)
	p.Acc.FoldReward(units(3), nil)
	require.True(t, p.DepositorCollateralGain(alice).Eq(gain))

	restored := state.RestorePool(p.Export())
	require.Equal(t, uint64(1), restored.Acc.LastScale(0))
	require.True(t, restored.DepositorCollateralGain(alice).Eq(gain))
	require.True(t, restored.DepositorCollateralGain(bob).Eq(p.DepositorCollateralGain(bob)))
	require.Equal(t, p.Export(), restored.Export())
}

func TestFrontEndStakeAndKickback(t *testing.T) {
	p := state.NewPool()
	kickback := fpmath.MustParseUnits("0.8")
	p.FrontEnds.Register(carol, kickback, nil)

	// alice is tagged with carol, bob is untagged.
	p.Deposits.SetFrontEndTag(alice, carol, nil)
	deposit(p, alice, units(100), nil)
	p.FrontEnds.UpdateStake(carol, units(100), p.Acc, nil)
	deposit(p, bob, units(100), nil)

	p.Acc.FoldReward(units(10), nil)

	require.True(t, p.DepositorRewardGain(bob).Eq(units(5)))
	require.True(t, p.DepositorRewardGain(alice).Eq(units(4)))
	require.True(t, p.FrontEndRewardGain(carol).Eq(units(1)))
	require.True(t, p.CompoundedFrontEndStake(carol).Eq(units(100)))
	require.True(t, p.DepositorCollateralGain(alice).IsZero())

	p.Acc.ApplyLiquidationOffset(units(100), units(2), nil)
	testutil.RequireWithin(t, p.CompoundedFrontEndStake(carol), units(50), fpmath.FromRaw(1_000))
}

func TestDepositUpdateToZeroClearsTag(t *testing.T) {
	p := state.NewPool()
	p.FrontEnds.Register(carol, fpmath.One, nil)
	p.Deposits.SetFrontEndTag(alice, carol, nil)
	deposit(p, alice, units(5), nil)
	require.Equal(t, carol, p.Deposits.Get(alice).FrontEndTag)
	require.True(t, p.Deposits.HasDeposit(alice))

	p.Deposits.Update(alice, fpmath.Zero, p.Acc, nil)
	require.Equal(t, state.Deposit{}, p.Deposits.Get(alice))
	require.False(t, p.Deposits.HasDeposit(alice))
}
