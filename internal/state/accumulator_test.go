package state_test

import (
	"testing"

	fpmath "StabilityPool/internal/math"
	"StabilityPool/internal/state"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/require"
)

var (
	alice = common.HexToAddress("0x00000000000000000000000000000000000a11ce")
	bob   = common.HexToAddress("0x0000000000000000000000000000000000000b0b")
	carol = common.HexToAddress("0x00000000000000000000000000000000000ca201")
	whale = common.HexToAddress("0x000000000000000000000000000000000000a1e5")
)

func units(n uint64) fpmath.Decimal { return fpmath.FromUnits(n) }

// deposit mirrors the bookkeeping of a provide: compound, add, re-snapshot.
func deposit(p *state.Pool, who common.Address, amount fpmath.Decimal, j *state.Journal) {
	newValue := p.CompoundedDeposit(who).Add(amount)
	p.Deposits.Update(who, newValue, p.Acc, j)
	p.Acc.IncreaseDeposits(amount, j)
}

func TestNewAccumulator(t *testing.T) {
	acc := state.NewAccumulator()
	require.True(t, acc.P().Eq(fpmath.One))
	require.Zero(t, acc.CurrentScale())
	require.Zero(t, acc.CurrentEpoch())
	require.True(t, acc.TotalDeposits().IsZero())
	require.True(t, acc.SumS(7, 3).IsZero(), "unwritten slots default to zero")
	require.True(t, acc.SumG(0, 0).IsZero())
}

func TestOffsetHalvesP(t *testing.T) {
	acc := state.NewAccumulator()
	acc.IncreaseDeposits(units(100), nil)

	tr := acc.ApplyLiquidationOffset(units(50), units(1), nil)

	require.False(t, tr.EpochRolled)
	require.False(t, tr.ScaleAdvanced)
	// loss per unit is rounded up by one raw unit.
	require.Equal(t, "500000000000000001", tr.LossPerUnitStaked.String())
	require.Equal(t, "499999999999999999", acc.P().String())
	require.True(t, acc.TotalDeposits().Eq(units(50)))
	require.True(t, acc.CollateralBalance().Eq(units(1)))
	// S grows by collateral per unit (0.01) times the P before the loss.
	require.Equal(t, "10000000000000000000000000000000000", acc.SumS(0, 0).String())
}

func TestFullWipeRollsEpoch(t *testing.T) {
	acc := state.NewAccumulator()
	acc.IncreaseDeposits(units(200), nil)
	acc.ApplyLiquidationOffset(units(30), units(1), nil)

	tr := acc.ApplyLiquidationOffset(acc.TotalDeposits(), units(5), nil)

	require.True(t, tr.EpochRolled)
	require.True(t, tr.LossPerUnitStaked.Eq(fpmath.One))
	require.Equal(t, uint64(1), acc.CurrentEpoch())
	require.Zero(t, acc.CurrentScale())
	require.True(t, acc.P().Eq(fpmath.One))
	require.True(t, acc.TotalDeposits().IsZero())
	require.True(t, acc.SumS(1, 0).IsZero(), "new epoch starts from an empty sum")
	require.False(t, acc.SumS(0, 0).IsZero(), "the wiped epoch keeps its final sum")
}

func TestOffsetAdvancesScale(t *testing.T) {
	acc := state.NewAccumulator()
	acc.IncreaseDeposits(units(1000), nil)

	// Leaves 1e-10 of the pool: P would drop below 1e9 raw.
	debt := units(1000).Sub(fpmath.FromRaw(100_000_000_000))
	tr := acc.ApplyLiquidationOffset(debt, fpmath.Zero, nil)

	require.True(t, tr.ScaleAdvanced)
	require.Equal(t, uint64(1), acc.CurrentScale())
	require.Zero(t, acc.CurrentEpoch())
	require.Equal(t, "99999999000000000", acc.P().String())
	require.Equal(t, "100000000000", acc.TotalDeposits().String())
	require.Equal(t, uint64(1), acc.LastScale(0))
}

func TestOffsetPreconditionsAreFatal(t *testing.T) {
	acc := state.NewAccumulator()
	require.Panics(t, func() { acc.ApplyLiquidationOffset(units(1), units(1), nil) })

	acc.IncreaseDeposits(units(10), nil)
	require.Panics(t, func() { acc.ApplyLiquidationOffset(units(11), units(1), nil) })
}

func TestFoldReward(t *testing.T) {
	acc := state.NewAccumulator()
	require.True(t, acc.FoldReward(units(10), nil).IsZero(), "empty pool cannot absorb rewards")
	require.True(t, acc.SumG(0, 0).IsZero())

	acc.IncreaseDeposits(units(100), nil)
	marginal := acc.FoldReward(units(10), nil)
	require.Equal(t, "100000000000000000000000000000000000", marginal.String())
	require.True(t, acc.SumG(0, 0).Eq(marginal))
}

func TestRewardErrorFeedback(t *testing.T) {
	p := state.NewPool()
	deposit(p, alice, units(3), nil)

	// 1/3 per unit truncates; the residue is carried so three folds pay out
	// exactly what was issued.
	for i := 0; i < 3; i++ {
		p.Acc.FoldReward(units(1), nil)
	}
	require.True(t, p.DepositorRewardGain(alice).Eq(units(3)))
}

func TestJournalRevertRestoresAccumulator(t *testing.T) {
	p := state.NewPool()
	deposit(p, alice, units(100), nil)
	deposit(p, bob, units(100), nil)
	before := p.Export()

	j := state.NewJournal()
	p.Acc.FoldReward(units(4), j)
	p.Acc.ApplyLiquidationOffset(units(120), units(3), j)
	p.Acc.ApplyLiquidationOffset(p.Acc.TotalDeposits(), units(2), j)
	deposit(p, carol, units(7), j)
	require.NotZero(t, j.Len())

	j.Revert()
	require.Zero(t, j.Len())
	require.Equal(t, before, p.Export())
	require.Zero(t, p.Acc.CurrentEpoch())
	require.True(t, p.Acc.SumS(0, 0).IsZero())
}

func TestExportRestoreRoundTrip(t *testing.T) {
	p := state.NewPool()
	deposit(p, alice, units(100), nil)
	p.FrontEnds.Register(bob, fpmath.MustParseUnits("0.9"), nil)
	p.Acc.FoldReward(units(1), nil)
	p.Acc.ApplyLiquidationOffset(units(10), units(1), nil)

	restored := state.RestorePool(p.Export())
	require.Equal(t, p.Export(), restored.Export())
	require.True(t, restored.CompoundedDeposit(alice).Eq(p.CompoundedDeposit(alice)))
	require.True(t, restored.FrontEnds.IsRegistered(bob))
}
