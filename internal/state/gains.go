package state

import (
	fpmath "StabilityPool/internal/math"
)

// Snapshot captures the accumulator at a depositor's or front end's last
// interaction. Front end snapshots leave S at zero. A zero P means there is
// no live stake behind the snapshot.
type Snapshot struct {
	S     fpmath.Decimal `json:"s"`
	P     fpmath.Decimal `json:"p"`
	G     fpmath.Decimal `json:"g"`
	Scale uint64         `json:"scale"`
	Epoch uint64         `json:"epoch"`
}

// takeSnapshot records the current accumulator state. withS is false for
// front end stakes, which never earn collateral.
func takeSnapshot(acc *Accumulator, withS bool) Snapshot {
	cur := acc.Current()
	snap := Snapshot{
		P:     acc.P(),
		G:     acc.SumG(cur.Epoch, cur.Scale),
		Scale: cur.Scale,
		Epoch: cur.Epoch,
	}
	if withS {
		snap.S = acc.SumS(cur.Epoch, cur.Scale)
	}
	return snap
}

// compoundedStake applies every loss since the snapshot to initialStake.
// A snapshot from an earlier epoch was wiped out entirely. Each scale change
// since the snapshot divides by the scale factor once more. Small remainders
// are kept: a stake that still earns from later-scale sums must not read zero.
func compoundedStake(acc *Accumulator, initialStake fpmath.Decimal, snap Snapshot) fpmath.Decimal {
	if initialStake.IsZero() || snap.P.IsZero() {
		return fpmath.Zero
	}
	if snap.Epoch < acc.CurrentEpoch() {
		return fpmath.Zero
	}

	compounded := fpmath.MulDiv(initialStake, acc.P(), snap.P, fpmath.RoundDown)
	for s := snap.Scale; s < acc.CurrentScale() && !compounded.IsZero(); s++ {
		compounded = compounded.QuoRawMust(fpmath.ScaleFactor)
	}
	return compounded
}

// gainFromSnapshots sums the growth of one running sum (S or G) since the
// snapshot, over every scale of the snapshot's epoch, and converts it to the
// gain owed to initialStake. Sums recorded at later scales are expressed in
// units rescaled by the scale factor once per step and are divided back.
func gainFromSnapshots(
	acc *Accumulator,
	sum func(epoch, scale uint64) fpmath.Decimal,
	initialStake fpmath.Decimal,
	snapSum fpmath.Decimal,
	snap Snapshot,
) fpmath.Decimal {
	if initialStake.IsZero() || snap.P.IsZero() {
		return fpmath.Zero
	}

	total := sum(snap.Epoch, snap.Scale).Sub(snapSum)
	last := acc.LastScale(snap.Epoch)
	for s := snap.Scale + 1; s <= last; s++ {
		portion := sum(snap.Epoch, s)
		for k := snap.Scale; k < s && !portion.IsZero(); k++ {
			portion = portion.QuoRawMust(fpmath.ScaleFactor)
		}
		total = total.Add(portion)
	}

	return fpmath.MulDiv(initialStake, total, snap.P, fpmath.RoundDown).QuoRawMust(fpmath.One)
}

func collateralGain(acc *Accumulator, initial fpmath.Decimal, snap Snapshot) fpmath.Decimal {
	return gainFromSnapshots(acc, acc.SumS, initial, snap.S, snap)
}

func rewardGain(acc *Accumulator, initial fpmath.Decimal, snap Snapshot) fpmath.Decimal {
	return gainFromSnapshots(acc, acc.SumG, initial, snap.G, snap)
}
