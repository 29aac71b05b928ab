package state

import (
	"fmt"

	fpmath "StabilityPool/internal/math"
)

// EpochScale keys the running sums. Both counters only ever grow.
type EpochScale struct {
	Epoch uint64
	Scale uint64
}

func (k EpochScale) String() string {
	return fmt.Sprintf("%d:%d", k.Epoch, k.Scale)
}

// Accumulator is the global product/sum state of the pool.
//
// P is the running product of (1 - lossPerUnitStaked) since the start of the
// current epoch and scale. sumS and sumG accumulate collateral and reward
// gain per unit staked, each multiplied by the P in force when it was added,
// so that a depositor's gain is (sum - sumAtSnapshot) * deposit / P_snapshot.
type Accumulator struct {
	p     fpmath.Decimal
	scale uint64
	epoch uint64

	sumS map[EpochScale]fpmath.Decimal
	sumG map[EpochScale]fpmath.Decimal

	// finalScale remembers the scale an epoch ended on, so gains of stale
	// snapshots can be summed across every scale of their epoch.
	finalScale map[uint64]uint64

	totalDeposits     fpmath.Decimal
	collateralBalance fpmath.Decimal

	// Truncation residues carried into the next computation.
	lastCollateralError fpmath.Decimal
	lastLossError       fpmath.Decimal
	lastRewardError     fpmath.Decimal
}

func NewAccumulator() *Accumulator {
	return &Accumulator{
		p:          fpmath.One,
		sumS:       make(map[EpochScale]fpmath.Decimal),
		sumG:       make(map[EpochScale]fpmath.Decimal),
		finalScale: make(map[uint64]uint64),
	}
}

func (a *Accumulator) P() fpmath.Decimal                 { return a.p }
func (a *Accumulator) CurrentScale() uint64              { return a.scale }
func (a *Accumulator) CurrentEpoch() uint64              { return a.epoch }
func (a *Accumulator) TotalDeposits() fpmath.Decimal     { return a.totalDeposits }
func (a *Accumulator) CollateralBalance() fpmath.Decimal { return a.collateralBalance }

// Current returns the (epoch, scale) slot new gains are added to.
func (a *Accumulator) Current() EpochScale {
	return EpochScale{Epoch: a.epoch, Scale: a.scale}
}

// SumS returns the collateral sum for a slot. Unwritten slots are zero.
func (a *Accumulator) SumS(epoch, scale uint64) fpmath.Decimal {
	return a.sumS[EpochScale{Epoch: epoch, Scale: scale}]
}

// SumG returns the reward sum for a slot. Unwritten slots are zero.
func (a *Accumulator) SumG(epoch, scale uint64) fpmath.Decimal {
	return a.sumG[EpochScale{Epoch: epoch, Scale: scale}]
}

// LastScale returns the highest scale reached within epoch.
func (a *Accumulator) LastScale(epoch uint64) uint64 {
	if epoch == a.epoch {
		return a.scale
	}
	return a.finalScale[epoch]
}

// IncreaseDeposits adds stablecoin sent into the pool.
func (a *Accumulator) IncreaseDeposits(amount fpmath.Decimal, j *Journal) {
	prev := a.totalDeposits
	a.totalDeposits = prev.Add(amount)
	j.record(func() { a.totalDeposits = prev })
}

// DecreaseDeposits removes stablecoin paid out of the pool.
func (a *Accumulator) DecreaseDeposits(amount fpmath.Decimal, j *Journal) {
	prev := a.totalDeposits
	a.totalDeposits = prev.Sub(amount)
	j.record(func() { a.totalDeposits = prev })
}

// DecreaseCollateral removes collateral paid out of the pool.
func (a *Accumulator) DecreaseCollateral(amount fpmath.Decimal, j *Journal) {
	prev := a.collateralBalance
	a.collateralBalance = prev.Sub(amount)
	j.record(func() { a.collateralBalance = prev })
}

// FoldReward distributes freshly issued reward tokens over the current
// deposits by raising G. It is a no-op while the pool is empty, and
// returns the marginal G added.
func (a *Accumulator) FoldReward(issued fpmath.Decimal, j *Journal) fpmath.Decimal {
	if a.totalDeposits.IsZero() || issued.IsZero() {
		return fpmath.Zero
	}

	numerator := issued.MulRaw(fpmath.One).Add(a.lastRewardError)
	perUnit := numerator.QuoRawMust(a.totalDeposits)
	a.setRewardError(numerator.Sub(perUnit.MulRaw(a.totalDeposits)), j)

	marginal := perUnit.MulRaw(a.p)
	key := a.Current()
	a.setSumG(key, a.sumG[key].Add(marginal), j)
	return marginal
}

// OffsetTransition describes the effect of one liquidation offset.
type OffsetTransition struct {
	CollateralPerUnitStaked fpmath.Decimal
	LossPerUnitStaked       fpmath.Decimal
	Slot                    EpochScale // slot S was added to
	NewS                    fpmath.Decimal
	PrevP                   fpmath.Decimal
	NewP                    fpmath.Decimal
	EpochRolled             bool
	ScaleAdvanced           bool
}

// ApplyLiquidationOffset cancels debtToOffset of pooled stablecoin against
// collateralGained. The caller must have capped the debt at the current
// total deposits and checked the pool is not empty; a violation here means
// the pool state is corrupt.
func (a *Accumulator) ApplyLiquidationOffset(debtToOffset, collateralGained fpmath.Decimal, j *Journal) OffsetTransition {
	total := a.totalDeposits
	if total.IsZero() {
		panic("FATAL: liquidation offset against an empty stability pool")
	}
	if debtToOffset.Gt(total) {
		panic(fmt.Sprintf("FATAL: offset debt %s exceeds total deposits %s", debtToOffset, total))
	}

	collPerUnit, lossPerUnit := a.computeRewardsPerUnitStaked(collateralGained, debtToOffset, total, j)

	tr := OffsetTransition{
		CollateralPerUnitStaked: collPerUnit,
		LossPerUnitStaked:       lossPerUnit,
		Slot:                    a.Current(),
		PrevP:                   a.p,
	}

	// Collateral gain is credited against the P in force before the loss.
	marginal := collPerUnit.MulRaw(a.p)
	tr.NewS = a.sumS[tr.Slot].Add(marginal)
	a.setSumS(tr.Slot, tr.NewS, j)

	newProductFactor := fpmath.One.Sub(lossPerUnit)
	var newP fpmath.Decimal
	switch {
	case newProductFactor.IsZero():
		// Pool emptied: void every snapshot by starting a new epoch.
		a.setEpochScale(a.epoch+1, 0, j)
		newP = fpmath.One
		tr.EpochRolled = true
	case fpmath.MulDiv(a.p, newProductFactor, fpmath.One, fpmath.RoundDown).Lt(fpmath.ScaleFactor):
		newP = fpmath.MulDiv(a.p, newProductFactor.MulRaw(fpmath.ScaleFactor), fpmath.One, fpmath.RoundDown)
		a.setEpochScale(a.epoch, a.scale+1, j)
		tr.ScaleAdvanced = true
	default:
		newP = fpmath.MulDiv(a.p, newProductFactor, fpmath.One, fpmath.RoundDown)
	}
	if newP.IsZero() {
		panic(fmt.Sprintf("FATAL: P reached zero (P=%s, loss per unit=%s)", a.p, lossPerUnit))
	}
	a.setP(newP, j)
	tr.NewP = newP

	a.DecreaseDeposits(debtToOffset, j)
	prevColl := a.collateralBalance
	a.collateralBalance = prevColl.Add(collateralGained)
	j.record(func() { a.collateralBalance = prevColl })

	return tr
}

// computeRewardsPerUnitStaked feeds the previous truncation errors back in.
// Collateral per unit is rounded down and loss per unit is rounded up, so the
// pool never pays out more collateral, nor books less loss, than it received.
func (a *Accumulator) computeRewardsPerUnitStaked(coll, debt, total fpmath.Decimal, j *Journal) (fpmath.Decimal, fpmath.Decimal) {
	collNumerator := coll.MulRaw(fpmath.One).Add(a.lastCollateralError)

	var lossPerUnit fpmath.Decimal
	if debt.Eq(total) {
		// Exactly ONE, so the wipe leaves no dust deposit behind.
		lossPerUnit = fpmath.One
		a.setLossError(fpmath.Zero, j)
	} else {
		lossNumerator := debt.MulRaw(fpmath.One).SaturatingSub(a.lastLossError)
		lossPerUnit = lossNumerator.QuoRawMust(total).Add(fpmath.FromRaw(1))
		a.setLossError(lossPerUnit.MulRaw(total).Sub(lossNumerator), j)
	}

	collPerUnit := collNumerator.QuoRawMust(total)
	a.setCollateralError(collNumerator.Sub(collPerUnit.MulRaw(total)), j)

	return collPerUnit, lossPerUnit
}

func (a *Accumulator) setP(p fpmath.Decimal, j *Journal) {
	prev := a.p
	a.p = p
	j.record(func() { a.p = prev })
}

func (a *Accumulator) setEpochScale(epoch, scale uint64, j *Journal) {
	prevEpoch, prevScale := a.epoch, a.scale
	if epoch != prevEpoch {
		prevFinal, had := a.finalScale[prevEpoch]
		a.finalScale[prevEpoch] = prevScale
		j.record(func() {
			if had {
				a.finalScale[prevEpoch] = prevFinal
			} else {
				delete(a.finalScale, prevEpoch)
			}
		})
	}
	a.epoch, a.scale = epoch, scale
	j.record(func() { a.epoch, a.scale = prevEpoch, prevScale })
}

func (a *Accumulator) setSumS(key EpochScale, v fpmath.Decimal, j *Journal) {
	setSlot(a.sumS, key, v, j)
}

func (a *Accumulator) setSumG(key EpochScale, v fpmath.Decimal, j *Journal) {
	setSlot(a.sumG, key, v, j)
}

func setSlot(m map[EpochScale]fpmath.Decimal, key EpochScale, v fpmath.Decimal, j *Journal) {
	prev, had := m[key]
	m[key] = v
	j.record(func() {
		if had {
			m[key] = prev
		} else {
			delete(m, key)
		}
	})
}

func (a *Accumulator) setCollateralError(v fpmath.Decimal, j *Journal) {
	prev := a.lastCollateralError
	a.lastCollateralError = v
	j.record(func() { a.lastCollateralError = prev })
}

func (a *Accumulator) setLossError(v fpmath.Decimal, j *Journal) {
	prev := a.lastLossError
	a.lastLossError = v
	j.record(func() { a.lastLossError = prev })
}

func (a *Accumulator) setRewardError(v fpmath.Decimal, j *Journal) {
	prev := a.lastRewardError
	a.lastRewardError = v
	j.record(func() { a.lastRewardError = prev })
}
