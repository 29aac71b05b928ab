package ledger

import (
	"fmt"

	fpmath "StabilityPool/internal/math"
)

// InvariantValidator checks ledger invariants
type InvariantValidator struct {
	tracker *BalanceTracker
}

func NewInvariantValidator(tracker *BalanceTracker) *InvariantValidator {
	return &InvariantValidator{
		tracker: tracker,
	}
}

// ValidatePoolBacking verifies the pool's token accounts hold exactly what
// its bookkeeping says: every deposit in stablecoin and every unpaid
// collateral gain in collateral.
func (v *InvariantValidator) ValidatePoolBacking(totalDeposits, collateralBalance fpmath.Decimal) error {
	if held := v.tracker.GetBalance(PoolDepositsKey()); !held.Eq(totalDeposits) {
		return fmt.Errorf("pool holds %s stablecoin but books %s of deposits", held, totalDeposits)
	}
	if held := v.tracker.GetBalance(PoolCollateralKey()); !held.Eq(collateralBalance) {
		return fmt.Errorf("pool holds %s collateral but books %s", held, collateralBalance)
	}
	return nil
}

// ValidateGlobalBalance verifies the ledger is zero-sum
func (v *InvariantValidator) ValidateGlobalBalance() error {
	for assetID, t := range v.tracker.ComputeGlobalBalance() {
		if t.Outflow.Gt(t.Inflow) || !t.Internal.Eq(t.Inflow.Sub(t.Outflow)) {
			assetName, _ := GetAssetName(assetID)
			return fmt.Errorf("global balance for %s is non-zero: internal %s, inflow %s, outflow %s",
				assetName, t.Internal, t.Inflow, t.Outflow)
		}
	}
	return nil
}
