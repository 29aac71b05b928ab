// internal/event/records.go
package event

import (
	fpmath "StabilityPool/internal/math"

	"github.com/ethereum/go-ethereum/common"
)

// Output records emitted by the core for indexers and projections. A
// record belongs to the envelope with the same Sequence.

// RecordType discriminates output records.
type RecordType string

const (
	RecordDepositChanged           RecordType = "DepositChanged"
	RecordFrontEndStakeChanged     RecordType = "FrontEndStakeChanged"
	RecordFrontEndRegistered       RecordType = "FrontEndRegistered"
	RecordPoolStateChanged         RecordType = "PoolStateChanged"
	RecordSumUpdated               RecordType = "SumUpdated"
	RecordLiquidationOffsetApplied RecordType = "LiquidationOffsetApplied"
	RecordTroveUpdated             RecordType = "TroveUpdated"
)

// Record is implemented by every output record.
type Record interface {
	RecordType() RecordType
}

// DepositChanged is emitted for every depositor interaction.
type DepositChanged struct {
	Depositor             common.Address `json:"depositor"`
	FrontEndTag           common.Address `json:"front_end_tag"`
	NewCompoundedDeposit  fpmath.Decimal `json:"new_compounded_deposit"`
	CollateralGainPaid    fpmath.Decimal `json:"collateral_gain_paid"`
	RewardGainPaid        fpmath.Decimal `json:"reward_gain_paid"`
	CollateralSentToTrove bool           `json:"collateral_sent_to_trove"`
}

func (DepositChanged) RecordType() RecordType { return RecordDepositChanged }

// FrontEndStakeChanged is emitted when a tagged depositor moves the stake
// of their front end.
type FrontEndStakeChanged struct {
	FrontEnd       common.Address `json:"front_end"`
	NewStake       fpmath.Decimal `json:"new_stake"`
	RewardGainPaid fpmath.Decimal `json:"reward_gain_paid"`
}

func (FrontEndStakeChanged) RecordType() RecordType { return RecordFrontEndStakeChanged }

type FrontEndRegistered struct {
	FrontEnd     common.Address `json:"front_end"`
	KickbackRate fpmath.Decimal `json:"kickback_rate"`
}

func (FrontEndRegistered) RecordType() RecordType { return RecordFrontEndRegistered }

// PoolStateChanged carries the global accumulator after an event.
type PoolStateChanged struct {
	P                 fpmath.Decimal `json:"p"`
	CurrentScale      uint64         `json:"current_scale"`
	CurrentEpoch      uint64         `json:"current_epoch"`
	TotalDeposits     fpmath.Decimal `json:"total_deposits"`
	CollateralBalance fpmath.Decimal `json:"collateral_balance"`
}

func (PoolStateChanged) RecordType() RecordType { return RecordPoolStateChanged }

// SumUpdated reports a new value of S or G at one (epoch, scale) slot.
type SumUpdated struct {
	Sum   string         `json:"sum"` // "S" or "G"
	Epoch uint64         `json:"epoch"`
	Scale uint64         `json:"scale"`
	Value fpmath.Decimal `json:"value"`
}

func (SumUpdated) RecordType() RecordType { return RecordSumUpdated }

// LiquidationOffsetApplied reports what the pool absorbed and what the
// caller still has to redistribute elsewhere.
type LiquidationOffsetApplied struct {
	DebtOffset          fpmath.Decimal `json:"debt_offset"`
	CollateralAdded     fpmath.Decimal `json:"collateral_added"`
	DebtRemaining       fpmath.Decimal `json:"debt_remaining"`
	CollateralRemaining fpmath.Decimal `json:"collateral_remaining"`
	EpochRolled         bool           `json:"epoch_rolled"`
	ScaleAdvanced       bool           `json:"scale_advanced"`
}

func (LiquidationOffsetApplied) RecordType() RecordType { return RecordLiquidationOffsetApplied }

type TroveUpdated struct {
	Owner      common.Address `json:"owner"`
	Collateral fpmath.Decimal `json:"collateral"`
	Debt       fpmath.Decimal `json:"debt"`
}

func (TroveUpdated) RecordType() RecordType { return RecordTroveUpdated }
