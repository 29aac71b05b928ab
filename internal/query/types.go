package query

import (
	"errors"

	fpmath "StabilityPool/internal/math"

	"github.com/ethereum/go-ethereum/common"
)

var (
	ErrNotFound        = errors.New("not found")
	ErrInvalidArgument = errors.New("invalid argument")
	// ErrUnavailable is returned by history queries when no database is configured.
	ErrUnavailable = errors.New("history store unavailable")
)

// DepositResponse is a depositor's live position in the pool.
type DepositResponse struct {
	Depositor         common.Address `json:"depositor"`
	FrontEndTag       common.Address `json:"front_end_tag"`
	InitialValue      fpmath.Decimal `json:"initial_value"`
	CompoundedDeposit fpmath.Decimal `json:"compounded_deposit"`
	CollateralGain    fpmath.Decimal `json:"collateral_gain"`
	RewardGain        fpmath.Decimal `json:"reward_gain"`
	SnapshotEpoch     uint64         `json:"snapshot_epoch"`
	SnapshotScale     uint64         `json:"snapshot_scale"`
	AsOfSequence      int64          `json:"as_of_sequence"`
}

type FrontEndResponse struct {
	FrontEnd        common.Address `json:"front_end"`
	Registered      bool           `json:"registered"`
	KickbackRate    fpmath.Decimal `json:"kickback_rate"`
	CompoundedStake fpmath.Decimal `json:"compounded_stake"`
	RewardGain      fpmath.Decimal `json:"reward_gain"`
	AsOfSequence    int64          `json:"as_of_sequence"`
}

// PoolResponse is the global accumulator plus the values around it.
type PoolResponse struct {
	P                 fpmath.Decimal `json:"p"`
	CurrentScale      uint64         `json:"current_scale"`
	CurrentEpoch      uint64         `json:"current_epoch"`
	TotalDeposits     fpmath.Decimal `json:"total_deposits"`
	CollateralBalance fpmath.Decimal `json:"collateral_balance"`
	CollateralPrice   fpmath.Decimal `json:"collateral_price"`
	TotalIssued       fpmath.Decimal `json:"total_issued"`
	AsOfSequence      int64          `json:"as_of_sequence"`
}

// SumsResponse is S and G at one (epoch, scale) slot.
type SumsResponse struct {
	Epoch        uint64         `json:"epoch"`
	Scale        uint64         `json:"scale"`
	S            fpmath.Decimal `json:"s"`
	G            fpmath.Decimal `json:"g"`
	AsOfSequence int64          `json:"as_of_sequence"`
}

type TroveResponse struct {
	Owner        common.Address `json:"owner"`
	Collateral   fpmath.Decimal `json:"collateral"`
	Debt         fpmath.Decimal `json:"debt"`
	ICR          fpmath.Decimal `json:"icr,omitempty"`
	AsOfSequence int64          `json:"as_of_sequence"`
}

// OffsetHistoryEntry is one offset read back from projections.
type OffsetHistoryEntry struct {
	Sequence            int64  `json:"sequence"`
	DebtOffset          string `json:"debt_offset"`
	CollateralAdded     string `json:"collateral_added"`
	DebtRemaining       string `json:"debt_remaining"`
	CollateralRemaining string `json:"collateral_remaining"`
	EpochRolled         bool   `json:"epoch_rolled"`
	ScaleAdvanced       bool   `json:"scale_advanced"`
	Timestamp           int64  `json:"timestamp"`
}

// JournalHistoryEntry represents a journal entry for API queries.
type JournalHistoryEntry struct {
	JournalID     string `json:"journal_id"`
	BatchID       string `json:"batch_id"`
	EventRef      string `json:"event_ref"`
	Sequence      int64  `json:"sequence"`
	DebitAccount  string `json:"debit_account"`
	CreditAccount string `json:"credit_account"`
	AssetID       uint16 `json:"asset_id"`
	Amount        string `json:"amount"`
	JournalType   int32  `json:"journal_type"`
	Timestamp     int64  `json:"timestamp"`
}

// IntegrityReport is the result of an integrity verification check.
type IntegrityReport struct {
	IsHealthy        bool              `json:"is_healthy"`
	HashChainBreaks  []int64           `json:"hash_chain_breaks,omitempty"`
	UnbalancedAssets []UnbalancedAsset `json:"unbalanced_assets,omitempty"`
	// PoolUnderBacked is set when the pool's token balances do not cover
	// total deposits and collateral.
	PoolUnderBacked bool  `json:"pool_under_backed,omitempty"`
	AsOfSequence    int64 `json:"as_of_sequence"`
}

// UnbalancedAsset represents an asset with non-zero global balance sum.
type UnbalancedAsset struct {
	AssetID   uint16 `json:"asset_id"`
	Imbalance string `json:"imbalance"`
}
