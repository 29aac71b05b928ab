package server

import (
	fpmath "StabilityPool/internal/math"
	"StabilityPool/internal/query"

	"github.com/ethereum/go-ethereum/common"
)

// Request and response bodies of the pool services. Amounts are raw
// base-10 strings at 18 decimals.

type Empty struct{}

type AccountRequest struct {
	Address common.Address `json:"address"`
}

type SumsRequest struct {
	Epoch uint64 `json:"epoch"`
	Scale uint64 `json:"scale"`
}

// HistoryRequest pages backwards. Address is ignored by ListOffsets.
type HistoryRequest struct {
	Address        common.Address `json:"address"`
	Limit          int            `json:"limit"`
	BeforeSequence *int64         `json:"before_sequence,omitempty"`
}

type BalancesResponse struct {
	Balances []query.BalanceResponse `json:"balances"`
}

type OffsetsResponse struct {
	Offsets []query.OffsetHistoryEntry `json:"offsets"`
}

type JournalsResponse struct {
	Journals []query.JournalHistoryEntry `json:"journals"`
}

// --- Ingest ---

type ProvideRequest struct {
	Depositor   common.Address `json:"depositor"`
	Amount      fpmath.Decimal `json:"amount"`
	FrontEndTag common.Address `json:"front_end_tag"`
	Sequence    int64          `json:"sequence"`
}

type WithdrawRequest struct {
	Depositor common.Address `json:"depositor"`
	Amount    fpmath.Decimal `json:"amount"`
	Sequence  int64          `json:"sequence"`
}

type WithdrawToTroveRequest struct {
	Depositor common.Address `json:"depositor"`
	LoanOwner common.Address `json:"loan_owner"`
	Sequence  int64          `json:"sequence"`
}

type RegisterFrontEndRequest struct {
	FrontEnd     common.Address `json:"front_end"`
	KickbackRate fpmath.Decimal `json:"kickback_rate"`
	Sequence     int64          `json:"sequence"`
}

type OpenTroveRequest struct {
	Owner      common.Address `json:"owner"`
	Collateral fpmath.Decimal `json:"collateral"`
	Debt       fpmath.Decimal `json:"debt"`
	Sequence   int64          `json:"sequence"`
}

type OffsetRequest struct {
	Debt       fpmath.Decimal `json:"debt"`
	Collateral fpmath.Decimal `json:"collateral"`
	Sequence   int64          `json:"sequence"`
}

type PriceRequest struct {
	Price         fpmath.Decimal `json:"price"`
	PriceSequence int64          `json:"price_sequence"`
}

// SubmitResponse is returned once the core has applied the command.
// Rejected commands come back as gRPC errors instead.
type SubmitResponse struct {
	Accepted bool `json:"accepted"`
}

// --- Admin ---

type SnapshotResponse struct {
	Sequence  int64 `json:"sequence"`
	SizeBytes int   `json:"size_bytes"`
}

type RebuildResponse struct {
	Watermark int64 `json:"watermark"`
}

type EventLogInfoResponse struct {
	LastSequence        int64 `json:"last_sequence"`
	AppliedSequence     int64 `json:"applied_sequence"`
	ProjectionWatermark int64 `json:"projection_watermark"`
}
