// internal/event/withdrawal.go
package event

import (
	"time"

	fpmath "StabilityPool/internal/math"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
)

// WithdrawFromSP withdraws up to Amount of the depositor's compounded
// deposit. A zero amount only claims gains.
type WithdrawFromSP struct {
	CommandID uuid.UUID      `json:"command_id"`
	Depositor common.Address `json:"depositor"`
	Amount    fpmath.Decimal `json:"amount"`
	Sequence  int64          `json:"sequence"`
	Timestamp time.Time      `json:"timestamp"`
}

func (w *WithdrawFromSP) IdempotencyKey() string {
	return w.CommandID.String()
}

func (w *WithdrawFromSP) EventType() EventType {
	return EventTypeWithdrawFromSP
}

func (w *WithdrawFromSP) Partition() string {
	return accountPartition(w.Depositor)
}

func (w *WithdrawFromSP) SourceSequence() int64 {
	return w.Sequence
}

func (w *WithdrawFromSP) EventTime() time.Time {
	return w.Timestamp
}

// WithdrawCollateralGainToTrove moves the depositor's collateral gain into
// the trove of LoanOwner. A zero LoanOwner means the depositor's own trove.
type WithdrawCollateralGainToTrove struct {
	CommandID uuid.UUID      `json:"command_id"`
	Depositor common.Address `json:"depositor"`
	LoanOwner common.Address `json:"loan_owner"`
	Sequence  int64          `json:"sequence"`
	Timestamp time.Time      `json:"timestamp"`
}

func (w *WithdrawCollateralGainToTrove) IdempotencyKey() string {
	return w.CommandID.String()
}

func (w *WithdrawCollateralGainToTrove) EventType() EventType {
	return EventTypeWithdrawCollateralGainToTrove
}

func (w *WithdrawCollateralGainToTrove) Partition() string {
	return accountPartition(w.Depositor)
}

func (w *WithdrawCollateralGainToTrove) SourceSequence() int64 {
	return w.Sequence
}

func (w *WithdrawCollateralGainToTrove) EventTime() time.Time {
	return w.Timestamp
}

// Owner resolves the trove the gain goes to.
func (w *WithdrawCollateralGainToTrove) Owner() common.Address {
	if w.LoanOwner == (common.Address{}) {
		return w.Depositor
	}
	return w.LoanOwner
}
