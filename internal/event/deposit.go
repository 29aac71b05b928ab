// internal/event/deposit.go
package event

import (
	"time"

	fpmath "StabilityPool/internal/math"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
)

// ProvideToSP deposits stablecoin into the pool. FrontEndTag is only
// honoured on a depositor's first deposit.
type ProvideToSP struct {
	CommandID   uuid.UUID      `json:"command_id"`
	Depositor   common.Address `json:"depositor"`
	Amount      fpmath.Decimal `json:"amount"`
	FrontEndTag common.Address `json:"front_end_tag"`
	Sequence    int64          `json:"sequence"`
	Timestamp   time.Time      `json:"timestamp"`
}

func (p *ProvideToSP) IdempotencyKey() string {
	return p.CommandID.String()
}

func (p *ProvideToSP) EventType() EventType {
	return EventTypeProvideToSP
}

func (p *ProvideToSP) Partition() string {
	return accountPartition(p.Depositor)
}

func (p *ProvideToSP) SourceSequence() int64 {
	return p.Sequence
}

func (p *ProvideToSP) EventTime() time.Time {
	return p.Timestamp
}

// RegisterFrontEnd registers the caller as a front end with a fixed
// kickback rate.
type RegisterFrontEnd struct {
	CommandID    uuid.UUID      `json:"command_id"`
	FrontEnd     common.Address `json:"front_end"`
	KickbackRate fpmath.Decimal `json:"kickback_rate"`
	Sequence     int64          `json:"sequence"`
	Timestamp    time.Time      `json:"timestamp"`
}

func (r *RegisterFrontEnd) IdempotencyKey() string {
	return r.CommandID.String()
}

func (r *RegisterFrontEnd) EventType() EventType {
	return EventTypeRegisterFrontEnd
}

func (r *RegisterFrontEnd) Partition() string {
	return accountPartition(r.FrontEnd)
}

func (r *RegisterFrontEnd) SourceSequence() int64 {
	return r.Sequence
}

func (r *RegisterFrontEnd) EventTime() time.Time {
	return r.Timestamp
}
