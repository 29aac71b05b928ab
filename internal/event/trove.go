// internal/event/trove.go
package event

import (
	"fmt"
	"time"

	fpmath "StabilityPool/internal/math"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
)

// OpenTrove opens a loan: Debt stablecoin is minted to Owner against
// Collateral.
type OpenTrove struct {
	CommandID  uuid.UUID      `json:"command_id"`
	Owner      common.Address `json:"owner"`
	Collateral fpmath.Decimal `json:"collateral"`
	Debt       fpmath.Decimal `json:"debt"`
	Sequence   int64          `json:"sequence"`
	Timestamp  time.Time      `json:"timestamp"`
}

func (o *OpenTrove) IdempotencyKey() string {
	return o.CommandID.String()
}

func (o *OpenTrove) EventType() EventType {
	return EventTypeOpenTrove
}

func (o *OpenTrove) Partition() string {
	return accountPartition(o.Owner)
}

func (o *OpenTrove) SourceSequence() int64 {
	return o.Sequence
}

func (o *OpenTrove) EventTime() time.Time {
	return o.Timestamp
}

// PriceUpdate is an oracle price for the collateral, in stablecoin.
type PriceUpdate struct {
	Price         fpmath.Decimal `json:"price"`
	PriceSequence int64          `json:"price_sequence"` // Monotonic, gaps tolerated
	Timestamp     time.Time      `json:"timestamp"`
}

func (p *PriceUpdate) IdempotencyKey() string {
	return fmt.Sprintf("price:%d", p.PriceSequence)
}

func (p *PriceUpdate) EventType() EventType {
	return EventTypePriceUpdate
}

func (p *PriceUpdate) Partition() string {
	return PartitionPrice
}

func (p *PriceUpdate) SourceSequence() int64 {
	return p.PriceSequence
}

func (p *PriceUpdate) EventTime() time.Time {
	return p.Timestamp
}
