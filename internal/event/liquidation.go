// internal/event/liquidation.go
package event

import (
	"fmt"
	"time"

	fpmath "StabilityPool/internal/math"

	"github.com/google/uuid"
)

// LiquidationOffset is sent by the trusted liquidation component: cancel
// Debt of pooled stablecoin against Collateral seized from a trove.
type LiquidationOffset struct {
	LiquidationID uuid.UUID      `json:"liquidation_id"`
	Debt          fpmath.Decimal `json:"debt"`
	Collateral    fpmath.Decimal `json:"collateral"`
	Sequence      int64          `json:"sequence"`
	Timestamp     time.Time      `json:"timestamp"`
}

func (l *LiquidationOffset) IdempotencyKey() string {
	return fmt.Sprintf("%s:offset", l.LiquidationID)
}

func (l *LiquidationOffset) EventType() EventType {
	return EventTypeLiquidationOffset
}

func (l *LiquidationOffset) Partition() string {
	return PartitionLiquidations
}

func (l *LiquidationOffset) SourceSequence() int64 {
	return l.Sequence
}

func (l *LiquidationOffset) EventTime() time.Time {
	return l.Timestamp
}
