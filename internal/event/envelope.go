package event

import (
	"time"

	"github.com/ethereum/go-ethereum/common"
)

// EventType discriminator for event payloads
type EventType int32

const (
	EventTypeUnknown EventType = iota
	EventTypeProvideToSP
	EventTypeWithdrawFromSP
	EventTypeWithdrawCollateralGainToTrove
	EventTypeRegisterFrontEnd
	EventTypeLiquidationOffset
	EventTypeOpenTrove
	EventTypePriceUpdate
)

// EventEnvelope wraps every event in the log
type EventEnvelope struct {
	// Global monotonic sequence assigned by core
	Sequence int64

	// Stable idempotency key from upstream
	IdempotencyKey string

	// Event type discriminator
	EventType EventType

	// Ordering partition of the source ("account:<addr>", "liquidations", "price")
	Partition string

	// Versioned input timestamp (NOT wall-clock)
	Timestamp time.Time

	// Upstream sequence for ordering validation
	SourceSequence int64

	// JSON-encoded command
	Payload []byte

	// SHA-256 of state AFTER applying this event
	StateHash [32]byte

	// Previous event's state hash (chain integrity)
	PrevHash [32]byte

	// Why the command was rejected; empty when it was applied. Rejected
	// commands stay in the log so replay consumes their source sequences.
	Rejection string
}

// Event is the interface all commands must implement
type Event interface {
	// IdempotencyKey returns the stable dedup key
	IdempotencyKey() string

	// EventType returns the discriminator
	EventType() EventType

	// Partition returns the ordering partition the source sequence counts in
	Partition() string

	// SourceSequence returns upstream ordering key
	SourceSequence() int64

	// EventTime returns the versioned input timestamp
	EventTime() time.Time
}

func (et EventType) String() string {
	switch et {
	case EventTypeProvideToSP:
		return "ProvideToSP"
	case EventTypeWithdrawFromSP:
		return "WithdrawFromSP"
	case EventTypeWithdrawCollateralGainToTrove:
		return "WithdrawCollateralGainToTrove"
	case EventTypeRegisterFrontEnd:
		return "RegisterFrontEnd"
	case EventTypeLiquidationOffset:
		return "LiquidationOffset"
	case EventTypeOpenTrove:
		return "OpenTrove"
	case EventTypePriceUpdate:
		return "PriceUpdate"
	default:
		return "Unknown"
	}
}

// ParseEventType is the inverse of EventType.String.
func ParseEventType(s string) (EventType, bool) {
	for et := EventTypeProvideToSP; et <= EventTypePriceUpdate; et++ {
		if et.String() == s {
			return et, true
		}
	}
	return EventTypeUnknown, false
}

const (
	PartitionLiquidations = "liquidations"
	PartitionPrice        = "price"
)

func accountPartition(addr common.Address) string {
	return "account:" + addr.Hex()
}
