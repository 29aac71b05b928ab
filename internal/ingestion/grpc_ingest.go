package ingestion

import (
	"context"
	"errors"
	"fmt"
	"time"

	"StabilityPool/internal/event"
	fpmath "StabilityPool/internal/math"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
)

// ErrInvalidCommand is returned before queueing for commands the core would
// never accept.
var ErrInvalidCommand = errors.New("invalid command")

// Submission is a command handed to the core loop together with a channel
// for its outcome.
type Submission struct {
	Event  event.Event
	Result chan error
}

// GRPCIngestService accepts commands over gRPC for admin operations and
// manual injection. High-throughput producers use NATS.
type GRPCIngestService struct {
	eventChan chan<- Submission
	now       func() time.Time
}

func NewGRPCIngestService(eventChan chan<- Submission) *GRPCIngestService {
	return &GRPCIngestService{eventChan: eventChan, now: time.Now}
}

// Submit queues evt and waits until the core has applied or rejected it.
func (s *GRPCIngestService) Submit(ctx context.Context, evt event.Event) error {
	sub := Submission{Event: evt, Result: make(chan error, 1)}

	select {
	case s.eventChan <- sub:
	case <-ctx.Done():
		return ctx.Err()
	}

	select {
	case err := <-sub.Result:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// InjectProvide deposits amount for depositor. The source sequence comes
// from the caller; the core checks it against the depositor's partition.
func (s *GRPCIngestService) InjectProvide(ctx context.Context, depositor common.Address, amount fpmath.Decimal, frontEndTag common.Address, sequence int64) error {
	if amount.IsZero() {
		return fmt.Errorf("%w: amount must be positive", ErrInvalidCommand)
	}
	return s.Submit(ctx, &event.ProvideToSP{
		CommandID:   uuid.New(),
		Depositor:   depositor,
		Amount:      amount,
		FrontEndTag: frontEndTag,
		Sequence:    sequence,
		Timestamp:   s.now().UTC(),
	})
}

func (s *GRPCIngestService) InjectWithdraw(ctx context.Context, depositor common.Address, amount fpmath.Decimal, sequence int64) error {
	return s.Submit(ctx, &event.WithdrawFromSP{
		CommandID: uuid.New(),
		Depositor: depositor,
		Amount:    amount,
		Sequence:  sequence,
		Timestamp: s.now().UTC(),
	})
}

func (s *GRPCIngestService) InjectWithdrawToTrove(ctx context.Context, depositor, loanOwner common.Address, sequence int64) error {
	return s.Submit(ctx, &event.WithdrawCollateralGainToTrove{
		CommandID: uuid.New(),
		Depositor: depositor,
		LoanOwner: loanOwner,
		Sequence:  sequence,
		Timestamp: s.now().UTC(),
	})
}

func (s *GRPCIngestService) InjectRegisterFrontEnd(ctx context.Context, frontEnd common.Address, kickbackRate fpmath.Decimal, sequence int64) error {
	return s.Submit(ctx, &event.RegisterFrontEnd{
		CommandID:    uuid.New(),
		FrontEnd:     frontEnd,
		KickbackRate: kickbackRate,
		Sequence:     sequence,
		Timestamp:    s.now().UTC(),
	})
}

// InjectOffset applies a liquidation offset by hand.
func (s *GRPCIngestService) InjectOffset(ctx context.Context, debt, collateral fpmath.Decimal, sequence int64) error {
	return s.Submit(ctx, &event.LiquidationOffset{
		LiquidationID: uuid.New(),
		Debt:          debt,
		Collateral:    collateral,
		Sequence:      sequence,
		Timestamp:     s.now().UTC(),
	})
}

func (s *GRPCIngestService) InjectOpenTrove(ctx context.Context, owner common.Address, collateral, debt fpmath.Decimal, sequence int64) error {
	return s.Submit(ctx, &event.OpenTrove{
		CommandID:  uuid.New(),
		Owner:      owner,
		Collateral: collateral,
		Debt:       debt,
		Sequence:   sequence,
		Timestamp:  s.now().UTC(),
	})
}

// InjectPrice pushes an oracle price. Prices tolerate sequence gaps.
func (s *GRPCIngestService) InjectPrice(ctx context.Context, price fpmath.Decimal, priceSequence int64) error {
	if price.IsZero() {
		return fmt.Errorf("%w: price must be positive", ErrInvalidCommand)
	}
	return s.Submit(ctx, &event.PriceUpdate{
		Price:         price,
		PriceSequence: priceSequence,
		Timestamp:     s.now().UTC(),
	})
}
