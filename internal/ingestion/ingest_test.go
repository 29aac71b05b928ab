package ingestion_test

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"
	"time"

	"StabilityPool/internal/core"
	"StabilityPool/internal/event"
	"StabilityPool/internal/ingestion"
	"StabilityPool/internal/ledger"
	fpmath "StabilityPool/internal/math"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGRPCIngest_WaitsForCoreResult(t *testing.T) {
	subs := make(chan ingestion.Submission, 1)
	svc := ingestion.NewGRPCIngestService(subs)
	rejected := errors.New("rejected")

	go func() {
		sub := <-subs
		if _, ok := sub.Event.(*event.ProvideToSP); !ok {
			sub.Result <- errors.New("unexpected command")
			return
		}
		sub.Result <- rejected
	}()

	err := svc.InjectProvide(context.Background(), common.HexToAddress(depositorHex), fpmath.FromUnits(1), common.Address{}, 0)
	assert.ErrorIs(t, err, rejected)
}

func TestGRPCIngest_ValidatesBeforeQueueing(t *testing.T) {
	subs := make(chan ingestion.Submission)
	svc := ingestion.NewGRPCIngestService(subs)

	assert.ErrorIs(t, svc.InjectProvide(context.Background(), common.HexToAddress(depositorHex), fpmath.Zero, common.Address{}, 0), ingestion.ErrInvalidCommand)
	assert.ErrorIs(t, svc.InjectPrice(context.Background(), fpmath.Zero, 1), ingestion.ErrInvalidCommand)
}

func TestGRPCIngest_ContextCancelled(t *testing.T) {
	subs := make(chan ingestion.Submission)
	svc := ingestion.NewGRPCIngestService(subs)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	err := svc.InjectOffset(ctx, fpmath.FromUnits(1), fpmath.FromUnits(1), 0)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestPublishableEvent_FromCoreOutput(t *testing.T) {
	out := core.CoreOutput{
		Envelope: &event.EventEnvelope{
			Sequence:       42,
			IdempotencyKey: "abc",
			EventType:      event.EventTypeLiquidationOffset,
			Partition:      event.PartitionLiquidations,
			StateHash:      [32]byte{0xde, 0xad},
		},
		Batch: ledger.NewBatch("abc", 42, 0),
		Records: []event.Record{
			event.PoolStateChanged{P: fpmath.One, TotalDeposits: fpmath.FromUnits(5)},
		},
	}

	pe := ingestion.NewPublishableEvent(out)
	assert.Equal(t, "sp.events.LiquidationOffset", pe.Subject())
	assert.True(t, strings.HasPrefix(pe.StateHash, "dead"))
	require.Len(t, pe.Records, 1)
	assert.Equal(t, "PoolStateChanged", pe.Records[0].Type)

	data, err := json.Marshal(pe)
	require.NoError(t, err)
	assert.Contains(t, string(data), `"total_deposits":"5000000000000000000"`)

	out.Envelope.Rejection = "stability pool: amount must be non-zero"
	assert.Equal(t, "sp.events.rejected.LiquidationOffset", ingestion.NewPublishableEvent(out).Subject())
}

func TestDefaultSubjects_CoverEveryCommand(t *testing.T) {
	seen := make(map[string]bool)
	for _, s := range ingestion.DefaultSubjects() {
		_, ok := event.ParseEventType(s.EventType)
		assert.True(t, ok, "subject %s has unknown event type %s", s.Subject, s.EventType)
		seen[s.EventType] = true
	}
	for et := event.EventTypeProvideToSP; et <= event.EventTypePriceUpdate; et++ {
		assert.True(t, seen[et.String()], "no subject for %s", et)
	}
}
