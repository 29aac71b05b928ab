package persistence

import (
	"bytes"
	"context"
	"fmt"
	"time"

	"StabilityPool/internal/event"
	"StabilityPool/internal/observability"

	"github.com/rs/zerolog"
)

// EventSource reads the event log in sequence order.
type EventSource interface {
	LoadEventsFrom(ctx context.Context, fromSequence int64, limit int) ([]EventRow, error)
}

// ReplayTarget is the part of the core replay drives.
type ReplayTarget interface {
	ProcessEvent(evt event.Event) error
	GetSequence() int64
	GetStateHash() [32]byte
	SetReplaying(replaying bool)
}

// Replayer rebuilds core state from the event log and checks every
// recomputed state hash against the logged one.
type Replayer struct {
	source    EventSource
	batchSize int
	metrics   *observability.Metrics
	logger    zerolog.Logger
}

func NewReplayer(source EventSource, batchSize int, metrics *observability.Metrics, logger zerolog.Logger) *Replayer {
	if batchSize <= 0 {
		batchSize = 1000
	}
	return &Replayer{source: source, batchSize: batchSize, metrics: metrics, logger: logger}
}

// Replay feeds every logged event from target.GetSequence() onward back
// through the core with output suppressed. It returns the number of events
// replayed, or an error at the first divergence.
func (r *Replayer) Replay(ctx context.Context, target ReplayTarget) (int64, error) {
	start := time.Now()
	target.SetReplaying(true)
	defer target.SetReplaying(false)

	var replayed int64
	for {
		if err := ctx.Err(); err != nil {
			return replayed, err
		}

		from := target.GetSequence()
		rows, err := r.source.LoadEventsFrom(ctx, from, r.batchSize)
		if err != nil {
			return replayed, fmt.Errorf("load events from %d: %w", from, err)
		}
		if len(rows) == 0 {
			break
		}

		for _, row := range rows {
			if err := r.apply(target, row); err != nil {
				return replayed, err
			}
			replayed++
			if r.metrics != nil {
				r.metrics.ReplayEventsTotal.Inc()
			}
		}
	}

	if r.metrics != nil {
		r.metrics.ReplayDuration.Set(time.Since(start).Seconds())
	}
	r.logger.Info().Int64("events", replayed).Int64("next_sequence", target.GetSequence()).
		Dur("took", time.Since(start)).Msg("replay complete")
	return replayed, nil
}

func (r *Replayer) apply(target ReplayTarget, row EventRow) error {
	if want := target.GetSequence(); row.Sequence != want {
		return fmt.Errorf("event log gap: expected sequence %d, found %d", want, row.Sequence)
	}

	et, ok := event.ParseEventType(row.EventType)
	if !ok {
		return fmt.Errorf("sequence %d: unknown event type %q", row.Sequence, row.EventType)
	}
	evt, err := event.DecodePayload(et, row.Payload)
	if err != nil {
		return fmt.Errorf("sequence %d: %w", row.Sequence, err)
	}

	procErr := target.ProcessEvent(evt)
	if target.GetSequence() != row.Sequence+1 {
		return fmt.Errorf("sequence %d: event was not applied on replay: %v", row.Sequence, procErr)
	}
	if (procErr != nil) != (row.Rejection != "") {
		return fmt.Errorf("sequence %d: replay outcome diverged (logged rejection %q, got %v)",
			row.Sequence, row.Rejection, procErr)
	}

	hash := target.GetStateHash()
	if !bytes.Equal(hash[:], row.StateHash) {
		return fmt.Errorf("sequence %d: state hash mismatch: replayed %x, logged %x",
			row.Sequence, hash, row.StateHash)
	}
	return nil
}
