package main

import (
	"context"
	"errors"
	"fmt"
	"time"

	"StabilityPool/internal/core"
	"StabilityPool/internal/event"
	"StabilityPool/internal/ingestion"
	"StabilityPool/internal/observability"

	"github.com/rs/zerolog"
)

// snapshotStore is the part of persistence.SnapshotManager snapshots need.
type snapshotStore interface {
	SaveSnapshot(ctx context.Context, snap *core.SnapshotState) (int, error)
	GetLatestSequence(ctx context.Context) (int64, error)
	StateHashAt(ctx context.Context, sequence int64) ([32]byte, error)
	MarkVerified(ctx context.Context, sequence int64) error
}

var errNothingToSnapshot = errors.New("no events applied yet")

// coreLoop owns the deterministic core. Every call into it, including
// snapshot capture, happens on the goroutine running run.
type coreLoop struct {
	core      *core.DeterministicCore
	events    <-chan event.Event
	subs      <-chan ingestion.Submission
	snapshots chan chan *core.SnapshotState
	logger    zerolog.Logger
}

func newCoreLoop(c *core.DeterministicCore, events <-chan event.Event, subs <-chan ingestion.Submission, logger zerolog.Logger) *coreLoop {
	return &coreLoop{
		core:      c,
		events:    events,
		subs:      subs,
		snapshots: make(chan chan *core.SnapshotState),
		logger:    logger,
	}
}

func (l *coreLoop) run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return

		case evt, ok := <-l.events:
			if !ok {
				return
			}
			// Acked already; a rejected command stays in the log with its reason.
			if err := l.core.ProcessEvent(evt); err != nil {
				l.logger.Warn().Err(err).
					Str("type", evt.EventType().String()).
					Str("key", evt.IdempotencyKey()).
					Msg("command not applied")
			}

		case sub := <-l.subs:
			sub.Result <- l.core.ProcessEvent(sub.Event)

		case reply := <-l.snapshots:
			reply <- l.core.CreateSnapshotState()
		}
	}
}

// capture asks the loop for a snapshot of the current state.
func (l *coreLoop) capture(ctx context.Context) (*core.SnapshotState, error) {
	reply := make(chan *core.SnapshotState, 1)
	select {
	case l.snapshots <- reply:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	select {
	case snap := <-reply:
		return snap, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// snapshotter saves snapshots and marks them verified once the event log
// has caught up and agrees on the state hash at the snapshot's sequence.
type snapshotter struct {
	capture      func(ctx context.Context) (*core.SnapshotState, error)
	store        snapshotStore
	metrics      *observability.Metrics
	logger       zerolog.Logger
	pollInterval time.Duration
}

// TakeSnapshot implements server.Snapshotter.
func (s *snapshotter) TakeSnapshot(ctx context.Context) (int64, int, error) {
	snap, err := s.capture(ctx)
	if err != nil {
		return 0, 0, err
	}
	return s.save(ctx, snap)
}

func (s *snapshotter) save(ctx context.Context, snap *core.SnapshotState) (int64, int, error) {
	if snap.Sequence < 0 {
		return 0, 0, errNothingToSnapshot
	}
	start := time.Now()

	size, err := s.store.SaveSnapshot(ctx, snap)
	if err != nil {
		return 0, 0, fmt.Errorf("save snapshot %d: %w", snap.Sequence, err)
	}
	if err := s.verify(ctx, snap); err != nil {
		return snap.Sequence, size, err
	}

	if s.metrics != nil {
		s.metrics.SnapshotTaken.Inc()
		s.metrics.SnapshotDuration.Observe(time.Since(start).Seconds())
		s.metrics.SnapshotSizeBytes.Set(float64(size))
		s.metrics.SnapshotLastSeq.Set(float64(snap.Sequence))
	}
	s.logger.Info().Int64("seq", snap.Sequence).Int("bytes", size).Msg("snapshot saved")
	return snap.Sequence, size, nil
}

func (s *snapshotter) verify(ctx context.Context, snap *core.SnapshotState) error {
	interval := s.pollInterval
	if interval <= 0 {
		interval = 100 * time.Millisecond
	}
	for {
		latest, err := s.store.GetLatestSequence(ctx)
		if err != nil {
			return fmt.Errorf("latest sequence: %w", err)
		}
		if latest >= snap.Sequence {
			break
		}
		select {
		case <-ctx.Done():
			return fmt.Errorf("snapshot %d left unverified: %w", snap.Sequence, ctx.Err())
		case <-time.After(interval):
		}
	}

	logged, err := s.store.StateHashAt(ctx, snap.Sequence)
	if err != nil {
		return fmt.Errorf("logged state hash at %d: %w", snap.Sequence, err)
	}
	if logged != snap.StateHash {
		return fmt.Errorf("snapshot %d state hash %x does not match event log %x", snap.Sequence, snap.StateHash, logged)
	}
	return s.store.MarkVerified(ctx, snap.Sequence)
}

// runPeriodic snapshots every interval events, checking every tick.
func (s *snapshotter) runPeriodic(ctx context.Context, applied func() int64, interval int64, tick time.Duration) {
	if interval <= 0 {
		interval = 100_000
	}
	last := applied()
	ticker := time.NewTicker(tick)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if applied()-last < interval {
				continue
			}
			seq, _, err := s.TakeSnapshot(ctx)
			if err != nil {
				s.logger.Warn().Err(err).Msg("periodic snapshot failed")
				continue
			}
			last = seq
		}
	}
}
