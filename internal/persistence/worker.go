package persistence

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"StabilityPool/internal/core"
	"StabilityPool/internal/observability"

	"github.com/rs/zerolog"
)

// BatchStore writes a batch of core outputs atomically.
type BatchStore interface {
	WriteBatch(ctx context.Context, batch []Rows) error
}

// WriteBatch writes events, journals and records in a single transaction.
func (w *EventLogWriter) WriteBatch(ctx context.Context, batch []Rows) error {
	events := make([]EventRow, 0, len(batch))
	var journals []JournalRow
	var records []RecordRow
	for _, r := range batch {
		events = append(events, r.Event)
		journals = append(journals, r.Journals...)
		records = append(records, r.Records...)
	}

	tx, err := w.db.BeginTx(ctx, nil)
	if err != nil {
		return &writeError{stage: "tx_begin", err: err}
	}
	defer tx.Rollback()

	if err := w.WriteEventBatch(ctx, events, tx); err != nil {
		return &writeError{stage: "write_events", err: err}
	}
	if err := w.WriteJournalBatch(ctx, journals, tx); err != nil {
		return &writeError{stage: "write_journals", err: err}
	}
	if err := w.WriteRecordBatch(ctx, records, tx); err != nil {
		return &writeError{stage: "write_records", err: err}
	}
	if err := tx.Commit(); err != nil {
		return &writeError{stage: "tx_commit", err: err}
	}
	return nil
}

type writeError struct {
	stage string
	err   error
}

func (e *writeError) Error() string { return e.stage + ": " + e.err.Error() }
func (e *writeError) Unwrap() error { return e.err }

// PersistenceWorker drains the persist channel and batch-writes to Postgres.
// The core sends on the persist channel with blocking sends, so a worker
// that falls behind stalls the core instead of losing events.
type PersistenceWorker struct {
	store        BatchStore
	inputChan    <-chan core.CoreOutput
	committed    chan<- core.CoreOutput
	batchSize    int
	flushTimeout time.Duration
	metrics      *observability.Metrics
	logger       zerolog.Logger
}

func NewPersistenceWorker(
	db *sql.DB,
	inputChan <-chan core.CoreOutput,
	batchSize int,
	flushTimeout time.Duration,
	metrics *observability.Metrics,
	logger zerolog.Logger,
) *PersistenceWorker {
	return NewPersistenceWorkerWithStore(NewEventLogWriter(db, batchSize, flushTimeout),
		inputChan, batchSize, flushTimeout, metrics, logger)
}

func NewPersistenceWorkerWithStore(
	store BatchStore,
	inputChan <-chan core.CoreOutput,
	batchSize int,
	flushTimeout time.Duration,
	metrics *observability.Metrics,
	logger zerolog.Logger,
) *PersistenceWorker {
	return &PersistenceWorker{
		store:        store,
		inputChan:    inputChan,
		batchSize:    batchSize,
		flushTimeout: flushTimeout,
		metrics:      metrics,
		logger:       logger,
	}
}

// ForwardCommitted makes the worker hand every durably written output to ch,
// for outbound publishing. Sends never block; a full channel drops.
func (pw *PersistenceWorker) ForwardCommitted(ch chan<- core.CoreOutput) {
	pw.committed = ch
}

// Run batches incoming outputs and flushes either when the batch is full or
// the flush timeout expires. Blocks until ctx is cancelled or the input
// channel is closed.
func (pw *PersistenceWorker) Run(ctx context.Context) error {
	outputs := make([]core.CoreOutput, 0, pw.batchSize)
	rows := make([]Rows, 0, pw.batchSize)
	var oldest time.Time

	timer := time.NewTimer(pw.flushTimeout)
	defer timer.Stop()

	flush := func(ctx context.Context) {
		if len(rows) == 0 {
			return
		}
		if err := pw.flushWithRetry(ctx, rows); err != nil {
			pw.logger.Error().Err(err).Int("events", len(rows)).Msg("batch flush failed")
		} else {
			if pw.metrics != nil {
				pw.metrics.ApplyToPersist.Observe(time.Since(oldest).Seconds())
			}
			pw.forward(outputs)
		}
		outputs = outputs[:0]
		rows = rows[:0]
	}

	for {
		select {
		case <-ctx.Done():
			flush(context.Background())
			return ctx.Err()

		case output, ok := <-pw.inputChan:
			if !ok {
				flush(context.Background())
				return nil
			}

			r, err := RowsFromOutput(output)
			if err != nil {
				// Records are plain structs; this only fails on a programming error.
				panic(fmt.Sprintf("FATAL: encode output %d: %v", output.Envelope.Sequence, err))
			}
			if len(rows) == 0 {
				oldest = time.Now()
			}
			outputs = append(outputs, output)
			rows = append(rows, r)

			if len(rows) >= pw.batchSize {
				flush(ctx)
				timer.Reset(pw.flushTimeout)
			}

		case <-timer.C:
			flush(ctx)
			timer.Reset(pw.flushTimeout)
		}
	}
}

// flushWithRetry retries with exponential backoff until the write succeeds
// or ctx is cancelled. On cancellation it makes one last attempt.
func (pw *PersistenceWorker) flushWithRetry(ctx context.Context, rows []Rows) error {
	backoff := 100 * time.Millisecond
	const maxBackoff = 30 * time.Second

	for attempt := 0; ; attempt++ {
		if attempt > 0 {
			pw.logger.Warn().Int("attempt", attempt).Dur("backoff", backoff).
				Int("events", len(rows)).Msg("persistence retry")
			if pw.metrics != nil {
				pw.metrics.PersistRetry.Inc()
			}
			select {
			case <-ctx.Done():
				if err := pw.flush(context.Background(), rows); err != nil {
					return fmt.Errorf("final flush on shutdown failed: %w", err)
				}
				return nil
			case <-time.After(backoff):
			}
			backoff *= 2
			if backoff > maxBackoff {
				backoff = maxBackoff
			}
		}

		err := pw.flush(ctx, rows)
		if err == nil {
			if attempt > 0 {
				pw.logger.Info().Int("retries", attempt).Msg("persistence flush succeeded")
			}
			return nil
		}
		pw.logger.Warn().Err(err).Msg("persistence flush failed")
	}
}

func (pw *PersistenceWorker) flush(ctx context.Context, rows []Rows) error {
	start := time.Now()

	if err := pw.store.WriteBatch(ctx, rows); err != nil {
		if pw.metrics != nil {
			stage := "write"
			if we, ok := err.(*writeError); ok {
				stage = we.stage
			}
			pw.metrics.PersistErrors.WithLabelValues(stage).Inc()
		}
		return err
	}

	if pw.metrics != nil {
		journals := 0
		for _, r := range rows {
			journals += len(r.Journals)
		}
		pw.metrics.PersistBatchDur.Observe(time.Since(start).Seconds())
		pw.metrics.PersistBatchSize.Observe(float64(len(rows)))
		pw.metrics.PersistEventsWritten.Add(float64(len(rows)))
		pw.metrics.PersistJournalsWritten.Add(float64(journals))
		pw.metrics.PersistLastSequence.Set(float64(rows[len(rows)-1].Event.Sequence))
	}
	return nil
}

func (pw *PersistenceWorker) forward(outputs []core.CoreOutput) {
	if pw.committed == nil {
		return
	}
	for _, out := range outputs {
		select {
		case pw.committed <- out:
		default:
			if pw.metrics != nil {
				pw.metrics.PublishDrops.Inc()
			}
		}
	}
}
