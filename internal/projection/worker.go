package projection

import (
	"context"
	"database/sql"
	"fmt"
	"sync/atomic"
	"time"

	"StabilityPool/internal/core"
	"StabilityPool/internal/event"
	"StabilityPool/internal/ledger"
	"StabilityPool/internal/observability"

	"github.com/rs/zerolog"
)

const workerID = "main"

// execer is satisfied by *sql.Tx.
type execer interface {
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
}

// ProjectionWorker updates projection tables from processed commands. The
// core feeds it with non-blocking sends, so it may miss outputs under load;
// projections are rebuilt from the event log when that matters.
type ProjectionWorker struct {
	db        *sql.DB
	inputChan <-chan core.CoreOutput
	offsets   *OffsetHistory
	metrics   *observability.Metrics
	logger    zerolog.Logger
	lastSeq   atomic.Int64
}

func NewProjectionWorker(db *sql.DB, inputChan <-chan core.CoreOutput, offsets *OffsetHistory,
	metrics *observability.Metrics, logger zerolog.Logger) *ProjectionWorker {
	pw := &ProjectionWorker{
		db:        db,
		inputChan: inputChan,
		offsets:   offsets,
		metrics:   metrics,
		logger:    logger,
	}
	pw.lastSeq.Store(-1)
	return pw
}

// Watermark is the last sequence this worker has seen.
func (pw *ProjectionWorker) Watermark() int64 {
	return pw.lastSeq.Load()
}

// Run starts the projection worker loop.
func (pw *ProjectionWorker) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case output, ok := <-pw.inputChan:
			if !ok {
				return nil
			}

			start := time.Now()
			if err := pw.processOutput(ctx, output); err != nil {
				// Projections are eventually consistent; a rebuild repairs them.
				pw.logger.Warn().Err(err).Int64("seq", output.Envelope.Sequence).Msg("projection update failed")
			}
			if pw.metrics != nil {
				pw.metrics.ProjectionUpdateDur.WithLabelValues(workerID).Observe(time.Since(start).Seconds())
			}
			pw.lastSeq.Store(output.Envelope.Sequence)
		}
	}
}

func (pw *ProjectionWorker) processOutput(ctx context.Context, output core.CoreOutput) error {
	pw.trackOffsets(output)

	tx, err := pw.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if err := ApplyOutput(ctx, tx, output); err != nil {
		return err
	}
	return tx.Commit()
}

func (pw *ProjectionWorker) trackOffsets(output core.CoreOutput) {
	if pw.offsets == nil {
		return
	}
	for _, r := range output.Records {
		if applied, ok := r.(event.LiquidationOffsetApplied); ok {
			pw.offsets.Add(newOffsetEntry(output.Envelope.Sequence, output.Envelope.Timestamp, applied))
		}
	}
}

// ApplyOutput writes the projection changes of one output through ex.
// Rejected commands only move the watermark.
func ApplyOutput(ctx context.Context, ex execer, output core.CoreOutput) error {
	seq := output.Envelope.Sequence

	if output.Batch != nil {
		for _, j := range output.Batch.Journals {
			if err := applyJournal(ctx, ex, seq, j); err != nil {
				return fmt.Errorf("balance projection: %w", err)
			}
		}
	}

	for _, r := range output.Records {
		if err := applyRecord(ctx, ex, seq, output.Envelope.Timestamp, r); err != nil {
			return fmt.Errorf("%s projection: %w", r.RecordType(), err)
		}
	}

	if _, err := ex.ExecContext(ctx, `
		INSERT INTO projections.watermark (worker_id, last_sequence, updated_at)
		VALUES ($1, $2, NOW())
		ON CONFLICT (worker_id) DO UPDATE SET last_sequence = $2, updated_at = NOW()
	`, workerID, seq); err != nil {
		return fmt.Errorf("watermark update: %w", err)
	}
	return nil
}

// applyJournal moves amount from the credit to the debit account.
func applyJournal(ctx context.Context, ex execer, seq int64, j ledger.Journal) error {
	amount := j.Amount.String()

	if _, err := ex.ExecContext(ctx, `
		INSERT INTO projections.balances (account_path, asset_id, balance, last_sequence)
		VALUES ($1, $2, $3::numeric, $4)
		ON CONFLICT (account_path, asset_id)
		DO UPDATE SET balance = projections.balances.balance + $3::numeric, last_sequence = $4
	`, j.DebitAccount.AccountPath(), int32(j.AssetID), amount, seq); err != nil {
		return err
	}

	_, err := ex.ExecContext(ctx, `
		INSERT INTO projections.balances (account_path, asset_id, balance, last_sequence)
		VALUES ($1, $2, -$3::numeric, $4)
		ON CONFLICT (account_path, asset_id)
		DO UPDATE SET balance = projections.balances.balance - $3::numeric, last_sequence = $4
	`, j.CreditAccount.AccountPath(), int32(j.AssetID), amount, seq)
	return err
}

func applyRecord(ctx context.Context, ex execer, seq int64, ts time.Time, rec event.Record) error {
	var err error
	switch r := rec.(type) {
	case event.DepositChanged:
		_, err = ex.ExecContext(ctx, `
			INSERT INTO projections.deposits
				(depositor, front_end_tag, compounded_deposit, collateral_paid, reward_paid, last_sequence)
			VALUES ($1, $2, $3::numeric, $4::numeric, $5::numeric, $6)
			ON CONFLICT (depositor) DO UPDATE SET
				front_end_tag      = $2,
				compounded_deposit = $3::numeric,
				collateral_paid    = projections.deposits.collateral_paid + $4::numeric,
				reward_paid        = projections.deposits.reward_paid + $5::numeric,
				last_sequence      = $6
		`, r.Depositor.Hex(), r.FrontEndTag.Hex(), r.NewCompoundedDeposit.String(),
			r.CollateralGainPaid.String(), r.RewardGainPaid.String(), seq)

	case event.FrontEndRegistered:
		_, err = ex.ExecContext(ctx, `
			INSERT INTO projections.front_ends (front_end, kickback_rate, last_sequence)
			VALUES ($1, $2::numeric, $3)
			ON CONFLICT (front_end) DO UPDATE SET kickback_rate = $2::numeric, last_sequence = $3
		`, r.FrontEnd.Hex(), r.KickbackRate.String(), seq)

	case event.FrontEndStakeChanged:
		_, err = ex.ExecContext(ctx, `
			INSERT INTO projections.front_ends (front_end, stake, reward_paid, last_sequence)
			VALUES ($1, $2::numeric, $3::numeric, $4)
			ON CONFLICT (front_end) DO UPDATE SET
				stake         = $2::numeric,
				reward_paid   = projections.front_ends.reward_paid + $3::numeric,
				last_sequence = $4
		`, r.FrontEnd.Hex(), r.NewStake.String(), r.RewardGainPaid.String(), seq)

	case event.PoolStateChanged:
		_, err = ex.ExecContext(ctx, `
			INSERT INTO projections.pool_state
				(id, p, current_scale, current_epoch, total_deposits, collateral_balance, last_sequence)
			VALUES (1, $1::numeric, $2, $3, $4::numeric, $5::numeric, $6)
			ON CONFLICT (id) DO UPDATE SET
				p = $1::numeric, current_scale = $2, current_epoch = $3,
				total_deposits = $4::numeric, collateral_balance = $5::numeric, last_sequence = $6
		`, r.P.String(), int64(r.CurrentScale), int64(r.CurrentEpoch),
			r.TotalDeposits.String(), r.CollateralBalance.String(), seq)

	case event.TroveUpdated:
		_, err = ex.ExecContext(ctx, `
			INSERT INTO projections.troves (owner, collateral, debt, last_sequence)
			VALUES ($1, $2::numeric, $3::numeric, $4)
			ON CONFLICT (owner) DO UPDATE SET collateral = $2::numeric, debt = $3::numeric, last_sequence = $4
		`, r.Owner.Hex(), r.Collateral.String(), r.Debt.String(), seq)

	case event.LiquidationOffsetApplied:
		_, err = ex.ExecContext(ctx, `
			INSERT INTO projections.offset_history
				(sequence, debt_offset, collateral_added, debt_remaining, collateral_remaining,
				 epoch_rolled, scale_advanced, timestamp_us)
			VALUES ($1, $2::numeric, $3::numeric, $4::numeric, $5::numeric, $6, $7, $8)
			ON CONFLICT (sequence) DO NOTHING
		`, seq, r.DebtOffset.String(), r.CollateralAdded.String(), r.DebtRemaining.String(),
			r.CollateralRemaining.String(), r.EpochRolled, r.ScaleAdvanced, ts.UnixMicro())

	case event.SumUpdated:
		// Sums stay in event_log.pool_records.
	}
	return err
}

// RebuildProjections rebuilds all projection tables from the event log.
func RebuildProjections(ctx context.Context, db *sql.DB, logger zerolog.Logger) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	truncateStatements := []string{
		`TRUNCATE projections.balances`,
		`TRUNCATE projections.deposits`,
		`TRUNCATE projections.front_ends`,
		`TRUNCATE projections.pool_state`,
		`TRUNCATE projections.troves`,
		`TRUNCATE projections.offset_history`,
		`DELETE FROM projections.watermark WHERE worker_id = 'main'`,
	}
	for _, stmt := range truncateStatements {
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("truncate failed: %w", err)
		}
	}

	// Balances are net debits minus credits per account.
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO projections.balances (account_path, asset_id, balance, last_sequence)
		SELECT account_path, asset_id, SUM(delta), MAX(sequence)
		FROM (
			SELECT debit_account AS account_path, asset_id, amount AS delta, sequence FROM event_log.journal
			UNION ALL
			SELECT credit_account, asset_id, -amount, sequence FROM event_log.journal
		) legs
		GROUP BY account_path, asset_id
	`); err != nil {
		return fmt.Errorf("rebuild balances: %w", err)
	}

	replayed, err := rebuildRecords(ctx, tx)
	if err != nil {
		return err
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO projections.watermark (worker_id, last_sequence, updated_at)
		SELECT $1, COALESCE(MAX(sequence), -1), NOW() FROM event_log.events
	`, workerID); err != nil {
		return fmt.Errorf("rebuild watermark: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return err
	}
	logger.Info().Int("records", replayed).Msg("projection rebuild complete")
	return nil
}

func rebuildRecords(ctx context.Context, tx *sql.Tx) (int, error) {
	rows, err := tx.QueryContext(ctx, `
		SELECT r.sequence, r.record_type, r.data, e.timestamp_us
		FROM event_log.pool_records r
		JOIN event_log.events e ON e.sequence = r.sequence
		ORDER BY r.sequence, r.idx
	`)
	if err != nil {
		return 0, fmt.Errorf("read pool records: %w", err)
	}

	type stored struct {
		seq  int64
		rec  event.Record
		tsUs int64
	}
	var all []stored
	for rows.Next() {
		var s stored
		var rt string
		var data []byte
		if err := rows.Scan(&s.seq, &rt, &data, &s.tsUs); err != nil {
			rows.Close()
			return 0, err
		}
		if s.rec, err = event.DecodeRecord(event.RecordType(rt), data); err != nil {
			rows.Close()
			return 0, fmt.Errorf("sequence %d: %w", s.seq, err)
		}
		all = append(all, s)
	}
	if err := rows.Close(); err != nil {
		return 0, err
	}
	if err := rows.Err(); err != nil {
		return 0, err
	}

	// The cursor must be closed before the same transaction can write.
	for _, s := range all {
		if err := applyRecord(ctx, tx, s.seq, time.UnixMicro(s.tsUs).UTC(), s.rec); err != nil {
			return 0, fmt.Errorf("sequence %d: %w", s.seq, err)
		}
	}
	return len(all), nil
}
