package persistence

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"StabilityPool/internal/core"
	"StabilityPool/internal/ledger"

	"github.com/google/uuid"
)

// EventLogWriter handles batched writes to the event log in Postgres.
type EventLogWriter struct {
	db           *sql.DB
	batchSize    int
	flushTimeout time.Duration
}

// EventRow is one row of event_log.events.
type EventRow struct {
	Sequence       int64
	EventType      string
	IdempotencyKey string
	Partition      string
	Payload        []byte
	StateHash      []byte
	PrevHash       []byte
	Timestamp      int64 // epoch microseconds
	SourceSequence int64
	Rejection      string
}

// JournalRow is one row of event_log.journal. Amounts are stored as
// NUMERIC(78,0) in raw 1e18 units.
type JournalRow struct {
	JournalID     uuid.UUID
	BatchID       uuid.UUID
	EventRef      string
	Sequence      int64
	DebitAccount  string
	CreditAccount string
	AssetID       int32
	Amount        string
	JournalType   int32
	Timestamp     int64
}

// RecordRow is one pool record emitted by a command.
type RecordRow struct {
	Sequence   int64
	Index      int
	RecordType string
	Data       []byte
}

// Rows is everything one core output writes.
type Rows struct {
	Event    EventRow
	Journals []JournalRow
	Records  []RecordRow
}

// RowsFromOutput flattens a core output into table rows.
func RowsFromOutput(out core.CoreOutput) (Rows, error) {
	env := out.Envelope
	rows := Rows{
		Event: EventRow{
			Sequence:       env.Sequence,
			EventType:      env.EventType.String(),
			IdempotencyKey: env.IdempotencyKey,
			Partition:      env.Partition,
			Payload:        env.Payload,
			StateHash:      env.StateHash[:],
			PrevHash:       env.PrevHash[:],
			Timestamp:      env.Timestamp.UnixMicro(),
			SourceSequence: env.SourceSequence,
			Rejection:      env.Rejection,
		},
	}

	if out.Batch != nil {
		rows.Journals = make([]JournalRow, 0, len(out.Batch.Journals))
		for _, j := range out.Batch.Journals {
			rows.Journals = append(rows.Journals, journalRow(j))
		}
	}

	for i, r := range out.Records {
		data, err := json.Marshal(r)
		if err != nil {
			return Rows{}, fmt.Errorf("marshal %s record: %w", r.RecordType(), err)
		}
		rows.Records = append(rows.Records, RecordRow{
			Sequence:   env.Sequence,
			Index:      i,
			RecordType: string(r.RecordType()),
			Data:       data,
		})
	}
	return rows, nil
}

func journalRow(j ledger.Journal) JournalRow {
	return JournalRow{
		JournalID:     j.JournalID,
		BatchID:       j.BatchID,
		EventRef:      j.EventRef,
		Sequence:      j.Sequence,
		DebitAccount:  j.DebitAccount.AccountPath(),
		CreditAccount: j.CreditAccount.AccountPath(),
		AssetID:       int32(j.AssetID),
		Amount:        j.Amount.String(),
		JournalType:   int32(j.JournalType),
		Timestamp:     j.Timestamp,
	}
}

func NewEventLogWriter(db *sql.DB, batchSize int, flushTimeout time.Duration) *EventLogWriter {
	return &EventLogWriter{
		db:           db,
		batchSize:    batchSize,
		flushTimeout: flushTimeout,
	}
}

// WriteEventBatch writes a batch of events in a single multi-row INSERT.
// ON CONFLICT makes a retried flush idempotent.
func (w *EventLogWriter) WriteEventBatch(ctx context.Context, events []EventRow, tx *sql.Tx) error {
	if len(events) == 0 {
		return nil
	}

	const cols = 10
	var b strings.Builder
	b.WriteString(`INSERT INTO event_log.events
		(sequence, event_type, idempotency_key, partition_key, payload,
		 state_hash, prev_hash, timestamp_us, source_sequence, rejection)
		VALUES `)

	args := make([]interface{}, 0, len(events)*cols)
	for i, e := range events {
		if i > 0 {
			b.WriteString(", ")
		}
		writePlaceholders(&b, i*cols, cols)
		args = append(args,
			e.Sequence, e.EventType, e.IdempotencyKey, e.Partition, e.Payload,
			e.StateHash, e.PrevHash, e.Timestamp, e.SourceSequence, nullString(e.Rejection),
		)
	}
	b.WriteString(" ON CONFLICT DO NOTHING")

	_, err := tx.ExecContext(ctx, b.String(), args...)
	return err
}

// WriteJournalBatch writes journal entries in a single multi-row INSERT.
func (w *EventLogWriter) WriteJournalBatch(ctx context.Context, journals []JournalRow, tx *sql.Tx) error {
	if len(journals) == 0 {
		return nil
	}

	const cols = 10
	var b strings.Builder
	b.WriteString(`INSERT INTO event_log.journal
		(journal_id, batch_id, event_ref, sequence, debit_account,
		 credit_account, asset_id, amount, journal_type, timestamp_us)
		VALUES `)

	args := make([]interface{}, 0, len(journals)*cols)
	for i, j := range journals {
		if i > 0 {
			b.WriteString(", ")
		}
		writePlaceholders(&b, i*cols, cols)
		args = append(args,
			j.JournalID, j.BatchID, j.EventRef, j.Sequence, j.DebitAccount,
			j.CreditAccount, j.AssetID, j.Amount, j.JournalType, j.Timestamp,
		)
	}
	b.WriteString(" ON CONFLICT (journal_id) DO NOTHING")

	_, err := tx.ExecContext(ctx, b.String(), args...)
	return err
}

// WriteRecordBatch writes pool records keyed by (sequence, idx).
func (w *EventLogWriter) WriteRecordBatch(ctx context.Context, records []RecordRow, tx *sql.Tx) error {
	if len(records) == 0 {
		return nil
	}

	const cols = 4
	var b strings.Builder
	b.WriteString(`INSERT INTO event_log.pool_records
		(sequence, idx, record_type, data)
		VALUES `)

	args := make([]interface{}, 0, len(records)*cols)
	for i, r := range records {
		if i > 0 {
			b.WriteString(", ")
		}
		writePlaceholders(&b, i*cols, cols)
		args = append(args, r.Sequence, r.Index, r.RecordType, r.Data)
	}
	b.WriteString(" ON CONFLICT (sequence, idx) DO NOTHING")

	_, err := tx.ExecContext(ctx, b.String(), args...)
	return err
}

// writePlaceholders appends "($n, ..., $n+cols-1)" starting after offset.
func writePlaceholders(b *strings.Builder, offset, cols int) {
	b.WriteByte('(')
	for c := 1; c <= cols; c++ {
		if c > 1 {
			b.WriteString(", ")
		}
		fmt.Fprintf(b, "$%d", offset+c)
	}
	b.WriteByte(')')
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
