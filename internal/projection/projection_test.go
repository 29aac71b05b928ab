package projection

import (
	"context"
	"database/sql"
	"strings"
	"testing"
	"time"

	"StabilityPool/internal/core"
	"StabilityPool/internal/event"
	"StabilityPool/internal/issuance"
	fpmath "StabilityPool/internal/math"
	"StabilityPool/internal/persistence"
	"StabilityPool/internal/testutil"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var genesis = time.UnixMicro(1_000_000).UTC()

type stmt struct {
	query string
	args  []interface{}
}

type recordingExec struct {
	stmts []stmt
}

func (r *recordingExec) ExecContext(_ context.Context, query string, args ...interface{}) (sql.Result, error) {
	r.stmts = append(r.stmts, stmt{query: query, args: args})
	return nil, nil
}

func (r *recordingExec) touching(table string) []stmt {
	var out []stmt
	for _, s := range r.stmts {
		if strings.Contains(s.query, table) {
			out = append(out, s)
		}
	}
	return out
}

func coreOutputs(t *testing.T, evts ...event.Event) []core.CoreOutput {
	t.Helper()
	ch := make(chan core.CoreOutput, 64)
	c := core.NewDeterministicCore(core.Config{
		Issuance:        issuance.Config{DeployedAt: genesis},
		CollateralPrice: fpmath.FromUnits(200),
	}, ch, nil, nil, nil, zerolog.Nop())
	for _, evt := range evts {
		_ = c.ProcessEvent(evt)
	}
	close(ch)
	var outs []core.CoreOutput
	for o := range ch {
		outs = append(outs, o)
	}
	return outs
}

func history(depositor uuid.UUID) []event.Event {
	alice := testutil.Addr(0xa11ce)
	return []event.Event{
		&event.OpenTrove{CommandID: depositor, Owner: alice, Collateral: fpmath.FromUnits(10), Debt: fpmath.FromUnits(1_000), Timestamp: genesis},
		&event.ProvideToSP{CommandID: uuid.New(), Depositor: alice, Amount: fpmath.FromUnits(500), Sequence: 1, Timestamp: genesis.Add(time.Hour)},
		&event.LiquidationOffset{LiquidationID: uuid.New(), Debt: fpmath.FromUnits(100), Collateral: fpmath.FromUnits(1), Timestamp: genesis.Add(2 * time.Hour)},
		// More than the wallet holds.
		&event.ProvideToSP{CommandID: uuid.New(), Depositor: alice, Amount: fpmath.FromUnits(5_000), Sequence: 2, Timestamp: genesis.Add(3 * time.Hour)},
	}
}

func TestApplyOutput_Offset(t *testing.T) {
	outs := coreOutputs(t, history(uuid.New())...)
	require.Len(t, outs, 4)

	ex := &recordingExec{}
	require.NoError(t, ApplyOutput(context.Background(), ex, outs[2]))

	offsets := ex.touching("projections.offset_history")
	require.Len(t, offsets, 1)
	assert.Equal(t, int64(2), offsets[0].args[0])
	assert.Equal(t, "100000000000000000000", offsets[0].args[1])

	pool := ex.touching("projections.pool_state")
	require.Len(t, pool, 1)
	assert.Equal(t, "400000000000000000000", pool[0].args[3])

	// Two upserts per journal leg.
	assert.Len(t, ex.touching("projections.balances"), 2*len(outs[2].Batch.Journals))

	last := ex.stmts[len(ex.stmts)-1]
	assert.Contains(t, last.query, "projections.watermark")
	assert.Equal(t, int64(2), last.args[1])
}

func TestApplyOutput_DepositUpsert(t *testing.T) {
	outs := coreOutputs(t, history(uuid.New())...)

	ex := &recordingExec{}
	require.NoError(t, ApplyOutput(context.Background(), ex, outs[1]))

	deposits := ex.touching("projections.deposits")
	require.Len(t, deposits, 1)
	assert.Equal(t, testutil.Addr(0xa11ce).Hex(), deposits[0].args[0])
	assert.Equal(t, "500000000000000000000", deposits[0].args[2])
}

func TestApplyOutput_RejectedOnlyMovesWatermark(t *testing.T) {
	outs := coreOutputs(t, history(uuid.New())...)
	rejected := outs[3]
	require.NotEmpty(t, rejected.Envelope.Rejection)

	ex := &recordingExec{}
	require.NoError(t, ApplyOutput(context.Background(), ex, rejected))
	require.Len(t, ex.stmts, 1)
	assert.Contains(t, ex.stmts[0].query, "projections.watermark")
}

func TestOffsetHistory_RecentNewestFirst(t *testing.T) {
	h := NewOffsetHistory(3)
	assert.Empty(t, h.Recent(10))

	for seq := int64(1); seq <= 5; seq++ {
		h.Add(OffsetEntry{Sequence: seq})
	}

	recent := h.Recent(10)
	require.Len(t, recent, 3)
	assert.Equal(t, []int64{5, 4, 3}, []int64{recent[0].Sequence, recent[1].Sequence, recent[2].Sequence})

	assert.Len(t, h.Recent(2), 2)
	assert.Equal(t, int64(5), h.Recent(1)[0].Sequence)
}

func TestProjectionWorker_TracksOffsetsWithoutDB(t *testing.T) {
	outs := coreOutputs(t, history(uuid.New())...)
	h := NewOffsetHistory(8)
	pw := NewProjectionWorker(nil, nil, h, nil, zerolog.Nop())

	for _, o := range outs {
		pw.trackOffsets(o)
	}
	recent := h.Recent(0)
	require.Len(t, recent, 1)
	assert.Equal(t, int64(2), recent[0].Sequence)
	assert.True(t, recent[0].CollateralAdded.Eq(fpmath.FromUnits(1)))
	assert.Equal(t, int64(-1), pw.Watermark())
}

func TestProjections_Postgres(t *testing.T) {
	testutil.RequireIntegration(t)
	db, cleanup := testutil.SetupTestDB(t)
	defer cleanup()
	ctx := context.Background()

	require.NoError(t, persistence.NewMigrator(db, "../../migrations", zerolog.Nop()).Up(ctx))

	outs := coreOutputs(t, history(uuid.New())...)
	var rows []persistence.Rows
	for _, o := range outs {
		r, err := persistence.RowsFromOutput(o)
		require.NoError(t, err)
		rows = append(rows, r)
	}
	require.NoError(t, persistence.NewEventLogWriter(db, 100, time.Second).WriteBatch(ctx, rows))

	ch := make(chan core.CoreOutput, len(outs))
	for _, o := range outs {
		ch <- o
	}
	close(ch)
	pw := NewProjectionWorker(db, ch, NewOffsetHistory(8), nil, zerolog.Nop())
	require.NoError(t, pw.Run(ctx))
	assert.Equal(t, int64(3), pw.Watermark())

	var live string
	require.NoError(t, db.QueryRowContext(ctx,
		`SELECT total_deposits::text FROM projections.pool_state WHERE id = 1`).Scan(&live))
	assert.Equal(t, "400000000000000000000", live)

	require.NoError(t, RebuildProjections(ctx, db, zerolog.Nop()))

	var rebuilt string
	require.NoError(t, db.QueryRowContext(ctx,
		`SELECT total_deposits::text FROM projections.pool_state WHERE id = 1`).Scan(&rebuilt))
	assert.Equal(t, live, rebuilt)

	var offsets int
	require.NoError(t, db.QueryRowContext(ctx, `SELECT COUNT(*) FROM projections.offset_history`).Scan(&offsets))
	assert.Equal(t, 1, offsets)
}
