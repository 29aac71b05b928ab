package persistence_test

import (
	"context"
	"errors"
	"strings"
	"sync"
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

var (
	genesis = time.UnixMicro(1_000_000).UTC()
	alice   = testutil.Addr(0xa11ce)
	bob     = testutil.Addr(0xb0b)
)

func newCore(t *testing.T) (*core.DeterministicCore, chan core.CoreOutput) {
	t.Helper()
	persistCh := make(chan core.CoreOutput, 256)
	cfg := core.Config{
		LRUCapacity:     1024,
		Issuance:        issuance.Config{DeployedAt: genesis},
		CollateralPrice: fpmath.FromUnits(200),
	}
	return core.NewDeterministicCore(cfg, persistCh, nil, nil, nil, zerolog.Nop()), persistCh
}

func at(seq int64) time.Time {
	return genesis.Add(time.Duration(seq) * time.Hour)
}

// script is a short pool history with an offset and one rejected command.
func script() []event.Event {
	return []event.Event{
		&event.OpenTrove{CommandID: uuid.New(), Owner: alice, Collateral: fpmath.FromUnits(10), Debt: fpmath.FromUnits(1_000), Sequence: 0, Timestamp: at(1)},
		&event.OpenTrove{CommandID: uuid.New(), Owner: bob, Collateral: fpmath.FromUnits(10), Debt: fpmath.FromUnits(1_000), Sequence: 0, Timestamp: at(2)},
		&event.ProvideToSP{CommandID: uuid.New(), Depositor: alice, Amount: fpmath.FromUnits(600), Sequence: 1, Timestamp: at(3)},
		&event.ProvideToSP{CommandID: uuid.New(), Depositor: bob, Amount: fpmath.FromUnits(400), Sequence: 1, Timestamp: at(4)},
		// More than bob holds after the deposit.
		&event.ProvideToSP{CommandID: uuid.New(), Depositor: bob, Amount: fpmath.FromUnits(5_000), Sequence: 2, Timestamp: at(5)},
		&event.LiquidationOffset{LiquidationID: uuid.New(), Debt: fpmath.FromUnits(250), Collateral: fpmath.FromUnits(2), Sequence: 0, Timestamp: at(6)},
		&event.WithdrawFromSP{CommandID: uuid.New(), Depositor: alice, Amount: fpmath.FromUnits(100), Sequence: 2, Timestamp: at(7)},
		&event.PriceUpdate{Price: fpmath.FromUnits(180), PriceSequence: 4, Timestamp: at(8)},
		&event.WithdrawFromSP{CommandID: uuid.New(), Depositor: bob, Sequence: 3, Timestamp: at(9)},
	}
}

// record runs evts through a fresh core and returns the rows it would persist.
func record(t *testing.T, evts []event.Event) (*core.DeterministicCore, []persistence.Rows) {
	t.Helper()
	c, persistCh := newCore(t)
	for _, evt := range evts {
		_ = c.ProcessEvent(evt)
	}
	close(persistCh)

	var rows []persistence.Rows
	for out := range persistCh {
		r, err := persistence.RowsFromOutput(out)
		require.NoError(t, err)
		rows = append(rows, r)
	}
	return c, rows
}

type memSource struct {
	events []persistence.EventRow
}

func (m *memSource) LoadEventsFrom(_ context.Context, from int64, limit int) ([]persistence.EventRow, error) {
	var out []persistence.EventRow
	for _, e := range m.events {
		if e.Sequence >= from && len(out) < limit {
			out = append(out, e)
		}
	}
	return out, nil
}

func sourceOf(rows []persistence.Rows) *memSource {
	src := &memSource{}
	for _, r := range rows {
		src.events = append(src.events, r.Event)
	}
	return src
}

// --- Rows ---

func TestRowsFromOutput_FlattensEnvelopeJournalsAndRecords(t *testing.T) {
	_, rows := record(t, script()[:3])
	require.Len(t, rows, 3)

	deposit := rows[2]
	assert.Equal(t, "ProvideToSP", deposit.Event.EventType)
	assert.Equal(t, "account:"+alice.Hex(), deposit.Event.Partition)
	assert.Equal(t, int64(1), deposit.Event.SourceSequence)
	assert.Equal(t, at(3).UnixMicro(), deposit.Event.Timestamp)
	assert.Len(t, deposit.Event.StateHash, 32)
	assert.Equal(t, rows[1].Event.StateHash, deposit.Event.PrevHash)
	assert.Empty(t, deposit.Event.Rejection)

	var amounts []string
	for _, j := range deposit.Journals {
		amounts = append(amounts, j.Amount)
	}
	assert.Contains(t, amounts, "600000000000000000000")

	require.NotEmpty(t, deposit.Records)
	var changed *persistence.RecordRow
	for i, rec := range deposit.Records {
		assert.Equal(t, i, rec.Index)
		assert.Equal(t, int64(2), rec.Sequence)
		if rec.RecordType == "DepositChanged" {
			changed = &deposit.Records[i]
		}
	}
	require.NotNil(t, changed)
	assert.Contains(t, string(changed.Data), `"new_compounded_deposit":"600000000000000000000"`)
}

func TestRowsFromOutput_RejectedCommandHasNoJournals(t *testing.T) {
	_, rows := record(t, script()[:5])
	require.Len(t, rows, 5)

	rejected := rows[4]
	assert.NotEmpty(t, rejected.Event.Rejection)
	assert.Empty(t, rejected.Journals)
	assert.Empty(t, rejected.Records)
}

// --- Worker ---

type fakeStore struct {
	mu      sync.Mutex
	batches [][]persistence.Rows
	failN   int
}

func (s *fakeStore) WriteBatch(_ context.Context, batch []persistence.Rows) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failN > 0 {
		s.failN--
		return errors.New("connection reset")
	}
	s.batches = append(s.batches, append([]persistence.Rows(nil), batch...))
	return nil
}

func (s *fakeStore) sizes() []int {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]int, len(s.batches))
	for i, b := range s.batches {
		out[i] = len(b)
	}
	return out
}

func outputsFor(t *testing.T, evts []event.Event) []core.CoreOutput {
	t.Helper()
	c, persistCh := newCore(t)
	for _, evt := range evts {
		_ = c.ProcessEvent(evt)
	}
	close(persistCh)
	var outs []core.CoreOutput
	for out := range persistCh {
		outs = append(outs, out)
	}
	return outs
}

func TestPersistenceWorker_BatchesAndFlushesOnClose(t *testing.T) {
	outs := outputsFor(t, script()[:3])
	store := &fakeStore{}
	in := make(chan core.CoreOutput, len(outs))
	committed := make(chan core.CoreOutput, len(outs))

	w := persistence.NewPersistenceWorkerWithStore(store, in, 2, time.Hour, nil, zerolog.Nop())
	w.ForwardCommitted(committed)

	for _, out := range outs {
		in <- out
	}
	close(in)

	require.NoError(t, w.Run(context.Background()))
	assert.Equal(t, []int{2, 1}, store.sizes())

	require.Len(t, committed, 3)
	for i := range outs {
		assert.Equal(t, int64(i), (<-committed).Envelope.Sequence)
	}
}

func TestPersistenceWorker_FlushesOnTimeout(t *testing.T) {
	outs := outputsFor(t, script()[:1])
	store := &fakeStore{}
	in := make(chan core.CoreOutput, 1)
	w := persistence.NewPersistenceWorkerWithStore(store, in, 100, 20*time.Millisecond, nil, zerolog.Nop())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- w.Run(ctx) }()

	in <- outs[0]
	require.Eventually(t, func() bool { return len(store.sizes()) == 1 }, time.Second, 5*time.Millisecond)

	cancel()
	assert.ErrorIs(t, <-done, context.Canceled)
}

func TestPersistenceWorker_RetriesFailedWrites(t *testing.T) {
	outs := outputsFor(t, script()[:1])
	store := &fakeStore{failN: 1}
	in := make(chan core.CoreOutput, 1)
	committed := make(chan core.CoreOutput, 1)
	w := persistence.NewPersistenceWorkerWithStore(store, in, 1, time.Hour, nil, zerolog.Nop())
	w.ForwardCommitted(committed)

	in <- outs[0]
	close(in)
	require.NoError(t, w.Run(context.Background()))

	assert.Equal(t, []int{1}, store.sizes())
	assert.Len(t, committed, 1)
}

// --- Replay ---

func TestReplayer_RebuildsIdenticalState(t *testing.T) {
	original, rows := record(t, script())

	rebuilt, persistCh := newCore(t)
	n, err := persistence.NewReplayer(sourceOf(rows), 4, nil, zerolog.Nop()).Replay(context.Background(), rebuilt)
	require.NoError(t, err)

	assert.Equal(t, int64(len(rows)), n)
	assert.Equal(t, original.GetStateHash(), rebuilt.GetStateHash())
	assert.Equal(t, original.GetSequence(), rebuilt.GetSequence())
	assert.True(t, original.Engine().TotalDeposits().Eq(rebuilt.Engine().TotalDeposits()))
	assert.Empty(t, persistCh, "replay must not re-emit outputs")

	// Live processing resumes after replay.
	require.NoError(t, rebuilt.ProcessEvent(&event.ProvideToSP{
		CommandID: uuid.New(), Depositor: alice, Amount: fpmath.FromUnits(1), Sequence: 3, Timestamp: at(10),
	}))
	assert.Len(t, persistCh, 1)
}

func TestReplayer_FromSnapshot(t *testing.T) {
	evts := script()
	first, _ := record(t, evts[:5])
	snap := first.CreateSnapshotState()

	data, err := persistence.EncodeSnapshot(snap)
	require.NoError(t, err)
	decoded, err := persistence.DecodeSnapshot(data)
	require.NoError(t, err)

	original, rows := record(t, evts)

	restored, _ := newCore(t)
	restored.RestoreFromSnapshot(decoded)
	require.Equal(t, int64(5), restored.GetSequence())

	n, err := persistence.NewReplayer(sourceOf(rows), 100, nil, zerolog.Nop()).Replay(context.Background(), restored)
	require.NoError(t, err)
	assert.Equal(t, int64(len(rows)-5), n)
	assert.Equal(t, original.GetStateHash(), restored.GetStateHash())
}

func TestReplayer_DetectsTamperedLog(t *testing.T) {
	_, rows := record(t, script())
	src := sourceOf(rows)
	src.events[3].StateHash = make([]byte, 32)

	rebuilt, _ := newCore(t)
	n, err := persistence.NewReplayer(src, 100, nil, zerolog.Nop()).Replay(context.Background(), rebuilt)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "state hash mismatch")
	assert.Equal(t, int64(3), n)
}

func TestReplayer_DetectsGap(t *testing.T) {
	_, rows := record(t, script())
	src := sourceOf(rows)
	src.events = append(src.events[:2], src.events[3:]...)

	rebuilt, _ := newCore(t)
	_, err := persistence.NewReplayer(src, 100, nil, zerolog.Nop()).Replay(context.Background(), rebuilt)
	require.Error(t, err)
	assert.True(t, strings.Contains(err.Error(), "gap"), err.Error())
}

func TestReplayer_DetectsDivergentRejection(t *testing.T) {
	_, rows := record(t, script())
	src := sourceOf(rows)
	src.events[2].Rejection = "stability pool: insufficient funds"

	rebuilt, _ := newCore(t)
	_, err := persistence.NewReplayer(src, 100, nil, zerolog.Nop()).Replay(context.Background(), rebuilt)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "diverged")
}

// --- Postgres ---

func TestEventLog_Postgres(t *testing.T) {
	testutil.RequireIntegration(t)
	db, cleanup := testutil.SetupTestDB(t)
	defer cleanup()
	ctx := context.Background()

	require.NoError(t, persistence.NewMigrator(db, "../../migrations", zerolog.Nop()).Up(ctx))

	original, rows := record(t, script())
	writer := persistence.NewEventLogWriter(db, 100, time.Second)
	require.NoError(t, writer.WriteBatch(ctx, rows))
	// Retried flushes are idempotent.
	require.NoError(t, writer.WriteBatch(ctx, rows[:2]))

	checker := persistence.NewPostgresIdempotencyChecker(db)
	dup, err := checker.IsDuplicate(rows[2].Event.EventType, rows[2].Event.IdempotencyKey)
	require.NoError(t, err)
	assert.True(t, dup)
	dup, err = checker.IsDuplicate("ProvideToSP", uuid.NewString())
	require.NoError(t, err)
	assert.False(t, dup)

	keys, err := checker.RecentKeys(ctx, 3)
	require.NoError(t, err)
	require.Len(t, keys, 3)
	last := rows[len(rows)-1].Event
	assert.Equal(t, core.CompositeKey(last.EventType, last.IdempotencyKey), keys[2])

	sm := persistence.NewSnapshotManager(db)
	latest, err := sm.GetLatestSequence(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(len(rows)-1), latest)

	snap := original.CreateSnapshotState()
	_, err = sm.SaveSnapshot(ctx, snap)
	require.NoError(t, err)

	loaded, err := sm.LoadLatestSnapshot(ctx)
	require.NoError(t, err)
	assert.Nil(t, loaded, "unverified snapshots are not loaded")

	require.NoError(t, sm.MarkVerified(ctx, snap.Sequence))
	loaded, err = sm.LoadLatestSnapshot(ctx)
	require.NoError(t, err)
	require.NotNil(t, loaded)
	assert.Equal(t, snap.StateHash, loaded.StateHash)

	hash, err := sm.StateHashAt(ctx, snap.Sequence)
	require.NoError(t, err)
	assert.Equal(t, snap.StateHash, hash)

	rebuilt, _ := newCore(t)
	_, err = persistence.NewReplayer(sm, 4, nil, zerolog.Nop()).Replay(ctx, rebuilt)
	require.NoError(t, err)
	assert.Equal(t, original.GetStateHash(), rebuilt.GetStateHash())

	pending, err := persistence.NewMigrator(db, "../../migrations", zerolog.Nop()).Pending(ctx)
	require.NoError(t, err)
	assert.Empty(t, pending)
}
