package core

import (
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync/atomic"
	"time"

	"StabilityPool/internal/event"
	"StabilityPool/internal/issuance"
	"StabilityPool/internal/ledger"
	fpmath "StabilityPool/internal/math"
	"StabilityPool/internal/observability"
	"StabilityPool/internal/state"
	"StabilityPool/internal/trove"

	"github.com/rs/zerolog"
)

// ErrSequence is returned for commands that arrive out of order or after a
// gap in their partition. They are not logged.
var ErrSequence = errors.New("sequence validation failed")

// GlobalCheckInterval is how often, in events, the zero-sum check over the
// whole token ledger runs.
const GlobalCheckInterval = 1000

// Config for the deterministic core.
type Config struct {
	StartSequence   int64
	LRUCapacity     int
	Issuance        issuance.Config
	CollateralPrice fpmath.Decimal
	MCR             fpmath.Decimal
}

// DeterministicCore is the single-threaded event processor in front of the
// pool engine. It deduplicates and orders commands, runs them, chains a
// state hash over the results and hands the outputs to persistence and
// projections.
type DeterministicCore struct {
	sequence          int64
	applied           atomic.Int64 // last assigned sequence, for readers off the core goroutine
	hasher            *StateHasher
	balanceTracker    *ledger.BalanceTracker
	validator         *ledger.InvariantValidator
	issuance          *issuance.Community
	troves            *trove.Registry
	engine            *Engine
	idempotency       *IdempotencyChecker
	sequenceValidator *SequenceValidator
	metrics           *observability.Metrics
	logger            zerolog.Logger

	// replaying suppresses output while rebuilding state from the event log.
	replaying bool

	persistChan    chan<- CoreOutput
	projectionChan chan<- CoreOutput
}

type CoreOutput struct {
	Envelope   *event.EventEnvelope
	Batch      *ledger.Batch
	Records    []event.Record
	StateDelta []byte
}

func NewDeterministicCore(
	cfg Config,
	persistChan, projectionChan chan<- CoreOutput,
	dbChecker DBIdempotencyChecker,
	metrics *observability.Metrics,
	logger zerolog.Logger,
) *DeterministicCore {
	if cfg.LRUCapacity <= 0 {
		cfg.LRUCapacity = 1_000_000
	}

	balanceTracker := ledger.NewBalanceTracker()
	community := issuance.NewCommunity(cfg.Issuance)
	troves := trove.NewRegistry(cfg.CollateralPrice, cfg.MCR)

	// The whole reward supply is minted into the issuance account up front.
	if err := balanceTracker.ApplyBatch(community.FundingBatch("genesis:issuance", 0, 0)); err != nil {
		panic(fmt.Sprintf("FATAL: fund issuance account: %v", err))
	}

	c := &DeterministicCore{
		sequence:          cfg.StartSequence,
		hasher:            NewStateHasher(),
		balanceTracker:    balanceTracker,
		validator:         ledger.NewInvariantValidator(balanceTracker),
		issuance:          community,
		troves:            troves,
		engine:            NewEngine(balanceTracker, community, troves, metrics, logger),
		idempotency:       NewIdempotencyChecker(cfg.LRUCapacity, dbChecker, metrics),
		sequenceValidator: NewSequenceValidator(metrics),
		metrics:           metrics,
		logger:            logger,
		persistChan:       persistChan,
		projectionChan:    projectionChan,
	}
	c.applied.Store(cfg.StartSequence - 1)
	return c
}

// ProcessEvent is the main processing pipeline
func (c *DeterministicCore) ProcessEvent(evt event.Event) error {
	start := time.Now()
	eventType := evt.EventType().String()
	idempotencyKey := evt.IdempotencyKey()

	// Step 1: Idempotency check (two-tier)
	isDuplicate := c.idempotency.IsDuplicate(eventType, idempotencyKey)

	// Step 2: Sequence validation. Oracle prices tolerate gaps.
	partition := evt.Partition()
	sourceSequence := evt.SourceSequence()
	if partition == event.PartitionPrice {
		if stale := c.sequenceValidator.ValidatePriceSequence(sourceSequence); stale {
			c.reject(eventType, "stale_price")
			return nil
		}
	} else if err := c.sequenceValidator.ValidateSequence(partition, sourceSequence, isDuplicate); err != nil {
		c.reject(eventType, "sequence")
		return fmt.Errorf("%w: %v", ErrSequence, err)
	}

	if isDuplicate {
		c.reject(eventType, "duplicate")
		return nil
	}

	// Step 3: Dispatch. A rejected command leaves state untouched but is
	// still logged, since it consumed its source sequence.
	op := Op{Ref: idempotencyKey, Sequence: c.sequence, Time: evt.EventTime()}
	out, dispatchErr := c.dispatchEvent(op, evt)
	rejection := ""
	if dispatchErr != nil {
		rejection = dispatchErr.Error()
		out = &Outcome{Batch: ledger.NewBatch(op.Ref, op.Sequence, op.Time.UnixMicro())}
	}

	// Step 4: Post-checks
	if err := c.postCheckInvariants(); err != nil {
		panic(fmt.Sprintf("FATAL: invariant violated: %v", err))
	}

	// Step 5: State hash
	hashStart := time.Now()
	stateDigest := c.computeStateDigest(out.Batch)
	prevHash := c.hasher.GetPrevHash()
	stateHash := c.hasher.ComputeHash(c.sequence, stateDigest)
	if c.metrics != nil {
		c.metrics.CoreStateHashDur.Observe(time.Since(hashStart).Seconds())
	}

	payload, err := json.Marshal(evt)
	if err != nil {
		panic(fmt.Sprintf("FATAL: encode %s payload: %v", eventType, err))
	}

	output := CoreOutput{
		Envelope: &event.EventEnvelope{
			Sequence:       c.sequence,
			IdempotencyKey: idempotencyKey,
			EventType:      evt.EventType(),
			Partition:      partition,
			Timestamp:      op.Time,
			SourceSequence: sourceSequence,
			Payload:        payload,
			StateHash:      stateHash,
			PrevHash:       prevHash,
			Rejection:      rejection,
		},
		Batch:      out.Batch,
		Records:    out.Records,
		StateDelta: stateDigest,
	}
	c.sequence++
	c.applied.Store(output.Envelope.Sequence)

	// Step 6: Emit. Persistence blocks (backpressure); projections drop
	// when full and catch up from the event log. A nil persist channel
	// runs the core without a log.
	if !c.replaying && c.persistChan != nil {
		select {
		case c.persistChan <- output:
		default:
			if c.metrics != nil {
				c.metrics.PersistBackpressure.Inc()
			}
			c.persistChan <- output
		}
	}
	if !c.replaying {
		select {
		case c.projectionChan <- output:
		default:
			if c.metrics != nil {
				c.metrics.ProjectionDrops.WithLabelValues("core").Inc()
			}
		}
	}

	// Step 7: Mark as processed (add to LRU)
	c.idempotency.MarkProcessed(eventType, idempotencyKey)

	if c.metrics != nil {
		c.metrics.CoreEventDuration.WithLabelValues(eventType).Observe(time.Since(start).Seconds())
		c.metrics.CoreSequence.Set(float64(c.sequence))
		for _, j := range out.Batch.Journals {
			c.metrics.CoreJournals.WithLabelValues(j.JournalType.String()).Inc()
		}
		c.metrics.ObservePool(c.engine.P(), c.engine.CurrentScale(), c.engine.CurrentEpoch(),
			c.engine.TotalDeposits(), c.engine.CollateralBalance())
	}

	if dispatchErr != nil {
		c.reject(eventType, rejectReason(dispatchErr))
		return fmt.Errorf("%s rejected: %w", eventType, dispatchErr)
	}
	if c.metrics != nil {
		c.metrics.CoreEventsApplied.WithLabelValues(eventType).Inc()
	}
	return nil
}

func (c *DeterministicCore) dispatchEvent(op Op, evt event.Event) (*Outcome, error) {
	switch e := evt.(type) {
	case *event.ProvideToSP:
		return c.engine.ProvideToSP(op, e.Depositor, e.Amount, e.FrontEndTag)
	case *event.WithdrawFromSP:
		return c.engine.WithdrawFromSP(op, e.Depositor, e.Amount)
	case *event.WithdrawCollateralGainToTrove:
		return c.handleWithdrawCollateralGainToTrove(op, e)
	case *event.RegisterFrontEnd:
		return c.engine.RegisterFrontEnd(op, e.FrontEnd, e.KickbackRate)
	case *event.LiquidationOffset:
		_, out, err := c.engine.Offset(op, e.Debt, e.Collateral)
		return out, err
	case *event.OpenTrove:
		return c.handleOpenTrove(op, e)
	case *event.PriceUpdate:
		return c.handlePriceUpdate(op, e)
	default:
		return nil, fmt.Errorf("unknown event type: %T", evt)
	}
}

func (c *DeterministicCore) handleWithdrawCollateralGainToTrove(op Op, evt *event.WithdrawCollateralGainToTrove) (*Outcome, error) {
	out, err := c.engine.WithdrawCollateralGainToTrove(op, evt.Depositor, evt.LoanOwner)
	if err != nil {
		return nil, err
	}
	if t, ok := c.troves.Get(evt.Owner()); ok {
		out.Records = append(out.Records, event.TroveUpdated{Owner: t.Owner, Collateral: t.Collateral, Debt: t.Debt})
	}
	return out, nil
}

// handleOpenTrove books a new loan: the debt is minted to the owner and the
// collateral enters the active pool.
func (c *DeterministicCore) handleOpenTrove(op Op, evt *event.OpenTrove) (*Outcome, error) {
	j := state.NewJournal()
	if err := c.troves.OpenTrove(evt.Owner, evt.Collateral, evt.Debt, j); err != nil {
		return nil, err
	}

	batch := ledger.NewBatch(op.Ref, op.Sequence, op.Time.UnixMicro())
	batch.AddMint(ledger.NewWalletKey(evt.Owner, ledger.AssetStablecoin), evt.Debt)
	batch.Add(c.troves.CollateralAccount(), ledger.NewExternalAccountKey(ledger.SubTypeExternalMint, ledger.AssetCollateral),
		evt.Collateral, ledger.JournalTypeTroveCollateral)
	if err := c.balanceTracker.ApplyBatch(batch); err != nil {
		j.Revert()
		return nil, fmt.Errorf("%w: %v", state.ErrExternalTransferFailed, err)
	}

	return &Outcome{
		Batch: batch,
		Records: []event.Record{event.TroveUpdated{
			Owner: evt.Owner, Collateral: evt.Collateral, Debt: evt.Debt,
		}},
	}, nil
}

func (c *DeterministicCore) handlePriceUpdate(op Op, evt *event.PriceUpdate) (*Outcome, error) {
	if evt.Price.IsZero() {
		return nil, state.ErrZeroAmount
	}
	c.troves.SetPrice(evt.Price)
	return &Outcome{Batch: ledger.NewBatch(op.Ref, op.Sequence, op.Time.UnixMicro())}, nil
}

func (c *DeterministicCore) reject(eventType, reason string) {
	if c.metrics != nil {
		c.metrics.CoreEventsRejected.WithLabelValues(eventType, reason).Inc()
	}
}

func rejectReason(err error) string {
	switch {
	case errors.Is(err, state.ErrExternalTransferFailed):
		return "transfer_failed"
	case errors.Is(err, ErrReentrantCall):
		return "reentrant"
	default:
		return "validation"
	}
}

// computeStateDigest creates canonical bytes for the state hash: every
// account the batch touched followed by the global accumulator.
func (c *DeterministicCore) computeStateDigest(batch *ledger.Batch) []byte {
	affectedAccounts := make(map[ledger.AccountKey]bool)
	if batch != nil {
		for _, j := range batch.Journals {
			affectedAccounts[j.DebitAccount] = true
			affectedAccounts[j.CreditAccount] = true
		}
	}

	accounts := make([]ledger.AccountKey, 0, len(affectedAccounts))
	for key := range affectedAccounts {
		accounts = append(accounts, key)
	}
	sort.Slice(accounts, func(i, j int) bool {
		return accounts[i].AccountPath() < accounts[j].AccountPath()
	})

	digest := make([]byte, 0, len(accounts)*96+112)
	for _, key := range accounts {
		path := key.AccountPath()
		digest = append(digest, byte(len(path)))
		digest = append(digest, []byte(path)...)

		if key.Scope == ledger.AccountScopeExternal {
			in, out := c.balanceTracker.ExternalFlows(key)
			digest = appendDecimal(digest, in)
			digest = appendDecimal(digest, out)
		} else {
			digest = appendDecimal(digest, c.balanceTracker.GetBalance(key))
		}
	}

	digest = appendDecimal(digest, c.engine.P())
	digest = appendUint64LE(digest, c.engine.CurrentScale())
	digest = appendUint64LE(digest, c.engine.CurrentEpoch())
	digest = appendDecimal(digest, c.engine.TotalDeposits())
	digest = appendDecimal(digest, c.engine.CollateralBalance())
	return digest
}

func appendDecimal(buf []byte, d fpmath.Decimal) []byte {
	b := d.Bytes32()
	return append(buf, b[:]...)
}

func appendUint64LE(buf []byte, v uint64) []byte {
	return append(buf,
		byte(v),
		byte(v>>8),
		byte(v>>16),
		byte(v>>24),
		byte(v>>32),
		byte(v>>40),
		byte(v>>48),
		byte(v>>56),
	)
}

// postCheckInvariants validates invariants after an event is applied.
func (c *DeterministicCore) postCheckInvariants() error {
	// The pool's token accounts must back its bookkeeping exactly.
	if err := c.validator.ValidatePoolBacking(c.engine.TotalDeposits(), c.engine.CollateralBalance()); err != nil {
		return fmt.Errorf("post-check pool backing: %w", err)
	}

	if c.sequence > 0 && c.sequence%GlobalCheckInterval == 0 {
		if err := c.validator.ValidateGlobalBalance(); err != nil {
			return fmt.Errorf("post-check zero-sum at seq %d: %w", c.sequence, err)
		}
	}
	return nil
}

// --- Accessors ---

// Engine exposes the pool for read-only queries.
func (c *DeterministicCore) Engine() *Engine {
	return c.engine
}

func (c *DeterministicCore) Ledger() *ledger.BalanceTracker {
	return c.balanceTracker
}

func (c *DeterministicCore) Troves() *trove.Registry {
	return c.troves
}

func (c *DeterministicCore) Issuance() *issuance.Community {
	return c.issuance
}

// SetReplaying switches output emission off while the event log is replayed.
// Deduplication falls back to the in-memory tier for the duration.
func (c *DeterministicCore) SetReplaying(replaying bool) {
	c.replaying = replaying
	c.idempotency.lruOnly = replaying
}

// --- Snapshot Restore & Startup Methods ---

// SnapshotState holds the serializable in-memory state for restore.
type SnapshotState struct {
	Sequence        int64                 `json:"sequence"`
	StateHash       [32]byte              `json:"state_hash"`
	Pool            *state.PoolSnapshot   `json:"pool"`
	Balances        []ledger.BalanceEntry `json:"balances"`
	Troves          []trove.Trove         `json:"troves"`
	Price           fpmath.Decimal        `json:"price"`
	TotalIssued     fpmath.Decimal        `json:"total_issued"`
	SequenceState   map[string]int64      `json:"sequence_state"`
	IdempotencyKeys []string              `json:"idempotency_keys"`
}

// RestoreFromSnapshot restores the core's in-memory state from a snapshot.
// On warm restart the latest snapshot is loaded, then the event log after
// it is replayed.
func (c *DeterministicCore) RestoreFromSnapshot(snap *SnapshotState) {
	c.sequence = snap.Sequence + 1 // Next sequence to assign
	c.applied.Store(snap.Sequence)
	c.hasher.SetPrevHash(snap.StateHash)

	for _, entry := range snap.Balances {
		c.balanceTracker.Restore(entry)
	}
	if snap.Pool != nil {
		c.engine.Restore(snap.Pool)
	}
	for _, t := range snap.Troves {
		c.troves.Restore(t)
	}
	c.troves.SetPrice(snap.Price)
	c.issuance.Restore(snap.TotalIssued)

	for partition, nextSeq := range snap.SequenceState {
		c.sequenceValidator.SetExpectedSequence(partition, nextSeq)
	}
	c.idempotency.lru.WarmFromKeys(snap.IdempotencyKeys)
}

// WarmLRU loads recent idempotency keys into the LRU cache so recently
// processed events avoid the database lookup.
func (c *DeterministicCore) WarmLRU(keys []string) {
	c.idempotency.lru.WarmFromKeys(keys)
}

// AppliedSequence is the last sequence the core assigned, or -1 before the
// first. Safe to call from any goroutine.
func (c *DeterministicCore) AppliedSequence() int64 {
	return c.applied.Load()
}

// GetSequence returns the next global sequence number to assign.
func (c *DeterministicCore) GetSequence() int64 {
	return c.sequence
}

// GetStateHash returns the current state hash (chain tip).
func (c *DeterministicCore) GetStateHash() [32]byte {
	return c.hasher.GetPrevHash()
}

// CreateSnapshotState captures the current in-memory state for persistence.
func (c *DeterministicCore) CreateSnapshotState() *SnapshotState {
	return &SnapshotState{
		Sequence:        c.sequence - 1, // Last processed sequence
		StateHash:       c.hasher.GetPrevHash(),
		Pool:            c.engine.Export(),
		Balances:        c.balanceTracker.Snapshot(),
		Troves:          c.troves.Troves(),
		Price:           c.troves.Price(),
		TotalIssued:     c.issuance.TotalIssued(),
		SequenceState:   c.sequenceValidator.GetAllPartitions(),
		IdempotencyKeys: c.idempotency.lru.GetAllKeys(),
	}
}
