package query

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"StabilityPool/internal/core"
	"StabilityPool/internal/ledger"
	"StabilityPool/internal/observability"
	"StabilityPool/internal/projection"
	"StabilityPool/internal/state"

	"github.com/ethereum/go-ethereum/common"
)

// QueryService provides read-only access to the pool. Gains and balances
// are read from the live core so they are exact as of the returned
// sequence; history is read from the event log and projection tables.
type QueryService struct {
	core    *core.DeterministicCore
	db      *sql.DB
	offsets *projection.OffsetHistory
	metrics *observability.Metrics
}

// NewQueryService wires the service. db and offsets may be nil; the
// history queries then return ErrUnavailable.
func NewQueryService(c *core.DeterministicCore, db *sql.DB, offsets *projection.OffsetHistory, metrics *observability.Metrics) *QueryService {
	return &QueryService{core: c, db: db, offsets: offsets, metrics: metrics}
}

func (qs *QueryService) observe(endpoint string, start time.Time, err *error) {
	if qs.metrics == nil {
		return
	}
	status := "ok"
	if *err != nil {
		status = "error"
		code := "internal"
		switch {
		case errors.Is(*err, ErrNotFound):
			code = "not_found"
		case errors.Is(*err, ErrInvalidArgument):
			code = "invalid_argument"
		case errors.Is(*err, ErrUnavailable):
			code = "unavailable"
		}
		qs.metrics.QueryErrors.WithLabelValues(endpoint, code).Inc()
	}
	qs.metrics.QueryRequests.WithLabelValues(endpoint, status).Inc()
	qs.metrics.QueryDuration.WithLabelValues(endpoint).Observe(time.Since(start).Seconds())
}

// GetDeposit returns the depositor's compounded deposit and pending gains.
// A depositor who never deposited gets zeros, not ErrNotFound.
func (qs *QueryService) GetDeposit(ctx context.Context, depositor common.Address) (resp *DepositResponse, err error) {
	defer qs.observe("GetDeposit", time.Now(), &err)

	resp = &DepositResponse{Depositor: depositor, AsOfSequence: qs.core.AppliedSequence()}
	qs.core.Engine().Read(func(pool *state.Pool) {
		d := pool.Deposits.Get(depositor)
		snap := pool.Deposits.Snapshot(depositor)
		resp.FrontEndTag = d.FrontEndTag
		resp.InitialValue = d.InitialValue
		resp.CompoundedDeposit = pool.CompoundedDeposit(depositor)
		resp.CollateralGain = pool.DepositorCollateralGain(depositor)
		resp.RewardGain = pool.DepositorRewardGain(depositor)
		resp.SnapshotEpoch = snap.Epoch
		resp.SnapshotScale = snap.Scale
	})
	return resp, nil
}

func (qs *QueryService) GetFrontEnd(ctx context.Context, frontEnd common.Address) (resp *FrontEndResponse, err error) {
	defer qs.observe("GetFrontEnd", time.Now(), &err)

	resp = &FrontEndResponse{FrontEnd: frontEnd, AsOfSequence: qs.core.AppliedSequence()}
	qs.core.Engine().Read(func(pool *state.Pool) {
		fe := pool.FrontEnds.Get(frontEnd)
		resp.Registered = fe.Registered
		resp.KickbackRate = fe.KickbackRate
		resp.CompoundedStake = pool.CompoundedFrontEndStake(frontEnd)
		resp.RewardGain = pool.FrontEndRewardGain(frontEnd)
	})
	if !resp.Registered {
		return nil, fmt.Errorf("%w: front end %s is not registered", ErrNotFound, frontEnd.Hex())
	}
	return resp, nil
}

func (qs *QueryService) GetPool(ctx context.Context) (resp *PoolResponse, err error) {
	defer qs.observe("GetPool", time.Now(), &err)

	resp = &PoolResponse{
		AsOfSequence:    qs.core.AppliedSequence(),
		CollateralPrice: qs.core.Troves().Price(),
		TotalIssued:     qs.core.Issuance().TotalIssued(),
	}
	qs.core.Engine().Read(func(pool *state.Pool) {
		resp.P = pool.Acc.P()
		resp.CurrentScale = pool.Acc.CurrentScale()
		resp.CurrentEpoch = pool.Acc.CurrentEpoch()
		resp.TotalDeposits = pool.Acc.TotalDeposits()
		resp.CollateralBalance = pool.Acc.CollateralBalance()
	})
	return resp, nil
}

// GetSums returns S and G at (epoch, scale). Slots never written read zero.
func (qs *QueryService) GetSums(ctx context.Context, epoch, scale uint64) (resp *SumsResponse, err error) {
	defer qs.observe("GetSums", time.Now(), &err)

	resp = &SumsResponse{Epoch: epoch, Scale: scale, AsOfSequence: qs.core.AppliedSequence()}
	qs.core.Engine().Read(func(pool *state.Pool) {
		resp.S = pool.Acc.SumS(epoch, scale)
		resp.G = pool.Acc.SumG(epoch, scale)
	})
	return resp, nil
}

func (qs *QueryService) GetTrove(ctx context.Context, owner common.Address) (resp *TroveResponse, err error) {
	defer qs.observe("GetTrove", time.Now(), &err)

	asOf := qs.core.AppliedSequence()
	t, ok := qs.core.Troves().Get(owner)
	if !ok {
		return nil, fmt.Errorf("%w: no trove for %s", ErrNotFound, owner.Hex())
	}
	resp = &TroveResponse{Owner: owner, Collateral: t.Collateral, Debt: t.Debt, AsOfSequence: asOf}
	if icr, ok := t.ICR(qs.core.Troves().Price()); ok {
		resp.ICR = icr
	}
	return resp, nil
}

// RecentOffsets returns the latest offsets held in memory, newest first.
func (qs *QueryService) RecentOffsets(ctx context.Context, limit int) (resp []projection.OffsetEntry, err error) {
	defer qs.observe("RecentOffsets", time.Now(), &err)

	if qs.offsets == nil {
		return nil, ErrUnavailable
	}
	return qs.offsets.Recent(limit), nil
}

// GetOffsetHistory pages through every offset, newest first. Pass the
// smallest sequence of the previous page as beforeSequence.
func (qs *QueryService) GetOffsetHistory(ctx context.Context, limit int, beforeSequence *int64) (resp []OffsetHistoryEntry, err error) {
	defer qs.observe("GetOffsetHistory", time.Now(), &err)

	if qs.db == nil {
		return nil, ErrUnavailable
	}
	if limit <= 0 || limit > 1000 {
		return nil, fmt.Errorf("%w: limit must be in 1..1000", ErrInvalidArgument)
	}

	query := `
		SELECT sequence, debt_offset::text, collateral_added::text, debt_remaining::text,
		       collateral_remaining::text, epoch_rolled, scale_advanced, timestamp_us
		FROM projections.offset_history
	`
	args := []interface{}{}
	argIdx := 1
	if beforeSequence != nil {
		query += fmt.Sprintf(" WHERE sequence < $%d", argIdx)
		args = append(args, *beforeSequence)
		argIdx++
	}
	query += " ORDER BY sequence DESC"
	query += fmt.Sprintf(" LIMIT $%d", argIdx)
	args = append(args, limit)

	rows, err := qs.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	for rows.Next() {
		var e OffsetHistoryEntry
		if err := rows.Scan(
			&e.Sequence, &e.DebtOffset, &e.CollateralAdded, &e.DebtRemaining,
			&e.CollateralRemaining, &e.EpochRolled, &e.ScaleAdvanced, &e.Timestamp,
		); err != nil {
			return nil, err
		}
		resp = append(resp, e)
	}
	return resp, rows.Err()
}

// GetJournalHistory returns journal entries touching owner's wallets,
// newest first.
func (qs *QueryService) GetJournalHistory(ctx context.Context, owner common.Address, limit int, beforeSequence *int64) (resp []JournalHistoryEntry, err error) {
	defer qs.observe("GetJournalHistory", time.Now(), &err)

	if qs.db == nil {
		return nil, ErrUnavailable
	}
	if limit <= 0 || limit > 1000 {
		return nil, fmt.Errorf("%w: limit must be in 1..1000", ErrInvalidArgument)
	}

	accountPrefix := fmt.Sprintf("user:%s:%%", owner.Hex())
	query := `
		SELECT journal_id::text, batch_id::text, event_ref, sequence,
		       debit_account, credit_account, asset_id, amount::text, journal_type, timestamp_us
		FROM event_log.journal
		WHERE (debit_account LIKE $1 OR credit_account LIKE $1)
	`
	args := []interface{}{accountPrefix}
	argIdx := 2
	if beforeSequence != nil {
		query += fmt.Sprintf(" AND sequence < $%d", argIdx)
		args = append(args, *beforeSequence)
		argIdx++
	}
	query += " ORDER BY sequence DESC"
	query += fmt.Sprintf(" LIMIT $%d", argIdx)
	args = append(args, limit)

	rows, err := qs.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	for rows.Next() {
		var e JournalHistoryEntry
		if err := rows.Scan(
			&e.JournalID, &e.BatchID, &e.EventRef, &e.Sequence,
			&e.DebitAccount, &e.CreditAccount, &e.AssetID, &e.Amount,
			&e.JournalType, &e.Timestamp,
		); err != nil {
			return nil, err
		}
		resp = append(resp, e)
	}
	return resp, rows.Err()
}

// --- Admin APIs ---

// VerifyIntegrity checks pool backing on the live ledger and, when a
// database is configured, hash chain links and per-asset zero-sum over the
// projected balances. The backing check reads the engine and the token
// ledger separately, so a command in flight can flag it for one call.
func (qs *QueryService) VerifyIntegrity(ctx context.Context) (report *IntegrityReport, err error) {
	defer qs.observe("VerifyIntegrity", time.Now(), &err)

	report = &IntegrityReport{AsOfSequence: qs.core.AppliedSequence()}

	var total, coll = qs.core.Engine().TotalDeposits(), qs.core.Engine().CollateralBalance()
	if ledger.NewInvariantValidator(qs.core.Ledger()).ValidatePoolBacking(total, coll) != nil {
		report.PoolUnderBacked = true
	}

	if qs.db != nil {
		if report.HashChainBreaks, err = qs.hashChainBreaks(ctx); err != nil {
			return nil, err
		}
		if report.UnbalancedAssets, err = qs.unbalancedAssets(ctx); err != nil {
			return nil, err
		}
	}

	report.IsHealthy = !report.PoolUnderBacked &&
		len(report.HashChainBreaks) == 0 && len(report.UnbalancedAssets) == 0
	return report, nil
}

func (qs *QueryService) hashChainBreaks(ctx context.Context) ([]int64, error) {
	rows, err := qs.db.QueryContext(ctx, `
		SELECT e1.sequence
		FROM event_log.events e1
		JOIN event_log.events e2 ON e2.sequence = e1.sequence - 1
		WHERE e1.prev_hash != e2.state_hash
		ORDER BY e1.sequence
		LIMIT 10
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var breaks []int64
	for rows.Next() {
		var seq int64
		if err := rows.Scan(&seq); err != nil {
			return nil, err
		}
		breaks = append(breaks, seq)
	}
	return breaks, rows.Err()
}

func (qs *QueryService) unbalancedAssets(ctx context.Context) ([]UnbalancedAsset, error) {
	rows, err := qs.db.QueryContext(ctx, `
		SELECT asset_id, SUM(balance)::text
		FROM projections.balances
		GROUP BY asset_id
		HAVING SUM(balance) != 0
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []UnbalancedAsset
	for rows.Next() {
		var u UnbalancedAsset
		if err := rows.Scan(&u.AssetID, &u.Imbalance); err != nil {
			return nil, err
		}
		out = append(out, u)
	}
	return out, rows.Err()
}

// ProjectionWatermark is the last sequence the projection tables reflect,
// or -1 when nothing has been projected yet.
func (qs *QueryService) ProjectionWatermark(ctx context.Context) (seq int64, err error) {
	defer qs.observe("ProjectionWatermark", time.Now(), &err)

	if qs.db == nil {
		return 0, ErrUnavailable
	}
	err = qs.db.QueryRowContext(ctx, `
		SELECT last_sequence FROM projections.watermark WHERE worker_id = 'main'
	`).Scan(&seq)
	if errors.Is(err, sql.ErrNoRows) {
		return -1, nil
	}
	return seq, err
}

// AppliedSequence is the last sequence the live core has applied.
func (qs *QueryService) AppliedSequence() int64 {
	return qs.core.AppliedSequence()
}
