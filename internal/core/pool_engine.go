package core

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"StabilityPool/internal/event"
	"StabilityPool/internal/ledger"
	fpmath "StabilityPool/internal/math"
	"StabilityPool/internal/observability"
	"StabilityPool/internal/state"

	"github.com/ethereum/go-ethereum/common"
	"github.com/rs/zerolog"
)

// ErrReentrantCall is returned when an operation is started while another
// one is paying out through an external collaborator.
var ErrReentrantCall = errors.New("stability pool: reentrant call")

// TokenLedger moves stablecoin, collateral and reward tokens. A batch is
// applied whole or not at all.
type TokenLedger interface {
	ApplyBatch(batch *ledger.Batch) error
}

// RewardIssuer releases reward tokens on its own schedule. Issue returns
// the amount released since the previous call; the tokens sit in Account
// until the pool pays them out.
type RewardIssuer interface {
	Issue(now time.Time, j *state.Journal) (fpmath.Decimal, error)
	Account() ledger.AccountKey
}

// TroveLedger is the loan ledger collateral gains can be routed into.
type TroveLedger interface {
	HasActiveTrove(owner common.Address) bool
	HasUndercollateralizedTroves() bool
	MoveCollateralGainToTrove(owner common.Address, amount fpmath.Decimal, j *state.Journal) error
	CollateralAccount() ledger.AccountKey
}

// Op identifies one operation for the token ledger and the issuance
// schedule. Time is a versioned input, never the wall clock.
type Op struct {
	Ref      string
	Sequence int64
	Time     time.Time
}

// Outcome is what a successful operation produced.
type Outcome struct {
	Batch   *ledger.Batch
	Records []event.Record
}

// OffsetResult reports what the pool absorbed out of an offset request.
// The remainders are for the caller to redistribute elsewhere.
type OffsetResult struct {
	DebtOffset          fpmath.Decimal
	CollateralAdded     fpmath.Decimal
	DebtRemaining       fpmath.Decimal
	CollateralRemaining fpmath.Decimal
	Transition          state.OffsetTransition
}

// Engine is the stability pool. Every mutating operation runs under one
// lock, stages all bookkeeping on an undo journal, and only then calls the
// external collaborators. If any of them fails the journal is reverted, so
// no partial state is ever observable.
//
// Mutating operations must come from a single goroutine, the deterministic
// core. The in-flight flag cannot tell a collaborator calling back from a
// second caller, so any operation started during a payout is refused with
// ErrReentrantCall. Readers may run on any other goroutine and block until
// the running operation has settled or rolled back. Collaborators must not
// call readers: the write lock is held across the payout.
type Engine struct {
	mu     sync.RWMutex
	paying atomic.Bool

	pool    *state.Pool
	tokens  TokenLedger
	issuer  RewardIssuer
	troves  TroveLedger
	metrics *observability.Metrics
	logger  zerolog.Logger
}

func NewEngine(tokens TokenLedger, issuer RewardIssuer, troves TroveLedger, metrics *observability.Metrics, logger zerolog.Logger) *Engine {
	return &Engine{
		pool:    state.NewPool(),
		tokens:  tokens,
		issuer:  issuer,
		troves:  troves,
		metrics: metrics,
		logger:  logger,
	}
}

// enter takes the operation lock. A call made from inside a payout would
// deadlock on the lock, so the in-flight flag is checked first.
func (e *Engine) enter() error {
	if e.paying.Load() {
		return ErrReentrantCall
	}
	e.mu.Lock()
	return nil
}

func (e *Engine) leave() {
	e.mu.Unlock()
}

// external runs fn with the in-flight flag raised.
func (e *Engine) external(fn func() error) error {
	e.paying.Store(true)
	defer e.paying.Store(false)
	return fn()
}

// ProvideToSP deposits amount for depositor. frontEndTag takes effect only
// on a first deposit.
func (e *Engine) ProvideToSP(op Op, depositor common.Address, amount fpmath.Decimal, frontEndTag common.Address) (*Outcome, error) {
	if amount.IsZero() {
		return nil, state.ErrZeroAmount
	}
	if err := e.enter(); err != nil {
		return nil, err
	}
	defer e.leave()

	if frontEndTag != (common.Address{}) && !e.pool.FrontEnds.IsRegistered(frontEndTag) {
		return nil, state.ErrUnknownFrontEnd
	}
	if e.pool.FrontEnds.IsRegistered(depositor) {
		return nil, state.ErrCallerIsFrontEnd
	}

	j := state.NewJournal()
	batch := ledger.NewBatch(op.Ref, op.Sequence, op.Time.UnixMicro())
	out := &Outcome{Batch: batch}

	if err := e.triggerIssuance(op, j, out); err != nil {
		return nil, e.rollback("provide", j, err)
	}

	if !e.pool.Deposits.HasDeposit(depositor) {
		e.pool.Deposits.SetFrontEndTag(depositor, frontEndTag, j)
	}

	collateralGain := e.pool.DepositorCollateralGain(depositor)
	compounded := e.pool.CompoundedDeposit(depositor)
	frontEnd := e.pool.Deposits.Get(depositor).FrontEndTag

	depositorReward, frontEndReward := e.payRewardGains(depositor, frontEnd, batch)

	if frontEnd != (common.Address{}) {
		stake := e.pool.CompoundedFrontEndStake(frontEnd).Add(amount)
		e.pool.FrontEnds.UpdateStake(frontEnd, stake, e.pool.Acc, j)
		out.Records = append(out.Records, event.FrontEndStakeChanged{
			FrontEnd: frontEnd, NewStake: stake, RewardGainPaid: frontEndReward,
		})
	}

	e.pool.Acc.IncreaseDeposits(amount, j)
	batch.AddPoolDeposit(depositor, amount)

	newDeposit := compounded.Add(amount)
	e.pool.Deposits.Update(depositor, newDeposit, e.pool.Acc, j)

	e.pool.Acc.DecreaseCollateral(collateralGain, j)
	batch.AddCollateralGain(depositor, collateralGain)

	out.Records = append(out.Records, event.DepositChanged{
		Depositor:            depositor,
		FrontEndTag:          frontEnd,
		NewCompoundedDeposit: newDeposit,
		CollateralGainPaid:   collateralGain,
		RewardGainPaid:       depositorReward,
	}, e.poolState())

	if err := e.settle(batch, j); err != nil {
		return nil, e.rollback("provide", j, err)
	}
	e.observePayout("wallet", collateralGain, depositorReward, frontEndReward)
	return out, nil
}

// WithdrawFromSP withdraws min(amount, compounded deposit) and pays out
// every pending gain. A zero amount only claims gains.
func (e *Engine) WithdrawFromSP(op Op, depositor common.Address, amount fpmath.Decimal) (*Outcome, error) {
	if err := e.enter(); err != nil {
		return nil, err
	}
	defer e.leave()

	if !amount.IsZero() && e.troves.HasUndercollateralizedTroves() {
		return nil, state.ErrUndercollateralizedTroves
	}
	if !e.pool.Deposits.HasDeposit(depositor) {
		return nil, state.ErrNoActiveDeposit
	}
	frontEnd := e.pool.Deposits.Get(depositor).FrontEndTag

	j := state.NewJournal()
	batch := ledger.NewBatch(op.Ref, op.Sequence, op.Time.UnixMicro())
	out := &Outcome{Batch: batch}

	if err := e.triggerIssuance(op, j, out); err != nil {
		return nil, e.rollback("withdraw", j, err)
	}

	collateralGain := e.pool.DepositorCollateralGain(depositor)
	compounded := e.pool.CompoundedDeposit(depositor)
	toWithdraw := fpmath.Min(amount, compounded)

	depositorReward, frontEndReward := e.payRewardGains(depositor, frontEnd, batch)

	if frontEnd != (common.Address{}) {
		// The stake compounds as one lump, so per-depositor truncation can
		// leave it a few raw units below the sum of its deposits.
		stake := e.pool.CompoundedFrontEndStake(frontEnd).SaturatingSub(toWithdraw)
		e.pool.FrontEnds.UpdateStake(frontEnd, stake, e.pool.Acc, j)
		out.Records = append(out.Records, event.FrontEndStakeChanged{
			FrontEnd: frontEnd, NewStake: stake, RewardGainPaid: frontEndReward,
		})
	}

	e.pool.Acc.DecreaseDeposits(toWithdraw, j)
	batch.AddPoolWithdrawal(depositor, toWithdraw)

	newDeposit := compounded.Sub(toWithdraw)
	e.pool.Deposits.Update(depositor, newDeposit, e.pool.Acc, j)

	e.pool.Acc.DecreaseCollateral(collateralGain, j)
	batch.AddCollateralGain(depositor, collateralGain)

	out.Records = append(out.Records, event.DepositChanged{
		Depositor:            depositor,
		FrontEndTag:          e.pool.Deposits.Get(depositor).FrontEndTag,
		NewCompoundedDeposit: newDeposit,
		CollateralGainPaid:   collateralGain,
		RewardGainPaid:       depositorReward,
	}, e.poolState())

	if err := e.settle(batch, j); err != nil {
		return nil, e.rollback("withdraw", j, err)
	}
	e.observePayout("wallet", collateralGain, depositorReward, frontEndReward)
	return out, nil
}

// WithdrawCollateralGainToTrove sends the depositor's whole collateral gain
// into loanOwner's trove instead of their wallet. The deposit itself stays
// in the pool. A zero loanOwner means the depositor's own trove.
func (e *Engine) WithdrawCollateralGainToTrove(op Op, depositor, loanOwner common.Address) (*Outcome, error) {
	if err := e.enter(); err != nil {
		return nil, err
	}
	defer e.leave()

	if loanOwner == (common.Address{}) {
		loanOwner = depositor
	}
	if !e.pool.Deposits.HasDeposit(depositor) {
		return nil, state.ErrNoActiveDeposit
	}
	if !e.troves.HasActiveTrove(loanOwner) {
		return nil, state.ErrNoActiveTrove
	}
	collateralGain := e.pool.DepositorCollateralGain(depositor)
	if collateralGain.IsZero() {
		return nil, state.ErrNoCollateralGain
	}
	frontEnd := e.pool.Deposits.Get(depositor).FrontEndTag

	j := state.NewJournal()
	batch := ledger.NewBatch(op.Ref, op.Sequence, op.Time.UnixMicro())
	out := &Outcome{Batch: batch}

	if err := e.triggerIssuance(op, j, out); err != nil {
		return nil, e.rollback("withdraw_to_trove", j, err)
	}

	compounded := e.pool.CompoundedDeposit(depositor)
	depositorReward, frontEndReward := e.payRewardGains(depositor, frontEnd, batch)

	if frontEnd != (common.Address{}) {
		stake := e.pool.CompoundedFrontEndStake(frontEnd)
		e.pool.FrontEnds.UpdateStake(frontEnd, stake, e.pool.Acc, j)
		out.Records = append(out.Records, event.FrontEndStakeChanged{
			FrontEnd: frontEnd, NewStake: stake, RewardGainPaid: frontEndReward,
		})
	}

	e.pool.Deposits.Update(depositor, compounded, e.pool.Acc, j)

	e.pool.Acc.DecreaseCollateral(collateralGain, j)
	batch.AddCollateralGainToTrove(e.troves.CollateralAccount(), collateralGain)

	out.Records = append(out.Records, event.DepositChanged{
		Depositor:             depositor,
		FrontEndTag:           frontEnd,
		NewCompoundedDeposit:  compounded,
		CollateralGainPaid:    collateralGain,
		RewardGainPaid:        depositorReward,
		CollateralSentToTrove: true,
	}, e.poolState())

	err := e.external(func() error {
		return e.troves.MoveCollateralGainToTrove(loanOwner, collateralGain, j)
	})
	if err != nil {
		return nil, e.rollback("withdraw_to_trove", j, err)
	}
	if err := e.settle(batch, j); err != nil {
		return nil, e.rollback("withdraw_to_trove", j, err)
	}
	e.observePayout("trove", collateralGain, depositorReward, frontEndReward)
	return out, nil
}

// RegisterFrontEnd registers frontEnd with a kickback rate in [0, 1].
func (e *Engine) RegisterFrontEnd(op Op, frontEnd common.Address, kickbackRate fpmath.Decimal) (*Outcome, error) {
	if err := e.enter(); err != nil {
		return nil, err
	}
	defer e.leave()

	if e.pool.FrontEnds.IsRegistered(frontEnd) {
		return nil, state.ErrAlreadyRegistered
	}
	if e.pool.Deposits.HasDeposit(frontEnd) {
		return nil, state.ErrMustHaveNoDeposit
	}
	if kickbackRate.Gt(fpmath.One) {
		return nil, state.ErrInvalidKickbackRate
	}

	e.pool.FrontEnds.Register(frontEnd, kickbackRate, nil)

	e.logger.Info().
		Str("front_end", frontEnd.Hex()).
		Str("kickback_rate", kickbackRate.FormatUnits()).
		Msg("front end registered")

	return &Outcome{
		Batch: ledger.NewBatch(op.Ref, op.Sequence, op.Time.UnixMicro()),
		Records: []event.Record{event.FrontEndRegistered{
			FrontEnd: frontEnd, KickbackRate: kickbackRate,
		}},
	}, nil
}

// Offset cancels up to debt of pooled stablecoin against collateral. The
// debt is capped at the pool's total deposits and the collateral prorated
// to match. An empty pool or zero debt leaves everything untouched.
func (e *Engine) Offset(op Op, debt, collateral fpmath.Decimal) (*OffsetResult, *Outcome, error) {
	if err := e.enter(); err != nil {
		return nil, nil, err
	}
	defer e.leave()

	batch := ledger.NewBatch(op.Ref, op.Sequence, op.Time.UnixMicro())
	out := &Outcome{Batch: batch}
	res := &OffsetResult{DebtRemaining: debt, CollateralRemaining: collateral}

	total := e.pool.Acc.TotalDeposits()
	if total.IsZero() || debt.IsZero() {
		out.Records = append(out.Records, event.LiquidationOffsetApplied{
			DebtRemaining: debt, CollateralRemaining: collateral,
		})
		return res, out, nil
	}

	j := state.NewJournal()
	if err := e.triggerIssuance(op, j, out); err != nil {
		return nil, nil, e.rollback("offset", j, err)
	}

	res.DebtOffset = fpmath.Min(debt, total)
	res.CollateralAdded = collateral
	if res.DebtOffset.Lt(debt) {
		res.CollateralAdded = fpmath.MulDiv(collateral, res.DebtOffset, debt, fpmath.RoundDown)
	}
	res.DebtRemaining = debt.Sub(res.DebtOffset)
	res.CollateralRemaining = collateral.Sub(res.CollateralAdded)

	res.Transition = e.pool.Acc.ApplyLiquidationOffset(res.DebtOffset, res.CollateralAdded, j)
	batch.AddOffset(res.DebtOffset, res.CollateralAdded)

	t := res.Transition
	out.Records = append(out.Records,
		event.SumUpdated{Sum: "S", Epoch: t.Slot.Epoch, Scale: t.Slot.Scale, Value: t.NewS},
		event.LiquidationOffsetApplied{
			DebtOffset:          res.DebtOffset,
			CollateralAdded:     res.CollateralAdded,
			DebtRemaining:       res.DebtRemaining,
			CollateralRemaining: res.CollateralRemaining,
			EpochRolled:         t.EpochRolled,
			ScaleAdvanced:       t.ScaleAdvanced,
		},
		e.poolState(),
	)

	if err := e.settle(batch, j); err != nil {
		return nil, nil, e.rollback("offset", j, err)
	}

	switch {
	case t.EpochRolled:
		e.logger.Info().
			Uint64("epoch", e.pool.Acc.CurrentEpoch()).
			Str("debt", res.DebtOffset.FormatUnits()).
			Msg("pool emptied by offset, epoch rolled over")
	case t.ScaleAdvanced:
		e.logger.Info().
			Uint64("scale", e.pool.Acc.CurrentScale()).
			Str("p", t.NewP.String()).
			Msg("P rescaled")
	}
	if e.metrics != nil {
		e.metrics.PoolOffsets.Inc()
		e.metrics.PoolDebtOffset.Add(observability.Units(res.DebtOffset))
		if t.EpochRolled {
			e.metrics.PoolEpochRollovers.Inc()
		}
		if t.ScaleAdvanced {
			e.metrics.PoolScaleChanges.Inc()
		}
	}
	return res, out, nil
}

// triggerIssuance pulls newly released reward tokens and folds them into G.
// While the pool is empty the release is left unclaimed in the issuer.
func (e *Engine) triggerIssuance(op Op, j *state.Journal, out *Outcome) error {
	if e.issuer == nil {
		return nil
	}
	var issued fpmath.Decimal
	err := e.external(func() error {
		var err error
		issued, err = e.issuer.Issue(op.Time, j)
		return err
	})
	if err != nil {
		return fmt.Errorf("%w: reward issuance: %v", state.ErrExternalTransferFailed, err)
	}

	marginal := e.pool.Acc.FoldReward(issued, j)
	if marginal.IsZero() {
		return nil
	}
	cur := e.pool.Acc.Current()
	out.Records = append(out.Records, event.SumUpdated{
		Sum: "G", Epoch: cur.Epoch, Scale: cur.Scale, Value: e.pool.Acc.SumG(cur.Epoch, cur.Scale),
	})
	if e.metrics != nil {
		e.metrics.RewardIssued.Add(observability.Units(issued))
	}
	return nil
}

// payRewardGains adds the reward legs for a depositor and their front end.
func (e *Engine) payRewardGains(depositor, frontEnd common.Address, batch *ledger.Batch) (depositorReward, frontEndReward fpmath.Decimal) {
	depositorReward = e.pool.DepositorRewardGain(depositor)
	if frontEnd != (common.Address{}) {
		frontEndReward = e.pool.FrontEndRewardGain(frontEnd)
	}
	if e.issuer == nil {
		return fpmath.Zero, fpmath.Zero
	}
	batch.AddReward(e.issuer.Account(), frontEnd, frontEndReward, ledger.JournalTypeFrontEndReward)
	batch.AddReward(e.issuer.Account(), depositor, depositorReward, ledger.JournalTypeDepositorReward)
	return depositorReward, frontEndReward
}

// settle hands the finished batch to the token ledger.
func (e *Engine) settle(batch *ledger.Batch, j *state.Journal) error {
	if len(batch.Journals) == 0 {
		return nil
	}
	err := e.external(func() error {
		return e.tokens.ApplyBatch(batch)
	})
	if err != nil {
		return fmt.Errorf("%w: %v", state.ErrExternalTransferFailed, err)
	}
	j.Commit()
	return nil
}

// rollback undoes every staged mutation and passes err through.
func (e *Engine) rollback(operation string, j *state.Journal, err error) error {
	n := j.Len()
	j.Revert()
	e.logger.Warn().
		Err(err).
		Str("operation", operation).
		Int("mutations", n).
		Msg("operation rolled back")
	if e.metrics != nil {
		reason := "collaborator"
		if errors.Is(err, state.ErrExternalTransferFailed) {
			reason = "transfer"
		}
		e.metrics.PoolRollbacks.WithLabelValues(operation, reason).Inc()
	}
	return err
}

func (e *Engine) poolState() event.PoolStateChanged {
	a := e.pool.Acc
	return event.PoolStateChanged{
		P:                 a.P(),
		CurrentScale:      a.CurrentScale(),
		CurrentEpoch:      a.CurrentEpoch(),
		TotalDeposits:     a.TotalDeposits(),
		CollateralBalance: a.CollateralBalance(),
	}
}

func (e *Engine) observePayout(destination string, collateral, depositorReward, frontEndReward fpmath.Decimal) {
	if e.metrics == nil {
		return
	}
	a := e.pool.Acc
	e.metrics.ObservePool(a.P(), a.CurrentScale(), a.CurrentEpoch(), a.TotalDeposits(), a.CollateralBalance())
	if !collateral.IsZero() {
		e.metrics.PoolCollateralPaid.WithLabelValues(destination).Add(observability.Units(collateral))
	}
	if !depositorReward.IsZero() {
		e.metrics.PoolRewardPaid.WithLabelValues("depositor").Add(observability.Units(depositorReward))
	}
	if !frontEndReward.IsZero() {
		e.metrics.PoolRewardPaid.WithLabelValues("front_end").Add(observability.Units(frontEndReward))
	}
}

// --- Queries ---

func (e *Engine) CompoundedDeposit(depositor common.Address) fpmath.Decimal {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.pool.CompoundedDeposit(depositor)
}

func (e *Engine) DepositorCollateralGain(depositor common.Address) fpmath.Decimal {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.pool.DepositorCollateralGain(depositor)
}

func (e *Engine) DepositorRewardGain(depositor common.Address) fpmath.Decimal {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.pool.DepositorRewardGain(depositor)
}

func (e *Engine) CompoundedFrontEndStake(frontEnd common.Address) fpmath.Decimal {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.pool.CompoundedFrontEndStake(frontEnd)
}

func (e *Engine) FrontEndRewardGain(frontEnd common.Address) fpmath.Decimal {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.pool.FrontEndRewardGain(frontEnd)
}

func (e *Engine) TotalDeposits() fpmath.Decimal {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.pool.Acc.TotalDeposits()
}

func (e *Engine) CollateralBalance() fpmath.Decimal {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.pool.Acc.CollateralBalance()
}

func (e *Engine) P() fpmath.Decimal {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.pool.Acc.P()
}

func (e *Engine) CurrentScale() uint64 {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.pool.Acc.CurrentScale()
}

func (e *Engine) CurrentEpoch() uint64 {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.pool.Acc.CurrentEpoch()
}

func (e *Engine) SumS(epoch, scale uint64) fpmath.Decimal {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.pool.Acc.SumS(epoch, scale)
}

func (e *Engine) SumG(epoch, scale uint64) fpmath.Decimal {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.pool.Acc.SumG(epoch, scale)
}

// Read runs fn under the read lock so several values come from the same state.
func (e *Engine) Read(fn func(pool *state.Pool)) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	fn(e.pool)
}

// Deposit returns the recorded deposit and its snapshot.
func (e *Engine) Deposit(depositor common.Address) (state.Deposit, state.Snapshot) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.pool.Deposits.Get(depositor), e.pool.Deposits.Snapshot(depositor)
}

// FrontEnd returns the front end's registration and its raw stake.
func (e *Engine) FrontEnd(addr common.Address) (state.FrontEnd, fpmath.Decimal) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.pool.FrontEnds.Get(addr), e.pool.FrontEnds.Stake(addr)
}

// SumOfCompoundedDeposits walks every depositor; use for checks only.
func (e *Engine) SumOfCompoundedDeposits() fpmath.Decimal {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.pool.SumOfCompoundedDeposits()
}

// Export captures the pool for a snapshot.
func (e *Engine) Export() *state.PoolSnapshot {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.pool.Export()
}

// Restore replaces the pool with a snapshot. Used only on warm restart.
func (e *Engine) Restore(snap *state.PoolSnapshot) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.pool = state.RestorePool(snap)
}
