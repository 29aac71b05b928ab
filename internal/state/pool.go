package state

import (
	"sort"

	fpmath "StabilityPool/internal/math"

	"github.com/ethereum/go-ethereum/common"
)

// Pool is the aggregate of all stability pool bookkeeping.
// Not thread-safe: the core serializes every access.
type Pool struct {
	Acc       *Accumulator
	Deposits  *DepositLedger
	FrontEnds *FrontEndLedger
}

func NewPool() *Pool {
	return &Pool{
		Acc:       NewAccumulator(),
		Deposits:  NewDepositLedger(),
		FrontEnds: NewFrontEndLedger(),
	}
}

// CompoundedDeposit is the depositor's balance after every loss absorbed
// since their last interaction.
func (p *Pool) CompoundedDeposit(depositor common.Address) fpmath.Decimal {
	return compoundedStake(p.Acc, p.Deposits.Get(depositor).InitialValue, p.Deposits.Snapshot(depositor))
}

// DepositorCollateralGain is the collateral owed to the depositor.
func (p *Pool) DepositorCollateralGain(depositor common.Address) fpmath.Decimal {
	return collateralGain(p.Acc, p.Deposits.Get(depositor).InitialValue, p.Deposits.Snapshot(depositor))
}

// DepositorRewardGain is the depositor's share of reward issuance: the
// kickback rate of their front end applied to the raw gain, or all of it
// when they are untagged.
func (p *Pool) DepositorRewardGain(depositor common.Address) fpmath.Decimal {
	d := p.Deposits.Get(depositor)
	if d.InitialValue.IsZero() {
		return fpmath.Zero
	}
	kickback := fpmath.One
	if d.FrontEndTag != (common.Address{}) {
		kickback = p.FrontEnds.Get(d.FrontEndTag).KickbackRate
	}
	raw := rewardGain(p.Acc, d.InitialValue, p.Deposits.Snapshot(depositor))
	return kickback.Mul(raw)
}

// CompoundedFrontEndStake compounds a front end's stake through P.
func (p *Pool) CompoundedFrontEndStake(frontEnd common.Address) fpmath.Decimal {
	return compoundedStake(p.Acc, p.FrontEnds.Stake(frontEnd), p.FrontEnds.Snapshot(frontEnd))
}

// FrontEndRewardGain is the front end's (1 - kickbackRate) share of the
// reward earned by its stake.
func (p *Pool) FrontEndRewardGain(frontEnd common.Address) fpmath.Decimal {
	stake := p.FrontEnds.Stake(frontEnd)
	if stake.IsZero() {
		return fpmath.Zero
	}
	share := fpmath.One.Sub(p.FrontEnds.Get(frontEnd).KickbackRate)
	raw := rewardGain(p.Acc, stake, p.FrontEnds.Snapshot(frontEnd))
	return share.Mul(raw)
}

// SumOfCompoundedDeposits adds up every depositor's compounded balance.
// It is O(depositors) and only meant for invariant checks and tests.
func (p *Pool) SumOfCompoundedDeposits() fpmath.Decimal {
	sum := fpmath.Zero
	for _, d := range p.Deposits.Depositors() {
		sum = sum.Add(p.CompoundedDeposit(d))
	}
	return sum
}

// --- Snapshot export/import ---

// SumEntry is one (epoch, scale) slot of S or G.
type SumEntry struct {
	Epoch uint64         `json:"epoch"`
	Scale uint64         `json:"scale"`
	Value fpmath.Decimal `json:"value"`
}

type DepositEntry struct {
	Depositor common.Address `json:"depositor"`
	Deposit   Deposit        `json:"deposit"`
	Snapshot  Snapshot       `json:"snapshot"`
}

type FrontEndEntry struct {
	FrontEnd common.Address `json:"front_end"`
	Info     FrontEnd       `json:"info"`
	Stake    fpmath.Decimal `json:"stake"`
	Snapshot Snapshot       `json:"snapshot"`
}

// PoolSnapshot is the serializable form of Pool, ordered deterministically.
type PoolSnapshot struct {
	P                   fpmath.Decimal    `json:"p"`
	CurrentScale        uint64            `json:"current_scale"`
	CurrentEpoch        uint64            `json:"current_epoch"`
	TotalDeposits       fpmath.Decimal    `json:"total_deposits"`
	CollateralBalance   fpmath.Decimal    `json:"collateral_balance"`
	LastCollateralError fpmath.Decimal    `json:"last_collateral_error"`
	LastLossError       fpmath.Decimal    `json:"last_loss_error"`
	LastRewardError     fpmath.Decimal    `json:"last_reward_error"`
	SumS                []SumEntry        `json:"sum_s"`
	SumG                []SumEntry        `json:"sum_g"`
	FinalScales         map[uint64]uint64 `json:"final_scales"`
	Deposits            []DepositEntry    `json:"deposits"`
	FrontEnds           []FrontEndEntry   `json:"front_ends"`
}

// Export captures the full pool state.
func (p *Pool) Export() *PoolSnapshot {
	a := p.Acc
	snap := &PoolSnapshot{
		P:                   a.p,
		CurrentScale:        a.scale,
		CurrentEpoch:        a.epoch,
		TotalDeposits:       a.totalDeposits,
		CollateralBalance:   a.collateralBalance,
		LastCollateralError: a.lastCollateralError,
		LastLossError:       a.lastLossError,
		LastRewardError:     a.lastRewardError,
		SumS:                exportSums(a.sumS),
		SumG:                exportSums(a.sumG),
		FinalScales:         make(map[uint64]uint64, len(a.finalScale)),
	}
	for e, s := range a.finalScale {
		snap.FinalScales[e] = s
	}
	for _, addr := range p.Deposits.Depositors() {
		snap.Deposits = append(snap.Deposits, DepositEntry{
			Depositor: addr,
			Deposit:   p.Deposits.Get(addr),
			Snapshot:  p.Deposits.Snapshot(addr),
		})
	}
	for _, addr := range p.FrontEnds.FrontEnds() {
		snap.FrontEnds = append(snap.FrontEnds, FrontEndEntry{
			FrontEnd: addr,
			Info:     p.FrontEnds.Get(addr),
			Stake:    p.FrontEnds.Stake(addr),
			Snapshot: p.FrontEnds.Snapshot(addr),
		})
	}
	return snap
}

// RestorePool rebuilds a Pool from a snapshot.
func RestorePool(snap *PoolSnapshot) *Pool {
	p := NewPool()
	a := p.Acc
	a.p = snap.P
	a.scale = snap.CurrentScale
	a.epoch = snap.CurrentEpoch
	a.totalDeposits = snap.TotalDeposits
	a.collateralBalance = snap.CollateralBalance
	a.lastCollateralError = snap.LastCollateralError
	a.lastLossError = snap.LastLossError
	a.lastRewardError = snap.LastRewardError
	for _, e := range snap.SumS {
		a.sumS[EpochScale{Epoch: e.Epoch, Scale: e.Scale}] = e.Value
	}
	for _, e := range snap.SumG {
		a.sumG[EpochScale{Epoch: e.Epoch, Scale: e.Scale}] = e.Value
	}
	for e, s := range snap.FinalScales {
		a.finalScale[e] = s
	}
	for _, d := range snap.Deposits {
		p.Deposits.Restore(d.Depositor, d.Deposit, d.Snapshot)
	}
	for _, fe := range snap.FrontEnds {
		p.FrontEnds.Restore(fe.FrontEnd, fe.Info, fe.Stake, fe.Snapshot)
	}
	return p
}

func exportSums(m map[EpochScale]fpmath.Decimal) []SumEntry {
	out := make([]SumEntry, 0, len(m))
	for k, v := range m {
		out = append(out, SumEntry{Epoch: k.Epoch, Scale: k.Scale, Value: v})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Epoch != out[j].Epoch {
			return out[i].Epoch < out[j].Epoch
		}
		return out[i].Scale < out[j].Scale
	})
	return out
}
