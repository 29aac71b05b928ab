package state

import (
	fpmath "StabilityPool/internal/math"

	"github.com/ethereum/go-ethereum/common"
)

// FrontEnd is a registered referrer. The kickback rate is the share of
// reward issuance passed on to the depositors it tags; the front end keeps
// the rest. It never changes after registration.
type FrontEnd struct {
	KickbackRate fpmath.Decimal `json:"kickback_rate"`
	Registered   bool           `json:"registered"`
}

// FrontEndLedger tracks front ends and their stakes. A stake is the sum of
// the compounded deposits tagged with the front end, and is compounded
// through P and G only.
type FrontEndLedger struct {
	frontEnds map[common.Address]FrontEnd
	stakes    map[common.Address]fpmath.Decimal
	snapshots map[common.Address]Snapshot
}

func NewFrontEndLedger() *FrontEndLedger {
	return &FrontEndLedger{
		frontEnds: make(map[common.Address]FrontEnd),
		stakes:    make(map[common.Address]fpmath.Decimal),
		snapshots: make(map[common.Address]Snapshot),
	}
}

func (l *FrontEndLedger) Get(addr common.Address) FrontEnd {
	return l.frontEnds[addr]
}

func (l *FrontEndLedger) IsRegistered(addr common.Address) bool {
	return l.frontEnds[addr].Registered
}

func (l *FrontEndLedger) Stake(addr common.Address) fpmath.Decimal {
	return l.stakes[addr]
}

func (l *FrontEndLedger) Snapshot(addr common.Address) Snapshot {
	return l.snapshots[addr]
}

// Register records a new front end. Validation is the caller's job.
func (l *FrontEndLedger) Register(addr common.Address, kickbackRate fpmath.Decimal, j *Journal) {
	prev, had := l.frontEnds[addr]
	l.frontEnds[addr] = FrontEnd{KickbackRate: kickbackRate, Registered: true}
	j.record(func() {
		if had {
			l.frontEnds[addr] = prev
		} else {
			delete(l.frontEnds, addr)
		}
	})
}

// UpdateStake stores the new stake and re-snapshots P and G.
func (l *FrontEndLedger) UpdateStake(addr common.Address, newValue fpmath.Decimal, acc *Accumulator, j *Journal) {
	prevStake, hadStake := l.stakes[addr]
	prevSnap, hadSnap := l.snapshots[addr]
	j.record(func() {
		if hadStake {
			l.stakes[addr] = prevStake
		} else {
			delete(l.stakes, addr)
		}
		if hadSnap {
			l.snapshots[addr] = prevSnap
		} else {
			delete(l.snapshots, addr)
		}
	})

	l.stakes[addr] = newValue
	if newValue.IsZero() {
		l.snapshots[addr] = Snapshot{}
		return
	}
	l.snapshots[addr] = takeSnapshot(acc, false)
}

// FrontEnds returns every registered front end, sorted.
func (l *FrontEndLedger) FrontEnds() []common.Address {
	out := make([]common.Address, 0, len(l.frontEnds))
	for addr := range l.frontEnds {
		out = append(out, addr)
	}
	sortAddresses(out)
	return out
}

// Restore loads a persisted front end without journaling.
func (l *FrontEndLedger) Restore(addr common.Address, fe FrontEnd, stake fpmath.Decimal, snap Snapshot) {
	l.frontEnds[addr] = fe
	l.stakes[addr] = stake
	l.snapshots[addr] = snap
}
