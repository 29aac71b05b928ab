package state

import (
	"bytes"
	"sort"

	fpmath "StabilityPool/internal/math"

	"github.com/ethereum/go-ethereum/common"
)

// Deposit is a depositor's stablecoin position as of their last interaction.
// InitialValue is overwritten with the post-operation compounded balance on
// every provide or withdraw; it is not a running total of contributions.
type Deposit struct {
	InitialValue fpmath.Decimal `json:"initial_value"`
	FrontEndTag  common.Address `json:"front_end_tag"`
}

// DepositLedger maps depositors to their deposit and snapshot. Entries are
// zeroed, never deleted, once a balance reaches zero.
type DepositLedger struct {
	deposits  map[common.Address]Deposit
	snapshots map[common.Address]Snapshot
}

func NewDepositLedger() *DepositLedger {
	return &DepositLedger{
		deposits:  make(map[common.Address]Deposit),
		snapshots: make(map[common.Address]Snapshot),
	}
}

func (l *DepositLedger) Get(depositor common.Address) Deposit {
	return l.deposits[depositor]
}

func (l *DepositLedger) Snapshot(depositor common.Address) Snapshot {
	return l.snapshots[depositor]
}

// HasDeposit reports whether depositor holds a non-zero recorded deposit.
func (l *DepositLedger) HasDeposit(depositor common.Address) bool {
	return !l.deposits[depositor].InitialValue.IsZero()
}

// SetFrontEndTag fixes the front end a depositor was referred by.
func (l *DepositLedger) SetFrontEndTag(depositor, tag common.Address, j *Journal) {
	prev, had := l.deposits[depositor]
	d := prev
	d.FrontEndTag = tag
	l.deposits[depositor] = d
	j.record(func() { l.restoreDeposit(depositor, prev, had) })
}

// Update stores the depositor's new balance and re-snapshots the
// accumulator. A zero balance clears the tag and the snapshot.
func (l *DepositLedger) Update(depositor common.Address, newValue fpmath.Decimal, acc *Accumulator, j *Journal) {
	prevDeposit, hadDeposit := l.deposits[depositor]
	prevSnap, hadSnap := l.snapshots[depositor]
	j.record(func() {
		l.restoreDeposit(depositor, prevDeposit, hadDeposit)
		if hadSnap {
			l.snapshots[depositor] = prevSnap
		} else {
			delete(l.snapshots, depositor)
		}
	})

	d := prevDeposit
	d.InitialValue = newValue
	if newValue.IsZero() {
		d.FrontEndTag = common.Address{}
		l.deposits[depositor] = d
		l.snapshots[depositor] = Snapshot{}
		return
	}
	l.deposits[depositor] = d
	l.snapshots[depositor] = takeSnapshot(acc, true)
}

func (l *DepositLedger) restoreDeposit(depositor common.Address, prev Deposit, had bool) {
	if had {
		l.deposits[depositor] = prev
	} else {
		delete(l.deposits, depositor)
	}
}

// Depositors returns every address that ever deposited, sorted.
func (l *DepositLedger) Depositors() []common.Address {
	out := make([]common.Address, 0, len(l.deposits))
	for addr := range l.deposits {
		out = append(out, addr)
	}
	sortAddresses(out)
	return out
}

// Restore loads a persisted entry without journaling.
func (l *DepositLedger) Restore(depositor common.Address, d Deposit, snap Snapshot) {
	l.deposits[depositor] = d
	l.snapshots[depositor] = snap
}

func sortAddresses(addrs []common.Address) {
	sort.Slice(addrs, func(i, j int) bool {
		return bytes.Compare(addrs[i][:], addrs[j][:]) < 0
	})
}
