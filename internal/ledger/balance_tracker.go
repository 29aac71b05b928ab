package ledger

import (
	"errors"
	"fmt"
	"sort"
	"sync"

	fpmath "StabilityPool/internal/math"

	"github.com/ethereum/go-ethereum/common"
)

var (
	ErrInsufficientBalance = errors.New("token ledger: insufficient balance")
	ErrRecipientRejected   = errors.New("token ledger: recipient rejected transfer")
)

// BalanceTracker maintains in-memory token balances.
//
// User and system accounts never go negative. External accounts model the
// world outside the ledger and only count what flowed in through them and
// what flowed out, so the ledger is zero-sum when, per asset, internal
// balances add up to inflows minus outflows.
type BalanceTracker struct {
	mu        sync.RWMutex
	balances  map[AccountKey]fpmath.Decimal
	inflow    map[AccountKey]fpmath.Decimal
	outflow   map[AccountKey]fpmath.Decimal
	rejecting map[common.Address]bool
}

func NewBalanceTracker() *BalanceTracker {
	return &BalanceTracker{
		balances:  make(map[AccountKey]fpmath.Decimal),
		inflow:    make(map[AccountKey]fpmath.Decimal),
		outflow:   make(map[AccountKey]fpmath.Decimal),
		rejecting: make(map[common.Address]bool),
	}
}

// SetRejecting makes every transfer into owner's wallets fail, the way a
// recipient contract without a payable fallback refuses native tokens.
func (bt *BalanceTracker) SetRejecting(owner common.Address, reject bool) {
	bt.mu.Lock()
	defer bt.mu.Unlock()
	if reject {
		bt.rejecting[owner] = true
	} else {
		delete(bt.rejecting, owner)
	}
}

// ApplyBatch applies all journals in a batch, or none of them.
func (bt *BalanceTracker) ApplyBatch(batch *Batch) error {
	if err := batch.Validate(); err != nil {
		return fmt.Errorf("invalid batch: %w", err)
	}

	bt.mu.Lock()
	defer bt.mu.Unlock()

	// Stage internal balances on a copy of the touched accounts so a
	// failing leg leaves every balance untouched.
	staged := make(map[AccountKey]fpmath.Decimal)
	get := func(key AccountKey) fpmath.Decimal {
		if v, ok := staged[key]; ok {
			return v
		}
		return bt.balances[key]
	}

	for _, j := range batch.Journals {
		if j.DebitAccount.Scope == AccountScopeUser && bt.rejecting[j.DebitAccount.EntityID] {
			return fmt.Errorf("%w: %s", ErrRecipientRejected, j.DebitAccount.AccountPath())
		}
		if j.CreditAccount.Scope != AccountScopeExternal {
			credit := get(j.CreditAccount)
			if credit.Lt(j.Amount) {
				return fmt.Errorf("%w: %s has %s, needs %s",
					ErrInsufficientBalance, j.CreditAccount.AccountPath(), credit, j.Amount)
			}
			staged[j.CreditAccount] = credit.Sub(j.Amount)
		}
		if j.DebitAccount.Scope != AccountScopeExternal {
			staged[j.DebitAccount] = get(j.DebitAccount).Add(j.Amount)
		}
	}

	for key, v := range staged {
		bt.balances[key] = v
	}
	for _, j := range batch.Journals {
		if j.CreditAccount.Scope == AccountScopeExternal {
			bt.inflow[j.CreditAccount] = bt.inflow[j.CreditAccount].Add(j.Amount)
		}
		if j.DebitAccount.Scope == AccountScopeExternal {
			bt.outflow[j.DebitAccount] = bt.outflow[j.DebitAccount].Add(j.Amount)
		}
	}

	return nil
}

// GetBalance returns the current balance of a user or system account.
// External accounts have no balance; see ExternalFlows.
func (bt *BalanceTracker) GetBalance(key AccountKey) fpmath.Decimal {
	bt.mu.RLock()
	defer bt.mu.RUnlock()
	return bt.balances[key]
}

// ExternalFlows returns what entered and left the ledger through an
// external account.
func (bt *BalanceTracker) ExternalFlows(key AccountKey) (in, out fpmath.Decimal) {
	bt.mu.RLock()
	defer bt.mu.RUnlock()
	return bt.inflow[key], bt.outflow[key]
}

// WalletBalance returns owner's balance of an asset.
func (bt *BalanceTracker) WalletBalance(owner common.Address, assetID AssetID) fpmath.Decimal {
	return bt.GetBalance(NewWalletKey(owner, assetID))
}

// GlobalTotals are the per-asset sums used by the zero-sum check.
type GlobalTotals struct {
	Internal fpmath.Decimal
	Inflow   fpmath.Decimal
	Outflow  fpmath.Decimal
}

// ComputeGlobalBalance sums internal balances and external flows per asset.
func (bt *BalanceTracker) ComputeGlobalBalance() map[AssetID]GlobalTotals {
	bt.mu.RLock()
	defer bt.mu.RUnlock()

	totals := make(map[AssetID]GlobalTotals)
	for key, v := range bt.balances {
		t := totals[key.AssetID]
		t.Internal = t.Internal.Add(v)
		totals[key.AssetID] = t
	}
	for key, v := range bt.inflow {
		t := totals[key.AssetID]
		t.Inflow = t.Inflow.Add(v)
		totals[key.AssetID] = t
	}
	for key, v := range bt.outflow {
		t := totals[key.AssetID]
		t.Outflow = t.Outflow.Add(v)
		totals[key.AssetID] = t
	}
	return totals
}

// BalanceEntry is one account in a ledger snapshot. Internal accounts only
// use Balance; external accounts only use Inflow and Outflow.
type BalanceEntry struct {
	Account AccountKey     `json:"account"`
	Balance fpmath.Decimal `json:"balance"`
	Inflow  fpmath.Decimal `json:"inflow"`
	Outflow fpmath.Decimal `json:"outflow"`
}

// Snapshot returns every account, ordered by account path.
func (bt *BalanceTracker) Snapshot() []BalanceEntry {
	bt.mu.RLock()
	defer bt.mu.RUnlock()

	byKey := make(map[AccountKey]*BalanceEntry, len(bt.balances)+len(bt.inflow))
	entry := func(k AccountKey) *BalanceEntry {
		e, ok := byKey[k]
		if !ok {
			e = &BalanceEntry{Account: k}
			byKey[k] = e
		}
		return e
	}
	for k, v := range bt.balances {
		entry(k).Balance = v
	}
	for k, v := range bt.inflow {
		entry(k).Inflow = v
	}
	for k, v := range bt.outflow {
		entry(k).Outflow = v
	}

	out := make([]BalanceEntry, 0, len(byKey))
	for _, e := range byKey {
		out = append(out, *e)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].Account.AccountPath() < out[j].Account.AccountPath()
	})
	return out
}

// Restore loads a snapshot entry. Used only on warm restart.
func (bt *BalanceTracker) Restore(e BalanceEntry) {
	bt.mu.Lock()
	defer bt.mu.Unlock()
	if e.Account.Scope == AccountScopeExternal {
		bt.inflow[e.Account] = e.Inflow
		bt.outflow[e.Account] = e.Outflow
		return
	}
	bt.balances[e.Account] = e.Balance
}
