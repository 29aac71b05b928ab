package trove

import (
	"errors"
	"fmt"
	"sync"

	"StabilityPool/internal/ledger"
	fpmath "StabilityPool/internal/math"
	"StabilityPool/internal/state"

	"github.com/ethereum/go-ethereum/common"
)

var ErrTroveExists = errors.New("trove registry: trove already active")

var (
	// DefaultMCR is the minimum collateral ratio, 110%.
	DefaultMCR = fpmath.MustParseUnits("1.1")
)

// Trove is a loan: stablecoin debt backed by collateral.
type Trove struct {
	Owner      common.Address `json:"owner"`
	Collateral fpmath.Decimal `json:"collateral"`
	Debt       fpmath.Decimal `json:"debt"`
}

// ICR is the individual collateral ratio at price. A trove without debt
// has an unbounded ratio and reports ok == false.
func (t Trove) ICR(price fpmath.Decimal) (icr fpmath.Decimal, ok bool) {
	if t.Debt.IsZero() {
		return fpmath.Zero, false
	}
	icr = fpmath.MulDiv(t.Collateral, price, t.Debt, fpmath.RoundDown)
	return icr, true
}

// Registry is the in-memory loan ledger the pool routes collateral gains
// into. It does not liquidate: liquidations arrive as offsets from outside.
type Registry struct {
	mu     sync.RWMutex
	troves map[common.Address]*Trove
	price  fpmath.Decimal
	mcr    fpmath.Decimal
}

func NewRegistry(price, mcr fpmath.Decimal) *Registry {
	if mcr.IsZero() {
		mcr = DefaultMCR
	}
	return &Registry{
		troves: make(map[common.Address]*Trove),
		price:  price,
		mcr:    mcr,
	}
}

// CollateralAccount is the ledger account holding collateral of all troves.
func (r *Registry) CollateralAccount() ledger.AccountKey {
	return ledger.NewSystemAccountKey(ledger.ActivePoolName, ledger.SubTypeActivePool, ledger.AssetCollateral)
}

// OpenTrove records a new loan. The caller books the matching token
// movements: debt minted to the owner and collateral into CollateralAccount.
func (r *Registry) OpenTrove(owner common.Address, collateral, debt fpmath.Decimal, j *state.Journal) error {
	if collateral.IsZero() || debt.IsZero() {
		return state.ErrZeroAmount
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.troves[owner]; ok {
		return fmt.Errorf("%w: %s", ErrTroveExists, owner.Hex())
	}
	t := &Trove{Owner: owner, Collateral: collateral, Debt: debt}
	if err := r.requireMCR(t); err != nil {
		return err
	}

	r.troves[owner] = t
	j.Record(func() {
		r.mu.Lock()
		delete(r.troves, owner)
		r.mu.Unlock()
	})
	return nil
}

func (r *Registry) HasActiveTrove(owner common.Address) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.troves[owner]
	return ok
}

// HasUndercollateralizedTroves reports whether any trove sits below the
// minimum collateral ratio at the current price.
func (r *Registry) HasUndercollateralizedTroves() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, t := range r.troves {
		if icr, ok := t.ICR(r.price); ok && icr.Lt(r.mcr) {
			return true
		}
	}
	return false
}

// MoveCollateralGainToTrove adds amount to owner's collateral. The trove
// must still satisfy the minimum collateral ratio afterwards.
func (r *Registry) MoveCollateralGainToTrove(owner common.Address, amount fpmath.Decimal, j *state.Journal) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	t, ok := r.troves[owner]
	if !ok {
		return state.ErrNoActiveTrove
	}

	next := *t
	next.Collateral = t.Collateral.Add(amount)
	if err := r.requireMCR(&next); err != nil {
		return err
	}

	prev := t.Collateral
	t.Collateral = next.Collateral
	j.Record(func() {
		r.mu.Lock()
		t.Collateral = prev
		r.mu.Unlock()
	})
	return nil
}

// SetPrice updates the collateral price used for every ratio check.
func (r *Registry) SetPrice(price fpmath.Decimal) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.price = price
}

func (r *Registry) Price() fpmath.Decimal {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.price
}

// Get returns a copy of owner's trove.
func (r *Registry) Get(owner common.Address) (Trove, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.troves[owner]
	if !ok {
		return Trove{}, false
	}
	return *t, true
}

// Troves lists every active trove. Order is unspecified.
func (r *Registry) Troves() []Trove {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Trove, 0, len(r.troves))
	for _, t := range r.troves {
		out = append(out, *t)
	}
	return out
}

// Restore loads a persisted trove. Used only on warm restart.
func (r *Registry) Restore(t Trove) {
	r.mu.Lock()
	defer r.mu.Unlock()
	cp := t
	r.troves[t.Owner] = &cp
}

func (r *Registry) requireMCR(t *Trove) error {
	icr, ok := t.ICR(r.price)
	if ok && icr.Lt(r.mcr) {
		return fmt.Errorf("%w: ICR %s below %s", state.ErrBelowMinimumCollateralRatio, icr.FormatUnits(), r.mcr.FormatUnits())
	}
	return nil
}
