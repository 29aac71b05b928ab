package issuance

import (
	"fmt"
	"sync"
	"time"

	"StabilityPool/internal/ledger"
	fpmath "StabilityPool/internal/math"
	"StabilityPool/internal/state"
)

var (
	// DefaultSupplyCap is the total reward supply set aside for depositors.
	DefaultSupplyCap = fpmath.FromUnits(32_000_000)

	// DefaultIssuanceFactor is applied once per minute. It issues half of
	// the remaining supply every year.
	DefaultIssuanceFactor = fpmath.FromRaw(999_998_681_227_695_000)
)

const secondsInMinute = 60

// Community releases reward tokens on a decaying schedule:
//
//	issued(t) = supplyCap * (1 - factor^minutes(t - deployment))
//
// Each call to Issue returns what was released since the previous call.
type Community struct {
	mu          sync.Mutex
	supplyCap   fpmath.Decimal
	factor      fpmath.Decimal
	deployedAt  time.Time
	totalIssued fpmath.Decimal
}

// Config for a Community schedule. Zero values fall back to the defaults.
type Config struct {
	SupplyCap      fpmath.Decimal
	IssuanceFactor fpmath.Decimal
	DeployedAt     time.Time
}

func NewCommunity(cfg Config) *Community {
	c := &Community{
		supplyCap:  cfg.SupplyCap,
		factor:     cfg.IssuanceFactor,
		deployedAt: cfg.DeployedAt,
	}
	if c.supplyCap.IsZero() {
		c.supplyCap = DefaultSupplyCap
	}
	if c.factor.IsZero() {
		c.factor = DefaultIssuanceFactor
	}
	return c
}

// Account is the system account the schedule pays rewards from.
func (c *Community) Account() ledger.AccountKey {
	return ledger.NewSystemAccountKey(ledger.CommunityIssuanceName, ledger.SubTypeCommunityIssuance, ledger.AssetReward)
}

// FundingBatch moves the whole supply cap into the issuance account. It is
// applied once, when the ledger is created.
func (c *Community) FundingBatch(eventRef string, sequence, timestamp int64) *ledger.Batch {
	b := ledger.NewBatch(eventRef, sequence, timestamp)
	b.Add(c.Account(), ledger.NewExternalAccountKey(ledger.SubTypeExternalMint, ledger.AssetReward),
		c.supplyCap, ledger.JournalTypeIssuanceFunding)
	return b
}

// Issue advances the schedule to now and returns the newly released amount.
// Times before deployment release nothing.
func (c *Community) Issue(now time.Time, j *state.Journal) (fpmath.Decimal, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	latest := c.cumulativeIssuance(now)
	if latest.Lte(c.totalIssued) {
		return fpmath.Zero, nil
	}
	if latest.Gt(c.supplyCap) {
		return fpmath.Zero, fmt.Errorf("issuance %s exceeds supply cap %s", latest, c.supplyCap)
	}

	issued := latest.Sub(c.totalIssued)
	prev := c.totalIssued
	c.totalIssued = latest
	j.Record(func() {
		c.mu.Lock()
		c.totalIssued = prev
		c.mu.Unlock()
	})
	return issued, nil
}

// TotalIssued is the cumulative amount released so far.
func (c *Community) TotalIssued() fpmath.Decimal {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.totalIssued
}

// Restore sets the cumulative amount released, used on warm restart.
func (c *Community) Restore(totalIssued fpmath.Decimal) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.totalIssued = totalIssued
}

func (c *Community) cumulativeIssuance(now time.Time) fpmath.Decimal {
	if !now.After(c.deployedAt) {
		return fpmath.Zero
	}
	minutes := uint64(now.Sub(c.deployedAt) / time.Second / secondsInMinute)
	// The unreleased supply decays by factor every minute.
	unreleased := fpmath.DecayBaseRate(c.supplyCap, c.factor, minutes)
	return c.supplyCap.Sub(unreleased)
}
