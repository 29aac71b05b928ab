package issuance_test

import (
	"testing"
	"time"

	"StabilityPool/internal/issuance"
	"StabilityPool/internal/ledger"
	fpmath "StabilityPool/internal/math"
	"StabilityPool/internal/state"

	"github.com/stretchr/testify/require"
)

var deployed = time.Date(2021, 4, 5, 0, 0, 0, 0, time.UTC)

func raw(t *testing.T, s string) fpmath.Decimal {
	t.Helper()
	d, err := fpmath.ParseRaw(s)
	require.NoError(t, err)
	return d
}

func TestCommunity_NothingBeforeFirstMinute(t *testing.T) {
	c := issuance.NewCommunity(issuance.Config{DeployedAt: deployed})

	issued, err := c.Issue(deployed.Add(-time.Hour), nil)
	require.NoError(t, err)
	require.True(t, issued.IsZero())

	issued, err = c.Issue(deployed.Add(59*time.Second), nil)
	require.NoError(t, err)
	require.True(t, issued.IsZero())
}

func TestCommunity_FirstMinute(t *testing.T) {
	c := issuance.NewCommunity(issuance.Config{DeployedAt: deployed})

	issued, err := c.Issue(deployed.Add(time.Minute), nil)
	require.NoError(t, err)
	require.Equal(t, "42200713760000000000", issued.String())
}

func TestCommunity_HalfOfSupplyPerYear(t *testing.T) {
	c := issuance.NewCommunity(issuance.Config{DeployedAt: deployed})
	year := 525_600 * time.Minute

	first, err := c.Issue(deployed.Add(year), nil)
	require.NoError(t, err)
	require.True(t, first.Eq(raw(t, "15999999999999465568000000")), "got %s", first)

	second, err := c.Issue(deployed.Add(2*year), nil)
	require.NoError(t, err)
	require.True(t, second.Eq(fpmath.FromUnits(8_000_000)), "got %s", second)

	require.True(t, c.TotalIssued().Eq(raw(t, "23999999999999465568000000")))
}

func TestCommunity_ReleasedPlusUnreleasedIsSupplyCap(t *testing.T) {
	supply := raw(t, "1000000000000000000000007")
	c := issuance.NewCommunity(issuance.Config{SupplyCap: supply, DeployedAt: deployed})

	minutes := uint64(90 * 24 * 60)
	_, err := c.Issue(deployed.Add(time.Duration(minutes)*time.Minute), nil)
	require.NoError(t, err)

	unreleased := fpmath.DecayBaseRate(supply, issuance.DefaultIssuanceFactor, minutes)
	require.True(t, c.TotalIssued().Add(unreleased).Eq(supply),
		"issued %s + unreleased %s != %s", c.TotalIssued(), unreleased, supply)
}

func TestCommunity_IssueIsIncremental(t *testing.T) {
	c := issuance.NewCommunity(issuance.Config{DeployedAt: deployed})
	at := deployed.Add(time.Hour)

	_, err := c.Issue(at, nil)
	require.NoError(t, err)

	again, err := c.Issue(at, nil)
	require.NoError(t, err)
	require.True(t, again.IsZero())
}

func TestCommunity_RevertRestoresTotal(t *testing.T) {
	c := issuance.NewCommunity(issuance.Config{DeployedAt: deployed})
	j := state.NewJournal()

	issued, err := c.Issue(deployed.Add(24*time.Hour), j)
	require.NoError(t, err)
	require.False(t, issued.IsZero())
	require.Equal(t, 1, j.Len())

	j.Revert()
	require.True(t, c.TotalIssued().IsZero())

	replay, err := c.Issue(deployed.Add(24*time.Hour), nil)
	require.NoError(t, err)
	require.True(t, replay.Eq(issued))
}

func TestCommunity_FundingBatch(t *testing.T) {
	c := issuance.NewCommunity(issuance.Config{DeployedAt: deployed})
	bt := ledger.NewBalanceTracker()

	require.NoError(t, bt.ApplyBatch(c.FundingBatch("genesis", 0, 0)))
	require.True(t, bt.GetBalance(c.Account()).Eq(issuance.DefaultSupplyCap))
	require.Equal(t, "system:community_issuance:LQTY", c.Account().AccountPath())
}
