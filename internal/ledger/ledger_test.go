package ledger_test

import (
	"errors"
	"testing"

	"StabilityPool/internal/ledger"
	fpmath "StabilityPool/internal/math"

	"github.com/ethereum/go-ethereum/common"
)

var (
	depositor = common.HexToAddress("0x00000000000000000000000000000000000a11ce")
	frontEnd  = common.HexToAddress("0x0000000000000000000000000000000000000fe1")
)

func fund(t *testing.T, bt *ledger.BalanceTracker, to ledger.AccountKey, amount fpmath.Decimal) {
	t.Helper()
	b := ledger.NewBatch("fund", 0, 0)
	b.AddMint(to, amount)
	if err := bt.ApplyBatch(b); err != nil {
		t.Fatalf("fund %s: %v", to.AccountPath(), err)
	}
}

// ============================================================================
// Test: AccountKey
// ============================================================================

func TestAccountKey_WalletPath(t *testing.T) {
	key := ledger.NewWalletKey(depositor, ledger.AssetStablecoin)

	path := key.AccountPath()
	expected := "user:" + depositor.Hex() + ":wallet:LUSD"
	if path != expected {
		t.Errorf("got %q, want %q", path, expected)
	}
}

func TestAccountKey_SystemPath(t *testing.T) {
	path := ledger.PoolCollateralKey().AccountPath()
	if path != "system:pool_collateral:ETH" {
		t.Errorf("got %q, want %q", path, "system:pool_collateral:ETH")
	}
}

func TestAccountKey_ExternalPath(t *testing.T) {
	key := ledger.NewExternalAccountKey(ledger.SubTypeExternalBurn, ledger.AssetStablecoin)
	if path := key.AccountPath(); path != "external:burn:LUSD" {
		t.Errorf("got %q, want %q", path, "external:burn:LUSD")
	}
}

func TestGetAssetID(t *testing.T) {
	tests := []struct {
		asset string
		want  ledger.AssetID
		ok    bool
	}{
		{"LUSD", ledger.AssetStablecoin, true},
		{"ETH", ledger.AssetCollateral, true},
		{"LQTY", ledger.AssetReward, true},
		{"DOGE", 0, false},
	}
	for _, tt := range tests {
		got, ok := ledger.GetAssetID(tt.asset)
		if got != tt.want || ok != tt.ok {
			t.Errorf("GetAssetID(%q) = %d, %v; want %d, %v", tt.asset, got, ok, tt.want, tt.ok)
		}
	}
}

// ============================================================================
// Test: Batch
// ============================================================================

func TestBatch_AddSkipsZeroAmounts(t *testing.T) {
	b := ledger.NewBatch("evt", 1, 0)
	b.AddCollateralGain(depositor, fpmath.Zero)
	b.AddPoolDeposit(depositor, fpmath.FromUnits(1))

	if len(b.Journals) != 1 {
		t.Fatalf("expected 1 journal, got %d", len(b.Journals))
	}
	if b.Journals[0].JournalType != ledger.JournalTypePoolDeposit {
		t.Errorf("unexpected journal type %s", b.Journals[0].JournalType)
	}
}

func TestBatch_ValidateRejectsEmpty(t *testing.T) {
	if err := ledger.NewBatch("evt", 1, 0).Validate(); err == nil {
		t.Error("expected error for empty batch")
	}
}

func TestBatch_ValidateRejectsMixedAssets(t *testing.T) {
	b := ledger.NewBatch("evt", 1, 0)
	b.Add(ledger.NewWalletKey(depositor, ledger.AssetReward), ledger.PoolCollateralKey(), fpmath.FromUnits(1), ledger.JournalTypeCollateralGain)
	if err := b.Validate(); err == nil {
		t.Error("expected error for journal moving between assets")
	}
}

// ============================================================================
// Test: BalanceTracker
// ============================================================================

func TestBalanceTracker_InitialBalanceZero(t *testing.T) {
	bt := ledger.NewBalanceTracker()
	if !bt.WalletBalance(depositor, ledger.AssetStablecoin).IsZero() {
		t.Error("initial balance should be 0")
	}
}

func TestBalanceTracker_DepositAndWithdraw(t *testing.T) {
	bt := ledger.NewBalanceTracker()
	fund(t, bt, ledger.NewWalletKey(depositor, ledger.AssetStablecoin), fpmath.FromUnits(100))

	b := ledger.NewBatch("provide", 1, 0)
	b.AddPoolDeposit(depositor, fpmath.FromUnits(60))
	if err := bt.ApplyBatch(b); err != nil {
		t.Fatalf("ApplyBatch failed: %v", err)
	}

	if got := bt.WalletBalance(depositor, ledger.AssetStablecoin); !got.Eq(fpmath.FromUnits(40)) {
		t.Errorf("wallet: got %s, want 40", got.FormatUnits())
	}
	if got := bt.GetBalance(ledger.PoolDepositsKey()); !got.Eq(fpmath.FromUnits(60)) {
		t.Errorf("pool: got %s, want 60", got.FormatUnits())
	}

	w := ledger.NewBatch("withdraw", 2, 0)
	w.AddPoolWithdrawal(depositor, fpmath.FromUnits(60))
	if err := bt.ApplyBatch(w); err != nil {
		t.Fatalf("ApplyBatch failed: %v", err)
	}
	if got := bt.WalletBalance(depositor, ledger.AssetStablecoin); !got.Eq(fpmath.FromUnits(100)) {
		t.Errorf("wallet: got %s, want 100", got.FormatUnits())
	}
}

func TestBalanceTracker_InsufficientBalanceIsAtomic(t *testing.T) {
	bt := ledger.NewBalanceTracker()
	fund(t, bt, ledger.NewWalletKey(depositor, ledger.AssetStablecoin), fpmath.FromUnits(10))

	b := ledger.NewBatch("provide", 1, 0)
	b.AddMint(ledger.PoolCollateralKey(), fpmath.FromUnits(5))
	b.AddPoolDeposit(depositor, fpmath.FromUnits(11))

	err := bt.ApplyBatch(b)
	if !errors.Is(err, ledger.ErrInsufficientBalance) {
		t.Fatalf("expected ErrInsufficientBalance, got %v", err)
	}
	if !bt.GetBalance(ledger.PoolCollateralKey()).IsZero() {
		t.Error("first leg of a failed batch must not be applied")
	}
	if got := bt.WalletBalance(depositor, ledger.AssetStablecoin); !got.Eq(fpmath.FromUnits(10)) {
		t.Errorf("wallet changed by failed batch: %s", got.FormatUnits())
	}
}

func TestBalanceTracker_RejectingRecipient(t *testing.T) {
	bt := ledger.NewBalanceTracker()
	fund(t, bt, ledger.PoolCollateralKey(), fpmath.FromUnits(3))
	bt.SetRejecting(depositor, true)

	b := ledger.NewBatch("gain", 1, 0)
	b.AddCollateralGain(depositor, fpmath.FromUnits(1))
	if err := bt.ApplyBatch(b); !errors.Is(err, ledger.ErrRecipientRejected) {
		t.Fatalf("expected ErrRecipientRejected, got %v", err)
	}

	bt.SetRejecting(depositor, false)
	if err := bt.ApplyBatch(b); err != nil {
		t.Fatalf("ApplyBatch after accepting: %v", err)
	}
	if got := bt.WalletBalance(depositor, ledger.AssetCollateral); !got.Eq(fpmath.FromUnits(1)) {
		t.Errorf("collateral: got %s, want 1", got.FormatUnits())
	}
}

func TestBalanceTracker_GlobalBalanceZeroSum(t *testing.T) {
	bt := ledger.NewBalanceTracker()
	v := ledger.NewInvariantValidator(bt)
	fund(t, bt, ledger.NewWalletKey(depositor, ledger.AssetStablecoin), fpmath.FromUnits(1_000))

	b := ledger.NewBatch("provide", 1, 0)
	b.AddPoolDeposit(depositor, fpmath.FromUnits(300))
	if err := bt.ApplyBatch(b); err != nil {
		t.Fatal(err)
	}

	o := ledger.NewBatch("offset", 2, 0)
	o.AddOffset(fpmath.FromUnits(100), fpmath.FromUnits(2))
	if err := bt.ApplyBatch(o); err != nil {
		t.Fatal(err)
	}

	if err := v.ValidateGlobalBalance(); err != nil {
		t.Errorf("ledger should be zero-sum: %v", err)
	}
	if err := v.ValidatePoolBacking(fpmath.FromUnits(200), fpmath.FromUnits(2)); err != nil {
		t.Errorf("pool backing: %v", err)
	}
	if err := v.ValidatePoolBacking(fpmath.FromUnits(300), fpmath.FromUnits(2)); err == nil {
		t.Error("expected backing mismatch after burn")
	}
}

func TestBalanceTracker_Snapshot(t *testing.T) {
	bt := ledger.NewBalanceTracker()
	fund(t, bt, ledger.NewWalletKey(frontEnd, ledger.AssetReward), fpmath.FromUnits(5))

	snap := bt.Snapshot()
	if len(snap) != 2 {
		t.Fatalf("expected wallet and external mint in snapshot, got %d entries", len(snap))
	}

	restored := ledger.NewBalanceTracker()
	for _, e := range snap {
		restored.Restore(e)
	}
	if got := restored.WalletBalance(frontEnd, ledger.AssetReward); !got.Eq(fpmath.FromUnits(5)) {
		t.Errorf("restored wallet: got %s, want 5", got.FormatUnits())
	}
	if err := ledger.NewInvariantValidator(restored).ValidateGlobalBalance(); err != nil {
		t.Errorf("restored ledger not zero-sum: %v", err)
	}
}
