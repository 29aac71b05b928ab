package ledger

import (
	"fmt"

	fpmath "StabilityPool/internal/math"

	"github.com/google/uuid"
)

// JournalType represents the purpose of a journal entry
type JournalType int32

const (
	JournalTypeMint JournalType = iota
	JournalTypePoolDeposit
	JournalTypePoolWithdrawal
	JournalTypeCollateralGain
	JournalTypeCollateralGainToTrove
	JournalTypeDepositorReward
	JournalTypeFrontEndReward
	JournalTypeOffsetDebtBurn
	JournalTypeOffsetCollateral
	JournalTypeTroveCollateral
	JournalTypeIssuanceFunding
)

func (t JournalType) String() string {
	switch t {
	case JournalTypeMint:
		return "mint"
	case JournalTypePoolDeposit:
		return "pool_deposit"
	case JournalTypePoolWithdrawal:
		return "pool_withdrawal"
	case JournalTypeCollateralGain:
		return "collateral_gain"
	case JournalTypeCollateralGainToTrove:
		return "collateral_gain_to_trove"
	case JournalTypeDepositorReward:
		return "depositor_reward"
	case JournalTypeFrontEndReward:
		return "front_end_reward"
	case JournalTypeOffsetDebtBurn:
		return "offset_debt_burn"
	case JournalTypeOffsetCollateral:
		return "offset_collateral"
	case JournalTypeTroveCollateral:
		return "trove_collateral"
	case JournalTypeIssuanceFunding:
		return "issuance_funding"
	default:
		return "unknown"
	}
}

// Journal represents a single double-entry journal entry
type Journal struct {
	JournalID     uuid.UUID      // Unique identifier
	BatchID       uuid.UUID      // Groups balanced entries
	EventRef      string         // Idempotency key of source event
	Sequence      int64          // Global event sequence
	DebitAccount  AccountKey     // Account receiving debit (balance increases)
	CreditAccount AccountKey     // Account receiving credit (balance decreases)
	AssetID       AssetID        // Asset being transferred
	Amount        fpmath.Decimal // ALWAYS non-zero
	JournalType   JournalType    // Entry type
	Timestamp     int64          // Versioned input timestamp (epoch microseconds)
}

// Batch represents a balanced set of journal entries
type Batch struct {
	BatchID   uuid.UUID
	EventRef  string
	Sequence  int64
	Timestamp int64
	Journals  []Journal
}

// NewBatch starts an empty batch for one event.
func NewBatch(eventRef string, sequence, timestamp int64) *Batch {
	return &Batch{
		BatchID:   uuid.New(),
		EventRef:  eventRef,
		Sequence:  sequence,
		Timestamp: timestamp,
		Journals:  make([]Journal, 0, 4),
	}
}

// Add appends a transfer of amount from credit to debit. Zero amounts are
// skipped so callers can add every payout leg unconditionally.
func (b *Batch) Add(debit, credit AccountKey, amount fpmath.Decimal, jt JournalType) {
	if amount.IsZero() {
		return
	}
	b.Journals = append(b.Journals, Journal{
		JournalID:     uuid.New(),
		BatchID:       b.BatchID,
		EventRef:      b.EventRef,
		Sequence:      b.Sequence,
		DebitAccount:  debit,
		CreditAccount: credit,
		AssetID:       debit.AssetID,
		Amount:        amount,
		JournalType:   jt,
		Timestamp:     b.Timestamp,
	})
}

// Validate ensures the batch is well-formed. Each journal entry moves a
// single amount from its credit to its debit account, so every entry is
// balanced by construction.
func (b *Batch) Validate() error {
	if len(b.Journals) == 0 {
		return fmt.Errorf("batch %s is empty", b.BatchID)
	}

	for _, j := range b.Journals {
		if j.Amount.IsZero() {
			return fmt.Errorf("journal %s has zero amount", j.JournalID)
		}

		if j.BatchID != b.BatchID {
			return fmt.Errorf("journal %s has mismatched batch_id", j.JournalID)
		}

		if j.DebitAccount == j.CreditAccount {
			return fmt.Errorf("journal %s has same debit and credit account", j.JournalID)
		}

		if j.DebitAccount.AssetID != j.AssetID || j.CreditAccount.AssetID != j.AssetID {
			return fmt.Errorf("journal %s moves %d between accounts of different assets", j.JournalID, j.AssetID)
		}
	}

	return nil
}
