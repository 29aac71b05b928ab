package projection

import (
	"sync"
	"time"

	"StabilityPool/internal/event"
	fpmath "StabilityPool/internal/math"
)

// OffsetEntry is one liquidation absorbed by the pool.
type OffsetEntry struct {
	Sequence            int64          `json:"sequence"`
	DebtOffset          fpmath.Decimal `json:"debt_offset"`
	CollateralAdded     fpmath.Decimal `json:"collateral_added"`
	DebtRemaining       fpmath.Decimal `json:"debt_remaining"`
	CollateralRemaining fpmath.Decimal `json:"collateral_remaining"`
	EpochRolled         bool           `json:"epoch_rolled"`
	ScaleAdvanced       bool           `json:"scale_advanced"`
	Timestamp           time.Time      `json:"timestamp"`
}

// OffsetHistory keeps the most recent offsets in memory for the query API.
// Older entries live in projections.offset_history.
type OffsetHistory struct {
	mu      sync.RWMutex
	entries []OffsetEntry
	next    int
	full    bool
}

func NewOffsetHistory(capacity int) *OffsetHistory {
	if capacity <= 0 {
		capacity = 1024
	}
	return &OffsetHistory{entries: make([]OffsetEntry, capacity)}
}

func newOffsetEntry(seq int64, ts time.Time, r event.LiquidationOffsetApplied) OffsetEntry {
	return OffsetEntry{
		Sequence:            seq,
		DebtOffset:          r.DebtOffset,
		CollateralAdded:     r.CollateralAdded,
		DebtRemaining:       r.DebtRemaining,
		CollateralRemaining: r.CollateralRemaining,
		EpochRolled:         r.EpochRolled,
		ScaleAdvanced:       r.ScaleAdvanced,
		Timestamp:           ts,
	}
}

// Add records an offset, overwriting the oldest once full.
func (h *OffsetHistory) Add(e OffsetEntry) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.entries[h.next] = e
	h.next = (h.next + 1) % len(h.entries)
	if h.next == 0 {
		h.full = true
	}
}

// Recent returns up to limit entries, newest first.
func (h *OffsetHistory) Recent(limit int) []OffsetEntry {
	h.mu.RLock()
	defer h.mu.RUnlock()

	n := h.next
	if h.full {
		n = len(h.entries)
	}
	if limit <= 0 || limit > n {
		limit = n
	}

	out := make([]OffsetEntry, 0, limit)
	for i := 0; i < limit; i++ {
		idx := (h.next - 1 - i + len(h.entries)) % len(h.entries)
		out = append(out, h.entries[idx])
	}
	return out
}
