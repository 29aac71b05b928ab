package ingestion

import (
	"encoding/json"
	"fmt"
	"time"

	"StabilityPool/internal/event"
	fpmath "StabilityPool/internal/math"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
)

// ParseRawEvent converts a RawEvent (JSON bytes + event type string) into a
// typed event.Event. Malformed input never reaches the core.
func ParseRawEvent(raw RawEvent, eventType string) (event.Event, error) {
	switch eventType {
	case "ProvideToSP":
		return parseProvideToSP(raw.Data)
	case "WithdrawFromSP":
		return parseWithdrawFromSP(raw.Data)
	case "WithdrawCollateralGainToTrove":
		return parseWithdrawCollateralGainToTrove(raw.Data)
	case "RegisterFrontEnd":
		return parseRegisterFrontEnd(raw.Data)
	case "LiquidationOffset":
		return parseLiquidationOffset(raw.Data)
	case "OpenTrove":
		return parseOpenTrove(raw.Data)
	case "PriceUpdate":
		return parsePriceUpdate(raw.Data)
	default:
		return nil, fmt.Errorf("unknown event type: %s", eventType)
	}
}

// --- JSON wire formats ---
// Field names use snake_case to match upstream producers. Addresses are
// 0x-prefixed hex and amounts are raw base-10 integers at 18 decimals,
// carried as strings so no JSON number ever loses precision.

type provideJSON struct {
	CommandID   string `json:"command_id"`
	Depositor   string `json:"depositor"`
	Amount      string `json:"amount"`
	FrontEndTag string `json:"front_end_tag"`
	Sequence    int64  `json:"sequence"`
	TimestampUs int64  `json:"timestamp_us"`
}

func parseProvideToSP(data []byte) (*event.ProvideToSP, error) {
	var j provideJSON
	if err := json.Unmarshal(data, &j); err != nil {
		return nil, fmt.Errorf("parse ProvideToSP: %w", err)
	}
	commandID, err := parseUUID("command_id", j.CommandID)
	if err != nil {
		return nil, err
	}
	depositor, err := parseAddress("depositor", j.Depositor)
	if err != nil {
		return nil, err
	}
	amount, err := parseAmount("amount", j.Amount)
	if err != nil {
		return nil, err
	}
	tag, err := parseOptionalAddress("front_end_tag", j.FrontEndTag)
	if err != nil {
		return nil, err
	}
	return &event.ProvideToSP{
		CommandID:   commandID,
		Depositor:   depositor,
		Amount:      amount,
		FrontEndTag: tag,
		Sequence:    j.Sequence,
		Timestamp:   time.UnixMicro(j.TimestampUs).UTC(),
	}, nil
}

type withdrawJSON struct {
	CommandID   string `json:"command_id"`
	Depositor   string `json:"depositor"`
	Amount      string `json:"amount"`
	Sequence    int64  `json:"sequence"`
	TimestampUs int64  `json:"timestamp_us"`
}

func parseWithdrawFromSP(data []byte) (*event.WithdrawFromSP, error) {
	var j withdrawJSON
	if err := json.Unmarshal(data, &j); err != nil {
		return nil, fmt.Errorf("parse WithdrawFromSP: %w", err)
	}
	commandID, err := parseUUID("command_id", j.CommandID)
	if err != nil {
		return nil, err
	}
	depositor, err := parseAddress("depositor", j.Depositor)
	if err != nil {
		return nil, err
	}
	// Zero is a valid withdrawal: it claims gains only.
	amount := fpmath.Zero
	if j.Amount != "" {
		if amount, err = parseAmount("amount", j.Amount); err != nil {
			return nil, err
		}
	}
	return &event.WithdrawFromSP{
		CommandID: commandID,
		Depositor: depositor,
		Amount:    amount,
		Sequence:  j.Sequence,
		Timestamp: time.UnixMicro(j.TimestampUs).UTC(),
	}, nil
}

type withdrawToTroveJSON struct {
	CommandID   string `json:"command_id"`
	Depositor   string `json:"depositor"`
	LoanOwner   string `json:"loan_owner"`
	Sequence    int64  `json:"sequence"`
	TimestampUs int64  `json:"timestamp_us"`
}

func parseWithdrawCollateralGainToTrove(data []byte) (*event.WithdrawCollateralGainToTrove, error) {
	var j withdrawToTroveJSON
	if err := json.Unmarshal(data, &j); err != nil {
		return nil, fmt.Errorf("parse WithdrawCollateralGainToTrove: %w", err)
	}
	commandID, err := parseUUID("command_id", j.CommandID)
	if err != nil {
		return nil, err
	}
	depositor, err := parseAddress("depositor", j.Depositor)
	if err != nil {
		return nil, err
	}
	loanOwner, err := parseOptionalAddress("loan_owner", j.LoanOwner)
	if err != nil {
		return nil, err
	}
	return &event.WithdrawCollateralGainToTrove{
		CommandID: commandID,
		Depositor: depositor,
		LoanOwner: loanOwner,
		Sequence:  j.Sequence,
		Timestamp: time.UnixMicro(j.TimestampUs).UTC(),
	}, nil
}

type registerFrontEndJSON struct {
	CommandID    string `json:"command_id"`
	FrontEnd     string `json:"front_end"`
	KickbackRate string `json:"kickback_rate"`
	Sequence     int64  `json:"sequence"`
	TimestampUs  int64  `json:"timestamp_us"`
}

func parseRegisterFrontEnd(data []byte) (*event.RegisterFrontEnd, error) {
	var j registerFrontEndJSON
	if err := json.Unmarshal(data, &j); err != nil {
		return nil, fmt.Errorf("parse RegisterFrontEnd: %w", err)
	}
	commandID, err := parseUUID("command_id", j.CommandID)
	if err != nil {
		return nil, err
	}
	frontEnd, err := parseAddress("front_end", j.FrontEnd)
	if err != nil {
		return nil, err
	}
	// Range is checked by the pool so the rejection is logged.
	rate, err := fpmath.ParseRaw(j.KickbackRate)
	if err != nil {
		return nil, fmt.Errorf("parse kickback_rate: %w", err)
	}
	return &event.RegisterFrontEnd{
		CommandID:    commandID,
		FrontEnd:     frontEnd,
		KickbackRate: rate,
		Sequence:     j.Sequence,
		Timestamp:    time.UnixMicro(j.TimestampUs).UTC(),
	}, nil
}

type liquidationOffsetJSON struct {
	LiquidationID string `json:"liquidation_id"`
	Debt          string `json:"debt"`
	Collateral    string `json:"collateral"`
	Sequence      int64  `json:"sequence"`
	TimestampUs   int64  `json:"timestamp_us"`
}

func parseLiquidationOffset(data []byte) (*event.LiquidationOffset, error) {
	var j liquidationOffsetJSON
	if err := json.Unmarshal(data, &j); err != nil {
		return nil, fmt.Errorf("parse LiquidationOffset: %w", err)
	}
	liquidationID, err := parseUUID("liquidation_id", j.LiquidationID)
	if err != nil {
		return nil, err
	}
	debt, err := fpmath.ParseRaw(j.Debt)
	if err != nil {
		return nil, fmt.Errorf("parse debt: %w", err)
	}
	collateral, err := fpmath.ParseRaw(j.Collateral)
	if err != nil {
		return nil, fmt.Errorf("parse collateral: %w", err)
	}
	return &event.LiquidationOffset{
		LiquidationID: liquidationID,
		Debt:          debt,
		Collateral:    collateral,
		Sequence:      j.Sequence,
		Timestamp:     time.UnixMicro(j.TimestampUs).UTC(),
	}, nil
}

type openTroveJSON struct {
	CommandID   string `json:"command_id"`
	Owner       string `json:"owner"`
	Collateral  string `json:"collateral"`
	Debt        string `json:"debt"`
	Sequence    int64  `json:"sequence"`
	TimestampUs int64  `json:"timestamp_us"`
}

func parseOpenTrove(data []byte) (*event.OpenTrove, error) {
	var j openTroveJSON
	if err := json.Unmarshal(data, &j); err != nil {
		return nil, fmt.Errorf("parse OpenTrove: %w", err)
	}
	commandID, err := parseUUID("command_id", j.CommandID)
	if err != nil {
		return nil, err
	}
	owner, err := parseAddress("owner", j.Owner)
	if err != nil {
		return nil, err
	}
	collateral, err := parseAmount("collateral", j.Collateral)
	if err != nil {
		return nil, err
	}
	debt, err := parseAmount("debt", j.Debt)
	if err != nil {
		return nil, err
	}
	return &event.OpenTrove{
		CommandID:  commandID,
		Owner:      owner,
		Collateral: collateral,
		Debt:       debt,
		Sequence:   j.Sequence,
		Timestamp:  time.UnixMicro(j.TimestampUs).UTC(),
	}, nil
}

type priceUpdateJSON struct {
	Price         string `json:"price"`
	PriceSequence int64  `json:"price_sequence"`
	TimestampUs   int64  `json:"timestamp_us"`
}

func parsePriceUpdate(data []byte) (*event.PriceUpdate, error) {
	var j priceUpdateJSON
	if err := json.Unmarshal(data, &j); err != nil {
		return nil, fmt.Errorf("parse PriceUpdate: %w", err)
	}
	price, err := parseAmount("price", j.Price)
	if err != nil {
		return nil, err
	}
	return &event.PriceUpdate{
		Price:         price,
		PriceSequence: j.PriceSequence,
		Timestamp:     time.UnixMicro(j.TimestampUs).UTC(),
	}, nil
}

// --- Field helpers ---

func parseUUID(field, s string) (uuid.UUID, error) {
	id, err := uuid.Parse(s)
	if err != nil {
		return uuid.Nil, fmt.Errorf("parse %s: %w", field, err)
	}
	return id, nil
}

func parseAddress(field, s string) (common.Address, error) {
	if !common.IsHexAddress(s) {
		return common.Address{}, fmt.Errorf("parse %s: invalid address %q", field, s)
	}
	addr := common.HexToAddress(s)
	if addr == (common.Address{}) {
		return common.Address{}, fmt.Errorf("parse %s: zero address", field)
	}
	return addr, nil
}

// parseOptionalAddress maps an empty string to the zero address.
func parseOptionalAddress(field, s string) (common.Address, error) {
	if s == "" {
		return common.Address{}, nil
	}
	if !common.IsHexAddress(s) {
		return common.Address{}, fmt.Errorf("parse %s: invalid address %q", field, s)
	}
	return common.HexToAddress(s), nil
}

// parseAmount parses a raw amount that must be positive.
func parseAmount(field, s string) (fpmath.Decimal, error) {
	d, err := fpmath.ParseRaw(s)
	if err != nil {
		return fpmath.Zero, fmt.Errorf("parse %s: %w", field, err)
	}
	if d.IsZero() {
		return fpmath.Zero, fmt.Errorf("parse %s: must be positive", field)
	}
	return d, nil
}
