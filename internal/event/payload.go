package event

import (
	"encoding/json"
	"fmt"
)

// DecodePayload rebuilds a command from the JSON stored in its envelope.
// Replay feeds the result back through the core.
func DecodePayload(et EventType, payload []byte) (Event, error) {
	var evt Event
	switch et {
	case EventTypeProvideToSP:
		evt = &ProvideToSP{}
	case EventTypeWithdrawFromSP:
		evt = &WithdrawFromSP{}
	case EventTypeWithdrawCollateralGainToTrove:
		evt = &WithdrawCollateralGainToTrove{}
	case EventTypeRegisterFrontEnd:
		evt = &RegisterFrontEnd{}
	case EventTypeLiquidationOffset:
		evt = &LiquidationOffset{}
	case EventTypeOpenTrove:
		evt = &OpenTrove{}
	case EventTypePriceUpdate:
		evt = &PriceUpdate{}
	default:
		return nil, fmt.Errorf("decode payload: unknown event type %d", et)
	}
	if err := json.Unmarshal(payload, evt); err != nil {
		return nil, fmt.Errorf("decode %s payload: %w", et, err)
	}
	return evt, nil
}

// DecodeRecord rebuilds an output record from its stored JSON.
func DecodeRecord(rt RecordType, data []byte) (Record, error) {
	var rec Record
	switch rt {
	case RecordDepositChanged:
		var r DepositChanged
		if err := json.Unmarshal(data, &r); err != nil {
			return nil, fmt.Errorf("decode %s: %w", rt, err)
		}
		rec = r
	case RecordFrontEndStakeChanged:
		var r FrontEndStakeChanged
		if err := json.Unmarshal(data, &r); err != nil {
			return nil, fmt.Errorf("decode %s: %w", rt, err)
		}
		rec = r
	case RecordFrontEndRegistered:
		var r FrontEndRegistered
		if err := json.Unmarshal(data, &r); err != nil {
			return nil, fmt.Errorf("decode %s: %w", rt, err)
		}
		rec = r
	case RecordPoolStateChanged:
		var r PoolStateChanged
		if err := json.Unmarshal(data, &r); err != nil {
			return nil, fmt.Errorf("decode %s: %w", rt, err)
		}
		rec = r
	case RecordSumUpdated:
		var r SumUpdated
		if err := json.Unmarshal(data, &r); err != nil {
			return nil, fmt.Errorf("decode %s: %w", rt, err)
		}
		rec = r
	case RecordLiquidationOffsetApplied:
		var r LiquidationOffsetApplied
		if err := json.Unmarshal(data, &r); err != nil {
			return nil, fmt.Errorf("decode %s: %w", rt, err)
		}
		rec = r
	case RecordTroveUpdated:
		var r TroveUpdated
		if err := json.Unmarshal(data, &r); err != nil {
			return nil, fmt.Errorf("decode %s: %w", rt, err)
		}
		rec = r
	default:
		return nil, fmt.Errorf("decode record: unknown type %q", rt)
	}
	return rec, nil
}
