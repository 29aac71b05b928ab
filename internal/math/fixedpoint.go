// internal/math/fixedpoint.go
package math

import (
	"errors"
	"fmt"
	"math/big"
	"strings"

	"github.com/holiman/uint256"
)

// DecimalPrecision is the number of fractional digits carried by a Decimal.
const DecimalPrecision = 18

var ErrDivisionByZero = errors.New("fixed point: division by zero")

var (
	// One is 1.0 (10^18 raw units).
	One = FromRaw(1_000_000_000_000_000_000)
	// Zero is the additive identity.
	Zero = Decimal{}
	// ScaleFactor is the 10^9 factor P is multiplied by when it would
	// otherwise lose precision. Tuned to the 10^18 base: re-derive it if
	// DecimalPrecision changes.
	ScaleFactor = FromRaw(1_000_000_000)

	halfOne = FromRaw(500_000_000_000_000_000)
)

type RoundingMode int

const (
	RoundDown     RoundingMode = iota // Truncate toward zero (default for gains)
	RoundUp                           // Ceiling (used for losses)
	RoundHalfEven                     // Banker's rounding
)

// Decimal is an unsigned fixed-point number scaled by 10^18.
// It is a value type; all operations return new values.
type Decimal struct {
	v uint256.Int
}

// FromRaw wraps raw units (already scaled by 10^18).
func FromRaw(raw uint64) Decimal {
	var d Decimal
	d.v.SetUint64(raw)
	return d
}

// FromUnits returns n whole units (n * 10^18).
func FromUnits(n uint64) Decimal {
	return FromRaw(n).MulRaw(One)
}

// FromUint256 copies a raw uint256 value.
func FromUint256(x *uint256.Int) Decimal {
	var d Decimal
	if x != nil {
		d.v.Set(x)
	}
	return d
}

// FromBig converts a raw big.Int. Negative or >256-bit values are rejected.
func FromBig(b *big.Int) (Decimal, error) {
	if b == nil {
		return Zero, nil
	}
	if b.Sign() < 0 {
		return Zero, fmt.Errorf("fixed point: negative value %s", b)
	}
	x, overflow := uint256.FromBig(b)
	if overflow {
		return Zero, fmt.Errorf("fixed point: value %s exceeds 256 bits", b)
	}
	return FromUint256(x), nil
}

// ParseRaw parses a base-10 integer of raw units.
func ParseRaw(s string) (Decimal, error) {
	var d Decimal
	if err := d.v.SetFromDecimal(strings.TrimSpace(s)); err != nil {
		return Zero, fmt.Errorf("fixed point: parse %q: %w", s, err)
	}
	return d, nil
}

// ParseUnits parses a human decimal string such as "15000" or "0.05"
// into raw units. More than 18 fractional digits is an error.
func ParseUnits(s string) (Decimal, error) {
	s = strings.TrimSpace(s)
	whole, frac, hasFrac := strings.Cut(s, ".")
	if whole == "" {
		whole = "0"
	}
	if hasFrac && len(frac) > DecimalPrecision {
		return Zero, fmt.Errorf("fixed point: %q has more than %d fractional digits", s, DecimalPrecision)
	}
	frac += strings.Repeat("0", DecimalPrecision-len(frac))
	raw := strings.TrimLeft(whole+frac, "0")
	if raw == "" {
		return Zero, nil
	}
	return ParseRaw(raw)
}

// MustParseUnits is ParseUnits for constants and tests.
func MustParseUnits(s string) Decimal {
	d, err := ParseUnits(s)
	if err != nil {
		panic(err)
	}
	return d
}

// Uint256 returns a copy of the raw value.
func (d Decimal) Uint256() *uint256.Int {
	return new(uint256.Int).Set(&d.v)
}

// Big returns the raw value as a big.Int.
func (d Decimal) Big() *big.Int {
	return d.v.ToBig()
}

// Bytes32 returns the big-endian raw value, used for state hashing.
func (d Decimal) Bytes32() [32]byte {
	return d.v.Bytes32()
}

func (d Decimal) IsZero() bool { return d.v.IsZero() }
func (d Decimal) Cmp(o Decimal) int { return d.v.Cmp(&o.v) }
func (d Decimal) Eq(o Decimal) bool { return d.v.Eq(&o.v) }
func (d Decimal) Lt(o Decimal) bool { return d.v.Lt(&o.v) }
func (d Decimal) Gt(o Decimal) bool { return d.v.Gt(&o.v) }
func (d Decimal) Lte(o Decimal) bool { return !d.v.Gt(&o.v) }
func (d Decimal) Gte(o Decimal) bool { return !d.v.Lt(&o.v) }

// Add panics on overflow: a 256-bit overflow is a protocol invariant failure.
func (d Decimal) Add(o Decimal) Decimal {
	var r Decimal
	if _, overflow := r.v.AddOverflow(&d.v, &o.v); overflow {
		panic(fmt.Sprintf("FATAL: fixed point overflow: %s + %s", d, o))
	}
	return r
}

// Sub panics on underflow.
func (d Decimal) Sub(o Decimal) Decimal {
	var r Decimal
	if _, underflow := r.v.SubOverflow(&d.v, &o.v); underflow {
		panic(fmt.Sprintf("FATAL: fixed point underflow: %s - %s", d, o))
	}
	return r
}

// SaturatingSub returns max(d-o, 0).
func (d Decimal) SaturatingSub(o Decimal) Decimal {
	if d.Lte(o) {
		return Zero
	}
	return d.Sub(o)
}

// MulRaw is the plain integer product of the raw values.
func (d Decimal) MulRaw(o Decimal) Decimal {
	var r Decimal
	if _, overflow := r.v.MulOverflow(&d.v, &o.v); overflow {
		panic(fmt.Sprintf("FATAL: fixed point overflow: %s * %s", d, o))
	}
	return r
}

// QuoRaw is the plain integer quotient of the raw values, truncated.
func (d Decimal) QuoRaw(o Decimal) (Decimal, error) {
	if o.IsZero() {
		return Zero, ErrDivisionByZero
	}
	var r Decimal
	r.v.Div(&d.v, &o.v)
	return r, nil
}

// Mul computes d*o/ONE, truncated.
func (d Decimal) Mul(o Decimal) Decimal {
	return MulDiv(d, o, One, RoundDown)
}

// Div computes d*ONE/o, truncated.
func (d Decimal) Div(o Decimal) (Decimal, error) {
	if o.IsZero() {
		return Zero, ErrDivisionByZero
	}
	return MulDiv(d, One, o, RoundDown), nil
}

// MulDiv computes a*b/c with a 512-bit intermediate product.
// A zero divisor or a quotient wider than 256 bits is fatal.
func MulDiv(a, b, c Decimal, mode RoundingMode) Decimal {
	if c.IsZero() {
		panic(fmt.Sprintf("FATAL: fixed point MulDiv(%s, %s) by zero", a, b))
	}

	var q Decimal
	if _, overflow := q.v.MulDivOverflow(&a.v, &b.v, &c.v); overflow {
		panic(fmt.Sprintf("FATAL: fixed point overflow: %s * %s / %s", a, b, c))
	}

	if mode == RoundDown {
		return q
	}

	var rem uint256.Int
	rem.MulMod(&a.v, &b.v, &c.v)
	if rem.IsZero() {
		return q
	}

	switch mode {
	case RoundUp:
		return q.Add(FromRaw(1))
	case RoundHalfEven:
		// Compare rem against c-rem instead of 2*rem to stay within 256 bits.
		var other uint256.Int
		other.Sub(&c.v, &rem)
		cmp := rem.Cmp(&other)
		if cmp > 0 || (cmp == 0 && q.v.Uint64()%2 == 1) {
			return q.Add(FromRaw(1))
		}
	}
	return q
}

// Min returns the smaller of a and b.
func Min(a, b Decimal) Decimal {
	if a.Lt(b) {
		return a
	}
	return b
}

// String returns the raw units in base 10.
func (d Decimal) String() string {
	return d.v.Dec()
}

// FormatUnits renders the value as a human decimal, e.g. "15000.5".
func (d Decimal) FormatUnits() string {
	raw := d.v.Dec()
	if len(raw) <= DecimalPrecision {
		raw = strings.Repeat("0", DecimalPrecision-len(raw)+1) + raw
	}
	whole := raw[:len(raw)-DecimalPrecision]
	frac := strings.TrimRight(raw[len(raw)-DecimalPrecision:], "0")
	if frac == "" {
		return whole
	}
	return whole + "." + frac
}

// MarshalText encodes raw units as a base-10 string (JSON, TOML).
func (d Decimal) MarshalText() ([]byte, error) {
	return []byte(d.v.Dec()), nil
}

// UnmarshalText accepts raw base-10 units.
func (d *Decimal) UnmarshalText(text []byte) error {
	parsed, err := ParseRaw(string(text))
	if err != nil {
		return err
	}
	*d = parsed
	return nil
}
