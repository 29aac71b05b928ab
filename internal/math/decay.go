package math

// MaxPowExponent caps Pow exponents at 1000 years of minutes. Beyond that
// every decay factor in use has already reached zero.
const MaxPowExponent = 525_600_000

// decMul multiplies two decimals, rounding half up.
func decMul(x, y Decimal) Decimal {
	return x.MulRaw(y).Add(halfOne).QuoRawMust(One)
}

// QuoRawMust is QuoRaw for divisors known to be non-zero.
func (d Decimal) QuoRawMust(o Decimal) Decimal {
	q, err := d.QuoRaw(o)
	if err != nil {
		panic("FATAL: " + err.Error())
	}
	return q
}

// Pow raises a decimal base to an integer exponent by repeated squaring.
// Each squaring rounds half up, so the error grows with log2(n).
func Pow(base Decimal, n uint64) Decimal {
	if n > MaxPowExponent {
		n = MaxPowExponent
	}
	if n == 0 {
		return One
	}

	y := One
	x := base
	for n > 1 {
		if n%2 == 0 {
			x = decMul(x, x)
			n /= 2
		} else {
			y = decMul(x, y)
			x = decMul(x, x)
			n = (n - 1) / 2
		}
	}
	return decMul(x, y)
}

// DecayBaseRate returns base * decayFactor^periods, truncated.
func DecayBaseRate(base, decayFactor Decimal, periods uint64) Decimal {
	return base.Mul(Pow(decayFactor, periods))
}
