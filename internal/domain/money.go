/**
 * @description
 * Fixed-point money arithmetic for the stream ledger. Amounts are stored as int64
 * micro-units (one millionth of the major unit) tagged with a currency code, so a
 * per-second flow rate well below one cent is still an exact integer and decades of
 * accrual never drift the way floats do.
 *
 * Every binary operation checks the currency tag and fails with ErrCurrencyMismatch
 * on mixed currencies; every operation that can wrap an int64 fails with ErrOverflow.
 * Parsing and formatting go through shopspring/decimal so API payloads carry exact
 * decimal strings rather than floats.
 *
 * @dependencies
 * - github.com/shopspring/decimal: exact decimal <-> micro-unit conversion.
 */

package domain

import (
	"fmt"
	"math"

	"github.com/shopspring/decimal"
)

// MicroUnitScale is the number of decimal places carried by Money.Units.
// One major unit (e.g. one dollar) is 1_000_000 micro-units.
const MicroUnitScale = 6

// DefaultCurrency is used when a caller does not specify one.
const DefaultCurrency = "USDC"

const microUnitsPerMajor = 1_000_000

// Money is a fixed-point amount in micro-units of a single currency.
type Money struct {
	Units    int64  `json:"units"`
	Currency string `json:"currency"`
}

// NewMoney builds a Money from raw micro-units.
func NewMoney(units int64, currency string) Money {
	return Money{Units: units, Currency: currency}
}

// Zero returns the zero amount in the given currency.
func Zero(currency string) Money {
	return Money{Units: 0, Currency: currency}
}

// MajorUnits builds a Money from whole major units (e.g. whole dollars).
// It fails with ErrOverflow when the amount does not fit in micro-units.
func MajorUnits(amount int64, currency string) (Money, error) {
	if amount > math.MaxInt64/microUnitsPerMajor || amount < math.MinInt64/microUnitsPerMajor {
		return Money{}, fmt.Errorf("%d %s: %w", amount, currency, ErrOverflow)
	}
	return Money{Units: amount * microUnitsPerMajor, Currency: currency}, nil
}

// ParseMoney converts a decimal string such as "2500.00" or "0.000772" into Money.
// More than six decimal places is rejected: micro-units are the smallest quantum the
// ledger accounts for, and silently rounding a caller's amount would move money.
func ParseMoney(s string, currency string) (Money, error) {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return Money{}, fmt.Errorf("parse amount %q: %w", s, ErrInvalidAmount)
	}
	return moneyFromDecimal(d, currency)
}

func moneyFromDecimal(d decimal.Decimal, currency string) (Money, error) {
	scaled := d.Shift(MicroUnitScale)
	if !scaled.IsInteger() {
		return Money{}, fmt.Errorf("amount %s has more than %d decimal places: %w", d.String(), MicroUnitScale, ErrInvalidAmount)
	}
	if !scaled.BigInt().IsInt64() {
		return Money{}, fmt.Errorf("amount %s %s: %w", d.String(), currency, ErrOverflow)
	}
	return Money{Units: scaled.BigInt().Int64(), Currency: currency}, nil
}

// Decimal returns the amount as an exact decimal value.
func (m Money) Decimal() decimal.Decimal {
	return decimal.New(m.Units, -MicroUnitScale)
}

// String renders the amount as "<decimal> <currency>", e.g. "2500 USDC".
func (m Money) String() string {
	return m.Decimal().String() + " " + m.Currency
}

// IsZero reports whether the amount is exactly zero.
func (m Money) IsZero() bool { return m.Units == 0 }

// IsPositive reports whether the amount is strictly greater than zero.
func (m Money) IsPositive() bool { return m.Units > 0 }

// IsNegative reports whether the amount is strictly less than zero.
func (m Money) IsNegative() bool { return m.Units < 0 }

func (m Money) sameCurrency(other Money) error {
	if m.Currency != other.Currency {
		return fmt.Errorf("%s vs %s: %w", m.Currency, other.Currency, ErrCurrencyMismatch)
	}
	return nil
}

// Add returns m + other.
func (m Money) Add(other Money) (Money, error) {
	if err := m.sameCurrency(other); err != nil {
		return Money{}, err
	}
	sum := m.Units + other.Units
	if (other.Units > 0 && sum < m.Units) || (other.Units < 0 && sum > m.Units) {
		return Money{}, fmt.Errorf("add %s + %s: %w", m, other, ErrOverflow)
	}
	return Money{Units: sum, Currency: m.Currency}, nil
}

// Sub returns m - other.
func (m Money) Sub(other Money) (Money, error) {
	if err := m.sameCurrency(other); err != nil {
		return Money{}, err
	}
	diff := m.Units - other.Units
	if (other.Units < 0 && diff < m.Units) || (other.Units > 0 && diff > m.Units) {
		return Money{}, fmt.Errorf("sub %s - %s: %w", m, other, ErrOverflow)
	}
	return Money{Units: diff, Currency: m.Currency}, nil
}

// MulInt64 returns m * n. The ledger uses it to turn a per-second flow rate into an
// accrued amount over n seconds.
func (m Money) MulInt64(n int64) (Money, error) {
	if m.Units == 0 || n == 0 {
		return Zero(m.Currency), nil
	}
	product := m.Units * n
	if product/n != m.Units {
		return Money{}, fmt.Errorf("mul %s * %d: %w", m, n, ErrOverflow)
	}
	return Money{Units: product, Currency: m.Currency}, nil
}

// Div returns the integer quotient m / divisor (both amounts, same currency).
// The projector uses it to turn remaining funding into whole runway seconds.
func (m Money) Div(divisor Money) (int64, error) {
	if err := m.sameCurrency(divisor); err != nil {
		return 0, err
	}
	if divisor.Units == 0 {
		return 0, fmt.Errorf("divide %s by zero: %w", m, ErrInvalidAmount)
	}
	return m.Units / divisor.Units, nil
}

// Cmp compares m against other: -1 if m < other, 0 if equal, +1 if m > other.
func (m Money) Cmp(other Money) (int, error) {
	if err := m.sameCurrency(other); err != nil {
		return 0, err
	}
	switch {
	case m.Units < other.Units:
		return -1, nil
	case m.Units > other.Units:
		return 1, nil
	default:
		return 0, nil
	}
}

// Min returns the smaller of a and b.
func Min(a, b Money) (Money, error) {
	c, err := a.Cmp(b)
	if err != nil {
		return Money{}, err
	}
	if c <= 0 {
		return a, nil
	}
	return b, nil
}
