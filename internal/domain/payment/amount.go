package payment

import (
	"fmt"
	"strings"

	"github.com/cassiomorais/payflow/internal/domain/errors"
	"github.com/shopspring/decimal"
	"golang.org/x/text/currency"
)

var hundred = decimal.NewFromInt(100)

// Amount represents a monetary amount in the smallest currency unit (e.g. cents).
type Amount struct {
	ValueCents int64
	Currency   string
}

// NewAmount builds an Amount from minor units, normalising the currency code.
func NewAmount(cents int64, currencyCode string) (Amount, error) {
	a := Amount{ValueCents: cents, Currency: strings.ToUpper(strings.TrimSpace(currencyCode))}
	if err := a.Validate(); err != nil {
		return Amount{}, err
	}
	return a, nil
}

// ParseAmount parses a decimal string such as "99.99" into an Amount.
// More than two fractional digits is rejected rather than rounded.
func ParseAmount(value, currencyCode string) (Amount, error) {
	d, err := decimal.NewFromString(strings.TrimSpace(value))
	if err != nil {
		return Amount{}, errors.NewValidationError("amount", fmt.Sprintf("not a decimal number: %q", value))
	}
	minor := d.Mul(hundred)
	if !minor.IsInteger() {
		return Amount{}, errors.NewValidationError("amount", "at most two decimal places are allowed")
	}
	return NewAmount(minor.IntPart(), currencyCode)
}

// Decimal returns the amount in major units.
func (a Amount) Decimal() decimal.Decimal {
	return decimal.New(a.ValueCents, -2)
}

// String returns a human-readable representation of the amount.
func (a Amount) String() string {
	return a.Decimal().StringFixed(2) + " " + a.Currency
}

// Validate checks that the amount is valid.
func (a Amount) Validate() error {
	if a.ValueCents <= 0 {
		return errors.NewValidationError("amount", "must be greater than 0")
	}
	return ValidateCurrency(a.Currency)
}

// ValidateCurrency checks code against the ISO 4217 table.
func ValidateCurrency(code string) error {
	if code == "" {
		return errors.NewValidationError("currency", "cannot be empty")
	}
	if len(code) != 3 || strings.ToUpper(code) != code {
		return errors.NewValidationError("currency", "must be a 3-letter upper-case ISO code")
	}
	if _, err := currency.ParseISO(code); err != nil {
		return errors.NewValidationError("currency", fmt.Sprintf("unknown ISO 4217 code %q", code))
	}
	return nil
}
