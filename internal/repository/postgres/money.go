package postgres

import (
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
)

// numericToCents converts a NUMERIC(19,2) text value to minor units. Values
// with more than two fractional digits are rejected rather than rounded.
func numericToCents(s string) (int64, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, fmt.Errorf("empty numeric string")
	}

	d, err := decimal.NewFromString(s)
	if err != nil {
		return 0, fmt.Errorf("parse numeric %q: %w", s, err)
	}

	minor := d.Shift(2)
	if !minor.IsInteger() {
		return 0, fmt.Errorf("numeric %q has more than two decimal places", s)
	}
	return minor.IntPart(), nil
}

func centsToNumeric(cents int64) string {
	return decimal.New(cents, -2).StringFixed(2)
}
