package services

import (
	"errors"
	"strings"

	"github.com/shopspring/decimal"
)

var (
	ErrAmountNotPositive = errors.New("amount must be positive")
	ErrAmountNegative    = errors.New("amount must not be negative")
	ErrAmountPrecision   = errors.New("amount has more than two decimal places")
)

var hundred = decimal.NewFromInt(100)

// RupeesToPaise converts a rupee amount to integer paise, rejecting values
// with sub-paisa precision. Storage and all balance math use paise.
func RupeesToPaise(rupees decimal.Decimal) (int64, error) {
	if rupees.Exponent() < -2 {
		return 0, ErrAmountPrecision
	}
	return rupees.Mul(hundred).IntPart(), nil
}

// ParseRupeeString parses a textual rupee amount, tolerating Indian-style
// thousands separators ("1,23,456.78").
func ParseRupeeString(s string) (int64, error) {
	cleaned := strings.ReplaceAll(strings.TrimSpace(s), ",", "")
	amount, err := decimal.NewFromString(cleaned)
	if err != nil {
		return 0, err
	}
	return RupeesToPaise(amount)
}

// PaiseToRupees renders paise back to a rupee decimal for API responses.
func PaiseToRupees(paise int64) decimal.Decimal {
	return decimal.NewFromInt(paise).Div(hundred)
}
