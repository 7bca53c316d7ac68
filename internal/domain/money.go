package domain

import (
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
)

// AmountScale is the number of fractional digits kept for every stored amount.
const AmountScale int32 = 8

// ValidateAmount checks that amount is positive and representable at AmountScale.
func ValidateAmount(amount decimal.Decimal) error {
	if !amount.IsPositive() {
		return fmt.Errorf("%w: got %s", ErrInvalidAmount, amount)
	}
	if !amount.Equal(amount.Truncate(AmountScale)) {
		return fmt.Errorf("%w: got %s", ErrInvalidAmount, amount)
	}
	return nil
}

// NormalizeCurrency upper-cases and trims code and checks it is three letters.
func NormalizeCurrency(code string) (string, error) {
	code = strings.ToUpper(strings.TrimSpace(code))
	if !IsCurrencyCode(code) {
		return "", fmt.Errorf("%w: %q", ErrInvalidCurrencyCode, code)
	}
	return code, nil
}

func IsCurrencyCode(code string) bool {
	if len(code) != 3 {
		return false
	}
	for i := 0; i < len(code); i++ {
		if code[i] < 'A' || code[i] > 'Z' {
			return false
		}
	}
	return true
}

// ConvertAmount applies rate to amount, truncating to AmountScale so the credited side
// never exceeds the exact product.
func ConvertAmount(amount, rate decimal.Decimal) decimal.Decimal {
	return amount.Mul(rate).Truncate(AmountScale)
}
