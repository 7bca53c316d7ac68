package ledger

import (
	"fmt"

	"github.com/google/uuid"
	"github.com/punchamoorthee/fxledger/internal/domain"
	"github.com/shopspring/decimal"
)

func invalid(format string, args ...any) error {
	return fmt.Errorf("%w: %s", domain.ErrInvalidSpec, fmt.Sprintf(format, args...))
}

// validateSpec checks a spec before anything is written.
func validateSpec(spec domain.TransactionSpec) error {
	if spec.UserID == uuid.Nil {
		return invalid("user id is required")
	}
	if !spec.Kind.Valid() {
		return invalid("unknown kind %q", spec.Kind)
	}
	if err := domain.ValidateAmount(spec.Amount); err != nil {
		return fmt.Errorf("%w: %w", domain.ErrInvalidSpec, err)
	}
	if !domain.IsCurrencyCode(spec.Currency) {
		return invalid("currency %q is not a 3-letter code", spec.Currency)
	}
	if len(spec.Details) == 0 {
		return invalid("at least one detail is required")
	}
	for i, d := range spec.Details {
		if d.BalanceID == uuid.Nil {
			return invalid("detail %d has no balance", i)
		}
		if err := domain.ValidateAmount(d.Amount); err != nil {
			return fmt.Errorf("%w: detail %d: %w", domain.ErrInvalidSpec, i, err)
		}
		if !domain.IsCurrencyCode(d.CurrencyCode) {
			return invalid("detail %d currency %q is not a 3-letter code", i, d.CurrencyCode)
		}
	}

	switch spec.Kind {
	case domain.KindFunding:
		return validateFunding(spec)
	case domain.KindConversion:
		return validateConversion(spec)
	case domain.KindTransfer:
		return validateTransfer(spec)
	}
	return nil
}

func validateFunding(spec domain.TransactionSpec) error {
	if len(spec.Details) != 1 || spec.Details[0].IsDebit {
		return invalid("funding needs exactly one credit leg")
	}
	leg := spec.Details[0]
	if leg.CurrencyCode != spec.Currency || !leg.Amount.Equal(spec.Amount) {
		return invalid("funding leg %s %s does not match %s %s", leg.Amount, leg.CurrencyCode, spec.Amount, spec.Currency)
	}
	return nil
}

func validateConversion(spec domain.TransactionSpec) error {
	if len(spec.Details) != 2 {
		return invalid("conversion needs exactly two legs, got %d", len(spec.Details))
	}
	var debit, credit *domain.DetailSpec
	for i := range spec.Details {
		if spec.Details[i].IsDebit {
			debit = &spec.Details[i]
		} else {
			credit = &spec.Details[i]
		}
	}
	if debit == nil || credit == nil {
		return invalid("conversion needs one debit and one credit leg")
	}
	if spec.ExchangeRate == nil || !spec.ExchangeRate.IsPositive() {
		return invalid("conversion needs a positive exchange rate")
	}
	if spec.TargetCurrency == nil || spec.TargetAmount == nil {
		return invalid("conversion needs a target amount and currency")
	}
	if debit.CurrencyCode != spec.Currency || !debit.Amount.Equal(spec.Amount) {
		return invalid("debit leg %s %s does not match %s %s", debit.Amount, debit.CurrencyCode, spec.Amount, spec.Currency)
	}
	if credit.CurrencyCode != *spec.TargetCurrency || !credit.Amount.Equal(*spec.TargetAmount) {
		return invalid("credit leg %s %s does not match target %s %s",
			credit.Amount, credit.CurrencyCode, *spec.TargetAmount, *spec.TargetCurrency)
	}
	if debit.CurrencyCode == credit.CurrencyCode {
		return fmt.Errorf("%w: %w", domain.ErrInvalidSpec, domain.ErrSameCurrency)
	}
	if want := domain.ConvertAmount(debit.Amount, *spec.ExchangeRate); !credit.Amount.Equal(want) {
		return invalid("credit %s != debit %s * rate %s (want %s)", credit.Amount, debit.Amount, spec.ExchangeRate, want)
	}
	return nil
}

func validateTransfer(spec domain.TransactionSpec) error {
	if len(spec.Details) < 2 {
		return invalid("transfer needs at least two legs")
	}
	debits, credits := decimal.Zero, decimal.Zero
	for i, d := range spec.Details {
		if d.CurrencyCode != spec.Currency {
			return invalid("transfer leg %d is in %s, transfer is in %s", i, d.CurrencyCode, spec.Currency)
		}
		if d.IsDebit {
			debits = debits.Add(d.Amount)
		} else {
			credits = credits.Add(d.Amount)
		}
	}
	if !debits.Equal(credits) {
		return invalid("transfer debits %s != credits %s", debits, credits)
	}
	return nil
}
