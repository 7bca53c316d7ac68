package domain

import (
	"context"
	"errors"
)

// Validation errors. Returned before any side effect.
var (
	ErrInvalidAmount       = errors.New("amount must be positive with at most 8 decimal places")
	ErrSameCurrency        = errors.New("cannot convert between the same currency")
	ErrInvalidCurrencyCode = errors.New("currency code must be 3 letters")
	ErrInvalidSpec         = errors.New("invalid transaction spec")
)

// Business-rule outcomes. Surfaced to callers verbatim.
var (
	ErrCurrencyNotFound  = errors.New("currency not found")
	ErrInsufficientFunds = errors.New("insufficient funds")
	ErrAlreadyRecorded   = errors.New("transaction with this reference already recorded")
	ErrRateUnavailable   = errors.New("exchange rate unavailable")
	ErrNotFound          = errors.New("not found")
)

// ErrInvalidTransition means a status change was attempted from a state that does not
// allow it. It usually points at a race upstream.
var ErrInvalidTransition = errors.New("invalid status transition")

// Infrastructure failures.
var (
	ErrMovementFailed = errors.New("money movement failed")
	ErrLockTimeout    = errors.New("balance lock timeout")
)

type ErrorClass int

const (
	ClassUnknown ErrorClass = iota
	ClassValidation
	ClassBusiness
	ClassInvariant
	ClassTransient
)

func (c ErrorClass) String() string {
	switch c {
	case ClassValidation:
		return "validation"
	case ClassBusiness:
		return "business"
	case ClassInvariant:
		return "invariant"
	case ClassTransient:
		return "transient"
	}
	return "unknown"
}

// Classify sorts err into the error taxonomy. nil is ClassUnknown.
func Classify(err error) ErrorClass {
	switch {
	case err == nil:
		return ClassUnknown
	case errors.Is(err, ErrInvalidAmount), errors.Is(err, ErrSameCurrency),
		errors.Is(err, ErrInvalidCurrencyCode), errors.Is(err, ErrInvalidSpec):
		return ClassValidation
	case errors.Is(err, ErrInvalidTransition):
		return ClassInvariant
	case errors.Is(err, ErrCurrencyNotFound), errors.Is(err, ErrInsufficientFunds),
		errors.Is(err, ErrAlreadyRecorded), errors.Is(err, ErrRateUnavailable),
		errors.Is(err, ErrNotFound):
		return ClassBusiness
	case errors.Is(err, ErrMovementFailed), errors.Is(err, ErrLockTimeout),
		errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
		return ClassTransient
	}
	return ClassUnknown
}

// IsExpected reports whether err is a validation or business outcome, i.e. something
// that should be handed back to the caller as-is rather than logged as a failure.
func IsExpected(err error) bool {
	c := Classify(err)
	return c == ClassValidation || c == ClassBusiness
}
