package domain

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Currency is an entry of the currency directory.
type Currency struct {
	Code     string `json:"code"`
	Name     string `json:"name"`
	Symbol   string `json:"symbol"`
	IsActive bool   `json:"is_active"`
}

// Balance is the amount of one currency held by one user.
// There is at most one Balance per (UserID, CurrencyCode).
type Balance struct {
	ID           uuid.UUID       `json:"id"`
	UserID       uuid.UUID       `json:"user_id"`
	CurrencyCode string          `json:"currency_code"`
	Amount       decimal.Decimal `json:"amount"`
	CreatedAt    time.Time       `json:"created_at"`
	UpdatedAt    time.Time       `json:"updated_at"`
}

// Transaction is the journal record of one logical money event.
type Transaction struct {
	ID             uuid.UUID           `json:"id"`
	UserID         uuid.UUID           `json:"user_id"`
	Kind           TransactionKind     `json:"kind"`
	Status         TransactionStatus   `json:"status"`
	Amount         decimal.Decimal     `json:"amount"`
	Currency       string              `json:"currency"`
	TargetAmount   *decimal.Decimal    `json:"target_amount,omitempty"`
	TargetCurrency *string             `json:"target_currency,omitempty"`
	ExchangeRate   *decimal.Decimal    `json:"exchange_rate,omitempty"`
	Reference      string              `json:"reference"`
	Metadata       map[string]any      `json:"metadata,omitempty"`
	Details        []TransactionDetail `json:"details,omitempty"`
	CreatedAt      time.Time           `json:"created_at"`
	CompletedAt    *time.Time          `json:"completed_at,omitempty"`
}

// TransactionDetail is one leg of a Transaction: a single debit or credit on one Balance.
// Details are written once together with their Transaction and never updated.
type TransactionDetail struct {
	ID            uuid.UUID        `json:"id"`
	TransactionID uuid.UUID        `json:"transaction_id"`
	BalanceID     uuid.UUID        `json:"balance_id"`
	CurrencyCode  string           `json:"currency_code"`
	Amount        decimal.Decimal  `json:"amount"`
	IsDebit       bool             `json:"is_debit"`
	ExchangeRate  *decimal.Decimal `json:"exchange_rate,omitempty"`
	ReferenceID   *string          `json:"reference_id,omitempty"`
	Metadata      map[string]any   `json:"metadata,omitempty"`
	CreatedAt     time.Time        `json:"created_at"`
}

// Signed returns the effect of the leg on its balance.
func (d TransactionDetail) Signed() decimal.Decimal {
	if d.IsDebit {
		return d.Amount.Neg()
	}
	return d.Amount
}

// Trade is the user-facing record of a currency exchange request.
type Trade struct {
	ID            uuid.UUID       `json:"id"`
	UserID        uuid.UUID       `json:"user_id"`
	FromCurrency  string          `json:"from_currency"`
	ToCurrency    string          `json:"to_currency"`
	FromAmount    decimal.Decimal `json:"from_amount"`
	ToAmount      decimal.Decimal `json:"to_amount"`
	Rate          decimal.Decimal `json:"rate"`
	Status        TradeStatus     `json:"status"`
	FailureReason *string         `json:"failure_reason,omitempty"`
	TransactionID *uuid.UUID      `json:"transaction_id,omitempty"`
	CreatedAt     time.Time       `json:"created_at"`
	UpdatedAt     time.Time       `json:"updated_at"`
}

// DetailSpec describes one leg to be recorded.
type DetailSpec struct {
	BalanceID    uuid.UUID
	CurrencyCode string
	Amount       decimal.Decimal
	IsDebit      bool
	ExchangeRate *decimal.Decimal
	ReferenceID  *string
	Metadata     map[string]any
}

// TransactionSpec is the input of the transaction recorder.
type TransactionSpec struct {
	UserID         uuid.UUID
	Kind           TransactionKind
	Amount         decimal.Decimal
	Currency       string
	TargetAmount   *decimal.Decimal
	TargetCurrency *string
	ExchangeRate   *decimal.Decimal
	Details        []DetailSpec
	// Reference is the idempotency key. Empty means one is generated.
	Reference string
	Metadata  map[string]any
}

// TransactionFilter selects a page of a user's transactions.
type TransactionFilter struct {
	UserID uuid.UUID
	Kind   TransactionKind
	Status TransactionStatus
	Page   int
	Limit  int
}

// TransactionPage is one page of transactions plus the total match count.
type TransactionPage struct {
	Data  []Transaction `json:"data"`
	Total int           `json:"total"`
	Page  int           `json:"page"`
	Limit int           `json:"limit"`
}
