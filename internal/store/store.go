// Package store is the ledger's single source of truth: balances, the transaction
// journal, trades and the currency directory.
//
// All writes that must land together go through Store.WithinTx. The Tx handed to the
// callback is the unit of work; it is the only place where begin, commit and rollback
// happen, and balance row locks taken through it are held until it ends.
package store

import (
	"context"
	"embed"
	"time"

	"github.com/google/uuid"
	"github.com/punchamoorthee/fxledger/internal/domain"
	"github.com/shopspring/decimal"
)

//go:embed migrations/*.sql
var Migrations embed.FS

// Tx is the set of ledger operations available inside (or outside) a unit of work.
// Lookups that miss return an error wrapping domain.ErrNotFound, except GetCurrency
// which returns domain.ErrCurrencyNotFound.
type Tx interface {
	GetCurrency(ctx context.Context, code string) (*domain.Currency, error)
	ListCurrencies(ctx context.Context) ([]domain.Currency, error)

	GetBalance(ctx context.Context, userID uuid.UUID, currency string) (*domain.Balance, error)
	ListBalances(ctx context.Context, userID uuid.UUID) ([]domain.Balance, error)
	// LockBalance returns the user's balance in currency, creating it at zero when absent,
	// and holds an exclusive lock on the row until the unit of work ends.
	LockBalance(ctx context.Context, userID uuid.UUID, currency string) (*domain.Balance, error)
	UpdateBalance(ctx context.Context, b *domain.Balance) error

	// InsertTransaction writes t and all of t.Details. A duplicate reference yields
	// domain.ErrAlreadyRecorded.
	InsertTransaction(ctx context.Context, t *domain.Transaction) error
	GetTransaction(ctx context.Context, id uuid.UUID, forUpdate bool) (*domain.Transaction, error)
	GetTransactionByReference(ctx context.Context, reference string) (*domain.Transaction, error)
	UpdateTransactionStatus(ctx context.Context, t *domain.Transaction) error
	ListTransactions(ctx context.Context, f domain.TransactionFilter) ([]domain.Transaction, int, error)
	// SumCompletedLegs returns credits minus debits over the details of COMPLETED
	// transactions that reference the balance.
	SumCompletedLegs(ctx context.Context, balanceID uuid.UUID) (decimal.Decimal, error)

	InsertTrade(ctx context.Context, t *domain.Trade) error
	GetTrade(ctx context.Context, id uuid.UUID, forUpdate bool) (*domain.Trade, error)
	UpdateTrade(ctx context.Context, t *domain.Trade) error
	ListTrades(ctx context.Context, userID uuid.UUID) ([]domain.Trade, error)
	ListStaleTrades(ctx context.Context, createdBefore time.Time, limit int) ([]domain.Trade, error)
}

// Store is a Tx bound to committed state plus the unit-of-work entry point.
type Store interface {
	Tx
	// WithinTx runs fn in one unit of work. If fn returns an error or panics every write
	// made through tx is rolled back; otherwise they are committed together.
	WithinTx(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error
}
