package store

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/punchamoorthee/fxledger/internal/domain"
	"github.com/shopspring/decimal"
)

const (
	pgUniqueViolation   = "23505"
	pgLockNotAvailable  = "55P03"
	referenceConstraint = "transactions_reference_key"
)

// dbtx is satisfied by both *pgxpool.Pool and pgx.Tx.
type dbtx interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

type Postgres struct {
	queries
	Db          *pgxpool.Pool
	lockTimeout time.Duration
}

// NewPostgres connects to connString. lockTimeout bounds how long any statement inside
// a unit of work may wait for a row lock; zero leaves the server default.
func NewPostgres(ctx context.Context, connString string, lockTimeout time.Duration) (*Postgres, error) {
	config, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, fmt.Errorf("unable to parse database config: %w", err)
	}

	pool, err := pgxpool.NewWithConfig(ctx, config)
	if err != nil {
		return nil, fmt.Errorf("unable to create connection pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("unable to ping database: %w", err)
	}

	return &Postgres{queries: queries{db: pool}, Db: pool, lockTimeout: lockTimeout}, nil
}

func (s *Postgres) Close() {
	s.Db.Close()
}

// WithinTx runs fn in a READ COMMITTED transaction. Balance rows are serialized by
// FOR UPDATE, so a waiter re-reads the committed amount once the holder finishes.
func (s *Postgres) WithinTx(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error {
	tx, err := s.Db.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.ReadCommitted})
	if err != nil {
		return fmt.Errorf("tx begin failed: %w", err)
	}
	defer tx.Rollback(ctx)

	if s.lockTimeout > 0 {
		stmt := fmt.Sprintf("SET LOCAL lock_timeout = '%dms'", s.lockTimeout.Milliseconds())
		if _, err := tx.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("set lock timeout failed: %w", err)
		}
	}

	if err := fn(ctx, &queries{db: tx}); err != nil {
		return err
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("tx commit failed: %w", mapPgError(err))
	}
	return nil
}

type queries struct {
	db dbtx
}

func mapPgError(err error) error {
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) {
		return err
	}
	switch {
	case pgErr.Code == pgUniqueViolation && pgErr.ConstraintName == referenceConstraint:
		return fmt.Errorf("%w: %s", domain.ErrAlreadyRecorded, pgErr.Detail)
	case pgErr.Code == pgLockNotAvailable:
		return fmt.Errorf("%w: %w", domain.ErrLockTimeout, err)
	}
	return err
}

func decimalArg(d *decimal.Decimal) *string {
	if d == nil {
		return nil
	}
	s := d.String()
	return &s
}

func parseDecimal(s string) (decimal.Decimal, error) {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Decimal{}, fmt.Errorf("parse numeric %q: %w", s, err)
	}
	return d, nil
}

func parseNullDecimal(s *string) (*decimal.Decimal, error) {
	if s == nil {
		return nil, nil
	}
	d, err := parseDecimal(*s)
	if err != nil {
		return nil, err
	}
	return &d, nil
}

// --- Currencies ---

func (q *queries) GetCurrency(ctx context.Context, code string) (*domain.Currency, error) {
	var c domain.Currency
	err := q.db.QueryRow(ctx,
		"SELECT code, name, symbol, is_active FROM currencies WHERE code = $1", code,
	).Scan(&c.Code, &c.Name, &c.Symbol, &c.IsActive)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("%w: %s", domain.ErrCurrencyNotFound, code)
		}
		return nil, fmt.Errorf("currency query failed: %w", err)
	}
	return &c, nil
}

func (q *queries) ListCurrencies(ctx context.Context) ([]domain.Currency, error) {
	rows, err := q.db.Query(ctx, "SELECT code, name, symbol, is_active FROM currencies ORDER BY code")
	if err != nil {
		return nil, fmt.Errorf("currency list failed: %w", err)
	}
	defer rows.Close()

	var out []domain.Currency
	for rows.Next() {
		var c domain.Currency
		if err := rows.Scan(&c.Code, &c.Name, &c.Symbol, &c.IsActive); err != nil {
			return nil, fmt.Errorf("currency scan failed: %w", err)
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// --- Balances ---

const balanceColumns = "id, user_id, currency_code, amount::text, created_at, updated_at"

func scanBalance(row pgx.Row) (*domain.Balance, error) {
	var b domain.Balance
	var amount string
	if err := row.Scan(&b.ID, &b.UserID, &b.CurrencyCode, &amount, &b.CreatedAt, &b.UpdatedAt); err != nil {
		return nil, err
	}
	d, err := parseDecimal(amount)
	if err != nil {
		return nil, err
	}
	b.Amount = d
	return &b, nil
}

func (q *queries) GetBalance(ctx context.Context, userID uuid.UUID, currency string) (*domain.Balance, error) {
	b, err := scanBalance(q.db.QueryRow(ctx,
		"SELECT "+balanceColumns+" FROM balances WHERE user_id = $1 AND currency_code = $2",
		userID, currency))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("balance %s/%s: %w", userID, currency, domain.ErrNotFound)
		}
		return nil, fmt.Errorf("balance query failed: %w", err)
	}
	return b, nil
}

func (q *queries) ListBalances(ctx context.Context, userID uuid.UUID) ([]domain.Balance, error) {
	rows, err := q.db.Query(ctx,
		"SELECT "+balanceColumns+" FROM balances WHERE user_id = $1 ORDER BY currency_code", userID)
	if err != nil {
		return nil, fmt.Errorf("balance list failed: %w", err)
	}
	defer rows.Close()

	var out []domain.Balance
	for rows.Next() {
		b, err := scanBalance(rows)
		if err != nil {
			return nil, fmt.Errorf("balance scan failed: %w", err)
		}
		out = append(out, *b)
	}
	return out, rows.Err()
}

func (q *queries) LockBalance(ctx context.Context, userID uuid.UUID, currency string) (*domain.Balance, error) {
	lockQuery := "SELECT " + balanceColumns + " FROM balances WHERE user_id = $1 AND currency_code = $2 FOR UPDATE"

	b, err := scanBalance(q.db.QueryRow(ctx, lockQuery, userID, currency))
	if err == nil {
		return b, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("lock acquisition failed: %w", mapPgError(err))
	}

	// First touch of this currency. A concurrent creator makes the insert a no-op and
	// the locking read below then waits for it.
	now := time.Now().UTC()
	_, err = q.db.Exec(ctx,
		`INSERT INTO balances (id, user_id, currency_code, amount, created_at, updated_at)
		 VALUES ($1, $2, $3, 0, $4, $4)
		 ON CONFLICT (user_id, currency_code) DO NOTHING`,
		uuid.New(), userID, currency, now)
	if err != nil {
		return nil, fmt.Errorf("balance create failed: %w", mapPgError(err))
	}

	b, err = scanBalance(q.db.QueryRow(ctx, lockQuery, userID, currency))
	if err != nil {
		return nil, fmt.Errorf("lock acquisition failed: %w", mapPgError(err))
	}
	return b, nil
}

func (q *queries) UpdateBalance(ctx context.Context, b *domain.Balance) error {
	b.UpdatedAt = time.Now().UTC()
	tag, err := q.db.Exec(ctx,
		"UPDATE balances SET amount = $2::numeric, updated_at = $3 WHERE id = $1",
		b.ID, b.Amount.String(), b.UpdatedAt)
	if err != nil {
		return fmt.Errorf("balance update failed: %w", mapPgError(err))
	}
	if tag.RowsAffected() != 1 {
		return fmt.Errorf("balance %s: %w", b.ID, domain.ErrNotFound)
	}
	return nil
}

// --- Transactions ---

const transactionColumns = `id, user_id, kind, status, amount::text, currency, target_amount::text,
	target_currency, exchange_rate::text, reference, metadata, created_at, completed_at`

func scanTransaction(row pgx.Row) (*domain.Transaction, error) {
	var t domain.Transaction
	var kind, status, amount string
	var targetAmount, rate *string
	if err := row.Scan(&t.ID, &t.UserID, &kind, &status, &amount, &t.Currency, &targetAmount,
		&t.TargetCurrency, &rate, &t.Reference, &t.Metadata, &t.CreatedAt, &t.CompletedAt); err != nil {
		return nil, err
	}
	t.Kind = domain.TransactionKind(kind)
	t.Status = domain.TransactionStatus(status)

	var err error
	if t.Amount, err = parseDecimal(amount); err != nil {
		return nil, err
	}
	if t.TargetAmount, err = parseNullDecimal(targetAmount); err != nil {
		return nil, err
	}
	if t.ExchangeRate, err = parseNullDecimal(rate); err != nil {
		return nil, err
	}
	return &t, nil
}

func (q *queries) InsertTransaction(ctx context.Context, t *domain.Transaction) error {
	_, err := q.db.Exec(ctx,
		`INSERT INTO transactions (id, user_id, kind, status, amount, currency, target_amount,
			target_currency, exchange_rate, reference, metadata, created_at, completed_at)
		 VALUES ($1, $2, $3, $4, $5::numeric, $6, $7::numeric, $8, $9::numeric, $10, $11, $12, $13)`,
		t.ID, t.UserID, string(t.Kind), string(t.Status), t.Amount.String(), t.Currency,
		decimalArg(t.TargetAmount), t.TargetCurrency, decimalArg(t.ExchangeRate), t.Reference,
		t.Metadata, t.CreatedAt, t.CompletedAt)
	if err != nil {
		return fmt.Errorf("transaction insert failed: %w", mapPgError(err))
	}

	for _, d := range t.Details {
		_, err = q.db.Exec(ctx,
			`INSERT INTO transaction_details (id, transaction_id, balance_id, currency_code, amount,
				is_debit, exchange_rate, reference_id, metadata, created_at)
			 VALUES ($1, $2, $3, $4, $5::numeric, $6, $7::numeric, $8, $9, $10)`,
			d.ID, d.TransactionID, d.BalanceID, d.CurrencyCode, d.Amount.String(), d.IsDebit,
			decimalArg(d.ExchangeRate), d.ReferenceID, d.Metadata, d.CreatedAt)
		if err != nil {
			return fmt.Errorf("transaction detail insert failed: %w", mapPgError(err))
		}
	}
	return nil
}

func (q *queries) details(ctx context.Context, transactionID uuid.UUID) ([]domain.TransactionDetail, error) {
	rows, err := q.db.Query(ctx,
		`SELECT id, transaction_id, balance_id, currency_code, amount::text, is_debit,
			exchange_rate::text, reference_id, metadata, created_at
		 FROM transaction_details WHERE transaction_id = $1 ORDER BY is_debit DESC, created_at`,
		transactionID)
	if err != nil {
		return nil, fmt.Errorf("detail query failed: %w", err)
	}
	defer rows.Close()

	var out []domain.TransactionDetail
	for rows.Next() {
		var d domain.TransactionDetail
		var amount string
		var rate *string
		if err := rows.Scan(&d.ID, &d.TransactionID, &d.BalanceID, &d.CurrencyCode, &amount,
			&d.IsDebit, &rate, &d.ReferenceID, &d.Metadata, &d.CreatedAt); err != nil {
			return nil, fmt.Errorf("detail scan failed: %w", err)
		}
		if d.Amount, err = parseDecimal(amount); err != nil {
			return nil, err
		}
		if d.ExchangeRate, err = parseNullDecimal(rate); err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

func (q *queries) getTransaction(ctx context.Context, where string, arg any, forUpdate bool) (*domain.Transaction, error) {
	query := "SELECT " + transactionColumns + " FROM transactions WHERE " + where
	if forUpdate {
		query += " FOR UPDATE"
	}
	t, err := scanTransaction(q.db.QueryRow(ctx, query, arg))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("transaction %v: %w", arg, domain.ErrNotFound)
		}
		return nil, fmt.Errorf("transaction query failed: %w", mapPgError(err))
	}
	if t.Details, err = q.details(ctx, t.ID); err != nil {
		return nil, err
	}
	return t, nil
}

func (q *queries) GetTransaction(ctx context.Context, id uuid.UUID, forUpdate bool) (*domain.Transaction, error) {
	return q.getTransaction(ctx, "id = $1", id, forUpdate)
}

func (q *queries) GetTransactionByReference(ctx context.Context, reference string) (*domain.Transaction, error) {
	return q.getTransaction(ctx, "reference = $1", reference, false)
}

func (q *queries) UpdateTransactionStatus(ctx context.Context, t *domain.Transaction) error {
	tag, err := q.db.Exec(ctx,
		"UPDATE transactions SET status = $2, metadata = $3, completed_at = $4 WHERE id = $1",
		t.ID, string(t.Status), t.Metadata, t.CompletedAt)
	if err != nil {
		return fmt.Errorf("transaction update failed: %w", mapPgError(err))
	}
	if tag.RowsAffected() != 1 {
		return fmt.Errorf("transaction %s: %w", t.ID, domain.ErrNotFound)
	}
	return nil
}

func (q *queries) ListTransactions(ctx context.Context, f domain.TransactionFilter) ([]domain.Transaction, int, error) {
	const where = ` WHERE user_id = $1 AND ($2 = '' OR kind = $2) AND ($3 = '' OR status = $3)`
	if f.Page < 1 || f.Limit < 1 || f.Page > math.MaxInt/f.Limit {
		return nil, 0, fmt.Errorf("%w: page %d limit %d", domain.ErrInvalidSpec, f.Page, f.Limit)
	}

	var total int
	err := q.db.QueryRow(ctx, "SELECT COUNT(*) FROM transactions"+where,
		f.UserID, string(f.Kind), string(f.Status)).Scan(&total)
	if err != nil {
		return nil, 0, fmt.Errorf("transaction count failed: %w", err)
	}

	rows, err := q.db.Query(ctx,
		"SELECT "+transactionColumns+" FROM transactions"+where+" ORDER BY created_at DESC LIMIT $4 OFFSET $5",
		f.UserID, string(f.Kind), string(f.Status), f.Limit, (f.Page-1)*f.Limit)
	if err != nil {
		return nil, 0, fmt.Errorf("transaction list failed: %w", err)
	}
	defer rows.Close()

	var out []domain.Transaction
	for rows.Next() {
		t, err := scanTransaction(rows)
		if err != nil {
			return nil, 0, fmt.Errorf("transaction scan failed: %w", err)
		}
		out = append(out, *t)
	}
	return out, total, rows.Err()
}

func (q *queries) SumCompletedLegs(ctx context.Context, balanceID uuid.UUID) (decimal.Decimal, error) {
	var sum string
	err := q.db.QueryRow(ctx,
		`SELECT COALESCE(SUM(CASE WHEN d.is_debit THEN -d.amount ELSE d.amount END), 0)::text
		 FROM transaction_details d
		 JOIN transactions t ON t.id = d.transaction_id
		 WHERE d.balance_id = $1 AND t.status = 'COMPLETED'`, balanceID).Scan(&sum)
	if err != nil {
		return decimal.Decimal{}, fmt.Errorf("leg sum failed: %w", err)
	}
	return parseDecimal(sum)
}

// --- Trades ---

const tradeColumns = `id, user_id, from_currency, to_currency, from_amount::text, to_amount::text,
	rate::text, status, failure_reason, transaction_id, created_at, updated_at`

func scanTrade(row pgx.Row) (*domain.Trade, error) {
	var t domain.Trade
	var fromAmount, toAmount, rate, status string
	if err := row.Scan(&t.ID, &t.UserID, &t.FromCurrency, &t.ToCurrency, &fromAmount, &toAmount,
		&rate, &status, &t.FailureReason, &t.TransactionID, &t.CreatedAt, &t.UpdatedAt); err != nil {
		return nil, err
	}
	t.Status = domain.TradeStatus(status)

	var err error
	if t.FromAmount, err = parseDecimal(fromAmount); err != nil {
		return nil, err
	}
	if t.ToAmount, err = parseDecimal(toAmount); err != nil {
		return nil, err
	}
	if t.Rate, err = parseDecimal(rate); err != nil {
		return nil, err
	}
	return &t, nil
}

func (q *queries) InsertTrade(ctx context.Context, t *domain.Trade) error {
	_, err := q.db.Exec(ctx,
		`INSERT INTO trades (id, user_id, from_currency, to_currency, from_amount, to_amount, rate,
			status, failure_reason, transaction_id, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5::numeric, $6::numeric, $7::numeric, $8, $9, $10, $11, $12)`,
		t.ID, t.UserID, t.FromCurrency, t.ToCurrency, t.FromAmount.String(), t.ToAmount.String(),
		t.Rate.String(), string(t.Status), t.FailureReason, t.TransactionID, t.CreatedAt, t.UpdatedAt)
	if err != nil {
		return fmt.Errorf("trade insert failed: %w", mapPgError(err))
	}
	return nil
}

func (q *queries) GetTrade(ctx context.Context, id uuid.UUID, forUpdate bool) (*domain.Trade, error) {
	query := "SELECT " + tradeColumns + " FROM trades WHERE id = $1"
	if forUpdate {
		query += " FOR UPDATE"
	}
	t, err := scanTrade(q.db.QueryRow(ctx, query, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("trade %s: %w", id, domain.ErrNotFound)
		}
		return nil, fmt.Errorf("trade query failed: %w", mapPgError(err))
	}
	return t, nil
}

func (q *queries) UpdateTrade(ctx context.Context, t *domain.Trade) error {
	t.UpdatedAt = time.Now().UTC()
	tag, err := q.db.Exec(ctx,
		"UPDATE trades SET status = $2, failure_reason = $3, transaction_id = $4, updated_at = $5 WHERE id = $1",
		t.ID, string(t.Status), t.FailureReason, t.TransactionID, t.UpdatedAt)
	if err != nil {
		return fmt.Errorf("trade update failed: %w", mapPgError(err))
	}
	if tag.RowsAffected() != 1 {
		return fmt.Errorf("trade %s: %w", t.ID, domain.ErrNotFound)
	}
	return nil
}

func (q *queries) listTrades(ctx context.Context, query string, args ...any) ([]domain.Trade, error) {
	rows, err := q.db.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("trade list failed: %w", err)
	}
	defer rows.Close()

	var out []domain.Trade
	for rows.Next() {
		t, err := scanTrade(rows)
		if err != nil {
			return nil, fmt.Errorf("trade scan failed: %w", err)
		}
		out = append(out, *t)
	}
	return out, rows.Err()
}

func (q *queries) ListTrades(ctx context.Context, userID uuid.UUID) ([]domain.Trade, error) {
	return q.listTrades(ctx,
		"SELECT "+tradeColumns+" FROM trades WHERE user_id = $1 ORDER BY created_at DESC", userID)
}

func (q *queries) ListStaleTrades(ctx context.Context, createdBefore time.Time, limit int) ([]domain.Trade, error) {
	return q.listTrades(ctx,
		"SELECT "+tradeColumns+" FROM trades WHERE status = 'PENDING' AND created_at < $1 ORDER BY created_at LIMIT $2",
		createdBefore, limit)
}
