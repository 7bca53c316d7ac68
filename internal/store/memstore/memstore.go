// Package memstore is an in-process implementation of store.Store.
//
// It keeps the same guarantees the engine relies on from Postgres: balance rows are
// locked exclusively until the unit of work ends, and a unit's writes stay private to
// it until commit, so no other reader ever sees them half applied. Faults can be
// injected per operation.
package memstore

import (
	"context"
	"fmt"
	"maps"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/punchamoorthee/fxledger/internal/domain"
	"github.com/punchamoorthee/fxledger/internal/store"
	"github.com/shopspring/decimal"
)

type Op string

const (
	OpLockBalance             Op = "LockBalance"
	OpUpdateBalance           Op = "UpdateBalance"
	OpInsertTransaction       Op = "InsertTransaction"
	OpUpdateTransactionStatus Op = "UpdateTransactionStatus"
	OpInsertTrade             Op = "InsertTrade"
	OpGetTrade                Op = "GetTrade"
	OpUpdateTrade             Op = "UpdateTrade"
	OpCommit                  Op = "Commit"
)

// referenceSpace derives lock ids for transaction references, standing in for the
// unique index wait a concurrent insert of the same reference gets in Postgres.
var referenceSpace = uuid.MustParse("6f1c2b7e-3d4a-4c9e-8b1f-2a7d5e9c0b13")

type balanceKey struct {
	userID   uuid.UUID
	currency string
}

type Store struct {
	mu           sync.Mutex
	currencies   map[string]domain.Currency
	balances     map[uuid.UUID]*domain.Balance
	balanceIdx   map[balanceKey]uuid.UUID
	transactions map[uuid.UUID]*domain.Transaction
	references   map[string]uuid.UUID
	trades       map[uuid.UUID]*domain.Trade
	rowLocks     map[uuid.UUID]chan struct{}
	faults       map[Op]error
	lockTimeout  time.Duration
}

var _ store.Store = (*Store)(nil)

func New(currencies ...domain.Currency) *Store {
	s := &Store{
		currencies:   make(map[string]domain.Currency),
		balances:     make(map[uuid.UUID]*domain.Balance),
		balanceIdx:   make(map[balanceKey]uuid.UUID),
		transactions: make(map[uuid.UUID]*domain.Transaction),
		references:   make(map[string]uuid.UUID),
		trades:       make(map[uuid.UUID]*domain.Trade),
		rowLocks:     make(map[uuid.UUID]chan struct{}),
		faults:       make(map[Op]error),
	}
	for _, c := range currencies {
		s.currencies[c.Code] = c
	}
	return s
}

// SetLockTimeout bounds how long a unit of work waits for a row lock. Zero waits until
// the context is done.
func (s *Store) SetLockTimeout(d time.Duration) {
	s.mu.Lock()
	s.lockTimeout = d
	s.mu.Unlock()
}

func (s *Store) PutCurrency(c domain.Currency) {
	s.mu.Lock()
	s.currencies[c.Code] = c
	s.mu.Unlock()
}

// InjectFault makes every call of op fail with err until ClearFaults.
func (s *Store) InjectFault(op Op, err error) {
	s.mu.Lock()
	s.faults[op] = err
	s.mu.Unlock()
}

func (s *Store) ClearFaults() {
	s.mu.Lock()
	clear(s.faults)
	s.mu.Unlock()
}

func (s *Store) fault(op Op) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err, ok := s.faults[op]; ok {
		return fmt.Errorf("memstore %s: %w", op, err)
	}
	return nil
}

func (s *Store) WithinTx(ctx context.Context, fn func(ctx context.Context, tx store.Tx) error) (err error) {
	u := s.begin()
	committed := false
	defer func() {
		if !committed {
			u.release()
		}
	}()

	if err := fn(ctx, u); err != nil {
		return err
	}
	if err := s.fault(OpCommit); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("tx commit failed: %w", err)
	}
	u.commit()
	committed = true
	return nil
}

func (s *Store) begin() *unit {
	return &unit{
		s:            s,
		held:         make(map[uuid.UUID]bool),
		balances:     make(map[uuid.UUID]*domain.Balance),
		transactions: make(map[uuid.UUID]*domain.Transaction),
		references:   make(map[string]uuid.UUID),
		trades:       make(map[uuid.UUID]*domain.Trade),
	}
}

// unit is one unit of work. Its writes are buffered in its own maps and read back by
// the unit itself; commit publishes them to the store in one step and rollback simply
// drops them.
type unit struct {
	s    *Store
	held map[uuid.UUID]bool

	balances     map[uuid.UUID]*domain.Balance
	transactions map[uuid.UUID]*domain.Transaction
	references   map[string]uuid.UUID
	trades       map[uuid.UUID]*domain.Trade
}

func (u *unit) commit() {
	u.s.mu.Lock()
	maps.Copy(u.s.balances, u.balances)
	maps.Copy(u.s.transactions, u.transactions)
	maps.Copy(u.s.references, u.references)
	maps.Copy(u.s.trades, u.trades)
	u.s.mu.Unlock()
	u.release()
}

func (u *unit) release() {
	u.s.mu.Lock()
	defer u.s.mu.Unlock()
	for id := range u.held {
		<-u.s.rowLocks[id]
	}
	clear(u.held)
}

func (u *unit) lockRow(ctx context.Context, id uuid.UUID) error {
	if u.held[id] {
		return nil
	}
	u.s.mu.Lock()
	ch, ok := u.s.rowLocks[id]
	if !ok {
		ch = make(chan struct{}, 1)
		u.s.rowLocks[id] = ch
	}
	timeout := u.s.lockTimeout
	u.s.mu.Unlock()

	var expired <-chan time.Time
	if timeout > 0 {
		timer := time.NewTimer(timeout)
		defer timer.Stop()
		expired = timer.C
	}

	select {
	case ch <- struct{}{}:
		u.held[id] = true
		return nil
	case <-expired:
		return fmt.Errorf("%w: row %s", domain.ErrLockTimeout, id)
	case <-ctx.Done():
		return fmt.Errorf("%w: %w", domain.ErrLockTimeout, ctx.Err())
	}
}

// The view helpers overlay the unit's own writes on committed state. Callers hold s.mu.

func (u *unit) balance(id uuid.UUID) (*domain.Balance, bool) {
	if b, ok := u.balances[id]; ok {
		return b, true
	}
	b, ok := u.s.balances[id]
	return b, ok
}

func (u *unit) transaction(id uuid.UUID) (*domain.Transaction, bool) {
	if t, ok := u.transactions[id]; ok {
		return t, true
	}
	t, ok := u.s.transactions[id]
	return t, ok
}

func (u *unit) trade(id uuid.UUID) (*domain.Trade, bool) {
	if t, ok := u.trades[id]; ok {
		return t, true
	}
	t, ok := u.s.trades[id]
	return t, ok
}

func (u *unit) referenced(reference string) (uuid.UUID, bool) {
	if id, ok := u.references[reference]; ok {
		return id, true
	}
	id, ok := u.s.references[reference]
	return id, ok
}

func overlay[T any](committed, own map[uuid.UUID]T) map[uuid.UUID]T {
	if len(own) == 0 {
		return committed
	}
	merged := maps.Clone(committed)
	maps.Copy(merged, own)
	return merged
}

// autocommit runs a single operation in its own unit of work.
func autocommit[T any](ctx context.Context, s *Store, fn func(u *unit) (T, error)) (T, error) {
	var out T
	err := s.WithinTx(ctx, func(ctx context.Context, tx store.Tx) error {
		v, err := fn(tx.(*unit))
		out = v
		return err
	})
	return out, err
}

// --- Store: single-operation units ---

func (s *Store) GetCurrency(ctx context.Context, code string) (*domain.Currency, error) {
	return autocommit(ctx, s, func(u *unit) (*domain.Currency, error) { return u.GetCurrency(ctx, code) })
}

func (s *Store) ListCurrencies(ctx context.Context) ([]domain.Currency, error) {
	return autocommit(ctx, s, func(u *unit) ([]domain.Currency, error) { return u.ListCurrencies(ctx) })
}

func (s *Store) GetBalance(ctx context.Context, userID uuid.UUID, currency string) (*domain.Balance, error) {
	return autocommit(ctx, s, func(u *unit) (*domain.Balance, error) { return u.GetBalance(ctx, userID, currency) })
}

func (s *Store) ListBalances(ctx context.Context, userID uuid.UUID) ([]domain.Balance, error) {
	return autocommit(ctx, s, func(u *unit) ([]domain.Balance, error) { return u.ListBalances(ctx, userID) })
}

func (s *Store) LockBalance(ctx context.Context, userID uuid.UUID, currency string) (*domain.Balance, error) {
	return autocommit(ctx, s, func(u *unit) (*domain.Balance, error) { return u.LockBalance(ctx, userID, currency) })
}

func (s *Store) UpdateBalance(ctx context.Context, b *domain.Balance) error {
	_, err := autocommit(ctx, s, func(u *unit) (struct{}, error) { return struct{}{}, u.UpdateBalance(ctx, b) })
	return err
}

func (s *Store) InsertTransaction(ctx context.Context, t *domain.Transaction) error {
	_, err := autocommit(ctx, s, func(u *unit) (struct{}, error) { return struct{}{}, u.InsertTransaction(ctx, t) })
	return err
}

func (s *Store) GetTransaction(ctx context.Context, id uuid.UUID, forUpdate bool) (*domain.Transaction, error) {
	return autocommit(ctx, s, func(u *unit) (*domain.Transaction, error) { return u.GetTransaction(ctx, id, forUpdate) })
}

func (s *Store) GetTransactionByReference(ctx context.Context, reference string) (*domain.Transaction, error) {
	return autocommit(ctx, s, func(u *unit) (*domain.Transaction, error) {
		return u.GetTransactionByReference(ctx, reference)
	})
}

func (s *Store) UpdateTransactionStatus(ctx context.Context, t *domain.Transaction) error {
	_, err := autocommit(ctx, s, func(u *unit) (struct{}, error) {
		return struct{}{}, u.UpdateTransactionStatus(ctx, t)
	})
	return err
}

func (s *Store) ListTransactions(ctx context.Context, f domain.TransactionFilter) ([]domain.Transaction, int, error) {
	var total int
	out, err := autocommit(ctx, s, func(u *unit) ([]domain.Transaction, error) {
		page, n, err := u.ListTransactions(ctx, f)
		total = n
		return page, err
	})
	return out, total, err
}

func (s *Store) SumCompletedLegs(ctx context.Context, balanceID uuid.UUID) (decimal.Decimal, error) {
	return autocommit(ctx, s, func(u *unit) (decimal.Decimal, error) { return u.SumCompletedLegs(ctx, balanceID) })
}

func (s *Store) InsertTrade(ctx context.Context, t *domain.Trade) error {
	_, err := autocommit(ctx, s, func(u *unit) (struct{}, error) { return struct{}{}, u.InsertTrade(ctx, t) })
	return err
}

func (s *Store) GetTrade(ctx context.Context, id uuid.UUID, forUpdate bool) (*domain.Trade, error) {
	return autocommit(ctx, s, func(u *unit) (*domain.Trade, error) { return u.GetTrade(ctx, id, forUpdate) })
}

func (s *Store) UpdateTrade(ctx context.Context, t *domain.Trade) error {
	_, err := autocommit(ctx, s, func(u *unit) (struct{}, error) { return struct{}{}, u.UpdateTrade(ctx, t) })
	return err
}

func (s *Store) ListTrades(ctx context.Context, userID uuid.UUID) ([]domain.Trade, error) {
	return autocommit(ctx, s, func(u *unit) ([]domain.Trade, error) { return u.ListTrades(ctx, userID) })
}

func (s *Store) ListStaleTrades(ctx context.Context, createdBefore time.Time, limit int) ([]domain.Trade, error) {
	return autocommit(ctx, s, func(u *unit) ([]domain.Trade, error) {
		return u.ListStaleTrades(ctx, createdBefore, limit)
	})
}

// --- unit: the operations ---

func (u *unit) GetCurrency(_ context.Context, code string) (*domain.Currency, error) {
	u.s.mu.Lock()
	defer u.s.mu.Unlock()
	c, ok := u.s.currencies[code]
	if !ok {
		return nil, fmt.Errorf("%w: %s", domain.ErrCurrencyNotFound, code)
	}
	return &c, nil
}

func (u *unit) ListCurrencies(_ context.Context) ([]domain.Currency, error) {
	u.s.mu.Lock()
	defer u.s.mu.Unlock()
	out := make([]domain.Currency, 0, len(u.s.currencies))
	for _, c := range u.s.currencies {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Code < out[j].Code })
	return out, nil
}

func (u *unit) GetBalance(_ context.Context, userID uuid.UUID, currency string) (*domain.Balance, error) {
	u.s.mu.Lock()
	defer u.s.mu.Unlock()
	id, ok := u.s.balanceIdx[balanceKey{userID, currency}]
	if !ok {
		return nil, fmt.Errorf("balance %s/%s: %w", userID, currency, domain.ErrNotFound)
	}
	b, _ := u.balance(id)
	c := *b
	return &c, nil
}

func (u *unit) ListBalances(_ context.Context, userID uuid.UUID) ([]domain.Balance, error) {
	u.s.mu.Lock()
	defer u.s.mu.Unlock()
	var out []domain.Balance
	for _, b := range overlay(u.s.balances, u.balances) {
		if b.UserID == userID {
			out = append(out, *b)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CurrencyCode < out[j].CurrencyCode })
	return out, nil
}

func (u *unit) LockBalance(ctx context.Context, userID uuid.UUID, currency string) (*domain.Balance, error) {
	if err := u.s.fault(OpLockBalance); err != nil {
		return nil, err
	}

	key := balanceKey{userID, currency}
	u.s.mu.Lock()
	if _, ok := u.s.currencies[currency]; !ok {
		u.s.mu.Unlock()
		return nil, fmt.Errorf("balance create failed: %w: %s", domain.ErrCurrencyNotFound, currency)
	}
	id, ok := u.s.balanceIdx[key]
	if !ok {
		// The zero row is published at once; it is indistinguishable from an absent one.
		now := time.Now().UTC()
		id = uuid.New()
		u.s.balances[id] = &domain.Balance{
			ID: id, UserID: userID, CurrencyCode: currency, Amount: decimal.Zero,
			CreatedAt: now, UpdatedAt: now,
		}
		u.s.balanceIdx[key] = id
	}
	u.s.mu.Unlock()

	if err := u.lockRow(ctx, id); err != nil {
		return nil, err
	}

	u.s.mu.Lock()
	defer u.s.mu.Unlock()
	b, _ := u.balance(id)
	c := *b
	return &c, nil
}

func (u *unit) UpdateBalance(_ context.Context, b *domain.Balance) error {
	if err := u.s.fault(OpUpdateBalance); err != nil {
		return err
	}
	if !u.held[b.ID] {
		return fmt.Errorf("balance %s updated without holding its lock", b.ID)
	}
	if b.Amount.IsNegative() {
		return fmt.Errorf("balance %s would become negative", b.ID)
	}

	u.s.mu.Lock()
	defer u.s.mu.Unlock()
	if _, ok := u.balance(b.ID); !ok {
		return fmt.Errorf("balance %s: %w", b.ID, domain.ErrNotFound)
	}
	b.UpdatedAt = time.Now().UTC()
	next := *b
	u.balances[b.ID] = &next
	return nil
}

func copyTransaction(t *domain.Transaction) *domain.Transaction {
	c := *t
	c.Metadata = maps.Clone(t.Metadata)
	c.Details = append([]domain.TransactionDetail(nil), t.Details...)
	return &c
}

func (u *unit) InsertTransaction(ctx context.Context, t *domain.Transaction) error {
	if err := u.s.fault(OpInsertTransaction); err != nil {
		return err
	}

	// Wait out any open unit that inserted the same reference.
	if err := u.lockRow(ctx, uuid.NewSHA1(referenceSpace, []byte(t.Reference))); err != nil {
		return err
	}

	u.s.mu.Lock()
	if _, dup := u.referenced(t.Reference); dup {
		u.s.mu.Unlock()
		return fmt.Errorf("%w: reference %s", domain.ErrAlreadyRecorded, t.Reference)
	}
	for _, d := range t.Details {
		if _, ok := u.balance(d.BalanceID); !ok {
			u.s.mu.Unlock()
			return fmt.Errorf("detail references unknown balance %s", d.BalanceID)
		}
	}
	u.transactions[t.ID] = copyTransaction(t)
	u.references[t.Reference] = t.ID
	u.s.mu.Unlock()

	// New rows are locked by their writer.
	return u.lockRow(ctx, t.ID)
}

func (u *unit) GetTransaction(ctx context.Context, id uuid.UUID, forUpdate bool) (*domain.Transaction, error) {
	if forUpdate {
		u.s.mu.Lock()
		_, ok := u.transaction(id)
		u.s.mu.Unlock()
		if !ok {
			return nil, fmt.Errorf("transaction %s: %w", id, domain.ErrNotFound)
		}
		if err := u.lockRow(ctx, id); err != nil {
			return nil, err
		}
	}

	u.s.mu.Lock()
	defer u.s.mu.Unlock()
	t, ok := u.transaction(id)
	if !ok {
		return nil, fmt.Errorf("transaction %s: %w", id, domain.ErrNotFound)
	}
	return copyTransaction(t), nil
}

func (u *unit) GetTransactionByReference(_ context.Context, reference string) (*domain.Transaction, error) {
	u.s.mu.Lock()
	defer u.s.mu.Unlock()
	id, ok := u.referenced(reference)
	if !ok {
		return nil, fmt.Errorf("transaction %s: %w", reference, domain.ErrNotFound)
	}
	t, _ := u.transaction(id)
	return copyTransaction(t), nil
}

func (u *unit) UpdateTransactionStatus(_ context.Context, t *domain.Transaction) error {
	if err := u.s.fault(OpUpdateTransactionStatus); err != nil {
		return err
	}

	u.s.mu.Lock()
	defer u.s.mu.Unlock()
	cur, ok := u.transaction(t.ID)
	if !ok {
		return fmt.Errorf("transaction %s: %w", t.ID, domain.ErrNotFound)
	}
	next := copyTransaction(cur)
	next.Status = t.Status
	next.Metadata = maps.Clone(t.Metadata)
	next.CompletedAt = t.CompletedAt
	u.transactions[t.ID] = next
	return nil
}

func (u *unit) ListTransactions(_ context.Context, f domain.TransactionFilter) ([]domain.Transaction, int, error) {
	if f.Page < 1 || f.Limit < 1 {
		return nil, 0, fmt.Errorf("%w: page %d limit %d", domain.ErrInvalidSpec, f.Page, f.Limit)
	}

	u.s.mu.Lock()
	defer u.s.mu.Unlock()
	var matched []domain.Transaction
	for _, t := range overlay(u.s.transactions, u.transactions) {
		if t.UserID != f.UserID {
			continue
		}
		if f.Kind != "" && t.Kind != f.Kind {
			continue
		}
		if f.Status != "" && t.Status != f.Status {
			continue
		}
		c := copyTransaction(t)
		c.Details = nil
		matched = append(matched, *c)
	}
	sort.Slice(matched, func(i, j int) bool { return matched[i].CreatedAt.After(matched[j].CreatedAt) })

	total := len(matched)
	// Compare in pages so a huge page number cannot overflow the offset.
	if f.Page-1 >= (total+f.Limit-1)/f.Limit {
		return nil, total, nil
	}
	start := (f.Page - 1) * f.Limit
	end := min(start+f.Limit, total)
	return matched[start:end], total, nil
}

func (u *unit) SumCompletedLegs(_ context.Context, balanceID uuid.UUID) (decimal.Decimal, error) {
	u.s.mu.Lock()
	defer u.s.mu.Unlock()
	sum := decimal.Zero
	for _, t := range overlay(u.s.transactions, u.transactions) {
		if t.Status != domain.TxCompleted {
			continue
		}
		for _, d := range t.Details {
			if d.BalanceID == balanceID {
				sum = sum.Add(d.Signed())
			}
		}
	}
	return sum, nil
}

func (u *unit) InsertTrade(ctx context.Context, t *domain.Trade) error {
	if err := u.s.fault(OpInsertTrade); err != nil {
		return err
	}
	u.s.mu.Lock()
	c := *t
	u.trades[t.ID] = &c
	u.s.mu.Unlock()
	return u.lockRow(ctx, t.ID)
}

func (u *unit) GetTrade(ctx context.Context, id uuid.UUID, forUpdate bool) (*domain.Trade, error) {
	if err := u.s.fault(OpGetTrade); err != nil {
		return nil, err
	}
	if forUpdate {
		u.s.mu.Lock()
		_, ok := u.trade(id)
		u.s.mu.Unlock()
		if !ok {
			return nil, fmt.Errorf("trade %s: %w", id, domain.ErrNotFound)
		}
		if err := u.lockRow(ctx, id); err != nil {
			return nil, err
		}
	}

	u.s.mu.Lock()
	defer u.s.mu.Unlock()
	t, ok := u.trade(id)
	if !ok {
		return nil, fmt.Errorf("trade %s: %w", id, domain.ErrNotFound)
	}
	c := *t
	return &c, nil
}

func (u *unit) UpdateTrade(_ context.Context, t *domain.Trade) error {
	if err := u.s.fault(OpUpdateTrade); err != nil {
		return err
	}
	u.s.mu.Lock()
	defer u.s.mu.Unlock()
	if _, ok := u.trade(t.ID); !ok {
		return fmt.Errorf("trade %s: %w", t.ID, domain.ErrNotFound)
	}
	t.UpdatedAt = time.Now().UTC()
	next := *t
	u.trades[t.ID] = &next
	return nil
}

func (u *unit) ListTrades(_ context.Context, userID uuid.UUID) ([]domain.Trade, error) {
	return u.filterTrades(func(t *domain.Trade) bool { return t.UserID == userID }, 0, true), nil
}

func (u *unit) ListStaleTrades(_ context.Context, createdBefore time.Time, limit int) ([]domain.Trade, error) {
	return u.filterTrades(func(t *domain.Trade) bool {
		return t.Status == domain.TradePending && t.CreatedAt.Before(createdBefore)
	}, limit, false), nil
}

func (u *unit) filterTrades(keep func(*domain.Trade) bool, limit int, newestFirst bool) []domain.Trade {
	u.s.mu.Lock()
	defer u.s.mu.Unlock()
	var out []domain.Trade
	for _, t := range overlay(u.s.trades, u.trades) {
		if keep(t) {
			out = append(out, *t)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if newestFirst {
			return out[i].CreatedAt.After(out[j].CreatedAt)
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out
}
