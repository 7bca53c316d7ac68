package ledger

import (
	"context"
	"errors"
	"math"
	"strings"
	"testing"

	"github.com/google/uuid"
	"github.com/punchamoorthee/fxledger/internal/domain"
	"github.com/punchamoorthee/fxledger/internal/store"
	"github.com/punchamoorthee/fxledger/internal/store/memstore"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func dec(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func ptr[T any](v T) *T { return &v }

func newTestRecorder(t *testing.T) (*Recorder, *memstore.Store) {
	t.Helper()
	s := memstore.New(
		domain.Currency{Code: "NGN", Name: "Nigerian Naira", Symbol: "₦", IsActive: true},
		domain.Currency{Code: "USD", Name: "US Dollar", Symbol: "$", IsActive: true},
	)
	return NewRecorder(s, zap.NewNop()), s
}

func openBalance(t *testing.T, s *memstore.Store, userID uuid.UUID, currency string) *domain.Balance {
	t.Helper()
	b, err := s.LockBalance(context.Background(), userID, currency)
	require.NoError(t, err)
	return b
}

func fundingSpec(userID, balanceID uuid.UUID, amount, reference string) domain.TransactionSpec {
	return domain.TransactionSpec{
		UserID:    userID,
		Kind:      domain.KindFunding,
		Amount:    dec(amount),
		Currency:  "NGN",
		Reference: reference,
		Details: []domain.DetailSpec{
			{BalanceID: balanceID, CurrencyCode: "NGN", Amount: dec(amount)},
		},
	}
}

func TestRecordStartsPending(t *testing.T) {
	rec, s := newTestRecorder(t)
	ctx := context.Background()
	user := uuid.New()
	ngn := openBalance(t, s, user, "NGN")

	txn, err := rec.RecordTransaction(ctx, fundingSpec(user, ngn.ID, "1000", ""))
	require.NoError(t, err)

	assert.Equal(t, domain.TxPending, txn.Status)
	assert.Nil(t, txn.CompletedAt)
	assert.True(t, strings.HasPrefix(txn.Reference, "TRX-"), txn.Reference)
	assert.Len(t, txn.Reference, len("TRX-")+26)
	require.Len(t, txn.Details, 1)
	assert.Equal(t, txn.ID, txn.Details[0].TransactionID)
	assert.False(t, txn.Details[0].IsDebit)

	stored, err := s.GetTransactionByReference(ctx, txn.Reference)
	require.NoError(t, err)
	assert.Equal(t, txn.ID, stored.ID)
	assert.Len(t, stored.Details, 1)
}

func TestRecordGeneratesDistinctReferences(t *testing.T) {
	rec, s := newTestRecorder(t)
	user := uuid.New()
	ngn := openBalance(t, s, user, "NGN")

	seen := make(map[string]bool)
	for i := 0; i < 50; i++ {
		txn, err := rec.RecordTransaction(context.Background(), fundingSpec(user, ngn.ID, "1", ""))
		require.NoError(t, err)
		require.False(t, seen[txn.Reference], "duplicate %s", txn.Reference)
		seen[txn.Reference] = true
	}
}

func TestRecordDuplicateReference(t *testing.T) {
	rec, s := newTestRecorder(t)
	ctx := context.Background()
	user := uuid.New()
	ngn := openBalance(t, s, user, "NGN")

	_, err := rec.RecordTransaction(ctx, fundingSpec(user, ngn.ID, "1000", "FUND-1"))
	require.NoError(t, err)

	_, err = rec.RecordTransaction(ctx, fundingSpec(user, ngn.ID, "5", "FUND-1"))
	require.ErrorIs(t, err, domain.ErrAlreadyRecorded)
	assert.Equal(t, domain.ClassBusiness, domain.Classify(err))

	page, err := rec.ListTransactions(ctx, domain.TransactionFilter{UserID: user})
	require.NoError(t, err)
	assert.Equal(t, 1, page.Total)
}

func TestRecordRejectsInvalidSpecs(t *testing.T) {
	rec, s := newTestRecorder(t)
	user := uuid.New()
	ngn := openBalance(t, s, user, "NGN")
	usd := openBalance(t, s, user, "USD")

	conversion := func(credit string) domain.TransactionSpec {
		return domain.TransactionSpec{
			UserID:         user,
			Kind:           domain.KindConversion,
			Amount:         dec("400"),
			Currency:       "NGN",
			TargetAmount:   ptr(dec(credit)),
			TargetCurrency: ptr("USD"),
			ExchangeRate:   ptr(dec("0.0012")),
			Details: []domain.DetailSpec{
				{BalanceID: ngn.ID, CurrencyCode: "NGN", Amount: dec("400"), IsDebit: true},
				{BalanceID: usd.ID, CurrencyCode: "USD", Amount: dec(credit)},
			},
		}
	}

	tests := []struct {
		name   string
		mutate func() domain.TransactionSpec
	}{
		{"no details", func() domain.TransactionSpec {
			s := fundingSpec(user, ngn.ID, "10", "")
			s.Details = nil
			return s
		}},
		{"unknown kind", func() domain.TransactionSpec {
			s := fundingSpec(user, ngn.ID, "10", "")
			s.Kind = "PAYOUT"
			return s
		}},
		{"zero leg", func() domain.TransactionSpec {
			s := fundingSpec(user, ngn.ID, "10", "")
			s.Details[0].Amount = decimal.Zero
			return s
		}},
		{"lowercase currency", func() domain.TransactionSpec {
			s := fundingSpec(user, ngn.ID, "10", "")
			s.Details[0].CurrencyCode = "ngn"
			return s
		}},
		{"funding with debit leg", func() domain.TransactionSpec {
			s := fundingSpec(user, ngn.ID, "10", "")
			s.Details[0].IsDebit = true
			return s
		}},
		{"funding leg amount mismatch", func() domain.TransactionSpec {
			s := fundingSpec(user, ngn.ID, "10", "")
			s.Details[0].Amount = dec("9")
			return s
		}},
		{"conversion credit off by rate", func() domain.TransactionSpec {
			return conversion("0.49")
		}},
		{"conversion without rate", func() domain.TransactionSpec {
			s := conversion("0.48")
			s.ExchangeRate = nil
			return s
		}},
		{"conversion with one leg", func() domain.TransactionSpec {
			s := conversion("0.48")
			s.Details = s.Details[:1]
			return s
		}},
		{"unbalanced transfer", func() domain.TransactionSpec {
			return domain.TransactionSpec{
				UserID: user, Kind: domain.KindTransfer, Amount: dec("10"), Currency: "NGN",
				Details: []domain.DetailSpec{
					{BalanceID: ngn.ID, CurrencyCode: "NGN", Amount: dec("10"), IsDebit: true},
					{BalanceID: uuid.New(), CurrencyCode: "NGN", Amount: dec("9")},
				},
			}
		}},
		{"mixed currency transfer", func() domain.TransactionSpec {
			return domain.TransactionSpec{
				UserID: user, Kind: domain.KindTransfer, Amount: dec("10"), Currency: "NGN",
				Details: []domain.DetailSpec{
					{BalanceID: ngn.ID, CurrencyCode: "NGN", Amount: dec("10"), IsDebit: true},
					{BalanceID: usd.ID, CurrencyCode: "USD", Amount: dec("10")},
				},
			}
		}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := rec.RecordTransaction(context.Background(), tt.mutate())
			require.ErrorIs(t, err, domain.ErrInvalidSpec)
			assert.Equal(t, domain.ClassValidation, domain.Classify(err))
		})
	}

	page, err := rec.ListTransactions(context.Background(), domain.TransactionFilter{UserID: user})
	require.NoError(t, err)
	assert.Zero(t, page.Total)
}

func TestRecordConversion(t *testing.T) {
	rec, s := newTestRecorder(t)
	user := uuid.New()
	ngn := openBalance(t, s, user, "NGN")
	usd := openBalance(t, s, user, "USD")

	txn, err := rec.RecordTransaction(context.Background(), domain.TransactionSpec{
		UserID:         user,
		Kind:           domain.KindConversion,
		Amount:         dec("400"),
		Currency:       "NGN",
		TargetAmount:   ptr(dec("0.48")),
		TargetCurrency: ptr("USD"),
		ExchangeRate:   ptr(dec("0.0012")),
		Details: []domain.DetailSpec{
			{BalanceID: ngn.ID, CurrencyCode: "NGN", Amount: dec("400"), IsDebit: true},
			{BalanceID: usd.ID, CurrencyCode: "USD", Amount: dec("0.48")},
		},
	})
	require.NoError(t, err)
	require.Len(t, txn.Details, 2)
	assert.Equal(t, domain.KindConversion, txn.Kind)
}

func TestCompleteAndFail(t *testing.T) {
	rec, s := newTestRecorder(t)
	ctx := context.Background()
	user := uuid.New()
	ngn := openBalance(t, s, user, "NGN")

	done, err := rec.RecordTransaction(ctx, fundingSpec(user, ngn.ID, "10", ""))
	require.NoError(t, err)
	done, err = rec.CompleteTransaction(ctx, done.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.TxCompleted, done.Status)
	require.NotNil(t, done.CompletedAt)

	_, err = rec.CompleteTransaction(ctx, done.ID)
	require.ErrorIs(t, err, domain.ErrInvalidTransition)
	assert.Equal(t, domain.ClassInvariant, domain.Classify(err))
	_, err = rec.FailTransaction(ctx, done.ID, "late")
	require.ErrorIs(t, err, domain.ErrInvalidTransition)

	failed, err := rec.RecordTransaction(ctx, fundingSpec(user, ngn.ID, "10", ""))
	require.NoError(t, err)
	failed, err = rec.FailTransaction(ctx, failed.ID, "provider rejected")
	require.NoError(t, err)
	assert.Equal(t, domain.TxFailed, failed.Status)
	assert.Equal(t, "provider rejected", failed.Metadata["failureReason"])
	assert.NotEmpty(t, failed.Metadata["failedAt"])

	stored, err := s.GetTransaction(ctx, failed.ID, false)
	require.NoError(t, err)
	assert.Equal(t, domain.TxFailed, stored.Status)

	_, err = rec.CompleteTransaction(ctx, failed.ID)
	require.ErrorIs(t, err, domain.ErrInvalidTransition)
}

func TestCompleteUnknownTransaction(t *testing.T) {
	rec, _ := newTestRecorder(t)
	_, err := rec.CompleteTransaction(context.Background(), uuid.New())
	require.ErrorIs(t, err, domain.ErrNotFound)
}

func TestRecordIsUndoneWithItsUnit(t *testing.T) {
	rec, s := newTestRecorder(t)
	ctx := context.Background()
	user := uuid.New()
	ngn := openBalance(t, s, user, "NGN")
	boom := errors.New("boom")

	err := s.WithinTx(ctx, func(ctx context.Context, tx store.Tx) error {
		if _, err := rec.Record(ctx, tx, fundingSpec(user, ngn.ID, "10", "ROLLBACK-1")); err != nil {
			return err
		}
		return boom
	})
	require.ErrorIs(t, err, boom)

	_, err = s.GetTransactionByReference(ctx, "ROLLBACK-1")
	require.ErrorIs(t, err, domain.ErrNotFound)

	// The reference is free again.
	_, err = rec.RecordTransaction(ctx, fundingSpec(user, ngn.ID, "10", "ROLLBACK-1"))
	require.NoError(t, err)
}

func TestGetTransactionIsOwnerScoped(t *testing.T) {
	rec, s := newTestRecorder(t)
	ctx := context.Background()
	owner := uuid.New()
	ngn := openBalance(t, s, owner, "NGN")

	txn, err := rec.RecordTransaction(ctx, fundingSpec(owner, ngn.ID, "10", ""))
	require.NoError(t, err)

	got, err := rec.GetTransaction(ctx, owner, txn.ID)
	require.NoError(t, err)
	assert.Equal(t, txn.Reference, got.Reference)

	_, err = rec.GetTransaction(ctx, uuid.New(), txn.ID)
	require.ErrorIs(t, err, domain.ErrNotFound)
}

func TestListTransactions(t *testing.T) {
	rec, s := newTestRecorder(t)
	ctx := context.Background()
	user := uuid.New()
	ngn := openBalance(t, s, user, "NGN")

	for i := 0; i < 12; i++ {
		txn, err := rec.RecordTransaction(ctx, fundingSpec(user, ngn.ID, "1", ""))
		require.NoError(t, err)
		if i%3 == 0 {
			_, err = rec.CompleteTransaction(ctx, txn.ID)
			require.NoError(t, err)
		}
	}

	page, err := rec.ListTransactions(ctx, domain.TransactionFilter{UserID: user})
	require.NoError(t, err)
	assert.Equal(t, 12, page.Total)
	assert.Equal(t, 1, page.Page)
	assert.Equal(t, 10, page.Limit)
	assert.Len(t, page.Data, 10)

	page, err = rec.ListTransactions(ctx, domain.TransactionFilter{UserID: user, Page: 2})
	require.NoError(t, err)
	assert.Len(t, page.Data, 2)

	page, err = rec.ListTransactions(ctx, domain.TransactionFilter{UserID: user, Status: domain.TxCompleted})
	require.NoError(t, err)
	assert.Equal(t, 4, page.Total)

	page, err = rec.ListTransactions(ctx, domain.TransactionFilter{UserID: uuid.New()})
	require.NoError(t, err)
	assert.NotNil(t, page.Data)
	assert.Empty(t, page.Data)

	_, err = rec.ListTransactions(ctx, domain.TransactionFilter{UserID: user, Status: "DONE"})
	require.ErrorIs(t, err, domain.ErrInvalidSpec)
}

func TestListTransactionsPageBounds(t *testing.T) {
	rec, s := newTestRecorder(t)
	ctx := context.Background()
	user := uuid.New()
	ngn := openBalance(t, s, user, "NGN")
	_, err := rec.RecordTransaction(ctx, fundingSpec(user, ngn.ID, "1", ""))
	require.NoError(t, err)

	tests := []struct {
		name    string
		page    int
		limit   int
		wantErr bool
		wantLen int
	}{
		{name: "first page", page: 1, limit: 10, wantLen: 1},
		{name: "past the end", page: 50, limit: 10, wantLen: 0},
		{name: "limit clamped", page: 1, limit: 1000, wantLen: 1},
		{name: "offset would overflow", page: math.MaxInt / 10 * 2, limit: 10, wantErr: true},
		{name: "max page", page: math.MaxInt, limit: 1, wantLen: 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			page, err := rec.ListTransactions(ctx, domain.TransactionFilter{UserID: user, Page: tt.page, Limit: tt.limit})
			if tt.wantErr {
				require.ErrorIs(t, err, domain.ErrInvalidSpec)
				return
			}
			require.NoError(t, err)
			assert.Len(t, page.Data, tt.wantLen)
		})
	}
}

func TestVerifyBalance(t *testing.T) {
	rec, s := newTestRecorder(t)
	ctx := context.Background()
	user := uuid.New()
	openBalance(t, s, user, "NGN")

	move := func(amount string, corrupt bool) {
		err := s.WithinTx(ctx, func(ctx context.Context, tx store.Tx) error {
			b, err := tx.LockBalance(ctx, user, "NGN")
			if err != nil {
				return err
			}
			b.Amount = b.Amount.Add(dec(amount))
			if err := tx.UpdateBalance(ctx, b); err != nil {
				return err
			}
			if corrupt {
				return nil
			}
			txn, err := rec.Record(ctx, tx, fundingSpec(user, b.ID, amount, ""))
			if err != nil {
				return err
			}
			_, err = rec.Complete(ctx, tx, txn.ID)
			return err
		})
		require.NoError(t, err)
	}

	move("250.5", false)
	report, err := rec.VerifyBalance(ctx, user, "NGN")
	require.NoError(t, err)
	assert.True(t, report.Consistent)
	assert.True(t, report.Journal.Equal(dec("250.5")))

	move("1", true)
	report, err = rec.VerifyBalance(ctx, user, "NGN")
	require.NoError(t, err)
	assert.False(t, report.Consistent)
	assert.True(t, report.Stored.Equal(dec("251.5")))

	_, err = rec.VerifyBalance(ctx, user, "USD")
	require.ErrorIs(t, err, domain.ErrNotFound)
}
