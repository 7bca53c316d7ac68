package wallet

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/punchamoorthee/fxledger/internal/domain"
	"github.com/punchamoorthee/fxledger/internal/events"
	"github.com/punchamoorthee/fxledger/internal/fx"
	"github.com/punchamoorthee/fxledger/internal/ledger"
	"github.com/punchamoorthee/fxledger/internal/store/memstore"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func dec(s string) decimal.Decimal { return decimal.RequireFromString(s) }

type fixture struct {
	store    *memstore.Store
	rates    *fx.StaticProvider
	recorder *ledger.Recorder
	events   *events.MemoryPublisher
	engine   *Engine
}

func newFixture(t *testing.T, opts ...Option) *fixture {
	t.Helper()
	s := memstore.New(
		domain.Currency{Code: "NGN", Name: "Nigerian Naira", Symbol: "₦", IsActive: true},
		domain.Currency{Code: "USD", Name: "US Dollar", Symbol: "$", IsActive: true},
		domain.Currency{Code: "EUR", Name: "Euro", Symbol: "€", IsActive: true},
		domain.Currency{Code: "XAF", Name: "Central African CFA franc", Symbol: "FCFA", IsActive: false},
	)
	rates := fx.NewStaticProvider()
	rates.Set("NGN", "USD", dec("0.0012"))
	rates.Set("USD", "NGN", dec("1550"))
	rates.Set("NGN", "EUR", dec("0.00111"))
	rec := ledger.NewRecorder(s, zap.NewNop())
	pub := &events.MemoryPublisher{}
	opts = append([]Option{WithPublisher(pub)}, opts...)
	return &fixture{
		store:    s,
		rates:    rates,
		recorder: rec,
		events:   pub,
		engine:   NewEngine(s, rec, rates, zap.NewNop(), opts...),
	}
}

func (f *fixture) fund(t *testing.T, user uuid.UUID, currency, amount string) {
	t.Helper()
	_, err := f.engine.Fund(context.Background(), FundRequest{UserID: user, Currency: currency, Amount: dec(amount)})
	require.NoError(t, err)
}

func (f *fixture) amount(t *testing.T, user uuid.UUID, currency string) decimal.Decimal {
	t.Helper()
	b, err := f.store.GetBalance(context.Background(), user, currency)
	if errors.Is(err, domain.ErrNotFound) {
		return decimal.Zero
	}
	require.NoError(t, err)
	return b.Amount
}

func (f *fixture) assertConsistent(t *testing.T, user uuid.UUID, currencies ...string) {
	t.Helper()
	for _, c := range currencies {
		report, err := f.recorder.VerifyBalance(context.Background(), user, c)
		require.NoError(t, err)
		assert.True(t, report.Consistent, "%s stored %s journal %s", c, report.Stored, report.Journal)
	}
}

func (f *fixture) countKind(t *testing.T, user uuid.UUID, kind domain.TransactionKind) int {
	t.Helper()
	page, err := f.recorder.ListTransactions(context.Background(), domain.TransactionFilter{UserID: user, Kind: kind})
	require.NoError(t, err)
	return page.Total
}

func TestFundThenConvertNGNToUSD(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	user := uuid.New()

	b, err := f.engine.Fund(ctx, FundRequest{UserID: user, Currency: "NGN", Amount: dec("1000")})
	require.NoError(t, err)
	assert.True(t, b.Amount.Equal(dec("1000")))

	res, err := f.engine.Convert(ctx, ConvertRequest{UserID: user, From: "NGN", To: "USD", Amount: dec("400")})
	require.NoError(t, err)

	assert.True(t, res.FromBalance.Amount.Equal(dec("600")), res.FromBalance.Amount.String())
	assert.True(t, res.ToBalance.Amount.Equal(dec("0.48")), res.ToBalance.Amount.String())
	assert.True(t, res.Rate.Equal(dec("0.0012")))
	assert.True(t, res.ConvertedAmount.Equal(dec("0.48")))
	assert.True(t, f.amount(t, user, "NGN").Equal(dec("600")))
	assert.True(t, f.amount(t, user, "USD").Equal(dec("0.48")))

	txn, err := f.recorder.GetTransaction(ctx, user, res.Transaction.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.KindConversion, txn.Kind)
	assert.Equal(t, domain.TxCompleted, txn.Status)
	require.NotNil(t, txn.CompletedAt)
	require.Len(t, txn.Details, 2)

	var debit, credit domain.TransactionDetail
	for _, d := range txn.Details {
		if d.IsDebit {
			debit = d
		} else {
			credit = d
		}
	}
	assert.Equal(t, "NGN", debit.CurrencyCode)
	assert.True(t, debit.Amount.Equal(dec("400")))
	require.NotNil(t, debit.ExchangeRate)
	assert.True(t, debit.ExchangeRate.Equal(dec("0.0012")))
	assert.Equal(t, "USD", credit.CurrencyCode)
	assert.True(t, credit.Amount.Equal(dec("0.48")))
	require.NotNil(t, credit.ExchangeRate)
	assert.True(t, credit.ExchangeRate.Equal(dec("0.0012")))

	assert.Equal(t, 1, f.countKind(t, user, domain.KindConversion))
	assert.Equal(t, 1, f.countKind(t, user, domain.KindFunding))
	f.assertConsistent(t, user, "NGN", "USD")

	published := f.events.Events()
	require.Len(t, published, 2)
	assert.Equal(t, events.TransactionCompleted, published[1].Type)
	assert.Equal(t, txn.Reference, published[1].Key)
}

func TestConvertInsufficientFunds(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	user := uuid.New()
	f.fund(t, user, "NGN", "100")

	_, err := f.engine.Convert(ctx, ConvertRequest{UserID: user, From: "NGN", To: "USD", Amount: dec("400")})
	require.ErrorIs(t, err, domain.ErrInsufficientFunds)
	assert.NotErrorIs(t, err, domain.ErrMovementFailed)

	assert.True(t, f.amount(t, user, "NGN").Equal(dec("100")))
	assert.True(t, f.amount(t, user, "USD").IsZero())
	assert.Zero(t, f.countKind(t, user, domain.KindConversion))
	f.assertConsistent(t, user, "NGN")
}

func TestFundIsIdempotentByReference(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	user := uuid.New()

	req := FundRequest{UserID: user, Currency: "ngn", Amount: dec("1000"), Reference: "PAYSTACK-abc123"}
	_, err := f.engine.Fund(ctx, req)
	require.NoError(t, err)

	_, err = f.engine.Fund(ctx, req)
	require.ErrorIs(t, err, domain.ErrAlreadyRecorded)

	assert.True(t, f.amount(t, user, "NGN").Equal(dec("1000")))
	assert.Equal(t, 1, f.countKind(t, user, domain.KindFunding))
	f.assertConsistent(t, user, "NGN")
}

func TestConvertIsIdempotentByReference(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	user := uuid.New()
	f.fund(t, user, "NGN", "1000")

	req := ConvertRequest{UserID: user, From: "NGN", To: "USD", Amount: dec("100"), Reference: "CONV-1"}
	_, err := f.engine.Convert(ctx, req)
	require.NoError(t, err)
	_, err = f.engine.Convert(ctx, req)
	require.ErrorIs(t, err, domain.ErrAlreadyRecorded)

	assert.True(t, f.amount(t, user, "NGN").Equal(dec("900")))
	assert.True(t, f.amount(t, user, "USD").Equal(dec("0.12")))
	f.assertConsistent(t, user, "NGN", "USD")
}

func TestRejectedBeforeSideEffects(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	user := uuid.New()
	f.fund(t, user, "NGN", "1000")

	tests := []struct {
		name string
		req  ConvertRequest
		want error
	}{
		{"same currency", ConvertRequest{From: "NGN", To: "ngn", Amount: dec("1")}, domain.ErrSameCurrency},
		{"zero amount", ConvertRequest{From: "NGN", To: "USD", Amount: decimal.Zero}, domain.ErrInvalidAmount},
		{"negative amount", ConvertRequest{From: "NGN", To: "USD", Amount: dec("-1")}, domain.ErrInvalidAmount},
		{"too many decimals", ConvertRequest{From: "NGN", To: "USD", Amount: dec("0.000000001")}, domain.ErrInvalidAmount},
		{"malformed code", ConvertRequest{From: "NG", To: "USD", Amount: dec("1")}, domain.ErrInvalidCurrencyCode},
		{"unknown currency", ConvertRequest{From: "NGN", To: "GBP", Amount: dec("1")}, domain.ErrCurrencyNotFound},
		{"inactive currency", ConvertRequest{From: "NGN", To: "XAF", Amount: dec("1")}, domain.ErrCurrencyNotFound},
		{"no rate for pair", ConvertRequest{From: "USD", To: "EUR", Amount: dec("1")}, domain.ErrRateUnavailable},
		{"converts to zero", ConvertRequest{From: "NGN", To: "USD", Amount: dec("0.000001")}, domain.ErrInvalidAmount},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tt.req.UserID = user
			_, err := f.engine.Convert(ctx, tt.req)
			require.ErrorIs(t, err, tt.want)
			assert.True(t, domain.IsExpected(err))
		})
	}

	_, err := f.engine.Fund(ctx, FundRequest{UserID: user, Currency: "XAF", Amount: dec("5")})
	require.ErrorIs(t, err, domain.ErrCurrencyNotFound)
	_, err = f.engine.Fund(ctx, FundRequest{Currency: "NGN", Amount: dec("5")})
	require.ErrorIs(t, err, domain.ErrInvalidSpec)

	assert.True(t, f.amount(t, user, "NGN").Equal(dec("1000")))
	assert.Zero(t, f.countKind(t, user, domain.KindConversion))
}

func TestConvertRollsBackOnStoreFailure(t *testing.T) {
	injected := errors.New("connection reset")
	ops := []memstore.Op{
		memstore.OpLockBalance,
		memstore.OpUpdateBalance,
		memstore.OpInsertTransaction,
		memstore.OpUpdateTransactionStatus,
		memstore.OpCommit,
	}

	for _, op := range ops {
		t.Run(string(op), func(t *testing.T) {
			f := newFixture(t)
			ctx := context.Background()
			user := uuid.New()
			f.fund(t, user, "NGN", "1000")

			f.store.InjectFault(op, injected)
			_, err := f.engine.Convert(ctx, ConvertRequest{UserID: user, From: "NGN", To: "USD", Amount: dec("400")})
			f.store.ClearFaults()

			require.ErrorIs(t, err, domain.ErrMovementFailed)
			require.ErrorIs(t, err, injected)
			assert.Equal(t, domain.ClassTransient, domain.Classify(err))

			assert.True(t, f.amount(t, user, "NGN").Equal(dec("1000")))
			assert.True(t, f.amount(t, user, "USD").IsZero())
			assert.Zero(t, f.countKind(t, user, domain.KindConversion))
			f.assertConsistent(t, user, "NGN")
			assert.Len(t, f.events.Events(), 1)
		})
	}
}

func TestFundRollsBackOnStoreFailure(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	user := uuid.New()
	f.fund(t, user, "NGN", "50")

	f.store.InjectFault(memstore.OpUpdateTransactionStatus, errors.New("disk full"))
	_, err := f.engine.Fund(ctx, FundRequest{UserID: user, Currency: "NGN", Amount: dec("25")})
	f.store.ClearFaults()

	require.ErrorIs(t, err, domain.ErrMovementFailed)
	assert.True(t, f.amount(t, user, "NGN").Equal(dec("50")))
	assert.Equal(t, 1, f.countKind(t, user, domain.KindFunding))
	f.assertConsistent(t, user, "NGN")
}

type blockingProvider struct{}

func (blockingProvider) GetRate(ctx context.Context, _, _ string) (*fx.Rate, error) {
	<-ctx.Done()
	return nil, ctx.Err()
}

func TestConvertFXTimeout(t *testing.T) {
	f := newFixture(t)
	user := uuid.New()
	f.fund(t, user, "NGN", "1000")

	engine := NewEngine(f.store, f.recorder, blockingProvider{}, zap.NewNop(), WithFXTimeout(20*time.Millisecond))
	_, err := engine.Convert(context.Background(), ConvertRequest{UserID: user, From: "NGN", To: "USD", Amount: dec("1")})
	require.ErrorIs(t, err, domain.ErrMovementFailed)
	require.ErrorIs(t, err, context.DeadlineExceeded)

	// No lock was held while waiting on the provider.
	_, err = f.engine.Convert(context.Background(), ConvertRequest{UserID: user, From: "NGN", To: "USD", Amount: dec("1")})
	require.NoError(t, err)
}

type failingProvider struct{ calls int }

func (p *failingProvider) GetRate(context.Context, string, string) (*fx.Rate, error) {
	p.calls++
	return nil, errors.New("must not be called")
}

func TestConvertWithAgreedQuote(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	user := uuid.New()
	f.fund(t, user, "NGN", "1000")

	provider := &failingProvider{}
	engine := NewEngine(f.store, f.recorder, provider, zap.NewNop())
	quote := &fx.Rate{Base: "NGN", Target: "USD", Rate: dec("0.001"), Timestamp: time.Now(), Source: "quote"}

	res, err := engine.Convert(ctx, ConvertRequest{UserID: user, From: "NGN", To: "USD", Amount: dec("500"), Quote: quote})
	require.NoError(t, err)
	assert.Zero(t, provider.calls)
	assert.True(t, res.ConvertedAmount.Equal(dec("0.5")))
	assert.Equal(t, "quote", res.Transaction.Metadata["rateSource"])

	wrongPair := &fx.Rate{Base: "USD", Target: "NGN", Rate: dec("1550")}
	_, err = engine.Convert(ctx, ConvertRequest{UserID: user, From: "NGN", To: "USD", Amount: dec("1"), Quote: wrongPair})
	require.ErrorIs(t, err, domain.ErrRateUnavailable)
}

func TestConcurrentOppositeConversions(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	user := uuid.New()
	f.rates.Set("NGN", "USD", dec("0.5"))
	f.rates.Set("USD", "NGN", dec("2"))
	f.fund(t, user, "NGN", "1000")
	f.fund(t, user, "USD", "100")

	const forward, backward = 50, 20
	var mu sync.Mutex
	okForward, okBackward := 0, 0
	var wg sync.WaitGroup

	run := func(from, to, amount string, ok *int) {
		defer wg.Done()
		_, err := f.engine.Convert(ctx, ConvertRequest{UserID: user, From: from, To: to, Amount: dec(amount)})
		if err != nil {
			assert.ErrorIs(t, err, domain.ErrInsufficientFunds)
			return
		}
		mu.Lock()
		*ok++
		mu.Unlock()
	}

	for i := 0; i < forward; i++ {
		wg.Add(1)
		go run("NGN", "USD", "30", &okForward)
	}
	for i := 0; i < backward; i++ {
		wg.Add(1)
		go run("USD", "NGN", "10", &okBackward)
	}
	wg.Wait()

	ngn, usd := f.amount(t, user, "NGN"), f.amount(t, user, "USD")
	assert.False(t, ngn.IsNegative())
	assert.False(t, usd.IsNegative())

	wantNGN := dec("1000").Sub(decimal.NewFromInt(int64(30 * okForward))).Add(decimal.NewFromInt(int64(20 * okBackward)))
	wantUSD := dec("100").Add(decimal.NewFromInt(int64(15 * okForward))).Sub(decimal.NewFromInt(int64(10 * okBackward)))
	assert.True(t, ngn.Equal(wantNGN), "NGN %s want %s", ngn, wantNGN)
	assert.True(t, usd.Equal(wantUSD), "USD %s want %s", usd, wantUSD)
	assert.Equal(t, okForward+okBackward, f.countKind(t, user, domain.KindConversion))
	f.assertConsistent(t, user, "NGN", "USD")
}

func TestConcurrentConversionsNeverOverdraw(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	user := uuid.New()
	f.fund(t, user, "NGN", "1000")

	const attempts = 25
	errs := make(chan error, attempts)
	var wg sync.WaitGroup
	for i := 0; i < attempts; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := f.engine.Convert(ctx, ConvertRequest{UserID: user, From: "NGN", To: "USD", Amount: dec("100")})
			errs <- err
		}()
	}
	wg.Wait()
	close(errs)

	succeeded, refused := 0, 0
	for err := range errs {
		switch {
		case err == nil:
			succeeded++
		case errors.Is(err, domain.ErrInsufficientFunds):
			refused++
		default:
			t.Errorf("unexpected error: %v", err)
		}
	}
	assert.Equal(t, 10, succeeded)
	assert.Equal(t, attempts-10, refused)
	assert.True(t, f.amount(t, user, "NGN").IsZero())
	assert.True(t, f.amount(t, user, "USD").Equal(dec("1.2")))
	f.assertConsistent(t, user, "NGN", "USD")
}

func TestGetBalance(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	user := uuid.New()

	balances, err := f.engine.GetBalances(ctx, user)
	require.NoError(t, err)
	assert.Empty(t, balances)

	b, err := f.engine.GetBalance(ctx, user, "eur")
	require.NoError(t, err)
	assert.Equal(t, "EUR", b.CurrencyCode)
	assert.True(t, b.Amount.IsZero())

	again, err := f.engine.GetBalance(ctx, user, "EUR")
	require.NoError(t, err)
	assert.Equal(t, b.ID, again.ID)

	f.fund(t, user, "NGN", "10")
	balances, err = f.engine.GetBalances(ctx, user)
	require.NoError(t, err)
	require.Len(t, balances, 2)
	assert.Equal(t, "EUR", balances[0].CurrencyCode)
	assert.Equal(t, "NGN", balances[1].CurrencyCode)

	_, err = f.engine.GetBalance(ctx, user, "XAF")
	require.ErrorIs(t, err, domain.ErrCurrencyNotFound)
}
