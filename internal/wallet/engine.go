// Package wallet moves money between a user's balances. Every movement locks the
// balances it touches, updates them and records the matching journal entry in one unit
// of work, so balances and the journal never disagree.
package wallet

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/punchamoorthee/fxledger/internal/domain"
	"github.com/punchamoorthee/fxledger/internal/events"
	"github.com/punchamoorthee/fxledger/internal/fx"
	"github.com/punchamoorthee/fxledger/internal/ledger"
	"github.com/punchamoorthee/fxledger/internal/store"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

const DefaultFXTimeout = 5 * time.Second

var (
	movementsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ledger_movements_total",
		Help: "Money movements processed, labeled by operation and outcome",
	}, []string{"operation", "outcome"})

	movementDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "ledger_movement_duration_seconds",
		Help:    "Latency distribution of money movements",
		Buckets: []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1},
	}, []string{"operation"})
)

type Engine struct {
	store     store.Store
	recorder  *ledger.Recorder
	rates     fx.RateProvider
	publisher events.Publisher
	logger    *zap.Logger
	fxTimeout time.Duration
}

type Option func(*Engine)

func WithPublisher(p events.Publisher) Option {
	return func(e *Engine) { e.publisher = p }
}

// WithFXTimeout bounds a rate lookup made by Convert.
func WithFXTimeout(d time.Duration) Option {
	return func(e *Engine) { e.fxTimeout = d }
}

func NewEngine(s store.Store, recorder *ledger.Recorder, rates fx.RateProvider, logger *zap.Logger, opts ...Option) *Engine {
	e := &Engine{
		store:     s,
		recorder:  recorder,
		rates:     rates,
		publisher: events.Nop{},
		logger:    logger.Named("wallet"),
		fxTimeout: DefaultFXTimeout,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

type FundRequest struct {
	UserID    uuid.UUID
	Currency  string
	Amount    decimal.Decimal
	Reference string
}

// Fund credits amount to the user's balance in currency, creating the balance if needed.
func (e *Engine) Fund(ctx context.Context, req FundRequest) (*domain.Balance, error) {
	const op = "fund"
	timer := prometheus.NewTimer(movementDuration.WithLabelValues(op))
	defer timer.ObserveDuration()

	currency, err := domain.NormalizeCurrency(req.Currency)
	if err == nil {
		err = validateMovement(req.UserID, req.Amount)
	}
	if err == nil {
		err = e.requireActive(ctx, currency)
	}
	if err != nil {
		return nil, e.fail(op, err)
	}

	var balance *domain.Balance
	var txn *domain.Transaction
	err = e.store.WithinTx(ctx, func(ctx context.Context, tx store.Tx) error {
		b, err := tx.LockBalance(ctx, req.UserID, currency)
		if err != nil {
			return err
		}
		b.Amount = b.Amount.Add(req.Amount)
		if err := tx.UpdateBalance(ctx, b); err != nil {
			return err
		}

		t, err := e.recorder.Record(ctx, tx, domain.TransactionSpec{
			UserID:    req.UserID,
			Kind:      domain.KindFunding,
			Amount:    req.Amount,
			Currency:  currency,
			Reference: req.Reference,
			Metadata:  map[string]any{"operation": op},
			Details: []domain.DetailSpec{
				{BalanceID: b.ID, CurrencyCode: currency, Amount: req.Amount},
			},
		})
		if err != nil {
			return err
		}
		if t, err = e.recorder.Complete(ctx, tx, t.ID); err != nil {
			return err
		}
		balance, txn = b, t
		return nil
	})
	if err != nil {
		return nil, e.fail(op, err,
			zap.String("user_id", req.UserID.String()),
			zap.String("currency", currency),
			zap.String("reference", req.Reference),
		)
	}

	movementsTotal.WithLabelValues(op, "ok").Inc()
	e.emit(ctx, txn)
	return balance, nil
}

type ConvertRequest struct {
	UserID uuid.UUID
	From   string
	To     string
	Amount decimal.Decimal
	// Quote is an already agreed rate for From/To. When nil a rate is looked up.
	Quote     *fx.Rate
	Reference string
	Metadata  map[string]any
}

type ConversionResult struct {
	FromBalance     *domain.Balance     `json:"from_balance"`
	ToBalance       *domain.Balance     `json:"to_balance"`
	Rate            decimal.Decimal     `json:"rate"`
	ConvertedAmount decimal.Decimal     `json:"converted_amount"`
	Transaction     *domain.Transaction `json:"transaction"`
}

// Convert debits amount of From and credits its value in To. The rate is resolved
// before any balance is locked.
func (e *Engine) Convert(ctx context.Context, req ConvertRequest) (*ConversionResult, error) {
	const op = "convert"
	timer := prometheus.NewTimer(movementDuration.WithLabelValues(op))
	defer timer.ObserveDuration()

	from, to, err := e.validateConvert(ctx, req)
	if err != nil {
		return nil, e.fail(op, err)
	}

	quote, err := e.quote(ctx, from, to, req.Quote)
	if err != nil {
		return nil, e.fail(op, err, zap.String("pair", from+"/"+to))
	}
	converted := domain.ConvertAmount(req.Amount, quote.Rate)
	if !converted.IsPositive() {
		return nil, e.fail(op, fmt.Errorf("%w: %s %s converts to zero %s", domain.ErrInvalidAmount, req.Amount, from, to))
	}

	metadata := maps.Clone(req.Metadata)
	if metadata == nil {
		metadata = make(map[string]any)
	}
	metadata["operation"] = op
	metadata["rateSource"] = quote.Source
	metadata["rateTimestamp"] = quote.Timestamp.UTC().Format(time.RFC3339)

	var result *ConversionResult
	err = e.store.WithinTx(ctx, func(ctx context.Context, tx store.Tx) error {
		locked, err := lockInOrder(ctx, tx, req.UserID, from, to)
		if err != nil {
			return err
		}
		src, dst := locked[from], locked[to]

		if src.Amount.LessThan(req.Amount) {
			return fmt.Errorf("%w: %s balance %s is below %s", domain.ErrInsufficientFunds, from, src.Amount, req.Amount)
		}
		src.Amount = src.Amount.Sub(req.Amount)
		dst.Amount = dst.Amount.Add(converted)
		if err := tx.UpdateBalance(ctx, src); err != nil {
			return err
		}
		if err := tx.UpdateBalance(ctx, dst); err != nil {
			return err
		}

		rate := quote.Rate
		t, err := e.recorder.Record(ctx, tx, domain.TransactionSpec{
			UserID:         req.UserID,
			Kind:           domain.KindConversion,
			Amount:         req.Amount,
			Currency:       from,
			TargetAmount:   &converted,
			TargetCurrency: &to,
			ExchangeRate:   &rate,
			Reference:      req.Reference,
			Metadata:       metadata,
			Details: []domain.DetailSpec{
				{BalanceID: src.ID, CurrencyCode: from, Amount: req.Amount, IsDebit: true, ExchangeRate: &rate},
				{BalanceID: dst.ID, CurrencyCode: to, Amount: converted, ExchangeRate: &rate},
			},
		})
		if err != nil {
			return err
		}
		if t, err = e.recorder.Complete(ctx, tx, t.ID); err != nil {
			return err
		}

		result = &ConversionResult{
			FromBalance:     src,
			ToBalance:       dst,
			Rate:            rate,
			ConvertedAmount: converted,
			Transaction:     t,
		}
		return nil
	})
	if err != nil {
		return nil, e.fail(op, err,
			zap.String("user_id", req.UserID.String()),
			zap.String("pair", from+"/"+to),
			zap.String("amount", req.Amount.String()),
			zap.String("reference", req.Reference),
		)
	}

	movementsTotal.WithLabelValues(op, "ok").Inc()
	e.emit(ctx, result.Transaction)
	return result, nil
}

func (e *Engine) validateConvert(ctx context.Context, req ConvertRequest) (string, string, error) {
	from, err := domain.NormalizeCurrency(req.From)
	if err != nil {
		return "", "", err
	}
	to, err := domain.NormalizeCurrency(req.To)
	if err != nil {
		return "", "", err
	}
	if from == to {
		return "", "", fmt.Errorf("%w: %s", domain.ErrSameCurrency, from)
	}
	if err := validateMovement(req.UserID, req.Amount); err != nil {
		return "", "", err
	}
	if err := e.requireActive(ctx, from); err != nil {
		return "", "", err
	}
	if err := e.requireActive(ctx, to); err != nil {
		return "", "", err
	}
	return from, to, nil
}

// quote returns the agreed rate, or looks one up under the FX timeout.
func (e *Engine) quote(ctx context.Context, from, to string, agreed *fx.Rate) (*fx.Rate, error) {
	if agreed != nil {
		if agreed.Base != from || agreed.Target != to || !agreed.Rate.IsPositive() {
			return nil, fmt.Errorf("%w: quote %s/%s at %s does not price %s/%s",
				domain.ErrRateUnavailable, agreed.Base, agreed.Target, agreed.Rate, from, to)
		}
		return agreed, nil
	}

	fctx, cancel := context.WithTimeout(ctx, e.fxTimeout)
	defer cancel()
	r, err := e.rates.GetRate(fctx, from, to)
	if err != nil {
		if errors.Is(err, domain.ErrRateUnavailable) {
			return nil, err
		}
		return nil, fmt.Errorf("fx lookup failed: %w", err)
	}
	if !r.Rate.IsPositive() {
		return nil, fmt.Errorf("%w: provider returned %s for %s/%s", domain.ErrRateUnavailable, r.Rate, from, to)
	}
	return r, nil
}

// lockInOrder locks the user's balances in currency code order so two opposite
// conversions cannot deadlock.
func lockInOrder(ctx context.Context, tx store.Tx, userID uuid.UUID, currencies ...string) (map[string]*domain.Balance, error) {
	ordered := append([]string(nil), currencies...)
	if len(ordered) == 2 && ordered[1] < ordered[0] {
		ordered[0], ordered[1] = ordered[1], ordered[0]
	}
	locked := make(map[string]*domain.Balance, len(ordered))
	for _, c := range ordered {
		b, err := tx.LockBalance(ctx, userID, c)
		if err != nil {
			return nil, err
		}
		locked[c] = b
	}
	return locked, nil
}

// GetBalances lists every balance the user holds.
func (e *Engine) GetBalances(ctx context.Context, userID uuid.UUID) ([]domain.Balance, error) {
	balances, err := e.store.ListBalances(ctx, userID)
	if err != nil {
		return nil, err
	}
	if balances == nil {
		balances = []domain.Balance{}
	}
	return balances, nil
}

// GetBalance returns the user's balance in currency, opening it at zero on first read.
func (e *Engine) GetBalance(ctx context.Context, userID uuid.UUID, currency string) (*domain.Balance, error) {
	currency, err := domain.NormalizeCurrency(currency)
	if err != nil {
		return nil, err
	}
	if err := e.requireActive(ctx, currency); err != nil {
		return nil, err
	}

	b, err := e.store.GetBalance(ctx, userID, currency)
	if err == nil || !errors.Is(err, domain.ErrNotFound) {
		return b, err
	}

	err = e.store.WithinTx(ctx, func(ctx context.Context, tx store.Tx) error {
		b, err = tx.LockBalance(ctx, userID, currency)
		return err
	})
	if err != nil {
		return nil, err
	}
	return b, nil
}

func (e *Engine) requireActive(ctx context.Context, code string) error {
	c, err := e.store.GetCurrency(ctx, code)
	if err != nil {
		return err
	}
	if !c.IsActive {
		return fmt.Errorf("%w: %s is inactive", domain.ErrCurrencyNotFound, code)
	}
	return nil
}

func validateMovement(userID uuid.UUID, amount decimal.Decimal) error {
	if userID == uuid.Nil {
		return fmt.Errorf("%w: user id is required", domain.ErrInvalidSpec)
	}
	return domain.ValidateAmount(amount)
}

// fail records the outcome and shapes err for the caller. Validation and business
// errors go back unchanged, invariant violations unchanged but loudly logged, and
// everything else as ErrMovementFailed wrapping the cause.
func (e *Engine) fail(op string, err error, fields ...zap.Field) error {
	class := domain.Classify(err)
	movementsTotal.WithLabelValues(op, class.String()).Inc()
	fields = append(fields, zap.String("operation", op), zap.Error(err))

	switch class {
	case domain.ClassValidation, domain.ClassBusiness:
		e.logger.Debug("movement rejected", fields...)
		return err
	case domain.ClassInvariant:
		e.logger.Error("movement invariant violated", fields...)
		return err
	}

	e.logger.Error("movement failed", fields...)
	if errors.Is(err, domain.ErrMovementFailed) {
		return err
	}
	return fmt.Errorf("%w: %w", domain.ErrMovementFailed, err)
}

func (e *Engine) emit(ctx context.Context, t *domain.Transaction) {
	events.Emit(context.WithoutCancel(ctx), e.publisher, e.logger, events.Event{
		Type:    events.TransactionCompleted,
		Key:     t.Reference,
		UserID:  t.UserID.String(),
		Payload: t,
	})
}
