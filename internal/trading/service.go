// Package trading runs user trades: a durable PENDING trade record wrapped around one
// atomic currency conversion, settled to COMPLETED or FAILED afterwards.
package trading

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/punchamoorthee/fxledger/internal/domain"
	"github.com/punchamoorthee/fxledger/internal/events"
	"github.com/punchamoorthee/fxledger/internal/fx"
	"github.com/punchamoorthee/fxledger/internal/store"
	"github.com/punchamoorthee/fxledger/internal/wallet"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

const settleTimeout = 5 * time.Second

// MovementTimeout bounds a trade's conversion regardless of the caller's deadline.
// Past it the conversion has committed or rolled back, and only the trade's status
// write can still be missing.
const MovementTimeout = time.Minute

// ErrTradeUnsettled means the money moved but the trade could not be marked COMPLETED.
// The trade stays PENDING until the reconciler settles it.
var ErrTradeUnsettled = errors.New("trade outcome not recorded")

var tradesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "ledger_trades_total",
	Help: "Trades processed, labeled by final status",
}, []string{"status"})

// Converter performs the money movement of a trade.
type Converter interface {
	Convert(ctx context.Context, req wallet.ConvertRequest) (*wallet.ConversionResult, error)
}

// TradeReference is the journal reference of the movement behind a trade.
func TradeReference(tradeID uuid.UUID) string {
	return "TRD-" + tradeID.String()
}

type CreateTradeRequest struct {
	Amount decimal.Decimal `json:"amount"`
	From   string          `json:"from_currency"`
	To     string          `json:"to_currency"`
}

type Service struct {
	store     store.Store
	converter Converter
	rates     fx.RateProvider
	publisher events.Publisher
	logger    *zap.Logger
	fxTimeout time.Duration
	// movement is the conversion deadline; the reconciler's stale window assumes
	// it never exceeds MovementTimeout.
	movement  time.Duration
	now       func() time.Time
}

type Option func(*Service)

func WithPublisher(p events.Publisher) Option {
	return func(s *Service) { s.publisher = p }
}

func WithFXTimeout(d time.Duration) Option {
	return func(s *Service) { s.fxTimeout = d }
}

func NewService(st store.Store, converter Converter, rates fx.RateProvider, logger *zap.Logger, opts ...Option) *Service {
	s := &Service{
		store:     st,
		converter: converter,
		rates:     rates,
		publisher: events.Nop{},
		logger:    logger.Named("trading"),
		fxTimeout: wallet.DefaultFXTimeout,
		movement:  MovementTimeout,
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// CreateTrade quotes the pair, persists a PENDING trade and converts at the quoted
// rate. The returned error of a failed movement is the movement's own error.
func (s *Service) CreateTrade(ctx context.Context, userID uuid.UUID, req CreateTradeRequest) (*domain.Trade, error) {
	from, to, err := validateTrade(userID, req)
	if err != nil {
		return nil, err
	}

	quote, err := s.quote(ctx, from, to)
	if err != nil {
		return nil, err
	}
	toAmount := domain.ConvertAmount(req.Amount, quote.Rate)
	if !toAmount.IsPositive() {
		return nil, fmt.Errorf("%w: %s %s converts to zero %s", domain.ErrInvalidAmount, req.Amount, from, to)
	}

	now := s.now().UTC()
	trade := &domain.Trade{
		ID:           uuid.New(),
		UserID:       userID,
		FromCurrency: from,
		ToCurrency:   to,
		FromAmount:   req.Amount,
		ToAmount:     toAmount,
		Rate:         quote.Rate,
		Status:       domain.TradePending,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if err := s.store.InsertTrade(ctx, trade); err != nil {
		s.logger.Error("trade insert failed", zap.String("user_id", userID.String()), zap.Error(err))
		return nil, fmt.Errorf("%w: trade insert failed: %w", domain.ErrMovementFailed, err)
	}

	logger := s.logger.With(zap.String("trade_id", trade.ID.String()), zap.String("pair", from+"/"+to))

	mctx, cancel := context.WithTimeout(ctx, s.movement)
	defer cancel()
	res, err := s.converter.Convert(mctx, wallet.ConvertRequest{
		UserID:    userID,
		From:      from,
		To:        to,
		Amount:    req.Amount,
		Quote:     quote,
		Reference: TradeReference(trade.ID),
		Metadata:  map[string]any{"tradeId": trade.ID.String()},
	})
	if err != nil {
		s.fail(ctx, logger, trade.ID, err)
		return nil, fmt.Errorf("trade %s: %w", trade.ID, err)
	}

	completed, err := s.complete(ctx, trade.ID, res.Transaction.ID)
	if err != nil {
		logger.Error("trade completion not recorded, left pending",
			zap.String("transaction_id", res.Transaction.ID.String()),
			zap.Error(err),
		)
		return nil, fmt.Errorf("%w: trade %s: %w", ErrTradeUnsettled, trade.ID, err)
	}

	tradesTotal.WithLabelValues(string(domain.TradeCompleted)).Inc()
	s.emit(ctx, events.TradeCompleted, completed)
	return completed, nil
}

func validateTrade(userID uuid.UUID, req CreateTradeRequest) (string, string, error) {
	if userID == uuid.Nil {
		return "", "", fmt.Errorf("%w: user id is required", domain.ErrInvalidSpec)
	}
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
	if err := domain.ValidateAmount(req.Amount); err != nil {
		return "", "", err
	}
	return from, to, nil
}

func (s *Service) quote(ctx context.Context, from, to string) (*fx.Rate, error) {
	fctx, cancel := context.WithTimeout(ctx, s.fxTimeout)
	defer cancel()

	r, err := s.rates.GetRate(fctx, from, to)
	if err != nil {
		if errors.Is(err, domain.ErrRateUnavailable) {
			return nil, err
		}
		s.logger.Error("fx lookup failed", zap.String("pair", from+"/"+to), zap.Error(err))
		return nil, fmt.Errorf("%w: fx lookup failed: %w", domain.ErrMovementFailed, err)
	}
	if !r.Rate.IsPositive() {
		return nil, fmt.Errorf("%w: provider returned %s for %s/%s", domain.ErrRateUnavailable, r.Rate, from, to)
	}
	return r, nil
}

// complete and fail outlive the caller's context: the movement already happened or
// definitely did not, and the trade record must say so.
func settleContext(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.WithoutCancel(ctx), settleTimeout)
}

func (s *Service) complete(ctx context.Context, tradeID, transactionID uuid.UUID) (*domain.Trade, error) {
	ctx, cancel := settleContext(ctx)
	defer cancel()

	var out *domain.Trade
	err := s.store.WithinTx(ctx, func(ctx context.Context, tx store.Tx) error {
		t, err := tx.GetTrade(ctx, tradeID, true)
		if err != nil {
			return err
		}
		if err := t.TransitionTo(domain.TradeCompleted); err != nil {
			return err
		}
		t.TransactionID = &transactionID
		if err := tx.UpdateTrade(ctx, t); err != nil {
			return err
		}
		out = t
		return nil
	})
	return out, err
}

// fail re-reads the trade and marks it FAILED with cause. A failure here is logged and
// the trade is left for the reconciler.
func (s *Service) fail(ctx context.Context, logger *zap.Logger, tradeID uuid.UUID, cause error) {
	if domain.IsExpected(cause) {
		logger.Debug("trade movement rejected", zap.Error(cause))
	} else {
		logger.Error("trade movement failed", zap.Error(cause))
	}

	ctx, cancel := settleContext(ctx)
	defer cancel()

	var failed *domain.Trade
	err := s.store.WithinTx(ctx, func(ctx context.Context, tx store.Tx) error {
		t, err := tx.GetTrade(ctx, tradeID, true)
		if err != nil {
			return err
		}
		if err := t.TransitionTo(domain.TradeFailed); err != nil {
			return err
		}
		reason := cause.Error()
		t.FailureReason = &reason
		if err := tx.UpdateTrade(ctx, t); err != nil {
			return err
		}
		failed = t
		return nil
	})
	if err != nil {
		logger.Error("trade failure not recorded, left pending", zap.Error(err))
		return
	}

	tradesTotal.WithLabelValues(string(domain.TradeFailed)).Inc()
	s.emit(ctx, events.TradeFailed, failed)
}

func (s *Service) GetTrade(ctx context.Context, userID, tradeID uuid.UUID) (*domain.Trade, error) {
	t, err := s.store.GetTrade(ctx, tradeID, false)
	if err != nil {
		return nil, err
	}
	if t.UserID != userID {
		return nil, fmt.Errorf("trade %s: %w", tradeID, domain.ErrNotFound)
	}
	return t, nil
}

// ListTrades returns the user's trades, newest first.
func (s *Service) ListTrades(ctx context.Context, userID uuid.UUID) ([]domain.Trade, error) {
	trades, err := s.store.ListTrades(ctx, userID)
	if err != nil {
		return nil, err
	}
	if trades == nil {
		trades = []domain.Trade{}
	}
	return trades, nil
}

func (s *Service) emit(ctx context.Context, eventType string, t *domain.Trade) {
	events.Emit(context.WithoutCancel(ctx), s.publisher, s.logger, events.Event{
		Type:    eventType,
		Key:     t.ID.String(),
		UserID:  t.UserID.String(),
		Payload: t,
	})
}
