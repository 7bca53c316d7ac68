package trading

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/punchamoorthee/fxledger/internal/domain"
	"github.com/punchamoorthee/fxledger/internal/events"
	"github.com/punchamoorthee/fxledger/internal/store"
	"go.uber.org/zap"
)

const (
	DefaultStaleAfter = 5 * time.Minute
	// MinStaleAfter keeps the sweep clear of conversions still inside their deadline.
	MinStaleAfter     = 2 * MovementTimeout
	sweepBatch        = 100

	reasonNoMovement = "reconciliation: no completed movement"
)

var reconciledTotal = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "ledger_trades_reconciled_total",
	Help: "Stale pending trades settled by the reconciler, labeled by outcome",
}, []string{"status"})

// Reconciler settles trades left PENDING by a failed status write. The journal decides:
// a COMPLETED transaction carrying the trade's reference means the money moved.
type Reconciler struct {
	store      store.Store
	publisher  events.Publisher
	logger     *zap.Logger
	staleAfter time.Duration
	now        func() time.Time
}

func NewReconciler(s store.Store, publisher events.Publisher, logger *zap.Logger, staleAfter time.Duration) *Reconciler {
	logger = logger.Named("reconciler")
	switch {
	case staleAfter <= 0:
		staleAfter = DefaultStaleAfter
	case staleAfter < MinStaleAfter:
		logger.Warn("stale window raised to outlast trade movements",
			zap.Duration("requested", staleAfter),
			zap.Duration("stale_after", MinStaleAfter),
		)
		staleAfter = MinStaleAfter
	}
	if publisher == nil {
		publisher = events.Nop{}
	}
	return &Reconciler{
		store:      s,
		publisher:  publisher,
		logger:     logger,
		staleAfter: staleAfter,
		now:        time.Now,
	}
}

type SweepResult struct {
	Completed int `json:"completed"`
	Failed    int `json:"failed"`
	Skipped   int `json:"skipped"`
}

// Sweep settles one batch of trades that have been PENDING longer than staleAfter.
func (r *Reconciler) Sweep(ctx context.Context) (SweepResult, error) {
	var res SweepResult
	stale, err := r.store.ListStaleTrades(ctx, r.now().Add(-r.staleAfter), sweepBatch)
	if err != nil {
		return res, err
	}

	for _, t := range stale {
		settled, err := r.settle(ctx, t.ID)
		if err != nil {
			r.logger.Error("trade reconciliation failed", zap.String("trade_id", t.ID.String()), zap.Error(err))
			res.Skipped++
			continue
		}
		if settled == nil {
			res.Skipped++
			continue
		}

		reconciledTotal.WithLabelValues(string(settled.Status)).Inc()
		eventType := events.TradeFailed
		if settled.Status == domain.TradeCompleted {
			res.Completed++
			eventType = events.TradeCompleted
		} else {
			res.Failed++
		}
		r.logger.Info("trade reconciled",
			zap.String("trade_id", settled.ID.String()),
			zap.String("status", string(settled.Status)),
		)
		events.Emit(ctx, r.publisher, r.logger, events.Event{
			Type:    eventType,
			Key:     settled.ID.String(),
			UserID:  settled.UserID.String(),
			Payload: settled,
		})
	}
	return res, nil
}

// settle returns the settled trade, or nil when it was no longer PENDING.
func (r *Reconciler) settle(ctx context.Context, tradeID uuid.UUID) (*domain.Trade, error) {
	var out *domain.Trade
	err := r.store.WithinTx(ctx, func(ctx context.Context, tx store.Tx) error {
		t, err := tx.GetTrade(ctx, tradeID, true)
		if err != nil {
			return err
		}
		if t.Status != domain.TradePending {
			return nil
		}

		movement, err := tx.GetTransactionByReference(ctx, TradeReference(t.ID))
		switch {
		case err == nil && movement.Status == domain.TxCompleted:
			if err := t.TransitionTo(domain.TradeCompleted); err != nil {
				return err
			}
			t.TransactionID = &movement.ID
		case err == nil || errors.Is(err, domain.ErrNotFound):
			if err := t.TransitionTo(domain.TradeFailed); err != nil {
				return err
			}
			reason := reasonNoMovement
			t.FailureReason = &reason
		default:
			return err
		}

		if err := tx.UpdateTrade(ctx, t); err != nil {
			return err
		}
		out = t
		return nil
	})
	return out, err
}

// Run sweeps every interval until ctx is done.
func (r *Reconciler) Run(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			res, err := r.Sweep(ctx)
			if err != nil {
				if ctx.Err() == nil {
					r.logger.Error("reconciliation sweep failed", zap.Error(err))
				}
				continue
			}
			if res.Completed+res.Failed > 0 {
				r.logger.Info("reconciliation sweep done",
					zap.Int("completed", res.Completed),
					zap.Int("failed", res.Failed),
					zap.Int("skipped", res.Skipped),
				)
			}
		}
	}
}
