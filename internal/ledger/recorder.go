// Package ledger records money events in the transaction journal and drives their
// status through PENDING, COMPLETED and FAILED.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"math"
	"time"

	"github.com/google/uuid"
	"github.com/punchamoorthee/fxledger/internal/domain"
	"github.com/punchamoorthee/fxledger/internal/store"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

const (
	defaultPage  = 1
	defaultLimit = 10
	maxLimit     = 100
)

type Recorder struct {
	store  store.Store
	refs   *ReferenceGenerator
	logger *zap.Logger
	now    func() time.Time
}

func NewRecorder(s store.Store, logger *zap.Logger) *Recorder {
	return &Recorder{
		store:  s,
		refs:   NewReferenceGenerator(),
		logger: logger.Named("ledger"),
		now:    time.Now,
	}
}

// Record validates spec and writes a PENDING transaction with all of its details
// through tx. A reference already in the journal yields domain.ErrAlreadyRecorded.
func (r *Recorder) Record(ctx context.Context, tx store.Tx, spec domain.TransactionSpec) (*domain.Transaction, error) {
	if err := validateSpec(spec); err != nil {
		return nil, err
	}

	reference := spec.Reference
	if reference == "" {
		reference = r.refs.Next("TRX")
	} else {
		existing, err := tx.GetTransactionByReference(ctx, reference)
		switch {
		case err == nil:
			return nil, fmt.Errorf("%w: %s is transaction %s", domain.ErrAlreadyRecorded, reference, existing.ID)
		case !errors.Is(err, domain.ErrNotFound):
			return nil, fmt.Errorf("reference lookup failed: %w", err)
		}
	}

	now := r.now().UTC()
	t := &domain.Transaction{
		ID:             uuid.New(),
		UserID:         spec.UserID,
		Kind:           spec.Kind,
		Status:         domain.TxPending,
		Amount:         spec.Amount,
		Currency:       spec.Currency,
		TargetAmount:   spec.TargetAmount,
		TargetCurrency: spec.TargetCurrency,
		ExchangeRate:   spec.ExchangeRate,
		Reference:      reference,
		Metadata:       cloneMetadata(spec.Metadata),
		CreatedAt:      now,
	}
	for _, d := range spec.Details {
		t.Details = append(t.Details, domain.TransactionDetail{
			ID:            uuid.New(),
			TransactionID: t.ID,
			BalanceID:     d.BalanceID,
			CurrencyCode:  d.CurrencyCode,
			Amount:        d.Amount,
			IsDebit:       d.IsDebit,
			ExchangeRate:  d.ExchangeRate,
			ReferenceID:   d.ReferenceID,
			Metadata:      cloneMetadata(d.Metadata),
			CreatedAt:     now,
		})
	}

	if err := tx.InsertTransaction(ctx, t); err != nil {
		return nil, err
	}

	r.logger.Debug("transaction recorded",
		zap.String("transaction_id", t.ID.String()),
		zap.String("reference", t.Reference),
		zap.String("kind", string(t.Kind)),
	)
	return t, nil
}

// Complete moves a PENDING transaction to COMPLETED.
func (r *Recorder) Complete(ctx context.Context, tx store.Tx, id uuid.UUID) (*domain.Transaction, error) {
	t, err := tx.GetTransaction(ctx, id, true)
	if err != nil {
		return nil, err
	}
	if err := r.transition(t, domain.TxCompleted); err != nil {
		return nil, err
	}
	now := r.now().UTC()
	t.CompletedAt = &now

	if err := tx.UpdateTransactionStatus(ctx, t); err != nil {
		return nil, err
	}
	return t, nil
}

// Fail moves a PENDING transaction to FAILED and keeps reason in its metadata.
func (r *Recorder) Fail(ctx context.Context, tx store.Tx, id uuid.UUID, reason string) (*domain.Transaction, error) {
	t, err := tx.GetTransaction(ctx, id, true)
	if err != nil {
		return nil, err
	}
	if err := r.transition(t, domain.TxFailed); err != nil {
		return nil, err
	}
	if t.Metadata == nil {
		t.Metadata = make(map[string]any)
	}
	t.Metadata["failureReason"] = reason
	t.Metadata["failedAt"] = r.now().UTC().Format(time.RFC3339)

	if err := tx.UpdateTransactionStatus(ctx, t); err != nil {
		return nil, err
	}
	return t, nil
}

func (r *Recorder) transition(t *domain.Transaction, next domain.TransactionStatus) error {
	if err := t.TransitionTo(next); err != nil {
		r.logger.Error("transaction status invariant violated",
			zap.String("invariant", "transaction_status"),
			zap.String("transaction_id", t.ID.String()),
			zap.String("status", string(t.Status)),
			zap.String("requested", string(next)),
		)
		return err
	}
	return nil
}

// RecordTransaction is Record in a unit of work of its own.
func (r *Recorder) RecordTransaction(ctx context.Context, spec domain.TransactionSpec) (*domain.Transaction, error) {
	var out *domain.Transaction
	err := r.store.WithinTx(ctx, func(ctx context.Context, tx store.Tx) error {
		t, err := r.Record(ctx, tx, spec)
		out = t
		return err
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (r *Recorder) CompleteTransaction(ctx context.Context, id uuid.UUID) (*domain.Transaction, error) {
	var out *domain.Transaction
	err := r.store.WithinTx(ctx, func(ctx context.Context, tx store.Tx) error {
		t, err := r.Complete(ctx, tx, id)
		out = t
		return err
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (r *Recorder) FailTransaction(ctx context.Context, id uuid.UUID, reason string) (*domain.Transaction, error) {
	var out *domain.Transaction
	err := r.store.WithinTx(ctx, func(ctx context.Context, tx store.Tx) error {
		t, err := r.Fail(ctx, tx, id, reason)
		out = t
		return err
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// GetTransaction returns the transaction with its details if it belongs to userID.
func (r *Recorder) GetTransaction(ctx context.Context, userID, id uuid.UUID) (*domain.Transaction, error) {
	t, err := r.store.GetTransaction(ctx, id, false)
	if err != nil {
		return nil, err
	}
	if t.UserID != userID {
		return nil, fmt.Errorf("transaction %s: %w", id, domain.ErrNotFound)
	}
	return t, nil
}

// ListTransactions returns a page of the user's transactions, newest first.
func (r *Recorder) ListTransactions(ctx context.Context, f domain.TransactionFilter) (*domain.TransactionPage, error) {
	if f.Kind != "" && !f.Kind.Valid() {
		return nil, invalid("unknown kind %q", f.Kind)
	}
	if f.Status != "" && !f.Status.Valid() {
		return nil, invalid("unknown status %q", f.Status)
	}
	if f.Page < 1 {
		f.Page = defaultPage
	}
	if f.Limit < 1 {
		f.Limit = defaultLimit
	}
	f.Limit = min(f.Limit, maxLimit)
	if f.Page > math.MaxInt/f.Limit {
		return nil, invalid("page %d out of range", f.Page)
	}

	data, total, err := r.store.ListTransactions(ctx, f)
	if err != nil {
		return nil, err
	}
	if data == nil {
		data = []domain.Transaction{}
	}
	return &domain.TransactionPage{Data: data, Total: total, Page: f.Page, Limit: f.Limit}, nil
}

// AuditReport compares a stored balance with the sum of its completed journal legs.
type AuditReport struct {
	BalanceID  uuid.UUID       `json:"balance_id"`
	UserID     uuid.UUID       `json:"user_id"`
	Currency   string          `json:"currency"`
	Stored     decimal.Decimal `json:"stored"`
	Journal    decimal.Decimal `json:"journal"`
	Consistent bool            `json:"consistent"`
}

// VerifyBalance reports whether the balance equals credits minus debits of its
// COMPLETED legs. The balance row is locked while summing so no movement lands in
// between. A mismatch is reported and logged, never repaired.
func (r *Recorder) VerifyBalance(ctx context.Context, userID uuid.UUID, currency string) (*AuditReport, error) {
	if _, err := r.store.GetBalance(ctx, userID, currency); err != nil {
		return nil, err
	}

	var report *AuditReport
	err := r.store.WithinTx(ctx, func(ctx context.Context, tx store.Tx) error {
		b, err := tx.LockBalance(ctx, userID, currency)
		if err != nil {
			return err
		}
		sum, err := tx.SumCompletedLegs(ctx, b.ID)
		if err != nil {
			return err
		}
		report = &AuditReport{
			BalanceID:  b.ID,
			UserID:     userID,
			Currency:   currency,
			Stored:     b.Amount,
			Journal:    sum,
			Consistent: b.Amount.Equal(sum),
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	if !report.Consistent {
		r.logger.Error("balance does not match journal",
			zap.String("invariant", "balance_conservation"),
			zap.String("balance_id", report.BalanceID.String()),
			zap.String("stored", report.Stored.String()),
			zap.String("journal", report.Journal.String()),
		)
	}
	return report, nil
}

func cloneMetadata(m map[string]any) map[string]any {
	if m == nil {
		return map[string]any{}
	}
	return maps.Clone(m)
}
