package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/punchamoorthee/fxledger/internal/domain"
	"github.com/punchamoorthee/fxledger/internal/trading"
	"github.com/punchamoorthee/fxledger/internal/wallet"
	"github.com/shopspring/decimal"
)

const (
	movementTimeout       = 30 * time.Second
	idempotencyKeyHeader  = "Idempotency-Key"
	maxIdempotencyKeySize = 255
)

type fundRequest struct {
	Currency  string          `json:"currency"`
	Amount    decimal.Decimal `json:"amount"`
	Reference string          `json:"reference"`
}

type convertRequest struct {
	From   string          `json:"from_currency"`
	To     string          `json:"to_currency"`
	Amount decimal.Decimal `json:"amount"`
}

func (h *Handler) HealthCheckHandler(w http.ResponseWriter, r *http.Request) {
	respondWithJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (h *Handler) ListCurrenciesHandler(w http.ResponseWriter, r *http.Request) {
	currencies, err := h.currencies.ListCurrencies(r.Context())
	if err != nil {
		h.respondWithDomainError(w, r, err)
		return
	}
	respondWithJSON(w, http.StatusOK, currencies)
}

func (h *Handler) GetRateHandler(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	base, err := domain.NormalizeCurrency(q.Get("base"))
	if err != nil {
		respondWithError(w, http.StatusBadRequest, err.Error())
		return
	}
	target, err := domain.NormalizeCurrency(q.Get("target"))
	if err != nil {
		respondWithError(w, http.StatusBadRequest, err.Error())
		return
	}

	ctx, cancel := withTimeout(r, movementTimeout)
	defer cancel()
	rate, err := h.rates.GetRate(ctx, base, target)
	if err != nil {
		h.respondWithDomainError(w, r, err)
		return
	}
	respondWithJSON(w, http.StatusOK, rate)
}

func (h *Handler) ListBalancesHandler(w http.ResponseWriter, r *http.Request) {
	balances, err := h.wallet.GetBalances(r.Context(), userID(r))
	if err != nil {
		h.respondWithDomainError(w, r, err)
		return
	}
	respondWithJSON(w, http.StatusOK, balances)
}

func (h *Handler) GetBalanceHandler(w http.ResponseWriter, r *http.Request) {
	balance, err := h.wallet.GetBalance(r.Context(), userID(r), mux.Vars(r)["currency"])
	if err != nil {
		h.respondWithDomainError(w, r, err)
		return
	}
	respondWithJSON(w, http.StatusOK, balance)
}

func (h *Handler) AuditBalanceHandler(w http.ResponseWriter, r *http.Request) {
	currency, err := domain.NormalizeCurrency(mux.Vars(r)["currency"])
	if err != nil {
		respondWithError(w, http.StatusBadRequest, err.Error())
		return
	}
	report, err := h.journal.VerifyBalance(r.Context(), userID(r), currency)
	if err != nil {
		h.respondWithDomainError(w, r, err)
		return
	}
	respondWithJSON(w, http.StatusOK, report)
}

// reference prefers the body's reference and falls back to the Idempotency-Key header.
func reference(r *http.Request, body string) (string, bool) {
	ref := strings.TrimSpace(body)
	if ref == "" {
		ref = strings.TrimSpace(r.Header.Get(idempotencyKeyHeader))
	}
	return ref, len(ref) <= maxIdempotencyKeySize
}

func (h *Handler) FundHandler(w http.ResponseWriter, r *http.Request) {
	var req fundRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondWithError(w, http.StatusBadRequest, "Malformed JSON body")
		return
	}
	ref, ok := reference(r, req.Reference)
	if !ok {
		respondWithError(w, http.StatusBadRequest, "Reference too long")
		return
	}

	ctx, cancel := withTimeout(r, movementTimeout)
	defer cancel()
	balance, err := h.wallet.Fund(ctx, wallet.FundRequest{
		UserID:    userID(r),
		Currency:  req.Currency,
		Amount:    req.Amount,
		Reference: ref,
	})
	if err != nil {
		h.respondWithDomainError(w, r, err)
		return
	}
	respondWithJSON(w, http.StatusOK, balance)
}

func (h *Handler) ConvertHandler(w http.ResponseWriter, r *http.Request) {
	var req convertRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondWithError(w, http.StatusBadRequest, "Malformed JSON body")
		return
	}
	ref, ok := reference(r, "")
	if !ok {
		respondWithError(w, http.StatusBadRequest, "Idempotency-Key too long")
		return
	}

	ctx, cancel := withTimeout(r, movementTimeout)
	defer cancel()
	res, err := h.wallet.Convert(ctx, wallet.ConvertRequest{
		UserID:    userID(r),
		From:      req.From,
		To:        req.To,
		Amount:    req.Amount,
		Reference: ref,
	})
	if err != nil {
		h.respondWithDomainError(w, r, err)
		return
	}
	w.Header().Set("Location", fmt.Sprintf("/api/v1/transactions/%s", res.Transaction.ID))
	respondWithJSON(w, http.StatusCreated, res)
}

func (h *Handler) ListTransactionsHandler(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	f := domain.TransactionFilter{
		UserID: userID(r),
		Kind:   domain.TransactionKind(strings.ToUpper(q.Get("kind"))),
		Status: domain.TransactionStatus(strings.ToUpper(q.Get("status"))),
	}
	var err error
	if v := q.Get("page"); v != "" {
		if f.Page, err = strconv.Atoi(v); err != nil {
			respondWithError(w, http.StatusBadRequest, "page must be an integer")
			return
		}
	}
	if v := q.Get("limit"); v != "" {
		if f.Limit, err = strconv.Atoi(v); err != nil {
			respondWithError(w, http.StatusBadRequest, "limit must be an integer")
			return
		}
	}

	page, err := h.journal.ListTransactions(r.Context(), f)
	if err != nil {
		h.respondWithDomainError(w, r, err)
		return
	}
	respondWithJSON(w, http.StatusOK, page)
}

func (h *Handler) GetTransactionHandler(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(mux.Vars(r)["id"])
	if err != nil {
		respondWithError(w, http.StatusNotFound, "Transaction not found")
		return
	}
	txn, err := h.journal.GetTransaction(r.Context(), userID(r), id)
	if err != nil {
		h.respondWithDomainError(w, r, err)
		return
	}
	respondWithJSON(w, http.StatusOK, txn)
}

func (h *Handler) CreateTradeHandler(w http.ResponseWriter, r *http.Request) {
	var req trading.CreateTradeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondWithError(w, http.StatusBadRequest, "Malformed JSON body")
		return
	}

	ctx, cancel := withTimeout(r, movementTimeout)
	defer cancel()
	trade, err := h.trades.CreateTrade(ctx, userID(r), req)
	if err != nil {
		h.respondWithDomainError(w, r, err)
		return
	}
	w.Header().Set("Location", fmt.Sprintf("/api/v1/trades/%s", trade.ID))
	respondWithJSON(w, http.StatusCreated, trade)
}

func (h *Handler) ListTradesHandler(w http.ResponseWriter, r *http.Request) {
	trades, err := h.trades.ListTrades(r.Context(), userID(r))
	if err != nil {
		h.respondWithDomainError(w, r, err)
		return
	}
	respondWithJSON(w, http.StatusOK, trades)
}

func (h *Handler) GetTradeHandler(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(mux.Vars(r)["id"])
	if err != nil {
		respondWithError(w, http.StatusNotFound, "Trade not found")
		return
	}
	trade, err := h.trades.GetTrade(r.Context(), userID(r), id)
	if err != nil {
		h.respondWithDomainError(w, r, err)
		return
	}
	respondWithJSON(w, http.StatusOK, trade)
}
