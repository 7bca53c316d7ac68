package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/punchamoorthee/fxledger/internal/domain"
	"github.com/punchamoorthee/fxledger/internal/fx"
	"github.com/punchamoorthee/fxledger/internal/ledger"
	"github.com/punchamoorthee/fxledger/internal/trading"
	"github.com/punchamoorthee/fxledger/internal/wallet"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

var (
	httpRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ledger_http_requests_total",
		Help: "Total HTTP requests processed, labeled by status code",
	}, []string{"method", "endpoint", "status"})

	httpRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "ledger_http_request_duration_seconds",
		Help:    "Latency distribution of HTTP requests",
		Buckets: []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1},
	}, []string{"method", "endpoint"})
)

const userIDHeader = "X-User-ID"

type Wallet interface {
	Fund(ctx context.Context, req wallet.FundRequest) (*domain.Balance, error)
	Convert(ctx context.Context, req wallet.ConvertRequest) (*wallet.ConversionResult, error)
	GetBalances(ctx context.Context, userID uuid.UUID) ([]domain.Balance, error)
	GetBalance(ctx context.Context, userID uuid.UUID, currency string) (*domain.Balance, error)
}

type Journal interface {
	GetTransaction(ctx context.Context, userID, id uuid.UUID) (*domain.Transaction, error)
	ListTransactions(ctx context.Context, f domain.TransactionFilter) (*domain.TransactionPage, error)
	VerifyBalance(ctx context.Context, userID uuid.UUID, currency string) (*ledger.AuditReport, error)
}

type Trades interface {
	CreateTrade(ctx context.Context, userID uuid.UUID, req trading.CreateTradeRequest) (*domain.Trade, error)
	GetTrade(ctx context.Context, userID, tradeID uuid.UUID) (*domain.Trade, error)
	ListTrades(ctx context.Context, userID uuid.UUID) ([]domain.Trade, error)
}

type Currencies interface {
	ListCurrencies(ctx context.Context) ([]domain.Currency, error)
}

type Deps struct {
	Wallet     Wallet
	Journal    Journal
	Trades     Trades
	Currencies Currencies
	Rates      fx.RateProvider
	Logger     *zap.Logger
	// RateLimit is the sustained requests per second allowed per user. Zero disables it.
	RateLimit rate.Limit
	Burst     int
}

type Handler struct {
	wallet     Wallet
	journal    Journal
	trades     Trades
	currencies Currencies
	rates      fx.RateProvider
	logger     *zap.Logger
	limiters   *userLimiters
}

func NewHandler(d Deps) *Handler {
	h := &Handler{
		wallet:     d.Wallet,
		journal:    d.Journal,
		trades:     d.Trades,
		currencies: d.Currencies,
		rates:      d.Rates,
		logger:     d.Logger.Named("api"),
	}
	if d.RateLimit > 0 {
		h.limiters = newUserLimiters(d.RateLimit, d.Burst)
	}
	return h
}

func (h *Handler) Router() *mux.Router {
	r := mux.NewRouter()
	r.Use(instrument)
	r.Handle("/metrics", promhttp.Handler())
	r.HandleFunc("/health", h.HealthCheckHandler).Methods(http.MethodGet)

	v1 := r.PathPrefix("/api/v1").Subrouter()
	v1.HandleFunc("/currencies", h.ListCurrenciesHandler).Methods(http.MethodGet)
	v1.HandleFunc("/fx/rates", h.GetRateHandler).Methods(http.MethodGet)

	user := v1.NewRoute().Subrouter()
	user.Use(h.authenticate, h.rateLimit)
	user.HandleFunc("/wallets/balances", h.ListBalancesHandler).Methods(http.MethodGet)
	user.HandleFunc("/wallets/balances/{currency}", h.GetBalanceHandler).Methods(http.MethodGet)
	user.HandleFunc("/wallets/balances/{currency}/audit", h.AuditBalanceHandler).Methods(http.MethodGet)
	user.HandleFunc("/wallets/fund", h.FundHandler).Methods(http.MethodPost)
	user.HandleFunc("/wallets/convert", h.ConvertHandler).Methods(http.MethodPost)
	user.HandleFunc("/transactions", h.ListTransactionsHandler).Methods(http.MethodGet)
	user.HandleFunc("/transactions/{id}", h.GetTransactionHandler).Methods(http.MethodGet)
	user.HandleFunc("/trades", h.CreateTradeHandler).Methods(http.MethodPost)
	user.HandleFunc("/trades", h.ListTradesHandler).Methods(http.MethodGet)
	user.HandleFunc("/trades/{id}", h.GetTradeHandler).Methods(http.MethodGet)
	return r
}

// --- Middleware ---

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (w *statusRecorder) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}

func instrument(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		endpoint := r.URL.Path
		if route := mux.CurrentRoute(r); route != nil {
			if tpl, err := route.GetPathTemplate(); err == nil {
				endpoint = tpl
			}
		}
		timer := prometheus.NewTimer(httpRequestDuration.WithLabelValues(r.Method, endpoint))
		defer timer.ObserveDuration()

		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		httpRequestsTotal.WithLabelValues(r.Method, endpoint, strconv.Itoa(rec.status)).Inc()
	})
}

type ctxKey struct{}

func (h *Handler) authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id, err := uuid.Parse(r.Header.Get(userIDHeader))
		if err != nil || id == uuid.Nil {
			respondWithError(w, http.StatusUnauthorized, "Missing or invalid "+userIDHeader+" header")
			return
		}
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), ctxKey{}, id)))
	})
}

func userID(r *http.Request) uuid.UUID {
	id, _ := r.Context().Value(ctxKey{}).(uuid.UUID)
	return id
}

// limiterIdleTTL is how long a user's limiter survives without requests. An idle
// limiter has refilled to its burst anyway, so dropping it changes no decision.
const limiterIdleTTL = 10 * time.Minute

type userLimiter struct {
	*rate.Limiter
	lastSeen time.Time
}

type userLimiters struct {
	mu        sync.Mutex
	limit     rate.Limit
	burst     int
	idleTTL   time.Duration
	now       func() time.Time
	lastSweep time.Time
	limiters  map[uuid.UUID]*userLimiter
}

func newUserLimiters(limit rate.Limit, burst int) *userLimiters {
	if burst < 1 {
		burst = 1
	}
	return &userLimiters{
		limit:    limit,
		burst:    burst,
		idleTTL:  limiterIdleTTL,
		now:      time.Now,
		limiters: make(map[uuid.UUID]*userLimiter),
	}
}

func (l *userLimiters) allow(id uuid.UUID) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	now := l.now()
	if now.Sub(l.lastSweep) >= l.idleTTL {
		l.sweep(now)
	}
	lim, ok := l.limiters[id]
	if !ok {
		lim = &userLimiter{Limiter: rate.NewLimiter(l.limit, l.burst)}
		l.limiters[id] = lim
	}
	lim.lastSeen = now
	return lim.AllowN(now, 1)
}

// sweep drops limiters idle for longer than idleTTL. Callers hold mu.
func (l *userLimiters) sweep(now time.Time) {
	for id, lim := range l.limiters {
		if now.Sub(lim.lastSeen) > l.idleTTL {
			delete(l.limiters, id)
		}
	}
	l.lastSweep = now
}

func (l *userLimiters) size() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.limiters)
}

func (h *Handler) rateLimit(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if h.limiters != nil && !h.limiters.allow(userID(r)) {
			w.Header().Set("Retry-After", "1")
			respondWithError(w, http.StatusTooManyRequests, "Rate limit exceeded")
			return
		}
		next.ServeHTTP(w, r)
	})
}

// --- Helpers ---

// respondWithDomainError maps err to a status code. Expected outcomes carry their
// message; anything else is logged and hidden.
func (h *Handler) respondWithDomainError(w http.ResponseWriter, r *http.Request, err error) {
	var code int
	switch {
	case errors.Is(err, domain.ErrAlreadyRecorded), errors.Is(err, domain.ErrInvalidTransition):
		code = http.StatusConflict
	case errors.Is(err, domain.ErrNotFound), errors.Is(err, domain.ErrCurrencyNotFound):
		code = http.StatusNotFound
	case errors.Is(err, domain.ErrInsufficientFunds), errors.Is(err, domain.ErrRateUnavailable):
		code = http.StatusUnprocessableEntity
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, domain.ErrLockTimeout):
		code = http.StatusGatewayTimeout
	case domain.Classify(err) == domain.ClassValidation:
		code = http.StatusBadRequest
	default:
		code = http.StatusInternalServerError
	}

	if domain.IsExpected(err) {
		respondWithError(w, code, err.Error())
		return
	}
	h.logger.Error("request failed",
		zap.String("method", r.Method),
		zap.String("path", r.URL.Path),
		zap.String("class", domain.Classify(err).String()),
		zap.Error(err),
	)
	switch code {
	case http.StatusConflict:
		respondWithError(w, code, "Conflicting state, check the resource and retry")
	case http.StatusGatewayTimeout:
		respondWithError(w, code, "Timed out, retry with the same reference")
	default:
		respondWithError(w, code, "Internal Server Error")
	}
}

func respondWithError(w http.ResponseWriter, code int, message string) {
	respondWithJSON(w, code, map[string]string{"error": message})
}

func respondWithJSON(w http.ResponseWriter, code int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if payload != nil {
		json.NewEncoder(w).Encode(payload)
	}
}

func withTimeout(r *http.Request, d time.Duration) (context.Context, context.CancelFunc) {
	return context.WithTimeout(r.Context(), d)
}
