package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/punchamoorthee/fxledger/internal/api"
	"github.com/punchamoorthee/fxledger/internal/config"
	"github.com/punchamoorthee/fxledger/internal/domain"
	"github.com/punchamoorthee/fxledger/internal/events"
	"github.com/punchamoorthee/fxledger/internal/fx"
	"github.com/punchamoorthee/fxledger/internal/ledger"
	"github.com/punchamoorthee/fxledger/internal/logging"
	"github.com/punchamoorthee/fxledger/internal/store"
	"github.com/punchamoorthee/fxledger/internal/store/memstore"
	"github.com/punchamoorthee/fxledger/internal/trading"
	"github.com/punchamoorthee/fxledger/internal/wallet"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatal(err)
	}

	logger, err := logging.New(cfg.Env)
	if err != nil {
		log.Fatalf("Unable to build logger: %v", err)
	}
	defer logger.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Storage
	var ledgerStore store.Store
	switch cfg.Backend {
	case config.BackendMemory:
		mem := memstore.New(domain.DefaultCurrencies()...)
		mem.SetLockTimeout(cfg.LockTimeout)
		ledgerStore = mem
		logger.Warn("using in-memory store, balances are lost on restart")
	default:
		pg, err := store.NewPostgres(ctx, cfg.DBSource, cfg.LockTimeout)
		if err != nil {
			logger.Fatal("unable to connect to database", zap.Error(err))
		}
		defer pg.Close()
		ledgerStore = pg
	}

	// Rates
	var rates fx.RateProvider = fx.NewHTTPProvider(cfg.FXAPIURL, cfg.FXAPIKey, cfg.FXTimeout)
	if cfg.RedisAddr != "" {
		rdb := redis.NewClient(&redis.Options{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
		})
		defer rdb.Close()
		if err := rdb.Ping(ctx).Err(); err != nil {
			logger.Warn("redis unreachable, rates will bypass the cache", zap.Error(err))
		}
		rates = fx.NewCachedProvider(rates, fx.NewRedisCache(rdb), cfg.FXCacheTTL, logger)
	}

	// Events
	var publisher events.Publisher = events.Nop{}
	if len(cfg.KafkaBrokers) > 0 {
		kp := events.NewKafkaPublisher(cfg.KafkaBrokers, cfg.KafkaTopic, logger)
		defer kp.Close()
		publisher = kp
	}

	// Initialize Layers
	recorder := ledger.NewRecorder(ledgerStore, logger)
	engine := wallet.NewEngine(ledgerStore, recorder, rates, logger,
		wallet.WithPublisher(publisher),
		wallet.WithFXTimeout(cfg.FXTimeout),
	)
	trades := trading.NewService(ledgerStore, engine, rates, logger,
		trading.WithPublisher(publisher),
		trading.WithFXTimeout(cfg.FXTimeout),
	)
	reconciler := trading.NewReconciler(ledgerStore, publisher, logger, cfg.ReconcileStaleAfter)
	go reconciler.Run(ctx, cfg.ReconcileInterval)

	handler := api.NewHandler(api.Deps{
		Wallet:     engine,
		Journal:    recorder,
		Trades:     trades,
		Currencies: ledgerStore,
		Rates:      rates,
		Logger:     logger,
		RateLimit:  rate.Limit(cfg.RateLimitRPS),
		Burst:      cfg.RateLimitBurst,
	})

	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           handler.Router(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			logger.Error("graceful shutdown failed", zap.Error(err))
		}
	}()

	logger.Info("server starting",
		zap.String("port", cfg.Port),
		zap.String("backend", cfg.Backend),
		zap.String("env", cfg.Env),
	)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Fatal("server failed", zap.Error(err))
	}
	logger.Info("server stopped")
}
