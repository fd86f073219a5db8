/*
main.go - Application entry point

PURPOSE:
  Initializes and starts the coin wallet server.
  Handles configuration, dependency injection, and graceful shutdown.

STARTUP SEQUENCE:
  1. Load configuration (.env, environment, flags)
  2. Open the store selected by STORE_DRIVER (memory, sqlite, postgres)
  3. Build the balance cache (Redis when REDIS_ADDR is set, else in-process)
  4. Build event publishers (Kafka when KAFKA_BROKERS is set, plus the
     websocket hub)
  5. Create the wallet engine, flows and webhook handler
  6. Start the reconciliation scheduler
  7. Start the HTTP server with graceful shutdown

COMMAND-LINE FLAGS:
  -port                HTTP server port (default: 8080)
  -store               memory, sqlite or postgres (default: sqlite)
  -db                  SQLite database path (default: wallet.db)
                       Use ":memory:" for in-memory database
  -database-url        PostgreSQL connection URL
  -reconcile-interval  Sweep interval, 0 disables (default: 1h)
  -coin-usd-rate       Payout value of one coin (default: 0.01)
  -log-level           debug, info, warn or error

GRACEFUL SHUTDOWN:
  On SIGINT/SIGTERM:
  1. Stop the reconciliation scheduler
  2. Stop accepting new connections
  3. Wait for active requests to complete (30s timeout)
  4. Close publishers, cache and database
  5. Exit

EXAMPLES:
  # Run with file database
  ./server -db="./data/wallet.db"

  # Run against PostgreSQL and Redis
  STORE_DRIVER=postgres DATABASE_URL=postgres://... REDIS_ADDR=localhost:6379 ./server

SEE ALSO:
  - config/config.go: Every setting and its environment variable
  - api/server.go: Router configuration
*/
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/warp/coin-ledger/api"
	rediscache "github.com/warp/coin-ledger/cache/redis"
	"github.com/warp/coin-ledger/config"
	"github.com/warp/coin-ledger/events"
	"github.com/warp/coin-ledger/events/kafka"
	"github.com/warp/coin-ledger/events/stream"
	"github.com/warp/coin-ledger/flows"
	"github.com/warp/coin-ledger/store/postgres"
	"github.com/warp/coin-ledger/store/sqlite"
	"github.com/warp/coin-ledger/wallet"
	memstore "github.com/warp/coin-ledger/wallet/store"
	"github.com/warp/coin-ledger/webhook"
)

type backingStore interface {
	wallet.Store
	wallet.RunStore
}

func main() {
	cfg, err := config.Load(os.Args[1:])
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(2)
	}

	logger, err := cfg.NewLogger()
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger: %v\n", err)
		os.Exit(2)
	}
	defer logger.Sync()

	if err := run(cfg, logger); err != nil {
		logger.Fatal("server failed", zap.Error(err))
	}
}

func run(cfg config.Config, logger *zap.Logger) error {
	ctx := context.Background()

	// Store
	st, closeStore, err := openStore(ctx, cfg)
	if err != nil {
		return fmt.Errorf("open %s store: %w", cfg.StoreDriver, err)
	}
	defer closeStore()
	logger.Info("store ready", zap.String("driver", cfg.StoreDriver))

	// Cache
	var cache wallet.BalanceCache = wallet.NewMemoryCache(cfg.CacheTTL)
	if len(cfg.RedisAddrs) > 0 {
		rc := rediscache.New(cfg.RedisAddrs, cfg.RedisPassword, cfg.CacheTTL, logger)
		defer rc.Close()
		if err := rc.Ping(ctx); err != nil {
			logger.Warn("redis unreachable, reads fall through to the store", zap.Error(err))
		}
		cache = rc
	}

	// Publishers
	hub := stream.NewHub(logger)
	publishers := events.Fanout{hub}
	if len(cfg.KafkaBrokers) > 0 {
		kp := kafka.NewPublisher(kafka.NewWriter(cfg.KafkaBrokers, cfg.KafkaTopic, logger), logger)
		defer kp.Close()
		publishers = append(publishers, kp)
		logger.Info("publishing wallet events to kafka",
			zap.Strings("brokers", cfg.KafkaBrokers),
			zap.String("topic", cfg.KafkaTopic),
		)
	}

	// Engine and flows
	ledger := wallet.NewService(st,
		wallet.WithCache(cache),
		wallet.WithPublisher(publishers),
		wallet.WithLogger(logger.Named("wallet")),
	)
	coinFlows := flows.New(ledger,
		flows.WithLogger(logger.Named("flows")),
		flows.WithNotifier(flows.LogNotifier{Logger: logger.Named("notify")}),
		flows.WithCoinUSDRate(cfg.CoinUSDRate),
	)

	// HTTP
	handler := api.NewHandler(ledger, coinFlows, logger.Named("api"))
	handler.Stream = hub
	handler.Runs = st
	if cfg.WebhookSecret != "" {
		handler.Webhooks = webhook.NewHandler(ledger, cfg.WebhookSecret, cfg.WebhookProvider,
			webhook.WithLogger(logger.Named("webhook")),
		)
	} else {
		logger.Warn("WEBHOOK_SECRET not set, payment webhooks are disabled")
	}

	scheduler := api.NewReconciliationScheduler(ledger, st, logger)
	scheduler.CheckInterval = cfg.ReconcileInterval
	scheduler.Enabled = cfg.ReconcileInterval > 0
	handler.Scheduler = scheduler
	scheduler.Start()
	defer scheduler.Stop()

	router := api.NewRouter(handler, api.RouterConfig{
		AdminJWTSecret: cfg.AdminJWTSecret,
		AdminToken:     cfg.AdminToken,
	})

	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Port),
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	serverErr := make(chan error, 1)
	go func() {
		logger.Info("server starting", zap.Int("port", cfg.Port))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	select {
	case <-quit:
	case err := <-serverErr:
		return err
	}

	logger.Info("shutting down server")
	scheduler.Stop()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("forced shutdown: %w", err)
	}

	logger.Info("server stopped")
	return nil
}

func openStore(ctx context.Context, cfg config.Config) (backingStore, func(), error) {
	switch cfg.StoreDriver {
	case "memory":
		return memstore.NewMemory(), func() {}, nil
	case "postgres":
		connectCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
		defer cancel()
		pg, err := postgres.Connect(connectCtx, cfg.DatabaseURL)
		if err != nil {
			return nil, nil, err
		}
		return pg, pg.Close, nil
	default:
		sq, err := sqlite.New(cfg.SQLitePath)
		if err != nil {
			return nil, nil, err
		}
		return sq, func() { sq.Close() }, nil
	}
}
