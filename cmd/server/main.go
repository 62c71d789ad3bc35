package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/clicker-market/internal/config"
	"github.com/clicker-market/internal/filestore"
	"github.com/clicker-market/internal/handler"
	"github.com/clicker-market/internal/kafka"
	"github.com/clicker-market/internal/ledger"
	"github.com/clicker-market/internal/metrics"
	"github.com/clicker-market/internal/postgres"
	"github.com/clicker-market/internal/presence"
	"github.com/clicker-market/internal/redis"
	"github.com/clicker-market/internal/service"
	"github.com/clicker-market/internal/sqlstore"
	"github.com/clicker-market/internal/websocket"
	"github.com/clicker-market/internal/worker"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

// storage is an opened snapshot backend
type storage struct {
	store  metrics.SnapshotStore
	pinger handler.Pinger
	close  func()
}

func main() {
	// Parse command line flags
	configPath := flag.String("config", "config.yaml", "Path to configuration file")
	flag.Parse()

	// Load configuration
	cfg, err := config.Load(*configPath)
	configErr := err
	if err != nil {
		cfg = config.DefaultConfig()
	}

	// Setup structured logging
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: cfg.Log.SlogLevel(),
	}))
	slog.SetDefault(logger)
	if configErr != nil {
		logger.Warn("failed to load config file, using defaults", "error", configErr)
	}

	// Create context with cancellation
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Metrics
	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.New(registry)

	// Open the snapshot store
	logger.Info("opening storage", "driver", cfg.Storage.Driver)
	st, err := openStorage(ctx, cfg, logger)
	if err != nil {
		logger.Error("failed to open storage", "driver", cfg.Storage.Driver, "error", err)
		os.Exit(1)
	}
	defer st.close()

	// Load the ledger
	l := ledger.New(m.InstrumentStore(st.store), cfg.Sweep.ListingTTL, logger)
	if err := l.Load(ctx); err != nil {
		logger.Error("failed to load ledger", "error", err)
		os.Exit(1)
	}

	// Initialize WebSocket hub
	wsHub := websocket.NewHub(logger, m)
	go wsHub.Run()
	logger.Info("WebSocket hub initialized")

	// Initialize the marketplace service
	market := service.NewMarketService(l, presence.NewRegistry(), wsHub, service.Options{
		MaxListings:      cfg.Market.MaxListings,
		Strict:           cfg.Market.Strict,
		BroadcastExpired: cfg.Sweep.BroadcastExpired,
	}, m, logger)

	// Publish market events to Kafka when enabled
	var publisher *kafka.Publisher
	if cfg.Kafka.Enabled {
		logger.Info("initializing Kafka publisher",
			"brokers", cfg.Kafka.Brokers,
			"topic", cfg.Kafka.Topic,
		)
		publisher, err = kafka.NewPublisher(&cfg.Kafka, logger)
		if err != nil {
			logger.Warn("failed to create Kafka publisher, continuing without Kafka", "error", err)
		} else {
			market.SetPublisher(publisher)
		}
	}

	// Start the expiry sweeper
	sweeper := worker.NewExpirySweeper(market, cfg.Sweep.Interval, logger)
	if cfg.Sweep.Enabled {
		if err := sweeper.Start(ctx); err != nil {
			logger.Error("failed to start expiry sweeper", "error", err)
			os.Exit(1)
		}
	}

	// Initialize HTTP handler with WebSocket hub
	httpHandler := handler.NewHandler(market, wsHub, websocket.Limits{
		MessageRate:  cfg.Server.MessageRate,
		MessageBurst: cfg.Server.MessageBurst,
	}, logger)
	httpHandler.SetGatherer(registry)
	if st.pinger != nil {
		httpHandler.SetStorage(st.pinger)
	}

	// Create HTTP server
	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      httpHandler.Router(),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	// Start server in goroutine
	go func() {
		logger.Info("starting HTTP server", "port", cfg.Server.Port)
		logger.Info("WebSocket endpoint available at /ws")
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("HTTP server error", "error", err)
			os.Exit(1)
		}
	}()

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("shutting down server...")

	// Create shutdown context with timeout
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	// Stop WebSocket hub
	wsHub.Stop()

	// Stop expiry sweeper
	if err := sweeper.Stop(); err != nil {
		logger.Error("failed to stop expiry sweeper", "error", err)
	}

	// Final ledger write
	if err := market.Persist(shutdownCtx); err != nil {
		logger.Error("failed to persist ledger", "error", err)
	}

	// Flush Kafka publisher
	if publisher != nil {
		if err := publisher.Close(); err != nil {
			logger.Error("failed to close Kafka publisher", "error", err)
		}
	}

	// Shutdown HTTP server
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("failed to shutdown server", "error", err)
	}

	logger.Info("server stopped")
}

// openStorage connects the backend named by storage.driver
func openStorage(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*storage, error) {
	switch cfg.Storage.Driver {
	case config.StorageRedis:
		logger.Info("connecting to Redis", "addr", cfg.Redis.Addr)
		store, err := redis.NewSnapshotStore(&cfg.Redis, logger)
		if err != nil {
			return nil, err
		}
		return &storage{store: store, pinger: store, close: func() { store.Close() }}, nil

	case config.StoragePostgres:
		logger.Info("connecting to PostgreSQL", "host", cfg.Postgres.Host, "database", cfg.Postgres.Database)
		repo, err := postgres.NewRepository(&cfg.Postgres, logger)
		if err != nil {
			return nil, err
		}
		if err := repo.RunMigrations(ctx); err != nil {
			repo.Close()
			return nil, err
		}
		return &storage{store: repo, pinger: repo, close: repo.Close}, nil

	case config.StorageSQLite:
		store, err := sqlstore.Open(cfg.SQLite.Path, logger)
		if err != nil {
			return nil, err
		}
		return &storage{store: store, pinger: store, close: func() { store.Close() }}, nil

	default:
		return &storage{store: filestore.New(cfg.Storage.Path, logger), close: func() {}}, nil
	}
}
