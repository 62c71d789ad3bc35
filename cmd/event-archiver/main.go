package main

import (
	"context"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/clicker-market/internal/config"
	"github.com/clicker-market/internal/domain"
	"github.com/clicker-market/internal/kafka"
	"github.com/clicker-market/internal/postgres"
)

func main() {
	configPath := flag.String("config", "config.yaml", "Path to configuration file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	configErr := err
	if err != nil {
		cfg = config.DefaultConfig()
	}

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: cfg.Log.SlogLevel(),
	})).With("component", "event-archiver")
	slog.SetDefault(logger)
	if configErr != nil {
		logger.Warn("failed to load config file, using defaults", "error", configErr)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Initialize PostgreSQL
	logger.Info("connecting to PostgreSQL", "host", cfg.Postgres.Host, "database", cfg.Postgres.Database)
	repo, err := postgres.NewRepository(&cfg.Postgres, logger)
	if err != nil {
		logger.Error("failed to connect to PostgreSQL", "error", err)
		os.Exit(1)
	}
	defer repo.Close()

	if err := repo.RunMigrations(ctx); err != nil {
		logger.Error("failed to run migrations", "error", err)
		os.Exit(1)
	}

	// Consume the market event topic
	logger.Info("initializing Kafka consumer",
		"brokers", cfg.Kafka.Brokers,
		"topic", cfg.Kafka.Topic,
		"group_id", cfg.Kafka.GroupID,
	)
	consumer, err := kafka.NewConsumer(&cfg.Kafka, repo, logger)
	if err != nil {
		logger.Error("failed to create Kafka consumer", "error", err)
		os.Exit(1)
	}
	if err := consumer.Start(); err != nil {
		logger.Error("failed to start Kafka consumer", "error", err)
		os.Exit(1)
	}
	logger.Info("archiving market events")

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("shutting down archiver...")
	if err := consumer.Stop(); err != nil {
		logger.Error("failed to stop Kafka consumer", "error", err)
	}

	for _, eventType := range []domain.EventType{domain.EventListingCreated, domain.EventListingCancelled, domain.EventListingPurchased, domain.EventListingExpired} {
		count, err := repo.CountEvents(ctx, eventType)
		if err != nil {
			logger.Warn("failed to count archived events", "type", eventType, "error", err)
			continue
		}
		logger.Info("archived events", "type", eventType, "total", count)
	}

	logger.Info("archiver stopped")
}
