package kafka

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/IBM/sarama"
	"github.com/clicker-market/internal/config"
	"github.com/clicker-market/internal/domain"
)

// Publisher streams market events to Kafka without blocking the caller
type Publisher struct {
	producer sarama.AsyncProducer
	topic    string
	logger   *slog.Logger

	mu     sync.RWMutex
	closed bool
	wg     sync.WaitGroup

	sent    atomic.Int64
	failed  atomic.Int64
	dropped atomic.Int64
}

// NewPublisher connects an async producer to the configured brokers
func NewPublisher(cfg *config.KafkaConfig, logger *slog.Logger) (*Publisher, error) {
	saramaConfig := sarama.NewConfig()
	saramaConfig.Producer.RequiredAcks = sarama.WaitForLocal
	saramaConfig.Producer.Compression = sarama.CompressionSnappy
	saramaConfig.Producer.Flush.Frequency = cfg.FlushInterval
	saramaConfig.Producer.Flush.Messages = cfg.BatchSize
	saramaConfig.Producer.Return.Successes = true
	saramaConfig.Producer.Return.Errors = true

	producer, err := sarama.NewAsyncProducer(cfg.Brokers, saramaConfig)
	if err != nil {
		return nil, fmt.Errorf("creating kafka producer: %w", err)
	}

	logger.Info("kafka publisher started", "brokers", cfg.Brokers, "topic", cfg.Topic)
	return NewPublisherWithProducer(producer, cfg.Topic, logger), nil
}

// NewPublisherWithProducer wraps an existing producer
func NewPublisherWithProducer(producer sarama.AsyncProducer, topic string, logger *slog.Logger) *Publisher {
	p := &Publisher{
		producer: producer,
		topic:    topic,
		logger:   logger,
	}

	p.wg.Add(2)
	go func() {
		defer p.wg.Done()
		for range producer.Successes() {
			p.sent.Add(1)
		}
	}()
	go func() {
		defer p.wg.Done()
		for err := range producer.Errors() {
			p.failed.Add(1)
			p.logger.Error("failed to publish market event", "error", err.Err)
		}
	}()

	return p
}

// Publish queues an event keyed by listing ID so every event of one listing
// lands on the same partition. When the producer's input is backed up the
// event is dropped and counted instead of blocking the caller.
func (p *Publisher) Publish(event domain.MarketEvent) {
	data, err := json.Marshal(event)
	if err != nil {
		p.logger.Error("failed to marshal market event", "error", err)
		return
	}

	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		return
	}

	msg := &sarama.ProducerMessage{
		Topic: p.topic,
		Key:   sarama.StringEncoder(event.ListingID),
		Value: sarama.ByteEncoder(data),
	}
	select {
	case p.producer.Input() <- msg:
	default:
		p.dropped.Add(1)
		p.logger.Warn("kafka producer backed up, dropping market event",
			"type", event.Type,
			"listing_id", event.ListingID,
		)
	}
}

// Dropped returns the number of events discarded because the producer was backed up
func (p *Publisher) Dropped() int64 {
	return p.dropped.Load()
}

// Failed returns the number of events the brokers rejected
func (p *Publisher) Failed() int64 {
	return p.failed.Load()
}

// Close flushes pending events and shuts the producer down
func (p *Publisher) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	p.mu.Unlock()

	err := p.producer.Close()
	p.wg.Wait()
	p.logger.Info("kafka publisher stopped", "sent", p.sent.Load(), "failed", p.failed.Load(), "dropped", p.dropped.Load())
	return err
}
