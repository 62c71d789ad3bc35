package kafka

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/IBM/sarama"
	"github.com/clicker-market/internal/config"
	"github.com/clicker-market/internal/domain"
)

// EventRecorder stores batches of market events
type EventRecorder interface {
	RecordEvents(ctx context.Context, events []domain.MarketEvent) error
}

// Consumer consumes market events from Kafka and hands them to a recorder in batches
type Consumer struct {
	config        *config.KafkaConfig
	recorder      EventRecorder
	logger        *slog.Logger
	consumerGroup sarama.ConsumerGroup
	ctx           context.Context
	cancel        context.CancelFunc
	wg            sync.WaitGroup
	ready         chan bool
}

// NewConsumer creates a new Kafka consumer
func NewConsumer(cfg *config.KafkaConfig, recorder EventRecorder, logger *slog.Logger) (*Consumer, error) {
	saramaConfig := sarama.NewConfig()
	saramaConfig.Version = sarama.V3_0_0_0
	saramaConfig.Consumer.Group.Rebalance.GroupStrategies = []sarama.BalanceStrategy{sarama.NewBalanceStrategyRoundRobin()}
	saramaConfig.Consumer.Offsets.Initial = sarama.OffsetOldest
	saramaConfig.Consumer.Return.Errors = true

	consumerGroup, err := sarama.NewConsumerGroup(cfg.Brokers, cfg.GroupID, saramaConfig)
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithCancel(context.Background())

	return &Consumer{
		config:        cfg,
		recorder:      recorder,
		logger:        logger,
		consumerGroup: consumerGroup,
		ctx:           ctx,
		cancel:        cancel,
		ready:         make(chan bool),
	}, nil
}

// Start begins consuming messages from Kafka
func (c *Consumer) Start() error {
	c.logger.Info("starting Kafka consumer",
		"brokers", c.config.Brokers,
		"topic", c.config.Topic,
		"group_id", c.config.GroupID,
	)

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		for {
			handler := newBatchHandler(c.config, c.recorder, c.logger, c.ready)

			if err := c.consumerGroup.Consume(c.ctx, []string{c.config.Topic}, handler); err != nil {
				if errors.Is(err, sarama.ErrClosedConsumerGroup) {
					return
				}
				c.logger.Error("error from consumer", "error", err)
			}

			if c.ctx.Err() != nil {
				return
			}

			c.ready = make(chan bool)
		}
	}()

	<-c.ready
	c.logger.Info("Kafka consumer ready")

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		for {
			select {
			case <-c.ctx.Done():
				return
			case err, ok := <-c.consumerGroup.Errors():
				if !ok {
					return
				}
				c.logger.Error("consumer group error", "error", err)
			}
		}
	}()

	return nil
}

// Stop gracefully stops the consumer
func (c *Consumer) Stop() error {
	c.logger.Info("stopping Kafka consumer")
	c.cancel()
	c.wg.Wait()
	return c.consumerGroup.Close()
}

// batchHandler implements sarama.ConsumerGroupHandler
type batchHandler struct {
	config   *config.KafkaConfig
	recorder EventRecorder
	logger   *slog.Logger
	ready    chan bool
}

func newBatchHandler(cfg *config.KafkaConfig, recorder EventRecorder, logger *slog.Logger, ready chan bool) *batchHandler {
	return &batchHandler{
		config:   cfg,
		recorder: recorder,
		logger:   logger,
		ready:    ready,
	}
}

// Setup is called at the beginning of a new session
func (h *batchHandler) Setup(sarama.ConsumerGroupSession) error {
	close(h.ready)
	return nil
}

// Cleanup is called at the end of a session
func (h *batchHandler) Cleanup(sarama.ConsumerGroupSession) error {
	return nil
}

// ConsumeClaim accumulates events until the batch is full or the batch
// timeout fires. Offsets are marked only after the batch was recorded; a
// failed write ends the claim unmarked so the batch is delivered again.
func (h *batchHandler) ConsumeClaim(session sarama.ConsumerGroupSession, claim sarama.ConsumerGroupClaim) error {
	batch := make([]domain.MarketEvent, 0, h.config.BatchSize)
	var last *sarama.ConsumerMessage
	batchTimer := time.NewTimer(h.config.BatchTimeout)
	defer batchTimer.Stop()

	processBatch := func() error {
		if len(batch) == 0 {
			if last != nil {
				session.MarkMessage(last, "")
				last = nil
			}
			return nil
		}

		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		if err := h.recorder.RecordEvents(ctx, batch); err != nil {
			h.logger.Error("failed to record batch", "error", err, "batch_size", len(batch))
			return fmt.Errorf("recording batch: %w", err)
		}
		h.logger.Debug("recorded batch", "batch_size", len(batch))
		session.MarkMessage(last, "")

		batch = batch[:0]
		last = nil
		return nil
	}

	for {
		select {
		case <-session.Context().Done():
			return processBatch()

		case <-batchTimer.C:
			if err := processBatch(); err != nil {
				return err
			}
			batchTimer.Reset(h.config.BatchTimeout)

		case message, ok := <-claim.Messages():
			if !ok {
				return processBatch()
			}
			last = message

			event, err := decodeEvent(message.Value)
			if err != nil {
				h.logger.Warn("skipping market event",
					"error", err,
					"offset", message.Offset,
					"partition", message.Partition,
				)
				continue
			}

			batch = append(batch, event)
			if len(batch) >= h.config.BatchSize {
				if err := processBatch(); err != nil {
					return err
				}
				batchTimer.Reset(h.config.BatchTimeout)
			}
		}
	}
}

var errIncompleteEvent = errors.New("event missing type or listing id")

func decodeEvent(value []byte) (domain.MarketEvent, error) {
	var event domain.MarketEvent
	if err := json.Unmarshal(value, &event); err != nil {
		return domain.MarketEvent{}, err
	}
	if event.Type == "" || event.ListingID == "" {
		return domain.MarketEvent{}, errIncompleteEvent
	}
	return event, nil
}
