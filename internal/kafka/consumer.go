package kafka

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strconv"
	"sync"
	"time"

	"go-relay/internal/observability"
	"go-relay/internal/service"
	"go-relay/pkg/models"

	kafka "github.com/segmentio/kafka-go"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// ConsumerClient defines the interface for Kafka consumer operations
type ConsumerClient interface {
	Start(ctx context.Context, handler service.Handler) error
	Close() error
}

// messageReader is the part of *kafka.Reader the consumer uses
type messageReader interface {
	FetchMessage(ctx context.Context) (kafka.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// Consumer drives a handler over a topic. Kafka has no native redelivery,
// so a ForceRedeliver outcome republishes the record to the same topic with
// the redelivered flag, the next delivery count and the handler's priority.
// Records past the redelivery budget go to the DLQ topic instead.
type Consumer struct {
	reader          messageReader
	producer        ProducerClient
	logger          *zap.Logger
	metrics         observability.MetricsCollector
	workers         int
	maxRedeliveries int
	dlqTopic        string
	dedupeStore     DedupeStore
	onFault         func(msg *models.Message, err error)
}

type ConsumerConfig struct {
	Brokers         []string
	Topic           string
	GroupID         string
	Workers         int
	MaxRedeliveries int
	FetchMinBytes   int
	FetchMaxBytes   int
	DLQTopic        string
	Metrics         observability.MetricsCollector
	DedupeStore     DedupeStore
	Logger          *zap.Logger
	OnFault         func(msg *models.Message, err error)
}

func (c *ConsumerConfig) Validate() error {
	if len(c.Brokers) == 0 {
		return errors.New("brokers cannot be empty")
	}
	if c.Topic == "" {
		return errors.New("topic cannot be empty")
	}
	if c.GroupID == "" {
		return errors.New("groupID cannot be empty")
	}
	if c.DLQTopic == "" {
		return errors.New("dlqTopic cannot be empty")
	}
	if c.DLQTopic == c.Topic {
		return errors.New("dlqTopic must differ from topic")
	}
	return nil
}

// DedupeStore remembers messages that reached a terminal disposition
type DedupeStore interface {
	Exists(messageID string) bool
	Add(messageID string) error
}

// InMemoryDedupeStore is a simple in-memory implementation
type InMemoryDedupeStore struct {
	mu    sync.RWMutex
	store map[string]time.Time
	ttl   time.Duration
	stop  chan struct{}
	once  sync.Once
}

func NewInMemoryDedupeStore(ttl time.Duration) *InMemoryDedupeStore {
	store := &InMemoryDedupeStore{
		store: make(map[string]time.Time),
		ttl:   ttl,
		stop:  make(chan struct{}),
	}
	go store.cleanup(time.Minute)
	return store
}

func (s *InMemoryDedupeStore) Exists(messageID string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	expiry, exists := s.store[messageID]
	return exists && time.Now().Before(expiry)
}

func (s *InMemoryDedupeStore) Add(messageID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.store[messageID] = time.Now().Add(s.ttl)
	return nil
}

func (s *InMemoryDedupeStore) Close() {
	s.once.Do(func() { close(s.stop) })
}

func (s *InMemoryDedupeStore) cleanup(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-s.stop:
			return
		case <-ticker.C:
			s.mu.Lock()
			now := time.Now()
			for id, expiry := range s.store {
				if now.After(expiry) {
					delete(s.store, id)
				}
			}
			s.mu.Unlock()
		}
	}
}

func NewConsumer(cfg ConsumerConfig, producer ProducerClient) (*Consumer, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid consumer config: %w", err)
	}

	reader := kafka.NewReader(kafka.ReaderConfig{
		Brokers:        cfg.Brokers,
		Topic:          cfg.Topic,
		GroupID:        cfg.GroupID,
		MinBytes:       cfg.FetchMinBytes,
		MaxBytes:       cfg.FetchMaxBytes,
		CommitInterval: 0, // Manual commits
		StartOffset:    kafka.FirstOffset,
	})

	return newConsumer(cfg, reader, producer), nil
}

func newConsumer(cfg ConsumerConfig, reader messageReader, producer ProducerClient) *Consumer {
	if cfg.Metrics == nil {
		cfg.Metrics = observability.NewInMemoryMetrics()
	}
	if cfg.DedupeStore == nil {
		cfg.DedupeStore = NewInMemoryDedupeStore(1 * time.Hour)
	}
	if cfg.Workers == 0 {
		cfg.Workers = 5
	}
	if cfg.MaxRedeliveries == 0 {
		cfg.MaxRedeliveries = 3
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}

	return &Consumer{
		reader:          reader,
		producer:        producer,
		logger:          cfg.Logger,
		metrics:         cfg.Metrics,
		workers:         cfg.Workers,
		maxRedeliveries: cfg.MaxRedeliveries,
		dlqTopic:        cfg.DLQTopic,
		dedupeStore:     cfg.DedupeStore,
		onFault:         cfg.OnFault,
	}
}

// Start begins consuming messages with worker pool. Records are routed to
// workers by partition so each partition is processed and committed in
// offset order. A record that can be neither republished nor dead-lettered
// stops the consumer with an error before any later offset on its partition
// is committed; the group resumes from that record on restart.
func (c *Consumer) Start(ctx context.Context, handler service.Handler) error {
	c.logger.Info("Starting consumer", zap.Int("workers", c.workers))

	g, gctx := errgroup.WithContext(ctx)

	lanes := make([]chan kafka.Message, c.workers)
	for i := range lanes {
		i := i
		lanes[i] = make(chan kafka.Message)
		g.Go(func() error {
			return c.worker(gctx, i, lanes[i], handler)
		})
	}

	g.Go(func() error {
		c.fetcher(gctx, lanes)
		return nil
	})

	if err := g.Wait(); err != nil {
		c.logger.Error("Consumer stopped on an unsettled record", zap.Error(err))
		return fmt.Errorf("consumer stopped: %w", err)
	}
	return nil
}

// fetcher reads messages from Kafka and hands each to its partition's worker
func (c *Consumer) fetcher(ctx context.Context, lanes []chan kafka.Message) {
	defer func() {
		for _, lane := range lanes {
			close(lane)
		}
	}()

	for {
		select {
		case <-ctx.Done():
			c.logger.Info("Fetcher stopping due to context cancellation")
			return
		default:
		}

		msg, err := c.reader.FetchMessage(ctx)
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				return
			}
			if errors.Is(err, io.EOF) {
				c.logger.Info("Fetcher stopping - reader closed")
				return
			}
			c.logger.Error("Failed to fetch message", zap.Error(err))
			select {
			case <-ctx.Done():
				return
			case <-time.After(time.Second):
			}
			continue
		}

		c.metrics.IncReceived()

		select {
		case lanes[msg.Partition%len(lanes)] <- msg:
		case <-ctx.Done():
			return
		}
	}
}

// worker processes one lane of partitions sequentially
func (c *Consumer) worker(ctx context.Context, id int, records <-chan kafka.Message, handler service.Handler) error {
	c.logger.Debug("Worker started", zap.Int("worker_id", id))

	for {
		select {
		case <-ctx.Done():
			c.logger.Debug("Worker stopping due to context cancellation")
			return nil
		case record, ok := <-records:
			if !ok {
				c.logger.Debug("Worker stopping - channel closed")
				return nil
			}

			if err := c.processMessage(ctx, record, handler, id); err != nil {
				if ctx.Err() != nil {
					// Shutting down; the record stays uncommitted.
					return nil
				}
				return fmt.Errorf("partition %d offset %d: %w", record.Partition, record.Offset, err)
			}
		}
	}
}

// processMessage runs one delivery attempt and settles the record. It returns
// an error, leaving the offset uncommitted, only when the record could not be
// handed on to the retry or DLQ topic.
func (c *Consumer) processMessage(ctx context.Context, record kafka.Message, handler service.Handler, workerID int) error {
	logger := c.logger.With(
		zap.String("topic", record.Topic),
		zap.Int("partition", record.Partition),
		zap.Int64("offset", record.Offset),
		zap.Int("worker_id", workerID),
	)

	msg, err := DecodeMessage(record)
	if err != nil {
		logger.Error("Undecodable record, dead-lettering", zap.Error(err))
		if dlqErr := c.sendRawToDLQ(ctx, record, err); dlqErr != nil {
			return dlqErr
		}
		c.commitMessage(record)
		return nil
	}

	logger = logger.With(
		zap.String("message_id", msg.MessageID),
		zap.String("id", msg.Headers[models.HeaderID]),
	)

	if c.dedupeStore.Exists(msg.MessageID) {
		logger.Info("Message already disposed, skipping")
		c.commitMessage(record)
		return nil
	}

	// The wire count is the number of attempts already made.
	msg.DeliveryCount++
	msg.Redelivered = msg.Redelivered || msg.DeliveryCount > 1

	decision, err := handler.Handle(ctx, msg)
	if err != nil {
		if decision.Outcome == 0 {
			logger.Error("Delivery attempt aborted without a decision", zap.Error(err))
			if c.onFault != nil {
				c.onFault(msg.Clone(), err)
			}
		} else {
			logger.Warn("Delivery attempt failed", zap.Error(err))
		}
	}

	if err == nil && decision.Outcome == models.Commit {
		c.metrics.IncCommitted()
		c.dedupeStore.Add(msg.MessageID)
		c.commitMessage(record)
		logger.Debug("Delivery committed")
		return nil
	}

	c.metrics.IncRedelivered()
	if c.maxRedeliveries >= 0 && msg.DeliveryCount > c.maxRedeliveries {
		if err := c.sendToDLQ(ctx, msg, record.Topic); err != nil {
			return err
		}
		c.dedupeStore.Add(msg.MessageID)
	} else if err := c.sendToRetry(ctx, msg, record.Topic); err != nil {
		return err
	}
	c.commitMessage(record)
	return nil
}

// commitMessage commits the message offset
func (c *Consumer) commitMessage(msg kafka.Message) {
	if err := c.reader.CommitMessages(context.Background(), msg); err != nil {
		c.logger.Error("Failed to commit message", zap.Error(err))
	}
}

// sendToRetry republishes the message to its topic as the next attempt
func (c *Consumer) sendToRetry(ctx context.Context, msg *models.Message, topic string) error {
	msg.Redelivered = true
	record := EncodeMessage(topic, msg)

	err := c.producer.Publish(ctx, topic, msg.MessageID, record.Value, headerMap(record.Headers))
	if err != nil {
		c.logger.Error("Failed to republish message for redelivery",
			zap.String("topic", topic),
			zap.Int("delivery_count", msg.DeliveryCount),
			zap.Error(err),
		)
		return err
	}
	c.logger.Debug("Message republished for redelivery",
		zap.String("topic", topic),
		zap.Int("delivery_count", msg.DeliveryCount),
		zap.Int("priority", msg.Priority),
	)
	return nil
}

// sendToDLQ sends message to dead letter queue
func (c *Consumer) sendToDLQ(ctx context.Context, msg *models.Message, topic string) error {
	dead := msg.Clone()
	dead.SetHeader(models.HeaderOriginalDestination, topic)
	dead.SetHeader(models.HeaderFailureReason, "max redeliveries exceeded")
	dead.SetHeader(models.HeaderDeadLetteredAt, time.Now().Format(time.RFC3339))
	dead.SetHeader(models.HeaderDeliveryCount, strconv.Itoa(msg.DeliveryCount))
	dead.Redelivered = false
	dead.DeliveryCount = 0

	record := EncodeMessage(c.dlqTopic, dead)
	if err := c.producer.Publish(ctx, c.dlqTopic, dead.MessageID, record.Value, headerMap(record.Headers)); err != nil {
		c.logger.Error("Failed to send message to DLQ",
			zap.String("topic", c.dlqTopic),
			zap.Error(err),
		)
		return err
	}
	c.metrics.IncDeadLettered()
	c.logger.Info("Message sent to DLQ", zap.String("topic", c.dlqTopic), zap.String("message_id", dead.MessageID))
	return nil
}

// sendRawToDLQ forwards a record that could not be decoded, untouched apart from failure metadata
func (c *Consumer) sendRawToDLQ(ctx context.Context, record kafka.Message, cause error) error {
	headers := headerMap(record.Headers)
	headers[models.HeaderOriginalDestination] = record.Topic
	headers[models.HeaderFailureReason] = cause.Error()
	headers[models.HeaderDeadLetteredAt] = time.Now().Format(time.RFC3339)

	if err := c.producer.Publish(ctx, c.dlqTopic, string(record.Key), record.Value, headers); err != nil {
		c.logger.Error("Failed to send record to DLQ", zap.String("topic", c.dlqTopic), zap.Error(err))
		return err
	}
	c.metrics.IncDeadLettered()
	return nil
}

// Close gracefully shuts down the consumer
func (c *Consumer) Close() error {
	c.logger.Info("Closing consumer")
	if s, ok := c.dedupeStore.(*InMemoryDedupeStore); ok {
		s.Close()
	}
	if err := c.reader.Close(); err != nil {
		return fmt.Errorf("failed to close consumer: %w", err)
	}
	return nil
}
