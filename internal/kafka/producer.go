package kafka

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"go-relay/internal/observability"

	kafka "github.com/segmentio/kafka-go"
	"go.uber.org/zap"
)

// ProducerClient defines the interface for Kafka producer operations
type ProducerClient interface {
	Publish(ctx context.Context, topic, key string, value []byte, headers map[string]string) error
	Close() error
}

// messageWriter is the part of *kafka.Writer the producer uses
type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// Producer implements ProducerClient with delivery guarantees and retry logic
type Producer struct {
	writer      messageWriter
	logger      *zap.Logger
	metrics     observability.MetricsCollector
	maxRetries  int
	baseBackoff time.Duration
	maxBackoff  time.Duration
}

type ProducerConfig struct {
	Brokers     []string
	Acks        int // -1 for all, 0 for none, 1 for leader
	Retries     int
	Idempotent  bool
	MaxRetries  int
	BaseBackoff time.Duration
	MaxBackoff  time.Duration
	Metrics     observability.MetricsCollector
	Logger      *zap.Logger
}

func (c *ProducerConfig) Validate() error {
	if len(c.Brokers) == 0 {
		return errors.New("brokers cannot be empty")
	}
	if c.Acks < -1 || c.Acks > 1 {
		return errors.New("acks must be -1, 0 or 1")
	}
	if c.Retries < 0 || c.MaxRetries < 0 {
		return errors.New("retries cannot be negative")
	}
	if c.BaseBackoff < 0 || c.MaxBackoff < 0 {
		return errors.New("backoff cannot be negative")
	}
	return nil
}

func NewProducer(cfg ProducerConfig) (*Producer, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid producer config: %w", err)
	}

	// Configure writer with delivery guarantees
	writer := &kafka.Writer{
		Addr:                   kafka.TCP(cfg.Brokers...),
		Balancer:               &kafka.Hash{},
		RequiredAcks:           kafka.RequiredAcks(cfg.Acks),
		MaxAttempts:            cfg.Retries,
		WriteTimeout:           10 * time.Second,
		ReadTimeout:            10 * time.Second,
		AllowAutoTopicCreation: false,
		Async:                  false, // a send is only reported once the broker has it
	}

	if cfg.Idempotent {
		writer.RequiredAcks = kafka.RequireAll
		writer.MaxAttempts = 10
	}

	return newProducer(writer, cfg), nil
}

func newProducer(w messageWriter, cfg ProducerConfig) *Producer {
	if cfg.Metrics == nil {
		cfg.Metrics = observability.NewInMemoryMetrics()
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	if cfg.BaseBackoff == 0 {
		cfg.BaseBackoff = 100 * time.Millisecond
	}
	if cfg.MaxBackoff == 0 {
		cfg.MaxBackoff = 5 * time.Second
	}
	if cfg.MaxRetries == 0 {
		cfg.MaxRetries = 3
	}

	return &Producer{
		writer:      w,
		logger:      cfg.Logger,
		metrics:     cfg.Metrics,
		maxRetries:  cfg.MaxRetries,
		baseBackoff: cfg.BaseBackoff,
		maxBackoff:  cfg.MaxBackoff,
	}
}

// Publish sends a record to Kafka, retrying with exponential backoff
func (p *Producer) Publish(ctx context.Context, topic, key string, value []byte, headers map[string]string) error {
	msg := kafka.Message{
		Topic:   topic,
		Key:     []byte(key),
		Value:   value,
		Headers: toHeaders(headers),
		Time:    time.Now(),
	}

	var lastErr error
	for attempt := 0; attempt <= p.maxRetries; attempt++ {
		if attempt > 0 {
			backoff := p.backoff(attempt)

			p.logger.Info("Retrying message publish",
				zap.Int("attempt", attempt),
				zap.String("topic", topic),
				zap.String("key", key),
				zap.Duration("backoff", backoff),
			)

			select {
			case <-ctx.Done():
				p.metrics.IncSendFailed()
				return ctx.Err()
			case <-time.After(backoff):
			}
		}

		err := p.writer.WriteMessages(ctx, msg)
		if err == nil {
			p.metrics.IncSent()
			p.logger.Debug("Message published",
				zap.String("topic", topic),
				zap.String("key", key),
				zap.Int("attempt", attempt+1),
			)
			return nil
		}

		lastErr = err
		p.logger.Warn("Failed to publish message",
			zap.String("topic", topic),
			zap.String("key", key),
			zap.Int("attempt", attempt+1),
			zap.Error(err),
		)

		if ctx.Err() != nil {
			p.metrics.IncSendFailed()
			return ctx.Err()
		}
	}

	p.metrics.IncSendFailed()
	return fmt.Errorf("failed to publish message after %d attempts: %w", p.maxRetries+1, lastErr)
}

func (p *Producer) backoff(attempt int) time.Duration {
	return time.Duration(math.Min(
		float64(p.baseBackoff)*math.Pow(2, float64(attempt-1)),
		float64(p.maxBackoff),
	))
}

// Close gracefully shuts down the producer
func (p *Producer) Close() error {
	p.logger.Info("Closing producer")
	if err := p.writer.Close(); err != nil {
		return fmt.Errorf("failed to close producer: %w", err)
	}
	return nil
}
