package kafka

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go-relay/pkg/models"

	"github.com/google/uuid"
	kafka "github.com/segmentio/kafka-go"
	"go.uber.org/zap"
)

// ErrNoMessage is returned by Receive when nothing arrived before the timeout.
var ErrNoMessage = errors.New("no message available")

type readerFactory func(topic string) messageReader

// Broker exposes topics as destinations with the same Send/Receive surface
// as the in-memory broker, so the relay and stress drivers can run on either.
type Broker struct {
	producer  ProducerClient
	client    *KafkaClient
	newReader readerFactory
	logger    *zap.Logger

	mu      sync.Mutex
	readers map[string]messageReader
	closed  bool
}

type BrokerConfig struct {
	Brokers []string
	// GroupID is the consumer group Receive reads with.
	GroupID string
	Logger  *zap.Logger
}

func NewBroker(cfg BrokerConfig, producer ProducerClient, client *KafkaClient) (*Broker, error) {
	if len(cfg.Brokers) == 0 {
		return nil, errors.New("brokers cannot be empty")
	}
	if cfg.GroupID == "" {
		return nil, errors.New("groupID cannot be empty")
	}
	factory := func(topic string) messageReader {
		return kafka.NewReader(kafka.ReaderConfig{
			Brokers:        cfg.Brokers,
			Topic:          topic,
			GroupID:        cfg.GroupID,
			CommitInterval: 0,
			StartOffset:    kafka.FirstOffset,
		})
	}
	return newBroker(producer, client, factory, cfg.Logger), nil
}

func newBroker(producer ProducerClient, client *KafkaClient, factory readerFactory, logger *zap.Logger) *Broker {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Broker{
		producer:  producer,
		client:    client,
		newReader: factory,
		logger:    logger,
		readers:   make(map[string]messageReader),
	}
}

// Send publishes msg to the destination topic as a first delivery.
// The caller's message is not modified.
func (b *Broker) Send(ctx context.Context, destination string, msg *models.Message) error {
	if destination == "" {
		return errors.New("destination cannot be empty")
	}
	out := msg.Clone()
	if out.MessageID == "" {
		out.MessageID = uuid.New().String()
	}
	if out.Type == "" {
		out.Type = models.TypeText
	}
	out.Destination = destination
	out.Priority = models.ClampPriority(out.Priority)
	out.Redelivered = false
	out.DeliveryCount = 0
	out.Timestamp = time.Now()

	record := EncodeMessage(destination, out)
	if err := b.producer.Publish(ctx, destination, out.MessageID, record.Value, headerMap(record.Headers)); err != nil {
		return fmt.Errorf("send to %s: %w", destination, err)
	}
	return nil
}

// Receive reads and commits one record from topic, waiting at most timeout.
func (b *Broker) Receive(ctx context.Context, topic string, timeout time.Duration) (*models.Message, error) {
	reader, err := b.reader(topic)
	if err != nil {
		return nil, err
	}

	fetchCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	record, err := reader.FetchMessage(fetchCtx)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil {
			return nil, ErrNoMessage
		}
		return nil, fmt.Errorf("receive from %s: %w", topic, err)
	}

	if err := reader.CommitMessages(ctx, record); err != nil {
		b.logger.Error("Failed to commit received record", zap.String("topic", topic), zap.Error(err))
	}

	msg, err := DecodeMessage(record)
	if err != nil {
		return nil, fmt.Errorf("receive from %s: %w", topic, err)
	}
	return msg, nil
}

func (b *Broker) reader(topic string) (messageReader, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, errors.New("broker closed")
	}
	r, ok := b.readers[topic]
	if !ok {
		r = b.newReader(topic)
		b.readers[topic] = r
	}
	return r, nil
}

// HealthCheck reports whether the cluster is reachable.
func (b *Broker) HealthCheck(ctx context.Context) error {
	if b.client == nil {
		return nil
	}
	return b.client.HealthCheck(ctx)
}

// Close shuts down every reader opened by Receive and the producer.
func (b *Broker) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	readers := b.readers
	b.readers = nil
	b.mu.Unlock()

	var errs []error
	for topic, r := range readers {
		if err := r.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close reader %s: %w", topic, err))
		}
	}
	if err := b.producer.Close(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}
