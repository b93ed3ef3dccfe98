package broker

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"go-relay/internal/observability"
	"go-relay/internal/service"
	"go-relay/pkg/models"

	"github.com/sirupsen/logrus"
)

// Source is the broker side a Consumer drives: fetch an attempt, then settle it.
type Source interface {
	Fetch(ctx context.Context, queue string) (*Delivery, error)
	Ack(d *Delivery) error
	Redeliver(d *Delivery) (deadLettered bool, err error)
}

// FaultFunc is called when a handler aborts an attempt without a decision.
type FaultFunc func(msg *models.Message, err error)

type ConsumerConfig struct {
	Queue   string
	Workers int
	Metrics observability.MetricsCollector
	Logger  *logrus.Logger
	OnFault FaultFunc
}

// Consumer dispatches deliveries from one queue to a handler with a pool of
// workers. A message is in flight on at most one worker at a time; different
// messages are handled concurrently.
type Consumer struct {
	source  Source
	handler service.Handler
	queue   string
	workers int
	metrics observability.MetricsCollector
	logger  *logrus.Logger
	onFault FaultFunc
	wg      sync.WaitGroup
}

func NewConsumer(source Source, handler service.Handler, cfg ConsumerConfig) (*Consumer, error) {
	if cfg.Queue == "" {
		return nil, errors.New("consumer: queue is required")
	}
	if cfg.Workers <= 0 {
		cfg.Workers = 5
	}
	if cfg.Metrics == nil {
		cfg.Metrics = observability.NewInMemoryMetrics()
	}
	if cfg.Logger == nil {
		cfg.Logger = observability.GetLogger()
	}

	return &Consumer{
		source:  source,
		handler: handler,
		queue:   cfg.Queue,
		workers: cfg.Workers,
		metrics: cfg.Metrics,
		logger:  cfg.Logger,
		onFault: cfg.OnFault,
	}, nil
}

// Start runs the worker pool until ctx is cancelled or the source closes.
func (c *Consumer) Start(ctx context.Context) error {
	c.logger.WithFields(logrus.Fields{
		"queue":   c.queue,
		"workers": c.workers,
	}).Info("Starting consumer")

	errCh := make(chan error, c.workers)
	for i := 0; i < c.workers; i++ {
		c.wg.Add(1)
		go c.worker(ctx, i, errCh)
	}
	c.wg.Wait()
	close(errCh)

	for err := range errCh {
		if err != nil {
			return err
		}
	}
	return nil
}

func (c *Consumer) worker(ctx context.Context, id int, errCh chan<- error) {
	defer c.wg.Done()
	c.logger.WithField("worker_id", id).Debug("Worker started")

	for {
		d, err := c.source.Fetch(ctx, c.queue)
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				c.logger.WithField("worker_id", id).Debug("Worker stopping due to context cancellation")
				return
			}
			if errors.Is(err, ErrClosed) {
				c.logger.WithField("worker_id", id).Debug("Worker stopping - broker closed")
				return
			}
			errCh <- fmt.Errorf("consumer %s: fetch: %w", c.queue, err)
			return
		}

		c.metrics.IncReceived()
		c.processDelivery(ctx, d, id)
	}
}

// processDelivery runs the handler on one attempt and settles it
func (c *Consumer) processDelivery(ctx context.Context, d *Delivery, workerID int) {
	msg := d.Message
	entry := c.logger.WithFields(observability.MessageFields(msg)).WithField("worker_id", workerID)

	decision, err := c.handler.Handle(ctx, msg)
	if err != nil {
		if decision.Outcome == 0 {
			entry.WithError(err).Error("Delivery attempt aborted without a decision")
			if c.onFault != nil {
				c.onFault(msg.Clone(), err)
			}
		} else {
			entry.WithError(err).Warn("Delivery attempt failed")
		}
	}

	if err == nil && decision.Outcome == models.Commit {
		if ackErr := c.source.Ack(d); ackErr != nil {
			entry.WithError(ackErr).Error("Failed to acknowledge delivery")
			return
		}
		c.metrics.IncCommitted()
		entry.Debug("Delivery committed")
		return
	}

	dead, rdErr := c.source.Redeliver(d)
	if errors.Is(rdErr, ErrDiscarded) {
		c.metrics.IncRedelivered()
		entry.WithError(rdErr).Error("Message discarded")
		return
	}
	if rdErr != nil {
		entry.WithError(rdErr).Error("Failed to redeliver message")
		return
	}
	c.metrics.IncRedelivered()
	if dead {
		c.metrics.IncDeadLettered()
		entry.Info("Message moved to dead-letter queue")
	}
}
