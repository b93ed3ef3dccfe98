package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go-relay/internal/broker"
	"go-relay/internal/config"
	"go-relay/internal/kafka"
	"go-relay/internal/observability"
	"go-relay/internal/service"
	"go-relay/pkg/models"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"golang.org/x/sync/errgroup"
)

// runtime is a started relay: something to run until ctx ends and a health check.
type runtime struct {
	run    func(ctx context.Context) error
	health observability.HealthFunc
	close  func() error
}

func newServeCmd(root *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the relay consumer with metrics and health endpoints",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := root.loadConfig()
			if err != nil {
				return err
			}
			policy, err := service.LookupPolicy(cfg.Relay.Policy)
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			metrics := observability.NewPrometheusMetrics(cfg.Metrics.Namespace)

			var rt *runtime
			switch cfg.Broker.Kind {
			case config.BrokerKafka:
				rt, err = newKafkaRuntime(ctx, cfg, policy, metrics)
			default:
				rt, err = newMemoryRuntime(cfg, policy, metrics)
			}
			if err != nil {
				return err
			}
			defer func() {
				if err := rt.close(); err != nil {
					logrus.WithError(err).Warn("Shutdown was not clean")
				}
			}()

			observability.WithFields(logrus.Fields{
				"broker":           cfg.Broker.Kind,
				"queue":            cfg.Relay.ClientQueue,
				"reply_to":         cfg.Relay.ReplyQueue,
				"dlq":              cfg.Relay.DeadLetterQueue,
				"policy":           policy.Name,
				"max_redeliveries": cfg.Relay.MaxRedeliveries,
			}).Info("Relay starting")

			g, gctx := errgroup.WithContext(ctx)
			g.Go(func() error {
				return observability.Serve(gctx, cfg.Metrics.Addr, observability.NewRouter(metrics.Registry(), rt.health))
			})
			g.Go(func() error {
				return rt.run(gctx)
			})
			err = g.Wait()

			observability.GetLogger().Info("Relay stopped")
			if errors.Is(err, context.Canceled) {
				return nil
			}
			return err
		},
	}
}

func logFault(msg *models.Message, err error) {
	observability.WithFields(observability.MessageFields(msg)).WithError(err).Error("Relay policy fault")
}

func newMemoryRuntime(cfg *config.Config, policy service.Policy, metrics observability.MetricsCollector) (*runtime, error) {
	b := broker.NewMemory(broker.Config{
		MaxRedeliveries: cfg.Relay.MaxRedeliveries,
		DeadLetterQueue: cfg.Relay.DeadLetterQueue,
	})
	relay, err := service.NewRelay(b, service.RelayConfig{
		ReplyTo: cfg.Relay.ReplyQueue,
		Policy:  policy,
		Metrics: metrics,
	})
	if err != nil {
		return nil, err
	}
	consumer, err := broker.NewConsumer(b, relay, broker.ConsumerConfig{
		Queue:   cfg.Relay.ClientQueue,
		Workers: cfg.Relay.Workers,
		Metrics: metrics,
		OnFault: logFault,
	})
	if err != nil {
		return nil, err
	}
	return &runtime{run: consumer.Start, health: b.HealthCheck, close: b.Close}, nil
}

func newZapLogger(level string) (*zap.Logger, error) {
	zcfg := zap.NewProductionConfig()
	lvl, err := zapcore.ParseLevel(level)
	if err != nil {
		lvl = zapcore.InfoLevel
	}
	zcfg.Level = zap.NewAtomicLevelAt(lvl)
	return zcfg.Build()
}

// newKafkaStack builds the producer and broker shared by serve and send.
func newKafkaStack(cfg *config.Config, metrics observability.MetricsCollector, logger *zap.Logger) (*kafka.KafkaClient, *kafka.Producer, *kafka.Broker, error) {
	client := kafka.NewKafkaClient(cfg.Kafka.Brokers, 5)
	producer, err := kafka.NewProducer(kafka.ProducerConfig{
		Brokers:    cfg.Kafka.Brokers,
		Acks:       cfg.Kafka.Acks,
		Retries:    cfg.Kafka.Retries,
		Idempotent: cfg.Kafka.Idempotent,
		Metrics:    metrics,
		Logger:     logger.Named("producer"),
	})
	if err != nil {
		return nil, nil, nil, err
	}
	b, err := kafka.NewBroker(kafka.BrokerConfig{
		Brokers: cfg.Kafka.Brokers,
		GroupID: cfg.Kafka.GroupID + "-driver",
		Logger:  logger.Named("broker"),
	}, producer, client)
	if err != nil {
		producer.Close()
		return nil, nil, nil, err
	}
	return client, producer, b, nil
}

func newKafkaRuntime(ctx context.Context, cfg *config.Config, policy service.Policy, metrics observability.MetricsCollector) (*runtime, error) {
	logger, err := newZapLogger(cfg.Logging.Level)
	if err != nil {
		return nil, fmt.Errorf("build kafka logger: %w", err)
	}

	client, producer, b, err := newKafkaStack(cfg, metrics, logger)
	if err != nil {
		return nil, err
	}

	topics := []string{cfg.Relay.ClientQueue, cfg.Relay.ReplyQueue, cfg.Relay.DeadLetterQueue}
	if err := client.EnsureTopics(ctx, topics, cfg.Kafka.Partitions); err != nil {
		observability.GetLogger().WithError(err).Warn("Could not ensure topics, relying on broker auto-creation")
	}

	relay, err := service.NewRelay(b, service.RelayConfig{
		ReplyTo: cfg.Relay.ReplyQueue,
		Policy:  policy,
		Metrics: metrics,
	})
	if err != nil {
		b.Close()
		return nil, err
	}

	consumer, err := kafka.NewConsumer(kafka.ConsumerConfig{
		Brokers:         cfg.Kafka.Brokers,
		Topic:           cfg.Relay.ClientQueue,
		GroupID:         cfg.Kafka.GroupID,
		Workers:         cfg.Relay.Workers,
		MaxRedeliveries: cfg.Relay.MaxRedeliveries,
		FetchMinBytes:   cfg.Kafka.FetchMinBytes,
		FetchMaxBytes:   cfg.Kafka.FetchMaxBytes,
		DLQTopic:        cfg.Relay.DeadLetterQueue,
		Metrics:         metrics,
		Logger:          logger.Named("consumer"),
		OnFault:         logFault,
	}, producer)
	if err != nil {
		b.Close()
		return nil, err
	}

	run := func(ctx context.Context) error {
		go client.HealthCheckLoop(ctx, 30*time.Second, nil)
		return consumer.Start(ctx, relay)
	}
	closeAll := func() error {
		defer logger.Sync()
		return errors.Join(consumer.Close(), b.Close())
	}
	return &runtime{run: run, health: b.HealthCheck, close: closeAll}, nil
}
