package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"

	"go-relay/internal/service"

	"github.com/joho/godotenv"
	"github.com/sirupsen/logrus"
)

const (
	BrokerMemory = "memory"
	BrokerKafka  = "kafka"
)

type Config struct {
	Broker  BrokerConfig
	Kafka   KafkaConfig
	Logging LoggingConfig
	Relay   RelayConfig
	Metrics MetricsConfig
}

type BrokerConfig struct {
	// Kind selects the transport: memory or kafka.
	Kind string
}

type KafkaConfig struct {
	Brokers       []string
	GroupID       string
	Acks          int
	Retries       int
	Idempotent    bool
	FetchMinBytes int
	FetchMaxBytes int
	Partitions    int
}

type LoggingConfig struct {
	Level  string
	Format string
}

type RelayConfig struct {
	ClientQueue     string
	ReplyQueue      string
	DeadLetterQueue string
	Workers         int
	MaxRedeliveries int
	Policy          string
}

type MetricsConfig struct {
	Addr      string
	Namespace string
}

// Load reads configuration from the environment, after applying any .env
// files given (or ./.env when none are). A missing .env file is not an error.
func Load(files ...string) (*Config, error) {
	if err := godotenv.Load(files...); err != nil {
		logrus.WithError(err).Warn(".env file not loaded, using environment only")
	}

	cfg := &Config{
		Broker: BrokerConfig{
			Kind: strings.ToLower(getEnv("RELAY_BROKER", BrokerMemory)),
		},
		Kafka: KafkaConfig{
			Brokers:       parseBrokers(getEnv("KAFKA_BROKERS", "localhost:9092")),
			GroupID:       getEnv("KAFKA_GROUP_ID", "relay-group"),
			Acks:          parseAcks(getEnv("KAFKA_PRODUCER_ACKS", "all")),
			Retries:       getEnvInt("KAFKA_PRODUCER_RETRIES", 3),
			Idempotent:    getEnvBool("KAFKA_PRODUCER_IDEMPOTENT", true),
			FetchMinBytes: getEnvInt("KAFKA_CONSUMER_FETCH_MIN_BYTES", 1),
			FetchMaxBytes: getEnvInt("KAFKA_CONSUMER_FETCH_MAX_BYTES", 10485760),
			Partitions:    getEnvInt("KAFKA_TOPIC_PARTITIONS", 1),
		},
		Logging: LoggingConfig{
			Level:  getEnv("LOG_LEVEL", "info"),
			Format: getEnv("LOG_FORMAT", "json"),
		},
		Relay: RelayConfig{
			ClientQueue:     getEnv("RELAY_CLIENT_QUEUE", "client"),
			ReplyQueue:      getEnv("RELAY_REPLY_QUEUE", "outbound"),
			DeadLetterQueue: getEnv("RELAY_DLQ", "DLQ"),
			Workers:         getEnvInt("RELAY_WORKERS", 5),
			MaxRedeliveries: getEnvInt("RELAY_MAX_REDELIVERIES", 3),
			Policy:          getEnv("RELAY_POLICY", service.PolicyQueueRedelivery),
		},
		Metrics: MetricsConfig{
			Addr:      getEnv("METRICS_ADDR", ":9090"),
			Namespace: getEnv("METRICS_NAMESPACE", "relay"),
		},
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

func (c *Config) Validate() error {
	var errs []error

	switch c.Broker.Kind {
	case BrokerMemory:
	case BrokerKafka:
		if len(c.Kafka.Brokers) == 0 {
			errs = append(errs, errors.New("KAFKA_BROKERS cannot be empty"))
		}
		if c.Kafka.GroupID == "" {
			errs = append(errs, errors.New("KAFKA_GROUP_ID cannot be empty"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown broker %q", c.Broker.Kind))
	}

	if _, err := logrus.ParseLevel(c.Logging.Level); err != nil {
		errs = append(errs, err)
	}
	if c.Logging.Format != "json" && c.Logging.Format != "text" {
		errs = append(errs, fmt.Errorf("unknown log format %q", c.Logging.Format))
	}

	if c.Relay.ClientQueue == "" || c.Relay.ReplyQueue == "" || c.Relay.DeadLetterQueue == "" {
		errs = append(errs, errors.New("relay queue names cannot be empty"))
	}
	if c.Relay.ClientQueue == c.Relay.ReplyQueue {
		errs = append(errs, errors.New("reply queue must differ from client queue"))
	}
	if c.Relay.ClientQueue == c.Relay.DeadLetterQueue {
		errs = append(errs, errors.New("dead letter queue must differ from client queue"))
	}
	if c.Relay.Workers <= 0 {
		errs = append(errs, errors.New("RELAY_WORKERS must be positive"))
	}
	if _, err := service.LookupPolicy(c.Relay.Policy); err != nil {
		errs = append(errs, err)
	}

	return errors.Join(errs...)
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if boolValue, err := strconv.ParseBool(value); err == nil {
			return boolValue
		}
	}
	return defaultValue
}

func parseBrokers(brokers string) []string {
	parts := strings.Split(brokers, ",")
	result := make([]string, 0, len(parts))
	for _, broker := range parts {
		if trimmed := strings.TrimSpace(broker); trimmed != "" {
			result = append(result, trimmed)
		}
	}
	return result
}

func parseAcks(acks string) int {
	switch strings.ToLower(acks) {
	case "all", "-1":
		return -1
	case "0":
		return 0
	case "1":
		return 1
	default:
		return -1
	}
}
