package observability

import (
	"io"
	"strings"

	"go-relay/pkg/models"

	"github.com/sirupsen/logrus"
)

var logger *logrus.Logger

func init() {
	logger = logrus.New()
	logger.SetFormatter(&logrus.JSONFormatter{})
	logger.SetLevel(logrus.InfoLevel)
}

// InitLogger applies level and format ("json" or "text"). Unknown values fall back to info/json.
func InitLogger(level, format string) {
	lvl, err := logrus.ParseLevel(level)
	if err != nil {
		lvl = logrus.InfoLevel
	}
	logger.SetLevel(lvl)

	if strings.EqualFold(format, "text") {
		logger.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	} else {
		logger.SetFormatter(&logrus.JSONFormatter{})
	}
}

// SetOutput redirects the shared logger, mostly for tests.
func SetOutput(w io.Writer) {
	logger.SetOutput(w)
}

func GetLogger() *logrus.Logger {
	return logger
}

func WithField(key string, value interface{}) *logrus.Entry {
	return logger.WithField(key, value)
}

func WithFields(fields logrus.Fields) *logrus.Entry {
	return logger.WithFields(fields)
}

// MessageFields is the standard set of fields logged for one delivery attempt.
func MessageFields(msg *models.Message) logrus.Fields {
	return logrus.Fields{
		"message_id":     msg.MessageID,
		"destination":    msg.Destination,
		"id":             msg.Headers[models.HeaderID],
		"priority":       msg.Priority,
		"redelivered":    msg.Redelivered,
		"delivery_count": msg.DeliveryCount,
	}
}
