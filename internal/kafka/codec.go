package kafka

import (
	"fmt"
	"strconv"
	"time"

	"go-relay/pkg/models"

	kafka "github.com/segmentio/kafka-go"
)

// Broker metadata travels in record headers next to the application
// properties. The x- prefix keeps it apart from application headers.
const (
	wireMessageID     = "x-message-id"
	wireMessageType   = "x-message-type"
	wirePriority      = "x-priority"
	wireRedelivered   = "x-redelivered"
	wireDeliveryCount = "x-delivery-count"
)

var reservedHeaders = map[string]bool{
	wireMessageID:     true,
	wireMessageType:   true,
	wirePriority:      true,
	wireRedelivered:   true,
	wireDeliveryCount: true,
}

// EncodeMessage converts msg to a record bound for topic. The message id is the record key.
func EncodeMessage(topic string, msg *models.Message) kafka.Message {
	headers := make([]kafka.Header, 0, len(msg.Headers)+5)
	for k, v := range msg.Headers {
		if reservedHeaders[k] {
			continue
		}
		headers = append(headers, kafka.Header{Key: k, Value: []byte(v)})
	}

	msgType := msg.Type
	if msgType == "" {
		msgType = models.TypeText
	}
	headers = append(headers,
		kafka.Header{Key: wireMessageID, Value: []byte(msg.MessageID)},
		kafka.Header{Key: wireMessageType, Value: []byte(msgType)},
		kafka.Header{Key: wirePriority, Value: []byte(strconv.Itoa(msg.Priority))},
		kafka.Header{Key: wireRedelivered, Value: []byte(strconv.FormatBool(msg.Redelivered))},
		kafka.Header{Key: wireDeliveryCount, Value: []byte(strconv.Itoa(msg.DeliveryCount))},
	)

	ts := msg.Timestamp
	if ts.IsZero() {
		ts = time.Now()
	}
	return kafka.Message{
		Topic:   topic,
		Key:     []byte(msg.MessageID),
		Value:   msg.Body,
		Headers: headers,
		Time:    ts,
	}
}

// DecodeMessage converts a record back to the internal format. Missing
// broker metadata is defaulted; present but unparsable metadata is an error.
func DecodeMessage(record kafka.Message) (*models.Message, error) {
	msg := &models.Message{
		MessageID:   string(record.Key),
		Destination: record.Topic,
		Type:        models.TypeText,
		Body:        record.Value,
		Headers:     make(map[string]string),
		Priority:    models.DefaultPriority,
		Timestamp:   record.Time,
	}

	for _, h := range record.Headers {
		value := string(h.Value)
		switch h.Key {
		case wireMessageID:
			if value != "" {
				msg.MessageID = value
			}
		case wireMessageType:
			msg.Type = models.MessageType(value)
		case wirePriority:
			p, err := strconv.Atoi(value)
			if err != nil {
				return nil, fmt.Errorf("decode %s: %w", h.Key, err)
			}
			msg.Priority = models.ClampPriority(p)
		case wireRedelivered:
			b, err := strconv.ParseBool(value)
			if err != nil {
				return nil, fmt.Errorf("decode %s: %w", h.Key, err)
			}
			msg.Redelivered = b
		case wireDeliveryCount:
			n, err := strconv.Atoi(value)
			if err != nil {
				return nil, fmt.Errorf("decode %s: %w", h.Key, err)
			}
			msg.DeliveryCount = n
		default:
			msg.Headers[h.Key] = value
		}
	}
	return msg, nil
}

func headerMap(headers []kafka.Header) map[string]string {
	out := make(map[string]string, len(headers))
	for _, h := range headers {
		out[h.Key] = string(h.Value)
	}
	return out
}

func toHeaders(m map[string]string) []kafka.Header {
	if m == nil {
		return nil
	}
	headers := make([]kafka.Header, 0, len(m))
	for k, v := range m {
		headers = append(headers, kafka.Header{Key: k, Value: []byte(v)})
	}
	return headers
}
