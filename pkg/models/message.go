package models

import (
	"fmt"
	"strconv"
	"time"
)

// MessageType mirrors the body kinds a broker can carry
type MessageType string

const (
	TypeText   MessageType = "text"
	TypeBytes  MessageType = "bytes"
	TypeMap    MessageType = "map"
	TypeObject MessageType = "object"
)

// Priority bounds. DefaultPriority is what a sender gets when it does not set one.
const (
	MinPriority     = 0
	MaxPriority     = 9
	DefaultPriority = 4
)

// Message represents a message in the system
type Message struct {
	MessageID     string            `json:"message_id"`
	Destination   string            `json:"destination"`
	Type          MessageType       `json:"type"`
	Body          []byte            `json:"body"`
	Headers       map[string]string `json:"headers"`
	Priority      int               `json:"priority"`
	Redelivered   bool              `json:"redelivered"`
	DeliveryCount int               `json:"delivery_count"`
	Timestamp     time.Time         `json:"timestamp"`
}

// MessageHeader constants
const (
	HeaderID                  = "id"
	HeaderSleepTime           = "sleeptime"
	HeaderReplyID             = "replyId"
	HeaderDeliveryCount       = "delivery-count"
	HeaderOriginalDestination = "original-destination"
	HeaderFailureReason       = "failure-reason"
	HeaderDeadLetteredAt      = "dead-lettered-at"
)

// NewTextMessage builds a text message carrying the given sequence id.
func NewTextMessage(id int64, text string) *Message {
	return &Message{
		Type:     TypeText,
		Body:     []byte(text),
		Priority: DefaultPriority,
		Headers: map[string]string{
			HeaderID: strconv.FormatInt(id, 10),
		},
	}
}

func (m *Message) Text() string {
	return string(m.Body)
}

func (m *Message) IsText() bool {
	return m.Type == TypeText
}

// SetHeader lazily allocates the header map.
func (m *Message) SetHeader(key, value string) {
	if m.Headers == nil {
		m.Headers = make(map[string]string)
	}
	m.Headers[key] = value
}

// IntHeader parses a numeric application property. ok is false when the
// header is absent; err is set when it is present but not an integer.
func (m *Message) IntHeader(name string) (value int64, ok bool, err error) {
	raw, ok := m.Headers[name]
	if !ok {
		return 0, false, nil
	}
	value, err = strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return 0, true, fmt.Errorf("header %q: %w", name, err)
	}
	return value, true, nil
}

// SleepTime is the simulated processing delay carried by the message.
func (m *Message) SleepTime() time.Duration {
	ms, ok, err := m.IntHeader(HeaderSleepTime)
	if !ok || err != nil || ms <= 0 {
		return 0
	}
	return time.Duration(ms) * time.Millisecond
}

// Clone returns a deep copy so brokers never share header maps between deliveries.
func (m *Message) Clone() *Message {
	c := *m
	if m.Body != nil {
		c.Body = append([]byte(nil), m.Body...)
	}
	if m.Headers != nil {
		c.Headers = make(map[string]string, len(m.Headers))
		for k, v := range m.Headers {
			c.Headers[k] = v
		}
	}
	return &c
}

// ClampPriority keeps p inside [MinPriority, MaxPriority].
func ClampPriority(p int) int {
	if p < MinPriority {
		return MinPriority
	}
	if p > MaxPriority {
		return MaxPriority
	}
	return p
}
