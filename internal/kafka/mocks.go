package kafka

import (
	"context"
	"fmt"
	"io"
	"sync"

	kafka "github.com/segmentio/kafka-go"
)

// MockProducer is a mock implementation of ProducerClient for testing
type MockProducer struct {
	mu                sync.RWMutex
	PublishedMessages []PublishedMessage
	PublishFunc       func(ctx context.Context, topic, key string, value []byte, headers map[string]string) error
	CloseFunc         func() error
	FailCount         int
	failureCounter    int
}

type PublishedMessage struct {
	Topic   string
	Key     string
	Value   []byte
	Headers map[string]string
}

// Record rebuilds the kafka record a real writer would have produced.
func (p PublishedMessage) Record() kafka.Message {
	return kafka.Message{
		Topic:   p.Topic,
		Key:     []byte(p.Key),
		Value:   p.Value,
		Headers: toHeaders(p.Headers),
	}
}

func NewMockProducer() *MockProducer {
	return &MockProducer{
		PublishedMessages: make([]PublishedMessage, 0),
	}
}

func (m *MockProducer) Publish(ctx context.Context, topic, key string, value []byte, headers map[string]string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.PublishFunc != nil {
		if err := m.PublishFunc(ctx, topic, key, value, headers); err != nil {
			return err
		}
	}

	if m.FailCount > 0 {
		m.failureCounter++
		if m.failureCounter <= m.FailCount {
			return fmt.Errorf("simulated publish failure %d", m.failureCounter)
		}
	}

	copied := make(map[string]string, len(headers))
	for k, v := range headers {
		copied[k] = v
	}
	m.PublishedMessages = append(m.PublishedMessages, PublishedMessage{
		Topic:   topic,
		Key:     key,
		Value:   value,
		Headers: copied,
	})
	return nil
}

func (m *MockProducer) Close() error {
	if m.CloseFunc != nil {
		return m.CloseFunc()
	}
	return nil
}

func (m *MockProducer) GetPublishedMessages() []PublishedMessage {
	m.mu.RLock()
	defer m.mu.RUnlock()

	messages := make([]PublishedMessage, len(m.PublishedMessages))
	copy(messages, m.PublishedMessages)
	return messages
}

// PublishedTo returns the records published to topic, in order.
func (m *MockProducer) PublishedTo(topic string) []PublishedMessage {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []PublishedMessage
	for _, p := range m.PublishedMessages {
		if p.Topic == topic {
			out = append(out, p)
		}
	}
	return out
}

func (m *MockProducer) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.PublishedMessages = make([]PublishedMessage, 0)
	m.failureCounter = 0
}

// MockDedupeStore is a mock implementation of DedupeStore for testing
type MockDedupeStore struct {
	mu          sync.RWMutex
	ExistsFunc  func(messageID string) bool
	AddFunc     func(messageID string) error
	existingIDs map[string]bool
}

func NewMockDedupeStore() *MockDedupeStore {
	return &MockDedupeStore{
		existingIDs: make(map[string]bool),
	}
}

func (m *MockDedupeStore) Exists(messageID string) bool {
	if m.ExistsFunc != nil {
		return m.ExistsFunc(messageID)
	}

	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.existingIDs[messageID]
}

func (m *MockDedupeStore) Add(messageID string) error {
	if m.AddFunc != nil {
		return m.AddFunc(messageID)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.existingIDs[messageID] = true
	return nil
}

func (m *MockDedupeStore) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.existingIDs = make(map[string]bool)
}

// MockReader feeds queued records to a consumer and tracks commits.
// FetchMessage blocks until a record is pushed, the context ends or the reader is closed.
type MockReader struct {
	mu        sync.Mutex
	records   []kafka.Message
	committed []kafka.Message
	notify    chan struct{}
	closed    bool
	offset    int64
}

func NewMockReader(records ...kafka.Message) *MockReader {
	r := &MockReader{notify: make(chan struct{})}
	r.Push(records...)
	return r
}

// Push appends records, assigning increasing offsets.
func (r *MockReader) Push(records ...kafka.Message) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, rec := range records {
		rec.Offset = r.offset
		r.offset++
		r.records = append(r.records, rec)
	}
	close(r.notify)
	r.notify = make(chan struct{})
}

func (r *MockReader) FetchMessage(ctx context.Context) (kafka.Message, error) {
	for {
		r.mu.Lock()
		if r.closed {
			r.mu.Unlock()
			return kafka.Message{}, io.EOF
		}
		if len(r.records) > 0 {
			rec := r.records[0]
			r.records = r.records[1:]
			r.mu.Unlock()
			return rec, nil
		}
		wait := r.notify
		r.mu.Unlock()

		select {
		case <-ctx.Done():
			return kafka.Message{}, ctx.Err()
		case <-wait:
		}
	}
}

func (r *MockReader) CommitMessages(ctx context.Context, msgs ...kafka.Message) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.committed = append(r.committed, msgs...)
	return nil
}

func (r *MockReader) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.closed {
		r.closed = true
		close(r.notify)
		r.notify = make(chan struct{})
	}
	return nil
}

// Committed returns the records committed so far.
func (r *MockReader) Committed() []kafka.Message {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]kafka.Message, len(r.committed))
	copy(out, r.committed)
	return out
}
