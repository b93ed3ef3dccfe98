package broker

import (
	"context"
	"fmt"
	"sync"

	"go-relay/pkg/models"
)

// MockSender is a recording service.Sender for testing
type MockSender struct {
	mu           sync.RWMutex
	SentMessages []SentMessage
	SendFunc     func(ctx context.Context, destination string, msg *models.Message) error
	FailCount    int
	failures     int
}

type SentMessage struct {
	Destination string
	Message     *models.Message
}

func NewMockSender() *MockSender {
	return &MockSender{
		SentMessages: make([]SentMessage, 0),
	}
}

func (m *MockSender) Send(ctx context.Context, destination string, msg *models.Message) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.SendFunc != nil {
		if err := m.SendFunc(ctx, destination, msg); err != nil {
			return err
		}
	}

	// Simulate failures for testing redelivery on transport faults
	if m.FailCount > 0 && m.failures < m.FailCount {
		m.failures++
		return fmt.Errorf("simulated send failure %d", m.failures)
	}

	m.SentMessages = append(m.SentMessages, SentMessage{
		Destination: destination,
		Message:     msg.Clone(),
	})
	return nil
}

func (m *MockSender) GetSentMessages() []SentMessage {
	m.mu.RLock()
	defer m.mu.RUnlock()

	messages := make([]SentMessage, len(m.SentMessages))
	copy(messages, m.SentMessages)
	return messages
}

// SentTo returns only the messages sent to destination.
func (m *MockSender) SentTo(destination string) []*models.Message {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []*models.Message
	for _, s := range m.SentMessages {
		if s.Destination == destination {
			out = append(out, s.Message)
		}
	}
	return out
}

func (m *MockSender) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.SentMessages = make([]SentMessage, 0)
	m.failures = 0
}
