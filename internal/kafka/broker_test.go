package kafka

import (
	"context"
	"sync"
	"testing"
	"time"

	"go-relay/pkg/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type readerSet struct {
	mu      sync.Mutex
	readers map[string]*MockReader
}

func (s *readerSet) factory(topic string) messageReader {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.readers == nil {
		s.readers = make(map[string]*MockReader)
	}
	r := NewMockReader()
	s.readers[topic] = r
	return r
}

func (s *readerSet) get(topic string) *MockReader {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.readers[topic]
}

func TestBroker_SendStampsFirstDelivery(t *testing.T) {
	producer := NewMockProducer()
	b := newBroker(producer, nil, (&readerSet{}).factory, nil)

	msg := models.NewTextMessage(3, "hello")
	msg.Priority = 12
	msg.Redelivered = true
	msg.DeliveryCount = 5
	require.NoError(t, b.Send(context.Background(), "client", msg))

	published := producer.PublishedTo("client")
	require.Len(t, published, 1)
	got, err := DecodeMessage(published[0].Record())
	require.NoError(t, err)

	assert.NotEmpty(t, got.MessageID)
	assert.Equal(t, got.MessageID, published[0].Key)
	assert.Equal(t, models.MaxPriority, got.Priority)
	assert.False(t, got.Redelivered)
	assert.Equal(t, 0, got.DeliveryCount)
	assert.Equal(t, "3", got.Headers[models.HeaderID])

	// The caller's message is untouched.
	assert.Empty(t, msg.MessageID)
	assert.Equal(t, 12, msg.Priority)
}

func TestBroker_SendRequiresDestination(t *testing.T) {
	b := newBroker(NewMockProducer(), nil, (&readerSet{}).factory, nil)
	assert.Error(t, b.Send(context.Background(), "", models.NewTextMessage(1, "x")))
}

func TestBroker_SendWrapsPublishError(t *testing.T) {
	producer := NewMockProducer()
	producer.FailCount = 1
	b := newBroker(producer, nil, (&readerSet{}).factory, nil)

	err := b.Send(context.Background(), "client", models.NewTextMessage(1, "x"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "client")
}

func TestBroker_ReceiveCommitsAndDecodes(t *testing.T) {
	readers := &readerSet{}
	b := newBroker(NewMockProducer(), nil, readers.factory, nil)

	// First call creates the reader and times out.
	_, err := b.Receive(context.Background(), "outbound", 10*time.Millisecond)
	require.ErrorIs(t, err, ErrNoMessage)

	reply := models.NewTextMessage(8, "REPLIED:x")
	reply.MessageID = "r-8"
	readers.get("outbound").Push(EncodeMessage("outbound", reply))

	got, err := b.Receive(context.Background(), "outbound", time.Second)
	require.NoError(t, err)
	assert.Equal(t, "r-8", got.MessageID)
	assert.Equal(t, "REPLIED:x", got.Text())
	assert.Len(t, readers.get("outbound").Committed(), 1)
}

func TestBroker_ReceiveCancelledContext(t *testing.T) {
	b := newBroker(NewMockProducer(), nil, (&readerSet{}).factory, nil)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := b.Receive(ctx, "outbound", time.Second)
	require.Error(t, err)
	assert.NotErrorIs(t, err, ErrNoMessage)
}

func TestBroker_CloseClosesReadersAndProducer(t *testing.T) {
	readers := &readerSet{}
	producerClosed := false
	producer := NewMockProducer()
	producer.CloseFunc = func() error {
		producerClosed = true
		return nil
	}
	b := newBroker(producer, nil, readers.factory, nil)

	_, err := b.Receive(context.Background(), "a", time.Millisecond)
	require.ErrorIs(t, err, ErrNoMessage)

	require.NoError(t, b.Close())
	assert.True(t, producerClosed)

	_, err = readers.get("a").FetchMessage(context.Background())
	assert.Error(t, err)

	_, err = b.Receive(context.Background(), "a", time.Millisecond)
	assert.Error(t, err)
	assert.NoError(t, b.Close())
}

func TestNewBroker_Validation(t *testing.T) {
	_, err := NewBroker(BrokerConfig{GroupID: "g"}, NewMockProducer(), nil)
	assert.Error(t, err)
	_, err = NewBroker(BrokerConfig{Brokers: []string{"localhost:9092"}}, NewMockProducer(), nil)
	assert.Error(t, err)
}

func TestKafkaClient_ConnectWithoutBrokers(t *testing.T) {
	c := NewKafkaClient(nil, 1)
	assert.Error(t, c.HealthCheck(context.Background()))
	assert.NoError(t, c.EnsureTopics(context.Background(), nil, 1))
	assert.Error(t, c.EnsureTopics(context.Background(), []string{"client"}, 1))
}

func TestKafkaClient_Backoff(t *testing.T) {
	c := NewKafkaClient([]string{"localhost:9092"}, 3)
	assert.Equal(t, time.Second, c.backoff(0))
	assert.Equal(t, 4*time.Second, c.backoff(2))
	assert.Equal(t, 30*time.Second, c.backoff(10))
}
