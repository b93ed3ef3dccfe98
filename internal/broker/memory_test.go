package broker

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"go-relay/pkg/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemory_SendAndReceive(t *testing.T) {
	b := NewMemory(Config{})
	defer b.Close()
	ctx := context.Background()

	require.NoError(t, b.Send(ctx, "client", models.NewTextMessage(1, "hello")))
	assert.Equal(t, 1, b.Len("client"))

	msg, err := b.Receive(ctx, "client", time.Second)
	require.NoError(t, err)
	assert.Equal(t, "hello", msg.Text())
	assert.Equal(t, "client", msg.Destination)
	assert.NotEmpty(t, msg.MessageID)
	assert.False(t, msg.Redelivered)
	assert.Equal(t, 1, msg.DeliveryCount)
	assert.Equal(t, 0, b.Len("client"))
	assert.Equal(t, 0, b.InFlight("client"))
}

func TestMemory_ReceiveTimeout(t *testing.T) {
	b := NewMemory(Config{})
	defer b.Close()

	_, err := b.Receive(context.Background(), "empty", 20*time.Millisecond)
	assert.ErrorIs(t, err, ErrNoMessage)
}

func TestMemory_SendDoesNotAliasCallerMessage(t *testing.T) {
	b := NewMemory(Config{})
	defer b.Close()

	msg := models.NewTextMessage(1, "a")
	require.NoError(t, b.Send(context.Background(), "q", msg))
	msg.Headers[models.HeaderID] = "changed"

	got, err := b.Receive(context.Background(), "q", time.Second)
	require.NoError(t, err)
	assert.Equal(t, "1", got.Headers[models.HeaderID])
}

func TestMemory_PriorityOrdering(t *testing.T) {
	b := NewMemory(Config{})
	defer b.Close()
	ctx := context.Background()

	low := models.NewTextMessage(1, "low")
	low.Priority = 1
	high := models.NewTextMessage(2, "high")
	high.Priority = 8
	mid1 := models.NewTextMessage(3, "mid-1")
	mid2 := models.NewTextMessage(4, "mid-2")

	for _, m := range []*models.Message{low, mid1, high, mid2} {
		require.NoError(t, b.Send(ctx, "q", m))
	}

	var order []string
	for i := 0; i < 4; i++ {
		m, err := b.Receive(ctx, "q", time.Second)
		require.NoError(t, err)
		order = append(order, m.Text())
	}
	assert.Equal(t, []string{"high", "mid-1", "mid-2", "low"}, order)
}

func TestMemory_RedeliverSetsFlagAndKeepsPriority(t *testing.T) {
	b := NewMemory(Config{MaxRedeliveries: 5})
	defer b.Close()
	ctx := context.Background()

	require.NoError(t, b.Send(ctx, "q", models.NewTextMessage(4, "x")))

	d, err := b.Fetch(ctx, "q")
	require.NoError(t, err)
	assert.False(t, d.Message.Redelivered)
	assert.Equal(t, 1, b.InFlight("q"))
	assert.Equal(t, 0, b.Len("q"))

	d.Message.Priority = 3
	dead, err := b.Redeliver(d)
	require.NoError(t, err)
	assert.False(t, dead)

	d2, err := b.Fetch(ctx, "q")
	require.NoError(t, err)
	assert.True(t, d2.Message.Redelivered)
	assert.Equal(t, 2, d2.Message.DeliveryCount)
	assert.Equal(t, 3, d2.Message.Priority)
	assert.Equal(t, d.Message.MessageID, d2.Message.MessageID)
	require.NoError(t, b.Ack(d2))
}

func TestMemory_DoubleSettleFails(t *testing.T) {
	b := NewMemory(Config{})
	defer b.Close()
	ctx := context.Background()

	require.NoError(t, b.Send(ctx, "q", models.NewTextMessage(1, "x")))
	d, err := b.Fetch(ctx, "q")
	require.NoError(t, err)

	require.NoError(t, b.Ack(d))
	assert.ErrorIs(t, b.Ack(d), ErrAlreadySettled)
	_, err = b.Redeliver(d)
	assert.ErrorIs(t, err, ErrAlreadySettled)
}

func TestMemory_DeadLetterAfterMaxRedeliveries(t *testing.T) {
	b := NewMemory(Config{MaxRedeliveries: 2, DeadLetterQueue: "dead"})
	defer b.Close()
	ctx := context.Background()

	require.NoError(t, b.Send(ctx, "q", models.NewTextMessage(5, "doomed")))

	// One first attempt plus two redeliveries, then the DLQ.
	for attempt := 1; attempt <= 3; attempt++ {
		d, err := b.Fetch(ctx, "q")
		require.NoError(t, err)
		assert.Equal(t, attempt, d.Message.DeliveryCount)
		dead, err := b.Redeliver(d)
		require.NoError(t, err)
		assert.Equal(t, attempt == 3, dead, "attempt %d", attempt)
	}

	assert.Equal(t, 0, b.Len("q"))
	require.Equal(t, 1, b.Len("dead"))

	dl, err := b.Receive(ctx, "dead", time.Second)
	require.NoError(t, err)
	assert.Equal(t, "doomed", dl.Text())
	assert.Equal(t, "q", dl.Headers[models.HeaderOriginalDestination])
	assert.Equal(t, "3", dl.Headers[models.HeaderDeliveryCount])
	assert.Equal(t, reasonMaxRedeliveries, dl.Headers[models.HeaderFailureReason])
	assert.False(t, dl.Redelivered)
}

func TestMemory_DeadLetterQueueExhaustionDiscards(t *testing.T) {
	b := NewMemory(Config{MaxRedeliveries: 1, DeadLetterQueue: "dead"})
	defer b.Close()
	ctx := context.Background()

	require.NoError(t, b.Send(ctx, "dead", models.NewTextMessage(9, "parked")))

	d, err := b.Fetch(ctx, "dead")
	require.NoError(t, err)
	dead, err := b.Redeliver(d)
	require.NoError(t, err)
	assert.False(t, dead)

	d, err = b.Fetch(ctx, "dead")
	require.NoError(t, err)
	dead, err = b.Redeliver(d)
	assert.ErrorIs(t, err, ErrDiscarded)
	assert.False(t, dead)
	assert.Equal(t, 0, b.Len("dead"))
	assert.Equal(t, 0, b.InFlight("dead"))
}

func TestMemory_UnlimitedRedeliveries(t *testing.T) {
	b := NewMemory(Config{MaxRedeliveries: -1})
	defer b.Close()
	ctx := context.Background()

	require.NoError(t, b.Send(ctx, "q", models.NewTextMessage(1, "x")))
	for i := 0; i < 20; i++ {
		d, err := b.Fetch(ctx, "q")
		require.NoError(t, err)
		dead, err := b.Redeliver(d)
		require.NoError(t, err)
		require.False(t, dead)
	}
	assert.Equal(t, 0, b.Len(DefaultDeadLetterQueue))
}

func TestMemory_TopicFanOut(t *testing.T) {
	b := NewMemory(Config{})
	defer b.Close()
	ctx := context.Background()

	b.DeclareTopic("events")
	q1, err := b.Subscribe("events", "a")
	require.NoError(t, err)
	q2, err := b.Subscribe("events", "b")
	require.NoError(t, err)

	require.NoError(t, b.Send(ctx, "events", models.NewTextMessage(1, "fan")))

	for _, q := range []string{q1, q2} {
		m, err := b.Receive(ctx, q, time.Second)
		require.NoError(t, err)
		assert.Equal(t, "fan", m.Text())
	}

	b.Unsubscribe("events", "b")
	require.NoError(t, b.Send(ctx, "events", models.NewTextMessage(2, "only-a")))
	assert.Equal(t, 1, b.Len(q1))
	assert.Equal(t, 0, b.Len(q2))
}

func TestMemory_SubscribeUnknownTopic(t *testing.T) {
	b := NewMemory(Config{})
	defer b.Close()

	_, err := b.Subscribe("missing", "a")
	assert.ErrorIs(t, err, ErrUnknownTopic)
}

func TestMemory_FetchWakesOnSend(t *testing.T) {
	b := NewMemory(Config{})
	defer b.Close()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	got := make(chan *Delivery, 1)
	go func() {
		d, err := b.Fetch(ctx, "q")
		if err == nil {
			got <- d
		}
	}()

	time.Sleep(20 * time.Millisecond)
	require.NoError(t, b.Send(ctx, "q", models.NewTextMessage(1, "late")))

	select {
	case d := <-got:
		assert.Equal(t, "late", d.Message.Text())
	case <-ctx.Done():
		t.Fatal("fetch was not woken by send")
	}
}

func TestMemory_CloseUnblocksFetch(t *testing.T) {
	b := NewMemory(Config{})

	errCh := make(chan error, 1)
	go func() {
		_, err := b.Fetch(context.Background(), "q")
		errCh <- err
	}()

	time.Sleep(20 * time.Millisecond)
	require.NoError(t, b.Close())

	select {
	case err := <-errCh:
		assert.ErrorIs(t, err, ErrClosed)
	case <-time.After(2 * time.Second):
		t.Fatal("fetch did not return after close")
	}

	assert.ErrorIs(t, b.Send(context.Background(), "q", models.NewTextMessage(1, "x")), ErrClosed)
	assert.ErrorIs(t, b.HealthCheck(context.Background()), ErrClosed)
}

func TestMemory_MessageNeverInFlightTwice(t *testing.T) {
	b := NewMemory(Config{MaxRedeliveries: -1})
	defer b.Close()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	require.NoError(t, b.Send(ctx, "q", models.NewTextMessage(1, "single")))

	var (
		mu       sync.Mutex
		active   int
		maxSeen  int
		attempts int
		wg       sync.WaitGroup
	)
	for w := 0; w < 4; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				d, err := b.Fetch(ctx, "q")
				if err != nil {
					return
				}
				mu.Lock()
				active++
				attempts++
				if active > maxSeen {
					maxSeen = active
				}
				done := attempts >= 50
				mu.Unlock()

				time.Sleep(time.Millisecond)

				mu.Lock()
				active--
				mu.Unlock()
				if done {
					_ = b.Ack(d)
					cancel()
					return
				}
				_, _ = b.Redeliver(d)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, maxSeen)
	assert.GreaterOrEqual(t, attempts, 50)
}

func TestMemory_StatsAndSendCancelled(t *testing.T) {
	b := NewMemory(Config{})
	defer b.Close()

	require.NoError(t, b.Send(context.Background(), "q", models.NewTextMessage(1, "x")))
	stats := b.Stats()
	require.Len(t, stats, 1)
	assert.Equal(t, QueueStats{Name: "q", Depth: 1}, stats[0])

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := b.Send(ctx, "q", models.NewTextMessage(2, "y"))
	assert.True(t, errors.Is(err, context.Canceled))
}
