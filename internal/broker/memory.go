package broker

import (
	"container/heap"
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"go-relay/pkg/models"

	"github.com/google/uuid"
)

var (
	ErrNoMessage      = errors.New("no message available")
	ErrClosed         = errors.New("broker closed")
	ErrAlreadySettled = errors.New("delivery already settled")
	ErrUnknownTopic   = errors.New("unknown topic")
	// ErrDiscarded means a message on the dead-letter queue spent its
	// redelivery budget and was dropped.
	ErrDiscarded = errors.New("redelivery budget exhausted on the dead-letter queue, message discarded")
)

const (
	DefaultDeadLetterQueue = "DLQ"
	DefaultMaxRedeliveries = 3

	reasonMaxRedeliveries = "max redeliveries exceeded"
)

// Config holds the broker-side redelivery accounting.
type Config struct {
	// MaxRedeliveries is how many times a message may be presented again
	// after its first attempt. 0 means DefaultMaxRedeliveries, negative
	// means unlimited.
	MaxRedeliveries int
	// DeadLetterQueue receives messages that exhaust their redeliveries.
	DeadLetterQueue string
}

// Delivery is one attempt of one message. The message stays in flight, and
// is invisible to other consumers, until the delivery is acked or redelivered.
type Delivery struct {
	Message *models.Message
	queue   string

	mu      sync.Mutex
	settled bool
}

func (d *Delivery) Queue() string {
	return d.queue
}

func (d *Delivery) settle() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.settled {
		return ErrAlreadySettled
	}
	d.settled = true
	return nil
}

// Memory is an in-process broker with queue and topic semantics,
// priority ordering, at-least-once redelivery and dead-letter routing.
// All methods are safe for concurrent use.
type Memory struct {
	cfg Config

	mu       sync.Mutex
	queues   map[string]*memQueue
	topics   map[string]map[string]string // topic -> subscription -> queue
	inFlight map[string]int               // queue -> deliveries not yet settled
	seq      uint64
	closed   bool
	done     chan struct{}
}

func NewMemory(cfg Config) *Memory {
	if cfg.MaxRedeliveries == 0 {
		cfg.MaxRedeliveries = DefaultMaxRedeliveries
	}
	if cfg.DeadLetterQueue == "" {
		cfg.DeadLetterQueue = DefaultDeadLetterQueue
	}
	return &Memory{
		cfg:      cfg,
		queues:   make(map[string]*memQueue),
		topics:   make(map[string]map[string]string),
		inFlight: make(map[string]int),
		done:     make(chan struct{}),
	}
}

func (b *Memory) DeadLetterQueue() string {
	return b.cfg.DeadLetterQueue
}

func (b *Memory) MaxRedeliveries() int {
	return b.cfg.MaxRedeliveries
}

// DeclareTopic makes name a fan-out destination. Sends to undeclared names go to a queue.
func (b *Memory) DeclareTopic(name string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.topics[name]; !ok {
		b.topics[name] = make(map[string]string)
	}
}

// Subscribe attaches a subscription to topic and returns the queue its copies land on.
func (b *Memory) Subscribe(topic, subscription string) (string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	subs, ok := b.topics[topic]
	if !ok {
		return "", fmt.Errorf("subscribe %s: %w", topic, ErrUnknownTopic)
	}
	queue := topic + "::" + subscription
	subs[subscription] = queue
	b.queueLocked(queue)
	return queue, nil
}

func (b *Memory) Unsubscribe(topic, subscription string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if subs, ok := b.topics[topic]; ok {
		delete(subs, subscription)
	}
}

// Send publishes a copy of msg to destination. A topic with no subscribers drops the message.
func (b *Memory) Send(ctx context.Context, destination string, msg *models.Message) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return ErrClosed
	}

	out := msg.Clone()
	if out.MessageID == "" {
		out.MessageID = uuid.NewString()
	}
	out.Destination = destination
	out.Timestamp = time.Now()
	out.Priority = models.ClampPriority(out.Priority)
	out.Redelivered = false
	out.DeliveryCount = 0

	if subs, ok := b.topics[destination]; ok {
		for _, queue := range subs {
			b.pushLocked(queue, out.Clone())
		}
		return nil
	}
	b.pushLocked(destination, out)
	return nil
}

// Fetch blocks until a message is available on queue and returns it as an in-flight delivery.
func (b *Memory) Fetch(ctx context.Context, queue string) (*Delivery, error) {
	for {
		b.mu.Lock()
		if b.closed {
			b.mu.Unlock()
			return nil, ErrClosed
		}
		q := b.queueLocked(queue)
		if q.Len() > 0 {
			msg := heap.Pop(q).(*queued).msg
			msg.DeliveryCount++
			msg.Redelivered = msg.DeliveryCount > 1
			b.inFlight[queue]++
			b.mu.Unlock()
			return &Delivery{Message: msg, queue: queue}, nil
		}
		notify := q.notify
		b.mu.Unlock()

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-b.done:
			return nil, ErrClosed
		case <-notify:
		}
	}
}

// Receive is the test-driver receive: it waits up to timeout and auto-acknowledges.
func (b *Memory) Receive(ctx context.Context, queue string, timeout time.Duration) (*models.Message, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	d, err := b.Fetch(ctx, queue)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return nil, ErrNoMessage
		}
		return nil, err
	}
	if err := b.Ack(d); err != nil {
		return nil, err
	}
	return d.Message, nil
}

// Ack commits the delivery.
func (b *Memory) Ack(d *Delivery) error {
	if err := d.settle(); err != nil {
		return err
	}
	b.mu.Lock()
	b.inFlight[d.queue]--
	b.mu.Unlock()
	return nil
}

// Redeliver puts the message back on its queue carrying whatever priority
// the handler left on it. Once the redelivery budget is spent the message is
// moved to the dead-letter queue instead and deadLettered is true. A message
// already on the dead-letter queue has nowhere left to go and is dropped with
// ErrDiscarded.
func (b *Memory) Redeliver(d *Delivery) (deadLettered bool, err error) {
	if err := d.settle(); err != nil {
		return false, err
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	b.inFlight[d.queue]--
	if b.closed {
		return false, ErrClosed
	}

	msg := d.Message
	msg.Priority = models.ClampPriority(msg.Priority)

	if b.cfg.MaxRedeliveries < 0 || msg.DeliveryCount <= b.cfg.MaxRedeliveries {
		b.pushLocked(d.queue, msg)
		return false, nil
	}

	if d.queue == b.cfg.DeadLetterQueue {
		return false, ErrDiscarded
	}

	dead := msg.Clone()
	dead.SetHeader(models.HeaderOriginalDestination, d.queue)
	dead.SetHeader(models.HeaderFailureReason, reasonMaxRedeliveries)
	dead.SetHeader(models.HeaderDeliveryCount, strconv.Itoa(msg.DeliveryCount))
	dead.SetHeader(models.HeaderDeadLetteredAt, time.Now().Format(time.RFC3339))
	dead.Destination = b.cfg.DeadLetterQueue
	dead.Redelivered = false
	dead.DeliveryCount = 0
	b.pushLocked(b.cfg.DeadLetterQueue, dead)
	return true, nil
}

// Len is the number of messages waiting on queue, excluding in-flight ones.
func (b *Memory) Len(queue string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	if q, ok := b.queues[queue]; ok {
		return q.Len()
	}
	return 0
}

// InFlight is the number of unsettled deliveries taken from queue.
func (b *Memory) InFlight(queue string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.inFlight[queue]
}

// QueueStats is a point-in-time view of one queue.
type QueueStats struct {
	Name     string `json:"name"`
	Depth    int    `json:"depth"`
	InFlight int    `json:"in_flight"`
}

func (b *Memory) Stats() []QueueStats {
	b.mu.Lock()
	defer b.mu.Unlock()

	stats := make([]QueueStats, 0, len(b.queues))
	for name, q := range b.queues {
		stats = append(stats, QueueStats{Name: name, Depth: q.Len(), InFlight: b.inFlight[name]})
	}
	return stats
}

// HealthCheck reports whether the broker still accepts work.
func (b *Memory) HealthCheck(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return ErrClosed
	}
	return nil
}

func (b *Memory) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil
	}
	b.closed = true
	close(b.done)
	return nil
}

func (b *Memory) queueLocked(name string) *memQueue {
	q, ok := b.queues[name]
	if !ok {
		q = &memQueue{notify: make(chan struct{})}
		b.queues[name] = q
	}
	return q
}

func (b *Memory) pushLocked(queue string, msg *models.Message) {
	q := b.queueLocked(queue)
	b.seq++
	heap.Push(q, &queued{msg: msg, seq: b.seq})
	close(q.notify)
	q.notify = make(chan struct{})
}

type queued struct {
	msg *models.Message
	seq uint64
}

// memQueue is a heap ordered by priority (highest first), then arrival.
// notify is closed and replaced on every push to wake blocked fetchers.
type memQueue struct {
	items  []*queued
	notify chan struct{}
}

func (q *memQueue) Len() int { return len(q.items) }

func (q *memQueue) Less(i, j int) bool {
	if q.items[i].msg.Priority != q.items[j].msg.Priority {
		return q.items[i].msg.Priority > q.items[j].msg.Priority
	}
	return q.items[i].seq < q.items[j].seq
}

func (q *memQueue) Swap(i, j int) { q.items[i], q.items[j] = q.items[j], q.items[i] }

func (q *memQueue) Push(x any) { q.items = append(q.items, x.(*queued)) }

func (q *memQueue) Pop() any {
	old := q.items
	n := len(old)
	item := old[n-1]
	old[n-1] = nil
	q.items = old[:n-1]
	return item
}
